// Package pagemap is the allocator's only source of memory: anonymous,
// private, read-write page mappings obtained straight from the kernel.
//
// # Overview
//
// Addresses are returned as uintptr because the memory is off-heap. The Go
// garbage collector never scans or moves it, and nothing in it may hold a
// pointer into the Go heap.
//
//	m := pagemap.NewOS()
//	addr, err := m.Map(m.PageSize())
//	if err != nil { ... }
//	defer m.Unmap(addr, m.PageSize())
//
// # Partial Unmapping
//
// Unmap accepts any page-aligned sub-range of earlier mappings, including a
// range that spans two adjacent mappings. The large-object path relies on
// this when it returns coalesced regions to the OS.
//
// # Platform Support
//
//   - Linux and macOS: mmap(2)/munmap(2) through golang.org/x/sys/unix
//   - Elsewhere: Map returns ErrUnsupported
//
// # Memory Budget
//
// NewLimited wraps a Mapper with a byte budget backed by a weighted
// semaphore. Mappings that would exceed the budget fail with
// ErrBudgetExceeded before any syscall is made.
package pagemap
