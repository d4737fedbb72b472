package pagemap

import (
	"errors"
	"fmt"
	"os"
)

var (
	// ErrUnsupported is returned when the platform has no anonymous mappings.
	ErrUnsupported = errors.New("pagemap: anonymous mappings unsupported on this platform")
	// ErrInvalidSize is returned for sizes that are zero or not page multiples.
	ErrInvalidSize = errors.New("pagemap: size must be a positive multiple of the page size")
	// ErrInvalidAddress is returned when Unmap gets an address that is not page-aligned.
	ErrInvalidAddress = errors.New("pagemap: address must be page-aligned")
)

// Mapper is the OS page-mapping primitive consumed by the allocator.
type Mapper interface {
	// Map returns the base address of size bytes of fresh zeroed memory.
	// size must be a positive multiple of PageSize.
	Map(size uintptr) (uintptr, error)

	// Unmap releases size bytes starting at addr.
	Unmap(addr, size uintptr) error

	// PageSize is the platform page size in bytes.
	PageSize() uintptr
}

// OS maps pages from the kernel.
type OS struct {
	pageSize uintptr
}

// NewOS creates a Mapper backed by mmap(2). The page size is read from the platform.
func NewOS() *OS {
	return &OS{pageSize: uintptr(os.Getpagesize())}
}

// PageSize implements Mapper.
func (m *OS) PageSize() uintptr {
	return m.pageSize
}

// Map implements Mapper.
func (m *OS) Map(size uintptr) (uintptr, error) {
	if size == 0 || size%m.pageSize != 0 {
		return 0, fmt.Errorf("%w: %d", ErrInvalidSize, size)
	}
	return osMap(size)
}

// Unmap implements Mapper.
func (m *OS) Unmap(addr, size uintptr) error {
	if addr%m.pageSize != 0 {
		return fmt.Errorf("%w: %#x", ErrInvalidAddress, addr)
	}
	if size == 0 || size%m.pageSize != 0 {
		return fmt.Errorf("%w: %d", ErrInvalidSize, size)
	}
	return osUnmap(addr, size)
}

// RoundUp rounds n up to a multiple of align, which must be a power of two.
func RoundUp(n, align uintptr) uintptr {
	return (n + align - 1) &^ (align - 1)
}
