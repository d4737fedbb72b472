package memory

import (
	"sync/atomic"
	"unsafe"

	"github.com/23skdu/husky/internal/metrics"
	arrowmem "github.com/apache/arrow-go/v18/arrow/memory"
)

// ArrowAllocator lets Arrow buffers live in off-heap memory and updates
// Prometheus metrics as they come and go. Buffers are zeroed like the
// ones from arrowmem.GoAllocator, but aligned only to the block payload:
// 16 bytes up to MaxSmallSize and Alignment above it, not the 64 bytes
// GoAllocator and Mallocator give.
type ArrowAllocator struct {
	alloc *Allocator
	// Exposed for testing validity, but main purpose is metrics
	BytesAllocated atomic.Int64
	BytesFreed     atomic.Int64
}

// NewArrowAllocator creates an adapter over a.
func NewArrowAllocator(a *Allocator) *ArrowAllocator {
	return &ArrowAllocator{alloc: a}
}

// Allocate panics when memory cannot be mapped, as the Arrow interface
// has no error return.
func (a *ArrowAllocator) Allocate(size int) []byte {
	if size <= 0 {
		return []byte{}
	}
	p, err := a.alloc.Alloc(uintptr(size))
	if err != nil {
		panic(err)
	}
	buf := unsafe.Slice((*byte)(p), size)
	clear(buf)

	a.BytesAllocated.Add(int64(size))
	metrics.AllocatorBytesAllocatedTotal.Add(float64(size))
	metrics.AllocatorAllocationsActive.Inc()
	return buf
}

// Reallocate moves b into a block of size bytes. Bytes past len(b) are zeroed.
func (a *ArrowAllocator) Reallocate(size int, b []byte) []byte {
	if cap(b) == 0 {
		return a.Allocate(size)
	}
	if size <= 0 {
		a.Free(b)
		return []byte{}
	}

	p, err := a.alloc.Resize(unsafe.Pointer(unsafe.SliceData(b)), uintptr(size))
	if err != nil {
		panic(err)
	}
	buf := unsafe.Slice((*byte)(p), size)
	if size > len(b) {
		clear(buf[len(b):])
	}

	// Counted as a new allocation to show churn; the live count is unchanged.
	a.BytesAllocated.Add(int64(size))
	metrics.AllocatorBytesAllocatedTotal.Add(float64(size))
	return buf
}

// Free releases a buffer from Allocate or Reallocate. Empty buffers are ignored.
func (a *ArrowAllocator) Free(b []byte) {
	if cap(b) == 0 {
		return
	}
	a.BytesFreed.Add(int64(len(b)))
	metrics.AllocatorBytesFreedTotal.Add(float64(len(b)))
	metrics.AllocatorAllocationsActive.Dec()
	a.alloc.Free(unsafe.Pointer(unsafe.SliceData(b)))
}

var _ arrowmem.Allocator = (*ArrowAllocator)(nil)
