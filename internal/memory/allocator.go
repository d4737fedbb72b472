package memory

import (
	"fmt"
	"math"
	"unsafe"

	errs "github.com/23skdu/husky/internal/errors"
	"github.com/23skdu/husky/internal/metrics"
	"github.com/23skdu/husky/internal/pagemap"
	"go.uber.org/zap"
)

const (
	// DefaultStripes is the number of arenas per size class when unset.
	DefaultStripes = 4

	// MaxAllocSize bounds a single request so header and page rounding
	// cannot wrap a uintptr. It is 1<<47 on 64-bit targets.
	MaxAllocSize = min(1<<47, math.MaxUint>>1)
)

// Sentinels for errors.Is; they match any error of the same type.
var (
	ErrInvalidRequest = errs.Kind(errs.ErrorTypeInvalidRequest)
	ErrOutOfMemory    = errs.Kind(errs.ErrorTypeOutOfMemory)
	ErrInvalidFree    = errs.Kind(errs.ErrorTypeInvalidFree)
)

// Config configures an Allocator. The zero value is usable.
type Config struct {
	// Stripes is the number of arenas per size class, at least MinStripes.
	Stripes int
	// Mapper supplies pages; defaults to pagemap.NewOS().
	Mapper pagemap.Mapper
	// Logger defaults to a no-op logger.
	Logger *zap.Logger
}

// Allocator hands out off-heap memory. Requests of at most MaxSmallSize
// bytes go to striped size-class arenas, larger ones to a best-fit free
// list. It is safe for concurrent use.
type Allocator struct {
	small  *SizeClassArena
	large  *LargeObjects
	page   uintptr
	logger *zap.Logger
}

// New creates an Allocator. No memory is mapped until the first request.
func New(cfg Config) (*Allocator, error) {
	if cfg.Stripes == 0 {
		cfg.Stripes = DefaultStripes
	}
	if cfg.Stripes < MinStripes {
		return nil, errs.NewConfigurationError("new", "stripes below minimum").
			WithContext("stripes", cfg.Stripes).
			WithContext("min", MinStripes)
	}
	if cfg.Mapper == nil {
		cfg.Mapper = pagemap.NewOS()
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	page := cfg.Mapper.PageSize()
	if page == 0 || page&(page-1) != 0 || page < slotSize(NumClasses-1) {
		return nil, errs.NewConfigurationError("new", "page size must be a power of two holding the largest slot").
			WithContext("page_size", page)
	}

	return &Allocator{
		small:  NewSizeClassArena(cfg.Stripes, cfg.Mapper, cfg.Logger),
		large:  NewLargeObjects(cfg.Mapper, cfg.Logger),
		page:   page,
		logger: cfg.Logger,
	}, nil
}

// Alloc returns size bytes of 8-byte aligned memory.
func (a *Allocator) Alloc(size uintptr) (unsafe.Pointer, error) {
	if size == 0 {
		return nil, errs.NewInvalidRequestError("allocate", "size must be positive")
	}
	if size > MaxAllocSize {
		return nil, errs.New(errs.ErrorTypeOutOfMemory, "allocate", "request exceeds maximum allocation size").
			WithContext("size", size)
	}

	var p uintptr
	var err error
	if size <= MaxSmallSize {
		p, err = a.small.Alloc(size)
	} else {
		p, err = a.large.Alloc(size)
	}
	if err != nil {
		return nil, err
	}
	return unsafe.Pointer(p), nil //nolint:govet // p is an off-heap mapping
}

// Malloc is Alloc with every failure reported as nil.
func (a *Allocator) Malloc(size uintptr) unsafe.Pointer {
	p, _ := a.Alloc(size)
	return p
}

// Free releases memory returned by Alloc or Resize. Free(nil) does nothing.
// A pointer whose header is inconsistent panics with an ErrInvalidFree error.
func (a *Allocator) Free(ptr unsafe.Pointer) {
	if ptr == nil {
		return
	}
	hdr := headerOf(uintptr(ptr))
	h := headerAt(hdr)
	switch {
	case h.tag < uint32(NumClasses):
		a.small.Free(hdr, h)
	case h.tag == tagLarge:
		a.large.Free(hdr)
	case h.tag == tagFree:
		invalidFree(hdr, "block already freed")
	default:
		invalidFree(hdr, "unknown block tag")
	}
}

// Resize moves ptr's contents into a fresh block of n bytes and frees ptr.
// A nil ptr or zero n frees ptr and returns nil. If the new block cannot
// be allocated, ptr stays live and untouched.
func (a *Allocator) Resize(ptr unsafe.Pointer, n uintptr) (unsafe.Pointer, error) {
	if ptr == nil || n == 0 {
		a.Free(ptr)
		return nil, nil
	}
	old := a.UsableSize(ptr)
	dst, err := a.Alloc(n)
	if err != nil {
		return nil, err
	}
	copy(unsafe.Slice((*byte)(dst), n), unsafe.Slice((*byte)(ptr), min(old, n)))
	a.Free(ptr)
	return dst, nil
}

// Realloc is Resize with every failure reported as nil.
func (a *Allocator) Realloc(ptr unsafe.Pointer, n uintptr) unsafe.Pointer {
	p, _ := a.Resize(ptr, n)
	return p
}

// UsableSize returns the payload bytes of a live block.
func (a *Allocator) UsableSize(ptr unsafe.Pointer) uintptr {
	if ptr == nil {
		return 0
	}
	return uintptr(headerAt(headerOf(uintptr(ptr))).size)
}

// Bytes returns a view of the whole payload of a live block. The slice
// must not be used after the block is freed.
func (a *Allocator) Bytes(ptr unsafe.Pointer) []byte {
	if ptr == nil {
		return nil
	}
	return unsafe.Slice((*byte)(ptr), a.UsableSize(ptr))
}

// PageSize returns the page size of the allocator's mapper.
func (a *Allocator) PageSize() uintptr {
	return a.page
}

// Stripes returns the number of arenas per size class.
func (a *Allocator) Stripes() int {
	return a.small.Stripes()
}

// Stats takes a consistent snapshot. Arena locks are taken in
// (class, stripe) order before the large-object lock.
func (a *Allocator) Stats() Stats {
	a.small.lockAll()
	a.large.mu.Lock()
	sc, smallFree := a.small.statsLocked()
	lc, largeFree := a.large.statsLocked()
	a.large.mu.Unlock()
	a.small.unlockAll()

	sc.add(lc)
	return Stats{
		PagesMapped:     sc.pagesMapped,
		PagesUnmapped:   sc.pagesUnmapped,
		ChunksAllocated: sc.chunksAllocated,
		ChunksFreed:     sc.chunksFreed,
		FreeBytes:       smallFree + largeFree,
	}
}

// invalidFree aborts a free whose header at hdr cannot be trusted.
// Callers holding a lock release it through defer while panicking.
func invalidFree(hdr uintptr, msg string) {
	metrics.InvalidFreesTotal.Inc()
	panic(errs.NewInvalidFreeError("free", msg).
		WithContext("ptr", fmt.Sprintf("%#x", payloadOf(hdr))))
}

func errInvalidSize(op string, size uintptr) error {
	return errs.NewInvalidRequestError(op, "size outside the small-object range").
		WithContext("size", size)
}
