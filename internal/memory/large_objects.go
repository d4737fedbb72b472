package memory

import (
	"sync"
	"unsafe"

	errs "github.com/23skdu/husky/internal/errors"
	"github.com/23skdu/husky/internal/metrics"
	"github.com/23skdu/husky/internal/pagemap"
	"go.uber.org/zap"
)

// freeRegion is written in-band at the start of every free large region.
// size and tag overlay the block header so a released block reads as free.
type freeRegion struct {
	size uint64 // bytes spanned, header included
	tag  uint32
	_    uint32
	next uintptr // next region by address, 0 at the tail
}

// minRegion is the smallest remainder worth keeping on the free list.
const minRegion = unsafe.Sizeof(freeRegion{})

func regionAt(addr uintptr) *freeRegion {
	return (*freeRegion)(unsafe.Pointer(addr)) //nolint:govet // addr is an off-heap mapping
}

// LargeObjects serves requests above MaxSmallSize from a single
// address-ordered list of free regions. Every operation is serialized
// by mu.
type LargeObjects struct {
	mu     sync.Mutex
	mapper pagemap.Mapper
	page   uintptr
	logger *zap.Logger

	head  uintptr // lowest free region, 0 when empty
	stats counters
}

// NewLargeObjects creates an empty engine; pages are mapped on demand.
func NewLargeObjects(mapper pagemap.Mapper, logger *zap.Logger) *LargeObjects {
	return &LargeObjects{
		mapper: mapper,
		page:   mapper.PageSize(),
		logger: logger,
	}
}

// Alloc returns the payload address of a block holding size bytes.
func (lo *LargeObjects) Alloc(size uintptr) (uintptr, error) {
	total := alignUp(headerSize+size, Alignment)

	lo.mu.Lock()
	defer lo.mu.Unlock()

	prev, r := lo.bestFitLocked(total)
	if r == 0 {
		if err := lo.growLocked(total); err != nil {
			return 0, err
		}
		prev, r = lo.bestFitLocked(total)
	}

	hdr := lo.carveLocked(prev, r, total)
	lo.stats.chunksAllocated++
	return payloadOf(hdr), nil
}

// bestFitLocked returns the smallest region of at least total bytes and
// its list predecessor. Ties go to the lowest address.
func (lo *LargeObjects) bestFitLocked(total uintptr) (prev, best uintptr) {
	var bestSize uint64
	var p uintptr
	for r := lo.head; r != 0; p, r = r, regionAt(r).next {
		size := regionAt(r).size
		if size < uint64(total) {
			continue
		}
		if best == 0 || size < bestSize {
			prev, best, bestSize = p, r, size
		}
	}
	return prev, best
}

// carveLocked takes total bytes from region r and returns the block header.
// The block comes from the high end so r keeps its list position; a
// remainder too small to describe itself goes with the block.
func (lo *LargeObjects) carveLocked(prev, r, total uintptr) uintptr {
	fr := regionAt(r)
	size := uintptr(fr.size)

	var hdr uintptr
	if size-total < minRegion {
		lo.unlinkLocked(prev, r)
		hdr = r
		total = size
	} else {
		fr.size = uint64(size - total)
		hdr = r + size - total
	}

	h := headerAt(hdr)
	h.size = uint64(total - headerSize)
	h.tag = tagLarge
	h.stripe = 0
	return hdr
}

// growLocked maps a page run able to hold total bytes and merges it into
// the list. On failure the list is untouched. mu stays held across Map so
// growth and the following search are one step.
func (lo *LargeObjects) growLocked(total uintptr) error {
	size := pagemap.RoundUp(total, lo.page)
	base, err := lo.mapper.Map(size)
	if err != nil {
		metrics.MappingFailuresTotal.WithLabelValues("large").Inc()
		lo.logger.Warn("large region mapping failed",
			zap.Uintptr("bytes", size),
			zap.Error(err),
		)
		return errs.WrapOutOfMemoryError(err, "allocate", "large region mapping failed").
			WithContext("bytes", size)
	}

	lo.stats.pagesMapped += uint64(size / lo.page)
	metrics.LargeRegionsMappedTotal.Inc()
	if ce := lo.logger.Check(zap.DebugLevel, "large region mapped"); ce != nil {
		ce.Write(zap.Uintptr("base", base), zap.Uintptr("bytes", size))
	}

	lo.insertLocked(base, size)
	fr := regionAt(base)
	fr.size = uint64(size)
	fr.tag = tagFree
	lo.coalesceLocked()
	return nil
}

// Free returns the block whose header is at hdr to the list, merges it
// with its neighbours and hands whole free pages back to the OS.
func (lo *LargeObjects) Free(hdr uintptr) {
	lo.mu.Lock()
	defer lo.mu.Unlock()

	h := headerAt(hdr)
	if h.tag != tagLarge {
		invalidFree(hdr, "block already freed")
	}
	if h.size == 0 || h.size%Alignment != 0 {
		invalidFree(hdr, "corrupted large block size")
	}

	size := uintptr(h.size) + headerSize
	lo.insertLocked(hdr, size)
	fr := regionAt(hdr)
	fr.size = uint64(size)
	fr.tag = tagFree

	lo.coalesceLocked()
	lo.releaseLocked()
	lo.stats.chunksFreed++
}

// insertLocked links the size bytes at r at their address-ordered
// position. An overlap with a listed region means the block was never
// handed out or is already free.
func (lo *LargeObjects) insertLocked(r, size uintptr) {
	end := r + size
	var prev uintptr
	next := lo.head
	for next != 0 && next < r {
		prev, next = next, regionAt(next).next
	}
	if prev != 0 && prev+uintptr(regionAt(prev).size) > r {
		invalidFree(r, "block overlaps a free region")
	}
	if next != 0 && (next == r || end > next) {
		invalidFree(r, "block overlaps a free region")
	}

	regionAt(r).next = next
	if prev == 0 {
		lo.head = r
	} else {
		regionAt(prev).next = r
	}
}

func (lo *LargeObjects) unlinkLocked(prev, r uintptr) {
	next := regionAt(r).next
	if prev == 0 {
		lo.head = next
	} else {
		regionAt(prev).next = next
	}
}

// coalesceLocked merges every pair of address-contiguous neighbours and
// returns the number of merges.
func (lo *LargeObjects) coalesceLocked() int {
	merged := 0
	for r := lo.head; r != 0; {
		fr := regionAt(r)
		if fr.next != 0 && r+uintptr(fr.size) == fr.next {
			nr := regionAt(fr.next)
			fr.size += nr.size
			fr.next = nr.next
			merged++
			continue
		}
		r = fr.next
	}
	if merged > 0 {
		metrics.LargeCoalescesTotal.Add(float64(merged))
	}
	return merged
}

// releaseLocked unmaps every region that covers whole pages exactly.
// A region whose unmap fails stays on the list.
func (lo *LargeObjects) releaseLocked() {
	var prev uintptr
	for r := lo.head; r != 0; {
		fr := regionAt(r)
		size := uintptr(fr.size)
		next := fr.next
		if r%lo.page != 0 || size%lo.page != 0 {
			prev, r = r, next
			continue
		}

		if err := lo.mapper.Unmap(r, size); err != nil {
			lo.logger.Warn("large region unmap failed, keeping region",
				zap.Uintptr("base", r),
				zap.Uintptr("bytes", size),
				zap.Error(err),
			)
			prev, r = r, next
			continue
		}

		// r is gone; only prev and next may be touched from here on.
		if prev == 0 {
			lo.head = next
		} else {
			regionAt(prev).next = next
		}
		lo.stats.pagesUnmapped += uint64(size / lo.page)
		metrics.LargeRegionsUnmappedTotal.Inc()
		if ce := lo.logger.Check(zap.DebugLevel, "large region unmapped"); ce != nil {
			ce.Write(zap.Uintptr("base", r), zap.Uintptr("bytes", size))
		}
		r = next
	}
}

// statsLocked returns the counters and the bytes held on the free list.
func (lo *LargeObjects) statsLocked() (counters, uint64) {
	var free uint64
	for r := lo.head; r != 0; r = regionAt(r).next {
		free += regionAt(r).size
	}
	return lo.stats, free
}
