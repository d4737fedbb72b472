package memory

import (
	"sync"

	errs "github.com/23skdu/husky/internal/errors"
	"github.com/23skdu/husky/internal/metrics"
	"github.com/23skdu/husky/internal/pagemap"
	"go.uber.org/zap"
)

// slab is one page of equal-sized slots owned by a single arena.
// The record lives on the Go heap, the slots live in the mapped page.
type slab struct {
	base   uintptr
	cursor uintptr // offset of the first never-used slot
	free   uintptr // header address of the last released slot, 0 if none
	live   int

	// avail list links; a slab is linked while it has a free or unused slot
	linked     bool
	prev, next *slab
}

// counters are owned by one subsystem and only touched under its lock.
type counters struct {
	pagesMapped     uint64
	pagesUnmapped   uint64
	chunksAllocated uint64
	chunksFreed     uint64
}

func (c *counters) add(o counters) {
	c.pagesMapped += o.pagesMapped
	c.pagesUnmapped += o.pagesUnmapped
	c.chunksAllocated += o.chunksAllocated
	c.chunksFreed += o.chunksFreed
}

// arena is one lock stripe of a size class. All fields below mu are
// guarded by it.
type arena struct {
	mu sync.Mutex

	class  int
	stripe int
	slot   uintptr
	page   uintptr
	mapper pagemap.Mapper
	logger *zap.Logger

	slabs map[uintptr]*slab // by page base
	avail *slab
	stats counters
}

func newArena(class, stripe int, mapper pagemap.Mapper, logger *zap.Logger) *arena {
	return &arena{
		class:  class,
		stripe: stripe,
		slot:   slotSize(class),
		page:   mapper.PageSize(),
		mapper: mapper,
		logger: logger,
		slabs:  make(map[uintptr]*slab),
	}
}

// allocLocked hands out one slot and returns its payload address.
// On failure the arena is left exactly as it was.
func (a *arena) allocLocked(size uintptr) (uintptr, error) {
	s := a.avail
	if s == nil {
		var err error
		if s, err = a.growLocked(); err != nil {
			return 0, err
		}
	}

	var hdr uintptr
	if s.free != 0 {
		hdr = s.free
		s.free = *wordAt(payloadOf(hdr))
	} else {
		hdr = s.base + s.cursor
		s.cursor += a.slot
	}
	s.live++
	if a.fullLocked(s) {
		a.unlinkLocked(s)
	}

	h := headerAt(hdr)
	h.size = uint64(alignUp(size, Alignment))
	h.tag = uint32(a.class)
	h.stripe = uint32(a.stripe)

	a.stats.chunksAllocated++
	return payloadOf(hdr), nil
}

// growLocked maps a fresh slab page and links it at the head of avail.
// The stripe lock stays held across Map so a failure leaves nothing to undo.
func (a *arena) growLocked() (*slab, error) {
	base, err := a.mapper.Map(a.page)
	if err != nil {
		metrics.MappingFailuresTotal.WithLabelValues("small").Inc()
		a.logger.Warn("slab page mapping failed",
			zap.Uintptr("class", classSize(a.class)),
			zap.Int("stripe", a.stripe),
			zap.Error(err),
		)
		return nil, errs.WrapOutOfMemoryError(err, "allocate", "slab page mapping failed").
			WithContext("class", classSize(a.class))
	}

	s := &slab{base: base}
	a.slabs[base] = s
	a.linkLocked(s)
	a.stats.pagesMapped++
	metrics.SlabPagesMappedTotal.WithLabelValues(classLabels[a.class]).Inc()

	if ce := a.logger.Check(zap.DebugLevel, "slab page mapped"); ce != nil {
		ce.Write(zap.Uintptr("class", classSize(a.class)), zap.Int("stripe", a.stripe), zap.Uintptr("base", base))
	}
	return s, nil
}

// freeLocked returns the slot whose header is at hdr. Header tag and
// stripe have already been checked by the caller.
func (a *arena) freeLocked(hdr uintptr) {
	base := hdr &^ (a.page - 1)
	s, ok := a.slabs[base]
	if !ok {
		invalidFree(hdr, "slot does not belong to a live slab of its arena")
	}
	off := hdr - base
	if off%a.slot != 0 || off >= s.cursor {
		invalidFree(hdr, "pointer is not the start of a handed-out slot")
	}
	h := headerAt(hdr)
	if h.tag != uint32(a.class) {
		// Another goroutine released the same slot first.
		invalidFree(hdr, "slot already freed")
	}

	wasFull := a.fullLocked(s)
	h.tag = tagFree
	*wordAt(payloadOf(hdr)) = s.free
	s.free = hdr
	s.live--
	a.stats.chunksFreed++

	if s.live == 0 {
		a.reclaimLocked(s)
		return
	}
	if wasFull {
		a.linkLocked(s)
	}
}

// reclaimLocked unmaps a slab with no live slots. If the unmap fails the
// slab is kept, emptied, so the arena stays consistent.
func (a *arena) reclaimLocked(s *slab) {
	if err := a.mapper.Unmap(s.base, a.page); err != nil {
		a.logger.Warn("slab page unmap failed, keeping page",
			zap.Uintptr("class", classSize(a.class)),
			zap.Uintptr("base", s.base),
			zap.Error(err),
		)
		s.free = 0
		s.cursor = 0
		if !s.linked {
			a.linkLocked(s)
		}
		return
	}

	if s.linked {
		a.unlinkLocked(s)
	}
	delete(a.slabs, s.base)
	a.stats.pagesUnmapped++
	metrics.SlabPagesReclaimedTotal.WithLabelValues(classLabels[a.class]).Inc()

	if ce := a.logger.Check(zap.DebugLevel, "slab page reclaimed"); ce != nil {
		ce.Write(zap.Uintptr("class", classSize(a.class)), zap.Int("stripe", a.stripe), zap.Uintptr("base", s.base))
	}
}

func (a *arena) fullLocked(s *slab) bool {
	return s.free == 0 && s.cursor+a.slot > a.page
}

func (a *arena) linkLocked(s *slab) {
	s.prev = nil
	s.next = a.avail
	if a.avail != nil {
		a.avail.prev = s
	}
	a.avail = s
	s.linked = true
}

func (a *arena) unlinkLocked(s *slab) {
	if s.prev != nil {
		s.prev.next = s.next
	} else {
		a.avail = s.next
	}
	if s.next != nil {
		s.next.prev = s.prev
	}
	s.prev, s.next = nil, nil
	s.linked = false
}

// freeBytesLocked walks every slab's free list.
func (a *arena) freeBytesLocked() uint64 {
	var n uint64
	for _, s := range a.slabs {
		for hdr := s.free; hdr != 0; hdr = *wordAt(payloadOf(hdr)) {
			n += uint64(a.slot)
		}
	}
	return n
}
