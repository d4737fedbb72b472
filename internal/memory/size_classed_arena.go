package memory

import (
	"sync/atomic"

	"github.com/23skdu/husky/internal/metrics"
	"github.com/23skdu/husky/internal/pagemap"
	"go.uber.org/zap"
)

// MinStripes is the smallest number of arenas per size class.
const MinStripes = 2

// sizeClass is the set of lock stripes serving one class.
type sizeClass struct {
	next    atomic.Uint32 // round-robin starting stripe
	stripes []*arena
}

// SizeClassArena serves requests of at most MaxSmallSize bytes from
// striped per-class arenas.
type SizeClassArena struct {
	classes [NumClasses]sizeClass
}

// NewSizeClassArena creates stripes arenas for every size class. Arenas
// map no memory until their first allocation.
func NewSizeClassArena(stripes int, mapper pagemap.Mapper, logger *zap.Logger) *SizeClassArena {
	if stripes < MinStripes {
		stripes = MinStripes
	}
	sca := &SizeClassArena{}
	for c := range sca.classes {
		sca.classes[c].stripes = make([]*arena, stripes)
		for s := range sca.classes[c].stripes {
			sca.classes[c].stripes[s] = newArena(c, s, mapper, logger)
		}
	}
	return sca
}

// lock returns a locked stripe of class. It sweeps every stripe once with
// TryLock starting at the round-robin position, then blocks on the
// starting stripe, so a caller waits for at most one holder.
func (sca *SizeClassArena) lock(class int) *arena {
	c := &sca.classes[class]
	n := uint32(len(c.stripes))
	start := (c.next.Add(1) - 1) % n

	for i := uint32(0); i < n; i++ {
		a := c.stripes[(start+i)%n]
		if a.mu.TryLock() {
			return a
		}
	}

	metrics.StripeLockFallbacksTotal.WithLabelValues(classLabels[class]).Inc()
	a := c.stripes[start]
	a.mu.Lock()
	return a
}

// Alloc returns the payload address of a slot able to hold size bytes.
func (sca *SizeClassArena) Alloc(size uintptr) (uintptr, error) {
	class, ok := classFor(size)
	if !ok {
		return 0, errInvalidSize("allocate", size)
	}
	a := sca.lock(class)
	defer a.mu.Unlock()
	return a.allocLocked(size)
}

// Free releases the slot whose header is at hdr and carries h's tag.
func (sca *SizeClassArena) Free(hdr uintptr, h *header) {
	class := int(h.tag)
	stripes := sca.classes[class].stripes
	if h.stripe >= uint32(len(stripes)) {
		invalidFree(hdr, "stripe out of range")
	}
	a := stripes[h.stripe]
	a.mu.Lock()
	defer a.mu.Unlock()
	a.freeLocked(hdr)
}

// Stripes returns the number of arenas per size class.
func (sca *SizeClassArena) Stripes() int {
	return len(sca.classes[0].stripes)
}

// lockAll takes every arena lock in (class, stripe) order.
func (sca *SizeClassArena) lockAll() {
	for c := range sca.classes {
		for _, a := range sca.classes[c].stripes {
			a.mu.Lock()
		}
	}
}

func (sca *SizeClassArena) unlockAll() {
	for c := len(sca.classes) - 1; c >= 0; c-- {
		stripes := sca.classes[c].stripes
		for s := len(stripes) - 1; s >= 0; s-- {
			stripes[s].mu.Unlock()
		}
	}
}

// statsLocked sums counters and free bytes; callers hold lockAll.
func (sca *SizeClassArena) statsLocked() (counters, uint64) {
	var total counters
	var free uint64
	for c := range sca.classes {
		for _, a := range sca.classes[c].stripes {
			total.add(a.stats)
			free += a.freeBytesLocked()
		}
	}
	return total, free
}
