//go:build linux || darwin

package memory

import (
	"fmt"
	"math/rand/v2"
	"testing"
	"unsafe"

	errs "github.com/23skdu/husky/internal/errors"
	"github.com/23skdu/husky/internal/pagemap"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

type tinyPageMapper struct {
	pagemap.Mapper
}

func (tinyPageMapper) PageSize() uintptr { return 512 }

func TestNew_Config(t *testing.T) {
	a := newTestAllocator(t, Config{})
	assert.Equal(t, DefaultStripes, a.Stripes())
	assert.NotZero(t, a.PageSize())
	assert.Equal(t, Stats{}, a.Stats(), "nothing is mapped before the first request")

	_, err := New(Config{Stripes: 1})
	require.Error(t, err)
	assert.ErrorIs(t, err, errs.Kind(errs.ErrorTypeConfiguration))

	_, err = New(Config{Mapper: tinyPageMapper{pagemap.NewOS()}})
	assert.ErrorIs(t, err, errs.Kind(errs.ErrorTypeConfiguration))

	a = newTestAllocator(t, Config{Stripes: 8})
	assert.Equal(t, 8, a.Stripes())
}

func TestAllocator_ZeroSize(t *testing.T) {
	a := newTestAllocator(t, Config{})

	p, err := a.Alloc(0)
	assert.Nil(t, p)
	assert.ErrorIs(t, err, ErrInvalidRequest)
	assert.Nil(t, a.Malloc(0))
	assert.Equal(t, Stats{}, a.Stats())
}

func TestAllocator_TooLarge(t *testing.T) {
	a := newTestAllocator(t, Config{})
	_, err := a.Alloc(MaxAllocSize + 1)
	assert.ErrorIs(t, err, ErrOutOfMemory)
}

func TestMaxAllocSize_RoundingCannotWrap(t *testing.T) {
	a := newTestAllocator(t, Config{})
	size := uintptr(MaxAllocSize)

	require.LessOrEqual(t, size, ^uintptr(0)-headerSize-Alignment-a.PageSize())
	total := alignUp(headerSize+size, Alignment)
	assert.Greater(t, total, size)
	assert.GreaterOrEqual(t, pagemap.RoundUp(total, a.PageSize()), total)

	_, err := a.Alloc(size + 1)
	assert.ErrorIs(t, err, ErrOutOfMemory)
}

func TestAllocator_Alignment(t *testing.T) {
	a := newTestAllocator(t, Config{})
	sizes := []uintptr{1, 7, 8, 9, 31, 32, 33, 100, 255, 1000, 1024, 1025, 1031, 4000, 5000, 9999, 70000}

	var ptrs []unsafe.Pointer
	for _, size := range sizes {
		p, err := a.Alloc(size)
		require.NoError(t, err, "size %d", size)
		assert.Zero(t, uintptr(p)%Alignment, "size %d", size)
		assert.GreaterOrEqual(t, a.UsableSize(p), size)
		ptrs = append(ptrs, p)
	}
	for _, p := range ptrs {
		a.Free(p)
	}
	assert.Zero(t, a.Stats().LivePages())
}

func TestAllocator_ClassBoundary(t *testing.T) {
	a := newTestAllocator(t, Config{})

	p32 := a.Malloc(32)
	p33 := a.Malloc(33)
	p1024 := a.Malloc(1024)
	p1025 := a.Malloc(1025)
	require.NotNil(t, p32)
	require.NotNil(t, p33)
	require.NotNil(t, p1024)
	require.NotNil(t, p1025)

	assert.Equal(t, uint32(0), tagOf(uintptr(p32)))
	assert.Equal(t, uint32(1), tagOf(uintptr(p33)))
	assert.Equal(t, uint32(NumClasses-1), tagOf(uintptr(p1024)), "1024 stays on the small path")
	assert.Equal(t, tagLarge, tagOf(uintptr(p1025)), "1025 takes the large path")

	for _, p := range []unsafe.Pointer{p32, p33, p1024, p1025} {
		a.Free(p)
	}
}

func TestAllocator_RoundTripReturnsPages(t *testing.T) {
	a := newTestAllocator(t, Config{})

	for _, size := range []uintptr{24, 64, 500, 1024, 3000, 20000} {
		t.Run(fmt.Sprint(size), func(t *testing.T) {
			before := a.Stats().LivePages()
			for _, n := range []int{1, 5, 100} {
				ptrs := make([]unsafe.Pointer, n)
				for i := range ptrs {
					ptrs[i] = a.Malloc(size)
					require.NotNil(t, ptrs[i])
				}
				assert.Greater(t, a.Stats().LivePages(), before)
				for _, p := range ptrs {
					a.Free(p)
				}
				assert.Equal(t, before, a.Stats().LivePages(), "n=%d", n)
			}
		})
	}

	s := a.Stats()
	assert.Equal(t, s.ChunksAllocated, s.ChunksFreed)
	assert.Zero(t, s.FreeBytes)
}

func TestAllocator_FreeBytesCountsLargeRemainder(t *testing.T) {
	a := newTestAllocator(t, Config{})

	p := a.Malloc(5000)
	require.NotNil(t, p)
	total := alignUp(headerSize+5000, Alignment)
	assert.Equal(t, uint64(pagemap.RoundUp(total, a.PageSize())-total), a.Stats().FreeBytes)

	a.Free(p)
	assert.Zero(t, a.Stats().FreeBytes)
}

func TestAllocator_FreeBytesCountsSmallSlots(t *testing.T) {
	a := newTestAllocator(t, Config{Stripes: MinStripes})
	ar := a.small.classes[0].stripes[0]

	ar.mu.Lock()
	p1, err := ar.allocLocked(8)
	require.NoError(t, err)
	_, err = ar.allocLocked(8)
	require.NoError(t, err)
	ar.freeLocked(headerOf(p1))
	ar.mu.Unlock()

	assert.Equal(t, uint64(slotSize(0)), a.Stats().FreeBytes)
}

func TestAllocator_FreeNil(t *testing.T) {
	a := newTestAllocator(t, Config{})
	assert.NotPanics(t, func() { a.Free(nil) })
	assert.Zero(t, a.UsableSize(nil))
	assert.Nil(t, a.Bytes(nil))
}

func TestAllocator_InvalidFree(t *testing.T) {
	a := newTestAllocator(t, Config{Stripes: MinStripes})

	// Round-robin puts p and r on the same stripe, so p's page stays mapped.
	p := a.Malloc(100)
	q := a.Malloc(100)
	r := a.Malloc(100)
	require.Equal(t, headerAt(headerOf(uintptr(p))).stripe, headerAt(headerOf(uintptr(r))).stripe)

	a.Free(p)
	requireInvalidFree(t, func() { a.Free(p) })

	h := headerAt(headerOf(uintptr(q)))
	tag := h.tag
	h.tag = 42
	requireInvalidFree(t, func() { a.Free(q) })
	h.tag = tag
	a.Free(q)
	a.Free(r)

	// Two blocks from one mapping keep the first one's memory mapped.
	l := a.Malloc(1500)
	m := a.Malloc(1500)
	a.Free(l)
	requireInvalidFree(t, func() { a.Free(l) })
	a.Free(m)

	s := a.Stats()
	assert.Equal(t, s.ChunksAllocated, s.ChunksFreed)
	assert.Zero(t, s.LivePages())
}

func TestAllocator_ResizeCopiesContents(t *testing.T) {
	a := newTestAllocator(t, Config{})

	p := a.Malloc(10)
	require.NotNil(t, p)
	want := []byte("0123456789")
	copy(a.Bytes(p), want)

	before := a.Stats()
	q, err := a.Resize(p, 2000)
	require.NoError(t, err)
	require.NotNil(t, q)
	assert.NotEqual(t, p, q)
	assert.GreaterOrEqual(t, a.UsableSize(q), uintptr(2000))
	assert.Equal(t, want, a.Bytes(q)[:10])

	after := a.Stats()
	assert.Equal(t, before.ChunksAllocated+1, after.ChunksAllocated)
	assert.Equal(t, before.ChunksFreed+1, after.ChunksFreed)

	// Shrinking keeps the prefix.
	r := a.Realloc(q, 4)
	require.NotNil(t, r)
	assert.Equal(t, want[:4], a.Bytes(r)[:4])

	// Zero size frees.
	assert.Nil(t, a.Realloc(r, 0))
	s := a.Stats()
	assert.Equal(t, s.ChunksAllocated, s.ChunksFreed)

	p, err = a.Resize(nil, 64)
	assert.NoError(t, err)
	assert.Nil(t, p)
}

func TestAllocator_ResizeFailureKeepsOldBlock(t *testing.T) {
	m := newFaultyMapper()
	a := newTestAllocator(t, Config{Mapper: m})

	p := a.Malloc(10)
	require.NotNil(t, p)
	copy(a.Bytes(p), "keep me!")

	m.failMap.Store(true)
	before := a.Stats()
	q, err := a.Resize(p, 5000)
	require.ErrorIs(t, err, ErrOutOfMemory)
	assert.Nil(t, q)
	assert.Nil(t, a.Realloc(p, 5000))

	assert.Equal(t, before, a.Stats())
	assert.Equal(t, "keep me!", string(a.Bytes(p)[:8]))
	assert.Equal(t, uint32(0), tagOf(uintptr(p)))

	m.failMap.Store(false)
	a.Free(p)
}

func TestAllocator_MemoryBudget(t *testing.T) {
	base := pagemap.NewOS()
	a := newTestAllocator(t, Config{Mapper: pagemap.NewLimited(base, int64(base.PageSize()))})

	p := a.Malloc(100)
	require.NotNil(t, p)

	_, err := a.Alloc(5000)
	require.ErrorIs(t, err, ErrOutOfMemory)
	assert.ErrorIs(t, err, pagemap.ErrBudgetExceeded)

	a.Free(p)
	q, err := a.Alloc(3000)
	require.NoError(t, err, "pages returned to the OS free budget")
	a.Free(q)
}

func TestAllocator_Concurrent(t *testing.T) {
	a := newTestAllocator(t, Config{Stripes: 4})

	const (
		workers = 8
		cycles  = 2000
		maxLive = 32
	)

	type block struct {
		p    unsafe.Pointer
		size uintptr
		fill byte
	}

	verify := func(b block) error {
		if a.UsableSize(b.p) < b.size {
			return fmt.Errorf("block %p shrank to %d bytes", b.p, a.UsableSize(b.p))
		}
		for i, c := range a.Bytes(b.p)[:b.size] {
			if c != b.fill {
				return fmt.Errorf("block %p corrupted at byte %d", b.p, i)
			}
		}
		return nil
	}

	lives := make([][]block, workers)
	var g errgroup.Group
	for w := 0; w < workers; w++ {
		g.Go(func() error {
			r := rand.New(rand.NewPCG(uint64(w), 42))
			var live []block
			for i := 0; i < cycles; i++ {
				switch {
				case len(live) > 0 && (len(live) >= maxLive || r.IntN(3) == 0):
					j := r.IntN(len(live))
					b := live[j]
					if err := verify(b); err != nil {
						return err
					}
					a.Free(b.p)
					live[j] = live[len(live)-1]
					live = live[:len(live)-1]

				case len(live) > 0 && r.IntN(4) == 0:
					j := r.IntN(len(live))
					b := live[j]
					if err := verify(b); err != nil {
						return err
					}
					n := 1 + uintptr(r.IntN(8192))
					p, err := a.Resize(b.p, n)
					if err != nil {
						return err
					}
					keep := min(b.size, n)
					for k, c := range a.Bytes(p)[:keep] {
						if c != b.fill {
							return fmt.Errorf("resize lost byte %d", k)
						}
					}
					fill := byte(r.IntN(255) + 1)
					buf := a.Bytes(p)[:n]
					for k := range buf {
						buf[k] = fill
					}
					live[j] = block{p: p, size: n, fill: fill}

				default:
					n := 1 + uintptr(r.IntN(8192))
					p, err := a.Alloc(n)
					if err != nil {
						return err
					}
					fill := byte(r.IntN(255) + 1)
					buf := a.Bytes(p)[:n]
					for k := range buf {
						buf[k] = fill
					}
					live = append(live, block{p: p, size: n, fill: fill})
				}
			}
			lives[w] = live
			return nil
		})
	}
	require.NoError(t, g.Wait())

	var total uint64
	for _, live := range lives {
		for _, b := range live {
			require.NoError(t, verify(b))
			tag := tagOf(uintptr(b.p))
			assert.True(t, tag < uint32(NumClasses) || tag == tagLarge, "corrupted tag %#x", tag)
		}
		total += uint64(len(live))
	}

	s := a.Stats()
	assert.Equal(t, total, s.LiveChunks())

	for _, live := range lives {
		for _, b := range live {
			a.Free(b.p)
		}
	}
	s = a.Stats()
	assert.Zero(t, s.LiveChunks())
	assert.Zero(t, s.LivePages(), "every idle page is returned")
}
