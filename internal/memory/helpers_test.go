//go:build linux || darwin

package memory

import (
	"errors"
	"sync/atomic"
	"testing"

	"github.com/23skdu/husky/internal/pagemap"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var errMapFailed = errors.New("injected mapping failure")

// faultyMapper maps real pages until told to fail.
type faultyMapper struct {
	pagemap.Mapper
	failMap   atomic.Bool
	failUnmap atomic.Bool
	maps      atomic.Int64
	unmaps    atomic.Int64
}

func newFaultyMapper() *faultyMapper {
	return &faultyMapper{Mapper: pagemap.NewOS()}
}

func (m *faultyMapper) Map(size uintptr) (uintptr, error) {
	if m.failMap.Load() {
		return 0, errMapFailed
	}
	m.maps.Add(1)
	return m.Mapper.Map(size)
}

func (m *faultyMapper) Unmap(addr, size uintptr) error {
	if m.failUnmap.Load() {
		return errMapFailed
	}
	m.unmaps.Add(1)
	return m.Mapper.Unmap(addr, size)
}

func newTestAllocator(t *testing.T, cfg Config) *Allocator {
	t.Helper()
	a, err := New(cfg)
	require.NoError(t, err)
	return a
}

// requireInvalidFree runs fn and expects it to panic with an invalid_free error.
func requireInvalidFree(t *testing.T, fn func()) {
	t.Helper()
	defer func() {
		r := recover()
		require.NotNil(t, r, "expected panic")
		err, ok := r.(error)
		require.True(t, ok, "panic value %v is not an error", r)
		require.ErrorIs(t, err, ErrInvalidFree)
	}()
	fn()
}

type region struct {
	addr, size uintptr
}

func (lo *LargeObjects) regions() []region {
	lo.mu.Lock()
	defer lo.mu.Unlock()
	var out []region
	for r := lo.head; r != 0; r = regionAt(r).next {
		out = append(out, region{addr: r, size: uintptr(regionAt(r).size)})
	}
	return out
}

// seedRegion puts size bytes at addr on the free list without coalescing.
func (lo *LargeObjects) seedRegion(addr, size uintptr) {
	lo.mu.Lock()
	defer lo.mu.Unlock()
	lo.insertLocked(addr, size)
	fr := regionAt(addr)
	fr.size = uint64(size)
	fr.tag = tagFree
}

func newTestLargeObjects(m pagemap.Mapper) *LargeObjects {
	return NewLargeObjects(m, zap.NewNop())
}

func tagOf(p uintptr) uint32 {
	return headerAt(headerOf(p)).tag
}
