package pagemap

import (
	"errors"
	"fmt"

	"golang.org/x/sync/semaphore"
)

// ErrBudgetExceeded is returned when a mapping would exceed the memory budget.
var ErrBudgetExceeded = errors.New("pagemap: memory budget exceeded")

// Limited bounds the bytes a Mapper may have mapped at once.
type Limited struct {
	Mapper
	limit int64
	sem   *semaphore.Weighted
}

// NewLimited wraps m with a budget of limit bytes. A limit <= 0 returns m unchanged.
func NewLimited(m Mapper, limit int64) Mapper {
	if limit <= 0 {
		return m
	}
	return &Limited{
		Mapper: m,
		limit:  limit,
		sem:    semaphore.NewWeighted(limit),
	}
}

// Map implements Mapper. It never blocks waiting for budget.
func (l *Limited) Map(size uintptr) (uintptr, error) {
	n := int64(size)
	if n <= 0 || !l.sem.TryAcquire(n) {
		return 0, fmt.Errorf("%w: %d bytes requested, limit %d", ErrBudgetExceeded, size, l.limit)
	}
	addr, err := l.Mapper.Map(size)
	if err != nil {
		l.sem.Release(n)
		return 0, err
	}
	return addr, nil
}

// Unmap implements Mapper. Budget is returned only when the unmap succeeds.
func (l *Limited) Unmap(addr, size uintptr) error {
	if err := l.Mapper.Unmap(addr, size); err != nil {
		return err
	}
	l.sem.Release(int64(size))
	return nil
}

// Limit returns the configured budget in bytes.
func (l *Limited) Limit() int64 {
	return l.limit
}
