package main

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync/atomic"
	"unsafe"

	"github.com/23skdu/husky"
	"github.com/23skdu/husky/internal/memory"
	"github.com/apache/arrow-go/v18/arrow/array"
	arrowmem "github.com/apache/arrow-go/v18/arrow/memory"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// ErrCorruption reports lost or overwritten data, or counters that do not
// add up.
var ErrCorruption = errors.New("soak: allocator corruption detected")

// Result summarizes a finished run.
type Result struct {
	Allocs  uint64
	Frees   uint64
	Resizes uint64
	Arrays  uint64
	// Live is the number of blocks held by workers when the workload ended
	Live  uint64
	Stats husky.Stats
}

type block struct {
	p    unsafe.Pointer
	size uintptr
	fill byte
}

type worker struct {
	id    int
	cfg   *Config
	alloc *husky.Allocator
	arrow arrowmem.Allocator
	rng   *rand.Rand
	live  []block

	allocs, frees, resizes, arrays *atomic.Uint64
}

// Run drives cfg.Workers goroutines of mixed allocate, fill, verify,
// resize and free against a, then checks the counters against the blocks
// still held and releases everything.
func Run(ctx context.Context, a *husky.Allocator, cfg Config, logger *zap.Logger) (*Result, error) {
	var allocs, frees, resizes, arrays atomic.Uint64
	arrow := arrowmem.Allocator(memory.NewArrowAllocator(a))

	workers := make([]*worker, cfg.Workers)
	for i := range workers {
		workers[i] = &worker{
			id:      i,
			cfg:     &cfg,
			alloc:   a,
			arrow:   arrow,
			rng:     rand.New(rand.NewPCG(cfg.Seed, uint64(i))),
			allocs:  &allocs,
			frees:   &frees,
			resizes: &resizes,
			arrays:  &arrays,
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, w := range workers {
		g.Go(func() error { return w.run(gctx) })
	}
	runErr := g.Wait()

	res := &Result{}
	for _, w := range workers {
		if runErr == nil {
			if err := w.verifyAll(); err != nil {
				runErr = err
			}
		}
		res.Live += uint64(len(w.live))
	}

	// The snapshot is only meaningful once every worker has stopped.
	s := a.Stats()
	if runErr == nil && s.LiveChunks() != res.Live {
		runErr = fmt.Errorf("%w: %d chunks live, workers hold %d", ErrCorruption, s.LiveChunks(), res.Live)
	}

	for _, w := range workers {
		w.releaseAll()
	}

	res.Allocs = allocs.Load()
	res.Frees = frees.Load()
	res.Resizes = resizes.Load()
	res.Arrays = arrays.Load()
	res.Stats = a.Stats()
	if runErr == nil && res.Stats.LiveChunks() != 0 {
		runErr = fmt.Errorf("%w: %d chunks live after release", ErrCorruption, res.Stats.LiveChunks())
	}

	logger.Info("soak finished",
		zap.Uint64("allocs", res.Allocs),
		zap.Uint64("frees", res.Frees),
		zap.Uint64("resizes", res.Resizes),
		zap.Uint64("arrays", res.Arrays),
		zap.Uint64("live_at_end", res.Live),
		zap.Uint64("pages_mapped", res.Stats.PagesMapped),
		zap.Uint64("pages_unmapped", res.Stats.PagesUnmapped),
		zap.Error(runErr),
	)
	return res, runErr
}

func (w *worker) run(ctx context.Context) error {
	for i := 0; i < w.cfg.Cycles; i++ {
		if ctx.Err() != nil {
			return nil
		}
		if w.cfg.ArrowEvery > 0 && i%w.cfg.ArrowEvery == w.cfg.ArrowEvery-1 {
			if err := w.buildArray(); err != nil {
				return err
			}
			continue
		}

		var err error
		switch n := len(w.live); {
		case n > 0 && (n >= w.cfg.MaxLive || w.rng.IntN(3) == 0):
			err = w.free()
		case n > 0 && w.rng.IntN(4) == 0:
			err = w.resize()
		default:
			err = w.allocate()
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func (w *worker) size() uintptr {
	return 1 + uintptr(w.rng.IntN(w.cfg.MaxSize))
}

func (w *worker) fill(p unsafe.Pointer, n uintptr) byte {
	c := byte(w.rng.IntN(255) + 1)
	buf := w.alloc.Bytes(p)[:n]
	for i := range buf {
		buf[i] = c
	}
	return c
}

func (w *worker) allocate() error {
	n := w.size()
	p, err := w.alloc.Alloc(n)
	if errors.Is(err, husky.ErrOutOfMemory) {
		// Over budget; shed a block and keep going.
		if len(w.live) == 0 {
			return nil
		}
		return w.free()
	}
	if err != nil {
		return err
	}
	w.live = append(w.live, block{p: p, size: n, fill: w.fill(p, n)})
	w.allocs.Add(1)
	return nil
}

func (w *worker) pick() int {
	return w.rng.IntN(len(w.live))
}

func (w *worker) drop(j int) {
	last := len(w.live) - 1
	w.live[j] = w.live[last]
	w.live = w.live[:last]
}

func (w *worker) free() error {
	j := w.pick()
	if err := w.verify(w.live[j]); err != nil {
		return err
	}
	w.alloc.Free(w.live[j].p)
	w.drop(j)
	w.frees.Add(1)
	return nil
}

func (w *worker) resize() error {
	j := w.pick()
	b := w.live[j]
	if err := w.verify(b); err != nil {
		return err
	}

	n := w.size()
	p, err := w.alloc.Resize(b.p, n)
	if errors.Is(err, husky.ErrOutOfMemory) {
		return nil
	}
	if err != nil {
		return err
	}

	moved := block{p: p, size: min(b.size, n), fill: b.fill}
	if err := w.verify(moved); err != nil {
		return fmt.Errorf("resize of %d to %d bytes: %w", b.size, n, err)
	}
	w.live[j] = block{p: p, size: n, fill: w.fill(p, n)}
	w.resizes.Add(1)
	return nil
}

// buildArray round-trips an Int64 array through off-heap buffers. Running
// out of budget mid-build skips the array.
func (w *worker) buildArray() (err error) {
	defer func() {
		if r := recover(); r != nil {
			if e, ok := r.(error); ok && errors.Is(e, husky.ErrOutOfMemory) {
				err = nil
				return
			}
			panic(r)
		}
	}()

	b := array.NewInt64Builder(w.arrow)
	defer b.Release()

	n := 1 + w.rng.IntN(4096)
	base := w.rng.Int64()
	for i := 0; i < n; i++ {
		b.Append(base + int64(i))
	}
	arr := b.NewInt64Array()
	defer arr.Release()

	for i := 0; i < n; i++ {
		if got := arr.Value(i); got != base+int64(i) {
			return fmt.Errorf("%w: arrow value %d is %d, want %d", ErrCorruption, i, got, base+int64(i))
		}
	}
	w.arrays.Add(1)
	return nil
}

func (w *worker) verify(b block) error {
	if got := w.alloc.UsableSize(b.p); got < b.size {
		return fmt.Errorf("%w: worker %d block %p holds %d bytes, want %d", ErrCorruption, w.id, b.p, got, b.size)
	}
	for i, c := range w.alloc.Bytes(b.p)[:b.size] {
		if c != b.fill {
			return fmt.Errorf("%w: worker %d block %p byte %d is %#x, want %#x", ErrCorruption, w.id, b.p, i, c, b.fill)
		}
	}
	return nil
}

func (w *worker) verifyAll() error {
	for _, b := range w.live {
		if err := w.verify(b); err != nil {
			return err
		}
	}
	return nil
}

func (w *worker) releaseAll() {
	for _, b := range w.live {
		w.alloc.Free(b.p)
	}
	w.frees.Add(uint64(len(w.live)))
	w.live = nil
}
