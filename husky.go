package husky

import (
	"errors"
	"sync"
	"unsafe"

	errs "github.com/23skdu/husky/internal/errors"
	"github.com/23skdu/husky/internal/memory"
	"github.com/23skdu/husky/internal/pagemap"
	"go.uber.org/zap"
)

type (
	// Allocator hands out off-heap memory; see memory.Allocator.
	Allocator = memory.Allocator
	// Stats is a point-in-time snapshot of an Allocator.
	Stats = memory.Stats
)

// Errors returned or raised by allocators; match them with errors.Is.
var (
	ErrInvalidRequest = memory.ErrInvalidRequest
	ErrOutOfMemory    = memory.ErrOutOfMemory
	ErrInvalidFree    = memory.ErrInvalidFree

	// ErrAlreadyInitialized is returned by Init once the process-wide
	// allocator exists.
	ErrAlreadyInitialized = errors.New("husky: default allocator already initialized")
)

// New validates cfg and creates an independent allocator.
func New(cfg Config) (*Allocator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger, err := cfg.logger()
	if err != nil {
		return nil, errs.Wrap(err, errs.ErrorTypeConfiguration, "new", "logger setup failed")
	}

	a, err := memory.New(memory.Config{
		Stripes: cfg.Stripes,
		Mapper:  pagemap.NewLimited(pagemap.NewOS(), cfg.MemoryLimit),
		Logger:  logger,
	})
	if err != nil {
		return nil, err
	}
	logger.Debug("allocator ready",
		zap.Int("stripes", a.Stripes()),
		zap.Uintptr("page_size", a.PageSize()),
		zap.Int64("memory_limit", cfg.MemoryLimit),
	)
	return a, nil
}

var (
	defaultOnce  sync.Once
	defaultAlloc *Allocator
	defaultErr   error
)

// Init creates the process-wide allocator from cfg. It must run before
// any other package-level function; afterwards it returns
// ErrAlreadyInitialized.
func Init(cfg Config) error {
	ran := false
	defaultOnce.Do(func() {
		ran = true
		defaultAlloc, defaultErr = New(cfg)
	})
	if !ran {
		return ErrAlreadyInitialized
	}
	return defaultErr
}

// Default returns the process-wide allocator, creating it from the
// environment if Init was never called. It panics if that creation fails.
func Default() *Allocator {
	defaultOnce.Do(func() {
		cfg, err := LoadConfig()
		if err != nil {
			defaultErr = err
			return
		}
		defaultAlloc, defaultErr = New(cfg)
	})
	if defaultErr != nil {
		panic(defaultErr)
	}
	return defaultAlloc
}

// Malloc returns size bytes from the default allocator, or nil when size
// is zero or memory is exhausted.
func Malloc(size uintptr) unsafe.Pointer {
	return Default().Malloc(size)
}

// Free returns p to the default allocator. Free(nil) does nothing.
func Free(p unsafe.Pointer) {
	Default().Free(p)
}

// Realloc moves p into a new block of size bytes; see Allocator.Resize.
func Realloc(p unsafe.Pointer, size uintptr) unsafe.Pointer {
	return Default().Realloc(p, size)
}

// Snapshot returns the default allocator's statistics.
func Snapshot() Stats {
	return Default().Stats()
}
