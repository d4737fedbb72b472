// Package husky is a general-purpose allocator for off-heap memory.
//
// Memory comes straight from anonymous page mappings and is never seen by
// the Go garbage collector. Requests of up to 1024 bytes are served from
// six size classes, each split over several independently locked arenas;
// larger requests come from a single address-ordered free list with
// best-fit search, splitting and coalescing. Idle pages go back to the OS.
//
// The package-level functions use a process-wide allocator configured
// from HUSKY_* environment variables on first use, or explicitly with
// Init. Independent allocators are created with New.
//
//	p := husky.Malloc(64)
//	defer husky.Free(p)
//	buf := husky.Default().Bytes(p)
//
// A block must be freed exactly once. Freeing a pointer whose header is
// inconsistent panics with an error matching ErrInvalidFree.
package husky
