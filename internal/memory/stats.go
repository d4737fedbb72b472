package memory

import "fmt"

// Stats is a point-in-time view of both subsystems.
type Stats struct {
	PagesMapped     uint64 // OS pages ever mapped
	PagesUnmapped   uint64 // OS pages ever returned
	ChunksAllocated uint64
	ChunksFreed     uint64
	FreeBytes       uint64 // bytes on free lists, headers included
}

// LivePages is the number of pages currently mapped.
func (s Stats) LivePages() uint64 {
	return s.PagesMapped - s.PagesUnmapped
}

// LiveChunks is the number of blocks not yet freed.
func (s Stats) LiveChunks() uint64 {
	return s.ChunksAllocated - s.ChunksFreed
}

func (s Stats) String() string {
	return fmt.Sprintf("mapped=%d unmapped=%d allocs=%d frees=%d free_bytes=%d",
		s.PagesMapped, s.PagesUnmapped, s.ChunksAllocated, s.ChunksFreed, s.FreeBytes)
}
