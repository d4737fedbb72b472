// Package report formats allocator snapshots for people.
package report

import (
	"fmt"
	"io"

	"github.com/23skdu/husky/internal/memory"
)

// Write prints s in the classic husky layout:
//
//	== husky malloc stats ==
//	Mapped:   3
//	Unmapped: 1
//	Allocs:   10
//	Frees:    9
//	Freelen:  3176
func Write(w io.Writer, s memory.Stats) error {
	_, err := fmt.Fprintf(w,
		"\n== husky malloc stats ==\nMapped:   %d\nUnmapped: %d\nAllocs:   %d\nFrees:    %d\nFreelen:  %d\n",
		s.PagesMapped, s.PagesUnmapped, s.ChunksAllocated, s.ChunksFreed, s.FreeBytes)
	return err
}
