//go:build linux || darwin

package pagemap

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

func osMap(size uintptr) (uintptr, error) {
	prot := unix.PROT_READ | unix.PROT_WRITE
	flags := unix.MAP_ANON | unix.MAP_PRIVATE

	p, err := unix.MmapPtr(-1, 0, nil, size, prot, flags)
	if err != nil {
		return 0, fmt.Errorf("pagemap: mmap %d bytes: %w", size, err)
	}
	return uintptr(p), nil
}

func osUnmap(addr, size uintptr) error {
	if err := unix.MunmapPtr(unsafe.Pointer(addr), size); err != nil { //nolint:govet // addr is an off-heap mapping
		return fmt.Errorf("pagemap: munmap %#x+%d: %w", addr, size, err)
	}
	return nil
}
