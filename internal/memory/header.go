package memory

import "unsafe"

// Alignment is the minimum alignment of every payload handed out.
const Alignment = 8

// Header tags. Values below NumClasses are size class indexes.
const (
	tagLarge uint32 = 0xFFFF_FF01
	tagFree  uint32 = 0xFFFF_FF02
)

// header precedes every payload by exactly headerSize bytes.
type header struct {
	size   uint64 // usable payload bytes, a multiple of Alignment
	tag    uint32 // size class index, tagLarge, or tagFree once released
	stripe uint32 // owning arena stripe, small blocks only
}

const headerSize = unsafe.Sizeof(header{})

func headerAt(addr uintptr) *header {
	return (*header)(unsafe.Pointer(addr)) //nolint:govet // addr is an off-heap mapping
}

// payloadOf returns the payload address for the header at hdr.
func payloadOf(hdr uintptr) uintptr {
	return hdr + headerSize
}

// headerOf returns the header address for the payload at p.
func headerOf(p uintptr) uintptr {
	return p - headerSize
}

func alignUp(n, align uintptr) uintptr {
	return (n + align - 1) &^ (align - 1)
}

// wordAt gives access to the first machine word at addr. Free slots and
// free regions store their list links there.
func wordAt(addr uintptr) *uintptr {
	return (*uintptr)(unsafe.Pointer(addr)) //nolint:govet // addr is an off-heap mapping
}
