package core

import "unsafe"

const (
	// CacheLineSize is a common cache line size, typically 64 bytes.
	CacheLineSize = 64
	// SlotSize is the width of one virtual stack slot in bytes.
	SlotSize = 8
	// SlotsPerLine is the number of slots that fit one cache line.
	SlotsPerLine = CacheLineSize / SlotSize
)

// IsAligned checks if an address is aligned to a cache line boundary.
func IsAligned(addr uintptr) bool {
	return addr%CacheLineSize == 0
}

// AlignedSize rounds size up to the nearest cache line multiple.
func AlignedSize(size uintptr) uintptr {
	return (size + uintptr(CacheLineSize-1)) & ^uintptr(CacheLineSize-1)
}

// AlignedFloats allocates a float64 slice whose backing array starts on a
// cache line boundary. Stacks handed to parallel workers are allocated this way
// so neighbouring stacks never share a line.
func AlignedFloats(n int) []float64 {
	if n == 0 {
		return nil
	}
	buf := make([]float64, n+SlotsPerLine-1)

	ptr := uintptr(unsafe.Pointer(&buf[0]))
	offset := 0
	if mod := ptr % CacheLineSize; mod != 0 {
		offset = int((CacheLineSize - mod) / SlotSize)
	}
	return buf[offset : offset+n : offset+n]
}
