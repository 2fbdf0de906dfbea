package pmath

import "math/bits"

// CeilToPowerOf2 rounds size up to the next power of two. Sizes below 2
// return 2.
func CeilToPowerOf2(size int) int {
	if size < 2 {
		return 2
	}
	if size&(size-1) == 0 {
		return size
	}
	return 1 << (64 - bits.LeadingZeros64(uint64(size)))
}

func IsPowerOf2(size int) bool {
	return size > 0 && size&(size-1) == 0
}
