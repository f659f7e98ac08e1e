// Package util contains helper functions shared by the allocator,
// planner and topology packages. Adapted from biscuit's util package;
// the rounding/min generics are kept verbatim since they have no
// NUMA-specific behavior, and Readn/Writen are replaced by explicit
// big-endian accessors since the FDT wire format's byte order must
// not depend on host endianness.
package util

// Int is satisfied by all built-in integer types.
type Int interface {
	~int | ~int8 | ~int16 | ~int32 | ~int64 |
		~uint | ~uint8 | ~uint16 | ~uint32 | ~uint64 | ~uintptr
}

// Min returns the smaller of a and b.
func Min[T Int](a, b T) T {
	if a < b {
		return a
	}
	return b
}

// Max returns the larger of a and b.
func Max[T Int](a, b T) T {
	if a > b {
		return a
	}
	return b
}

// Rounddown aligns v down to the nearest multiple of b.
func Rounddown[T Int](v, b T) T {
	return v - (v % b)
}

// Roundup aligns v up to the nearest multiple of b.
func Roundup[T Int](v, b T) T {
	return Rounddown(v+b-1, b)
}

// Be32 reads a big-endian uint32 out of a starting at off.
// It panics if the read would run past the end of a, matching the
// bounds-checking style of Readn/Writen.
func Be32(a []byte, off int) uint32 {
	if off < 0 || off+4 > len(a) {
		panic("Be32 out of bounds")
	}
	return uint32(a[off])<<24 | uint32(a[off+1])<<16 | uint32(a[off+2])<<8 | uint32(a[off+3])
}

// PutBe32 writes v as a big-endian uint32 into a starting at off.
func PutBe32(a []byte, off int, v uint32) {
	if off < 0 || off+4 > len(a) {
		panic("PutBe32 out of bounds")
	}
	a[off] = byte(v >> 24)
	a[off+1] = byte(v >> 16)
	a[off+2] = byte(v >> 8)
	a[off+3] = byte(v)
}

// Be64 reads a big-endian uint64 out of a starting at off.
func Be64(a []byte, off int) uint64 {
	return uint64(Be32(a, off))<<32 | uint64(Be32(a, off+4))
}

// PutBe64 writes v as a big-endian uint64 into a starting at off.
func PutBe64(a []byte, off int, v uint64) {
	PutBe32(a, off, uint32(v>>32))
	PutBe32(a, off+4, uint32(v))
}
