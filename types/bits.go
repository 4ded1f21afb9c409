package types

import "math/bits"

// NextPow2 returns the smallest power of two >= v. NextPow2(0) is 0.
func NextPow2(v uint32) uint32 {
	if v == 0 {
		return 0
	}
	return 1 << Log2Ceil(v)
}

// Log2Ceil returns ceil(log2(v)); Log2Ceil(0) and Log2Ceil(1) are 0.
func Log2Ceil(v uint32) uint32 {
	if v <= 1 {
		return 0
	}
	return uint32(bits.Len32(v - 1))
}

// Log2Floor returns floor(log2(v)) for v > 0.
func Log2Floor(v uint32) uint32 {
	return uint32(bits.Len32(v)) - 1
}

// IsPow2 reports whether v is a non-zero power of two.
func IsPow2(v uint32) bool {
	return v != 0 && v&(v-1) == 0
}

// DivUp returns ceil(a / b).
func DivUp(a, b uint32) uint32 {
	return (a + b - 1) / b
}
