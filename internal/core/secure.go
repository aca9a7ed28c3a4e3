package core

import "crypto/subtle"

// Zeroize overwrites b with zeros. Call it with defer on every exit path
// that owns sensitive bytes.
func Zeroize(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// ConstantTimeEqual compares two byte slices without early exit.
func ConstantTimeEqual(a, b []byte) bool {
	return subtle.ConstantTimeCompare(a, b) == 1
}
