package masking

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"golang.org/x/crypto/chacha20"
	"golang.org/x/crypto/sha3"

	"github.com/nmxmxh/ghostnet/internal/core"
)

// ErrPermutationLength is returned when a permutation does not match the
// data it is applied to.
var ErrPermutationLength = errors.New("masking: permutation length mismatch")

var keystreamDomain = []byte("ghostnet/keystream/v1")

// Mask computes permute(m) XOR keystream. The plaintext m is zeroized
// before Mask returns, whether or not it succeeds.
func Mask(m []byte, p Params) ([]byte, error) {
	defer core.Zeroize(m)
	if err := p.Validate(); err != nil {
		return nil, err
	}

	n := len(m)
	out := make([]byte, n)
	if n == 0 {
		return out, nil
	}

	perm, err := Permutation(n, p.Sigma)
	if err != nil {
		return nil, err
	}
	ks := Keystream(n, p.Theta)
	defer core.Zeroize(ks)

	for i := range out {
		out[i] = m[perm[i]] ^ ks[i]
	}
	return out, nil
}

// Unmask inverts Mask: undo the XOR first, then apply the inverse
// permutation. Re-applying the forward permutation is not an inverse.
func Unmask(c []byte, p Params) ([]byte, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}

	n := len(c)
	out := make([]byte, n)
	if n == 0 {
		return out, nil
	}

	perm, err := Permutation(n, p.Sigma)
	if err != nil {
		return nil, err
	}
	ks := Keystream(n, p.Theta)
	defer core.Zeroize(ks)

	for i := range c {
		out[perm[i]] = c[i] ^ ks[i]
	}
	return out, nil
}

// Permutation derives a uniform shuffle of 0..n-1 from seed using a ChaCha20
// stream and Fisher–Yates.
func Permutation(n int, seed [SeedSize]byte) ([]int, error) {
	if n < 0 {
		return nil, fmt.Errorf("%w: negative length %d", ErrPermutationLength, n)
	}
	src, err := newSeedStream(seed)
	if err != nil {
		return nil, err
	}

	perm := make([]int, n)
	for i := range perm {
		perm[i] = i
	}
	for i := n - 1; i > 0; i-- {
		j := int(src.uniform(uint64(i + 1)))
		perm[i], perm[j] = perm[j], perm[i]
	}
	return perm, nil
}

// ApplyPermutation returns out with out[i] = data[perm[i]].
func ApplyPermutation(data []byte, perm []int) ([]byte, error) {
	if len(data) != len(perm) {
		return nil, fmt.Errorf("%w: %d bytes, %d indices", ErrPermutationLength, len(data), len(perm))
	}
	out := make([]byte, len(data))
	for i, src := range perm {
		out[i] = data[src]
	}
	return out, nil
}

// InversePermutation returns inv such that inv[perm[i]] = i.
func InversePermutation(perm []int) ([]int, error) {
	inv := make([]int, len(perm))
	seen := make([]bool, len(perm))
	for i, p := range perm {
		if p < 0 || p >= len(perm) || seen[p] {
			return nil, fmt.Errorf("%w: not a permutation", ErrPermutationLength)
		}
		seen[p] = true
		inv[p] = i
	}
	return inv, nil
}

// IsInvolution reports whether applying perm twice is the identity.
func IsInvolution(perm []int) bool {
	for i, p := range perm {
		if perm[p] != i {
			return false
		}
	}
	return true
}

// Keystream expands θ into n bytes with a SHA3-256 hash chain.
func Keystream(n int, theta float64) []byte {
	out := make([]byte, 0, n+sha3Block)
	var bits [8]byte
	binary.BigEndian.PutUint64(bits[:], math.Float64bits(theta))

	h := sha3.New256()
	h.Write(keystreamDomain)
	h.Write(bits[:])
	block := h.Sum(nil)

	var counter [8]byte
	for i := uint64(0); len(out) < n; i++ {
		out = append(out, block...)
		binary.BigEndian.PutUint64(counter[:], i)
		h.Reset()
		h.Write(block)
		h.Write(counter[:])
		h.Write(bits[:])
		block = h.Sum(block[:0])
	}
	core.Zeroize(block)
	return out[:n]
}

const sha3Block = 32

// seedStream turns a ChaCha20 keystream into uniform integers.
type seedStream struct {
	cipher *chacha20.Cipher
	buf    [8]byte
}

func newSeedStream(seed [SeedSize]byte) (*seedStream, error) {
	nonce := make([]byte, chacha20.NonceSize)
	c, err := chacha20.NewUnauthenticatedCipher(seed[:], nonce)
	if err != nil {
		return nil, fmt.Errorf("init permutation stream: %w", err)
	}
	return &seedStream{cipher: c}, nil
}

func (s *seedStream) next() uint64 {
	s.buf = [8]byte{}
	s.cipher.XORKeyStream(s.buf[:], s.buf[:])
	return binary.LittleEndian.Uint64(s.buf[:])
}

// uniform returns a value in [0, bound) without modulo bias.
func (s *seedStream) uniform(bound uint64) uint64 {
	threshold := -bound % bound
	for {
		v := s.next()
		if v >= threshold {
			return v % bound
		}
	}
}
