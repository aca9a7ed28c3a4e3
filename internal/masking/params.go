// Package masking implements the invertible permutation-plus-keystream
// transform used to hide transaction bytes, and the handshake-free
// derivation of its parameters from two resonance values.
package masking

import (
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"

	"golang.org/x/crypto/hkdf"

	"github.com/nmxmxh/ghostnet/internal/resonance"
)

// SeedSize is the length of σ and of an ephemeral key.
const SeedSize = 32

const twoPi = 2 * math.Pi

var (
	paramSalt = []byte("ghostnet/masking/v1")
	paramInfo = []byte("masking params")
	mixInfo   = []byte("ephemeral mix")
)

// ErrMalformedParams is returned for params that cannot drive the operator.
var ErrMalformedParams = errors.New("masking: malformed params")

// Params keys the operator: Theta drives the keystream, Sigma the permutation.
type Params struct {
	Theta        float64
	Sigma        [SeedSize]byte
	EphemeralKey []byte
}

// FromResonance derives params from the sender and target resonance. Both
// ends know both values, so both compute the same params without a key
// exchange.
func FromResonance(sender, target resonance.State) (Params, error) {
	if err := sender.Validate(); err != nil {
		return Params{}, fmt.Errorf("%w: sender: %v", ErrMalformedParams, err)
	}
	if err := target.Validate(); err != nil {
		return Params{}, fmt.Errorf("%w: target: %v", ErrMalformedParams, err)
	}

	secret := make([]byte, 0, 2*resonance.EncodedSize)
	secret = sender.AppendBytes(secret)
	secret = target.AppendBytes(secret)

	var p Params
	if err := p.fill(hkdf.New(sha256.New, secret, paramSalt, paramInfo), 0); err != nil {
		return Params{}, err
	}
	return p, nil
}

// WithEphemeralKey mixes 32 fresh bytes from r into the params. The receiver
// needs the key out of band to open the packet.
func (p Params) WithEphemeralKey(r io.Reader) (Params, error) {
	key := make([]byte, SeedSize)
	if _, err := io.ReadFull(r, key); err != nil {
		return Params{}, fmt.Errorf("read ephemeral key: %w", err)
	}
	return p.WithKey(key)
}

// WithKey mixes a known ephemeral key into base params.
func (p Params) WithKey(key []byte) (Params, error) {
	if p.EphemeralKey != nil {
		return Params{}, fmt.Errorf("%w: ephemeral key already mixed", ErrMalformedParams)
	}
	if len(key) != SeedSize {
		return Params{}, fmt.Errorf("%w: ephemeral key must be %d bytes", ErrMalformedParams, SeedSize)
	}

	mixed := Params{EphemeralKey: append([]byte{}, key...)}
	if err := mixed.fill(hkdf.New(sha256.New, key, p.Sigma[:], mixInfo), p.Theta); err != nil {
		return Params{}, err
	}
	return mixed, nil
}

// Validate reports ErrMalformedParams for out-of-range θ, an all-zero σ or a
// wrong-length ephemeral key.
func (p Params) Validate() error {
	if math.IsNaN(p.Theta) || math.IsInf(p.Theta, 0) || p.Theta < 0 || p.Theta >= twoPi {
		return fmt.Errorf("%w: theta %v outside [0, 2π)", ErrMalformedParams, p.Theta)
	}
	if p.Sigma == ([SeedSize]byte{}) {
		return fmt.Errorf("%w: zero sigma", ErrMalformedParams)
	}
	if p.EphemeralKey != nil && len(p.EphemeralKey) != SeedSize {
		return fmt.Errorf("%w: ephemeral key length %d", ErrMalformedParams, len(p.EphemeralKey))
	}
	return nil
}

// ForwardSecret reports whether an ephemeral key has been mixed in.
func (p Params) ForwardSecret() bool {
	return p.EphemeralKey != nil
}

// fill reads θ and σ from r; θ is offset by base modulo 2π.
func (p *Params) fill(r io.Reader, base float64) error {
	var buf [8 + SeedSize]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return fmt.Errorf("derive params: %w", err)
	}
	frac := float64(binary.BigEndian.Uint64(buf[:8])>>11) / (1 << 53)
	theta := math.Mod(base+frac*twoPi, twoPi)
	if theta >= twoPi || theta < 0 {
		theta = 0
	}
	p.Theta = theta
	copy(p.Sigma[:], buf[8:])
	return nil
}
