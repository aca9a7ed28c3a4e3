// Package resonance defines the (ψ, ρ, ω) coordinate that stands in for a
// network address, and the window predicate every other component uses to
// decide whether two coordinates describe "the same place".
package resonance

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math"
)

// ErrNonFinite is returned when a coordinate is NaN or infinite.
var ErrNonFinite = errors.New("resonance: non-finite coordinate")

// ErrInvalidWindow is returned for windows that are not finite and positive.
var ErrInvalidWindow = errors.New("resonance: window must be finite and > 0")

// EncodedSize is the length of the canonical byte form of a State.
const EncodedSize = 24

// Window presets, narrowest first.
const (
	UltraNarrow = 0.001
	Narrow      = 0.01
	Standard    = 0.1
	Broad       = 0.25
	Wide        = 0.5
)

// State is an immutable resonance coordinate.
type State struct {
	Psi   float64 `json:"psi"`
	Rho   float64 `json:"rho"`
	Omega float64 `json:"omega"`
}

// Weights scales each axis in WeightedDistance.
type Weights struct {
	Psi   float64 `json:"psi"`
	Rho   float64 `json:"rho"`
	Omega float64 `json:"omega"`
}

// DefaultWeights weighs every axis equally.
func DefaultWeights() Weights {
	return Weights{Psi: 1, Rho: 1, Omega: 1}
}

// New builds a State, rejecting NaN and ±Inf.
func New(psi, rho, omega float64) (State, error) {
	s := State{Psi: psi, Rho: rho, Omega: omega}
	if err := s.Validate(); err != nil {
		return State{}, err
	}
	return s, nil
}

// MustNew is New for literals known to be finite.
func MustNew(psi, rho, omega float64) State {
	s, err := New(psi, rho, omega)
	if err != nil {
		panic(err)
	}
	return s
}

// Validate reports ErrNonFinite when any axis is NaN or infinite.
func (s State) Validate() error {
	if !finite(s.Psi) || !finite(s.Rho) || !finite(s.Omega) {
		return fmt.Errorf("%w: (%v, %v, %v)", ErrNonFinite, s.Psi, s.Rho, s.Omega)
	}
	return nil
}

// IsFinite is Validate as a predicate.
func (s State) IsFinite() bool {
	return s.Validate() == nil
}

// Distance is the unweighted Euclidean distance to o.
func (s State) Distance(o State) float64 {
	return WeightedDistance(s, o, DefaultWeights())
}

// String renders the coordinate for logs.
func (s State) String() string {
	return fmt.Sprintf("(%.4f, %.4f, %.4f)", s.Psi, s.Rho, s.Omega)
}

// Bytes returns the canonical big-endian IEEE-754 encoding (ψ, ρ, ω).
func (s State) Bytes() []byte {
	return s.AppendBytes(make([]byte, 0, EncodedSize))
}

// AppendBytes appends the canonical encoding to b.
func (s State) AppendBytes(b []byte) []byte {
	b = binary.BigEndian.AppendUint64(b, math.Float64bits(s.Psi))
	b = binary.BigEndian.AppendUint64(b, math.Float64bits(s.Rho))
	b = binary.BigEndian.AppendUint64(b, math.Float64bits(s.Omega))
	return b
}

// FromBytes decodes the canonical encoding and validates the result.
func FromBytes(b []byte) (State, error) {
	if len(b) != EncodedSize {
		return State{}, fmt.Errorf("resonance: encoded state must be %d bytes, got %d", EncodedSize, len(b))
	}
	return New(
		math.Float64frombits(binary.BigEndian.Uint64(b[0:8])),
		math.Float64frombits(binary.BigEndian.Uint64(b[8:16])),
		math.Float64frombits(binary.BigEndian.Uint64(b[16:24])),
	)
}

// UnmarshalJSON rejects non-finite coordinates at the decoding boundary.
func (s *State) UnmarshalJSON(data []byte) error {
	type raw State
	var r raw
	if err := json.Unmarshal(data, &r); err != nil {
		return err
	}
	decoded := State(r)
	if err := decoded.Validate(); err != nil {
		return err
	}
	*s = decoded
	return nil
}

// WeightedDistance computes sqrt(Σ wᵢ·(aᵢ−bᵢ)²).
func WeightedDistance(a, b State, w Weights) float64 {
	dp := a.Psi - b.Psi
	dr := a.Rho - b.Rho
	do := a.Omega - b.Omega
	return math.Sqrt(w.Psi*dp*dp + w.Rho*dr*dr + w.Omega*do*do)
}

// ValidateWindow checks that epsilon can be used as a resonance window.
func ValidateWindow(epsilon float64) error {
	if !finite(epsilon) || epsilon <= 0 {
		return fmt.Errorf("%w: %v", ErrInvalidWindow, epsilon)
	}
	return nil
}

// IsResonant reports whether a and b are strictly closer than epsilon.
// Invalid windows never match.
func IsResonant(a, b State, epsilon float64) bool {
	if ValidateWindow(epsilon) != nil {
		return false
	}
	return a.Distance(b) < epsilon
}

// Strength is 1 at distance zero, falling linearly to 0 at epsilon.
func Strength(a, b State, epsilon float64) float64 {
	if ValidateWindow(epsilon) != nil {
		return 0
	}
	return math.Max(0, 1-a.Distance(b)/epsilon)
}

// CollectiveResonance reports whether at least threshold (a fraction in
// [0,1]) of nodes lie inside epsilon of target. An empty set never resonates.
func CollectiveResonance(nodes []State, target State, epsilon, threshold float64) bool {
	if len(nodes) == 0 {
		return false
	}
	matched := 0
	for _, n := range nodes {
		if IsResonant(n, target, epsilon) {
			matched++
		}
	}
	return float64(matched)/float64(len(nodes)) >= threshold
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
