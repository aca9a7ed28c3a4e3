package resonance

import (
	"encoding/json"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_RejectsNonFinite(t *testing.T) {
	cases := []struct {
		name            string
		psi, rho, omega float64
	}{
		{"nan psi", math.NaN(), 0, 0},
		{"inf rho", 0, math.Inf(1), 0},
		{"neg inf omega", 0, 0, math.Inf(-1)},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := New(tc.psi, tc.rho, tc.omega)
			assert.ErrorIs(t, err, ErrNonFinite)
		})
	}

	s, err := New(1, 2, 3)
	require.NoError(t, err)
	assert.Equal(t, State{Psi: 1, Rho: 2, Omega: 3}, s)
}

func TestIsResonant_Symmetric(t *testing.T) {
	a := MustNew(1, 1, 1)
	b := MustNew(1.05, 1.05, 1.05)

	for _, eps := range []float64{0.01, 0.08, 0.0867, 0.1, 1} {
		assert.Equal(t, IsResonant(a, b, eps), IsResonant(b, a, eps), "eps=%v", eps)
	}
	assert.True(t, IsResonant(a, b, 0.1))
	assert.False(t, IsResonant(a, b, 0.05))
}

func TestIsResonant_SelfAlwaysMatches(t *testing.T) {
	a := MustNew(-3.2, 7, 0.5)
	assert.Equal(t, 0.0, a.Distance(a))
	assert.True(t, IsResonant(a, a, UltraNarrow))
	assert.True(t, IsResonant(a, a, 1e-12))
}

func TestIsResonant_StrictBoundary(t *testing.T) {
	a := MustNew(0, 0, 0)
	b := MustNew(0.5, 0, 0)
	assert.False(t, IsResonant(a, b, 0.5), "distance equal to epsilon is outside the window")
	assert.True(t, IsResonant(a, b, 0.5000001))
}

func TestIsResonant_InvalidWindow(t *testing.T) {
	a := MustNew(0, 0, 0)
	assert.False(t, IsResonant(a, a, 0))
	assert.False(t, IsResonant(a, a, -1))
	assert.False(t, IsResonant(a, a, math.NaN()))
	assert.Error(t, ValidateWindow(math.Inf(1)))
}

func TestStrength(t *testing.T) {
	a := MustNew(0, 0, 0)
	assert.Equal(t, 1.0, Strength(a, a, 0.1))
	assert.Equal(t, 0.0, Strength(a, MustNew(0.1, 0, 0), 0.1))
	assert.Equal(t, 0.0, Strength(a, MustNew(3, 0, 0), 0.1))
	assert.InDelta(t, 0.5, Strength(a, MustNew(0.05, 0, 0), 0.1), 1e-9)
}

func TestWeightedDistance(t *testing.T) {
	a := MustNew(0, 0, 0)
	b := MustNew(1, 1, 1)
	assert.InDelta(t, math.Sqrt(3), WeightedDistance(a, b, DefaultWeights()), 1e-12)
	assert.InDelta(t, 1.0, WeightedDistance(a, b, Weights{Psi: 1}), 1e-12)
}

func TestCollectiveResonance(t *testing.T) {
	target := MustNew(0, 0, 0)
	nodes := []State{
		MustNew(0.01, 0, 0),
		MustNew(0, 0.02, 0),
		MustNew(5, 5, 5),
		MustNew(9, 9, 9),
	}
	assert.True(t, CollectiveResonance(nodes, target, 0.1, 0.5))
	assert.False(t, CollectiveResonance(nodes, target, 0.1, 0.75))
	assert.False(t, CollectiveResonance(nil, target, 0.1, 0))
}

func TestBytesRoundTrip(t *testing.T) {
	s := MustNew(1.5, -2.25, 1e-9)
	b := s.Bytes()
	require.Len(t, b, EncodedSize)

	back, err := FromBytes(b)
	require.NoError(t, err)
	assert.Equal(t, s, back)

	_, err = FromBytes(b[:10])
	assert.Error(t, err)
}

func TestUnmarshalJSON_Validates(t *testing.T) {
	var s State
	require.NoError(t, json.Unmarshal([]byte(`{"psi":1,"rho":2,"omega":3}`), &s))
	assert.Equal(t, MustNew(1, 2, 3), s)

	// 1e400 overflows float64 and is rejected by encoding/json itself.
	assert.Error(t, json.Unmarshal([]byte(`{"psi":1e400,"rho":2,"omega":3}`), &s))
}
