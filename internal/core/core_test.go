package core

import (
	"errors"
	"math"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nmxmxh/ghostnet/internal/resonance"
)

func testPacket(t *testing.T) *GhostPacket {
	t.Helper()
	p, err := NewPacket(
		uuid.New(),
		uint64(time.Now().Unix()),
		resonance.MustNew(1.05, 1.05, 1.05),
		resonance.MustNew(1, 1, 1),
		[]byte("masked"),
		[]byte("carrier"),
		CarrierRaw,
		[]byte("proof"),
	)
	require.NoError(t, err)
	return p
}

func TestPacket_IntegrityAfterConstruction(t *testing.T) {
	p := testPacket(t)
	assert.Equal(t, DefaultTTL, p.TTL)
	assert.True(t, p.VerifyIntegrity())
}

func TestPacket_DirectMutationBreaksIntegrity(t *testing.T) {
	mutations := map[string]func(p *GhostPacket){
		"payload":    func(p *GhostPacket) { p.MaskedPayload[0] ^= 0xff },
		"carrier":    func(p *GhostPacket) { p.StegoCarrier = append(p.StegoCarrier, 0) },
		"ttl":        func(p *GhostPacket) { p.TTL-- },
		"timestamp":  func(p *GhostPacket) { p.Timestamp++ },
		"resonance":  func(p *GhostPacket) { p.Resonance.Psi += 0.001 },
		"sender":     func(p *GhostPacket) { p.SenderResonance.Omega = 9 },
		"carrier ty": func(p *GhostPacket) { p.CarrierType = CarrierZeroWidth },
		"proof":      func(p *GhostPacket) { p.ZKProof = nil },
		"id":         func(p *GhostPacket) { p.ID = uuid.New() },
	}
	for name, mutate := range mutations {
		t.Run(name, func(t *testing.T) {
			p := testPacket(t)
			mutate(p)
			assert.False(t, p.VerifyIntegrity())
		})
	}
}

func TestPacket_UpdateRehashes(t *testing.T) {
	p := testPacket(t)
	p.Update(func(p *GhostPacket) { p.MaskedPayload = []byte("other") })
	assert.True(t, p.VerifyIntegrity())
}

func TestPacket_EmptyProofDiffersFromAbsent(t *testing.T) {
	p := testPacket(t)
	absent := p.Clone()
	absent.Update(func(p *GhostPacket) { p.ZKProof = nil })
	empty := p.Clone()
	empty.Update(func(p *GhostPacket) { p.ZKProof = []byte{} })
	assert.NotEqual(t, absent.Hash, empty.Hash)
}

func TestPacket_DecrementTTL(t *testing.T) {
	p := testPacket(t)
	for i := int(DefaultTTL); i > 0; i-- {
		require.True(t, p.DecrementTTL())
		require.Equal(t, uint8(i-1), p.TTL)
		require.True(t, p.VerifyIntegrity())
	}
	assert.False(t, p.DecrementTTL())
	assert.Equal(t, uint8(0), p.TTL)
	assert.False(t, p.DecrementTTL())
	assert.Equal(t, uint8(0), p.TTL)
	assert.False(t, p.Deliverable())
}

func TestPacket_CloneIsDeep(t *testing.T) {
	p := testPacket(t)
	c := p.Clone()
	c.MaskedPayload[0] = 'X'
	assert.Equal(t, byte('m'), p.MaskedPayload[0])
	assert.Equal(t, p.Hash, c.Hash)
}

func TestNewPacket_Validates(t *testing.T) {
	bad := resonance.State{Psi: math.NaN()}
	_, err := NewPacket(uuid.New(), 0, bad, resonance.MustNew(0, 0, 0), nil, nil, CarrierRaw, nil)
	require.Error(t, err)
	assert.True(t, IsValidation(err))

	_, err = NewPacket(uuid.New(), 0, resonance.MustNew(0, 0, 0), resonance.MustNew(0, 0, 0), nil, nil, CarrierType(42), nil)
	require.Error(t, err)
	assert.Equal(t, ErrCodeInvalidPacket, CodeOf(err))
}

func TestTransaction_RoundTrip(t *testing.T) {
	tx := &GhostTransaction{
		ID:              uuid.New(),
		SenderResonance: resonance.MustNew(1, 2, 3),
		TargetResonance: resonance.MustNew(4, 5, 6),
		Action:          []byte{0, 1, 2, 3},
		ZKData:          []byte("zk"),
		Timestamp:       time.Unix(1700000000, 12345),
	}
	b, err := tx.MarshalBinary()
	require.NoError(t, err)

	back, err := UnmarshalTransaction(b)
	require.NoError(t, err)
	assert.Equal(t, tx.ID, back.ID)
	assert.Equal(t, tx.SenderResonance, back.SenderResonance)
	assert.Equal(t, tx.TargetResonance, back.TargetResonance)
	assert.Equal(t, tx.Action, back.Action)
	assert.Equal(t, tx.ZKData, back.ZKData)
	assert.True(t, tx.Timestamp.Equal(back.Timestamp))

	// decoded fields must not alias the input buffer
	Zeroize(b)
	assert.Equal(t, []byte{0, 1, 2, 3}, back.Action)
}

func TestUnmarshalTransaction_Garbage(t *testing.T) {
	_, err := UnmarshalTransaction([]byte{0xff, 0xff, 0xff})
	assert.Error(t, err)

	_, err = UnmarshalTransaction(nil)
	assert.Error(t, err)
}

func TestTransaction_Scrub(t *testing.T) {
	tx := &GhostTransaction{Action: []byte{9, 9, 9}, ZKData: []byte{7}}
	tx.Scrub()
	assert.Equal(t, []byte{0, 0, 0}, tx.Action)
	assert.Equal(t, []byte{0}, tx.ZKData)

	var nilTx *GhostTransaction
	nilTx.Scrub()
}

func TestIdentity(t *testing.T) {
	id, err := NewIdentity(resonance.MustNew(1, 1, 1))
	require.NoError(t, err)

	before := id.ID
	stamp := id.LastUpdate
	time.Sleep(time.Millisecond)
	id.RegenerateID()
	assert.NotEqual(t, before, id.ID)
	assert.True(t, id.LastUpdate.After(stamp))

	err = id.SetResonance(resonance.State{Rho: math.Inf(1)})
	assert.True(t, IsValidation(err))
	require.NoError(t, id.SetResonance(resonance.MustNew(2, 2, 2)))
	assert.Equal(t, resonance.MustNew(2, 2, 2), id.Resonance)
}

func TestErrorClassification(t *testing.T) {
	sec := ErrIntegrity("p1")
	wrapped := errors.Join(errors.New("outer"), sec)
	assert.True(t, IsSecurity(wrapped))
	assert.False(t, IsRetryable(wrapped))
	assert.Equal(t, ErrCodeIntegrity, CodeOf(wrapped))

	tr := ErrSend("peer", errors.New("reset"))
	assert.True(t, IsRetryable(tr))
	assert.Contains(t, tr.Error(), "reset")
	assert.Equal(t, "transport", tr.Kind.String())

	assert.Equal(t, Kind(0), KindOf(errors.New("plain")))
}
