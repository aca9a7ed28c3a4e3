package protocol

import (
	"errors"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nmxmxh/ghostnet/internal/core"
	"github.com/nmxmxh/ghostnet/internal/masking"
	"github.com/nmxmxh/ghostnet/internal/proof"
	"github.com/nmxmxh/ghostnet/internal/resonance"
	"github.com/nmxmxh/ghostnet/internal/stego"
)

var (
	sender = resonance.MustNew(1, 1, 1)
	target = resonance.MustNew(1.05, 1.05, 1.05)
	far    = resonance.MustNew(10, 10, 10)
)

func newProtocol(t *testing.T, mutate func(*Config), opts ...Option) *Protocol {
	t.Helper()
	cfg := DefaultConfig()
	if mutate != nil {
		mutate(&cfg)
	}
	p, err := New(cfg, nil, opts...)
	require.NoError(t, err)
	return p
}

func TestEndToEnd_ResonantReceiverAccepts(t *testing.T) {
	p := newProtocol(t, func(c *Config) { c.Epsilon = 0.1 })
	action := make([]byte, 256)

	pkt, key, err := p.BuildPacket(sender, target, action, core.CarrierRaw)
	require.NoError(t, err)
	assert.Nil(t, key)
	assert.True(t, pkt.VerifyIntegrity())
	assert.Equal(t, core.DefaultTTL, pkt.TTL)

	tx, err := p.ReceivePacket(pkt, target)
	require.NoError(t, err)
	require.NotNil(t, tx)
	defer tx.Scrub()
	assert.Equal(t, action, tx.Action)
	assert.Equal(t, sender, tx.SenderResonance)
	assert.Equal(t, target, tx.TargetResonance)
	assert.Equal(t, OutcomeAccepted, Classify(tx, err))

	tx2, err := p.ReceivePacket(pkt, far)
	assert.NoError(t, err)
	assert.Nil(t, tx2)
	assert.Equal(t, OutcomeIgnored, Classify(tx2, err))

	st := p.Stats()
	assert.Equal(t, uint64(1), st.Created)
	assert.Equal(t, uint64(1), st.Packets)
	assert.Equal(t, uint64(1), st.Accepted)
	assert.Equal(t, uint64(1), st.Ignored)
	assert.Equal(t, uint64(0), st.Rejected)
}

func TestRoundTrip_CarriersAndProofs(t *testing.T) {
	carriers := []core.CarrierType{core.CarrierRaw, core.CarrierZeroWidth, core.CarrierImageLSB, core.CarrierAudio}
	kinds := []proof.Kind{proof.KindKnowledge, proof.KindRange, proof.KindMembership}

	for _, kind := range kinds {
		for _, ct := range carriers {
			t.Run(kind.String()+"/"+ct.String(), func(t *testing.T) {
				p := newProtocol(t, func(c *Config) { c.ProofKind = kind })
				pkt, _, err := p.BuildPacket(sender, target, []byte("meet at dawn"), ct)
				require.NoError(t, err)

				tx, err := p.ReceivePacket(pkt, target)
				require.NoError(t, err)
				require.NotNil(t, tx)
				assert.Equal(t, "meet at dawn", string(tx.Action))
			})
		}
	}
}

func TestKeyAgreement(t *testing.T) {
	near := resonance.MustNew(1.06, 1.04, 1.05)
	require.True(t, resonance.IsResonant(near, target, 0.1))

	nodeMode := newProtocol(t, nil)
	pkt, _, err := nodeMode.BuildPacket(sender, target, []byte("x"), core.CarrierRaw)
	require.NoError(t, err)

	_, err = nodeMode.ReceivePacket(pkt, near)
	require.Error(t, err, "node-derived params only open at the exact target")
	assert.True(t, core.IsSecurity(err))

	targetMode := newProtocol(t, func(c *Config) { c.KeyAgreement = KeyAgreementTarget })
	tx, err := targetMode.ReceivePacket(pkt, near)
	require.NoError(t, err)
	require.NotNil(t, tx)
	assert.Equal(t, "x", string(tx.Action))
}

func TestReceive_SecurityRejections(t *testing.T) {
	p := newProtocol(t, nil)
	build := func() *core.GhostPacket {
		pkt, _, err := p.BuildPacket(sender, target, []byte("payload"), core.CarrierRaw)
		require.NoError(t, err)
		return pkt
	}

	tests := []struct {
		name   string
		tamper func(*core.GhostPacket)
		code   string
	}{
		{
			name:   "direct mutation breaks hash",
			tamper: func(pkt *core.GhostPacket) { pkt.MaskedPayload[0] ^= 1 },
			code:   core.ErrCodeIntegrity,
		},
		{
			name: "carrier diverges from payload",
			tamper: func(pkt *core.GhostPacket) {
				pkt.Update(func(g *core.GhostPacket) { g.StegoCarrier[0] ^= 1 })
			},
			code: core.ErrCodePayloadMismatch,
		},
		{
			name: "forged proof",
			tamper: func(pkt *core.GhostPacket) {
				pkt.Update(func(g *core.GhostPacket) { g.ZKProof[len(g.ZKProof)-1] ^= 1 })
			},
			code: core.ErrCodeProofInvalid,
		},
		{
			name:   "missing proof",
			tamper: func(pkt *core.GhostPacket) { pkt.Update(func(g *core.GhostPacket) { g.ZKProof = nil }) },
			code:   core.ErrCodeProofInvalid,
		},
		{
			name: "unreadable carrier",
			tamper: func(pkt *core.GhostPacket) {
				pkt.Update(func(g *core.GhostPacket) { g.CarrierType = core.CarrierImageLSB })
			},
			code: core.ErrCodeExtractFailed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pkt := build()
			tt.tamper(pkt)

			tx, err := p.ReceivePacket(pkt, target)
			assert.Nil(t, tx)
			require.Error(t, err)
			assert.True(t, core.IsSecurity(err))
			assert.Equal(t, tt.code, core.CodeOf(err))
			assert.Equal(t, OutcomeRejected, Classify(tx, err))

			var se *StageError
			require.True(t, errors.As(err, &se))
			assert.Equal(t, StageReceived, se.Stage)
		})
	}
	assert.Equal(t, uint64(len(tests)), p.Stats().Rejected)
}

func TestReceive_ProofKindMismatchIsError(t *testing.T) {
	rangeProto := newProtocol(t, func(c *Config) { c.ProofKind = proof.KindRange })
	pkt, _, err := rangeProto.BuildPacket(sender, target, []byte("x"), core.CarrierRaw)
	require.NoError(t, err)

	knowledgeProto := newProtocol(t, nil)
	_, err = knowledgeProto.ReceivePacket(pkt, target)
	require.Error(t, err)
	assert.ErrorIs(t, err, proof.ErrKindMismatch)
	assert.True(t, core.IsSecurity(err))
}

func TestForwardSecrecy(t *testing.T) {
	p := newProtocol(t, func(c *Config) { c.EnableForwardSecrecy = true })
	pkt, key, err := p.BuildPacket(sender, target, []byte("ephemeral"), core.CarrierZeroWidth)
	require.NoError(t, err)
	require.Len(t, key, masking.SeedSize)

	_, err = p.ReceivePacket(pkt, target)
	assert.True(t, core.IsSecurity(err), "resonance alone cannot open a forward-secret packet")

	tx, err := p.ReceivePacketWithKey(pkt, target, key)
	require.NoError(t, err)
	require.NotNil(t, tx)
	assert.Equal(t, "ephemeral", string(tx.Action))

	_, err = p.ReceivePacketWithKey(pkt, target, nil)
	assert.True(t, core.IsValidation(err))
}

func TestCompression(t *testing.T) {
	p := newProtocol(t, func(c *Config) { c.CompressPayload = true })
	action := make([]byte, 4096)
	for i := range action {
		action[i] = byte(i % 7)
	}

	pkt, _, err := p.BuildPacket(sender, target, action, core.CarrierRaw)
	require.NoError(t, err)
	assert.Less(t, len(pkt.MaskedPayload), len(action))

	tx, err := p.ReceivePacket(pkt, target)
	require.NoError(t, err)
	assert.Equal(t, action, tx.Action)
}

func TestCreateTransaction_Validation(t *testing.T) {
	p := newProtocol(t, func(c *Config) { c.MaxActionSize = 16 })

	_, err := p.CreateTransaction(sender, target, make([]byte, 17))
	assert.True(t, core.IsValidation(err))
	assert.Equal(t, core.ErrCodeActionTooLarge, core.CodeOf(err))

	var se *StageError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, StageCreated, se.Stage)

	_, err = p.CreateTransaction(resonance.State{Psi: math.Inf(1)}, target, nil)
	assert.Equal(t, core.ErrCodeNonFinite, core.CodeOf(err))

	action := []byte("mine")
	tx, err := p.CreateTransaction(sender, target, action)
	require.NoError(t, err)
	tx.Scrub()
	assert.Equal(t, "mine", string(action), "caller's action is not scrubbed")
}

func TestMaskTransaction_MalformedParams(t *testing.T) {
	p := newProtocol(t, nil)
	tx, err := p.CreateTransaction(sender, target, []byte("x"))
	require.NoError(t, err)

	_, err = p.MaskTransaction(tx, masking.Params{Theta: 1})
	assert.True(t, core.IsValidation(err))
	assert.Equal(t, core.ErrCodeMalformedParams, core.CodeOf(err))
}

func TestEmbedTransaction_CoverTooSmall(t *testing.T) {
	p := newProtocol(t, nil, WithCarrierOptions(stego.Options{Cover: make([]byte, 16)}))
	_, err := p.EmbedTransaction(make([]byte, 64), core.CarrierImageLSB)
	require.Error(t, err)
	assert.ErrorIs(t, err, stego.ErrCarrierTooSmall)
	assert.Equal(t, core.ErrCodeCarrierTooSmall, core.CodeOf(err))
}

func TestAdaptiveTimestamps(t *testing.T) {
	fixed := time.Date(2025, 3, 4, 12, 34, 56, 0, time.UTC)
	coarse := newProtocol(t, nil, WithClock(func() time.Time { return fixed }))
	exact := newProtocol(t, func(c *Config) { c.AdaptiveTimestamps = false }, WithClock(func() time.Time { return fixed }))

	pkt, _, err := coarse.BuildPacket(sender, target, nil, core.CarrierRaw)
	require.NoError(t, err)
	assert.Equal(t, uint64(time.Date(2025, 3, 4, 12, 34, 0, 0, time.UTC).Unix()), pkt.Timestamp)

	pkt, _, err = exact.BuildPacket(sender, target, nil, core.CarrierRaw)
	require.NoError(t, err)
	assert.Equal(t, uint64(fixed.Unix()), pkt.Timestamp)
}

func TestConfig_Validate(t *testing.T) {
	for name, mutate := range map[string]func(*Config){
		"epsilon":     func(c *Config) { c.Epsilon = 0 },
		"max action":  func(c *Config) { c.MaxActionSize = 0 },
		"proof kind":  func(c *Config) { c.ProofKind = 9 },
		"agreement":   func(c *Config) { c.KeyAgreement = "psychic" },
		"granularity": func(c *Config) { c.TimestampGranularity = 0 },
	} {
		cfg := DefaultConfig()
		mutate(&cfg)
		_, err := New(cfg, nil)
		assert.True(t, core.IsValidation(err), name)
	}
}

func TestBuildDecoy_MatchesRealShape(t *testing.T) {
	now := time.Unix(1700000321, 0)
	p := newProtocol(t, func(c *Config) { c.CompressPayload = false }, WithClock(func() time.Time { return now }))

	genuine, _, err := p.BuildPacket(sender, target, make([]byte, 300), core.CarrierAudio)
	require.NoError(t, err)
	decoy, err := p.BuildDecoy(far, target, len(genuine.MaskedPayload), core.CarrierAudio)
	require.NoError(t, err)

	assert.True(t, decoy.VerifyIntegrity())
	assert.InDelta(t, len(genuine.MaskedPayload), len(decoy.MaskedPayload), 4)
	assert.Len(t, decoy.ZKProof, len(genuine.ZKProof))
	pr, err := proof.Decode(decoy.ZKProof)
	require.NoError(t, err)
	assert.NoError(t, proof.Verify(pr))
	assert.Equal(t, genuine.Timestamp, decoy.Timestamp)
	assert.Equal(t, genuine.CarrierType, decoy.CarrierType)

	small, err := p.BuildDecoy(far, target, 1, core.CarrierRaw)
	require.NoError(t, err, "undersized requests fall back to an empty action")
	assert.NotEmpty(t, small.MaskedPayload)

	st := p.Stats()
	assert.Equal(t, uint64(1), st.Created, "decoys stay out of lifecycle counters")
	assert.Equal(t, uint64(1), st.Packets)
}
