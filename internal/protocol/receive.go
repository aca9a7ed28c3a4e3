package protocol

import (
	"bytes"
	"errors"

	"github.com/nmxmxh/ghostnet/internal/core"
	"github.com/nmxmxh/ghostnet/internal/masking"
	"github.com/nmxmxh/ghostnet/internal/proof"
	"github.com/nmxmxh/ghostnet/internal/resonance"
	"github.com/nmxmxh/ghostnet/internal/stego"
)

// transactionOverhead bounds the serialized transaction beyond its action
// and proof.
const transactionOverhead = 256

// ReceivePacket tests pkt against nodeResonance and opens it on a match.
// A non-match returns (nil, nil); any verification failure is a security
// error. The caller owns the returned transaction and must Scrub it.
func (p *Protocol) ReceivePacket(pkt *core.GhostPacket, nodeResonance resonance.State) (*core.GhostTransaction, error) {
	return p.receive(pkt, nodeResonance, nil)
}

// ReceivePacketWithKey is ReceivePacket for forward-secret packets whose
// ephemeral key arrived out of band.
func (p *Protocol) ReceivePacketWithKey(pkt *core.GhostPacket, nodeResonance resonance.State, key []byte) (*core.GhostTransaction, error) {
	if key == nil {
		return nil, atStage(StageReceived, core.ErrValidation(core.ErrCodeMalformedParams, "missing ephemeral key", nil))
	}
	return p.receive(pkt, nodeResonance, key)
}

// Matches reports whether nodeResonance lies inside pkt's window.
func (p *Protocol) Matches(pkt *core.GhostPacket, nodeResonance resonance.State) bool {
	return resonance.IsResonant(nodeResonance, pkt.Resonance, p.config.Epsilon)
}

func (p *Protocol) receive(pkt *core.GhostPacket, nodeResonance resonance.State, key []byte) (*core.GhostTransaction, error) {
	if pkt == nil {
		return nil, atStage(StageReceived, core.ErrValidation(core.ErrCodeInvalidPacket, "nil packet", nil))
	}
	if err := nodeResonance.Validate(); err != nil {
		return nil, atStage(StageReceived, core.ErrValidation(core.ErrCodeNonFinite, "invalid node resonance", err))
	}
	if err := pkt.Validate(); err != nil {
		return nil, p.reject(pkt, err)
	}
	if !pkt.VerifyIntegrity() {
		return nil, p.reject(pkt, core.ErrIntegrity(pkt.ID.String()))
	}
	if !p.Matches(pkt, nodeResonance) {
		p.ignored.Add(1)
		return nil, nil
	}

	tx, err := p.open(pkt, nodeResonance, key)
	if err != nil {
		return nil, p.reject(pkt, err)
	}
	p.accepted.Add(1)
	p.logger.Debug("Packet accepted", "packet_id", pkt.ID, "strength", resonance.Strength(nodeResonance, pkt.Resonance, p.config.Epsilon))
	return tx, nil
}

func (p *Protocol) reject(pkt *core.GhostPacket, err error) error {
	p.rejected.Add(1)
	p.logger.Warn("Packet rejected",
		"packet_id", pkt.ID,
		"code", core.CodeOf(err),
		"kind", core.KindOf(err).String(),
		"error", err,
	)
	return atStage(StageReceived, err)
}

func (p *Protocol) open(pkt *core.GhostPacket, nodeResonance resonance.State, key []byte) (*core.GhostTransaction, error) {
	id := pkt.ID.String()

	var pr *proof.Proof
	if pkt.ZKProof != nil {
		decoded, err := proof.Decode(pkt.ZKProof)
		if err != nil {
			return nil, core.ErrProofInvalid(id, err)
		}
		if err := proof.VerifyAs(p.config.ProofKind, decoded); err != nil {
			return nil, core.ErrProofInvalid(id, err)
		}
		pr = &decoded
	} else if p.config.RequireProof {
		return nil, core.ErrProofInvalid(id, errors.New("proof missing"))
	}

	extracted, err := stego.Extract(pkt.CarrierType, pkt.StegoCarrier)
	if err != nil {
		return nil, core.ErrExtract(id, err)
	}
	if !core.ConstantTimeEqual(extracted, pkt.MaskedPayload) {
		return nil, core.NewError(core.KindSecurity, core.ErrCodePayloadMismatch, "carrier does not match masked payload").
			WithContext("packet_id", id)
	}

	target := nodeResonance
	if p.config.KeyAgreement == KeyAgreementTarget {
		target = pkt.Resonance
	}
	params, err := masking.FromResonance(pkt.SenderResonance, target)
	if err != nil {
		return nil, core.ErrUnmask(id, err)
	}
	if key != nil {
		if params, err = params.WithKey(key); err != nil {
			return nil, core.ErrUnmask(id, err)
		}
	}

	framed, err := masking.Unmask(extracted, params)
	if err != nil {
		return nil, core.ErrUnmask(id, err)
	}
	defer core.Zeroize(framed)

	plain, err := p.unframe(framed)
	if err != nil {
		return nil, core.ErrUnmask(id, err)
	}
	defer core.Zeroize(plain)

	tx, err := core.UnmarshalTransaction(plain)
	if err != nil {
		return nil, core.ErrUnmask(id, err)
	}
	if err := bind(tx, pkt, pr); err != nil {
		tx.Scrub()
		return nil, err
	}
	return tx, nil
}

// unframe strips the compression flag. The result never aliases framed.
func (p *Protocol) unframe(framed []byte) ([]byte, error) {
	if len(framed) == 0 {
		return nil, errors.New("empty plaintext")
	}
	switch framed[0] {
	case frameRaw:
		return append([]byte{}, framed[1:]...), nil
	case frameBrotli:
		return decompress(framed[1:], p.config.MaxActionSize+len(framed)+transactionOverhead)
	default:
		return nil, errors.New("unknown plaintext framing")
	}
}

// bind ties the opened transaction to the packet that carried it.
func bind(tx *core.GhostTransaction, pkt *core.GhostPacket, pr *proof.Proof) error {
	id := pkt.ID.String()
	if tx.SenderResonance != pkt.SenderResonance || tx.TargetResonance != pkt.Resonance {
		return core.NewError(core.KindSecurity, core.ErrCodePayloadMismatch, "transaction resonance does not match packet").
			WithContext("packet_id", id)
	}
	if pr == nil {
		return nil
	}
	if !bytes.Equal(tx.ZKData, pkt.ZKProof) {
		return core.ErrProofInvalid(id, proof.ErrStatementBind)
	}

	switch pr.Kind {
	case proof.KindKnowledge:
		if !core.ConstantTimeEqual(pr.PublicInputs, proof.Statement(tx.Action)) {
			return core.ErrProofInvalid(id, proof.ErrStatementBind)
		}
	case proof.KindRange:
		v, err := proof.RangeValue(*pr)
		if err != nil || v != uint64(len(tx.Action)) {
			return core.ErrProofInvalid(id, proof.ErrStatementBind)
		}
	case proof.KindMembership:
		e, err := proof.MemberElement(*pr)
		if err != nil || !core.ConstantTimeEqual(e, proof.Statement(tx.Action)) {
			return core.ErrProofInvalid(id, proof.ErrStatementBind)
		}
	}
	return nil
}
