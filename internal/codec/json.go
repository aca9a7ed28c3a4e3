package codec

import (
	"encoding/hex"
	"encoding/json"
	"errors"

	"github.com/google/uuid"

	"github.com/nmxmxh/ghostnet/internal/core"
	"github.com/nmxmxh/ghostnet/internal/resonance"
)

// JSON is the human-readable codec, useful for debugging and HTTP bridges.
var JSON Codec = jsonCodec{}

type jsonPacket struct {
	ID              uuid.UUID       `json:"id"`
	Timestamp       uint64          `json:"timestamp"`
	Resonance       resonance.State `json:"resonance"`
	SenderResonance resonance.State `json:"sender_resonance"`
	MaskedPayload   []byte          `json:"masked_payload"`
	StegoCarrier    []byte          `json:"stego_carrier"`
	CarrierType     uint8           `json:"carrier_type"`
	ZKProof         []byte          `json:"zk_proof"`
	TTL             uint8           `json:"ttl"`
	Hash            string          `json:"hash"`
}

type jsonCodec struct{}

func (jsonCodec) Name() string { return "json" }

func (jsonCodec) Encode(p *core.GhostPacket) ([]byte, error) {
	if p == nil {
		return nil, errors.New("encode nil packet")
	}
	return json.Marshal(jsonPacket{
		ID:              p.ID,
		Timestamp:       p.Timestamp,
		Resonance:       p.Resonance,
		SenderResonance: p.SenderResonance,
		MaskedPayload:   p.MaskedPayload,
		StegoCarrier:    p.StegoCarrier,
		CarrierType:     uint8(p.CarrierType),
		ZKProof:         p.ZKProof,
		TTL:             p.TTL,
		Hash:            hex.EncodeToString(p.Hash[:]),
	})
}

func (jsonCodec) Decode(b []byte) (*core.GhostPacket, error) {
	var jp jsonPacket
	if err := json.Unmarshal(b, &jp); err != nil {
		return nil, invalid("bad json packet", err)
	}
	hash, err := hex.DecodeString(jp.Hash)
	if err != nil || len(hash) != 32 {
		return nil, invalid("bad packet hash", err)
	}
	p := &core.GhostPacket{
		ID:              jp.ID,
		Timestamp:       jp.Timestamp,
		Resonance:       jp.Resonance,
		SenderResonance: jp.SenderResonance,
		MaskedPayload:   jp.MaskedPayload,
		StegoCarrier:    jp.StegoCarrier,
		CarrierType:     core.CarrierType(jp.CarrierType),
		ZKProof:         jp.ZKProof,
		TTL:             jp.TTL,
	}
	copy(p.Hash[:], hash)
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}
