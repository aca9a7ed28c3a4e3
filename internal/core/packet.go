package core

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"

	"github.com/google/uuid"

	"github.com/nmxmxh/ghostnet/internal/resonance"
)

// DefaultTTL is the hop budget of a freshly built packet.
const DefaultTTL uint8 = 32

// CarrierType selects the steganographic carrier wrapping a payload.
type CarrierType uint8

const (
	CarrierRaw CarrierType = iota
	CarrierZeroWidth
	CarrierImageLSB
	CarrierAudio
)

func (c CarrierType) String() string {
	switch c {
	case CarrierRaw:
		return "raw"
	case CarrierZeroWidth:
		return "zero-width"
	case CarrierImageLSB:
		return "image-lsb"
	case CarrierAudio:
		return "audio"
	default:
		return fmt.Sprintf("carrier(%d)", uint8(c))
	}
}

// Valid reports whether c is a known carrier.
func (c CarrierType) Valid() bool {
	return c <= CarrierAudio
}

// ParseCarrierType is the inverse of CarrierType.String.
func ParseCarrierType(s string) (CarrierType, error) {
	for c := CarrierRaw; c <= CarrierAudio; c++ {
		if c.String() == s {
			return c, nil
		}
	}
	return 0, fmt.Errorf("unknown carrier type %q", s)
}

// GhostPacket is the wire unit. Hash covers every other field in declaration
// order; mutate only through DecrementTTL or Update so it stays current.
type GhostPacket struct {
	ID              uuid.UUID
	Timestamp       uint64 // unix seconds
	Resonance       resonance.State
	SenderResonance resonance.State
	MaskedPayload   []byte
	StegoCarrier    []byte
	CarrierType     CarrierType
	ZKProof         []byte // nil when absent
	TTL             uint8
	Hash            [32]byte
}

// NewPacket assembles a packet with DefaultTTL and a fresh hash.
func NewPacket(id uuid.UUID, timestamp uint64, target, sender resonance.State, masked, carrier []byte, carrierType CarrierType, proof []byte) (*GhostPacket, error) {
	p := &GhostPacket{
		ID:              id,
		Timestamp:       timestamp,
		Resonance:       target,
		SenderResonance: sender,
		MaskedPayload:   masked,
		StegoCarrier:    carrier,
		CarrierType:     carrierType,
		ZKProof:         proof,
		TTL:             DefaultTTL,
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	p.Hash = p.ComputeHash()
	return p, nil
}

// Validate checks structural invariants that do not depend on the hash.
func (p *GhostPacket) Validate() error {
	if err := p.Resonance.Validate(); err != nil {
		return ErrValidation(ErrCodeNonFinite, "invalid target resonance", err)
	}
	if err := p.SenderResonance.Validate(); err != nil {
		return ErrValidation(ErrCodeNonFinite, "invalid sender resonance", err)
	}
	if !p.CarrierType.Valid() {
		return NewError(KindValidation, ErrCodeInvalidPacket, "unknown carrier type").
			WithContext("carrier_type", uint8(p.CarrierType))
	}
	return nil
}

// CanonicalBytes is the hashed encoding: fixed-width fields big-endian,
// blobs u32-length-prefixed, the optional proof behind a presence byte.
func (p *GhostPacket) CanonicalBytes() []byte {
	size := 16 + 8 + 2*resonance.EncodedSize + 4 + len(p.MaskedPayload) + 4 + len(p.StegoCarrier) + 1 + 1 + 4 + len(p.ZKProof) + 1
	b := make([]byte, 0, size)
	b = append(b, p.ID[:]...)
	b = binary.BigEndian.AppendUint64(b, p.Timestamp)
	b = p.Resonance.AppendBytes(b)
	b = p.SenderResonance.AppendBytes(b)
	b = appendBlob(b, p.MaskedPayload)
	b = appendBlob(b, p.StegoCarrier)
	b = append(b, byte(p.CarrierType))
	if p.ZKProof != nil {
		b = append(b, 1)
		b = appendBlob(b, p.ZKProof)
	} else {
		b = append(b, 0)
	}
	b = append(b, p.TTL)
	return b
}

// ComputeHash returns SHA-256 over CanonicalBytes.
func (p *GhostPacket) ComputeHash() [32]byte {
	return sha256.Sum256(p.CanonicalBytes())
}

// VerifyIntegrity reports whether Hash matches the current fields.
func (p *GhostPacket) VerifyIntegrity() bool {
	h := p.ComputeHash()
	return ConstantTimeEqual(h[:], p.Hash[:])
}

// DecrementTTL spends one hop. It returns false, leaving TTL at zero, once
// the budget is exhausted.
func (p *GhostPacket) DecrementTTL() bool {
	if p.TTL == 0 {
		return false
	}
	p.TTL--
	p.Hash = p.ComputeHash()
	return true
}

// Update applies fn and recomputes the hash.
func (p *GhostPacket) Update(fn func(*GhostPacket)) {
	fn(p)
	p.Hash = p.ComputeHash()
}

// Deliverable reports whether the packet may still be relayed.
func (p *GhostPacket) Deliverable() bool {
	return p.TTL > 0
}

// Clone returns a deep copy.
func (p *GhostPacket) Clone() *GhostPacket {
	c := *p
	c.MaskedPayload = cloneBytes(p.MaskedPayload)
	c.StegoCarrier = cloneBytes(p.StegoCarrier)
	c.ZKProof = cloneBytes(p.ZKProof)
	return &c
}

func appendBlob(b, blob []byte) []byte {
	b = binary.BigEndian.AppendUint32(b, uint32(len(blob)))
	return append(b, blob...)
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	return append([]byte{}, b...)
}
