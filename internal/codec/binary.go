package codec

import (
	"errors"
	"fmt"
	"math"

	"github.com/google/uuid"
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/nmxmxh/ghostnet/internal/core"
	"github.com/nmxmxh/ghostnet/internal/resonance"
)

// Binary is the compact protobuf-wire codec.
var Binary Codec = binaryCodec{}

// Packet field numbers. Proof is omitted when absent and present (possibly
// empty) otherwise, which keeps the nil/empty distinction the hash sees.
const (
	fieldID          protowire.Number = 1
	fieldTimestamp   protowire.Number = 2
	fieldTarget      protowire.Number = 3
	fieldSender      protowire.Number = 4
	fieldMasked      protowire.Number = 5
	fieldCarrier     protowire.Number = 6
	fieldCarrierType protowire.Number = 7
	fieldProof       protowire.Number = 8
	fieldTTL         protowire.Number = 9
	fieldHash        protowire.Number = 10
)

type binaryCodec struct{}

func (binaryCodec) Name() string { return "binary" }

func (binaryCodec) Encode(p *core.GhostPacket) ([]byte, error) {
	if p == nil {
		return nil, errors.New("encode nil packet")
	}
	size := 16 + 2*resonance.EncodedSize + len(p.MaskedPayload) + len(p.StegoCarrier) + len(p.ZKProof) + 32 + 48
	b := make([]byte, 0, size)

	b = protowire.AppendTag(b, fieldID, protowire.BytesType)
	b = protowire.AppendBytes(b, p.ID[:])
	b = protowire.AppendTag(b, fieldTimestamp, protowire.VarintType)
	b = protowire.AppendVarint(b, p.Timestamp)
	b = protowire.AppendTag(b, fieldTarget, protowire.BytesType)
	b = protowire.AppendBytes(b, p.Resonance.Bytes())
	b = protowire.AppendTag(b, fieldSender, protowire.BytesType)
	b = protowire.AppendBytes(b, p.SenderResonance.Bytes())
	b = protowire.AppendTag(b, fieldMasked, protowire.BytesType)
	b = protowire.AppendBytes(b, p.MaskedPayload)
	b = protowire.AppendTag(b, fieldCarrier, protowire.BytesType)
	b = protowire.AppendBytes(b, p.StegoCarrier)
	b = protowire.AppendTag(b, fieldCarrierType, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(p.CarrierType))
	if p.ZKProof != nil {
		b = protowire.AppendTag(b, fieldProof, protowire.BytesType)
		b = protowire.AppendBytes(b, p.ZKProof)
	}
	b = protowire.AppendTag(b, fieldTTL, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(p.TTL))
	b = protowire.AppendTag(b, fieldHash, protowire.BytesType)
	b = protowire.AppendBytes(b, p.Hash[:])
	return b, nil
}

func (binaryCodec) Decode(b []byte) (*core.GhostPacket, error) {
	p := &core.GhostPacket{}
	var seenID, seenTarget, seenSender, seenHash bool

	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, invalid("bad tag", protowire.ParseError(n))
		}
		b = b[n:]

		switch typ {
		case protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, invalid("bad varint", protowire.ParseError(n))
			}
			b = b[n:]
			switch num {
			case fieldTimestamp:
				p.Timestamp = v
			case fieldCarrierType:
				if v > math.MaxUint8 {
					return nil, invalid("carrier type out of range", nil)
				}
				p.CarrierType = core.CarrierType(v)
			case fieldTTL:
				if v > math.MaxUint8 {
					return nil, invalid("ttl out of range", nil)
				}
				p.TTL = uint8(v)
			}
		case protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, invalid("bad length-delimited field", protowire.ParseError(n))
			}
			b = b[n:]
			var err error
			switch num {
			case fieldID:
				p.ID, err = uuid.FromBytes(v)
				seenID = true
			case fieldTarget:
				p.Resonance, err = resonance.FromBytes(v)
				seenTarget = true
			case fieldSender:
				p.SenderResonance, err = resonance.FromBytes(v)
				seenSender = true
			case fieldMasked:
				p.MaskedPayload = append([]byte{}, v...)
			case fieldCarrier:
				p.StegoCarrier = append([]byte{}, v...)
			case fieldProof:
				p.ZKProof = append([]byte{}, v...)
			case fieldHash:
				if len(v) != len(p.Hash) {
					err = fmt.Errorf("hash is %d bytes", len(v))
				}
				copy(p.Hash[:], v)
				seenHash = true
			}
			if err != nil {
				return nil, invalid(fmt.Sprintf("field %d", num), err)
			}
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, invalid("bad field", protowire.ParseError(n))
			}
			b = b[n:]
		}
	}

	if !seenID || !seenTarget || !seenSender || !seenHash {
		return nil, invalid("missing required field", nil)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}
