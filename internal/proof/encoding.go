package proof

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

const (
	fieldKind   protowire.Number = 1
	fieldData   protowire.Number = 2
	fieldPublic protowire.Number = 3
)

// Encode serializes the proof for the packet's zk_proof field.
func (p Proof) Encode() []byte {
	b := make([]byte, 0, len(p.Data)+len(p.PublicInputs)+12)
	b = protowire.AppendTag(b, fieldKind, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(p.Kind))
	b = protowire.AppendTag(b, fieldData, protowire.BytesType)
	b = protowire.AppendBytes(b, p.Data)
	b = protowire.AppendTag(b, fieldPublic, protowire.BytesType)
	b = protowire.AppendBytes(b, p.PublicInputs)
	return b
}

// Decode parses an Encode result.
func Decode(b []byte) (Proof, error) {
	var p Proof
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return Proof{}, fmt.Errorf("%w: %v", ErrMalformed, protowire.ParseError(n))
		}
		b = b[n:]
		switch {
		case num == fieldKind && typ == protowire.VarintType:
			v, m := protowire.ConsumeVarint(b)
			if m < 0 {
				return Proof{}, fmt.Errorf("%w: %v", ErrMalformed, protowire.ParseError(m))
			}
			if v > 255 {
				return Proof{}, fmt.Errorf("%w: kind %d", ErrUnknownKind, v)
			}
			p.Kind = Kind(v)
			b = b[m:]
		case (num == fieldData || num == fieldPublic) && typ == protowire.BytesType:
			v, m := protowire.ConsumeBytes(b)
			if m < 0 {
				return Proof{}, fmt.Errorf("%w: %v", ErrMalformed, protowire.ParseError(m))
			}
			if num == fieldData {
				p.Data = append([]byte{}, v...)
			} else {
				p.PublicInputs = append([]byte{}, v...)
			}
			b = b[m:]
		default:
			m := protowire.ConsumeFieldValue(num, typ, b)
			if m < 0 {
				return Proof{}, fmt.Errorf("%w: %v", ErrMalformed, protowire.ParseError(m))
			}
			b = b[m:]
		}
	}
	if p.Kind == 0 {
		return Proof{}, fmt.Errorf("%w: missing kind", ErrMalformed)
	}
	return p, nil
}
