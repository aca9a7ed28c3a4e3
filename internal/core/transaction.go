package core

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/nmxmxh/ghostnet/internal/resonance"
)

// GhostTransaction is the sensitive payload before it is masked. Owners
// must defer Scrub; transactions are never written to disk.
type GhostTransaction struct {
	ID              uuid.UUID
	SenderResonance resonance.State
	TargetResonance resonance.State
	Action          []byte
	ZKData          []byte
	Timestamp       time.Time
}

// Transaction field numbers in the serialized form.
const (
	txFieldID        protowire.Number = 1
	txFieldSender    protowire.Number = 2
	txFieldTarget    protowire.Number = 3
	txFieldAction    protowire.Number = 4
	txFieldZKData    protowire.Number = 5
	txFieldTimestamp protowire.Number = 6
)

var errTruncated = errors.New("truncated transaction")

// Scrub zeroizes the action and proof data.
func (tx *GhostTransaction) Scrub() {
	if tx == nil {
		return
	}
	Zeroize(tx.Action)
	Zeroize(tx.ZKData)
}

// MarshalBinary serializes the transaction for masking. The returned
// buffer holds the plaintext action and must be zeroized by the caller.
func (tx *GhostTransaction) MarshalBinary() ([]byte, error) {
	size := 16 + 2*resonance.EncodedSize + len(tx.Action) + len(tx.ZKData) + 48
	b := make([]byte, 0, size)

	b = protowire.AppendTag(b, txFieldID, protowire.BytesType)
	b = protowire.AppendBytes(b, tx.ID[:])
	b = protowire.AppendTag(b, txFieldSender, protowire.BytesType)
	b = protowire.AppendBytes(b, tx.SenderResonance.Bytes())
	b = protowire.AppendTag(b, txFieldTarget, protowire.BytesType)
	b = protowire.AppendBytes(b, tx.TargetResonance.Bytes())
	b = protowire.AppendTag(b, txFieldAction, protowire.BytesType)
	b = protowire.AppendBytes(b, tx.Action)
	if len(tx.ZKData) > 0 {
		b = protowire.AppendTag(b, txFieldZKData, protowire.BytesType)
		b = protowire.AppendBytes(b, tx.ZKData)
	}
	b = protowire.AppendTag(b, txFieldTimestamp, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(tx.Timestamp.UnixNano()))
	return b, nil
}

// UnmarshalTransaction decodes the MarshalBinary form. Byte fields are
// copied so the input buffer can be zeroized afterwards.
func UnmarshalTransaction(b []byte) (*GhostTransaction, error) {
	tx := &GhostTransaction{}
	var seenID, seenSender, seenTarget bool
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		b = b[n:]

		switch {
		case typ == protowire.BytesType && num <= txFieldZKData:
			v, m := protowire.ConsumeBytes(b)
			if m < 0 {
				return nil, protowire.ParseError(m)
			}
			b = b[m:]
			if err := tx.setBytesField(num, v); err != nil {
				return nil, err
			}
			switch num {
			case txFieldID:
				seenID = true
			case txFieldSender:
				seenSender = true
			case txFieldTarget:
				seenTarget = true
			}
		case typ == protowire.VarintType && num == txFieldTimestamp:
			v, m := protowire.ConsumeVarint(b)
			if m < 0 {
				return nil, protowire.ParseError(m)
			}
			b = b[m:]
			tx.Timestamp = time.Unix(0, int64(v))
		default:
			m := protowire.ConsumeFieldValue(num, typ, b)
			if m < 0 {
				return nil, protowire.ParseError(m)
			}
			b = b[m:]
		}
	}
	if !seenID || !seenSender || !seenTarget {
		return nil, errTruncated
	}
	return tx, nil
}

func (tx *GhostTransaction) setBytesField(num protowire.Number, v []byte) error {
	switch num {
	case txFieldID:
		id, err := uuid.FromBytes(v)
		if err != nil {
			return fmt.Errorf("transaction id: %w", err)
		}
		tx.ID = id
	case txFieldSender:
		s, err := resonance.FromBytes(v)
		if err != nil {
			return fmt.Errorf("sender resonance: %w", err)
		}
		tx.SenderResonance = s
	case txFieldTarget:
		s, err := resonance.FromBytes(v)
		if err != nil {
			return fmt.Errorf("target resonance: %w", err)
		}
		tx.TargetResonance = s
	case txFieldAction:
		tx.Action = append([]byte{}, v...)
	case txFieldZKData:
		tx.ZKData = append([]byte{}, v...)
	}
	return nil
}
