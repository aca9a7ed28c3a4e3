// Package codec turns packets into wire bytes and back. Both codecs
// reproduce every field exactly, so a decoded packet keeps a valid hash.
package codec

import (
	"fmt"

	"github.com/nmxmxh/ghostnet/internal/core"
)

// Codec encodes and decodes GhostPackets.
type Codec interface {
	Name() string
	Encode(p *core.GhostPacket) ([]byte, error)
	Decode(b []byte) (*core.GhostPacket, error)
}

// ByName returns the codec registered under name.
func ByName(name string) (Codec, error) {
	switch name {
	case "", Binary.Name():
		return Binary, nil
	case JSON.Name():
		return JSON, nil
	default:
		return nil, fmt.Errorf("unknown codec %q", name)
	}
}

func invalid(msg string, cause error) error {
	return core.ErrValidation(core.ErrCodeInvalidPacket, msg, cause)
}
