// Package stego hides masked payloads inside innocuous-looking carriers.
package stego

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/nmxmxh/ghostnet/internal/core"
)

var (
	ErrCarrierTooSmall = errors.New("stego: carrier too small for payload")
	ErrCorruptCarrier  = errors.New("stego: carrier does not hold a payload")
	ErrUnknownCarrier  = errors.New("stego: unknown carrier type")
)

// lengthHeader is the u32 payload length every carrier stores first.
const lengthHeader = 4

// Carrier embeds and extracts payloads.
type Carrier interface {
	Type() core.CarrierType
	Embed(payload []byte) ([]byte, error)
	Extract(carrier []byte) ([]byte, error)
}

// Options tune carrier construction. Zero values select defaults.
type Options struct {
	// Cover is the pixel or sample buffer for LSB carriers. When nil a cover
	// of exactly the required size is synthesized.
	Cover []byte
	// CoverText hosts zero-width characters.
	CoverText string
	// Rand feeds synthesized covers; defaults to crypto/rand.
	Rand io.Reader
}

// New returns the carrier for t.
func New(t core.CarrierType, opts Options) (Carrier, error) {
	if opts.Rand == nil {
		opts.Rand = rand.Reader
	}
	switch t {
	case core.CarrierRaw:
		return rawCarrier{}, nil
	case core.CarrierZeroWidth:
		return newZeroWidth(opts.CoverText), nil
	case core.CarrierImageLSB:
		return &lsbCarrier{kind: core.CarrierImageLSB, cover: opts.Cover, stride: 1, rand: opts.Rand}, nil
	case core.CarrierAudio:
		return &lsbCarrier{kind: core.CarrierAudio, cover: opts.Cover, stride: 2, rand: opts.Rand}, nil
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownCarrier, uint8(t))
	}
}

// Embed is New followed by Carrier.Embed.
func Embed(t core.CarrierType, payload []byte, opts Options) ([]byte, error) {
	c, err := New(t, opts)
	if err != nil {
		return nil, err
	}
	return c.Embed(payload)
}

// Extract is New followed by Carrier.Extract. Extraction needs no options.
func Extract(t core.CarrierType, carrier []byte) ([]byte, error) {
	c, err := New(t, Options{})
	if err != nil {
		return nil, err
	}
	return c.Extract(carrier)
}

type rawCarrier struct{}

func (rawCarrier) Type() core.CarrierType { return core.CarrierRaw }

func (rawCarrier) Embed(payload []byte) ([]byte, error) {
	return append([]byte{}, payload...), nil
}

func (rawCarrier) Extract(carrier []byte) ([]byte, error) {
	return append([]byte{}, carrier...), nil
}

func withLength(payload []byte) []byte {
	framed := make([]byte, lengthHeader, lengthHeader+len(payload))
	binary.BigEndian.PutUint32(framed, uint32(len(payload)))
	return append(framed, payload...)
}
