package stego

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"

	"github.com/nmxmxh/ghostnet/internal/core"
)

// lsbCarrier writes one payload bit into the least significant bit of every
// stride-th cover byte. Stride 1 treats the cover as raw pixel bytes; stride
// 2 as little-endian 16-bit PCM samples.
type lsbCarrier struct {
	kind   core.CarrierType
	cover  []byte
	stride int
	rand   io.Reader
}

func (c *lsbCarrier) Type() core.CarrierType { return c.kind }

// required is the cover length needed for n payload bytes.
func (c *lsbCarrier) required(n int) int {
	return (lengthHeader + n) * 8 * c.stride
}

func (c *lsbCarrier) Embed(payload []byte) ([]byte, error) {
	need := c.required(len(payload))

	var out []byte
	if c.cover == nil {
		cover, err := c.synthesize(need)
		if err != nil {
			return nil, err
		}
		out = cover
	} else {
		if len(c.cover) < need {
			return nil, fmt.Errorf("%w: need %d bytes, cover has %d", ErrCarrierTooSmall, need, len(c.cover))
		}
		out = append([]byte{}, c.cover...)
	}

	framed := withLength(payload)
	defer core.Zeroize(framed)
	pos := 0
	for _, b := range framed {
		for bit := 7; bit >= 0; bit-- {
			out[pos] = out[pos]&0xfe | (b>>bit)&1
			pos += c.stride
		}
	}
	return out, nil
}

func (c *lsbCarrier) Extract(carrier []byte) ([]byte, error) {
	header, pos, err := c.readBytes(carrier, 0, lengthHeader)
	if err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(header)
	if uint64(c.required(0))+uint64(n)*8*uint64(c.stride) > uint64(len(carrier)) {
		return nil, ErrCorruptCarrier
	}
	payload, _, err := c.readBytes(carrier, pos, int(n))
	return payload, err
}

func (c *lsbCarrier) readBytes(carrier []byte, pos, n int) ([]byte, int, error) {
	if pos+n*8*c.stride > len(carrier) {
		return nil, pos, ErrCorruptCarrier
	}
	out := make([]byte, n)
	for i := range out {
		var b byte
		for bit := 0; bit < 8; bit++ {
			b = b<<1 | carrier[pos]&1
			pos += c.stride
		}
		out[i] = b
	}
	return out, pos, nil
}

// synthesize builds a plausible cover: noise for images, a quiet tone with
// random phase for audio.
func (c *lsbCarrier) synthesize(n int) ([]byte, error) {
	cover := make([]byte, n)
	if _, err := io.ReadFull(c.rand, cover); err != nil {
		return nil, fmt.Errorf("synthesize cover: %w", err)
	}
	if c.kind != core.CarrierAudio {
		return cover, nil
	}

	phase := float64(cover[0]) / 255 * 2 * math.Pi
	for i := 0; i+1 < n; i += 2 {
		s := int16(3000*math.Sin(phase+float64(i/2)*2*math.Pi*440/44100)) + int16(cover[i]&0x0f)
		binary.LittleEndian.PutUint16(cover[i:], uint16(s))
	}
	return cover, nil
}
