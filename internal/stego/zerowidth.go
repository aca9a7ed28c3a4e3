package stego

import (
	"encoding/binary"
	"strings"
	"unicode/utf8"

	"github.com/nmxmxh/ghostnet/internal/core"
)

const (
	zwZero = '\u200b' // zero width space
	zwOne  = '\u200c' // zero width non-joiner
)

const defaultCoverText = "Weather looks clear for the weekend, see you at the usual place."

// zeroWidth hides bits as invisible characters after the first rune of a
// cover sentence.
type zeroWidth struct {
	cover string
}

func newZeroWidth(cover string) *zeroWidth {
	if cover == "" {
		cover = defaultCoverText
	}
	cover = strings.Map(func(r rune) rune {
		if r == zwZero || r == zwOne {
			return -1
		}
		return r
	}, cover)
	return &zeroWidth{cover: cover}
}

func (z *zeroWidth) Type() core.CarrierType { return core.CarrierZeroWidth }

func (z *zeroWidth) Embed(payload []byte) ([]byte, error) {
	framed := withLength(payload)

	var hidden strings.Builder
	hidden.Grow(len(framed) * 8 * utf8.RuneLen(zwZero))
	for _, b := range framed {
		for bit := 7; bit >= 0; bit-- {
			if b&(1<<bit) != 0 {
				hidden.WriteRune(zwOne)
			} else {
				hidden.WriteRune(zwZero)
			}
		}
	}

	_, size := utf8.DecodeRuneInString(z.cover)
	var out strings.Builder
	out.Grow(len(z.cover) + hidden.Len())
	out.WriteString(z.cover[:size])
	out.WriteString(hidden.String())
	out.WriteString(z.cover[size:])
	return []byte(out.String()), nil
}

func (z *zeroWidth) Extract(carrier []byte) ([]byte, error) {
	if !utf8.Valid(carrier) {
		return nil, ErrCorruptCarrier
	}
	var (
		bytesOut []byte
		cur      byte
		nbits    int
	)
	for _, r := range string(carrier) {
		if r != zwZero && r != zwOne {
			continue
		}
		cur <<= 1
		if r == zwOne {
			cur |= 1
		}
		nbits++
		if nbits == 8 {
			bytesOut = append(bytesOut, cur)
			cur, nbits = 0, 0
		}
	}
	if len(bytesOut) < lengthHeader || nbits != 0 {
		return nil, ErrCorruptCarrier
	}
	n := binary.BigEndian.Uint32(bytesOut[:lengthHeader])
	if uint64(n) != uint64(len(bytesOut)-lengthHeader) {
		return nil, ErrCorruptCarrier
	}
	return bytesOut[lengthHeader:], nil
}
