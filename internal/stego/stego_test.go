package stego

import (
	"crypto/rand"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nmxmxh/ghostnet/internal/core"
)

func payload(n int) []byte {
	b := make([]byte, n)
	_, _ = rand.Read(b)
	return b
}

func TestCarriers_RoundTrip(t *testing.T) {
	types := []core.CarrierType{core.CarrierRaw, core.CarrierZeroWidth, core.CarrierImageLSB, core.CarrierAudio}
	for _, ct := range types {
		t.Run(ct.String(), func(t *testing.T) {
			for _, n := range []int{0, 1, 17, 256} {
				p := payload(n)
				carrier, err := Embed(ct, p, Options{})
				require.NoError(t, err)

				back, err := Extract(ct, carrier)
				require.NoError(t, err)
				assert.Equal(t, len(p), len(back))
				if n > 0 {
					assert.Equal(t, p, back)
				}
			}
		})
	}
}

func TestZeroWidth_LooksLikeCoverText(t *testing.T) {
	c, err := New(core.CarrierZeroWidth, Options{CoverText: "hello world"})
	require.NoError(t, err)

	out, err := c.Embed([]byte("hi"))
	require.NoError(t, err)
	require.True(t, utf8.Valid(out))

	visible := []rune{}
	for _, r := range string(out) {
		if r != zwZero && r != zwOne {
			visible = append(visible, r)
		}
	}
	assert.Equal(t, "hello world", string(visible))
}

func TestZeroWidth_Corrupt(t *testing.T) {
	_, err := Extract(core.CarrierZeroWidth, []byte("plain text, nothing hidden"))
	assert.ErrorIs(t, err, ErrCorruptCarrier)

	_, err = Extract(core.CarrierZeroWidth, []byte{0xff, 0xfe})
	assert.ErrorIs(t, err, ErrCorruptCarrier)
}

func TestLSB_CoverTooSmall(t *testing.T) {
	_, err := Embed(core.CarrierImageLSB, payload(10), Options{Cover: make([]byte, 50)})
	assert.ErrorIs(t, err, ErrCarrierTooSmall)

	_, err = Embed(core.CarrierAudio, payload(10), Options{Cover: make([]byte, (4+10)*8)})
	assert.ErrorIs(t, err, ErrCarrierTooSmall)
}

func TestLSB_ProvidedCover(t *testing.T) {
	cover := payload(1024)
	p := []byte("hidden in pixels")

	carrier, err := Embed(core.CarrierImageLSB, p, Options{Cover: cover})
	require.NoError(t, err)
	require.Len(t, carrier, len(cover))

	for i := range cover {
		assert.LessOrEqual(t, int(cover[i]^carrier[i]), 1, "only the low bit may change")
	}

	back, err := Extract(core.CarrierImageLSB, carrier)
	require.NoError(t, err)
	assert.Equal(t, p, back)
}

func TestLSB_Corrupt(t *testing.T) {
	_, err := Extract(core.CarrierImageLSB, make([]byte, 8))
	assert.ErrorIs(t, err, ErrCorruptCarrier)

	// header claims far more than the cover holds
	c := make([]byte, 64)
	for i := 0; i < 32; i++ {
		c[i] = 1
	}
	_, err = Extract(core.CarrierImageLSB, c)
	assert.ErrorIs(t, err, ErrCorruptCarrier)
}

func TestNew_Unknown(t *testing.T) {
	_, err := New(core.CarrierType(9), Options{})
	assert.ErrorIs(t, err, ErrUnknownCarrier)
}
