package broadcast

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"time"

	"github.com/nmxmxh/ghostnet/internal/core"
	"github.com/nmxmxh/ghostnet/internal/resonance"
)

// ErrNoDecoyBuilder is returned when decoys are requested from an engine
// built without WithDecoyBuilder.
var ErrNoDecoyBuilder = errors.New("broadcast: no decoy builder")

// DecoyBuilder produces decoy packets through the same outbound pipeline as
// real traffic, so proof, carrier and timestamp match field for field.
// payloadSize is the masked size to aim for.
type DecoyBuilder interface {
	BuildDecoy(sender, target resonance.State, payloadSize int, carrier core.CarrierType) (*core.GhostPacket, error)
}

// GenerateDecoyTraffic sends n packets that are indistinguishable on the
// wire from real ones. Decoys are never buffered locally. It returns how
// many were sent.
func (e *Engine) GenerateDecoyTraffic(ctx context.Context, n int) (int, error) {
	if e.decoys == nil {
		return 0, ErrNoDecoyBuilder
	}
	sent := 0
	for i := 0; i < n; i++ {
		if err := ctx.Err(); err != nil {
			return sent, err
		}
		pkt, err := e.decoy()
		if err != nil {
			return sent, err
		}
		data, err := e.codec.Encode(pkt)
		if err != nil {
			return sent, err
		}
		e.markSeen(pkt.ID)
		if err := e.transmit(ctx, data); err != nil {
			return sent, err
		}
		e.decoyPackets.Add(1)
		e.packetsSent.Add(1)
		sent++
	}
	return sent, nil
}

// RunDecoys emits decoys every DecoyInterval until ctx is done.
func (e *Engine) RunDecoys(ctx context.Context) {
	if e.config.DecoyInterval <= 0 || e.config.DecoysPerTick <= 0 {
		return
	}
	ticker := time.NewTicker(e.config.DecoyInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := e.GenerateDecoyTraffic(ctx, e.config.DecoysPerTick); err != nil && ctx.Err() == nil {
				e.logger.Debug("Decoy transmission failed", "error", err)
			}
		}
	}
}

func (e *Engine) decoy() (*core.GhostPacket, error) {
	var buf [8 * 8]byte
	if _, err := io.ReadFull(e.rand, buf[:]); err != nil {
		return nil, fmt.Errorf("decoy entropy: %w", err)
	}
	unit := func(i int) float64 {
		return float64(binary.BigEndian.Uint64(buf[i*8:])>>11) / (1 << 53)
	}
	axis := func(i int) float64 { return (2*unit(i) - 1) * e.config.DecoySpread }

	target, err := resonance.New(axis(0), axis(1), axis(2))
	if err != nil {
		return nil, err
	}
	sender, err := resonance.New(axis(3), axis(4), axis(5))
	if err != nil {
		return nil, err
	}

	e.payloadMu.Lock()
	mean := e.payloadMean
	carrier := pickCarrier(e.carriers, unit(7))
	e.payloadMu.Unlock()
	size := int(math.Max(float64(e.config.MinDecoyPayload), mean*(0.5+unit(6))))

	pkt, err := e.decoys.BuildDecoy(sender, target, size, carrier)
	if err != nil && carrier != core.CarrierRaw && core.CodeOf(err) == core.ErrCodeCarrierTooSmall {
		pkt, err = e.decoys.BuildDecoy(sender, target, size, core.CarrierRaw)
	}
	if err != nil {
		return nil, fmt.Errorf("decoy build: %w", err)
	}
	return pkt, nil
}

// pickCarrier samples a carrier in proportion to real traffic, raw when
// nothing has been sent yet.
func pickCarrier(counts [core.CarrierAudio + 1]uint64, u float64) core.CarrierType {
	var total uint64
	for _, c := range counts {
		total += c
	}
	if total == 0 {
		return core.CarrierRaw
	}
	pick := uint64(u * float64(total))
	for i, c := range counts {
		if pick < c {
			return core.CarrierType(i)
		}
		pick -= c
	}
	return core.CarrierRaw
}
