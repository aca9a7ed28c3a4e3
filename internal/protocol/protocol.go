// Package protocol runs the packet lifecycle: build a transaction, mask it
// with resonance-derived params, hide it in a carrier, wrap it in a packet,
// and on the far side test, verify and open it.
package protocol

import (
	"bytes"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/andybalholm/brotli"
	"github.com/google/uuid"

	"github.com/nmxmxh/ghostnet/internal/core"
	"github.com/nmxmxh/ghostnet/internal/masking"
	"github.com/nmxmxh/ghostnet/internal/proof"
	"github.com/nmxmxh/ghostnet/internal/resonance"
	"github.com/nmxmxh/ghostnet/internal/stego"
)

// Plaintext framing ahead of the masked transaction.
const (
	frameRaw    byte = 0
	frameBrotli byte = 1
)

// Stats counts lifecycle events.
type Stats struct {
	Created  uint64 `json:"created"`
	Packets  uint64 `json:"packets"`
	Accepted uint64 `json:"accepted"`
	Rejected uint64 `json:"rejected"`
	Ignored  uint64 `json:"ignored"`
}

// Protocol is safe for concurrent use; it holds no per-packet state.
type Protocol struct {
	config  Config
	rand    io.Reader
	now     func() time.Time
	carrier stego.Options

	created  atomic.Uint64
	packets  atomic.Uint64
	accepted atomic.Uint64
	rejected atomic.Uint64
	ignored  atomic.Uint64

	overheadOnce sync.Once
	overhead     int

	logger *slog.Logger
}

// Option customises a Protocol.
type Option func(*Protocol)

// WithRand sets the entropy source for proofs, keys and covers.
func WithRand(r io.Reader) Option { return func(p *Protocol) { p.rand = r } }

// WithClock sets the time source.
func WithClock(now func() time.Time) Option { return func(p *Protocol) { p.now = now } }

// WithCarrierOptions sets the cover material for embedding.
func WithCarrierOptions(o stego.Options) Option { return func(p *Protocol) { p.carrier = o } }

// New validates config and builds a Protocol.
func New(config Config, logger *slog.Logger, opts ...Option) (*Protocol, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	p := &Protocol{
		config: config,
		rand:   rand.Reader,
		now:    time.Now,
		logger: logger.With("component", "protocol"),
	}
	for _, o := range opts {
		o(p)
	}
	if p.carrier.CoverText == "" {
		p.carrier.CoverText = config.CoverText
	}
	if p.carrier.Rand == nil {
		p.carrier.Rand = p.rand
	}
	return p, nil
}

// Config returns the active configuration.
func (p *Protocol) Config() Config { return p.config }

// CreateTransaction validates the inputs and attaches a proof of the
// configured kind. The action is copied; callers keep ownership of theirs.
func (p *Protocol) CreateTransaction(sender, target resonance.State, action []byte) (*core.GhostTransaction, error) {
	tx, err := p.newTransaction(sender, target, action)
	if err != nil {
		return nil, err
	}
	p.created.Add(1)
	return tx, nil
}

func (p *Protocol) newTransaction(sender, target resonance.State, action []byte) (*core.GhostTransaction, error) {
	if err := sender.Validate(); err != nil {
		return nil, atStage(StageCreated, core.ErrValidation(core.ErrCodeNonFinite, "invalid sender resonance", err))
	}
	if err := target.Validate(); err != nil {
		return nil, atStage(StageCreated, core.ErrValidation(core.ErrCodeNonFinite, "invalid target resonance", err))
	}
	if len(action) > p.config.MaxActionSize {
		return nil, atStage(StageCreated, core.NewError(core.KindValidation, core.ErrCodeActionTooLarge, "action exceeds max size").
			WithContext("size", len(action)).
			WithContext("max", p.config.MaxActionSize))
	}

	tx := &core.GhostTransaction{
		ID:              uuid.New(),
		SenderResonance: sender,
		TargetResonance: target,
		Action:          append([]byte{}, action...),
		Timestamp:       p.now(),
	}
	pr, err := p.prove(tx.Action)
	if err != nil {
		tx.Scrub()
		return nil, atStage(StageCreated, err)
	}
	tx.ZKData = pr.Encode()
	return tx, nil
}

func (p *Protocol) prove(action []byte) (proof.Proof, error) {
	switch p.config.ProofKind {
	case proof.KindRange:
		return proof.ProveRange(uint64(len(action)), 0, uint64(p.config.MaxActionSize), p.rand)
	case proof.KindMembership:
		element := proof.Statement(action)
		set := [][]byte{element}
		for i := 0; i < p.config.AnonymitySetSize; i++ {
			decoy := make([]byte, len(element))
			if _, err := io.ReadFull(p.rand, decoy); err != nil {
				return proof.Proof{}, fmt.Errorf("anonymity set: %w", err)
			}
			set = append(set, decoy)
		}
		return proof.ProveMembership(element, set, p.rand)
	default:
		return proof.ProveKnowledge(action, p.rand)
	}
}

// MaskTransaction serializes, optionally compresses and masks tx. The
// serialized plaintext is zeroized before returning.
func (p *Protocol) MaskTransaction(tx *core.GhostTransaction, params masking.Params) ([]byte, error) {
	if err := params.Validate(); err != nil {
		return nil, atStage(StageMasked, core.ErrValidation(core.ErrCodeMalformedParams, "invalid masking params", err))
	}
	plain, err := tx.MarshalBinary()
	if err != nil {
		return nil, atStage(StageMasked, err)
	}
	defer core.Zeroize(plain)

	var framed []byte
	if p.config.CompressPayload {
		framed, err = compress(plain)
		if err != nil {
			return nil, atStage(StageMasked, err)
		}
	} else {
		framed = make([]byte, 1+len(plain))
		framed[0] = frameRaw
		copy(framed[1:], plain)
	}

	masked, err := masking.Mask(framed, params)
	if err != nil {
		core.Zeroize(framed)
		return nil, atStage(StageMasked, core.ErrValidation(core.ErrCodeMalformedParams, "mask failed", err))
	}
	return masked, nil
}

// EmbedTransaction hides masked bytes in a carrier of the given type.
func (p *Protocol) EmbedTransaction(masked []byte, carrierType core.CarrierType) ([]byte, error) {
	carrier, err := stego.Embed(carrierType, masked, p.carrier)
	if err == nil {
		return carrier, nil
	}
	if errors.Is(err, stego.ErrCarrierTooSmall) {
		return nil, atStage(StageEmbedded, core.ErrValidation(core.ErrCodeCarrierTooSmall, "cover too small for payload", err))
	}
	return nil, atStage(StageEmbedded, core.ErrValidation(core.ErrCodeInvalidPacket, "embed failed", err))
}

// CreatePacket wraps the pieces into a hashed packet with the default TTL.
func (p *Protocol) CreatePacket(tx *core.GhostTransaction, masked, carrier []byte, carrierType core.CarrierType, params masking.Params) (*core.GhostPacket, error) {
	pkt, err := p.newPacket(tx, masked, carrier, carrierType, params)
	if err != nil {
		return nil, err
	}
	p.packets.Add(1)
	return pkt, nil
}

func (p *Protocol) newPacket(tx *core.GhostTransaction, masked, carrier []byte, carrierType core.CarrierType, params masking.Params) (*core.GhostPacket, error) {
	if err := params.Validate(); err != nil {
		return nil, atStage(StagePacketized, core.ErrValidation(core.ErrCodeMalformedParams, "invalid masking params", err))
	}
	var zk []byte
	if tx.ZKData != nil {
		zk = append([]byte{}, tx.ZKData...)
	}
	pkt, err := core.NewPacket(uuid.New(), p.timestamp(), tx.TargetResonance, tx.SenderResonance, masked, carrier, carrierType, zk)
	if err != nil {
		return nil, atStage(StagePacketized, err)
	}
	return pkt, nil
}

func (p *Protocol) timestamp() uint64 {
	now := p.now()
	if p.config.AdaptiveTimestamps {
		now = now.Truncate(p.config.TimestampGranularity)
	}
	return uint64(now.Unix())
}

// BuildPacket runs the whole outbound pipeline. With forward secrecy on, the
// returned key must reach the receiver out of band; otherwise it is nil.
func (p *Protocol) BuildPacket(sender, target resonance.State, action []byte, carrierType core.CarrierType) (*core.GhostPacket, []byte, error) {
	pkt, key, err := p.build(sender, target, action, carrierType)
	if err != nil {
		return nil, nil, err
	}
	p.created.Add(1)
	p.packets.Add(1)
	return pkt, key, nil
}

// BuildDecoy pushes a random action through the same pipeline as
// BuildPacket, sized so the masked payload lands near payloadSize. The
// result carries a valid proof, a real carrier and the configured timestamp
// granularity. Lifecycle counters are not touched.
func (p *Protocol) BuildDecoy(sender, target resonance.State, payloadSize int, carrierType core.CarrierType) (*core.GhostPacket, error) {
	n := max(0, min(payloadSize-p.decoyOverhead(), p.config.MaxActionSize))
	action := make([]byte, n)
	if _, err := io.ReadFull(p.rand, action); err != nil {
		return nil, fmt.Errorf("decoy action: %w", err)
	}
	pkt, key, err := p.build(sender, target, action, carrierType)
	core.Zeroize(key)
	return pkt, err
}

// decoyOverhead is the framed size of a transaction with an empty action.
func (p *Protocol) decoyOverhead() int {
	p.overheadOnce.Do(func() {
		zero := resonance.State{}
		tx, err := p.newTransaction(zero, zero, nil)
		if err != nil {
			return
		}
		defer tx.Scrub()
		plain, err := tx.MarshalBinary()
		if err != nil {
			return
		}
		p.overhead = len(plain) + 1
		core.Zeroize(plain)
	})
	return p.overhead
}

func (p *Protocol) build(sender, target resonance.State, action []byte, carrierType core.CarrierType) (*core.GhostPacket, []byte, error) {
	tx, err := p.newTransaction(sender, target, action)
	if err != nil {
		return nil, nil, err
	}
	defer tx.Scrub()

	params, err := masking.FromResonance(sender, target)
	if err != nil {
		return nil, nil, atStage(StageMasked, core.ErrValidation(core.ErrCodeMalformedParams, "derive params", err))
	}
	if p.config.EnableForwardSecrecy {
		params, err = params.WithEphemeralKey(p.rand)
		if err != nil {
			return nil, nil, atStage(StageMasked, core.ErrValidation(core.ErrCodeMalformedParams, "ephemeral key", err))
		}
	}

	masked, err := p.MaskTransaction(tx, params)
	if err != nil {
		return nil, nil, err
	}
	carrier, err := p.EmbedTransaction(masked, carrierType)
	if err != nil {
		return nil, nil, err
	}
	pkt, err := p.newPacket(tx, masked, carrier, carrierType, params)
	if err != nil {
		return nil, nil, err
	}

	var key []byte
	if params.ForwardSecret() {
		key = append([]byte{}, params.EphemeralKey...)
	}
	return pkt, key, nil
}

// Stats returns lifecycle counters.
func (p *Protocol) Stats() Stats {
	return Stats{
		Created:  p.created.Load(),
		Packets:  p.packets.Load(),
		Accepted: p.accepted.Load(),
		Rejected: p.rejected.Load(),
		Ignored:  p.ignored.Load(),
	}
}

func compress(plain []byte) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte(frameBrotli)
	w := brotli.NewWriterLevel(&buf, brotli.DefaultCompression)
	if _, err := w.Write(plain); err != nil {
		return nil, fmt.Errorf("compress: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("compress: %w", err)
	}
	return buf.Bytes(), nil
}

func decompress(body []byte, limit int) ([]byte, error) {
	r := brotli.NewReader(bytes.NewReader(body))
	out, err := io.ReadAll(io.LimitReader(r, int64(limit)+1))
	if err != nil {
		return nil, fmt.Errorf("decompress: %w", err)
	}
	if len(out) > limit {
		core.Zeroize(out)
		return nil, errors.New("decompressed payload exceeds limit")
	}
	return out, nil
}
