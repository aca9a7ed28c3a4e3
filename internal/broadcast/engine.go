// Package broadcast buffers packets into resonance channels, pushes them
// onto the transport and hides real traffic among decoys.
package broadcast

import (
	"context"
	"crypto/rand"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bits-and-blooms/bloom/v3"
	"github.com/google/uuid"
	"github.com/yasserelgammal/rate-limiter/limiter"
	"github.com/yasserelgammal/rate-limiter/store"

	"github.com/nmxmxh/ghostnet/internal/codec"
	"github.com/nmxmxh/ghostnet/internal/core"
	"github.com/nmxmxh/ghostnet/internal/network"
	"github.com/nmxmxh/ghostnet/internal/resonance"
)

// ErrRateLimited is returned by Ingest when a peer exceeds its budget.
var ErrRateLimited = errors.New("broadcast: peer rate limited")

// Config holds broadcast configuration
type Config struct {
	DefaultChannelTTL    time.Duration `json:"default_channel_ttl"`
	MaxChannels          int           `json:"max_channels"`
	MaxPacketsPerChannel int           `json:"max_packets_per_channel"`

	DecoyInterval   time.Duration `json:"decoy_interval"`
	DecoysPerTick   int           `json:"decoys_per_tick"`
	DecoySpread     float64       `json:"decoy_spread"`
	MinDecoyPayload int           `json:"min_decoy_payload"`

	BloomFilter struct {
		ExpectedElements  uint    `json:"expected_elements"`
		FalsePositiveRate float64 `json:"false_positive_rate"`
	} `json:"bloom_filter"`

	RateLimit struct {
		MessagesPerSecond int `json:"messages_per_second"`
		BurstSize         int `json:"burst_size"`
	} `json:"rate_limit"`
}

// DefaultConfig returns sensible defaults
func DefaultConfig() Config {
	c := Config{
		DefaultChannelTTL:    5 * time.Minute,
		MaxChannels:          1024,
		MaxPacketsPerChannel: 128,
		DecoyInterval:        2 * time.Second,
		DecoysPerTick:        1,
		DecoySpread:          10,
		MinDecoyPayload:      64,
	}
	c.BloomFilter.ExpectedElements = 100000
	c.BloomFilter.FalsePositiveRate = 0.01
	c.RateLimit.MessagesPerSecond = 100
	c.RateLimit.BurstSize = 200
	return c
}

// Stats are engine counters.
type Stats struct {
	PacketsSent     uint64 `json:"packets_sent"`
	DecoyPackets    uint64 `json:"decoy_packets"`
	PacketsReceived uint64 `json:"packets_received"`
	Duplicates      uint64 `json:"duplicates"`
	RateLimited     uint64 `json:"rate_limited"`
	Malformed       uint64 `json:"malformed"`
	Buffered        uint64 `json:"buffered"`
	ActiveChannels  int    `json:"active_channels"`
}

// Engine owns the channel table. Table mutations happen under channelsMu;
// transport I/O always happens after it is released.
type Engine struct {
	config    Config
	transport network.Transport
	codec     codec.Codec

	channels   map[uuid.UUID]*Channel
	channelsMu sync.RWMutex

	seen      *bloom.BloomFilter
	seenCount uint
	seenMu    sync.Mutex

	limiter      *limiter.TokenBucket
	limiterStore store.Store

	payloadMu   sync.Mutex
	payloadMean float64
	carriers    [core.CarrierAudio + 1]uint64

	decoys DecoyBuilder

	rand io.Reader
	now  func() time.Time

	packetsSent     atomic.Uint64
	decoyPackets    atomic.Uint64
	packetsReceived atomic.Uint64
	duplicates      atomic.Uint64
	rateLimited     atomic.Uint64
	malformed       atomic.Uint64
	buffered        atomic.Uint64

	logger *slog.Logger
}

// Option customises an Engine.
type Option func(*Engine)

// WithDecoyBuilder sets the pipeline decoys are built through.
func WithDecoyBuilder(b DecoyBuilder) Option { return func(e *Engine) { e.decoys = b } }

// WithRand sets the entropy source for decoy placement.
func WithRand(r io.Reader) Option { return func(e *Engine) { e.rand = r } }

// NewEngine creates a broadcast engine over transport.
func NewEngine(config Config, transport network.Transport, c codec.Codec, logger *slog.Logger, opts ...Option) (*Engine, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if c == nil {
		c = codec.Binary
	}
	e := &Engine{
		config:    config,
		transport: transport,
		codec:     c,
		channels:  make(map[uuid.UUID]*Channel),
		seen: bloom.NewWithEstimates(
			config.BloomFilter.ExpectedElements,
			config.BloomFilter.FalsePositiveRate,
		),
		payloadMean: float64(config.MinDecoyPayload),
		rand:        rand.Reader,
		now:         time.Now,
		logger:      logger.With("component", "broadcast"),
	}
	for _, o := range opts {
		o(e)
	}

	e.limiterStore = store.NewMemoryStore(time.Minute)
	tb, err := limiter.NewTokenBucket(
		limiter.Config{
			Rate:     int64(config.RateLimit.MessagesPerSecond),
			Duration: time.Second,
			Burst:    int64(config.RateLimit.BurstSize),
		},
		e.limiterStore,
	)
	if err != nil {
		return nil, err
	}
	e.limiter = tb
	return e, nil
}

// CreateChannel opens a channel at res with window epsilon. A zero ttl
// selects the configured default.
func (e *Engine) CreateChannel(res resonance.State, epsilon float64, ttl time.Duration) (uuid.UUID, error) {
	if err := res.Validate(); err != nil {
		return uuid.Nil, core.ErrValidation(core.ErrCodeNonFinite, "invalid channel resonance", err)
	}
	if err := resonance.ValidateWindow(epsilon); err != nil {
		return uuid.Nil, core.ErrValidation(core.ErrCodeInvalidWindow, "invalid channel window", err)
	}
	if ttl <= 0 {
		ttl = e.config.DefaultChannelTTL
	}

	ch := &Channel{
		ID:        uuid.New(),
		Resonance: res,
		Epsilon:   epsilon,
		CreatedAt: e.now(),
		TTL:       ttl,
	}

	e.channelsMu.Lock()
	defer e.channelsMu.Unlock()
	if e.config.MaxChannels > 0 && len(e.channels) >= e.config.MaxChannels {
		return uuid.Nil, core.NewError(core.KindValidation, core.ErrCodeCapacity, "channel table full").
			WithContext("max_channels", e.config.MaxChannels)
	}
	e.channels[ch.ID] = ch
	e.logger.Debug("Channel created", "channel_id", ch.ID, "resonance", res.String(), "epsilon", epsilon)
	return ch.ID, nil
}

// Channels returns a snapshot of live channels.
func (e *Engine) Channels() []ChannelInfo {
	now := e.now()
	e.channelsMu.RLock()
	defer e.channelsMu.RUnlock()
	out := make([]ChannelInfo, 0, len(e.channels))
	for _, ch := range e.channels {
		if !ch.Expired(now) {
			out = append(out, ch.Info())
		}
	}
	return out
}

// Broadcast buffers pkt into every matching live channel, then encodes and
// transmits it. Zero matching channels is not an error.
func (e *Engine) Broadcast(ctx context.Context, pkt *core.GhostPacket) ([]uuid.UUID, error) {
	if pkt == nil {
		return nil, core.ErrValidation(core.ErrCodeInvalidPacket, "nil packet", nil)
	}
	if !pkt.VerifyIntegrity() {
		return nil, core.ErrIntegrity(pkt.ID.String())
	}
	if !pkt.Deliverable() {
		return nil, core.NewError(core.KindValidation, core.ErrCodeTTLExhausted, "packet ttl exhausted").
			WithContext("packet_id", pkt.ID.String())
	}

	matched := e.buffer(pkt)

	data, err := e.codec.Encode(pkt)
	if err != nil {
		return matched, err
	}
	e.markSeen(pkt.ID)
	if err := e.transmit(ctx, data); err != nil {
		return matched, err
	}
	e.packetsSent.Add(1)
	e.observe(pkt)
	return matched, nil
}

// Forward retransmits an already-seen packet, typically after a TTL
// decrement, without buffering it again.
func (e *Engine) Forward(ctx context.Context, pkt *core.GhostPacket) error {
	data, err := e.codec.Encode(pkt)
	if err != nil {
		return err
	}
	if err := e.transmit(ctx, data); err != nil {
		return err
	}
	e.packetsSent.Add(1)
	return nil
}

// Encode frames pkt for direct sends.
func (e *Engine) Encode(pkt *core.GhostPacket) ([]byte, error) {
	data, err := e.codec.Encode(pkt)
	if err != nil {
		return nil, err
	}
	return network.EncodeFrame(network.FramePacket, data), nil
}

func (e *Engine) transmit(ctx context.Context, data []byte) error {
	return network.TransportError("broadcast", "", e.transport.Broadcast(ctx, network.EncodeFrame(network.FramePacket, data)))
}

// buffer appends a clone of pkt to each matching channel, dropping the
// oldest packet when a channel is full.
func (e *Engine) buffer(pkt *core.GhostPacket) []uuid.UUID {
	now := e.now()
	var matched []uuid.UUID

	e.channelsMu.Lock()
	defer e.channelsMu.Unlock()
	for id, ch := range e.channels {
		if ch.Expired(now) || !resonance.IsResonant(ch.Resonance, pkt.Resonance, ch.Epsilon) {
			continue
		}
		ch.push(pkt.Clone(), e.config.MaxPacketsPerChannel)
		matched = append(matched, id)
	}
	if len(matched) > 0 {
		e.buffered.Add(uint64(len(matched)))
	}
	return matched
}

// Receive returns buffered packets from every live channel identity
// resonates with, deduplicated by packet id. It does not drain channels.
func (e *Engine) Receive(identity *core.NodeIdentity) []*core.GhostPacket {
	if identity == nil {
		return nil
	}
	now := e.now()
	seen := make(map[uuid.UUID]struct{})
	var out []*core.GhostPacket

	e.channelsMu.RLock()
	defer e.channelsMu.RUnlock()
	for _, ch := range e.channels {
		if ch.Expired(now) || !resonance.IsResonant(identity.Resonance, ch.Resonance, ch.Epsilon) {
			continue
		}
		for _, p := range ch.packets {
			if _, dup := seen[p.ID]; dup {
				continue
			}
			seen[p.ID] = struct{}{}
			out = append(out, p.Clone())
		}
	}
	return out
}

// Ingest handles one inbound packet frame payload. It returns (nil, nil)
// for duplicates; rate-limited, malformed and tampered input is an error.
func (e *Engine) Ingest(from network.PeerID, data []byte) (*core.GhostPacket, error) {
	if !e.limiter.Allow(string(from)) {
		e.rateLimited.Add(1)
		return nil, ErrRateLimited
	}
	pkt, err := e.codec.Decode(data)
	if err != nil {
		e.malformed.Add(1)
		return nil, err
	}
	if !pkt.VerifyIntegrity() {
		e.malformed.Add(1)
		return nil, core.ErrIntegrity(pkt.ID.String())
	}
	if e.markSeen(pkt.ID) {
		e.duplicates.Add(1)
		return nil, nil
	}
	e.packetsReceived.Add(1)
	e.buffer(pkt)
	return pkt, nil
}

// markSeen records id and reports whether it was (probably) seen before.
func (e *Engine) markSeen(id uuid.UUID) bool {
	e.seenMu.Lock()
	defer e.seenMu.Unlock()
	if e.seenCount >= e.config.BloomFilter.ExpectedElements {
		e.seen = bloom.NewWithEstimates(
			e.config.BloomFilter.ExpectedElements,
			e.config.BloomFilter.FalsePositiveRate,
		)
		e.seenCount = 0
	}
	dup := e.seen.TestAndAdd(id[:])
	if !dup {
		e.seenCount++
	}
	return dup
}

// observe folds a real packet into the shape decoys imitate.
func (e *Engine) observe(pkt *core.GhostPacket) {
	e.payloadMu.Lock()
	defer e.payloadMu.Unlock()
	e.payloadMean = 0.1*float64(len(pkt.MaskedPayload)) + 0.9*e.payloadMean
	if pkt.CarrierType.Valid() {
		e.carriers[pkt.CarrierType]++
	}
}

// CleanupExpiredChannels removes channels past their TTL.
func (e *Engine) CleanupExpiredChannels() int {
	now := e.now()
	e.channelsMu.Lock()
	defer e.channelsMu.Unlock()
	removed := 0
	for id, ch := range e.channels {
		if ch.Expired(now) {
			delete(e.channels, id)
			removed++
		}
	}
	if removed > 0 {
		e.logger.Debug("Expired channels removed", "count", removed)
	}
	return removed
}

// Stats returns engine counters.
func (e *Engine) Stats() Stats {
	now := e.now()
	e.channelsMu.RLock()
	active := 0
	for _, ch := range e.channels {
		if !ch.Expired(now) {
			active++
		}
	}
	e.channelsMu.RUnlock()

	return Stats{
		PacketsSent:     e.packetsSent.Load(),
		DecoyPackets:    e.decoyPackets.Load(),
		PacketsReceived: e.packetsReceived.Load(),
		Duplicates:      e.duplicates.Load(),
		RateLimited:     e.rateLimited.Load(),
		Malformed:       e.malformed.Load(),
		Buffered:        e.buffered.Load(),
		ActiveChannels:  active,
	}
}
