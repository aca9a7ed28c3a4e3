package network

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
)

// FrameKind is the one-byte prefix that selects the consuming engine.
type FrameKind byte

const (
	FramePacket FrameKind = 0x01
	FrameBeacon FrameKind = 0x02
)

func (k FrameKind) String() string {
	switch k {
	case FramePacket:
		return "packet"
	case FrameBeacon:
		return "beacon"
	default:
		return fmt.Sprintf("frame(%#x)", byte(k))
	}
}

var ErrEmptyFrame = errors.New("network: empty frame")

// EncodeFrame prefixes payload with kind.
func EncodeFrame(kind FrameKind, payload []byte) []byte {
	b := make([]byte, 1+len(payload))
	b[0] = byte(kind)
	copy(b[1:], payload)
	return b
}

// DecodeFrame splits a frame. The payload aliases b.
func DecodeFrame(b []byte) (FrameKind, []byte, error) {
	if len(b) == 0 {
		return 0, nil, ErrEmptyFrame
	}
	return FrameKind(b[0]), b[1:], nil
}

// MuxStats counts demultiplexed frames.
type MuxStats struct {
	Delivered uint64
	Dropped   uint64
	Unknown   uint64
}

// Mux is the single reader of a transport. It hands frames to per-kind
// subscribers through bounded channels and drops when a subscriber is full.
type Mux struct {
	t      Transport
	buffer int

	mu   sync.RWMutex
	subs map[FrameKind]chan Message

	delivered atomic.Uint64
	dropped   atomic.Uint64
	unknown   atomic.Uint64

	logger *slog.Logger
}

// NewMux creates a mux over t with the given per-subscriber buffer.
func NewMux(t Transport, buffer int, logger *slog.Logger) *Mux {
	if logger == nil {
		logger = slog.Default()
	}
	if buffer <= 0 {
		buffer = 256
	}
	return &Mux{
		t:      t,
		buffer: buffer,
		subs:   make(map[FrameKind]chan Message),
		logger: logger.With("component", "mux"),
	}
}

// Subscribe returns the channel for kind, creating it on first use. The
// Data of delivered messages has the kind prefix stripped.
func (m *Mux) Subscribe(kind FrameKind) <-chan Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	ch, ok := m.subs[kind]
	if !ok {
		ch = make(chan Message, m.buffer)
		m.subs[kind] = ch
	}
	return ch
}

// Dispatch routes one raw frame. It reports whether a subscriber took it.
func (m *Mux) Dispatch(msg Message) bool {
	kind, payload, err := DecodeFrame(msg.Data)
	if err != nil {
		m.unknown.Add(1)
		return false
	}

	m.mu.RLock()
	ch, ok := m.subs[kind]
	m.mu.RUnlock()
	if !ok {
		m.unknown.Add(1)
		m.logger.Debug("Frame with no subscriber", "kind", kind, "from", msg.From.Short())
		return false
	}

	select {
	case ch <- Message{From: msg.From, Data: payload}:
		m.delivered.Add(1)
		return true
	default:
		m.dropped.Add(1)
		m.logger.Debug("Subscriber full, dropping frame", "kind", kind)
		return false
	}
}

// Run reads the transport until ctx is done or the transport closes.
func (m *Mux) Run(ctx context.Context) error {
	for {
		msg, err := m.t.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, ErrClosed) {
				return nil
			}
			return fmt.Errorf("mux receive: %w", err)
		}
		m.Dispatch(msg)
	}
}

// Stats returns frame counters.
func (m *Mux) Stats() MuxStats {
	return MuxStats{
		Delivered: m.delivered.Load(),
		Dropped:   m.dropped.Load(),
		Unknown:   m.unknown.Load(),
	}
}
