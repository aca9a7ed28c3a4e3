package network

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/sony/gobreaker"

	"github.com/nmxmxh/ghostnet/internal/core"
)

// BreakerTransport trips a circuit per peer after repeated send failures.
// Broadcast on a publishing transport goes straight to its topic; all other
// methods pass through to the wrapped transport.
type BreakerTransport struct {
	Transport

	cfg      BreakerConfig
	mu       sync.Mutex
	breakers map[PeerID]*gobreaker.CircuitBreaker
	logger   *slog.Logger
}

// NewBreakerTransport wraps t.
func NewBreakerTransport(t Transport, cfg BreakerConfig, logger *slog.Logger) *BreakerTransport {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.FailureThreshold == 0 {
		cfg.FailureThreshold = DefaultTransportConfig().Breaker.FailureThreshold
	}
	return &BreakerTransport{
		Transport: t,
		cfg:       cfg,
		breakers:  make(map[PeerID]*gobreaker.CircuitBreaker),
		logger:    logger.With("component", "breaker"),
	}
}

func (b *BreakerTransport) breaker(peer PeerID) *gobreaker.CircuitBreaker {
	b.mu.Lock()
	defer b.mu.Unlock()
	if cb, ok := b.breakers[peer]; ok {
		return cb
	}
	threshold := b.cfg.FailureThreshold
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        string(peer),
		MaxRequests: b.cfg.MaxRequests,
		Interval:    b.cfg.Interval,
		Timeout:     b.cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			b.logger.Info("Circuit state changed", "peer", PeerID(name).Short(), "from", from.String(), "to", to.String())
		},
	})
	b.breakers[peer] = cb
	return cb
}

// Send fails fast with a CIRCUIT_OPEN transport error while the peer's
// breaker is open.
func (b *BreakerTransport) Send(ctx context.Context, to PeerID, data []byte) error {
	_, err := b.breaker(to).Execute(func() (interface{}, error) {
		return nil, b.Transport.Send(ctx, to, data)
	})
	if err == nil {
		return nil
	}
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return core.WrapError(core.KindTransport, core.ErrCodeCircuitOpen, "circuit open", err).
			WithContext("peer_id", string(to))
	}
	return TransportError("send", to, err)
}

// Broadcast publishes through the wrapped transport when it has its own
// fan-out. Otherwise it sends to each peer so every breaker applies.
func (b *BreakerTransport) Broadcast(ctx context.Context, data []byte) error {
	if p, ok := b.Transport.(Publisher); ok && p.Publishes() {
		return TransportError("publish", "", b.Transport.Broadcast(ctx, data))
	}
	var errs []error
	for _, p := range b.Transport.Peers() {
		if err := b.Send(ctx, p, data); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// State reports the breaker state for peer.
func (b *BreakerTransport) State(peer PeerID) gobreaker.State {
	return b.breaker(peer).State()
}
