// Package network carries opaque frames between peers. The core engines see
// only the Transport interface; libp2p and in-memory implementations live
// here alongside the shared handle, frame mux and per-peer circuit breaker.
package network

import (
	"context"
	"errors"
	"time"

	"github.com/nmxmxh/ghostnet/internal/core"
)

// PeerID names a transport-level hop. It is never a resonance identity.
type PeerID string

func (p PeerID) String() string { return string(p) }

// Short returns a log-friendly prefix of the id.
func (p PeerID) Short() string {
	if len(p) > 12 {
		return string(p[len(p)-12:])
	}
	return string(p)
}

// Message is one inbound frame.
type Message struct {
	From PeerID
	Data []byte
}

var (
	ErrClosed       = errors.New("network: transport closed")
	ErrUnknownPeer  = errors.New("network: unknown peer")
	ErrFrameTooLong = errors.New("network: frame exceeds max message size")
)

// Transport moves frames. Implementations must be safe for concurrent use.
type Transport interface {
	Listen(ctx context.Context, addr string) error
	Dial(ctx context.Context, addr string) (PeerID, error)
	Send(ctx context.Context, to PeerID, data []byte) error
	Broadcast(ctx context.Context, data []byte) error
	Receive(ctx context.Context) (Message, error)
	LocalPeerID() PeerID
	Peers() []PeerID
	Shutdown() error
}

// Publisher is implemented by transports whose Broadcast goes through their
// own fan-out, such as a gossip topic, rather than one Send per peer.
type Publisher interface {
	Publishes() bool
}

// TransportError classifies a raw transport failure for op. Errors that
// already carry a core Kind pass through unchanged.
func TransportError(op string, peer PeerID, err error) error {
	switch {
	case err == nil:
		return nil
	case core.KindOf(err) != 0:
		return err
	case errors.Is(err, context.DeadlineExceeded):
		return core.ErrTimeout(op, err).WithContext("peer_id", string(peer))
	case errors.Is(err, ErrClosed):
		return core.WrapError(core.KindTransport, core.ErrCodeTransportClosed, "transport closed", err)
	default:
		return core.ErrSend(string(peer), err).WithContext("operation", op)
	}
}

// BreakerConfig tunes the per-peer circuit breakers.
type BreakerConfig struct {
	Enabled          bool          `json:"enabled"`
	MaxRequests      uint32        `json:"max_requests"`
	Interval         time.Duration `json:"interval"`
	Timeout          time.Duration `json:"timeout"`
	FailureThreshold uint32        `json:"failure_threshold"`
}

// TransportConfig holds transport configuration
type TransportConfig struct {
	// libp2p settings
	ListenAddrs    []string `json:"listen_addrs"`
	BootstrapPeers []string `json:"bootstrap_peers"`
	IdentityPath   string   `json:"identity_path"` // empty means ephemeral key
	EnableGossip   bool     `json:"enable_gossip"`
	GossipTopic    string   `json:"gossip_topic"`

	// Connection settings
	DialTimeout    time.Duration `json:"dial_timeout"`
	SendTimeout    time.Duration `json:"send_timeout"`
	MaxMessageSize int           `json:"max_message_size"`
	InboxSize      int           `json:"inbox_size"`

	Breaker BreakerConfig `json:"breaker"`
}

// DefaultTransportConfig returns sensible defaults
func DefaultTransportConfig() TransportConfig {
	return TransportConfig{
		ListenAddrs: []string{
			"/ip4/0.0.0.0/tcp/0",
			"/ip4/0.0.0.0/udp/0/quic-v1",
		},
		BootstrapPeers: []string{},
		EnableGossip:   true,
		GossipTopic:    "ghostnet/packets/1",

		DialTimeout:    10 * time.Second,
		SendTimeout:    5 * time.Second,
		MaxMessageSize: 4 * 1024 * 1024,
		InboxSize:      1024,

		Breaker: BreakerConfig{
			Enabled:          true,
			MaxRequests:      1,
			Interval:         time.Minute,
			Timeout:          30 * time.Second,
			FailureThreshold: 5,
		},
	}
}

// withSendTimeout bounds ctx by d when d is positive.
func withSendTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}
