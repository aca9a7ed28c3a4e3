package node

import (
	"time"

	"github.com/nmxmxh/ghostnet/internal/broadcast"
	"github.com/nmxmxh/ghostnet/internal/discovery"
	"github.com/nmxmxh/ghostnet/internal/network"
	"github.com/nmxmxh/ghostnet/internal/protocol"
	"github.com/nmxmxh/ghostnet/internal/resonance"
	"github.com/nmxmxh/ghostnet/internal/routing"
)

// Config holds node configuration
type Config struct {
	Resonance    resonance.State `json:"resonance"`
	Capabilities []string        `json:"capabilities"`
	Codec        string          `json:"codec"`

	// Relay forwards packets this node cannot open toward their target.
	EnableRelay  bool `json:"enable_relay"`
	EnableDecoys bool `json:"enable_decoys"`

	NodeTimeout     time.Duration `json:"node_timeout"`
	CleanupInterval time.Duration `json:"cleanup_interval"`
	MuxBuffer       int           `json:"mux_buffer"`
	DeliveryBuffer  int           `json:"delivery_buffer"`

	Protocol  protocol.Config         `json:"protocol"`
	Broadcast broadcast.Config        `json:"broadcast"`
	Discovery discovery.Config        `json:"discovery"`
	Router    routing.RouterConfig    `json:"router"`
	Transport network.TransportConfig `json:"transport"`
}

// DefaultConfig returns sensible defaults
func DefaultConfig() Config {
	return Config{
		Resonance:       resonance.MustNew(0, 0, 0),
		Codec:           "binary",
		EnableRelay:     true,
		EnableDecoys:    true,
		NodeTimeout:     5 * time.Minute,
		CleanupInterval: 30 * time.Second,
		MuxBuffer:       256,
		DeliveryBuffer:  64,
		Protocol:        protocol.DefaultConfig(),
		Broadcast:       broadcast.DefaultConfig(),
		Discovery:       discovery.DefaultConfig(),
		Router:          routing.DefaultRouterConfig(),
		Transport:       network.DefaultTransportConfig(),
	}
}
