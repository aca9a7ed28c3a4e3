package discovery

import (
	"encoding/json"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/nmxmxh/ghostnet/internal/network"
	"github.com/nmxmxh/ghostnet/internal/resonance"
)

// Beacon is the announcement a node floods to its peers. It carries a fresh
// id per announcement and nothing that identifies the node across beacons
// besides its resonance.
type Beacon struct {
	BeaconID     uuid.UUID       `json:"beacon_id"`
	Resonance    resonance.State `json:"resonance"`
	Capabilities []string        `json:"capabilities,omitempty"`
	Timestamp    int64           `json:"timestamp"`
	TTLSeconds   uint32          `json:"ttl"`
}

// TTL returns the beacon lifetime.
func (b Beacon) TTL() time.Duration {
	return time.Duration(b.TTLSeconds) * time.Second
}

func encodeBeacon(b Beacon) ([]byte, error) {
	data, err := json.Marshal(b)
	if err != nil {
		return nil, fmt.Errorf("encode beacon: %w", err)
	}
	return network.EncodeFrame(network.FrameBeacon, data), nil
}

// DecodeBeacon parses a beacon frame payload. Non-finite resonances are
// rejected by the resonance decoder.
func DecodeBeacon(data []byte) (Beacon, error) {
	var b Beacon
	if err := json.Unmarshal(data, &b); err != nil {
		return Beacon{}, fmt.Errorf("decode beacon: %w", err)
	}
	return b, nil
}

// DiscoveredNode is what the engine remembers about an announcing node.
type DiscoveredNode struct {
	BeaconID     uuid.UUID       `json:"beacon_id"`
	PeerID       network.PeerID  `json:"peer_id"`
	Resonance    resonance.State `json:"resonance"`
	Capabilities []string        `json:"capabilities"`
	FirstSeen    time.Time       `json:"first_seen"`
	LastSeen     time.Time       `json:"last_seen"`
	ExpiresAt    time.Time       `json:"expires_at"`
}

// HasCapabilities reports whether every capability in caps is advertised.
func (n DiscoveredNode) HasCapabilities(caps ...string) bool {
	for _, c := range caps {
		if _, found := slices.BinarySearch(n.Capabilities, c); !found {
			return false
		}
	}
	return true
}

// Expired reports whether the node's last beacon has lapsed at now.
func (n DiscoveredNode) Expired(now time.Time) bool {
	return !now.Before(n.ExpiresAt)
}

// normalizeCaps returns a sorted, deduplicated copy.
func normalizeCaps(caps []string) []string {
	out := make([]string, 0, len(caps))
	for _, c := range caps {
		if c != "" {
			out = append(out, c)
		}
	}
	slices.Sort(out)
	return slices.Compact(out)
}
