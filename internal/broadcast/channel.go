package broadcast

import (
	"time"

	"github.com/google/uuid"

	"github.com/nmxmxh/ghostnet/internal/core"
	"github.com/nmxmxh/ghostnet/internal/resonance"
)

// Channel is a resonance region with a bounded packet buffer.
type Channel struct {
	ID        uuid.UUID
	Resonance resonance.State
	Epsilon   float64
	CreatedAt time.Time
	TTL       time.Duration

	packets []*core.GhostPacket
}

// ChannelInfo is a read-only view of a Channel.
type ChannelInfo struct {
	ID        uuid.UUID       `json:"id"`
	Resonance resonance.State `json:"resonance"`
	Epsilon   float64         `json:"epsilon"`
	CreatedAt time.Time       `json:"created_at"`
	TTL       time.Duration   `json:"ttl"`
	Packets   int             `json:"packets"`
}

// Expired reports whether the channel's TTL has elapsed at now.
func (c *Channel) Expired(now time.Time) bool {
	return now.Sub(c.CreatedAt) > c.TTL
}

func (c *Channel) Info() ChannelInfo {
	return ChannelInfo{
		ID:        c.ID,
		Resonance: c.Resonance,
		Epsilon:   c.Epsilon,
		CreatedAt: c.CreatedAt,
		TTL:       c.TTL,
		Packets:   len(c.packets),
	}
}

func (c *Channel) push(p *core.GhostPacket, limit int) {
	for _, existing := range c.packets {
		if existing.ID == p.ID {
			return
		}
	}
	c.packets = append(c.packets, p)
	if limit > 0 && len(c.packets) > limit {
		copy(c.packets, c.packets[len(c.packets)-limit:])
		c.packets = c.packets[:limit]
	}
}
