// Package discovery floods resonance beacons and keeps a table of the
// nodes heard from recently.
package discovery

import (
	"cmp"
	"context"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/nmxmxh/ghostnet/internal/core"
	"github.com/nmxmxh/ghostnet/internal/network"
	"github.com/nmxmxh/ghostnet/internal/resonance"
)

// Config holds discovery configuration
type Config struct {
	BeaconTTL       time.Duration `json:"beacon_ttl"`
	MaxBeaconTTL    time.Duration `json:"max_beacon_ttl"`
	AnnounceEvery   time.Duration `json:"announce_every"`
	MaxNodes        int           `json:"max_nodes"`
	MaxCapabilities int           `json:"max_capabilities"`
}

// DefaultConfig returns sensible defaults
func DefaultConfig() Config {
	return Config{
		BeaconTTL:       2 * time.Minute,
		MaxBeaconTTL:    10 * time.Minute,
		AnnounceEvery:   30 * time.Second,
		MaxNodes:        4096,
		MaxCapabilities: 32,
	}
}

// Stats are discovery counters.
type Stats struct {
	Announced uint64 `json:"announced"`
	Accepted  uint64 `json:"accepted"`
	Invalid   uint64 `json:"invalid"`
	Evicted   uint64 `json:"evicted"`
	Known     int    `json:"known"`
}

// Engine tracks beacons. The table is keyed by the transport hop a beacon
// arrived from, so a node that re-announces replaces its previous entry.
type Engine struct {
	config    Config
	transport network.Transport
	inbox     <-chan network.Message

	nodes   map[string]*DiscoveredNode
	nodesMu sync.RWMutex

	onDiscover func(DiscoveredNode)
	hookMu     sync.RWMutex

	now func() time.Time

	announced atomic.Uint64
	accepted  atomic.Uint64
	invalid   atomic.Uint64
	evicted   atomic.Uint64

	logger *slog.Logger
}

// NewEngine creates a discovery engine. inbox carries beacon frame payloads,
// normally a mux subscription for network.FrameBeacon; it may be nil when
// beacons are fed through ReceiveBeacon only.
func NewEngine(config Config, transport network.Transport, inbox <-chan network.Message, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		config:    config,
		transport: transport,
		inbox:     inbox,
		nodes:     make(map[string]*DiscoveredNode),
		now:       time.Now,
		logger:    logger.With("component", "discovery"),
	}
}

// OnDiscover registers fn to run after every accepted beacon. It is called
// without engine locks held.
func (e *Engine) OnDiscover(fn func(DiscoveredNode)) {
	e.hookMu.Lock()
	e.onDiscover = fn
	e.hookMu.Unlock()
}

func (e *Engine) clampTTL(ttl time.Duration) time.Duration {
	if ttl <= 0 {
		ttl = e.config.BeaconTTL
	}
	if e.config.MaxBeaconTTL > 0 && ttl > e.config.MaxBeaconTTL {
		ttl = e.config.MaxBeaconTTL
	}
	return ttl
}

// Announce floods a beacon for identity to all peers.
func (e *Engine) Announce(ctx context.Context, identity *core.NodeIdentity, caps []string) (Beacon, error) {
	if identity == nil {
		return Beacon{}, core.ErrValidation(core.ErrCodeInvalidPacket, "nil identity", nil)
	}
	if err := identity.Resonance.Validate(); err != nil {
		return Beacon{}, core.ErrValidation(core.ErrCodeNonFinite, "invalid beacon resonance", err)
	}
	caps = normalizeCaps(caps)
	if e.config.MaxCapabilities > 0 && len(caps) > e.config.MaxCapabilities {
		return Beacon{}, core.ErrValidation(core.ErrCodeCapacity, "too many capabilities", nil)
	}

	b := Beacon{
		BeaconID:     uuid.New(),
		Resonance:    identity.Resonance,
		Capabilities: caps,
		Timestamp:    e.now().Unix(),
		TTLSeconds:   uint32(e.clampTTL(e.config.BeaconTTL) / time.Second),
	}
	frame, err := encodeBeacon(b)
	if err != nil {
		return Beacon{}, err
	}
	if err := e.transport.Broadcast(ctx, frame); err != nil {
		if core.KindOf(err) != 0 {
			return b, err
		}
		return b, core.WrapError(core.KindTransport, core.ErrCodeSendFailed, "beacon broadcast failed", err)
	}
	e.announced.Add(1)
	e.logger.Debug("Beacon announced", "beacon_id", b.BeaconID, "resonance", b.Resonance.String())
	return b, nil
}

// ReceiveBeacon records a beacon that arrived from hop from.
func (e *Engine) ReceiveBeacon(from network.PeerID, b Beacon) error {
	if err := b.Resonance.Validate(); err != nil {
		e.invalid.Add(1)
		return core.ErrValidation(core.ErrCodeNonFinite, "invalid beacon resonance", err)
	}
	if b.BeaconID == uuid.Nil {
		e.invalid.Add(1)
		return core.ErrValidation(core.ErrCodeInvalidPacket, "beacon without id", nil)
	}
	caps := normalizeCaps(b.Capabilities)
	if e.config.MaxCapabilities > 0 && len(caps) > e.config.MaxCapabilities {
		e.invalid.Add(1)
		return core.ErrValidation(core.ErrCodeCapacity, "too many capabilities", nil)
	}

	now := e.now()
	expires := now.Add(e.clampTTL(b.TTL()))
	key := string(from)
	if key == "" {
		key = b.BeaconID.String()
	}

	e.nodesMu.Lock()
	n, ok := e.nodes[key]
	if !ok {
		if e.config.MaxNodes > 0 && len(e.nodes) >= e.config.MaxNodes {
			e.evictOldestLocked()
		}
		n = &DiscoveredNode{PeerID: from, FirstSeen: now}
		e.nodes[key] = n
	}
	n.BeaconID = b.BeaconID
	n.Resonance = b.Resonance
	n.Capabilities = caps
	n.LastSeen = now
	n.ExpiresAt = expires
	snapshot := *n
	e.nodesMu.Unlock()

	e.accepted.Add(1)
	if !ok {
		e.logger.Debug("Node discovered", "peer", from.Short(), "resonance", b.Resonance.String())
	}

	e.hookMu.RLock()
	hook := e.onDiscover
	e.hookMu.RUnlock()
	if hook != nil {
		hook(snapshot)
	}
	return nil
}

// evictOldestLocked drops the entry closest to expiry. Caller holds nodesMu.
func (e *Engine) evictOldestLocked() {
	var victim string
	var soonest time.Time
	for k, n := range e.nodes {
		if victim == "" || n.ExpiresAt.Before(soonest) {
			victim, soonest = k, n.ExpiresAt
		}
	}
	if victim != "" {
		delete(e.nodes, victim)
		e.evicted.Add(1)
	}
}

// PollBeacons drains whatever is waiting in the inbox without blocking and
// returns how many beacons were accepted.
func (e *Engine) PollBeacons() int {
	if e.inbox == nil {
		return 0
	}
	accepted := 0
	for {
		select {
		case msg := <-e.inbox:
			if e.handle(msg) {
				accepted++
			}
		default:
			return accepted
		}
	}
}

// Run consumes the inbox until ctx is done.
func (e *Engine) Run(ctx context.Context) {
	if e.inbox == nil {
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-e.inbox:
			e.handle(msg)
		}
	}
}

func (e *Engine) handle(msg network.Message) bool {
	b, err := DecodeBeacon(msg.Data)
	if err != nil {
		e.invalid.Add(1)
		e.logger.Debug("Beacon rejected", "from", msg.From.Short(), "error", err)
		return false
	}
	if err := e.ReceiveBeacon(msg.From, b); err != nil {
		e.logger.Debug("Beacon rejected", "from", msg.From.Short(), "error", err)
		return false
	}
	return true
}

// FindNodes returns live nodes resonant with target under epsilon, nearest
// first.
func (e *Engine) FindNodes(target resonance.State, epsilon float64) ([]DiscoveredNode, error) {
	if err := target.Validate(); err != nil {
		return nil, core.ErrValidation(core.ErrCodeNonFinite, "invalid target resonance", err)
	}
	if err := resonance.ValidateWindow(epsilon); err != nil {
		return nil, core.ErrValidation(core.ErrCodeInvalidWindow, "invalid window", err)
	}
	out := e.filter(func(n *DiscoveredNode) bool {
		return resonance.IsResonant(n.Resonance, target, epsilon)
	})
	slices.SortFunc(out, func(a, b DiscoveredNode) int {
		return cmp.Compare(a.Resonance.Distance(target), b.Resonance.Distance(target))
	})
	return out, nil
}

// FindNodesWithCapabilities returns live nodes advertising every capability
// in caps. No capabilities matches every live node.
func (e *Engine) FindNodesWithCapabilities(caps ...string) []DiscoveredNode {
	out := e.filter(func(n *DiscoveredNode) bool { return n.HasCapabilities(caps...) })
	slices.SortFunc(out, func(a, b DiscoveredNode) int { return cmp.Compare(a.PeerID, b.PeerID) })
	return out
}

func (e *Engine) filter(keep func(*DiscoveredNode) bool) []DiscoveredNode {
	now := e.now()
	e.nodesMu.RLock()
	defer e.nodesMu.RUnlock()
	var out []DiscoveredNode
	for _, n := range e.nodes {
		if n.Expired(now) || !keep(n) {
			continue
		}
		cp := *n
		cp.Capabilities = slices.Clone(n.Capabilities)
		out = append(out, cp)
	}
	return out
}

// CleanupExpired removes lapsed nodes.
func (e *Engine) CleanupExpired() int {
	now := e.now()
	e.nodesMu.Lock()
	defer e.nodesMu.Unlock()
	removed := 0
	for k, n := range e.nodes {
		if n.Expired(now) {
			delete(e.nodes, k)
			removed++
		}
	}
	if removed > 0 {
		e.logger.Debug("Expired beacons removed", "count", removed)
	}
	return removed
}

// Stats returns discovery counters.
func (e *Engine) Stats() Stats {
	e.nodesMu.RLock()
	known := len(e.nodes)
	e.nodesMu.RUnlock()
	return Stats{
		Announced: e.announced.Load(),
		Accepted:  e.accepted.Load(),
		Invalid:   e.invalid.Load(),
		Evicted:   e.evicted.Load(),
		Known:     known,
	}
}
