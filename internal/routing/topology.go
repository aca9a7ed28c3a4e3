// Package routing keeps a view of nearby relays and picks probabilistic
// next hops toward a target resonance.
package routing

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/nmxmxh/ghostnet/internal/network"
	"github.com/nmxmxh/ghostnet/internal/resonance"
)

// latencyAlpha smooths per-node latency.
const latencyAlpha = 0.2

// NodeMetrics is one topology entry.
type NodeMetrics struct {
	NodeID       network.PeerID  `json:"node_id"`
	Resonance    resonance.State `json:"resonance"`
	LastSeen     time.Time       `json:"last_seen"`
	SuccessCount uint64          `json:"success_count"`
	FailureCount uint64          `json:"failure_count"`
	AvgLatencyMs float64         `json:"avg_latency_ms"`
	HopDistance  int             `json:"hop_distance"`
}

// LinkQuality is successes over attempts, 0.5 before any observation.
func (m NodeMetrics) LinkQuality() float64 {
	total := m.SuccessCount + m.FailureCount
	if total == 0 {
		return 0.5
	}
	return float64(m.SuccessCount) / float64(total)
}

// NetworkTopology is the lock-guarded table of known relays.
type NetworkTopology struct {
	nodes   map[network.PeerID]*NodeMetrics
	nodesMu sync.RWMutex

	nodeTimeout time.Duration
	now         func() time.Time

	logger *slog.Logger
}

func NewNetworkTopology(nodeTimeout time.Duration, logger *slog.Logger) *NetworkTopology {
	if logger == nil {
		logger = slog.Default()
	}
	return &NetworkTopology{
		nodes:       make(map[network.PeerID]*NodeMetrics),
		nodeTimeout: nodeTimeout,
		now:         time.Now,
		logger:      logger.With("component", "topology"),
	}
}

// AddNode records an observation of id, creating the entry if needed.
func (t *NetworkTopology) AddNode(id network.PeerID, res resonance.State, hops int) error {
	if err := res.Validate(); err != nil {
		return err
	}
	t.nodesMu.Lock()
	defer t.nodesMu.Unlock()

	m, ok := t.nodes[id]
	if !ok {
		m = &NodeMetrics{NodeID: id, HopDistance: hops}
		t.nodes[id] = m
		t.logger.Debug("Node added", "node", id.Short(), "resonance", res.String())
	}
	m.Resonance = res
	m.LastSeen = t.now()
	if hops < m.HopDistance || !ok {
		m.HopDistance = hops
	}
	return nil
}

// Get returns a copy of the entry for id.
func (t *NetworkTopology) Get(id network.PeerID) (NodeMetrics, bool) {
	t.nodesMu.RLock()
	defer t.nodesMu.RUnlock()
	m, ok := t.nodes[id]
	if !ok {
		return NodeMetrics{}, false
	}
	return *m, true
}

// Nodes returns copies of all entries ordered by id.
func (t *NetworkTopology) Nodes() []NodeMetrics {
	t.nodesMu.RLock()
	out := make([]NodeMetrics, 0, len(t.nodes))
	for _, m := range t.nodes {
		out = append(out, *m)
	}
	t.nodesMu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].NodeID < out[j].NodeID })
	return out
}

// RecordSuccess updates counts and the latency EMA. Unknown ids are ignored.
func (t *NetworkTopology) RecordSuccess(id network.PeerID, latencyMs float64, hops int) bool {
	t.nodesMu.Lock()
	defer t.nodesMu.Unlock()
	m, ok := t.nodes[id]
	if !ok {
		return false
	}
	if m.SuccessCount == 0 {
		m.AvgLatencyMs = latencyMs
	} else {
		m.AvgLatencyMs = latencyAlpha*latencyMs + (1-latencyAlpha)*m.AvgLatencyMs
	}
	m.SuccessCount++
	m.HopDistance = hops
	m.LastSeen = t.now()
	return true
}

// RecordFailure counts a failed relay through id.
func (t *NetworkTopology) RecordFailure(id network.PeerID) bool {
	t.nodesMu.Lock()
	defer t.nodesMu.Unlock()
	m, ok := t.nodes[id]
	if !ok {
		return false
	}
	m.FailureCount++
	return true
}

// Remove drops id.
func (t *NetworkTopology) Remove(id network.PeerID) {
	t.nodesMu.Lock()
	delete(t.nodes, id)
	t.nodesMu.Unlock()
}

// CleanupOldNodes evicts entries idle longer than the node timeout.
func (t *NetworkTopology) CleanupOldNodes() int {
	cutoff := t.now().Add(-t.nodeTimeout)

	t.nodesMu.Lock()
	defer t.nodesMu.Unlock()
	removed := 0
	for id, m := range t.nodes {
		if m.LastSeen.Before(cutoff) {
			delete(t.nodes, id)
			removed++
		}
	}
	if removed > 0 {
		t.logger.Debug("Evicted idle nodes", "count", removed)
	}
	return removed
}

func (t *NetworkTopology) Len() int {
	t.nodesMu.RLock()
	defer t.nodesMu.RUnlock()
	return len(t.nodes)
}
