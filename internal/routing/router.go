package routing

import (
	"errors"
	"log/slog"
	"math"
	"sort"
	"sync"

	"github.com/nmxmxh/ghostnet/internal/network"
	"github.com/nmxmxh/ghostnet/internal/resonance"
)

// statsAlpha smooths router-wide aggregates, independently of the
// per-node latency EMA.
const statsAlpha = 0.1

// RouterConfig holds router configuration
type RouterConfig struct {
	ResonanceWeight float64 `json:"resonance_weight"`
	QualityWeight   float64 `json:"quality_weight"`
	LatencyWeight   float64 `json:"latency_weight"`
	HopWeight       float64 `json:"hop_weight"`
	MinProbability  float64 `json:"min_probability"`
	MaxAlternatives int     `json:"max_alternatives"`
	ExplorationRate float64 `json:"exploration_rate"`
}

// DefaultRouterConfig returns sensible defaults
func DefaultRouterConfig() RouterConfig {
	return RouterConfig{
		ResonanceWeight: 0.5,
		QualityWeight:   0.3,
		LatencyWeight:   0.1,
		HopWeight:       0.1,
		MinProbability:  0.01,
		MaxAlternatives: 3,
		ExplorationRate: 0.1,
	}
}

var ErrInvalidRouterConfig = errors.New("routing: invalid router config")

// Validate rejects negative weights and probabilities outside [0, 1].
func (c RouterConfig) Validate() error {
	for _, w := range []float64{c.ResonanceWeight, c.QualityWeight, c.LatencyWeight, c.HopWeight, c.ExplorationRate} {
		if w < 0 || math.IsNaN(w) || math.IsInf(w, 0) {
			return ErrInvalidRouterConfig
		}
	}
	if c.MinProbability < 0 || c.MinProbability > 1 || c.MaxAlternatives < 0 {
		return ErrInvalidRouterConfig
	}
	return nil
}

// Beta is the sharpening exponent 2/(1+exploration).
func (c RouterConfig) Beta() float64 {
	return 2 / (1 + c.ExplorationRate)
}

// Candidate is one scored option.
type Candidate struct {
	NodeID      network.PeerID
	Score       float64
	Probability float64
}

// RouteDecision is a sampled next hop.
type RouteDecision struct {
	NextHop      network.PeerID
	Score        float64
	Probability  float64
	Alternatives []Candidate
}

// RouterStats are router-wide aggregates.
type RouterStats struct {
	Decisions    uint64  `json:"decisions"`
	NoRoute      uint64  `json:"no_route"`
	Successes    uint64  `json:"successes"`
	Failures     uint64  `json:"failures"`
	AvgLatencyMs float64 `json:"avg_latency_ms"`
	AvgHops      float64 `json:"avg_hops"`
	SuccessRate  float64 `json:"success_rate"`
}

// QuantumRouter samples next hops with probability weighted by score.
type QuantumRouter struct {
	topology *NetworkTopology
	config   RouterConfig
	rand     RandomSource

	stats   RouterStats
	statsMu sync.Mutex

	logger *slog.Logger
}

func NewQuantumRouter(topology *NetworkTopology, config RouterConfig, rand RandomSource, logger *slog.Logger) (*QuantumRouter, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	if rand == nil {
		rand = CryptoSource{}
	}
	return &QuantumRouter{
		topology: topology,
		config:   config,
		rand:     rand,
		stats:    RouterStats{SuccessRate: 1},
		logger:   logger.With("component", "router"),
	}, nil
}

// Topology returns the router's table.
func (r *QuantumRouter) Topology() *NetworkTopology { return r.topology }

// RoutingScore combines the four sub-scores, each in [0, 1].
func (r *QuantumRouter) RoutingScore(node NodeMetrics, target resonance.State) float64 {
	resonanceScore := 1 / (1 + node.Resonance.Distance(target))
	latencyScore := 1 / (1 + math.Max(0, node.AvgLatencyMs)/100)
	hopScore := 1 / (1 + math.Max(0, float64(node.HopDistance)))

	return r.config.ResonanceWeight*resonanceScore +
		r.config.QualityWeight*node.LinkQuality() +
		r.config.LatencyWeight*latencyScore +
		r.config.HopWeight*hopScore
}

// TransitionProbabilities scores every candidate not in exclude and
// normalises max(score^β, min_probability). Order follows the topology.
func (r *QuantumRouter) TransitionProbabilities(target resonance.State, exclude ...network.PeerID) []Candidate {
	skip := make(map[network.PeerID]struct{}, len(exclude))
	for _, id := range exclude {
		skip[id] = struct{}{}
	}

	beta := r.config.Beta()
	var (
		out   []Candidate
		total float64
	)
	for _, node := range r.topology.Nodes() {
		if _, ok := skip[node.NodeID]; ok {
			continue
		}
		score := r.RoutingScore(node, target)
		w := math.Max(math.Pow(score, beta), r.config.MinProbability)
		out = append(out, Candidate{NodeID: node.NodeID, Score: score, Probability: w})
		total += w
	}
	if total <= 0 {
		// every weight was zero; fall back to uniform
		for i := range out {
			out[i].Probability = 1 / float64(len(out))
		}
		return out
	}
	for i := range out {
		out[i].Probability /= total
	}
	return out
}

// NextHop samples a relay toward target. It returns false when no
// candidate remains.
func (r *QuantumRouter) NextHop(target resonance.State, exclude ...network.PeerID) (*RouteDecision, bool) {
	candidates := r.TransitionProbabilities(target, exclude...)
	if len(candidates) == 0 {
		r.statsMu.Lock()
		r.stats.NoRoute++
		r.statsMu.Unlock()
		return nil, false
	}

	x := r.rand.Float64()
	chosen := len(candidates) - 1
	var cum float64
	for i, c := range candidates {
		cum += c.Probability
		if x < cum {
			chosen = i
			break
		}
	}

	pick := candidates[chosen]
	rest := make([]Candidate, 0, len(candidates)-1)
	rest = append(rest, candidates[:chosen]...)
	rest = append(rest, candidates[chosen+1:]...)
	sort.SliceStable(rest, func(i, j int) bool { return rest[i].Probability > rest[j].Probability })
	if len(rest) > r.config.MaxAlternatives {
		rest = rest[:r.config.MaxAlternatives]
	}

	r.statsMu.Lock()
	r.stats.Decisions++
	r.statsMu.Unlock()

	r.logger.Debug("Next hop selected", "node", pick.NodeID.Short(), "probability", pick.Probability, "candidates", len(candidates))
	return &RouteDecision{
		NextHop:      pick.NodeID,
		Score:        pick.Score,
		Probability:  pick.Probability,
		Alternatives: rest,
	}, true
}

// RecordSuccess feeds a delivered relay back into topology and stats.
func (r *QuantumRouter) RecordSuccess(id network.PeerID, latencyMs float64, hops int) {
	r.topology.RecordSuccess(id, latencyMs, hops)

	r.statsMu.Lock()
	defer r.statsMu.Unlock()
	if r.stats.Successes == 0 {
		r.stats.AvgLatencyMs = latencyMs
		r.stats.AvgHops = float64(hops)
	} else {
		r.stats.AvgLatencyMs = statsAlpha*latencyMs + (1-statsAlpha)*r.stats.AvgLatencyMs
		r.stats.AvgHops = statsAlpha*float64(hops) + (1-statsAlpha)*r.stats.AvgHops
	}
	r.stats.Successes++
	r.stats.SuccessRate = statsAlpha + (1-statsAlpha)*r.stats.SuccessRate
}

// RecordFailure feeds a failed relay back into topology and stats.
func (r *QuantumRouter) RecordFailure(id network.PeerID) {
	r.topology.RecordFailure(id)

	r.statsMu.Lock()
	defer r.statsMu.Unlock()
	r.stats.Failures++
	r.stats.SuccessRate = (1 - statsAlpha) * r.stats.SuccessRate
}

func (r *QuantumRouter) Stats() RouterStats {
	r.statsMu.Lock()
	defer r.statsMu.Unlock()
	return r.stats
}
