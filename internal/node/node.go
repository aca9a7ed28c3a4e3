// Package node wires the engines into a running participant: one transport
// shared by broadcast and discovery through a frame mux, a protocol for
// opening packets, and a router for relaying the ones it cannot open.
package node

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/nmxmxh/ghostnet/internal/broadcast"
	"github.com/nmxmxh/ghostnet/internal/codec"
	"github.com/nmxmxh/ghostnet/internal/core"
	"github.com/nmxmxh/ghostnet/internal/discovery"
	"github.com/nmxmxh/ghostnet/internal/network"
	"github.com/nmxmxh/ghostnet/internal/protocol"
	"github.com/nmxmxh/ghostnet/internal/resonance"
	"github.com/nmxmxh/ghostnet/internal/routing"
)

// Delivery is a transaction this node opened.
type Delivery struct {
	PacketID    uuid.UUID
	From        network.PeerID
	Transaction *core.GhostTransaction
	ReceivedAt  time.Time
}

// SendResult describes an outbound packet.
type SendResult struct {
	PacketID uuid.UUID
	// EphemeralKey is set when forward secrecy is on and must reach the
	// receiver out of band.
	EphemeralKey []byte
	// Channels are the local channels the packet was buffered into.
	Channels []uuid.UUID
}

// Stats aggregates every engine's counters.
type Stats struct {
	Protocol  protocol.Stats      `json:"protocol"`
	Broadcast broadcast.Stats     `json:"broadcast"`
	Discovery discovery.Stats     `json:"discovery"`
	Router    routing.RouterStats `json:"router"`
	Mux       network.MuxStats    `json:"mux"`

	Delivered         uint64 `json:"delivered"`
	DroppedDeliveries uint64 `json:"dropped_deliveries"`
	Relayed           uint64 `json:"relayed"`
	RelayFailures     uint64 `json:"relay_failures"`
	IngestErrors      uint64 `json:"ingest_errors"`
	HeldForKey        int    `json:"held_for_key"`
}

// maxHeld bounds forward-secret packets waiting for their key.
const maxHeld = 256

type heldPacket struct {
	pkt  *core.GhostPacket
	from network.PeerID
	at   time.Time
}

type ephemeralKey struct {
	key []byte
	at  time.Time
}

// Node is one ghostnet participant.
type Node struct {
	config   Config
	identity *core.NodeIdentity

	transport *network.Shared
	mux       *network.Mux
	packets   <-chan network.Message

	protocol  *protocol.Protocol
	broadcast *broadcast.Engine
	discovery *discovery.Engine
	router    *routing.QuantumRouter

	deliveries chan Delivery

	// forward-secret packets and out-of-band keys, matched by packet id
	keysMu sync.Mutex
	keys   map[uuid.UUID]ephemeralKey
	held   map[uuid.UUID]heldPacket

	delivered         atomic.Uint64
	droppedDeliveries atomic.Uint64
	relayed           atomic.Uint64
	relayFailures     atomic.Uint64
	ingestErrors      atomic.Uint64

	closeOnce sync.Once
	logger    *slog.Logger
}

// New builds a node over transport. The node owns the transport from here
// on and shuts it down on Close.
func New(config Config, transport network.Transport, logger *slog.Logger) (*Node, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if transport == nil {
		return nil, errors.New("node: nil transport")
	}
	identity, err := core.NewIdentity(config.Resonance)
	if err != nil {
		return nil, err
	}
	c, err := codec.ByName(config.Codec)
	if err != nil {
		return nil, core.ErrValidation(core.ErrCodeInvalidPacket, "unknown codec", err)
	}
	proto, err := protocol.New(config.Protocol, logger)
	if err != nil {
		return nil, err
	}

	var t network.Transport = transport
	if config.Transport.Breaker.Enabled {
		t = network.NewBreakerTransport(transport, config.Transport.Breaker, logger)
	}
	shared := network.NewShared(t)
	mux := network.NewMux(shared, config.MuxBuffer, logger)

	bc, err := broadcast.NewEngine(config.Broadcast, shared, c, logger, broadcast.WithDecoyBuilder(proto))
	if err != nil {
		return nil, fmt.Errorf("broadcast engine: %w", err)
	}
	disc := discovery.NewEngine(config.Discovery, shared, mux.Subscribe(network.FrameBeacon), logger)

	topo := routing.NewNetworkTopology(config.NodeTimeout, logger)
	router, err := routing.NewQuantumRouter(topo, config.Router, nil, logger)
	if err != nil {
		return nil, err
	}

	n := &Node{
		config:     config,
		identity:   identity,
		transport:  shared,
		mux:        mux,
		packets:    mux.Subscribe(network.FramePacket),
		protocol:   proto,
		broadcast:  bc,
		discovery:  disc,
		router:     router,
		deliveries: make(chan Delivery, max(config.DeliveryBuffer, 1)),
		keys:       make(map[uuid.UUID]ephemeralKey),
		held:       make(map[uuid.UUID]heldPacket),
		logger:     logger.With("component", "node"),
	}
	disc.OnDiscover(n.seedTopology)
	return n, nil
}

// seedTopology turns a beacon into a one-hop relay candidate.
func (n *Node) seedTopology(d discovery.DiscoveredNode) {
	if d.PeerID == "" || d.PeerID == n.transport.LocalPeerID() {
		return
	}
	if err := n.router.Topology().AddNode(d.PeerID, d.Resonance, 1); err != nil {
		n.logger.Debug("Topology seed failed", "peer", d.PeerID.Short(), "error", err)
	}
}

func (n *Node) Identity() *core.NodeIdentity { return n.identity }

func (n *Node) PeerID() network.PeerID { return n.transport.LocalPeerID() }

func (n *Node) Protocol() *protocol.Protocol { return n.protocol }

func (n *Node) Broadcast() *broadcast.Engine { return n.broadcast }

func (n *Node) Discovery() *discovery.Engine { return n.discovery }

func (n *Node) Router() *routing.QuantumRouter { return n.router }

// Deliveries yields transactions opened by this node. Receivers must Scrub
// each transaction when done with it.
func (n *Node) Deliveries() <-chan Delivery { return n.deliveries }

// Dial connects to a peer address.
func (n *Node) Dial(ctx context.Context, addr string) (network.PeerID, error) {
	id, err := n.transport.Dial(ctx, addr)
	if err != nil {
		return "", core.WrapError(core.KindTransport, core.ErrCodeDialFailed, "dial failed", err).
			WithContext("addr", addr)
	}
	return id, nil
}

// Send builds a packet addressed to target and broadcasts it.
func (n *Node) Send(ctx context.Context, target resonance.State, action []byte, carrier core.CarrierType) (*SendResult, error) {
	pkt, key, err := n.protocol.BuildPacket(n.identity.Resonance, target, action, carrier)
	if err != nil {
		return nil, err
	}
	channels, err := n.broadcast.Broadcast(ctx, pkt)
	if err != nil {
		core.Zeroize(key)
		return nil, err
	}
	n.logger.Debug("Packet sent", "packet_id", pkt.ID, "target", target.String(), "carrier", carrier)
	return &SendResult{PacketID: pkt.ID, EphemeralKey: key, Channels: channels}, nil
}

// OpenChannel starts buffering packets addressed near res.
func (n *Node) OpenChannel(res resonance.State, epsilon float64, ttl time.Duration) (uuid.UUID, error) {
	return n.broadcast.CreateChannel(res, epsilon, ttl)
}

// Buffered returns the packets held in channels this node resonates with.
func (n *Node) Buffered() []*core.GhostPacket {
	return n.broadcast.Receive(n.identity)
}

// Announce floods a beacon for this node.
func (n *Node) Announce(ctx context.Context) error {
	_, err := n.discovery.Announce(ctx, n.identity, n.config.Capabilities)
	return err
}

// Run drives the node until ctx is done. It returns the mux error if the
// transport fails, nil on a clean stop.
func (n *Node) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	var muxErr error
	start := func(fn func()) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fn()
		}()
	}

	start(func() {
		if err := n.mux.Run(ctx); err != nil {
			muxErr = err
			n.logger.Error("Transport reader stopped", "error", err)
		}
		cancel()
	})
	start(func() { n.processLoop(ctx) })
	start(func() { n.discovery.Run(ctx) })
	start(func() { n.maintenanceLoop(ctx) })
	if n.config.EnableDecoys {
		start(func() { n.broadcast.RunDecoys(ctx) })
	}

	n.logger.Info("Node running",
		"peer", n.PeerID().Short(),
		"resonance", n.identity.Resonance.String(),
		"relay", n.config.EnableRelay,
		"decoys", n.config.EnableDecoys)

	wg.Wait()
	return muxErr
}

func (n *Node) processLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-n.packets:
			n.HandlePacket(ctx, msg)
		}
	}
}

func (n *Node) maintenanceLoop(ctx context.Context) {
	if err := n.Announce(ctx); err != nil && ctx.Err() == nil {
		n.logger.Debug("Announce failed", "error", err)
	}

	cleanup := n.config.CleanupInterval
	if cleanup <= 0 {
		cleanup = 30 * time.Second
	}
	cleanupTicker := time.NewTicker(cleanup)
	defer cleanupTicker.Stop()

	announce := n.config.Discovery.AnnounceEvery
	if announce <= 0 {
		announce = time.Hour
	}
	announceTicker := time.NewTicker(announce)
	defer announceTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-announceTicker.C:
			if err := n.Announce(ctx); err != nil && ctx.Err() == nil {
				n.logger.Debug("Announce failed", "error", err)
			}
		case <-cleanupTicker.C:
			n.Cleanup()
		}
	}
}

// Cleanup expires channels, beacons and stale relays.
func (n *Node) Cleanup() {
	channels := n.broadcast.CleanupExpiredChannels()
	beacons := n.discovery.CleanupExpired()
	relays := n.router.Topology().CleanupOldNodes()
	held := n.expireKeys()
	if channels+beacons+relays+held > 0 {
		n.logger.Debug("Cleanup complete", "channels", channels, "beacons", beacons, "relays", relays, "held", held)
	}
}

// HandlePacket processes one packet frame payload: dedup, open if this node
// resonates with the target, relay otherwise.
func (n *Node) HandlePacket(ctx context.Context, msg network.Message) {
	pkt, err := n.broadcast.Ingest(msg.From, msg.Data)
	if err != nil {
		n.ingestErrors.Add(1)
		n.logger.Debug("Packet dropped", "from", msg.From.Short(), "error", err)
		return
	}
	if pkt == nil {
		return
	}

	if n.protocol.Config().EnableForwardSecrecy && n.protocol.Matches(pkt, n.identity.Resonance) {
		key, ok := n.holdOrTakeKey(pkt, msg.From)
		if !ok {
			return
		}
		tx, err := n.protocol.ReceivePacketWithKey(pkt, n.identity.Resonance, key)
		core.Zeroize(key)
		n.settle(ctx, pkt, msg.From, tx, err)
		return
	}

	tx, err := n.protocol.ReceivePacket(pkt, n.identity.Resonance)
	n.settle(ctx, pkt, msg.From, tx, err)
}

func (n *Node) settle(ctx context.Context, pkt *core.GhostPacket, from network.PeerID, tx *core.GhostTransaction, err error) {
	switch protocol.Classify(tx, err) {
	case protocol.OutcomeAccepted:
		n.deliver(Delivery{PacketID: pkt.ID, From: from, Transaction: tx, ReceivedAt: time.Now()})
	case protocol.OutcomeIgnored:
		n.relay(ctx, pkt, from)
	case protocol.OutcomeRejected:
		// logged and counted by the protocol
	}
}

// AddEphemeralKey registers the out-of-band key for a forward-secret packet.
// A packet already held for it is opened and delivered at once; otherwise
// the key waits for the packet until the next cleanup past NodeTimeout.
func (n *Node) AddEphemeralKey(packetID uuid.UUID, key []byte) error {
	if len(key) == 0 {
		return core.ErrValidation(core.ErrCodeMalformedParams, "empty ephemeral key", nil)
	}
	n.keysMu.Lock()
	h, ok := n.held[packetID]
	if ok {
		delete(n.held, packetID)
	} else {
		if old, dup := n.keys[packetID]; dup {
			core.Zeroize(old.key)
		}
		n.keys[packetID] = ephemeralKey{key: append([]byte{}, key...), at: time.Now()}
	}
	n.keysMu.Unlock()
	if !ok {
		return nil
	}

	tx, err := n.protocol.ReceivePacketWithKey(h.pkt, n.identity.Resonance, key)
	if err != nil {
		return err
	}
	n.deliver(Delivery{PacketID: packetID, From: h.from, Transaction: tx, ReceivedAt: time.Now()})
	return nil
}

// holdOrTakeKey returns the key registered for pkt, or holds pkt until one
// arrives. The oldest held packet is dropped when the hold is full.
func (n *Node) holdOrTakeKey(pkt *core.GhostPacket, from network.PeerID) ([]byte, bool) {
	n.keysMu.Lock()
	defer n.keysMu.Unlock()
	if k, ok := n.keys[pkt.ID]; ok {
		delete(n.keys, pkt.ID)
		return k.key, true
	}
	if len(n.held) >= maxHeld {
		var oldest uuid.UUID
		var at time.Time
		for id, h := range n.held {
			if at.IsZero() || h.at.Before(at) {
				oldest, at = id, h.at
			}
		}
		delete(n.held, oldest)
	}
	n.held[pkt.ID] = heldPacket{pkt: pkt, from: from, at: time.Now()}
	n.logger.Debug("Forward-secret packet held for key", "packet_id", pkt.ID)
	return nil, false
}

// expireKeys drops held packets and unused keys older than NodeTimeout.
func (n *Node) expireKeys() int {
	cutoff := time.Now().Add(-n.config.NodeTimeout)
	n.keysMu.Lock()
	defer n.keysMu.Unlock()
	removed := 0
	for id, h := range n.held {
		if h.at.Before(cutoff) {
			delete(n.held, id)
			removed++
		}
	}
	for id, k := range n.keys {
		if k.at.Before(cutoff) {
			core.Zeroize(k.key)
			delete(n.keys, id)
			removed++
		}
	}
	return removed
}

func (n *Node) deliver(d Delivery) {
	select {
	case n.deliveries <- d:
		n.delivered.Add(1)
	default:
		d.Transaction.Scrub()
		n.droppedDeliveries.Add(1)
		n.logger.Warn("Delivery queue full, transaction dropped", "packet_id", d.PacketID)
	}
}

// relay forwards a clone of pkt one hop closer to its target, trying the
// sampled hop first and then the router's alternatives.
func (n *Node) relay(ctx context.Context, pkt *core.GhostPacket, from network.PeerID) {
	if !n.config.EnableRelay {
		return
	}
	fwd := pkt.Clone()
	if !fwd.DecrementTTL() || !fwd.Deliverable() {
		return
	}
	decision, ok := n.router.NextHop(fwd.Resonance, from, n.PeerID())
	if !ok {
		return
	}
	frame, err := n.broadcast.Encode(fwd)
	if err != nil {
		n.logger.Debug("Relay encode failed", "packet_id", pkt.ID, "error", err)
		return
	}

	hops := []network.PeerID{decision.NextHop}
	for _, alt := range decision.Alternatives {
		hops = append(hops, alt.NodeID)
	}
	traveled := int(core.DefaultTTL - fwd.TTL)
	for _, hop := range hops {
		start := time.Now()
		if err := n.transport.Send(ctx, hop, frame); err != nil {
			if errors.Is(err, network.ErrUnknownPeer) {
				// gone from the transport; it returns with its next beacon
				n.router.Topology().Remove(hop)
			} else {
				n.router.RecordFailure(hop)
			}
			n.relayFailures.Add(1)
			n.logger.Debug("Relay hop failed", "hop", hop.Short(), "error", err)
			if ctx.Err() != nil {
				return
			}
			continue
		}
		n.router.RecordSuccess(hop, float64(time.Since(start).Microseconds())/1000, traveled)
		n.relayed.Add(1)
		n.logger.Debug("Packet relayed", "packet_id", pkt.ID, "hop", hop.Short(), "ttl", fwd.TTL)
		return
	}
}

// Stats returns a snapshot of all counters.
func (n *Node) Stats() Stats {
	return Stats{
		Protocol:          n.protocol.Stats(),
		Broadcast:         n.broadcast.Stats(),
		Discovery:         n.discovery.Stats(),
		Router:            n.router.Stats(),
		Mux:               n.mux.Stats(),
		Delivered:         n.delivered.Load(),
		DroppedDeliveries: n.droppedDeliveries.Load(),
		Relayed:           n.relayed.Load(),
		RelayFailures:     n.relayFailures.Load(),
		IngestErrors:      n.ingestErrors.Load(),
		HeldForKey:        n.heldCount(),
	}
}

func (n *Node) heldCount() int {
	n.keysMu.Lock()
	defer n.keysMu.Unlock()
	return len(n.held)
}

// Close shuts the transport down. Run returns once its readers notice.
func (n *Node) Close() error {
	var err error
	n.closeOnce.Do(func() {
		err = n.transport.Shutdown()
	})
	return err
}
