package node

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nmxmxh/ghostnet/internal/core"
	"github.com/nmxmxh/ghostnet/internal/network"
	"github.com/nmxmxh/ghostnet/internal/resonance"
)

func testConfig(res resonance.State) Config {
	cfg := DefaultConfig()
	cfg.Resonance = res
	cfg.EnableDecoys = false
	cfg.Discovery.AnnounceEvery = 50 * time.Millisecond
	return cfg
}

type cluster struct {
	hub   *network.MemoryHub
	nodes map[string]*Node
}

func newCluster(t *testing.T, positions map[string]resonance.State) *cluster {
	t.Helper()
	c := &cluster{hub: network.NewMemoryHub(), nodes: make(map[string]*Node)}
	for name, res := range positions {
		tr := c.hub.NewTransport(network.PeerID(name), 256)
		n, err := New(testConfig(res), tr, nil)
		require.NoError(t, err)
		c.nodes[name] = n
	}
	return c
}

func (c *cluster) run(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		for _, n := range c.nodes {
			go func(n *Node) { _ = n.Run(ctx) }(n)
		}
		<-ctx.Done()
	}()
	t.Cleanup(func() {
		cancel()
		<-done
		for _, n := range c.nodes {
			_ = n.Close()
		}
	})
}

func waitDelivery(t *testing.T, n *Node) Delivery {
	t.Helper()
	select {
	case d := <-n.Deliveries():
		return d
	case <-time.After(5 * time.Second):
		t.Fatal("no delivery")
		return Delivery{}
	}
}

func TestSendReceive_DirectNeighbours(t *testing.T) {
	c := newCluster(t, map[string]resonance.State{
		"alice": resonance.MustNew(1, 1, 1),
		"bob":   resonance.MustNew(1.05, 1.05, 1.05),
		"carol": resonance.MustNew(10, 10, 10),
	})
	c.hub.ConnectAll()
	c.run(t)

	res, err := c.nodes["alice"].Send(context.Background(), resonance.MustNew(1.05, 1.05, 1.05), make([]byte, 256), core.CarrierRaw)
	require.NoError(t, err)
	assert.Nil(t, res.EphemeralKey)

	d := waitDelivery(t, c.nodes["bob"])
	defer d.Transaction.Scrub()
	assert.Equal(t, res.PacketID, d.PacketID)
	assert.Equal(t, make([]byte, 256), d.Transaction.Action)
	assert.Equal(t, resonance.MustNew(1, 1, 1), d.Transaction.SenderResonance)

	carol := c.nodes["carol"]
	require.Eventually(t, func() bool { return carol.Stats().Protocol.Ignored >= 1 },
		5*time.Second, 10*time.Millisecond)
	assert.Zero(t, carol.Stats().Delivered)
	assert.Zero(t, carol.Stats().Protocol.Rejected)
}

func TestRelay_ThroughIntermediate(t *testing.T) {
	target := resonance.MustNew(3, 3, 3)
	c := newCluster(t, map[string]resonance.State{
		"src":   resonance.MustNew(0, 0, 0),
		"relay": resonance.MustNew(1.5, 1.5, 1.5),
		"dst":   target,
	})
	ctx := context.Background()
	_, err := c.nodes["src"].Dial(ctx, "relay")
	require.NoError(t, err)
	_, err = c.nodes["relay"].Dial(ctx, "dst")
	require.NoError(t, err)
	c.run(t)

	relay := c.nodes["relay"]
	require.Eventually(t, func() bool {
		_, ok := relay.Router().Topology().Get("dst")
		return ok
	}, 5*time.Second, 10*time.Millisecond, "relay learns dst from its beacon")

	_, err = c.nodes["src"].Send(ctx, target, []byte("over the hill"), core.CarrierZeroWidth)
	require.NoError(t, err)

	d := waitDelivery(t, c.nodes["dst"])
	defer d.Transaction.Scrub()
	assert.Equal(t, "over the hill", string(d.Transaction.Action))
	assert.Equal(t, network.PeerID("relay"), d.From)

	require.Eventually(t, func() bool { return relay.Stats().Relayed == 1 },
		5*time.Second, 10*time.Millisecond)
	assert.GreaterOrEqual(t, relay.Stats().Router.Successes, uint64(1))
	m, ok := relay.Router().Topology().Get("dst")
	require.True(t, ok)
	assert.Equal(t, uint64(1), m.SuccessCount)
}

func TestHandlePacket_Duplicates(t *testing.T) {
	hub := network.NewMemoryHub()
	a := hub.NewTransport("a", 16)
	b := hub.NewTransport("b", 16)
	hub.ConnectAll()

	sender, err := New(testConfig(resonance.MustNew(0, 0, 0)), a, nil)
	require.NoError(t, err)
	receiver, err := New(testConfig(resonance.MustNew(1, 1, 1)), b, nil)
	require.NoError(t, err)
	defer sender.Close()
	defer receiver.Close()

	_, err = sender.Send(context.Background(), resonance.MustNew(1, 1, 1), []byte("once"), core.CarrierRaw)
	require.NoError(t, err)

	raw, ok := b.TryReceive()
	require.True(t, ok)
	_, payload, err := network.DecodeFrame(raw.Data)
	require.NoError(t, err)

	msg := network.Message{From: raw.From, Data: payload}
	receiver.HandlePacket(context.Background(), msg)
	receiver.HandlePacket(context.Background(), msg)

	require.Len(t, receiver.Deliveries(), 1)
	d := <-receiver.Deliveries()
	d.Transaction.Scrub()
	assert.Equal(t, uint64(1), receiver.Stats().Broadcast.Duplicates)

	receiver.HandlePacket(context.Background(), network.Message{From: "a", Data: []byte{0x00}})
	assert.Equal(t, uint64(1), receiver.Stats().IngestErrors)
}

func TestOpenChannelBuffersInbound(t *testing.T) {
	hub := network.NewMemoryHub()
	a := hub.NewTransport("a", 16)
	b := hub.NewTransport("b", 16)
	hub.ConnectAll()

	sender, err := New(testConfig(resonance.MustNew(0, 0, 0)), a, nil)
	require.NoError(t, err)
	receiver, err := New(testConfig(resonance.MustNew(2, 2, 2)), b, nil)
	require.NoError(t, err)

	_, err = receiver.OpenChannel(resonance.MustNew(2, 2, 2), resonance.Broad, time.Minute)
	require.NoError(t, err)

	_, err = sender.Send(context.Background(), resonance.MustNew(2.1, 2, 2), []byte("held"), core.CarrierRaw)
	require.NoError(t, err)

	raw, ok := b.TryReceive()
	require.True(t, ok)
	_, payload, err := network.DecodeFrame(raw.Data)
	require.NoError(t, err)
	receiver.HandlePacket(context.Background(), network.Message{From: raw.From, Data: payload})

	assert.Len(t, receiver.Buffered(), 1)
}

// handleNext feeds the next frame waiting on tr into n.
func handleNext(t *testing.T, n *Node, tr *network.MemoryTransport) {
	t.Helper()
	raw, ok := tr.TryReceive()
	require.True(t, ok)
	_, payload, err := network.DecodeFrame(raw.Data)
	require.NoError(t, err)
	n.HandlePacket(context.Background(), network.Message{From: raw.From, Data: payload})
}

func TestForwardSecrecy_PacketHeldUntilKey(t *testing.T) {
	hub := network.NewMemoryHub()
	a := hub.NewTransport("a", 16)
	b := hub.NewTransport("b", 16)
	hub.ConnectAll()

	here := resonance.MustNew(1, 1, 1)
	scfg := testConfig(resonance.MustNew(0, 0, 0))
	scfg.Protocol.EnableForwardSecrecy = true
	rcfg := testConfig(here)
	rcfg.Protocol.EnableForwardSecrecy = true
	sender, err := New(scfg, a, nil)
	require.NoError(t, err)
	receiver, err := New(rcfg, b, nil)
	require.NoError(t, err)
	defer sender.Close()
	defer receiver.Close()
	ctx := context.Background()

	res, err := sender.Send(ctx, here, []byte("after key"), core.CarrierRaw)
	require.NoError(t, err)
	require.NotEmpty(t, res.EphemeralKey)

	handleNext(t, receiver, b)
	assert.Empty(t, receiver.Deliveries())
	assert.Equal(t, 1, receiver.Stats().HeldForKey)
	assert.Zero(t, receiver.Stats().Protocol.Rejected, "held, not rejected")

	require.NoError(t, receiver.AddEphemeralKey(res.PacketID, res.EphemeralKey))
	require.Len(t, receiver.Deliveries(), 1)
	d := <-receiver.Deliveries()
	assert.Equal(t, "after key", string(d.Transaction.Action))
	d.Transaction.Scrub()
	assert.Zero(t, receiver.Stats().HeldForKey)

	// key first, packet second
	res, err = sender.Send(ctx, here, []byte("key first"), core.CarrierRaw)
	require.NoError(t, err)
	require.NoError(t, receiver.AddEphemeralKey(res.PacketID, res.EphemeralKey))
	handleNext(t, receiver, b)
	require.Len(t, receiver.Deliveries(), 1)
	d = <-receiver.Deliveries()
	assert.Equal(t, "key first", string(d.Transaction.Action))
	d.Transaction.Scrub()

	assert.True(t, core.IsValidation(receiver.AddEphemeralKey(res.PacketID, nil)))
}

func TestRelay_DropsVanishedHop(t *testing.T) {
	hub := network.NewMemoryHub()
	a := hub.NewTransport("src", 16)
	b := hub.NewTransport("relay", 16)
	hub.ConnectAll()

	src, err := New(testConfig(resonance.MustNew(0, 0, 0)), a, nil)
	require.NoError(t, err)
	relay, err := New(testConfig(resonance.MustNew(5, 5, 5)), b, nil)
	require.NoError(t, err)
	defer src.Close()
	defer relay.Close()

	target := resonance.MustNew(1, 1, 1)
	require.NoError(t, relay.Router().Topology().AddNode("vanished", target, 1))

	_, err = src.Send(context.Background(), target, []byte("lost"), core.CarrierRaw)
	require.NoError(t, err)
	handleNext(t, relay, b)

	_, known := relay.Router().Topology().Get("vanished")
	assert.False(t, known, "unreachable hop leaves the topology")
	assert.Equal(t, uint64(1), relay.Stats().RelayFailures)
	assert.Zero(t, relay.Stats().Relayed)
}

func TestNew_Validation(t *testing.T) {
	hub := network.NewMemoryHub()

	cfg := testConfig(resonance.MustNew(0, 0, 0))
	cfg.Codec = "xml"
	_, err := New(cfg, hub.NewTransport("x", 1), nil)
	assert.True(t, core.IsValidation(err))

	_, err = New(testConfig(resonance.MustNew(0, 0, 0)), nil, nil)
	assert.Error(t, err)
}

func TestClose_StopsRun(t *testing.T) {
	hub := network.NewMemoryHub()
	n, err := New(testConfig(resonance.MustNew(0, 0, 0)), hub.NewTransport("solo", 4), nil)
	require.NoError(t, err)

	errCh := make(chan error, 1)
	go func() { errCh <- n.Run(context.Background()) }()
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, n.Close())

	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after Close")
	}
}
