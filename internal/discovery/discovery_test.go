package discovery

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nmxmxh/ghostnet/internal/core"
	"github.com/nmxmxh/ghostnet/internal/network"
	"github.com/nmxmxh/ghostnet/internal/resonance"
)

func beacon(res resonance.State, caps ...string) Beacon {
	return Beacon{BeaconID: uuid.New(), Resonance: res, Capabilities: caps, TTLSeconds: 60}
}

func TestAnnounceAndPoll(t *testing.T) {
	hub := network.NewMemoryHub()
	a := hub.NewTransport("a", 16)
	b := hub.NewTransport("b", 16)
	hub.ConnectAll()

	mux := network.NewMux(b, 16, nil)
	sender := NewEngine(DefaultConfig(), a, nil, nil)
	receiver := NewEngine(DefaultConfig(), b, mux.Subscribe(network.FrameBeacon), nil)

	var hooked []DiscoveredNode
	receiver.OnDiscover(func(n DiscoveredNode) { hooked = append(hooked, n) })

	id, err := core.NewIdentity(resonance.MustNew(1, 2, 3))
	require.NoError(t, err)
	sent, err := sender.Announce(context.Background(), id, []string{"relay", "relay", "store"})
	require.NoError(t, err)
	assert.Equal(t, []string{"relay", "store"}, sent.Capabilities)
	assert.Equal(t, uint64(1), sender.Stats().Announced)

	msg, ok := b.TryReceive()
	require.True(t, ok)
	require.True(t, mux.Dispatch(msg))

	assert.Equal(t, 1, receiver.PollBeacons())
	assert.Equal(t, 0, receiver.PollBeacons(), "inbox drained")

	found, err := receiver.FindNodes(resonance.MustNew(1, 2, 3.05), resonance.Standard)
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, network.PeerID("a"), found[0].PeerID)
	assert.Equal(t, sent.BeaconID, found[0].BeaconID)

	require.Len(t, hooked, 1)
	assert.Equal(t, id.Resonance, hooked[0].Resonance)
}

func TestReannounceReplacesEntry(t *testing.T) {
	e := NewEngine(DefaultConfig(), nil, nil, nil)
	require.NoError(t, e.ReceiveBeacon("p", beacon(resonance.MustNew(0, 0, 0))))
	require.NoError(t, e.ReceiveBeacon("p", beacon(resonance.MustNew(5, 5, 5))))

	assert.Equal(t, 1, e.Stats().Known)
	all := e.FindNodesWithCapabilities()
	require.Len(t, all, 1)
	assert.Equal(t, resonance.MustNew(5, 5, 5), all[0].Resonance)
	assert.True(t, all[0].FirstSeen.Before(all[0].LastSeen) || all[0].FirstSeen.Equal(all[0].LastSeen))
}

func TestFindNodes_OrderAndWindow(t *testing.T) {
	e := NewEngine(DefaultConfig(), nil, nil, nil)
	target := resonance.MustNew(0, 0, 0)
	require.NoError(t, e.ReceiveBeacon("far", beacon(resonance.MustNew(0.2, 0, 0))))
	require.NoError(t, e.ReceiveBeacon("mid", beacon(resonance.MustNew(0.05, 0, 0))))
	require.NoError(t, e.ReceiveBeacon("near", beacon(resonance.MustNew(0.01, 0, 0))))

	found, err := e.FindNodes(target, resonance.Standard)
	require.NoError(t, err)
	require.Len(t, found, 2)
	assert.Equal(t, network.PeerID("near"), found[0].PeerID)
	assert.Equal(t, network.PeerID("mid"), found[1].PeerID)

	_, err = e.FindNodes(target, 0)
	assert.Equal(t, core.ErrCodeInvalidWindow, core.CodeOf(err))
}

func TestFindNodesWithCapabilities(t *testing.T) {
	e := NewEngine(DefaultConfig(), nil, nil, nil)
	res := resonance.MustNew(0, 0, 0)
	require.NoError(t, e.ReceiveBeacon("a", beacon(res, "relay")))
	require.NoError(t, e.ReceiveBeacon("b", beacon(res, "relay", "store")))
	require.NoError(t, e.ReceiveBeacon("c", beacon(res, "store")))

	got := e.FindNodesWithCapabilities("relay", "store")
	require.Len(t, got, 1)
	assert.Equal(t, network.PeerID("b"), got[0].PeerID)

	assert.Len(t, e.FindNodesWithCapabilities("relay"), 2)
	assert.Empty(t, e.FindNodesWithCapabilities("rel"), "membership is exact")
	assert.Len(t, e.FindNodesWithCapabilities(), 3)
}

func TestExpiryAndTTLClamp(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxBeaconTTL = time.Minute
	e := NewEngine(cfg, nil, nil, nil)
	now := time.Unix(1700000000, 0)
	e.now = func() time.Time { return now }

	long := beacon(resonance.MustNew(0, 0, 0))
	long.TTLSeconds = 3600
	require.NoError(t, e.ReceiveBeacon("long", long))

	short := beacon(resonance.MustNew(1, 0, 0))
	short.TTLSeconds = 10
	require.NoError(t, e.ReceiveBeacon("short", short))

	all := e.FindNodesWithCapabilities()
	require.Len(t, all, 2)
	for _, n := range all {
		assert.LessOrEqual(t, n.ExpiresAt.Sub(now), time.Minute)
	}

	now = now.Add(30 * time.Second)
	assert.Len(t, e.FindNodesWithCapabilities(), 1, "expired nodes are hidden before cleanup")
	assert.Equal(t, 1, e.CleanupExpired())

	now = now.Add(time.Minute)
	assert.Equal(t, 1, e.CleanupExpired())
	assert.Equal(t, 0, e.Stats().Known)
}

func TestReceiveBeacon_Invalid(t *testing.T) {
	e := NewEngine(DefaultConfig(), nil, nil, nil)

	err := e.ReceiveBeacon("x", beacon(resonance.State{Psi: math.NaN()}))
	assert.Equal(t, core.ErrCodeNonFinite, core.CodeOf(err))

	err = e.ReceiveBeacon("x", Beacon{Resonance: resonance.MustNew(0, 0, 0)})
	assert.True(t, core.IsValidation(err))

	_, err = DecodeBeacon([]byte(`{"beacon_id":"` + uuid.NewString() + `","resonance":{"psi":1e999,"rho":0,"omega":0}}`))
	assert.Error(t, err)

	assert.Equal(t, uint64(2), e.Stats().Invalid)
	assert.Equal(t, 0, e.Stats().Known)
}

func TestCapacityEvictsSoonestExpiry(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxNodes = 2
	e := NewEngine(cfg, nil, nil, nil)
	res := resonance.MustNew(0, 0, 0)

	soon := beacon(res)
	soon.TTLSeconds = 5
	require.NoError(t, e.ReceiveBeacon("soon", soon))
	require.NoError(t, e.ReceiveBeacon("later", beacon(res)))
	require.NoError(t, e.ReceiveBeacon("new", beacon(res)))

	peers := []network.PeerID{}
	for _, n := range e.FindNodesWithCapabilities() {
		peers = append(peers, n.PeerID)
	}
	assert.ElementsMatch(t, []network.PeerID{"later", "new"}, peers)
	assert.Equal(t, uint64(1), e.Stats().Evicted)
}
