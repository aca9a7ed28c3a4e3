package network

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	mocknet "github.com/libp2p/go-libp2p/p2p/net/mock"
	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/nmxmxh/ghostnet/internal/core"
)

func TestMemoryTransport_SendReceive(t *testing.T) {
	defer goleak.VerifyNone(t)

	hub := NewMemoryHub()
	a := hub.NewTransport("a", 4)
	b := hub.NewTransport("b", 4)
	ctx := context.Background()

	assert.ErrorIs(t, a.Send(ctx, "b", []byte("x")), ErrUnknownPeer, "send before dial")

	id, err := a.Dial(ctx, "b")
	require.NoError(t, err)
	assert.Equal(t, PeerID("b"), id)
	assert.ElementsMatch(t, []PeerID{"a"}, b.Peers())

	data := []byte("hello")
	require.NoError(t, a.Send(ctx, "b", data))
	data[0] = 'X'

	msg, err := b.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, PeerID("a"), msg.From)
	assert.Equal(t, "hello", string(msg.Data), "send copies the buffer")

	require.NoError(t, b.Shutdown())
	_, err = b.Receive(ctx)
	assert.ErrorIs(t, err, ErrClosed)
	assert.Error(t, a.Send(ctx, "b", data))
}

func TestMemoryTransport_BroadcastAndBackpressure(t *testing.T) {
	defer goleak.VerifyNone(t)

	hub := NewMemoryHub()
	a := hub.NewTransport("a", 1)
	b := hub.NewTransport("b", 1)
	c := hub.NewTransport("c", 1)
	hub.ConnectAll()

	require.NoError(t, a.Broadcast(context.Background(), []byte("all")))
	for _, tr := range []*MemoryTransport{b, c} {
		msg, ok := tr.TryReceive()
		require.True(t, ok)
		assert.Equal(t, "all", string(msg.Data))
	}

	require.NoError(t, a.Send(context.Background(), "b", []byte("1")))
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, a.Send(ctx, "b", []byte("2")), context.DeadlineExceeded, "full inbox blocks until the deadline")
}

func TestMux_RoutesByKind(t *testing.T) {
	defer goleak.VerifyNone(t)

	hub := NewMemoryHub()
	a := hub.NewTransport("a", 8)
	b := hub.NewTransport("b", 8)
	hub.ConnectAll()

	mux := NewMux(b, 1, nil)
	packets := mux.Subscribe(FramePacket)
	beacons := mux.Subscribe(FrameBeacon)

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		assert.NoError(t, mux.Run(ctx))
	}()

	send := func(kind FrameKind, payload string) {
		require.NoError(t, a.Send(context.Background(), "b", EncodeFrame(kind, []byte(payload))))
	}
	send(FramePacket, "p1")
	send(FrameBeacon, "b1")

	select {
	case msg := <-packets:
		assert.Equal(t, "p1", string(msg.Data))
		assert.Equal(t, PeerID("a"), msg.From)
	case <-time.After(time.Second):
		t.Fatal("packet frame not delivered")
	}
	select {
	case msg := <-beacons:
		assert.Equal(t, "b1", string(msg.Data))
	case <-time.After(time.Second):
		t.Fatal("beacon frame not delivered")
	}

	cancel()
	wg.Wait()
}

func TestMux_DropsWhenFull(t *testing.T) {
	mux := NewMux(nil, 1, nil)
	_ = mux.Subscribe(FramePacket)

	assert.True(t, mux.Dispatch(Message{From: "x", Data: EncodeFrame(FramePacket, []byte("1"))}))
	assert.False(t, mux.Dispatch(Message{From: "x", Data: EncodeFrame(FramePacket, []byte("2"))}))
	assert.False(t, mux.Dispatch(Message{From: "x", Data: EncodeFrame(0x7f, nil)}))
	assert.False(t, mux.Dispatch(Message{From: "x"}))

	st := mux.Stats()
	assert.Equal(t, uint64(1), st.Delivered)
	assert.Equal(t, uint64(1), st.Dropped)
	assert.Equal(t, uint64(2), st.Unknown)
}

// blockingTransport holds its Shutdown until released.
type blockingTransport struct {
	*MemoryTransport
	entered chan struct{}
	release chan struct{}
}

func (b *blockingTransport) Shutdown() error {
	close(b.entered)
	<-b.release
	return b.MemoryTransport.Shutdown()
}

func TestShared_LocalPeerIDNeverBlocks(t *testing.T) {
	hub := NewMemoryHub()
	bt := &blockingTransport{
		MemoryTransport: hub.NewTransport("self", 1),
		entered:         make(chan struct{}),
		release:         make(chan struct{}),
	}
	s := NewShared(bt)
	assert.Equal(t, PeerID("self"), s.LocalPeerID())

	done := make(chan error, 1)
	go func() { done <- s.Shutdown() }()
	<-bt.entered

	assert.Equal(t, PeerID("self"), s.LocalPeerID(), "cached id while write-locked")

	close(bt.release)
	require.NoError(t, <-done)
	_, err := s.Receive(context.Background())
	assert.ErrorIs(t, err, ErrClosed)
	require.NoError(t, s.Shutdown(), "second shutdown is a no-op")
}

// failingTransport fails every send.
type failingTransport struct {
	*MemoryTransport
	sends int
}

func (f *failingTransport) Send(ctx context.Context, to PeerID, data []byte) error {
	f.sends++
	return errors.New("link down")
}

func TestBreakerTransport_OpensAfterFailures(t *testing.T) {
	hub := NewMemoryHub()
	ft := &failingTransport{MemoryTransport: hub.NewTransport("a", 1)}
	b := NewBreakerTransport(ft, BreakerConfig{Enabled: true, MaxRequests: 1, Timeout: time.Minute, FailureThreshold: 3}, nil)

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		err := b.Send(ctx, "peer", []byte("x"))
		require.Error(t, err)
		assert.Equal(t, core.ErrCodeSendFailed, core.CodeOf(err))
		assert.True(t, core.IsRetryable(err))
	}
	assert.Equal(t, gobreaker.StateOpen, b.State("peer"))

	err := b.Send(ctx, "peer", []byte("x"))
	assert.Equal(t, core.ErrCodeCircuitOpen, core.CodeOf(err))
	assert.Equal(t, 3, ft.sends, "open circuit does not reach the transport")

	assert.Equal(t, gobreaker.StateClosed, b.State("other"), "breakers are per peer")
}

func TestFrame_RoundTrip(t *testing.T) {
	kind, payload, err := DecodeFrame(EncodeFrame(FrameBeacon, []byte("abc")))
	require.NoError(t, err)
	assert.Equal(t, FrameBeacon, kind)
	assert.Equal(t, "abc", string(payload))

	_, _, err = DecodeFrame(nil)
	assert.ErrorIs(t, err, ErrEmptyFrame)
}

func TestLoadOrCreateKey_Persists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keys", "node_identity.json")

	k1, err := LoadOrCreateKey(path)
	require.NoError(t, err)
	k2, err := LoadOrCreateKey(path)
	require.NoError(t, err)
	assert.True(t, k1.Equals(k2))

	eph, err := LoadOrCreateKey("")
	require.NoError(t, err)
	assert.False(t, eph.Equals(k1))
}

func TestLibp2pTransport_Mocknet(t *testing.T) {
	mn := mocknet.New()
	defer mn.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	cfg := DefaultTransportConfig()
	cfg.EnableGossip = false

	var nodes []*Libp2pTransport
	for i := 0; i < 3; i++ {
		h, err := mn.GenPeer()
		require.NoError(t, err)
		tr, err := NewLibp2pTransportFromHost(ctx, h, cfg, nil)
		require.NoError(t, err)
		nodes = append(nodes, tr)
	}
	defer func() {
		for _, n := range nodes {
			_ = n.Shutdown()
		}
	}()
	require.NoError(t, mn.LinkAll())
	require.NoError(t, mn.ConnectAllButSelf())

	a, b, c := nodes[0], nodes[1], nodes[2]
	require.NoError(t, a.Send(ctx, b.LocalPeerID(), []byte("direct")))

	msg, err := b.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, "direct", string(msg.Data))
	assert.Equal(t, a.LocalPeerID(), msg.From)

	require.NoError(t, a.Broadcast(ctx, []byte("fanout")))
	for _, n := range []*Libp2pTransport{b, c} {
		msg, err := n.Receive(ctx)
		require.NoError(t, err)
		assert.Equal(t, "fanout", string(msg.Data))
	}

	big := make([]byte, cfg.MaxMessageSize+1)
	assert.ErrorIs(t, a.Send(ctx, b.LocalPeerID(), big), ErrFrameTooLong)
}

func TestTransportError_Classifies(t *testing.T) {
	assert.NoError(t, TransportError("send", "p", nil))

	err := TransportError("send", "p", context.DeadlineExceeded)
	assert.Equal(t, core.ErrCodeTimeout, core.CodeOf(err))
	assert.True(t, core.IsRetryable(err))
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	assert.Equal(t, core.ErrCodeTransportClosed, core.CodeOf(TransportError("send", "p", ErrClosed)))
	assert.Equal(t, core.ErrCodeSendFailed, core.CodeOf(TransportError("send", "p", errors.New("reset"))))

	open := core.NewError(core.KindTransport, core.ErrCodeCircuitOpen, "circuit open")
	assert.Equal(t, error(open), TransportError("send", "p", open), "classified errors pass through")
}

func TestBreakerTransport_PublishesOnGossip(t *testing.T) {
	mn := mocknet.New()
	defer mn.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	cfg := DefaultTransportConfig()
	require.True(t, cfg.EnableGossip)
	require.True(t, cfg.Breaker.Enabled)

	var nodes []*Libp2pTransport
	for i := 0; i < 2; i++ {
		h, err := mn.GenPeer()
		require.NoError(t, err)
		tr, err := NewLibp2pTransportFromHost(ctx, h, cfg, nil)
		require.NoError(t, err)
		nodes = append(nodes, tr)
	}
	defer func() {
		for _, n := range nodes {
			_ = n.Shutdown()
		}
	}()
	require.NoError(t, mn.LinkAll())
	require.NoError(t, mn.ConnectAllButSelf())

	a := NewBreakerTransport(nodes[0], cfg.Breaker, nil)
	b := nodes[1]
	require.True(t, nodes[0].Publishes())

	// subscriptions propagate asynchronously, so publish until one lands
	var got Message
	require.Eventually(t, func() bool {
		if err := a.Broadcast(ctx, []byte("gossiped")); err != nil {
			return false
		}
		rctx, rcancel := context.WithTimeout(ctx, 150*time.Millisecond)
		defer rcancel()
		msg, err := b.Receive(rctx)
		if err != nil {
			return false
		}
		got = msg
		return true
	}, 15*time.Second, 50*time.Millisecond)

	assert.Equal(t, "gossiped", string(got.Data))
	assert.Equal(t, nodes[0].LocalPeerID(), got.From)

	a.mu.Lock()
	defer a.mu.Unlock()
	assert.Empty(t, a.breakers, "publishing does not fan out through per-peer sends")
}

func TestLibp2pTransport_ResetsStalledStream(t *testing.T) {
	mn := mocknet.New()
	defer mn.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	cfg := DefaultTransportConfig()
	cfg.EnableGossip = false
	cfg.SendTimeout = 200 * time.Millisecond

	var nodes []*Libp2pTransport
	for i := 0; i < 2; i++ {
		h, err := mn.GenPeer()
		require.NoError(t, err)
		tr, err := NewLibp2pTransportFromHost(ctx, h, cfg, nil)
		require.NoError(t, err)
		nodes = append(nodes, tr)
	}
	defer func() {
		for _, n := range nodes {
			_ = n.Shutdown()
		}
	}()
	require.NoError(t, mn.LinkAll())
	require.NoError(t, mn.ConnectAllButSelf())
	a, b := nodes[0], nodes[1]

	// open a stream, write part of a frame and never half-close
	s, err := a.Host().NewStream(ctx, b.Host().ID(), ProtocolID)
	require.NoError(t, err)
	defer s.Reset()
	_, err = s.Write([]byte("partial"))
	require.NoError(t, err)

	readErr := make(chan error, 1)
	go func() {
		_, err := s.Read(make([]byte, 1))
		readErr <- err
	}()
	select {
	case err := <-readErr:
		assert.Error(t, err, "receiver resets the stalled stream")
	case <-time.After(5 * time.Second):
		t.Fatal("stalled stream was never reset")
	}

	assert.Eventually(t, func() bool { return b.activeStreams.Load() == 0 }, time.Second, 10*time.Millisecond)
	select {
	case msg := <-b.inbox:
		t.Fatalf("partial frame delivered: %q", msg.Data)
	default:
	}
}
