package network

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	libp2p "github.com/libp2p/go-libp2p"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	crypto "github.com/libp2p/go-libp2p/core/crypto"
	libp2p_host "github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	peer "github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"
	ma "github.com/multiformats/go-multiaddr"
)

// ProtocolID is the stream protocol for direct frames.
const ProtocolID protocol.ID = "/ghost/packet/1.0.0"

// PersistentIdentity holds the private key and peer ID.
type PersistentIdentity struct {
	PrivKey []byte `json:"priv_key"`
	PeerID  string `json:"peer_id"`
}

// SaveIdentity saves identity to path.
func SaveIdentity(path string, id *PersistentIdentity) error {
	data, err := json.Marshal(id)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

// LoadIdentity loads identity from path.
func LoadIdentity(path string) (*PersistentIdentity, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var id PersistentIdentity
	if err := json.Unmarshal(data, &id); err != nil {
		return nil, err
	}
	return &id, nil
}

// LoadOrCreateKey returns the key stored at path, generating and saving a
// fresh Ed25519 key when none exists. An empty path yields an ephemeral key.
func LoadOrCreateKey(path string) (crypto.PrivKey, error) {
	if path != "" {
		if id, err := LoadIdentity(path); err == nil {
			priv, err := crypto.UnmarshalPrivateKey(id.PrivKey)
			if err != nil {
				return nil, fmt.Errorf("decode identity %s: %w", path, err)
			}
			return priv, nil
		} else if !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("load identity %s: %w", path, err)
		}
	}

	priv, _, err := crypto.GenerateEd25519Key(nil)
	if err != nil {
		return nil, err
	}
	if path == "" {
		return priv, nil
	}
	pid, err := peer.IDFromPrivateKey(priv)
	if err != nil {
		return nil, err
	}
	privBytes, err := crypto.MarshalPrivateKey(priv)
	if err != nil {
		return nil, err
	}
	if err := SaveIdentity(path, &PersistentIdentity{PrivKey: privBytes, PeerID: pid.String()}); err != nil {
		return nil, fmt.Errorf("save identity %s: %w", path, err)
	}
	return priv, nil
}

// Libp2pTransport carries frames over libp2p streams, with an optional
// GossipSub topic for Broadcast.
type Libp2pTransport struct {
	host libp2p_host.Host
	cfg  TransportConfig

	inbox   chan Message
	dropped atomic.Uint64

	activeStreams atomic.Int64

	topic *pubsub.Topic
	sub   *pubsub.Subscription

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	done      chan struct{}
	closeOnce sync.Once

	logger *slog.Logger
}

// NewLibp2pTransport starts a libp2p host from cfg.
func NewLibp2pTransport(ctx context.Context, cfg TransportConfig, logger *slog.Logger) (*Libp2pTransport, error) {
	priv, err := LoadOrCreateKey(cfg.IdentityPath)
	if err != nil {
		return nil, err
	}
	host, err := libp2p.New(
		libp2p.Identity(priv),
		libp2p.ListenAddrStrings(cfg.ListenAddrs...),
	)
	if err != nil {
		return nil, fmt.Errorf("start libp2p host: %w", err)
	}
	t, err := NewLibp2pTransportFromHost(ctx, host, cfg, logger)
	if err != nil {
		host.Close()
		return nil, err
	}
	return t, nil
}

// NewLibp2pTransportFromHost adopts an existing host, such as a mocknet
// peer. The transport owns the host from then on.
func NewLibp2pTransportFromHost(ctx context.Context, host libp2p_host.Host, cfg TransportConfig, logger *slog.Logger) (*Libp2pTransport, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.InboxSize <= 0 {
		cfg.InboxSize = DefaultTransportConfig().InboxSize
	}
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = DefaultTransportConfig().MaxMessageSize
	}

	tctx, cancel := context.WithCancel(ctx)
	t := &Libp2pTransport{
		host:   host,
		cfg:    cfg,
		inbox:  make(chan Message, cfg.InboxSize),
		ctx:    tctx,
		cancel: cancel,
		done:   make(chan struct{}),
		logger: logger.With("component", "libp2p", "peer_id", PeerID(host.ID().String()).Short()),
	}

	host.SetStreamHandler(ProtocolID, t.handleStream)

	if cfg.EnableGossip {
		if err := t.joinGossip(); err != nil {
			cancel()
			host.RemoveStreamHandler(ProtocolID)
			return nil, err
		}
	}

	t.logger.Info("Libp2p transport started", "addrs", host.Addrs(), "gossip", cfg.EnableGossip)
	return t, nil
}

func (t *Libp2pTransport) joinGossip() error {
	ps, err := pubsub.NewGossipSub(t.ctx, t.host)
	if err != nil {
		return fmt.Errorf("start gossipsub: %w", err)
	}
	topic, err := ps.Join(t.cfg.GossipTopic)
	if err != nil {
		return fmt.Errorf("join topic %s: %w", t.cfg.GossipTopic, err)
	}
	sub, err := topic.Subscribe()
	if err != nil {
		topic.Close()
		return fmt.Errorf("subscribe topic %s: %w", t.cfg.GossipTopic, err)
	}
	t.topic, t.sub = topic, sub

	t.wg.Add(1)
	go t.readGossip()
	return nil
}

func (t *Libp2pTransport) readGossip() {
	defer t.wg.Done()
	for {
		msg, err := t.sub.Next(t.ctx)
		if err != nil {
			return
		}
		if msg.ReceivedFrom == t.host.ID() {
			continue
		}
		if len(msg.Data) > t.cfg.MaxMessageSize {
			continue
		}
		t.deliver(Message{From: PeerID(msg.ReceivedFrom.String()), Data: msg.Data})
	}
}

func (t *Libp2pTransport) handleStream(s network.Stream) {
	t.activeStreams.Add(1)
	defer t.activeStreams.Add(-1)
	from := PeerID(s.Conn().RemotePeer().String())

	// Not every stream honours deadlines, so a timer resets stalled ones too.
	timeout := t.cfg.SendTimeout
	if timeout <= 0 {
		timeout = DefaultTransportConfig().SendTimeout
	}
	_ = s.SetReadDeadline(time.Now().Add(timeout))
	ctx, cancel := context.WithTimeout(t.ctx, timeout)
	defer cancel()
	stop := context.AfterFunc(ctx, func() { _ = s.Reset() })

	data, err := io.ReadAll(io.LimitReader(s, int64(t.cfg.MaxMessageSize)+1))
	if !stop() || err != nil {
		t.logger.Debug("Stream read failed", "from", from.Short(), "error", err)
		_ = s.Reset()
		return
	}
	defer s.Close()
	if len(data) > t.cfg.MaxMessageSize {
		t.logger.Warn("Oversized frame dropped", "from", from.Short())
		_ = s.Reset()
		return
	}
	t.deliver(Message{From: from, Data: data})
}

func (t *Libp2pTransport) deliver(msg Message) {
	select {
	case t.inbox <- msg:
	case <-t.done:
	default:
		t.dropped.Add(1)
	}
}

// Host exposes the underlying libp2p host.
func (t *Libp2pTransport) Host() libp2p_host.Host { return t.host }

// Dropped counts inbound frames discarded because the inbox was full.
func (t *Libp2pTransport) Dropped() uint64 { return t.dropped.Load() }

// Listen adds a listen multiaddr.
func (t *Libp2pTransport) Listen(ctx context.Context, addr string) error {
	maddr, err := ma.NewMultiaddr(addr)
	if err != nil {
		return fmt.Errorf("parse listen addr: %w", err)
	}
	return t.host.Network().Listen(maddr)
}

// Dial connects to a full /p2p/ multiaddr.
func (t *Libp2pTransport) Dial(ctx context.Context, addr string) (PeerID, error) {
	maddr, err := ma.NewMultiaddr(addr)
	if err != nil {
		return "", fmt.Errorf("parse peer addr: %w", err)
	}
	info, err := peer.AddrInfoFromP2pAddr(maddr)
	if err != nil {
		return "", err
	}
	if t.cfg.DialTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.cfg.DialTimeout)
		defer cancel()
	}
	if err := t.host.Connect(ctx, *info); err != nil {
		return "", err
	}
	return PeerID(info.ID.String()), nil
}

// Send opens a stream, writes the frame and half-closes.
func (t *Libp2pTransport) Send(ctx context.Context, to PeerID, data []byte) error {
	select {
	case <-t.done:
		return ErrClosed
	default:
	}
	if len(data) > t.cfg.MaxMessageSize {
		return ErrFrameTooLong
	}
	pid, err := peer.Decode(string(to))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnknownPeer, err)
	}

	ctx, cancel := withSendTimeout(ctx, t.cfg.SendTimeout)
	defer cancel()

	stream, err := t.host.NewStream(ctx, pid, ProtocolID)
	if err != nil {
		return err
	}
	defer stream.Close()
	if deadline, ok := ctx.Deadline(); ok {
		_ = stream.SetWriteDeadline(deadline)
	}
	if _, err := stream.Write(data); err != nil {
		stream.Reset()
		return err
	}
	return stream.CloseWrite()
}

// Publishes reports whether Broadcast goes out on the gossip topic.
func (t *Libp2pTransport) Publishes() bool { return t.topic != nil }

// Broadcast publishes on the gossip topic when enabled, otherwise sends to
// every connected peer.
func (t *Libp2pTransport) Broadcast(ctx context.Context, data []byte) error {
	if t.topic != nil {
		if len(data) > t.cfg.MaxMessageSize {
			return ErrFrameTooLong
		}
		ctx, cancel := withSendTimeout(ctx, t.cfg.SendTimeout)
		defer cancel()
		return t.topic.Publish(ctx, data)
	}
	var errs []error
	for _, p := range t.Peers() {
		if err := t.Send(ctx, p, data); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (t *Libp2pTransport) Receive(ctx context.Context) (Message, error) {
	select {
	case msg := <-t.inbox:
		return msg, nil
	case <-t.done:
		return Message{}, ErrClosed
	case <-ctx.Done():
		return Message{}, ctx.Err()
	}
}

func (t *Libp2pTransport) LocalPeerID() PeerID {
	return PeerID(t.host.ID().String())
}

// Addrs returns dialable /p2p/ multiaddrs for this host.
func (t *Libp2pTransport) Addrs() []string {
	out := make([]string, 0, len(t.host.Addrs()))
	for _, a := range t.host.Addrs() {
		out = append(out, fmt.Sprintf("%s/p2p/%s", a, t.host.ID()))
	}
	return out
}

func (t *Libp2pTransport) Peers() []PeerID {
	peers := t.host.Network().Peers()
	out := make([]PeerID, 0, len(peers))
	for _, p := range peers {
		out = append(out, PeerID(p.String()))
	}
	return out
}

func (t *Libp2pTransport) Shutdown() error {
	var err error
	t.closeOnce.Do(func() {
		close(t.done)
		t.cancel()
		t.host.RemoveStreamHandler(ProtocolID)
		if t.sub != nil {
			t.sub.Cancel()
		}
		t.wg.Wait()
		if t.topic != nil {
			_ = t.topic.Close()
		}
		err = t.host.Close()
		t.logger.Info("Libp2p transport stopped")
	})
	return err
}
