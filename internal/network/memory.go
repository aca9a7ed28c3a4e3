package network

import (
	"context"
	"errors"
	"sync"
)

// MemoryHub connects in-process transports. It starts no goroutines.
type MemoryHub struct {
	mu    sync.RWMutex
	nodes map[PeerID]*MemoryTransport
}

func NewMemoryHub() *MemoryHub {
	return &MemoryHub{nodes: make(map[PeerID]*MemoryTransport)}
}

// NewTransport registers a transport under id. The id doubles as its
// listen and dial address.
func (h *MemoryHub) NewTransport(id PeerID, inbox int) *MemoryTransport {
	if inbox <= 0 {
		inbox = 256
	}
	t := &MemoryTransport{
		id:    id,
		hub:   h,
		inbox: make(chan Message, inbox),
		peers: make(map[PeerID]struct{}),
		done:  make(chan struct{}),
	}
	h.mu.Lock()
	h.nodes[id] = t
	h.mu.Unlock()
	return t
}

func (h *MemoryHub) lookup(id PeerID) (*MemoryTransport, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	t, ok := h.nodes[id]
	return t, ok
}

func (h *MemoryHub) remove(id PeerID) {
	h.mu.Lock()
	delete(h.nodes, id)
	h.mu.Unlock()
}

// ConnectAll dials every pair of registered transports.
func (h *MemoryHub) ConnectAll() {
	h.mu.RLock()
	nodes := make([]*MemoryTransport, 0, len(h.nodes))
	for _, t := range h.nodes {
		nodes = append(nodes, t)
	}
	h.mu.RUnlock()

	for i, a := range nodes {
		for _, b := range nodes[i+1:] {
			a.link(b)
		}
	}
}

// MemoryTransport is a Transport backed by buffered channels.
type MemoryTransport struct {
	id  PeerID
	hub *MemoryHub

	inbox chan Message

	mu    sync.RWMutex
	peers map[PeerID]struct{}

	done      chan struct{}
	closeOnce sync.Once
}

func (t *MemoryTransport) isClosed() bool {
	select {
	case <-t.done:
		return true
	default:
		return false
	}
}

func (t *MemoryTransport) link(o *MemoryTransport) {
	t.mu.Lock()
	t.peers[o.id] = struct{}{}
	t.mu.Unlock()
	o.mu.Lock()
	o.peers[t.id] = struct{}{}
	o.mu.Unlock()
}

// Listen succeeds while the transport is open; memory transports are
// reachable as soon as they are registered.
func (t *MemoryTransport) Listen(ctx context.Context, addr string) error {
	if t.isClosed() {
		return ErrClosed
	}
	return ctx.Err()
}

func (t *MemoryTransport) Dial(ctx context.Context, addr string) (PeerID, error) {
	if t.isClosed() {
		return "", ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	o, ok := t.hub.lookup(PeerID(addr))
	if !ok || o.isClosed() {
		return "", ErrUnknownPeer
	}
	t.link(o)
	return o.id, nil
}

func (t *MemoryTransport) Send(ctx context.Context, to PeerID, data []byte) error {
	if t.isClosed() {
		return ErrClosed
	}
	t.mu.RLock()
	_, connected := t.peers[to]
	t.mu.RUnlock()
	if !connected {
		return ErrUnknownPeer
	}
	o, ok := t.hub.lookup(to)
	if !ok {
		return ErrUnknownPeer
	}

	msg := Message{From: t.id, Data: append([]byte{}, data...)}
	select {
	case o.inbox <- msg:
		return nil
	case <-o.done:
		return ErrUnknownPeer
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Broadcast sends to every connected peer and joins the failures.
func (t *MemoryTransport) Broadcast(ctx context.Context, data []byte) error {
	var errs []error
	for _, p := range t.Peers() {
		if err := t.Send(ctx, p, data); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (t *MemoryTransport) Receive(ctx context.Context) (Message, error) {
	select {
	case msg := <-t.inbox:
		return msg, nil
	case <-t.done:
		return Message{}, ErrClosed
	case <-ctx.Done():
		return Message{}, ctx.Err()
	}
}

// TryReceive returns a pending frame without blocking.
func (t *MemoryTransport) TryReceive() (Message, bool) {
	select {
	case msg := <-t.inbox:
		return msg, true
	default:
		return Message{}, false
	}
}

func (t *MemoryTransport) LocalPeerID() PeerID { return t.id }

func (t *MemoryTransport) Peers() []PeerID {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]PeerID, 0, len(t.peers))
	for p := range t.peers {
		out = append(out, p)
	}
	return out
}

func (t *MemoryTransport) Shutdown() error {
	t.closeOnce.Do(func() {
		close(t.done)
		t.hub.remove(t.id)
	})
	return nil
}
