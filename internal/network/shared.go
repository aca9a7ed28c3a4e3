package network

import (
	"context"
	"sync"
	"sync/atomic"
)

// Shared lets several owners use one transport. Calls snapshot the
// underlying transport under a read lock and perform I/O after releasing it,
// so a blocking Receive never stalls Shutdown.
type Shared struct {
	mu     sync.RWMutex
	t      Transport
	closed bool
	cached atomic.Value // PeerID
}

// NewShared wraps t.
func NewShared(t Transport) *Shared {
	s := &Shared{t: t}
	s.cached.Store(t.LocalPeerID())
	return s
}

func (s *Shared) get() (Transport, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}
	return s.t, nil
}

func (s *Shared) Listen(ctx context.Context, addr string) error {
	t, err := s.get()
	if err != nil {
		return err
	}
	return t.Listen(ctx, addr)
}

func (s *Shared) Dial(ctx context.Context, addr string) (PeerID, error) {
	t, err := s.get()
	if err != nil {
		return "", err
	}
	return t.Dial(ctx, addr)
}

func (s *Shared) Send(ctx context.Context, to PeerID, data []byte) error {
	t, err := s.get()
	if err != nil {
		return err
	}
	return t.Send(ctx, to, data)
}

func (s *Shared) Broadcast(ctx context.Context, data []byte) error {
	t, err := s.get()
	if err != nil {
		return err
	}
	return t.Broadcast(ctx, data)
}

func (s *Shared) Receive(ctx context.Context) (Message, error) {
	t, err := s.get()
	if err != nil {
		return Message{}, err
	}
	return t.Receive(ctx)
}

// LocalPeerID never blocks: while the handle is write-locked it returns the
// last id it observed.
func (s *Shared) LocalPeerID() PeerID {
	if !s.mu.TryRLock() {
		return s.cached.Load().(PeerID)
	}
	defer s.mu.RUnlock()
	if s.closed {
		return s.cached.Load().(PeerID)
	}
	id := s.t.LocalPeerID()
	s.cached.Store(id)
	return id
}

func (s *Shared) Peers() []PeerID {
	t, err := s.get()
	if err != nil {
		return nil
	}
	return t.Peers()
}

// Shutdown closes the underlying transport once.
func (s *Shared) Shutdown() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.t.Shutdown()
}
