package core

import (
	"time"

	"github.com/google/uuid"

	"github.com/nmxmxh/ghostnet/internal/resonance"
)

// NodeIdentity is the locally held, ephemeral identity of a node. It is
// never encoded onto the wire; peers only ever see resonance values.
type NodeIdentity struct {
	ID         uuid.UUID
	Resonance  resonance.State
	LastUpdate time.Time
	PublicKey  []byte
}

// NewIdentity generates a fresh identity at the given resonance.
func NewIdentity(res resonance.State) (*NodeIdentity, error) {
	if err := res.Validate(); err != nil {
		return nil, ErrValidation(ErrCodeNonFinite, "invalid identity resonance", err)
	}
	return &NodeIdentity{
		ID:         uuid.New(),
		Resonance:  res,
		LastUpdate: time.Now(),
	}, nil
}

// RegenerateID replaces the identity's ID for privacy.
func (n *NodeIdentity) RegenerateID() {
	n.ID = uuid.New()
	n.LastUpdate = time.Now()
}

// SetResonance moves the node in resonance space.
func (n *NodeIdentity) SetResonance(res resonance.State) error {
	if err := res.Validate(); err != nil {
		return ErrValidation(ErrCodeNonFinite, "invalid identity resonance", err)
	}
	n.Resonance = res
	n.LastUpdate = time.Now()
	return nil
}
