package protocol

import (
	"fmt"
	"time"

	"github.com/nmxmxh/ghostnet/internal/core"
	"github.com/nmxmxh/ghostnet/internal/proof"
	"github.com/nmxmxh/ghostnet/internal/resonance"
)

// KeyAgreement selects which target resonance a receiver feeds into
// parameter derivation.
type KeyAgreement string

const (
	// KeyAgreementNode derives from (sender, own resonance). Only a receiver
	// sitting exactly on the target can open the packet.
	KeyAgreementNode KeyAgreement = "node"
	// KeyAgreementTarget derives from (sender, packet target). Any receiver
	// inside the window can open the packet.
	KeyAgreementTarget KeyAgreement = "target"
)

// Config holds protocol configuration
type Config struct {
	EnableForwardSecrecy bool          `json:"enable_forward_secrecy"`
	AdaptiveTimestamps   bool          `json:"adaptive_timestamps"`
	TimestampGranularity time.Duration `json:"timestamp_granularity"`
	Epsilon              float64       `json:"epsilon"`
	MaxActionSize        int           `json:"max_action_size"`
	ProofKind            proof.Kind    `json:"proof_kind"`
	RequireProof         bool          `json:"require_proof"`
	AnonymitySetSize     int           `json:"anonymity_set_size"`
	CompressPayload      bool          `json:"compress_payload"`
	KeyAgreement         KeyAgreement  `json:"key_agreement"`
	CoverText            string        `json:"cover_text"`
}

// DefaultConfig returns sensible defaults
func DefaultConfig() Config {
	return Config{
		EnableForwardSecrecy: false,
		AdaptiveTimestamps:   true,
		TimestampGranularity: time.Minute,
		Epsilon:              resonance.Standard,
		MaxActionSize:        64 * 1024,
		ProofKind:            proof.KindKnowledge,
		RequireProof:         true,
		AnonymitySetSize:     8,
		CompressPayload:      false,
		KeyAgreement:         KeyAgreementNode,
	}
}

// Validate checks the config for values the pipeline cannot run with.
func (c Config) Validate() error {
	if err := resonance.ValidateWindow(c.Epsilon); err != nil {
		return core.ErrValidation(core.ErrCodeInvalidWindow, "invalid protocol epsilon", err)
	}
	if c.MaxActionSize <= 0 {
		return core.ErrValidation(core.ErrCodeActionTooLarge, "max action size must be positive", nil)
	}
	switch c.ProofKind {
	case proof.KindKnowledge, proof.KindRange, proof.KindMembership:
	default:
		return core.ErrValidation(core.ErrCodeMalformedParams, fmt.Sprintf("unknown proof kind %d", c.ProofKind), nil)
	}
	switch c.KeyAgreement {
	case KeyAgreementNode, KeyAgreementTarget:
	default:
		return core.ErrValidation(core.ErrCodeMalformedParams, fmt.Sprintf("unknown key agreement %q", c.KeyAgreement), nil)
	}
	if c.AdaptiveTimestamps && c.TimestampGranularity <= 0 {
		return core.ErrValidation(core.ErrCodeMalformedParams, "timestamp granularity must be positive", nil)
	}
	return nil
}
