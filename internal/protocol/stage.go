package protocol

import (
	"fmt"

	"github.com/nmxmxh/ghostnet/internal/core"
)

// Stage is a step of the packet lifecycle.
type Stage int

const (
	StageCreated Stage = iota + 1
	StageMasked
	StageEmbedded
	StagePacketized
	StageBroadcast
	StageRouted
	StageReceived
)

func (s Stage) String() string {
	switch s {
	case StageCreated:
		return "created"
	case StageMasked:
		return "masked"
	case StageEmbedded:
		return "embedded"
	case StagePacketized:
		return "packetized"
	case StageBroadcast:
		return "broadcast"
	case StageRouted:
		return "routed"
	case StageReceived:
		return "received"
	default:
		return fmt.Sprintf("stage(%d)", int(s))
	}
}

// Outcome is the terminal state of a received packet.
type Outcome int

const (
	OutcomeIgnored Outcome = iota
	OutcomeAccepted
	OutcomeRejected
)

func (o Outcome) String() string {
	switch o {
	case OutcomeAccepted:
		return "accepted"
	case OutcomeRejected:
		return "rejected"
	default:
		return "ignored"
	}
}

// StageError records which stage produced err.
type StageError struct {
	Stage Stage
	Err   error
}

func (e *StageError) Error() string { return e.Stage.String() + ": " + e.Err.Error() }

func (e *StageError) Unwrap() error { return e.Err }

func atStage(s Stage, err error) error {
	if err == nil {
		return nil
	}
	return &StageError{Stage: s, Err: err}
}

// Classify maps a receive result to its outcome: a transaction is accepted,
// any error rejects, and nil/nil is an ignored non-match.
func Classify(tx *core.GhostTransaction, err error) Outcome {
	switch {
	case err != nil:
		return OutcomeRejected
	case tx != nil:
		return OutcomeAccepted
	default:
		return OutcomeIgnored
	}
}
