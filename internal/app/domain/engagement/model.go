// Package engagement defines the engagement record shared by the workflow
// gate: the phase machine plus the atomic "action in progress" flags.
package engagement

import (
	"errors"
	"time"
)

// Phase enumerates the engagement workflow. Transitions only move along the
// forward chain below; the generation-triggering edge is additionally guarded.
type Phase string

const (
	PhaseWelcome          Phase = "welcome"
	PhaseGatheringInfo    Phase = "gathering-info"
	PhasePreviewingDesign Phase = "previewing-design"
	PhaseDesignApproved   Phase = "design-approved"
	PhaseJobInfoGathering Phase = "job-info-gathering"
	PhaseAwaitingPayment  Phase = "awaiting-payment"
	PhaseListed           Phase = "listed"
	PhaseProposalReceived Phase = "proposal-received"
	PhaseEscrowFunded     Phase = "escrow-funded"
	PhaseInProduction     Phase = "in-production"
	PhaseSampleReview     Phase = "sample-review"
	PhaseFinalReview      Phase = "final-review"
	PhaseDelivery         Phase = "delivery"
	PhaseCompleted        Phase = "completed"
)

// next holds the single legal forward edge per phase.
var next = map[Phase]Phase{
	PhaseWelcome:          PhaseGatheringInfo,
	PhaseGatheringInfo:    PhasePreviewingDesign,
	PhasePreviewingDesign: PhaseDesignApproved,
	PhaseDesignApproved:   PhaseJobInfoGathering,
	PhaseJobInfoGathering: PhaseAwaitingPayment,
	PhaseAwaitingPayment:  PhaseListed,
	PhaseListed:           PhaseProposalReceived,
	PhaseProposalReceived: PhaseEscrowFunded,
	PhaseEscrowFunded:     PhaseInProduction,
	PhaseInProduction:     PhaseSampleReview,
	PhaseSampleReview:     PhaseFinalReview,
	PhaseFinalReview:      PhaseDelivery,
	PhaseDelivery:         PhaseCompleted,
}

// Valid reports whether p is a known phase.
func (p Phase) Valid() bool {
	if p == PhaseCompleted {
		return true
	}
	_, ok := next[p]
	return ok
}

// Next returns the phase following p, or p itself when terminal.
func (p Phase) Next() Phase {
	if n, ok := next[p]; ok {
		return n
	}
	return p
}

// CanAdvanceTo reports whether to is the legal forward edge from p.
func (p Phase) CanAdvanceTo(to Phase) bool {
	n, ok := next[p]
	return ok && n == to
}

// Engagement binds a design requester (client) and a fabricator to a shared
// workflow. The action fields implement the coarse per-engagement gate: the
// in-progress marker is set and cleared with compare-and-set store updates so
// correctness holds across server instances.
type Engagement struct {
	ID              string            `db:"id" json:"id"`
	ClientID        string            `db:"client_id" json:"client_id"`
	FabricatorID    string            `db:"fabricator_id" json:"fabricator_id"`
	Phase           Phase             `db:"phase" json:"phase"`
	ActionInFlight  string            `db:"action_in_flight" json:"action_in_flight,omitempty"`
	ActionStartedAt time.Time         `db:"action_started_at" json:"action_started_at,omitempty"`
	LastAction      string            `db:"last_action" json:"last_action,omitempty"`
	LastResult      string            `db:"last_result" json:"last_result,omitempty"`
	LastCompletedAt time.Time         `db:"last_completed_at" json:"last_completed_at,omitempty"`
	Metadata        map[string]string `db:"-" json:"metadata,omitempty"`
	CreatedAt       time.Time         `db:"created_at" json:"created_at"`
	UpdatedAt       time.Time         `db:"updated_at" json:"updated_at"`
}

var (
	// ErrNotFound indicates the engagement does not exist.
	ErrNotFound = errors.New("engagement not found")
	// ErrPhaseViolation indicates an action illegal in the current phase.
	ErrPhaseViolation = errors.New("action not allowed in current phase")
	// ErrBusy indicates a conflicting concurrent mutation; callers may retry.
	ErrBusy = errors.New("engagement busy")
)
