// Package escrow defines the per-engagement escrow record and its
// percentage-weighted milestone plan.
package escrow

import (
	"errors"
	"time"
)

// Status is the escrow lifecycle state. Transitions only move forward, except
// into StatusDisputed which is reachable from StatusFunded.
type Status string

const (
	StatusPending   Status = "pending"
	StatusFunded    Status = "funded"
	StatusCompleted Status = "completed"
	StatusDisputed  Status = "disputed"
)

// MilestoneStatus tracks a single release step.
type MilestoneStatus string

const (
	MilestonePending   MilestoneStatus = "pending"
	MilestoneUnlocked  MilestoneStatus = "unlocked"
	MilestoneCompleted MilestoneStatus = "completed"
)

// Escrow tracks one engagement's committed funds. Invariant:
// 0 <= Released <= Committed.
type Escrow struct {
	EngagementID string    `db:"engagement_id" json:"engagement_id"`
	InitiatorID  string    `db:"initiator_id" json:"initiator_id"`
	Committed    int64     `db:"committed" json:"committed"`
	Released     int64     `db:"released" json:"released"`
	Status       Status    `db:"status" json:"status"`
	CreatedAt    time.Time `db:"created_at" json:"created_at"`
	UpdatedAt    time.Time `db:"updated_at" json:"updated_at"`
}

// Remaining returns the amount still held.
func (e Escrow) Remaining() int64 { return e.Committed - e.Released }

// Milestone is one ordered release step. Ordinal defines release order;
// weights across one engagement sum to 100.
type Milestone struct {
	ID           string          `db:"id" json:"id"`
	EngagementID string          `db:"engagement_id" json:"engagement_id"`
	Ordinal      int             `db:"ordinal" json:"ordinal"`
	Label        string          `db:"label" json:"label"`
	WeightPct    int             `db:"weight_pct" json:"weight_pct"`
	Amount       int64           `db:"amount" json:"amount"`
	Status       MilestoneStatus `db:"status" json:"status"`
	CompletedAt  time.Time       `db:"completed_at" json:"completed_at,omitempty"`
}

// PlanStep describes a milestone template before amounts are computed.
type PlanStep struct {
	Label     string
	WeightPct int
}

// DefaultPlan is the reference fabrication workflow: four steps weighted
// 15/15/40/30.
func DefaultPlan() []PlanStep {
	return []PlanStep{
		{Label: "fabric-received", WeightPct: 15},
		{Label: "sample-approved", WeightPct: 15},
		{Label: "final-approved", WeightPct: 40},
		{Label: "delivery-confirmed", WeightPct: 30},
	}
}

// BuildMilestones materialises a plan against a committed amount. The final
// step absorbs integer rounding so the amounts sum exactly to committed.
func BuildMilestones(engagementID string, committed int64, plan []PlanStep) []Milestone {
	milestones := make([]Milestone, 0, len(plan))
	var allocated int64
	for i, step := range plan {
		amount := committed * int64(step.WeightPct) / 100
		if i == len(plan)-1 {
			amount = committed - allocated
		}
		allocated += amount
		milestones = append(milestones, Milestone{
			EngagementID: engagementID,
			Ordinal:      i,
			Label:        step.Label,
			WeightPct:    step.WeightPct,
			Amount:       amount,
			Status:       MilestonePending,
		})
	}
	return milestones
}

var (
	// ErrNotFound indicates no escrow exists for the engagement.
	ErrNotFound = errors.New("escrow not found")
	// ErrAlreadyExists indicates an escrow is already active or terminal.
	ErrAlreadyExists = errors.New("escrow already exists")
	// ErrStateConflict indicates an operation against the wrong escrow status.
	ErrStateConflict = errors.New("escrow state conflict")
	// ErrOutOfSequenceRelease indicates a milestone release attempted before
	// all lower-ordinal milestones completed.
	ErrOutOfSequenceRelease = errors.New("milestone released out of sequence")
	// ErrReleaseExceedsCommitted indicates a release larger than the held
	// remainder.
	ErrReleaseExceedsCommitted = errors.New("release exceeds committed amount")
	// ErrNotInitiator indicates the caller is not the engagement's designated
	// initiator.
	ErrNotInitiator = errors.New("caller is not the escrow initiator")
	// ErrMilestoneNotFound indicates the milestone id does not belong to the
	// engagement.
	ErrMilestoneNotFound = errors.New("milestone not found")
	// ErrInvalidAmount indicates a non-positive committed or release amount.
	ErrInvalidAmount = errors.New("amount must be positive")
)
