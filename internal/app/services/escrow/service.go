// Package escrow implements the milestone escrow engine. Credits move from
// the funding account into the escrow on funding and out to the beneficiary as
// ordered milestones complete.
package escrow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/threadline/platform/internal/app/domain/account"
	"github.com/threadline/platform/internal/app/domain/escrow"
	"github.com/threadline/platform/internal/app/metrics"
	"github.com/threadline/platform/internal/app/services/notify"
	"github.com/threadline/platform/internal/app/storage"
	"github.com/threadline/platform/pkg/logger"
)

// Ledger is the slice of the ledger service the escrow engine needs to move
// credits.
type Ledger interface {
	Debit(ctx context.Context, accountID string, amount int64, kind account.Kind, correlationID string, metadata map[string]string) (account.Account, account.Transaction, error)
	Credit(ctx context.Context, accountID string, amount int64, kind account.Kind, externalReference, correlationID string, metadata map[string]string) (account.Account, account.Transaction, error)
}

// Service coordinates escrow lifecycle and milestone releases.
type Service struct {
	escrows     storage.EscrowStore
	engagements storage.EngagementStore
	ledger      Ledger
	notifier    notify.Notifier
	plan        []escrow.PlanStep
	log         *logger.Logger
}

// Option configures the service.
type Option func(*Service)

// WithPlan overrides the default milestone plan.
func WithPlan(plan []escrow.PlanStep) Option {
	return func(s *Service) { s.plan = plan }
}

// New constructs the escrow engine.
func New(escrows storage.EscrowStore, engagements storage.EngagementStore, ledger Ledger, notifier notify.Notifier, log *logger.Logger, opts ...Option) *Service {
	if log == nil {
		log = logger.NewDefault("escrow")
	}
	if notifier == nil {
		notifier = notify.NewLogNotifier(log)
	}
	s := &Service{
		escrows:     escrows,
		engagements: engagements,
		ledger:      ledger,
		notifier:    notifier,
		plan:        escrow.DefaultPlan(),
		log:         log,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Create opens a pending escrow for an engagement. Only the engagement's
// client may initiate.
func (s *Service) Create(ctx context.Context, engagementID, initiatorID string, committed int64) (escrow.Escrow, error) {
	if committed <= 0 {
		return escrow.Escrow{}, escrow.ErrInvalidAmount
	}

	eng, err := s.engagements.GetEngagement(ctx, engagementID)
	if err != nil {
		return escrow.Escrow{}, err
	}
	if eng.ClientID != initiatorID {
		return escrow.Escrow{}, escrow.ErrNotInitiator
	}

	esc, err := s.escrows.CreateEscrow(ctx, escrow.Escrow{
		EngagementID: engagementID,
		InitiatorID:  initiatorID,
		Committed:    committed,
		Status:       escrow.StatusPending,
	})
	if err != nil {
		return escrow.Escrow{}, err
	}

	s.log.WithField("engagement_id", engagementID).
		WithField("committed", committed).
		Info("escrow created")
	return esc, nil
}

// Fund debits the committed amount from the funding account and moves the
// escrow from pending to funded, materialising the milestone plan. The debit
// is compensated with a refund if the escrow turns out not to be fundable.
func (s *Service) Fund(ctx context.Context, engagementID, initiatorID, fundingAccountID string) (escrow.Escrow, []escrow.Milestone, error) {
	current, err := s.escrows.GetEscrow(ctx, engagementID)
	if err != nil {
		return escrow.Escrow{}, nil, err
	}
	if current.InitiatorID != initiatorID {
		return escrow.Escrow{}, nil, escrow.ErrNotInitiator
	}
	if current.Status != escrow.StatusPending {
		return escrow.Escrow{}, nil, escrow.ErrStateConflict
	}

	meta := map[string]string{"purpose": "escrow-fund", "engagement_id": engagementID}
	if _, _, err := s.ledger.Debit(ctx, fundingAccountID, current.Committed, account.KindUsage, engagementID, meta); err != nil {
		return escrow.Escrow{}, nil, err
	}

	esc, milestones, err := s.escrows.MutateEscrow(ctx, engagementID, func(esc escrow.Escrow, existing []escrow.Milestone) (escrow.Escrow, []escrow.Milestone, error) {
		if esc.Status != escrow.StatusPending {
			return escrow.Escrow{}, nil, escrow.ErrStateConflict
		}
		esc.Status = escrow.StatusFunded
		return esc, escrow.BuildMilestones(engagementID, esc.Committed, s.plan), nil
	})
	if err != nil {
		// The debit must not outlive a failed funding attempt, whatever the
		// failure: the escrow is still pending, so a retry would debit again.
		if _, _, refundErr := s.ledger.Credit(ctx, fundingAccountID, current.Committed, account.KindRefund, "", engagementID, meta); refundErr != nil {
			s.log.WithError(refundErr).WithField("engagement_id", engagementID).Error("compensating refund failed")
		}
		return escrow.Escrow{}, nil, err
	}

	metrics.RecordEscrowEvent("funded")
	s.log.WithField("engagement_id", engagementID).
		WithField("committed", esc.Committed).
		WithField("milestones", len(milestones)).
		Info("escrow funded")
	s.notify(ctx, fundingAccountID, notify.EventEscrowFunded, engagementID, esc.Committed)
	return esc, milestones, nil
}

// errMilestoneReplay aborts the mutation when the target milestone already
// completed; the caller re-issues the payout instead.
var errMilestoneReplay = errors.New("milestone already released")

// ReleaseMilestone completes one milestone and pays its amount to the
// beneficiary account. Milestones must complete in strict ordinal order; the
// escrow transitions to completed when the last one releases. Releasing an
// already-completed milestone re-issues its payout and returns the recorded
// outcome, so a release interrupted between the escrow write and the credit
// is recovered by calling again; the payout reference keeps the credit from
// settling twice.
func (s *Service) ReleaseMilestone(ctx context.Context, engagementID, milestoneID, beneficiaryAccountID string) (escrow.Escrow, escrow.Milestone, error) {
	var released escrow.Milestone

	esc, _, err := s.escrows.MutateEscrow(ctx, engagementID, func(esc escrow.Escrow, milestones []escrow.Milestone) (escrow.Escrow, []escrow.Milestone, error) {
		idx := -1
		for i, m := range milestones {
			if m.ID == milestoneID {
				idx = i
				break
			}
		}
		if idx < 0 {
			return escrow.Escrow{}, nil, escrow.ErrMilestoneNotFound
		}
		if milestones[idx].Status == escrow.MilestoneCompleted {
			released = milestones[idx]
			return escrow.Escrow{}, nil, errMilestoneReplay
		}
		if esc.Status != escrow.StatusFunded {
			return escrow.Escrow{}, nil, escrow.ErrStateConflict
		}
		for _, m := range milestones {
			if m.Ordinal < milestones[idx].Ordinal && m.Status != escrow.MilestoneCompleted {
				return escrow.Escrow{}, nil, escrow.ErrOutOfSequenceRelease
			}
		}
		if esc.Released+milestones[idx].Amount > esc.Committed {
			return escrow.Escrow{}, nil, escrow.ErrReleaseExceedsCommitted
		}

		milestones[idx].Status = escrow.MilestoneCompleted
		milestones[idx].CompletedAt = time.Now().UTC()
		esc.Released += milestones[idx].Amount

		allDone := true
		for _, m := range milestones {
			if m.Status != escrow.MilestoneCompleted {
				allDone = false
				break
			}
		}
		if allDone {
			esc.Status = escrow.StatusCompleted
		}

		released = milestones[idx]
		return esc, milestones, nil
	})
	if errors.Is(err, errMilestoneReplay) {
		esc, err = s.escrows.GetEscrow(ctx, engagementID)
		if err != nil {
			return escrow.Escrow{}, escrow.Milestone{}, err
		}
		if err := s.payoutMilestone(ctx, engagementID, released, beneficiaryAccountID); err != nil {
			return escrow.Escrow{}, escrow.Milestone{}, err
		}
		s.log.WithField("engagement_id", engagementID).
			WithField("milestone", released.Label).
			Info("milestone release replayed")
		return esc, released, nil
	}
	if err != nil {
		return escrow.Escrow{}, escrow.Milestone{}, err
	}

	if err := s.payoutMilestone(ctx, engagementID, released, beneficiaryAccountID); err != nil {
		return escrow.Escrow{}, escrow.Milestone{}, err
	}

	metrics.RecordEscrowEvent("milestone_released")
	s.log.WithField("engagement_id", engagementID).
		WithField("milestone", released.Label).
		WithField("amount", released.Amount).
		Info("milestone released")
	s.notify(ctx, beneficiaryAccountID, notify.EventMilestoneReleased, engagementID, released.Amount)

	if esc.Status == escrow.StatusCompleted {
		metrics.RecordEscrowEvent("completed")
		s.notify(ctx, beneficiaryAccountID, notify.EventEscrowCompleted, engagementID, esc.Released)
	}
	return esc, released, nil
}

// payoutMilestone credits a completed milestone's amount to the beneficiary.
// The reference makes repeated payouts of the same milestone settle at most
// once.
func (s *Service) payoutMilestone(ctx context.Context, engagementID string, m escrow.Milestone, beneficiaryAccountID string) error {
	payoutRef := fmt.Sprintf("escrow:%s:%s", engagementID, m.ID)
	meta := map[string]string{"purpose": "milestone-release", "engagement_id": engagementID, "milestone": m.Label}
	if _, _, err := s.ledger.Credit(ctx, beneficiaryAccountID, m.Amount, account.KindPurchase, payoutRef, engagementID, meta); err != nil {
		s.log.WithError(err).
			WithField("engagement_id", engagementID).
			WithField("milestone_id", m.ID).
			Error("milestone payout failed")
		return err
	}
	return nil
}

// ReleaseAmount pays out an arbitrary partial amount outside the milestone
// plan, for negotiated early releases. The escrow completes when the full
// committed amount has been released. A payout failure reverts the release so
// a retry re-runs it from scratch; the watermark reference keeps a credit
// that landed but reported failure from settling twice.
func (s *Service) ReleaseAmount(ctx context.Context, engagementID string, amount int64, beneficiaryAccountID string) (escrow.Escrow, error) {
	if amount <= 0 {
		return escrow.Escrow{}, escrow.ErrInvalidAmount
	}

	esc, _, err := s.escrows.MutateEscrow(ctx, engagementID, func(esc escrow.Escrow, milestones []escrow.Milestone) (escrow.Escrow, []escrow.Milestone, error) {
		if esc.Status != escrow.StatusFunded {
			return escrow.Escrow{}, nil, escrow.ErrStateConflict
		}
		if esc.Released+amount > esc.Committed {
			return escrow.Escrow{}, nil, escrow.ErrReleaseExceedsCommitted
		}
		esc.Released += amount
		if esc.Released == esc.Committed {
			esc.Status = escrow.StatusCompleted
		}
		return esc, milestones, nil
	})
	if err != nil {
		return escrow.Escrow{}, err
	}

	payoutRef := fmt.Sprintf("escrow:%s:amount:%d", engagementID, esc.Released)
	meta := map[string]string{"purpose": "escrow-release", "engagement_id": engagementID}
	if _, _, err := s.ledger.Credit(ctx, beneficiaryAccountID, amount, account.KindPurchase, payoutRef, engagementID, meta); err != nil {
		s.log.WithError(err).WithField("engagement_id", engagementID).Error("escrow payout failed")
		if _, _, revertErr := s.escrows.MutateEscrow(ctx, engagementID, func(cur escrow.Escrow, milestones []escrow.Milestone) (escrow.Escrow, []escrow.Milestone, error) {
			cur.Released -= amount
			if cur.Status == escrow.StatusCompleted {
				cur.Status = escrow.StatusFunded
			}
			return cur, milestones, nil
		}); revertErr != nil {
			s.log.WithError(revertErr).WithField("engagement_id", engagementID).Error("release revert failed")
		}
		return escrow.Escrow{}, err
	}

	metrics.RecordEscrowEvent("amount_released")
	s.log.WithField("engagement_id", engagementID).
		WithField("amount", amount).
		WithField("remaining", esc.Remaining()).
		Info("escrow amount released")
	return esc, nil
}

// Dispute freezes a funded escrow. Releases are rejected until the dispute is
// resolved out of band.
func (s *Service) Dispute(ctx context.Context, engagementID, initiatorID string) (escrow.Escrow, error) {
	esc, _, err := s.escrows.MutateEscrow(ctx, engagementID, func(esc escrow.Escrow, milestones []escrow.Milestone) (escrow.Escrow, []escrow.Milestone, error) {
		if esc.InitiatorID != initiatorID {
			return escrow.Escrow{}, nil, escrow.ErrNotInitiator
		}
		if esc.Status != escrow.StatusFunded {
			return escrow.Escrow{}, nil, escrow.ErrStateConflict
		}
		esc.Status = escrow.StatusDisputed
		return esc, milestones, nil
	})
	if err != nil {
		return escrow.Escrow{}, err
	}

	metrics.RecordEscrowEvent("disputed")
	s.log.WithField("engagement_id", engagementID).Warn("escrow disputed")
	return esc, nil
}

// Get returns the escrow for an engagement.
func (s *Service) Get(ctx context.Context, engagementID string) (escrow.Escrow, error) {
	return s.escrows.GetEscrow(ctx, engagementID)
}

// Milestones returns the milestone plan in ordinal order.
func (s *Service) Milestones(ctx context.Context, engagementID string) ([]escrow.Milestone, error) {
	return s.escrows.ListMilestones(ctx, engagementID)
}

func (s *Service) notify(ctx context.Context, accountID, event, engagementID string, amount int64) {
	payload := map[string]string{
		"engagement_id": engagementID,
		"amount":        fmt.Sprintf("%d", amount),
	}
	if err := s.notifier.Notify(ctx, accountID, event, payload); err != nil {
		s.log.WithError(err).WithField("event", event).Warn("escrow notification failed")
	}
}
