// Package storage declares the persistence contracts the services depend on.
// Implementations must provide atomic multi-row units of work and exclusive
// row locking for the closure-based mutation methods.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/threadline/platform/internal/app/domain/account"
	"github.com/threadline/platform/internal/app/domain/engagement"
	"github.com/threadline/platform/internal/app/domain/escrow"
	"github.com/threadline/platform/internal/app/domain/payment"
)

// ErrBusy indicates lock acquisition timed out. Retryable; no mutation
// occurred.
var ErrBusy = errors.New("storage busy")

// EntryFunc inspects an exclusively locked account and returns the transaction
// to append. Returning an error aborts the unit of work with no mutation.
// BalanceBefore/BalanceAfter and timestamps are filled in by the store.
type EntryFunc func(acct account.Account) (account.Transaction, error)

// LedgerStore persists accounts and their transaction chains.
type LedgerStore interface {
	CreateAccount(ctx context.Context, acct account.Account) (account.Account, error)
	GetAccount(ctx context.Context, id string) (account.Account, error)
	ListAccounts(ctx context.Context) ([]account.Account, error)

	// ApplyEntry locks the account row exclusively, invokes fn with the
	// current row, and persists the returned transaction together with the
	// updated balance in the same unit of work. A transaction whose external
	// reference already exists aborts with account.ErrDuplicateReference.
	ApplyEntry(ctx context.Context, accountID string, fn EntryFunc) (account.Account, account.Transaction, error)

	GetTransactionByReference(ctx context.Context, reference string) (account.Transaction, error)
	ListTransactions(ctx context.Context, accountID string) ([]account.Transaction, error)
}

// EscrowFunc inspects an exclusively locked escrow and its milestones and
// returns the state to persist. Milestones returned that do not yet exist are
// inserted; existing ones are updated in place.
type EscrowFunc func(esc escrow.Escrow, milestones []escrow.Milestone) (escrow.Escrow, []escrow.Milestone, error)

// EscrowStore persists escrows and milestone plans.
type EscrowStore interface {
	CreateEscrow(ctx context.Context, esc escrow.Escrow) (escrow.Escrow, error)
	GetEscrow(ctx context.Context, engagementID string) (escrow.Escrow, error)
	ListMilestones(ctx context.Context, engagementID string) ([]escrow.Milestone, error)

	// MutateEscrow locks the escrow row and its milestones for the duration
	// of fn and persists the returned state atomically.
	MutateEscrow(ctx context.Context, engagementID string, fn EscrowFunc) (escrow.Escrow, []escrow.Milestone, error)
}

// EngagementStore persists engagements and implements the compare-and-set
// primitives the workflow gate is built on.
type EngagementStore interface {
	CreateEngagement(ctx context.Context, eng engagement.Engagement) (engagement.Engagement, error)
	GetEngagement(ctx context.Context, id string) (engagement.Engagement, error)
	ListEngagements(ctx context.Context) ([]engagement.Engagement, error)

	// CASPhase moves the engagement from one phase to another only if the
	// stored phase still matches from; otherwise engagement.ErrBusy.
	CASPhase(ctx context.Context, id string, from, to engagement.Phase) (engagement.Engagement, error)

	// TryBeginAction claims the in-progress marker if it is clear or stale
	// (older than ttl). Returns the stored engagement either way and whether
	// the claim succeeded.
	TryBeginAction(ctx context.Context, id, action string, startedAt time.Time, ttl time.Duration) (engagement.Engagement, bool, error)

	// FinishAction clears the marker in one write; when ok it also stamps the
	// last completed action and caches its result.
	FinishAction(ctx context.Context, id, action, result string, completedAt time.Time, ok bool) (engagement.Engagement, error)
}

// PaymentStore persists purchase intents for the reconciliation sweep.
type PaymentStore interface {
	CreateIntent(ctx context.Context, intent payment.Intent) (payment.Intent, error)
	GetIntent(ctx context.Context, reference string) (payment.Intent, error)
	UpdateIntentStatus(ctx context.Context, reference string, status payment.IntentStatus) (payment.Intent, error)
	ListPendingIntents(ctx context.Context, olderThan time.Time) ([]payment.Intent, error)
}
