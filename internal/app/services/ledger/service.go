// Package ledger applies signed balance deltas to accounts, one immutable
// transaction per logical event. All mutations run through the store's
// ApplyEntry so the balance write and the transaction row share one unit of
// work under an exclusive account lock.
package ledger

import (
	"context"
	"errors"
	"strconv"
	"strings"

	"github.com/threadline/platform/internal/app/domain/account"
	"github.com/threadline/platform/internal/app/metrics"
	"github.com/threadline/platform/internal/app/services/notify"
	"github.com/threadline/platform/internal/app/storage"
	"github.com/threadline/platform/pkg/logger"
)

// Service is the transactional ledger.
type Service struct {
	store        storage.LedgerStore
	notifier     notify.Notifier
	lowThreshold int64
	log          *logger.Logger
}

// Option configures the service.
type Option func(*Service)

// WithLowBalanceThreshold sets the balance at or below which a debit emits a
// low-balance notification.
func WithLowBalanceThreshold(threshold int64) Option {
	return func(s *Service) { s.lowThreshold = threshold }
}

// New constructs a ledger service.
func New(store storage.LedgerStore, notifier notify.Notifier, log *logger.Logger, opts ...Option) *Service {
	if log == nil {
		log = logger.NewDefault("ledger")
	}
	if notifier == nil {
		notifier = notify.NewLogNotifier(log)
	}
	s := &Service{
		store:        store,
		notifier:     notifier,
		lowThreshold: 5,
		log:          log,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CreateAccount registers a new zero-balance account.
func (s *Service) CreateAccount(ctx context.Context, owner string, metadata map[string]string) (account.Account, error) {
	owner = strings.TrimSpace(owner)
	if owner == "" {
		return account.Account{}, errors.New("owner is required")
	}
	acct, err := s.store.CreateAccount(ctx, account.Account{Owner: owner, Metadata: metadata})
	if err != nil {
		return account.Account{}, err
	}
	s.log.WithField("account_id", acct.ID).WithField("owner", owner).Info("account created")
	return acct, nil
}

// GetAccount returns the current account state.
func (s *Service) GetAccount(ctx context.Context, id string) (account.Account, error) {
	return s.store.GetAccount(ctx, id)
}

// ListAccounts returns all accounts.
func (s *Service) ListAccounts(ctx context.Context) ([]account.Account, error) {
	return s.store.ListAccounts(ctx)
}

// ListTransactions returns the transaction chain for an account.
func (s *Service) ListTransactions(ctx context.Context, accountID string) ([]account.Transaction, error) {
	return s.store.ListTransactions(ctx, accountID)
}

// TransactionByReference returns the transaction carrying the external
// reference, if any.
func (s *Service) TransactionByReference(ctx context.Context, reference string) (account.Transaction, error) {
	return s.store.GetTransactionByReference(ctx, reference)
}

// Debit charges amount credits from the account. Fails with
// account.ErrInsufficientBalance when the balance would go negative; in that
// case no state changes.
func (s *Service) Debit(ctx context.Context, accountID string, amount int64, kind account.Kind, correlationID string, metadata map[string]string) (account.Account, account.Transaction, error) {
	if amount <= 0 {
		return account.Account{}, account.Transaction{}, account.ErrInvalidAmount
	}
	if kind == "" {
		kind = account.KindUsage
	}

	acct, txn, err := s.store.ApplyEntry(ctx, accountID, func(current account.Account) (account.Transaction, error) {
		if current.Balance < amount {
			return account.Transaction{}, account.ErrInsufficientBalance
		}
		return account.Transaction{
			Kind:          kind,
			Amount:        -amount,
			CorrelationID: correlationID,
			Metadata:      metadata,
		}, nil
	})
	if err != nil {
		if errors.Is(err, account.ErrInsufficientBalance) {
			metrics.RecordLedgerRejection("insufficient_balance")
		}
		return account.Account{}, account.Transaction{}, err
	}

	metrics.RecordLedgerTransaction(string(kind))
	s.log.WithField("account_id", accountID).
		WithField("amount", amount).
		WithField("balance", acct.Balance).
		Info("debit applied")

	s.emitBalanceEvents(ctx, acct, txn)
	return acct, txn, nil
}

// Credit adds amount credits to the account. When externalReference is set and
// a transaction already carries it, the recorded outcome is returned without
// mutating the balance (idempotent replay).
func (s *Service) Credit(ctx context.Context, accountID string, amount int64, kind account.Kind, externalReference, correlationID string, metadata map[string]string) (account.Account, account.Transaction, error) {
	if amount <= 0 {
		return account.Account{}, account.Transaction{}, account.ErrInvalidAmount
	}
	if kind == "" {
		kind = account.KindPurchase
	}

	if externalReference != "" {
		if existing, err := s.store.GetTransactionByReference(ctx, externalReference); err == nil {
			return s.replay(ctx, existing)
		} else if !errors.Is(err, account.ErrTransactionNotFound) {
			return account.Account{}, account.Transaction{}, err
		}
	}

	acct, txn, err := s.store.ApplyEntry(ctx, accountID, func(account.Account) (account.Transaction, error) {
		return account.Transaction{
			Kind:              kind,
			Amount:            amount,
			ExternalReference: externalReference,
			CorrelationID:     correlationID,
			Metadata:          metadata,
		}, nil
	})
	if err != nil {
		// A concurrent replay may have inserted the reference between the
		// pre-check and the unit of work; the unique constraint closes that
		// race and we return the winner's outcome.
		if errors.Is(err, account.ErrDuplicateReference) && externalReference != "" {
			existing, lookupErr := s.store.GetTransactionByReference(ctx, externalReference)
			if lookupErr != nil {
				return account.Account{}, account.Transaction{}, lookupErr
			}
			return s.replay(ctx, existing)
		}
		return account.Account{}, account.Transaction{}, err
	}

	metrics.RecordLedgerTransaction(string(kind))
	s.log.WithField("account_id", accountID).
		WithField("amount", amount).
		WithField("balance", acct.Balance).
		WithField("reference", externalReference).
		Info("credit applied")
	return acct, txn, nil
}

// Refund credits back a previously charged amount. Always permitted.
func (s *Service) Refund(ctx context.Context, accountID string, amount int64, correlationID string, metadata map[string]string) (account.Account, account.Transaction, error) {
	return s.Credit(ctx, accountID, amount, account.KindRefund, "", correlationID, metadata)
}

// Bonus grants promotional credits. Always permitted.
func (s *Service) Bonus(ctx context.Context, accountID string, amount int64, correlationID string, metadata map[string]string) (account.Account, account.Transaction, error) {
	return s.Credit(ctx, accountID, amount, account.KindBonus, "", correlationID, metadata)
}

// replay returns the recorded outcome of an already-processed credit.
func (s *Service) replay(ctx context.Context, txn account.Transaction) (account.Account, account.Transaction, error) {
	acct, err := s.store.GetAccount(ctx, txn.AccountID)
	if err != nil {
		return account.Account{}, account.Transaction{}, err
	}
	metrics.RecordLedgerRejection("duplicate_reference")
	s.log.WithField("account_id", txn.AccountID).
		WithField("reference", txn.ExternalReference).
		Info("duplicate external event replayed")
	return acct, txn, nil
}

// emitBalanceEvents fires best-effort notifications after a debit. Runs
// outside the unit of work; failures never roll back the ledger.
func (s *Service) emitBalanceEvents(ctx context.Context, acct account.Account, txn account.Transaction) {
	var event string
	switch {
	case acct.Balance == 0:
		event = notify.EventBalanceExhausted
	case txn.BalanceBefore > s.lowThreshold && acct.Balance <= s.lowThreshold:
		event = notify.EventLowBalance
	default:
		return
	}

	payload := map[string]string{"balance": strconv.FormatInt(acct.Balance, 10)}
	if err := s.notifier.Notify(ctx, acct.ID, event, payload); err != nil {
		s.log.WithError(err).WithField("account_id", acct.ID).Warn("balance notification failed")
	}
}
