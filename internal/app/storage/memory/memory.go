// Package memory is an in-memory implementation of the storage interfaces. It
// is safe for concurrent use and is primarily intended for tests and local
// development. A single mutex serialises every unit of work, which trivially
// satisfies the locking contract of the closure-based mutation methods.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/threadline/platform/internal/app/domain/account"
	"github.com/threadline/platform/internal/app/domain/engagement"
	"github.com/threadline/platform/internal/app/domain/escrow"
	"github.com/threadline/platform/internal/app/domain/payment"
	"github.com/threadline/platform/internal/app/storage"
)

// Store is the in-memory backing store.
type Store struct {
	mu                sync.Mutex
	accounts          map[string]account.Account
	transactions      map[string][]account.Transaction
	transactionsByRef map[string]account.Transaction
	escrows           map[string]escrow.Escrow
	milestones        map[string][]escrow.Milestone
	engagements       map[string]engagement.Engagement
	intents           map[string]payment.Intent
}

var _ storage.LedgerStore = (*Store)(nil)
var _ storage.EscrowStore = (*Store)(nil)
var _ storage.EngagementStore = (*Store)(nil)
var _ storage.PaymentStore = (*Store)(nil)

// New creates an empty store.
func New() *Store {
	return &Store{
		accounts:          make(map[string]account.Account),
		transactions:      make(map[string][]account.Transaction),
		transactionsByRef: make(map[string]account.Transaction),
		escrows:           make(map[string]escrow.Escrow),
		milestones:        make(map[string][]escrow.Milestone),
		engagements:       make(map[string]engagement.Engagement),
		intents:           make(map[string]payment.Intent),
	}
}

// LedgerStore implementation ---------------------------------------------------

func (s *Store) CreateAccount(_ context.Context, acct account.Account) (account.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if acct.ID == "" {
		acct.ID = uuid.NewString()
	} else if _, exists := s.accounts[acct.ID]; exists {
		return account.Account{}, fmt.Errorf("account %s already exists", acct.ID)
	}

	now := time.Now().UTC()
	acct.CreatedAt = now
	acct.UpdatedAt = now
	acct.Metadata = cloneMap(acct.Metadata)

	s.accounts[acct.ID] = acct
	return cloneAccount(acct), nil
}

func (s *Store) GetAccount(_ context.Context, id string) (account.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	acct, ok := s.accounts[id]
	if !ok {
		return account.Account{}, account.ErrNotFound
	}
	return cloneAccount(acct), nil
}

func (s *Store) ListAccounts(_ context.Context) ([]account.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	result := make([]account.Account, 0, len(s.accounts))
	for _, acct := range s.accounts {
		result = append(result, cloneAccount(acct))
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.Before(result[j].CreatedAt) })
	return result, nil
}

func (s *Store) ApplyEntry(_ context.Context, accountID string, fn storage.EntryFunc) (account.Account, account.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	acct, ok := s.accounts[accountID]
	if !ok {
		return account.Account{}, account.Transaction{}, account.ErrNotFound
	}

	txn, err := fn(cloneAccount(acct))
	if err != nil {
		return account.Account{}, account.Transaction{}, err
	}

	if txn.ExternalReference != "" {
		if _, exists := s.transactionsByRef[txn.ExternalReference]; exists {
			return account.Account{}, account.Transaction{}, account.ErrDuplicateReference
		}
	}

	now := time.Now().UTC()
	if txn.ID == "" {
		txn.ID = uuid.NewString()
	}
	txn.AccountID = accountID
	txn.BalanceBefore = acct.Balance
	txn.BalanceAfter = acct.Balance + txn.Amount
	txn.CreatedAt = now
	txn.Metadata = cloneMap(txn.Metadata)

	acct.Balance = txn.BalanceAfter
	acct.UpdatedAt = now

	s.accounts[accountID] = acct
	s.transactions[accountID] = append(s.transactions[accountID], txn)
	if txn.ExternalReference != "" {
		s.transactionsByRef[txn.ExternalReference] = txn
	}
	return cloneAccount(acct), cloneTransaction(txn), nil
}

func (s *Store) GetTransactionByReference(_ context.Context, reference string) (account.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	txn, ok := s.transactionsByRef[reference]
	if !ok {
		return account.Transaction{}, account.ErrTransactionNotFound
	}
	return cloneTransaction(txn), nil
}

func (s *Store) ListTransactions(_ context.Context, accountID string) ([]account.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	txns := s.transactions[accountID]
	result := make([]account.Transaction, 0, len(txns))
	for _, txn := range txns {
		result = append(result, cloneTransaction(txn))
	}
	return result, nil
}

// EscrowStore implementation ---------------------------------------------------

func (s *Store) CreateEscrow(_ context.Context, esc escrow.Escrow) (escrow.Escrow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.escrows[esc.EngagementID]; exists {
		return escrow.Escrow{}, escrow.ErrAlreadyExists
	}

	now := time.Now().UTC()
	esc.CreatedAt = now
	esc.UpdatedAt = now
	s.escrows[esc.EngagementID] = esc
	return esc, nil
}

func (s *Store) GetEscrow(_ context.Context, engagementID string) (escrow.Escrow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	esc, ok := s.escrows[engagementID]
	if !ok {
		return escrow.Escrow{}, escrow.ErrNotFound
	}
	return esc, nil
}

func (s *Store) ListMilestones(_ context.Context, engagementID string) ([]escrow.Milestone, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return cloneMilestones(s.milestones[engagementID]), nil
}

func (s *Store) MutateEscrow(_ context.Context, engagementID string, fn storage.EscrowFunc) (escrow.Escrow, []escrow.Milestone, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	esc, ok := s.escrows[engagementID]
	if !ok {
		return escrow.Escrow{}, nil, escrow.ErrNotFound
	}

	updated, milestones, err := fn(esc, cloneMilestones(s.milestones[engagementID]))
	if err != nil {
		return escrow.Escrow{}, nil, err
	}

	for i := range milestones {
		if milestones[i].ID == "" {
			milestones[i].ID = uuid.NewString()
		}
	}
	sort.Slice(milestones, func(i, j int) bool { return milestones[i].Ordinal < milestones[j].Ordinal })

	updated.UpdatedAt = time.Now().UTC()
	s.escrows[engagementID] = updated
	s.milestones[engagementID] = cloneMilestones(milestones)
	return updated, milestones, nil
}

// EngagementStore implementation -----------------------------------------------

func (s *Store) CreateEngagement(_ context.Context, eng engagement.Engagement) (engagement.Engagement, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if eng.ID == "" {
		eng.ID = uuid.NewString()
	} else if _, exists := s.engagements[eng.ID]; exists {
		return engagement.Engagement{}, fmt.Errorf("engagement %s already exists", eng.ID)
	}
	if eng.Phase == "" {
		eng.Phase = engagement.PhaseWelcome
	}

	now := time.Now().UTC()
	eng.CreatedAt = now
	eng.UpdatedAt = now
	eng.Metadata = cloneMap(eng.Metadata)

	s.engagements[eng.ID] = eng
	return cloneEngagement(eng), nil
}

func (s *Store) GetEngagement(_ context.Context, id string) (engagement.Engagement, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	eng, ok := s.engagements[id]
	if !ok {
		return engagement.Engagement{}, engagement.ErrNotFound
	}
	return cloneEngagement(eng), nil
}

func (s *Store) ListEngagements(_ context.Context) ([]engagement.Engagement, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	result := make([]engagement.Engagement, 0, len(s.engagements))
	for _, eng := range s.engagements {
		result = append(result, cloneEngagement(eng))
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.Before(result[j].CreatedAt) })
	return result, nil
}

func (s *Store) CASPhase(_ context.Context, id string, from, to engagement.Phase) (engagement.Engagement, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	eng, ok := s.engagements[id]
	if !ok {
		return engagement.Engagement{}, engagement.ErrNotFound
	}
	if eng.Phase != from {
		return engagement.Engagement{}, engagement.ErrBusy
	}

	eng.Phase = to
	eng.UpdatedAt = time.Now().UTC()
	s.engagements[id] = eng
	return cloneEngagement(eng), nil
}

func (s *Store) TryBeginAction(_ context.Context, id, action string, startedAt time.Time, ttl time.Duration) (engagement.Engagement, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	eng, ok := s.engagements[id]
	if !ok {
		return engagement.Engagement{}, false, engagement.ErrNotFound
	}

	stale := ttl > 0 && !eng.ActionStartedAt.IsZero() && startedAt.Sub(eng.ActionStartedAt) > ttl
	if eng.ActionInFlight != "" && !stale {
		return cloneEngagement(eng), false, nil
	}

	eng.ActionInFlight = action
	eng.ActionStartedAt = startedAt.UTC()
	eng.UpdatedAt = time.Now().UTC()
	s.engagements[id] = eng
	return cloneEngagement(eng), true, nil
}

func (s *Store) FinishAction(_ context.Context, id, action, result string, completedAt time.Time, ok bool) (engagement.Engagement, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	eng, found := s.engagements[id]
	if !found {
		return engagement.Engagement{}, engagement.ErrNotFound
	}

	// Only the marker's current action may clear it; a finisher whose stale
	// marker was taken over leaves the new holder's claim intact.
	if eng.ActionInFlight == action {
		eng.ActionInFlight = ""
		eng.ActionStartedAt = time.Time{}
		if ok {
			eng.LastAction = action
			eng.LastResult = result
			eng.LastCompletedAt = completedAt.UTC()
		}
		eng.UpdatedAt = time.Now().UTC()
		s.engagements[id] = eng
	}
	return cloneEngagement(eng), nil
}

// PaymentStore implementation --------------------------------------------------

func (s *Store) CreateIntent(_ context.Context, intent payment.Intent) (payment.Intent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if intent.Reference == "" {
		return payment.Intent{}, fmt.Errorf("intent reference required")
	}
	if _, exists := s.intents[intent.Reference]; exists {
		return payment.Intent{}, fmt.Errorf("intent %s already exists", intent.Reference)
	}
	if intent.Status == "" {
		intent.Status = payment.IntentPending
	}

	now := time.Now().UTC()
	intent.CreatedAt = now
	intent.UpdatedAt = now
	intent.Metadata = cloneMap(intent.Metadata)

	s.intents[intent.Reference] = intent
	return intent, nil
}

func (s *Store) GetIntent(_ context.Context, reference string) (payment.Intent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	intent, ok := s.intents[reference]
	if !ok {
		return payment.Intent{}, payment.ErrIntentNotFound
	}
	return intent, nil
}

func (s *Store) UpdateIntentStatus(_ context.Context, reference string, status payment.IntentStatus) (payment.Intent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	intent, ok := s.intents[reference]
	if !ok {
		return payment.Intent{}, payment.ErrIntentNotFound
	}
	intent.Status = status
	intent.UpdatedAt = time.Now().UTC()
	s.intents[reference] = intent
	return intent, nil
}

func (s *Store) ListPendingIntents(_ context.Context, olderThan time.Time) ([]payment.Intent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var result []payment.Intent
	for _, intent := range s.intents {
		if intent.Status == payment.IntentPending && intent.CreatedAt.Before(olderThan) {
			result = append(result, intent)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.Before(result[j].CreatedAt) })
	return result, nil
}

// helpers ----------------------------------------------------------------------

func cloneMap(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func cloneAccount(acct account.Account) account.Account {
	acct.Metadata = cloneMap(acct.Metadata)
	return acct
}

func cloneTransaction(txn account.Transaction) account.Transaction {
	txn.Metadata = cloneMap(txn.Metadata)
	return txn
}

func cloneEngagement(eng engagement.Engagement) engagement.Engagement {
	eng.Metadata = cloneMap(eng.Metadata)
	return eng
}

func cloneMilestones(milestones []escrow.Milestone) []escrow.Milestone {
	return append([]escrow.Milestone(nil), milestones...)
}
