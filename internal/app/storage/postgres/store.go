// Package postgres implements the storage interfaces on PostgreSQL. Every
// closure-based mutation runs inside one transaction with the affected rows
// locked via SELECT ... FOR UPDATE, so concurrent mutations to the same
// entity serialise while unrelated entities proceed in parallel. Lock waits
// are bounded by lock_timeout and surface as storage.ErrBusy.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/threadline/platform/internal/app/domain/account"
	"github.com/threadline/platform/internal/app/domain/engagement"
	"github.com/threadline/platform/internal/app/domain/escrow"
	"github.com/threadline/platform/internal/app/domain/payment"
	"github.com/threadline/platform/internal/app/storage"
)

const (
	pqUniqueViolation  = "23505"
	pqLockNotAvailable = "55P03"
)

// Store implements the storage interfaces backed by PostgreSQL.
type Store struct {
	db *sqlx.DB
}

var _ storage.LedgerStore = (*Store)(nil)
var _ storage.EscrowStore = (*Store)(nil)
var _ storage.EngagementStore = (*Store)(nil)
var _ storage.PaymentStore = (*Store)(nil)

// New creates a Store using the provided database handle.
func New(db *sqlx.DB) *Store {
	return &Store{db: db}
}

func (s *Store) begin(ctx context.Context) (*sqlx.Tx, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, err
	}
	// Bounded lock wait: contended rows fail fast instead of queueing forever.
	if _, err := tx.ExecContext(ctx, `SET LOCAL lock_timeout = '5s'`); err != nil {
		_ = tx.Rollback()
		return nil, err
	}
	return tx, nil
}

func translateErr(err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch string(pqErr.Code) {
		case pqLockNotAvailable:
			return storage.ErrBusy
		case pqUniqueViolation:
			return account.ErrDuplicateReference
		}
	}
	return err
}

// --- LedgerStore ------------------------------------------------------------

func (s *Store) CreateAccount(ctx context.Context, acct account.Account) (account.Account, error) {
	if acct.ID == "" {
		acct.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	acct.CreatedAt = now
	acct.UpdatedAt = now

	metadataJSON, err := json.Marshal(acct.Metadata)
	if err != nil {
		return account.Account{}, err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO ledger_accounts (id, owner, balance, metadata, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, acct.ID, acct.Owner, acct.Balance, metadataJSON, acct.CreatedAt, acct.UpdatedAt)
	if err != nil {
		return account.Account{}, err
	}
	return acct, nil
}

func (s *Store) GetAccount(ctx context.Context, id string) (account.Account, error) {
	return scanAccount(s.db.QueryRowxContext(ctx, `
		SELECT id, owner, balance, metadata, created_at, updated_at
		FROM ledger_accounts
		WHERE id = $1
	`, id))
}

func (s *Store) ListAccounts(ctx context.Context) ([]account.Account, error) {
	rows, err := s.db.QueryxContext(ctx, `
		SELECT id, owner, balance, metadata, created_at, updated_at
		FROM ledger_accounts
		ORDER BY created_at
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []account.Account
	for rows.Next() {
		acct, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, acct)
	}
	return result, rows.Err()
}

func (s *Store) ApplyEntry(ctx context.Context, accountID string, fn storage.EntryFunc) (account.Account, account.Transaction, error) {
	tx, err := s.begin(ctx)
	if err != nil {
		return account.Account{}, account.Transaction{}, err
	}
	defer func() { _ = tx.Rollback() }()

	acct, err := scanAccount(tx.QueryRowxContext(ctx, `
		SELECT id, owner, balance, metadata, created_at, updated_at
		FROM ledger_accounts
		WHERE id = $1
		FOR UPDATE
	`, accountID))
	if err != nil {
		return account.Account{}, account.Transaction{}, translateErr(err)
	}

	txn, err := fn(acct)
	if err != nil {
		return account.Account{}, account.Transaction{}, err
	}

	now := time.Now().UTC()
	if txn.ID == "" {
		txn.ID = uuid.NewString()
	}
	txn.AccountID = accountID
	txn.BalanceBefore = acct.Balance
	txn.BalanceAfter = acct.Balance + txn.Amount
	txn.CreatedAt = now

	metadataJSON, err := json.Marshal(txn.Metadata)
	if err != nil {
		return account.Account{}, account.Transaction{}, err
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO ledger_transactions
			(id, account_id, kind, amount, balance_before, balance_after, external_reference, correlation_id, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, NULLIF($7, ''), $8, $9, $10)
	`, txn.ID, txn.AccountID, txn.Kind, txn.Amount, txn.BalanceBefore, txn.BalanceAfter,
		txn.ExternalReference, txn.CorrelationID, metadataJSON, txn.CreatedAt)
	if err != nil {
		return account.Account{}, account.Transaction{}, translateErr(err)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE ledger_accounts SET balance = $2, updated_at = $3 WHERE id = $1
	`, accountID, txn.BalanceAfter, now); err != nil {
		return account.Account{}, account.Transaction{}, translateErr(err)
	}

	if err := tx.Commit(); err != nil {
		return account.Account{}, account.Transaction{}, translateErr(err)
	}

	acct.Balance = txn.BalanceAfter
	acct.UpdatedAt = now
	return acct, txn, nil
}

func (s *Store) GetTransactionByReference(ctx context.Context, reference string) (account.Transaction, error) {
	txn, err := scanTransaction(s.db.QueryRowxContext(ctx, `
		SELECT id, account_id, kind, amount, balance_before, balance_after, external_reference, correlation_id, metadata, created_at
		FROM ledger_transactions
		WHERE external_reference = $1
	`, reference))
	if errors.Is(err, sql.ErrNoRows) {
		return account.Transaction{}, account.ErrTransactionNotFound
	}
	return txn, err
}

func (s *Store) ListTransactions(ctx context.Context, accountID string) ([]account.Transaction, error) {
	rows, err := s.db.QueryxContext(ctx, `
		SELECT id, account_id, kind, amount, balance_before, balance_after, external_reference, correlation_id, metadata, created_at
		FROM ledger_transactions
		WHERE account_id = $1
		ORDER BY created_at
	`, accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []account.Transaction
	for rows.Next() {
		txn, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, txn)
	}
	return result, rows.Err()
}

// --- EscrowStore ------------------------------------------------------------

func (s *Store) CreateEscrow(ctx context.Context, esc escrow.Escrow) (escrow.Escrow, error) {
	now := time.Now().UTC()
	esc.CreatedAt = now
	esc.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO escrows (engagement_id, initiator_id, committed, released, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, esc.EngagementID, esc.InitiatorID, esc.Committed, esc.Released, esc.Status, esc.CreatedAt, esc.UpdatedAt)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && string(pqErr.Code) == pqUniqueViolation {
			return escrow.Escrow{}, escrow.ErrAlreadyExists
		}
		return escrow.Escrow{}, err
	}
	return esc, nil
}

func (s *Store) GetEscrow(ctx context.Context, engagementID string) (escrow.Escrow, error) {
	var esc escrow.Escrow
	err := s.db.GetContext(ctx, &esc, `
		SELECT engagement_id, initiator_id, committed, released, status, created_at, updated_at
		FROM escrows
		WHERE engagement_id = $1
	`, engagementID)
	if errors.Is(err, sql.ErrNoRows) {
		return escrow.Escrow{}, escrow.ErrNotFound
	}
	return esc, err
}

func (s *Store) ListMilestones(ctx context.Context, engagementID string) ([]escrow.Milestone, error) {
	rows, err := s.db.QueryxContext(ctx, `
		SELECT id, engagement_id, ordinal, label, weight_pct, amount, status, completed_at
		FROM escrow_milestones
		WHERE engagement_id = $1
		ORDER BY ordinal
	`, engagementID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectMilestones(rows)
}

func (s *Store) MutateEscrow(ctx context.Context, engagementID string, fn storage.EscrowFunc) (escrow.Escrow, []escrow.Milestone, error) {
	tx, err := s.begin(ctx)
	if err != nil {
		return escrow.Escrow{}, nil, err
	}
	defer func() { _ = tx.Rollback() }()

	var esc escrow.Escrow
	err = tx.GetContext(ctx, &esc, `
		SELECT engagement_id, initiator_id, committed, released, status, created_at, updated_at
		FROM escrows
		WHERE engagement_id = $1
		FOR UPDATE
	`, engagementID)
	if errors.Is(err, sql.ErrNoRows) {
		return escrow.Escrow{}, nil, escrow.ErrNotFound
	}
	if err != nil {
		return escrow.Escrow{}, nil, translateErr(err)
	}

	rows, err := tx.QueryxContext(ctx, `
		SELECT id, engagement_id, ordinal, label, weight_pct, amount, status, completed_at
		FROM escrow_milestones
		WHERE engagement_id = $1
		ORDER BY ordinal
		FOR UPDATE
	`, engagementID)
	if err != nil {
		return escrow.Escrow{}, nil, translateErr(err)
	}
	milestones, err := collectMilestones(rows)
	if err != nil {
		return escrow.Escrow{}, nil, err
	}

	updated, outMilestones, err := fn(esc, milestones)
	if err != nil {
		return escrow.Escrow{}, nil, err
	}

	updated.UpdatedAt = time.Now().UTC()
	if _, err := tx.ExecContext(ctx, `
		UPDATE escrows SET committed = $2, released = $3, status = $4, updated_at = $5
		WHERE engagement_id = $1
	`, engagementID, updated.Committed, updated.Released, updated.Status, updated.UpdatedAt); err != nil {
		return escrow.Escrow{}, nil, translateErr(err)
	}

	for i := range outMilestones {
		if outMilestones[i].ID == "" {
			outMilestones[i].ID = uuid.NewString()
		}
		m := outMilestones[i]
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO escrow_milestones (id, engagement_id, ordinal, label, weight_pct, amount, status, completed_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			ON CONFLICT (id) DO UPDATE SET status = EXCLUDED.status, completed_at = EXCLUDED.completed_at
		`, m.ID, m.EngagementID, m.Ordinal, m.Label, m.WeightPct, m.Amount, m.Status, toNullTime(m.CompletedAt)); err != nil {
			return escrow.Escrow{}, nil, translateErr(err)
		}
	}

	if err := tx.Commit(); err != nil {
		return escrow.Escrow{}, nil, translateErr(err)
	}
	return updated, outMilestones, nil
}

// --- EngagementStore --------------------------------------------------------

func (s *Store) CreateEngagement(ctx context.Context, eng engagement.Engagement) (engagement.Engagement, error) {
	if eng.ID == "" {
		eng.ID = uuid.NewString()
	}
	if eng.Phase == "" {
		eng.Phase = engagement.PhaseWelcome
	}
	now := time.Now().UTC()
	eng.CreatedAt = now
	eng.UpdatedAt = now

	metadataJSON, err := json.Marshal(eng.Metadata)
	if err != nil {
		return engagement.Engagement{}, err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO engagements
			(id, client_id, fabricator_id, phase, action_in_flight, action_started_at, last_action, last_result, last_completed_at, metadata, created_at, updated_at)
		VALUES ($1, $2, $3, $4, '', NULL, '', '', NULL, $5, $6, $7)
	`, eng.ID, eng.ClientID, eng.FabricatorID, eng.Phase, metadataJSON, eng.CreatedAt, eng.UpdatedAt)
	if err != nil {
		return engagement.Engagement{}, err
	}
	return eng, nil
}

func (s *Store) GetEngagement(ctx context.Context, id string) (engagement.Engagement, error) {
	eng, err := scanEngagement(s.db.QueryRowxContext(ctx, `
		SELECT id, client_id, fabricator_id, phase, action_in_flight, action_started_at, last_action, last_result, last_completed_at, metadata, created_at, updated_at
		FROM engagements
		WHERE id = $1
	`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return engagement.Engagement{}, engagement.ErrNotFound
	}
	return eng, err
}

func (s *Store) ListEngagements(ctx context.Context) ([]engagement.Engagement, error) {
	rows, err := s.db.QueryxContext(ctx, `
		SELECT id, client_id, fabricator_id, phase, action_in_flight, action_started_at, last_action, last_result, last_completed_at, metadata, created_at, updated_at
		FROM engagements
		ORDER BY created_at
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []engagement.Engagement
	for rows.Next() {
		eng, err := scanEngagement(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, eng)
	}
	return result, rows.Err()
}

func (s *Store) CASPhase(ctx context.Context, id string, from, to engagement.Phase) (engagement.Engagement, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE engagements SET phase = $3, updated_at = $4
		WHERE id = $1 AND phase = $2
	`, id, from, to, time.Now().UTC())
	if err != nil {
		return engagement.Engagement{}, translateErr(err)
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		if _, err := s.GetEngagement(ctx, id); err != nil {
			return engagement.Engagement{}, err
		}
		return engagement.Engagement{}, engagement.ErrBusy
	}
	return s.GetEngagement(ctx, id)
}

func (s *Store) TryBeginAction(ctx context.Context, id, action string, startedAt time.Time, ttl time.Duration) (engagement.Engagement, bool, error) {
	cutoff := time.Unix(0, 0)
	if ttl > 0 {
		cutoff = startedAt.Add(-ttl)
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE engagements SET action_in_flight = $2, action_started_at = $3, updated_at = $3
		WHERE id = $1 AND (action_in_flight = '' OR action_started_at < $4)
	`, id, action, startedAt.UTC(), cutoff.UTC())
	if err != nil {
		return engagement.Engagement{}, false, translateErr(err)
	}

	began := false
	if rows, _ := res.RowsAffected(); rows > 0 {
		began = true
	}
	eng, err := s.GetEngagement(ctx, id)
	if err != nil {
		return engagement.Engagement{}, false, err
	}
	return eng, began, nil
}

func (s *Store) FinishAction(ctx context.Context, id, action, result string, completedAt time.Time, ok bool) (engagement.Engagement, error) {
	// The marker is cleared only while it still carries this action; a
	// finisher whose stale marker was taken over must not clear the new
	// holder's claim.
	var err error
	if ok {
		_, err = s.db.ExecContext(ctx, `
			UPDATE engagements
			SET action_in_flight = '', action_started_at = NULL,
				last_action = $2, last_result = $3, last_completed_at = $4, updated_at = $4
			WHERE id = $1 AND action_in_flight = $2
		`, id, action, result, completedAt.UTC())
	} else {
		_, err = s.db.ExecContext(ctx, `
			UPDATE engagements
			SET action_in_flight = '', action_started_at = NULL, updated_at = $2
			WHERE id = $1 AND action_in_flight = $3
		`, id, completedAt.UTC(), action)
	}
	if err != nil {
		return engagement.Engagement{}, translateErr(err)
	}
	return s.GetEngagement(ctx, id)
}

// --- PaymentStore -----------------------------------------------------------

func (s *Store) CreateIntent(ctx context.Context, intent payment.Intent) (payment.Intent, error) {
	if intent.Status == "" {
		intent.Status = payment.IntentPending
	}
	now := time.Now().UTC()
	intent.CreatedAt = now
	intent.UpdatedAt = now

	metadataJSON, err := json.Marshal(intent.Metadata)
	if err != nil {
		return payment.Intent{}, err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO payment_intents (reference, account_id, amount, status, metadata, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, intent.Reference, intent.AccountID, intent.Amount, intent.Status, metadataJSON, intent.CreatedAt, intent.UpdatedAt)
	if err != nil {
		return payment.Intent{}, err
	}
	return intent, nil
}

func (s *Store) GetIntent(ctx context.Context, reference string) (payment.Intent, error) {
	intent, err := scanIntent(s.db.QueryRowxContext(ctx, `
		SELECT reference, account_id, amount, status, metadata, created_at, updated_at
		FROM payment_intents
		WHERE reference = $1
	`, reference))
	if errors.Is(err, sql.ErrNoRows) {
		return payment.Intent{}, payment.ErrIntentNotFound
	}
	return intent, err
}

func (s *Store) UpdateIntentStatus(ctx context.Context, reference string, status payment.IntentStatus) (payment.Intent, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE payment_intents SET status = $2, updated_at = $3 WHERE reference = $1
	`, reference, status, time.Now().UTC())
	if err != nil {
		return payment.Intent{}, err
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return payment.Intent{}, payment.ErrIntentNotFound
	}
	return s.GetIntent(ctx, reference)
}

func (s *Store) ListPendingIntents(ctx context.Context, olderThan time.Time) ([]payment.Intent, error) {
	rows, err := s.db.QueryxContext(ctx, `
		SELECT reference, account_id, amount, status, metadata, created_at, updated_at
		FROM payment_intents
		WHERE status = 'pending' AND created_at < $1
		ORDER BY created_at
	`, olderThan.UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []payment.Intent
	for rows.Next() {
		intent, err := scanIntent(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, intent)
	}
	return result, rows.Err()
}

// --- scan helpers -----------------------------------------------------------

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAccount(row rowScanner) (account.Account, error) {
	var (
		acct        account.Account
		metadataRaw []byte
	)
	if err := row.Scan(&acct.ID, &acct.Owner, &acct.Balance, &metadataRaw, &acct.CreatedAt, &acct.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return account.Account{}, account.ErrNotFound
		}
		return account.Account{}, err
	}
	if len(metadataRaw) > 0 {
		_ = json.Unmarshal(metadataRaw, &acct.Metadata)
	}
	return acct, nil
}

func scanTransaction(row rowScanner) (account.Transaction, error) {
	var (
		txn         account.Transaction
		reference   sql.NullString
		metadataRaw []byte
	)
	if err := row.Scan(&txn.ID, &txn.AccountID, &txn.Kind, &txn.Amount, &txn.BalanceBefore, &txn.BalanceAfter,
		&reference, &txn.CorrelationID, &metadataRaw, &txn.CreatedAt); err != nil {
		return account.Transaction{}, err
	}
	txn.ExternalReference = reference.String
	if len(metadataRaw) > 0 {
		_ = json.Unmarshal(metadataRaw, &txn.Metadata)
	}
	return txn, nil
}

func scanEngagement(row rowScanner) (engagement.Engagement, error) {
	var (
		eng             engagement.Engagement
		actionStartedAt sql.NullTime
		lastCompletedAt sql.NullTime
		metadataRaw     []byte
	)
	if err := row.Scan(&eng.ID, &eng.ClientID, &eng.FabricatorID, &eng.Phase, &eng.ActionInFlight, &actionStartedAt,
		&eng.LastAction, &eng.LastResult, &lastCompletedAt, &metadataRaw, &eng.CreatedAt, &eng.UpdatedAt); err != nil {
		return engagement.Engagement{}, err
	}
	if actionStartedAt.Valid {
		eng.ActionStartedAt = actionStartedAt.Time.UTC()
	}
	if lastCompletedAt.Valid {
		eng.LastCompletedAt = lastCompletedAt.Time.UTC()
	}
	if len(metadataRaw) > 0 {
		_ = json.Unmarshal(metadataRaw, &eng.Metadata)
	}
	return eng, nil
}

func scanIntent(row rowScanner) (payment.Intent, error) {
	var (
		intent      payment.Intent
		metadataRaw []byte
	)
	if err := row.Scan(&intent.Reference, &intent.AccountID, &intent.Amount, &intent.Status, &metadataRaw,
		&intent.CreatedAt, &intent.UpdatedAt); err != nil {
		return payment.Intent{}, err
	}
	if len(metadataRaw) > 0 {
		_ = json.Unmarshal(metadataRaw, &intent.Metadata)
	}
	return intent, nil
}

func collectMilestones(rows *sqlx.Rows) ([]escrow.Milestone, error) {
	defer rows.Close()

	var result []escrow.Milestone
	for rows.Next() {
		var (
			m           escrow.Milestone
			completedAt sql.NullTime
		)
		if err := rows.Scan(&m.ID, &m.EngagementID, &m.Ordinal, &m.Label, &m.WeightPct, &m.Amount, &m.Status, &completedAt); err != nil {
			return nil, err
		}
		if completedAt.Valid {
			m.CompletedAt = completedAt.Time.UTC()
		}
		result = append(result, m)
	}
	return result, rows.Err()
}

func toNullTime(t time.Time) sql.NullTime {
	if t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}
