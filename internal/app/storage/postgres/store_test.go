package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/threadline/platform/internal/app/domain/account"
	"github.com/threadline/platform/internal/app/domain/engagement"
	"github.com/threadline/platform/internal/app/storage"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	mockDB, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	t.Cleanup(func() { mockDB.Close() })
	return New(sqlx.NewDb(mockDB, "sqlmock")), mock
}

func accountRows(balance int64) *sqlmock.Rows {
	now := time.Now().UTC()
	return sqlmock.NewRows([]string{"id", "owner", "balance", "metadata", "created_at", "updated_at"}).
		AddRow("acct-1", "client-1", balance, []byte(`{}`), now, now)
}

func TestApplyEntryCommitsBalanceAndTransactionTogether(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec("SET LOCAL lock_timeout").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT id, owner, balance, metadata, created_at, updated_at\\s+FROM ledger_accounts\\s+WHERE id = \\$1\\s+FOR UPDATE").
		WithArgs("acct-1").
		WillReturnRows(accountRows(100))
	mock.ExpectExec("INSERT INTO ledger_transactions").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("UPDATE ledger_accounts SET balance").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	acct, txn, err := store.ApplyEntry(context.Background(), "acct-1", func(current account.Account) (account.Transaction, error) {
		if current.Balance != 100 {
			t.Fatalf("locked row balance %d", current.Balance)
		}
		return account.Transaction{Kind: account.KindUsage, Amount: -40}, nil
	})
	if err != nil {
		t.Fatalf("apply entry: %v", err)
	}
	if acct.Balance != 60 || txn.BalanceAfter != 60 || txn.BalanceBefore != 100 {
		t.Fatalf("unexpected balances: acct=%d txn=%d/%d", acct.Balance, txn.BalanceBefore, txn.BalanceAfter)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestApplyEntryRollsBackWhenFuncRejects(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec("SET LOCAL lock_timeout").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("FOR UPDATE").WithArgs("acct-1").WillReturnRows(accountRows(10))
	mock.ExpectRollback()

	_, _, err := store.ApplyEntry(context.Background(), "acct-1", func(current account.Account) (account.Transaction, error) {
		return account.Transaction{}, account.ErrInsufficientBalance
	})
	if !errors.Is(err, account.ErrInsufficientBalance) {
		t.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestApplyEntryTranslatesUniqueViolation(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec("SET LOCAL lock_timeout").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("FOR UPDATE").WithArgs("acct-1").WillReturnRows(accountRows(0))
	mock.ExpectExec("INSERT INTO ledger_transactions").
		WillReturnError(&pq.Error{Code: "23505"})
	mock.ExpectRollback()

	_, _, err := store.ApplyEntry(context.Background(), "acct-1", func(account.Account) (account.Transaction, error) {
		return account.Transaction{Kind: account.KindPurchase, Amount: 50, ExternalReference: "dup"}, nil
	})
	if !errors.Is(err, account.ErrDuplicateReference) {
		t.Fatalf("expected ErrDuplicateReference, got %v", err)
	}
}

func TestApplyEntryTranslatesLockTimeout(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec("SET LOCAL lock_timeout").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("FOR UPDATE").WithArgs("acct-1").
		WillReturnError(&pq.Error{Code: "55P03"})
	mock.ExpectRollback()

	_, _, err := store.ApplyEntry(context.Background(), "acct-1", func(account.Account) (account.Transaction, error) {
		return account.Transaction{}, nil
	})
	if !errors.Is(err, storage.ErrBusy) {
		t.Fatalf("expected ErrBusy, got %v", err)
	}
}

func TestFinishActionClearsOnlyItsOwnMarker(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Now().UTC()

	mock.ExpectExec("UPDATE engagements\\s+SET action_in_flight = '', action_started_at = NULL,\\s+last_action = \\$2, last_result = \\$3, last_completed_at = \\$4, updated_at = \\$4\\s+WHERE id = \\$1 AND action_in_flight = \\$2").
		WithArgs("eng-1", "generate-design", "design-1", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT id, client_id").
		WithArgs("eng-1").
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "client_id", "fabricator_id", "phase", "action_in_flight", "action_started_at",
			"last_action", "last_result", "last_completed_at", "metadata", "created_at", "updated_at",
		}).AddRow("eng-1", "client-1", "fab-1", "gathering-info", "generate-design", now, "", "", nil, []byte(`{}`), now, now))

	if _, err := store.FinishAction(context.Background(), "eng-1", "generate-design", "design-1", now, true); err != nil {
		t.Fatalf("finish action: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestCASPhaseReportsBusyWhenRowUnchanged(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Now().UTC()

	mock.ExpectExec("UPDATE engagements SET phase").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT id, client_id").
		WithArgs("eng-1").
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "client_id", "fabricator_id", "phase", "action_in_flight", "action_started_at",
			"last_action", "last_result", "last_completed_at", "metadata", "created_at", "updated_at",
		}).AddRow("eng-1", "client-1", "fab-1", "listed", "", nil, "", "", nil, []byte(`{}`), now, now))

	_, err := store.CASPhase(context.Background(), "eng-1", engagement.PhaseWelcome, engagement.PhaseGatheringInfo)
	if !errors.Is(err, engagement.ErrBusy) {
		t.Fatalf("expected ErrBusy, got %v", err)
	}
}
