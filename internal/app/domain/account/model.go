// Package account defines the credit account aggregate and its immutable
// transaction history.
package account

import (
	"errors"
	"time"
)

// Kind classifies the business reason for a balance change.
type Kind string

const (
	KindPurchase   Kind = "purchase"
	KindUsage      Kind = "usage"
	KindRefund     Kind = "refund"
	KindBonus      Kind = "bonus"
	KindAdjustment Kind = "admin-adjustment"
)

// Account holds a party's current credit balance. The balance is only ever
// mutated together with a Transaction row inside one unit of work.
type Account struct {
	ID        string            `db:"id" json:"id"`
	Owner     string            `db:"owner" json:"owner"`
	Balance   int64             `db:"balance" json:"balance"`
	Metadata  map[string]string `db:"-" json:"metadata,omitempty"`
	CreatedAt time.Time         `db:"created_at" json:"created_at"`
	UpdatedAt time.Time         `db:"updated_at" json:"updated_at"`
}

// Transaction is a single immutable ledger row. Amount is signed; the chain of
// transactions for one account replays to its current balance.
type Transaction struct {
	ID                string            `db:"id" json:"id"`
	AccountID         string            `db:"account_id" json:"account_id"`
	Kind              Kind              `db:"kind" json:"kind"`
	Amount            int64             `db:"amount" json:"amount"`
	BalanceBefore     int64             `db:"balance_before" json:"balance_before"`
	BalanceAfter      int64             `db:"balance_after" json:"balance_after"`
	ExternalReference string            `db:"external_reference" json:"external_reference,omitempty"`
	CorrelationID     string            `db:"correlation_id" json:"correlation_id,omitempty"`
	Metadata          map[string]string `db:"-" json:"metadata,omitempty"`
	CreatedAt         time.Time         `db:"created_at" json:"created_at"`
}

var (
	// ErrNotFound indicates the account does not exist.
	ErrNotFound = errors.New("account not found")
	// ErrTransactionNotFound indicates no transaction matched the lookup.
	ErrTransactionNotFound = errors.New("transaction not found")
	// ErrInsufficientBalance indicates a debit would push the balance below zero.
	ErrInsufficientBalance = errors.New("insufficient balance")
	// ErrDuplicateReference indicates a transaction with the same external
	// reference has already been recorded.
	ErrDuplicateReference = errors.New("duplicate external reference")
	// ErrInvalidAmount indicates a non-positive amount was supplied.
	ErrInvalidAmount = errors.New("amount must be positive")
)
