// Package payment defines payment-provider facing types: purchase intents and
// the opaque initialize/verify results the provider returns.
package payment

import (
	"errors"
	"time"
)

// IntentStatus tracks a purchase intent from initialization to settlement.
type IntentStatus string

const (
	IntentPending   IntentStatus = "pending"
	IntentCompleted IntentStatus = "completed"
	IntentFailed    IntentStatus = "failed"
)

// Intent records an initialized charge awaiting completion. The reference is
// provider-assigned and doubles as the ledger idempotency key.
type Intent struct {
	Reference string            `db:"reference" json:"reference"`
	AccountID string            `db:"account_id" json:"account_id"`
	Amount    int64             `db:"amount" json:"amount"`
	Status    IntentStatus      `db:"status" json:"status"`
	Metadata  map[string]string `db:"-" json:"metadata,omitempty"`
	CreatedAt time.Time         `db:"created_at" json:"created_at"`
	UpdatedAt time.Time         `db:"updated_at" json:"updated_at"`
}

// InitResult is what Initialize hands back to the caller.
type InitResult struct {
	RedirectURL string `json:"redirect_url"`
	Reference   string `json:"reference"`
}

// VerifyResult is the provider's authoritative word on a charge.
type VerifyResult struct {
	Success  bool              `json:"success"`
	Amount   int64             `json:"amount"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// WebhookEvent is the decoded provider callback.
type WebhookEvent struct {
	Type      string            `json:"event"`
	Reference string            `json:"reference"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

var (
	// ErrIntentNotFound indicates no intent matches the reference.
	ErrIntentNotFound = errors.New("payment intent not found")
	// ErrVerificationFailed indicates the provider reported the charge as
	// unsuccessful; no transaction is recorded.
	ErrVerificationFailed = errors.New("payment verification failed")
)
