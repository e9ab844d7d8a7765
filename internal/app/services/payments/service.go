// Package payments bridges the external payment provider and the ledger.
// Completion is idempotent end to end: the provider reference is the ledger's
// external reference, so a charge settles at most one credit no matter how
// many callbacks, verifications or sweeps observe it.
package payments

import (
	"context"
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"errors"

	"github.com/threadline/platform/internal/app/domain/account"
	"github.com/threadline/platform/internal/app/domain/payment"
	"github.com/threadline/platform/internal/app/metrics"
	"github.com/threadline/platform/internal/app/storage"
	"github.com/threadline/platform/pkg/logger"
)

// webhookEventChargeSuccess is the only provider event type that settles a
// charge; everything else is acknowledged and dropped.
const webhookEventChargeSuccess = "charge.success"

// Provider is the external payment gateway.
type Provider interface {
	Initialize(ctx context.Context, accountID string, amount int64, metadata map[string]string) (payment.InitResult, error)
	Verify(ctx context.Context, reference string) (payment.VerifyResult, error)
}

// Ledger is the slice of the ledger service the payment flow needs.
type Ledger interface {
	GetAccount(ctx context.Context, id string) (account.Account, error)
	Credit(ctx context.Context, accountID string, amount int64, kind account.Kind, externalReference, correlationID string, metadata map[string]string) (account.Account, account.Transaction, error)
	TransactionByReference(ctx context.Context, reference string) (account.Transaction, error)
}

// Service drives purchase intents from initialization to settlement.
type Service struct {
	intents       storage.PaymentStore
	ledger        Ledger
	provider      Provider
	webhookSecret string
	log           *logger.Logger
}

// New constructs the payments service.
func New(intents storage.PaymentStore, ledger Ledger, provider Provider, webhookSecret string, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewDefault("payments")
	}
	return &Service{
		intents:       intents,
		ledger:        ledger,
		provider:      provider,
		webhookSecret: webhookSecret,
		log:           log,
	}
}

// InitiatePurchase initializes a charge with the provider and records a
// pending intent under the provider-assigned reference.
func (s *Service) InitiatePurchase(ctx context.Context, accountID string, amount int64, metadata map[string]string) (payment.InitResult, error) {
	if amount <= 0 {
		return payment.InitResult{}, account.ErrInvalidAmount
	}
	if s.provider == nil {
		return payment.InitResult{}, errors.New("payment provider not configured")
	}
	if _, err := s.ledger.GetAccount(ctx, accountID); err != nil {
		return payment.InitResult{}, err
	}

	result, err := s.provider.Initialize(ctx, accountID, amount, metadata)
	if err != nil {
		return payment.InitResult{}, err
	}

	if _, err := s.intents.CreateIntent(ctx, payment.Intent{
		Reference: result.Reference,
		AccountID: accountID,
		Amount:    amount,
		Status:    payment.IntentPending,
		Metadata:  metadata,
	}); err != nil {
		return payment.InitResult{}, err
	}

	metrics.RecordPaymentEvent("initiated")
	s.log.WithField("account_id", accountID).
		WithField("reference", result.Reference).
		WithField("amount", amount).
		Info("purchase initiated")
	return result, nil
}

// CompletePurchase verifies the charge with the provider and credits the
// intent's account. Safe to call any number of times per reference.
func (s *Service) CompletePurchase(ctx context.Context, reference string) (account.Account, account.Transaction, error) {
	intent, err := s.intents.GetIntent(ctx, reference)
	if err != nil {
		return account.Account{}, account.Transaction{}, err
	}

	// Already settled: hand back the recorded outcome without touching the
	// provider again.
	if intent.Status == payment.IntentCompleted {
		txn, err := s.ledger.TransactionByReference(ctx, reference)
		if err != nil {
			return account.Account{}, account.Transaction{}, err
		}
		acct, err := s.ledger.GetAccount(ctx, intent.AccountID)
		if err != nil {
			return account.Account{}, account.Transaction{}, err
		}
		return acct, txn, nil
	}

	if s.provider == nil {
		return account.Account{}, account.Transaction{}, errors.New("payment provider not configured")
	}
	verify, err := s.provider.Verify(ctx, reference)
	if err != nil {
		return account.Account{}, account.Transaction{}, err
	}
	if !verify.Success {
		if _, err := s.intents.UpdateIntentStatus(ctx, reference, payment.IntentFailed); err != nil {
			s.log.WithError(err).WithField("reference", reference).Warn("marking intent failed")
		}
		metrics.RecordPaymentEvent("verification_failed")
		return account.Account{}, account.Transaction{}, payment.ErrVerificationFailed
	}

	amount := verify.Amount
	if amount <= 0 {
		amount = intent.Amount
	}

	acct, txn, err := s.ledger.Credit(ctx, intent.AccountID, amount, account.KindPurchase, reference, "", verify.Metadata)
	if err != nil {
		return account.Account{}, account.Transaction{}, err
	}

	if _, err := s.intents.UpdateIntentStatus(ctx, reference, payment.IntentCompleted); err != nil {
		// The credit is already durable under the reference; a later sweep
		// will converge the intent row.
		s.log.WithError(err).WithField("reference", reference).Warn("marking intent completed")
	}

	metrics.RecordPaymentEvent("completed")
	s.log.WithField("account_id", intent.AccountID).
		WithField("reference", reference).
		WithField("amount", amount).
		Info("purchase completed")
	return acct, txn, nil
}

// HandleWebhook processes a provider callback. Unknown event types are
// ignored; only successful charges settle.
func (s *Service) HandleWebhook(ctx context.Context, event payment.WebhookEvent) error {
	if event.Type != webhookEventChargeSuccess {
		s.log.WithField("event", event.Type).Debug("ignoring webhook event")
		return nil
	}
	if event.Reference == "" {
		return errors.New("webhook event missing reference")
	}
	_, _, err := s.CompletePurchase(ctx, event.Reference)
	return err
}

// VerifySignature checks the provider's HMAC-SHA512 signature over the raw
// webhook body.
func (s *Service) VerifySignature(body []byte, signature string) bool {
	if s.webhookSecret == "" || signature == "" {
		return false
	}
	mac := hmac.New(sha512.New, []byte(s.webhookSecret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(signature))
}

// Intent returns one intent by its provider reference.
func (s *Service) Intent(ctx context.Context, reference string) (payment.Intent, error) {
	return s.intents.GetIntent(ctx, reference)
}
