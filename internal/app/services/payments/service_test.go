package payments

import (
	"context"
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/threadline/platform/internal/app/domain/payment"
	ledgersvc "github.com/threadline/platform/internal/app/services/ledger"
	"github.com/threadline/platform/internal/app/storage/memory"
)

type fakeProvider struct {
	initCalls   int32
	verifyCalls int32
	success     bool
	amount      int64
}

func (p *fakeProvider) Initialize(_ context.Context, _ string, _ int64, _ map[string]string) (payment.InitResult, error) {
	n := atomic.AddInt32(&p.initCalls, 1)
	return payment.InitResult{
		RedirectURL: "https://pay.example/checkout",
		Reference:   fmt.Sprintf("ref-%d", n),
	}, nil
}

func (p *fakeProvider) Verify(_ context.Context, _ string) (payment.VerifyResult, error) {
	atomic.AddInt32(&p.verifyCalls, 1)
	return payment.VerifyResult{Success: p.success, Amount: p.amount}, nil
}

func newTestPayments(t *testing.T, provider *fakeProvider) (*Service, *ledgersvc.Service, string) {
	t.Helper()
	store := memory.New()
	ledger := ledgersvc.New(store, nil, nil)
	svc := New(store, ledger, provider, "whsec-test", nil)

	acct, err := ledger.CreateAccount(context.Background(), "client-1", nil)
	if err != nil {
		t.Fatalf("create account: %v", err)
	}
	return svc, ledger, acct.ID
}

func TestPurchaseRoundTrip(t *testing.T) {
	provider := &fakeProvider{success: true, amount: 500}
	svc, ledger, acctID := newTestPayments(t, provider)
	ctx := context.Background()

	init, err := svc.InitiatePurchase(ctx, acctID, 500, map[string]string{"plan": "starter"})
	if err != nil {
		t.Fatalf("initiate: %v", err)
	}
	if init.Reference == "" || init.RedirectURL == "" {
		t.Fatalf("incomplete init result: %+v", init)
	}

	intent, err := svc.Intent(ctx, init.Reference)
	if err != nil {
		t.Fatalf("get intent: %v", err)
	}
	if intent.Status != payment.IntentPending {
		t.Fatalf("expected pending intent, got %s", intent.Status)
	}

	acct, txn, err := svc.CompletePurchase(ctx, init.Reference)
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if acct.Balance != 500 {
		t.Fatalf("expected balance 500, got %d", acct.Balance)
	}
	if txn.ExternalReference != init.Reference {
		t.Fatalf("transaction missing reference: %+v", txn)
	}

	intent, _ = svc.Intent(ctx, init.Reference)
	if intent.Status != payment.IntentCompleted {
		t.Fatalf("expected completed intent, got %s", intent.Status)
	}

	balance, _ := ledger.GetAccount(ctx, acctID)
	if balance.Balance != 500 {
		t.Fatalf("ledger balance drifted: %d", balance.Balance)
	}
}

func TestCompletePurchaseIsIdempotent(t *testing.T) {
	provider := &fakeProvider{success: true, amount: 500}
	svc, ledger, acctID := newTestPayments(t, provider)
	ctx := context.Background()

	init, err := svc.InitiatePurchase(ctx, acctID, 500, nil)
	if err != nil {
		t.Fatalf("initiate: %v", err)
	}

	for i := 0; i < 3; i++ {
		if _, _, err := svc.CompletePurchase(ctx, init.Reference); err != nil {
			t.Fatalf("complete attempt %d: %v", i, err)
		}
	}

	acct, _ := ledger.GetAccount(ctx, acctID)
	if acct.Balance != 500 {
		t.Fatalf("repeated completion mutated balance: %d", acct.Balance)
	}
	if got := atomic.LoadInt32(&provider.verifyCalls); got != 1 {
		t.Fatalf("expected 1 verify call, got %d", got)
	}
}

func TestCompletePurchaseVerificationFailure(t *testing.T) {
	provider := &fakeProvider{success: false}
	svc, ledger, acctID := newTestPayments(t, provider)
	ctx := context.Background()

	init, err := svc.InitiatePurchase(ctx, acctID, 500, nil)
	if err != nil {
		t.Fatalf("initiate: %v", err)
	}

	if _, _, err := svc.CompletePurchase(ctx, init.Reference); !errors.Is(err, payment.ErrVerificationFailed) {
		t.Fatalf("expected ErrVerificationFailed, got %v", err)
	}

	intent, _ := svc.Intent(ctx, init.Reference)
	if intent.Status != payment.IntentFailed {
		t.Fatalf("expected failed intent, got %s", intent.Status)
	}
	acct, _ := ledger.GetAccount(ctx, acctID)
	if acct.Balance != 0 {
		t.Fatalf("failed charge credited balance: %d", acct.Balance)
	}
}

func TestHandleWebhookIgnoresOtherEvents(t *testing.T) {
	provider := &fakeProvider{success: true, amount: 500}
	svc, _, acctID := newTestPayments(t, provider)
	ctx := context.Background()

	init, err := svc.InitiatePurchase(ctx, acctID, 500, nil)
	if err != nil {
		t.Fatalf("initiate: %v", err)
	}

	if err := svc.HandleWebhook(ctx, payment.WebhookEvent{Type: "charge.dispute", Reference: init.Reference}); err != nil {
		t.Fatalf("non-success event should be ignored: %v", err)
	}
	if got := atomic.LoadInt32(&provider.verifyCalls); got != 0 {
		t.Fatalf("ignored event triggered verify: %d calls", got)
	}

	if err := svc.HandleWebhook(ctx, payment.WebhookEvent{Type: "charge.success", Reference: init.Reference}); err != nil {
		t.Fatalf("handle webhook: %v", err)
	}
	intent, _ := svc.Intent(ctx, init.Reference)
	if intent.Status != payment.IntentCompleted {
		t.Fatalf("webhook did not settle intent: %s", intent.Status)
	}
}

func TestVerifySignature(t *testing.T) {
	svc := New(memory.New(), nil, nil, "whsec-test", nil)
	body := []byte(`{"event":"charge.success","reference":"ref-1"}`)

	mac := hmac.New(sha512.New, []byte("whsec-test"))
	mac.Write(body)
	good := hex.EncodeToString(mac.Sum(nil))

	if !svc.VerifySignature(body, good) {
		t.Fatal("valid signature rejected")
	}
	if svc.VerifySignature(body, "deadbeef") {
		t.Fatal("invalid signature accepted")
	}
	if svc.VerifySignature(body, "") {
		t.Fatal("empty signature accepted")
	}
}

func TestReconcilerSweepsStaleIntents(t *testing.T) {
	provider := &fakeProvider{success: true, amount: 500}
	store := memory.New()
	ledger := ledgersvc.New(store, nil, nil)
	svc := New(store, ledger, provider, "whsec-test", nil)

	acct, err := ledger.CreateAccount(context.Background(), "client-1", nil)
	if err != nil {
		t.Fatalf("create account: %v", err)
	}
	init, err := svc.InitiatePurchase(context.Background(), acct.ID, 500, nil)
	if err != nil {
		t.Fatalf("initiate: %v", err)
	}

	// minAge in the past so the fresh intent is already eligible.
	rec := NewReconciler(svc, "", -1, nil)
	rec.minAge = -time.Second
	rec.Sweep(context.Background())

	intent, _ := svc.Intent(context.Background(), init.Reference)
	if intent.Status != payment.IntentCompleted {
		t.Fatalf("sweep did not settle intent: %s", intent.Status)
	}
	current, _ := ledger.GetAccount(context.Background(), acct.ID)
	if current.Balance != 500 {
		t.Fatalf("expected balance 500, got %d", current.Balance)
	}
}
