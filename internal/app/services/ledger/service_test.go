package ledger

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/threadline/platform/internal/app/domain/account"
	"github.com/threadline/platform/internal/app/services/notify"
	"github.com/threadline/platform/internal/app/storage/memory"
)

type recordingNotifier struct {
	mu     sync.Mutex
	events []string
}

func (n *recordingNotifier) Notify(_ context.Context, _, event string, _ map[string]string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, event)
	return nil
}

func newTestService(t *testing.T) (*Service, *memory.Store, *recordingNotifier) {
	t.Helper()
	store := memory.New()
	notifier := &recordingNotifier{}
	return New(store, notifier, nil), store, notifier
}

func TestCreditThenDebit(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	acct, err := svc.CreateAccount(ctx, "client-1", nil)
	if err != nil {
		t.Fatalf("create account: %v", err)
	}

	acct2, txn, err := svc.Credit(ctx, acct.ID, 100, account.KindPurchase, "ref-1", "", nil)
	if err != nil {
		t.Fatalf("credit: %v", err)
	}
	if acct2.Balance != 100 {
		t.Fatalf("expected balance 100, got %d", acct2.Balance)
	}
	if txn.BalanceBefore != 0 || txn.BalanceAfter != 100 {
		t.Fatalf("unexpected balance snapshot: before=%d after=%d", txn.BalanceBefore, txn.BalanceAfter)
	}

	acct3, txn, err := svc.Debit(ctx, acct.ID, 40, account.KindUsage, "", nil)
	if err != nil {
		t.Fatalf("debit: %v", err)
	}
	if acct3.Balance != 60 {
		t.Fatalf("expected balance 60, got %d", acct3.Balance)
	}
	if txn.Amount != -40 {
		t.Fatalf("expected signed amount -40, got %d", txn.Amount)
	}
}

func TestDebitInsufficientBalanceLeavesStateUntouched(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	acct, err := svc.CreateAccount(ctx, "client-1", nil)
	if err != nil {
		t.Fatalf("create account: %v", err)
	}
	if _, _, err := svc.Credit(ctx, acct.ID, 10, account.KindPurchase, "", "", nil); err != nil {
		t.Fatalf("credit: %v", err)
	}

	if _, _, err := svc.Debit(ctx, acct.ID, 11, account.KindUsage, "", nil); !errors.Is(err, account.ErrInsufficientBalance) {
		t.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}

	current, err := svc.GetAccount(ctx, acct.ID)
	if err != nil {
		t.Fatalf("get account: %v", err)
	}
	if current.Balance != 10 {
		t.Fatalf("balance changed after rejected debit: %d", current.Balance)
	}
	txns, err := svc.ListTransactions(ctx, acct.ID)
	if err != nil {
		t.Fatalf("list transactions: %v", err)
	}
	if len(txns) != 1 {
		t.Fatalf("expected 1 transaction, got %d", len(txns))
	}
}

func TestCreditReplayByExternalReference(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	acct, err := svc.CreateAccount(ctx, "client-1", nil)
	if err != nil {
		t.Fatalf("create account: %v", err)
	}

	first, txn1, err := svc.Credit(ctx, acct.ID, 50, account.KindPurchase, "charge-9", "", nil)
	if err != nil {
		t.Fatalf("first credit: %v", err)
	}
	second, txn2, err := svc.Credit(ctx, acct.ID, 50, account.KindPurchase, "charge-9", "", nil)
	if err != nil {
		t.Fatalf("replayed credit: %v", err)
	}

	if second.Balance != first.Balance {
		t.Fatalf("replay mutated balance: %d vs %d", second.Balance, first.Balance)
	}
	if txn2.ID != txn1.ID {
		t.Fatalf("replay produced a new transaction: %s vs %s", txn2.ID, txn1.ID)
	}
	txns, _ := svc.ListTransactions(ctx, acct.ID)
	if len(txns) != 1 {
		t.Fatalf("expected 1 transaction after replay, got %d", len(txns))
	}
}

func TestConcurrentDebitsExactlyOneSucceeds(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	acct, err := svc.CreateAccount(ctx, "client-1", nil)
	if err != nil {
		t.Fatalf("create account: %v", err)
	}
	if _, _, err := svc.Credit(ctx, acct.ID, 100, account.KindPurchase, "", "", nil); err != nil {
		t.Fatalf("credit: %v", err)
	}

	const workers = 8
	var wg sync.WaitGroup
	results := make(chan error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _, err := svc.Debit(ctx, acct.ID, 100, account.KindUsage, "", nil)
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	var succeeded, rejected int
	for err := range results {
		switch {
		case err == nil:
			succeeded++
		case errors.Is(err, account.ErrInsufficientBalance):
			rejected++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if succeeded != 1 || rejected != workers-1 {
		t.Fatalf("expected 1 success and %d rejections, got %d/%d", workers-1, succeeded, rejected)
	}

	current, _ := svc.GetAccount(ctx, acct.ID)
	if current.Balance != 0 {
		t.Fatalf("expected zero balance, got %d", current.Balance)
	}
}

func TestDebitEmitsBalanceNotifications(t *testing.T) {
	svc, _, notifier := newTestService(t)
	ctx := context.Background()

	acct, err := svc.CreateAccount(ctx, "client-1", nil)
	if err != nil {
		t.Fatalf("create account: %v", err)
	}
	if _, _, err := svc.Credit(ctx, acct.ID, 10, account.KindPurchase, "", "", nil); err != nil {
		t.Fatalf("credit: %v", err)
	}

	// 10 -> 4 crosses the default low threshold of 5.
	if _, _, err := svc.Debit(ctx, acct.ID, 6, account.KindUsage, "", nil); err != nil {
		t.Fatalf("debit: %v", err)
	}
	// 4 -> 0 exhausts the balance.
	if _, _, err := svc.Debit(ctx, acct.ID, 4, account.KindUsage, "", nil); err != nil {
		t.Fatalf("debit: %v", err)
	}

	notifier.mu.Lock()
	defer notifier.mu.Unlock()
	if len(notifier.events) != 2 {
		t.Fatalf("expected 2 notifications, got %v", notifier.events)
	}
	if notifier.events[0] != notify.EventLowBalance || notifier.events[1] != notify.EventBalanceExhausted {
		t.Fatalf("unexpected events: %v", notifier.events)
	}
}

func TestRefundAndBonusAlwaysCredit(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	acct, err := svc.CreateAccount(ctx, "client-1", nil)
	if err != nil {
		t.Fatalf("create account: %v", err)
	}

	if _, _, err := svc.Refund(ctx, acct.ID, 25, "corr-1", nil); err != nil {
		t.Fatalf("refund: %v", err)
	}
	if _, _, err := svc.Bonus(ctx, acct.ID, 5, "corr-2", nil); err != nil {
		t.Fatalf("bonus: %v", err)
	}

	current, _ := svc.GetAccount(ctx, acct.ID)
	if current.Balance != 30 {
		t.Fatalf("expected balance 30, got %d", current.Balance)
	}
	txns, _ := svc.ListTransactions(ctx, acct.ID)
	if len(txns) != 2 {
		t.Fatalf("expected 2 transactions, got %d", len(txns))
	}
	if txns[0].Kind != account.KindRefund || txns[1].Kind != account.KindBonus {
		t.Fatalf("unexpected kinds: %s, %s", txns[0].Kind, txns[1].Kind)
	}
}

func TestBalanceReplaysFromTransactionChain(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	acct, err := svc.CreateAccount(ctx, "client-1", nil)
	if err != nil {
		t.Fatalf("create account: %v", err)
	}

	// Mixed entry sequence touching every operation kind.
	if _, _, err := svc.Credit(ctx, acct.ID, 100, account.KindPurchase, "charge-1", "", nil); err != nil {
		t.Fatalf("credit: %v", err)
	}
	if _, _, err := svc.Debit(ctx, acct.ID, 30, account.KindUsage, "", nil); err != nil {
		t.Fatalf("debit: %v", err)
	}
	if _, _, err := svc.Refund(ctx, acct.ID, 10, "corr-1", nil); err != nil {
		t.Fatalf("refund: %v", err)
	}
	if _, _, err := svc.Bonus(ctx, acct.ID, 5, "corr-2", nil); err != nil {
		t.Fatalf("bonus: %v", err)
	}
	if _, _, err := svc.Debit(ctx, acct.ID, 20, account.KindUsage, "", nil); err != nil {
		t.Fatalf("second debit: %v", err)
	}

	current, err := svc.GetAccount(ctx, acct.ID)
	if err != nil {
		t.Fatalf("get account: %v", err)
	}
	txns, err := svc.ListTransactions(ctx, acct.ID)
	if err != nil {
		t.Fatalf("list transactions: %v", err)
	}
	if len(txns) != 5 {
		t.Fatalf("expected 5 transactions, got %d", len(txns))
	}

	// The balance replays from the sum of signed amounts.
	var sum int64
	for _, txn := range txns {
		sum += txn.Amount
	}
	if sum != current.Balance {
		t.Fatalf("transaction amounts sum to %d, balance is %d", sum, current.Balance)
	}

	// And the before/after snapshots form an unbroken chain from zero to the
	// current balance.
	if txns[0].BalanceBefore != 0 {
		t.Fatalf("chain starts at %d, want 0", txns[0].BalanceBefore)
	}
	for i, txn := range txns {
		if txn.BalanceAfter != txn.BalanceBefore+txn.Amount {
			t.Fatalf("transaction %d: %d + %d != %d", i, txn.BalanceBefore, txn.Amount, txn.BalanceAfter)
		}
		if i > 0 && txn.BalanceBefore != txns[i-1].BalanceAfter {
			t.Fatalf("chain broken at %d: before=%d, previous after=%d", i, txn.BalanceBefore, txns[i-1].BalanceAfter)
		}
	}
	if last := txns[len(txns)-1]; last.BalanceAfter != current.Balance {
		t.Fatalf("chain ends at %d, balance is %d", last.BalanceAfter, current.Balance)
	}
}

func TestDebitRejectsNonPositiveAmount(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	acct, err := svc.CreateAccount(ctx, "client-1", nil)
	if err != nil {
		t.Fatalf("create account: %v", err)
	}
	for _, amount := range []int64{0, -5} {
		if _, _, err := svc.Debit(ctx, acct.ID, amount, account.KindUsage, "", nil); !errors.Is(err, account.ErrInvalidAmount) {
			t.Fatalf("amount %d: expected ErrInvalidAmount, got %v", amount, err)
		}
	}
}
