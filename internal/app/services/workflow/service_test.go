package workflow

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/threadline/platform/internal/app/domain/engagement"
	"github.com/threadline/platform/internal/app/storage/memory"
)

type countingGenerator struct {
	calls int32
	block chan struct{}
}

func (g *countingGenerator) Generate(_ context.Context, _ engagement.Engagement) (string, error) {
	n := atomic.AddInt32(&g.calls, 1)
	if g.block != nil {
		<-g.block
	}
	return fmt.Sprintf("design-%d", n), nil
}

func newGateFixture(t *testing.T, opts ...Option) (*Service, engagement.Engagement) {
	t.Helper()
	store := memory.New()
	svc := New(store, nil, opts...)
	eng, err := svc.Create(context.Background(), "client-1", "fab-1", nil)
	if err != nil {
		t.Fatalf("create engagement: %v", err)
	}
	return svc, eng
}

func TestAdvanceFollowsPhaseChain(t *testing.T) {
	svc, eng := newGateFixture(t)
	ctx := context.Background()

	updated, err := svc.Advance(ctx, eng.ID, engagement.PhaseGatheringInfo)
	if err != nil {
		t.Fatalf("advance: %v", err)
	}
	if updated.Phase != engagement.PhaseGatheringInfo {
		t.Fatalf("expected gathering-info, got %s", updated.Phase)
	}

	// Skipping ahead is a phase violation.
	if _, err := svc.Advance(ctx, eng.ID, engagement.PhaseListed); !errors.Is(err, engagement.ErrPhaseViolation) {
		t.Fatalf("expected ErrPhaseViolation, got %v", err)
	}
	// Moving backwards too.
	if _, err := svc.Advance(ctx, eng.ID, engagement.PhaseWelcome); !errors.Is(err, engagement.ErrPhaseViolation) {
		t.Fatalf("expected ErrPhaseViolation, got %v", err)
	}
}

func TestGenerateDesignRequiresPhase(t *testing.T) {
	gen := &countingGenerator{}
	svc, eng := newGateFixture(t, WithGenerator(gen))
	ctx := context.Background()

	// Welcome phase does not allow generation.
	if _, err := svc.GenerateDesign(ctx, eng.ID); !errors.Is(err, engagement.ErrPhaseViolation) {
		t.Fatalf("expected ErrPhaseViolation, got %v", err)
	}

	if _, err := svc.Advance(ctx, eng.ID, engagement.PhaseGatheringInfo); err != nil {
		t.Fatalf("advance: %v", err)
	}
	result, err := svc.GenerateDesign(ctx, eng.ID)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if result != "design-1" {
		t.Fatalf("unexpected result %q", result)
	}

	current, _ := svc.Get(ctx, eng.ID)
	if current.Phase != engagement.PhasePreviewingDesign {
		t.Fatalf("generation did not advance phase: %s", current.Phase)
	}
}

func TestGenerateDesignCooldownServesCachedResult(t *testing.T) {
	gen := &countingGenerator{}
	svc, eng := newGateFixture(t, WithGenerator(gen), WithCooldown(time.Hour))
	ctx := context.Background()

	if _, err := svc.Advance(ctx, eng.ID, engagement.PhaseGatheringInfo); err != nil {
		t.Fatalf("advance: %v", err)
	}

	first, err := svc.GenerateDesign(ctx, eng.ID)
	if err != nil {
		t.Fatalf("first generate: %v", err)
	}
	second, err := svc.GenerateDesign(ctx, eng.ID)
	if err != nil {
		t.Fatalf("second generate: %v", err)
	}
	if second != first {
		t.Fatalf("cooldown returned fresh result: %q vs %q", second, first)
	}
	if got := atomic.LoadInt32(&gen.calls); got != 1 {
		t.Fatalf("generator ran %d times inside cooldown", got)
	}
}

func TestGenerateDesignRegeneratesAfterCooldown(t *testing.T) {
	gen := &countingGenerator{}
	svc, eng := newGateFixture(t, WithGenerator(gen), WithCooldown(time.Nanosecond))
	ctx := context.Background()

	if _, err := svc.Advance(ctx, eng.ID, engagement.PhaseGatheringInfo); err != nil {
		t.Fatalf("advance: %v", err)
	}
	if _, err := svc.GenerateDesign(ctx, eng.ID); err != nil {
		t.Fatalf("first generate: %v", err)
	}
	time.Sleep(time.Millisecond)
	if _, err := svc.GenerateDesign(ctx, eng.ID); err != nil {
		t.Fatalf("regenerate: %v", err)
	}
	if got := atomic.LoadInt32(&gen.calls); got != 2 {
		t.Fatalf("expected 2 generator runs, got %d", got)
	}
}

func TestConcurrentGuardedActionsSingleWinner(t *testing.T) {
	gen := &countingGenerator{block: make(chan struct{})}
	svc, eng := newGateFixture(t, WithGenerator(gen), WithCooldown(0))
	ctx := context.Background()

	if _, err := svc.Advance(ctx, eng.ID, engagement.PhaseGatheringInfo); err != nil {
		t.Fatalf("advance: %v", err)
	}

	const workers = 6
	var wg sync.WaitGroup
	results := make(chan error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.GenerateDesign(ctx, eng.ID)
			results <- err
		}()
	}

	// Give the losers time to hit the in-flight marker, then let the winner
	// finish.
	time.Sleep(50 * time.Millisecond)
	close(gen.block)
	wg.Wait()
	close(results)

	var succeeded, busy int
	for err := range results {
		switch {
		case err == nil:
			succeeded++
		case errors.Is(err, engagement.ErrBusy):
			busy++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if succeeded != 1 {
		t.Fatalf("expected exactly 1 success, got %d (busy=%d)", succeeded, busy)
	}
	if got := atomic.LoadInt32(&gen.calls); got != 1 {
		t.Fatalf("generator ran %d times", got)
	}
}

// laterCallBlockingGenerator lets the first generation finish and parks every
// later one until released.
type laterCallBlockingGenerator struct {
	calls   int32
	release chan struct{}
}

func (g *laterCallBlockingGenerator) Generate(_ context.Context, _ engagement.Engagement) (string, error) {
	n := atomic.AddInt32(&g.calls, 1)
	if n > 1 {
		<-g.release
	}
	return fmt.Sprintf("design-%d", n), nil
}

func TestBusyActionServesMostRecentResult(t *testing.T) {
	gen := &laterCallBlockingGenerator{release: make(chan struct{})}
	svc, eng := newGateFixture(t, WithGenerator(gen), WithCooldown(0))
	ctx := context.Background()

	if _, err := svc.Advance(ctx, eng.ID, engagement.PhaseGatheringInfo); err != nil {
		t.Fatalf("advance: %v", err)
	}
	first, err := svc.GenerateDesign(ctx, eng.ID)
	if err != nil {
		t.Fatalf("first generate: %v", err)
	}

	// Start a regeneration that stays in flight.
	done := make(chan string, 1)
	go func() {
		res, _ := svc.GenerateDesign(ctx, eng.ID)
		done <- res
	}()
	deadline := time.Now().Add(2 * time.Second)
	for atomic.LoadInt32(&gen.calls) < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if atomic.LoadInt32(&gen.calls) < 2 {
		t.Fatal("regeneration never started")
	}

	// A trigger racing the in-flight run gets the most recent result, not an
	// error, and does not start a third run.
	cached, err := svc.GenerateDesign(ctx, eng.ID)
	if err != nil {
		t.Fatalf("expected cached result while busy, got %v", err)
	}
	if cached != first {
		t.Fatalf("busy call returned %q, want %q", cached, first)
	}
	if got := atomic.LoadInt32(&gen.calls); got != 2 {
		t.Fatalf("busy call triggered generator: %d runs", got)
	}

	close(gen.release)
	if res := <-done; res != "design-2" {
		t.Fatalf("in-flight run returned %q", res)
	}
}

func TestStaleActionMarkerIsTakenOver(t *testing.T) {
	store := memory.New()
	svc := New(store, nil, WithActionTTL(time.Millisecond), WithCooldown(0), WithGenerator(&countingGenerator{}))
	ctx := context.Background()

	eng, err := svc.Create(ctx, "client-1", "fab-1", nil)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := svc.Advance(ctx, eng.ID, engagement.PhaseGatheringInfo); err != nil {
		t.Fatalf("advance: %v", err)
	}

	// Simulate a crashed holder: marker set long ago, never cleared.
	if _, ok, err := store.TryBeginAction(ctx, eng.ID, "generate-design", time.Now().Add(-time.Hour), time.Millisecond); err != nil || !ok {
		t.Fatalf("seed stale marker: ok=%v err=%v", ok, err)
	}

	if _, err := svc.GenerateDesign(ctx, eng.ID); err != nil {
		t.Fatalf("takeover failed: %v", err)
	}
}

func TestRunGuardedFailureClearsMarkerWithoutCaching(t *testing.T) {
	svc, eng := newGateFixture(t, WithCooldown(time.Hour))
	ctx := context.Background()

	action := GuardedAction{Name: "flaky"}
	wantErr := errors.New("boom")
	if _, err := svc.RunGuarded(ctx, eng.ID, action, func(context.Context, engagement.Engagement) (string, error) {
		return "", wantErr
	}); !errors.Is(err, wantErr) {
		t.Fatalf("expected run error, got %v", err)
	}

	// The marker must be clear and no result cached, so a retry runs.
	result, err := svc.RunGuarded(ctx, eng.ID, action, func(context.Context, engagement.Engagement) (string, error) {
		return "ok", nil
	})
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if result != "ok" {
		t.Fatalf("retry served stale result %q", result)
	}
}
