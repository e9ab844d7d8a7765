package payments

import (
	"context"
	"errors"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/threadline/platform/internal/app/domain/payment"
	"github.com/threadline/platform/pkg/logger"
)

// Reconciler periodically sweeps pending intents old enough that their
// webhook should have arrived, and settles them through verification. It
// implements system.Service.
type Reconciler struct {
	service  *Service
	schedule string
	minAge   time.Duration
	cron     *cron.Cron
	log      *logger.Logger
}

// NewReconciler builds a sweep on the given cron schedule. Intents younger
// than minAge are left for the webhook path.
func NewReconciler(service *Service, schedule string, minAge time.Duration, log *logger.Logger) *Reconciler {
	if log == nil {
		log = logger.NewDefault("payment-reconciler")
	}
	if schedule == "" {
		schedule = "*/5 * * * *"
	}
	if minAge <= 0 {
		minAge = 10 * time.Minute
	}
	return &Reconciler{service: service, schedule: schedule, minAge: minAge, log: log}
}

func (r *Reconciler) Name() string { return "payment-reconciler" }

// Start registers the sweep with the cron runner.
func (r *Reconciler) Start(ctx context.Context) error {
	r.cron = cron.New()
	if _, err := r.cron.AddFunc(r.schedule, func() {
		sweepCtx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		r.Sweep(sweepCtx)
	}); err != nil {
		return err
	}
	r.cron.Start()
	r.log.WithField("schedule", r.schedule).Info("payment reconciler started")
	return nil
}

// Stop halts the cron runner and waits for an in-flight sweep.
func (r *Reconciler) Stop(ctx context.Context) error {
	if r.cron == nil {
		return nil
	}
	stopped := r.cron.Stop()
	select {
	case <-stopped.Done():
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

// Sweep settles every pending intent older than minAge. Verification failures
// mark intents failed; transient errors leave them for the next pass.
func (r *Reconciler) Sweep(ctx context.Context) {
	cutoff := time.Now().Add(-r.minAge)
	intents, err := r.service.intents.ListPendingIntents(ctx, cutoff)
	if err != nil {
		r.log.WithError(err).Error("listing pending intents")
		return
	}
	if len(intents) == 0 {
		return
	}

	r.log.WithField("count", len(intents)).Info("reconciling stale payment intents")
	for _, intent := range intents {
		if _, _, err := r.service.CompletePurchase(ctx, intent.Reference); err != nil {
			if errors.Is(err, payment.ErrVerificationFailed) {
				r.log.WithField("reference", intent.Reference).Info("stale intent marked failed")
				continue
			}
			r.log.WithError(err).WithField("reference", intent.Reference).Warn("reconcile attempt failed")
		}
	}
}
