// Package app wires configuration, stores and services into a runnable
// application.
package app

import (
	"context"
	"fmt"
	"net/http"

	"github.com/go-redis/redis/v8"

	"github.com/threadline/platform/internal/app/httpapi"
	"github.com/threadline/platform/internal/app/runtime"
	escrowsvc "github.com/threadline/platform/internal/app/services/escrow"
	ledgersvc "github.com/threadline/platform/internal/app/services/ledger"
	"github.com/threadline/platform/internal/app/services/notify"
	paymentsvc "github.com/threadline/platform/internal/app/services/payments"
	workflowsvc "github.com/threadline/platform/internal/app/services/workflow"
	"github.com/threadline/platform/internal/app/storage"
	"github.com/threadline/platform/internal/app/system"
	"github.com/threadline/platform/internal/config"
	"github.com/threadline/platform/internal/middleware"
	"github.com/threadline/platform/pkg/logger"
)

// Stores groups the persistence interfaces the application depends on. One
// backing store may satisfy all of them.
type Stores struct {
	Ledger      storage.LedgerStore
	Escrow      storage.EscrowStore
	Engagements storage.EngagementStore
	Payments    storage.PaymentStore
}

// Application is the assembled service graph.
type Application struct {
	Ledger   *ledgersvc.Service
	Escrow   *escrowsvc.Service
	Payments *paymentsvc.Service
	Workflow *workflowsvc.Service

	manager *system.Manager
	log     *logger.Logger
}

// New wires the application from configuration and stores.
func New(cfg *config.Config, stores Stores, log *logger.Logger) (*Application, error) {
	if log == nil {
		log = logger.New(cfg.Logging.ToLogger())
	}

	notifier, err := buildNotifier(cfg.Notifier, log)
	if err != nil {
		return nil, err
	}

	ledger := ledgersvc.New(stores.Ledger, notifier, log.WithField("component", "ledger"),
		ledgersvc.WithLowBalanceThreshold(cfg.Ledger.LowBalanceThreshold))
	escrow := escrowsvc.New(stores.Escrow, stores.Engagements, ledger, notifier, log.WithField("component", "escrow"))

	var provider paymentsvc.Provider
	if cfg.Payments.ProviderURL != "" {
		provider, err = paymentsvc.NewHTTPProvider(nil, cfg.Payments.ProviderURL, cfg.Payments.ProviderSecret, log.WithField("component", "payment-provider"))
		if err != nil {
			return nil, fmt.Errorf("build payment provider: %w", err)
		}
	}
	payments := paymentsvc.New(stores.Payments, ledger, provider, cfg.Payments.WebhookSecret, log.WithField("component", "payments"))

	workflowOpts := []workflowsvc.Option{
		workflowsvc.WithCooldown(cfg.Workflow.Cooldown),
		workflowsvc.WithActionTTL(cfg.Workflow.ActionTTL),
	}
	if cfg.Redis.Addr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		workflowOpts = append(workflowOpts, workflowsvc.WithLocker(workflowsvc.NewRedisLocker(client, "")))
	}
	workflow := workflowsvc.New(stores.Engagements, log.WithField("component", "workflow"), workflowOpts...)

	app := &Application{
		Ledger:   ledger,
		Escrow:   escrow,
		Payments: payments,
		Workflow: workflow,
		manager:  system.NewManager(),
		log:      log,
	}

	limiter := middleware.NewRateLimiter(cfg.Server.RatePerSecond, cfg.Server.RateBurst)
	handler := httpapi.New(ledger, escrow, payments, workflow, limiter, log.WithField("component", "httpapi"))
	server := runtime.NewHTTPServer(cfg.Server, handler.Router(), log.WithField("component", "httpserver"))
	if err := app.manager.Register(server); err != nil {
		return nil, err
	}

	if provider != nil {
		reconciler := paymentsvc.NewReconciler(payments, cfg.Payments.SweepSchedule, cfg.Payments.SweepMinAge, log.WithField("component", "payment-reconciler"))
		if err := app.manager.Register(reconciler); err != nil {
			return nil, err
		}
	}

	return app, nil
}

// Start brings up every managed service.
func (a *Application) Start(ctx context.Context) error {
	return a.manager.Start(ctx)
}

// Stop shuts services down in reverse order.
func (a *Application) Stop(ctx context.Context) error {
	return a.manager.Stop(ctx)
}

func buildNotifier(cfg config.NotifierConfig, log *logger.Logger) (notify.Notifier, error) {
	if cfg.Endpoint == "" {
		return notify.NewLogNotifier(log.WithField("component", "notify")), nil
	}
	notifier, err := notify.NewHTTPNotifier(http.DefaultClient, cfg.Endpoint, cfg.APIKey, log.WithField("component", "notify"))
	if err != nil {
		return nil, fmt.Errorf("build notifier: %w", err)
	}
	return notifier, nil
}
