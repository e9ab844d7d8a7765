// Command server runs the ledger and escrow platform API.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/threadline/platform/internal/app"
	"github.com/threadline/platform/internal/app/runtime"
	"github.com/threadline/platform/internal/app/storage/memory"
	"github.com/threadline/platform/internal/app/storage/postgres"
	"github.com/threadline/platform/internal/config"
	"github.com/threadline/platform/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logger.NewDefault("main").WithError(err).Fatal("loading configuration")
	}

	log := logger.New(cfg.Logging.ToLogger())

	var stores app.Stores
	if cfg.Database.URL != "" {
		db, err := runtime.OpenDatabase(cfg.Database)
		if err != nil {
			log.WithError(err).Fatal("opening database")
		}
		defer db.Close()
		store := postgres.New(db)
		stores = app.Stores{Ledger: store, Escrow: store, Engagements: store, Payments: store}
		log.Info("using postgres store")
	} else {
		store := memory.New()
		stores = app.Stores{Ledger: store, Escrow: store, Engagements: store, Payments: store}
		log.Warn("no database configured, using in-memory store")
	}

	application, err := app.New(cfg, stores, log)
	if err != nil {
		log.WithError(err).Fatal("wiring application")
	}

	ctx := context.Background()
	if err := application.Start(ctx); err != nil {
		log.WithError(err).Fatal("starting application")
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := application.Stop(shutdownCtx); err != nil {
		log.WithError(err).Error("shutdown incomplete")
	}
}
