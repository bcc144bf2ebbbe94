package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/punchamoorthee/jimpitan/internal/api"
	"github.com/punchamoorthee/jimpitan/internal/config"
	"github.com/punchamoorthee/jimpitan/internal/logger"
	"github.com/punchamoorthee/jimpitan/internal/service"
	"github.com/punchamoorthee/jimpitan/internal/store"
	"github.com/rs/zerolog"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		bootLog := logger.New("info")
		bootLog.Fatal().Err(err).Msg("invalid configuration")
	}

	var log zerolog.Logger
	if cfg.Env == "production" {
		log = logger.NewJSON(cfg.LogLevel)
	} else {
		log = logger.New(cfg.LogLevel)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var handler *api.Handler
	switch cfg.Ledger {
	case config.LedgerMemory:
		log.Warn().Msg("using in-memory ledger, data is lost on restart")
		handler = newHandler(store.NewMemoryLedger(), cfg, log)
	default:
		dbPool, err := store.Connect(ctx, cfg.DBSource)
		if err != nil {
			log.Fatal().Err(err).Msg("unable to connect to database")
		}
		defer dbPool.Close()

		pg := store.NewLedgerStore(dbPool)
		if cfg.AutoMigrate {
			if err := pg.Migrate(ctx); err != nil {
				log.Fatal().Err(err).Msg("migration failed")
			}
		}
		handler = newHandler(pg, cfg, log)
	}

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      handler.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Info().Str("port", cfg.Port).Str("env", cfg.Env).Msg("server starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("server failed")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("graceful shutdown failed")
	}
}

// ledger is what the handler stack needs from a backend. Both store.LedgerStore
// and store.MemoryLedger satisfy it.
type ledger interface {
	service.Ledger
	service.ReportStore
	service.CustomerStore
	api.Pinger
}

func newHandler(l ledger, cfg *config.Config, log zerolog.Logger) *api.Handler {
	return api.NewHandler(
		service.NewReconciler(l, log),
		service.NewReports(l, cfg.ReportTopN),
		service.NewCustomers(l),
		l,
		log,
	)
}
