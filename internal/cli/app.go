package cli

import (
	"context"

	"github.com/punchamoorthee/jimpitan/internal/cache"
	"github.com/punchamoorthee/jimpitan/internal/client"
	"github.com/punchamoorthee/jimpitan/internal/config"
	"github.com/punchamoorthee/jimpitan/internal/localstore"
	"github.com/punchamoorthee/jimpitan/internal/logger"
	"github.com/punchamoorthee/jimpitan/internal/netmon"
	"github.com/punchamoorthee/jimpitan/internal/queue"
	"github.com/punchamoorthee/jimpitan/internal/syncer"
	"github.com/rs/zerolog"
)

// app is the client stack shared by every command.
type app struct {
	cfg     *config.AgentConfig
	log     zerolog.Logger
	db      *localstore.DB
	cache   *cache.Manager
	client  *client.Client
	queue   queue.Store
	monitor *netmon.Monitor
	engine  *syncer.Engine
	// degraded is set when the device database could not be opened.
	degraded bool
}

// openApp wires the client stack. An unusable device database does not stop
// it: the queue degrades to memory and the cache to a private in-memory
// database.
func openApp(ctx context.Context, cfg *config.AgentConfig, log zerolog.Logger) (*app, error) {
	a := &app{cfg: cfg, log: log}

	db, err := localstore.Open(cfg.DataPath)
	if err != nil {
		log.Warn().Err(err).Str("path", cfg.DataPath).Msg("device storage unavailable, running degraded")
		a.degraded = true
		a.queue = queue.Unavailable{Err: err}
		if db, err = localstore.Open(":memory:"); err != nil {
			return nil, WrapExitError(ExitCommandError, "cannot open any storage", err)
		}
	} else {
		a.queue = queue.New(db, log)
	}
	a.db = db

	policy := cache.DefaultPolicy(cfg.ReadTimeout, cfg.WriteTimeout)
	if cfg.PolicyFile != "" {
		if policy, err = cache.LoadPolicy(cfg.PolicyFile); err != nil {
			db.Close()
			return nil, WrapExitError(ExitCommandError, "invalid cache policy", err)
		}
	}
	if a.cache, err = cache.NewManager(ctx, db, nil, policy, log); err != nil {
		db.Close()
		return nil, WrapExitError(ExitCommandError, "cache unavailable", err)
	}

	a.client = client.New(cfg.ServerURL, a.cache, log)
	a.monitor = netmon.New(netmon.NewHTTPProber(cfg.ServerURL, cfg.ReadTimeout), netmon.Options{
		Debounce:     cfg.Debounce,
		PollInterval: cfg.ProbeInterval,
		ProbeTimeout: cfg.ReadTimeout,
	}, log)
	a.engine = syncer.New(a.queue, a.client, a.monitor, syncer.Options{
		BackoffBase: cfg.BackoffBase,
		BackoffMax:  cfg.BackoffMax,
		BackoffCap:  cfg.BackoffCap,
		Schedule:    cfg.DrainSchedule,
	}, log)
	return a, nil
}

func (a *app) Close() error {
	return a.db.Close()
}

func commandLogger(opts *RootOptions) zerolog.Logger {
	return logger.New(opts.Config.LogLevel)
}
