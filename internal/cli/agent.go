package cli

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/punchamoorthee/jimpitan/internal/logger"
	"github.com/punchamoorthee/jimpitan/internal/syncer"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

type AgentOptions struct {
	*RootOptions
}

func NewAgentCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &AgentOptions{RootOptions: rootOpts}
	return &cobra.Command{
		Use:   "agent",
		Short: "Run the background sync agent",
		Long: `Run the sync agent until interrupted. It watches server reachability and
drains queued collections when the server comes back, on the drain schedule,
and after a backed-off entry becomes due.

When JIMPITAN_METRICS_ADDR is set, the agent also serves:
  GET  /metrics        Prometheus metrics
  GET  /sync/pending   queued collections
  POST /sync/drain     drain now and return the result`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAgent(cmd.Context(), opts, cmd)
		},
	}
}

func runAgent(ctx context.Context, opts *AgentOptions, cmd *cobra.Command) error {
	level := opts.Config.LogLevel
	if !cmd.Flags().Changed("log-level") && os.Getenv("LOG_LEVEL") == "" {
		level = "info"
	}
	log := logger.New(level)

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := openApp(ctx, opts.Config, log)
	if err != nil {
		return err
	}
	defer a.Close()

	requests := make(chan syncer.Request)
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := a.monitor.Run(ctx); !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})
	g.Go(func() error { return a.engine.Run(ctx) })
	g.Go(func() error {
		a.engine.Serve(ctx, requests)
		return nil
	})
	g.Go(func() error {
		for {
			select {
			case <-ctx.Done():
				return nil
			case n := <-a.engine.Notices():
				log.Info().Int("acked", n.Acked).Int("rejected", n.Rejected).Int("remaining", n.Remaining).Msg("sync complete")
			}
		}
	})
	if addr := opts.Config.MetricsAddr; addr != "" {
		g.Go(func() error { return serveControl(ctx, addr, requests, log) })
	}

	log.Info().Str("server", opts.Config.ServerURL).Str("data", opts.Config.DataPath).Bool("degraded", a.degraded).Msg("agent started")
	err = g.Wait()
	log.Info().Msg("agent stopped")
	return err
}

// serveControl exposes metrics and the engine's request channel over HTTP.
func serveControl(ctx context.Context, addr string, requests chan<- syncer.Request, log zerolog.Logger) error {
	r := mux.NewRouter()
	r.Handle("/metrics", promhttp.Handler())
	r.HandleFunc("/sync/pending", func(w http.ResponseWriter, req *http.Request) {
		reply := make(chan syncer.PendingReply, 1)
		if !send(req.Context(), requests, syncer.PendingRequest{Reply: reply}) {
			http.Error(w, "agent stopping", http.StatusServiceUnavailable)
			return
		}
		select {
		case res := <-reply:
			if res.Err != nil {
				writeJSON(w, http.StatusInternalServerError, CLIResponse{Status: "error", Data: res.Err.Error()})
				return
			}
			writeJSON(w, http.StatusOK, CLIResponse{Status: "ok", Data: res.Entries})
		case <-req.Context().Done():
		}
	}).Methods(http.MethodGet)
	r.HandleFunc("/sync/drain", func(w http.ResponseWriter, req *http.Request) {
		reply := make(chan syncer.DrainReply, 1)
		if !send(req.Context(), requests, syncer.DrainRequest{Reply: reply}) {
			http.Error(w, "agent stopping", http.StatusServiceUnavailable)
			return
		}
		select {
		case res := <-reply:
			if res.Err != nil {
				writeJSON(w, http.StatusInternalServerError, CLIResponse{Status: "error", Data: res.Err.Error()})
				return
			}
			writeJSON(w, http.StatusOK, CLIResponse{Status: "ok", Data: res.Result})
		case <-req.Context().Done():
		}
	}).Methods(http.MethodPost)

	srv := &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 2 * time.Minute,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	log.Info().Str("addr", addr).Msg("control endpoint listening")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func send(ctx context.Context, requests chan<- syncer.Request, req syncer.Request) bool {
	select {
	case requests <- req:
		return true
	case <-ctx.Done():
		return false
	}
}
