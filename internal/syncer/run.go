package syncer

import (
	"context"
	"fmt"
	"time"

	"github.com/punchamoorthee/jimpitan/internal/models"
	"github.com/punchamoorthee/jimpitan/internal/netmon"
	"github.com/robfig/cron/v3"
)

// SyncComplete is published after every drain run.
type SyncComplete struct {
	Acked     int
	Rejected  int
	Remaining int
	At        time.Time
}

// Request is a message from another execution context to the engine.
type Request interface {
	request()
}

// PendingRequest asks for the current queue contents.
type PendingRequest struct {
	Reply chan<- PendingReply
}

type PendingReply struct {
	Entries []models.PendingTransaction
	Err     error
}

// DrainRequest asks for a drain and waits for its result.
type DrainRequest struct {
	Reply chan<- DrainReply
}

type DrainReply struct {
	Result Result
	Err    error
}

func (PendingRequest) request() {}
func (DrainRequest) request() {}

// Trigger asks Run for a drain without waiting for it.
func (e *Engine) Trigger() {
	select {
	case e.trigger <- struct{}{}:
	default:
	}
}

// Notices delivers SyncComplete messages. When nobody reads, the oldest
// unread notice is dropped.
func (e *Engine) Notices() <-chan SyncComplete {
	return e.notices
}

func (e *Engine) notify(n SyncComplete) {
	for {
		select {
		case e.notices <- n:
			return
		default:
		}
		select {
		case <-e.notices:
		default:
		}
	}
}

// Serve answers requests until ctx ends or reqs is closed. Drains run
// concurrently so a slow drain does not hold up queue reads.
func (e *Engine) Serve(ctx context.Context, reqs <-chan Request) {
	for {
		select {
		case <-ctx.Done():
			return
		case req, ok := <-reqs:
			if !ok {
				return
			}
			switch r := req.(type) {
			case PendingRequest:
				entries, err := e.Pending(ctx)
				reply(ctx, r.Reply, PendingReply{Entries: entries, Err: err})
			case DrainRequest:
				go func() {
					res, err := e.Drain(ctx)
					reply(ctx, r.Reply, DrainReply{Result: res, Err: err})
				}()
			}
		}
	}
}

func reply[T any](ctx context.Context, ch chan<- T, v T) {
	if ch == nil {
		return
	}
	select {
	case ch <- v:
	case <-ctx.Done():
	}
}

// Run drains when the network becomes reachable, on the cron schedule, on
// Trigger, and when a backed-off entry becomes eligible again. It drains once
// at startup, which also recovers entries left in-flight by a previous run.
func (e *Engine) Run(ctx context.Context) error {
	scheduler := cron.New()
	if e.opts.Schedule != "" {
		if _, err := scheduler.AddFunc(e.opts.Schedule, e.Trigger); err != nil {
			return fmt.Errorf("drain schedule %q: %w", e.opts.Schedule, err)
		}
	}
	scheduler.Start()
	defer scheduler.Stop()

	events := e.monitor.Subscribe(ctx)
	retry := time.NewTimer(0)
	defer retry.Stop()

	e.log.Info().Str("schedule", e.opts.Schedule).Msg("sync engine started")
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if ev.Kind != netmon.BecameReachable {
				continue
			}
			e.log.Info().Msg("network reachable, draining")
		case <-e.trigger:
		case <-retry.C:
		}

		if !e.monitor.Reachable() {
			e.log.Debug().Msg("server unreachable, drain skipped")
			continue
		}
		res, err := e.Drain(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			e.log.Error().Err(err).Msg("drain failed")
			continue
		}
		e.log.Info().
			Int("acked", res.Acked).
			Int("rejected", res.Rejected).
			Int("remaining", res.Remaining).
			Msg("drain finished")
		if !res.NextAttemptAt.IsZero() {
			retry.Reset(res.NextAttemptAt.Sub(e.now()))
		}
	}
}
