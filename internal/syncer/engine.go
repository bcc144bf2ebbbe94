// Package syncer delivers writes to the server: immediately when it can,
// otherwise from the durable queue once the network comes back.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/punchamoorthee/jimpitan/internal/apperr"
	"github.com/punchamoorthee/jimpitan/internal/client"
	"github.com/punchamoorthee/jimpitan/internal/domain"
	"github.com/punchamoorthee/jimpitan/internal/models"
	"github.com/punchamoorthee/jimpitan/internal/netmon"
	"github.com/punchamoorthee/jimpitan/internal/queue"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
)

const degradedWarning = "device storage is unavailable; this write is held in memory only and is lost if the app closes"

var (
	deliveries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "jimpitan_sync_deliveries_total",
		Help: "Delivery attempts by outcome",
	}, []string{"outcome"})

	drains = promauto.NewCounter(prometheus.CounterOpts{
		Name: "jimpitan_sync_drains_total",
		Help: "Completed drain runs",
	})

	queueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "jimpitan_sync_queue_depth",
		Help: "Entries waiting for delivery after the last drain",
	})
)

// Submitter delivers one transaction under its idempotency key.
type Submitter interface {
	SubmitTransaction(ctx context.Context, key string, req domain.TransactionRequest) (*client.Ack, error)
}

// Monitor is the part of netmon.Monitor the engine needs.
type Monitor interface {
	Reachable() bool
	Subscribe(ctx context.Context) <-chan netmon.Event
}

type Options struct {
	BackoffBase time.Duration
	BackoffMax  time.Duration
	BackoffCap  int
	// Schedule is a cron spec for periodic drains. Empty disables it.
	Schedule string
}

// Outcome reports what Submit did with a write.
type Outcome struct {
	IdempotencyKey string
	Delivered      bool
	Replayed       bool
	Transaction    *domain.Transaction
	Queued         bool
	// Warning is set when the write could not be stored durably.
	Warning string
}

// Result summarizes a drain run.
type Result struct {
	Acked    int
	Replayed int
	Rejected int
	Failed   int
	// Stopped is set when a transient failure ended the pass early.
	Stopped bool
	// NextAttemptAt is when the oldest waiting entry becomes eligible again.
	NextAttemptAt time.Time
	Remaining     int
}

func (r *Result) add(o Result) {
	r.Acked += o.Acked
	r.Replayed += o.Replayed
	r.Rejected += o.Rejected
	r.Failed += o.Failed
	r.Stopped = o.Stopped
	r.NextAttemptAt = o.NextAttemptAt
}

type Engine struct {
	queue     queue.Store
	fallback  *queue.Memory
	submitter Submitter
	monitor   Monitor
	opts      Options
	log       zerolog.Logger
	now       func() time.Time

	group   singleflight.Group
	dirty   atomic.Bool
	trigger chan struct{}
	notices chan SyncComplete
}

func New(q queue.Store, submitter Submitter, monitor Monitor, opts Options, log zerolog.Logger) *Engine {
	if opts.BackoffBase <= 0 {
		opts.BackoffBase = 2 * time.Second
	}
	if opts.BackoffMax <= 0 {
		opts.BackoffMax = 10 * time.Minute
	}
	return &Engine{
		queue:     q,
		fallback:  queue.NewMemory(),
		submitter: submitter,
		monitor:   monitor,
		opts:      opts,
		log:       log,
		now:       time.Now,
		trigger:   make(chan struct{}, 1),
		notices:   make(chan SyncComplete, 8),
	}
}

// SetClock overrides the time source used for backoff.
func (e *Engine) SetClock(now func() time.Time) {
	e.now = now
}

// Submit records a collection. It is delivered at once when the server is
// reachable and queued otherwise. Validation errors are returned without
// queueing anything.
func (e *Engine) Submit(ctx context.Context, req domain.TransactionRequest) (Outcome, error) {
	if err := validate(req); err != nil {
		return Outcome{}, err
	}
	key := req.TransactionCode
	if key == "" {
		key = uuid.NewString()
	}
	req.TransactionCode = key
	out := Outcome{IdempotencyKey: key}
	log := e.log.With().Str("idempotency_key", key).Str("customer_code", req.CustomerCode).Logger()

	if e.monitor.Reachable() {
		ack, err := e.submitter.SubmitTransaction(ctx, key, req)
		switch {
		case err == nil:
			deliveries.WithLabelValues("acked").Inc()
			out.Delivered = true
			out.Replayed = ack.Replayed
			out.Transaction = &ack.Transaction
			return out, nil
		case apperr.IsValidation(err):
			deliveries.WithLabelValues("rejected").Inc()
			return out, err
		default:
			deliveries.WithLabelValues("failed").Inc()
			log.Info().Err(err).Msg("immediate delivery failed, queueing")
		}
	}

	rec := models.PendingTransaction{IdempotencyKey: key, Payload: req, CreatedAt: e.now()}
	err := e.queue.Enqueue(ctx, rec)
	if apperr.IsStorage(err) {
		log.Warn().Err(err).Msg("durable queue unavailable, holding write in memory")
		out.Warning = degradedWarning
		err = e.fallback.Enqueue(ctx, rec)
	}
	if err != nil {
		return out, fmt.Errorf("queue %s: %w", key, err)
	}
	out.Queued = true
	log.Info().Msg("transaction queued")
	return out, nil
}

// Drain delivers every eligible queued entry, oldest first. Calls that
// overlap a running drain join it; a trigger that arrives mid-run causes one
// more pass before it returns. A cancelled drain leaves the entry it was
// delivering in-flight for the next run to pick up.
func (e *Engine) Drain(ctx context.Context) (Result, error) {
	e.dirty.Store(true)
	v, err, shared := e.group.Do("drain", func() (interface{}, error) {
		var total Result
		for e.dirty.Swap(false) {
			r, err := e.drainAll(ctx)
			total.add(r)
			if err != nil {
				return total, err
			}
		}
		total.Remaining = e.remaining(ctx)
		drains.Inc()
		queueDepth.Set(float64(total.Remaining))
		e.notify(SyncComplete{Acked: total.Acked, Rejected: total.Rejected, Remaining: total.Remaining, At: e.now()})
		return total, nil
	})
	if shared {
		e.log.Debug().Msg("drain coalesced into running pass")
	}
	res, _ := v.(Result)
	return res, err
}

// drainAll makes one pass over the durable queue and then the in-memory
// fallback.
func (e *Engine) drainAll(ctx context.Context) (Result, error) {
	res, err := e.drainStore(ctx, e.queue)
	if apperr.IsStorage(err) {
		e.log.Warn().Err(err).Msg("durable queue unavailable during drain")
		err = nil
	}
	if err != nil || res.Stopped {
		return res, err
	}
	mem, err := e.drainStore(ctx, e.fallback)
	res.add(mem)
	return res, err
}

func (e *Engine) drainStore(ctx context.Context, q queue.Store) (Result, error) {
	var res Result
	if n, err := q.ResetInFlight(ctx); err != nil {
		return res, err
	} else if n > 0 {
		e.log.Info().Int("count", n).Msg("recovered interrupted deliveries")
	}
	entries, err := q.PeekAll(ctx)
	if err != nil {
		return res, err
	}

	now := e.now()
	for _, p := range entries {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		if p.State == models.StateRejected {
			continue
		}
		// Strict FIFO: a waiting head holds back everything behind it.
		if !p.Eligible(now) {
			res.Stopped = true
			res.NextAttemptAt = p.NextAttemptAt
			return res, nil
		}
		if err := q.MarkInFlight(ctx, p.IdempotencyKey); err != nil {
			if errors.Is(err, queue.ErrNotPending) || errors.Is(err, queue.ErrNotFound) {
				continue
			}
			return res, err
		}

		stop, err := e.deliver(ctx, q, p, &res)
		if err != nil || stop {
			return res, err
		}
	}
	return res, nil
}

// deliver submits one claimed entry and settles its state. It reports
// whether the pass must stop.
func (e *Engine) deliver(ctx context.Context, q queue.Store, p models.PendingTransaction, res *Result) (bool, error) {
	log := e.log.With().Str("idempotency_key", p.IdempotencyKey).Int("attempts", p.Attempts).Logger()

	ack, err := e.submitter.SubmitTransaction(ctx, p.IdempotencyKey, p.Payload)
	switch {
	case err == nil:
		if err := q.Remove(ctx, p.IdempotencyKey); err != nil {
			return true, err
		}
		res.Acked++
		if ack.Replayed {
			res.Replayed++
			deliveries.WithLabelValues("replayed").Inc()
		} else {
			deliveries.WithLabelValues("acked").Inc()
		}
		log.Info().Bool("replayed", ack.Replayed).Msg("transaction delivered")
		return false, nil

	case ctx.Err() != nil:
		return true, ctx.Err()

	case apperr.IsValidation(err):
		if err := q.MarkRejected(ctx, p.IdempotencyKey, err.Error()); err != nil {
			return true, err
		}
		res.Rejected++
		deliveries.WithLabelValues("rejected").Inc()
		log.Warn().Err(err).Msg("server rejected transaction, parked for correction")
		return false, nil

	default:
		attempts := p.Attempts + 1
		next := e.now().Add(e.Backoff(attempts))
		if err := q.MarkPending(ctx, p.IdempotencyKey, attempts, next, err.Error()); err != nil {
			return true, err
		}
		res.Failed++
		res.Stopped = true
		res.NextAttemptAt = next
		deliveries.WithLabelValues("failed").Inc()
		log.Info().Err(err).Time("next_attempt_at", next).Msg("delivery failed, backing off")
		return true, nil
	}
}

// Backoff is base * 2^min(attempts, cap), bounded by the configured maximum.
func (e *Engine) Backoff(attempts int) time.Duration {
	exp := attempts
	if exp > e.opts.BackoffCap {
		exp = e.opts.BackoffCap
	}
	if exp < 0 {
		exp = 0
	}
	d := e.opts.BackoffBase
	for i := 0; i < exp; i++ {
		d *= 2
		if d >= e.opts.BackoffMax {
			return e.opts.BackoffMax
		}
	}
	return d
}

// Pending returns every undelivered entry, durable and in-memory, oldest
// first.
func (e *Engine) Pending(ctx context.Context) ([]models.PendingTransaction, error) {
	entries, err := e.queue.PeekAll(ctx)
	if err != nil && !apperr.IsStorage(err) {
		return nil, err
	}
	mem, err := e.fallback.PeekAll(ctx)
	if err != nil {
		return nil, err
	}
	entries = append(entries, mem...)
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].CreatedAt.Before(entries[j].CreatedAt)
	})
	return entries, nil
}

func (e *Engine) remaining(ctx context.Context) int {
	n, err := e.queue.Len(ctx)
	if err != nil {
		n = 0
	}
	m, _ := e.fallback.Len(ctx)
	return n + m
}

func validate(req domain.TransactionRequest) error {
	if strings.TrimSpace(req.CustomerCode) == "" {
		return apperr.Invalid("customer_code", "required")
	}
	from, err := time.Parse(domain.DateLayout, req.DateFrom)
	if err != nil {
		return apperr.Invalid("date_from", "must be YYYY-MM-DD")
	}
	to, err := time.Parse(domain.DateLayout, req.DateTo)
	if err != nil {
		return apperr.Invalid("date_to", "must be YYYY-MM-DD")
	}
	if to.Before(from) {
		return apperr.Invalid("date_to", "must not be before date_from")
	}
	if req.Amount <= 0 {
		return apperr.Invalid("amount", "must be positive")
	}
	if req.Kind != "" && !req.Kind.Valid() {
		return apperr.Invalid("kind", "must be deposit or withdrawal")
	}
	return nil
}
