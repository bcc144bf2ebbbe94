// Package netmon tracks whether the server is reachable. OS connectivity
// changes arrive as hints; only a successful liveness probe declares the
// server reachable.
package netmon

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

type EventKind int

const (
	BecameReachable EventKind = iota + 1
	BecameUnreachable
)

func (k EventKind) String() string {
	switch k {
	case BecameReachable:
		return "became-reachable"
	case BecameUnreachable:
		return "became-unreachable"
	default:
		return "unknown"
	}
}

// Event is a reachability transition. Events are edge-triggered: two events
// in a row never carry the same Kind.
type Event struct {
	Kind EventKind
	At   time.Time
}

// Prober checks server liveness.
type Prober interface {
	Probe(ctx context.Context) error
}

// HTTPProber probes GET {BaseURL}/health and expects a 2xx.
type HTTPProber struct {
	BaseURL string
	Client  *http.Client
}

func NewHTTPProber(baseURL string, timeout time.Duration) *HTTPProber {
	return &HTTPProber{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Client:  &http.Client{Timeout: timeout},
	}
}

func (p *HTTPProber) Probe(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.BaseURL+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := p.Client.Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("health check returned %d", resp.StatusCode)
	}
	return nil
}

type Options struct {
	// Debounce collapses hints arriving within this window to the latest.
	Debounce time.Duration
	// PollInterval, when positive, probes periodically for platforms without
	// reliable connectivity hints.
	PollInterval time.Duration
	ProbeTimeout time.Duration
}

const subscriberBuffer = 16

type Monitor struct {
	prober Prober
	opts   Options
	log    zerolog.Logger

	reachable atomic.Bool
	hints     chan bool

	mu   sync.Mutex
	subs map[chan Event]struct{}
}

func New(prober Prober, opts Options, log zerolog.Logger) *Monitor {
	if opts.ProbeTimeout <= 0 {
		opts.ProbeTimeout = 3 * time.Second
	}
	return &Monitor{
		prober: prober,
		opts:   opts,
		log:    log,
		hints:  make(chan bool, 1),
		subs:   make(map[chan Event]struct{}),
	}
}

// Reachable reports the last known state. It starts false.
func (m *Monitor) Reachable() bool {
	return m.reachable.Load()
}

// Hint records an OS connectivity change without blocking. An unconsumed
// earlier hint is replaced.
func (m *Monitor) Hint(up bool) {
	for {
		select {
		case m.hints <- up:
			return
		default:
		}
		select {
		case <-m.hints:
		default:
		}
	}
}

// Check probes now and updates the state, returning the result.
func (m *Monitor) Check(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, m.opts.ProbeTimeout)
	defer cancel()

	err := m.prober.Probe(ctx)
	if err != nil {
		m.log.Debug().Err(err).Msg("liveness probe failed")
	}
	m.set(err == nil)
	return err == nil
}

// Subscribe returns a new event stream. It receives transitions that happen
// after the call and is closed when ctx ends; subscribing again starts a
// fresh stream.
func (m *Monitor) Subscribe(ctx context.Context) <-chan Event {
	ch := make(chan Event, subscriberBuffer)
	m.mu.Lock()
	m.subs[ch] = struct{}{}
	m.mu.Unlock()

	go func() {
		<-ctx.Done()
		m.mu.Lock()
		delete(m.subs, ch)
		close(ch)
		m.mu.Unlock()
	}()
	return ch
}

// Run probes once, then reacts to hints and the poll interval until ctx ends.
func (m *Monitor) Run(ctx context.Context) error {
	m.Check(ctx)

	var poll <-chan time.Time
	if m.opts.PollInterval > 0 {
		ticker := time.NewTicker(m.opts.PollInterval)
		defer ticker.Stop()
		poll = ticker.C
	}

	debounce := time.NewTimer(time.Hour)
	if !debounce.Stop() {
		<-debounce.C
	}
	defer debounce.Stop()

	var latest bool
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case up := <-m.hints:
			latest = up
			if m.opts.Debounce <= 0 {
				m.settle(ctx, latest)
				continue
			}
			if !debounce.Stop() {
				select {
				case <-debounce.C:
				default:
				}
			}
			debounce.Reset(m.opts.Debounce)

		case <-debounce.C:
			m.settle(ctx, latest)

		case <-poll:
			m.Check(ctx)
		}
	}
}

// settle applies a debounced hint. Down is trusted as-is; up must be
// confirmed by a probe.
func (m *Monitor) settle(ctx context.Context, up bool) {
	if !up {
		m.set(false)
		return
	}
	m.Check(ctx)
}

func (m *Monitor) set(up bool) {
	if m.reachable.Swap(up) == up {
		return
	}
	ev := Event{Kind: BecameUnreachable, At: time.Now()}
	if up {
		ev.Kind = BecameReachable
	}
	m.log.Info().Str("event", ev.Kind.String()).Msg("network state changed")

	m.mu.Lock()
	defer m.mu.Unlock()
	for ch := range m.subs {
		select {
		case ch <- ev:
		default:
			// Slow subscriber: drop its oldest event to keep the newest.
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- ev:
			default:
			}
		}
	}
}
