package netmon

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/punchamoorthee/jimpitan/internal/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeProber struct {
	up    atomic.Bool
	calls atomic.Int32
}

func (p *fakeProber) Probe(context.Context) error {
	p.calls.Add(1)
	if p.up.Load() {
		return nil
	}
	return errors.New("connection refused")
}

func startMonitor(t *testing.T, p Prober, opts Options) (*Monitor, context.Context) {
	t.Helper()
	m := New(p, opts, logger.NewWithWriter(io.Discard))
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	return m, ctx
}

func nextEvent(t *testing.T, ch <-chan Event) Event {
	t.Helper()
	select {
	case ev, ok := <-ch:
		require.True(t, ok, "stream closed")
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("no event")
		return Event{}
	}
}

func assertQuiet(t *testing.T, ch <-chan Event, d time.Duration) {
	t.Helper()
	select {
	case ev := <-ch:
		t.Fatalf("unexpected event %v", ev.Kind)
	case <-time.After(d):
	}
}

func TestMonitor_InitialProbe(t *testing.T) {
	p := &fakeProber{}
	p.up.Store(true)
	m, ctx := startMonitor(t, p, Options{Debounce: 20 * time.Millisecond})
	events := m.Subscribe(ctx)
	go m.Run(ctx)

	assert.Equal(t, BecameReachable, nextEvent(t, events).Kind)
	assert.True(t, m.Reachable())
}

func TestMonitor_DebounceCollapsesFlapping(t *testing.T) {
	p := &fakeProber{}
	m, ctx := startMonitor(t, p, Options{Debounce: 50 * time.Millisecond})
	events := m.Subscribe(ctx)
	go m.Run(ctx)

	require.Eventually(t, func() bool { return p.calls.Load() == 1 }, time.Second, 5*time.Millisecond)
	p.up.Store(true)
	for _, up := range []bool{false, true, false, true} {
		m.Hint(up)
		time.Sleep(5 * time.Millisecond)
	}

	assert.Equal(t, BecameReachable, nextEvent(t, events).Kind)
	assertQuiet(t, events, 150*time.Millisecond)
	assert.Equal(t, int32(2), p.calls.Load(), "burst must cost one probe")
}

func TestMonitor_UpHintWithoutServerStaysUnreachable(t *testing.T) {
	p := &fakeProber{}
	m, ctx := startMonitor(t, p, Options{Debounce: 10 * time.Millisecond})
	events := m.Subscribe(ctx)
	go m.Run(ctx)

	m.Hint(true)
	require.Eventually(t, func() bool { return p.calls.Load() >= 2 }, time.Second, 5*time.Millisecond)
	assertQuiet(t, events, 50*time.Millisecond)
	assert.False(t, m.Reachable())
}

func TestMonitor_DownHint(t *testing.T) {
	p := &fakeProber{}
	p.up.Store(true)
	m, ctx := startMonitor(t, p, Options{Debounce: 10 * time.Millisecond})
	events := m.Subscribe(ctx)
	go m.Run(ctx)
	require.Equal(t, BecameReachable, nextEvent(t, events).Kind)

	m.Hint(false)
	assert.Equal(t, BecameUnreachable, nextEvent(t, events).Kind)
	assert.False(t, m.Reachable())
}

func TestMonitor_PollDetectsRecovery(t *testing.T) {
	p := &fakeProber{}
	m, ctx := startMonitor(t, p, Options{PollInterval: 10 * time.Millisecond})
	events := m.Subscribe(ctx)
	go m.Run(ctx)

	p.up.Store(true)
	assert.Equal(t, BecameReachable, nextEvent(t, events).Kind)
}

func TestMonitor_SubscribeIsRestartable(t *testing.T) {
	p := &fakeProber{}
	m, ctx := startMonitor(t, p, Options{})

	subCtx, cancel := context.WithCancel(ctx)
	first := m.Subscribe(subCtx)
	cancel()
	require.Eventually(t, func() bool {
		select {
		case _, ok := <-first:
			return !ok
		default:
			return false
		}
	}, time.Second, 5*time.Millisecond)

	second := m.Subscribe(ctx)
	p.up.Store(true)
	assert.True(t, m.Check(ctx))
	assert.Equal(t, BecameReachable, nextEvent(t, second).Kind)

	// Same state again is not an edge.
	assert.True(t, m.Check(ctx))
	assertQuiet(t, second, 30*time.Millisecond)
}

func TestHTTPProber(t *testing.T) {
	healthy := atomic.Bool{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/health", r.URL.Path)
		if !healthy.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	p := NewHTTPProber(srv.URL+"/", time.Second)
	assert.Error(t, p.Probe(context.Background()))
	healthy.Store(true)
	assert.NoError(t, p.Probe(context.Background()))

	srv.Close()
	assert.Error(t, p.Probe(context.Background()))
}
