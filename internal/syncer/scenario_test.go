package syncer

import (
	"context"
	"fmt"
	"io"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/punchamoorthee/jimpitan/internal/api"
	"github.com/punchamoorthee/jimpitan/internal/cache"
	"github.com/punchamoorthee/jimpitan/internal/client"
	"github.com/punchamoorthee/jimpitan/internal/domain"
	"github.com/punchamoorthee/jimpitan/internal/localstore"
	"github.com/punchamoorthee/jimpitan/internal/logger"
	"github.com/punchamoorthee/jimpitan/internal/models"
	"github.com/punchamoorthee/jimpitan/internal/netmon"
	"github.com/punchamoorthee/jimpitan/internal/queue"
	"github.com/punchamoorthee/jimpitan/internal/service"
	"github.com/punchamoorthee/jimpitan/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stack struct {
	ledger *store.MemoryLedger
	queue  *queue.Queue
	engine *Engine
	mon    *fakeMonitor
}

// newStack wires the engine to a real server over HTTP through the cache
// manager, with the durable queue on sqlite.
func newStack(t *testing.T) *stack {
	t.Helper()
	log := logger.NewWithWriter(io.Discard)

	ledger := store.NewMemoryLedger()
	require.NoError(t, ledger.CreateCustomer(context.Background(), &domain.Customer{CustomerCode: "C1", Name: "Bu Sari"}))
	h := api.NewHandler(service.NewReconciler(ledger, log), service.NewReports(ledger, 5), service.NewCustomers(ledger), ledger, log)
	srv := httptest.NewServer(h.Router())
	t.Cleanup(srv.Close)

	db, err := localstore.Open(filepath.Join(t.TempDir(), "device.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	m, err := cache.NewManager(context.Background(), db, nil, cache.DefaultPolicy(time.Second, 5*time.Second), log)
	require.NoError(t, err)

	q := queue.New(db, log)
	mon := &fakeMonitor{}
	e := New(q, client.New(srv.URL, m, log), mon, testOptions, log)
	return &stack{ledger: ledger, queue: q, engine: e, mon: mon}
}

func (s *stack) balance(t *testing.T) int64 {
	t.Helper()
	c, err := s.ledger.GetCustomer(context.Background(), "C1")
	require.NoError(t, err)
	return c.RunningBalance
}

func TestScenario_OfflineDepositThenReconnect(t *testing.T) {
	s := newStack(t)
	ctx := context.Background()
	assert.Equal(t, int64(0), s.balance(t))

	out, err := s.engine.Submit(ctx, collection("", 50000))
	require.NoError(t, err)
	require.True(t, out.Queued)
	n, err := s.queue.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, int64(0), s.balance(t))

	s.mon.up.Store(true)
	res, err := s.engine.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Acked)
	assert.Equal(t, 0, res.Remaining)
	assert.Equal(t, int64(50000), s.balance(t))

	// duplicate wake
	res, err = s.engine.Drain(ctx)
	require.NoError(t, err)
	assert.Zero(t, res.Acked)
	assert.Equal(t, int64(50000), s.balance(t))

	// the ack was lost and the entry resubmitted
	require.NoError(t, s.queue.Enqueue(ctx, models.PendingTransaction{IdempotencyKey: out.IdempotencyKey, Payload: collection(out.IdempotencyKey, 50000)}))
	res, err = s.engine.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Acked)
	assert.Equal(t, 1, res.Replayed)
	assert.Equal(t, int64(50000), s.balance(t))
}

func TestScenario_DrainRoundTrip(t *testing.T) {
	s := newStack(t)
	ctx := context.Background()

	keys := make([]string, 5)
	for i := range keys {
		out, err := s.engine.Submit(ctx, collection(fmt.Sprintf("device-1-%d", i), int64(1000*(i+1))))
		require.NoError(t, err)
		keys[i] = out.IdempotencyKey
	}

	s.mon.up.Store(true)
	res, err := s.engine.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 5, res.Acked)

	n, err := s.queue.Len(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	for _, k := range keys {
		txn, err := s.ledger.GetTransaction(ctx, k)
		require.NoError(t, err)
		assert.Equal(t, k, txn.TransactionCode)
		assert.Equal(t, domain.StatusSuccess, txn.Status)
	}
	assert.Equal(t, int64(15000), s.balance(t))
}

func TestScenario_ServerRejectionParks(t *testing.T) {
	s := newStack(t)
	ctx := context.Background()

	unknown := collection("k-unknown", 1000)
	unknown.CustomerCode = "GHOST"
	_, err := s.engine.Submit(ctx, unknown)
	require.NoError(t, err)
	_, err = s.engine.Submit(ctx, collection("k-ok", 2000))
	require.NoError(t, err)

	s.mon.up.Store(true)
	res, err := s.engine.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Rejected)
	assert.Equal(t, 1, res.Acked)
	assert.Equal(t, int64(2000), s.balance(t))

	parked, err := s.queue.Get(ctx, "k-unknown")
	require.NoError(t, err)
	assert.Equal(t, models.StateRejected, parked.State)
	assert.Contains(t, parked.LastError, "unknown customer")
}

func TestServe_PendingAndDrainMessages(t *testing.T) {
	sub := newFakeSubmitter()
	e, _ := newTestEngine(t, queue.NewMemory(), sub)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	_, err := e.Submit(ctx, collection("k1", 1000))
	require.NoError(t, err)

	reqs := make(chan Request)
	go e.Serve(ctx, reqs)

	pending := make(chan PendingReply, 1)
	reqs <- PendingRequest{Reply: pending}
	pr := <-pending
	require.NoError(t, pr.Err)
	require.Len(t, pr.Entries, 1)
	assert.Equal(t, "k1", pr.Entries[0].IdempotencyKey)

	drained := make(chan DrainReply, 1)
	reqs <- DrainRequest{Reply: drained}
	dr := <-drained
	require.NoError(t, dr.Err)
	assert.Equal(t, 1, dr.Result.Acked)

	select {
	case n := <-e.Notices():
		assert.Equal(t, 1, n.Acked)
		assert.Equal(t, 0, n.Remaining)
	case <-time.After(time.Second):
		t.Fatal("no sync notice")
	}
}

func TestRun_DrainsWhenReachable(t *testing.T) {
	sub := newFakeSubmitter()
	q := queue.NewMemory()
	e, mon := newTestEngine(t, q, sub)
	ctx, cancel := context.WithCancel(context.Background())

	_, err := e.Submit(ctx, collection("k1", 1000))
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- e.Run(ctx) }()

	require.Eventually(t, func() bool {
		mon.up.Store(true)
		mon.emit(netmon.BecameReachable)
		n, _ := q.Len(context.Background())
		return n == 0
	}, 2*time.Second, 20*time.Millisecond)
	assert.Equal(t, []string{"k1"}, sub.Calls())

	cancel()
	assert.NoError(t, <-done)
}

type upProber struct{}

func (upProber) Probe(context.Context) error { return nil }

func TestRun_DrainsWhenReachableBeforeStart(t *testing.T) {
	sub := newFakeSubmitter()
	q := queue.NewMemory()
	log := logger.NewWithWriter(io.Discard)
	mon := netmon.New(upProber{}, netmon.Options{}, log)
	e := New(q, sub, mon, testOptions, log)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	_, err := e.Submit(ctx, collection("k1", 1000))
	require.NoError(t, err)

	monDone := make(chan error, 1)
	go func() { monDone <- mon.Run(ctx) }()
	require.Eventually(t, mon.Reachable, time.Second, 5*time.Millisecond)

	done := make(chan error, 1)
	go func() { done <- e.Run(ctx) }()

	require.Eventually(t, func() bool {
		n, _ := q.Len(context.Background())
		return n == 0
	}, 2*time.Second, 20*time.Millisecond)
	assert.Equal(t, []string{"k1"}, sub.Calls())

	cancel()
	assert.NoError(t, <-done)
	<-monDone
}

func TestRun_InvalidSchedule(t *testing.T) {
	e := New(queue.NewMemory(), newFakeSubmitter(), &fakeMonitor{}, Options{Schedule: "not a schedule"}, logger.NewWithWriter(io.Discard))
	assert.Error(t, e.Run(context.Background()))
}
