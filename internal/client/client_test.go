package client

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/punchamoorthee/jimpitan/internal/api"
	"github.com/punchamoorthee/jimpitan/internal/apperr"
	"github.com/punchamoorthee/jimpitan/internal/cache"
	"github.com/punchamoorthee/jimpitan/internal/domain"
	"github.com/punchamoorthee/jimpitan/internal/localstore"
	"github.com/punchamoorthee/jimpitan/internal/logger"
	"github.com/punchamoorthee/jimpitan/internal/service"
	"github.com/punchamoorthee/jimpitan/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newLedgerServer(t *testing.T) (*httptest.Server, *store.MemoryLedger) {
	t.Helper()
	ledger := store.NewMemoryLedger()
	require.NoError(t, ledger.CreateCustomer(context.Background(), &domain.Customer{CustomerCode: "C1", Name: "Bu Sari"}))

	log := logger.NewWithWriter(io.Discard)
	h := api.NewHandler(service.NewReconciler(ledger, log), service.NewReports(ledger, 5), service.NewCustomers(ledger), ledger, log)
	srv := httptest.NewServer(h.Router())
	t.Cleanup(srv.Close)
	return srv, ledger
}

func newTestClient(t *testing.T, baseURL string) *Client {
	t.Helper()
	db, err := localstore.Open(filepath.Join(t.TempDir(), "device.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	log := logger.NewWithWriter(io.Discard)
	m, err := cache.NewManager(context.Background(), db, nil, cache.DefaultPolicy(time.Second, time.Second), log)
	require.NoError(t, err)
	return New(baseURL, m, log)
}

var deposit = domain.TransactionRequest{
	CustomerCode: "C1",
	DateFrom:     "2026-10-01",
	DateTo:       "2026-10-07",
	Amount:       50000,
	Kind:         domain.KindDeposit,
}

func TestSubmitTransaction_AckAndReplay(t *testing.T) {
	srv, ledger := newLedgerServer(t)
	c := newTestClient(t, srv.URL)
	ctx := context.Background()

	ack, err := c.SubmitTransaction(ctx, "key-1", deposit)
	require.NoError(t, err)
	assert.False(t, ack.Replayed)
	assert.Equal(t, "key-1", ack.Transaction.TransactionCode)
	assert.Equal(t, int64(50000), ack.Transaction.Amount)

	ack, err = c.SubmitTransaction(ctx, "key-1", deposit)
	require.NoError(t, err)
	assert.True(t, ack.Replayed)

	cust, err := ledger.GetCustomer(ctx, "C1")
	require.NoError(t, err)
	assert.Equal(t, int64(50000), cust.RunningBalance)
}

func TestSubmitTransaction_ErrorTaxonomy(t *testing.T) {
	srv, _ := newLedgerServer(t)
	c := newTestClient(t, srv.URL)
	ctx := context.Background()

	bad := deposit
	bad.Amount = 0
	_, err := c.SubmitTransaction(ctx, "key-bad", bad)
	require.Error(t, err)
	assert.True(t, apperr.IsValidation(err))
	assert.False(t, apperr.IsTransient(err))

	unknown := deposit
	unknown.CustomerCode = "NOPE"
	_, err = c.SubmitTransaction(ctx, "key-unknown", unknown)
	assert.True(t, apperr.IsValidation(err))

	srv.Close()
	_, err = c.SubmitTransaction(ctx, "key-2", deposit)
	require.Error(t, err)
	assert.ErrorIs(t, err, apperr.ErrOffline)
	assert.True(t, apperr.IsTransient(err))
}

func TestSubmitTransaction_ServerErrorIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		io.WriteString(w, `{"success":false,"message":"Internal Server Error"}`)
	}))
	t.Cleanup(srv.Close)
	c := newTestClient(t, srv.URL)

	_, err := c.SubmitTransaction(context.Background(), "key-1", deposit)
	require.Error(t, err)
	assert.True(t, apperr.IsTransient(err))
	assert.Contains(t, err.Error(), "500")
}

func TestSubmitTransaction_StatusClasses(t *testing.T) {
	tests := []struct {
		status    int
		transient bool
	}{
		{http.StatusNotFound, false},
		{http.StatusConflict, false},
		{http.StatusForbidden, false},
		{http.StatusRequestTimeout, true},
		{http.StatusTooManyRequests, true},
		{http.StatusBadGateway, true},
	}
	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(tt.status)
				io.WriteString(w, `{"success":false,"message":"nope"}`)
			}))
			t.Cleanup(srv.Close)
			c := newTestClient(t, srv.URL)

			_, err := c.SubmitTransaction(context.Background(), "key-1", deposit)
			require.Error(t, err)
			assert.Equal(t, tt.transient, apperr.IsTransient(err))
			assert.Equal(t, !tt.transient, apperr.IsValidation(err))
		})
	}
}

func TestReads_FallBackToCache(t *testing.T) {
	srv, _ := newLedgerServer(t)
	c := newTestClient(t, srv.URL)
	ctx := context.Background()

	_, err := c.SubmitTransaction(ctx, "key-1", deposit)
	require.NoError(t, err)

	page, err := c.ListTransactions(ctx, ListParams{Page: 1, Limit: 10})
	require.NoError(t, err)
	require.Len(t, page.Transactions, 1)
	assert.Equal(t, cache.SourceNetwork, page.Source)
	assert.Equal(t, 1, page.Pagination.Total)

	cust, meta, err := c.Customer(ctx, "C1")
	require.NoError(t, err)
	assert.Equal(t, int64(50000), cust.RunningBalance)
	assert.False(t, meta.Stale)

	srv.Close()

	page, err = c.ListTransactions(ctx, ListParams{Page: 1, Limit: 10})
	require.NoError(t, err)
	assert.True(t, page.Stale)
	assert.Equal(t, cache.SourceCache, page.Source)
	assert.Equal(t, "key-1", page.Transactions[0].TransactionCode)

	_, _, err = c.Summary(ctx, "2026-10-01", "2026-10-31")
	assert.ErrorIs(t, err, apperr.ErrNoCachedData)
}

func TestReads_Customers(t *testing.T) {
	srv, _ := newLedgerServer(t)
	c := newTestClient(t, srv.URL)
	ctx := context.Background()

	created, err := c.CreateCustomer(ctx, domain.CustomerRequest{CustomerCode: "c2", Name: "Pak Budi"})
	require.NoError(t, err)
	assert.Equal(t, "C2", created.CustomerCode)

	all, _, err := c.Customers(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	found, _, err := c.SearchCustomers(ctx, "budi")
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, "C2", found[0].CustomerCode)

	_, _, err = c.Customer(ctx, "MISSING")
	assert.True(t, errors.Is(err, ErrNotFound))

	stats, _, err := c.Dashboard(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.TotalCustomers)
}
