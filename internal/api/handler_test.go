package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/punchamoorthee/jimpitan/internal/domain"
	"github.com/punchamoorthee/jimpitan/internal/logger"
	"github.com/punchamoorthee/jimpitan/internal/service"
	"github.com/punchamoorthee/jimpitan/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type failingPinger struct{}

func (failingPinger) Ping(context.Context) error { return errors.New("db down") }

func newTestServer(t *testing.T) (*httptest.Server, *store.MemoryLedger) {
	t.Helper()
	ledger := store.NewMemoryLedger()
	require.NoError(t, ledger.CreateCustomer(context.Background(), &domain.Customer{CustomerCode: "C1", Name: "Bu Sari"}))

	log := logger.NewWithWriter(io.Discard)
	h := NewHandler(
		service.NewReconciler(ledger, log),
		service.NewReports(ledger, 5),
		service.NewCustomers(ledger),
		ledger,
		log,
	)
	srv := httptest.NewServer(h.Router())
	t.Cleanup(srv.Close)
	return srv, ledger
}

func submit(t *testing.T, srv *httptest.Server, key string, body string) (*http.Response, domain.Envelope) {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, srv.URL+"/api/v1/transactions", bytes.NewBufferString(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if key != "" {
		req.Header.Set("Idempotency-Key", key)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var env domain.Envelope
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&env))
	return resp, env
}

const depositBody = `{"customer_code":"C1","date_from":"2026-10-01","date_to":"2026-10-07","amount":50000,"kind":"deposit"}`

func TestSubmit_CreatedThenReplayed(t *testing.T) {
	srv, ledger := newTestServer(t)

	resp, env := submit(t, srv, "key-1", depositBody)
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.True(t, env.Success)
	assert.False(t, env.Replayed)
	assert.Equal(t, "/api/v1/transactions/key-1", resp.Header.Get("Location"))
	assert.NotEmpty(t, resp.Header.Get("X-Request-ID"))

	resp, env = submit(t, srv, "key-1", depositBody)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, env.Replayed)

	c, err := ledger.GetCustomer(context.Background(), "C1")
	require.NoError(t, err)
	assert.Equal(t, int64(50000), c.RunningBalance)
}

func TestSubmit_ErrorMapping(t *testing.T) {
	srv, _ := newTestServer(t)

	tests := []struct {
		name string
		key  string
		body string
		want int
	}{
		{"malformed json", "k1", `{"amount":`, http.StatusBadRequest},
		{"missing key", "", `{"customer_code":"C1","date_from":"2026-10-01","date_to":"2026-10-01","amount":10}`, http.StatusUnprocessableEntity},
		{"reversed dates", "k2", `{"customer_code":"C1","date_from":"2026-10-05","date_to":"2026-10-01","amount":10}`, http.StatusUnprocessableEntity},
		{"zero amount", "k3", `{"customer_code":"C1","date_from":"2026-10-01","date_to":"2026-10-01","amount":0}`, http.StatusUnprocessableEntity},
		{"unknown customer", "k4", `{"customer_code":"ZZ","date_from":"2026-10-01","date_to":"2026-10-01","amount":10}`, http.StatusUnprocessableEntity},
		{"unknown kind", "k5", `{"customer_code":"C1","date_from":"2026-10-01","date_to":"2026-10-01","amount":10,"kind":"loan"}`, http.StatusUnprocessableEntity},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, env := submit(t, srv, tt.key, tt.body)
			assert.Equal(t, tt.want, resp.StatusCode)
			assert.False(t, env.Success)
			assert.NotEmpty(t, env.Message)
		})
	}
}

func TestSubmit_WithdrawalArrivingFirst(t *testing.T) {
	srv, ledger := newTestServer(t)

	withdrawal := `{"customer_code":"C1","date_from":"2026-10-01","date_to":"2026-10-07","amount":50000,"kind":"withdrawal"}`
	resp, env := submit(t, srv, "w-1", withdrawal)
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.True(t, env.Success)

	resp, _ = submit(t, srv, "d-1", depositBody)
	assert.Equal(t, http.StatusCreated, resp.StatusCode)

	c, err := ledger.GetCustomer(context.Background(), "C1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), c.RunningBalance)
}

func TestSubmit_KeyFromBody(t *testing.T) {
	srv, _ := newTestServer(t)
	body := `{"transaction_code":"body-1","customer_code":"C1","date_from":"2026-10-01","date_to":"2026-10-01","amount":10}`

	resp, _ := submit(t, srv, "", body)
	assert.Equal(t, http.StatusCreated, resp.StatusCode)

	get, err := http.Get(srv.URL + "/api/v1/transactions/body-1")
	require.NoError(t, err)
	defer get.Body.Close()
	assert.Equal(t, http.StatusOK, get.StatusCode)
}

func TestSubmit_MismatchedReuse(t *testing.T) {
	srv, _ := newTestServer(t)
	submit(t, srv, "key-1", depositBody)

	other := `{"customer_code":"C1","date_from":"2026-10-01","date_to":"2026-10-07","amount":1,"kind":"deposit"}`
	resp, env := submit(t, srv, "key-1", other)
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	assert.Contains(t, env.Message, "mismatched")
}

func TestListTransactions_Pagination(t *testing.T) {
	srv, _ := newTestServer(t)
	submit(t, srv, "a", depositBody)
	submit(t, srv, "b", `{"customer_code":"C1","date_from":"2026-10-08","date_to":"2026-10-14","amount":1000}`)

	resp, err := http.Get(srv.URL + "/api/v1/transactions?limit=1&page=2")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var env domain.Envelope
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&env))
	require.NotNil(t, env.Pagination)
	assert.Equal(t, domain.Pagination{Page: 2, Limit: 1, Total: 2, Pages: 2}, *env.Pagination)

	bad, err := http.Get(srv.URL + "/api/v1/transactions?from=yesterday")
	require.NoError(t, err)
	bad.Body.Close()
	assert.Equal(t, http.StatusBadRequest, bad.StatusCode)
}

func TestCustomers_Endpoints(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, err := http.Post(srv.URL+"/api/v1/customers", "application/json", bytes.NewBufferString(`{"customer_code":"C2","name":"Pak Joko"}`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusCreated, resp.StatusCode)

	resp, err = http.Post(srv.URL+"/api/v1/customers", "application/json", bytes.NewBufferString(`{"customer_code":"C2","name":"Dup"}`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/api/v1/customers/search?q=joko")
	require.NoError(t, err)
	var env struct {
		Success bool              `json:"success"`
		Data    []domain.Customer `json:"data"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&env))
	resp.Body.Close()
	require.Len(t, env.Data, 1)
	assert.Equal(t, "C2", env.Data[0].CustomerCode)

	resp, err = http.Get(srv.URL + "/api/v1/customers/NOPE")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestHealth(t *testing.T) {
	srv, _ := newTestServer(t)
	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	log := logger.NewWithWriter(io.Discard)
	h := NewHandler(nil, nil, nil, failingPinger{}, log)
	rec := httptest.NewRecorder()
	h.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
