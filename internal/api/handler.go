package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/punchamoorthee/jimpitan/internal/apperr"
	"github.com/punchamoorthee/jimpitan/internal/domain"
	"github.com/punchamoorthee/jimpitan/internal/service"
	"github.com/punchamoorthee/jimpitan/internal/store"
	"github.com/rs/zerolog"
)

const maxBodyBytes = 1 << 20

var (
	httpRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "jimpitan_http_requests_total",
		Help: "Total HTTP requests processed, labeled by status code",
	}, []string{"method", "endpoint", "status"})

	httpRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "jimpitan_http_request_duration_seconds",
		Help:    "Latency distribution of HTTP requests",
		Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
	}, []string{"method", "endpoint"})
)

// Pinger reports backing store liveness for /health.
type Pinger interface {
	Ping(ctx context.Context) error
}

type Handler struct {
	reconciler *service.Reconciler
	reports    *service.Reports
	customers  *service.Customers
	health     Pinger
	log        zerolog.Logger
}

func NewHandler(rec *service.Reconciler, reports *service.Reports, customers *service.Customers, health Pinger, log zerolog.Logger) *Handler {
	return &Handler{reconciler: rec, reports: reports, customers: customers, health: health, log: log}
}

// Router wires every endpoint plus the middleware chain.
func (h *Handler) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(RequestID, Recovery(h.log), Logger(h.log), Metrics)

	r.Handle("/metrics", promhttp.Handler())
	r.HandleFunc("/health", h.HealthCheckHandler).Methods(http.MethodGet)

	v1 := r.PathPrefix("/api/v1").Subrouter()
	v1.HandleFunc("/transactions", h.SubmitTransactionHandler).Methods(http.MethodPost)
	v1.HandleFunc("/transactions", h.ListTransactionsHandler).Methods(http.MethodGet)
	v1.HandleFunc("/transactions/{code}", h.GetTransactionHandler).Methods(http.MethodGet)
	v1.HandleFunc("/reports/summary", h.SummaryHandler).Methods(http.MethodGet)
	v1.HandleFunc("/dashboard/stats", h.DashboardHandler).Methods(http.MethodGet)
	v1.HandleFunc("/customers", h.CreateCustomerHandler).Methods(http.MethodPost)
	v1.HandleFunc("/customers", h.ListCustomersHandler).Methods(http.MethodGet)
	v1.HandleFunc("/customers/search", h.SearchCustomersHandler).Methods(http.MethodGet)
	v1.HandleFunc("/customers/{code}", h.GetCustomerHandler).Methods(http.MethodGet)
	return r
}

func (h *Handler) HealthCheckHandler(w http.ResponseWriter, r *http.Request) {
	if err := h.health.Ping(r.Context()); err != nil {
		h.log.Warn().Err(err).Msg("health check failed")
		respondWithJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		return
	}
	respondWithJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// SubmitTransactionHandler is the reconciliation endpoint. The idempotency key
// comes from the Idempotency-Key header, falling back to transaction_code in
// the body. 201 means applied now, 200 means it had already been applied.
func (h *Handler) SubmitTransactionHandler(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		respondWithError(w, http.StatusBadRequest, "Unreadable request body")
		return
	}

	var req domain.TransactionRequest
	if err := json.Unmarshal(body, &req); err != nil {
		respondWithError(w, http.StatusBadRequest, "Malformed JSON body")
		return
	}

	res, err := h.reconciler.Apply(r.Context(), r.Header.Get("Idempotency-Key"), req)
	if err != nil {
		switch {
		case apperr.IsValidation(err):
			respondWithError(w, http.StatusUnprocessableEntity, err.Error())
		case errors.Is(err, service.ErrIdempotencyMismatch):
			respondWithError(w, http.StatusUnprocessableEntity, "Key reuse with mismatched payload")
		default:
			h.log.Error().Err(err).Msg("reconciliation failed")
			respondWithError(w, http.StatusInternalServerError, "Internal Server Error")
		}
		return
	}

	if res.Replayed {
		respondWithJSON(w, http.StatusOK, domain.Envelope{Success: true, Data: res.Transaction, Replayed: true})
		return
	}
	w.Header().Set("Location", "/api/v1/transactions/"+res.Transaction.TransactionCode)
	respondWithJSON(w, http.StatusCreated, domain.Envelope{Success: true, Data: res.Transaction})
}

func (h *Handler) GetTransactionHandler(w http.ResponseWriter, r *http.Request) {
	txn, err := h.reconciler.Get(r.Context(), mux.Vars(r)["code"])
	if errors.Is(err, store.ErrTransactionNotFound) {
		respondWithError(w, http.StatusNotFound, "Transaction not found")
		return
	}
	if err != nil {
		h.log.Error().Err(err).Msg("transaction lookup failed")
		respondWithError(w, http.StatusInternalServerError, "Internal Server Error")
		return
	}
	respondWithJSON(w, http.StatusOK, domain.Envelope{Success: true, Data: txn})
}

func respondWithError(w http.ResponseWriter, code int, message string) {
	respondWithJSON(w, code, domain.Envelope{Success: false, Message: message})
}

func respondWithJSON(w http.ResponseWriter, code int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if payload != nil {
		json.NewEncoder(w).Encode(payload)
	}
}

func statusLabel(code int) string {
	return strconv.Itoa(code)
}
