package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/punchamoorthee/jimpitan/internal/apperr"
	"github.com/punchamoorthee/jimpitan/internal/domain"
	"github.com/punchamoorthee/jimpitan/internal/service"
)

// Read endpoints. Their responses are what the client caches on the
// network-first path, so every one returns the Envelope shape.

func (h *Handler) ListTransactionsHandler(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	txns, page, err := h.reports.List(r.Context(), service.ListQuery{
		From:         q.Get("from"),
		To:           q.Get("to"),
		Kind:         q.Get("kind"),
		CustomerCode: q.Get("customer"),
		Page:         q.Get("page"),
		Limit:        q.Get("limit"),
	})
	if err != nil {
		h.readError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, domain.Envelope{Success: true, Data: txns, Pagination: page})
}

func (h *Handler) SummaryHandler(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	sum, err := h.reports.Summary(r.Context(), q.Get("from"), q.Get("to"))
	if err != nil {
		h.readError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, domain.Envelope{Success: true, Data: sum})
}

func (h *Handler) DashboardHandler(w http.ResponseWriter, r *http.Request) {
	st, err := h.reports.Dashboard(r.Context())
	if err != nil {
		h.readError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, domain.Envelope{Success: true, Data: st})
}

func (h *Handler) CreateCustomerHandler(w http.ResponseWriter, r *http.Request) {
	var req domain.CustomerRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		respondWithError(w, http.StatusBadRequest, "Malformed JSON body")
		return
	}

	c, err := h.customers.Create(r.Context(), req)
	if errors.Is(err, service.ErrCustomerExists) {
		respondWithError(w, http.StatusConflict, "Customer code already exists")
		return
	}
	if err != nil {
		h.readError(w, err)
		return
	}
	w.Header().Set("Location", "/api/v1/customers/"+c.CustomerCode)
	respondWithJSON(w, http.StatusCreated, domain.Envelope{Success: true, Data: c})
}

func (h *Handler) ListCustomersHandler(w http.ResponseWriter, r *http.Request) {
	cs, err := h.customers.List(r.Context())
	if err != nil {
		h.readError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, domain.Envelope{Success: true, Data: cs})
}

func (h *Handler) SearchCustomersHandler(w http.ResponseWriter, r *http.Request) {
	cs, err := h.customers.Search(r.Context(), r.URL.Query().Get("q"))
	if err != nil {
		h.readError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, domain.Envelope{Success: true, Data: cs})
}

func (h *Handler) GetCustomerHandler(w http.ResponseWriter, r *http.Request) {
	c, err := h.customers.Get(r.Context(), mux.Vars(r)["code"])
	if service.IsNotFound(err) {
		respondWithError(w, http.StatusNotFound, "Customer not found")
		return
	}
	if err != nil {
		h.readError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, domain.Envelope{Success: true, Data: c})
}

func (h *Handler) readError(w http.ResponseWriter, err error) {
	if apperr.IsValidation(err) {
		respondWithError(w, http.StatusBadRequest, err.Error())
		return
	}
	h.log.Error().Err(err).Msg("request failed")
	respondWithError(w, http.StatusInternalServerError, "Internal Server Error")
}
