package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/punchamoorthee/jimpitan/internal/apperr"
	"github.com/punchamoorthee/jimpitan/internal/domain"
	"github.com/punchamoorthee/jimpitan/internal/store"
	"github.com/rs/zerolog"
)

var ErrIdempotencyMismatch = errors.New("key reuse with mismatched payload")

var reconcileTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "jimpitan_reconcile_total",
	Help: "Reconciliation outcomes by result",
}, []string{"outcome"})

// Ledger is the persistence the Reconciler needs. Both store.LedgerStore and
// store.MemoryLedger satisfy it.
type Ledger interface {
	GetCustomer(ctx context.Context, code string) (*domain.Customer, error)
	GetTransaction(ctx context.Context, code string) (*domain.Transaction, error)
	ApplyTransaction(ctx context.Context, t domain.Transaction) (*domain.Transaction, bool, error)
}

// Result is the outcome of one Apply call.
type Result struct {
	Transaction *domain.Transaction
	Replayed    bool
}

type Reconciler struct {
	ledger Ledger
	log    zerolog.Logger
}

func NewReconciler(l Ledger, log zerolog.Logger) *Reconciler {
	return &Reconciler{ledger: l, log: log}
}

// Apply records req under code and moves the customer balance by the signed
// amount, at most once per code. A second call with the same code and an
// equivalent payload returns the stored record with Replayed set; a different
// payload under a used code is ErrIdempotencyMismatch.
func (r *Reconciler) Apply(ctx context.Context, code string, req domain.TransactionRequest) (*Result, error) {
	code = strings.TrimSpace(code)
	if code == "" {
		code = strings.TrimSpace(req.TransactionCode)
	}
	if code == "" {
		reconcileTotal.WithLabelValues("rejected").Inc()
		return nil, apperr.Invalid("transaction_code", "required")
	}

	t, err := buildTransaction(req)
	if err != nil {
		reconcileTotal.WithLabelValues("rejected").Inc()
		return nil, err
	}
	t.TransactionCode = code

	customer, err := r.ledger.GetCustomer(ctx, t.CustomerCode)
	if errors.Is(err, store.ErrCustomerNotFound) {
		reconcileTotal.WithLabelValues("rejected").Inc()
		return nil, apperr.Invalid("customer_code", "unknown customer")
	}
	if err != nil {
		reconcileTotal.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("customer lookup: %w", err)
	}
	t.CustomerID = customer.ID
	t.CustomerName = customer.Name

	stored, replayed, err := r.ledger.ApplyTransaction(ctx, t)
	switch {
	case errors.Is(err, store.ErrCustomerNotFound):
		reconcileTotal.WithLabelValues("rejected").Inc()
		return nil, apperr.Invalid("customer_code", "unknown customer")
	case err != nil:
		reconcileTotal.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("apply transaction: %w", err)
	}

	if replayed {
		if stored.RequestHash != t.RequestHash {
			reconcileTotal.WithLabelValues("mismatch").Inc()
			r.log.Warn().Str("transaction_code", code).Msg("idempotency key reused with a different payload")
			return nil, ErrIdempotencyMismatch
		}
		reconcileTotal.WithLabelValues("replayed").Inc()
		r.log.Debug().Err(apperr.ErrDuplicateSubmission).Str("transaction_code", code).Msg("replayed transaction")
		return &Result{Transaction: stored, Replayed: true}, nil
	}

	reconcileTotal.WithLabelValues("applied").Inc()
	r.log.Info().
		Str("transaction_code", code).
		Str("customer_code", stored.CustomerCode).
		Int64("amount", stored.Amount).
		Str("kind", string(stored.Kind)).
		Msg("transaction applied")
	return &Result{Transaction: stored}, nil
}

// Get returns the stored transaction for code, or store.ErrTransactionNotFound.
func (r *Reconciler) Get(ctx context.Context, code string) (*domain.Transaction, error) {
	return r.ledger.GetTransaction(ctx, code)
}

// buildTransaction validates req and converts it to a success-status
// transaction carrying its fingerprint. Nothing is persisted on error.
func buildTransaction(req domain.TransactionRequest) (domain.Transaction, error) {
	var t domain.Transaction

	customerCode := strings.ToUpper(strings.TrimSpace(req.CustomerCode))
	if customerCode == "" {
		return t, apperr.Invalid("customer_code", "required")
	}
	from, err := time.Parse(domain.DateLayout, req.DateFrom)
	if err != nil {
		return t, apperr.Invalid("date_from", "must be YYYY-MM-DD")
	}
	to, err := time.Parse(domain.DateLayout, req.DateTo)
	if err != nil {
		return t, apperr.Invalid("date_to", "must be YYYY-MM-DD")
	}
	if to.Before(from) {
		return t, apperr.Invalid("date_to", "must not be earlier than date_from")
	}
	if req.Amount <= 0 {
		return t, apperr.Invalid("amount", "must be positive")
	}
	kind := req.Kind
	if kind == "" {
		kind = domain.KindDeposit
	}
	if !kind.Valid() {
		return t, apperr.Invalid("kind", "must be deposit or withdrawal")
	}
	createdBy := strings.TrimSpace(req.CreatedBy)
	if createdBy == "" {
		createdBy = "admin"
	}

	t = domain.Transaction{
		CustomerCode: customerCode,
		DateFrom:     from,
		DateTo:       to,
		Amount:       req.Amount,
		Kind:         kind,
		Note:         strings.TrimSpace(req.Note),
		Status:       domain.StatusSuccess,
		CreatedBy:    createdBy,
	}
	t.RequestHash = Fingerprint(t)
	return t, nil
}

// Fingerprint hashes the fields that define a collection event. The
// transaction code and audit fields are excluded so the same write sent via
// header or body, or by a different operator, still matches.
func Fingerprint(t domain.Transaction) string {
	canonical := strings.Join([]string{
		t.CustomerCode,
		t.DateFrom.Format(domain.DateLayout),
		t.DateTo.Format(domain.DateLayout),
		strconv.FormatInt(t.Amount, 10),
		string(t.Kind),
		t.Note,
	}, "\x1f")
	sum := sha256.Sum256([]byte(canonical))
	return hex.EncodeToString(sum[:])
}
