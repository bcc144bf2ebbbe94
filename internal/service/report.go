package service

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/punchamoorthee/jimpitan/internal/apperr"
	"github.com/punchamoorthee/jimpitan/internal/domain"
)

const (
	defaultPageSize = 20
	maxPageSize     = 100
)

type ReportStore interface {
	ListTransactions(ctx context.Context, f domain.TransactionFilter) ([]domain.Transaction, int, error)
	Summary(ctx context.Context, from, to time.Time, topN int) (*domain.Summary, error)
	DashboardStats(ctx context.Context, now time.Time) (*domain.DashboardStats, error)
}

// ListQuery carries the raw query parameters of a transaction listing.
type ListQuery struct {
	From         string
	To           string
	Kind         string
	CustomerCode string
	Page         string
	Limit        string
}

// Reports serves the read-only projections. Every figure comes from terminal
// transactions only.
type Reports struct {
	store ReportStore
	topN  int
	now   func() time.Time
}

func NewReports(s ReportStore, topN int) *Reports {
	if topN <= 0 {
		topN = 5
	}
	return &Reports{store: s, topN: topN, now: time.Now}
}

// SetClock overrides the source of "today" for default ranges and the dashboard.
func (r *Reports) SetClock(now func() time.Time) {
	r.now = now
}

func (r *Reports) List(ctx context.Context, q ListQuery) ([]domain.Transaction, *domain.Pagination, error) {
	from, err := parseDay("from", q.From)
	if err != nil {
		return nil, nil, err
	}
	to, err := parseDay("to", q.To)
	if err != nil {
		return nil, nil, err
	}
	if !from.IsZero() && !to.IsZero() && to.Before(from) {
		return nil, nil, apperr.Invalid("to", "must not be earlier than from")
	}

	kind := domain.Kind(q.Kind)
	if kind != "" && !kind.Valid() {
		return nil, nil, apperr.Invalid("kind", "must be deposit or withdrawal")
	}

	page, err := parsePositive("page", q.Page, 1)
	if err != nil {
		return nil, nil, err
	}
	limit, err := parsePositive("limit", q.Limit, defaultPageSize)
	if err != nil {
		return nil, nil, err
	}
	if limit > maxPageSize {
		limit = maxPageSize
	}

	txns, total, err := r.store.ListTransactions(ctx, domain.TransactionFilter{
		From:         from,
		To:           to,
		Kind:         kind,
		CustomerCode: q.CustomerCode,
		Page:         page,
		Limit:        limit,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("list transactions: %w", err)
	}
	return txns, &domain.Pagination{
		Page:  page,
		Limit: limit,
		Total: total,
		Pages: (total + limit - 1) / limit,
	}, nil
}

// Summary aggregates [from, to]. Missing bounds default to the first day of the
// current month and today.
func (r *Reports) Summary(ctx context.Context, fromStr, toStr string) (*domain.Summary, error) {
	from, err := parseDay("from", fromStr)
	if err != nil {
		return nil, err
	}
	to, err := parseDay("to", toStr)
	if err != nil {
		return nil, err
	}

	now := r.now()
	if to.IsZero() {
		to = time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	}
	if from.IsZero() {
		from = time.Date(to.Year(), to.Month(), 1, 0, 0, 0, 0, time.UTC)
	}
	if to.Before(from) {
		return nil, apperr.Invalid("to", "must not be earlier than from")
	}

	sum, err := r.store.Summary(ctx, from, to, r.topN)
	if err != nil {
		return nil, fmt.Errorf("summary: %w", err)
	}
	return sum, nil
}

func (r *Reports) Dashboard(ctx context.Context) (*domain.DashboardStats, error) {
	st, err := r.store.DashboardStats(ctx, r.now())
	if err != nil {
		return nil, fmt.Errorf("dashboard: %w", err)
	}
	return st, nil
}

func parseDay(field, v string) (time.Time, error) {
	if v == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(domain.DateLayout, v)
	if err != nil {
		return time.Time{}, apperr.Invalid(field, "must be YYYY-MM-DD")
	}
	return t, nil
}

func parsePositive(field, v string, def int) (int, error) {
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return 0, apperr.Invalid(field, "must be a positive integer")
	}
	return n, nil
}
