// Package client talks to the ledger server. Every call goes through the
// Cache Manager, so reads may be answered from cache and writes come back as
// an offline outcome when the server cannot be reached.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/punchamoorthee/jimpitan/internal/apperr"
	"github.com/punchamoorthee/jimpitan/internal/cache"
	"github.com/punchamoorthee/jimpitan/internal/domain"
	"github.com/rs/zerolog"
)

const apiPrefix = "/api/v1"

var ErrNotFound = errors.New("not found")

// Ack is the server's acknowledgement of a submitted transaction.
type Ack struct {
	Transaction domain.Transaction
	// Replayed is set when the server had already applied this key.
	Replayed bool
}

// Meta says where a read was answered from.
type Meta struct {
	Source   cache.Source
	Stale    bool
	StoredAt time.Time
}

type TransactionPage struct {
	Transactions []domain.Transaction
	Pagination   *domain.Pagination
	Meta
}

type ListParams struct {
	From         string
	To           string
	Kind         string
	CustomerCode string
	Page         int
	Limit        int
}

type Client struct {
	baseURL string
	cache   *cache.Manager
	log     zerolog.Logger
}

func New(baseURL string, m *cache.Manager, log zerolog.Logger) *Client {
	return &Client{baseURL: strings.TrimRight(baseURL, "/"), cache: m, log: log}
}

// envelope mirrors domain.Envelope with Data left undecoded.
type envelope struct {
	Success    bool               `json:"success"`
	Data       json.RawMessage    `json:"data"`
	Message    string             `json:"message"`
	Replayed   bool               `json:"replayed"`
	Offline    bool               `json:"offline"`
	Pagination *domain.Pagination `json:"pagination"`
}

// SubmitTransaction sends req under key. A 2xx is an acknowledgement, a 4xx
// is a ValidationError, and 5xx, timeouts and offline outcomes are transient.
func (c *Client) SubmitTransaction(ctx context.Context, key string, req domain.TransactionRequest) (*Ack, error) {
	req.TransactionCode = key
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encode transaction: %w", err)
	}

	resp, err := c.cache.Do(ctx, &cache.Request{
		Method: http.MethodPost,
		URL:    c.baseURL + apiPrefix + "/transactions",
		Header: http.Header{
			"Content-Type":    []string{"application/json"},
			"Idempotency-Key": []string{key},
		},
		Body: body,
	})
	if err != nil {
		return nil, apperr.Transient(err)
	}
	if resp.Source == cache.SourceOffline {
		return nil, fmt.Errorf("submit %s: %w", key, apperr.ErrOffline)
	}

	env, err := decode(resp)
	if errors.Is(err, ErrNotFound) {
		return nil, &apperr.ValidationError{Reason: fmt.Sprintf("server has no submit endpoint at %s (404)", c.baseURL)}
	}
	if err != nil {
		return nil, err
	}
	var txn domain.Transaction
	if err := json.Unmarshal(env.Data, &txn); err != nil {
		return nil, fmt.Errorf("decode transaction: %w", err)
	}
	c.log.Debug().Str("idempotency_key", key).Bool("replayed", env.Replayed).Msg("transaction acknowledged")
	return &Ack{Transaction: txn, Replayed: env.Replayed}, nil
}

// CreateCustomer registers a customer. It needs the server; there is no
// offline path for onboarding.
func (c *Client) CreateCustomer(ctx context.Context, req domain.CustomerRequest) (*domain.Customer, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encode customer: %w", err)
	}
	resp, err := c.cache.Do(ctx, &cache.Request{
		Method: http.MethodPost,
		URL:    c.baseURL + apiPrefix + "/customers",
		Header: http.Header{"Content-Type": []string{"application/json"}},
		Body:   body,
	})
	if err != nil {
		return nil, apperr.Transient(err)
	}
	if resp.Source == cache.SourceOffline {
		return nil, apperr.ErrOffline
	}
	env, err := decode(resp)
	if err != nil {
		return nil, err
	}
	var cust domain.Customer
	if err := json.Unmarshal(env.Data, &cust); err != nil {
		return nil, fmt.Errorf("decode customer: %w", err)
	}
	return &cust, nil
}

func (c *Client) ListTransactions(ctx context.Context, p ListParams) (*TransactionPage, error) {
	q := url.Values{}
	setNonEmpty(q, "from", p.From)
	setNonEmpty(q, "to", p.To)
	setNonEmpty(q, "kind", p.Kind)
	setNonEmpty(q, "customer", p.CustomerCode)
	if p.Page > 0 {
		q.Set("page", strconv.Itoa(p.Page))
	}
	if p.Limit > 0 {
		q.Set("limit", strconv.Itoa(p.Limit))
	}

	page := &TransactionPage{}
	env, meta, err := c.get(ctx, "/transactions", q, &page.Transactions)
	if err != nil {
		return nil, err
	}
	page.Pagination = env.Pagination
	page.Meta = meta
	return page, nil
}

func (c *Client) Summary(ctx context.Context, from, to string) (*domain.Summary, Meta, error) {
	q := url.Values{}
	setNonEmpty(q, "from", from)
	setNonEmpty(q, "to", to)
	var sum domain.Summary
	_, meta, err := c.get(ctx, "/reports/summary", q, &sum)
	if err != nil {
		return nil, meta, err
	}
	return &sum, meta, nil
}

func (c *Client) Dashboard(ctx context.Context) (*domain.DashboardStats, Meta, error) {
	var st domain.DashboardStats
	_, meta, err := c.get(ctx, "/dashboard/stats", nil, &st)
	if err != nil {
		return nil, meta, err
	}
	return &st, meta, nil
}

func (c *Client) Customers(ctx context.Context) ([]domain.Customer, Meta, error) {
	var out []domain.Customer
	_, meta, err := c.get(ctx, "/customers", nil, &out)
	return out, meta, err
}

func (c *Client) SearchCustomers(ctx context.Context, term string) ([]domain.Customer, Meta, error) {
	var out []domain.Customer
	_, meta, err := c.get(ctx, "/customers/search", url.Values{"q": []string{term}}, &out)
	return out, meta, err
}

func (c *Client) Customer(ctx context.Context, code string) (*domain.Customer, Meta, error) {
	var cust domain.Customer
	_, meta, err := c.get(ctx, "/customers/"+url.PathEscape(code), nil, &cust)
	if err != nil {
		return nil, meta, err
	}
	return &cust, meta, nil
}

// get performs a read and decodes the envelope data into dst. A read with no
// network and nothing cached returns apperr.ErrNoCachedData.
func (c *Client) get(ctx context.Context, path string, q url.Values, dst interface{}) (*envelope, Meta, error) {
	u := c.baseURL + apiPrefix + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	resp, err := c.cache.Do(ctx, &cache.Request{Method: http.MethodGet, URL: u})
	if err != nil {
		return nil, Meta{}, fmt.Errorf("GET %s: %w", path, err)
	}
	meta := Meta{Source: resp.Source, Stale: resp.Stale, StoredAt: resp.StoredAt}
	if meta.Stale {
		c.log.Info().Str("path", path).Time("stored_at", resp.StoredAt).Msg("showing cached data")
	}

	env, err := decode(resp)
	if err != nil {
		return nil, meta, err
	}
	if err := json.Unmarshal(env.Data, dst); err != nil {
		return nil, meta, fmt.Errorf("decode %s: %w", path, err)
	}
	return env, meta, nil
}

// decode maps the HTTP status onto the error taxonomy and parses the envelope.
func decode(resp *cache.Response) (*envelope, error) {
	var env envelope
	jsonErr := json.Unmarshal(resp.Body, &env)

	switch {
	case resp.StatusCode >= 500, resp.StatusCode == http.StatusRequestTimeout, resp.StatusCode == http.StatusTooManyRequests:
		return nil, apperr.Transient(fmt.Errorf("server returned %d: %s", resp.StatusCode, message(env, resp)))
	case resp.StatusCode == http.StatusNotFound:
		return nil, fmt.Errorf("%w: %s", ErrNotFound, message(env, resp))
	case resp.StatusCode >= 400:
		return nil, &apperr.ValidationError{Reason: strings.TrimPrefix(message(env, resp), "validation failed: ")}
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	if jsonErr != nil {
		return nil, fmt.Errorf("decode envelope: %w", jsonErr)
	}
	return &env, nil
}

func message(env envelope, resp *cache.Response) string {
	if env.Message != "" {
		return env.Message
	}
	return http.StatusText(resp.StatusCode)
}

func setNonEmpty(q url.Values, key, value string) {
	if value != "" {
		q.Set(key, value)
	}
}
