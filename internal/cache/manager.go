// Package cache fronts every outbound client request. A declarative Policy
// picks a strategy per request; responses are stored per cache generation and
// a generation change purges all older entries before the new one serves.
package cache

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/punchamoorthee/jimpitan/internal/apperr"
	"github.com/punchamoorthee/jimpitan/internal/domain"
	"github.com/punchamoorthee/jimpitan/internal/localstore"
	"github.com/punchamoorthee/jimpitan/internal/models"
	"github.com/rs/zerolog"
)

const (
	maxResponseBytes = 10 << 20
	offlineMessage   = "You are offline; the request was not sent"
)

var ErrStaleGeneration = errors.New("generation is not newer than the current one")

type Source string

const (
	SourceNetwork Source = "network"
	SourceCache   Source = "cache"
	SourceOffline Source = "offline"
)

type Request struct {
	Method string
	URL    string
	Header http.Header
	Body   []byte
}

// Response is what the caller sees, whichever path produced it.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
	Source     Source
	// Stale marks a cached copy served because the network failed.
	Stale    bool
	StoredAt time.Time
	Rule     string
}

type Manager struct {
	client *http.Client
	policy Policy
	store  *entryStore
	log    zerolog.Logger
	now    func() time.Time

	// mu guards current. Readers hold it across a cache lookup or store;
	// Activate holds it exclusively across purge and flip.
	mu      sync.RWMutex
	current int64
}

func NewManager(ctx context.Context, db *localstore.DB, client *http.Client, policy Policy, log zerolog.Logger) (*Manager, error) {
	if err := policy.Validate(); err != nil {
		return nil, err
	}
	if client == nil {
		client = &http.Client{}
	}
	s := &entryStore{db: db}
	gen, err := s.currentGeneration(ctx)
	if err != nil {
		return nil, apperr.Storage(err)
	}
	return &Manager{client: client, policy: policy, store: s, log: log, now: time.Now, current: gen}, nil
}

// Current reports the serving generation.
func (m *Manager) Current() int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

func (m *Manager) Policy() Policy {
	return m.policy
}

// Do routes req through the strategy of its matching rule.
func (m *Manager) Do(ctx context.Context, req *Request) (*Response, error) {
	u, err := url.Parse(req.URL)
	if err != nil {
		return nil, fmt.Errorf("parse url: %w", err)
	}
	method := strings.ToUpper(req.Method)
	if method == "" {
		method = http.MethodGet
	}
	rule := m.policy.Match(method, u)

	var resp *Response
	switch rule.Strategy {
	case CacheFirst:
		resp, err = m.cacheFirst(ctx, rule, method, u, req)
	case NetworkFirst:
		resp, err = m.networkFirst(ctx, rule, method, u, req)
	case NetworkOnlyOffline:
		resp, err = m.networkOnly(ctx, rule, method, req)
	default:
		resp, err = m.fetch(ctx, rule, method, req)
	}
	if resp != nil {
		resp.Rule = rule.Name
	}
	return resp, err
}

func (m *Manager) cacheFirst(ctx context.Context, rule Rule, method string, u *url.URL, req *Request) (*Response, error) {
	sig := Signature(method, u, req.Body)
	gen, hit, err := m.lookup(ctx, sig)
	if err != nil {
		m.log.Warn().Err(err).Str("rule", rule.Name).Msg("cache read failed")
	}
	if hit != nil {
		return hit, nil
	}

	resp, err := m.fetch(ctx, rule, method, req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", apperr.ErrNoCachedData, err)
	}
	m.remember(ctx, gen, sig, method, u, resp)
	return resp, nil
}

func (m *Manager) networkFirst(ctx context.Context, rule Rule, method string, u *url.URL, req *Request) (*Response, error) {
	sig := Signature(method, u, req.Body)
	gen := m.Current()

	resp, fetchErr := m.fetch(ctx, rule, method, req)
	if fetchErr == nil && resp.StatusCode < http.StatusInternalServerError {
		m.remember(ctx, gen, sig, method, u, resp)
		return resp, nil
	}

	_, hit, err := m.lookup(ctx, sig)
	if err != nil {
		m.log.Warn().Err(err).Str("rule", rule.Name).Msg("cache read failed")
	}
	if hit != nil {
		hit.Stale = true
		m.log.Debug().Str("url", req.URL).Time("stored_at", hit.StoredAt).Msg("serving stale cached response")
		return hit, nil
	}
	if fetchErr != nil {
		return nil, fmt.Errorf("%w: %v", apperr.ErrNoCachedData, fetchErr)
	}
	// A 5xx with nothing cached is still the most truthful answer.
	return resp, nil
}

func (m *Manager) networkOnly(ctx context.Context, rule Rule, method string, req *Request) (*Response, error) {
	resp, err := m.fetch(ctx, rule, method, req)
	if err == nil {
		return resp, nil
	}
	m.log.Info().Err(err).Str("url", req.URL).Msg("write failed, returning offline response")
	body, _ := json.Marshal(domain.Envelope{Success: false, Message: offlineMessage, Offline: true})
	return &Response{
		StatusCode: http.StatusServiceUnavailable,
		Header:     http.Header{"Content-Type": []string{"application/json"}},
		Body:       body,
		Source:     SourceOffline,
	}, nil
}

func (m *Manager) fetch(ctx context.Context, rule Rule, method string, req *Request) (*Response, error) {
	if rule.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, rule.Timeout)
		defer cancel()
	}

	var body io.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, req.URL, body)
	if err != nil {
		return nil, err
	}
	for k, vs := range req.Header {
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}

	httpResp, err := m.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer httpResp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(httpResp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	return &Response{
		StatusCode: httpResp.StatusCode,
		Header:     httpResp.Header.Clone(),
		Body:       data,
		Source:     SourceNetwork,
	}, nil
}

// lookup reads sig from the serving generation and reports which generation
// it looked in.
func (m *Manager) lookup(ctx context.Context, sig string) (int64, *Response, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, err := m.store.get(ctx, m.current, sig)
	if err != nil || e == nil {
		return m.current, nil, err
	}
	return m.current, &Response{
		StatusCode: e.StatusCode,
		Header:     e.Header,
		Body:       e.Body,
		Source:     SourceCache,
		StoredAt:   e.StoredAt,
	}, nil
}

// remember stores a 200 response under gen, unless a newer generation was
// activated while the request was on the wire.
func (m *Manager) remember(ctx context.Context, gen int64, sig, method string, u *url.URL, resp *Response) {
	if resp.StatusCode != http.StatusOK {
		return
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.current != gen {
		return
	}
	err := m.store.put(ctx, models.CacheEntry{
		Generation: gen,
		Signature:  sig,
		Method:     method,
		URL:        u.String(),
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       resp.Body,
		StoredAt:   m.now(),
	})
	if err != nil {
		m.log.Warn().Err(err).Str("url", u.String()).Msg("cache write failed")
	}
}

// Install fetches urls into generation gen without serving them. gen must be
// newer than the serving generation.
func (m *Manager) Install(ctx context.Context, gen int64, urls []string) error {
	if gen <= m.Current() {
		return ErrStaleGeneration
	}
	for _, raw := range urls {
		u, err := url.Parse(raw)
		if err != nil {
			return fmt.Errorf("install %s: %w", raw, err)
		}
		rule := m.policy.Match(http.MethodGet, u)
		resp, err := m.fetch(ctx, rule, http.MethodGet, &Request{Method: http.MethodGet, URL: raw})
		if err != nil {
			return fmt.Errorf("install %s: %w", raw, err)
		}
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("install %s: status %d", raw, resp.StatusCode)
		}
		err = m.store.put(ctx, models.CacheEntry{
			Generation: gen,
			Signature:  Signature(http.MethodGet, u, nil),
			Method:     http.MethodGet,
			URL:        u.String(),
			StatusCode: resp.StatusCode,
			Header:     resp.Header,
			Body:       resp.Body,
			StoredAt:   m.now(),
		})
		if err != nil {
			return apperr.Storage(err)
		}
	}
	m.log.Info().Int64("generation", gen).Int("assets", len(urls)).Msg("cache generation installed")
	return nil
}

// Activate makes gen the serving generation. Entries of every other
// generation are deleted in the same transaction, and no reader runs while
// it happens.
func (m *Manager) Activate(ctx context.Context, gen int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if gen <= m.current {
		return ErrStaleGeneration
	}
	purged, err := m.store.activate(ctx, gen)
	if err != nil {
		return apperr.Storage(err)
	}
	m.log.Info().Int64("generation", gen).Int64("previous", m.current).Int64("purged", purged).Msg("cache generation activated")
	m.current = gen
	return nil
}

// Stats reports the serving generation, its entry count, and every
// generation with stored entries.
func (m *Manager) Stats(ctx context.Context) (current int64, entries int, generations []int64, err error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	current = m.current
	if entries, err = m.store.count(ctx, current); err != nil {
		return
	}
	generations, err = m.store.generations(ctx)
	return
}

// Signature identifies a request for cache lookups: method, URL with sorted
// query, and a body digest for methods that carry one.
func Signature(method string, u *url.URL, body []byte) string {
	canonical := *u
	canonical.RawQuery = u.Query().Encode()
	canonical.Fragment = ""

	h := sha256.New()
	h.Write([]byte(strings.ToUpper(method)))
	h.Write([]byte{0})
	h.Write([]byte(canonical.String()))
	if len(body) > 0 {
		h.Write([]byte{0})
		h.Write(body)
	}
	return hex.EncodeToString(h.Sum(nil))
}
