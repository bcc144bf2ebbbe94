package queue

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/punchamoorthee/jimpitan/internal/apperr"
	"github.com/punchamoorthee/jimpitan/internal/models"
)

// Memory is a volatile Store. The sync engine parks writes here when device
// storage is unavailable; they survive only as long as the process.
type Memory struct {
	mu      sync.Mutex
	entries map[string]*models.PendingTransaction
	seq     int64
	now     func() time.Time
}

func NewMemory() *Memory {
	return &Memory{entries: make(map[string]*models.PendingTransaction), now: time.Now}
}

func (m *Memory) Enqueue(_ context.Context, rec models.PendingTransaction) error {
	if rec.IdempotencyKey == "" {
		return apperr.Invalid("idempotency_key", "required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if e, ok := m.entries[rec.IdempotencyKey]; ok {
		switch e.State {
		case models.StateInFlight:
			return ErrInFlight
		case models.StateRejected:
			e.Attempts = 0
			e.NextAttemptAt = time.Time{}
			e.LastError = ""
		}
		e.Payload = rec.Payload
		e.State = models.StatePending
		return nil
	}

	m.seq++
	e := models.PendingTransaction{
		IdempotencyKey: rec.IdempotencyKey,
		Payload:        rec.Payload,
		CreatedAt:      rec.CreatedAt,
		State:          models.StatePending,
		Seq:            m.seq,
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = m.now()
	}
	m.entries[e.IdempotencyKey] = &e
	return nil
}

func (m *Memory) PeekAll(context.Context) ([]models.PendingTransaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]models.PendingTransaction, 0, len(m.entries))
	for _, e := range m.entries {
		out = append(out, *e)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].Seq < out[j].Seq
	})
	return out, nil
}

func (m *Memory) Get(_ context.Context, key string) (models.PendingTransaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[key]
	if !ok {
		return models.PendingTransaction{}, ErrNotFound
	}
	return *e, nil
}

func (m *Memory) Remove(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, key)
	return nil
}

func (m *Memory) MarkInFlight(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[key]
	if !ok {
		return ErrNotFound
	}
	if e.State != models.StatePending {
		return ErrNotPending
	}
	e.State = models.StateInFlight
	return nil
}

func (m *Memory) MarkPending(_ context.Context, key string, attempts int, nextAttemptAt time.Time, lastErr string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[key]
	if !ok {
		return ErrNotFound
	}
	e.State = models.StatePending
	e.Attempts = attempts
	e.NextAttemptAt = nextAttemptAt
	e.LastError = lastErr
	return nil
}

func (m *Memory) MarkRejected(_ context.Context, key string, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[key]
	if !ok {
		return ErrNotFound
	}
	e.State = models.StateRejected
	e.LastError = reason
	return nil
}

func (m *Memory) ResetInFlight(context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, e := range m.entries {
		if e.State == models.StateInFlight {
			e.State = models.StatePending
			n++
		}
	}
	return n, nil
}

func (m *Memory) Len(context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries), nil
}
