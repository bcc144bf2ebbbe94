package models

import (
	"net/http"
	"time"

	"github.com/punchamoorthee/jimpitan/internal/domain"
)

// QueueState is the delivery state of a pending transaction. Acknowledged
// entries are deleted, so there is no persisted "acknowledged" state.
type QueueState string

const (
	StatePending  QueueState = "pending"
	StateInFlight QueueState = "in-flight"
	// StateRejected parks an entry the server refused (4xx). It is never
	// retried automatically; re-enqueueing the key with a corrected payload
	// moves it back to pending.
	StateRejected QueueState = "rejected"
)

// PendingTransaction is a write awaiting delivery.
type PendingTransaction struct {
	IdempotencyKey string                    `json:"idempotency_key"`
	Payload        domain.TransactionRequest `json:"payload"`
	CreatedAt      time.Time                 `json:"created_at"`
	Attempts       int                       `json:"attempts"`
	State          QueueState                `json:"state"`
	NextAttemptAt  time.Time                 `json:"next_attempt_at"`
	LastError      string                    `json:"last_error,omitempty"`
	Seq            int64                     `json:"-"`
}

// Eligible reports whether a drain pass at now may submit the entry.
func (p PendingTransaction) Eligible(now time.Time) bool {
	return p.State == StatePending && !now.Before(p.NextAttemptAt)
}

// CacheEntry is a stored response keyed by generation and request signature.
type CacheEntry struct {
	Generation int64       `json:"generation"`
	Signature  string      `json:"signature"`
	Method     string      `json:"method"`
	URL        string      `json:"url"`
	StatusCode int         `json:"status_code"`
	Header     http.Header `json:"header"`
	Body       []byte      `json:"-"`
	StoredAt   time.Time   `json:"stored_at"`
}
