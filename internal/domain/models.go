package domain

import (
	"time"
)

// DateLayout is the wire format of coverage dates.
const DateLayout = "2006-01-02"

// Kind distinguishes deposits from withdrawals.
type Kind string

const (
	KindDeposit    Kind = "deposit"
	KindWithdrawal Kind = "withdrawal"
)

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	return k == KindDeposit || k == KindWithdrawal
}

// Signed returns amount with the sign this kind applies to a balance.
func (k Kind) Signed(amount int64) int64 {
	if k == KindWithdrawal {
		return -amount
	}
	return amount
}

// Status is the lifecycle state of a persisted transaction.
type Status string

const (
	StatusPending   Status = "pending"
	StatusSuccess   Status = "success"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether reports may observe a transaction in this status.
func (s Status) Terminal() bool {
	return s == StatusSuccess || s == StatusCancelled
}

// CustomerStatus marks whether a customer still collects.
type CustomerStatus string

const (
	CustomerActive   CustomerStatus = "active"
	CustomerInactive CustomerStatus = "inactive"
)

// Customer is the account aggregate. RunningBalance is derived and only
// changed by reconciliation.
type Customer struct {
	ID             int64          `json:"id"`
	CustomerCode   string         `json:"customer_code"`
	Name           string         `json:"name"`
	Address        string         `json:"address,omitempty"`
	Phone          string         `json:"phone,omitempty"`
	RunningBalance int64          `json:"running_balance"`
	Status         CustomerStatus `json:"status"`
	JoinedAt       time.Time      `json:"joined_at"`
}

// CustomerRequest is the onboarding payload.
type CustomerRequest struct {
	CustomerCode string `json:"customer_code,omitempty"`
	Name         string `json:"name"`
	Address      string `json:"address,omitempty"`
	Phone        string `json:"phone,omitempty"`
}

// TransactionRequest is the submission payload. TransactionCode carries the
// client idempotency key when it is not sent as a header.
type TransactionRequest struct {
	TransactionCode string `json:"transaction_code,omitempty"`
	CustomerCode    string `json:"customer_code"`
	DateFrom        string `json:"date_from"`
	DateTo          string `json:"date_to"`
	Amount          int64  `json:"amount"`
	Kind            Kind   `json:"kind,omitempty"`
	Note            string `json:"note,omitempty"`
	CreatedBy       string `json:"created_by,omitempty"`
}

// Transaction is the durable record of a collection event.
type Transaction struct {
	ID              int64     `json:"id"`
	TransactionCode string    `json:"transaction_code"`
	CustomerID      int64     `json:"customer_id"`
	CustomerCode    string    `json:"customer_code"`
	CustomerName    string    `json:"customer_name"`
	DateFrom        time.Time `json:"date_from"`
	DateTo          time.Time `json:"date_to"`
	Amount          int64     `json:"amount"`
	Kind            Kind      `json:"kind"`
	Note            string    `json:"note,omitempty"`
	Status          Status    `json:"status"`
	CreatedBy       string    `json:"created_by"`
	RequestHash     string    `json:"-"`
	CreatedAt       time.Time `json:"created_at"`
}

// Envelope is the response shape of every API endpoint.
type Envelope struct {
	Success    bool        `json:"success"`
	Data       interface{} `json:"data,omitempty"`
	Message    string      `json:"message,omitempty"`
	Replayed   bool        `json:"replayed,omitempty"`
	Offline    bool        `json:"offline,omitempty"`
	Pagination *Pagination `json:"pagination,omitempty"`
}

// Pagination describes one page of a listing.
type Pagination struct {
	Page  int `json:"page"`
	Limit int `json:"limit"`
	Total int `json:"total"`
	Pages int `json:"pages"`
}

// TransactionFilter narrows a transaction listing. Zero values mean "any".
type TransactionFilter struct {
	From         time.Time
	To           time.Time
	Kind         Kind
	CustomerCode string
	Page         int
	Limit        int
}

// Summary aggregates terminal transactions over a date range.
type Summary struct {
	TotalDeposits    int64           `json:"total_deposits"`
	TotalWithdrawals int64           `json:"total_withdrawals"`
	TransactionCount int             `json:"transaction_count"`
	TopCustomers     []CustomerTotal `json:"top_customers"`
	PerDay           []DayTotal      `json:"per_day"`
}

// CustomerTotal is one row of the top-N deposit ranking.
type CustomerTotal struct {
	CustomerCode string `json:"customer_code"`
	Name         string `json:"name"`
	Total        int64  `json:"total"`
	Count        int    `json:"count"`
}

// DayTotal buckets deposits per calendar day (DateLayout).
type DayTotal struct {
	Day   string `json:"day"`
	Total int64  `json:"total"`
	Count int    `json:"count"`
}

// DashboardStats feeds the landing screen.
type DashboardStats struct {
	TotalCustomers    int   `json:"total_customers"`
	TotalBalance      int64 `json:"total_balance"`
	DepositsToday     int64 `json:"deposits_today"`
	DepositsThisMonth int64 `json:"deposits_this_month"`
}
