package store

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/punchamoorthee/jimpitan/internal/domain"
)

//go:embed schema.sql
var schemaSQL string

var (
	ErrCustomerNotFound    = errors.New("customer not found")
	ErrCustomerExists      = errors.New("customer code already exists")
	ErrTransactionNotFound = errors.New("transaction not found")
)

const (
	pgUniqueViolation     = "23505"
	pgForeignKeyViolation = "23503"
)

type LedgerStore struct {
	db *pgxpool.Pool
}

func NewLedgerStore(db *pgxpool.Pool) *LedgerStore {
	return &LedgerStore{db: db}
}

// Connect parses connString, opens a pool and verifies it with a ping.
func Connect(ctx context.Context, connString string) (*pgxpool.Pool, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("unable to parse database config: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}
	return pool, nil
}

// Migrate applies the embedded schema. Every statement is idempotent.
func (s *LedgerStore) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// Ping checks database liveness for the health endpoint.
func (s *LedgerStore) Ping(ctx context.Context) error {
	return s.db.Ping(ctx)
}

const customerColumns = "id, customer_code, name, address, phone, running_balance, status, joined_at"

func scanCustomer(row pgx.Row) (*domain.Customer, error) {
	var c domain.Customer
	var status string
	err := row.Scan(&c.ID, &c.CustomerCode, &c.Name, &c.Address, &c.Phone, &c.RunningBalance, &status, &c.JoinedAt)
	if err != nil {
		return nil, err
	}
	c.Status = domain.CustomerStatus(status)
	return &c, nil
}

// CreateCustomer inserts c and fills its generated fields. The balance always
// starts at zero.
func (s *LedgerStore) CreateCustomer(ctx context.Context, c *domain.Customer) error {
	var status string
	err := s.db.QueryRow(ctx,
		"INSERT INTO customers (customer_code, name, address, phone) VALUES ($1, $2, $3, $4) RETURNING id, running_balance, status, joined_at",
		c.CustomerCode, c.Name, c.Address, c.Phone,
	).Scan(&c.ID, &c.RunningBalance, &status, &c.JoinedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			return ErrCustomerExists
		}
		return fmt.Errorf("customer insert failed: %w", err)
	}
	c.Status = domain.CustomerStatus(status)
	return nil
}

// GetCustomer retrieves a customer by code.
func (s *LedgerStore) GetCustomer(ctx context.Context, code string) (*domain.Customer, error) {
	c, err := scanCustomer(s.db.QueryRow(ctx, "SELECT "+customerColumns+" FROM customers WHERE customer_code = $1", code))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrCustomerNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("customer lookup failed: %w", err)
	}
	return c, nil
}

// ListCustomers returns every customer ordered by code.
func (s *LedgerStore) ListCustomers(ctx context.Context) ([]domain.Customer, error) {
	return s.queryCustomers(ctx, "SELECT "+customerColumns+" FROM customers ORDER BY customer_code")
}

// SearchCustomers matches q against code and name, case-insensitively.
func (s *LedgerStore) SearchCustomers(ctx context.Context, q string, limit int) ([]domain.Customer, error) {
	pattern := "%" + strings.ToLower(q) + "%"
	return s.queryCustomers(ctx,
		"SELECT "+customerColumns+" FROM customers WHERE lower(customer_code) LIKE $1 OR lower(name) LIKE $1 ORDER BY customer_code LIMIT $2",
		pattern, limit)
}

func (s *LedgerStore) queryCustomers(ctx context.Context, query string, args ...any) ([]domain.Customer, error) {
	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("customer query failed: %w", err)
	}
	defer rows.Close()

	customers := make([]domain.Customer, 0)
	for rows.Next() {
		c, err := scanCustomer(rows)
		if err != nil {
			return nil, fmt.Errorf("customer scan failed: %w", err)
		}
		customers = append(customers, *c)
	}
	return customers, rows.Err()
}

const transactionColumns = `id, transaction_code, customer_id, customer_code, customer_name, date_from, date_to,
	amount, kind, note, status, created_by, request_hash, created_at`

func scanTransaction(row pgx.Row) (*domain.Transaction, error) {
	var t domain.Transaction
	var kind, status string
	err := row.Scan(&t.ID, &t.TransactionCode, &t.CustomerID, &t.CustomerCode, &t.CustomerName, &t.DateFrom, &t.DateTo,
		&t.Amount, &kind, &t.Note, &status, &t.CreatedBy, &t.RequestHash, &t.CreatedAt)
	if err != nil {
		return nil, err
	}
	t.Kind = domain.Kind(kind)
	t.Status = domain.Status(status)
	return &t, nil
}

// GetTransaction retrieves a transaction by its code.
func (s *LedgerStore) GetTransaction(ctx context.Context, code string) (*domain.Transaction, error) {
	t, err := scanTransaction(s.db.QueryRow(ctx, "SELECT "+transactionColumns+" FROM transactions WHERE transaction_code = $1", code))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrTransactionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("transaction lookup failed: %w", err)
	}
	return t, nil
}

// ApplyTransaction persists t and applies its signed amount to the owning
// customer's balance in one database transaction. The unique index on
// transaction_code is the idempotency gate: when the code already exists the
// stored record is returned with replayed=true and no balance change happens.
func (s *LedgerStore) ApplyTransaction(ctx context.Context, t domain.Transaction) (*domain.Transaction, bool, error) {
	// READ COMMITTED so that, after ON CONFLICT waits out a concurrent insert
	// of the same code, the follow-up SELECT sees the committed winner.
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return nil, false, fmt.Errorf("tx begin failed: %w", err)
	}
	defer tx.Rollback(ctx)

	// 1. Idempotency gate: check-and-insert is a single statement.
	err = tx.QueryRow(ctx, `
		INSERT INTO transactions
		(transaction_code, customer_id, customer_code, customer_name, date_from, date_to, amount, kind, note, status, created_by, request_hash)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (transaction_code) DO NOTHING
		RETURNING id, created_at`,
		t.TransactionCode, t.CustomerID, t.CustomerCode, t.CustomerName, t.DateFrom, t.DateTo,
		t.Amount, string(t.Kind), t.Note, string(t.Status), t.CreatedBy, t.RequestHash,
	).Scan(&t.ID, &t.CreatedAt)

	if errors.Is(err, pgx.ErrNoRows) {
		// 2a. Replay: the code is taken, hand back the stored outcome.
		existing, err := scanTransaction(tx.QueryRow(ctx,
			"SELECT "+transactionColumns+" FROM transactions WHERE transaction_code = $1", t.TransactionCode))
		if err != nil {
			return nil, false, fmt.Errorf("replay lookup failed: %w", err)
		}
		return existing, true, nil
	}
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgForeignKeyViolation {
			return nil, false, ErrCustomerNotFound
		}
		return nil, false, fmt.Errorf("transaction insert failed: %w", err)
	}

	// 2b. Atomic increment. The row lock taken by UPDATE serializes concurrent
	// appliers for the same customer; no value is read back into Go first.
	if t.Status == domain.StatusSuccess {
		_, err := tx.Exec(ctx,
			"UPDATE customers SET running_balance = running_balance + $1, updated_at = now() WHERE id = $2",
			t.Kind.Signed(t.Amount), t.CustomerID)
		if err != nil {
			return nil, false, fmt.Errorf("balance update failed: %w", err)
		}
	}

	if err = tx.Commit(ctx); err != nil {
		return nil, false, fmt.Errorf("tx commit failed: %w", err)
	}
	return &t, false, nil
}
