package service

import (
	"context"
	"errors"
	"strings"

	"github.com/google/uuid"
	"github.com/punchamoorthee/jimpitan/internal/apperr"
	"github.com/punchamoorthee/jimpitan/internal/domain"
	"github.com/punchamoorthee/jimpitan/internal/store"
)

const searchLimit = 20

var ErrCustomerExists = store.ErrCustomerExists

type CustomerStore interface {
	CreateCustomer(ctx context.Context, c *domain.Customer) error
	GetCustomer(ctx context.Context, code string) (*domain.Customer, error)
	ListCustomers(ctx context.Context) ([]domain.Customer, error)
	SearchCustomers(ctx context.Context, q string, limit int) ([]domain.Customer, error)
}

// Customers handles onboarding and lookups. Balances are never accepted from
// callers; they only move through reconciliation.
type Customers struct {
	store CustomerStore
}

func NewCustomers(s CustomerStore) *Customers {
	return &Customers{store: s}
}

func (c *Customers) Create(ctx context.Context, req domain.CustomerRequest) (*domain.Customer, error) {
	name := strings.TrimSpace(req.Name)
	if name == "" {
		return nil, apperr.Invalid("name", "required")
	}
	code := strings.ToUpper(strings.TrimSpace(req.CustomerCode))
	if code == "" {
		code = newCustomerCode()
	}

	cust := &domain.Customer{
		CustomerCode: code,
		Name:         name,
		Address:      strings.TrimSpace(req.Address),
		Phone:        strings.TrimSpace(req.Phone),
	}
	if err := c.store.CreateCustomer(ctx, cust); err != nil {
		return nil, err
	}
	return cust, nil
}

// Get returns store.ErrCustomerNotFound for unknown codes.
func (c *Customers) Get(ctx context.Context, code string) (*domain.Customer, error) {
	return c.store.GetCustomer(ctx, strings.ToUpper(strings.TrimSpace(code)))
}

func (c *Customers) List(ctx context.Context) ([]domain.Customer, error) {
	return c.store.ListCustomers(ctx)
}

func (c *Customers) Search(ctx context.Context, q string) ([]domain.Customer, error) {
	q = strings.TrimSpace(q)
	if q == "" {
		return nil, apperr.Invalid("q", "required")
	}
	return c.store.SearchCustomers(ctx, q, searchLimit)
}

// IsNotFound reports whether err means the customer does not exist.
func IsNotFound(err error) bool {
	return errors.Is(err, store.ErrCustomerNotFound)
}

func newCustomerCode() string {
	return "JMP-" + strings.ToUpper(uuid.NewString()[:8])
}
