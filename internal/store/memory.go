package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/punchamoorthee/jimpitan/internal/domain"
)

// MemoryLedger is an in-process ledger with the same idempotency and
// atomicity guarantees as LedgerStore. Data is lost on restart. The API
// server uses it when LEDGER=memory.
type MemoryLedger struct {
	mu        sync.RWMutex
	customers map[string]*memCustomer
	byID      map[int64]*memCustomer
	nextCust  int64

	// gate serializes the check-and-insert on transaction codes.
	gate   sync.Mutex
	txns   map[string]*domain.Transaction
	order  []*domain.Transaction
	nextTx int64

	now func() time.Time
}

type memCustomer struct {
	domain.Customer
	balance atomic.Int64
}

func (c *memCustomer) snapshot() domain.Customer {
	out := c.Customer
	out.RunningBalance = c.balance.Load()
	return out
}

func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{
		customers: make(map[string]*memCustomer),
		byID:      make(map[int64]*memCustomer),
		txns:      make(map[string]*domain.Transaction),
		now:       time.Now,
	}
}

// SetClock overrides the creation timestamp source.
func (m *MemoryLedger) SetClock(now func() time.Time) {
	m.now = now
}

func (m *MemoryLedger) Ping(context.Context) error { return nil }

func (m *MemoryLedger) CreateCustomer(_ context.Context, c *domain.Customer) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.customers[c.CustomerCode]; exists {
		return ErrCustomerExists
	}
	m.nextCust++
	c.ID = m.nextCust
	c.RunningBalance = 0
	c.Status = domain.CustomerActive
	c.JoinedAt = m.now()

	mc := &memCustomer{Customer: *c}
	m.customers[c.CustomerCode] = mc
	m.byID[c.ID] = mc
	return nil
}

func (m *MemoryLedger) GetCustomer(_ context.Context, code string) (*domain.Customer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	mc, ok := m.customers[code]
	if !ok {
		return nil, ErrCustomerNotFound
	}
	c := mc.snapshot()
	return &c, nil
}

func (m *MemoryLedger) ListCustomers(ctx context.Context) ([]domain.Customer, error) {
	return m.SearchCustomers(ctx, "", 0)
}

func (m *MemoryLedger) SearchCustomers(_ context.Context, q string, limit int) ([]domain.Customer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	q = strings.ToLower(q)
	out := make([]domain.Customer, 0)
	for _, mc := range m.customers {
		if q != "" && !strings.Contains(strings.ToLower(mc.CustomerCode), q) && !strings.Contains(strings.ToLower(mc.Name), q) {
			continue
		}
		out = append(out, mc.snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CustomerCode < out[j].CustomerCode })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryLedger) GetTransaction(_ context.Context, code string) (*domain.Transaction, error) {
	m.gate.Lock()
	defer m.gate.Unlock()

	t, ok := m.txns[code]
	if !ok {
		return nil, ErrTransactionNotFound
	}
	out := *t
	return &out, nil
}

// ApplyTransaction mirrors LedgerStore.ApplyTransaction.
func (m *MemoryLedger) ApplyTransaction(_ context.Context, t domain.Transaction) (*domain.Transaction, bool, error) {
	m.gate.Lock()
	defer m.gate.Unlock()

	if existing, ok := m.txns[t.TransactionCode]; ok {
		out := *existing
		return &out, true, nil
	}

	m.mu.RLock()
	mc, ok := m.byID[t.CustomerID]
	m.mu.RUnlock()
	if !ok {
		return nil, false, ErrCustomerNotFound
	}

	if t.Status == domain.StatusSuccess {
		mc.balance.Add(t.Kind.Signed(t.Amount))
	}

	m.nextTx++
	t.ID = m.nextTx
	t.CreatedAt = m.now()
	stored := t
	m.txns[t.TransactionCode] = &stored
	m.order = append(m.order, &stored)
	return &t, false, nil
}

// terminal returns copies of terminal transactions matching pred, in
// insertion order.
func (m *MemoryLedger) terminal(pred func(*domain.Transaction) bool) []domain.Transaction {
	m.gate.Lock()
	defer m.gate.Unlock()

	out := make([]domain.Transaction, 0)
	for _, t := range m.order {
		if t.Status.Terminal() && pred(t) {
			out = append(out, *t)
		}
	}
	return out
}

func inRange(ts, from, to time.Time) bool {
	if !from.IsZero() && ts.Before(from) {
		return false
	}
	if !to.IsZero() && !ts.Before(to) {
		return false
	}
	return true
}

func (m *MemoryLedger) ListTransactions(_ context.Context, f domain.TransactionFilter) ([]domain.Transaction, int, error) {
	from, to := dayBounds(f.From, f.To)
	all := m.terminal(func(t *domain.Transaction) bool {
		return inRange(t.CreatedAt, from, to) &&
			(f.Kind == "" || t.Kind == f.Kind) &&
			(f.CustomerCode == "" || t.CustomerCode == f.CustomerCode)
	})

	// newest first
	sort.SliceStable(all, func(i, j int) bool { return all[i].ID > all[j].ID })

	total := len(all)
	start := (f.Page - 1) * f.Limit
	if start >= total {
		return []domain.Transaction{}, total, nil
	}
	end := start + f.Limit
	if end > total {
		end = total
	}
	return all[start:end], total, nil
}

func (m *MemoryLedger) Summary(_ context.Context, from, to time.Time, topN int) (*domain.Summary, error) {
	start, end := dayBounds(from, to)
	txns := m.terminal(func(t *domain.Transaction) bool {
		return t.Status == domain.StatusSuccess && inRange(t.CreatedAt, start, end)
	})

	sum := &domain.Summary{TopCustomers: []domain.CustomerTotal{}, PerDay: []domain.DayTotal{}}
	perCustomer := map[string]*domain.CustomerTotal{}
	perDay := map[string]*domain.DayTotal{}
	for _, t := range txns {
		sum.TransactionCount++
		if t.Kind == domain.KindWithdrawal {
			sum.TotalWithdrawals += t.Amount
			continue
		}
		sum.TotalDeposits += t.Amount

		ct, ok := perCustomer[t.CustomerCode]
		if !ok {
			ct = &domain.CustomerTotal{CustomerCode: t.CustomerCode, Name: t.CustomerName}
			perCustomer[t.CustomerCode] = ct
		}
		ct.Total += t.Amount
		ct.Count++

		day := t.CreatedAt.Format(domain.DateLayout)
		dt, ok := perDay[day]
		if !ok {
			dt = &domain.DayTotal{Day: day}
			perDay[day] = dt
		}
		dt.Total += t.Amount
		dt.Count++
	}

	for _, ct := range perCustomer {
		sum.TopCustomers = append(sum.TopCustomers, *ct)
	}
	sort.Slice(sum.TopCustomers, func(i, j int) bool {
		a, b := sum.TopCustomers[i], sum.TopCustomers[j]
		if a.Total != b.Total {
			return a.Total > b.Total
		}
		return a.CustomerCode < b.CustomerCode
	})
	if topN > 0 && len(sum.TopCustomers) > topN {
		sum.TopCustomers = sum.TopCustomers[:topN]
	}

	for _, dt := range perDay {
		sum.PerDay = append(sum.PerDay, *dt)
	}
	sort.Slice(sum.PerDay, func(i, j int) bool { return sum.PerDay[i].Day < sum.PerDay[j].Day })
	return sum, nil
}

func (m *MemoryLedger) DashboardStats(_ context.Context, now time.Time) (*domain.DashboardStats, error) {
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	month := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, now.Location())

	var st domain.DashboardStats
	m.mu.RLock()
	for _, mc := range m.customers {
		if mc.Status != domain.CustomerActive {
			continue
		}
		st.TotalCustomers++
		st.TotalBalance += mc.balance.Load()
	}
	m.mu.RUnlock()

	for _, t := range m.terminal(func(t *domain.Transaction) bool {
		return t.Status == domain.StatusSuccess && t.Kind == domain.KindDeposit && !t.CreatedAt.Before(month)
	}) {
		st.DepositsThisMonth += t.Amount
		if !t.CreatedAt.Before(today) {
			st.DepositsToday += t.Amount
		}
	}
	return &st, nil
}
