package store

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/punchamoorthee/jimpitan/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seedCustomer(t *testing.T, l *MemoryLedger, code string) *domain.Customer {
	t.Helper()
	c := &domain.Customer{CustomerCode: code, Name: "Warga " + code}
	require.NoError(t, l.CreateCustomer(context.Background(), c))
	return c
}

func deposit(c *domain.Customer, code string, amount int64) domain.Transaction {
	day := time.Date(2026, 10, 1, 0, 0, 0, 0, time.UTC)
	return domain.Transaction{
		TransactionCode: code,
		CustomerID:      c.ID,
		CustomerCode:    c.CustomerCode,
		CustomerName:    c.Name,
		DateFrom:        day,
		DateTo:          day,
		Amount:          amount,
		Kind:            domain.KindDeposit,
		Status:          domain.StatusSuccess,
		CreatedBy:       "admin",
	}
}

func TestMemoryLedger_CreateCustomerDuplicate(t *testing.T) {
	l := NewMemoryLedger()
	seedCustomer(t, l, "JMP001")
	err := l.CreateCustomer(context.Background(), &domain.Customer{CustomerCode: "JMP001", Name: "Other"})
	assert.ErrorIs(t, err, ErrCustomerExists)
}

func TestMemoryLedger_ApplyIsIdempotent(t *testing.T) {
	ctx := context.Background()
	l := NewMemoryLedger()
	c := seedCustomer(t, l, "JMP001")

	first, replayed, err := l.ApplyTransaction(ctx, deposit(c, "K1", 50000))
	require.NoError(t, err)
	assert.False(t, replayed)

	second, replayed, err := l.ApplyTransaction(ctx, deposit(c, "K1", 50000))
	require.NoError(t, err)
	assert.True(t, replayed)
	assert.Equal(t, first.ID, second.ID)

	got, err := l.GetCustomer(ctx, "JMP001")
	require.NoError(t, err)
	assert.Equal(t, int64(50000), got.RunningBalance)
}

func TestMemoryLedger_ConcurrentSameCode(t *testing.T) {
	ctx := context.Background()
	l := NewMemoryLedger()
	c := seedCustomer(t, l, "JMP001")

	const workers = 50
	var wg sync.WaitGroup
	var mu sync.Mutex
	applied := 0
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, replayed, err := l.ApplyTransaction(ctx, deposit(c, "SAME", 1000))
			assert.NoError(t, err)
			if !replayed {
				mu.Lock()
				applied++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, applied)
	got, _ := l.GetCustomer(ctx, "JMP001")
	assert.Equal(t, int64(1000), got.RunningBalance)
}

func TestMemoryLedger_ConcurrentDifferentCodes(t *testing.T) {
	ctx := context.Background()
	l := NewMemoryLedger()
	c := seedCustomer(t, l, "JMP001")

	const workers = 100
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, _, err := l.ApplyTransaction(ctx, deposit(c, fmt.Sprintf("K%d", i), 500))
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	got, _ := l.GetCustomer(ctx, "JMP001")
	assert.Equal(t, int64(workers*500), got.RunningBalance)
}

func TestMemoryLedger_WithdrawalBeforeDeposit(t *testing.T) {
	ctx := context.Background()
	l := NewMemoryLedger()
	c := seedCustomer(t, l, "JMP001")

	w := deposit(c, "W1", 5000)
	w.Kind = domain.KindWithdrawal
	_, _, err := l.ApplyTransaction(ctx, w)
	require.NoError(t, err)

	got, _ := l.GetCustomer(ctx, "JMP001")
	assert.Equal(t, int64(-5000), got.RunningBalance)

	_, _, err = l.ApplyTransaction(ctx, deposit(c, "D1", 5000))
	require.NoError(t, err)

	got, _ = l.GetCustomer(ctx, "JMP001")
	assert.Equal(t, int64(0), got.RunningBalance)
}

func TestMemoryLedger_ConcurrentMixedKinds(t *testing.T) {
	ctx := context.Background()
	l := NewMemoryLedger()
	c := seedCustomer(t, l, "JMP001")

	const workers = 50
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tx := deposit(c, fmt.Sprintf("K%d", i), 1000)
			if i%2 == 1 {
				tx.Kind = domain.KindWithdrawal
				tx.Amount = 400
			}
			_, _, err := l.ApplyTransaction(ctx, tx)
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	got, _ := l.GetCustomer(ctx, "JMP001")
	assert.Equal(t, int64(25*1000-25*400), got.RunningBalance)
}

func TestMemoryLedger_UnknownCustomer(t *testing.T) {
	l := NewMemoryLedger()
	_, _, err := l.ApplyTransaction(context.Background(), deposit(&domain.Customer{ID: 99}, "K1", 10))
	assert.ErrorIs(t, err, ErrCustomerNotFound)
}

func TestMemoryLedger_ReportsSkipPending(t *testing.T) {
	ctx := context.Background()
	l := NewMemoryLedger()
	now := time.Date(2026, 10, 18, 9, 0, 0, 0, time.UTC)
	l.SetClock(func() time.Time { return now })
	a := seedCustomer(t, l, "JMP001")
	b := seedCustomer(t, l, "JMP002")

	_, _, err := l.ApplyTransaction(ctx, deposit(a, "K1", 3000))
	require.NoError(t, err)
	_, _, err = l.ApplyTransaction(ctx, deposit(b, "K2", 7000))
	require.NoError(t, err)
	pending := deposit(a, "K3", 9999)
	pending.Status = domain.StatusPending
	_, _, err = l.ApplyTransaction(ctx, pending)
	require.NoError(t, err)

	day := time.Date(2026, 10, 18, 0, 0, 0, 0, time.UTC)
	sum, err := l.Summary(ctx, day, day, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(10000), sum.TotalDeposits)
	assert.Equal(t, 2, sum.TransactionCount)
	require.Len(t, sum.TopCustomers, 1)
	assert.Equal(t, "JMP002", sum.TopCustomers[0].CustomerCode)
	require.Len(t, sum.PerDay, 1)
	assert.Equal(t, "2026-10-18", sum.PerDay[0].Day)

	txns, total, err := l.ListTransactions(ctx, domain.TransactionFilter{From: day, To: day, Page: 1, Limit: 10})
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	assert.Equal(t, "K2", txns[0].TransactionCode)

	st, err := l.DashboardStats(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, 2, st.TotalCustomers)
	assert.Equal(t, int64(10000), st.TotalBalance)
	assert.Equal(t, int64(10000), st.DepositsToday)
	assert.Equal(t, int64(10000), st.DepositsThisMonth)
}

func TestMemoryLedger_ListPagination(t *testing.T) {
	ctx := context.Background()
	l := NewMemoryLedger()
	c := seedCustomer(t, l, "JMP001")
	for i := 0; i < 5; i++ {
		_, _, err := l.ApplyTransaction(ctx, deposit(c, fmt.Sprintf("K%d", i), 100))
		require.NoError(t, err)
	}

	page, total, err := l.ListTransactions(ctx, domain.TransactionFilter{Page: 3, Limit: 2})
	require.NoError(t, err)
	assert.Equal(t, 5, total)
	require.Len(t, page, 1)
	assert.Equal(t, "K0", page[0].TransactionCode)

	page, _, err = l.ListTransactions(ctx, domain.TransactionFilter{Page: 4, Limit: 2})
	require.NoError(t, err)
	assert.Empty(t, page)
}
