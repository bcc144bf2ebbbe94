package store

import (
	"context"
	"fmt"
	"os"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/punchamoorthee/jimpitan/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestLedgerStore connects to TEST_DB_SOURCE and applies the schema.
// Customer and transaction codes are randomized so runs do not collide.
func newTestLedgerStore(t *testing.T) *LedgerStore {
	t.Helper()
	dsn := os.Getenv("TEST_DB_SOURCE")
	if dsn == "" {
		t.Skip("TEST_DB_SOURCE not set")
	}
	ctx := context.Background()
	pool, err := Connect(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	s := NewLedgerStore(pool)
	require.NoError(t, s.Migrate(ctx))
	return s
}

func seedPostgresCustomer(t *testing.T, s *LedgerStore) *domain.Customer {
	t.Helper()
	code := "T" + uuid.NewString()[:8]
	c := &domain.Customer{CustomerCode: code, Name: "Warga " + code}
	require.NoError(t, s.CreateCustomer(context.Background(), c))
	return c
}

func TestLedgerStore_ApplyIsIdempotent(t *testing.T) {
	s := newTestLedgerStore(t)
	ctx := context.Background()
	c := seedPostgresCustomer(t, s)
	code := uuid.NewString()

	first, replayed, err := s.ApplyTransaction(ctx, deposit(c, code, 50000))
	require.NoError(t, err)
	assert.False(t, replayed)

	second, replayed, err := s.ApplyTransaction(ctx, deposit(c, code, 50000))
	require.NoError(t, err)
	assert.True(t, replayed)
	assert.Equal(t, first.ID, second.ID)

	got, err := s.GetCustomer(ctx, c.CustomerCode)
	require.NoError(t, err)
	assert.Equal(t, int64(50000), got.RunningBalance)
}

func TestLedgerStore_ConcurrentSameCode(t *testing.T) {
	s := newTestLedgerStore(t)
	ctx := context.Background()
	c := seedPostgresCustomer(t, s)
	code := uuid.NewString()

	const workers = 20
	var wg sync.WaitGroup
	var mu sync.Mutex
	applied := 0
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, replayed, err := s.ApplyTransaction(ctx, deposit(c, code, 1000))
			assert.NoError(t, err)
			if err == nil && !replayed {
				mu.Lock()
				applied++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, applied)
	got, err := s.GetCustomer(ctx, c.CustomerCode)
	require.NoError(t, err)
	assert.Equal(t, int64(1000), got.RunningBalance)
}

func TestLedgerStore_ConcurrentDifferentCodes(t *testing.T) {
	s := newTestLedgerStore(t)
	ctx := context.Background()
	c := seedPostgresCustomer(t, s)
	prefix := uuid.NewString()[:8]

	const workers = 20
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, _, err := s.ApplyTransaction(ctx, deposit(c, fmt.Sprintf("%s-%d", prefix, i), 500))
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	got, err := s.GetCustomer(ctx, c.CustomerCode)
	require.NoError(t, err)
	assert.Equal(t, int64(workers*500), got.RunningBalance)
}

func TestLedgerStore_Errors(t *testing.T) {
	s := newTestLedgerStore(t)
	ctx := context.Background()
	c := seedPostgresCustomer(t, s)

	err := s.CreateCustomer(ctx, &domain.Customer{CustomerCode: c.CustomerCode, Name: "Other"})
	assert.ErrorIs(t, err, ErrCustomerExists)

	_, err = s.GetCustomer(ctx, "NOPE-"+uuid.NewString())
	assert.ErrorIs(t, err, ErrCustomerNotFound)

	_, err = s.GetTransaction(ctx, uuid.NewString())
	assert.ErrorIs(t, err, ErrTransactionNotFound)
}

func TestLedgerStore_WithdrawalBeforeDeposit(t *testing.T) {
	s := newTestLedgerStore(t)
	ctx := context.Background()
	c := seedPostgresCustomer(t, s)

	w := deposit(c, uuid.NewString(), 1000)
	w.Kind = domain.KindWithdrawal
	_, _, err := s.ApplyTransaction(ctx, w)
	require.NoError(t, err)

	got, err := s.GetCustomer(ctx, c.CustomerCode)
	require.NoError(t, err)
	assert.Equal(t, int64(-1000), got.RunningBalance)

	_, _, err = s.ApplyTransaction(ctx, deposit(c, uuid.NewString(), 1000))
	require.NoError(t, err)

	got, err = s.GetCustomer(ctx, c.CustomerCode)
	require.NoError(t, err)
	assert.Equal(t, int64(0), got.RunningBalance)
}
