package store

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/punchamoorthee/jimpitan/internal/domain"
)

// Report queries only ever look at terminal statuses; a pending row may be
// mid-reconciliation and would otherwise be double counted.
const terminalOnly = "status IN ('success', 'cancelled')"

// dayBounds turns an inclusive [from, to] day range into a half-open
// timestamp range. Zero values are left open.
func dayBounds(from, to time.Time) (time.Time, time.Time) {
	if !to.IsZero() {
		to = time.Date(to.Year(), to.Month(), to.Day(), 0, 0, 0, 0, to.Location()).AddDate(0, 0, 1)
	}
	return from, to
}

// ListTransactions returns one page of terminal transactions matching f,
// newest first, plus the total match count.
func (s *LedgerStore) ListTransactions(ctx context.Context, f domain.TransactionFilter) ([]domain.Transaction, int, error) {
	from, to := dayBounds(f.From, f.To)
	where := []string{terminalOnly}
	args := []any{}
	add := func(cond string, v any) {
		args = append(args, v)
		where = append(where, strings.ReplaceAll(cond, "?", "$"+strconv.Itoa(len(args))))
	}
	if !from.IsZero() {
		add("created_at >= ?", from)
	}
	if !to.IsZero() {
		add("created_at < ?", to)
	}
	if f.Kind != "" {
		add("kind = ?", string(f.Kind))
	}
	if f.CustomerCode != "" {
		add("customer_code = ?", f.CustomerCode)
	}
	clause := " WHERE " + strings.Join(where, " AND ")

	var total int
	if err := s.db.QueryRow(ctx, "SELECT COUNT(*) FROM transactions"+clause, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("transaction count failed: %w", err)
	}

	args = append(args, f.Limit, (f.Page-1)*f.Limit)
	query := fmt.Sprintf("SELECT %s FROM transactions%s ORDER BY created_at DESC, id DESC LIMIT $%d OFFSET $%d",
		transactionColumns, clause, len(args)-1, len(args))
	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("transaction query failed: %w", err)
	}
	defer rows.Close()

	txns := make([]domain.Transaction, 0, f.Limit)
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("transaction scan failed: %w", err)
		}
		txns = append(txns, *t)
	}
	return txns, total, rows.Err()
}

// Summary aggregates successful transactions created within [from, to].
func (s *LedgerStore) Summary(ctx context.Context, from, to time.Time, topN int) (*domain.Summary, error) {
	start, end := dayBounds(from, to)
	sum := &domain.Summary{TopCustomers: []domain.CustomerTotal{}, PerDay: []domain.DayTotal{}}

	err := s.db.QueryRow(ctx, `
		SELECT COALESCE(SUM(amount) FILTER (WHERE kind = 'deposit'), 0),
		       COALESCE(SUM(amount) FILTER (WHERE kind = 'withdrawal'), 0),
		       COUNT(*)
		FROM transactions
		WHERE status = 'success' AND created_at >= $1 AND created_at < $2`, start, end,
	).Scan(&sum.TotalDeposits, &sum.TotalWithdrawals, &sum.TransactionCount)
	if err != nil {
		return nil, fmt.Errorf("summary totals failed: %w", err)
	}

	rows, err := s.db.Query(ctx, `
		SELECT customer_code, customer_name, SUM(amount), COUNT(*)
		FROM transactions
		WHERE status = 'success' AND kind = 'deposit' AND created_at >= $1 AND created_at < $2
		GROUP BY customer_code, customer_name
		ORDER BY SUM(amount) DESC, customer_code
		LIMIT $3`, start, end, topN)
	if err != nil {
		return nil, fmt.Errorf("summary top customers failed: %w", err)
	}
	for rows.Next() {
		var ct domain.CustomerTotal
		if err := rows.Scan(&ct.CustomerCode, &ct.Name, &ct.Total, &ct.Count); err != nil {
			rows.Close()
			return nil, fmt.Errorf("summary scan failed: %w", err)
		}
		sum.TopCustomers = append(sum.TopCustomers, ct)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	rows, err = s.db.Query(ctx, `
		SELECT to_char(created_at, 'YYYY-MM-DD') AS day, SUM(amount), COUNT(*)
		FROM transactions
		WHERE status = 'success' AND kind = 'deposit' AND created_at >= $1 AND created_at < $2
		GROUP BY day
		ORDER BY day`, start, end)
	if err != nil {
		return nil, fmt.Errorf("summary per day failed: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var d domain.DayTotal
		if err := rows.Scan(&d.Day, &d.Total, &d.Count); err != nil {
			return nil, fmt.Errorf("summary scan failed: %w", err)
		}
		sum.PerDay = append(sum.PerDay, d)
	}
	return sum, rows.Err()
}

// DashboardStats computes the landing-screen numbers relative to now.
func (s *LedgerStore) DashboardStats(ctx context.Context, now time.Time) (*domain.DashboardStats, error) {
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	month := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, now.Location())

	var st domain.DashboardStats
	err := s.db.QueryRow(ctx,
		"SELECT COUNT(*), COALESCE(SUM(running_balance), 0) FROM customers WHERE status = 'active'",
	).Scan(&st.TotalCustomers, &st.TotalBalance)
	if err != nil {
		return nil, fmt.Errorf("dashboard customers failed: %w", err)
	}

	err = s.db.QueryRow(ctx, `
		SELECT COALESCE(SUM(amount) FILTER (WHERE created_at >= $1), 0),
		       COALESCE(SUM(amount), 0)
		FROM transactions
		WHERE status = 'success' AND kind = 'deposit' AND created_at >= $2`, today, month,
	).Scan(&st.DepositsToday, &st.DepositsThisMonth)
	if err != nil {
		return nil, fmt.Errorf("dashboard deposits failed: %w", err)
	}
	return &st, nil
}
