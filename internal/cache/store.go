package cache

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/punchamoorthee/jimpitan/internal/localstore"
	"github.com/punchamoorthee/jimpitan/internal/models"
)

const (
	metaCurrentGeneration = "current_generation"
	initialGeneration     = 1
)

// entryStore persists CacheEntry rows in the device database.
type entryStore struct {
	db *localstore.DB
}

func (s *entryStore) currentGeneration(ctx context.Context) (int64, error) {
	var gen int64
	err := s.db.SQL().QueryRowContext(ctx, "SELECT value FROM cache_meta WHERE key = ?", metaCurrentGeneration).Scan(&gen)
	if errors.Is(err, sql.ErrNoRows) {
		return initialGeneration, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read current generation: %w", err)
	}
	return gen, nil
}

// get returns nil without error on a miss.
func (s *entryStore) get(ctx context.Context, gen int64, signature string) (*models.CacheEntry, error) {
	var (
		e        models.CacheEntry
		header   string
		storedAt int64
	)
	err := s.db.SQL().QueryRowContext(ctx, `
		SELECT generation, signature, method, url, status_code, header, body, stored_at
		FROM cache_entries WHERE generation = ? AND signature = ?`, gen, signature,
	).Scan(&e.Generation, &e.Signature, &e.Method, &e.URL, &e.StatusCode, &header, &e.Body, &storedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read cache entry: %w", err)
	}
	if err := json.Unmarshal([]byte(header), &e.Header); err != nil {
		return nil, fmt.Errorf("decode cached header: %w", err)
	}
	e.StoredAt = time.Unix(0, storedAt)
	return &e, nil
}

func (s *entryStore) put(ctx context.Context, e models.CacheEntry) error {
	if e.Header == nil {
		e.Header = http.Header{}
	}
	header, err := json.Marshal(e.Header)
	if err != nil {
		return fmt.Errorf("encode header: %w", err)
	}
	if e.Body == nil {
		e.Body = []byte{}
	}
	_, err = s.db.SQL().ExecContext(ctx, `
		INSERT INTO cache_entries (generation, signature, method, url, status_code, header, body, stored_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (generation, signature) DO UPDATE SET
			status_code = excluded.status_code,
			header      = excluded.header,
			body        = excluded.body,
			stored_at   = excluded.stored_at`,
		e.Generation, e.Signature, e.Method, e.URL, e.StatusCode, string(header), e.Body, e.StoredAt.UnixNano())
	if err != nil {
		return fmt.Errorf("write cache entry: %w", err)
	}
	return nil
}

// activate purges every other generation and records gen as current, in one
// transaction.
func (s *entryStore) activate(ctx context.Context, gen int64) (int64, error) {
	var purged int64
	err := s.db.WithTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, "DELETE FROM cache_entries WHERE generation <> ?", gen)
		if err != nil {
			return fmt.Errorf("purge generations: %w", err)
		}
		if purged, err = res.RowsAffected(); err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO cache_meta (key, value) VALUES (?, ?)
			ON CONFLICT (key) DO UPDATE SET value = excluded.value`, metaCurrentGeneration, gen)
		if err != nil {
			return fmt.Errorf("record generation: %w", err)
		}
		return nil
	})
	return purged, err
}

func (s *entryStore) count(ctx context.Context, gen int64) (int, error) {
	var n int
	err := s.db.SQL().QueryRowContext(ctx, "SELECT COUNT(*) FROM cache_entries WHERE generation = ?", gen).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count cache entries: %w", err)
	}
	return n, nil
}

// generations lists every generation that has stored entries.
func (s *entryStore) generations(ctx context.Context) ([]int64, error) {
	rows, err := s.db.SQL().QueryContext(ctx, "SELECT DISTINCT generation FROM cache_entries ORDER BY generation")
	if err != nil {
		return nil, fmt.Errorf("list generations: %w", err)
	}
	defer rows.Close()

	var gens []int64
	for rows.Next() {
		var g int64
		if err := rows.Scan(&g); err != nil {
			return nil, err
		}
		gens = append(gens, g)
	}
	return gens, rows.Err()
}
