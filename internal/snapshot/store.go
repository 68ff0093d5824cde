// Package snapshot persists exported core state and restores it on boot.
package snapshot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

var ErrNoSnapshot = errors.New("no snapshot stored")

type Store interface {
	Save(ctx context.Context, data []byte) error
	Latest(ctx context.Context) ([]byte, error)
}

type pgDB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PgStore keeps every export as a JSONB row and prunes all but the newest Keep rows.
type PgStore struct {
	db   pgDB
	keep int
	now  func() time.Time
}

func NewPgStore(db pgDB, keep int) *PgStore {
	if keep <= 0 {
		keep = 10
	}
	return &PgStore{db: db, keep: keep, now: func() time.Time { return time.Now().UTC() }}
}

func (s *PgStore) Save(ctx context.Context, data []byte) error {
	var head struct {
		Version int `json:"version"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return fmt.Errorf("read snapshot version: %w", err)
	}

	_, err := s.db.Exec(ctx, `
		INSERT INTO core_snapshots (id, version, state, size_bytes, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`, uuid.New(), head.Version, data, len(data), s.now())
	if err != nil {
		return fmt.Errorf("insert snapshot: %w", err)
	}

	_, err = s.db.Exec(ctx, `
		DELETE FROM core_snapshots
		WHERE id NOT IN (
			SELECT id FROM core_snapshots ORDER BY created_at DESC LIMIT $1
		)
	`, s.keep)
	if err != nil {
		return fmt.Errorf("prune snapshots: %w", err)
	}
	return nil
}

func (s *PgStore) Latest(ctx context.Context) ([]byte, error) {
	var data []byte
	err := s.db.QueryRow(ctx, `
		SELECT state FROM core_snapshots
		ORDER BY created_at DESC
		LIMIT 1
	`).Scan(&data)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNoSnapshot
		}
		return nil, fmt.Errorf("select latest snapshot: %w", err)
	}
	return data, nil
}

// MemoryStore keeps the newest snapshot in process. It backs tests and deployments without
// Postgres.
type MemoryStore struct {
	mu   sync.Mutex
	data []byte
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Save(_ context.Context, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data = append([]byte(nil), data...)
	return nil
}

func (s *MemoryStore) Latest(_ context.Context) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.data == nil {
		return nil, ErrNoSnapshot
	}
	return append([]byte(nil), s.data...), nil
}
