package events

import (
	"context"
	"errors"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/md-rashed-zaman/slotsync/libs/db"
)

// Inbox records consumed event ids. Record reports false for an id it has
// already seen.
type Inbox interface {
	Record(ctx context.Context, eventID, eventType string) (bool, error)
}

// MemoryInbox remembers the most recent ids of this process only.
type MemoryInbox struct {
	seen *lru.Cache[string, struct{}]
}

func NewMemoryInbox(size int) (*MemoryInbox, error) {
	if size <= 0 {
		size = 4096
	}
	seen, err := lru.New[string, struct{}](size)
	if err != nil {
		return nil, err
	}
	return &MemoryInbox{seen: seen}, nil
}

func (m *MemoryInbox) Record(_ context.Context, eventID, _ string) (bool, error) {
	previous, _ := m.seen.ContainsOrAdd(eventID, struct{}{})
	return !previous, nil
}

// PostgresInbox shares dedup state across replicas of one consumer group.
type PostgresInbox struct {
	pool *db.Pool
}

func NewPostgresInbox(pool *db.Pool) *PostgresInbox {
	return &PostgresInbox{pool: pool}
}

func (r *PostgresInbox) EnsureSchema(ctx context.Context) error {
	_, err := r.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS availability_inbox_events (
			event_id    TEXT PRIMARY KEY,
			event_type  TEXT NOT NULL,
			received_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)
	`)
	return err
}

func (r *PostgresInbox) Record(ctx context.Context, eventID, eventType string) (bool, error) {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO availability_inbox_events (event_id, event_type)
		VALUES ($1, $2)
	`, eventID, eventType)
	if err == nil {
		return true, nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return false, nil
	}
	return false, err
}
