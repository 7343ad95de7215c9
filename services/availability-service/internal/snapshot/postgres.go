package snapshot

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/md-rashed-zaman/slotsync/libs/db"
)

type PostgresStore struct {
	pool *db.Pool
}

func NewPostgresStore(pool *db.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS availability_snapshots (
			subject_id TEXT PRIMARY KEY,
			days JSONB NOT NULL,
			fetched_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)
	`)
	return err
}

func (s *PostgresStore) Get(ctx context.Context, subjectID string) (Snapshot, error) {
	var raw []byte
	snap := Snapshot{SubjectID: subjectID}
	err := s.pool.QueryRow(ctx, `
		SELECT days, fetched_at
		FROM availability_snapshots
		WHERE subject_id = $1
	`, subjectID).Scan(&raw, &snap.FetchedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Snapshot{}, ErrNotFound
	}
	if err != nil {
		return Snapshot{}, err
	}
	if err := json.Unmarshal(raw, &snap.Days); err != nil {
		return Snapshot{}, err
	}
	return snap, nil
}

func (s *PostgresStore) Put(ctx context.Context, snap Snapshot) error {
	raw, err := json.Marshal(snap.Days)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO availability_snapshots (subject_id, days, fetched_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (subject_id) DO UPDATE
		SET days = EXCLUDED.days,
			fetched_at = EXCLUDED.fetched_at,
			updated_at = now()
	`, snap.SubjectID, raw, snap.FetchedAt)
	return err
}
