package snapshot

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/md-rashed-zaman/slotsync/services/availability-service/internal/slots"
)

var ErrNotFound = errors.New("snapshot not found")

// Snapshot is the last known-good normalized view of a subject.
type Snapshot struct {
	SubjectID string      `json:"subject_id"`
	Days      []slots.Day `json:"days"`
	FetchedAt time.Time   `json:"fetched_at"`
}

type Store interface {
	Get(ctx context.Context, subjectID string) (Snapshot, error)
	Put(ctx context.Context, snap Snapshot) error
}

type MemoryStore struct {
	mu    sync.RWMutex
	items map[string]Snapshot
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{items: map[string]Snapshot{}}
}

func (m *MemoryStore) Get(_ context.Context, subjectID string) (Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	snap, ok := m.items[subjectID]
	if !ok {
		return Snapshot{}, ErrNotFound
	}
	snap.Days = slots.Clone(snap.Days)
	return snap, nil
}

func (m *MemoryStore) Put(_ context.Context, snap Snapshot) error {
	snap.Days = slots.Clone(snap.Days)
	m.mu.Lock()
	m.items[snap.SubjectID] = snap
	m.mu.Unlock()
	return nil
}
