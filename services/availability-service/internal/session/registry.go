package session

import (
	"context"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
)

// Registry keeps at most size live sessions. The least recently used session
// is closed when a new subject would exceed the bound.
type Registry struct {
	deps Deps

	mu    sync.Mutex
	cache *lru.Cache[string, *Session]
}

func NewRegistry(size int, deps Deps) (*Registry, error) {
	if size <= 0 {
		size = 256
	}
	cache, err := lru.NewWithEvict[string, *Session](size, func(_ string, s *Session) {
		go s.Close()
	})
	if err != nil {
		return nil, err
	}
	return &Registry{deps: deps, cache: cache}, nil
}

// Get returns the session for subjectID, starting one if needed.
func (r *Registry) Get(ctx context.Context, subjectID string) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()

	if s, ok := r.cache.Get(subjectID); ok {
		return s
	}
	s := New(subjectID, r.deps)
	s.Start(ctx)
	r.cache.Add(subjectID, s)
	if r.deps.Logger != nil {
		r.deps.Logger.Info("availability session started", "subject_id", subjectID, "sessions", r.cache.Len())
	}
	return s
}

// Lookup returns a live session without creating one or touching recency.
func (r *Registry) Lookup(subjectID string) (*Session, bool) {
	return r.cache.Peek(subjectID)
}

// SubjectChanged schedules a debounced refresh for a live session. Subjects
// nobody is watching are ignored; they are fetched fresh on first use.
func (r *Registry) SubjectChanged(subjectID string) bool {
	s, ok := r.Lookup(subjectID)
	if !ok {
		return false
	}
	s.NotifyChanged()
	return true
}

func (r *Registry) Len() int {
	return r.cache.Len()
}

// Close shuts down every session.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, key := range r.cache.Keys() {
		if s, ok := r.cache.Peek(key); ok {
			s.Close()
		}
	}
	r.cache.Purge()
}
