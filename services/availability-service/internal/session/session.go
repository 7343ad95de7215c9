package session

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/md-rashed-zaman/slotsync/services/availability-service/internal/admin"
	"github.com/md-rashed-zaman/slotsync/services/availability-service/internal/availability"
	"github.com/md-rashed-zaman/slotsync/services/availability-service/internal/ratecontrol"
	"github.com/md-rashed-zaman/slotsync/services/availability-service/internal/refresh"
	"github.com/md-rashed-zaman/slotsync/services/availability-service/internal/slots"
	"github.com/md-rashed-zaman/slotsync/services/availability-service/internal/snapshot"
	"github.com/md-rashed-zaman/slotsync/services/availability-service/internal/timebase"
)

// Deps are shared by every session of a registry.
type Deps struct {
	TimeBase  *timebase.TimeBase
	Fetcher   refresh.Fetcher
	Persister admin.Persister
	Store     snapshot.Store
	Notifier  admin.Notifier
	Logger    *slog.Logger
	Refresh   refresh.Config
	// ChangeDebounce is the quiet period before an upstream change event
	// triggers a refresh.
	ChangeDebounce time.Duration
	// ManualEvery caps how often a manual refresh request reaches the backend.
	ManualEvery time.Duration
}

// View is an immutable snapshot handed to readers.
type View struct {
	SubjectID string        `json:"subject_id"`
	HasData   bool          `json:"has_data"`
	Days      []slots.Day   `json:"days"`
	State     refresh.State `json:"state"`
}

// Session binds one subject's scheduler, normalized view and admin editor.
type Session struct {
	subject    string
	deps       Deps
	sched      *refresh.Scheduler
	normalizer *slots.Normalizer
	query      *availability.Query
	editor     *admin.Editor
	changed    *ratecontrol.Debouncer[struct{}]
	manual     *ratecontrol.Throttler[struct{}]

	ctx    context.Context
	cancel context.CancelFunc
	closed atomic.Bool

	mu      sync.RWMutex
	days    []slots.Day
	hasData bool
	seeded  bool
}

func New(subjectID string, deps Deps) *Session {
	if deps.Logger == nil {
		deps.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if deps.Store == nil {
		deps.Store = snapshot.NewMemoryStore()
	}
	logger := deps.Logger.With("subject_id", subjectID)

	s := &Session{
		subject:    subjectID,
		deps:       deps,
		normalizer: slots.NewNormalizer(deps.TimeBase),
		query:      availability.NewQuery(deps.TimeBase),
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.sched = refresh.NewScheduler(deps.Fetcher, s.apply, deps.TimeBase, logger, deps.Refresh)
	s.editor = admin.NewEditor(deps.TimeBase, admin.Config{
		SubjectID: subjectID,
		Persister: deps.Persister,
		Reloader:  s,
		Notifier:  deps.Notifier,
		Logger:    logger,
	})
	s.changed = ratecontrol.NewDebouncer(deps.ChangeDebounce, func(struct{}) {
		s.sched.Refresh(s.ctx)
	})
	s.manual = ratecontrol.NewThrottler(deps.ManualEvery, func(struct{}) {
		go s.sched.Refresh(s.ctx)
	})
	return s
}

// Start seeds the view from the snapshot store and begins polling.
func (s *Session) Start(ctx context.Context) {
	s.preload(ctx)
	s.sched.SetSubject(s.subject)
}

func (s *Session) SubjectID() string { return s.subject }

func (s *Session) Editor() *admin.Editor { return s.editor }

func (s *Session) Query() *availability.Query { return s.query }

func (s *Session) View() View {
	s.mu.RLock()
	days := slots.Clone(s.days)
	hasData := s.hasData
	s.mu.RUnlock()
	return View{SubjectID: s.subject, HasData: hasData, Days: days, State: s.sched.State()}
}

// Refresh fetches synchronously.
func (s *Session) Refresh(ctx context.Context) {
	s.sched.Refresh(ctx)
}

// RequestRefresh asks for a refresh without waiting for it. Bursts are
// throttled.
func (s *Session) RequestRefresh() {
	s.manual.Call(struct{}{})
}

// NotifyChanged reacts to an upstream change notification. Bursts collapse
// into a single refresh once the stream goes quiet.
func (s *Session) NotifyChanged() {
	s.changed.Call(struct{}{})
}

// ErrReloadSuperseded is returned by Reload when a newer refresh overtook the
// reload's own request, so its response was never applied.
var ErrReloadSuperseded = errors.New("reload superseded by a newer refresh")

// Reload refreshes and returns the canonical days from this call's own
// response. It satisfies admin.Reloader.
func (s *Session) Reload(ctx context.Context) ([]slots.Day, error) {
	raw, applied, err := s.sched.RefreshResult(ctx)
	if err != nil {
		return nil, err
	}
	if !applied {
		return nil, ErrReloadSuperseded
	}
	days, _ := s.normalizer.NormalizeDays(raw)
	return days, nil
}

func (s *Session) Close() {
	if !s.closed.CompareAndSwap(false, true) {
		return
	}
	s.changed.Cancel()
	s.manual.Cancel()
	s.cancel()
	s.sched.Close()
}

func (s *Session) Closed() bool { return s.closed.Load() }

func (s *Session) apply(subjectID string, raw []slots.RawDay) {
	days, ok := s.normalizer.NormalizeDays(raw)

	s.mu.Lock()
	s.days = days
	s.hasData = ok
	seed := !s.seeded
	s.seeded = true
	s.mu.Unlock()

	if seed {
		s.editor.Load(days)
	}

	ctx, cancel := context.WithTimeout(s.ctx, 3*time.Second)
	defer cancel()
	snap := snapshot.Snapshot{SubjectID: subjectID, Days: days, FetchedAt: s.deps.TimeBase.Now().UTC()}
	if err := s.deps.Store.Put(ctx, snap); err != nil {
		s.deps.Logger.Warn("snapshot write failed", "subject_id", subjectID, "err", err)
	}
}

func (s *Session) preload(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	snap, err := s.deps.Store.Get(ctx, s.subject)
	if err != nil {
		if !errors.Is(err, snapshot.ErrNotFound) {
			s.deps.Logger.Warn("snapshot read failed", "subject_id", s.subject, "err", err)
		}
		return
	}
	// Re-normalize so zones and is_today reflect this process, not the writer.
	days, ok := s.normalizer.Normalize(slots.ToRaw(snap.Days, s.deps.TimeBase.Location()))

	s.mu.Lock()
	s.days = days
	s.hasData = ok
	s.seeded = true
	s.mu.Unlock()
	s.editor.Load(days)
}
