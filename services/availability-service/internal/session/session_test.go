package session

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/md-rashed-zaman/slotsync/services/availability-service/internal/slots"
	"github.com/md-rashed-zaman/slotsync/services/availability-service/internal/snapshot"
	"github.com/md-rashed-zaman/slotsync/services/availability-service/internal/timebase"
	"github.com/md-rashed-zaman/slotsync/services/availability-service/internal/timebase/timebasetest"
)

type fakeBackend struct {
	mu    sync.Mutex
	body  string
	err   error
	calls int32
	saved []string
	// hold, when set, runs before a fetch reads the body.
	hold func(call int32)
}

func (b *fakeBackend) FetchAvailability(context.Context, string) ([]byte, error) {
	n := atomic.AddInt32(&b.calls, 1)
	b.mu.Lock()
	hold := b.hold
	b.mu.Unlock()
	if hold != nil {
		hold(n)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return []byte(b.body), b.err
}

func (b *fakeBackend) SaveDay(_ context.Context, _ string, date string, in []slots.RawSlot) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.saved = append(b.saved, date)
	if len(in) == 0 {
		b.body = `{"days":[]}`
	}
	return nil
}

func (b *fakeBackend) set(body string, err error) {
	b.mu.Lock()
	b.body, b.err = body, err
	b.mu.Unlock()
}

const twoDays = `{"days":[
	{"date":"2024-12-17","slots":[{"start_at":"2024-12-17T09:00:00","end_at":"2024-12-17T10:00:00","status":"available"}]},
	{"date":"2024-12-18","slots":[{"start_at":"2024-12-18T09:00:00","end_at":"2024-12-18T10:00:00","status":"blocked"}]}
]}`

func newDeps(b *fakeBackend, store snapshot.Store) Deps {
	clock := timebasetest.NewClock(time.Date(2024, 12, 17, 8, 0, 0, 0, time.UTC))
	return Deps{
		TimeBase:       timebase.New(time.UTC, clock),
		Fetcher:        b,
		Persister:      b,
		Store:          store,
		ChangeDebounce: 10 * time.Millisecond,
		ManualEvery:    50 * time.Millisecond,
	}
}

func TestSession_RefreshNormalizesAndStores(t *testing.T) {
	b := &fakeBackend{body: twoDays}
	store := snapshot.NewMemoryStore()
	s := New("staff-1", newDeps(b, store))
	defer s.Close()
	s.Start(context.Background())

	s.Refresh(context.Background())
	v := s.View()
	if !v.HasData || len(v.Days) != 2 {
		t.Fatalf("unexpected view %+v", v)
	}
	if !v.Days[0].IsToday || v.Days[0].Slots[0].Status != slots.StatusOpen {
		t.Fatalf("unexpected first day %+v", v.Days[0])
	}
	if !s.Query().HasTodayAvailability(v.Days) {
		t.Fatal("expected today availability")
	}

	snap, err := store.Get(context.Background(), "staff-1")
	if err != nil {
		t.Fatalf("expected stored snapshot: %v", err)
	}
	if len(snap.Days) != 2 {
		t.Fatalf("unexpected stored days %+v", snap.Days)
	}

	if got := s.Editor().Days(); len(got) != 2 {
		t.Fatalf("expected editor seeded from first refresh, got %+v", got)
	}
}

func TestSession_KeepsLastGoodDataOnFailure(t *testing.T) {
	b := &fakeBackend{body: twoDays}
	s := New("staff-1", newDeps(b, nil))
	defer s.Close()
	s.Start(context.Background())
	s.Refresh(context.Background())

	b.set("", errors.New("connection reset"))
	s.Refresh(context.Background())

	v := s.View()
	if len(v.Days) != 2 {
		t.Fatalf("expected last known-good days, got %+v", v.Days)
	}
	if v.State.Error == "" {
		t.Fatal("expected an error indicator")
	}
}

func TestSession_NoDataIsDistinct(t *testing.T) {
	b := &fakeBackend{body: `{"days":[]}`}
	s := New("staff-1", newDeps(b, nil))
	defer s.Close()
	s.Start(context.Background())
	s.Refresh(context.Background())

	v := s.View()
	if v.HasData {
		t.Fatal("expected no data")
	}
	if v.State.LastRefreshAt == nil {
		t.Fatal("an empty but well-formed payload is still a successful refresh")
	}
}

func TestSession_PreloadsFromStore(t *testing.T) {
	store := snapshot.NewMemoryStore()
	_ = store.Put(context.Background(), snapshot.Snapshot{
		SubjectID: "staff-1",
		Days: []slots.Day{{
			Date:    "2024-12-17",
			IsToday: false,
			Slots: []slots.Slot{{
				Start:  time.Date(2024, 12, 17, 9, 0, 0, 0, time.UTC),
				End:    time.Date(2024, 12, 17, 10, 0, 0, 0, time.UTC),
				Status: slots.StatusOpen,
			}},
		}},
	})
	b := &fakeBackend{err: errors.New("down")}
	s := New("staff-1", newDeps(b, store))
	defer s.Close()
	s.Start(context.Background())

	v := s.View()
	if !v.HasData || len(v.Days) != 1 || !v.Days[0].IsToday {
		t.Fatalf("expected preloaded view with is_today recomputed, got %+v", v)
	}
	if len(s.Editor().Days()) != 1 {
		t.Fatal("expected editor seeded from snapshot")
	}
}

func TestSession_DeleteDayReconciles(t *testing.T) {
	b := &fakeBackend{body: twoDays}
	s := New("staff-1", newDeps(b, nil))
	defer s.Close()
	s.Start(context.Background())
	s.Refresh(context.Background())
	before := atomic.LoadInt32(&b.calls)

	ok, err := s.Editor().DeleteDay(context.Background(), 0)
	if err != nil || !ok {
		t.Fatalf("expected delete to succeed, got %v %v (%s)", ok, err, s.Editor().LastFailure())
	}
	if len(b.saved) != 1 || b.saved[0] != "2024-12-17" {
		t.Fatalf("unexpected saves %v", b.saved)
	}
	if got := atomic.LoadInt32(&b.calls) - before; got != 1 {
		t.Fatalf("expected exactly one reconciling fetch, got %d", got)
	}
	if s.View().HasData {
		t.Fatal("expected view to reflect the cleared backend")
	}
}

func TestSession_DeleteDayIgnoresOvertakenReload(t *testing.T) {
	b := &fakeBackend{body: twoDays}
	s := New("staff-1", newDeps(b, nil))
	defer s.Close()
	s.Start(context.Background())
	s.Refresh(context.Background())

	reloadStarted := make(chan struct{})
	releaseReload := make(chan struct{})
	otherStarted := make(chan struct{})
	releaseOther := make(chan struct{})
	base := atomic.LoadInt32(&b.calls)
	b.mu.Lock()
	b.hold = func(call int32) {
		switch call - base {
		case 1:
			close(reloadStarted)
			<-releaseReload
		case 2:
			close(otherStarted)
			<-releaseOther
		}
	}
	b.mu.Unlock()

	type result struct {
		ok  bool
		err error
	}
	deleted := make(chan result, 1)
	go func() {
		ok, err := s.Editor().DeleteDay(context.Background(), 0)
		deleted <- result{ok, err}
	}()
	<-reloadStarted

	refreshed := make(chan struct{})
	go func() {
		s.Refresh(context.Background())
		close(refreshed)
	}()
	<-otherStarted

	close(releaseReload)
	got := <-deleted
	if got.err != nil || !got.ok {
		t.Fatalf("expected delete to succeed, got %+v (%s)", got, s.Editor().LastFailure())
	}
	days := s.Editor().Days()
	if len(days) != 1 || days[0].Date != "2024-12-18" {
		t.Fatalf("deleted day must not come back from a stale view, got %+v", days)
	}

	close(releaseOther)
	<-refreshed
}

func TestSession_ReloadReturnsOwnResponse(t *testing.T) {
	b := &fakeBackend{body: twoDays}
	s := New("staff-1", newDeps(b, nil))
	defer s.Close()
	s.Start(context.Background())

	days, err := s.Reload(context.Background())
	if err != nil || len(days) != 2 {
		t.Fatalf("expected two days, got %+v %v", days, err)
	}

	b.set(`{"items":[]}`, nil)
	if _, err := s.Reload(context.Background()); err == nil {
		t.Fatal("expected an error for a malformed payload")
	}
	b.set("", errors.New("connection reset"))
	if _, err := s.Reload(context.Background()); err == nil {
		t.Fatal("expected an error for a failed fetch")
	}
}

func TestSession_NotifyChangedDebounces(t *testing.T) {
	b := &fakeBackend{body: twoDays}
	s := New("staff-1", newDeps(b, nil))
	defer s.Close()
	s.Start(context.Background())

	for i := 0; i < 5; i++ {
		s.NotifyChanged()
	}
	deadline := time.Now().Add(2 * time.Second)
	for atomic.LoadInt32(&b.calls) == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	time.Sleep(50 * time.Millisecond)
	if got := atomic.LoadInt32(&b.calls); got != 1 {
		t.Fatalf("expected one fetch for a burst of change events, got %d", got)
	}
}

func TestSession_CloseIsIdempotent(t *testing.T) {
	b := &fakeBackend{body: twoDays}
	s := New("staff-1", newDeps(b, nil))
	s.Start(context.Background())
	s.Close()
	s.Close()
	if !s.Closed() {
		t.Fatal("expected closed")
	}
	s.Refresh(context.Background())
	if atomic.LoadInt32(&b.calls) != 0 {
		t.Fatal("expected no fetch after close")
	}
}

func TestRegistry_EvictsLeastRecentlyUsed(t *testing.T) {
	b := &fakeBackend{body: twoDays}
	r, err := NewRegistry(1, newDeps(b, nil))
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	defer r.Close()

	a := r.Get(context.Background(), "staff-a")
	if again := r.Get(context.Background(), "staff-a"); again != a {
		t.Fatal("expected the same session for the same subject")
	}
	r.Get(context.Background(), "staff-b")

	deadline := time.Now().Add(2 * time.Second)
	for !a.Closed() && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if !a.Closed() {
		t.Fatal("expected evicted session to be closed")
	}
	if _, ok := r.Lookup("staff-a"); ok {
		t.Fatal("evicted subject must not be found")
	}
	if r.Len() != 1 {
		t.Fatalf("expected 1 live session, got %d", r.Len())
	}
}
