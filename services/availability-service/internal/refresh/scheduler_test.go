package refresh

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/md-rashed-zaman/slotsync/services/availability-service/internal/slots"
	"github.com/md-rashed-zaman/slotsync/services/availability-service/internal/timebase"
	"github.com/md-rashed-zaman/slotsync/services/availability-service/internal/timebase/timebasetest"
)

type fetcherFunc func(ctx context.Context, subjectID string) ([]byte, error)

func (f fetcherFunc) FetchAvailability(ctx context.Context, subjectID string) ([]byte, error) {
	return f(ctx, subjectID)
}

type statusErr int

func (e statusErr) Error() string   { return fmt.Sprintf("status %d", int(e)) }
func (e statusErr) StatusCode() int { return int(e) }

type update struct {
	subject string
	days    []slots.RawDay
}

type updates struct {
	mu  sync.Mutex
	got []update
	ch  chan update
}

func newUpdates() *updates {
	return &updates{ch: make(chan update, 64)}
}

func (u *updates) fn(subject string, days []slots.RawDay) {
	u.mu.Lock()
	u.got = append(u.got, update{subject: subject, days: days})
	u.mu.Unlock()
	u.ch <- update{subject: subject, days: days}
}

func (u *updates) all() []update {
	u.mu.Lock()
	defer u.mu.Unlock()
	return append([]update(nil), u.got...)
}

func payload(start string) []byte {
	return []byte(fmt.Sprintf(`{"days":[{"date":"2024-12-17","slots":[{"start_at":%q,"end_at":"2024-12-17T23:00:00","status":"open"}]}]}`, start))
}

func newTimeBase() *timebase.TimeBase {
	return timebase.New(time.UTC, timebasetest.NewClock(time.Date(2024, 12, 17, 8, 0, 0, 0, time.UTC)))
}

func TestRefresh_LastIssuedWins(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{})
	var n int32
	fetcher := fetcherFunc(func(ctx context.Context, _ string) ([]byte, error) {
		if atomic.AddInt32(&n, 1) == 1 {
			close(started)
			<-release
			return payload("2024-12-17T09:00:00"), nil
		}
		return payload("2024-12-17T10:00:00"), nil
	})

	ups := newUpdates()
	s := NewScheduler(fetcher, ups.fn, newTimeBase(), nil, Config{})
	defer s.Close()
	s.SetSubject("staff-1")

	done := make(chan struct{})
	go func() {
		s.Refresh(context.Background())
		close(done)
	}()
	<-started

	s.Refresh(context.Background())
	close(release)
	<-done

	got := ups.all()
	if len(got) != 1 {
		t.Fatalf("expected exactly one applied update, got %d", len(got))
	}
	if start := got[0].days[0].Slots[0].StartAt; start != "2024-12-17T10:00:00" {
		t.Fatalf("expected second request's data, got %s", start)
	}
	st := s.State()
	if st.IsRefreshing {
		t.Fatal("expected refreshing to be cleared")
	}
	if st.LastRefreshAt == nil {
		t.Fatal("expected lastRefreshAt to be set")
	}
}

func TestRefresh_MalformedPayloadIsNotAnError(t *testing.T) {
	for _, body := range []string{`[]`, `{"items":[]}`, `{"days":"nope"}`, `{"days":null}`, `not json`} {
		fetcher := fetcherFunc(func(context.Context, string) ([]byte, error) {
			return []byte(body), nil
		})
		ups := newUpdates()
		s := NewScheduler(fetcher, ups.fn, newTimeBase(), nil, Config{})
		s.SetSubject("staff-1")
		s.Refresh(context.Background())

		if len(ups.all()) != 0 {
			t.Fatalf("%s: expected no callback", body)
		}
		st := s.State()
		if st.Error != "" {
			t.Fatalf("%s: expected no error, got %q", body, st.Error)
		}
		if st.LastRefreshAt != nil {
			t.Fatalf("%s: expected lastRefreshAt to stay unset", body)
		}
		if st.IsRefreshing {
			t.Fatalf("%s: expected refreshing to be cleared", body)
		}
		s.Close()
	}
}

func TestRefresh_DropsBadDaysButKeepsPayload(t *testing.T) {
	fetcher := fetcherFunc(func(context.Context, string) ([]byte, error) {
		return []byte(`{"days":[42,{"date":"2024-12-17","slots":[7,{"start_at":"2024-12-17T09:00:00","end_at":"2024-12-17T10:00:00"}]}]}`), nil
	})
	ups := newUpdates()
	s := NewScheduler(fetcher, ups.fn, newTimeBase(), nil, Config{})
	defer s.Close()
	s.SetSubject("staff-1")
	s.Refresh(context.Background())

	got := ups.all()
	if len(got) != 1 {
		t.Fatalf("expected one update, got %d", len(got))
	}
	if len(got[0].days) != 1 || len(got[0].days[0].Slots) != 1 {
		t.Fatalf("expected one day with one slot, got %+v", got[0].days)
	}
}

func TestRefresh_TransportErrorSetsError(t *testing.T) {
	var fail atomic.Bool
	fail.Store(true)
	fetcher := fetcherFunc(func(context.Context, string) ([]byte, error) {
		if fail.Load() {
			return nil, fmt.Errorf("fetch availability: %w", statusErr(503))
		}
		return payload("2024-12-17T09:00:00"), nil
	})
	ups := newUpdates()
	s := NewScheduler(fetcher, ups.fn, newTimeBase(), nil, Config{})
	defer s.Close()
	s.SetSubject("staff-1")

	s.Refresh(context.Background())
	st := s.State()
	if st.Error != "availability request failed with status 503" {
		t.Fatalf("unexpected error string %q", st.Error)
	}
	if len(ups.all()) != 0 {
		t.Fatal("expected no callback on failure")
	}

	fail.Store(false)
	s.Refresh(context.Background())
	st = s.State()
	if st.Error != "" {
		t.Fatalf("expected error cleared, got %q", st.Error)
	}
	if st.LastRefreshAt == nil || !st.LastRefreshAt.Equal(time.Date(2024, 12, 17, 8, 0, 0, 0, time.UTC)) {
		t.Fatalf("unexpected lastRefreshAt %v", st.LastRefreshAt)
	}
}

func TestRefresh_NetworkError(t *testing.T) {
	fetcher := fetcherFunc(func(context.Context, string) ([]byte, error) {
		return nil, errors.New("dial tcp: connection refused")
	})
	s := NewScheduler(fetcher, nil, newTimeBase(), nil, Config{})
	defer s.Close()
	s.SetSubject("staff-1")
	s.Refresh(context.Background())

	if got := s.State().Error; got != "availability request failed" {
		t.Fatalf("unexpected error string %q", got)
	}
}

func TestRefresh_WithoutSubjectIsNoop(t *testing.T) {
	var calls int32
	fetcher := fetcherFunc(func(context.Context, string) ([]byte, error) {
		atomic.AddInt32(&calls, 1)
		return payload("2024-12-17T09:00:00"), nil
	})
	s := NewScheduler(fetcher, nil, newTimeBase(), nil, Config{})
	defer s.Close()

	s.Refresh(context.Background())
	if atomic.LoadInt32(&calls) != 0 {
		t.Fatal("expected no fetch without a subject")
	}
}

func TestPolling_InitialDelayThenInterval(t *testing.T) {
	var calls int32
	fetcher := fetcherFunc(func(context.Context, string) ([]byte, error) {
		atomic.AddInt32(&calls, 1)
		return payload("2024-12-17T09:00:00"), nil
	})
	ups := newUpdates()
	s := NewScheduler(fetcher, ups.fn, newTimeBase(), nil, Config{
		Enabled:      true,
		InitialDelay: 10 * time.Millisecond,
		Interval:     20 * time.Millisecond,
	})
	s.SetSubject("staff-1")

	for i := 0; i < 3; i++ {
		select {
		case u := <-ups.ch:
			if u.subject != "staff-1" {
				t.Fatalf("unexpected subject %s", u.subject)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for poll %d", i+1)
		}
	}

	s.Close()
	after := atomic.LoadInt32(&calls)
	time.Sleep(80 * time.Millisecond)
	if got := atomic.LoadInt32(&calls); got != after {
		t.Fatalf("expected polling to stop after close, calls went from %d to %d", after, got)
	}
}

func TestPolling_DisabledStillAllowsManualRefresh(t *testing.T) {
	var calls int32
	fetcher := fetcherFunc(func(context.Context, string) ([]byte, error) {
		atomic.AddInt32(&calls, 1)
		return payload("2024-12-17T09:00:00"), nil
	})
	s := NewScheduler(fetcher, nil, newTimeBase(), nil, Config{
		InitialDelay: 5 * time.Millisecond,
		Interval:     5 * time.Millisecond,
	})
	defer s.Close()
	s.SetSubject("staff-1")

	time.Sleep(50 * time.Millisecond)
	if atomic.LoadInt32(&calls) != 0 {
		t.Fatal("expected no polling when disabled")
	}
	s.Refresh(context.Background())
	if atomic.LoadInt32(&calls) != 1 {
		t.Fatal("expected manual refresh to fetch")
	}
}

func TestClose_DiscardsInFlight(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{})
	fetcher := fetcherFunc(func(ctx context.Context, _ string) ([]byte, error) {
		close(started)
		<-release
		return payload("2024-12-17T09:00:00"), nil
	})
	ups := newUpdates()
	s := NewScheduler(fetcher, ups.fn, newTimeBase(), nil, Config{})
	s.SetSubject("staff-1")

	done := make(chan struct{})
	go func() {
		s.Refresh(context.Background())
		close(done)
	}()
	<-started

	s.Close()
	s.Close()
	close(release)
	<-done

	if len(ups.all()) != 0 {
		t.Fatal("expected no callback after close")
	}
	s.Refresh(context.Background())
	if len(ups.all()) != 0 {
		t.Fatal("expected refresh after close to be a no-op")
	}
}

func TestSetSubject_ResetsState(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{})
	var n int32
	fetcher := fetcherFunc(func(ctx context.Context, subject string) ([]byte, error) {
		switch atomic.AddInt32(&n, 1) {
		case 1:
			return nil, errors.New("boom")
		case 2:
			close(started)
			<-release
			return payload("2024-12-17T09:00:00"), nil
		default:
			return payload("2024-12-17T11:00:00"), nil
		}
	})
	ups := newUpdates()
	s := NewScheduler(fetcher, ups.fn, newTimeBase(), nil, Config{})
	defer s.Close()

	s.SetSubject("staff-a")
	s.Refresh(context.Background())
	if s.State().Error == "" {
		t.Fatal("expected an error for staff-a")
	}

	done := make(chan struct{})
	go func() {
		s.Refresh(context.Background())
		close(done)
	}()
	<-started

	s.SetSubject("staff-b")
	if st := s.State(); st.Error != "" || st.IsRefreshing || st.LastRefreshAt != nil {
		t.Fatalf("expected fresh state after subject change, got %+v", st)
	}
	close(release)
	<-done
	if len(ups.all()) != 0 {
		t.Fatal("response for the previous subject must be discarded")
	}

	s.Refresh(context.Background())
	got := ups.all()
	if len(got) != 1 || got[0].subject != "staff-b" {
		t.Fatalf("expected one update for staff-b, got %+v", got)
	}
}

func TestClose_WaitsForCallbackInProgress(t *testing.T) {
	fetcher := fetcherFunc(func(context.Context, string) ([]byte, error) {
		return payload("2024-12-17T09:00:00"), nil
	})
	delivering := make(chan struct{})
	release := make(chan struct{})
	var finished atomic.Bool
	onUpdate := func(string, []slots.RawDay) {
		close(delivering)
		<-release
		finished.Store(true)
	}
	s := NewScheduler(fetcher, onUpdate, newTimeBase(), nil, Config{})
	s.SetSubject("staff-1")

	go s.Refresh(context.Background())
	<-delivering

	closed := make(chan struct{})
	go func() {
		s.Close()
		close(closed)
	}()
	select {
	case <-closed:
		t.Fatal("Close returned while a callback was still running")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	select {
	case <-closed:
	case <-time.After(2 * time.Second):
		t.Fatal("Close did not return after the callback finished")
	}
	if !finished.Load() {
		t.Fatal("expected the callback to have completed before Close returned")
	}
}

func TestRefreshResult_ReportsOwnOutcome(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{})
	var n int32
	fetcher := fetcherFunc(func(context.Context, string) ([]byte, error) {
		switch atomic.AddInt32(&n, 1) {
		case 1:
			close(started)
			<-release
			return payload("2024-12-17T09:00:00"), nil
		case 2:
			return payload("2024-12-17T10:00:00"), nil
		default:
			return []byte(`{"items":[]}`), nil
		}
	})
	ups := newUpdates()
	s := NewScheduler(fetcher, ups.fn, newTimeBase(), nil, Config{})
	defer s.Close()
	s.SetSubject("staff-1")

	type result struct {
		days    []slots.RawDay
		applied bool
		err     error
	}
	first := make(chan result, 1)
	go func() {
		days, applied, err := s.RefreshResult(context.Background())
		first <- result{days, applied, err}
	}()
	<-started

	days, applied, err := s.RefreshResult(context.Background())
	if err != nil || !applied || days[0].Slots[0].StartAt != "2024-12-17T10:00:00" {
		t.Fatalf("expected the newer request applied, got %+v %v %v", days, applied, err)
	}
	close(release)
	got := <-first
	if got.applied || got.days != nil || got.err != nil {
		t.Fatalf("expected the superseded request to report not applied, got %+v", got)
	}

	_, applied, err = s.RefreshResult(context.Background())
	if !applied || !errors.Is(err, ErrMalformedPayload) {
		t.Fatalf("expected ErrMalformedPayload, got %v %v", applied, err)
	}
	if s.State().Error != "" {
		t.Fatal("a malformed payload must not set the error indicator")
	}
	if len(ups.all()) != 1 {
		t.Fatalf("expected one delivered update, got %d", len(ups.all()))
	}
}
