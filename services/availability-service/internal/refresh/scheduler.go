package refresh

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/md-rashed-zaman/slotsync/services/availability-service/internal/slots"
	"github.com/md-rashed-zaman/slotsync/services/availability-service/internal/timebase"
)

// Fetcher retrieves the raw availability document for a subject.
type Fetcher interface {
	FetchAvailability(ctx context.Context, subjectID string) ([]byte, error)
}

// UpdateFunc receives the raw day list of an applied refresh. Normalization is
// left to the receiver.
type UpdateFunc func(subjectID string, days []slots.RawDay)

type Config struct {
	Interval     time.Duration
	InitialDelay time.Duration
	Enabled      bool
	// Timeout bounds a single fetch.
	Timeout time.Duration
}

type State struct {
	IsRefreshing  bool       `json:"is_refreshing"`
	LastRefreshAt *time.Time `json:"last_refresh_at"`
	Error         string     `json:"error,omitempty"`
}

// Scheduler keeps one subject's availability fresh. Every fetch carries a
// request id; only the most recently issued request may update State or call
// the update callback, whatever order responses arrive in.
type Scheduler struct {
	fetcher  Fetcher
	onUpdate UpdateFunc
	tb       *timebase.TimeBase
	logger   *slog.Logger
	cfg      Config

	// applyMu serializes the check-and-deliver step so callbacks are
	// delivered in issue order. Close and SetSubject hold it while they
	// invalidate outstanding requests.
	applyMu sync.Mutex

	mu          sync.Mutex
	subject     string
	state       State
	seq         uint64
	session     context.Context
	endSession  context.CancelFunc
	pollingDone chan struct{}
	closed      bool
}

func NewScheduler(fetcher Fetcher, onUpdate UpdateFunc, tb *timebase.TimeBase, logger *slog.Logger, cfg Config) *Scheduler {
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.InitialDelay <= 0 {
		cfg.InitialDelay = 1 * time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if onUpdate == nil {
		onUpdate = func(string, []slots.RawDay) {}
	}
	return &Scheduler{
		fetcher:  fetcher,
		onUpdate: onUpdate,
		tb:       tb,
		logger:   logger,
		cfg:      cfg,
	}
}

// SetSubject switches the scheduler to a new subject. State is reset and any
// request issued for the previous subject is discarded. With polling enabled,
// a fetch is scheduled after the initial delay and then on every interval.
// An empty id stops polling.
func (s *Scheduler) SetSubject(id string) {
	s.applyMu.Lock()
	s.mu.Lock()
	if s.closed || id == s.subject {
		s.mu.Unlock()
		s.applyMu.Unlock()
		return
	}
	done := s.endSessionLocked()
	s.subject = id
	s.state = State{}
	if id != "" {
		s.session, s.endSession = context.WithCancel(context.Background())
		if s.cfg.Enabled {
			s.pollingDone = make(chan struct{})
			go s.poll(s.session, s.pollingDone)
		}
	}
	s.mu.Unlock()
	s.applyMu.Unlock()
	wait(done)
}

func (s *Scheduler) Subject() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.subject
}

func (s *Scheduler) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.state
	if st.LastRefreshAt != nil {
		at := *st.LastRefreshAt
		st.LastRefreshAt = &at
	}
	return st
}

// ErrMalformedPayload is returned by RefreshResult when the response body has
// no usable "days" list. It is not surfaced in State.
var ErrMalformedPayload = errors.New("malformed availability payload")

// Refresh fetches immediately, independent of the polling timers. It is a
// no-op when no subject is set or after Close.
func (s *Scheduler) Refresh(ctx context.Context) {
	s.RefreshResult(ctx)
}

// RefreshResult is Refresh for callers that need the outcome of their own
// request. applied is false when the request was superseded by a newer one,
// by SetSubject or by Close; days is only set for an applied, well-formed
// response.
func (s *Scheduler) RefreshResult(ctx context.Context) (days []slots.RawDay, applied bool, err error) {
	s.mu.Lock()
	if s.closed || s.subject == "" {
		s.mu.Unlock()
		return nil, false, nil
	}
	s.seq++
	id := s.seq
	subject := s.subject
	session := s.session
	s.state.IsRefreshing = true
	s.state.Error = ""
	s.mu.Unlock()

	fetchCtx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	stop := context.AfterFunc(session, cancel)
	body, err := s.fetcher.FetchAvailability(fetchCtx, subject)
	stop()
	cancel()

	wellFormed := false
	if err == nil {
		days, wellFormed = DecodePayload(body)
	}

	s.applyMu.Lock()
	defer s.applyMu.Unlock()

	s.mu.Lock()
	if s.closed || id != s.seq {
		s.mu.Unlock()
		s.logger.Debug("stale availability response discarded", "subject_id", subject, "request_id", id)
		return nil, false, nil
	}
	s.state.IsRefreshing = false
	switch {
	case err != nil:
		s.state.Error = diagnostic(err)
	case !wellFormed:
		s.logger.Warn("malformed availability payload ignored", "subject_id", subject)
	default:
		now := s.tb.Now()
		s.state.LastRefreshAt = &now
	}
	s.mu.Unlock()

	if err != nil {
		s.logger.Warn("availability refresh failed", "subject_id", subject, "err", err)
		return nil, true, err
	}
	if !wellFormed {
		return nil, true, ErrMalformedPayload
	}
	s.onUpdate(subject, days)
	return days, true, nil
}

// Close stops polling and discards every outstanding request. It waits for a
// callback already in progress and is safe to call more than once.
func (s *Scheduler) Close() {
	s.applyMu.Lock()
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		s.applyMu.Unlock()
		return
	}
	s.closed = true
	done := s.endSessionLocked()
	s.mu.Unlock()
	s.applyMu.Unlock()
	wait(done)
}

func (s *Scheduler) endSessionLocked() chan struct{} {
	s.seq++
	if s.endSession != nil {
		s.endSession()
		s.endSession = nil
	}
	done := s.pollingDone
	s.pollingDone = nil
	return done
}

func (s *Scheduler) poll(ctx context.Context, done chan struct{}) {
	defer close(done)

	timer := time.NewTimer(s.cfg.InitialDelay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return
	case <-timer.C:
	}
	s.Refresh(ctx)

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Refresh(ctx)
		}
	}
}

func wait(done chan struct{}) {
	if done != nil {
		<-done
	}
}

type statusCoder interface {
	StatusCode() int
}

func diagnostic(err error) string {
	var sc statusCoder
	if errors.As(err, &sc) {
		return fmt.Sprintf("availability request failed with status %d", sc.StatusCode())
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "availability request timed out"
	}
	return "availability request failed"
}
