package admin

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/md-rashed-zaman/slotsync/services/availability-service/internal/slots"
	"github.com/md-rashed-zaman/slotsync/services/availability-service/internal/timebase"
)

var (
	ErrIndexOutOfRange = errors.New("index out of range")
	ErrUnknownField    = errors.New("unknown slot field")
)

// Slot fields accepted by UpdateSlot.
const (
	FieldStartAt = "start_at"
	FieldEndAt   = "end_at"
	FieldStatus  = "status"
)

type EditableSlot struct {
	StartAt string `json:"start_at"`
	EndAt   string `json:"end_at"`
	Status  string `json:"status"`
}

// EditableDay is one entry of the working set. PersistedDate is the date the
// backend stores the day under; it is empty for a day added locally and never
// saved, whatever Date currently holds.
type EditableDay struct {
	Date          string         `json:"date"`
	PersistedDate string         `json:"persisted_date,omitempty"`
	Slots         []EditableSlot `json:"slots"`
}

func (d EditableDay) Persisted() bool {
	return d.PersistedDate != ""
}

// Persister writes the full slot set of one date, replacing whatever the
// backend had for it.
type Persister interface {
	SaveDay(ctx context.Context, subjectID, date string, in []slots.RawSlot) error
}

// Reloader pulls the canonical view after a write.
type Reloader interface {
	Reload(ctx context.Context) ([]slots.Day, error)
}

type Notice struct {
	SubjectID string `json:"subject_id"`
	Date      string `json:"date"`
	OK        bool   `json:"ok"`
	Message   string `json:"message"`
}

type Notifier interface {
	Notify(ctx context.Context, n Notice)
}

type Config struct {
	SubjectID string
	Persister Persister
	Reloader  Reloader
	Notifier  Notifier
	Logger    *slog.Logger
}

// Editor owns a mutable working copy of a subject's calendar. Edits stay local
// until SaveAvailability or DeleteDay writes a single date through the
// Persister.
type Editor struct {
	tb        *timebase.TimeBase
	subject   string
	persister Persister
	reloader  Reloader
	notifier  Notifier
	logger    *slog.Logger

	mu          sync.Mutex
	days        []EditableDay
	lastFailure string
}

func NewEditor(tb *timebase.TimeBase, cfg Config) *Editor {
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Editor{
		tb:        tb,
		subject:   cfg.SubjectID,
		persister: cfg.Persister,
		reloader:  cfg.Reloader,
		notifier:  cfg.Notifier,
		logger:    cfg.Logger,
	}
}

// Load replaces the working set with a copy of the canonical days.
func (e *Editor) Load(days []slots.Day) {
	working := make([]EditableDay, 0, len(days))
	for _, d := range days {
		ed := EditableDay{Date: d.Date, PersistedDate: d.Date, Slots: make([]EditableSlot, 0, len(d.Slots))}
		for _, s := range d.Slots {
			ed.Slots = append(ed.Slots, EditableSlot{
				StartAt: e.tb.Format(s.Start),
				EndAt:   e.tb.Format(s.End),
				Status:  string(s.Status),
			})
		}
		working = append(working, ed)
	}
	e.mu.Lock()
	e.days = working
	e.mu.Unlock()
}

// Days returns a copy of the working set.
func (e *Editor) Days() []EditableDay {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]EditableDay, len(e.days))
	for i, d := range e.days {
		out[i] = d
		out[i].Slots = append([]EditableSlot{}, d.Slots...)
	}
	return out
}

func (e *Editor) LastFailure() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastFailure
}

// AddDay appends an empty, unsaved day dated today and returns its index.
func (e *Editor) AddDay() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.days = append(e.days, EditableDay{Date: e.tb.Today(), Slots: []EditableSlot{}})
	return len(e.days) - 1
}

func (e *Editor) UpdateDayDate(dayIndex int, value string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if dayIndex < 0 || dayIndex >= len(e.days) {
		return ErrIndexOutOfRange
	}
	e.days[dayIndex].Date = strings.TrimSpace(value)
	return nil
}

// AddSlot appends an open one-hour slot starting at the current minute.
func (e *Editor) AddSlot(dayIndex int) error {
	start := e.tb.Now().Truncate(time.Minute)
	e.mu.Lock()
	defer e.mu.Unlock()
	if dayIndex < 0 || dayIndex >= len(e.days) {
		return ErrIndexOutOfRange
	}
	e.days[dayIndex].Slots = append(e.days[dayIndex].Slots, EditableSlot{
		StartAt: e.tb.Format(start),
		EndAt:   e.tb.Format(start.Add(time.Hour)),
		Status:  string(slots.StatusOpen),
	})
	return nil
}

func (e *Editor) UpdateSlot(dayIndex, slotIndex int, field, value string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	s, err := e.slotLocked(dayIndex, slotIndex)
	if err != nil {
		return err
	}
	switch field {
	case FieldStartAt:
		s.StartAt = value
	case FieldEndAt:
		s.EndAt = value
	case FieldStatus:
		s.Status = value
	default:
		return fmt.Errorf("%w: %q", ErrUnknownField, field)
	}
	return nil
}

func (e *Editor) RemoveSlot(dayIndex, slotIndex int) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, err := e.slotLocked(dayIndex, slotIndex); err != nil {
		return err
	}
	day := &e.days[dayIndex]
	day.Slots = append(day.Slots[:slotIndex], day.Slots[slotIndex+1:]...)
	return nil
}

// SaveAvailability replaces every slot of date with in, then reloads the
// canonical view into the working set. Failures are reported through the
// return value, LastFailure and the Notifier; nothing is retried.
func (e *Editor) SaveAvailability(ctx context.Context, date string, in []EditableSlot) bool {
	return e.save(ctx, date, in)
}

// DeleteDay drops a day from the working set. A day that was never persisted
// is removed locally with no backend call; a persisted day is cleared on the
// backend by saving an empty slot list for the date it is stored under.
func (e *Editor) DeleteDay(ctx context.Context, dayIndex int) (bool, error) {
	e.mu.Lock()
	if dayIndex < 0 || dayIndex >= len(e.days) {
		e.mu.Unlock()
		return false, ErrIndexOutOfRange
	}
	day := e.days[dayIndex]
	if !day.Persisted() {
		e.days = append(e.days[:dayIndex], e.days[dayIndex+1:]...)
		e.mu.Unlock()
		return true, nil
	}
	e.mu.Unlock()

	return e.save(ctx, day.PersistedDate, nil), nil
}

func (e *Editor) save(ctx context.Context, date string, in []EditableSlot) bool {
	date = strings.TrimSpace(date)
	if _, err := time.ParseInLocation(timebase.DateLayout, date, e.tb.Location()); err != nil {
		return e.fail(ctx, date, "date must be formatted YYYY-MM-DD")
	}
	raw, reason := e.validate(date, in)
	if reason != "" {
		return e.fail(ctx, date, reason)
	}
	if e.persister == nil {
		return e.fail(ctx, date, "availability persistence is not configured")
	}

	if err := e.persister.SaveDay(ctx, e.subject, date, raw); err != nil {
		e.logger.Error("availability save failed", "subject_id", e.subject, "date", date, "err", err)
		return e.fail(ctx, date, "failed to save availability for "+date)
	}

	e.mu.Lock()
	e.lastFailure = ""
	e.mu.Unlock()

	reloaded := false
	if e.reloader != nil {
		days, err := e.reloader.Reload(ctx)
		if err != nil {
			e.logger.Warn("availability reload after save failed", "subject_id", e.subject, "date", date, "err", err)
		} else {
			e.Load(days)
			reloaded = true
		}
	}
	if !reloaded {
		e.markSaved(date, raw)
	}

	msg := "availability saved for " + date
	if len(raw) == 0 {
		msg = "availability cleared for " + date
	}
	e.notify(ctx, Notice{SubjectID: e.subject, Date: date, OK: true, Message: msg})
	return true
}

// validate turns editable slots into wire records. Every slot must parse, end
// after it starts and start on date.
func (e *Editor) validate(date string, in []EditableSlot) ([]slots.RawSlot, string) {
	out := make([]slots.RawSlot, 0, len(in))
	for i, s := range in {
		start, ok := e.tb.Parse(s.StartAt)
		if !ok {
			return nil, fmt.Sprintf("slot %d has an invalid start time", i+1)
		}
		end, ok := e.tb.Parse(s.EndAt)
		if !ok {
			return nil, fmt.Sprintf("slot %d has an invalid end time", i+1)
		}
		if !end.After(start) {
			return nil, fmt.Sprintf("slot %d must end after it starts", i+1)
		}
		if e.tb.DateOf(start) != date {
			return nil, fmt.Sprintf("slot %d does not start on %s", i+1, date)
		}
		out = append(out, slots.RawSlot{
			StartAt: e.tb.Format(start),
			EndAt:   e.tb.Format(end),
			Status:  string(slots.ParseStatus(s.Status)),
		})
	}
	return out, ""
}

func (e *Editor) fail(ctx context.Context, date, reason string) bool {
	e.mu.Lock()
	e.lastFailure = reason
	e.mu.Unlock()
	e.notify(ctx, Notice{SubjectID: e.subject, Date: date, OK: false, Message: reason})
	return false
}

func (e *Editor) notify(ctx context.Context, n Notice) {
	if e.notifier != nil {
		e.notifier.Notify(ctx, n)
	}
}

// markSaved applies a successful write to the working set when no canonical
// view could be reloaded. An empty write drops the persisted day for date.
// Otherwise the matching day, persisted or a local one with the same date,
// takes the written slots and becomes persisted.
func (e *Editor) markSaved(date string, raw []slots.RawSlot) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(raw) == 0 {
		kept := e.days[:0]
		for _, d := range e.days {
			if d.PersistedDate != date {
				kept = append(kept, d)
			}
		}
		e.days = kept
		return
	}

	written := make([]EditableSlot, 0, len(raw))
	for _, r := range raw {
		written = append(written, EditableSlot{StartAt: r.StartAt, EndAt: r.EndAt, Status: r.Status})
	}
	idx := -1
	for i, d := range e.days {
		if d.PersistedDate == date {
			idx = i
			break
		}
		if idx < 0 && !d.Persisted() && strings.TrimSpace(d.Date) == date {
			idx = i
		}
	}
	if idx < 0 {
		e.days = append(e.days, EditableDay{})
		idx = len(e.days) - 1
	}
	e.days[idx] = EditableDay{Date: date, PersistedDate: date, Slots: written}
}

func (e *Editor) slotLocked(dayIndex, slotIndex int) (*EditableSlot, error) {
	if dayIndex < 0 || dayIndex >= len(e.days) {
		return nil, ErrIndexOutOfRange
	}
	day := &e.days[dayIndex]
	if slotIndex < 0 || slotIndex >= len(day.Slots) {
		return nil, ErrIndexOutOfRange
	}
	return &day.Slots[slotIndex], nil
}
