package admin

import (
	"errors"
	"time"

	"github.com/md-rashed-zaman/slotsync/services/availability-service/internal/availability"
	"github.com/md-rashed-zaman/slotsync/services/availability-service/internal/slots"
)

var ErrInvalidWindow = errors.New("invalid working window")

// FillDay appends open slots of the given duration between two wall-clock
// times ("09:00", "17:00") on the day's date. Existing slots of the day are
// treated as busy and slots in the past are skipped. Returns how many slots
// were added. Purely local, like the other edits.
func (e *Editor) FillDay(dayIndex int, from, to string, duration, step time.Duration) (int, error) {
	if step <= 0 {
		step = duration
	}
	now := e.tb.Now()

	e.mu.Lock()
	defer e.mu.Unlock()
	if dayIndex < 0 || dayIndex >= len(e.days) {
		return 0, ErrIndexOutOfRange
	}
	day := &e.days[dayIndex]
	if day.Date == "" {
		return 0, ErrInvalidWindow
	}
	start, okStart := e.tb.Parse(day.Date + "T" + from)
	end, okEnd := e.tb.Parse(day.Date + "T" + to)
	if !okStart || !okEnd || !end.After(start) {
		return 0, ErrInvalidWindow
	}

	busy := make([]availability.Interval, 0, len(day.Slots))
	for _, s := range day.Slots {
		bs, ok1 := e.tb.Parse(s.StartAt)
		be, ok2 := e.tb.Parse(s.EndAt)
		if ok1 && ok2 {
			busy = append(busy, availability.Interval{Start: bs, End: be})
		}
	}

	added := 0
	for _, iv := range availability.ExpandWindow(start, end, duration, step, busy, now) {
		day.Slots = append(day.Slots, EditableSlot{
			StartAt: e.tb.Format(iv.Start),
			EndAt:   e.tb.Format(iv.End),
			Status:  string(slots.StatusOpen),
		})
		added++
	}
	return added, nil
}
