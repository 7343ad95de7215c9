package availability

import (
	"sort"
	"time"

	"github.com/md-rashed-zaman/slotsync/services/availability-service/internal/slots"
	"github.com/md-rashed-zaman/slotsync/services/availability-service/internal/timebase"
)

// Selection is a selectable slot together with the day it belongs to.
type Selection struct {
	Day  slots.Day  `json:"day"`
	Slot slots.Slot `json:"slot"`
}

type Query struct {
	tb *timebase.TimeBase
}

func NewQuery(tb *timebase.TimeBase) *Query {
	return &Query{tb: tb}
}

// HasTodayAvailability reports whether today's bucket holds at least one open
// or tentative slot. A day with only blocked slots does not count.
func (q *Query) HasTodayAvailability(days []slots.Day) bool {
	today := q.tb.Today()
	for _, d := range days {
		if d.Date != today {
			continue
		}
		for _, s := range d.Slots {
			if s.Status.Available() {
				return true
			}
		}
	}
	return false
}

// NextAvailable is NextAvailableSlot across every day, measured from the
// TimeBase clock.
func (q *Query) NextAvailable(days []slots.Day) (slots.Slot, bool) {
	var all []slots.Slot
	for _, d := range days {
		all = append(all, d.Slots...)
	}
	return NextAvailableSlot(all, q.tb.Now())
}

// FirstAvailableSlot returns the first selectable slot scanning days and then
// slots in the order given. Slots are not re-sorted; callers wanting the
// earliest start within a day must sort beforehand.
func FirstAvailableSlot(days []slots.Day) (Selection, bool) {
	for _, d := range days {
		for _, s := range d.Slots {
			if s.Status.Available() {
				return Selection{Day: d, Slot: s}, true
			}
		}
	}
	return Selection{}, false
}

// FindSelectableSlotByStart matches on the instant, so the same start written
// with different offsets is found.
func FindSelectableSlotByStart(days []slots.Day, start time.Time) (Selection, bool) {
	for _, d := range days {
		for _, s := range d.Slots {
			if !s.Status.Available() {
				continue
			}
			if s.Start.Equal(start) {
				return Selection{Day: d, Slot: s}, true
			}
		}
	}
	return Selection{}, false
}

// FindDefaultSelectableSlot prefers the slot at preferred and falls back to the
// first selectable slot.
func FindDefaultSelectableSlot(days []slots.Day, preferred *time.Time) (Selection, bool) {
	if preferred != nil {
		if sel, ok := FindSelectableSlotByStart(days, *preferred); ok {
			return sel, true
		}
	}
	return FirstAvailableSlot(days)
}

// NextAvailableSlot returns the earliest-starting selectable slot that has not
// ended by now. Equal starts keep input order.
func NextAvailableSlot(in []slots.Slot, now time.Time) (slots.Slot, bool) {
	candidates := make([]slots.Slot, 0, len(in))
	for _, s := range in {
		if s.Status.Available() && s.End.After(now) {
			candidates = append(candidates, s)
		}
	}
	if len(candidates) == 0 {
		return slots.Slot{}, false
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].Start.Before(candidates[j].Start)
	})
	return candidates[0], true
}
