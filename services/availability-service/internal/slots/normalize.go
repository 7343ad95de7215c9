package slots

import (
	"sort"
	"time"

	"github.com/md-rashed-zaman/slotsync/services/availability-service/internal/timebase"
)

type Normalizer struct {
	tb *timebase.TimeBase
}

func NewNormalizer(tb *timebase.TimeBase) *Normalizer {
	return &Normalizer{tb: tb}
}

// Normalize groups raw records into per-day buckets in the operating zone.
// ok is false when there is nothing usable in the input, which callers must
// tell apart from a successful refresh that produced days.
func (n *Normalizer) Normalize(records []RawSlot) ([]Day, bool) {
	return n.NormalizeAt(records, n.tb.Today())
}

// NormalizeDays flattens a day payload and normalizes it. The payload's own
// date and is_today fields are ignored; grouping is by each slot's start.
func (n *Normalizer) NormalizeDays(days []RawDay) ([]Day, bool) {
	return n.Normalize(Flatten(days))
}

// NormalizeAt is Normalize with an explicit today date key.
func (n *Normalizer) NormalizeAt(records []RawSlot, today string) ([]Day, bool) {
	if len(records) == 0 {
		return nil, false
	}

	type pair struct{ start, end int64 }
	type bucket struct {
		day  Day
		seen map[pair]struct{}
	}
	buckets := map[string]*bucket{}

	for _, rec := range records {
		start, ok := n.tb.Parse(rec.StartAt)
		if !ok {
			continue
		}
		end, ok := n.tb.Parse(rec.EndAt)
		if !ok || !end.After(start) {
			continue
		}

		key := n.tb.DateOf(start)
		b := buckets[key]
		if b == nil {
			b = &bucket{
				day:  Day{Date: key, IsToday: key == today, Slots: []Slot{}},
				seen: map[pair]struct{}{},
			}
			buckets[key] = b
		}

		p := pair{start: start.UnixNano(), end: end.UnixNano()}
		if _, dup := b.seen[p]; dup {
			continue
		}
		b.seen[p] = struct{}{}
		b.day.Slots = append(b.day.Slots, Slot{
			Start:  start,
			End:    end,
			Status: ParseStatus(rec.Status),
		})
	}

	if len(buckets) == 0 {
		return nil, false
	}

	days := make([]Day, 0, len(buckets))
	for _, b := range buckets {
		days = append(days, b.day)
	}
	sort.Slice(days, func(i, j int) bool { return days[i].Date < days[j].Date })
	return days, true
}

// ToRaw converts normalized days back into wire records.
func ToRaw(days []Day, loc *time.Location) []RawSlot {
	var out []RawSlot
	for _, d := range days {
		for _, s := range d.Slots {
			out = append(out, RawSlot{
				StartAt: s.Start.In(loc).Format(time.RFC3339Nano),
				EndAt:   s.End.In(loc).Format(time.RFC3339Nano),
				Status:  string(s.Status),
			})
		}
	}
	return out
}
