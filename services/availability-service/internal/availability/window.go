package availability

import "time"

type Interval struct {
	Start time.Time
	End   time.Time
}

// ExpandWindow cuts [windowStart, windowEnd) into candidate intervals of the
// given duration, advancing by step. Candidates that start before now or
// overlap a busy interval are skipped.
//
// All times are expected to be in the same location.
func ExpandWindow(windowStart, windowEnd time.Time, duration, step time.Duration, busy []Interval, now time.Time) []Interval {
	if duration <= 0 || step <= 0 {
		return nil
	}
	if !windowEnd.After(windowStart) || windowStart.Add(duration).After(windowEnd) {
		return nil
	}

	var out []Interval
	for t := windowStart; !t.Add(duration).After(windowEnd); t = t.Add(step) {
		if t.Before(now) {
			continue
		}
		candidate := Interval{Start: t, End: t.Add(duration)}
		if !candidate.overlapsAny(busy) {
			out = append(out, candidate)
		}
	}
	return out
}

// Half-open: [a,b) and [c,d) overlap iff a < d && c < b.
func (iv Interval) overlapsAny(busy []Interval) bool {
	for _, b := range busy {
		if iv.Start.Before(b.End) && b.Start.Before(iv.End) {
			return true
		}
	}
	return false
}
