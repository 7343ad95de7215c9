package timebase

import (
	"strings"
	"time"
)

// DateLayout is the civil date key format used for day buckets.
const DateLayout = "2006-01-02"

// InvalidDate is returned by ExtractDate when the input cannot be parsed.
const InvalidDate = ""

// Clock is the source of "now". Tests swap in a controllable implementation.
type Clock interface {
	Now() time.Time
}

type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }

// Layouts with an explicit offset come first; the rest are read in the fixed zone.
var (
	zonedLayouts = []string{time.RFC3339Nano, time.RFC3339, "2006-01-02T15:04:05-0700"}
	naiveLayouts = []string{
		"2006-01-02T15:04:05",
		"2006-01-02T15:04",
		"2006-01-02 15:04:05",
		"2006-01-02 15:04",
		DateLayout,
	}
)

// TimeBase answers "now" and "today" in one operating timezone, independent of
// the process-local zone.
type TimeBase struct {
	loc   *time.Location
	clock Clock
}

func New(loc *time.Location, clock Clock) *TimeBase {
	if loc == nil {
		loc = time.UTC
	}
	if clock == nil {
		clock = SystemClock{}
	}
	return &TimeBase{loc: loc, clock: clock}
}

// Load resolves an IANA zone name. An empty name means UTC.
func Load(name string, clock Clock) (*TimeBase, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return New(time.UTC, clock), nil
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, err
	}
	return New(loc, clock), nil
}

func (tb *TimeBase) Location() *time.Location { return tb.loc }

func (tb *TimeBase) Now() time.Time {
	return tb.clock.Now().In(tb.loc)
}

func (tb *TimeBase) Today() string {
	return tb.Now().Format(DateLayout)
}

// Parse returns the absolute instant of ts, expressed in the operating zone.
func (tb *TimeBase) Parse(ts string) (time.Time, bool) {
	ts = strings.TrimSpace(ts)
	if ts == "" {
		return time.Time{}, false
	}
	for _, layout := range zonedLayouts {
		if t, err := time.Parse(layout, ts); err == nil {
			return t.In(tb.loc), true
		}
	}
	for _, layout := range naiveLayouts {
		if t, err := time.ParseInLocation(layout, ts, tb.loc); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// DateOf formats an instant as a date key in the operating zone.
func (tb *TimeBase) DateOf(t time.Time) string {
	return t.In(tb.loc).Format(DateLayout)
}

func (tb *TimeBase) ExtractDate(ts string) string {
	t, ok := tb.Parse(ts)
	if !ok {
		return InvalidDate
	}
	return tb.DateOf(t)
}

func (tb *TimeBase) IsToday(ts string) bool {
	d := tb.ExtractDate(ts)
	return d != InvalidDate && d == tb.Today()
}

func (tb *TimeBase) IsSameDate(a, b string) bool {
	da := tb.ExtractDate(a)
	return da != InvalidDate && da == tb.ExtractDate(b)
}

// Format renders t as RFC3339 in the operating zone. Fractional seconds are
// kept when present so Parse(Format(t)) is the same instant.
func (tb *TimeBase) Format(t time.Time) string {
	return t.In(tb.loc).Format(time.RFC3339Nano)
}
