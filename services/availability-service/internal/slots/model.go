package slots

import (
	"strings"
	"time"
)

type Status string

const (
	StatusOpen      Status = "open"
	StatusTentative Status = "tentative"
	StatusBlocked   Status = "blocked"
)

// ParseStatus maps upstream status vocabularies onto the canonical set.
// Unrecognized and empty values become open.
func ParseStatus(raw string) Status {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "open", "available", "ok":
		return StatusOpen
	case "tentative", "maybe":
		return StatusTentative
	case "blocked", "unavailable":
		return StatusBlocked
	default:
		return StatusOpen
	}
}

// Available reports whether a slot with this status may be selected.
func (s Status) Available() bool {
	return s == StatusOpen || s == StatusTentative
}

type Slot struct {
	Start  time.Time `json:"start_at"`
	End    time.Time `json:"end_at"`
	Status Status    `json:"status"`
}

type Day struct {
	Date    string `json:"date"`
	IsToday bool   `json:"is_today"`
	Slots   []Slot `json:"slots"`
}

// RawSlot is a slot record as received from upstream, before any validation.
type RawSlot struct {
	StartAt string `json:"start_at"`
	EndAt   string `json:"end_at"`
	Status  string `json:"status,omitempty"`
}

type RawDay struct {
	Date    string    `json:"date"`
	IsToday *bool     `json:"is_today,omitempty"`
	Slots   []RawSlot `json:"slots"`
}

// Flatten returns every slot record of the given days in payload order.
func Flatten(days []RawDay) []RawSlot {
	n := 0
	for _, d := range days {
		n += len(d.Slots)
	}
	out := make([]RawSlot, 0, n)
	for _, d := range days {
		out = append(out, d.Slots...)
	}
	return out
}

// Clone returns a deep copy so callers can hand out snapshots without aliasing.
func Clone(days []Day) []Day {
	if days == nil {
		return nil
	}
	out := make([]Day, len(days))
	for i, d := range days {
		out[i] = Day{Date: d.Date, IsToday: d.IsToday, Slots: append([]Slot(nil), d.Slots...)}
	}
	return out
}
