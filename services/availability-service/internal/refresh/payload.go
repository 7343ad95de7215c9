package refresh

import (
	"bytes"
	"encoding/json"

	"github.com/md-rashed-zaman/slotsync/services/availability-service/internal/slots"
)

type rawDay struct {
	Date    string            `json:"date"`
	IsToday *bool             `json:"is_today"`
	Slots   []json.RawMessage `json:"slots"`
}

// DecodePayload extracts the day list from a fetch response. ok is false when
// the body is not an object with a list-shaped "days" field. Individual days
// or slots that fail to decode are dropped without failing the payload.
func DecodePayload(body []byte) ([]slots.RawDay, bool) {
	var envelope map[string]json.RawMessage
	if err := json.Unmarshal(body, &envelope); err != nil || envelope == nil {
		return nil, false
	}
	field, ok := envelope["days"]
	if !ok {
		return nil, false
	}
	field = bytes.TrimSpace(field)
	if len(field) == 0 || field[0] != '[' {
		return nil, false
	}
	var items []json.RawMessage
	if err := json.Unmarshal(field, &items); err != nil {
		return nil, false
	}

	days := make([]slots.RawDay, 0, len(items))
	for _, item := range items {
		var d rawDay
		if err := json.Unmarshal(item, &d); err != nil {
			continue
		}
		day := slots.RawDay{Date: d.Date, IsToday: d.IsToday, Slots: make([]slots.RawSlot, 0, len(d.Slots))}
		for _, rs := range d.Slots {
			var s slots.RawSlot
			if err := json.Unmarshal(rs, &s); err != nil {
				continue
			}
			day.Slots = append(day.Slots, s)
		}
		days = append(days, day)
	}
	return days, true
}
