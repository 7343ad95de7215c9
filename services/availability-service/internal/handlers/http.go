package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/md-rashed-zaman/slotsync/libs/httpx"
	"github.com/md-rashed-zaman/slotsync/services/availability-service/internal/admin"
	"github.com/md-rashed-zaman/slotsync/services/availability-service/internal/availability"
	"github.com/md-rashed-zaman/slotsync/services/availability-service/internal/refresh"
	"github.com/md-rashed-zaman/slotsync/services/availability-service/internal/session"
	"github.com/md-rashed-zaman/slotsync/services/availability-service/internal/slots"
	"github.com/md-rashed-zaman/slotsync/services/availability-service/internal/timebase"
)

// Sessions resolves the live session for a subject.
type Sessions interface {
	Get(ctx context.Context, subjectID string) *session.Session
}

type Handler struct {
	sessions Sessions
	tb       *timebase.TimeBase
	logger   *slog.Logger
}

func New(sessions Sessions, tb *timebase.TimeBase, logger *slog.Logger) *Handler {
	return &Handler{sessions: sessions, tb: tb, logger: logger}
}

// Register mounts the API. adminWrite wraps the endpoints that reach the
// booking backend on behalf of an admin.
func (h *Handler) Register(mux *http.ServeMux, adminWrite httpx.Middleware) {
	if adminWrite == nil {
		adminWrite = func(next http.Handler) http.Handler { return next }
	}
	mux.HandleFunc("/v1/availability", h.Availability)
	mux.HandleFunc("/v1/availability/selection", h.Selection)
	mux.HandleFunc("/v1/availability/next", h.Next)
	mux.HandleFunc("/v1/availability/refresh", h.Refresh)

	mux.HandleFunc("/v1/admin/days", h.AdminDays)
	mux.HandleFunc("/v1/admin/slots", h.AdminSlots)
	mux.HandleFunc("/v1/admin/slots/fill", h.AdminFill)
	mux.Handle("/v1/admin/availability", adminWrite(http.HandlerFunc(h.AdminSave)))
}

type availabilityResponse struct {
	SubjectID            string        `json:"subject_id"`
	HasData              bool          `json:"has_data"`
	Days                 []slots.Day   `json:"days"`
	HasTodayAvailability bool          `json:"has_today_availability"`
	State                refresh.State `json:"state"`
}

type adminDaysResponse struct {
	SubjectID   string              `json:"subject_id"`
	Days        []admin.EditableDay `json:"days"`
	LastFailure string              `json:"last_failure,omitempty"`
}

type saveResponse struct {
	OK     bool                `json:"ok"`
	Reason string              `json:"reason,omitempty"`
	Days   []admin.EditableDay `json:"days"`
}

func (h *Handler) Availability(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	v := s.View()
	writeJSON(w, http.StatusOK, availabilityResponse{
		SubjectID:            v.SubjectID,
		HasData:              v.HasData,
		Days:                 v.Days,
		HasTodayAvailability: s.Query().HasTodayAvailability(v.Days),
		State:                v.State,
	})
}

func (h *Handler) Selection(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var preferred *time.Time
	if raw := strings.TrimSpace(r.URL.Query().Get("preferred_start")); raw != "" {
		t, ok := h.tb.Parse(raw)
		if !ok {
			http.Error(w, "preferred_start must be a timestamp", http.StatusBadRequest)
			return
		}
		preferred = &t
	}
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	sel, found := availability.FindDefaultSelectableSlot(s.View().Days, preferred)
	if !found {
		http.Error(w, "no selectable slot", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, sel)
}

func (h *Handler) Next(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	next, found := s.Query().NextAvailable(s.View().Days)
	if !found {
		http.Error(w, "no upcoming slot", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, next)
}

func (h *Handler) Refresh(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	s.RequestRefresh()
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

func (h *Handler) AdminDays(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	ed := s.Editor()

	switch r.Method {
	case http.MethodGet:
	case http.MethodPost:
		ed.AddDay()
	case http.MethodPatch:
		var req struct {
			Index int    `json:"index"`
			Date  string `json:"date"`
		}
		if !decode(w, r, &req) {
			return
		}
		if err := ed.UpdateDayDate(req.Index, req.Date); err != nil {
			h.writeEditError(w, err)
			return
		}
	case http.MethodDelete:
		idx, err := strconv.Atoi(strings.TrimSpace(r.URL.Query().Get("index")))
		if err != nil {
			http.Error(w, "index required", http.StatusBadRequest)
			return
		}
		deleted, err := ed.DeleteDay(r.Context(), idx)
		if err != nil {
			h.writeEditError(w, err)
			return
		}
		if !deleted {
			writeJSON(w, http.StatusBadGateway, saveResponse{Reason: ed.LastFailure(), Days: ed.Days()})
			return
		}
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	writeJSON(w, http.StatusOK, adminDaysResponse{
		SubjectID:   s.SubjectID(),
		Days:        ed.Days(),
		LastFailure: ed.LastFailure(),
	})
}

func (h *Handler) AdminSlots(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	ed := s.Editor()

	var err error
	switch r.Method {
	case http.MethodPost:
		var req struct {
			Day int `json:"day"`
		}
		if !decode(w, r, &req) {
			return
		}
		err = ed.AddSlot(req.Day)
	case http.MethodPatch:
		var req struct {
			Day   int    `json:"day"`
			Slot  int    `json:"slot"`
			Field string `json:"field"`
			Value string `json:"value"`
		}
		if !decode(w, r, &req) {
			return
		}
		err = ed.UpdateSlot(req.Day, req.Slot, req.Field, req.Value)
	case http.MethodDelete:
		day, err1 := strconv.Atoi(r.URL.Query().Get("day"))
		slot, err2 := strconv.Atoi(r.URL.Query().Get("slot"))
		if err1 != nil || err2 != nil {
			http.Error(w, "day and slot required", http.StatusBadRequest)
			return
		}
		err = ed.RemoveSlot(day, slot)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err != nil {
		h.writeEditError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, adminDaysResponse{SubjectID: s.SubjectID(), Days: ed.Days(), LastFailure: ed.LastFailure()})
}

func (h *Handler) AdminFill(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		Day             int    `json:"day"`
		From            string `json:"from"`
		To              string `json:"to"`
		DurationMinutes int    `json:"duration_minutes"`
		StepMinutes     int    `json:"step_minutes"`
	}
	if !decode(w, r, &req) {
		return
	}
	if req.DurationMinutes <= 0 || req.DurationMinutes > 8*60 {
		http.Error(w, "duration_minutes must be between 1 and 480", http.StatusBadRequest)
		return
	}
	if req.StepMinutes < 0 || req.StepMinutes > 8*60 {
		http.Error(w, "step_minutes must be between 0 and 480", http.StatusBadRequest)
		return
	}
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	ed := s.Editor()
	added, err := ed.FillDay(req.Day, req.From, req.To,
		time.Duration(req.DurationMinutes)*time.Minute,
		time.Duration(req.StepMinutes)*time.Minute,
	)
	if err != nil {
		h.writeEditError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"added": added, "days": ed.Days()})
}

func (h *Handler) AdminSave(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPut {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		Date  string               `json:"date"`
		Slots []admin.EditableSlot `json:"slots"`
	}
	if !decode(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Date) == "" {
		http.Error(w, "date required", http.StatusBadRequest)
		return
	}
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	ed := s.Editor()
	if !ed.SaveAvailability(r.Context(), req.Date, req.Slots) {
		writeJSON(w, http.StatusBadGateway, saveResponse{Reason: ed.LastFailure(), Days: ed.Days()})
		return
	}
	writeJSON(w, http.StatusOK, saveResponse{OK: true, Days: ed.Days()})
}

func (h *Handler) session(w http.ResponseWriter, r *http.Request) (*session.Session, bool) {
	subjectID := strings.TrimSpace(r.Header.Get("X-Subject-Id"))
	if subjectID == "" {
		subjectID = strings.TrimSpace(r.URL.Query().Get("subject_id"))
	}
	if subjectID == "" {
		http.Error(w, "subject_id required", http.StatusBadRequest)
		return nil, false
	}
	return h.sessions.Get(r.Context(), subjectID), true
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return false
	}
	return true
}

func (h *Handler) writeEditError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, admin.ErrIndexOutOfRange):
		http.Error(w, "index out of range", http.StatusBadRequest)
	case errors.Is(err, admin.ErrUnknownField):
		http.Error(w, "field must be start_at, end_at, or status", http.StatusBadRequest)
	case errors.Is(err, admin.ErrInvalidWindow):
		http.Error(w, "invalid working window", http.StatusBadRequest)
	default:
		h.logger.Error("admin edit failed", "err", err)
		http.Error(w, "edit failed", http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	body, err := json.Marshal(v)
	if err != nil {
		http.Error(w, "failed to build response", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}
