package handlers

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/md-rashed-zaman/slotbooking/internal/model"
)

type createSlotRequest struct {
	StartTime string `json:"start_time"`
	EndTime   string `json:"end_time"`
	Capacity  int    `json:"capacity"`
}

type slotItem struct {
	Date      string `json:"date"`
	Time      string `json:"time"`
	StartTime string `json:"start_time"`
	EndTime   string `json:"end_time"`
	Capacity  int    `json:"capacity"`
}

func slotToItem(s model.Slot) slotItem {
	return slotItem{
		Date:      s.Date,
		Time:      s.Time,
		StartTime: s.StartTime.Format(time.RFC3339),
		EndTime:   s.EndTime.Format(time.RFC3339),
		Capacity:  s.Capacity,
	}
}

// Slots dispatches on method: POST creates, GET lists, DELETE removes an
// exact key.
func (h *BookingHandler) Slots(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		h.createSlot(w, r)
	case http.MethodGet:
		h.listSlots(w, r)
	case http.MethodPut:
		h.updateSlot(w, r)
	case http.MethodDelete:
		h.deleteSlot(w, r)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (h *BookingHandler) createSlot(w http.ResponseWriter, r *http.Request) {
	var req createSlotRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json body", http.StatusBadRequest)
		return
	}

	start, err := time.Parse(time.RFC3339, req.StartTime)
	if err != nil {
		http.Error(w, "invalid start_time", http.StatusBadRequest)
		return
	}
	end, err := time.Parse(time.RFC3339, req.EndTime)
	if err != nil {
		http.Error(w, "invalid end_time", http.StatusBadRequest)
		return
	}

	slot := model.Slot{StartTime: start, EndTime: end, Capacity: req.Capacity}
	if err := h.coord.CreateSlot(r.Context(), slot); err != nil {
		h.writeDomainError(w, err)
		return
	}
	key := h.coord.SlotKeyFor(start)
	slot.Date = key.Date
	slot.Time = key.Time
	writeJSON(w, http.StatusCreated, slotToItem(slot))
}

func (h *BookingHandler) listSlots(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	date := strings.TrimSpace(q.Get("date"))
	timeOfDay := strings.TrimSpace(q.Get("time"))
	startDate := strings.TrimSpace(q.Get("start_date"))
	endDate := strings.TrimSpace(q.Get("end_date"))

	if date != "" && timeOfDay != "" {
		slot, err := h.coord.GetSlot(r.Context(), date, timeOfDay)
		if err != nil {
			h.writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, slotToItem(slot))
		return
	}

	var slots []model.Slot
	var err error
	switch {
	case date != "":
		slots, err = h.coord.ListSlotsForDate(r.Context(), date)
	case startDate != "" && endDate != "":
		slots, err = h.coord.ListSlotsForDateRange(r.Context(), startDate, endDate)
	default:
		http.Error(w, "date or start_date/end_date required", http.StatusBadRequest)
		return
	}
	if err != nil {
		h.writeDomainError(w, err)
		return
	}

	items := make([]slotItem, 0, len(slots))
	for _, s := range slots {
		items = append(items, slotToItem(s))
	}
	writeJSON(w, http.StatusOK, items)
}

// updateSlot changes the remaining capacity of an existing slot. The window
// and the record's TTL are left untouched.
func (h *BookingHandler) updateSlot(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Date     string `json:"date"`
		Time     string `json:"time"`
		Capacity int    `json:"capacity"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json body", http.StatusBadRequest)
		return
	}
	if req.Capacity < 0 {
		h.writeDomainError(w, &model.ValidationError{Field: "capacity", Reason: "must not be negative"})
		return
	}

	slot, err := h.coord.GetSlot(r.Context(), strings.TrimSpace(req.Date), strings.TrimSpace(req.Time))
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	slot.Capacity = req.Capacity
	if err := h.coord.UpdateSlot(r.Context(), slot); err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, slotToItem(slot))
}

func (h *BookingHandler) deleteSlot(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	date := strings.TrimSpace(q.Get("date"))
	timeOfDay := strings.TrimSpace(q.Get("time"))
	if date == "" || timeOfDay == "" {
		http.Error(w, "date and time required", http.StatusBadRequest)
		return
	}

	existed, err := h.coord.DeleteSlot(r.Context(), date, timeOfDay)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"deleted": existed})
}

// EmptySlots removes every slot on a date (bulk "empty all slots" used by
// the admin calendar).
func (h *BookingHandler) EmptySlots(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req struct {
		Date string `json:"date"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json body", http.StatusBadRequest)
		return
	}

	n, err := h.coord.EmptySlotsForDate(r.Context(), strings.TrimSpace(req.Date))
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"deleted": n})
}
