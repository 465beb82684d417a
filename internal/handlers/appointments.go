package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/md-rashed-zaman/slotbooking/internal/booking"
	"github.com/md-rashed-zaman/slotbooking/internal/model"
)

type createAppointmentRequest struct {
	StartTime string `json:"start_time"`
	EndTime   string `json:"end_time"`
	Name      string `json:"name"`
	Email     string `json:"email"`
	Phone     string `json:"phone"`
	Note      string `json:"note"`
}

type updateAppointmentRequest struct {
	AppointmentID string  `json:"appointment_id"`
	StartTime     *string `json:"start_time"`
	EndTime       *string `json:"end_time"`
	Name          *string `json:"name"`
	Email         *string `json:"email"`
	Phone         *string `json:"phone"`
	Note          *string `json:"note"`
}

type idRequest struct {
	AppointmentID string `json:"appointment_id"`
}

type appointmentItem struct {
	AppointmentID string `json:"appointment_id"`
	StartTime     string `json:"start_time"`
	EndTime       string `json:"end_time"`
	Status        string `json:"status"`
	Name          string `json:"name"`
	Email         string `json:"email"`
	Phone         string `json:"phone"`
	Note          string `json:"note,omitempty"`
	CreatedAt     string `json:"created_at"`
}

type listAppointmentsResponse struct {
	Items []appointmentItem `json:"items"`
	Total int               `json:"total"`
}

func appointmentToItem(a model.Appointment) appointmentItem {
	return appointmentItem{
		AppointmentID: a.ID,
		StartTime:     a.StartTime.Format(time.RFC3339),
		EndTime:       a.EndTime.Format(time.RFC3339),
		Status:        string(a.Status),
		Name:          a.Name,
		Email:         a.Email,
		Phone:         a.Phone,
		Note:          a.Note,
		CreatedAt:     a.CreatedAt.UTC().Format(time.RFC3339),
	}
}

func (h *BookingHandler) CreateAppointment(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req createAppointmentRequest
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

	appt, err := h.coord.CreateAppointment(r.Context(), booking.Window{Start: start, End: end}, model.ContactInfo{
		Name:  req.Name,
		Email: req.Email,
		Phone: req.Phone,
		Note:  req.Note,
	})
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, appointmentToItem(appt))
}

func (h *BookingHandler) GetAppointment(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	id := strings.TrimSpace(r.URL.Query().Get("id"))
	if id == "" {
		http.Error(w, "id required", http.StatusBadRequest)
		return
	}

	appt, err := h.coord.GetAppointmentByID(r.Context(), id)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, appointmentToItem(appt))
}

func (h *BookingHandler) ListAppointments(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	filter, err := parseListFilter(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	appts, total, err := h.coord.ListAppointments(r.Context(), filter)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}

	items := make([]appointmentItem, 0, len(appts))
	for _, a := range appts {
		items = append(items, appointmentToItem(a))
	}
	writeJSON(w, http.StatusOK, listAppointmentsResponse{Items: items, Total: total})
}

func (h *BookingHandler) AppointmentsByRange(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	q := r.URL.Query()
	start, err := time.Parse(time.RFC3339, strings.TrimSpace(q.Get("start")))
	if err != nil {
		http.Error(w, "invalid start", http.StatusBadRequest)
		return
	}
	end, err := time.Parse(time.RFC3339, strings.TrimSpace(q.Get("end")))
	if err != nil {
		http.Error(w, "invalid end", http.StatusBadRequest)
		return
	}

	appts, err := h.coord.GetAppointmentsByDatetimeRange(r.Context(), start, end)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}

	items := make([]appointmentItem, 0, len(appts))
	for _, a := range appts {
		items = append(items, appointmentToItem(a))
	}
	writeJSON(w, http.StatusOK, items)
}

func (h *BookingHandler) UpdateAppointment(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req updateAppointmentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json body", http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(req.AppointmentID) == "" {
		http.Error(w, "appointment_id required", http.StatusBadRequest)
		return
	}

	patch := model.AppointmentPatch{
		Name:  req.Name,
		Email: req.Email,
		Phone: req.Phone,
		Note:  req.Note,
	}
	if req.StartTime != nil {
		t, err := time.Parse(time.RFC3339, *req.StartTime)
		if err != nil {
			http.Error(w, "invalid start_time", http.StatusBadRequest)
			return
		}
		patch.StartTime = &t
	}
	if req.EndTime != nil {
		t, err := time.Parse(time.RFC3339, *req.EndTime)
		if err != nil {
			http.Error(w, "invalid end_time", http.StatusBadRequest)
			return
		}
		patch.EndTime = &t
	}

	appt, err := h.coord.UpdateAppointment(r.Context(), strings.TrimSpace(req.AppointmentID), patch)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, appointmentToItem(appt))
}

func (h *BookingHandler) BookAppointment(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.coord.BookAppointment)
}

func (h *BookingHandler) CancelAppointment(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.coord.CancelAppointment)
}

func (h *BookingHandler) CompleteAppointment(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.coord.CompleteAppointment)
}

func (h *BookingHandler) transition(w http.ResponseWriter, r *http.Request, op func(ctx context.Context, id string) (model.Appointment, error)) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req idRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json body", http.StatusBadRequest)
		return
	}
	id := strings.TrimSpace(req.AppointmentID)
	if id == "" {
		http.Error(w, "appointment_id required", http.StatusBadRequest)
		return
	}

	appt, err := op(r.Context(), id)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, appointmentToItem(appt))
}

func parseListFilter(r *http.Request) (model.ListFilter, error) {
	q := r.URL.Query()
	var filter model.ListFilter

	if raw := strings.TrimSpace(q.Get("page")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			return model.ListFilter{}, errInvalidQuery("page")
		}
		filter.Page = n
	}
	if raw := strings.TrimSpace(q.Get("page_size")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			return model.ListFilter{}, errInvalidQuery("page_size")
		}
		filter.PageSize = n
	}
	if raw := strings.TrimSpace(q.Get("start_date")); raw != "" {
		t, err := time.Parse(model.DateLayout, raw)
		if err != nil {
			return model.ListFilter{}, errInvalidQuery("start_date")
		}
		filter.StartDate = &t
	}
	if raw := strings.TrimSpace(q.Get("end_date")); raw != "" {
		t, err := time.Parse(model.DateLayout, raw)
		if err != nil {
			return model.ListFilter{}, errInvalidQuery("end_date")
		}
		// Inclusive end date: move to the end of that day.
		t = t.Add(24*time.Hour - time.Second)
		filter.EndDate = &t
	}
	if raw := strings.TrimSpace(q.Get("status")); raw != "" {
		if !strings.EqualFold(raw, model.StatusFilterAll) {
			if _, ok := model.ParseStatus(raw); !ok {
				return model.ListFilter{}, errInvalidQuery("status")
			}
		}
		filter.Status = raw
	}
	filter.AppointmentID = strings.TrimSpace(q.Get("appointment_id"))
	filter.Email = strings.TrimSpace(q.Get("email"))
	filter.Name = strings.TrimSpace(q.Get("name"))
	filter.Search = strings.TrimSpace(q.Get("search"))

	return filter, nil
}

type errInvalidQuery string

func (e errInvalidQuery) Error() string { return "invalid " + string(e) }
