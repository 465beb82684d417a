// Package handlers exposes the booking coordinator over HTTP. Routing and
// payload validation stay thin; all domain rules live in the coordinator.
package handlers

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/md-rashed-zaman/slotbooking/internal/booking"
	"github.com/md-rashed-zaman/slotbooking/internal/model"
)

type BookingHandler struct {
	coord  *booking.Coordinator
	logger *slog.Logger
}

func NewBookingHandler(coord *booking.Coordinator, logger *slog.Logger) *BookingHandler {
	return &BookingHandler{coord: coord, logger: logger}
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

func (h *BookingHandler) writeDomainError(w http.ResponseWriter, err error) {
	var (
		validationErr *model.ValidationError
		immutableErr  *model.ImmutableFieldError
		overlapErr    *model.OverlapError
		transitionErr *model.InvalidStateTransitionError
	)

	switch {
	case errors.As(err, &validationErr), errors.As(err, &immutableErr):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, model.ErrNotFound), errors.Is(err, model.ErrSlotNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.As(err, &overlapErr), errors.As(err, &transitionErr), errors.Is(err, model.ErrCapacityExhausted):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.Is(err, model.ErrStorageUnavailable):
		h.logger.Error("storage unavailable", "err", err)
		http.Error(w, "storage unavailable", http.StatusServiceUnavailable)
	default:
		h.logger.Error("unexpected error", "err", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}
