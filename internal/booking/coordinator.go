// Package booking orchestrates appointment creation, confirmation,
// cancellation and modification across the slot ledger and the durable
// appointment store.
//
// The two stores are not covered by one transaction. The ledger decrement is
// the reservation step and the durable insert is the confirmation step; if
// confirmation fails the reservation is compensated (released). The
// decrement itself is a single atomic conditional operation, so capacity can
// never go negative no matter how many callers race on the same slot key.
package booking

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/md-rashed-zaman/slotbooking/internal/model"
	"github.com/md-rashed-zaman/slotbooking/internal/outbox"
)

// SlotLedger is the ephemeral capacity store consumed by the coordinator.
type SlotLedger interface {
	CreateSlot(ctx context.Context, slot model.Slot) error
	GetSlot(ctx context.Context, key model.SlotKey) (model.Slot, error)
	UpdateSlot(ctx context.Context, slot model.Slot) error
	DeleteSlot(ctx context.Context, key model.SlotKey) (bool, error)
	ListSlotsForDate(ctx context.Context, date string) ([]model.Slot, error)
	ListSlotsForDateRange(ctx context.Context, startDate, endDate string) ([]model.Slot, error)
	EmptySlotsForDate(ctx context.Context, date string) (int, error)
	ReserveUnit(ctx context.Context, key model.SlotKey) (int64, error)
	ReleaseUnit(ctx context.Context, key model.SlotKey) (int64, error)
}

// AppointmentStore is the durable appointment record store.
type AppointmentStore interface {
	Insert(ctx context.Context, appt *model.Appointment, evt outbox.Event) error
	GetByID(ctx context.Context, id string) (model.Appointment, error)
	Exists(ctx context.Context, id string) (bool, error)
	UpdateStatus(ctx context.Context, id string, allowedFrom []model.Status, to model.Status, evt outbox.Event) (model.Appointment, bool, error)
	UpdateContact(ctx context.Context, id string, patch model.AppointmentPatch, evt func(model.Appointment) outbox.Event) (model.Appointment, error)
	List(ctx context.Context, filter model.ListFilter) ([]model.Appointment, int, error)
	ListByRange(ctx context.Context, start, end time.Time) ([]model.Appointment, error)
}

// Window is the desired appointment time window.
type Window struct {
	Start time.Time
	End   time.Time
}

type Coordinator struct {
	ledger  SlotLedger
	store   AppointmentStore
	logger  *slog.Logger
	loc     *time.Location
	retries int
	backoff time.Duration
}

type Config struct {
	// Location is the business wall-clock zone every slot key is resolved
	// in. Appointment timestamps arrive with arbitrary offsets (request
	// payloads, timestamptz round trips); resolving keys in one fixed
	// location keeps create and release pointing at the same slot.
	Location *time.Location

	// CompensationRetries bounds the release attempts after a failed
	// post-decrement insert.
	CompensationRetries int
	CompensationBackoff time.Duration
}

func NewCoordinator(ledger SlotLedger, store AppointmentStore, logger *slog.Logger, cfg Config) *Coordinator {
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	if cfg.CompensationRetries <= 0 {
		cfg.CompensationRetries = 5
	}
	if cfg.CompensationBackoff <= 0 {
		cfg.CompensationBackoff = 200 * time.Millisecond
	}
	return &Coordinator{
		ledger:  ledger,
		store:   store,
		logger:  logger,
		loc:     cfg.Location,
		retries: cfg.CompensationRetries,
		backoff: cfg.CompensationBackoff,
	}
}

// SlotKeyFor resolves the slot key of an instant in the business location.
func (c *Coordinator) SlotKeyFor(t time.Time) model.SlotKey {
	return model.SlotKeyFor(t.In(c.loc))
}

// CreateAppointment reserves one capacity unit against the slot matching the
// window and records a pending appointment. The reservation is a single
// conditional decrement; the appointment row is written only after the
// decrement commits.
func (c *Coordinator) CreateAppointment(ctx context.Context, win Window, contact model.ContactInfo) (model.Appointment, error) {
	// Same-date validation is a wall-clock rule; apply it in the business
	// location regardless of the offset the request carried.
	win.Start = win.Start.In(c.loc)
	win.End = win.End.In(c.loc)
	if err := model.ValidateWindow(win.Start, win.End); err != nil {
		return model.Appointment{}, err
	}

	key := c.SlotKeyFor(win.Start)
	slot, err := c.ledger.GetSlot(ctx, key)
	if err != nil {
		return model.Appointment{}, err
	}
	if !win.Start.Equal(slot.StartTime) || !win.End.Equal(slot.EndTime) {
		return model.Appointment{}, &model.ValidationError{
			Field:  "window",
			Reason: "must exactly match the slot window " + slot.Key().String(),
		}
	}

	if _, err := c.ledger.ReserveUnit(ctx, key); err != nil {
		return model.Appointment{}, err
	}

	appt := model.Appointment{
		ID:        uuid.New().String(),
		StartTime: win.Start,
		EndTime:   win.End,
		Status:    model.StatusPending,
		Name:      strings.TrimSpace(contact.Name),
		Email:     strings.TrimSpace(contact.Email),
		Phone:     strings.TrimSpace(contact.Phone),
		Note:      contact.Note,
	}

	if err := c.store.Insert(ctx, &appt, appointmentEvent(outbox.EventAppointmentCreated, appt)); err != nil {
		c.compensateReservation(ctx, key, appt.ID)
		return model.Appointment{}, err
	}
	return appt, nil
}

// BookAppointment confirms an existing reservation. It is a pure status
// transition; only CreateAppointment consumes ledger capacity.
func (c *Coordinator) BookAppointment(ctx context.Context, id string) (model.Appointment, error) {
	return c.transition(ctx, id, "book",
		[]model.Status{model.StatusPending},
		model.StatusBooked,
		outbox.EventAppointmentBooked)
}

// CancelAppointment cancels a pending or booked appointment and releases
// exactly one capacity unit back to its slot. A slot that has expired out of
// the ledger is left alone; the release becomes a no-op.
func (c *Coordinator) CancelAppointment(ctx context.Context, id string) (model.Appointment, error) {
	appt, err := c.transition(ctx, id, "cancel",
		[]model.Status{model.StatusPending, model.StatusBooked},
		model.StatusCancelled,
		outbox.EventAppointmentCancelled)
	if err != nil {
		return model.Appointment{}, err
	}
	c.releaseUnit(ctx, c.SlotKeyFor(appt.StartTime), appt.ID)
	return appt, nil
}

// CompleteAppointment is the administrative transition out of booked.
func (c *Coordinator) CompleteAppointment(ctx context.Context, id string) (model.Appointment, error) {
	return c.transition(ctx, id, "complete",
		[]model.Status{model.StatusBooked},
		model.StatusCompleted,
		outbox.EventAppointmentCompleted)
}

// UpdateAppointment applies contact/note changes. The time window is
// immutable after creation; terminal appointments accept no updates.
func (c *Coordinator) UpdateAppointment(ctx context.Context, id string, patch model.AppointmentPatch) (model.Appointment, error) {
	if patch.StartTime != nil {
		return model.Appointment{}, &model.ImmutableFieldError{Field: "startTime"}
	}
	if patch.EndTime != nil {
		return model.Appointment{}, &model.ImmutableFieldError{Field: "endTime"}
	}

	appt, err := c.store.GetByID(ctx, id)
	if err != nil {
		return model.Appointment{}, err
	}
	if appt.Status.Terminal() {
		return model.Appointment{}, &model.InvalidStateTransitionError{From: appt.Status, Event: "update"}
	}

	// The event is built from the patched row so the payload never carries
	// stale contact values.
	return c.store.UpdateContact(ctx, id, patch, func(updated model.Appointment) outbox.Event {
		return appointmentEvent(outbox.EventAppointmentUpdated, updated)
	})
}

func (c *Coordinator) GetAppointmentByID(ctx context.Context, id string) (model.Appointment, error) {
	return c.store.GetByID(ctx, id)
}

// ListAppointments delegates to the store. The default status filter hides
// cancelled appointments unless the caller explicitly asks for all.
func (c *Coordinator) ListAppointments(ctx context.Context, filter model.ListFilter) ([]model.Appointment, int, error) {
	return c.store.List(ctx, filter.Normalized())
}

func (c *Coordinator) GetAppointmentsByDatetimeRange(ctx context.Context, start, end time.Time) ([]model.Appointment, error) {
	if !start.Before(end) {
		return nil, &model.ValidationError{Field: "range", Reason: "start must be before end"}
	}
	return c.store.ListByRange(ctx, start, end)
}

// Slot management passthroughs consumed by the API layer and the bulk
// template-application consumer.

func (c *Coordinator) CreateSlot(ctx context.Context, slot model.Slot) error {
	return c.ledger.CreateSlot(ctx, c.localizeSlot(slot))
}

func (c *Coordinator) GetSlot(ctx context.Context, date, timeOfDay string) (model.Slot, error) {
	key, err := model.ParseSlotKey(date, timeOfDay)
	if err != nil {
		return model.Slot{}, err
	}
	return c.ledger.GetSlot(ctx, key)
}

func (c *Coordinator) UpdateSlot(ctx context.Context, slot model.Slot) error {
	return c.ledger.UpdateSlot(ctx, c.localizeSlot(slot))
}

// localizeSlot moves the slot window into the business location so the
// derived (date, time) key agrees with the keys appointment operations
// resolve.
func (c *Coordinator) localizeSlot(slot model.Slot) model.Slot {
	if !slot.StartTime.IsZero() {
		slot.StartTime = slot.StartTime.In(c.loc)
	}
	if !slot.EndTime.IsZero() {
		slot.EndTime = slot.EndTime.In(c.loc)
	}
	return slot
}

func (c *Coordinator) DeleteSlot(ctx context.Context, date, timeOfDay string) (bool, error) {
	key, err := model.ParseSlotKey(date, timeOfDay)
	if err != nil {
		return false, err
	}
	return c.ledger.DeleteSlot(ctx, key)
}

func (c *Coordinator) ListSlotsForDate(ctx context.Context, date string) ([]model.Slot, error) {
	if _, err := time.Parse(model.DateLayout, date); err != nil {
		return nil, &model.ValidationError{Field: "date", Reason: "must be YYYY-MM-DD"}
	}
	return c.ledger.ListSlotsForDate(ctx, date)
}

func (c *Coordinator) ListSlotsForDateRange(ctx context.Context, startDate, endDate string) ([]model.Slot, error) {
	return c.ledger.ListSlotsForDateRange(ctx, startDate, endDate)
}

func (c *Coordinator) EmptySlotsForDate(ctx context.Context, date string) (int, error) {
	if _, err := time.Parse(model.DateLayout, date); err != nil {
		return 0, &model.ValidationError{Field: "date", Reason: "must be YYYY-MM-DD"}
	}
	return c.ledger.EmptySlotsForDate(ctx, date)
}

// transition re-fetches the appointment and applies a guarded status update,
// so two operations racing on the same id both observe the loaded state.
func (c *Coordinator) transition(ctx context.Context, id, event string, allowedFrom []model.Status, to model.Status, eventType string) (model.Appointment, error) {
	appt, err := c.store.GetByID(ctx, id)
	if err != nil {
		return model.Appointment{}, err
	}
	if !statusIn(appt.Status, allowedFrom) {
		return model.Appointment{}, &model.InvalidStateTransitionError{From: appt.Status, Event: event}
	}

	appt.Status = to
	updated, ok, err := c.store.UpdateStatus(ctx, id, allowedFrom, to, appointmentEvent(eventType, appt))
	if err != nil {
		return model.Appointment{}, err
	}
	if !ok {
		// Lost the race to another transition; re-read for an accurate error.
		current, err := c.store.GetByID(ctx, id)
		if err != nil {
			return model.Appointment{}, err
		}
		return model.Appointment{}, &model.InvalidStateTransitionError{From: current.Status, Event: event}
	}
	return updated, nil
}

// compensateReservation undoes a ledger decrement whose confirming insert
// failed. It is idempotent: the release only happens once no appointment row
// exists for the reservation, which covers inserts that committed but whose
// acknowledgment was lost.
func (c *Coordinator) compensateReservation(ctx context.Context, key model.SlotKey, appointmentID string) {
	// The caller may already be gone; the compensation must still run.
	ctx = context.WithoutCancel(ctx)

	for attempt := 0; attempt < c.retries; attempt++ {
		if attempt > 0 {
			time.Sleep(c.backoff)
		}

		exists, err := c.store.Exists(ctx, appointmentID)
		if err != nil {
			continue
		}
		if exists {
			// The insert actually committed; the reserved unit is in use.
			return
		}

		if _, err := c.ledger.ReleaseUnit(ctx, key); err == nil || errors.Is(err, model.ErrSlotNotFound) {
			return
		}
	}

	c.logger.Error("capacity unit lost: compensating release failed, external reconciliation required",
		"slot", key.String(),
		"appointment_id", appointmentID,
	)
}

// releaseUnit returns one unit after a cancellation. The cancellation itself
// has already committed; a missing slot is an expected no-op, and an
// unreachable ledger is retried then flagged for reconciliation.
func (c *Coordinator) releaseUnit(ctx context.Context, key model.SlotKey, appointmentID string) {
	ctx = context.WithoutCancel(ctx)

	for attempt := 0; attempt < c.retries; attempt++ {
		if attempt > 0 {
			time.Sleep(c.backoff)
		}
		_, err := c.ledger.ReleaseUnit(ctx, key)
		if err == nil || errors.Is(err, model.ErrSlotNotFound) {
			return
		}
	}

	c.logger.Error("capacity unit lost: release after cancellation failed, external reconciliation required",
		"slot", key.String(),
		"appointment_id", appointmentID,
	)
}

func statusIn(s model.Status, set []model.Status) bool {
	for _, allowed := range set {
		if s == allowed {
			return true
		}
	}
	return false
}

func appointmentEvent(eventType string, appt model.Appointment) outbox.Event {
	payload, _ := json.Marshal(struct {
		AppointmentID string `json:"appointment_id"`
		StartTime     string `json:"start_time"`
		EndTime       string `json:"end_time"`
		Status        string `json:"status"`
		Email         string `json:"email,omitempty"`
	}{
		AppointmentID: appt.ID,
		StartTime:     appt.StartTime.UTC().Format(time.RFC3339),
		EndTime:       appt.EndTime.UTC().Format(time.RFC3339),
		Status:        string(appt.Status),
		Email:         appt.Email,
	})
	return outbox.Event{
		AggregateType: "appointment",
		AggregateID:   appt.ID,
		EventType:     eventType,
		Payload:       payload,
	}
}
