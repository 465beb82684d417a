package booking

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/md-rashed-zaman/slotbooking/internal/model"
	"github.com/md-rashed-zaman/slotbooking/internal/outbox"
)

// fakeLedger models the redis ledger in memory. Reserve and release run
// under one mutex, mirroring the single-round-trip atomicity of the Lua
// scripts.
type fakeLedger struct {
	mu    sync.Mutex
	slots map[model.SlotKey]model.Slot
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{slots: make(map[model.SlotKey]model.Slot)}
}

func (l *fakeLedger) CreateSlot(_ context.Context, slot model.Slot) error {
	if err := model.ValidateWindow(slot.StartTime, slot.EndTime); err != nil {
		return err
	}
	if slot.Date == "" || slot.Time == "" {
		key := model.SlotKeyFor(slot.StartTime)
		slot.Date = key.Date
		slot.Time = key.Time
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, other := range l.slots {
		if other.Date == slot.Date && slot.Overlaps(other) {
			return &model.OverlapError{Conflicting: other}
		}
	}
	l.slots[slot.Key()] = slot
	return nil
}

func (l *fakeLedger) GetSlot(_ context.Context, key model.SlotKey) (model.Slot, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	slot, ok := l.slots[key]
	if !ok {
		return model.Slot{}, model.ErrSlotNotFound
	}
	return slot, nil
}

func (l *fakeLedger) UpdateSlot(_ context.Context, slot model.Slot) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.slots[slot.Key()] = slot
	return nil
}

func (l *fakeLedger) DeleteSlot(_ context.Context, key model.SlotKey) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.slots[key]
	delete(l.slots, key)
	return ok, nil
}

func (l *fakeLedger) ListSlotsForDate(_ context.Context, date string) ([]model.Slot, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []model.Slot
	for _, slot := range l.slots {
		if slot.Date == date {
			out = append(out, slot)
		}
	}
	return out, nil
}

func (l *fakeLedger) ListSlotsForDateRange(_ context.Context, startDate, endDate string) ([]model.Slot, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []model.Slot
	for _, slot := range l.slots {
		if slot.Date >= startDate && slot.Date <= endDate {
			out = append(out, slot)
		}
	}
	return out, nil
}

func (l *fakeLedger) EmptySlotsForDate(_ context.Context, date string) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for key, slot := range l.slots {
		if slot.Date == date {
			delete(l.slots, key)
			n++
		}
	}
	return n, nil
}

func (l *fakeLedger) ReserveUnit(_ context.Context, key model.SlotKey) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	slot, ok := l.slots[key]
	if !ok {
		return 0, model.ErrSlotNotFound
	}
	if slot.Capacity <= 0 {
		return 0, model.ErrCapacityExhausted
	}
	slot.Capacity--
	l.slots[key] = slot
	return int64(slot.Capacity), nil
}

func (l *fakeLedger) ReleaseUnit(_ context.Context, key model.SlotKey) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	slot, ok := l.slots[key]
	if !ok {
		return 0, model.ErrSlotNotFound
	}
	slot.Capacity++
	l.slots[key] = slot
	return int64(slot.Capacity), nil
}

func (l *fakeLedger) capacity(t *testing.T, key model.SlotKey) int {
	t.Helper()
	l.mu.Lock()
	defer l.mu.Unlock()
	slot, ok := l.slots[key]
	if !ok {
		t.Fatalf("slot %s missing", key)
	}
	return slot.Capacity
}

type fakeStore struct {
	mu    sync.Mutex
	rows  map[string]model.Appointment
	order []string

	// failInsert makes Insert return this error. When keepRowOnFail is
	// set the row is stored anyway, modelling a commit whose ack was lost.
	failInsert    error
	keepRowOnFail bool

	// utcReads normalizes timestamps to UTC on every read, the way a
	// timestamptz column comes back from the database.
	utcReads bool

	lastEvent outbox.Event
}

func (s *fakeStore) view(a model.Appointment) model.Appointment {
	if s.utcReads {
		a.StartTime = a.StartTime.UTC()
		a.EndTime = a.EndTime.UTC()
		a.CreatedAt = a.CreatedAt.UTC()
	}
	return a
}

func newFakeStore() *fakeStore {
	return &fakeStore{rows: make(map[string]model.Appointment)}
}

func (s *fakeStore) Insert(_ context.Context, appt *model.Appointment, _ outbox.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failInsert != nil {
		if s.keepRowOnFail {
			appt.CreatedAt = time.Now().UTC()
			s.rows[appt.ID] = *appt
			s.order = append(s.order, appt.ID)
		}
		return s.failInsert
	}
	appt.CreatedAt = time.Now().UTC()
	s.rows[appt.ID] = *appt
	s.order = append(s.order, appt.ID)
	return nil
}

func (s *fakeStore) GetByID(_ context.Context, id string) (model.Appointment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	appt, ok := s.rows[id]
	if !ok {
		return model.Appointment{}, model.ErrNotFound
	}
	return s.view(appt), nil
}

func (s *fakeStore) Exists(_ context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.rows[id]
	return ok, nil
}

func (s *fakeStore) UpdateStatus(_ context.Context, id string, allowedFrom []model.Status, to model.Status, _ outbox.Event) (model.Appointment, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	appt, ok := s.rows[id]
	if !ok {
		return model.Appointment{}, false, nil
	}
	matched := false
	for _, from := range allowedFrom {
		if appt.Status == from {
			matched = true
			break
		}
	}
	if !matched {
		return model.Appointment{}, false, nil
	}
	appt.Status = to
	s.rows[id] = appt
	return s.view(appt), true, nil
}

func (s *fakeStore) UpdateContact(_ context.Context, id string, patch model.AppointmentPatch, evt func(model.Appointment) outbox.Event) (model.Appointment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	appt, ok := s.rows[id]
	if !ok {
		return model.Appointment{}, model.ErrNotFound
	}
	if patch.Name != nil {
		appt.Name = *patch.Name
	}
	if patch.Email != nil {
		appt.Email = *patch.Email
	}
	if patch.Phone != nil {
		appt.Phone = *patch.Phone
	}
	if patch.Note != nil {
		appt.Note = *patch.Note
	}
	s.rows[id] = appt
	s.lastEvent = evt(s.view(appt))
	return s.view(appt), nil
}

func (s *fakeStore) List(_ context.Context, filter model.ListFilter) ([]model.Appointment, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.Appointment
	for _, id := range s.order {
		appt := s.rows[id]
		switch {
		case filter.Status == "":
			if appt.Status == model.StatusCancelled {
				continue
			}
		case filter.Status == model.StatusFilterAll:
			// keep all
		default:
			if string(appt.Status) != filter.Status {
				continue
			}
		}
		out = append(out, appt)
	}
	return out, len(out), nil
}

func (s *fakeStore) ListByRange(_ context.Context, start, end time.Time) ([]model.Appointment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.Appointment
	for _, id := range s.order {
		appt := s.rows[id]
		if appt.StartTime.Before(end) && appt.EndTime.After(start) {
			out = append(out, appt)
		}
	}
	return out, nil
}

func newTestCoordinator(t *testing.T) (*Coordinator, *fakeLedger, *fakeStore) {
	t.Helper()
	fl := newFakeLedger()
	fs := newFakeStore()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	coord := NewCoordinator(fl, fs, logger, Config{
		Location:            time.UTC,
		CompensationRetries: 3,
		CompensationBackoff: time.Millisecond,
	})
	return coord, fl, fs
}

func testSlot(capacity int) model.Slot {
	start := time.Date(2025, 6, 10, 10, 0, 0, 0, time.UTC)
	return model.Slot{
		Date:      "2025-06-10",
		Time:      "10:00",
		StartTime: start,
		EndTime:   start.Add(30 * time.Minute),
		Capacity:  capacity,
	}
}

func mustCreateSlot(t *testing.T, coord *Coordinator, slot model.Slot) {
	t.Helper()
	if err := coord.CreateSlot(context.Background(), slot); err != nil {
		t.Fatalf("create slot: %v", err)
	}
}

func mustCreateAppointment(t *testing.T, coord *Coordinator, slot model.Slot) model.Appointment {
	t.Helper()
	appt, err := coord.CreateAppointment(context.Background(),
		Window{Start: slot.StartTime, End: slot.EndTime},
		model.ContactInfo{Name: "Alice", Email: "alice@example.com"})
	if err != nil {
		t.Fatalf("create appointment: %v", err)
	}
	return appt
}

func TestCreateAppointment(t *testing.T) {
	coord, fl, _ := newTestCoordinator(t)
	slot := testSlot(2)
	mustCreateSlot(t, coord, slot)

	appt := mustCreateAppointment(t, coord, slot)
	if appt.Status != model.StatusPending {
		t.Fatalf("expected pending, got %s", appt.Status)
	}
	if appt.ID == "" {
		t.Fatal("expected an assigned id")
	}
	if got := fl.capacity(t, slot.Key()); got != 1 {
		t.Fatalf("expected capacity 1 after reservation, got %d", got)
	}
}

func TestCreateAppointment_SlotMissing(t *testing.T) {
	coord, _, _ := newTestCoordinator(t)
	slot := testSlot(1)

	_, err := coord.CreateAppointment(context.Background(),
		Window{Start: slot.StartTime, End: slot.EndTime}, model.ContactInfo{})
	if !errors.Is(err, model.ErrSlotNotFound) {
		t.Fatalf("expected ErrSlotNotFound, got %v", err)
	}
}

func TestCreateAppointment_WindowMustMatchSlot(t *testing.T) {
	coord, fl, _ := newTestCoordinator(t)
	slot := testSlot(1)
	mustCreateSlot(t, coord, slot)

	_, err := coord.CreateAppointment(context.Background(),
		Window{Start: slot.StartTime, End: slot.EndTime.Add(15 * time.Minute)},
		model.ContactInfo{})
	var vErr *model.ValidationError
	if !errors.As(err, &vErr) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	if got := fl.capacity(t, slot.Key()); got != 1 {
		t.Fatalf("capacity consumed on rejected window: %d", got)
	}
}

func TestCreateAppointment_InvalidWindows(t *testing.T) {
	coord, _, _ := newTestCoordinator(t)
	day := time.Date(2025, 6, 10, 0, 0, 0, 0, time.UTC)

	cases := []struct {
		name  string
		start time.Time
		end   time.Time
	}{
		{"reversed", day.Add(11 * time.Hour), day.Add(10 * time.Hour)},
		{"cross-date", day.Add(23 * time.Hour), day.Add(25 * time.Hour)},
		{"zero", time.Time{}, day.Add(10 * time.Hour)},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := coord.CreateAppointment(context.Background(),
				Window{Start: tc.start, End: tc.end}, model.ContactInfo{})
			var vErr *model.ValidationError
			if !errors.As(err, &vErr) {
				t.Fatalf("expected ValidationError, got %v", err)
			}
		})
	}
}

func TestCreateAppointment_CapacityExhausted(t *testing.T) {
	coord, fl, _ := newTestCoordinator(t)
	slot := testSlot(1)
	mustCreateSlot(t, coord, slot)

	mustCreateAppointment(t, coord, slot)
	_, err := coord.CreateAppointment(context.Background(),
		Window{Start: slot.StartTime, End: slot.EndTime}, model.ContactInfo{})
	if !errors.Is(err, model.ErrCapacityExhausted) {
		t.Fatalf("expected ErrCapacityExhausted, got %v", err)
	}
	if got := fl.capacity(t, slot.Key()); got != 0 {
		t.Fatalf("expected capacity 0, got %d", got)
	}
}

// Ten callers race for three units: exactly three may win and the ledger must
// end at zero, never negative.
func TestCreateAppointment_ConcurrentRacers(t *testing.T) {
	coord, fl, _ := newTestCoordinator(t)
	slot := testSlot(3)
	mustCreateSlot(t, coord, slot)

	const racers = 10
	results := make(chan error, racers)
	var wg sync.WaitGroup
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := coord.CreateAppointment(context.Background(),
				Window{Start: slot.StartTime, End: slot.EndTime},
				model.ContactInfo{Name: "racer"})
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	var wins, exhausted int
	for err := range results {
		switch {
		case err == nil:
			wins++
		case errors.Is(err, model.ErrCapacityExhausted):
			exhausted++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if wins != 3 || exhausted != 7 {
		t.Fatalf("expected 3 wins and 7 exhausted, got %d/%d", wins, exhausted)
	}
	if got := fl.capacity(t, slot.Key()); got != 0 {
		t.Fatalf("expected final capacity 0, got %d", got)
	}
}

func TestCreateAppointment_CompensatesFailedInsert(t *testing.T) {
	coord, fl, fs := newTestCoordinator(t)
	slot := testSlot(2)
	mustCreateSlot(t, coord, slot)

	fs.failInsert = errors.New("insert failed")
	_, err := coord.CreateAppointment(context.Background(),
		Window{Start: slot.StartTime, End: slot.EndTime}, model.ContactInfo{})
	if err == nil {
		t.Fatal("expected insert failure to surface")
	}
	if got := fl.capacity(t, slot.Key()); got != 2 {
		t.Fatalf("expected compensated capacity 2, got %d", got)
	}
}

// When the insert committed but its acknowledgment was lost, the
// compensation must notice the existing row and leave the reservation
// consumed.
func TestCreateAppointment_CompensationSkippedWhenRowExists(t *testing.T) {
	coord, fl, fs := newTestCoordinator(t)
	slot := testSlot(2)
	mustCreateSlot(t, coord, slot)

	fs.failInsert = errors.New("ack lost")
	fs.keepRowOnFail = true
	_, err := coord.CreateAppointment(context.Background(),
		Window{Start: slot.StartTime, End: slot.EndTime}, model.ContactInfo{})
	if err == nil {
		t.Fatal("expected the reported failure to surface")
	}
	if got := fl.capacity(t, slot.Key()); got != 1 {
		t.Fatalf("expected capacity to stay 1, got %d", got)
	}
}

func TestBookAppointment(t *testing.T) {
	coord, fl, _ := newTestCoordinator(t)
	slot := testSlot(1)
	mustCreateSlot(t, coord, slot)
	appt := mustCreateAppointment(t, coord, slot)

	booked, err := coord.BookAppointment(context.Background(), appt.ID)
	if err != nil {
		t.Fatalf("book: %v", err)
	}
	if booked.Status != model.StatusBooked {
		t.Fatalf("expected booked, got %s", booked.Status)
	}
	// Booking is a confirmation, never a second reservation.
	if got := fl.capacity(t, slot.Key()); got != 0 {
		t.Fatalf("booking must not touch capacity, got %d", got)
	}

	_, err = coord.BookAppointment(context.Background(), appt.ID)
	var tErr *model.InvalidStateTransitionError
	if !errors.As(err, &tErr) {
		t.Fatalf("expected InvalidStateTransitionError on double book, got %v", err)
	}
}

func TestBookAppointment_NotFound(t *testing.T) {
	coord, _, _ := newTestCoordinator(t)
	_, err := coord.BookAppointment(context.Background(), "missing")
	if !errors.Is(err, model.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestCancelAppointment_RoundTripRestoresCapacity(t *testing.T) {
	coord, fl, _ := newTestCoordinator(t)
	slot := testSlot(1)
	mustCreateSlot(t, coord, slot)
	appt := mustCreateAppointment(t, coord, slot)

	cancelled, err := coord.CancelAppointment(context.Background(), appt.ID)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if cancelled.Status != model.StatusCancelled {
		t.Fatalf("expected cancelled, got %s", cancelled.Status)
	}
	if got := fl.capacity(t, slot.Key()); got != 1 {
		t.Fatalf("expected capacity restored to 1, got %d", got)
	}

	_, err = coord.CancelAppointment(context.Background(), appt.ID)
	var tErr *model.InvalidStateTransitionError
	if !errors.As(err, &tErr) {
		t.Fatalf("expected InvalidStateTransitionError on double cancel, got %v", err)
	}
	if got := fl.capacity(t, slot.Key()); got != 1 {
		t.Fatalf("double cancel must not release twice, got %d", got)
	}
}

// The durable store hands timestamps back in UTC regardless of the offset
// the appointment was created with. The release after cancellation must
// still resolve the same slot key the creation reserved against.
func TestCancelAppointment_RestoresCapacityAcrossOffsets(t *testing.T) {
	loc := time.FixedZone("UTC+3", 3*60*60)
	fl := newFakeLedger()
	fs := newFakeStore()
	fs.utcReads = true
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	coord := NewCoordinator(fl, fs, logger, Config{
		Location:            loc,
		CompensationRetries: 3,
		CompensationBackoff: time.Millisecond,
	})
	ctx := context.Background()

	start := time.Date(2025, 6, 10, 10, 0, 0, 0, loc)
	slot := model.Slot{StartTime: start, EndTime: start.Add(30 * time.Minute), Capacity: 1}
	if err := coord.CreateSlot(ctx, slot); err != nil {
		t.Fatalf("create slot: %v", err)
	}
	key := coord.SlotKeyFor(start)
	if key != (model.SlotKey{Date: "2025-06-10", Time: "10:00"}) {
		t.Fatalf("unexpected business-local key %s", key)
	}

	appt, err := coord.CreateAppointment(ctx,
		Window{Start: start, End: start.Add(30 * time.Minute)},
		model.ContactInfo{Name: "Alice"})
	if err != nil {
		t.Fatalf("create appointment: %v", err)
	}
	if got := fl.capacity(t, key); got != 0 {
		t.Fatalf("expected capacity 0 after reservation, got %d", got)
	}

	if _, err := coord.CancelAppointment(ctx, appt.ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if got := fl.capacity(t, key); got != 1 {
		t.Fatalf("capacity after cancel = %d, want 1", got)
	}
}

func TestCancelAppointment_FromBooked(t *testing.T) {
	coord, fl, _ := newTestCoordinator(t)
	slot := testSlot(1)
	mustCreateSlot(t, coord, slot)
	appt := mustCreateAppointment(t, coord, slot)

	if _, err := coord.BookAppointment(context.Background(), appt.ID); err != nil {
		t.Fatalf("book: %v", err)
	}
	if _, err := coord.CancelAppointment(context.Background(), appt.ID); err != nil {
		t.Fatalf("cancel booked: %v", err)
	}
	if got := fl.capacity(t, slot.Key()); got != 1 {
		t.Fatalf("expected capacity restored, got %d", got)
	}
}

func TestCancelAppointment_CompletedRejected(t *testing.T) {
	coord, _, _ := newTestCoordinator(t)
	slot := testSlot(1)
	mustCreateSlot(t, coord, slot)
	appt := mustCreateAppointment(t, coord, slot)

	if _, err := coord.BookAppointment(context.Background(), appt.ID); err != nil {
		t.Fatalf("book: %v", err)
	}
	if _, err := coord.CompleteAppointment(context.Background(), appt.ID); err != nil {
		t.Fatalf("complete: %v", err)
	}

	_, err := coord.CancelAppointment(context.Background(), appt.ID)
	var tErr *model.InvalidStateTransitionError
	if !errors.As(err, &tErr) {
		t.Fatalf("expected InvalidStateTransitionError, got %v", err)
	}
}

// Cancelling after the slot expired out of the ledger still cancels the
// appointment; the release is a no-op and the slot is not recreated.
func TestCancelAppointment_ExpiredSlot(t *testing.T) {
	coord, fl, _ := newTestCoordinator(t)
	slot := testSlot(1)
	mustCreateSlot(t, coord, slot)
	appt := mustCreateAppointment(t, coord, slot)

	if _, err := coord.DeleteSlot(context.Background(), slot.Date, slot.Time); err != nil {
		t.Fatalf("delete slot: %v", err)
	}

	cancelled, err := coord.CancelAppointment(context.Background(), appt.ID)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if cancelled.Status != model.StatusCancelled {
		t.Fatalf("expected cancelled, got %s", cancelled.Status)
	}
	if _, err := fl.GetSlot(context.Background(), slot.Key()); !errors.Is(err, model.ErrSlotNotFound) {
		t.Fatalf("release must not recreate an expired slot, got %v", err)
	}
}

func TestCompleteAppointment_RequiresBooked(t *testing.T) {
	coord, _, _ := newTestCoordinator(t)
	slot := testSlot(1)
	mustCreateSlot(t, coord, slot)
	appt := mustCreateAppointment(t, coord, slot)

	_, err := coord.CompleteAppointment(context.Background(), appt.ID)
	var tErr *model.InvalidStateTransitionError
	if !errors.As(err, &tErr) {
		t.Fatalf("expected InvalidStateTransitionError from pending, got %v", err)
	}
}

func TestUpdateAppointment_ImmutableWindow(t *testing.T) {
	coord, _, _ := newTestCoordinator(t)
	slot := testSlot(1)
	mustCreateSlot(t, coord, slot)
	appt := mustCreateAppointment(t, coord, slot)

	newStart := slot.StartTime.Add(time.Hour)
	_, err := coord.UpdateAppointment(context.Background(), appt.ID,
		model.AppointmentPatch{StartTime: &newStart})
	var iErr *model.ImmutableFieldError
	if !errors.As(err, &iErr) {
		t.Fatalf("expected ImmutableFieldError, got %v", err)
	}

	newEnd := slot.EndTime.Add(time.Hour)
	_, err = coord.UpdateAppointment(context.Background(), appt.ID,
		model.AppointmentPatch{EndTime: &newEnd})
	if !errors.As(err, &iErr) {
		t.Fatalf("expected ImmutableFieldError, got %v", err)
	}
}

func TestUpdateAppointment_PatchContact(t *testing.T) {
	coord, _, _ := newTestCoordinator(t)
	slot := testSlot(1)
	mustCreateSlot(t, coord, slot)
	appt := mustCreateAppointment(t, coord, slot)

	note := "please call ahead"
	updated, err := coord.UpdateAppointment(context.Background(), appt.ID,
		model.AppointmentPatch{Note: &note})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if updated.Note != note {
		t.Fatalf("note not applied: %q", updated.Note)
	}
	if !updated.StartTime.Equal(appt.StartTime) {
		t.Fatal("start time changed by contact patch")
	}
}

func TestUpdateAppointment_EventCarriesPatchedContact(t *testing.T) {
	coord, _, fs := newTestCoordinator(t)
	slot := testSlot(1)
	mustCreateSlot(t, coord, slot)
	appt := mustCreateAppointment(t, coord, slot)

	email := "alice.new@example.com"
	if _, err := coord.UpdateAppointment(context.Background(), appt.ID,
		model.AppointmentPatch{Email: &email}); err != nil {
		t.Fatalf("update: %v", err)
	}

	if fs.lastEvent.EventType != outbox.EventAppointmentUpdated {
		t.Fatalf("unexpected event type %q", fs.lastEvent.EventType)
	}
	var payload struct {
		Email string `json:"email"`
	}
	if err := json.Unmarshal(fs.lastEvent.Payload, &payload); err != nil {
		t.Fatalf("decode event payload: %v", err)
	}
	if payload.Email != email {
		t.Fatalf("event email = %q, want the patched value %q", payload.Email, email)
	}
}

func TestUpdateAppointment_TerminalRejected(t *testing.T) {
	coord, _, _ := newTestCoordinator(t)
	slot := testSlot(1)
	mustCreateSlot(t, coord, slot)
	appt := mustCreateAppointment(t, coord, slot)

	if _, err := coord.CancelAppointment(context.Background(), appt.ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	name := "Bob"
	_, err := coord.UpdateAppointment(context.Background(), appt.ID,
		model.AppointmentPatch{Name: &name})
	var tErr *model.InvalidStateTransitionError
	if !errors.As(err, &tErr) {
		t.Fatalf("expected InvalidStateTransitionError, got %v", err)
	}
}

func TestCreateSlot_Overlap(t *testing.T) {
	coord, _, _ := newTestCoordinator(t)
	day := time.Date(2025, 6, 10, 0, 0, 0, 0, time.UTC)
	slotAt := func(startMin, endMin, capacity int) model.Slot {
		start := day.Add(time.Duration(startMin) * time.Minute)
		return model.Slot{
			StartTime: start,
			EndTime:   day.Add(time.Duration(endMin) * time.Minute),
			Capacity:  capacity,
		}
	}

	mustCreateSlot(t, coord, slotAt(10*60, 10*60+30, 1)) // 10:00-10:30

	err := coord.CreateSlot(context.Background(), slotAt(10*60+15, 10*60+45, 1))
	var oErr *model.OverlapError
	if !errors.As(err, &oErr) {
		t.Fatalf("expected OverlapError for 10:15-10:45, got %v", err)
	}
	if oErr.Conflicting.Time != "10:00" {
		t.Fatalf("expected conflicting slot 10:00, got %s", oErr.Conflicting.Time)
	}

	if err := coord.CreateSlot(context.Background(), slotAt(10*60+30, 11*60, 1)); err != nil {
		t.Fatalf("adjacent 10:30-11:00 must be accepted: %v", err)
	}
}

func TestListAppointments_DefaultHidesCancelled(t *testing.T) {
	coord, _, _ := newTestCoordinator(t)
	slot := testSlot(2)
	mustCreateSlot(t, coord, slot)

	kept := mustCreateAppointment(t, coord, slot)
	dropped := mustCreateAppointment(t, coord, slot)
	if _, err := coord.CancelAppointment(context.Background(), dropped.ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	appts, total, err := coord.ListAppointments(context.Background(), model.ListFilter{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if total != 1 || len(appts) != 1 || appts[0].ID != kept.ID {
		t.Fatalf("expected only the active appointment, got %d/%d", len(appts), total)
	}

	_, total, err = coord.ListAppointments(context.Background(), model.ListFilter{Status: model.StatusFilterAll})
	if err != nil {
		t.Fatalf("list all: %v", err)
	}
	if total != 2 {
		t.Fatalf("expected both appointments with status=all, got %d", total)
	}
}

func TestGetAppointmentsByDatetimeRange_Validates(t *testing.T) {
	coord, _, _ := newTestCoordinator(t)
	at := time.Date(2025, 6, 10, 10, 0, 0, 0, time.UTC)
	_, err := coord.GetAppointmentsByDatetimeRange(context.Background(), at, at)
	var vErr *model.ValidationError
	if !errors.As(err, &vErr) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
}

// Walks the documented lifecycle end to end: reserve, confirm, cancel.
func TestBookingLifecycle(t *testing.T) {
	coord, fl, _ := newTestCoordinator(t)
	slot := testSlot(1)
	mustCreateSlot(t, coord, slot)
	ctx := context.Background()
	win := Window{Start: slot.StartTime, End: slot.EndTime}

	appt, err := coord.CreateAppointment(ctx, win, model.ContactInfo{Name: "Alice"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if appt.Status != model.StatusPending {
		t.Fatalf("expected pending, got %s", appt.Status)
	}
	if got := fl.capacity(t, slot.Key()); got != 0 {
		t.Fatalf("expected capacity 0, got %d", got)
	}

	if _, err := coord.CreateAppointment(ctx, win, model.ContactInfo{Name: "Bob"}); !errors.Is(err, model.ErrCapacityExhausted) {
		t.Fatalf("expected ErrCapacityExhausted for second caller, got %v", err)
	}

	booked, err := coord.BookAppointment(ctx, appt.ID)
	if err != nil {
		t.Fatalf("book: %v", err)
	}
	if booked.Status != model.StatusBooked {
		t.Fatalf("expected booked, got %s", booked.Status)
	}
	if got := fl.capacity(t, slot.Key()); got != 0 {
		t.Fatalf("capacity must stay 0 after booking, got %d", got)
	}

	cancelled, err := coord.CancelAppointment(ctx, appt.ID)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if cancelled.Status != model.StatusCancelled {
		t.Fatalf("expected cancelled, got %s", cancelled.Status)
	}
	if got := fl.capacity(t, slot.Key()); got != 1 {
		t.Fatalf("expected capacity back to 1, got %d", got)
	}
}
