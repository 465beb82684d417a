package model

import "time"

const (
	DateLayout = "2006-01-02"
	TimeLayout = "15:04"
)

// SlotKey identifies a slot by its business-local calendar date and
// wall-clock start time. Construct it with SlotKeyFor or ParseSlotKey;
// handlers must not build keys by string concatenation.
type SlotKey struct {
	Date string
	Time string
}

func SlotKeyFor(t time.Time) SlotKey {
	return SlotKey{Date: t.Format(DateLayout), Time: t.Format(TimeLayout)}
}

func ParseSlotKey(date, timeOfDay string) (SlotKey, error) {
	if _, err := time.Parse(DateLayout, date); err != nil {
		return SlotKey{}, &ValidationError{Field: "date", Reason: "must be YYYY-MM-DD"}
	}
	if _, err := time.Parse(TimeLayout, timeOfDay); err != nil {
		return SlotKey{}, &ValidationError{Field: "time", Reason: "must be HH:mm"}
	}
	return SlotKey{Date: date, Time: timeOfDay}, nil
}

func (k SlotKey) IsZero() bool {
	return k.Date == "" && k.Time == ""
}

func (k SlotKey) String() string {
	return k.Date + " " + k.Time
}

// Slot is a bookable window on a given date with a finite capacity of
// reservable units. Capacity is mutated only through the ledger's atomic
// reserve/release operations.
type Slot struct {
	Date      string
	Time      string
	StartTime time.Time
	EndTime   time.Time
	Capacity  int
}

func (s Slot) Key() SlotKey {
	return SlotKey{Date: s.Date, Time: s.Time}
}

// Overlaps reports whether two half-open windows [start, end) intersect.
func (s Slot) Overlaps(other Slot) bool {
	return s.StartTime.Before(other.EndTime) && other.StartTime.Before(s.EndTime)
}

// ValidateWindow checks the invariants every booking window must satisfy:
// ordered start/end on the same calendar date.
func ValidateWindow(start, end time.Time) error {
	if start.IsZero() || end.IsZero() {
		return &ValidationError{Field: "window", Reason: "start and end times are required"}
	}
	if !start.Before(end) {
		return &ValidationError{Field: "window", Reason: "start time must be before end time"}
	}
	if start.Format(DateLayout) != end.Format(DateLayout) {
		return &ValidationError{Field: "window", Reason: "window must not cross a calendar date"}
	}
	return nil
}
