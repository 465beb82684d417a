package model

import (
	"strings"
	"time"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusBooked    Status = "booked"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
)

// StatusFilterAll asks list queries for every status, cancelled included.
const StatusFilterAll = "all"

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusBooked, StatusCompleted, StatusCancelled:
		return true
	}
	return false
}

// Terminal statuses accept no further transitions.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

func ParseStatus(raw string) (Status, bool) {
	s := Status(strings.ToLower(strings.TrimSpace(raw)))
	return s, s.Valid()
}

// Appointment is a reservation against a slot, tracked through its status
// lifecycle. Rows are never deleted; cancellation is a status. StartTime and
// EndTime are immutable after creation and must match the slot window they
// were created against.
type Appointment struct {
	ID        string
	StartTime time.Time
	EndTime   time.Time
	Status    Status
	Name      string
	Email     string
	Phone     string
	Note      string
	CreatedAt time.Time
}

// ContactInfo is the caller-supplied metadata captured at creation.
type ContactInfo struct {
	Name  string
	Email string
	Phone string
	Note  string
}

// AppointmentPatch carries a partial update. Nil pointers leave the field
// untouched. Start/end times are present only so updates attempting to
// change them can be rejected explicitly.
type AppointmentPatch struct {
	StartTime *time.Time
	EndTime   *time.Time
	Name      *string
	Email     *string
	Phone     *string
	Note      *string
}
