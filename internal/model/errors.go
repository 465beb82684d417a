package model

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned when an appointment id does not exist.
var ErrNotFound = errors.New("appointment not found")

// ErrSlotNotFound is returned when no slot exists at a key, including slots
// that have expired out of the ledger's retention window.
var ErrSlotNotFound = errors.New("slot not found")

// ErrCapacityExhausted is returned when a slot has no remaining bookable units.
var ErrCapacityExhausted = errors.New("slot capacity exhausted")

// ErrStorageUnavailable wraps transport failures from the ledger or the
// durable store. It is surfaced to the caller, never retried internally.
var ErrStorageUnavailable = errors.New("storage unavailable")

type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// OverlapError reports a slot-creation collision and carries the slot it
// collided with.
type OverlapError struct {
	Conflicting Slot
}

func (e *OverlapError) Error() string {
	return fmt.Sprintf("slot overlaps existing slot %s (%s-%s)",
		e.Conflicting.Key(),
		e.Conflicting.StartTime.Format(TimeLayout),
		e.Conflicting.EndTime.Format(TimeLayout))
}

type InvalidStateTransitionError struct {
	From  Status
	Event string
}

func (e *InvalidStateTransitionError) Error() string {
	return fmt.Sprintf("cannot %s an appointment in status %q", e.Event, e.From)
}

type ImmutableFieldError struct {
	Field string
}

func (e *ImmutableFieldError) Error() string {
	return fmt.Sprintf("%s is immutable after creation", e.Field)
}
