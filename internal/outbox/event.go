package outbox

// Event is the domain event envelope written to the outbox table.
// The Kafka topic name equals EventType (production-style: event per topic).
type Event struct {
	AggregateType string
	AggregateID   string
	EventType     string
	Payload       []byte
}

// Appointment lifecycle event types published by the booking coordinator.
const (
	EventAppointmentCreated   = "booking.appointment.created.v1"
	EventAppointmentBooked    = "booking.appointment.booked.v1"
	EventAppointmentCancelled = "booking.appointment.cancelled.v1"
	EventAppointmentCompleted = "booking.appointment.completed.v1"
	EventAppointmentUpdated   = "booking.appointment.updated.v1"
)
