package wire

import (
	"time"

	"github.com/google/uuid"
)

// Event is one named event delivered to or sent by the client. It is not
// mutated after construction.
type Event struct {
	Type      string
	Payload   Payload
	Timestamp time.Time
	// ID is for tracing only; it never deduplicates business entities.
	ID string
}

// NewEventID returns a fresh unique event id.
func NewEventID() string { return uuid.NewString() }

// NewEvent builds an Event stamped with at and a fresh id.
func NewEvent(eventType string, p Payload, at time.Time) Event {
	return Event{Type: eventType, Payload: p, Timestamp: at, ID: NewEventID()}
}
