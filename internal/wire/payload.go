package wire

import (
	"encoding/json"
	"fmt"
	"time"
)

// Payload is the decoded body of an event. Each event type maps to exactly
// one variant; types without a schema decode to Raw.
type Payload interface {
	payload()
}

// Task is carried by every task:* event.
type Task struct {
	ID           string          `json:"id"`
	Title        string          `json:"title,omitempty"`
	Description  string          `json:"description,omitempty"`
	Status       string          `json:"status,omitempty"`
	Priority     string          `json:"priority,omitempty"`
	Address      string          `json:"address,omitempty"`
	ContractorID string          `json:"contractorId,omitempty"`
	ScheduledAt  string          `json:"scheduledAt,omitempty"`
	Compensation float64         `json:"compensation,omitempty"`
	Data         json.RawMessage `json:"data,omitempty"`
}

// Notification is carried by notification:new, :system and :personal.
type Notification struct {
	ID        string          `json:"id,omitempty"`
	Type      string          `json:"type,omitempty"`
	Title     string          `json:"title,omitempty"`
	Message   string          `json:"message,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	Priority  string          `json:"priority,omitempty"`
	Timestamp string          `json:"timestamp,omitempty"`
	IsRead    bool            `json:"isRead,omitempty"`
}

// NotificationChange is carried by notification:update.
type NotificationChange struct {
	ID     string `json:"id"`
	IsRead *bool  `json:"isRead,omitempty"`
}

// Established is the server's session greeting.
type Established struct {
	ContractorID string `json:"contractorId,omitempty"`
	SessionID    string `json:"sessionId,omitempty"`
	ServerTime   string `json:"serverTime,omitempty"`
}

// ConnectAck acknowledges the handshake.
type ConnectAck struct {
	SessionID string `json:"sid,omitempty"`
}

// ConnectFailure rejects the handshake.
type ConnectFailure struct {
	Message string `json:"message"`
}

// Closed describes a lost connection. It is produced locally.
type Closed struct {
	Reason string `json:"reason"`
	Error  string `json:"error,omitempty"`
}

// Heartbeat is carried by ping and pong.
type Heartbeat struct {
	Timestamp string `json:"timestamp,omitempty"`
}

// Raw is the payload of event types without a registered schema.
type Raw json.RawMessage

func (Task) payload()               {}
func (Notification) payload()       {}
func (NotificationChange) payload() {}
func (Established) payload()        {}
func (ConnectAck) payload()         {}
func (ConnectFailure) payload()     {}
func (Closed) payload()             {}
func (Heartbeat) payload()          {}
func (Raw) payload()                {}

// Outbound bodies.

type GeoPoint struct {
	Type        string     `json:"type"`
	Coordinates [2]float64 `json:"coordinates"`
}

type LocationBody struct {
	Location  GeoPoint `json:"location"`
	Timestamp string   `json:"timestamp"`
}

type RoomBody struct {
	ContractorID string `json:"contractorId"`
}

// NewLocationBody builds a GeoJSON point; GeoJSON orders coordinates lon, lat.
func NewLocationBody(lat, lon float64, at time.Time) LocationBody {
	return LocationBody{
		Location:  GeoPoint{Type: "Point", Coordinates: [2]float64{lon, lat}},
		Timestamp: FormatTime(at),
	}
}

// FormatTime renders t the way the server expects timestamps.
func FormatTime(t time.Time) string { return t.UTC().Format(time.RFC3339Nano) }

type decoder func(raw json.RawMessage) (Payload, error)

func decodeAs[T Payload]() decoder {
	return func(raw json.RawMessage) (Payload, error) {
		var v T
		if len(raw) == 0 {
			return v, nil
		}
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, err
		}
		return v, nil
	}
}

var decoders = map[string]decoder{
	TaskNew:               decodeAs[Task](),
	TaskAssigned:          decodeAs[Task](),
	TaskUpdated:           decodeAs[Task](),
	TaskClaimed:           decodeAs[Task](),
	TaskCompleted:         decodeAs[Task](),
	TaskCancelled:         decodeAs[Task](),
	NotificationNew:       decodeAs[Notification](),
	NotificationSystem:    decodeAs[Notification](),
	NotificationPersonal:  decodeAs[Notification](),
	NotificationUpdate:    decodeAs[NotificationChange](),
	ConnectionEstablished: decodeAs[Established](),
	Connect:               decodeAs[ConnectAck](),
	ConnectError:          decodeAs[ConnectFailure](),
	Disconnect:            decodeAs[Closed](),
	Ping:                  decodeAs[Heartbeat](),
	Pong:                  decodeAs[Heartbeat](),
}

// InvalidPayloadError reports an inbound payload rejected at the boundary.
type InvalidPayloadError struct {
	Type string
	Err  error
}

func (e *InvalidPayloadError) Error() string {
	return fmt.Sprintf("invalid %s payload: %v", e.Type, e.Err)
}

func (e *InvalidPayloadError) Unwrap() error { return e.Err }

// DecodePayload validates raw against the schema registered for eventType
// and decodes it into the matching variant.
func (v *Validator) DecodePayload(eventType string, raw json.RawMessage) (Payload, error) {
	if err := v.Validate(eventType, raw); err != nil {
		return nil, &InvalidPayloadError{Type: eventType, Err: err}
	}
	dec, ok := decoders[eventType]
	if !ok {
		return Raw(raw), nil
	}
	p, err := dec(raw)
	if err != nil {
		return nil, &InvalidPayloadError{Type: eventType, Err: err}
	}
	return p, nil
}
