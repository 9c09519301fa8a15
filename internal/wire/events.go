// Package wire defines the named-event protocol spoken with the push server:
// envelope framing, frame codecs, and the typed payload for each event.
//
// Inbound payloads are validated against embedded JSON Schemas and decoded
// into a concrete Payload variant before they reach the router.
package wire

// Inbound task events.
const (
	TaskNew       = "task:new"
	TaskAssigned  = "task:assigned"
	TaskUpdated   = "task:updated"
	TaskClaimed   = "task:claimed"
	TaskCompleted = "task:completed"
	TaskCancelled = "task:cancelled"
)

// Inbound notification events.
const (
	NotificationNew      = "notification:new"
	NotificationUpdate   = "notification:update"
	NotificationSystem   = "notification:system"
	NotificationPersonal = "notification:personal"
)

// Session and transport-level events. Disconnect is synthesized locally
// when the socket goes away; the others arrive from the server.
const (
	ConnectionEstablished = "connection:established"
	Connect               = "connect"
	Disconnect            = "disconnect"
	ConnectError          = "connect_error"
	Ping                  = "ping"
	Pong                  = "pong"
)

// Outbound contractor events.
const (
	LocationUpdate = "contractor:location-update"
	JoinRoom       = "contractor:join-room"
	LeaveRoom      = "contractor:leave-room"
)

// Wildcard subscribes a handler to every event type.
const Wildcard = "*"

// TaskEvents lists every task:* type in a stable order.
var TaskEvents = []string{TaskNew, TaskAssigned, TaskUpdated, TaskClaimed, TaskCompleted, TaskCancelled}

// NotificationEvents lists the notification:* types that carry a full notification.
var NotificationEvents = []string{NotificationNew, NotificationSystem, NotificationPersonal}
