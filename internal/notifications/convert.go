package notifications

import (
	"encoding/json"
	"time"

	"bouncelink/internal/wire"
)

var taskTitles = map[string]string{
	wire.TaskNew:       "New task available",
	wire.TaskAssigned:  "Task assigned to you",
	wire.TaskUpdated:   "Task updated",
	wire.TaskClaimed:   "Task claimed",
	wire.TaskCompleted: "Task completed",
	wire.TaskCancelled: "Task cancelled",
}

// TaskID is the notification id derived from a task event, so the same
// event delivered twice collapses into one entry.
func TaskID(eventType, taskID string) string {
	taskID = NormalizeID(taskID)
	if taskID == "" {
		return ""
	}
	return eventType + ":" + taskID
}

// FromTask builds the notification shown for a task event.
func FromTask(eventType string, t wire.Task) Notification {
	title, ok := taskTitles[eventType]
	if !ok {
		title = "Task event"
	}
	msg := t.Title
	if msg == "" {
		msg = t.Description
	}
	data, _ := json.Marshal(t)
	return Notification{
		ID:       TaskID(eventType, t.ID),
		Type:     eventType,
		Title:    title,
		Message:  msg,
		Data:     data,
		Priority: wire.ParsePriority(t.Priority),
	}
}

// FromWire converts a pushed or fetched notification body. An unparseable
// timestamp is left zero.
func FromWire(eventType string, n wire.Notification) Notification {
	typ := n.Type
	if typ == "" {
		typ = eventType
	}
	var ts time.Time
	if n.Timestamp != "" {
		if t, err := time.Parse(time.RFC3339Nano, n.Timestamp); err == nil {
			ts = t
		}
	}
	return Notification{
		ID:        n.ID,
		Type:      typ,
		Title:     n.Title,
		Message:   n.Message,
		Data:      n.Data,
		Timestamp: ts,
		IsRead:    n.IsRead,
		Priority:  wire.ParsePriority(n.Priority),
	}
}
