package storage

import (
	"errors"
	"time"

	"bouncelink/internal/notifications"
)

var ErrDisabled = errors.New("storage disabled")

// MaxNotifications is the number of notifications kept in a saved State.
const MaxNotifications = 20

// Config configures storage.
//
// Driver values:
//   - "file": JSON snapshot replaced atomically on every save
//   - "sqlite": SQLite database file
//   - "postgres": PostgreSQL reached through DSN
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	DSN         string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Settings are the user toggles that survive restarts.
type Settings struct {
	NotificationsEnabled bool `json:"notificationsEnabled"`
	AutoConnect          bool `json:"autoConnect"`
}

// State is what the daemon restores at start.
type State struct {
	Settings      Settings                     `json:"settings"`
	Notifications []notifications.Notification `json:"notifications"`
	SavedAt       time.Time                    `json:"savedAt"`
}

// trimmed returns st with at most MaxNotifications entries. The slice is
// expected most recent first, as Store.Recent returns it.
func (st State) trimmed() State {
	if len(st.Notifications) > MaxNotifications {
		st.Notifications = st.Notifications[:MaxNotifications]
	}
	return st
}
