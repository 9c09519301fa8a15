package config

// Config is the on-disk configuration (JSON or YAML). Durations are Go
// duration strings ("500ms", "10s", "5m").
type Config struct {
	Server        ServerConfig        `json:"server"`
	Transport     TransportConfig     `json:"transport,omitempty"`
	Connection    ConnectionConfig    `json:"connection,omitempty"`
	Contractor    ContractorConfig    `json:"contractor"`
	Notifications NotificationsConfig `json:"notifications,omitempty"`
	Alerts        AlertsConfig        `json:"alerts,omitempty"`
	REST          *RESTConfig         `json:"rest,omitempty"`
	Storage       *StorageConfig      `json:"storage,omitempty"`
	Inspect       InspectConfig       `json:"inspect,omitempty"`
	Logging       LoggingConfig       `json:"logging"`
}

// ServerConfig points at the push server.
//
// Token is the bearer credential. It may also come from the
// BOUNCELINK_TOKEN environment variable and is never logged.
type ServerConfig struct {
	URL   string `json:"url"`
	Token string `json:"token,omitempty"`
}

type TransportConfig struct {
	// Codec is "json" (text frames, default) or "cbor" (binary frames).
	Codec            string `json:"codec,omitempty"`
	HandshakeTimeout string `json:"handshake_timeout,omitempty"` // default 10s
	WriteTimeout     string `json:"write_timeout,omitempty"`     // default 5s
	ReadLimitBytes   int64  `json:"read_limit_bytes,omitempty"`
}

// ConnectionConfig is the reconnect policy.
//
// Defaults: auto_connect true, reconnect_interval 1s,
// max_reconnect_attempts 5, heartbeat_interval 30s ("-1s" disables).
type ConnectionConfig struct {
	AutoConnect          *bool  `json:"auto_connect,omitempty"`
	ReconnectInterval    string `json:"reconnect_interval,omitempty"`
	MaxReconnectAttempts int    `json:"max_reconnect_attempts,omitempty"`
	HeartbeatInterval    string `json:"heartbeat_interval,omitempty"`
}

type ContractorConfig struct {
	// ID names the contractor room joined after every connect.
	ID string `json:"id"`
}

type NotificationsConfig struct {
	Limit       int `json:"limit,omitempty"`        // default 100
	HistorySize int `json:"history_size,omitempty"` // debug event history, default 50
}

// AlertsConfig controls audio cues. Enabled is the initial value of the
// persisted "notifications enabled" setting.
type AlertsConfig struct {
	Enabled    *bool   `json:"enabled,omitempty"`
	RatePerSec float64 `json:"rate_per_sec,omitempty"`
	Burst      int     `json:"burst,omitempty"`
	Timeout    string  `json:"timeout,omitempty"`
}

// RESTConfig enables the notification REST client and its sync schedule.
//
// Example:
//
//	"rest": { "base_url": "https://api.example.com", "sync_schedule": "@every 5m" }
type RESTConfig struct {
	BaseURL      string `json:"base_url"`
	PageSize     int    `json:"page_size,omitempty"`     // default 20
	SyncSchedule string `json:"sync_schedule,omitempty"` // cron spec, default "@every 5m"
	Timeout      string `json:"timeout,omitempty"`       // per request, default 10s
	RetryMax     int    `json:"retry_max,omitempty"`     // default 3
}

// StorageConfig controls local persistence of settings and recent
// notifications.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./bouncelink.db" }
type StorageConfig struct {
	Driver      string `json:"driver"` // file | sqlite | postgres | none
	Path        string `json:"path,omitempty"`
	DSN         string `json:"dsn,omitempty"`          // postgres; never logged
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite
	SaveDelay   string `json:"save_delay,omitempty"`   // debounce, default 2s
}

// InspectConfig controls the optional local HTTP API.
//
// Security note: non-loopback addresses require a token unless
// allow_insecure is set.
type InspectConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`  // default 127.0.0.1:7070
	Token         string `json:"token,omitempty"` // bearer token, never logged
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
	Pprof         bool   `json:"pprof,omitempty"` // mount /debug/pprof/
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// AutoConnect reports connection.auto_connect, defaulting to true.
func (c *Config) AutoConnect() bool {
	if c == nil || c.Connection.AutoConnect == nil {
		return true
	}
	return *c.Connection.AutoConnect
}

// AlertsEnabled reports alerts.enabled, defaulting to true.
func (c *Config) AlertsEnabled() bool {
	if c == nil || c.Alerts.Enabled == nil {
		return true
	}
	return *c.Alerts.Enabled
}
