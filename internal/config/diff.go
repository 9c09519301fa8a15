package config

import (
	"reflect"
	"sort"
	"strings"

	logx "bouncelink/pkg/logx"
)

// SummarizeConfigChange returns the names of the sections that differ and
// log-safe attributes describing the new values. Tokens and DSNs are only
// ever reported as set or unset.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	changed := make([]string, 0, 8)
	attrs := make([]logx.Field, 0, 16)

	if strings.TrimSpace(oldCfg.Server.URL) != strings.TrimSpace(newCfg.Server.URL) ||
		oldCfg.Server.Token != newCfg.Server.Token {
		changed = append(changed, "server")
		attrs = append(attrs,
			logx.String("server.url", strings.TrimSpace(newCfg.Server.URL)),
			logx.Secret("server.token", newCfg.Server.Token),
			logx.Bool("server.token_rotated", oldCfg.Server.Token != newCfg.Server.Token),
		)
	}
	if oldCfg.Transport != newCfg.Transport {
		changed = append(changed, "transport")
		attrs = append(attrs,
			logx.String("transport.codec", newCfg.Transport.Codec),
			logx.String("transport.handshake_timeout", newCfg.Transport.HandshakeTimeout),
		)
	}
	if !reflect.DeepEqual(oldCfg.Connection, newCfg.Connection) {
		changed = append(changed, "connection")
		attrs = append(attrs,
			logx.Bool("connection.auto_connect", newCfg.AutoConnect()),
			logx.String("connection.reconnect_interval", newCfg.Connection.ReconnectInterval),
			logx.Int("connection.max_reconnect_attempts", newCfg.Connection.MaxReconnectAttempts),
			logx.String("connection.heartbeat_interval", newCfg.Connection.HeartbeatInterval),
		)
	}
	if oldCfg.Contractor != newCfg.Contractor {
		changed = append(changed, "contractor")
		attrs = append(attrs, logx.String("contractor.id", newCfg.Contractor.ID))
	}
	if oldCfg.Notifications != newCfg.Notifications {
		changed = append(changed, "notifications")
		attrs = append(attrs, logx.Int("notifications.limit", newCfg.Notifications.Limit))
	}
	if !reflect.DeepEqual(oldCfg.Alerts, newCfg.Alerts) {
		changed = append(changed, "alerts")
		attrs = append(attrs,
			logx.Bool("alerts.enabled", newCfg.AlertsEnabled()),
			logx.Float64("alerts.rate_per_sec", newCfg.Alerts.RatePerSec),
			logx.Int("alerts.burst", newCfg.Alerts.Burst),
		)
	}
	if !reflect.DeepEqual(oldCfg.REST, newCfg.REST) {
		changed = append(changed, "rest")
		if newCfg.REST != nil {
			attrs = append(attrs,
				logx.String("rest.base_url", newCfg.REST.BaseURL),
				logx.String("rest.sync_schedule", newCfg.REST.SyncSchedule),
			)
		} else {
			attrs = append(attrs, logx.Bool("rest.enabled", false))
		}
	}

	var oStore, nStore StorageConfig
	if oldCfg.Storage != nil {
		oStore = *oldCfg.Storage
	}
	if newCfg.Storage != nil {
		nStore = *newCfg.Storage
	}
	if oStore != nStore {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", nStore.Driver),
			logx.Bool("storage.path_set", strings.TrimSpace(nStore.Path) != ""),
			logx.Bool("storage.dsn_set", strings.TrimSpace(nStore.DSN) != ""),
		)
	}
	if oldCfg.Inspect != newCfg.Inspect {
		changed = append(changed, "inspect")
		attrs = append(attrs,
			logx.Bool("inspect.enabled", newCfg.Inspect.Enabled),
			logx.String("inspect.addr", newCfg.Inspect.Addr),
			logx.Secret("inspect.token", newCfg.Inspect.Token),
		)
	}
	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	sort.Strings(changed)
	return changed, attrs
}
