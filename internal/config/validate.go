package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"bouncelink/internal/wire"
	logx "bouncelink/pkg/logx"

	"github.com/robfig/cron/v3"
)

// CronParser accepts standard five-field specs plus descriptors such as
// "@every 5m" and "@hourly".
var CronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Validate checks cfg for values the runtime cannot apply. It reports
// every problem at once.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	add := func(format string, args ...any) { errs = append(errs, fmt.Errorf(format, args...)) }

	if u, err := url.Parse(strings.TrimSpace(cfg.Server.URL)); err != nil || u.Host == "" {
		add("server.url: must be an absolute ws(s) or http(s) url")
	} else {
		switch u.Scheme {
		case "ws", "wss", "http", "https":
		default:
			add("server.url: unsupported scheme %q", u.Scheme)
		}
	}

	if _, err := wire.CodecByName(cfg.Transport.Codec); err != nil {
		add("transport.codec: %v", err)
	}
	durations := map[string]string{
		"transport.handshake_timeout":   cfg.Transport.HandshakeTimeout,
		"transport.write_timeout":       cfg.Transport.WriteTimeout,
		"connection.reconnect_interval": cfg.Connection.ReconnectInterval,
		"alerts.timeout":                cfg.Alerts.Timeout,
	}
	if cfg.REST != nil {
		durations["rest.timeout"] = cfg.REST.Timeout
	}
	if cfg.Storage != nil {
		durations["storage.busy_timeout"] = cfg.Storage.BusyTimeout
		durations["storage.save_delay"] = cfg.Storage.SaveDelay
	}
	for path, raw := range durations {
		if _, err := ParseDurationField(path, raw); err != nil {
			errs = append(errs, err)
		}
	}
	if _, err := ParseSignedDuration("connection.heartbeat_interval", cfg.Connection.HeartbeatInterval); err != nil {
		errs = append(errs, err)
	}
	if cfg.Connection.MaxReconnectAttempts < 0 {
		add("connection.max_reconnect_attempts: must be >= 0")
	}
	if cfg.Alerts.RatePerSec < 0 {
		add("alerts.rate_per_sec: must be >= 0")
	}
	if cfg.Notifications.Limit < 0 || cfg.Notifications.HistorySize < 0 {
		add("notifications: limits must be >= 0")
	}

	if cfg.REST != nil {
		if u, err := url.Parse(strings.TrimSpace(cfg.REST.BaseURL)); err != nil || u.Host == "" {
			add("rest.base_url: must be an absolute url")
		}
		if spec := strings.TrimSpace(cfg.REST.SyncSchedule); spec != "" {
			if _, err := CronParser.Parse(spec); err != nil {
				add("rest.sync_schedule: %v", err)
			}
		}
	}

	if cfg.Storage != nil {
		switch strings.ToLower(strings.TrimSpace(cfg.Storage.Driver)) {
		case "", "none":
		case "file", "sqlite":
			if strings.TrimSpace(cfg.Storage.Path) == "" {
				add("storage.path: required for driver %q", cfg.Storage.Driver)
			}
		case "postgres":
			if strings.TrimSpace(cfg.Storage.DSN) == "" {
				add("storage.dsn: required for driver postgres")
			}
		default:
			add("storage.driver: unknown driver %q", cfg.Storage.Driver)
		}
	}

	if lv := strings.TrimSpace(cfg.Logging.Level); lv != "" && !logx.ValidLevel(lv) {
		add("logging.level: unknown level %q", lv)
	}
	return errors.Join(errs...)
}
