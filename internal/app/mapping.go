package app

import (
	"fmt"
	"strings"
	"time"

	"bouncelink/internal/alert"
	"bouncelink/internal/config"
	"bouncelink/internal/connection"
	"bouncelink/internal/inspect"
	"bouncelink/internal/realtime"
	"bouncelink/internal/restapi"
	"bouncelink/internal/storage"
	"bouncelink/internal/transport"
	"bouncelink/internal/wire"
	logx "bouncelink/pkg/logx"
)

const defaultSaveDelay = 2 * time.Second

func mapLoggingConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

// mapTransportConfig leaves Codec nil on error; the caller keeps the
// previous transport in that case.
func mapTransportConfig(cfg *config.Config) (transport.Config, error) {
	codec, err := wire.CodecByName(cfg.Transport.Codec)
	if err != nil {
		return transport.Config{}, fmt.Errorf("transport.codec: %w", err)
	}
	hs, err := config.ParseDurationOrDefault("transport.handshake_timeout", cfg.Transport.HandshakeTimeout, transport.DefaultHandshakeTimeout)
	if err != nil {
		return transport.Config{}, err
	}
	wt, err := config.ParseDurationOrDefault("transport.write_timeout", cfg.Transport.WriteTimeout, transport.DefaultWriteTimeout)
	if err != nil {
		return transport.Config{}, err
	}
	return transport.Config{
		URL:              strings.TrimSpace(cfg.Server.URL),
		Codec:            codec,
		HandshakeTimeout: hs,
		WriteTimeout:     wt,
		ReadLimit:        cfg.Transport.ReadLimitBytes,
	}, nil
}

func mapConnectionConfig(cfg *config.Config) (connection.Config, error) {
	interval, err := config.ParseDurationField("connection.reconnect_interval", cfg.Connection.ReconnectInterval)
	if err != nil {
		return connection.Config{}, err
	}
	hb, err := config.ParseSignedDuration("connection.heartbeat_interval", cfg.Connection.HeartbeatInterval)
	if err != nil {
		return connection.Config{}, err
	}
	if cfg.Connection.MaxReconnectAttempts < 0 {
		return connection.Config{}, fmt.Errorf("connection.max_reconnect_attempts must be >= 0")
	}
	return connection.Config{
		ReconnectInterval:    interval,
		MaxReconnectAttempts: cfg.Connection.MaxReconnectAttempts,
		HeartbeatInterval:    hb,
	}, nil
}

// mapAlertConfig maps the rate limits. enabled is the live setting, which
// outranks alerts.enabled once the app is running.
func mapAlertConfig(cfg *config.Config, enabled bool) (alert.Config, error) {
	timeout, err := config.ParseDurationField("alerts.timeout", cfg.Alerts.Timeout)
	if err != nil {
		return alert.Config{}, err
	}
	return alert.Config{
		Enabled:    enabled,
		RatePerSec: cfg.Alerts.RatePerSec,
		Burst:      cfg.Alerts.Burst,
		Timeout:    timeout,
	}, nil
}

func mapRealtimeConfig(cfg *config.Config) (realtime.Config, error) {
	rc := realtime.Config{ContractorID: strings.TrimSpace(cfg.Contractor.ID)}
	if cfg.REST != nil {
		d, err := config.ParseDurationField("rest.timeout", cfg.REST.Timeout)
		if err != nil {
			return realtime.Config{}, err
		}
		rc.RemoteTimeout = d
	}
	return rc, nil
}

// mapRESTConfig reports enabled=false when the rest section is absent.
func mapRESTConfig(cfg *config.Config) (restapi.Options, restapi.SyncerConfig, bool, error) {
	if cfg.REST == nil || strings.TrimSpace(cfg.REST.BaseURL) == "" {
		return restapi.Options{}, restapi.SyncerConfig{}, false, nil
	}
	timeout, err := config.ParseDurationField("rest.timeout", cfg.REST.Timeout)
	if err != nil {
		return restapi.Options{}, restapi.SyncerConfig{}, false, err
	}
	schedule := strings.TrimSpace(cfg.REST.SyncSchedule)
	if schedule != "" {
		if _, err := config.CronParser.Parse(schedule); err != nil {
			return restapi.Options{}, restapi.SyncerConfig{}, false, fmt.Errorf("rest.sync_schedule: %w", err)
		}
	}
	opts := restapi.Options{
		BaseURL:    cfg.REST.BaseURL,
		Timeout:    timeout,
		MaxRetries: cfg.REST.RetryMax,
	}
	return opts, restapi.SyncerConfig{Schedule: schedule, PageSize: cfg.REST.PageSize}, true, nil
}

// mapStorageConfig reports enabled=false for a missing section or driver
// "none". saveDelay is the persistence debounce.
func mapStorageConfig(cfg *config.Config) (sc storage.Config, saveDelay time.Duration, enabled bool, err error) {
	if cfg == nil || cfg.Storage == nil {
		return storage.Config{}, 0, false, nil
	}
	s := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(s.Driver))
	if driver == "" || driver == "none" {
		return storage.Config{}, 0, false, nil
	}
	saveDelay, err = config.ParseDurationOrDefault("storage.save_delay", s.SaveDelay, defaultSaveDelay)
	if err != nil {
		return storage.Config{}, 0, false, err
	}
	path := strings.TrimSpace(s.Path)

	switch driver {
	case "file":
		if path == "" {
			return storage.Config{}, 0, false, fmt.Errorf("storage.path is required when storage.driver=file")
		}
		return storage.Config{Driver: driver, Path: path}, saveDelay, true, nil
	case "sqlite", "sqlite3":
		if path == "" {
			return storage.Config{}, 0, false, fmt.Errorf("storage.path is required when storage.driver=sqlite")
		}
		busy, err := config.ParseDurationOrDefault("storage.busy_timeout", s.BusyTimeout, time.Second)
		if err != nil {
			return storage.Config{}, 0, false, err
		}
		return storage.Config{Driver: driver, Path: path, BusyTimeout: busy}, saveDelay, true, nil
	case "postgres", "postgresql":
		if strings.TrimSpace(s.DSN) == "" {
			return storage.Config{}, 0, false, fmt.Errorf("storage.dsn is required when storage.driver=postgres")
		}
		return storage.Config{Driver: driver, DSN: strings.TrimSpace(s.DSN)}, saveDelay, true, nil
	default:
		return storage.Config{}, 0, false, fmt.Errorf("unknown storage.driver: %s", s.Driver)
	}
}

func mapInspectConfig(cfg *config.Config) inspect.Config {
	return inspect.Config{
		Enabled:       cfg.Inspect.Enabled,
		Addr:          strings.TrimSpace(cfg.Inspect.Addr),
		Token:         cfg.Inspect.Token,
		AllowInsecure: cfg.Inspect.AllowInsecure,
		Pprof:         cfg.Inspect.Pprof,
	}
}

// validate runs every mapper so a reload is rejected before anything is
// applied.
func validate(cfg *config.Config) error {
	if err := config.Validate(cfg); err != nil {
		return err
	}
	if _, err := mapTransportConfig(cfg); err != nil {
		return err
	}
	if _, err := mapConnectionConfig(cfg); err != nil {
		return err
	}
	if _, err := mapAlertConfig(cfg, true); err != nil {
		return err
	}
	if _, err := mapRealtimeConfig(cfg); err != nil {
		return err
	}
	if _, _, _, err := mapRESTConfig(cfg); err != nil {
		return err
	}
	if _, _, _, err := mapStorageConfig(cfg); err != nil {
		return err
	}
	return nil
}
