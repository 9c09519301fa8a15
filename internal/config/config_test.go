package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	logx "bouncelink/pkg/logx"
)

const sampleYAML = `
server:
  url: wss://push.example.com/ws
  token: file-token
transport:
  codec: cbor
connection:
  reconnect_interval: 2s
  max_reconnect_attempts: 4
  heartbeat_interval: -1s
contractor:
  id: c-42
rest:
  base_url: https://api.example.com
  sync_schedule: "@every 10m"
storage:
  driver: sqlite
  path: ./state.db
logging:
  level: debug
  console: true
`

func writeFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return p
}

func TestLoadYAML(t *testing.T) {
	t.Setenv(EnvToken, "")
	p := writeFile(t, t.TempDir(), "config.yaml", sampleYAML)
	cfg, err := NewManager(p, logx.Nop()).Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Token != "file-token" || cfg.Transport.Codec != "cbor" || cfg.Contractor.ID != "c-42" {
		t.Fatalf("cfg = %+v", cfg)
	}
	if cfg.Connection.MaxReconnectAttempts != 4 || cfg.REST == nil || cfg.REST.SyncSchedule != "@every 10m" {
		t.Fatalf("cfg = %+v", cfg)
	}
	if !cfg.AutoConnect() || !cfg.AlertsEnabled() {
		t.Fatal("defaults not applied")
	}
}

func TestEnvTokenOverridesFile(t *testing.T) {
	t.Setenv(EnvToken, "env-token")
	cfg, err := Decode("config.yaml", []byte(sampleYAML))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Server.Token != "env-token" {
		t.Fatalf("token = %q", cfg.Server.Token)
	}
}

func TestDecodeRejectsUnknownFieldsAndTrailingData(t *testing.T) {
	if _, err := Decode("c.json", []byte(`{"server":{"url":"ws://x"},"plugins":{}}`)); err == nil {
		t.Fatal("unknown section accepted")
	}
	if _, err := Decode("c.json", []byte(`{"server":{"url":"ws://x"}}{}`)); err == nil {
		t.Fatal("trailing data accepted")
	}
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name string
		edit func(*Config)
		want string
	}{
		{"ok", func(*Config) {}, ""},
		{"no url", func(c *Config) { c.Server.URL = "" }, "server.url"},
		{"bad scheme", func(c *Config) { c.Server.URL = "ftp://x" }, "unsupported scheme"},
		{"codec", func(c *Config) { c.Transport.Codec = "xml" }, "transport.codec"},
		{"duration", func(c *Config) { c.Transport.HandshakeTimeout = "soon" }, "transport.handshake_timeout"},
		{"cron", func(c *Config) { c.REST = &RESTConfig{BaseURL: "https://a", SyncSchedule: "every day"} }, "rest.sync_schedule"},
		{"driver", func(c *Config) { c.Storage = &StorageConfig{Driver: "redis"} }, "unknown driver"},
		{"pg dsn", func(c *Config) { c.Storage = &StorageConfig{Driver: "postgres"} }, "storage.dsn"},
		{"level", func(c *Config) { c.Logging.Level = "loud" }, "logging.level"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := &Config{Server: ServerConfig{URL: "wss://push.example.com/ws"}}
			tc.edit(cfg)
			err := Validate(cfg)
			if tc.want == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("err = %v, want mention of %q", err, tc.want)
			}
		})
	}
}

func TestReloadSkipsUnchangedAndPublishes(t *testing.T) {
	t.Setenv(EnvToken, "")
	dir := t.TempDir()
	p := writeFile(t, dir, "config.yaml", sampleYAML)
	m := NewManager(p, logx.Nop())
	if _, err := m.Load(); err != nil {
		t.Fatal(err)
	}
	ch := m.Subscribe(1)
	defer m.Unsubscribe(ch)

	if changed, err := m.Reload(context.Background()); err != nil || changed {
		t.Fatalf("unchanged reload = %v, %v", changed, err)
	}

	writeFile(t, dir, "config.yaml", strings.Replace(sampleYAML, "level: debug", "level: warn", 1))
	if changed, err := m.Reload(context.Background()); err != nil || !changed {
		t.Fatalf("reload = %v, %v", changed, err)
	}
	got := <-ch
	if got.Logging.Level != "warn" || m.Get().Logging.Level != "warn" {
		t.Fatalf("published level = %q", got.Logging.Level)
	}

	writeFile(t, dir, "config.yaml", strings.Replace(sampleYAML, "codec: cbor", "codec: morse", 1))
	if _, err := m.Reload(context.Background()); err == nil {
		t.Fatal("invalid config committed")
	}
	if m.Get().Transport.Codec != "cbor" {
		t.Fatal("rejected config replaced the live one")
	}
}

func TestWatchPicksUpEdits(t *testing.T) {
	t.Setenv(EnvToken, "")
	dir := t.TempDir()
	p := writeFile(t, dir, "config.yaml", sampleYAML)
	m := NewManager(p, logx.Nop())
	if _, err := m.Load(); err != nil {
		t.Fatal(err)
	}
	ch := m.Subscribe(1)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = m.Watch(ctx)
		close(done)
	}()
	defer func() {
		cancel()
		<-done
	}()

	deadline := time.After(5 * time.Second)
	for i := 0; ; i++ {
		writeFile(t, dir, "config.yaml", strings.Replace(sampleYAML, "c-42", fmt.Sprintf("c-%d", 100+i), 1))
		select {
		case cfg := <-ch:
			if !strings.HasPrefix(cfg.Contractor.ID, "c-1") {
				t.Fatalf("contractor = %q", cfg.Contractor.ID)
			}
			return
		case <-time.After(500 * time.Millisecond):
		case <-deadline:
			t.Fatal("watch never published")
		}
	}
}

func TestSummarizeNeverLeaksSecrets(t *testing.T) {
	oldCfg := &Config{Server: ServerConfig{URL: "wss://a", Token: "old-secret"}}
	newCfg := &Config{
		Server:  ServerConfig{URL: "wss://a", Token: "new-secret"},
		Storage: &StorageConfig{Driver: "postgres", DSN: "postgres://u:pw@db/x"},
		Logging: LoggingConfig{Level: "info"},
	}
	changed, attrs := SummarizeConfigChange(oldCfg, newCfg)
	if fmt.Sprint(changed) != "[logging server storage]" {
		t.Fatalf("changed = %v", changed)
	}

	var buf strings.Builder
	logx.NewJSON(&buf, "debug").Info("config changed", attrs...)
	out := buf.String()
	for _, secret := range []string{"new-secret", "old-secret", "pw@db"} {
		if strings.Contains(out, secret) {
			t.Fatalf("summary leaked %q: %s", secret, out)
		}
	}
	if !strings.Contains(out, `"server.token_rotated":true`) {
		t.Fatalf("rotation not reported: %s", out)
	}
}

func TestYAMLShape(t *testing.T) {
	if _, err := Decode("c.yaml", []byte("- a\n- b\n")); err == nil || !strings.Contains(err.Error(), "mapping") {
		t.Fatalf("list document: err = %v", err)
	}
	cfg, err := Decode("c.yml", []byte("\n"))
	if err != nil {
		t.Fatalf("empty document: %v", err)
	}
	if err := Validate(cfg); err == nil {
		t.Fatal("empty config validated")
	}
}
