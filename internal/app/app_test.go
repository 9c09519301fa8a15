package app

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"bouncelink/internal/config"
	"bouncelink/internal/pushtest"
	"bouncelink/internal/realtime"
	"bouncelink/internal/storage"
	"bouncelink/internal/wire"
)

func waitUntil(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

const configTemplate = `
server:
  url: %s
  token: secret
connection:
  heartbeat_interval: -1s
contractor:
  id: %s
storage:
  driver: file
  path: %s
  save_delay: 50ms
inspect:
  enabled: true
  addr: 127.0.0.1:0
logging:
  level: error
`

func writeConfig(t *testing.T, path, url, contractor string) {
	t.Helper()
	body := fmt.Sprintf(configTemplate, url, contractor, filepath.Join(filepath.Dir(path), "state.json"))
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
}

func stop(t *testing.T, a *App) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.Stop(ctx, StopAppStop); err != nil {
		t.Fatalf("Stop: %v", err)
	}
}

func TestAppLifecycle(t *testing.T) {
	t.Setenv(config.EnvToken, "")
	srv := pushtest.New(pushtest.Options{Token: "secret"})
	defer srv.Close()

	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.yaml")
	writeConfig(t, cfgPath, srv.URL(), "c-1")

	a, err := NewApp(cfgPath)
	if err != nil {
		t.Fatalf("NewApp: %v", err)
	}
	if err := a.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	rt := a.Realtime()

	waitUntil(t, "auto connect", func() bool { return rt.Status().IsConnected })
	if _, ok := srv.WaitReceived(wire.JoinRoom, 3*time.Second); !ok {
		t.Fatal("contractor room never joined")
	}

	if err := srv.Push(wire.TaskNew, map[string]any{"id": "t1", "priority": "high"}); err != nil {
		t.Fatal(err)
	}
	waitUntil(t, "task notification", func() bool { return rt.UnreadCount() == 1 })

	// debounced save reaches disk without a shutdown
	st, err := storage.Open(storage.Config{Driver: "file", Path: filepath.Join(dir, "state.json")}, a.log)
	if err != nil {
		t.Fatal(err)
	}
	waitUntil(t, "debounced save", func() bool {
		saved, ok, err := st.LoadState(context.Background())
		return err == nil && ok && len(saved.Notifications) == 1
	})
	_ = st.Close()

	waitUntil(t, "inspect listener", func() bool { return a.InspectAddr() != "" })
	resp, err := http.Get("http://" + a.InspectAddr() + "/health")
	if err != nil {
		t.Fatal(err)
	}
	var health map[string]any
	err = json.NewDecoder(resp.Body).Decode(&health)
	resp.Body.Close()
	if err != nil || resp.StatusCode != http.StatusOK {
		t.Fatalf("health: status %d, err %v", resp.StatusCode, err)
	}
	if _, ok := health["routines"]; !ok {
		t.Fatalf("health = %v", health)
	}

	// a reload that moves the contractor swaps rooms on the live session
	writeConfig(t, cfgPath, srv.URL(), "c-2")
	// the file watcher may get there first; either way the change lands once
	if _, err := a.cfgm.Reload(context.Background()); err != nil {
		t.Fatalf("Reload: %v", err)
	}
	env, ok := srv.WaitReceived(wire.LeaveRoom, 3*time.Second)
	if !ok {
		t.Fatal("old room never left")
	}
	if !strings.Contains(string(env.Data), "c-1") {
		t.Fatalf("leave body = %s", env.Data)
	}

	rt.SetSettings(realtime.Settings{NotificationsEnabled: false, AutoConnect: true})
	stop(t, a)

	b, err := NewApp(cfgPath)
	if err != nil {
		t.Fatalf("NewApp (restart): %v", err)
	}
	if err := b.Start(context.Background()); err != nil {
		t.Fatalf("Start (restart): %v", err)
	}
	defer stop(t, b)
	if n := b.Realtime().UnreadCount(); n != 1 {
		t.Fatalf("restored unread = %d", n)
	}
	if s := b.Realtime().Settings(); s.NotificationsEnabled {
		t.Fatalf("restored settings = %+v", s)
	}
	if b.alerts.Enabled() {
		t.Fatal("alerts enabled despite restored setting")
	}
}

func TestNewAppRejectsBadConfig(t *testing.T) {
	t.Setenv(config.EnvToken, "")
	dir := t.TempDir()
	p := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(p, []byte("server:\n  url: ws://x\nstorage:\n  driver: redis\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := NewApp(p); err == nil {
		t.Fatal("unknown storage driver accepted")
	}
	if _, err := NewApp(filepath.Join(dir, "missing.yaml")); err == nil {
		t.Fatal("missing file accepted")
	}
}

func TestStopBeforeStart(t *testing.T) {
	var a App
	if err := a.Stop(context.Background(), StopAppStop); err != nil {
		t.Fatal(err)
	}
	select {
	case <-a.Done():
	default:
		t.Fatal("Done not closed for an app that never started")
	}
}
