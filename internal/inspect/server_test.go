package inspect

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"bouncelink/internal/connection"
	"bouncelink/internal/notifications"
	"bouncelink/internal/realtime"
	"bouncelink/internal/wire"
	logx "bouncelink/pkg/logx"
)

type fakeBackend struct {
	mu         sync.Mutex
	connected  bool
	connectErr error
	items      []notifications.Notification
	history    []wire.Event
	settings   realtime.Settings
	location   [2]float64
	rooms      []string
}

func (f *fakeBackend) Status() connection.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	return connection.Status{IsConnected: f.connected}
}

func (f *fakeBackend) Connect(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.connectErr != nil {
		return f.connectErr
	}
	f.connected = true
	return nil
}

func (f *fakeBackend) Disconnect() {
	f.mu.Lock()
	f.connected = false
	f.mu.Unlock()
}

func (f *fakeBackend) UpdateLocation(lat, lon float64) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.location = [2]float64{lat, lon}
	return f.connected
}

func (f *fakeBackend) JoinRoom(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rooms = append(f.rooms, "join "+id)
	return true
}

func (f *fakeBackend) LeaveRoom(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rooms = append(f.rooms, "leave "+id)
	return true
}

func (f *fakeBackend) Notifications() []notifications.Notification {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]notifications.Notification(nil), f.items...)
}

func (f *fakeBackend) UnreadCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, it := range f.items {
		if !it.IsRead {
			n++
		}
	}
	return n
}

func (f *fakeBackend) History() []wire.Event { return f.history }

func (f *fakeBackend) MarkRead(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range f.items {
		if f.items[i].ID == id && !f.items[i].IsRead {
			f.items[i].IsRead = true
			return true
		}
	}
	return false
}

func (f *fakeBackend) MarkAllRead() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for i := range f.items {
		if !f.items[i].IsRead {
			f.items[i].IsRead = true
			n++
		}
	}
	return n
}

func (f *fakeBackend) Remove(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range f.items {
		if f.items[i].ID == id {
			f.items = append(f.items[:i], f.items[i+1:]...)
			return true
		}
	}
	return false
}

func (f *fakeBackend) Clear() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := len(f.items)
	f.items = nil
	return n
}

func (f *fakeBackend) Settings() realtime.Settings {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.settings
}

func (f *fakeBackend) SetSettings(s realtime.Settings) {
	f.mu.Lock()
	f.settings = s
	f.mu.Unlock()
}

func newBackend() *fakeBackend {
	return &fakeBackend{
		items: []notifications.Notification{
			{ID: "n1", Title: "one", Priority: wire.PriorityHigh},
			{ID: "n2", Title: "two", Priority: wire.PriorityLow},
		},
		history:  []wire.Event{{Type: wire.TaskNew, ID: "e1", Payload: wire.Task{ID: "t1"}}},
		settings: realtime.Settings{NotificationsEnabled: true, AutoConnect: true},
	}
}

func call(t *testing.T, h http.Handler, method, target, body string, hdr ...string) (int, string) {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, rd)
	for i := 0; i+1 < len(hdr); i += 2 {
		req.Header.Set(hdr[i], hdr[i+1])
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec.Code, rec.Body.String()
}

func TestRoutes(t *testing.T) {
	b := newBackend()
	h := New(Config{}, b, func() any { return []string{"worker"} }, logx.Nop()).Handler()

	cases := []struct {
		method, target, body string
		code                 int
		contains             string
	}{
		{"GET", "/health", "", 200, `"routines":["worker"]`},
		{"GET", "/status", "", 200, `"isConnected":false`},
		{"GET", "/events", "", 200, `"type":"task:new"`},
		{"GET", "/notifications?limit=1", "", 200, `"unread":2`},
		{"GET", "/notifications?limit=x", "", 400, "limit"},
		{"POST", "/notifications/n1/read", "", 200, `"changed":true`},
		{"POST", "/notifications/n1/read", "", 200, `"changed":false`},
		{"POST", "/notifications/read-all", "", 200, `"marked":1`},
		{"DELETE", "/notifications/n2", "", 204, ""},
		{"DELETE", "/notifications/n2", "", 404, "no such"},
		{"POST", "/connect", "", 200, `"isConnected":true`},
		{"POST", "/location", `{"lat":45.5,"lon":-73.6}`, 200, `"sent":true`},
		{"POST", "/location", `{"lat":95,"lon":0}`, 400, "lat"},
		{"POST", "/location", `{"lat":1,"lon":1,"alt":3}`, 400, "invalid body"},
		{"POST", "/rooms/c-1/join", "", 200, `"sent":true`},
		{"POST", "/rooms/c-1/leave", "", 200, `"sent":true`},
		{"POST", "/disconnect", "", 204, ""},
		{"GET", "/settings", "", 200, `"notificationsEnabled":true`},
		{"POST", "/settings", `{"notificationsEnabled":false}`, 200, `"notificationsEnabled":false,"autoConnect":true`},
		{"DELETE", "/notifications", "", 200, `"cleared":1`},
		{"PUT", "/status", "", 405, ""},
	}
	for _, tc := range cases {
		code, body := call(t, h, tc.method, tc.target, tc.body)
		if code != tc.code || !strings.Contains(body, tc.contains) {
			t.Fatalf("%s %s = %d %s, want %d containing %q", tc.method, tc.target, code, body, tc.code, tc.contains)
		}
	}

	if b.location != [2]float64{45.5, -73.6} {
		t.Fatalf("location = %v", b.location)
	}
	if strings.Join(b.rooms, ",") != "join c-1,leave c-1" {
		t.Fatalf("rooms = %v", b.rooms)
	}
	if b.settings.NotificationsEnabled || !b.settings.AutoConnect {
		t.Fatalf("settings = %+v", b.settings)
	}
}

func TestConnectErrors(t *testing.T) {
	b := newBackend()
	h := New(Config{}, b, nil, logx.Nop()).Handler()

	b.connectErr = connection.ErrAuthMissing
	if code, _ := call(t, h, "POST", "/connect", ""); code != http.StatusConflict {
		t.Fatalf("auth missing -> %d", code)
	}
	b.connectErr = errors.New("dial refused")
	if code, body := call(t, h, "POST", "/connect", ""); code != http.StatusBadGateway || !strings.Contains(body, "dial refused") {
		t.Fatalf("dial error -> %d %s", code, body)
	}
}

func TestTokenRequired(t *testing.T) {
	h := New(Config{Token: "s3cret"}, newBackend(), nil, logx.Nop()).Handler()

	if code, _ := call(t, h, "GET", "/status", ""); code != http.StatusUnauthorized {
		t.Fatalf("no token -> %d", code)
	}
	if code, _ := call(t, h, "GET", "/status", "", "Authorization", "Bearer nope"); code != http.StatusUnauthorized {
		t.Fatalf("wrong token -> %d", code)
	}
	if code, _ := call(t, h, "GET", "/status", "", "Authorization", "Bearer s3cret"); code != http.StatusOK {
		t.Fatalf("bearer token -> %d", code)
	}
	if code, _ := call(t, h, "GET", "/status?token=s3cret", ""); code != http.StatusOK {
		t.Fatalf("query token -> %d", code)
	}
}

func TestPprofMountedOnlyWhenEnabled(t *testing.T) {
	off := New(Config{}, newBackend(), nil, logx.Nop()).Handler()
	if code, _ := call(t, off, "GET", "/debug/pprof/", ""); code != http.StatusNotFound {
		t.Fatalf("pprof off -> %d", code)
	}
	on := New(Config{Pprof: true}, newBackend(), nil, logx.Nop()).Handler()
	if code, _ := call(t, on, "GET", "/debug/pprof/", ""); code != http.StatusOK {
		t.Fatalf("pprof on -> %d", code)
	}
}

func TestStartServesAndStops(t *testing.T) {
	s := New(Config{Enabled: true, Addr: "127.0.0.1:0"}, newBackend(), nil, logx.Nop())
	s.Start(context.Background())

	deadline := time.Now().Add(3 * time.Second)
	for s.Addr() == "" {
		if time.Now().After(deadline) {
			t.Fatal("server never bound")
		}
		time.Sleep(5 * time.Millisecond)
	}
	resp, err := http.Get("http://" + s.Addr() + "/health")
	if err != nil {
		t.Fatal(err)
	}
	var body map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&body)
	resp.Body.Close()
	if body["ok"] != true {
		t.Fatalf("health = %v", body)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	s.Stop(ctx)
	if s.Addr() != "" {
		t.Fatal("address still reported after stop")
	}
}

func TestRefusesInsecureBind(t *testing.T) {
	s := New(Config{Enabled: true, Addr: "0.0.0.0:0"}, newBackend(), nil, logx.Nop())
	if err := s.serveOnce(context.Background()); err == nil || !strings.Contains(err.Error(), "insecure") {
		t.Fatalf("err = %v", err)
	}
}

func TestIsLoopbackAddr(t *testing.T) {
	for addr, want := range map[string]bool{
		"127.0.0.1:7070": true,
		"localhost:1":    true,
		"[::1]:80":       true,
		":7070":          false,
		"0.0.0.0:7070":   false,
		"10.0.0.5:7070":  false,
		"nonsense":       false,
	} {
		if got := isLoopbackAddr(addr); got != want {
			t.Errorf("isLoopbackAddr(%q) = %v", addr, got)
		}
	}
}
