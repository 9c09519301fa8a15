package connection

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"bouncelink/internal/clock"
	"bouncelink/internal/router"
	"bouncelink/internal/wire"
	logx "bouncelink/pkg/logx"
)

// fakeTransport records calls and lets tests fire transport events.
type fakeTransport struct {
	clk *clock.FakeClock

	mu        sync.Mutex
	fail      error
	connected bool
	creds     []string
	dialedAt  []time.Duration
	emitted   []string
	r         *router.Router

	// with gate set, Connect signals entered and holds until gate closes
	gate    chan struct{}
	entered chan struct{}
}

func newFakeTransport(clk *clock.FakeClock) *fakeTransport {
	return &fakeTransport{clk: clk, r: router.New(logx.Nop())}
}

var epoch = time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)

func (f *fakeTransport) Connect(_ context.Context, cred string) error {
	f.mu.Lock()
	f.creds = append(f.creds, cred)
	f.dialedAt = append(f.dialedAt, f.clk.Now().Sub(epoch))
	gate, entered := f.gate, f.entered
	f.mu.Unlock()
	if gate != nil {
		select {
		case entered <- struct{}{}:
		default:
		}
		<-gate
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return f.fail
	}
	f.connected = true
	return nil
}

func (f *fakeTransport) Disconnect() {
	f.mu.Lock()
	f.connected = false
	f.mu.Unlock()
}

func (f *fakeTransport) Emit(eventType string, _ any) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.connected {
		return false
	}
	f.emitted = append(f.emitted, eventType)
	return true
}

func (f *fakeTransport) On(eventType string, h router.Handler) func() {
	return f.r.On(eventType, h).Unsubscribe
}

func (f *fakeTransport) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeTransport) SetCredential(string) {}

func (f *fakeTransport) setFail(err error) {
	f.mu.Lock()
	f.fail = err
	f.mu.Unlock()
}

// hold makes the next handshakes block until the returned func is called.
func (f *fakeTransport) hold() (entered <-chan struct{}, release func()) {
	gate := make(chan struct{})
	ch := make(chan struct{}, 1)
	f.mu.Lock()
	f.gate, f.entered = gate, ch
	f.mu.Unlock()
	return ch, func() { close(gate) }
}

// drop simulates the socket going away underneath the supervisor.
func (f *fakeTransport) drop() {
	f.mu.Lock()
	f.connected = false
	f.mu.Unlock()
	f.r.Dispatch(wire.Disconnect, wire.Closed{Reason: "transport close"})
}

func (f *fakeTransport) dials() []time.Duration {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]time.Duration(nil), f.dialedAt...)
}

func (f *fakeTransport) emits() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.emitted...)
}

func newSupervisor(t *testing.T, cfg Config) (*Supervisor, *fakeTransport, *clock.FakeClock) {
	t.Helper()
	clk := clock.Fake(epoch)
	tr := newFakeTransport(clk)
	s := New(cfg, tr, WithClock(clk))
	t.Cleanup(s.Close)
	return s, tr, clk
}

func TestConnectRequiresCredential(t *testing.T) {
	s, tr, _ := newSupervisor(t, Config{})
	if err := s.Connect(context.Background()); !errors.Is(err, ErrAuthMissing) {
		t.Fatalf("err = %v", err)
	}
	if len(tr.dials()) != 0 {
		t.Fatal("dialed without credential")
	}
	if s.Status().Err != ErrAuthMissing {
		t.Fatalf("status = %+v", s.Status())
	}
}

func TestConnectSuccess(t *testing.T) {
	s, tr, _ := newSupervisor(t, Config{})
	var seen []Status
	s.OnStatusChange(func(st Status) { seen = append(seen, st) })
	s.SetCredential("tok", false)

	if err := s.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	st := s.Status()
	if !st.IsConnected || st.IsConnecting || st.LastConnectedAt == nil || st.Error != "" {
		t.Fatalf("status = %+v", st)
	}
	if len(seen) != 2 || !seen[0].IsConnecting || !seen[1].IsConnected {
		t.Fatalf("listener saw %+v", seen)
	}
	for _, st := range seen {
		if st.IsConnected && st.IsConnecting {
			t.Fatalf("both flags set: %+v", st)
		}
	}
	if tr.creds[0] != "tok" {
		t.Fatalf("creds = %v", tr.creds)
	}
}

func TestReconnectBackoffThenGiveUp(t *testing.T) {
	s, tr, clk := newSupervisor(t, Config{ReconnectInterval: time.Second, MaxReconnectAttempts: 4})
	s.SetCredential("tok", false)
	tr.setFail(errors.New("refused"))

	if err := s.Connect(context.Background()); err == nil {
		t.Fatal("expected failure")
	}
	for _, step := range []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second} {
		if p := clk.Pending(); len(p) != 1 || p[0] != step {
			t.Fatalf("pending = %v, want [%v]", p, step)
		}
		clk.Advance(step)
	}

	want := "[0s 1s 3s 7s 15s]"
	if got := fmt.Sprint(tr.dials()); got != want {
		t.Fatalf("dials at %s, want %s", got, want)
	}
	if p := clk.Pending(); len(p) != 0 {
		t.Fatalf("still scheduled: %v", p)
	}
	st := s.Status()
	if !errors.Is(st.Err, ErrMaxReconnectAttempts) || st.Error != "max reconnection attempts reached" {
		t.Fatalf("status = %+v", st)
	}
	clk.Advance(time.Hour)
	if len(tr.dials()) != 5 {
		t.Fatalf("dialed again after giving up: %v", tr.dials())
	}

	// Connect resets the budget.
	tr.setFail(nil)
	if err := s.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	if st := s.Status(); st.ReconnectAttempts != 0 || st.Err != nil {
		t.Fatalf("status after reset = %+v", st)
	}
}

func TestDropSchedulesReconnect(t *testing.T) {
	s, tr, clk := newSupervisor(t, Config{HeartbeatInterval: -1})
	s.SetCredential("tok", false)
	if err := s.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	tr.drop()
	st := s.Status()
	if st.IsConnected || st.LastDisconnectedAt == nil || !st.ReconnectScheduled {
		t.Fatalf("status = %+v", st)
	}
	clk.Advance(DefaultReconnectInterval)
	if !s.IsConnected() || len(tr.dials()) != 2 {
		t.Fatalf("not reconnected: %+v dials=%v", s.Status(), tr.dials())
	}
}

func TestManualDisconnectSuppressesReconnect(t *testing.T) {
	s, tr, clk := newSupervisor(t, Config{})
	s.SetCredential("tok", false)
	if err := s.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	s.Disconnect()
	tr.drop()

	if p := clk.Pending(); len(p) != 0 {
		t.Fatalf("timers left after Disconnect: %v", p)
	}
	clk.Advance(time.Hour)
	if len(tr.dials()) != 1 || s.IsConnected() {
		t.Fatalf("reconnected: dials=%v", tr.dials())
	}
}

func TestDisconnectCancelsPendingReconnect(t *testing.T) {
	s, tr, clk := newSupervisor(t, Config{})
	s.SetCredential("tok", false)
	tr.setFail(errors.New("refused"))
	_ = s.Connect(context.Background())
	if len(clk.Pending()) != 1 {
		t.Fatal("no reconnect scheduled")
	}
	s.Disconnect()
	if p := clk.Pending(); len(p) != 0 {
		t.Fatalf("pending = %v", p)
	}
}

func TestHeartbeat(t *testing.T) {
	s, tr, clk := newSupervisor(t, Config{HeartbeatInterval: 30 * time.Second})
	s.SetCredential("tok", false)
	if err := s.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	clk.Advance(30 * time.Second)
	clk.Advance(30 * time.Second)
	if got := fmt.Sprint(tr.emits()); got != "[ping ping]" {
		t.Fatalf("emitted %s", got)
	}

	tr.r.Dispatch(wire.Pong, wire.Heartbeat{})
	if s.Status().LastPongAt == nil {
		t.Fatal("pong not recorded")
	}

	s.Disconnect()
	clk.Advance(time.Minute)
	if len(tr.emits()) != 2 {
		t.Fatalf("heartbeat survived disconnect: %v", tr.emits())
	}
}

func TestOutboundHelpers(t *testing.T) {
	s, tr, _ := newSupervisor(t, Config{HeartbeatInterval: -1})
	if s.JoinRoom("c1") || s.UpdateLocation(1, 2) {
		t.Fatal("emitted while disconnected")
	}
	s.SetCredential("tok", false)
	if err := s.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	s.JoinRoom("c1")
	s.UpdateLocation(52.5, 13.4)
	s.LeaveRoom("c1")
	want := "[contractor:join-room contractor:location-update contractor:leave-room]"
	if got := fmt.Sprint(tr.emits()); got != want {
		t.Fatalf("emitted %s", got)
	}
}

func TestPanickingListenerIsContained(t *testing.T) {
	s, _, _ := newSupervisor(t, Config{})
	calls := 0
	s.OnStatusChange(func(Status) { panic("listener bug") })
	detach := s.OnStatusChange(func(Status) { calls++ })
	s.SetCredential("tok", false)
	if err := s.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	if calls != 2 {
		t.Fatalf("calls = %d", calls)
	}
	detach()
	s.Disconnect()
	if calls != 2 {
		t.Fatalf("detached listener called: %d", calls)
	}
}

func TestEmptyCredentialDisconnects(t *testing.T) {
	s, _, _ := newSupervisor(t, Config{})
	s.SetCredential("tok", false)
	if err := s.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	s.SetCredential("", false)
	if s.IsConnected() {
		t.Fatal("still connected after logout")
	}
}

func TestConnectWaitsForHandshakeInFlight(t *testing.T) {
	s, tr, _ := newSupervisor(t, Config{})
	s.SetCredential("tok", false)
	refused := errors.New("refused")
	tr.setFail(refused)
	entered, release := tr.hold()

	first := make(chan error, 1)
	go func() { first <- s.Connect(context.Background()) }()
	<-entered
	if !s.Status().IsConnecting {
		t.Fatalf("status = %+v", s.Status())
	}

	second := make(chan error, 1)
	go func() { second <- s.Connect(context.Background()) }()
	select {
	case err := <-second:
		t.Fatalf("second Connect returned %v before the handshake resolved", err)
	case <-time.After(50 * time.Millisecond):
	}

	canceled, cancel := context.WithCancel(context.Background())
	cancel()
	if err := s.Connect(canceled); !errors.Is(err, context.Canceled) {
		t.Fatalf("canceled waiter err = %v", err)
	}

	release()
	for name, ch := range map[string]chan error{"first": first, "second": second} {
		select {
		case err := <-ch:
			if !errors.Is(err, refused) {
				t.Fatalf("%s Connect err = %v, want refused", name, err)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("%s Connect never returned", name)
		}
	}
	if s.IsConnected() {
		t.Fatal("connected after a refused handshake")
	}
}

func TestStaleStatusIsNotDelivered(t *testing.T) {
	s, _, _ := newSupervisor(t, Config{})
	var seen []Status
	s.OnStatusChange(func(st Status) { seen = append(seen, st) })

	s.mu.Lock()
	s.status.IsConnected = true
	older := s.snapLocked()
	s.status.IsConnected = false
	newer := s.snapLocked()
	s.mu.Unlock()

	// the drop is reported before the connect that preceded it
	s.emit(newer)
	s.emit(older)
	if len(seen) != 1 || seen[0].IsConnected {
		t.Fatalf("listener saw %+v", seen)
	}
}

func TestListenerTransitionsAreDeliveredInOrder(t *testing.T) {
	s, _, _ := newSupervisor(t, Config{})
	var seen []Status
	s.OnStatusChange(func(st Status) {
		seen = append(seen, st)
		if st.IsConnected {
			s.Disconnect()
		}
	})
	s.SetCredential("tok", false)
	if err := s.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	if len(seen) != 3 || !seen[0].IsConnecting || !seen[1].IsConnected || seen[2].IsConnected || seen[2].IsConnecting {
		t.Fatalf("listener saw %+v", seen)
	}
	if s.IsConnected() {
		t.Fatal("still connected after the listener disconnected")
	}
}
