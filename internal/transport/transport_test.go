package transport

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"bouncelink/internal/pushtest"
	"bouncelink/internal/router"
	"bouncelink/internal/wire"
	logx "bouncelink/pkg/logx"
)

type eventLog struct {
	mu  sync.Mutex
	evs []wire.Event
	ch  chan wire.Event
}

func newEventLog(r *router.Router) *eventLog {
	l := &eventLog{ch: make(chan wire.Event, 64)}
	r.On(wire.Wildcard, func(ev wire.Event) error {
		l.mu.Lock()
		l.evs = append(l.evs, ev)
		l.mu.Unlock()
		l.ch <- ev
		return nil
	})
	return l
}

func (l *eventLog) next(t *testing.T, eventType string) wire.Event {
	t.Helper()
	timeout := time.After(3 * time.Second)
	for {
		select {
		case ev := <-l.ch:
			if ev.Type == eventType {
				return ev
			}
		case <-timeout:
			t.Fatalf("no %s event", eventType)
		}
	}
}

func newTransport(t *testing.T, url string, cfg Config) (*Transport, *eventLog) {
	t.Helper()
	cfg.URL = url
	r := router.New(logx.Nop())
	log := newEventLog(r)
	tr := New(cfg, r, wire.MustValidator(), nil, logx.Nop())
	t.Cleanup(tr.Disconnect)
	return tr, log
}

func TestConnectSendsCredentialAndDispatchesAck(t *testing.T) {
	srv := pushtest.New(pushtest.Options{Token: "secret"})
	defer srv.Close()
	tr, events := newTransport(t, srv.URL(), Config{})

	if err := tr.Connect(context.Background(), "secret"); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if !tr.IsConnected() || tr.SessionID() == "" {
		t.Fatalf("connected=%v session=%q", tr.IsConnected(), tr.SessionID())
	}
	events.next(t, wire.ConnectionEstablished)

	hs := srv.Handshakes()
	if len(hs) != 1 || hs[0].Authorization != "Bearer secret" || hs[0].QueryToken != "secret" {
		t.Fatalf("handshakes = %+v", hs)
	}
}

func TestConnectWithoutCredential(t *testing.T) {
	tr, _ := newTransport(t, "ws://127.0.0.1:1/", Config{})
	if err := tr.Connect(context.Background(), ""); !errors.Is(err, ErrAuthMissing) {
		t.Fatalf("err = %v", err)
	}
}

func TestHandshakeTimeout(t *testing.T) {
	srv := pushtest.New(pushtest.Options{Silent: true})
	defer srv.Close()
	tr, _ := newTransport(t, srv.URL(), Config{HandshakeTimeout: 150 * time.Millisecond})

	err := tr.Connect(context.Background(), "c")
	if !errors.Is(err, ErrConnection) || !errors.Is(err, ErrHandshakeTimeout) {
		t.Fatalf("err = %v", err)
	}
	if tr.IsConnected() {
		t.Fatal("connected after timeout")
	}
}

func TestServerRejection(t *testing.T) {
	srv := pushtest.New(pushtest.Options{Reject: "token expired"})
	defer srv.Close()
	tr, events := newTransport(t, srv.URL(), Config{})

	err := tr.Connect(context.Background(), "c")
	var rej *RejectedError
	if !errors.Is(err, ErrConnection) || !errors.As(err, &rej) || rej.Message != "token expired" {
		t.Fatalf("err = %v", err)
	}
	ev := events.next(t, wire.ConnectError)
	if ev.Payload.(wire.ConnectFailure).Message != "token expired" {
		t.Fatalf("payload = %+v", ev.Payload)
	}
}

func TestDialFailureIsConnectionError(t *testing.T) {
	srv := pushtest.New(pushtest.Options{Token: "right"})
	defer srv.Close()
	tr, _ := newTransport(t, srv.URL(), Config{})
	err := tr.Connect(context.Background(), "wrong")
	var ce *ConnectionError
	if !errors.As(err, &ce) || ce.Op != "dial" {
		t.Fatalf("err = %v", err)
	}
}

func TestInboundEventsAreValidated(t *testing.T) {
	srv := pushtest.New(pushtest.Options{})
	defer srv.Close()
	tr, events := newTransport(t, srv.URL(), Config{})
	if err := tr.Connect(context.Background(), "c"); err != nil {
		t.Fatal(err)
	}
	if !srv.WaitConnections(1, 2*time.Second) {
		t.Fatal("server never saw the client")
	}

	_ = srv.PushRaw(wire.TaskNew, json.RawMessage(`{"id":"undefined"}`))
	_ = srv.Push(wire.TaskNew, map[string]any{"id": "t1", "priority": "high"})

	ev := events.next(t, wire.TaskNew)
	task, ok := ev.Payload.(wire.Task)
	if !ok || task.ID != "t1" || task.Priority != "high" {
		t.Fatalf("payload = %#v", ev.Payload)
	}
	if ev.ID == "" || ev.Timestamp.IsZero() {
		t.Fatalf("event not stamped: %+v", ev)
	}
	if tr.Stats().Invalid != 1 {
		t.Fatalf("stats = %+v", tr.Stats())
	}
}

func TestEmitFramesAndAnswersPing(t *testing.T) {
	srv := pushtest.New(pushtest.Options{})
	defer srv.Close()
	tr, _ := newTransport(t, srv.URL(), Config{})

	if tr.Emit(wire.JoinRoom, wire.RoomBody{ContractorID: "c1"}) {
		t.Fatal("emit succeeded while disconnected")
	}
	if err := tr.Connect(context.Background(), "c"); err != nil {
		t.Fatal(err)
	}
	if !srv.WaitConnections(1, 2*time.Second) {
		t.Fatal("server never saw the client")
	}
	if !tr.Emit(wire.JoinRoom, wire.RoomBody{ContractorID: "c1"}) {
		t.Fatal("emit failed")
	}
	env, ok := srv.WaitReceived(wire.JoinRoom, 2*time.Second)
	if !ok {
		t.Fatal("join-room not received")
	}
	if string(env.Data) != `{"contractorId":"c1"}` || env.ID == "" || env.Timestamp.IsZero() {
		t.Fatalf("envelope = %+v", env)
	}

	_ = srv.Push(wire.Ping, wire.Heartbeat{})
	if _, ok := srv.WaitReceived(wire.Pong, 2*time.Second); !ok {
		t.Fatal("ping not answered")
	}
}

func TestServerDropDispatchesDisconnect(t *testing.T) {
	srv := pushtest.New(pushtest.Options{})
	defer srv.Close()
	tr, events := newTransport(t, srv.URL(), Config{})
	if err := tr.Connect(context.Background(), "c"); err != nil {
		t.Fatal(err)
	}
	if !srv.WaitConnections(1, 2*time.Second) {
		t.Fatal("server never saw the client")
	}
	srv.DropAll()

	ev := events.next(t, wire.Disconnect)
	if closed := ev.Payload.(wire.Closed); closed.Reason == "client disconnect" {
		t.Fatalf("closed = %+v", closed)
	}
	if tr.IsConnected() {
		t.Fatal("still connected after drop")
	}
}

func TestDisconnectIsIdempotent(t *testing.T) {
	srv := pushtest.New(pushtest.Options{})
	defer srv.Close()
	tr, events := newTransport(t, srv.URL(), Config{})
	if err := tr.Connect(context.Background(), "c"); err != nil {
		t.Fatal(err)
	}
	tr.Disconnect()
	if tr.IsConnected() {
		t.Fatal("connected after Disconnect")
	}
	tr.Disconnect()

	ev := events.next(t, wire.Disconnect)
	if ev.Payload.(wire.Closed).Reason != "client disconnect" {
		t.Fatalf("payload = %+v", ev.Payload)
	}
	select {
	case ev := <-events.ch:
		if ev.Type == wire.Disconnect {
			t.Fatal("second disconnect event")
		}
	case <-time.After(100 * time.Millisecond):
	}
}

func TestCBORCodecSession(t *testing.T) {
	codec, err := wire.NewCBORCodec()
	if err != nil {
		t.Fatal(err)
	}
	srv := pushtest.New(pushtest.Options{Codec: codec, Ack: wire.Connect})
	defer srv.Close()
	tr, events := newTransport(t, srv.URL(), Config{Codec: codec})
	if err := tr.Connect(context.Background(), "c"); err != nil {
		t.Fatal(err)
	}
	if !srv.WaitConnections(1, 2*time.Second) {
		t.Fatal("server never saw the client")
	}
	_ = srv.Push(wire.NotificationNew, wire.Notification{ID: "n1", Title: "hello"})
	ev := events.next(t, wire.NotificationNew)
	if n := ev.Payload.(wire.Notification); n.ID != "n1" || n.Title != "hello" {
		t.Fatalf("payload = %+v", n)
	}
}

func TestSetCredentialAppliesToNextHandshake(t *testing.T) {
	srv := pushtest.New(pushtest.Options{})
	defer srv.Close()
	tr, _ := newTransport(t, srv.URL(), Config{})
	if err := tr.Connect(context.Background(), "first"); err != nil {
		t.Fatal(err)
	}
	tr.SetCredential("second")
	if !tr.IsConnected() {
		t.Fatal("rotation dropped the session")
	}
	tr.Disconnect()
	if err := tr.Connect(context.Background(), ""); err != nil {
		t.Fatal(err)
	}
	hs := srv.Handshakes()
	if len(hs) != 2 || hs[1].Authorization != "Bearer second" {
		t.Fatalf("handshakes = %+v", hs)
	}
}

func TestEmitQueuesWithoutWaitingForTheSocket(t *testing.T) {
	tr := New(Config{URL: "ws://127.0.0.1:1"}, nil, wire.MustValidator(), nil, logx.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	// no writer drains this session, so a blocking Emit would hang here
	s := &session{ctx: ctx, cancel: cancel, out: make(chan outFrame, 1)}
	tr.mu.Lock()
	tr.sess = s
	tr.mu.Unlock()

	if !tr.Emit(wire.LeaveRoom, wire.RoomBody{ContractorID: "c1"}) {
		t.Fatal("first emit not queued")
	}
	if tr.Emit(wire.LeaveRoom, wire.RoomBody{ContractorID: "c2"}) {
		t.Fatal("emit queued past a full outbox")
	}
	f := <-s.out
	env, err := wire.JSONCodec{}.Decode(f.data)
	if err != nil || env.Type != wire.LeaveRoom || string(env.Data) != `{"contractorId":"c1"}` {
		t.Fatalf("queued frame = %+v, %v", env, err)
	}
	if tr.Stats().FramesOut != 0 {
		t.Fatal("queued frame counted as written")
	}

	cancel()
	if tr.Emit(wire.LeaveRoom, nil) {
		t.Fatal("emit queued on an ended session")
	}
}
