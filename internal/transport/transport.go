// Package transport owns the single websocket session with the push
// server. It frames outbound events, validates and decodes inbound ones,
// and hands them to the router. It never retries; reconnection policy
// lives in the connection supervisor.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"bouncelink/internal/router"
	"bouncelink/internal/wire"
	logx "bouncelink/pkg/logx"

	"nhooyr.io/websocket"
)

const (
	DefaultHandshakeTimeout = 10 * time.Second
	DefaultWriteTimeout     = 5 * time.Second
	DefaultReadLimit        = 1 << 20

	// frames received before the acknowledgement are replayed after it
	maxEarlyFrames = 64
	// outbound frames queued per session; Emit drops beyond this
	outboxSize = 64
)

type Config struct {
	URL              string
	Codec            wire.Codec
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	ReadLimit        int64
	// Header is sent with every handshake in addition to Authorization.
	Header     http.Header
	HTTPClient *http.Client
}

// Spawner starts the read loop. *routine.Group satisfies it.
type Spawner interface {
	Go(name string, fn func(ctx context.Context) error)
}

type goSpawner struct{}

func (goSpawner) Go(_ string, fn func(ctx context.Context) error) {
	go func() { _ = fn(context.Background()) }()
}

// Stats is a counter snapshot.
type Stats struct {
	FramesIn  uint64 `json:"frames_in"`
	FramesOut uint64 `json:"frames_out"`
	Invalid   uint64 `json:"invalid"`
	Sessions  uint64 `json:"sessions"`
}

type session struct {
	conn      *websocket.Conn
	ctx       context.Context
	cancel    context.CancelFunc
	id        string
	startedAt time.Time
	out       chan outFrame
}

type outFrame struct {
	event string
	typ   websocket.MessageType
	data  []byte
}

type Transport struct {
	cfg       Config
	log       logx.Logger
	router    *router.Router
	validator *wire.Validator
	spawn     Spawner
	now       func() time.Time

	mu   sync.Mutex
	cred string
	sess *session

	framesIn  atomic.Uint64
	framesOut atomic.Uint64
	invalid   atomic.Uint64
	sessions  atomic.Uint64
}

// New builds a disconnected transport. Inbound events are dispatched into
// r; spawn runs the read loop and may be nil.
func New(cfg Config, r *router.Router, v *wire.Validator, spawn Spawner, log logx.Logger) *Transport {
	if cfg.Codec == nil {
		cfg.Codec = wire.JSONCodec{}
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = DefaultWriteTimeout
	}
	if cfg.ReadLimit <= 0 {
		cfg.ReadLimit = DefaultReadLimit
	}
	if spawn == nil {
		spawn = goSpawner{}
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	if r == nil {
		r = router.New(log)
	}
	return &Transport{
		cfg:       cfg,
		log:       log,
		router:    r,
		validator: v,
		spawn:     spawn,
		now:       time.Now,
	}
}

// SetCredential replaces the credential used by the next handshake. The
// live session, if any, is left alone.
func (t *Transport) SetCredential(cred string) {
	t.mu.Lock()
	t.cred = cred
	t.mu.Unlock()
}

func (t *Transport) IsConnected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sess != nil
}

// SessionID is the id the server assigned to the live session, if any.
func (t *Transport) SessionID() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.sess == nil {
		return ""
	}
	return t.sess.id
}

// On registers h for eventType and returns a function that detaches it.
func (t *Transport) On(eventType string, h router.Handler) func() {
	sub := t.router.On(eventType, h)
	return sub.Unsubscribe
}

// Connect dials the server and waits for its acknowledgement. A non-empty
// credential replaces the stored one first. Connecting while a session is
// live is a no-op.
func (t *Transport) Connect(ctx context.Context, credential string) error {
	t.mu.Lock()
	if t.sess != nil {
		t.mu.Unlock()
		return nil
	}
	if credential != "" {
		t.cred = credential
	}
	cred := t.cred
	t.mu.Unlock()
	if cred == "" {
		return ErrAuthMissing
	}

	u, err := dialURL(t.cfg.URL, cred)
	if err != nil {
		return &ConnectionError{Op: "dial", Err: err}
	}
	hdr := http.Header{}
	for k, vs := range t.cfg.Header {
		hdr[k] = append([]string(nil), vs...)
	}
	hdr.Set("Authorization", "Bearer "+cred)

	hctx, cancel := context.WithTimeout(ctx, t.cfg.HandshakeTimeout)
	defer cancel()

	conn, _, err := websocket.Dial(hctx, u, &websocket.DialOptions{
		HTTPClient: t.cfg.HTTPClient,
		HTTPHeader: hdr,
	})
	if err != nil {
		return handshakeErr(ctx, hctx, "dial", err)
	}
	conn.SetReadLimit(t.cfg.ReadLimit)

	ack, early, err := t.awaitAck(hctx, conn)
	if err != nil {
		_ = conn.CloseNow()
		var rej *RejectedError
		if errors.As(err, &rej) {
			return &ConnectionError{Op: "handshake", Err: err}
		}
		return handshakeErr(ctx, hctx, "handshake", err)
	}

	sctx, scancel := context.WithCancel(context.Background())
	s := &session{
		conn:      conn,
		ctx:       sctx,
		cancel:    scancel,
		id:        sessionID(ack),
		startedAt: t.now(),
		out:       make(chan outFrame, outboxSize),
	}

	t.mu.Lock()
	if t.sess != nil {
		// A concurrent Connect won the race.
		t.mu.Unlock()
		scancel()
		_ = conn.Close(websocket.StatusNormalClosure, "superseded")
		return nil
	}
	t.sess = s
	t.mu.Unlock()
	t.sessions.Add(1)

	t.log.Info("session established", logx.String("session", s.id), logx.String("codec", t.cfg.Codec.Name()))
	t.router.DispatchEvent(ack)
	for _, ev := range early {
		t.deliver(ev)
	}
	t.spawn.Go("transport.write", func(gctx context.Context) error {
		t.writeLoop(gctx, s)
		return nil
	})
	t.spawn.Go("transport.read", func(gctx context.Context) error {
		t.readLoop(gctx, s)
		return nil
	})
	return nil
}

func handshakeErr(parent, hctx context.Context, op string, err error) error {
	if parent.Err() == nil && errors.Is(hctx.Err(), context.DeadlineExceeded) {
		return &ConnectionError{Op: op, Err: ErrHandshakeTimeout}
	}
	return &ConnectionError{Op: op, Err: err}
}

func dialURL(raw, cred string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "", err
	}
	if u.Host == "" {
		return "", errors.New("server url has no host")
	}
	q := u.Query()
	q.Set("token", cred)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func sessionID(ack wire.Event) string {
	switch p := ack.Payload.(type) {
	case wire.ConnectAck:
		return p.SessionID
	case wire.Established:
		return p.SessionID
	}
	return ""
}

// awaitAck reads until the server acknowledges or rejects the session.
func (t *Transport) awaitAck(ctx context.Context, conn *websocket.Conn) (wire.Event, []wire.Event, error) {
	var early []wire.Event
	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			return wire.Event{}, nil, err
		}
		ev, ok := t.decode(typ, data)
		if !ok {
			continue
		}
		switch ev.Type {
		case wire.Connect, wire.ConnectionEstablished:
			return ev, early, nil
		case wire.ConnectError:
			t.router.DispatchEvent(ev)
			msg := ""
			if f, ok := ev.Payload.(wire.ConnectFailure); ok {
				msg = f.Message
			}
			return wire.Event{}, nil, &RejectedError{Message: msg}
		default:
			if len(early) < maxEarlyFrames {
				early = append(early, ev)
			}
		}
	}
}

func (t *Transport) readLoop(gctx context.Context, s *session) {
	stop := context.AfterFunc(gctx, s.cancel)
	defer stop()
	for {
		typ, data, err := s.conn.Read(s.ctx)
		if err != nil {
			t.lost(s, err)
			return
		}
		if ev, ok := t.decode(typ, data); ok {
			t.deliver(ev)
		}
	}
}

// writeLoop drains the session outbox in order. Frames still queued when
// the session ends are discarded.
func (t *Transport) writeLoop(gctx context.Context, s *session) {
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-gctx.Done():
			return
		case f := <-s.out:
			wctx, cancel := context.WithTimeout(s.ctx, t.cfg.WriteTimeout)
			err := s.conn.Write(wctx, f.typ, f.data)
			cancel()
			if err != nil {
				t.log.Warn("emit failed", logx.String("event", f.event), logx.Err(err))
				continue
			}
			t.framesOut.Add(1)
		}
	}
}

// decode turns one websocket message into an event. Malformed frames and
// payloads that fail validation are logged and dropped.
func (t *Transport) decode(typ websocket.MessageType, data []byte) (wire.Event, bool) {
	t.framesIn.Add(1)
	if (typ == websocket.MessageBinary) != t.cfg.Codec.Binary() {
		t.invalid.Add(1)
		t.log.Warn("frame type does not match codec", logx.String("codec", t.cfg.Codec.Name()), logx.String("frame", typ.String()))
		return wire.Event{}, false
	}
	env, err := t.cfg.Codec.Decode(data)
	if err != nil {
		t.invalid.Add(1)
		t.log.Warn("undecodable frame dropped", logx.Err(err))
		return wire.Event{}, false
	}
	p, err := t.validator.DecodePayload(env.Type, env.Data)
	if err != nil {
		t.invalid.Add(1)
		t.log.Warn("invalid payload dropped", logx.String("event", env.Type), logx.Err(err))
		return wire.Event{}, false
	}
	ev := wire.Event{Type: env.Type, Payload: p, Timestamp: env.Timestamp, ID: env.ID}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = t.now()
	}
	if ev.ID == "" {
		ev.ID = wire.NewEventID()
	}
	return ev, true
}

func (t *Transport) deliver(ev wire.Event) {
	t.router.DispatchEvent(ev)
	if ev.Type == wire.Ping {
		t.Emit(wire.Pong, wire.Heartbeat{Timestamp: wire.FormatTime(t.now())})
	}
}

// lost handles a read failure. Only the current session reports a drop;
// a session already torn down by Disconnect stays silent.
func (t *Transport) lost(s *session, err error) {
	t.mu.Lock()
	current := t.sess == s
	if current {
		t.sess = nil
	}
	t.mu.Unlock()
	s.cancel()
	_ = s.conn.CloseNow()
	if !current {
		return
	}

	closed := wire.Closed{Reason: "transport error", Error: err.Error()}
	if code := websocket.CloseStatus(err); code != -1 {
		closed.Reason = "server close"
		closed.Error = code.String()
	}
	t.log.Warn("session lost", logx.String("session", s.id), logx.String("reason", closed.Reason), logx.String("detail", closed.Error))
	t.router.Dispatch(wire.Disconnect, closed)
}

// Disconnect closes the session immediately. It is idempotent; after it
// returns IsConnected reports false.
func (t *Transport) Disconnect() {
	t.mu.Lock()
	s := t.sess
	t.sess = nil
	t.mu.Unlock()
	if s == nil {
		return
	}
	s.cancel()
	_ = s.conn.CloseNow()
	t.log.Info("session closed", logx.String("session", s.id), logx.Duration("uptime", t.now().Sub(s.startedAt)))
	t.router.Dispatch(wire.Disconnect, wire.Closed{Reason: "client disconnect"})
}

// Emit queues one event for the session writer and returns without
// waiting for socket I/O. It is best effort: while disconnected, or when
// the outbox is full, the event is logged and discarded. It reports
// whether the frame was queued; write failures are only logged.
func (t *Transport) Emit(eventType string, data any) bool {
	t.mu.Lock()
	s := t.sess
	t.mu.Unlock()
	if s == nil || s.ctx.Err() != nil {
		t.log.Debug("emit while disconnected", logx.String("event", eventType))
		return false
	}

	var raw json.RawMessage
	if data != nil {
		b, err := json.Marshal(data)
		if err != nil {
			t.log.Warn("emit payload not encodable", logx.String("event", eventType), logx.Err(err))
			return false
		}
		raw = b
	}
	frame, err := t.cfg.Codec.Encode(wire.Envelope{
		Type:      eventType,
		Data:      raw,
		Timestamp: t.now(),
		ID:        wire.NewEventID(),
	})
	if err != nil {
		t.log.Warn("emit frame not encodable", logx.String("event", eventType), logx.Err(err))
		return false
	}

	f := outFrame{event: eventType, typ: websocket.MessageText, data: frame}
	if t.cfg.Codec.Binary() {
		f.typ = websocket.MessageBinary
	}
	select {
	case s.out <- f:
		return true
	default:
		t.log.Warn("emit outbox full; frame dropped", logx.String("event", eventType))
		return false
	}
}

func (t *Transport) Stats() Stats {
	return Stats{
		FramesIn:  t.framesIn.Load(),
		FramesOut: t.framesOut.Load(),
		Invalid:   t.invalid.Load(),
		Sessions:  t.sessions.Load(),
	}
}
