// Package pushtest is an in-process push server for tests. It speaks the
// same envelope protocol as the production server closely enough to drive
// the transport and the supervisor end to end.
package pushtest

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"time"

	"bouncelink/internal/wire"

	"nhooyr.io/websocket"
)

type Options struct {
	// Codec defaults to JSON.
	Codec wire.Codec
	// Ack is the acknowledgement event type; empty means
	// connection:established.
	Ack string
	// Token, when set, is the only credential accepted.
	Token string
	// Reject answers every handshake with connect_error carrying this
	// message.
	Reject string
	// Silent never acknowledges, so clients hit their handshake timeout.
	Silent bool
}

// Handshake records what a client presented when it connected.
type Handshake struct {
	Authorization string
	QueryToken    string
}

type Server struct {
	opts Options
	srv  *httptest.Server

	mu         sync.Mutex
	peers      map[*websocket.Conn]struct{}
	handshakes []Handshake
	received   []wire.Envelope
	changed    chan struct{}
}

func New(opts Options) *Server {
	if opts.Codec == nil {
		opts.Codec = wire.JSONCodec{}
	}
	if opts.Ack == "" {
		opts.Ack = wire.ConnectionEstablished
	}
	s := &Server{opts: opts, peers: map[*websocket.Conn]struct{}{}, changed: make(chan struct{})}
	s.srv = httptest.NewServer(http.HandlerFunc(s.serve))
	return s
}

// URL is the websocket endpoint.
func (s *Server) URL() string { return "ws" + strings.TrimPrefix(s.srv.URL, "http") }

func (s *Server) Close() {
	s.DropAll()
	s.srv.Close()
}

func (s *Server) notify() {
	close(s.changed)
	s.changed = make(chan struct{})
}

// waitFor polls cond under the lock until it holds or timeout elapses.
func (s *Server) waitFor(timeout time.Duration, cond func() bool) bool {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	for {
		s.mu.Lock()
		ok := cond()
		ch := s.changed
		s.mu.Unlock()
		if ok {
			return true
		}
		select {
		case <-ch:
		case <-deadline.C:
			return false
		}
	}
}

func (s *Server) serve(w http.ResponseWriter, r *http.Request) {
	hs := Handshake{Authorization: r.Header.Get("Authorization"), QueryToken: r.URL.Query().Get("token")}
	s.mu.Lock()
	s.handshakes = append(s.handshakes, hs)
	s.notify()
	s.mu.Unlock()

	if s.opts.Token != "" && hs.Authorization != "Bearer "+s.opts.Token {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	ctx := r.Context()

	switch {
	case s.opts.Reject != "":
		_ = s.write(ctx, conn, wire.ConnectError, wire.ConnectFailure{Message: s.opts.Reject})
		_ = conn.Close(websocket.StatusPolicyViolation, "rejected")
		return
	case !s.opts.Silent:
		if err := s.write(ctx, conn, s.opts.Ack, wire.Established{SessionID: "sess-" + wire.NewEventID()[:8]}); err != nil {
			_ = conn.CloseNow()
			return
		}
	}

	s.mu.Lock()
	s.peers[conn] = struct{}{}
	s.notify()
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.peers, conn)
		s.notify()
		s.mu.Unlock()
		_ = conn.CloseNow()
	}()

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		env, err := s.opts.Codec.Decode(data)
		if err != nil {
			continue
		}
		s.mu.Lock()
		s.received = append(s.received, env)
		s.notify()
		s.mu.Unlock()
		if env.Type == wire.Ping {
			_ = s.write(ctx, conn, wire.Pong, wire.Heartbeat{Timestamp: wire.FormatTime(time.Now())})
		}
	}
}

func (s *Server) write(ctx context.Context, conn *websocket.Conn, eventType string, data any) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return err
	}
	return s.writeRaw(ctx, conn, eventType, raw)
}

func (s *Server) writeRaw(ctx context.Context, conn *websocket.Conn, eventType string, raw json.RawMessage) error {
	frame, err := s.opts.Codec.Encode(wire.Envelope{Type: eventType, Data: raw, Timestamp: time.Now(), ID: wire.NewEventID()})
	if err != nil {
		return err
	}
	typ := websocket.MessageText
	if s.opts.Codec.Binary() {
		typ = websocket.MessageBinary
	}
	wctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return conn.Write(wctx, typ, frame)
}

func (s *Server) conns() []*websocket.Conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*websocket.Conn, 0, len(s.peers))
	for c := range s.peers {
		out = append(out, c)
	}
	return out
}

// Push sends an event to every connected client.
func (s *Server) Push(eventType string, data any) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return err
	}
	return s.PushRaw(eventType, raw)
}

// PushRaw sends a pre-encoded body, which lets tests send payloads the
// client must reject.
func (s *Server) PushRaw(eventType string, raw json.RawMessage) error {
	for _, c := range s.conns() {
		if err := s.writeRaw(context.Background(), c, eventType, raw); err != nil {
			return err
		}
	}
	return nil
}

// DropAll closes every client connection without a close handshake.
func (s *Server) DropAll() {
	for _, c := range s.conns() {
		_ = c.CloseNow()
	}
}

// WaitConnections waits until exactly n clients are connected.
func (s *Server) WaitConnections(n int, timeout time.Duration) bool {
	return s.waitFor(timeout, func() bool { return len(s.peers) == n })
}

// WaitReceived waits until a frame of eventType has arrived and returns
// the first one.
func (s *Server) WaitReceived(eventType string, timeout time.Duration) (wire.Envelope, bool) {
	var got wire.Envelope
	ok := s.waitFor(timeout, func() bool {
		for _, env := range s.received {
			if env.Type == eventType {
				got = env
				return true
			}
		}
		return false
	})
	return got, ok
}

func (s *Server) Received() []wire.Envelope {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]wire.Envelope(nil), s.received...)
}

func (s *Server) Handshakes() []Handshake {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Handshake(nil), s.handshakes...)
}
