// Package connection keeps the push session alive. It layers credential
// handling, exponential-backoff reconnection, a heartbeat and a
// normalized Status over the transport.
//
// State lives behind one mutex. Listeners, router handlers and transport
// calls always run with the mutex released, and every scheduled callback
// carries the epoch it was created in so that Disconnect invalidates it.
package connection

import (
	"context"
	"errors"
	"sync"
	"time"

	"bouncelink/internal/clock"
	"bouncelink/internal/eventbus"
	"bouncelink/internal/registry"
	"bouncelink/internal/router"
	"bouncelink/internal/transport"
	"bouncelink/internal/wire"
	logx "bouncelink/pkg/logx"
)

var (
	ErrAuthMissing          = transport.ErrAuthMissing
	ErrMaxReconnectAttempts = errors.New("max reconnection attempts reached")
	// ErrSuperseded is returned by a Connect that was overtaken by Disconnect.
	ErrSuperseded = errors.New("connection attempt superseded by disconnect")
)

const (
	DefaultReconnectInterval    = time.Second
	DefaultMaxReconnectAttempts = 5
	DefaultHeartbeatInterval    = 30 * time.Second
)

// Transport is the session the supervisor drives. *transport.Transport
// implements it.
type Transport interface {
	Connect(ctx context.Context, credential string) error
	Disconnect()
	Emit(eventType string, data any) bool
	On(eventType string, h router.Handler) func()
	IsConnected() bool
	SetCredential(cred string)
}

// Config is the reconnect and heartbeat policy. Zero values take the
// defaults; a negative HeartbeatInterval turns the heartbeat off.
type Config struct {
	ReconnectInterval    time.Duration
	MaxReconnectAttempts int
	HeartbeatInterval    time.Duration
}

// Status is a snapshot of the connection state. IsConnected and
// IsConnecting are never both true.
type Status struct {
	IsConnected        bool       `json:"isConnected"`
	IsConnecting       bool       `json:"isConnecting"`
	ReconnectAttempts  int        `json:"reconnectAttempts"`
	ReconnectScheduled bool       `json:"reconnectScheduled"`
	LastConnectedAt    *time.Time `json:"lastConnectedAt,omitempty"`
	LastDisconnectedAt *time.Time `json:"lastDisconnectedAt,omitempty"`
	LastPongAt         *time.Time `json:"lastPongAt,omitempty"`
	Error              string     `json:"error,omitempty"`
	Err                error      `json:"-"`

	seq uint64
}

// attemptResult is shared by every caller waiting on one handshake.
type attemptResult struct {
	done chan struct{}
	err  error
}

func newAttempt() *attemptResult { return &attemptResult{done: make(chan struct{})} }

// resolve is called with the supervisor mutex held; the first call wins.
func (a *attemptResult) resolve(err error) {
	select {
	case <-a.done:
	default:
		a.err = err
		close(a.done)
	}
}

type Supervisor struct {
	log   logx.Logger
	tr    Transport
	clock clock.Clock
	bus   eventbus.Bus

	ctx    context.Context
	cancel context.CancelFunc

	listeners registry.Registry[func(Status)]
	unsubs    []func()

	// emitMu orders listener delivery; see emit.
	emitMu     sync.Mutex
	emitting   bool
	emitQueue  []Status
	emittedSeq uint64

	mu        sync.Mutex
	cfg       Config
	cred      string
	status    Status
	manual    bool
	epoch     uint64
	seq       uint64
	inflight  *attemptResult
	reconnect clock.Timer
	heartbeat clock.Timer
}

type Option func(*Supervisor)

func WithClock(c clock.Clock) Option { return func(s *Supervisor) { s.clock = c } }

func WithLogger(l logx.Logger) Option { return func(s *Supervisor) { s.log = l } }

// WithBus publishes every status change on b.
func WithBus(b eventbus.Bus) Option { return func(s *Supervisor) { s.bus = b } }

func New(cfg Config, tr Transport, opts ...Option) *Supervisor {
	s := &Supervisor{tr: tr}
	for _, o := range opts {
		o(s)
	}
	if s.clock == nil {
		s.clock = clock.Real()
	}
	if s.log.IsZero() {
		s.log = logx.Nop()
	}
	s.cfg = normalize(cfg)
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.unsubs = append(s.unsubs,
		tr.On(wire.Disconnect, s.onTransportDisconnect),
		tr.On(wire.Pong, s.onPong),
	)
	return s
}

func normalize(cfg Config) Config {
	if cfg.ReconnectInterval <= 0 {
		cfg.ReconnectInterval = DefaultReconnectInterval
	}
	if cfg.MaxReconnectAttempts <= 0 {
		cfg.MaxReconnectAttempts = DefaultMaxReconnectAttempts
	}
	if cfg.HeartbeatInterval == 0 {
		cfg.HeartbeatInterval = DefaultHeartbeatInterval
	}
	return cfg
}

// Apply swaps the policy. It takes effect from the next scheduled attempt
// or heartbeat.
func (s *Supervisor) Apply(cfg Config) {
	s.mu.Lock()
	s.cfg = normalize(cfg)
	s.mu.Unlock()
}

// SetCredential stores cred for the next handshake without touching a
// live session. An empty credential disconnects. With autoConnect a
// disconnected supervisor starts connecting in the background.
func (s *Supervisor) SetCredential(cred string, autoConnect bool) {
	s.mu.Lock()
	s.cred = cred
	busy := s.status.IsConnected || s.status.IsConnecting
	s.mu.Unlock()
	s.tr.SetCredential(cred)

	if cred == "" {
		s.Disconnect()
		return
	}
	if autoConnect && !busy {
		go func() {
			if err := s.Connect(s.ctx); err != nil {
				s.log.Warn("auto connect failed", logx.Err(err))
			}
		}()
	}
}

// Connect starts a session and blocks until the handshake resolves. It
// clears the manual-disconnect flag and resets the attempt counter. While
// a session is live it returns nil. While a handshake is in flight it
// waits for that handshake, or ctx, and returns its outcome.
func (s *Supervisor) Connect(ctx context.Context) error {
	s.mu.Lock()
	if s.cred == "" {
		s.setErrLocked(ErrAuthMissing)
		snap := s.snapLocked()
		s.mu.Unlock()
		s.emit(snap)
		return ErrAuthMissing
	}
	if s.status.IsConnected {
		s.mu.Unlock()
		return nil
	}
	if s.status.IsConnecting {
		pending := s.inflight
		s.mu.Unlock()
		if pending == nil {
			return nil
		}
		select {
		case <-pending.done:
			return pending.err
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	s.manual = false
	s.epoch++
	ep := s.epoch
	s.stopReconnectLocked()
	s.status.ReconnectAttempts = 0
	s.status.IsConnecting = true
	s.setErrLocked(nil)
	pending := newAttempt()
	s.inflight = pending
	snap := s.snapLocked()
	s.mu.Unlock()

	s.emit(snap)
	return s.attempt(ctx, ep, pending)
}

// attempt runs one handshake for epoch ep and resolves pending with its
// outcome. The caller has already moved the status to connecting.
func (s *Supervisor) attempt(ctx context.Context, ep uint64, pending *attemptResult) error {
	s.mu.Lock()
	cred := s.cred
	s.mu.Unlock()

	err := s.tr.Connect(ctx, cred)

	s.mu.Lock()
	if s.inflight == pending {
		s.inflight = nil
	}
	if ep != s.epoch {
		pending.resolve(ErrSuperseded)
		manual := s.manual
		s.mu.Unlock()
		if err == nil && manual {
			s.tr.Disconnect()
		}
		return ErrSuperseded
	}
	s.status.IsConnecting = false
	pending.resolve(err)
	if err != nil {
		s.setErrLocked(err)
		s.log.Warn("connect failed", logx.Int("attempt", s.status.ReconnectAttempts), logx.Err(err))
		if !s.manual {
			s.scheduleReconnectLocked(ep)
		}
		snap := s.snapLocked()
		s.mu.Unlock()
		s.emit(snap)
		return err
	}

	now := s.clock.Now()
	s.status.IsConnected = true
	s.status.ReconnectAttempts = 0
	s.status.LastConnectedAt = &now
	s.setErrLocked(nil)
	s.startHeartbeatLocked(ep)
	snap := s.snapLocked()
	s.mu.Unlock()

	s.log.Info("connected")
	s.emit(snap)

	// A drop dispatched before the status flipped was ignored; catch it.
	if !s.tr.IsConnected() {
		s.handleDrop(wire.Closed{Reason: "lost during handshake"})
	}
	return nil
}

// scheduleReconnectLocked arms the single reconnect timer, or records the
// terminal error once the attempt budget is spent.
func (s *Supervisor) scheduleReconnectLocked(ep uint64) {
	if s.reconnect != nil {
		return
	}
	if s.status.ReconnectAttempts >= s.cfg.MaxReconnectAttempts {
		s.setErrLocked(ErrMaxReconnectAttempts)
		s.log.Error("giving up reconnecting", logx.Int("attempts", s.status.ReconnectAttempts))
		return
	}
	delay := s.cfg.ReconnectInterval << s.status.ReconnectAttempts
	s.status.ReconnectAttempts++
	s.status.ReconnectScheduled = true
	s.log.Info("reconnect scheduled", logx.Duration("delay", delay), logx.Int("attempt", s.status.ReconnectAttempts))
	s.reconnect = s.clock.AfterFunc(delay, func() { s.reconnectDue(ep) })
}

func (s *Supervisor) reconnectDue(ep uint64) {
	s.mu.Lock()
	if ep != s.epoch || s.manual {
		s.mu.Unlock()
		return
	}
	s.reconnect = nil
	s.status.ReconnectScheduled = false
	if s.status.IsConnected || s.status.IsConnecting {
		s.mu.Unlock()
		return
	}
	s.status.IsConnecting = true
	pending := newAttempt()
	s.inflight = pending
	snap := s.snapLocked()
	s.mu.Unlock()

	s.emit(snap)
	_ = s.attempt(s.ctx, ep, pending)
}

func (s *Supervisor) stopReconnectLocked() {
	if s.reconnect != nil {
		s.reconnect.Stop()
		s.reconnect = nil
	}
	s.status.ReconnectScheduled = false
}

func (s *Supervisor) startHeartbeatLocked(ep uint64) {
	s.stopHeartbeatLocked()
	if s.cfg.HeartbeatInterval <= 0 {
		return
	}
	s.heartbeat = s.clock.AfterFunc(s.cfg.HeartbeatInterval, func() { s.beat(ep) })
}

func (s *Supervisor) stopHeartbeatLocked() {
	if s.heartbeat != nil {
		s.heartbeat.Stop()
		s.heartbeat = nil
	}
}

func (s *Supervisor) beat(ep uint64) {
	s.mu.Lock()
	if ep != s.epoch || !s.status.IsConnected {
		s.mu.Unlock()
		return
	}
	s.heartbeat = s.clock.AfterFunc(s.cfg.HeartbeatInterval, func() { s.beat(ep) })
	now := s.clock.Now()
	s.mu.Unlock()
	s.tr.Emit(wire.Ping, wire.Heartbeat{Timestamp: wire.FormatTime(now)})
}

func (s *Supervisor) onTransportDisconnect(ev wire.Event) error {
	closed, _ := ev.Payload.(wire.Closed)
	s.handleDrop(closed)
	return nil
}

func (s *Supervisor) handleDrop(closed wire.Closed) {
	s.mu.Lock()
	if !s.status.IsConnected {
		s.mu.Unlock()
		return
	}
	now := s.clock.Now()
	s.status.IsConnected = false
	s.status.LastDisconnectedAt = &now
	s.stopHeartbeatLocked()
	if !s.manual {
		reason := closed.Reason
		if closed.Error != "" {
			reason += ": " + closed.Error
		}
		s.setErrLocked(errors.New("disconnected: " + reason))
		s.scheduleReconnectLocked(s.epoch)
	}
	snap := s.snapLocked()
	s.mu.Unlock()

	s.log.Warn("disconnected", logx.String("reason", closed.Reason))
	s.emit(snap)
}

func (s *Supervisor) onPong(wire.Event) error {
	s.mu.Lock()
	now := s.clock.Now()
	s.status.LastPongAt = &now
	s.mu.Unlock()
	return nil
}

// Disconnect ends the session and cancels every pending timer before it
// returns. No reconnect happens until Connect is called again.
func (s *Supervisor) Disconnect() {
	s.mu.Lock()
	s.manual = true
	s.epoch++
	s.stopReconnectLocked()
	s.stopHeartbeatLocked()
	changed := s.status.IsConnected || s.status.IsConnecting
	if s.status.IsConnected {
		now := s.clock.Now()
		s.status.LastDisconnectedAt = &now
	}
	s.status.IsConnected = false
	s.status.IsConnecting = false
	if s.inflight != nil {
		s.inflight.resolve(ErrSuperseded)
		s.inflight = nil
	}
	snap := s.snapLocked()
	s.mu.Unlock()

	s.tr.Disconnect()
	if changed {
		s.log.Info("disconnected by client")
		s.emit(snap)
	}
}

// Close disconnects and detaches from the transport.
func (s *Supervisor) Close() {
	s.cancel()
	s.Disconnect()
	for _, u := range s.unsubs {
		u()
	}
}

func (s *Supervisor) IsConnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status.IsConnected
}

func (s *Supervisor) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// snapLocked copies the status and stamps it with the next sequence number.
func (s *Supervisor) snapLocked() Status {
	s.seq++
	st := s.status
	st.seq = s.seq
	return st
}

func (s *Supervisor) setErrLocked(err error) {
	s.status.Err = err
	if err == nil {
		s.status.Error = ""
		return
	}
	s.status.Error = err.Error()
}

// OnStatusChange registers l. Listeners run in registration order, one
// snapshot at a time; a transition raised while another is being delivered
// runs right after it on the delivering goroutine. A panicking listener is
// logged and skipped.
func (s *Supervisor) OnStatusChange(l func(Status)) func() {
	if l == nil {
		return func() {}
	}
	_, detach := s.listeners.Add(l)
	return detach
}

// emit delivers st to listeners in snapshot order. A snapshot older than
// one already queued is dropped, so listeners never end on a stale state.
// Whichever caller finds no delivery running drains the queue; the rest,
// including listeners that trigger a transition themselves, only enqueue.
func (s *Supervisor) emit(st Status) {
	s.emitMu.Lock()
	if st.seq <= s.emittedSeq {
		s.emitMu.Unlock()
		return
	}
	s.emittedSeq = st.seq
	s.emitQueue = append(s.emitQueue, st)
	if s.emitting {
		s.emitMu.Unlock()
		return
	}
	s.emitting = true
	for len(s.emitQueue) > 0 {
		batch := s.emitQueue
		s.emitQueue = nil
		s.emitMu.Unlock()
		for _, next := range batch {
			s.deliver(next)
		}
		s.emitMu.Lock()
	}
	s.emitting = false
	s.emitMu.Unlock()
}

func (s *Supervisor) deliver(st Status) {
	for _, l := range s.listeners.Snapshot() {
		func() {
			defer func() {
				if r := recover(); r != nil {
					s.log.Error("status listener panicked", logx.Any("panic", r))
				}
			}()
			l(st)
		}()
	}
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: eventbus.TopicConnectionStatus, Data: st})
	}
}

// Emit sends an arbitrary event; it is dropped while disconnected.
func (s *Supervisor) Emit(eventType string, data any) bool {
	if !s.IsConnected() {
		s.log.Debug("emit skipped while disconnected", logx.String("event", eventType))
		return false
	}
	return s.tr.Emit(eventType, data)
}

// UpdateLocation reports the contractor position.
func (s *Supervisor) UpdateLocation(lat, lon float64) bool {
	return s.Emit(wire.LocationUpdate, wire.NewLocationBody(lat, lon, s.clock.Now()))
}

func (s *Supervisor) JoinRoom(contractorID string) bool {
	return s.Emit(wire.JoinRoom, wire.RoomBody{ContractorID: contractorID})
}

func (s *Supervisor) LeaveRoom(contractorID string) bool {
	return s.Emit(wire.LeaveRoom, wire.RoomBody{ContractorID: contractorID})
}
