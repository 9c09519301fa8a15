package realtime

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"bouncelink/internal/alert"
	"bouncelink/internal/connection"
	"bouncelink/internal/eventbus"
	"bouncelink/internal/notifications"
	"bouncelink/internal/router"
	"bouncelink/internal/wire"
	logx "bouncelink/pkg/logx"
)

// Remote mirrors local mutations to the server. *restapi.Client
// implements it.
type Remote interface {
	MarkRead(ctx context.Context, id string) error
	MarkAllRead(ctx context.Context) error
	Delete(ctx context.Context, id string) error
}

// Settings are the user toggles persisted across restarts.
type Settings struct {
	NotificationsEnabled bool `json:"notificationsEnabled"`
	AutoConnect          bool `json:"autoConnect"`
}

type Deps struct {
	Router     *router.Router
	Supervisor *connection.Supervisor
	Store      *notifications.Store
	Alerts     *alert.Dispatcher
	// History is optional.
	History *router.History
	// Remote is optional; without it mutations stay local.
	Remote Remote
	Bus    eventbus.Bus
	Log    logx.Logger
}

type Config struct {
	ContractorID  string
	RemoteTimeout time.Duration // default 10s
}

type Service struct {
	deps Deps
	log  logx.Logger

	mu       sync.Mutex
	cfg      Config
	settings Settings
	ctx      context.Context
	unsubs   []func()

	connected atomic.Bool
	remoteWG  sync.WaitGroup
}

func New(cfg Config, deps Deps, initial Settings) *Service {
	log := deps.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.RemoteTimeout <= 0 {
		cfg.RemoteTimeout = 10 * time.Second
	}
	return &Service{
		deps:     deps,
		log:      log.With(logx.String("comp", "realtime")),
		cfg:      cfg,
		settings: initial,
		ctx:      context.Background(),
	}
}

// Start subscribes the service to the router and the supervisor. ctx
// bounds alert playback and remote calls started by event handlers.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.unsubs) > 0 {
		return
	}
	s.ctx = ctx
	if s.deps.Alerts != nil {
		s.deps.Alerts.SetEnabled(s.settings.NotificationsEnabled)
	}

	r := s.deps.Router
	for _, typ := range wire.TaskEvents {
		s.unsubs = append(s.unsubs, r.On(typ, s.onTask).Unsubscribe)
	}
	for _, typ := range wire.NotificationEvents {
		s.unsubs = append(s.unsubs, r.On(typ, s.onNotification).Unsubscribe)
	}
	s.unsubs = append(s.unsubs, r.On(wire.NotificationUpdate, s.onNotificationUpdate).Unsubscribe)
	if s.deps.History != nil {
		s.unsubs = append(s.unsubs, r.On(wire.Wildcard, s.deps.History.Handler()).Unsubscribe)
	}
	if s.deps.Supervisor != nil {
		s.unsubs = append(s.unsubs, s.deps.Supervisor.OnStatusChange(s.onStatus))
	}
}

// Stop detaches every subscription and waits for pending remote calls
// until ctx is done.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	unsubs := s.unsubs
	s.unsubs = nil
	s.mu.Unlock()
	for _, u := range unsubs {
		u()
	}

	done := make(chan struct{})
	go func() {
		s.remoteWG.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Apply updates the contractor id and remote timeout. A changed contractor
// id joins the new room immediately when connected.
func (s *Service) Apply(cfg Config) {
	if cfg.RemoteTimeout <= 0 {
		cfg.RemoteTimeout = 10 * time.Second
	}
	s.mu.Lock()
	prev := s.cfg.ContractorID
	s.cfg = cfg
	s.mu.Unlock()

	sup := s.deps.Supervisor
	if sup == nil || prev == cfg.ContractorID || !s.connected.Load() {
		return
	}
	if prev != "" {
		sup.LeaveRoom(prev)
	}
	if cfg.ContractorID != "" {
		sup.JoinRoom(cfg.ContractorID)
	}
}

func (s *Service) baseCtx() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ctx
}

func (s *Service) onStatus(st connection.Status) {
	was := s.connected.Swap(st.IsConnected)
	if !st.IsConnected || was {
		return
	}
	s.mu.Lock()
	id := s.cfg.ContractorID
	s.mu.Unlock()
	if id == "" {
		return
	}
	if !s.deps.Supervisor.JoinRoom(id) {
		s.log.Warn("join room failed", logx.String("contractor", id))
	}
}

func (s *Service) onTask(ev wire.Event) error {
	t, ok := ev.Payload.(wire.Task)
	if !ok {
		return fmt.Errorf("unexpected payload %T", ev.Payload)
	}
	s.deliver(ev.Type, notifications.FromTask(ev.Type, t))
	return nil
}

func (s *Service) onNotification(ev wire.Event) error {
	n, ok := ev.Payload.(wire.Notification)
	if !ok {
		return fmt.Errorf("unexpected payload %T", ev.Payload)
	}
	s.deliver(ev.Type, notifications.FromWire(ev.Type, n))
	return nil
}

// deliver stores n and plays its cue when the store took it.
func (s *Service) deliver(eventType string, n notifications.Notification) {
	stored, added := s.deps.Store.Add(n)
	if !added {
		return
	}
	s.log.Debug("notification received",
		logx.String("event", eventType),
		logx.String("id", stored.ID),
		logx.String("priority", string(stored.Priority)),
	)
	if s.deps.Alerts != nil {
		s.deps.Alerts.Notify(s.baseCtx(), eventType, stored.Priority)
	}
}

func (s *Service) onNotificationUpdate(ev wire.Event) error {
	ch, ok := ev.Payload.(wire.NotificationChange)
	if !ok {
		return fmt.Errorf("unexpected payload %T", ev.Payload)
	}
	// Read state is one-way; an update saying "unread" is ignored.
	if ch.IsRead != nil && !*ch.IsRead {
		return nil
	}
	s.deps.Store.MarkRead(ch.ID)
	return nil
}

func (s *Service) Settings() Settings {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.settings
}

// SetSettings applies and publishes new settings.
func (s *Service) SetSettings(next Settings) {
	s.mu.Lock()
	prev := s.settings
	s.settings = next
	s.mu.Unlock()

	if s.deps.Alerts != nil {
		s.deps.Alerts.SetEnabled(next.NotificationsEnabled)
	}
	if prev == next {
		return
	}
	s.log.Info("settings changed",
		logx.Bool("notifications_enabled", next.NotificationsEnabled),
		logx.Bool("auto_connect", next.AutoConnect),
	)
	if s.deps.Bus != nil {
		s.deps.Bus.Publish(eventbus.Event{Type: eventbus.TopicSettingsChanged, Time: time.Now(), Data: next})
	}
}

func (s *Service) MarkRead(id string) bool {
	if !s.deps.Store.MarkRead(id) {
		return false
	}
	s.remote("mark read", func(ctx context.Context, r Remote) error { return r.MarkRead(ctx, id) })
	return true
}

func (s *Service) MarkAllRead() int {
	n := s.deps.Store.MarkAllRead()
	if n > 0 {
		s.remote("mark all read", func(ctx context.Context, r Remote) error { return r.MarkAllRead(ctx) })
	}
	return n
}

func (s *Service) Remove(id string) bool {
	if !s.deps.Store.Remove(id) {
		return false
	}
	s.remote("delete", func(ctx context.Context, r Remote) error { return r.Delete(ctx, id) })
	return true
}

// Clear empties the local history only; the server keeps its copy.
func (s *Service) Clear() int {
	return s.deps.Store.Clear()
}

// remote runs fn against the REST API in the background. Failures are
// logged; local state has already changed and is not rolled back.
func (s *Service) remote(op string, fn func(ctx context.Context, r Remote) error) {
	r := s.deps.Remote
	if r == nil {
		return
	}
	s.mu.Lock()
	base := s.ctx
	timeout := s.cfg.RemoteTimeout
	s.mu.Unlock()

	s.remoteWG.Add(1)
	go func() {
		defer s.remoteWG.Done()
		ctx, cancel := context.WithTimeout(context.WithoutCancel(base), timeout)
		defer cancel()
		if err := fn(ctx, r); err != nil {
			s.log.Warn("remote "+op+" failed", logx.Err(err))
		}
	}()
}

func (s *Service) Notifications() []notifications.Notification { return s.deps.Store.List() }

func (s *Service) Notification(id string) (notifications.Notification, bool) {
	return s.deps.Store.Get(id)
}

func (s *Service) UnreadCount() int { return s.deps.Store.UnreadCount() }

// History returns the recent events, most recent first. It is empty when
// no history was configured.
func (s *Service) History() []wire.Event {
	if s.deps.History == nil {
		return nil
	}
	return s.deps.History.Snapshot()
}

func (s *Service) Status() connection.Status { return s.deps.Supervisor.Status() }

func (s *Service) Connect(ctx context.Context) error { return s.deps.Supervisor.Connect(ctx) }

func (s *Service) Disconnect() { s.deps.Supervisor.Disconnect() }

func (s *Service) UpdateLocation(lat, lon float64) bool {
	return s.deps.Supervisor.UpdateLocation(lat, lon)
}

func (s *Service) JoinRoom(id string) bool { return s.deps.Supervisor.JoinRoom(id) }

func (s *Service) LeaveRoom(id string) bool { return s.deps.Supervisor.LeaveRoom(id) }
