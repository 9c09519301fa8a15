// Package routine runs named goroutines bound to one context, with panic
// recovery, restart backoff and a per-name stats view for /status.
package routine

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	logx "bouncelink/pkg/logx"
)

// Group owns goroutines started with Go and GoRestart. Stop cancels them
// and waits.
type Group struct {
	ctx    context.Context
	cancel context.CancelFunc

	log         logx.Logger
	cancelOnErr bool

	wg       sync.WaitGroup
	active   atomic.Int64
	errOnce  sync.Once
	firstErr atomic.Value

	mu    sync.Mutex
	stats map[string]*Stats
}

// Stats is the per-name view of goroutines run by a Group.
type Stats struct {
	Name      string    `json:"name"`
	Active    int64     `json:"active"`
	Started   uint64    `json:"started"`
	Restarts  uint64    `json:"restarts"`
	Panics    uint64    `json:"panics"`
	LastErr   string    `json:"last_err,omitempty"`
	LastErrAt time.Time `json:"last_err_at,omitzero"`
}

type Option func(*Group)

func WithLogger(l logx.Logger) Option { return func(g *Group) { g.log = l } }

// WithCancelOnError cancels the whole group on the first failure.
func WithCancelOnError(on bool) Option { return func(g *Group) { g.cancelOnErr = on } }

func NewGroup(parent context.Context, opts ...Option) *Group {
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithCancel(parent)
	g := &Group{ctx: ctx, cancel: cancel, stats: map[string]*Stats{}}
	for _, o := range opts {
		o(g)
	}
	if g.log.IsZero() {
		g.log = logx.Nop()
	}
	return g
}

func (g *Group) Context() context.Context { return g.ctx }

// Active is the number of goroutines currently running.
func (g *Group) Active() int64 { return g.active.Load() }

// Err returns the first recorded failure.
func (g *Group) Err() error {
	if err, ok := g.firstErr.Load().(error); ok {
		return err
	}
	return nil
}

// Go runs fn once. A panic is recovered and recorded like an error.
func (g *Group) Go(name string, fn func(ctx context.Context) error) {
	if fn == nil {
		return
	}
	g.wg.Add(1)
	g.active.Add(1)
	go func() {
		defer g.wg.Done()
		defer g.active.Add(-1)
		g.note(name, func(s *Stats) { s.Active++; s.Started++ })
		err := g.run(name, fn)
		g.note(name, func(s *Stats) { s.Active-- })
		if err != nil && !errors.Is(err, context.Canceled) {
			g.fail(name, fmt.Errorf("%s: %w", name, err))
		}
	}()
}

// run invokes fn and converts a panic into an error.
func (g *Group) run(name string, fn func(ctx context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			g.note(name, func(s *Stats) { s.Panics++ })
			g.log.Error("goroutine panicked", logx.String("name", name), logx.Any("panic", r), logx.Stack(string(debug.Stack())))
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn(g.ctx)
}

type restartCfg struct {
	min, max    time.Duration
	maxRestarts int
}

type RestartOption func(*restartCfg)

// WithBackoff bounds the doubling delay between restarts.
func WithBackoff(min, max time.Duration) RestartOption {
	return func(c *restartCfg) {
		if min > 0 {
			c.min = min
		}
		if max > 0 {
			c.max = max
		}
	}
}

// WithMaxRestarts gives up after n restarts; n <= 0 means never.
func WithMaxRestarts(n int) RestartOption { return func(c *restartCfg) { c.maxRestarts = n } }

// GoRestart runs fn until it returns nil or the group stops, restarting it
// after errors and panics with doubling backoff.
func (g *Group) GoRestart(name string, fn func(ctx context.Context) error, opts ...RestartOption) {
	cfg := restartCfg{min: 250 * time.Millisecond, max: 30 * time.Second}
	for _, o := range opts {
		o(&cfg)
	}
	if cfg.max < cfg.min {
		cfg.max = cfg.min
	}
	g.Go(name+".loop", func(ctx context.Context) error {
		backoff := cfg.min
		for restarts := 0; ; restarts++ {
			if restarts > 0 {
				g.note(name, func(s *Stats) { s.Restarts++ })
			}
			g.note(name, func(s *Stats) { s.Active++; s.Started++ })
			startedAt := time.Now()
			err := g.run(name, fn)
			g.note(name, func(s *Stats) { s.Active-- })

			if ctx.Err() != nil || err == nil || errors.Is(err, context.Canceled) {
				return nil
			}
			g.note(name, func(s *Stats) { s.LastErr = err.Error(); s.LastErrAt = time.Now() })
			if cfg.maxRestarts > 0 && restarts >= cfg.maxRestarts {
				g.log.Error("goroutine gave up", logx.String("name", name), logx.Int("restarts", restarts), logx.Err(err))
				return err
			}
			// A long healthy run earns a fresh backoff window.
			if time.Since(startedAt) >= 30*time.Second {
				backoff = cfg.min
			}
			g.log.Warn("goroutine restarting", logx.String("name", name), logx.Duration("backoff", backoff), logx.Err(err))
			t := time.NewTimer(backoff)
			select {
			case <-ctx.Done():
				t.Stop()
				return nil
			case <-t.C:
			}
			backoff = min(backoff*2, cfg.max)
		}
	})
}

func (g *Group) note(name string, f func(*Stats)) {
	g.mu.Lock()
	s := g.stats[name]
	if s == nil {
		s = &Stats{Name: name}
		g.stats[name] = s
	}
	f(s)
	g.mu.Unlock()
}

func (g *Group) fail(name string, err error) {
	g.note(name, func(s *Stats) { s.LastErr = err.Error(); s.LastErrAt = time.Now() })
	g.errOnce.Do(func() { g.firstErr.Store(err) })
	g.log.Warn("goroutine failed", logx.String("name", name), logx.Err(err))
	if g.cancelOnErr {
		g.cancel()
	}
}

// Snapshot lists per-name stats, active first then by name.
func (g *Group) Snapshot() []Stats {
	g.mu.Lock()
	out := make([]Stats, 0, len(g.stats))
	for _, s := range g.stats {
		out = append(out, *s)
	}
	g.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].Active != out[j].Active {
			return out[i].Active > out[j].Active
		}
		return out[i].Name < out[j].Name
	})
	return out
}

// Stop cancels the group and waits for its goroutines, bounded by ctx.
func (g *Group) Stop(ctx context.Context) error {
	g.cancel()
	return g.Wait(ctx)
}

// Cancel cancels the group context without waiting.
func (g *Group) Cancel() { g.cancel() }

// Wait blocks until every goroutine has returned or ctx is done.
func (g *Group) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		g.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return g.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}
