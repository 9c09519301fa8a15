package alert

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"bouncelink/internal/eventbus"
	"bouncelink/internal/wire"
	logx "bouncelink/pkg/logx"

	"golang.org/x/time/rate"
)

// AudioStatus is what the audio service reports about itself.
type AudioStatus struct {
	Initialized bool `json:"initialized"`
}

// AlertRequest describes one cue.
type AlertRequest struct {
	SoundType        string        `json:"soundType"`
	VibrationPattern []int         `json:"vibrationPattern"`
	Volume           float64       `json:"volume"`
	FadeIn           bool          `json:"fadeIn,omitempty"`
	Repeat           int           `json:"repeat,omitempty"`
	Priority         wire.Priority `json:"priority"`
}

// Player is the audio collaborator.
type Player interface {
	Initialize(ctx context.Context) error
	Status() AudioStatus
	PlayAlert(ctx context.Context, req AlertRequest) error
}

// AudioAlertError wraps a failed initialization or playback. It is only
// ever logged.
type AudioAlertError struct {
	SoundType string
	Err       error
}

func (e *AudioAlertError) Error() string {
	return fmt.Sprintf("audio alert %s: %v", e.SoundType, e.Err)
}

func (e *AudioAlertError) Unwrap() error { return e.Err }

type Config struct {
	Enabled bool
	// RatePerSec and Burst shape a token bucket for non-urgent cues.
	// RatePerSec <= 0 disables limiting.
	RatePerSec float64
	Burst      int
	// Timeout bounds one Initialize or PlayAlert call.
	Timeout time.Duration
}

// Dispatcher turns events into audio cues. Playback runs asynchronously
// and never blocks the caller.
type Dispatcher struct {
	log    logx.Logger
	player Player
	bus    eventbus.Bus

	mu      sync.Mutex
	cfg     Config
	limiter *rate.Limiter

	initMu sync.Mutex
	wg     sync.WaitGroup

	played  atomic.Uint64
	dropped atomic.Uint64
	failed  atomic.Uint64
}

// Stats is a counter snapshot.
type Stats struct {
	Played  uint64 `json:"played"`
	Dropped uint64 `json:"rate_limited"`
	Failed  uint64 `json:"failed"`
}

func New(cfg Config, player Player, log logx.Logger, bus eventbus.Bus) *Dispatcher {
	if log.IsZero() {
		log = logx.Nop()
	}
	d := &Dispatcher{log: log, player: player, bus: bus}
	d.applyLocked(cfg)
	return d
}

func (d *Dispatcher) Apply(cfg Config) {
	d.mu.Lock()
	d.applyLocked(cfg)
	d.mu.Unlock()
}

func (d *Dispatcher) applyLocked(cfg Config) {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 3
	}
	d.cfg = cfg
	if cfg.RatePerSec <= 0 {
		d.limiter = rate.NewLimiter(rate.Inf, cfg.Burst)
		return
	}
	d.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.Burst)
}

// SetEnabled toggles alerting at runtime.
func (d *Dispatcher) SetEnabled(on bool) {
	d.mu.Lock()
	d.cfg.Enabled = on
	d.mu.Unlock()
}

func (d *Dispatcher) Enabled() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cfg.Enabled
}

// Notify plays the cue for eventType at priority p when alerting is on and
// the event type alerts at all. It returns the request and whether
// playback was started.
func (d *Dispatcher) Notify(ctx context.Context, eventType string, p wire.Priority) (AlertRequest, bool) {
	cat, ok := CategoryFor(eventType)
	if !ok {
		return AlertRequest{}, false
	}
	req := RequestFor(cat, p)

	d.mu.Lock()
	enabled := d.cfg.Enabled
	limiter := d.limiter
	timeout := d.cfg.Timeout
	d.mu.Unlock()

	if !enabled || d.player == nil {
		return req, false
	}
	if req.Priority != wire.PriorityUrgent && !limiter.Allow() {
		d.dropped.Add(1)
		d.log.Debug("alert rate limited", logx.String("sound", req.SoundType))
		return req, false
	}

	if ctx == nil {
		ctx = context.Background()
	}
	ctx = context.WithoutCancel(ctx)
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				d.fail(&AudioAlertError{SoundType: req.SoundType, Err: fmt.Errorf("panic: %v", r)})
			}
		}()
		d.play(ctx, req, timeout)
	}()
	return req, true
}

func (d *Dispatcher) play(ctx context.Context, req AlertRequest, timeout time.Duration) {
	if err := d.ensureInitialized(ctx, timeout); err != nil {
		d.fail(&AudioAlertError{SoundType: req.SoundType, Err: err})
		return
	}
	pctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := d.player.PlayAlert(pctx, req); err != nil {
		d.fail(&AudioAlertError{SoundType: req.SoundType, Err: err})
		return
	}
	d.played.Add(1)
	if d.bus != nil {
		d.bus.Publish(eventbus.Event{Type: eventbus.TopicAlertPlayed, Data: req})
	}
}

func (d *Dispatcher) ensureInitialized(ctx context.Context, timeout time.Duration) error {
	d.initMu.Lock()
	defer d.initMu.Unlock()
	if d.player.Status().Initialized {
		return nil
	}
	ictx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := d.player.Initialize(ictx); err != nil {
		return fmt.Errorf("initialize: %w", err)
	}
	return nil
}

func (d *Dispatcher) fail(err *AudioAlertError) {
	d.failed.Add(1)
	d.log.Warn("audio alert failed", logx.String("sound", err.SoundType), logx.Err(err))
}

// Wait blocks until in-flight playbacks finish or ctx is done.
func (d *Dispatcher) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *Dispatcher) Stats() Stats {
	return Stats{Played: d.played.Load(), Dropped: d.dropped.Load(), Failed: d.failed.Load()}
}
