package restapi

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"bouncelink/internal/notifications"
	logx "bouncelink/pkg/logx"

	"github.com/robfig/cron/v3"
)

const (
	DefaultSyncSchedule = "@every 5m"
	defaultMaxPages     = 5
)

// Lister is the part of Client the syncer needs.
type Lister interface {
	List(ctx context.Context, page, limit int) (Page, error)
}

// Merger receives fetched notifications. *notifications.Store satisfies it.
type Merger interface {
	Merge(batch []notifications.Notification) int
}

type SyncerConfig struct {
	// Schedule is a cron spec; empty means DefaultSyncSchedule.
	Schedule string
	PageSize int
	MaxPages int
}

// SyncStats describes the most recent sync.
type SyncStats struct {
	Runs     uint64    `json:"runs"`
	Failures uint64    `json:"failures"`
	LastRun  time.Time `json:"lastRun,omitzero"`
	LastAdd  int       `json:"lastAdded"`
	LastErr  string    `json:"lastError,omitempty"`
}

// Syncer pulls notification pages and merges them into the store. Runs
// never overlap: a tick that fires while a sync is in flight is skipped.
type Syncer struct {
	api    Lister
	store  Merger
	parser cron.Parser
	log    logx.Logger

	cfg SyncerConfig

	running atomic.Bool
	runs    atomic.Uint64
	fails   atomic.Uint64

	mu      sync.Mutex
	c       *cron.Cron
	lastRun time.Time
	lastAdd int
	lastErr string
}

func NewSyncer(api Lister, store Merger, cfg SyncerConfig, parser cron.Parser, log logx.Logger) *Syncer {
	if log.IsZero() {
		log = logx.Nop()
	}
	if strings.TrimSpace(cfg.Schedule) == "" {
		cfg.Schedule = DefaultSyncSchedule
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = DefaultPageSize
	}
	if cfg.MaxPages <= 0 {
		cfg.MaxPages = defaultMaxPages
	}
	return &Syncer{api: api, store: store, parser: parser, cfg: cfg, log: log.With(logx.String("comp", "rest-sync"))}
}

// Sync fetches up to MaxPages pages and merges them. It returns the number
// of notifications the store did not already hold.
func (s *Syncer) Sync(ctx context.Context) (int, error) {
	if !s.running.CompareAndSwap(false, true) {
		return 0, errors.New("sync already running")
	}
	defer s.running.Store(false)

	var batch []notifications.Notification
	var err error
	for page := 1; page <= s.cfg.MaxPages; page++ {
		var p Page
		p, err = s.api.List(ctx, page, s.cfg.PageSize)
		if err != nil {
			break
		}
		batch = append(batch, p.Notifications...)
		if !p.HasMore || len(p.Notifications) == 0 {
			break
		}
	}
	added := 0
	if len(batch) > 0 {
		// Pages fetched before a failure are still worth keeping.
		added = s.store.Merge(batch)
	}

	s.runs.Add(1)
	s.mu.Lock()
	s.lastRun = time.Now()
	s.lastAdd = added
	s.lastErr = ""
	if err != nil {
		s.fails.Add(1)
		s.lastErr = err.Error()
	}
	s.mu.Unlock()
	return added, err
}

// Start schedules Sync on the configured spec and runs it once right away.
// Jobs stop when ctx is done or Stop is called.
func (s *Syncer) Start(ctx context.Context) error {
	sched, err := s.parser.Parse(s.cfg.Schedule)
	if err != nil {
		return err
	}
	s.mu.Lock()
	if s.c != nil {
		s.mu.Unlock()
		return nil
	}
	c := cron.New(cron.WithParser(s.parser), cron.WithChain(cron.Recover(cronLogger{s.log})))
	c.Schedule(sched, cron.FuncJob(func() { s.tick(ctx) }))
	s.c = c
	s.mu.Unlock()

	c.Start()
	go s.tick(ctx)
	context.AfterFunc(ctx, func() { s.Stop(context.WithoutCancel(ctx)) })
	s.log.Info("rest sync scheduled", logx.String("schedule", s.cfg.Schedule))
	return nil
}

func (s *Syncer) tick(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	added, err := s.Sync(ctx)
	switch {
	case err != nil && ctx.Err() == nil:
		s.log.Warn("rest sync failed", logx.Int("added", added), logx.Err(err))
	case added > 0:
		s.log.Info("rest sync merged notifications", logx.Int("added", added))
	default:
		s.log.Debug("rest sync done")
	}
}

// Stop cancels the schedule and waits for a running job until ctx is done.
func (s *Syncer) Stop(ctx context.Context) {
	s.mu.Lock()
	c := s.c
	s.c = nil
	s.mu.Unlock()
	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
}

func (s *Syncer) Stats() SyncStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return SyncStats{
		Runs:     s.runs.Load(),
		Failures: s.fails.Load(),
		LastRun:  s.lastRun,
		LastAdd:  s.lastAdd,
		LastErr:  s.lastErr,
	}
}

// cronLogger routes cron's own messages into logx.
type cronLogger struct{ log logx.Logger }

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.log.Debug("cron: "+msg, logx.Any("kv", keysAndValues))
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.log.Error("cron: "+msg, logx.Err(err), logx.Any("kv", keysAndValues))
}
