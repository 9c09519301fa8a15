package app

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"bouncelink/internal/alert"
	"bouncelink/internal/config"
	"bouncelink/internal/connection"
	"bouncelink/internal/eventbus"
	"bouncelink/internal/inspect"
	"bouncelink/internal/notifications"
	"bouncelink/internal/realtime"
	"bouncelink/internal/restapi"
	"bouncelink/internal/router"
	"bouncelink/internal/runtime/routine"
	"bouncelink/internal/storage"
	"bouncelink/internal/transport"
	"bouncelink/internal/wire"
	logx "bouncelink/pkg/logx"
)

type App struct {
	cfgPath string
	cfgm    *config.Manager

	grp   *routine.Group
	spawn *groupSpawner

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	router  *router.Router
	history *router.History
	tr      *transport.Transport
	sup     *connection.Supervisor
	notes   *notifications.Store
	alerts  *alert.Dispatcher
	rt      *realtime.Service
	inspect *inspect.Server

	// rest and syncer are nil without a rest section.
	rest   *restapi.Client
	syncer *restapi.Syncer

	// store is nil when persistence is off.
	store     storage.Store
	saveDelay time.Duration
}

// groupSpawner runs transport read loops under the app routine group once
// Start has installed it.
type groupSpawner struct {
	g atomic.Pointer[routine.Group]
}

func (s *groupSpawner) Go(name string, fn func(ctx context.Context) error) {
	if g := s.g.Load(); g != nil {
		g.Go(name, fn)
		return
	}
	go func() { _ = fn(context.Background()) }()
}

func NewApp(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath, logx.Nop())
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := validate(cfg); err != nil {
		return nil, err
	}

	logSvc, log := logx.New(mapLoggingConfig(cfg))
	log = log.With(logx.String("comp", "app"))

	a := &App{
		cfgPath: cfgPath,
		cfgm:    cfgm,
		spawn:   &groupSpawner{},
		log:     log,
		logs:    logSvc,
		bus:     eventbus.New(),
	}

	validator, err := wire.NewValidator()
	if err != nil {
		return nil, fmt.Errorf("payload schemas: %w", err)
	}
	a.router = router.New(log.With(logx.String("comp", "router")))
	a.history = router.NewHistory(cfg.Notifications.HistorySize)

	tcfg, err := mapTransportConfig(cfg)
	if err != nil {
		return nil, err
	}
	a.tr = transport.New(tcfg, a.router, validator, a.spawn, log.With(logx.String("comp", "transport")))

	ccfg, err := mapConnectionConfig(cfg)
	if err != nil {
		return nil, err
	}
	a.sup = connection.New(ccfg, a.tr,
		connection.WithLogger(log.With(logx.String("comp", "connection"))),
		connection.WithBus(a.bus),
	)

	a.notes = notifications.New(
		notifications.WithLogger(log.With(logx.String("comp", "notifications"))),
		notifications.WithBus(a.bus),
		notifications.WithLimit(cfg.Notifications.Limit),
	)

	settings := realtime.Settings{
		NotificationsEnabled: cfg.AlertsEnabled(),
		AutoConnect:          cfg.AutoConnect(),
	}
	acfg, err := mapAlertConfig(cfg, settings.NotificationsEnabled)
	if err != nil {
		return nil, err
	}
	a.alerts = alert.New(acfg,
		alert.NewLogPlayer(log.With(logx.String("comp", "audio"))),
		log.With(logx.String("comp", "alert")),
		a.bus,
	)

	ropts, scfg, restOn, err := mapRESTConfig(cfg)
	if err != nil {
		return nil, err
	}
	if restOn {
		ropts.Token = a.token
		ropts.Logger = log
		a.rest = restapi.New(ropts)
		a.syncer = restapi.NewSyncer(a.rest, a.notes, scfg, config.CronParser, log)
	}

	stc, saveDelay, storeOn, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	if storeOn {
		st, err := storage.Open(stc, log)
		if err != nil {
			return nil, err
		}
		a.store = st
		a.saveDelay = saveDelay
		log.Info("storage enabled", logx.String("driver", stc.Driver))
	}

	rtcfg, err := mapRealtimeConfig(cfg)
	if err != nil {
		return nil, err
	}
	deps := realtime.Deps{
		Router:     a.router,
		Supervisor: a.sup,
		Store:      a.notes,
		Alerts:     a.alerts,
		History:    a.history,
		Bus:        a.bus,
		Log:        log,
	}
	if a.rest != nil {
		deps.Remote = a.rest
	}
	a.rt = realtime.New(rtcfg, deps, settings)

	a.inspect = inspect.New(mapInspectConfig(cfg), a.rt, a.health, log)
	return a, nil
}

// token is read on every REST request so rotation needs no rebuild.
func (a *App) token() string {
	if cfg := a.cfgm.Get(); cfg != nil {
		return cfg.Server.Token
	}
	return ""
}

// Realtime is the facade the inspect API drives.
func (a *App) Realtime() *realtime.Service { return a.rt }

// InspectAddr is the bound inspect address, or "" when it is not serving.
func (a *App) InspectAddr() string { return a.inspect.Addr() }

// Done is closed when the app routine group is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.grp == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.grp.Context().Done()
}

// Err returns the first fatal error observed by the routine group.
func (a *App) Err() error {
	if a.grp == nil {
		return nil
	}
	return a.grp.Err()
}

type healthReport struct {
	Connection connection.Status  `json:"connection"`
	Transport  transport.Stats    `json:"transport"`
	Router     router.Stats       `json:"router"`
	Alerts     alert.Stats        `json:"alerts"`
	Sync       *restapi.SyncStats `json:"sync,omitempty"`
	BusDropped uint64             `json:"busDropped"`
	Logs       logx.Counts        `json:"logs"`
	Unread     int                `json:"unread"`
	Routines   []routine.Stats    `json:"routines"`
}

func (a *App) health() any {
	h := healthReport{
		Connection: a.sup.Status(),
		Transport:  a.tr.Stats(),
		Router:     a.router.Stats(),
		Alerts:     a.alerts.Stats(),
		BusDropped: a.bus.Dropped(),
		Logs:       a.logs.Counts(),
		Unread:     a.notes.UnreadCount(),
	}
	if a.syncer != nil {
		st := a.syncer.Stats()
		h.Sync = &st
	}
	if a.grp != nil {
		h.Routines = a.grp.Snapshot()
	}
	return h
}

func (a *App) Start(ctx context.Context) error {
	a.grp = routine.NewGroup(ctx, routine.WithLogger(a.log), routine.WithCancelOnError(true))
	a.spawn.g.Store(a.grp)
	gctx := a.grp.Context()

	// transactional config reload: validate before commit/publish
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error { return validate(cfg) })

	if a.store != nil {
		a.restore(gctx)
	}
	a.rt.Start(gctx)

	if a.store != nil {
		a.grp.Go("storage.persist", a.persistLoop)
	}
	if a.syncer != nil {
		if err := a.syncer.Start(gctx); err != nil {
			return fmt.Errorf("rest sync: %w", err)
		}
	}
	a.inspect.Start(gctx)

	events, unsub := a.bus.Subscribe(128)
	a.grp.Go("eventbus.log", func(c context.Context) error {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return nil
			case e, ok := <-events:
				if !ok {
					return nil
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	sub := a.cfgm.Subscribe(8)
	a.grp.Go("config.reload", func(c context.Context) error {
		defer a.cfgm.Unsubscribe(sub)
		lastApplied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return nil
			case newCfg, ok := <-sub:
				if !ok {
					return nil
				}
				// Coalesce bursts: keep only the latest config in the channel.
			drain:
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						break drain
					}
				}
				a.applyConfig(c, lastApplied, newCfg)
				lastApplied = newCfg
			}
		}
	})
	a.grp.Go("config.watch", a.cfgm.Watch)

	settings := a.rt.Settings()
	tok := a.token()
	if tok == "" && settings.AutoConnect {
		a.log.Warn("no server token configured; waiting for one before connecting")
	}
	a.sup.SetCredential(tok, settings.AutoConnect)

	a.log.Info("app started", logx.Bool("auto_connect", settings.AutoConnect))
	return nil
}

// applyConfig pushes a committed reload into the live components.
func (a *App) applyConfig(ctx context.Context, prev, next *config.Config) {
	sections, attrs := config.SummarizeConfigChange(prev, next)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	a.log.Debug("config change summary", append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)...)

	if prev != nil {
		if strings.TrimSpace(prev.Server.URL) != strings.TrimSpace(next.Server.URL) || prev.Transport != next.Transport {
			a.log.Warn("server url or transport changed; restart required for changes to take effect")
		}
		if prev.Notifications.Limit != next.Notifications.Limit {
			a.log.Warn("notifications.limit changed; restart required for changes to take effect")
		}
	}
	for _, s := range sections {
		switch s {
		case "storage", "rest":
			a.log.Warn(s + " config changed; restart required for changes to take effect")
		}
	}

	a.logs.Apply(mapLoggingConfig(next))

	settings := a.rt.Settings()
	if acfg, err := mapAlertConfig(next, settings.NotificationsEnabled); err != nil {
		a.log.Warn("invalid alerts config; keeping previous", logx.Err(err))
	} else {
		a.alerts.Apply(acfg)
	}
	if ccfg, err := mapConnectionConfig(next); err != nil {
		a.log.Warn("invalid connection config; keeping previous", logx.Err(err))
	} else {
		a.sup.Apply(ccfg)
	}
	if rtcfg, err := mapRealtimeConfig(next); err != nil {
		a.log.Warn("invalid contractor config; keeping previous", logx.Err(err))
	} else {
		a.rt.Apply(rtcfg)
	}
	a.inspect.Reconfigure(ctx, mapInspectConfig(next))

	if prev == nil || prev.Server.Token != next.Server.Token {
		a.log.Info("server credential rotated", logx.Secret("token", next.Server.Token))
		a.sup.SetCredential(next.Server.Token, settings.AutoConnect)
	}

	a.log.Info("config reloaded", append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)...)
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.grp == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	// Cancel first so background loops start unwinding immediately.
	a.grp.Cancel()

	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", max))

		stepCtx := ctx
		if max > 0 {
			// respect the caller's deadline; never extend it
			if dl, ok := ctx.Deadline(); ok {
				max = min(max, time.Until(dl))
			}
			if max > 0 {
				var cancel context.CancelFunc
				stepCtx, cancel = context.WithTimeout(ctx, max)
				defer cancel()
			}
		}

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			took := time.Since(start)
			if took >= 500*time.Millisecond {
				a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
			} else {
				a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
			}
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Err(stepCtx.Err()),
				logx.Duration("elapsed", time.Since(start)),
			)
			go func() {
				err := <-done
				took := time.Since(start)
				if err != nil {
					a.log.Warn("stop step finished after deadline", logx.String("name", name), logx.Err(err), logx.Duration("took", took))
				} else {
					a.log.Info("stop step finished after deadline", logx.String("name", name), logx.Duration("took", took))
				}
			}()
		}
	}

	// Outer surfaces first, then the pipeline, then persistence.
	step("inspect", time.Second, func(c context.Context) error { a.inspect.Stop(c); return nil })
	step("rest.sync", 2*time.Second, func(c context.Context) error {
		if a.syncer != nil {
			a.syncer.Stop(c)
		}
		return nil
	})
	step("realtime", 2*time.Second, a.rt.Stop)
	step("connection", time.Second, func(context.Context) error { a.sup.Close(); return nil })
	step("alerts", time.Second, a.alerts.Wait)
	if a.store != nil {
		step("storage.save", 2*time.Second, a.save)
		step("storage", time.Second, func(context.Context) error { return a.store.Close() })
	}

	// Finally, wait for the routine group (config watch/reload, read loops, etc.)
	step("routines", 2*time.Second, a.grp.Wait)

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}
