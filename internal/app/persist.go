package app

import (
	"context"
	"time"

	"bouncelink/internal/eventbus"
	"bouncelink/internal/realtime"
	"bouncelink/internal/storage"
	logx "bouncelink/pkg/logx"
)

const storageOpTimeout = 5 * time.Second

// restore folds the last saved state into the store and settings. A
// broken store is logged and the app starts empty.
func (a *App) restore(ctx context.Context) {
	lctx, cancel := context.WithTimeout(ctx, storageOpTimeout)
	defer cancel()
	st, ok, err := a.store.LoadState(lctx)
	if err != nil {
		a.log.Warn("state restore failed; starting empty", logx.Err(err))
		return
	}
	if !ok {
		a.log.Debug("no saved state")
		return
	}
	added := a.notes.Merge(st.Notifications)
	a.rt.SetSettings(realtime.Settings(st.Settings))
	a.log.Info("state restored",
		logx.Int("notifications", added),
		logx.Time("saved_at", st.SavedAt),
	)
}

// persistLoop saves once per burst of changes. The first change arms the
// timer; later ones ride along until it fires.
func (a *App) persistLoop(ctx context.Context) error {
	events, unsub := a.bus.Subscribe(64, eventbus.TopicNotificationsChanged, eventbus.TopicSettingsChanged)
	defer unsub()

	timer := time.NewTimer(a.saveDelay)
	timer.Stop()
	defer timer.Stop()
	armed := false

	for {
		select {
		case <-ctx.Done():
			return nil
		case _, ok := <-events:
			if !ok {
				return nil
			}
			if !armed {
				timer.Reset(a.saveDelay)
				armed = true
			}
		case <-timer.C:
			armed = false
			if err := a.save(ctx); err != nil && ctx.Err() == nil {
				a.log.Warn("state save failed", logx.Err(err))
			}
		}
	}
}

func (a *App) snapshot() storage.State {
	return storage.State{
		Settings:      storage.Settings(a.rt.Settings()),
		Notifications: a.notes.Recent(storage.MaxNotifications),
		SavedAt:       time.Now(),
	}
}

func (a *App) save(ctx context.Context) error {
	sctx, cancel := context.WithTimeout(ctx, storageOpTimeout)
	defer cancel()
	st := a.snapshot()
	if err := a.store.SaveState(sctx, st); err != nil {
		return err
	}
	a.log.Debug("state saved", logx.Int("notifications", len(st.Notifications)))
	return nil
}
