package storage

import (
	"context"
	"errors"
	"strings"

	logx "bouncelink/pkg/logx"
)

// Store round-trips the persisted State.
type Store interface {
	// LoadState reports ok=false when nothing has been saved yet.
	LoadState(ctx context.Context) (st State, ok bool, err error)
	SaveState(ctx context.Context, st State) error
	Close() error
}

// Open initializes the configured store.
// It returns (nil, nil) if storage is disabled.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" || driver == "none" {
		return nil, nil
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.With(logx.String("comp", "storage"), logx.String("driver", driver))

	switch driver {
	case "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	case "postgres", "postgresql":
		return openPostgres(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}
