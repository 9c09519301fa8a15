package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	logx "bouncelink/pkg/logx"

	_ "github.com/lib/pq"
)

const (
	postgresStateTable = "bouncelink_state"
	postgresNotesTable = "bouncelink_notifications"
	schemaTimeout      = 5 * time.Second
)

// postgresSchema is applied on first use. %[1]s and %[2]s are the quoted
// state and notification table names.
const postgresSchema = `
CREATE TABLE IF NOT EXISTS %[1]s (
	id INTEGER PRIMARY KEY CHECK (id = 1),
	notifications_enabled BOOLEAN NOT NULL,
	auto_connect BOOLEAN NOT NULL,
	saved_at TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS %[2]s (
	position INTEGER PRIMARY KEY,
	id TEXT NOT NULL UNIQUE,
	type TEXT NOT NULL,
	title TEXT NOT NULL,
	message TEXT NOT NULL,
	data TEXT,
	ts TEXT NOT NULL,
	is_read BOOLEAN NOT NULL,
	priority TEXT NOT NULL
)`

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

// postgresStore connects lazily so a database that is down at start only
// fails the first save, not the daemon.
type postgresStore struct {
	*sqlStore
	dsn    string
	openDB sqlOpenFunc

	initOnce sync.Once
	initErr  error
}

func openPostgres(cfg Config, log logx.Logger) (Store, error) {
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, errors.New("storage.dsn is required for postgres driver")
	}
	return newPostgresStore(dsn, postgresStateTable, postgresNotesTable, log), nil
}

func newPostgresStore(dsn, stateTable, notesTable string, log logx.Logger) *postgresStore {
	p := &postgresStore{dsn: dsn, openDB: sql.Open}
	p.sqlStore = &sqlStore{
		log:        log,
		stateTable: stateTable,
		notesTable: notesTable,
		rebind:     dollarPlaceholders,
		ready:      p.ensureReady,
	}
	return p
}

func (p *postgresStore) ensureReady() (*sql.DB, error) {
	p.initOnce.Do(func() {
		db, err := p.openDB("postgres", p.dsn)
		if err != nil {
			p.initErr = err
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), schemaTimeout)
		defer cancel()
		ddl := fmt.Sprintf(postgresSchema, quoteIdent(p.stateTable), quoteIdent(p.notesTable))
		if _, err := db.ExecContext(ctx, ddl); err != nil {
			_ = db.Close()
			p.initErr = fmt.Errorf("postgres schema: %w", err)
			return
		}
		p.db = db
	})
	return p.db, p.initErr
}
