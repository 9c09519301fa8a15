package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"bouncelink/internal/notifications"
	"bouncelink/internal/wire"
	logx "bouncelink/pkg/logx"
)

// sqlStore is the State layout shared by the sqlite and postgres drivers:
// one settings row plus one row per notification ordered by position.
type sqlStore struct {
	log logx.Logger

	stateTable string
	notesTable string
	// rebind rewrites "?" placeholders for drivers that number them.
	rebind func(q string) string
	// ready opens the database on first use. It may be nil.
	ready func() (*sql.DB, error)
	db    *sql.DB
}

func (s *sqlStore) conn() (*sql.DB, error) {
	if s == nil {
		return nil, ErrDisabled
	}
	if s.ready != nil {
		return s.ready()
	}
	if s.db == nil {
		return nil, ErrDisabled
	}
	return s.db, nil
}

func (s *sqlStore) q(format string) string {
	q := fmt.Sprintf(format, quoteIdent(s.stateTable), quoteIdent(s.notesTable))
	if s.rebind != nil {
		q = s.rebind(q)
	}
	return q
}

func (s *sqlStore) LoadState(ctx context.Context) (State, bool, error) {
	db, err := s.conn()
	if err != nil {
		return State{}, false, err
	}
	var (
		st      State
		savedAt string
	)
	err = db.QueryRowContext(ctx,
		s.q(`SELECT notifications_enabled, auto_connect, saved_at FROM %[1]s WHERE id = 1`),
	).Scan(&st.Settings.NotificationsEnabled, &st.Settings.AutoConnect, &savedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return State{}, false, nil
	}
	if err != nil {
		return State{}, false, err
	}
	if st.SavedAt, err = time.Parse(time.RFC3339Nano, savedAt); err != nil {
		return State{}, false, fmt.Errorf("saved_at: %w", err)
	}

	rows, err := db.QueryContext(ctx, s.q(
		`SELECT id, type, title, message, data, ts, is_read, priority FROM %[2]s ORDER BY position LIMIT `+
			strconv.Itoa(MaxNotifications)))
	if err != nil {
		return State{}, false, err
	}
	defer rows.Close()
	for rows.Next() {
		var (
			n        notifications.Notification
			data     sql.NullString
			ts, prio string
		)
		if err := rows.Scan(&n.ID, &n.Type, &n.Title, &n.Message, &data, &ts, &n.IsRead, &prio); err != nil {
			return State{}, false, err
		}
		if data.Valid && data.String != "" {
			n.Data = json.RawMessage(data.String)
		}
		if n.Timestamp, err = time.Parse(time.RFC3339Nano, ts); err != nil {
			s.log.Warn("stored notification has bad timestamp", logx.String("id", n.ID), logx.Err(err))
			continue
		}
		n.Priority = wire.ParsePriority(prio)
		st.Notifications = append(st.Notifications, n)
	}
	if err := rows.Err(); err != nil {
		return State{}, false, err
	}
	return st, true, nil
}

func (s *sqlStore) SaveState(ctx context.Context, st State) error {
	db, err := s.conn()
	if err != nil {
		return err
	}
	st = st.trimmed()
	if st.SavedAt.IsZero() {
		st.SavedAt = time.Now().UTC()
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, s.q(
		`INSERT INTO %[1]s(id, notifications_enabled, auto_connect, saved_at) VALUES(1, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   notifications_enabled = excluded.notifications_enabled,
		   auto_connect = excluded.auto_connect,
		   saved_at = excluded.saved_at`),
		st.Settings.NotificationsEnabled, st.Settings.AutoConnect, st.SavedAt.UTC().Format(time.RFC3339Nano),
	); err != nil {
		return fmt.Errorf("save settings: %w", err)
	}
	if _, err := tx.ExecContext(ctx, s.q(`DELETE FROM %[2]s`)); err != nil {
		return fmt.Errorf("clear notifications: %w", err)
	}
	insert := s.q(`INSERT INTO %[2]s(position, id, type, title, message, data, ts, is_read, priority)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	seen := make(map[string]struct{}, len(st.Notifications))
	pos := 0
	for _, n := range st.Notifications {
		if _, dup := seen[n.ID]; dup || n.ID == "" {
			continue
		}
		seen[n.ID] = struct{}{}
		if _, err := tx.ExecContext(ctx, insert,
			pos, n.ID, n.Type, n.Title, n.Message, nullRaw(n.Data),
			n.Timestamp.UTC().Format(time.RFC3339Nano), n.IsRead, string(n.Priority),
		); err != nil {
			return fmt.Errorf("save notification %s: %w", n.ID, err)
		}
		pos++
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	s.log.Debug("state saved", logx.Int("notifications", pos))
	return nil
}

func (s *sqlStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func nullRaw(v json.RawMessage) any {
	if len(strings.TrimSpace(string(v))) == 0 {
		return nil
	}
	return string(v)
}

func quoteIdent(identifier string) string {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return `""`
	}
	return `"` + strings.ReplaceAll(identifier, `"`, `""`) + `"`
}

// dollarPlaceholders turns each "?" into $1, $2, ... in order.
func dollarPlaceholders(q string) string {
	var b strings.Builder
	b.Grow(len(q) + 16)
	n := 0
	for i := 0; i < len(q); i++ {
		if q[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(q[i])
	}
	return b.String()
}
