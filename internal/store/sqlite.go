package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"mensabot/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

// Config configures the SQLite store.
type Config struct {
	Path        string
	BusyTimeout time.Duration // 0 means driver default
}

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

// Open opens (or creates) the registration database and runs migrations.
func Open(cfg Config, log logx.Logger) (Registrations, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, err
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	st := &sqliteStore{db: db, log: log}
	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) UpsertFull(ctx context.Context, chatID, mensaID int64, hour, minute int) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO registrations(chat_id, mensa_id, hour, minute, updated_at)
		 VALUES(?,?,?,?,?)
		 ON CONFLICT(chat_id) DO UPDATE SET
		   mensa_id   = excluded.mensa_id,
		   hour       = excluded.hour,
		   minute     = excluded.minute,
		   updated_at = excluded.updated_at`,
		chatID, mensaID, hour, minute, time.Now().Unix(),
	)
	return err
}

func (s *sqliteStore) UpdatePartial(ctx context.Context, chatID int64, p Patch) error {
	if p.Empty() {
		return nil
	}
	sets := make([]string, 0, 4)
	args := make([]any, 0, 5)
	if p.MensaID != nil {
		sets = append(sets, "mensa_id = ?")
		args = append(args, *p.MensaID)
	}
	if p.Hour != nil {
		sets = append(sets, "hour = ?")
		args = append(args, *p.Hour)
	}
	if p.Minute != nil {
		sets = append(sets, "minute = ?")
		args = append(args, *p.Minute)
	}
	sets = append(sets, "updated_at = ?")
	args = append(args, time.Now().Unix(), chatID)

	res, err := s.db.ExecContext(ctx,
		"UPDATE registrations SET "+strings.Join(sets, ", ")+" WHERE chat_id = ?", args...)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("no registration for chat %d", chatID)
	}
	return nil
}

func (s *sqliteStore) ClearSchedule(ctx context.Context, chatID int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE registrations SET hour = NULL, minute = NULL, updated_at = ? WHERE chat_id = ?`,
		time.Now().Unix(), chatID,
	)
	return err
}

func (s *sqliteStore) SetLastMarkup(ctx context.Context, chatID int64, messageID int, sentAt time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE registrations SET last_markup_id = ?, last_sent = ?, updated_at = ? WHERE chat_id = ?`,
		messageID, sentAt.Unix(), time.Now().Unix(), chatID,
	)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("no registration for chat %d", chatID)
	}
	return nil
}

func (s *sqliteStore) LoadAll(ctx context.Context) ([]Row, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT chat_id, mensa_id, hour, minute, last_markup_id, last_sent FROM registrations`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Row
	for rows.Next() {
		var (
			r      Row
			hour   sql.NullInt64
			minute sql.NullInt64
			markup sql.NullInt64
			sent   sql.NullInt64
		)
		if err := rows.Scan(&r.ChatID, &r.MensaID, &hour, &minute, &markup, &sent); err != nil {
			return nil, err
		}
		r.Hour = nullableInt(hour)
		r.Minute = nullableInt(minute)
		r.LastMarkupID = nullableInt(markup)
		r.LastSent = nullableTime(sent)
		out = append(out, r)
	}
	return out, rows.Err()
}

func nullableInt(n sql.NullInt64) *int {
	if !n.Valid {
		return nil
	}
	v := int(n.Int64)
	return &v
}

func nullableTime(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := time.Unix(n.Int64, 0)
	return &t
}
