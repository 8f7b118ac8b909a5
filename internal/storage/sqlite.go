package storage

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

type sqliteStore struct {
	baseStore
}

func NewSQLite(dsn string) (Store, error) {
	if strings.TrimSpace(dsn) == "" {
		dsn = "file:warden.db?_pragma=busy_timeout(5000)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	// One writer keeps case number allocation serialized.
	db.SetMaxOpenConns(1)
	return &sqliteStore{baseStore{db: db, conflict: isSQLiteConstraint}}, nil
}

func isSQLiteConstraint(err error) bool {
	var serr *sqlite.Error
	if !errors.As(err, &serr) {
		return false
	}
	// extended codes keep the primary code in the low byte
	return serr.Code()&0xff == sqlite3.SQLITE_CONSTRAINT
}

func (s *sqliteStore) Init(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	return s.exec(ctx, []string{
		`CREATE TABLE IF NOT EXISTS mod_actions (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			guild_id TEXT NOT NULL,
			case_number INTEGER NOT NULL,
			action_type TEXT NOT NULL,
			offender_id TEXT NOT NULL,
			moderator_id TEXT NOT NULL,
			reason TEXT NOT NULL,
			minutes INTEGER NOT NULL DEFAULT 0,
			created_at TEXT NOT NULL,
			UNIQUE (guild_id, case_number)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_mod_actions_offender ON mod_actions(guild_id, offender_id)`,
		`CREATE TABLE IF NOT EXISTS reputation (
			guild_id TEXT NOT NULL,
			user_id TEXT NOT NULL,
			score REAL NOT NULL,
			updated_at TEXT NOT NULL,
			PRIMARY KEY (guild_id, user_id)
		)`,
		`CREATE TABLE IF NOT EXISTS guild_settings (
			guild_id TEXT PRIMARY KEY,
			settings_json TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS audit_log (
			id TEXT PRIMARY KEY,
			ts TEXT NOT NULL,
			kind TEXT NOT NULL,
			guild_id TEXT NOT NULL,
			user_id TEXT,
			channel_id TEXT,
			context_json TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_log_ts ON audit_log(ts)`,
		`CREATE TABLE IF NOT EXISTS activity (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			ts TEXT NOT NULL,
			guild_id TEXT NOT NULL,
			window_sec INTEGER NOT NULL,
			messages INTEGER NOT NULL,
			suppressed INTEGER NOT NULL,
			restricted INTEGER NOT NULL,
			authors INTEGER NOT NULL,
			mps REAL NOT NULL,
			sr REAL NOT NULL,
			ad REAL NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_activity_guild_window ON activity(guild_id, window_sec)`,
	})
}
