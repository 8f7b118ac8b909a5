package storage

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
)

const pgUniqueViolation = "23505"

type postgresStore struct {
	baseStore
}

func NewPostgres(dsn string) (Store, error) {
	if strings.TrimSpace(dsn) == "" {
		dsn = "postgres://localhost:5432/warden?sslmode=disable"
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	return &postgresStore{baseStore{db: db, bind: rebindDollar, conflict: isPgUniqueViolation}}, nil
}

func isPgUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation
}

func (s *postgresStore) Init(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	return s.exec(ctx, []string{
		`CREATE TABLE IF NOT EXISTS mod_actions (
			id BIGSERIAL PRIMARY KEY,
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
			score DOUBLE PRECISION NOT NULL,
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
			context_json JSONB
		)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_log_ts ON audit_log(ts)`,
		`CREATE TABLE IF NOT EXISTS activity (
			id BIGSERIAL PRIMARY KEY,
			ts TEXT NOT NULL,
			guild_id TEXT NOT NULL,
			window_sec INTEGER NOT NULL,
			messages INTEGER NOT NULL,
			suppressed INTEGER NOT NULL,
			restricted INTEGER NOT NULL,
			authors INTEGER NOT NULL,
			mps DOUBLE PRECISION NOT NULL,
			sr DOUBLE PRECISION NOT NULL,
			ad DOUBLE PRECISION NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_activity_guild_window ON activity(guild_id, window_sec)`,
	})
}
