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

	"warden/internal/config"
	"warden/internal/model"
)

var (
	ErrNotFound          = errors.New("storage: not found")
	ErrUnsupportedDriver = errors.New("storage: unsupported driver")
)

type Store interface {
	Init(ctx context.Context) error
	Close() error

	// SaveAction persists a moderator action, assigning the guild's next case number.
	SaveAction(ctx context.Context, action model.ModAction) (model.ModAction, error)
	GetAction(ctx context.Context, guildID string, caseNumber int) (model.ModAction, error)
	// ListActions returns the newest actions first. An empty offenderID lists all.
	ListActions(ctx context.Context, guildID, offenderID string, limit int) ([]model.ModAction, error)

	GetReputation(ctx context.Context, guildID, userID string) (float64, error)
	SetReputation(ctx context.Context, guildID, userID string, score float64) error

	GetGuildSettings(ctx context.Context, guildID string) (model.GuildSettings, error)
	SaveGuildSettings(ctx context.Context, settings model.GuildSettings) error

	SaveAudit(ctx context.Context, entry model.AuditEntry) error
	SaveActivity(ctx context.Context, guildID string, metrics []model.ActivityMetrics) error
}

func NewStore(cfg config.StorageConfig) (Store, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	switch strings.ToLower(cfg.Driver) {
	case "sqlite":
		return NewSQLite(cfg.DSN)
	case "postgres", "postgresql":
		return NewPostgres(cfg.DSN)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedDriver, cfg.Driver)
	}
}

// baseStore holds the queries shared by both drivers. Statements are written with
// ? placeholders and passed through bind before execution.
type baseStore struct {
	db   *sql.DB
	bind func(string) string
	// conflict reports a unique constraint violation from the driver.
	conflict func(error) bool
}

// Concurrent writers can both read the same MAX(case_number); the loser of the
// UNIQUE(guild_id, case_number) race retries with a fresh number.
const caseNumberAttempts = 3

func (b *baseStore) Close() error {
	if b.db != nil {
		return b.db.Close()
	}
	return nil
}

func (b *baseStore) q(query string) string {
	if b.bind == nil {
		return query
	}
	return b.bind(query)
}

func (b *baseStore) exec(ctx context.Context, stmts []string) error {
	for _, stmt := range stmts {
		if _, err := b.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func (b *baseStore) SaveAction(ctx context.Context, action model.ModAction) (model.ModAction, error) {
	if b.db == nil {
		return action, nil
	}
	if action.GuildID == "" {
		return action, errors.New("storage: action without guild id")
	}
	if !action.Type.Valid() {
		return action, fmt.Errorf("storage: invalid action type %q", action.Type)
	}
	if action.CreatedAt.IsZero() {
		action.CreatedAt = nowUTC()
	}
	var err error
	for attempt := 0; attempt < caseNumberAttempts; attempt++ {
		var saved model.ModAction
		saved, err = b.insertAction(ctx, action)
		if err == nil {
			return saved, nil
		}
		if b.conflict == nil || !b.conflict(err) {
			break
		}
	}
	return action, fmt.Errorf("save action: %w", err)
}

func (b *baseStore) insertAction(ctx context.Context, action model.ModAction) (model.ModAction, error) {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return action, err
	}
	var last int
	if err := tx.QueryRowContext(ctx,
		b.q(`SELECT COALESCE(MAX(case_number), 0) FROM mod_actions WHERE guild_id = ?`),
		action.GuildID,
	).Scan(&last); err != nil {
		_ = tx.Rollback()
		return action, err
	}
	action.CaseNumber = last + 1
	if _, err := tx.ExecContext(ctx,
		b.q(`INSERT INTO mod_actions (guild_id, case_number, action_type, offender_id, moderator_id, reason, minutes, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`),
		action.GuildID,
		action.CaseNumber,
		string(action.Type),
		action.OffenderID,
		action.ModeratorID,
		action.Reason,
		action.Minutes,
		formatTime(action.CreatedAt),
	); err != nil {
		_ = tx.Rollback()
		return action, err
	}
	return action, tx.Commit()
}

func (b *baseStore) GetAction(ctx context.Context, guildID string, caseNumber int) (model.ModAction, error) {
	if b.db == nil {
		return model.ModAction{}, ErrNotFound
	}
	row := b.db.QueryRowContext(ctx,
		b.q(`SELECT guild_id, case_number, action_type, offender_id, moderator_id, reason, minutes, created_at
		FROM mod_actions WHERE guild_id = ? AND case_number = ?`),
		guildID, caseNumber)
	action, err := scanAction(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.ModAction{}, ErrNotFound
	}
	return action, err
}

func (b *baseStore) ListActions(ctx context.Context, guildID, offenderID string, limit int) ([]model.ModAction, error) {
	if b.db == nil {
		return nil, nil
	}
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT guild_id, case_number, action_type, offender_id, moderator_id, reason, minutes, created_at
		FROM mod_actions WHERE guild_id = ?`
	args := []any{guildID}
	if offenderID != "" {
		query += ` AND offender_id = ?`
		args = append(args, offenderID)
	}
	query += ` ORDER BY case_number DESC LIMIT ` + strconv.Itoa(limit)
	rows, err := b.db.QueryContext(ctx, b.q(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]model.ModAction, 0)
	for rows.Next() {
		action, err := scanAction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, action)
	}
	return out, rows.Err()
}

func (b *baseStore) GetReputation(ctx context.Context, guildID, userID string) (float64, error) {
	if b.db == nil {
		return 0, ErrNotFound
	}
	var score float64
	err := b.db.QueryRowContext(ctx,
		b.q(`SELECT score FROM reputation WHERE guild_id = ? AND user_id = ?`),
		guildID, userID,
	).Scan(&score)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNotFound
	}
	return score, err
}

func (b *baseStore) SetReputation(ctx context.Context, guildID, userID string, score float64) error {
	if b.db == nil {
		return nil
	}
	_, err := b.db.ExecContext(ctx,
		b.q(`INSERT INTO reputation (guild_id, user_id, score, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT (guild_id, user_id) DO UPDATE SET score = excluded.score, updated_at = excluded.updated_at`),
		guildID, userID, score, formatTime(nowUTC()))
	return err
}

func (b *baseStore) GetGuildSettings(ctx context.Context, guildID string) (model.GuildSettings, error) {
	if b.db == nil {
		return model.GuildSettings{}, ErrNotFound
	}
	var raw string
	err := b.db.QueryRowContext(ctx,
		b.q(`SELECT settings_json FROM guild_settings WHERE guild_id = ?`),
		guildID,
	).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return model.GuildSettings{}, ErrNotFound
	}
	if err != nil {
		return model.GuildSettings{}, err
	}
	var gs model.GuildSettings
	if err := json.Unmarshal([]byte(raw), &gs); err != nil {
		return model.GuildSettings{}, fmt.Errorf("decode guild settings %s: %w", guildID, err)
	}
	gs.GuildID = guildID
	return gs, nil
}

func (b *baseStore) SaveGuildSettings(ctx context.Context, settings model.GuildSettings) error {
	if b.db == nil {
		return nil
	}
	if settings.GuildID == "" {
		return errors.New("storage: settings without guild id")
	}
	_, err := b.db.ExecContext(ctx,
		b.q(`INSERT INTO guild_settings (guild_id, settings_json, updated_at) VALUES (?, ?, ?)
		ON CONFLICT (guild_id) DO UPDATE SET settings_json = excluded.settings_json, updated_at = excluded.updated_at`),
		settings.GuildID, encodeJSON(settings), formatTime(nowUTC()))
	return err
}

func (b *baseStore) SaveAudit(ctx context.Context, entry model.AuditEntry) error {
	if b.db == nil {
		return nil
	}
	_, err := b.db.ExecContext(ctx,
		b.q(`INSERT INTO audit_log (id, ts, kind, guild_id, user_id, channel_id, context_json)
		VALUES (?, ?, ?, ?, ?, ?, ?)`),
		entry.ID,
		formatTime(entry.Timestamp),
		string(entry.Kind),
		entry.GuildID,
		entry.UserID,
		entry.ChannelID,
		encodeJSON(entry.Context),
	)
	return err
}

func (b *baseStore) SaveActivity(ctx context.Context, guildID string, metrics []model.ActivityMetrics) error {
	if b.db == nil || guildID == "" || len(metrics) == 0 {
		return nil
	}
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	stmt, err := tx.PrepareContext(ctx,
		b.q(`INSERT INTO activity (ts, guild_id, window_sec, messages, suppressed, restricted, authors, mps, sr, ad)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`))
	if err != nil {
		_ = tx.Rollback()
		return err
	}
	defer stmt.Close()
	ts := formatTime(nowUTC())
	for _, am := range metrics {
		if _, err := stmt.ExecContext(ctx,
			ts,
			guildID,
			am.WindowSec,
			am.Messages,
			am.Suppressed,
			am.Restricted,
			am.Authors,
			am.MPS,
			am.SR,
			am.AD,
		); err != nil {
			_ = tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAction(row rowScanner) (model.ModAction, error) {
	var (
		action  model.ModAction
		kind    string
		created string
	)
	if err := row.Scan(
		&action.GuildID,
		&action.CaseNumber,
		&kind,
		&action.OffenderID,
		&action.ModeratorID,
		&action.Reason,
		&action.Minutes,
		&created,
	); err != nil {
		return model.ModAction{}, err
	}
	action.Type = model.ActionType(kind)
	ts, err := time.Parse(time.RFC3339Nano, created)
	if err != nil {
		return model.ModAction{}, fmt.Errorf("parse created_at: %w", err)
	}
	action.CreatedAt = ts
	return action, nil
}

// rebindDollar rewrites ? placeholders to $1, $2, ... for postgres.
func rebindDollar(query string) string {
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func encodeJSON(value any) string {
	data, _ := json.Marshal(value)
	return string(data)
}

func formatTime(ts time.Time) string {
	return ts.UTC().Format(time.RFC3339Nano)
}

func nowUTC() time.Time {
	return time.Now().UTC()
}
