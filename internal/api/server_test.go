package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"warden/internal/audit"
	"warden/internal/config"
	"warden/internal/engine"
	"warden/internal/metrics"
	"warden/internal/model"
	"warden/internal/reputation"
	"warden/internal/settings"
	"warden/internal/storage"
)

// auditTrail notes every entry persisted through it.
type auditTrail struct {
	storage.Store
	mu      sync.Mutex
	entries []model.AuditEntry
}

func (a *auditTrail) SaveAudit(ctx context.Context, entry model.AuditEntry) error {
	a.mu.Lock()
	a.entries = append(a.entries, entry)
	a.mu.Unlock()
	return a.Store.SaveAudit(ctx, entry)
}

func (a *auditTrail) kinds(kind model.AuditKind) []model.AuditEntry {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []model.AuditEntry
	for _, e := range a.entries {
		if e.Kind == kind {
			out = append(out, e)
		}
	}
	return out
}

type fixture struct {
	trail    *auditTrail
	handler  http.Handler
	cfg      *config.Manager
	engine   *engine.Engine
	audit    *audit.Store
	activity *metrics.Store
}

func newFixture(t *testing.T, withStore bool) *fixture {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "warden.yaml")
	require.NoError(t, os.WriteFile(path, []byte("log_level: info\nguilds:\n  defaults:\n    antispam:\n      enabled: true\n"), 0o600))
	mgr, err := config.NewManager(path)
	require.NoError(t, err)
	cfg := mgr.Get()

	var st storage.Store
	var trail *auditTrail
	if withStore {
		base, err := storage.NewSQLite("file:" + filepath.Join(dir, "warden.db"))
		require.NoError(t, err)
		require.NoError(t, base.Init(context.Background()))
		t.Cleanup(func() { _ = base.Close() })
		trail = &auditTrail{Store: base}
		st = trail
	}

	auditStore := audit.NewStore(100)
	activity := metrics.NewStore(100)
	svc := settings.NewService(cfg.Guilds.Defaults, st, 100, 0, nil)
	rep := reputation.NewTracker(reputation.DefaultOptions(), st, nil)
	eng, err := engine.NewEngine(cfg, engine.Deps{
		Settings:   svc,
		Reputation: rep,
		Activity:   activity,
		Audit:      auditStore,
		Store:      st,
	})
	require.NoError(t, err)
	t.Cleanup(eng.Close)

	srv := NewServer(Deps{
		Config:     mgr,
		Activity:   activity,
		Audit:      auditStore,
		Engine:     eng,
		Settings:   svc,
		Reputation: rep,
		Store:      st,
		Version:    "test",
	})
	return &fixture{trail: trail, handler: srv.Handler(), cfg: mgr, engine: eng, audit: auditStore, activity: activity}
}

func (f *fixture) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v))
	return v
}

func TestStatus(t *testing.T) {
	f := newFixture(t, false)
	rec := f.do(t, http.MethodGet, "/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decode[statusResponse](t, rec)
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, "test", resp.Version)
	assert.Equal(t, 3, resp.Engine.Suppress)
	assert.Equal(t, 5, resp.Engine.Restrict)

	assert.Equal(t, http.StatusMethodNotAllowed, f.do(t, http.MethodPost, "/status", nil).Code)
}

func TestAntiSpamSettings(t *testing.T) {
	f := newFixture(t, false)

	rec := f.do(t, http.MethodPost, "/guilds/g1/antispam", map[string]any{"enabled": false})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, decode[model.AntiSpamSettings](t, rec).Enabled)

	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodPost, "/guilds/g1/antispam", map[string]any{}).Code)

	rec = f.do(t, http.MethodPost, "/guilds/g1/antispam/ignored/c1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	rec = f.do(t, http.MethodPost, "/guilds/g1/antispam/ignored/c1", nil)
	assert.Equal(t, []string{"c1"}, decode[model.AntiSpamSettings](t, rec).IgnoredChannels)

	rec = f.do(t, http.MethodDelete, "/guilds/g1/antispam/ignored/c1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, decode[model.AntiSpamSettings](t, rec).IgnoredChannels)

	rec = f.do(t, http.MethodGet, "/guilds/g1/antispam", nil)
	assert.False(t, decode[model.AntiSpamSettings](t, rec).Enabled)
}

func TestNameSanitizerAndModLogs(t *testing.T) {
	f := newFixture(t, false)

	rec := f.do(t, http.MethodPost, "/guilds/g1/name-sanitizer", model.NameSanitizerSettings{Enabled: true, CleanFancyCharacters: true})
	require.Equal(t, http.StatusOK, rec.Code)
	ns := decode[model.NameSanitizerSettings](t, rec)
	assert.True(t, ns.Enabled)
	assert.Equal(t, "nickname", ns.BlankFallbackName)

	rec = f.do(t, http.MethodPost, "/guilds/g1/modlogs", map[string]string{"kind": "escalations", "channel_id": "c9"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "c9", decode[map[model.LogChannel]string](t, rec)[model.LogEscalations])

	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodPost, "/guilds/g1/modlogs", map[string]string{"kind": "bogus"}).Code)

	rec = f.do(t, http.MethodGet, "/guilds/g1/modlogs", nil)
	assert.Equal(t, "c9", decode[map[model.LogChannel]string](t, rec)[model.LogEscalations])
}

func TestCases(t *testing.T) {
	f := newFixture(t, true)

	rec := f.do(t, http.MethodPost, "/guilds/g1/cases", map[string]any{
		"type": "warn", "offender_id": "u1", "moderator_id": "m1", "reason": "rude",
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	saved := decode[model.ModAction](t, rec)
	assert.Equal(t, 1, saved.CaseNumber)
	assert.Equal(t, model.ActionWarn, saved.Type)

	rec = f.do(t, http.MethodPost, "/guilds/g1/cases", map[string]any{"type": "ban", "offender_id": "u2"})
	assert.Equal(t, 2, decode[model.ModAction](t, rec).CaseNumber)

	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodPost, "/guilds/g1/cases", map[string]any{"type": "smite", "offender_id": "u1"}).Code)
	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodPost, "/guilds/g1/cases", map[string]any{"type": "warn"}).Code)

	rec = f.do(t, http.MethodGet, "/guilds/g1/cases/1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "u1", decode[model.ModAction](t, rec).OffenderID)

	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "/guilds/g1/cases/99", nil).Code)
	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodGet, "/guilds/g1/cases/abc", nil).Code)

	rec = f.do(t, http.MethodGet, "/guilds/g1/cases?offender=u2", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	list := decode[struct {
		Cases []model.ModAction `json:"cases"`
		Count int               `json:"count"`
	}](t, rec)
	require.Equal(t, 1, list.Count)
	assert.Equal(t, model.ActionBan, list.Cases[0].Type)

	recorded := f.audit.ForGuild("g1", model.AuditActionRecorded)
	assert.Len(t, recorded, 2)
	persisted := f.trail.kinds(model.AuditActionRecorded)
	require.Len(t, persisted, 2)
	assert.ElementsMatch(t, []string{recorded[0].ID, recorded[1].ID}, []string{persisted[0].ID, persisted[1].ID})
}

func TestCasesWithoutStore(t *testing.T) {
	f := newFixture(t, false)
	assert.Equal(t, http.StatusServiceUnavailable, f.do(t, http.MethodGet, "/guilds/g1/cases", nil).Code)
}

func TestReputationAndActivity(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()
	f.engine.ProcessEvent(ctx, model.Event{
		Kind: model.KindMessageCreate, GuildID: "g1", ChannelID: "c1", ChannelKind: model.ChannelText,
		MessageID: "m1", AuthorID: "u1", Content: "hello",
	})

	rec := f.do(t, http.MethodGet, "/guilds/g1/reputation/u1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	rep := decode[map[string]any](t, rec)
	assert.InDelta(t, 0.035, rep["score"], 1e-9)

	rec = f.do(t, http.MethodGet, "/activity/g1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "/activity/nope", nil).Code)

	rec = f.do(t, http.MethodPost, "/admin/restart", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Zero(t, f.activity.Len())
}

func TestAuditEndpoint(t *testing.T) {
	f := newFixture(t, false)
	f.audit.Add(model.AuditEntry{Kind: model.AuditNameSanitized, GuildID: "g1"})
	f.audit.Add(model.AuditEntry{Kind: model.AuditMessageSuppressed, GuildID: "g2"})

	rec := f.do(t, http.MethodGet, "/audit?guild=g2", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 1, decode[map[string]any](t, rec)["count"])

	rec = f.do(t, http.MethodGet, "/audit?limit=1", nil)
	assert.EqualValues(t, 1, decode[map[string]any](t, rec)["count"])

	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodGet, "/audit?since=yesterday", nil).Code)

	rec = f.do(t, http.MethodPost, "/admin/clear", map[string]string{"target": "audit"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Zero(t, f.audit.Len())
	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodPost, "/admin/clear", map[string]string{"target": "bogus"}).Code)
}

func TestExemptionsUpdateConfig(t *testing.T) {
	f := newFixture(t, false)
	rec := f.do(t, http.MethodPost, "/config/exemptions", exemptionsBody{Users: []string{" u1 ", ""}, Roles: []string{"r1"}})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"u1"}, f.cfg.Get().AntiSpam.ExemptUsers)

	out := f.engine.ProcessEvent(context.Background(), model.Event{
		Kind: model.KindMessageCreate, GuildID: "g1", ChannelID: "c1", ChannelKind: model.ChannelText,
		AuthorID: "u1", Content: "hi",
	})
	assert.Equal(t, engine.SkipExempt, out.Skipped)

	rec = f.do(t, http.MethodGet, "/config/exemptions", nil)
	assert.Equal(t, []string{"r1"}, decode[exemptionsBody](t, rec).Roles)
}
