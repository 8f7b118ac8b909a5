// Package api exposes the admin HTTP surface: status, activity, audit history
// and per-guild moderation settings.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"warden/internal/audit"
	"warden/internal/config"
	"warden/internal/engine"
	"warden/internal/metrics"
	"warden/internal/model"
	"warden/internal/reputation"
	"warden/internal/settings"
	"warden/internal/storage"
)

type EngineControl interface {
	Reset()
	UpdateConfig(cfg *config.Config) error
	Status() engine.Status
}

type Deps struct {
	Config     *config.Manager
	Activity   *metrics.Store
	Audit      *audit.Store
	Engine     EngineControl
	Settings   *settings.Service
	Reputation *reputation.Tracker
	// Store may be nil; case endpoints then answer 503.
	Store   storage.Store
	Logger  *slog.Logger
	Version string
}

type Server struct {
	cfg        *config.Manager
	activity   *metrics.Store
	audit      *audit.Store
	engine     EngineControl
	settings   *settings.Service
	reputation *reputation.Tracker
	store      storage.Store
	logger     *slog.Logger
	version    string
}

type statusResponse struct {
	Status     string        `json:"status"`
	Time       string        `json:"time"`
	Version    string        `json:"version"`
	ConfigPath string        `json:"config_path"`
	Discord    bool          `json:"discord"`
	Ingest     ingestStatus  `json:"ingest"`
	API        apiStatus     `json:"api"`
	Engine     engine.Status `json:"engine"`
}

type ingestStatus struct {
	REST      bool `json:"rest"`
	FileTail  bool `json:"file_tail"`
	TCPStream bool `json:"tcp_stream"`
	Kafka     bool `json:"kafka"`
}

type apiStatus struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr"`
}

func NewServer(deps Deps) *Server {
	return &Server{
		cfg:        deps.Config,
		activity:   deps.Activity,
		audit:      deps.Audit,
		engine:     deps.Engine,
		settings:   deps.Settings,
		reputation: deps.Reputation,
		store:      deps.Store,
		logger:     deps.Logger,
		version:    deps.Version,
	}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/status", s.handleStatus)
	mux.HandleFunc("/activity", s.handleActivity)
	mux.HandleFunc("/activity/", s.handleActivity)
	mux.HandleFunc("/audit", s.handleAudit)
	mux.HandleFunc("/config/exemptions", s.handleExemptions)
	mux.HandleFunc("/admin/clear", s.handleClear)
	mux.HandleFunc("/admin/restart", s.handleRestart)

	mux.HandleFunc("GET /guilds/{guild}/antispam", s.handleGetAntiSpam)
	mux.HandleFunc("POST /guilds/{guild}/antispam", s.handleSetAntiSpam)
	mux.HandleFunc("POST /guilds/{guild}/antispam/ignored/{channel}", s.handleIgnoreChannel)
	mux.HandleFunc("DELETE /guilds/{guild}/antispam/ignored/{channel}", s.handleUnignoreChannel)
	mux.HandleFunc("GET /guilds/{guild}/name-sanitizer", s.handleGetNameSanitizer)
	mux.HandleFunc("POST /guilds/{guild}/name-sanitizer", s.handleSetNameSanitizer)
	mux.HandleFunc("GET /guilds/{guild}/modlogs", s.handleGetModLogs)
	mux.HandleFunc("POST /guilds/{guild}/modlogs", s.handleSetModLog)
	mux.HandleFunc("GET /guilds/{guild}/cases", s.handleListCases)
	mux.HandleFunc("POST /guilds/{guild}/cases", s.handleCreateCase)
	mux.HandleFunc("GET /guilds/{guild}/cases/{case}", s.handleGetCase)
	mux.HandleFunc("GET /guilds/{guild}/reputation/{user}", s.handleReputation)
	return mux
}

func Start(ctx context.Context, deps Deps) *http.Server {
	if deps.Config == nil {
		return nil
	}
	logger := deps.Logger
	current := deps.Config.Get().API
	if !current.Enabled {
		if logger != nil {
			logger.Info("api disabled")
		}
		return nil
	}
	if logger != nil {
		logger.Info("api enabled", "addr", current.Addr)
	}
	httpServer := &http.Server{
		Addr:              current.Addr,
		Handler:           NewServer(deps).Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(ctxShutdown)
	}()
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			if logger != nil {
				logger.Error("api server error", "err", err)
			}
		}
	}()
	return httpServer
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	cfg := s.cfg.Get()
	resp := statusResponse{
		Status:     "ok",
		Time:       time.Now().UTC().Format(time.RFC3339Nano),
		Version:    s.version,
		ConfigPath: s.cfg.Path(),
		Discord:    cfg.Discord.Enabled,
		Ingest: ingestStatus{
			REST:      cfg.Ingest.REST.Enabled,
			FileTail:  cfg.Ingest.FileTail.Enabled,
			TCPStream: cfg.Ingest.TCPStream.Enabled,
			Kafka:     cfg.Ingest.Kafka.Enabled,
		},
		API: apiStatus{Enabled: cfg.API.Enabled, Addr: cfg.API.Addr},
	}
	if s.engine != nil {
		resp.Engine = s.engine.Status()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleActivity(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	guild := strings.TrimPrefix(r.URL.Path, "/activity")
	guild = strings.TrimPrefix(guild, "/")
	if guild != "" {
		list, updated, ok := s.activity.Get(guild)
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"guild_id":   guild,
			"updated_at": updated.Format(time.RFC3339Nano),
			"activity":   list,
		})
		return
	}
	all := s.activity.GetAll()
	writeJSON(w, http.StatusOK, map[string]any{
		"activity": all,
		"count":    len(all),
	})
}

func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	q := r.URL.Query()
	limit := 0
	if v := q.Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			limit = n
		}
	}
	var list []model.AuditEntry
	switch {
	case q.Get("since") != "":
		ts, err := time.Parse(time.RFC3339, q.Get("since"))
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		list = s.audit.Since(ts)
	case q.Get("guild") != "":
		list = s.audit.ForGuild(q.Get("guild"), model.AuditKind(q.Get("kind")))
	default:
		list = s.audit.List(limit)
	}
	if limit > 0 && len(list) > limit {
		list = list[len(list)-limit:]
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"entries": list,
		"count":   len(list),
	})
}

type exemptionsBody struct {
	Users []string `json:"users"`
	Roles []string `json:"roles"`
}

func (s *Server) handleExemptions(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		cfg := s.cfg.Get()
		writeJSON(w, http.StatusOK, exemptionsBody{Users: cfg.AntiSpam.ExemptUsers, Roles: cfg.AntiSpam.ExemptRoles})
	case http.MethodPost:
		var body exemptionsBody
		if !readJSON(w, r, &body) {
			return
		}
		current := s.cfg.Get()
		next := *current
		next.AntiSpam.ExemptUsers = sanitizeIDList(body.Users)
		next.AntiSpam.ExemptRoles = sanitizeIDList(body.Roles)
		if err := s.cfg.Update(&next); err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		if s.engine != nil {
			if err := s.engine.UpdateConfig(&next); err != nil {
				writeError(w, http.StatusInternalServerError, err)
				return
			}
		}
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleClear(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	body, _ := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<20))
	var req struct {
		Target string `json:"target"`
	}
	_ = json.Unmarshal(body, &req)
	target := strings.ToLower(strings.TrimSpace(req.Target))
	if target == "" {
		target = "all"
	}
	switch target {
	case "all":
		s.activity.Clear()
		s.audit.Clear()
	case "audit", "logs":
		s.audit.Clear()
	case "activity":
		s.activity.Clear()
	default:
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *Server) handleRestart(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if s.engine != nil {
		s.engine.Reset()
	}
	s.activity.Clear()
	s.audit.Clear()
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *Server) handleGetAntiSpam(w http.ResponseWriter, r *http.Request) {
	gs, err := s.settings.Get(r.Context(), r.PathValue("guild"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, gs.AntiSpam)
}

func (s *Server) handleSetAntiSpam(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Enabled *bool `json:"enabled"`
	}
	if !readJSON(w, r, &body) {
		return
	}
	if body.Enabled == nil {
		writeError(w, http.StatusBadRequest, errors.New("enabled is required"))
		return
	}
	gs, err := s.settings.SetAntiSpamEnabled(r.Context(), r.PathValue("guild"), *body.Enabled)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, gs.AntiSpam)
}

func (s *Server) handleIgnoreChannel(w http.ResponseWriter, r *http.Request) {
	gs, err := s.settings.IgnoreChannel(r.Context(), r.PathValue("guild"), r.PathValue("channel"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, gs.AntiSpam)
}

func (s *Server) handleUnignoreChannel(w http.ResponseWriter, r *http.Request) {
	gs, err := s.settings.UnignoreChannel(r.Context(), r.PathValue("guild"), r.PathValue("channel"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, gs.AntiSpam)
}

func (s *Server) handleGetNameSanitizer(w http.ResponseWriter, r *http.Request) {
	gs, err := s.settings.Get(r.Context(), r.PathValue("guild"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, gs.NameSanitizer)
}

func (s *Server) handleSetNameSanitizer(w http.ResponseWriter, r *http.Request) {
	var body model.NameSanitizerSettings
	if !readJSON(w, r, &body) {
		return
	}
	body.BlankFallbackName = strings.TrimSpace(body.BlankFallbackName)
	gs, err := s.settings.SetNameSanitizer(r.Context(), r.PathValue("guild"), body)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, gs.NameSanitizer)
}

func (s *Server) handleGetModLogs(w http.ResponseWriter, r *http.Request) {
	gs, err := s.settings.Get(r.Context(), r.PathValue("guild"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	channels := gs.LogChannels
	if channels == nil {
		channels = map[model.LogChannel]string{}
	}
	writeJSON(w, http.StatusOK, channels)
}

func (s *Server) handleSetModLog(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Kind      model.LogChannel `json:"kind"`
		ChannelID string           `json:"channel_id"`
	}
	if !readJSON(w, r, &body) {
		return
	}
	if !body.Kind.Valid() {
		writeError(w, http.StatusBadRequest, errors.New("unknown log channel type"))
		return
	}
	gs, err := s.settings.SetLogChannel(r.Context(), r.PathValue("guild"), body.Kind, strings.TrimSpace(body.ChannelID))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, gs.LogChannels)
}

func (s *Server) handleListCases(w http.ResponseWriter, r *http.Request) {
	if !s.requireStore(w) {
		return
	}
	q := r.URL.Query()
	limit := 50
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		limit = n
	}
	list, err := s.store.ListActions(r.Context(), r.PathValue("guild"), q.Get("offender"), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"cases": list,
		"count": len(list),
	})
}

func (s *Server) handleCreateCase(w http.ResponseWriter, r *http.Request) {
	if !s.requireStore(w) {
		return
	}
	var action model.ModAction
	if !readJSON(w, r, &action) {
		return
	}
	action.GuildID = r.PathValue("guild")
	action.Type = model.ActionType(strings.ToUpper(string(action.Type)))
	action.CaseNumber = 0
	switch {
	case !action.Type.Valid():
		writeError(w, http.StatusBadRequest, errors.New("unknown action type"))
		return
	case strings.TrimSpace(action.OffenderID) == "":
		writeError(w, http.StatusBadRequest, errors.New("offender_id is required"))
		return
	case action.Minutes < 0:
		writeError(w, http.StatusBadRequest, errors.New("minutes must not be negative"))
		return
	}
	saved, err := s.store.SaveAction(r.Context(), action)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	entry, err := s.audit.Record(r.Context(), s.store, model.AuditEntry{
		Kind:    model.AuditActionRecorded,
		GuildID: saved.GuildID,
		UserID:  saved.OffenderID,
		Context: map[string]string{
			"case":   strconv.Itoa(saved.CaseNumber),
			"action": string(saved.Type),
		},
	})
	if err != nil && s.logger != nil {
		s.logger.Error("persist audit entry failed", "id", entry.ID, "err", err)
	}
	writeJSON(w, http.StatusCreated, saved)
}

func (s *Server) handleGetCase(w http.ResponseWriter, r *http.Request) {
	if !s.requireStore(w) {
		return
	}
	n, err := strconv.Atoi(r.PathValue("case"))
	if err != nil || n <= 0 {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	action, err := s.store.GetAction(r.Context(), r.PathValue("guild"), n)
	if errors.Is(err, storage.ErrNotFound) {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, action)
}

func (s *Server) handleReputation(w http.ResponseWriter, r *http.Request) {
	guild, user := r.PathValue("guild"), r.PathValue("user")
	score, err := s.reputation.Fetch(r.Context(), guild, user)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	lo, hi := s.reputation.Bounds()
	writeJSON(w, http.StatusOK, map[string]any{
		"guild_id": guild,
		"user_id":  user,
		"score":    score,
		"min":      lo,
		"max":      hi,
	})
}

func (s *Server) requireStore(w http.ResponseWriter) bool {
	if s.store == nil {
		writeError(w, http.StatusServiceUnavailable, errors.New("storage disabled"))
		return false
	}
	return true
}

func sanitizeIDList(values []string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		out = append(out, v)
	}
	return out
}

func readJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<20))
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return false
	}
	if err := json.Unmarshal(body, v); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return false
	}
	return true
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
