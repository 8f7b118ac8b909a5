package engine

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"warden/internal/antispam"
	"warden/internal/audit"
	"warden/internal/config"
	"warden/internal/fingerprint"
	"warden/internal/metrics"
	"warden/internal/model"
	"warden/internal/platform"
	"warden/internal/reputation"
	"warden/internal/sanitize"
	"warden/internal/settings"
	"warden/internal/storage"
	"warden/internal/ttlcache"
)

// Reasons an event was not evaluated.
const (
	SkipDuplicate      = "duplicate"
	SkipUnsupported    = "unsupported_kind"
	SkipInvalid        = "invalid"
	SkipDM             = "direct_message"
	SkipNews           = "announcement_channel"
	SkipDisabled       = "disabled"
	SkipBot            = "bot_author"
	SkipPrivileged     = "privileged_author"
	SkipExempt         = "exempt"
	SkipIgnored        = "ignored_channel"
	SkipUnchanged      = "unchanged"
	SkipNotModeratable = "not_moderatable"
	SkipSettings       = "settings_unavailable"
)

const nameSanitizedReason = "Nickname contained disallowed characters"

type Deps struct {
	Logger     *slog.Logger
	Platform   platform.Platform
	Settings   *settings.Service
	Reputation *reputation.Tracker
	Activity   *metrics.Store
	Audit      *audit.Store
	Store      storage.Store
	// Now replaces time.Now for every clock the engine owns.
	Now func() time.Time
}

// Outcome summarizes what the engine did with one event.
type Outcome struct {
	Skipped    string
	Evaluated  bool
	Decision   antispam.Decision
	Deleted    bool
	Restricted bool
	CaseNumber int
	Renamed    bool
	Nick       string
}

type Status struct {
	Started       time.Time `json:"started"`
	UptimeSec     int64     `json:"uptime_sec"`
	Guilds        int       `json:"guilds"`
	TrackedSpam   int       `json:"tracked_spam_entries"`
	Window        string    `json:"window"`
	Suppress      int       `json:"suppress_threshold"`
	Restrict      int       `json:"restrict_threshold"`
	RestrictFor   string    `json:"restriction_duration"`
	StorageActive bool      `json:"storage"`
}

type Engine struct {
	logger     *slog.Logger
	platform   platform.Platform
	settings   *settings.Service
	reputation *reputation.Tracker
	activity   *metrics.Store
	audit      *audit.Store
	store      storage.Store
	now        func() time.Time

	cfg      atomic.Value
	exempt   atomic.Value
	detector atomic.Pointer[antispam.Detector]
	cooldown atomic.Pointer[Cooldown]
	deDupe   atomic.Pointer[DedupeCache]

	mu      sync.Mutex
	guilds  map[string]*GuildState
	started time.Time
}

type GuildState struct {
	id       string
	windows  map[int]*WindowState
	lastSeen time.Time
}

func NewEngine(cfg *config.Config, deps Deps) (*Engine, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	e := &Engine{
		logger:     deps.Logger,
		platform:   deps.Platform,
		settings:   deps.Settings,
		reputation: deps.Reputation,
		activity:   deps.Activity,
		audit:      deps.Audit,
		store:      deps.Store,
		now:        now,
		guilds:     make(map[string]*GuildState),
		started:    now().UTC(),
	}
	if e.platform == nil {
		e.platform = platform.NewDryRun(deps.Logger)
	}
	if e.settings == nil {
		e.settings = settings.NewService(cfg.Guilds.Defaults, deps.Store, cfg.Guilds.CacheSize, cfg.Guilds.CacheTTL, deps.Logger)
	}
	if e.reputation == nil {
		e.reputation = reputation.NewTracker(reputationOptions(cfg), deps.Store, deps.Logger)
	}
	if e.activity == nil {
		e.activity = metrics.NewStore(cfg.Activity.StoreLimit)
	}
	if e.audit == nil {
		e.audit = audit.NewStore(cfg.Audit.StoreLimit)
	}
	det, err := antispam.NewDetector(detectorSettings(cfg), ttlcache.WithClock(now))
	if err != nil {
		return nil, err
	}
	e.detector.Store(det)
	e.cooldown.Store(NewCooldown(now))
	e.deDupe.Store(e.newDedupe(cfg))
	e.cfg.Store(cfg)
	e.exempt.Store(buildExemptions(cfg))
	return e, nil
}

func detectorSettings(cfg *config.Config) antispam.Settings {
	return antispam.Settings{
		Window:              cfg.AntiSpam.Window,
		SuppressThreshold:   cfg.AntiSpam.SuppressThreshold,
		RestrictThreshold:   cfg.AntiSpam.RestrictThreshold,
		RestrictionDuration: cfg.AntiSpam.RestrictionDuration,
	}
}

func reputationOptions(cfg *config.Config) reputation.Options {
	return reputation.Options{
		Min:       cfg.Reputation.Min,
		Max:       cfg.Reputation.Max,
		CacheTTL:  cfg.Reputation.CacheTTL,
		CacheSize: cfg.Reputation.CacheSize,
	}
}

func (e *Engine) newDedupe(cfg *config.Config) *DedupeCache {
	if cfg.AntiSpam.DedupeWindow <= 0 {
		return nil
	}
	return NewDedupeCache(cfg.AntiSpam.DedupeWindow, ttlcache.WithClock(e.now))
}

// UpdateConfig applies a reloaded config. Changing detector settings starts a
// fresh detector, discarding live repetition counters.
func (e *Engine) UpdateConfig(cfg *config.Config) error {
	if cfg == nil {
		return fmt.Errorf("nil config")
	}
	prev := e.config()
	if next := detectorSettings(cfg); next != e.detector.Load().Settings() {
		det, err := antispam.NewDetector(next, ttlcache.WithClock(e.now))
		if err != nil {
			return err
		}
		if old := e.detector.Swap(det); old != nil {
			old.Close()
		}
		if e.logger != nil {
			e.logger.Info("antispam detector rebuilt",
				"window", next.Window.String(),
				"suppress_threshold", next.SuppressThreshold,
				"restrict_threshold", next.RestrictThreshold,
			)
		}
	}
	if prev.AntiSpam.DedupeWindow != cfg.AntiSpam.DedupeWindow {
		e.deDupe.Store(e.newDedupe(cfg))
	}
	e.settings.SetDefaults(cfg.Guilds.Defaults)
	e.cfg.Store(cfg)
	e.exempt.Store(buildExemptions(cfg))
	return nil
}

func (e *Engine) config() *config.Config {
	if v := e.cfg.Load(); v != nil {
		return v.(*config.Config)
	}
	return config.DefaultConfig()
}

func (e *Engine) exemptions() *ExemptSet {
	if v := e.exempt.Load(); v != nil {
		if x, ok := v.(*ExemptSet); ok {
			return x
		}
	}
	return nil
}

// Start consumes events on one goroutine, which keeps per-key arrival order, and
// runs periodic maintenance until ctx is done or in is closed.
func (e *Engine) Start(ctx context.Context, in <-chan model.Event) {
	go func() {
		for {
			select {
			case ev, ok := <-in:
				if !ok {
					return
				}
				e.ProcessEvent(ctx, ev)
			case <-ctx.Done():
				return
			}
		}
	}()
	go e.maintain(ctx)
}

func (e *Engine) maintain(ctx context.Context) {
	interval := e.config().AntiSpam.SweepInterval
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			e.Maintain(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// Maintain purges expired counters and persists the latest activity snapshots.
func (e *Engine) Maintain(ctx context.Context) {
	det := e.detector.Load()
	removed := det.Sweep()
	if d := e.deDupe.Load(); d != nil {
		d.Sweep()
	}
	metrics.SetTracked(det.Tracked())
	if e.logger != nil && removed > 0 {
		e.logger.Debug("expired spam counters purged", "removed", removed, "tracked", det.Tracked())
	}
	if idle := e.evictIdleGuilds(e.now()); idle > 0 && e.logger != nil {
		e.logger.Debug("idle guild activity dropped", "guilds", idle)
	}
	if e.store == nil {
		return
	}
	for guildID, list := range e.activity.GetAll() {
		if err := e.store.SaveActivity(ctx, guildID, list); err != nil && e.logger != nil {
			e.logger.Error("persist activity failed", "guild_id", guildID, "err", err)
		}
	}
}

func (e *Engine) ProcessEvent(ctx context.Context, ev model.Event) Outcome {
	cfg := e.config()
	start := e.now()
	if ev.Timestamp.IsZero() {
		ev.Timestamp = start.UTC()
	}
	metrics.ObserveEvent(string(ev.Kind))

	if e.isDuplicate(ev) {
		metrics.ObserveDrop(SkipDuplicate)
		return Outcome{Skipped: SkipDuplicate}
	}

	switch ev.Kind {
	case model.KindMessageCreate:
		out := e.handleMessage(ctx, cfg, ev)
		metrics.ObserveEvaluate(e.now().Sub(start).Seconds())
		return out
	case model.KindMemberUpdate:
		return e.handleMemberUpdate(ctx, ev)
	}
	metrics.ObserveDrop(SkipUnsupported)
	return Outcome{Skipped: SkipUnsupported}
}

func (e *Engine) handleMessage(ctx context.Context, cfg *config.Config, ev model.Event) Outcome {
	if ev.GuildID == "" || ev.ChannelKind == model.ChannelDM {
		return e.skip(SkipDM)
	}
	gs, err := e.settings.Get(ctx, ev.GuildID)
	if err != nil {
		if e.logger != nil {
			e.logger.Error("load guild settings failed", "guild_id", ev.GuildID, "err", err)
		}
		return e.skip(SkipSettings)
	}
	switch {
	case !gs.AntiSpam.Enabled:
		return e.skip(SkipDisabled)
	case ev.ChannelKind == model.ChannelNews:
		return e.skip(SkipNews)
	case ev.AuthorID == "":
		return e.skip(SkipInvalid)
	case ev.AuthorBot:
		return e.skip(SkipBot)
	case ev.CanManageMessages:
		return e.skip(SkipPrivileged)
	case e.exemptions().IsExempt(ev.AuthorID, ev.AuthorRoles):
		return e.skip(SkipExempt)
	case channelIgnored(gs, ev.ChannelID):
		return e.skip(SkipIgnored)
	}

	dec, err := e.detector.Load().Evaluate(ev.GuildID, ev.AuthorID, ev.Content)
	if err != nil {
		if e.logger != nil {
			e.logger.Warn("antispam evaluate rejected event", "event_id", ev.ID, "err", err)
		}
		return e.skip(SkipInvalid)
	}
	out := Outcome{Evaluated: true, Decision: dec}

	if !dec.SuppressContent {
		metrics.ObserveDecision("pass")
		e.adjustReputation(ctx, ev, cfg.Reputation.PassDelta)
		e.recordActivity(cfg, ev, outcomePass)
		return out
	}

	if e.platform.CanDelete(ctx, ev.GuildID, ev.ChannelID) {
		out.Deleted = e.suppress(ctx, cfg, gs, ev, dec)
	} else if e.logger != nil {
		e.logger.Warn("spam detected but message cannot be deleted",
			"guild_id", ev.GuildID,
			"channel_id", ev.ChannelID,
			"user_id", ev.AuthorID,
			"occurrences", dec.Occurrences,
		)
	}

	result := outcomeSuppressed
	if dec.RestrictAuthor && e.platform.CanModerate(ctx, ev.GuildID, ev.AuthorID) &&
		e.cooldown.Load().AllowKey(escalationKey(ev.GuildID, ev.AuthorID), cfg.AntiSpam.EscalationCooldown) {
		out.Restricted, out.CaseNumber = e.restrict(ctx, cfg, gs, ev, dec)
		if out.Restricted {
			result = outcomeRestricted
		}
	}
	if result == outcomeRestricted {
		metrics.ObserveDecision("restrict")
	} else {
		metrics.ObserveDecision("suppress")
	}
	e.recordActivity(cfg, ev, result)
	return out
}

func (e *Engine) suppress(ctx context.Context, cfg *config.Config, gs model.GuildSettings, ev model.Event, dec antispam.Decision) bool {
	err := e.platform.DeleteMessage(ctx, ev.ChannelID, ev.MessageID)
	metrics.ObserveAction("delete_message", err)
	if err != nil {
		if e.logger != nil {
			e.logger.Warn("delete spam message failed",
				"guild_id", ev.GuildID,
				"channel_id", ev.ChannelID,
				"message_id", ev.MessageID,
				"err", err,
			)
		}
		return false
	}
	if e.logger != nil {
		e.logger.Info("spam message suppressed",
			"guild_id", ev.GuildID,
			"channel_id", ev.ChannelID,
			"user_id", ev.AuthorID,
			"occurrences", dec.Occurrences,
		)
	}
	e.notify(ctx, gs, model.LogTextFilter, suppressedNotice(ev))
	e.recordAudit(ctx, model.AuditEntry{
		Timestamp: ev.Timestamp,
		Kind:      model.AuditMessageSuppressed,
		GuildID:   ev.GuildID,
		UserID:    ev.AuthorID,
		ChannelID: ev.ChannelID,
		Context: map[string]string{
			"message_id":  ev.MessageID,
			"occurrences": strconv.Itoa(dec.Occurrences),
			"fingerprint": fingerprint.Of(ev.Content).String(),
		},
	})
	e.adjustReputation(ctx, ev, cfg.Reputation.SuppressDelta)
	return true
}

func (e *Engine) restrict(ctx context.Context, cfg *config.Config, gs model.GuildSettings, ev model.Event, dec antispam.Decision) (bool, int) {
	duration := e.detector.Load().Settings().RestrictionDuration
	if duration <= 0 {
		duration = cfg.AntiSpam.RestrictionDuration
	}
	until := e.now().Add(duration).UTC()
	reason := fmt.Sprintf("Spamming (%d instances)", dec.Occurrences)
	err := e.platform.TimeoutMember(ctx, ev.GuildID, ev.AuthorID, until, reason)
	metrics.ObserveAction("timeout_member", err)
	if err != nil {
		if e.logger != nil {
			e.logger.Warn("timeout member failed", "guild_id", ev.GuildID, "user_id", ev.AuthorID, "err", err)
		}
		return false, 0
	}
	moderator := e.platform.BotID()
	if e.logger != nil {
		e.logger.Warn("member restricted for spam",
			"guild_id", ev.GuildID,
			"user_id", ev.AuthorID,
			"occurrences", dec.Occurrences,
			"until", until.Format(time.RFC3339),
		)
	}
	e.notify(ctx, gs, model.LogEscalations, restrictedNotice(ev.AuthorID, moderator, until, reason))

	action := model.ModAction{
		GuildID:     ev.GuildID,
		Type:        model.ActionMute,
		OffenderID:  ev.AuthorID,
		ModeratorID: moderator,
		Reason:      reason,
		Minutes:     int(math.Ceil(duration.Minutes())),
		CreatedAt:   e.now().UTC(),
	}
	if e.store != nil {
		saved, err := e.store.SaveAction(ctx, action)
		if err != nil {
			if e.logger != nil {
				e.logger.Error("persist mod action failed", "guild_id", ev.GuildID, "user_id", ev.AuthorID, "err", err)
			}
		} else {
			action = saved
			e.recordAudit(ctx, model.AuditEntry{
				Kind:    model.AuditActionRecorded,
				GuildID: action.GuildID,
				UserID:  action.OffenderID,
				Context: map[string]string{
					"case":   strconv.Itoa(action.CaseNumber),
					"action": string(action.Type),
				},
			})
		}
	}
	e.notify(ctx, gs, model.LogModActions, actionNotice(action))
	e.recordAudit(ctx, model.AuditEntry{
		Timestamp: ev.Timestamp,
		Kind:      model.AuditMemberRestricted,
		GuildID:   ev.GuildID,
		UserID:    ev.AuthorID,
		ChannelID: ev.ChannelID,
		Context: map[string]string{
			"occurrences": strconv.Itoa(dec.Occurrences),
			"until":       until.Format(time.RFC3339),
			"reason":      reason,
		},
	})
	e.adjustReputation(ctx, ev, cfg.Reputation.RestrictDelta)
	return true, action.CaseNumber
}

func (e *Engine) handleMemberUpdate(ctx context.Context, ev model.Event) Outcome {
	if ev.GuildID == "" || ev.AuthorID == "" {
		return e.skip(SkipInvalid)
	}
	if ev.AuthorBot {
		return e.skip(SkipBot)
	}
	gs, err := e.settings.Get(ctx, ev.GuildID)
	if err != nil {
		if e.logger != nil {
			e.logger.Error("load guild settings failed", "guild_id", ev.GuildID, "err", err)
		}
		return e.skip(SkipSettings)
	}
	if !gs.NameSanitizer.Enabled {
		return e.skip(SkipDisabled)
	}
	if ev.NickAfter == ev.NickBefore {
		return e.skip(SkipUnchanged)
	}
	// a cleared nickname exposes the account name
	name := ev.NickAfter
	if name == "" {
		name = ev.AuthorName
	}
	if name == "" {
		return e.skip(SkipUnchanged)
	}
	nick, changed := sanitize.Nickname(name, gs.NameSanitizer)
	if !changed {
		return Outcome{Evaluated: true}
	}
	if !e.platform.CanRename(ctx, ev.GuildID, ev.AuthorID) {
		return e.skip(SkipNotModeratable)
	}
	err = e.platform.SetNickname(ctx, ev.GuildID, ev.AuthorID, nick, nameSanitizedReason)
	metrics.ObserveAction("set_nickname", err)
	if err != nil {
		if e.logger != nil {
			e.logger.Warn("set nickname failed", "guild_id", ev.GuildID, "user_id", ev.AuthorID, "err", err)
		}
		return Outcome{Evaluated: true}
	}
	e.notify(ctx, gs, model.LogUserFilter, sanitizedNotice(ev.AuthorID, name, nick))
	e.recordAudit(ctx, model.AuditEntry{
		Timestamp: ev.Timestamp,
		Kind:      model.AuditNameSanitized,
		GuildID:   ev.GuildID,
		UserID:    ev.AuthorID,
		Context:   map[string]string{"before": name, "after": nick},
	})
	return Outcome{Evaluated: true, Renamed: true, Nick: nick}
}

func (e *Engine) skip(reason string) Outcome {
	metrics.ObserveDrop(reason)
	return Outcome{Skipped: reason}
}

func channelIgnored(gs model.GuildSettings, channelID string) bool {
	for _, c := range gs.AntiSpam.IgnoredChannels {
		if c == channelID {
			return true
		}
	}
	return false
}

func (e *Engine) notify(ctx context.Context, gs model.GuildSettings, kind model.LogChannel, notice model.Notice) {
	channelID := gs.LogChannels[kind]
	if channelID == "" {
		return
	}
	err := e.platform.Notify(ctx, channelID, notice)
	metrics.ObserveAction("notify", err)
	if err != nil && e.logger != nil {
		e.logger.Warn("send log notice failed", "guild_id", gs.GuildID, "log", string(kind), "err", err)
	}
}

func (e *Engine) recordAudit(ctx context.Context, entry model.AuditEntry) {
	entry, err := e.audit.Record(ctx, e.store, entry)
	if err != nil && e.logger != nil {
		e.logger.Error("persist audit entry failed", "id", entry.ID, "err", err)
	}
}

func (e *Engine) adjustReputation(ctx context.Context, ev model.Event, delta float64) {
	if delta == 0 {
		return
	}
	if _, err := e.reputation.Modify(ctx, ev.GuildID, ev.AuthorID, delta); err != nil && e.logger != nil {
		e.logger.Warn("modify reputation failed", "guild_id", ev.GuildID, "user_id", ev.AuthorID, "err", err)
	}
}

func (e *Engine) recordActivity(cfg *config.Config, ev model.Event, result outcome) {
	g := e.getGuild(ev.GuildID, cfg)
	e.mu.Lock()
	list := make([]model.ActivityMetrics, 0, len(g.windows))
	for _, window := range g.sortedWindows() {
		window.Evict(ev.Timestamp.Add(-window.duration))
		window.Add(activityEntry{Timestamp: ev.Timestamp, AuthorID: ev.AuthorID, Outcome: result})
		list = append(list, window.Metrics())
	}
	if ev.Timestamp.After(g.lastSeen) {
		g.lastSeen = ev.Timestamp
	}
	e.mu.Unlock()
	e.activity.Update(ev.GuildID, list)
}

func (e *Engine) getGuild(guildID string, cfg *config.Config) *GuildState {
	e.mu.Lock()
	defer e.mu.Unlock()
	if g, ok := e.guilds[guildID]; ok {
		for _, win := range cfg.Activity.Windows {
			sec := int(win.Seconds())
			if _, exists := g.windows[sec]; !exists {
				g.windows[sec] = NewWindowState(win)
			}
		}
		return g
	}
	g := &GuildState{id: guildID, windows: make(map[int]*WindowState)}
	for _, win := range cfg.Activity.Windows {
		g.windows[int(win.Seconds())] = NewWindowState(win)
	}
	e.guilds[guildID] = g
	return g
}

// evictIdleGuilds drops guilds with nothing inside their widest window, and
// guilds the activity store no longer reports.
func (e *Engine) evictIdleGuilds(now time.Time) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	dropped := 0
	for id, g := range e.guilds {
		var widest time.Duration
		for _, w := range g.windows {
			widest = max(widest, w.duration)
		}
		_, _, tracked := e.activity.Get(id)
		if !tracked || now.Sub(g.lastSeen) > widest {
			delete(e.guilds, id)
			dropped++
		}
	}
	return dropped
}

func (g *GuildState) sortedWindows() []*WindowState {
	keys := make([]int, 0, len(g.windows))
	for k := range g.windows {
		keys = append(keys, k)
	}
	sort.Ints(keys)
	out := make([]*WindowState, 0, len(keys))
	for _, k := range keys {
		out = append(out, g.windows[k])
	}
	return out
}

func (e *Engine) isDuplicate(ev model.Event) bool {
	d := e.deDupe.Load()
	if d == nil || ev.ID == "" {
		return false
	}
	return d.Seen(ev.ID)
}

// Reset drops all in-memory moderation state: counters, cooldowns, activity
// windows and cached settings and scores.
func (e *Engine) Reset() {
	e.mu.Lock()
	e.guilds = make(map[string]*GuildState)
	e.mu.Unlock()
	e.detector.Load().Reset()
	e.cooldown.Store(NewCooldown(e.now))
	e.deDupe.Store(e.newDedupe(e.config()))
	e.settings.Purge()
	e.reputation.Purge()
	metrics.SetTracked(0)
}

func (e *Engine) Status() Status {
	det := e.detector.Load()
	s := det.Settings()
	e.mu.Lock()
	guilds := len(e.guilds)
	e.mu.Unlock()
	return Status{
		Started:       e.started,
		UptimeSec:     int64(e.now().Sub(e.started).Seconds()),
		Guilds:        guilds,
		TrackedSpam:   det.Tracked(),
		Window:        s.Window.String(),
		Suppress:      s.SuppressThreshold,
		Restrict:      s.RestrictThreshold,
		RestrictFor:   s.RestrictionDuration.String(),
		StorageActive: e.store != nil,
	}
}

func (e *Engine) Close() {
	e.detector.Load().Close()
}
