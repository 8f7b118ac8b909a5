package engine

import (
	"context"
	"errors"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"warden/internal/audit"
	"warden/internal/config"
	"warden/internal/metrics"
	"warden/internal/model"
	"warden/internal/storage"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type timeoutCall struct {
	GuildID, UserID, Reason string
	Until                   time.Time
}

type noticeCall struct {
	ChannelID string
	Notice    model.Notice
}

// recordingPlatform grants permissions per its flags and records every effect.
type recordingPlatform struct {
	mu         sync.Mutex
	noDelete   bool
	noModerate bool
	noRename   bool
	failDelete error
	deleted    []string
	timeouts   []timeoutCall
	nicknames  map[string]string
	notices    []noticeCall
}

func newRecordingPlatform() *recordingPlatform {
	return &recordingPlatform{nicknames: make(map[string]string)}
}

func (p *recordingPlatform) CanDelete(context.Context, string, string) bool { return !p.noDelete }

func (p *recordingPlatform) CanModerate(context.Context, string, string) bool { return !p.noModerate }

func (p *recordingPlatform) CanRename(context.Context, string, string) bool { return !p.noRename }

func (p *recordingPlatform) DeleteMessage(_ context.Context, _, messageID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failDelete != nil {
		return p.failDelete
	}
	p.deleted = append(p.deleted, messageID)
	return nil
}

func (p *recordingPlatform) TimeoutMember(_ context.Context, guildID, userID string, until time.Time, reason string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.timeouts = append(p.timeouts, timeoutCall{GuildID: guildID, UserID: userID, Reason: reason, Until: until})
	return nil
}

func (p *recordingPlatform) SetNickname(_ context.Context, _, userID, nick, _ string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.nicknames[userID] = nick
	return nil
}

func (p *recordingPlatform) Notify(_ context.Context, channelID string, notice model.Notice) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.notices = append(p.notices, noticeCall{ChannelID: channelID, Notice: notice})
	return nil
}

func (p *recordingPlatform) BotID() string { return "bot-1" }

func (p *recordingPlatform) noticesTo(channelID string) []model.Notice {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []model.Notice
	for _, n := range p.notices {
		if n.ChannelID == channelID {
			out = append(out, n.Notice)
		}
	}
	return out
}

func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.AntiSpam.DedupeWindow = 0
	cfg.AntiSpam.EscalationCooldown = 0
	cfg.Activity.Windows = []time.Duration{time.Minute}
	cfg.Guilds.Defaults.AntiSpam.Enabled = true
	cfg.Guilds.Defaults.LogChannels = map[model.LogChannel]string{
		model.LogTextFilter:  "log-text",
		model.LogEscalations: "log-esc",
		model.LogUserFilter:  "log-user",
		model.LogModActions:  "log-mod",
	}
	return cfg
}

type testEngine struct {
	*Engine
	clock    *fakeClock
	platform *recordingPlatform
}

func newEngineForTest(t *testing.T, cfg *config.Config, store storage.Store) *testEngine {
	t.Helper()
	clock := newFakeClock()
	p := newRecordingPlatform()
	eng, err := NewEngine(cfg, Deps{
		Platform: p,
		Activity: metrics.NewStore(100),
		Audit:    audit.NewStore(100),
		Store:    store,
		Now:      clock.Now,
	})
	require.NoError(t, err)
	t.Cleanup(eng.Close)
	return &testEngine{Engine: eng, clock: clock, platform: p}
}

var msgSeq int

func message(guild, author, content string) model.Event {
	msgSeq++
	id := "m" + strconv.Itoa(msgSeq)
	return model.Event{
		ID:          id,
		Kind:        model.KindMessageCreate,
		GuildID:     guild,
		ChannelID:   "chan-1",
		ChannelKind: model.ChannelText,
		MessageID:   id,
		AuthorID:    author,
		Content:     content,
	}
}

func TestRepeatedMessagesEscalate(t *testing.T) {
	te := newEngineForTest(t, testConfig(), nil)
	ctx := context.Background()

	var outs []Outcome
	for i := 0; i < 5; i++ {
		outs = append(outs, te.ProcessEvent(ctx, message("g1", "u1", "Buy now")))
	}

	for i, out := range outs {
		require.True(t, out.Evaluated, "message %d", i+1)
		assert.Equal(t, i+1, out.Decision.Occurrences)
	}
	assert.False(t, outs[0].Deleted)
	assert.False(t, outs[1].Deleted)
	assert.True(t, outs[2].Deleted)
	assert.True(t, outs[3].Deleted)
	assert.False(t, outs[3].Restricted)
	assert.True(t, outs[4].Deleted)
	assert.True(t, outs[4].Restricted)

	require.Len(t, te.platform.timeouts, 1)
	call := te.platform.timeouts[0]
	assert.Equal(t, "u1", call.UserID)
	assert.Equal(t, "Spamming (5 instances)", call.Reason)
	assert.Equal(t, te.clock.Now().Add(time.Minute), call.Until)

	assert.Len(t, te.platform.deleted, 3)
	assert.Len(t, te.platform.noticesTo("log-text"), 3)
	assert.Len(t, te.platform.noticesTo("log-esc"), 1)
	assert.Len(t, te.platform.noticesTo("log-mod"), 1)
}

func TestCaseInsensitiveContentCountsTogether(t *testing.T) {
	te := newEngineForTest(t, testConfig(), nil)
	ctx := context.Background()
	te.ProcessEvent(ctx, message("g1", "u1", "HELLO"))
	te.ProcessEvent(ctx, message("g1", "u1", "hello"))
	out := te.ProcessEvent(ctx, message("g1", "u1", "HeLLo"))
	assert.True(t, out.Deleted)
	assert.Equal(t, 3, out.Decision.Occurrences)
}

func TestIndependentKeys(t *testing.T) {
	te := newEngineForTest(t, testConfig(), nil)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		te.ProcessEvent(ctx, message("g1", "u1", "spam"))
	}
	assert.Equal(t, 1, te.ProcessEvent(ctx, message("g1", "u2", "spam")).Decision.Occurrences)
	assert.Equal(t, 1, te.ProcessEvent(ctx, message("g2", "u1", "spam")).Decision.Occurrences)
	assert.Equal(t, 1, te.ProcessEvent(ctx, message("g1", "u1", "other")).Decision.Occurrences)
}

func TestWindowExpiryResetsCount(t *testing.T) {
	te := newEngineForTest(t, testConfig(), nil)
	ctx := context.Background()
	te.ProcessEvent(ctx, message("g1", "u1", "x"))
	te.ProcessEvent(ctx, message("g1", "u1", "x"))
	te.clock.Advance(61 * time.Second)
	out := te.ProcessEvent(ctx, message("g1", "u1", "x"))
	assert.Equal(t, 1, out.Decision.Occurrences)
	assert.False(t, out.Deleted)
}

func TestPrechecksSkipEvaluation(t *testing.T) {
	cfg := testConfig()
	cfg.AntiSpam.ExemptUsers = []string{"<@exempt>"}
	te := newEngineForTest(t, cfg, nil)
	ctx := context.Background()
	_, err := te.settings.IgnoreChannel(ctx, "g1", "quiet")
	require.NoError(t, err)

	dm := message("", "u1", "hi")
	dm.ChannelKind = model.ChannelDM
	news := message("g1", "u1", "hi")
	news.ChannelKind = model.ChannelNews
	bot := message("g1", "u1", "hi")
	bot.AuthorBot = true
	mod := message("g1", "u1", "hi")
	mod.CanManageMessages = true
	ignored := message("g1", "u1", "hi")
	ignored.ChannelID = "quiet"

	cases := map[string]model.Event{
		SkipDM:         dm,
		SkipNews:       news,
		SkipBot:        bot,
		SkipPrivileged: mod,
		SkipExempt:     message("g1", "exempt", "hi"),
		SkipIgnored:    ignored,
	}
	for want, ev := range cases {
		out := te.ProcessEvent(ctx, ev)
		assert.Equal(t, want, out.Skipped)
		assert.False(t, out.Evaluated, want)
	}
	assert.Zero(t, te.detector.Load().Tracked())
}

func TestDisabledGuildSkips(t *testing.T) {
	te := newEngineForTest(t, testConfig(), nil)
	ctx := context.Background()
	_, err := te.settings.SetAntiSpamEnabled(ctx, "g1", false)
	require.NoError(t, err)
	out := te.ProcessEvent(ctx, message("g1", "u1", "hi"))
	assert.Equal(t, SkipDisabled, out.Skipped)
}

func TestCannotDeleteStillCounts(t *testing.T) {
	te := newEngineForTest(t, testConfig(), nil)
	te.platform.noDelete = true
	ctx := context.Background()
	var out Outcome
	for i := 0; i < 3; i++ {
		out = te.ProcessEvent(ctx, message("g1", "u1", "x"))
	}
	assert.True(t, out.Decision.SuppressContent)
	assert.False(t, out.Deleted)
	assert.Empty(t, te.platform.deleted)
	assert.Empty(t, te.platform.noticesTo("log-text"))
}

func TestDeleteFailureIsNotFatal(t *testing.T) {
	te := newEngineForTest(t, testConfig(), nil)
	te.platform.failDelete = errors.New("unknown message")
	ctx := context.Background()
	var out Outcome
	for i := 0; i < 5; i++ {
		out = te.ProcessEvent(ctx, message("g1", "u1", "x"))
	}
	assert.False(t, out.Deleted)
	assert.True(t, out.Restricted)
}

func TestNotModeratableSkipsTimeout(t *testing.T) {
	te := newEngineForTest(t, testConfig(), nil)
	te.platform.noModerate = true
	ctx := context.Background()
	var out Outcome
	for i := 0; i < 6; i++ {
		out = te.ProcessEvent(ctx, message("g1", "u1", "x"))
	}
	assert.True(t, out.Decision.RestrictAuthor)
	assert.False(t, out.Restricted)
	assert.Empty(t, te.platform.timeouts)
}

func TestEscalationCooldown(t *testing.T) {
	cfg := testConfig()
	cfg.AntiSpam.EscalationCooldown = time.Minute
	te := newEngineForTest(t, cfg, nil)
	ctx := context.Background()
	for i := 0; i < 7; i++ {
		te.ProcessEvent(ctx, message("g1", "u1", "x"))
	}
	assert.Len(t, te.platform.timeouts, 1)
}

func TestDuplicateEventsDropped(t *testing.T) {
	cfg := testConfig()
	cfg.AntiSpam.DedupeWindow = time.Minute
	te := newEngineForTest(t, cfg, nil)
	ctx := context.Background()
	ev := message("g1", "u1", "x")
	first := te.ProcessEvent(ctx, ev)
	second := te.ProcessEvent(ctx, ev)
	assert.True(t, first.Evaluated)
	assert.Equal(t, SkipDuplicate, second.Skipped)
}

func TestRestrictionPersistsCase(t *testing.T) {
	dsn := "file:" + filepath.Join(t.TempDir(), "engine.db")
	st, err := storage.NewSQLite(dsn)
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, st.Init(ctx))
	t.Cleanup(func() { _ = st.Close() })

	te := newEngineForTest(t, testConfig(), st)
	var out Outcome
	for i := 0; i < 5; i++ {
		out = te.ProcessEvent(ctx, message("g1", "u1", "x"))
	}
	require.True(t, out.Restricted)
	assert.Equal(t, 1, out.CaseNumber)

	action, err := st.GetAction(ctx, "g1", 1)
	require.NoError(t, err)
	assert.Equal(t, model.ActionMute, action.Type)
	assert.Equal(t, "u1", action.OffenderID)
	assert.Equal(t, "bot-1", action.ModeratorID)
	assert.Equal(t, 1, action.Minutes)

	mod := te.platform.noticesTo("log-mod")
	require.Len(t, mod, 1)
	assert.True(t, strings.HasPrefix(mod[0].Title, "Case #1"))

	score, err := st.GetReputation(ctx, "g1", "u1")
	require.NoError(t, err)
	// two passes, three suppressions, one restriction
	assert.InDelta(t, 2*0.035-3*0.2-0.3, score, 1e-9)
}

func TestReputationAdjustedPerOutcome(t *testing.T) {
	te := newEngineForTest(t, testConfig(), nil)
	ctx := context.Background()
	te.ProcessEvent(ctx, message("g1", "u1", "a"))
	score, err := te.reputation.Fetch(ctx, "g1", "u1")
	require.NoError(t, err)
	assert.InDelta(t, 0.035, score, 1e-9)
}

func TestAuditAndActivityRecorded(t *testing.T) {
	te := newEngineForTest(t, testConfig(), nil)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		te.ProcessEvent(ctx, message("g1", "u1", "x"))
	}
	assert.Len(t, te.audit.ForGuild("g1", model.AuditMessageSuppressed), 3)
	assert.Len(t, te.audit.ForGuild("g1", model.AuditMemberRestricted), 1)

	list, _, ok := te.activity.Get("g1")
	require.True(t, ok)
	require.Len(t, list, 1)
	assert.Equal(t, 5, list[0].Messages)
	assert.Equal(t, 3, list[0].Suppressed)
	assert.Equal(t, 1, list[0].Restricted)
	assert.Equal(t, 1, list[0].Authors)
}

func TestConfigUpdateRebuildsDetector(t *testing.T) {
	cfg := testConfig()
	te := newEngineForTest(t, cfg, nil)
	ctx := context.Background()
	te.ProcessEvent(ctx, message("g1", "u1", "x"))
	te.ProcessEvent(ctx, message("g1", "u1", "x"))

	next := testConfig()
	next.AntiSpam.SuppressThreshold = 2
	next.AntiSpam.RestrictThreshold = 3
	require.NoError(t, te.UpdateConfig(next))

	out := te.ProcessEvent(ctx, message("g1", "u1", "x"))
	assert.Equal(t, 1, out.Decision.Occurrences)
	out = te.ProcessEvent(ctx, message("g1", "u1", "x"))
	assert.True(t, out.Deleted)

	bad := testConfig()
	bad.AntiSpam.RestrictThreshold = 1
	assert.Error(t, te.UpdateConfig(bad))
}

func TestResetClearsState(t *testing.T) {
	te := newEngineForTest(t, testConfig(), nil)
	ctx := context.Background()
	te.ProcessEvent(ctx, message("g1", "u1", "x"))
	te.ProcessEvent(ctx, message("g1", "u1", "x"))
	te.Reset()
	assert.Zero(t, te.Status().TrackedSpam)
	assert.Zero(t, te.Status().Guilds)
	assert.Equal(t, 1, te.ProcessEvent(ctx, message("g1", "u1", "x")).Decision.Occurrences)
}

func memberUpdate(guild, user, before, after string) model.Event {
	return model.Event{
		Kind:       model.KindMemberUpdate,
		GuildID:    guild,
		AuthorID:   user,
		NickBefore: before,
		NickAfter:  after,
	}
}

func TestNameSanitizer(t *testing.T) {
	te := newEngineForTest(t, testConfig(), nil)
	ctx := context.Background()

	out := te.ProcessEvent(ctx, memberUpdate("g1", "u1", "", "ʙᴏʙ"))
	assert.Equal(t, SkipDisabled, out.Skipped)

	_, err := te.settings.SetNameSanitizer(ctx, "g1", model.NameSanitizerSettings{Enabled: true, CleanFancyCharacters: true})
	require.NoError(t, err)

	out = te.ProcessEvent(ctx, memberUpdate("g1", "u1", "", "ʙᴏʙ"))
	require.True(t, out.Renamed)
	assert.Equal(t, "bob", out.Nick)
	assert.Equal(t, "bob", te.platform.nicknames["u1"])

	notices := te.platform.noticesTo("log-user")
	require.Len(t, notices, 1)
	assert.Equal(t, colorUserFilter, notices[0].Color)

	out = te.ProcessEvent(ctx, memberUpdate("g1", "u2", "", "plain"))
	assert.True(t, out.Evaluated)
	assert.False(t, out.Renamed)

	out = te.ProcessEvent(ctx, memberUpdate("g1", "u3", "same", "same"))
	assert.Equal(t, SkipUnchanged, out.Skipped)
}

func TestNameSanitizerUsesRenamePermission(t *testing.T) {
	te := newEngineForTest(t, testConfig(), nil)
	ctx := context.Background()
	_, err := te.settings.SetNameSanitizer(ctx, "g1", model.NameSanitizerSettings{Enabled: true, CleanFancyCharacters: true})
	require.NoError(t, err)

	// timeouts are not needed to rename
	te.platform.noModerate = true
	out := te.ProcessEvent(ctx, memberUpdate("g1", "u1", "", "ʙᴏʙ"))
	require.True(t, out.Renamed)

	te.platform.noModerate = false
	te.platform.noRename = true
	out = te.ProcessEvent(ctx, memberUpdate("g1", "u2", "", "ᴀʟɪᴄᴇ"))
	assert.Equal(t, SkipNotModeratable, out.Skipped)
	assert.NotContains(t, te.platform.nicknames, "u2")
	assert.Len(t, te.audit.ForGuild("g1", model.AuditNameSanitized), 1)
}

func TestClearedNicknameSanitizesAccountName(t *testing.T) {
	te := newEngineForTest(t, testConfig(), nil)
	ctx := context.Background()
	_, err := te.settings.SetNameSanitizer(ctx, "g1", model.NameSanitizerSettings{Enabled: true, CleanFancyCharacters: true})
	require.NoError(t, err)

	ev := memberUpdate("g1", "u1", "bob", "")
	ev.AuthorName = "𝕕𝕠𝕘"
	out := te.ProcessEvent(ctx, ev)
	require.True(t, out.Renamed)
	assert.Equal(t, "dog", te.platform.nicknames["u1"])

	ev = memberUpdate("g1", "u2", "bob", "")
	ev.AuthorName = "dog"
	out = te.ProcessEvent(ctx, ev)
	assert.True(t, out.Evaluated)
	assert.False(t, out.Renamed)

	out = te.ProcessEvent(ctx, memberUpdate("g1", "u3", "bob", ""))
	assert.Equal(t, SkipUnchanged, out.Skipped)
}

func TestSplitRunes(t *testing.T) {
	assert.Nil(t, splitRunes("", 4, 2))
	assert.Equal(t, []string{"abcd", "ef"}, splitRunes("abcdef", 4, 5))
	assert.Equal(t, []string{"ab", "cd"}, splitRunes("abcdef", 2, 2))
	assert.Equal(t, []string{"ʙᴏ", "ʙ"}, splitRunes("ʙᴏʙ", 2, 3))
}

func TestStartConsumesChannel(t *testing.T) {
	te := newEngineForTest(t, testConfig(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	in := make(chan model.Event, 8)
	te.Start(ctx, in)
	for i := 0; i < 3; i++ {
		in <- message("g1", "u1", "x")
	}
	assert.Eventually(t, func() bool {
		te.platform.mu.Lock()
		defer te.platform.mu.Unlock()
		return len(te.platform.deleted) == 1
	}, time.Second, 10*time.Millisecond)
}

func TestMaintainSweepsExpiredCounters(t *testing.T) {
	dsn := "file:" + filepath.Join(t.TempDir(), "engine.db")
	st, err := storage.NewSQLite(dsn)
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, st.Init(ctx))
	t.Cleanup(func() { _ = st.Close() })

	te := newEngineForTest(t, testConfig(), st)
	te.ProcessEvent(ctx, message("g1", "u1", "a"))
	te.ProcessEvent(ctx, message("g1", "u2", "b"))
	require.Equal(t, 2, te.Status().TrackedSpam)

	te.clock.Advance(2 * time.Minute)
	te.Maintain(ctx)
	assert.Zero(t, te.Status().TrackedSpam)
}

func TestMaintainDropsIdleGuilds(t *testing.T) {
	te := newEngineForTest(t, testConfig(), nil)
	ctx := context.Background()

	te.ProcessEvent(ctx, message("g1", "u1", "a"))
	te.clock.Advance(30 * time.Second)
	te.ProcessEvent(ctx, message("g2", "u1", "a"))
	require.Equal(t, 2, te.Status().Guilds)

	te.clock.Advance(45 * time.Second)
	te.Maintain(ctx)
	assert.Equal(t, 1, te.Status().Guilds)

	// activity the store has let go of is not kept either
	te.activity.Clear()
	te.Maintain(ctx)
	assert.Zero(t, te.Status().Guilds)

	te.ProcessEvent(ctx, message("g1", "u1", "b"))
	assert.Equal(t, 1, te.Status().Guilds)
}
