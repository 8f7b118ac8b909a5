package model

import "time"

type EventKind string

const (
	KindMessageCreate EventKind = "message_create"
	KindMemberUpdate  EventKind = "member_update"
)

type ChannelKind string

const (
	ChannelText ChannelKind = "text"
	ChannelDM   ChannelKind = "dm"
	ChannelNews ChannelKind = "news"
)

// Event is the platform-neutral shape of an inbound chat event. Message fields are
// set for message_create, the nickname pair for member_update.
type Event struct {
	ID          string      `json:"id,omitempty"`
	Kind        EventKind   `json:"kind"`
	Timestamp   time.Time   `json:"timestamp"`
	GuildID     string      `json:"guild_id"`
	ChannelID   string      `json:"channel_id,omitempty"`
	ChannelKind ChannelKind `json:"channel_kind,omitempty"`
	MessageID   string      `json:"message_id,omitempty"`
	AuthorID    string      `json:"author_id"`
	AuthorBot   bool        `json:"author_bot,omitempty"`
	// AuthorName is the member's account name, shown when no nickname is set.
	AuthorName  string   `json:"author_name,omitempty"`
	AuthorRoles []string `json:"author_roles,omitempty"`
	// CanManageMessages reports whether the author holds Manage Messages in the channel.
	CanManageMessages bool   `json:"can_manage_messages,omitempty"`
	Content           string `json:"content,omitempty"`
	NickBefore        string `json:"nick_before,omitempty"`
	NickAfter         string `json:"nick_after,omitempty"`
	Source            string `json:"source,omitempty"`
}

type ActionType string

const (
	ActionWarn  ActionType = "WARN"
	ActionMute  ActionType = "MUTE"
	ActionKick  ActionType = "KICK"
	ActionBan   ActionType = "BAN"
	ActionUnban ActionType = "UNBAN"
)

func (a ActionType) Valid() bool {
	switch a {
	case ActionWarn, ActionMute, ActionKick, ActionBan, ActionUnban:
		return true
	}
	return false
}

// ModAction is one persisted moderator action. CaseNumber is assigned per guild on save.
type ModAction struct {
	GuildID     string     `json:"guild_id"`
	CaseNumber  int        `json:"case_number"`
	Type        ActionType `json:"type"`
	OffenderID  string     `json:"offender_id"`
	ModeratorID string     `json:"moderator_id"`
	Reason      string     `json:"reason"`
	Minutes     int        `json:"minutes,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}

type LogChannel string

const (
	LogTextFilter  LogChannel = "text_filter"
	LogEscalations LogChannel = "escalations"
	LogUserFilter  LogChannel = "user_filter"
	LogModActions  LogChannel = "mod_actions"
)

func (l LogChannel) Valid() bool {
	switch l {
	case LogTextFilter, LogEscalations, LogUserFilter, LogModActions:
		return true
	}
	return false
}

type AntiSpamSettings struct {
	Enabled         bool     `json:"enabled" yaml:"enabled"`
	IgnoredChannels []string `json:"ignored_channels" yaml:"ignored_channels"`
}

type NameSanitizerSettings struct {
	Enabled              bool   `json:"enabled" yaml:"enabled"`
	CleanFancyCharacters bool   `json:"clean_fancy_characters" yaml:"clean_fancy_characters"`
	BlankFallbackName    string `json:"blank_fallback_name" yaml:"blank_fallback_name"`
}

type GuildSettings struct {
	GuildID       string                `json:"guild_id" yaml:"-"`
	AntiSpam      AntiSpamSettings      `json:"antispam" yaml:"antispam"`
	NameSanitizer NameSanitizerSettings `json:"name_sanitizer" yaml:"name_sanitizer"`
	LogChannels   map[LogChannel]string `json:"log_channels" yaml:"log_channels"`
}

// Clone returns a deep copy so cached settings are never mutated in place.
func (g GuildSettings) Clone() GuildSettings {
	out := g
	out.AntiSpam.IgnoredChannels = append([]string(nil), g.AntiSpam.IgnoredChannels...)
	if g.LogChannels != nil {
		out.LogChannels = make(map[LogChannel]string, len(g.LogChannels))
		for k, v := range g.LogChannels {
			out.LogChannels[k] = v
		}
	}
	return out
}

type AuditKind string

const (
	AuditMessageSuppressed AuditKind = "message_suppressed"
	AuditMemberRestricted  AuditKind = "member_restricted"
	AuditNameSanitized     AuditKind = "name_sanitized"
	AuditActionRecorded    AuditKind = "action_recorded"
)

type AuditEntry struct {
	ID        string            `json:"id"`
	Timestamp time.Time         `json:"timestamp"`
	Kind      AuditKind         `json:"kind"`
	GuildID   string            `json:"guild_id"`
	UserID    string            `json:"user_id,omitempty"`
	ChannelID string            `json:"channel_id,omitempty"`
	Context   map[string]string `json:"context,omitempty"`
}

type ActivityMetrics struct {
	WindowSec  int     `json:"window_sec"`
	Messages   int     `json:"messages"`
	Suppressed int     `json:"suppressed"`
	Restricted int     `json:"restricted"`
	Authors    int     `json:"authors"`
	MPS        float64 `json:"mps"`
	SR         float64 `json:"sr"`
	AD         float64 `json:"ad"`
}

// Notice is a moderation log message addressed to a guild log channel.
type Notice struct {
	Title       string
	Description string
	TargetID    string
	Color       int
	Fields      []NoticeField
}

type NoticeField struct {
	Name  string
	Value string
}
