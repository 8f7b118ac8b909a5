// Package normalize turns loosely keyed inbound records into model.Event values.
package normalize

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"warden/internal/model"
)

var (
	ErrMissingAuthor = errors.New("missing author id")
	ErrMissingGuild  = errors.New("missing guild id")
	ErrUnknownKind   = errors.New("unknown event kind")
)

// EventFields holds the raw string values pulled from a record before typing.
type EventFields struct {
	ID                string
	Kind              string
	Timestamp         string
	GuildID           string
	ChannelID         string
	ChannelKind       string
	MessageID         string
	AuthorID          string
	AuthorBot         string
	AuthorName        string
	AuthorRoles       []string
	CanManageMessages string
	Content           string
	NickBefore        string
	NickAfter         string
	Extras            map[string]string
}

func Normalize(fields EventFields, source string) (model.Event, error) {
	ev := model.Event{
		ID:                strings.TrimSpace(fields.ID),
		GuildID:           strings.TrimSpace(fields.GuildID),
		ChannelID:         strings.TrimSpace(fields.ChannelID),
		MessageID:         strings.TrimSpace(fields.MessageID),
		AuthorID:          strings.TrimSpace(fields.AuthorID),
		AuthorBot:         ParseBool(fields.AuthorBot),
		AuthorName:        fields.AuthorName,
		CanManageMessages: ParseBool(fields.CanManageMessages),
		Content:           fields.Content,
		NickBefore:        fields.NickBefore,
		NickAfter:         fields.NickAfter,
		Source:            source,
	}
	for _, r := range fields.AuthorRoles {
		if r = strings.TrimSpace(r); r != "" {
			ev.AuthorRoles = append(ev.AuthorRoles, r)
		}
	}

	kind, err := ParseKind(fields.Kind, fields)
	if err != nil {
		return model.Event{}, err
	}
	ev.Kind = kind
	ev.ChannelKind = ParseChannelKind(fields.ChannelKind, ev.GuildID)

	if fields.Timestamp != "" {
		ts, err := ParseTimestamp(fields.Timestamp)
		if err != nil {
			return model.Event{}, fmt.Errorf("parse timestamp: %w", err)
		}
		ev.Timestamp = ts.UTC()
	}
	if ev.MessageID == "" && kind == model.KindMessageCreate {
		ev.MessageID = ev.ID
	}
	if ev.ID == "" && ev.MessageID != "" {
		ev.ID = ev.MessageID
	}

	if ev.AuthorID == "" {
		return model.Event{}, ErrMissingAuthor
	}
	if ev.GuildID == "" && (kind == model.KindMemberUpdate || ev.ChannelKind != model.ChannelDM) {
		return model.Event{}, ErrMissingGuild
	}
	return ev, nil
}

// ParseKind accepts the gateway event names as well as the short forms. An empty
// kind is inferred: a nickname without content is a member update.
func ParseKind(value string, fields EventFields) (model.EventKind, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "":
		if fields.Content == "" && fields.NickAfter != "" {
			return model.KindMemberUpdate, nil
		}
		return model.KindMessageCreate, nil
	case "message_create", "message", "message-create", "msg":
		return model.KindMessageCreate, nil
	case "member_update", "guild_member_update", "member-update", "nickname":
		return model.KindMemberUpdate, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownKind, value)
}

func ParseChannelKind(value, guildID string) model.ChannelKind {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "dm", "direct", "group_dm", "private":
		return model.ChannelDM
	case "news", "announcement", "guild_news":
		return model.ChannelNews
	case "text", "guild_text":
		return model.ChannelText
	}
	if guildID == "" {
		return model.ChannelDM
	}
	return model.ChannelText
}

func ParseBool(value string) bool {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "y", "on":
		return true
	}
	return false
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02 15:04:05.000",
	"2006-01-02T15:04:05",
	"2006-01-02T15:04:05.000",
	"2006-01-02T15:04:05Z0700",
}

// ParseTimestamp accepts RFC 3339, common ISO-like layouts (read as UTC) and unix
// seconds or milliseconds.
func ParseTimestamp(value string) (time.Time, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}, errors.New("empty timestamp")
	}
	if isNumeric(value) {
		if ts, err := parseUnix(value); err == nil {
			return ts, nil
		}
	}
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, value); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unsupported timestamp format: %q", value)
}

func isNumeric(value string) bool {
	for _, ch := range value {
		if ch < '0' || ch > '9' {
			return false
		}
	}
	return len(value) > 0
}

func parseUnix(value string) (time.Time, error) {
	if len(value) >= 13 {
		ms, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return time.Time{}, err
		}
		return time.UnixMilli(ms).UTC(), nil
	}
	sec, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	return time.Unix(sec, 0).UTC(), nil
}
