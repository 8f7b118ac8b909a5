package engine

import (
	"fmt"
	"strconv"
	"time"

	"warden/internal/model"
)

const (
	colorTextFilter  = 0x3498db
	colorEscalation  = 0xe67e22
	colorUserFilter  = 0xfee75c
	colorModAction   = 0xed4245
	noticeFieldLimit = 1024
	maxContentFields = 5
)

func suppressedNotice(ev model.Event) model.Notice {
	n := model.Notice{
		Title:       "Message deleted",
		Description: fmt.Sprintf("Message by <@%s> deleted in <#%s> for spam.", ev.AuthorID, ev.ChannelID),
		TargetID:    ev.AuthorID,
		Color:       colorTextFilter,
	}
	parts := splitRunes(ev.Content, noticeFieldLimit, maxContentFields)
	for i, part := range parts {
		name := "Content"
		if len(parts) > 1 {
			name = fmt.Sprintf("Content (%d/%d)", i+1, len(parts))
		}
		n.Fields = append(n.Fields, model.NoticeField{Name: name, Value: part})
	}
	return n
}

func restrictedNotice(userID, moderatorID string, until time.Time, reason string) model.Notice {
	return model.Notice{
		Title:       "Member timed out",
		Description: fmt.Sprintf("<@%s> timed out until <t:%d:F>.", userID, until.Unix()),
		TargetID:    userID,
		Color:       colorEscalation,
		Fields: []model.NoticeField{
			{Name: "Moderator", Value: mention(moderatorID)},
			{Name: "Reason", Value: reason},
		},
	}
}

func actionNotice(action model.ModAction) model.Notice {
	title := string(action.Type)
	if action.CaseNumber > 0 {
		title = fmt.Sprintf("Case #%d | %s", action.CaseNumber, action.Type)
	}
	fields := []model.NoticeField{
		{Name: "Offender", Value: mention(action.OffenderID)},
		{Name: "Moderator", Value: mention(action.ModeratorID)},
		{Name: "Reason", Value: action.Reason},
	}
	if action.Minutes > 0 {
		fields = append(fields, model.NoticeField{Name: "Duration", Value: strconv.Itoa(action.Minutes) + " min"})
	}
	return model.Notice{
		Title:    title,
		TargetID: action.OffenderID,
		Color:    colorModAction,
		Fields:   fields,
	}
}

func sanitizedNotice(userID, before, after string) model.Notice {
	return model.Notice{
		Title:       "Nickname sanitized",
		Description: fmt.Sprintf("Nickname of <@%s> was changed.", userID),
		TargetID:    userID,
		Color:       colorUserFilter,
		Fields: []model.NoticeField{
			{Name: "Before", Value: before},
			{Name: "After", Value: after},
			{Name: "Reason", Value: nameSanitizedReason},
		},
	}
}

func mention(id string) string {
	if id == "" {
		return "unknown"
	}
	return "<@" + id + ">"
}

// splitRunes cuts s into at most max parts of at most size runes each; the last
// part is truncated when s does not fit.
func splitRunes(s string, size, max int) []string {
	if s == "" {
		return nil
	}
	r := []rune(s)
	var parts []string
	for len(r) > 0 && len(parts) < max {
		n := size
		if len(r) < n {
			n = len(r)
		}
		parts = append(parts, string(r[:n]))
		r = r[n:]
	}
	return parts
}
