// Package platform is the boundary to the chat service: permission checks the
// engine consults and the moderation effects it requests.
package platform

import (
	"context"
	"log/slog"
	"time"

	"warden/internal/model"
)

type Platform interface {
	// CanDelete reports whether the bot may delete messages in the channel.
	CanDelete(ctx context.Context, guildID, channelID string) bool
	// CanModerate reports whether the bot may time out the member.
	CanModerate(ctx context.Context, guildID, userID string) bool
	// CanRename reports whether the bot may change the member's nickname.
	CanRename(ctx context.Context, guildID, userID string) bool
	DeleteMessage(ctx context.Context, channelID, messageID string) error
	TimeoutMember(ctx context.Context, guildID, userID string, until time.Time, reason string) error
	SetNickname(ctx context.Context, guildID, userID, nick, reason string) error
	Notify(ctx context.Context, channelID string, notice model.Notice) error
	// BotID identifies the bot as the moderator of automated actions.
	BotID() string
}

// DryRun grants every permission and logs effects without applying them.
type DryRun struct {
	logger *slog.Logger
}

func NewDryRun(logger *slog.Logger) *DryRun {
	return &DryRun{logger: logger}
}

func (d *DryRun) CanDelete(context.Context, string, string) bool { return true }

func (d *DryRun) CanModerate(context.Context, string, string) bool { return true }

func (d *DryRun) CanRename(context.Context, string, string) bool { return true }

func (d *DryRun) DeleteMessage(_ context.Context, channelID, messageID string) error {
	d.log("dry-run delete message", "channel_id", channelID, "message_id", messageID)
	return nil
}

func (d *DryRun) TimeoutMember(_ context.Context, guildID, userID string, until time.Time, reason string) error {
	d.log("dry-run timeout member",
		"guild_id", guildID,
		"user_id", userID,
		"until", until.UTC().Format(time.RFC3339),
		"reason", reason,
	)
	return nil
}

func (d *DryRun) SetNickname(_ context.Context, guildID, userID, nick, reason string) error {
	d.log("dry-run set nickname", "guild_id", guildID, "user_id", userID, "nick", nick, "reason", reason)
	return nil
}

func (d *DryRun) Notify(_ context.Context, channelID string, notice model.Notice) error {
	d.log("dry-run notify", "channel_id", channelID, "title", notice.Title, "target_id", notice.TargetID)
	return nil
}

func (d *DryRun) BotID() string { return "dry-run" }

func (d *DryRun) log(msg string, args ...any) {
	if d.logger != nil {
		d.logger.Info(msg, args...)
	}
}
