package platform

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/bwmarrin/discordgo"
	"golang.org/x/time/rate"

	"warden/internal/model"
)

// Discord adapts a discordgo session. Gateway events are converted to
// model.Event and handed to the sink passed to Open.
type Discord struct {
	session *discordgo.Session
	limiter *rate.Limiter
	logger  *slog.Logger
}

func NewDiscord(token string, actionsPerSecond float64, burst int, logger *slog.Logger) (*Discord, error) {
	if token == "" {
		return nil, errors.New("discord: empty token")
	}
	s, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, fmt.Errorf("discord session: %w", err)
	}
	s.Identify.Intents = discordgo.IntentsGuilds |
		discordgo.IntentsGuildMembers |
		discordgo.IntentsGuildMessages |
		discordgo.IntentsMessageContent
	s.State.TrackMembers = true
	if actionsPerSecond <= 0 {
		actionsPerSecond = 5
	}
	if burst <= 0 {
		burst = 1
	}
	return &Discord{
		session: s,
		limiter: rate.NewLimiter(rate.Limit(actionsPerSecond), burst),
		logger:  logger,
	}, nil
}

// Open registers gateway handlers and connects.
func (d *Discord) Open(sink func(model.Event)) error {
	d.session.AddHandler(func(s *discordgo.Session, r *discordgo.Ready) {
		if d.logger != nil {
			d.logger.Info("discord gateway ready", "user_id", r.User.ID, "guilds", len(r.Guilds))
		}
	})
	d.session.AddHandler(func(s *discordgo.Session, m *discordgo.MessageCreate) {
		if ev, ok := d.messageEvent(m); ok {
			sink(ev)
		}
	})
	d.session.AddHandler(func(s *discordgo.Session, m *discordgo.GuildMemberUpdate) {
		if ev, ok := memberUpdateEvent(m); ok {
			sink(ev)
		}
	})
	return d.session.Open()
}

func (d *Discord) Close() error {
	return d.session.Close()
}

func (d *Discord) BotID() string {
	if d.session.State != nil && d.session.State.User != nil {
		return d.session.State.User.ID
	}
	return ""
}

func (d *Discord) CanDelete(ctx context.Context, guildID, channelID string) bool {
	botID := d.BotID()
	if botID == "" {
		return false
	}
	perms, err := d.session.UserChannelPermissions(botID, channelID, discordgo.WithContext(ctx))
	if err != nil {
		d.warn("channel permission lookup failed", err, "channel_id", channelID)
		return false
	}
	return perms&discordgo.PermissionManageMessages != 0
}

// CanModerate requires Moderate Members and a top role above the target's.
func (d *Discord) CanModerate(ctx context.Context, guildID, userID string) bool {
	return d.canActOn(ctx, guildID, userID, discordgo.PermissionModerateMembers)
}

// CanRename requires Manage Nicknames and a top role above the target's.
func (d *Discord) CanRename(ctx context.Context, guildID, userID string) bool {
	return d.canActOn(ctx, guildID, userID, discordgo.PermissionManageNicknames)
}

// canActOn resolves the bot and target members and checks perm against the
// hierarchy. The guild owner can never be acted on.
func (d *Discord) canActOn(ctx context.Context, guildID, userID string, perm int64) bool {
	botID := d.BotID()
	if botID == "" || botID == userID {
		return false
	}
	guild, err := d.guild(ctx, guildID)
	if err != nil {
		d.warn("guild lookup failed", err, "guild_id", guildID)
		return false
	}
	if guild.OwnerID == userID {
		return false
	}
	me, err := d.member(ctx, guildID, botID)
	if err != nil {
		d.warn("bot member lookup failed", err, "guild_id", guildID)
		return false
	}
	target, err := d.member(ctx, guildID, userID)
	if err != nil {
		d.warn("member lookup failed", err, "guild_id", guildID, "user_id", userID)
		return false
	}
	roles := make(map[string]*discordgo.Role, len(guild.Roles))
	for _, r := range guild.Roles {
		roles[r.ID] = r
	}
	return outranks(roles, guildID, me.Roles, target.Roles, perm)
}

// outranks reports whether a member holding mine has perm (or Administrator)
// and a higher top role than a member holding theirs. The @everyone role shares
// the guild's ID.
func outranks(roles map[string]*discordgo.Role, guildID string, mine, theirs []string, perm int64) bool {
	var perms int64
	if everyone, ok := roles[guildID]; ok {
		perms = everyone.Permissions
	}
	for _, id := range mine {
		if r, ok := roles[id]; ok {
			perms |= r.Permissions
		}
	}
	if perms&(perm|discordgo.PermissionAdministrator) == 0 {
		return false
	}
	return topRole(roles, mine) > topRole(roles, theirs)
}

func (d *Discord) DeleteMessage(ctx context.Context, channelID, messageID string) error {
	if err := d.limiter.Wait(ctx); err != nil {
		return err
	}
	return d.session.ChannelMessageDelete(channelID, messageID, discordgo.WithContext(ctx))
}

func (d *Discord) TimeoutMember(ctx context.Context, guildID, userID string, until time.Time, reason string) error {
	if err := d.limiter.Wait(ctx); err != nil {
		return err
	}
	return d.session.GuildMemberTimeout(guildID, userID, &until,
		discordgo.WithContext(ctx), discordgo.WithAuditLogReason(reason))
}

func (d *Discord) SetNickname(ctx context.Context, guildID, userID, nick, reason string) error {
	if err := d.limiter.Wait(ctx); err != nil {
		return err
	}
	return d.session.GuildMemberNickname(guildID, userID, nick,
		discordgo.WithContext(ctx), discordgo.WithAuditLogReason(reason))
}

func (d *Discord) Notify(ctx context.Context, channelID string, notice model.Notice) error {
	if channelID == "" {
		return nil
	}
	if err := d.limiter.Wait(ctx); err != nil {
		return err
	}
	_, err := d.session.ChannelMessageSendComplex(channelID, &discordgo.MessageSend{
		Content: notice.TargetID,
		Embeds:  []*discordgo.MessageEmbed{noticeEmbed(notice)},
	}, discordgo.WithContext(ctx))
	return err
}

func (d *Discord) messageEvent(m *discordgo.MessageCreate) (model.Event, bool) {
	if m == nil || m.Message == nil || m.Author == nil {
		return model.Event{}, false
	}
	ev := model.Event{
		ID:          "discord:msg:" + m.ID,
		Kind:        model.KindMessageCreate,
		Timestamp:   m.Timestamp,
		GuildID:     m.GuildID,
		ChannelID:   m.ChannelID,
		ChannelKind: model.ChannelText,
		MessageID:   m.ID,
		AuthorID:    m.Author.ID,
		AuthorBot:   m.Author.Bot,
		Content:     m.Content,
		Source:      "discord",
	}
	if m.Member != nil {
		ev.AuthorRoles = append([]string(nil), m.Member.Roles...)
	}
	if m.GuildID == "" {
		ev.ChannelKind = model.ChannelDM
		return ev, true
	}
	if ch, err := d.channel(m.ChannelID); err == nil {
		ev.ChannelKind = channelKind(ch.Type)
	}
	if perms, err := d.session.UserChannelPermissions(m.Author.ID, m.ChannelID); err == nil {
		ev.CanManageMessages = perms&discordgo.PermissionManageMessages != 0
	}
	return ev, true
}

func memberUpdateEvent(m *discordgo.GuildMemberUpdate) (model.Event, bool) {
	if m == nil || m.Member == nil || m.User == nil {
		return model.Event{}, false
	}
	ev := model.Event{
		ID:          fmt.Sprintf("discord:member:%s:%s:%s", m.GuildID, m.User.ID, m.Nick),
		Kind:        model.KindMemberUpdate,
		Timestamp:   time.Now().UTC(),
		GuildID:     m.GuildID,
		AuthorID:    m.User.ID,
		AuthorBot:   m.User.Bot,
		AuthorName:  m.User.GlobalName,
		AuthorRoles: append([]string(nil), m.Roles...),
		NickAfter:   m.Nick,
		Source:      "discord",
	}
	if ev.AuthorName == "" {
		ev.AuthorName = m.User.Username
	}
	if m.BeforeUpdate != nil {
		ev.NickBefore = m.BeforeUpdate.Nick
	}
	return ev, true
}

func channelKind(t discordgo.ChannelType) model.ChannelKind {
	switch t {
	case discordgo.ChannelTypeDM, discordgo.ChannelTypeGroupDM:
		return model.ChannelDM
	case discordgo.ChannelTypeGuildNews:
		return model.ChannelNews
	}
	return model.ChannelText
}

func noticeEmbed(n model.Notice) *discordgo.MessageEmbed {
	embed := &discordgo.MessageEmbed{
		Title:       n.Title,
		Description: n.Description,
		Color:       n.Color,
		Timestamp:   time.Now().UTC().Format(time.RFC3339),
	}
	for _, f := range n.Fields {
		embed.Fields = append(embed.Fields, &discordgo.MessageEmbedField{Name: f.Name, Value: f.Value})
	}
	return embed
}

func topRole(roles map[string]*discordgo.Role, ids []string) int {
	top := 0
	for _, id := range ids {
		if r, ok := roles[id]; ok && r.Position > top {
			top = r.Position
		}
	}
	return top
}

func (d *Discord) channel(channelID string) (*discordgo.Channel, error) {
	if ch, err := d.session.State.Channel(channelID); err == nil {
		return ch, nil
	}
	return d.session.Channel(channelID)
}

func (d *Discord) guild(ctx context.Context, guildID string) (*discordgo.Guild, error) {
	if g, err := d.session.State.Guild(guildID); err == nil {
		return g, nil
	}
	return d.session.Guild(guildID, discordgo.WithContext(ctx))
}

func (d *Discord) member(ctx context.Context, guildID, userID string) (*discordgo.Member, error) {
	if m, err := d.session.State.Member(guildID, userID); err == nil {
		return m, nil
	}
	return d.session.GuildMember(guildID, userID, discordgo.WithContext(ctx))
}

func (d *Discord) warn(msg string, err error, args ...any) {
	if d.logger != nil {
		d.logger.Warn(msg, append(args, "err", err)...)
	}
}
