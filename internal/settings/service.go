// Package settings serves per-guild moderation settings from a short-lived cache
// in front of storage.
package settings

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"warden/internal/model"
	"warden/internal/storage"
)

// Store is the persistence the service needs. storage.Store satisfies it.
type Store interface {
	GetGuildSettings(ctx context.Context, guildID string) (model.GuildSettings, error)
	SaveGuildSettings(ctx context.Context, settings model.GuildSettings) error
}

type Service struct {
	mu       sync.Mutex
	defaults model.GuildSettings
	cache    *expirable.LRU[string, model.GuildSettings]
	store    Store
	logger   *slog.Logger

	// changed guilds when there is no store; never expires
	local map[string]model.GuildSettings
}

// NewService builds a service. Guilds without stored settings get a copy of
// defaults. With a nil store, changed guilds are kept in memory for the life of
// the process.
func NewService(defaults model.GuildSettings, store Store, cacheSize int, cacheTTL time.Duration, logger *slog.Logger) *Service {
	if cacheSize <= 0 {
		cacheSize = 1000
	}
	if defaults.NameSanitizer.BlankFallbackName == "" {
		defaults.NameSanitizer.BlankFallbackName = "nickname"
	}
	defaults.GuildID = ""
	return &Service{
		defaults: defaults.Clone(),
		cache:    expirable.NewLRU[string, model.GuildSettings](cacheSize, nil, cacheTTL),
		store:    store,
		logger:   logger,
		local:    make(map[string]model.GuildSettings),
	}
}

// SetDefaults replaces the settings handed to guilds with nothing stored. Cached
// guilds pick them up when their entry expires or after Purge.
func (s *Service) SetDefaults(defaults model.GuildSettings) {
	s.mu.Lock()
	defer s.mu.Unlock()
	defaults.GuildID = ""
	if defaults.NameSanitizer.BlankFallbackName == "" {
		defaults.NameSanitizer.BlankFallbackName = "nickname"
	}
	s.defaults = defaults.Clone()
}

func (s *Service) Get(ctx context.Context, guildID string) (model.GuildSettings, error) {
	if guildID == "" {
		return model.GuildSettings{}, errors.New("settings: empty guild id")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	gs, err := s.loadLocked(ctx, guildID)
	if err != nil {
		return model.GuildSettings{}, err
	}
	return gs.Clone(), nil
}

func (s *Service) SetAntiSpamEnabled(ctx context.Context, guildID string, enabled bool) (model.GuildSettings, error) {
	return s.mutate(ctx, guildID, func(gs *model.GuildSettings) {
		gs.AntiSpam.Enabled = enabled
	})
}

// IgnoreChannel excludes a channel from anti-spam. Ignoring an already ignored
// channel is a no-op.
func (s *Service) IgnoreChannel(ctx context.Context, guildID, channelID string) (model.GuildSettings, error) {
	if channelID == "" {
		return model.GuildSettings{}, errors.New("settings: empty channel id")
	}
	return s.mutate(ctx, guildID, func(gs *model.GuildSettings) {
		if !slices.Contains(gs.AntiSpam.IgnoredChannels, channelID) {
			gs.AntiSpam.IgnoredChannels = append(gs.AntiSpam.IgnoredChannels, channelID)
		}
	})
}

func (s *Service) UnignoreChannel(ctx context.Context, guildID, channelID string) (model.GuildSettings, error) {
	return s.mutate(ctx, guildID, func(gs *model.GuildSettings) {
		gs.AntiSpam.IgnoredChannels = slices.DeleteFunc(gs.AntiSpam.IgnoredChannels, func(c string) bool {
			return c == channelID
		})
	})
}

func (s *Service) ChannelIgnored(ctx context.Context, guildID, channelID string) (bool, error) {
	gs, err := s.Get(ctx, guildID)
	if err != nil {
		return false, err
	}
	return slices.Contains(gs.AntiSpam.IgnoredChannels, channelID), nil
}

func (s *Service) SetNameSanitizer(ctx context.Context, guildID string, ns model.NameSanitizerSettings) (model.GuildSettings, error) {
	return s.mutate(ctx, guildID, func(gs *model.GuildSettings) {
		if ns.BlankFallbackName == "" {
			ns.BlankFallbackName = gs.NameSanitizer.BlankFallbackName
		}
		gs.NameSanitizer = ns
	})
}

// SetLogChannel routes a log type to a channel. An empty channelID clears it.
func (s *Service) SetLogChannel(ctx context.Context, guildID string, kind model.LogChannel, channelID string) (model.GuildSettings, error) {
	if !kind.Valid() {
		return model.GuildSettings{}, fmt.Errorf("settings: unknown log channel type %q", kind)
	}
	return s.mutate(ctx, guildID, func(gs *model.GuildSettings) {
		if channelID == "" {
			delete(gs.LogChannels, kind)
			return
		}
		if gs.LogChannels == nil {
			gs.LogChannels = make(map[model.LogChannel]string)
		}
		gs.LogChannels[kind] = channelID
	})
}

func (s *Service) LogChannel(ctx context.Context, guildID string, kind model.LogChannel) (string, error) {
	gs, err := s.Get(ctx, guildID)
	if err != nil {
		return "", err
	}
	return gs.LogChannels[kind], nil
}

// Purge drops every cached guild. Changes held in memory without a store are
// kept.
func (s *Service) Purge() {
	s.cache.Purge()
}

func (s *Service) mutate(ctx context.Context, guildID string, fn func(*model.GuildSettings)) (model.GuildSettings, error) {
	if guildID == "" {
		return model.GuildSettings{}, errors.New("settings: empty guild id")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	current, err := s.loadLocked(ctx, guildID)
	if err != nil {
		return model.GuildSettings{}, err
	}
	next := current.Clone()
	fn(&next)
	if s.store != nil {
		if err := s.store.SaveGuildSettings(ctx, next); err != nil {
			return model.GuildSettings{}, fmt.Errorf("save settings %s: %w", guildID, err)
		}
	} else {
		s.local[guildID] = next.Clone()
	}
	s.cache.Add(guildID, next)
	if s.logger != nil {
		s.logger.Info("guild settings updated", "guild_id", guildID)
	}
	return next.Clone(), nil
}

func (s *Service) loadLocked(ctx context.Context, guildID string) (model.GuildSettings, error) {
	if gs, ok := s.cache.Get(guildID); ok {
		return gs, nil
	}
	gs := s.defaults.Clone()
	if held, ok := s.local[guildID]; ok {
		gs = held.Clone()
	} else if s.store != nil {
		stored, err := s.store.GetGuildSettings(ctx, guildID)
		switch {
		case err == nil:
			gs = stored
		case errors.Is(err, storage.ErrNotFound):
		default:
			return model.GuildSettings{}, fmt.Errorf("load settings %s: %w", guildID, err)
		}
	}
	gs.GuildID = guildID
	if gs.NameSanitizer.BlankFallbackName == "" {
		gs.NameSanitizer.BlankFallbackName = s.defaults.NameSanitizer.BlankFallbackName
	}
	s.cache.Add(guildID, gs)
	return gs, nil
}
