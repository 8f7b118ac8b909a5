package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"gopkg.in/yaml.v3"

	"warden/internal/model"
)

const (
	EnvConfigPath   = "WARDEN_CONFIG"
	EnvDiscordToken = "WARDEN_DISCORD_TOKEN"
)

type Config struct {
	LogLevel   string           `json:"log_level" yaml:"log_level"`
	LogFormat  string           `json:"log_format" yaml:"log_format"`
	Discord    DiscordConfig    `json:"discord" yaml:"discord"`
	Ingest     IngestConfig     `json:"ingest" yaml:"ingest"`
	AntiSpam   AntiSpamConfig   `json:"antispam" yaml:"antispam"`
	Reputation ReputationConfig `json:"reputation" yaml:"reputation"`
	Guilds     GuildsConfig     `json:"guilds" yaml:"guilds"`
	Activity   ActivityConfig   `json:"activity" yaml:"activity"`
	Audit      AuditConfig      `json:"audit" yaml:"audit"`
	API        APIConfig        `json:"api" yaml:"api"`
	Metrics    MetricsConfig    `json:"metrics" yaml:"metrics"`
	Storage    StorageConfig    `json:"storage" yaml:"storage"`
}

// DiscordConfig controls the live gateway connection. When disabled, moderation
// effects are logged by a dry-run platform instead of being applied.
type DiscordConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Token   string `json:"token" yaml:"token"`
	// ActionsPerSecond caps REST calls issued for moderation effects.
	ActionsPerSecond float64 `json:"actions_per_second" yaml:"actions_per_second"`
	ActionBurst      int     `json:"action_burst" yaml:"action_burst"`
}

type IngestConfig struct {
	ChannelBuffer int             `json:"channel_buffer" yaml:"channel_buffer"`
	REST          RESTConfig      `json:"rest" yaml:"rest"`
	TCPStream     TCPStreamConfig `json:"tcp_stream" yaml:"tcp_stream"`
	FileTail      FileTailConfig  `json:"file_tail" yaml:"file_tail"`
	Kafka         KafkaConfig     `json:"kafka" yaml:"kafka"`
}

type RESTConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Addr    string `json:"addr" yaml:"addr"`
}

type TCPStreamConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Addr    string `json:"addr" yaml:"addr"`
}

type FileTailConfig struct {
	Enabled    bool     `json:"enabled" yaml:"enabled"`
	StartAtEnd bool     `json:"start_at_end" yaml:"start_at_end"`
	Files      []string `json:"files" yaml:"files"`
}

type KafkaConfig struct {
	Enabled bool     `json:"enabled" yaml:"enabled"`
	Brokers []string `json:"brokers" yaml:"brokers"`
	Topic   string   `json:"topic" yaml:"topic"`
	GroupID string   `json:"group_id" yaml:"group_id"`
}

type AntiSpamConfig struct {
	Window              time.Duration `json:"window" yaml:"window"`
	SuppressThreshold   int           `json:"suppress_threshold" yaml:"suppress_threshold"`
	RestrictThreshold   int           `json:"restrict_threshold" yaml:"restrict_threshold"`
	RestrictionDuration time.Duration `json:"restriction_duration" yaml:"restriction_duration"`
	SweepInterval       time.Duration `json:"sweep_interval" yaml:"sweep_interval"`
	EscalationCooldown  time.Duration `json:"escalation_cooldown" yaml:"escalation_cooldown"`
	DedupeWindow        time.Duration `json:"dedupe_window" yaml:"dedupe_window"`
	ExemptUsers         []string      `json:"exempt_users" yaml:"exempt_users"`
	ExemptRoles         []string      `json:"exempt_roles" yaml:"exempt_roles"`
}

type ReputationConfig struct {
	Min           float64       `json:"min" yaml:"min"`
	Max           float64       `json:"max" yaml:"max"`
	PassDelta     float64       `json:"pass_delta" yaml:"pass_delta"`
	SuppressDelta float64       `json:"suppress_delta" yaml:"suppress_delta"`
	RestrictDelta float64       `json:"restrict_delta" yaml:"restrict_delta"`
	CacheTTL      time.Duration `json:"cache_ttl" yaml:"cache_ttl"`
	CacheSize     int           `json:"cache_size" yaml:"cache_size"`
}

type GuildsConfig struct {
	CacheTTL  time.Duration       `json:"cache_ttl" yaml:"cache_ttl"`
	CacheSize int                 `json:"cache_size" yaml:"cache_size"`
	Defaults  model.GuildSettings `json:"defaults" yaml:"defaults"`
}

type ActivityConfig struct {
	Windows    []time.Duration `json:"windows" yaml:"windows"`
	StoreLimit int             `json:"store_limit" yaml:"store_limit"`
}

type AuditConfig struct {
	StoreLimit int `json:"store_limit" yaml:"store_limit"`
}

type APIConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Addr    string `json:"addr" yaml:"addr"`
}

type MetricsConfig struct {
	Listen string `json:"listen" yaml:"listen"`
}

type StorageConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Driver  string `json:"driver" yaml:"driver"`
	DSN     string `json:"dsn" yaml:"dsn"`
}

func defaultGuildSettings() model.GuildSettings {
	return model.GuildSettings{
		// guilds opt in to anti-spam
		AntiSpam: model.AntiSpamSettings{Enabled: false},
		NameSanitizer: model.NameSanitizerSettings{
			Enabled:              false,
			CleanFancyCharacters: true,
			BlankFallbackName:    "nickname",
		},
	}
}

func DefaultConfig() *Config {
	return &Config{
		LogLevel:  "info",
		LogFormat: "json",
		Discord:   DiscordConfig{Enabled: false, ActionsPerSecond: 5, ActionBurst: 10},
		Ingest: IngestConfig{
			ChannelBuffer: 10000,
			REST:          RESTConfig{Enabled: true, Addr: ":8080"},
			TCPStream:     TCPStreamConfig{Enabled: false, Addr: ":9000"},
			FileTail:      FileTailConfig{Enabled: false, StartAtEnd: true},
			Kafka:         KafkaConfig{Enabled: false},
		},
		AntiSpam: AntiSpamConfig{
			Window:              time.Minute,
			SuppressThreshold:   3,
			RestrictThreshold:   5,
			RestrictionDuration: time.Minute,
			SweepInterval:       time.Minute,
			EscalationCooldown:  time.Minute,
			DedupeWindow:        30 * time.Second,
		},
		Reputation: ReputationConfig{
			Min:           -5,
			Max:           5,
			PassDelta:     0.035,
			SuppressDelta: -0.2,
			RestrictDelta: -0.3,
			CacheTTL:      15 * time.Minute,
			CacheSize:     10000,
		},
		Guilds: GuildsConfig{
			CacheTTL:  30 * time.Minute,
			CacheSize: 1000,
			Defaults:  defaultGuildSettings(),
		},
		Activity: ActivityConfig{
			Windows:    []time.Duration{10 * time.Second, time.Minute, 10 * time.Minute},
			StoreLimit: 5000,
		},
		Audit:   AuditConfig{StoreLimit: 1000},
		API:     APIConfig{Enabled: true, Addr: ":8081"},
		Metrics: MetricsConfig{Listen: ":8082"},
		Storage: StorageConfig{Enabled: false, Driver: "sqlite", DSN: "file:warden.db?_pragma=busy_timeout(5000)"},
	}
}

func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	content, err := io.ReadAll(f)
	if err != nil {
		return nil, err
	}
	cfg := DefaultConfig()

	trimmed := strings.TrimSpace(string(content))
	if len(trimmed) == 0 {
		return nil, errors.New("config file is empty")
	}
	var decodeErr error
	if looksLikeJSON(trimmed) {
		decodeErr = json.Unmarshal([]byte(trimmed), cfg)
	} else {
		decodeErr = yaml.Unmarshal([]byte(trimmed), cfg)
	}
	if decodeErr != nil {
		return nil, fmt.Errorf("decode %s: %w", path, decodeErr)
	}
	applyEnv(cfg)
	applyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func Save(path string, cfg *Config) error {
	if path == "" || cfg == nil {
		return errors.New("config path or config is empty")
	}
	// a token supplied through the environment stays out of the file
	out := *cfg
	if env := strings.TrimSpace(os.Getenv(EnvDiscordToken)); env != "" && env == out.Discord.Token {
		out.Discord.Token = ""
	}
	var data []byte
	var err error
	ext := strings.ToLower(filepath.Ext(path))
	if ext == ".json" {
		data, err = json.MarshalIndent(&out, "", "  ")
	} else {
		data, err = yaml.Marshal(&out)
	}
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

func looksLikeJSON(s string) bool {
	for _, ch := range s {
		if ch == '{' || ch == '[' {
			return true
		}
		if ch > ' ' {
			return false
		}
	}
	return false
}

func applyEnv(cfg *Config) {
	if token := strings.TrimSpace(os.Getenv(EnvDiscordToken)); token != "" {
		cfg.Discord.Token = token
	}
}

func applyDefaults(cfg *Config) {
	if cfg.LogFormat == "" {
		cfg.LogFormat = "json"
	}
	if cfg.Ingest.ChannelBuffer <= 0 {
		cfg.Ingest.ChannelBuffer = 10000
	}
	if cfg.Discord.ActionsPerSecond <= 0 {
		cfg.Discord.ActionsPerSecond = 5
	}
	if cfg.Discord.ActionBurst <= 0 {
		cfg.Discord.ActionBurst = 10
	}
	if cfg.Reputation.Min == 0 && cfg.Reputation.Max == 0 {
		cfg.Reputation.Min, cfg.Reputation.Max = -5, 5
	}
	if cfg.Reputation.CacheTTL <= 0 {
		cfg.Reputation.CacheTTL = 15 * time.Minute
	}
	if cfg.Reputation.CacheSize <= 0 {
		cfg.Reputation.CacheSize = 10000
	}
	if cfg.Guilds.CacheTTL <= 0 {
		cfg.Guilds.CacheTTL = 30 * time.Minute
	}
	if cfg.Guilds.CacheSize <= 0 {
		cfg.Guilds.CacheSize = 1000
	}
	if cfg.Guilds.Defaults.NameSanitizer.BlankFallbackName == "" {
		cfg.Guilds.Defaults.NameSanitizer.BlankFallbackName = "nickname"
	}
	if len(cfg.Activity.Windows) == 0 {
		cfg.Activity.Windows = []time.Duration{10 * time.Second, time.Minute, 10 * time.Minute}
	}
	if cfg.Activity.StoreLimit <= 0 {
		cfg.Activity.StoreLimit = 5000
	}
	if cfg.Audit.StoreLimit <= 0 {
		cfg.Audit.StoreLimit = 1000
	}
}

func Validate(cfg *Config) error {
	switch strings.ToLower(cfg.LogFormat) {
	case "", "json", "text":
	default:
		return fmt.Errorf("log_format must be json or text, got %q", cfg.LogFormat)
	}
	if cfg.Discord.Enabled && cfg.Discord.Token == "" {
		return fmt.Errorf("discord.token (or %s) required when discord.enabled is true", EnvDiscordToken)
	}
	if cfg.API.Enabled && cfg.API.Addr == "" {
		return errors.New("api.addr required when api.enabled is true")
	}
	if cfg.Ingest.REST.Enabled && cfg.Ingest.REST.Addr == "" {
		return errors.New("ingest.rest.addr required when ingest.rest.enabled is true")
	}
	if cfg.Ingest.TCPStream.Enabled && cfg.Ingest.TCPStream.Addr == "" {
		return errors.New("ingest.tcp_stream.addr required when ingest.tcp_stream.enabled is true")
	}
	if cfg.Ingest.FileTail.Enabled && len(cfg.Ingest.FileTail.Files) == 0 {
		return errors.New("ingest.file_tail.files required when ingest.file_tail.enabled is true")
	}
	if cfg.Ingest.Kafka.Enabled {
		if len(cfg.Ingest.Kafka.Brokers) == 0 || cfg.Ingest.Kafka.Topic == "" || cfg.Ingest.Kafka.GroupID == "" {
			return errors.New("ingest.kafka requires brokers, topic, group_id")
		}
	}
	as := cfg.AntiSpam
	if as.Window <= 0 {
		return errors.New("antispam.window must be > 0")
	}
	if as.SuppressThreshold < 1 {
		return errors.New("antispam.suppress_threshold must be >= 1")
	}
	if as.RestrictThreshold < as.SuppressThreshold {
		return errors.New("antispam.restrict_threshold must be >= antispam.suppress_threshold")
	}
	if as.RestrictionDuration <= 0 {
		return errors.New("antispam.restriction_duration must be > 0")
	}
	// platform timeouts are capped at 28 days
	if as.RestrictionDuration > 28*24*time.Hour {
		return errors.New("antispam.restriction_duration must be <= 28 days")
	}
	if cfg.Reputation.Min >= cfg.Reputation.Max {
		return errors.New("reputation.min must be < reputation.max")
	}
	for _, win := range cfg.Activity.Windows {
		if win <= 0 {
			return fmt.Errorf("activity.windows contains non-positive duration: %s", win)
		}
	}
	if cfg.Storage.Enabled {
		switch strings.ToLower(cfg.Storage.Driver) {
		case "sqlite", "postgres", "postgresql":
		default:
			return fmt.Errorf("storage.driver %q is not supported", cfg.Storage.Driver)
		}
	}
	return nil
}

type Manager struct {
	path    string
	cfg     atomic.Value
	modTime time.Time
}

func NewManager(path string) (*Manager, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	m := &Manager{path: path}
	m.cfg.Store(cfg)
	info, err := os.Stat(path)
	if err == nil {
		m.modTime = info.ModTime()
	}
	return m, nil
}

func (m *Manager) Get() *Config {
	if v := m.cfg.Load(); v != nil {
		return v.(*Config)
	}
	return DefaultConfig()
}

func (m *Manager) Path() string {
	return m.path
}

func (m *Manager) Reload() (*Config, error) {
	cfg, err := Load(m.path)
	if err != nil {
		return nil, err
	}
	m.cfg.Store(cfg)
	if info, err := os.Stat(m.path); err == nil {
		m.modTime = info.ModTime()
	}
	return cfg, nil
}

func (m *Manager) Update(cfg *Config) error {
	if cfg == nil {
		return errors.New("nil config")
	}
	if err := Validate(cfg); err != nil {
		return err
	}
	if err := Save(m.path, cfg); err != nil {
		return err
	}
	m.cfg.Store(cfg)
	if info, err := os.Stat(m.path); err == nil {
		m.modTime = info.ModTime()
	}
	return nil
}

func (m *Manager) NeedsReload() (bool, error) {
	info, err := os.Stat(m.path)
	if err != nil {
		return false, err
	}
	return info.ModTime().After(m.modTime), nil
}

func (m *Manager) Watch(interval time.Duration, onReload func(*Config), onError func(error), stop <-chan struct{}) {
	if interval <= 0 {
		interval = 3 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			needs, err := m.NeedsReload()
			if err != nil {
				if onError != nil {
					onError(err)
				}
				continue
			}
			if !needs {
				continue
			}
			cfg, err := m.Reload()
			if err != nil {
				if onError != nil {
					onError(err)
				}
				continue
			}
			if onReload != nil {
				onReload(cfg)
			}
		case <-stop:
			return
		}
	}
}

func ResolvePath(path string) string {
	if path == "" {
		return path
	}
	if filepath.IsAbs(path) {
		return path
	}
	cwd, err := os.Getwd()
	if err != nil {
		return path
	}
	return filepath.Join(cwd, path)
}
