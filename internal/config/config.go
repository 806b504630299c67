package config

import (
	"errors"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"
)

type Config struct {
	DiscordToken  string            `yaml:"discord_token"`
	DatabasePath  string            `yaml:"database_path"`
	LogLevel      string            `yaml:"log_level"`
	Redis         RedisConfig       `yaml:"redis"`
	Health        HealthConfig      `yaml:"health"`
	Automod       AutomodConfig     `yaml:"automod"`
	Punishments   PunishmentConfig  `yaml:"punishments"`
	Timeouts      TimeoutConfig     `yaml:"timeouts"`
	Notifications NotifyConfig      `yaml:"notifications"`
	Retry         RetryConfig       `yaml:"retry"`
	Defaults      GuildDefaultsConf `yaml:"defaults"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type HealthConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

// AutomodConfig holds the detector thresholds. Millisecond values mirror the
// timestamps pushed onto the sliding windows.
type AutomodConfig struct {
	SpamMessages     int `yaml:"spam_messages"`
	SpamWindowMs     int `yaml:"spam_window_ms"`
	SpamStaleMs      int `yaml:"spam_stale_ms"`
	RaidJoins        int `yaml:"raid_joins"`
	RaidWindowMs     int `yaml:"raid_window_ms"`
	AccountAgeJoins  int `yaml:"account_age_joins"`
	AccountAgeWindow int `yaml:"account_age_window_ms"`
}

type PunishmentConfig struct {
	DefaultDeleteDays int    `yaml:"default_delete_days"`
	MutedRoleName     string `yaml:"muted_role_name"`
	MaxWarnings       int    `yaml:"max_warnings"`
}

type TimeoutConfig struct {
	Workers int `yaml:"workers"`
}

type RetryConfig struct {
	MaxRetries       int `yaml:"max_retries"`
	InitialMs        int `yaml:"initial_ms"`
	MaxElapsedSecond int `yaml:"max_elapsed_seconds"`
}

// GuildDefaultsConf seeds the settings row of a guild seen for the first time.
type GuildDefaultsConf struct {
	ModLogChannel  string `yaml:"mod_log_channel"`
	MentionLimit   int    `yaml:"mention_limit"`
	AccountAgeDays int    `yaml:"account_age_days"`
}

type NotifyConfig struct {
	EmbedColors EmbedColors `yaml:"embed_colors"`
}

type EmbedColors struct {
	Punitive   int `yaml:"punitive"`
	Warning    int `yaml:"warning"`
	Corrective int `yaml:"corrective"`
}

func DefaultConfig() Config {
	return Config{
		DatabasePath: "/data/modguard.db",
		LogLevel:     "info",
		Redis:        RedisConfig{Addr: "localhost:6379"},
		Health:       HealthConfig{Enabled: false, Addr: ":8080"},
		Automod: AutomodConfig{
			SpamMessages:     5,
			SpamWindowMs:     3000,
			SpamStaleMs:      5000,
			RaidJoins:        3,
			RaidWindowMs:     1000,
			AccountAgeJoins:  3,
			AccountAgeWindow: 1000,
		},
		Punishments: PunishmentConfig{
			DefaultDeleteDays: 7,
			MutedRoleName:     "Muted",
			MaxWarnings:       0,
		},
		Timeouts: TimeoutConfig{Workers: 4},
		Retry:    RetryConfig{MaxRetries: 5, InitialMs: 500, MaxElapsedSecond: 30},
		Defaults: GuildDefaultsConf{MentionLimit: 0, AccountAgeDays: 7},
		Notifications: NotifyConfig{
			EmbedColors: EmbedColors{
				Punitive:   0xEF4444,
				Warning:    0xF59E0B,
				Corrective: 0x22C55E,
			},
		},
	}
}

func Load() (Config, error) {
	cfg := DefaultConfig()

	_ = godotenv.Load()

	path := os.Getenv("CONFIG_PATH")
	if path == "" {
		path = "config.yaml"
	}
	if data, err := os.ReadFile(path); err == nil {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, err
		}
	}

	applyEnv(&cfg)
	if cfg.DiscordToken == "" {
		return Config{}, errors.New("DISCORD_TOKEN is required")
	}
	normalize(&cfg)

	return cfg, nil
}

func applyEnv(cfg *Config) {
	cfg.DiscordToken = envString("DISCORD_TOKEN", cfg.DiscordToken)
	cfg.DatabasePath = envString("DATABASE_PATH", cfg.DatabasePath)
	cfg.LogLevel = envString("LOG_LEVEL", cfg.LogLevel)
	cfg.Redis.Addr = envString("REDIS_ADDR", cfg.Redis.Addr)
	cfg.Redis.Username = envString("REDIS_USERNAME", cfg.Redis.Username)
	cfg.Redis.Password = envString("REDIS_PASSWORD", cfg.Redis.Password)
	cfg.Redis.DB = envInt("REDIS_DB", cfg.Redis.DB)
	cfg.Health.Enabled = envBool("HEALTH_ENABLED", cfg.Health.Enabled)
	cfg.Health.Addr = envString("HEALTH_ADDR", cfg.Health.Addr)
	cfg.Automod.SpamMessages = envInt("SPAM_MESSAGES", cfg.Automod.SpamMessages)
	cfg.Automod.SpamWindowMs = envInt("SPAM_WINDOW_MS", cfg.Automod.SpamWindowMs)
	cfg.Automod.RaidJoins = envInt("RAID_JOINS", cfg.Automod.RaidJoins)
	cfg.Automod.RaidWindowMs = envInt("RAID_WINDOW_MS", cfg.Automod.RaidWindowMs)
	cfg.Punishments.DefaultDeleteDays = envInt("DEFAULT_DELETE_DAYS", cfg.Punishments.DefaultDeleteDays)
	cfg.Punishments.MutedRoleName = envString("MUTED_ROLE_NAME", cfg.Punishments.MutedRoleName)
	cfg.Punishments.MaxWarnings = envInt("MAX_WARNINGS", cfg.Punishments.MaxWarnings)
	cfg.Timeouts.Workers = envInt("TIMEOUT_WORKERS", cfg.Timeouts.Workers)
	cfg.Defaults.ModLogChannel = envString("DEFAULT_MOD_LOG_CHANNEL", cfg.Defaults.ModLogChannel)
	cfg.Notifications.EmbedColors.Punitive = envInt("EMBED_COLOR_PUNITIVE", cfg.Notifications.EmbedColors.Punitive)
	cfg.Notifications.EmbedColors.Warning = envInt("EMBED_COLOR_WARNING", cfg.Notifications.EmbedColors.Warning)
	cfg.Notifications.EmbedColors.Corrective = envInt("EMBED_COLOR_CORRECTIVE", cfg.Notifications.EmbedColors.Corrective)
}

func normalize(cfg *Config) {
	if cfg.Punishments.DefaultDeleteDays < 0 || cfg.Punishments.DefaultDeleteDays > 7 {
		cfg.Punishments.DefaultDeleteDays = 7
	}
	if strings.TrimSpace(cfg.Punishments.MutedRoleName) == "" {
		cfg.Punishments.MutedRoleName = "Muted"
	}
	if cfg.Punishments.MaxWarnings < 0 {
		cfg.Punishments.MaxWarnings = 0
	}
	if cfg.Timeouts.Workers <= 0 {
		cfg.Timeouts.Workers = 1
	}

	// A detector with a threshold below two fires on a single event.
	defaults := DefaultConfig().Automod
	atLeastTwo(&cfg.Automod.SpamMessages, defaults.SpamMessages)
	atLeastTwo(&cfg.Automod.RaidJoins, defaults.RaidJoins)
	atLeastTwo(&cfg.Automod.AccountAgeJoins, defaults.AccountAgeJoins)
	positive(&cfg.Automod.SpamWindowMs, defaults.SpamWindowMs)
	positive(&cfg.Automod.SpamStaleMs, defaults.SpamStaleMs)
	positive(&cfg.Automod.RaidWindowMs, defaults.RaidWindowMs)
	positive(&cfg.Automod.AccountAgeWindow, defaults.AccountAgeWindow)
}

func atLeastTwo(value *int, fallback int) {
	if *value < 2 {
		*value = fallback
	}
}

func positive(value *int, fallback int) {
	if *value <= 0 {
		*value = fallback
	}
}

func BuildLogger(level string) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.Encoding = "json"
	cfg.EncoderConfig.TimeKey = "time"
	cfg.EncoderConfig.MessageKey = "message"
	cfg.EncoderConfig.LevelKey = "level"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	lvl := strings.ToLower(level)
	switch lvl {
	case "debug", "info", "warn", "error":
		cfg.Level = zap.NewAtomicLevelAt(parseLevel(lvl))
	default:
		cfg.Level = zap.NewAtomicLevelAt(zapcore.InfoLevel)
	}

	return cfg.Build()
}

func parseLevel(level string) zapcore.Level {
	switch level {
	case "debug":
		return zapcore.DebugLevel
	case "warn":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

func envString(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if value := os.Getenv(key); value != "" {
		lower := strings.ToLower(value)
		return lower == "1" || lower == "true" || lower == "yes"
	}
	return fallback
}
