package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

type QuotaConfig struct {
	MaxConnectionsPerDay int           `mapstructure:"max_connections_per_day"`
	MaxSessionDuration   time.Duration `mapstructure:"max_session_duration"`
	StaleAfter           time.Duration `mapstructure:"stale_after"`
	SweepInterval        time.Duration `mapstructure:"sweep_interval"`
}

type BotConfig struct {
	WorkerPath      string        `mapstructure:"worker_path"`
	WorkerArgs      []string      `mapstructure:"worker_args"`
	ReadyTimeout    time.Duration `mapstructure:"ready_timeout"`
	CommandTimeout  time.Duration `mapstructure:"command_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	Identity        string        `mapstructure:"identity"`
	SignalURL       string        `mapstructure:"signal_url"`
}

type RateLimitConfig struct {
	SessionsPerMinute int `mapstructure:"sessions_per_minute"`
}

type Config struct {
	Mode       string        `mapstructure:"mode"`
	Port       int           `mapstructure:"port"`
	LogLevel   string        `mapstructure:"log_level"`
	StaticPath string        `mapstructure:"static_path"`
	ReadLimit  int64         `mapstructure:"read_limit"`
	PingPeriod time.Duration `mapstructure:"ping_period"`
	Secret     string        `mapstructure:"secret"`
	ICEServers []string      `mapstructure:"ice_servers"`

	AppID           string        `mapstructure:"app_id"`
	DefaultIdentity string        `mapstructure:"default_identity"`
	TokenSecret     string        `mapstructure:"token_secret"`
	TokenTTL        time.Duration `mapstructure:"token_ttl"`

	Quota QuotaConfig `mapstructure:"quota"`

	RedisURL       string `mapstructure:"redis_url"`
	DatabaseURL    string `mapstructure:"database_url"`
	UploadDir      string `mapstructure:"upload_dir"`
	MaxUploadBytes int64  `mapstructure:"max_upload_bytes"`

	Bot       BotConfig       `mapstructure:"bot"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
}

var defaults = map[string]any{
	"mode":        "release",
	"port":        8080,
	"log_level":   "info",
	"static_path": "./web",
	"read_limit":  32768,
	"ping_period": "54s",
	"secret":      "voicelink-dev-secret",
	"ice_servers": []string{"stun:stun.l.google.com:19302"},

	"app_id":           "voicelink",
	"default_identity": "guest",
	"token_secret":     "",
	"token_ttl":        "1h",

	"quota.max_connections_per_day": 3,
	"quota.max_session_duration":    "30m",
	"quota.stale_after":             "5m",
	"quota.sweep_interval":          "60s",

	"redis_url":        "",
	"database_url":     "",
	"upload_dir":       "./uploads",
	"max_upload_bytes": 50 << 20,

	"bot.worker_path":      "",
	"bot.worker_args":      []string{},
	"bot.ready_timeout":    "10s",
	"bot.command_timeout":  "30s",
	"bot.shutdown_timeout": "5s",
	"bot.identity":         "relay-bot",
	"bot.signal_url":       "ws://127.0.0.1:8080/api/ws/signal",

	"rate_limit.sessions_per_minute": 20,
}

// Load reads .env, then config/config.<CONFIG_ENV>.yaml, then VOICELINK_*
// environment overrides.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		log.Warn().Err(err).Str("module", "config").Msg("failed to read .env")
	}

	v := viper.New()
	v.SetConfigType("yaml")

	env := os.Getenv("CONFIG_ENV")
	if env == "" {
		env = "dev"
	}
	fileName := fmt.Sprintf("config/config.%s.yaml", env)

	v.SetConfigFile(fileName)
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	for k, val := range defaults {
		v.SetDefault(k, val)
	}
	v.SetEnvPrefix("VOICELINK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		log.Warn().Str("module", "config").Str("file", fileName).Msg("config file not found, using defaults")
	} else {
		log.Info().Str("module", "config").Str("file", fileName).Msg("loaded config")
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	log.Info().Str("module", "config").Str("mode", cfg.Mode).Int("port", cfg.Port).Str("static", cfg.StaticPath).Msg("config ready")
	return &cfg, nil
}

func (c *Config) Validate() error {
	var errs []error
	if c.Port <= 0 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("port %d out of range", c.Port))
	}
	if c.Quota.MaxConnectionsPerDay <= 0 {
		errs = append(errs, errors.New("quota.max_connections_per_day must be positive"))
	}
	if c.Quota.MaxSessionDuration <= 0 {
		errs = append(errs, errors.New("quota.max_session_duration must be positive"))
	}
	if c.DefaultIdentity == "" {
		errs = append(errs, errors.New("default_identity is required"))
	}
	if c.UploadDir == "" {
		errs = append(errs, errors.New("upload_dir is required"))
	}
	return errors.Join(errs...)
}
