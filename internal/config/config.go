package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const EnvPrefix = "VASSIST"

type Config struct {
	HTTPAddr string

	StoreDriver         string
	StoreDSN            string
	StoreConnectTimeout time.Duration

	// Retention of delivered and cancelled requests; 0 keeps them forever.
	Retention     time.Duration
	PurgeInterval time.Duration

	PollRequestInterval time.Duration
	PollPendingInterval time.Duration
	PollReadTimeout     time.Duration

	APIURL string

	TelegramToken  string
	TelegramChatID int64
	// Commands per second allowed per Telegram user, with a burst of BotBurst.
	BotRateLimit float64
	BotBurst     int

	LogLevel string

	TelemetryEnabled bool
	TelemetryStdout  bool
}

// SetDefaults registers every key so env vars resolve even without a config file.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("http.addr", ":8000")
	v.SetDefault("store.driver", "sqlite3")
	v.SetDefault("store.dsn", "vassist.db?_busy_timeout=5000&_journal_mode=WAL")
	v.SetDefault("store.connect_timeout", 30*time.Second)
	v.SetDefault("retention", time.Duration(0))
	v.SetDefault("purge_interval", time.Hour)
	v.SetDefault("poll.request_interval", 2*time.Second)
	v.SetDefault("poll.pending_interval", 3*time.Second)
	v.SetDefault("poll.read_timeout", 5*time.Second)
	v.SetDefault("api.url", "http://localhost:8000")
	v.SetDefault("telegram.token", "")
	v.SetDefault("telegram.chat_id", int64(0))
	v.SetDefault("telegram.rate_limit", 1.0)
	v.SetDefault("telegram.burst", 5)
	v.SetDefault("log.level", "info")
	v.SetDefault("telemetry.enabled", false)
	v.SetDefault("telemetry.stdout", false)
}

// New returns a viper instance wired for VASSIST_* env vars and, when
// configFile is set, that file.
func New(configFile string) (*viper.Viper, error) {
	v := viper.New()
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}
	return v, nil
}

// Load reads and validates the configuration.
func Load(v *viper.Viper) (*Config, error) {
	cfg := &Config{
		HTTPAddr:            v.GetString("http.addr"),
		StoreDriver:         strings.ToLower(v.GetString("store.driver")),
		StoreDSN:            v.GetString("store.dsn"),
		StoreConnectTimeout: v.GetDuration("store.connect_timeout"),
		Retention:           v.GetDuration("retention"),
		PurgeInterval:       v.GetDuration("purge_interval"),
		PollRequestInterval: v.GetDuration("poll.request_interval"),
		PollPendingInterval: v.GetDuration("poll.pending_interval"),
		PollReadTimeout:     v.GetDuration("poll.read_timeout"),
		APIURL:              v.GetString("api.url"),
		TelegramToken:       v.GetString("telegram.token"),
		TelegramChatID:      v.GetInt64("telegram.chat_id"),
		BotRateLimit:        v.GetFloat64("telegram.rate_limit"),
		BotBurst:            v.GetInt("telegram.burst"),
		LogLevel:            strings.ToLower(v.GetString("log.level")),
		TelemetryEnabled:    v.GetBool("telemetry.enabled"),
		TelemetryStdout:     v.GetBool("telemetry.stdout"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	var errs []string
	switch c.StoreDriver {
	case "sqlite3", "postgres", "redis":
	default:
		errs = append(errs, fmt.Sprintf("store.driver %q must be one of sqlite3, postgres, redis", c.StoreDriver))
	}
	if c.StoreDriver != "redis" && c.StoreDSN == "" {
		errs = append(errs, "store.dsn is required")
	}
	if c.HTTPAddr == "" {
		errs = append(errs, "http.addr is required")
	}
	if c.Retention < 0 {
		errs = append(errs, "retention must be >= 0")
	}
	if c.Retention > 0 && c.PurgeInterval <= 0 {
		errs = append(errs, "purge_interval must be > 0 when retention is set")
	}
	if c.PollRequestInterval <= 0 || c.PollPendingInterval <= 0 {
		errs = append(errs, "poll intervals must be > 0")
	}
	if c.PollReadTimeout <= 0 {
		errs = append(errs, "poll.read_timeout must be > 0")
	}
	if c.BotRateLimit <= 0 || c.BotBurst <= 0 {
		errs = append(errs, "telegram.rate_limit and telegram.burst must be > 0")
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Sprintf("log.level %q must be debug, info, warn or error", c.LogLevel))
	}
	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}
	return nil
}

// ValidateBot checks the settings the Telegram front-end needs.
func (c *Config) ValidateBot() error {
	if c.TelegramToken == "" {
		return errors.New("telegram.token is required")
	}
	return nil
}
