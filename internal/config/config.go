// Package config loads CounselPipe settings from the environment and an optional .env file.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/BTreeMap/CounselPipe/internal/flow"
	"github.com/BTreeMap/CounselPipe/internal/genai"
	"github.com/BTreeMap/CounselPipe/internal/scheduler"
	"github.com/BTreeMap/CounselPipe/internal/store"
	"github.com/BTreeMap/CounselPipe/internal/util"
)

const (
	// DefaultStateDir is the default directory for CounselPipe state data.
	DefaultStateDir = "/var/lib/counselpipe"
	// DefaultDBFileName is the default SQLite database filename.
	DefaultDBFileName = "counselpipe.db"
	// DefaultLogLevel is used when LOG_LEVEL is unset.
	DefaultLogLevel = "warn"
	// sessionLockMargin covers the store work around the model calls of one exchange.
	sessionLockMargin = 30 * time.Second
)

// ErrInvalidConfig is wrapped by every validation failure.
var ErrInvalidConfig = errors.New("invalid configuration")

// Config holds environment configuration.
type Config struct {
	StateDir     string
	DatabaseURL  string
	RedisURL     string
	PersonasFile string
	LogLevel     string
	// SweepSchedule is a cron expression for "sweep --watch"; empty sweeps every Flow.SweepInterval.
	SweepSchedule string

	OpenAIKey         string
	OpenAIModel       string
	OpenAIBaseURL     string
	OpenAITemperature float64
	OpenAIMaxTokens   int
	OpenAITimeout     time.Duration
	GenAIDebug        bool

	Flow flow.Config
}

// Load reads a .env file if present, then the environment. Unset values take defaults.
// The returned Config is not validated.
func Load() Config {
	if err := godotenv.Load(); err != nil {
		slog.Debug("config.Load: no .env file loaded", "error", err)
	} else {
		slog.Debug("config.Load: loaded .env file")
	}

	d := flow.DefaultConfig()
	cfg := Config{
		StateDir:     util.GetenvDefault("COUNSELPIPE_STATE_DIR", DefaultStateDir),
		DatabaseURL:  util.GetenvDefault("DATABASE_URL", ""),
		RedisURL:     util.GetenvDefault("REDIS_URL", ""),
		PersonasFile: util.GetenvDefault("PERSONAS_FILE", ""),
		LogLevel:     util.GetenvDefault("LOG_LEVEL", DefaultLogLevel),

		SweepSchedule: util.GetenvDefault("SWEEP_SCHEDULE", ""),

		OpenAIKey:         util.GetenvDefault("OPENAI_API_KEY", ""),
		OpenAIModel:       util.GetenvDefault("OPENAI_MODEL", genai.DefaultModel),
		OpenAIBaseURL:     util.GetenvDefault("OPENAI_BASE_URL", ""),
		OpenAITemperature: util.ParseFloatEnv("OPENAI_TEMPERATURE", genai.DefaultTemperature),
		OpenAIMaxTokens:   util.ParseIntEnv("OPENAI_MAX_TOKENS", genai.DefaultMaxTokens),
		OpenAITimeout:     util.ParseDurationEnv("OPENAI_TIMEOUT", genai.DefaultTimeout),
		GenAIDebug:        util.ParseBoolEnv("GENAI_DEBUG", false),

		Flow: flow.Config{
			MaxAttempts:    util.ParseIntEnv("REPLY_MAX_ATTEMPTS", d.MaxAttempts),
			BaseDelay:      util.ParseDurationEnv("REPLY_BASE_DELAY", d.BaseDelay),
			MinReplyLength: util.ParseIntEnv("REPLY_MIN_LENGTH", d.MinReplyLength),
			TitleMaxLength: util.ParseIntEnv("TITLE_MAX_LENGTH", d.TitleMaxLength),
			HistoryLimit:   util.ParseIntEnv("HISTORY_LIMIT", d.HistoryLimit),
			SummaryTurns:   d.SummaryTurns,
			IdleTTL:        util.ParseDurationEnv("SESSION_IDLE_TTL", d.IdleTTL),
			SweepInterval:  util.ParseDurationEnv("SWEEP_INTERVAL", d.SweepInterval),
			RecoveryGrace:  util.ParseDurationEnv("RECOVERY_GRACE", d.RecoveryGrace),
		},
	}

	slog.Debug("config.Load: environment loaded",
		"state_dir", cfg.StateDir,
		"database_url_set", cfg.DatabaseURL != "",
		"redis_url_set", cfg.RedisURL != "",
		"personas_file", cfg.PersonasFile,
		"sweep_schedule", cfg.SweepSchedule,
		"openai_api_key_set", cfg.OpenAIKey != "",
		"openai_model", cfg.OpenAIModel,
		"genai_debug", cfg.GenAIDebug)
	return cfg
}

// Validate reports the first unusable setting.
func (c Config) Validate() error {
	switch {
	case strings.TrimSpace(c.StateDir) == "":
		return fmt.Errorf("%w: state directory is empty", ErrInvalidConfig)
	case c.Flow.MaxAttempts < 1:
		return fmt.Errorf("%w: REPLY_MAX_ATTEMPTS must be at least 1, got %d", ErrInvalidConfig, c.Flow.MaxAttempts)
	case c.Flow.BaseDelay < 0:
		return fmt.Errorf("%w: REPLY_BASE_DELAY must not be negative", ErrInvalidConfig)
	case c.Flow.MinReplyLength < 0:
		return fmt.Errorf("%w: REPLY_MIN_LENGTH must not be negative", ErrInvalidConfig)
	case c.Flow.TitleMaxLength < 1:
		return fmt.Errorf("%w: TITLE_MAX_LENGTH must be at least 1, got %d", ErrInvalidConfig, c.Flow.TitleMaxLength)
	case c.Flow.HistoryLimit < 0:
		return fmt.Errorf("%w: HISTORY_LIMIT must not be negative", ErrInvalidConfig)
	case c.Flow.IdleTTL <= 0:
		return fmt.Errorf("%w: SESSION_IDLE_TTL must be positive", ErrInvalidConfig)
	case c.Flow.SweepInterval <= 0:
		return fmt.Errorf("%w: SWEEP_INTERVAL must be positive", ErrInvalidConfig)
	case c.Flow.RecoveryGrace <= 0:
		return fmt.Errorf("%w: RECOVERY_GRACE must be positive", ErrInvalidConfig)
	case c.OpenAITemperature < 0 || c.OpenAITemperature > 2:
		return fmt.Errorf("%w: OPENAI_TEMPERATURE must be within [0, 2], got %v", ErrInvalidConfig, c.OpenAITemperature)
	case c.OpenAIMaxTokens < 1:
		return fmt.Errorf("%w: OPENAI_MAX_TOKENS must be at least 1", ErrInvalidConfig)
	case c.OpenAITimeout <= 0:
		return fmt.Errorf("%w: OPENAI_TIMEOUT must be positive", ErrInvalidConfig)
	}
	if c.SweepSchedule != "" {
		if err := scheduler.ValidateExpr(c.SweepSchedule); err != nil {
			return fmt.Errorf("%w: SWEEP_SCHEDULE: %v", ErrInvalidConfig, err)
		}
	}
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		return err
	}
	return nil
}

// StoreDSN returns DATABASE_URL, or a SQLite file inside the state directory.
func (c Config) StoreDSN() string {
	if c.DatabaseURL != "" {
		return c.DatabaseURL
	}
	return filepath.Join(c.StateDir, DefaultDBFileName)
}

// SessionLockTTL is the expiry for cross-process session locks: the longest
// an exchange can wait on the model plus a margin, and never less than
// store.DefaultLockTTL.
func (c Config) SessionLockTTL() time.Duration {
	ttl := c.Flow.MaxExchangeDuration(c.OpenAITimeout) + sessionLockMargin
	if ttl < store.DefaultLockTTL {
		return store.DefaultLockTTL
	}
	return ttl
}

// GenAIOptions maps the OpenAI settings onto client options.
func (c Config) GenAIOptions() []genai.Option {
	opts := []genai.Option{
		genai.WithAPIKey(c.OpenAIKey),
		genai.WithModel(c.OpenAIModel),
		genai.WithTemperature(c.OpenAITemperature),
		genai.WithMaxTokens(int64(c.OpenAIMaxTokens)),
		genai.WithTimeout(c.OpenAITimeout),
		genai.WithDebugMode(c.GenAIDebug),
		genai.WithStateDir(c.StateDir),
	}
	if c.OpenAIBaseURL != "" {
		opts = append(opts, genai.WithBaseURL(c.OpenAIBaseURL))
	}
	return opts
}

// ParseLogLevel maps debug/info/warn/error onto slog levels.
func ParseLogLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.TrimSpace(s))); err != nil {
		return slog.LevelInfo, fmt.Errorf("%w: LOG_LEVEL %q: %v", ErrInvalidConfig, s, err)
	}
	return level, nil
}
