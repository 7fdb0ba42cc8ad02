package flow

import "time"

// Default engine tunables.
const (
	DefaultMaxAttempts    = 3
	DefaultBaseDelay      = time.Second
	DefaultMinReplyLength = 10
	DefaultTitleMaxLength = 50
	DefaultHistoryLimit   = 20
	DefaultSummaryTurns   = 6
	DefaultIdleTTL        = 24 * time.Hour
	DefaultSweepInterval  = 10 * time.Minute
	DefaultRecoveryGrace  = 5 * time.Minute
)

// Config carries the tunables of the counseling engine.
type Config struct {
	// MaxAttempts bounds completion calls per user message.
	MaxAttempts int
	// BaseDelay is multiplied by the attempt number to get the wait before the next attempt.
	BaseDelay time.Duration
	// MinReplyLength is the rune count a trimmed reply must exceed to be accepted.
	MinReplyLength int
	// TitleMaxLength caps session titles, in runes.
	TitleMaxLength int
	// HistoryLimit is how many prior turns are sent to the model as messages.
	HistoryLimit int
	// SummaryTurns is how many prior turns are digested into the system prompt.
	SummaryTurns int
	// IdleTTL is how long a session may stay inactive before the idle closer ends it.
	IdleTTL time.Duration
	// SweepInterval is the idle closer's polling interval.
	SweepInterval time.Duration
	// RecoveryGrace is how old an unanswered user turn must be before
	// recovery answers it with the degraded reply.
	RecoveryGrace time.Duration
}

// DefaultConfig returns the engine defaults.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:    DefaultMaxAttempts,
		BaseDelay:      DefaultBaseDelay,
		MinReplyLength: DefaultMinReplyLength,
		TitleMaxLength: DefaultTitleMaxLength,
		HistoryLimit:   DefaultHistoryLimit,
		SummaryTurns:   DefaultSummaryTurns,
		IdleTTL:        DefaultIdleTTL,
		SweepInterval:  DefaultSweepInterval,
		RecoveryGrace:  DefaultRecoveryGrace,
	}
}

// withDefaults replaces unusable values with defaults. A zero BaseDelay,
// HistoryLimit or SummaryTurns is kept: it disables the delay or the history.
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = d.MaxAttempts
	}
	if c.BaseDelay < 0 {
		c.BaseDelay = d.BaseDelay
	}
	if c.MinReplyLength < 0 {
		c.MinReplyLength = d.MinReplyLength
	}
	if c.TitleMaxLength <= 0 {
		c.TitleMaxLength = d.TitleMaxLength
	}
	if c.HistoryLimit < 0 {
		c.HistoryLimit = d.HistoryLimit
	}
	if c.SummaryTurns < 0 {
		c.SummaryTurns = d.SummaryTurns
	}
	if c.IdleTTL <= 0 {
		c.IdleTTL = d.IdleTTL
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = d.SweepInterval
	}
	if c.RecoveryGrace <= 0 {
		c.RecoveryGrace = d.RecoveryGrace
	}
	return c
}

// MaxExchangeDuration bounds how long one exchange spends waiting on the
// model when each completion call is limited to callTimeout: every attempt
// times out and every backoff between attempts is taken.
func (c Config) MaxExchangeDuration(callTimeout time.Duration) time.Duration {
	c = c.withDefaults()
	total := time.Duration(c.MaxAttempts) * callTimeout
	for attempt := 1; attempt < c.MaxAttempts; attempt++ {
		total += c.BaseDelay * time.Duration(attempt)
	}
	return total
}
