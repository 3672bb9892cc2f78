package outbox

import (
	"time"

	"github.com/kelseyhightower/envconfig"
)

const (
	defaultBatchSize          int           = 50
	defaultTickInterval       time.Duration = time.Second
	defaultMaxRetryAttempts   int           = 5
	defaultRetryDelay         time.Duration = time.Second
	defaultRetryBackoffFactor float64       = 2.0
)

// Settings holds the dispatcher configuration.
type Settings struct {
	BatchSize          int           `envconfig:"BEEHUB_DISPATCH_BATCH_SIZE" default:"50"`          // maximum messages read per tick
	TickInterval       time.Duration `envconfig:"BEEHUB_DISPATCH_TICK_INTERVAL" default:"1s"`       // interval between dispatch ticks
	MaxRetryAttempts   int           `envconfig:"BEEHUB_DISPATCH_MAX_RETRY_ATTEMPTS" default:"5"`   // attempts before dead-lettering
	RetryDelay         time.Duration `envconfig:"BEEHUB_DISPATCH_RETRY_DELAY" default:"1s"`         // base deferred-visibility delay after a failed attempt
	RetryBackoffFactor float64       `envconfig:"BEEHUB_DISPATCH_RETRY_BACKOFF_FACTOR" default:"2"` // multiplicative delay growth per attempt
}

// validateSettings validates the established settings and sets defaults if
// needed.
func validateSettings(s *Settings) {
	if s.BatchSize <= 0 {
		s.BatchSize = defaultBatchSize
	}
	if s.TickInterval <= 0 {
		s.TickInterval = defaultTickInterval
	}
	if s.MaxRetryAttempts <= 0 {
		s.MaxRetryAttempts = defaultMaxRetryAttempts
	}
	if s.RetryDelay <= 0 {
		s.RetryDelay = defaultRetryDelay
	}
	if s.RetryBackoffFactor < 1.0 {
		s.RetryBackoffFactor = defaultRetryBackoffFactor
	}
}

// SettingsFromEnv builds Settings from the environment, applying defaults for
// unset values.
func SettingsFromEnv() (Settings, error) {
	var s Settings
	if err := envconfig.Process("", &s); err != nil {
		return Settings{}, err
	}
	validateSettings(&s)

	return s, nil
}
