package transport

import (
	"context"
	"time"

	"github.com/kelseyhightower/envconfig"
)

const (
	defaultMaxRetries    int           = 5
	defaultInitialDelay  time.Duration = 200 * time.Millisecond
	defaultBackoffFactor float64       = 2.0
)

// RetryOptions governs transport-level redelivery of a message to a failing
// handler, independent of the dispatcher-level attempt accounting kept in the
// outbox.
type RetryOptions struct {
	MaxRetries    int           `envconfig:"BEEHUB_RETRY_MAX_RETRIES" default:"5"`       // retries after the first attempt
	InitialDelay  time.Duration `envconfig:"BEEHUB_RETRY_INITIAL_DELAY" default:"200ms"` // delay before the first retry
	BackoffFactor float64       `envconfig:"BEEHUB_RETRY_BACKOFF_FACTOR" default:"2.0"`  // multiplicative delay growth
}

// DefaultRetryOptions returns the redelivery policy used when the caller
// does not provide one.
func DefaultRetryOptions() RetryOptions {
	return RetryOptions{
		MaxRetries:    defaultMaxRetries,
		InitialDelay:  defaultInitialDelay,
		BackoffFactor: defaultBackoffFactor,
	}
}

// ValidateRetryOptions validates the established options and sets defaults
// if needed.
func ValidateRetryOptions(o *RetryOptions) {
	if o.MaxRetries < 0 {
		o.MaxRetries = defaultMaxRetries
	}
	if o.InitialDelay <= 0 {
		o.InitialDelay = defaultInitialDelay
	}
	if o.BackoffFactor < 1.0 {
		o.BackoffFactor = defaultBackoffFactor
	}
}

// RetryOptionsFromEnv builds RetryOptions from the environment, applying
// defaults for unset values.
func RetryOptionsFromEnv() (RetryOptions, error) {
	var o RetryOptions
	if err := envconfig.Process("", &o); err != nil {
		return RetryOptions{}, err
	}
	ValidateRetryOptions(&o)

	return o, nil
}

// Sleep waits for the given duration or until ctx is cancelled, whichever
// comes first. A nil return means the full duration elapsed.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
