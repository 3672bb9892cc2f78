package transport

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestValidateRetryOptions(t *testing.T) {
	testcases := []struct {
		name     string
		input    RetryOptions
		expected RetryOptions
	}{
		{
			name:     "empty options get all defaults",
			input:    RetryOptions{},
			expected: DefaultRetryOptions(),
		},
		{
			name: "valid options are kept",
			input: RetryOptions{
				MaxRetries:    3,
				InitialDelay:  time.Second,
				BackoffFactor: 1.5,
			},
			expected: RetryOptions{
				MaxRetries:    3,
				InitialDelay:  time.Second,
				BackoffFactor: 1.5,
			},
		},
		{
			name: "zero retries disables redelivery",
			input: RetryOptions{
				MaxRetries:    0,
				InitialDelay:  time.Second,
				BackoffFactor: 2.0,
			},
			expected: RetryOptions{
				MaxRetries:    0,
				InitialDelay:  time.Second,
				BackoffFactor: 2.0,
			},
		},
		{
			name: "invalid values are replaced individually",
			input: RetryOptions{
				MaxRetries:    -1,
				InitialDelay:  -time.Second,
				BackoffFactor: 0.5,
			},
			expected: DefaultRetryOptions(),
		},
	}
	for _, tc := range testcases {
		t.Run(tc.name, func(t *testing.T) {
			ValidateRetryOptions(&tc.input)
			assert.Equal(t, tc.expected, tc.input)
		})
	}
}

func TestRetryOptionsFromEnv(t *testing.T) {
	t.Run("defaults when unset", func(t *testing.T) {
		o, err := RetryOptionsFromEnv()
		assert.NoError(t, err)
		assert.Equal(t, DefaultRetryOptions(), o)
	})

	t.Run("values from the environment", func(t *testing.T) {
		t.Setenv("BEEHUB_RETRY_MAX_RETRIES", "7")
		t.Setenv("BEEHUB_RETRY_INITIAL_DELAY", "50ms")
		o, err := RetryOptionsFromEnv()
		assert.NoError(t, err)
		assert.Equal(t, 7, o.MaxRetries)
		assert.Equal(t, 50*time.Millisecond, o.InitialDelay)
	})

	t.Run("malformed values fail", func(t *testing.T) {
		t.Setenv("BEEHUB_RETRY_INITIAL_DELAY", "soon")
		_, err := RetryOptionsFromEnv()
		assert.Error(t, err)
	})
}

func TestSleep(t *testing.T) {
	t.Run("elapses fully", func(t *testing.T) {
		start := time.Now()
		assert.NoError(t, Sleep(context.Background(), 10*time.Millisecond))
		assert.GreaterOrEqual(t, time.Since(start), 10*time.Millisecond)
	})

	t.Run("non-positive durations return immediately", func(t *testing.T) {
		assert.NoError(t, Sleep(context.Background(), 0))
		assert.NoError(t, Sleep(context.Background(), -time.Second))
	})

	t.Run("cancellation interrupts the wait", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		go func() {
			time.Sleep(5 * time.Millisecond)
			cancel()
		}()
		start := time.Now()
		err := Sleep(ctx, time.Minute)
		assert.ErrorIs(t, err, context.Canceled)
		assert.Less(t, time.Since(start), time.Minute)
	})
}
