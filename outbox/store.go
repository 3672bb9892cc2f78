package outbox

import (
	"context"
	"math"
	"time"

	"github.com/google/uuid"
)

// TxKey identifies the context value carrying the caller's transaction for
// Enlist operations.
type TxKey any

// Backoff computes the deferred-visibility delay applied to a message when a
// dispatch attempt fails, so a failing message is not retried on the very
// next tick.
type Backoff struct {
	Initial time.Duration
	Factor  float64
}

// Delay returns the delay applied after the given number of completed
// attempts: Initial * Factor^attempts.
func (b Backoff) Delay(attempts int) time.Duration {
	if b.Initial <= 0 {
		return 0
	}
	factor := b.Factor
	if factor < 1.0 {
		factor = 1.0
	}

	return time.Duration(float64(b.Initial) * math.Pow(factor, float64(attempts)))
}

// DeadLetter pairs a message with the serialized failure descriptor recorded
// as its transport metadata on the terminal transition.
type DeadLetter struct {
	Id     uuid.UUID
	Reason string
}

// Store manages outbox message persistent operations. All writes must be
// visible to subsequent PendingBatch calls from any store connected to the
// same backing storage, and every batched method must issue a single write
// regardless of batch size.
type Store interface {

	// Enlist adds a message to the caller's unit of work without
	// committing. The expected transaction travels in the context, so the
	// row shares the business transaction.
	Enlist(ctx context.Context, m *Message) error

	// Add adds and commits a message standalone, outside a unit of work.
	Add(ctx context.Context, m *Message) error

	// PendingBatch returns up to limit pending messages with
	// AvailableAt <= now, oldest eligible first (ties broken by arrival
	// order).
	PendingBatch(ctx context.Context, limit int, now time.Time) ([]*Message, error)

	// MarkSentBatch marks the given messages as Sent.
	MarkSentBatch(ctx context.Context, ids []uuid.UUID) error

	// IncrementAttemptBatch records a failed attempt for the given
	// messages: AttemptCount+1, LastAttemptAt=now and
	// AvailableAt=now+backoff(AttemptCount).
	IncrementAttemptBatch(ctx context.Context, ids []uuid.UUID, now time.Time, backoff Backoff) error

	// MarkDeadLetterBatch marks the given messages as DeadLetter, each
	// with its own failure descriptor as transport metadata.
	MarkDeadLetterBatch(ctx context.Context, entries []DeadLetter) error
}
