package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/beehub/beehub-go/logger"
	"github.com/beehub/beehub-go/metrics"
	"github.com/beehub/beehub-go/transport"
	"github.com/google/uuid"
)

// DeadLetterInfo describes why a message was dead-lettered. Its JSON
// serialization is stored as the message transport metadata.
type DeadLetterInfo struct {
	Reason         string    `json:"reason"`
	FailureKind    string    `json:"failureKind"`
	FailureMessage string    `json:"failureMessage"`
	Stack          string    `json:"stack,omitempty"`
	OccurredAt     time.Time `json:"occurredAt"`
}

// Dispatcher periodically drains the outbox store through a transport,
// with batched status updates and per-message retry accounting. A single
// active dispatcher per backing store is assumed.
type Dispatcher struct {
	id         uuid.UUID
	settings   Settings
	store      Store
	transport  transport.Transport
	logger     logger.Logger
	successCtr metrics.Counter
	errorCtr   metrics.Counter

	ticking  atomic.Bool
	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// opt allows optional configuration.
type opt func(d *Dispatcher)

// WithLogger allows clients to configure an optional logger.
func WithLogger(l logger.Logger) opt {
	return func(d *Dispatcher) {
		if l != nil {
			d.logger = l
		}
	}
}

// WithCounters allows clients to configure optional delivery counters for
// observability.
func WithCounters(success metrics.Counter, error metrics.Counter) opt {
	return func(d *Dispatcher) {
		if success != nil {
			d.successCtr = success
		}
		if error != nil {
			d.errorCtr = error
		}
	}
}

// NewDispatcher creates a dispatcher over the provided store and transport.
// The transport may be nil, meaning "not configured": every tick is then
// skipped with a debug log until a dispatcher with a transport is created.
func NewDispatcher(s Settings, store Store, tr transport.Transport, options ...opt) *Dispatcher {
	if store == nil {
		panic("store is mandatory")
	}
	validateSettings(&s)

	d := &Dispatcher{
		id:         uuid.New(),
		settings:   s,
		store:      store,
		transport:  tr,
		logger:     &logger.NopLogger{},
		successCtr: &metrics.NopCounter{},
		errorCtr:   &metrics.NopCounter{},
		stop:       make(chan struct{}),
	}
	for _, o := range options {
		o(d)
	}

	for _, a := range []any{store, tr} {
		if l, ok := a.(logger.Loggable); ok {
			l.SetLogger(d.logger)
		}
	}

	return d
}

// Start launches the dispatch loop. The first tick fires immediately, then
// on every tick interval. A failed tick never stops the loop.
func (d *Dispatcher) Start() {
	d.logger.Debug(fmt.Sprintf("starting outbox dispatcher '%s'", d.id))
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		ticker := time.NewTicker(d.settings.TickInterval)
		defer ticker.Stop()
		for {
			d.wg.Add(1)
			go func() {
				defer d.wg.Done()
				d.tick()
			}()
			select {
			case <-d.stop:
				return
			case <-ticker.C:
			}
		}
	}()
}

// Stop prevents further ticks and waits for an in-flight tick to finish.
func (d *Dispatcher) Stop() {
	d.stopOnce.Do(func() {
		close(d.stop)
	})
	d.wg.Wait()
}

// tick runs one dispatch cycle, guarded so a slow cycle is never overlapped
// by the next timer firing: re-entrant ticks are skipped and logged.
func (d *Dispatcher) tick() {
	if !d.ticking.CompareAndSwap(false, true) {
		d.logger.Warn("previous dispatch tick still in progress, skipping this tick")
		return
	}
	defer d.ticking.Store(false)

	if err := d.dispatchOnce(context.Background()); err != nil {
		d.logger.Error("dispatching outbox messages", err)
	}
}

// dispatchOnce reads one batch of pending messages, publishes them
// sequentially and records the outcomes in at most three batched writes:
// sent, attempt increments and dead letters.
func (d *Dispatcher) dispatchOnce(ctx context.Context) error {
	if d.transport == nil {
		d.logger.Debug("no transport configured, skipping outbox dispatch")
		return nil
	}

	now := time.Now().UTC()
	batch, err := d.store.PendingBatch(ctx, d.settings.BatchSize, now)
	if err != nil {
		return fmt.Errorf("could not read the pending batch: %w", err)
	}
	if len(batch) == 0 {
		return nil
	}

	var sent []uuid.UUID
	var retries []uuid.UUID
	var deadLetters []DeadLetter
	for _, m := range batch {
		err := d.transport.Publish(ctx, m.MessageType, m.Payload, publishHeaders(m))
		if err == nil {
			sent = append(sent, m.Id)
			d.successCtr.Inc(1)
			continue
		}

		d.logger.Error(fmt.Sprintf("failed to publish outbox message '%s'", m.Id), err)
		d.errorCtr.Inc(1)
		if m.AttemptCount+1 >= d.settings.MaxRetryAttempts {
			deadLetters = append(deadLetters, DeadLetter{Id: m.Id, Reason: describeFailure(err)})
		} else {
			retries = append(retries, m.Id)
		}
	}

	if len(sent) > 0 {
		if err := d.store.MarkSentBatch(ctx, sent); err != nil {
			return fmt.Errorf("could not mark %d messages as sent: %w", len(sent), err)
		}
	}
	if len(retries) > 0 {
		backoff := Backoff{Initial: d.settings.RetryDelay, Factor: d.settings.RetryBackoffFactor}
		if err := d.store.IncrementAttemptBatch(ctx, retries, now, backoff); err != nil {
			return fmt.Errorf("could not record %d failed attempts: %w", len(retries), err)
		}
	}
	if len(deadLetters) > 0 {
		if err := d.store.MarkDeadLetterBatch(ctx, deadLetters); err != nil {
			return fmt.Errorf("could not dead-letter %d messages: %w", len(deadLetters), err)
		}
	}

	d.logger.Info(fmt.Sprintf("%d messages were successfully delivered (%d scheduled for retry, %d dead-lettered) from a batch of %d",
		len(sent), len(retries), len(deadLetters), len(batch)))

	return nil
}

// publishHeaders returns the message headers with the outbox id as the
// message-id header, so consumer-side deduplication keys on the same identity
// across redeliveries. Stored headers are never mutated.
func publishHeaders(m *Message) map[string]string {
	headers := make(map[string]string, len(m.Headers)+1)
	for k, v := range m.Headers {
		headers[k] = v
	}
	if _, ok := headers[transport.HeaderMessageID]; !ok {
		headers[transport.HeaderMessageID] = m.Id.String()
	}

	return headers
}

// describeFailure serializes a dead-letter descriptor for the given publish
// error. If the descriptor itself cannot be serialized, the bare error text
// is used.
func describeFailure(err error) string {
	info := DeadLetterInfo{
		Reason:         "MaxRetriesExceeded",
		FailureKind:    fmt.Sprintf("%T", err),
		FailureMessage: err.Error(),
		Stack:          string(debug.Stack()),
		OccurredAt:     time.Now().UTC(),
	}
	data, jsonErr := json.Marshal(info)
	if jsonErr != nil {
		return err.Error()
	}

	return string(data)
}
