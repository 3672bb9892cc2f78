package transport

import "context"

// HeaderMessageID is the header carrying the producer-assigned message
// identifier, used by consumers for inbox deduplication.
const HeaderMessageID = "bh-message-id"

// Handler processes a single delivered message. Returning an error makes the
// transport apply its redelivery strategy (retry with backoff and dead-letter
// routing for broker transports, drop for the in-process transport).
type Handler func(ctx context.Context, payload []byte, headers map[string]string) error

// Transport is the uniform publish/subscribe contract over an addressed
// channel (topic or exchange routing key).
type Transport interface {
	// Start allocates the underlying resources and launches the
	// consumption loops for the registered subscriptions. It must be
	// called before Publish.
	Start() error

	// Stop stops consumption loops and cancels in-flight backoff waits.
	// In-flight messages are drained before the loops exit.
	Stop() error

	// Publish hands the message to the underlying channel. It is
	// fire-and-forget: returning nil means the message was accepted, not
	// that it was delivered.
	Publish(ctx context.Context, address string, payload []byte, headers map[string]string) error

	// Subscribe registers a handler for an address and returns immediately.
	// The handler is invoked asynchronously, one consumption loop per
	// subscription, in delivery order within that subscription.
	Subscribe(address string, handler Handler) error

	// Close releases all resources. It is idempotent with Stop.
	Close() error
}
