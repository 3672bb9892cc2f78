package inbox

import (
	"context"
	"fmt"

	"github.com/beehub/beehub-go/transport"
)

// Dedupe wraps a handler with the inbox dedup guard. The message id is taken
// from the transport headers; a message without one passes through unguarded.
// A duplicate delivery is acknowledged without invoking next. A claim failure
// propagates so the transport redelivers.
func Dedupe(store Store, handler string, next transport.Handler) transport.Handler {
	if store == nil {
		panic("store is mandatory")
	}
	if next == nil {
		panic("next handler is mandatory")
	}

	return func(ctx context.Context, payload []byte, headers map[string]string) error {
		messageId := headers[transport.HeaderMessageID]
		if messageId == "" {
			return next(ctx, payload, headers)
		}

		claimed, err := store.TryMarkProcessed(ctx, messageId, handler)
		if err != nil {
			return fmt.Errorf("could not claim message '%s': %w", messageId, err)
		}
		if !claimed {
			return nil
		}

		return next(ctx, payload, headers)
	}
}
