package inbox

import "context"

// Store is the durable dedup ledger consulted by consumers before applying
// side effects. Implementations must make the claim atomic under concurrent
// callers for the same message id: a uniqueness constraint on the message id
// with conflict-as-duplicate insert semantics, not a bare check-then-insert.
type Store interface {

	// TryMarkProcessed records a Processed entry for the message id and
	// returns true if no entry existed yet; it returns false when the
	// message was already claimed. The first caller wins.
	TryMarkProcessed(ctx context.Context, messageId string, handler string) (bool, error)

	// IsProcessed reports whether an entry exists for the message id.
	IsProcessed(ctx context.Context, messageId string) (bool, error)
}
