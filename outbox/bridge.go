package outbox

import (
	"context"
	"fmt"

	"github.com/beehub/beehub-go/serializer"
)

// DomainEventEmitter is the capability an entity implements to opt into
// commit-time event enlistment. DomainEvents must return the pending events
// in the order they were raised; ClearDomainEvents must empty the list so the
// same event is never enlisted twice across repeated save cycles within one
// unit of work.
type DomainEventEmitter interface {
	DomainEvents() []any
	ClearDomainEvents()
}

// Bridge converts the pending domain events of modified entities into outbox
// messages inside the caller's unit of work. Because messages are enlisted
// before the outer commit, the business mutation and the outbox rows share
// transactional atomicity: either both persist or neither does.
type Bridge struct {
	serializer serializer.Serializer
	store      Store
}

func NewBridge(s serializer.Serializer, store Store) *Bridge {
	if s == nil {
		panic("serializer is mandatory")
	}
	if store == nil {
		panic("store is mandatory")
	}

	return &Bridge{
		serializer: s,
		store:      store,
	}
}

// Enlist serializes every pending domain event of every emitting entity into
// a pending outbox message enlisted in the transaction carried by ctx, then
// clears that entity's event list. Entities that do not implement
// DomainEventEmitter are ignored. A serialization or store failure propagates
// and leaves the failing entity's events in place.
func (b *Bridge) Enlist(ctx context.Context, entities ...any) error {
	for _, e := range entities {
		emitter, ok := e.(DomainEventEmitter)
		if !ok {
			continue
		}

		events := emitter.DomainEvents()
		if len(events) == 0 {
			continue
		}

		for _, ev := range events {
			payload, err := b.serializer.Serialize(ev)
			if err != nil {
				return fmt.Errorf("could not serialize domain event %T: %w", ev, err)
			}
			if err := b.store.Enlist(ctx, NewMessage(serializer.TypeName(ev), payload, nil)); err != nil {
				return fmt.Errorf("could not enlist domain event %T: %w", ev, err)
			}
		}

		emitter.ClearDomainEvents()
	}

	return nil
}
