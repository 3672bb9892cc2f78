package gorm

import (
	"context"

	"github.com/beehub/beehub-go/outbox"
	"gorm.io/gorm"
)

const enlistCallbackName = "beehub:enlist_domain_events"

// RegisterCallbacks hooks the commit bridge into gorm's create, update and
// delete pipelines. After every write, entities that emit domain events get
// those events enlisted through the same gorm transaction, so they share the
// fate of the business mutation. The bridge must be backed by a store whose
// txKey resolves to a *gorm.DB.
func RegisterCallbacks(db *gorm.DB, txKey outbox.TxKey, bridge *outbox.Bridge) error {
	if db == nil {
		panic("db is mandatory")
	}
	if txKey == nil {
		panic("txKey is mandatory")
	}
	if bridge == nil {
		panic("bridge is mandatory")
	}

	fn := enlistFunc(txKey, bridge)
	if err := db.Callback().Create().After("gorm:create").Register(enlistCallbackName, fn); err != nil {
		return err
	}
	if err := db.Callback().Update().After("gorm:update").Register(enlistCallbackName, fn); err != nil {
		return err
	}

	return db.Callback().Delete().After("gorm:delete").Register(enlistCallbackName, fn)
}

func enlistFunc(txKey outbox.TxKey, bridge *outbox.Bridge) func(*gorm.DB) {
	return func(tx *gorm.DB) {
		if tx.Error != nil || tx.Statement == nil || tx.Statement.Model == nil {
			return
		}
		emitter, ok := tx.Statement.Model.(outbox.DomainEventEmitter)
		if !ok {
			return
		}

		ctx := tx.Statement.Context
		if ctx == nil {
			ctx = context.Background()
		}
		ctx = context.WithValue(ctx, txKey, tx)
		if err := bridge.Enlist(ctx, emitter); err != nil {
			tx.AddError(err) //nolint:all
		}
	}
}
