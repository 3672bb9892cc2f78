// Package gorm implements the outbox and inbox stores on top of gorm, and
// provides callbacks that enlist domain events at save time so applications
// using gorm as their unit of work get the commit bridge for free.
package gorm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/beehub/beehub-go/inbox"
	"github.com/beehub/beehub-go/logger"
	"github.com/beehub/beehub-go/outbox"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

const (
	insertOutboxSql = "INSERT INTO hub_outbox (id, message_type, payload, headers, created_at, available_at, attempt_count, last_attempt_at, status, transport_metadata) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)"
	getPendingSql   = "SELECT id, message_type, payload, headers, created_at, available_at, attempt_count, last_attempt_at, status, transport_metadata FROM hub_outbox WHERE status='Pending' AND available_at<=? ORDER BY available_at ASC, created_at ASC LIMIT ?"
	markSentSql     = "UPDATE hub_outbox SET status='Sent' WHERE id IN (%s)"
	// The SET expressions see the pre-update attempt_count, so the delay
	// grows exponentially with the number of prior failures.
	incrementAttemptSql = "UPDATE hub_outbox SET attempt_count=attempt_count+1, last_attempt_at=?, available_at=? + make_interval(secs => ? * power(?, attempt_count)) WHERE id IN (%s)"
	markDeadLetterSql   = "UPDATE hub_outbox AS o SET status='DeadLetter', transport_metadata=v.reason FROM (VALUES %s) AS v(id, reason) WHERE o.id=v.id"
	insertInboxSql      = "INSERT INTO hub_inbox (id, message_id, message_type, received_at, processed_at, handler, status) VALUES (?, ?, ?, ?, ?, ?, ?) ON CONFLICT (message_id) DO NOTHING"
	isProcessedSql      = "SELECT EXISTS (SELECT 1 FROM hub_inbox WHERE message_id=?)"
)

// Store implements outbox.Store and inbox.Store over a *gorm.DB.
type Store struct {
	txKey  outbox.TxKey
	db     *gorm.DB
	logger logger.Logger
}

var _ outbox.Store = (*Store)(nil)
var _ inbox.Store = (*Store)(nil)
var _ logger.Loggable = (*Store)(nil)

func New(txKey outbox.TxKey, db *gorm.DB) *Store {
	if txKey == nil {
		panic("txKey is mandatory")
	}
	if db == nil {
		panic("db is mandatory")
	}

	return &Store{
		txKey:  txKey,
		db:     db,
		logger: &logger.NopLogger{},
	}
}

// SetLogger sets an optional logger.
func (s *Store) SetLogger(l logger.Logger) {
	s.logger = l
}

// Enlist persists an outbox message in the same provided business transaction
// that should be present in the context. The expected transaction should
// be a pointer to an instance of gorm.DB.
func (s *Store) Enlist(ctx context.Context, m *outbox.Message) error {
	tx, ok := ctx.Value(s.txKey).(*gorm.DB)
	if !ok {
		return errors.New("a *gorm.DB transaction was expected")
	}

	args, err := insertOutboxArgs(m)
	if err != nil {
		return err
	}
	if err := tx.Exec(insertOutboxSql, args...).Error; err != nil {
		return fmt.Errorf("could not persist the outbox message: %w", err)
	}

	return nil
}

// Add persists an outbox message standalone, outside a unit of work.
func (s *Store) Add(_ context.Context, m *outbox.Message) error {
	args, err := insertOutboxArgs(m)
	if err != nil {
		return err
	}
	if err := s.db.Exec(insertOutboxSql, args...).Error; err != nil {
		return fmt.Errorf("could not persist the outbox message: %w", err)
	}

	return nil
}

// PendingBatch retrieves up to limit pending messages eligible at now,
// oldest eligible first.
func (s *Store) PendingBatch(_ context.Context, limit int, now time.Time) ([]*outbox.Message, error) {
	rows, err := s.db.Raw(getPendingSql, now, limit).Rows()
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ms []*outbox.Message
	for rows.Next() {
		var m outbox.Message
		var headers []byte
		var transportMetadata *string
		err := rows.Scan(&m.Id, &m.MessageType, &m.Payload, &headers, &m.CreatedAt,
			&m.AvailableAt, &m.AttemptCount, &m.LastAttemptAt, &m.Status, &transportMetadata)
		if err != nil {
			return nil, err
		}
		if len(headers) > 0 {
			if err := json.Unmarshal(headers, &m.Headers); err != nil {
				return nil, fmt.Errorf("could not deserialize the message headers: %w", err)
			}
		}
		if transportMetadata != nil {
			m.TransportMetadata = *transportMetadata
		}
		ms = append(ms, &m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return ms, nil
}

// MarkSentBatch marks all the provided messages as Sent in a single write.
func (s *Store) MarkSentBatch(_ context.Context, ids []uuid.UUID) error {
	if len(ids) == 0 {
		return nil
	}

	query := fmt.Sprintf(markSentSql, placeholders(len(ids)))

	return s.db.Exec(query, idValues(ids)...).Error
}

// IncrementAttemptBatch records a failed attempt for all the provided
// messages in a single write, advancing available_at by the backoff delay.
func (s *Store) IncrementAttemptBatch(_ context.Context, ids []uuid.UUID, now time.Time, backoff outbox.Backoff) error {
	if len(ids) == 0 {
		return nil
	}

	query := fmt.Sprintf(incrementAttemptSql, placeholders(len(ids)))
	args := []any{now, now, backoff.Initial.Seconds(), backoff.Factor}
	args = append(args, idValues(ids)...)

	return s.db.Exec(query, args...).Error
}

// MarkDeadLetterBatch marks all the provided messages as DeadLetter in a
// single write, each with its own failure descriptor.
func (s *Store) MarkDeadLetterBatch(_ context.Context, entries []outbox.DeadLetter) error {
	if len(entries) == 0 {
		return nil
	}

	values := make([]string, len(entries))
	args := make([]any, 0, len(entries)*2)
	for i, e := range entries {
		values[i] = "(?::uuid, ?::text)"
		args = append(args, e.Id, e.Reason)
	}
	query := fmt.Sprintf(markDeadLetterSql, strings.Join(values, ", "))

	return s.db.Exec(query, args...).Error
}

// TryMarkProcessed claims the message id for the handler. The uniqueness
// constraint on message_id makes the claim atomic: a conflicting insert
// affects zero rows and means another caller won.
func (s *Store) TryMarkProcessed(_ context.Context, messageId string, handler string) (bool, error) {
	now := time.Now().UTC()
	res := s.db.Exec(insertInboxSql,
		uuid.New(), messageId, "", now, now, handler, inbox.StatusProcessed)
	if res.Error != nil {
		return false, res.Error
	}

	return res.RowsAffected > 0, nil
}

// IsProcessed reports whether an inbox entry exists for the message id.
func (s *Store) IsProcessed(_ context.Context, messageId string) (bool, error) {
	var exists bool
	if err := s.db.Raw(isProcessedSql, messageId).Scan(&exists).Error; err != nil {
		return false, err
	}

	return exists, nil
}

func insertOutboxArgs(m *outbox.Message) ([]any, error) {
	headers, err := json.Marshal(m.Headers)
	if err != nil {
		return nil, fmt.Errorf("could not serialize the message headers: %w", err)
	}

	var lastAttemptAt any
	if m.LastAttemptAt != nil {
		lastAttemptAt = *m.LastAttemptAt
	}

	var transportMetadata any
	if m.TransportMetadata != "" {
		transportMetadata = m.TransportMetadata
	}

	return []any{
		m.Id, m.MessageType, m.Payload, headers, m.CreatedAt, m.AvailableAt,
		m.AttemptCount, lastAttemptAt, m.Status, transportMetadata,
	}, nil
}

func placeholders(n int) string {
	ps := make([]string, n)
	for i := range ps {
		ps[i] = "?"
	}

	return strings.Join(ps, ",")
}

func idValues(ids []uuid.UUID) []any {
	values := make([]any, len(ids))
	for i, id := range ids {
		values[i] = id
	}

	return values
}
