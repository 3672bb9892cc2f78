// Package sql implements the outbox and inbox stores on top of database/sql.
// Queries are written with '?' placeholders and can be converted to the
// dollar style used by Postgres-native drivers.
package sql

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/beehub/beehub-go/inbox"
	"github.com/beehub/beehub-go/logger"
	"github.com/beehub/beehub-go/outbox"
	"github.com/google/uuid"
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

const raNotSupported string = "RowsAffected not supported"

// Store implements outbox.Store and inbox.Store over a *sql.DB.
type Store struct {
	txKey     outbox.TxKey
	db        *sql.DB
	useDollar bool
	logger    logger.Logger
}

var _ outbox.Store = (*Store)(nil)
var _ inbox.Store = (*Store)(nil)
var _ logger.Loggable = (*Store)(nil)

func New(txKey outbox.TxKey, db *sql.DB, useDollar bool) *Store {
	if txKey == nil {
		panic("txKey is mandatory")
	}
	if db == nil {
		panic("db is mandatory")
	}

	return &Store{
		txKey:     txKey,
		db:        db,
		useDollar: useDollar,
		logger:    &logger.NopLogger{},
	}
}

// SetLogger sets an optional logger.
func (s *Store) SetLogger(l logger.Logger) {
	s.logger = l
}

// Enlist persists an outbox message in the same provided business transaction
// that should be present in the context. The expected transaction should be a
// pointer to an instance of sql.Tx.
func (s *Store) Enlist(ctx context.Context, m *outbox.Message) error {
	tx, ok := ctx.Value(s.txKey).(*sql.Tx)
	if !ok {
		return errors.New("an *sql.Tx transaction was expected")
	}

	query, args, err := s.insertOutboxArgs(m)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("could not persist the outbox message: %w", err)
	}

	return nil
}

// Add persists an outbox message standalone, outside a unit of work.
func (s *Store) Add(ctx context.Context, m *outbox.Message) error {
	query, args, err := s.insertOutboxArgs(m)
	if err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("could not persist the outbox message: %w", err)
	}

	return nil
}

// PendingBatch retrieves up to limit pending messages eligible at now,
// oldest eligible first.
func (s *Store) PendingBatch(ctx context.Context, limit int, now time.Time) ([]*outbox.Message, error) {
	rows, err := s.db.QueryContext(ctx, s.query(getPendingSql), now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ms []*outbox.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		ms = append(ms, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return ms, nil
}

// MarkSentBatch marks all the provided messages as Sent in a single write.
func (s *Store) MarkSentBatch(ctx context.Context, ids []uuid.UUID) error {
	if len(ids) == 0 {
		return nil
	}

	query := fmt.Sprintf(markSentSql, placeholders(len(ids)))
	_, err := s.db.ExecContext(ctx, s.query(query), idValues(ids)...)

	return err
}

// IncrementAttemptBatch records a failed attempt for all the provided
// messages in a single write, advancing available_at by the backoff delay.
func (s *Store) IncrementAttemptBatch(ctx context.Context, ids []uuid.UUID, now time.Time, backoff outbox.Backoff) error {
	if len(ids) == 0 {
		return nil
	}

	query := fmt.Sprintf(incrementAttemptSql, placeholders(len(ids)))
	args := []any{now, now, backoff.Initial.Seconds(), backoff.Factor}
	args = append(args, idValues(ids)...)
	_, err := s.db.ExecContext(ctx, s.query(query), args...)

	return err
}

// MarkDeadLetterBatch marks all the provided messages as DeadLetter in a
// single write, each with its own failure descriptor.
func (s *Store) MarkDeadLetterBatch(ctx context.Context, entries []outbox.DeadLetter) error {
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
	_, err := s.db.ExecContext(ctx, s.query(query), args...)

	return err
}

// TryMarkProcessed claims the message id for the handler. The uniqueness
// constraint on message_id makes the claim atomic: a conflicting insert
// affects zero rows and means another caller won.
func (s *Store) TryMarkProcessed(ctx context.Context, messageId string, handler string) (bool, error) {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, s.query(insertInboxSql),
		uuid.New(), messageId, "", now, now, handler, inbox.StatusProcessed)
	if err != nil {
		return false, err
	}

	ra, err := res.RowsAffected()
	if err != nil {
		return false, errors.New(raNotSupported)
	}

	return ra > 0, nil
}

// IsProcessed reports whether an inbox entry exists for the message id.
func (s *Store) IsProcessed(ctx context.Context, messageId string) (bool, error) {
	var exists bool
	if err := s.db.QueryRowContext(ctx, s.query(isProcessedSql), messageId).Scan(&exists); err != nil {
		return false, err
	}

	return exists, nil
}

func (s *Store) insertOutboxArgs(m *outbox.Message) (string, []any, error) {
	headers, err := json.Marshal(m.Headers)
	if err != nil {
		return "", nil, fmt.Errorf("could not serialize the message headers: %w", err)
	}

	var lastAttemptAt any
	if m.LastAttemptAt != nil {
		lastAttemptAt = *m.LastAttemptAt
	}

	var transportMetadata any
	if m.TransportMetadata != "" {
		transportMetadata = m.TransportMetadata
	}

	return s.query(insertOutboxSql), []any{
		m.Id, m.MessageType, m.Payload, headers, m.CreatedAt, m.AvailableAt,
		m.AttemptCount, lastAttemptAt, m.Status, transportMetadata,
	}, nil
}

func (s *Store) query(q string) string {
	if s.useDollar {
		return convertToDollarPlaceholder(q)
	}

	return q
}

func scanMessage(rows *sql.Rows) (*outbox.Message, error) {
	var m outbox.Message
	var headers []byte
	var lastAttemptAt sql.NullTime
	var transportMetadata sql.NullString
	err := rows.Scan(&m.Id, &m.MessageType, &m.Payload, &headers, &m.CreatedAt,
		&m.AvailableAt, &m.AttemptCount, &lastAttemptAt, &m.Status, &transportMetadata)
	if err != nil {
		return nil, err
	}
	if len(headers) > 0 {
		if err := json.Unmarshal(headers, &m.Headers); err != nil {
			return nil, fmt.Errorf("could not deserialize the message headers: %w", err)
		}
	}
	if lastAttemptAt.Valid {
		t := lastAttemptAt.Time
		m.LastAttemptAt = &t
	}
	m.TransportMetadata = transportMetadata.String

	return &m, nil
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

func convertToDollarPlaceholder(query string) string {
	count := 0
	for strings.Contains(query, "?") {
		count++
		query = strings.Replace(query, "?", fmt.Sprintf("$%d", count), 1)
	}

	return query
}
