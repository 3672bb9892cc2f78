package pgxv5

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/beehub/beehub-go/inbox"
	"github.com/beehub/beehub-go/logger"
	"github.com/beehub/beehub-go/outbox"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

const (
	insertOutboxSql = "INSERT INTO hub_outbox (id, message_type, payload, headers, created_at, available_at, attempt_count, last_attempt_at, status, transport_metadata) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)"
	getPendingSql   = "SELECT id, message_type, payload, headers, created_at, available_at, attempt_count, last_attempt_at, status, transport_metadata FROM hub_outbox WHERE status='Pending' AND available_at<=$1 ORDER BY available_at ASC, created_at ASC LIMIT $2"
	markSentSql     = "UPDATE hub_outbox SET status='Sent' WHERE id = ANY($1)"
	// The SET expressions see the pre-update attempt_count, so the delay
	// grows exponentially with the number of prior failures.
	incrementAttemptSql = "UPDATE hub_outbox SET attempt_count=attempt_count+1, last_attempt_at=$1, available_at=$2 + make_interval(secs => $3 * power($4, attempt_count)) WHERE id = ANY($5)"
	markDeadLetterSql   = "UPDATE hub_outbox AS o SET status='DeadLetter', transport_metadata=v.reason FROM (VALUES %s) AS v(id, reason) WHERE o.id=v.id"
	insertInboxSql      = "INSERT INTO hub_inbox (id, message_id, message_type, received_at, processed_at, handler, status) VALUES ($1, $2, $3, $4, $5, $6, $7) ON CONFLICT (message_id) DO NOTHING"
	isProcessedSql      = "SELECT EXISTS (SELECT 1 FROM hub_inbox WHERE message_id=$1)"
)

// dbpool is a helper interface to work with pgxpool.Pool.
type dbpool interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, arguments ...interface{}) (commandTag pgconn.CommandTag, err error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
}

// Store implements outbox.Store and inbox.Store over a pgx v5 pool.
type Store struct {
	txKey  outbox.TxKey
	db     dbpool
	logger logger.Logger
}

var _ outbox.Store = (*Store)(nil)
var _ inbox.Store = (*Store)(nil)
var _ logger.Loggable = (*Store)(nil)

func New(txKey outbox.TxKey, pool dbpool) *Store {
	if txKey == nil {
		panic("txKey is mandatory")
	}
	if pool == nil || reflect.ValueOf(pool).IsNil() {
		panic("pool is mandatory")
	}

	return &Store{
		txKey:  txKey,
		db:     pool,
		logger: &logger.NopLogger{},
	}
}

// SetLogger sets an optional logger.
func (s *Store) SetLogger(l logger.Logger) {
	s.logger = l
}

// Enlist persists an outbox message in the same provided business transaction
// that should be present in the context. The expected transaction should
// implement the pgx.Tx interface.
func (s *Store) Enlist(ctx context.Context, m *outbox.Message) error {
	tx, ok := ctx.Value(s.txKey).(pgx.Tx)
	if !ok {
		return errors.New("a pgx.Tx transaction was expected")
	}

	args, err := insertOutboxArgs(m)
	if err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, insertOutboxSql, args...); err != nil {
		return fmt.Errorf("could not persist the outbox message: %w", err)
	}

	return nil
}

// Add persists an outbox message standalone, outside a unit of work.
func (s *Store) Add(ctx context.Context, m *outbox.Message) error {
	args, err := insertOutboxArgs(m)
	if err != nil {
		return err
	}
	if _, err := s.db.Exec(ctx, insertOutboxSql, args...); err != nil {
		return fmt.Errorf("could not persist the outbox message: %w", err)
	}

	return nil
}

// PendingBatch retrieves up to limit pending messages eligible at now,
// oldest eligible first.
func (s *Store) PendingBatch(ctx context.Context, limit int, now time.Time) ([]*outbox.Message, error) {
	rows, err := s.db.Query(ctx, getPendingSql, now, limit)
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
	_, err := s.db.Exec(ctx, markSentSql, ids)

	return err
}

// IncrementAttemptBatch records a failed attempt for all the provided
// messages in a single write, advancing available_at by the backoff delay.
func (s *Store) IncrementAttemptBatch(ctx context.Context, ids []uuid.UUID, now time.Time, backoff outbox.Backoff) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := s.db.Exec(ctx, incrementAttemptSql, now, now, backoff.Initial.Seconds(), backoff.Factor, ids)

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
		values[i] = "($" + strconv.Itoa(i*2+1) + "::uuid, $" + strconv.Itoa(i*2+2) + "::text)"
		args = append(args, e.Id, e.Reason)
	}
	query := fmt.Sprintf(markDeadLetterSql, strings.Join(values, ", "))
	_, err := s.db.Exec(ctx, query, args...)

	return err
}

// TryMarkProcessed claims the message id for the handler. The uniqueness
// constraint on message_id makes the claim atomic: a conflicting insert
// affects zero rows and means another caller won.
func (s *Store) TryMarkProcessed(ctx context.Context, messageId string, handler string) (bool, error) {
	now := time.Now().UTC()
	ct, err := s.db.Exec(ctx, insertInboxSql,
		uuid.New(), messageId, "", now, now, handler, inbox.StatusProcessed)
	if err != nil {
		return false, err
	}

	return ct.RowsAffected() > 0, nil
}

// IsProcessed reports whether an inbox entry exists for the message id.
func (s *Store) IsProcessed(ctx context.Context, messageId string) (bool, error) {
	var exists bool
	if err := s.db.QueryRow(ctx, isProcessedSql, messageId).Scan(&exists); err != nil {
		return false, err
	}

	return exists, nil
}

func insertOutboxArgs(m *outbox.Message) ([]any, error) {
	headers, err := json.Marshal(m.Headers)
	if err != nil {
		return nil, fmt.Errorf("could not serialize the message headers: %w", err)
	}

	var transportMetadata any
	if m.TransportMetadata != "" {
		transportMetadata = m.TransportMetadata
	}

	return []any{
		m.Id, m.MessageType, m.Payload, headers, m.CreatedAt, m.AvailableAt,
		m.AttemptCount, m.LastAttemptAt, m.Status, transportMetadata,
	}, nil
}

func scanMessage(rows pgx.Rows) (*outbox.Message, error) {
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

	return &m, nil
}
