package sql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/beehub/beehub-go/logger"
	"github.com/beehub/beehub-go/outbox"
	"github.com/beehub/beehub-go/test"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	_ "github.com/jackc/pgx/v5/stdlib"
)

var (
	db    *sql.DB
	store *Store
)

// TestMain prepares the database setup needed to run these tests. The store is
// tested against a real Postgres containerized instance, but for some specific
// cases (mostly to simulate errors) a sqlmock instance is used.
func TestMain(m *testing.M) {
	var dsn string
	ctx := context.Background()

	database, err := test.InitPostgresContainer(ctx)
	if err != nil {
		fmt.Printf("A problem occurred initializing the database: %v", err)
		os.Exit(1)
	}

	dsn, err = database.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		fmt.Printf("A problem occurred getting the connection string: %v", err)
		os.Exit(1)
	}

	db, err = sql.Open("pgx", dsn)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Unable to connect to database: %v\n", err)
		os.Exit(1)
	}
	defer db.Close()

	store = New(test.DefaultCtxKey, db, true)
	store.SetLogger(&logger.NopLogger{})

	code := m.Run()

	err = database.Terminate(ctx)
	if err != nil {
		fmt.Printf("an error ocurred terminating the database container: %v", err)
	}
	os.Exit(code)
}

func TestNew(t *testing.T) {
	type args struct {
		txKey outbox.TxKey
		db    *sql.DB
	}
	testcases := []struct {
		name      string
		args      args
		wantPanic bool
	}{
		{
			name: "valid txKey and valid db",
			args: args{
				txKey: test.DefaultCtxKey,
				db:    db,
			},
			wantPanic: false,
		},
		{
			name: "txKey is nil",
			args: args{
				txKey: nil,
			},
			wantPanic: true,
		},
		{
			name: "db is nil",
			args: args{
				txKey: test.DefaultCtxKey,
				db:    nil,
			},
			wantPanic: true,
		},
	}
	for _, tc := range testcases {
		t.Run(tc.name, func(t *testing.T) {
			if tc.wantPanic {
				assert.Panics(t, func() {
					New(tc.args.txKey, tc.args.db, false)
				})
			} else {
				assert.NotPanics(t, func() {
					New(tc.args.txKey, tc.args.db, false)
				})
			}
		})
	}
}

func TestEnlist(t *testing.T) {
	testcases := []struct {
		name       string
		ctx        func() context.Context
		wantErr    bool
		wantErrMsg string
	}{
		{
			name: "valid context with a transaction",
			ctx: func() context.Context {
				tx, _ := db.Begin()
				return context.WithValue(context.Background(), test.DefaultCtxKey, tx)
			},
			wantErr: false,
		},
		{
			name: "context without an existing transaction",
			ctx: func() context.Context {
				return context.Background()
			},
			wantErr:    true,
			wantErrMsg: "an *sql.Tx transaction was expected",
		},
		{
			name: "simulate error when inserting",
			ctx: func() context.Context {
				mockDb, mock, _ := sqlmock.New()
				mock.ExpectBegin()
				mock.ExpectExec("INSERT INTO hub_outbox.+").WithArgs(test.GenerateAnyArgsSlice(10)...).WillReturnError(errors.New("error#1"))
				tx, _ := mockDb.Begin()
				return context.WithValue(context.Background(), test.DefaultCtxKey, tx)
			},
			wantErr:    true,
			wantErrMsg: "could not persist the outbox message: error#1",
		},
	}
	for _, tc := range testcases {
		t.Run(tc.name, func(t *testing.T) {
			ctx := tc.ctx()
			m := outbox.NewMessage("beehub.orderPlaced", []byte("payload"), map[string]string{"k": "v"})
			err := store.Enlist(ctx, m)
			if !tc.wantErr {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
				assert.Equal(t, tc.wantErrMsg, err.Error())
			}

			tx, ok := ctx.Value(test.DefaultCtxKey).(*sql.Tx)
			if ok {
				tx.Rollback() //nolint:all
			}
		})
	}
}

func TestAddAndPendingBatch(t *testing.T) {
	t.Cleanup(func() { cleanOutbox(t) })
	ctx := context.Background()

	var first *outbox.Message
	for i := 0; i < 60; i++ {
		m := outbox.NewMessage("beehub.orderPlaced", []byte("payload"), map[string]string{"k": "v"})
		if first == nil {
			first = m
		}
		require.NoError(t, store.Add(ctx, m))
	}

	batch, err := store.PendingBatch(ctx, 50, time.Now().UTC())
	assert.NoError(t, err)
	assert.Len(t, batch, 50)

	// The oldest eligible message comes first.
	assert.Equal(t, first.Id, batch[0].Id)
	assert.Equal(t, "beehub.orderPlaced", batch[0].MessageType)
	assert.Equal(t, []byte("payload"), batch[0].Payload)
	assert.Equal(t, map[string]string{"k": "v"}, batch[0].Headers)
	assert.Equal(t, outbox.StatusPending, batch[0].Status)
	assert.Zero(t, batch[0].AttemptCount)
	assert.Nil(t, batch[0].LastAttemptAt)
}

func TestPendingBatchSkipsFutureMessages(t *testing.T) {
	t.Cleanup(func() { cleanOutbox(t) })
	ctx := context.Background()

	ready := outbox.NewMessage("beehub.orderPlaced", []byte("payload"), nil)
	require.NoError(t, store.Add(ctx, ready))

	delayed := outbox.NewMessage("beehub.orderPlaced", []byte("payload"), nil)
	delayed.AvailableAt = time.Now().UTC().Add(time.Hour)
	require.NoError(t, store.Add(ctx, delayed))

	batch, err := store.PendingBatch(ctx, 50, time.Now().UTC())
	assert.NoError(t, err)
	require.Len(t, batch, 1)
	assert.Equal(t, ready.Id, batch[0].Id)
}

func TestPendingBatchErrors(t *testing.T) {
	testcases := []struct {
		name             string
		mockExpectations func(sqlmock.Sqlmock)
	}{
		{
			name: "simulate error when querying the table",
			mockExpectations: func(mock sqlmock.Sqlmock) {
				mock.ExpectQuery("SELECT .+ FROM hub_outbox.+").WillReturnError(errors.New("error#2"))
			},
		},
		{
			name: "simulate error when scanning a row",
			mockExpectations: func(mock sqlmock.Sqlmock) {
				rows := test.MockOutboxRows(mock)
				rows.AddRow(nil, nil, nil, nil, nil, nil, nil, nil, nil, nil)
			},
		},
		{
			name: "simulate error when iterating rows",
			mockExpectations: func(mock sqlmock.Sqlmock) {
				rows := test.MockOutboxRows(mock)
				rows.RowError(0, errors.New("error#3"))
			},
		},
	}
	for _, tc := range testcases {
		t.Run(tc.name, func(t *testing.T) {
			mockStore, mock := createSqlMockStore()
			tc.mockExpectations(mock)
			_, err := mockStore.PendingBatch(context.Background(), 50, time.Now().UTC())
			assert.Error(t, err)
		})
	}
}

func TestMarkSentBatch(t *testing.T) {
	t.Cleanup(func() { cleanOutbox(t) })
	ctx := context.Background()

	var ids []uuid.UUID
	for i := 0; i < 3; i++ {
		m := outbox.NewMessage("beehub.orderPlaced", []byte("payload"), nil)
		require.NoError(t, store.Add(ctx, m))
		ids = append(ids, m.Id)
	}
	stays := outbox.NewMessage("beehub.orderPlaced", []byte("payload"), nil)
	require.NoError(t, store.Add(ctx, stays))

	assert.NoError(t, store.MarkSentBatch(ctx, ids))

	// Sent messages are no longer eligible.
	batch, err := store.PendingBatch(ctx, 50, time.Now().UTC())
	assert.NoError(t, err)
	require.Len(t, batch, 1)
	assert.Equal(t, stays.Id, batch[0].Id)

	for _, id := range ids {
		assert.Equal(t, string(outbox.StatusSent), statusOf(t, id))
	}

	// An empty batch is a no-op.
	assert.NoError(t, store.MarkSentBatch(ctx, nil))
}

func TestIncrementAttemptBatch(t *testing.T) {
	t.Cleanup(func() { cleanOutbox(t) })
	ctx := context.Background()

	m := outbox.NewMessage("beehub.orderPlaced", []byte("payload"), nil)
	require.NoError(t, store.Add(ctx, m))

	now := time.Now().UTC()
	backoff := outbox.Backoff{Initial: 10 * time.Second, Factor: 2.0}
	require.NoError(t, store.IncrementAttemptBatch(ctx, []uuid.UUID{m.Id}, now, backoff))

	var attemptCount int
	var availableAt time.Time
	var lastAttemptAt sql.NullTime
	err := db.QueryRow("SELECT attempt_count, available_at, last_attempt_at FROM hub_outbox WHERE id=$1", m.Id).
		Scan(&attemptCount, &availableAt, &lastAttemptAt)
	require.NoError(t, err)

	assert.Equal(t, 1, attemptCount)
	assert.True(t, lastAttemptAt.Valid)
	// First retry waits the initial delay: 10s * 2^0.
	assert.WithinDuration(t, now.Add(10*time.Second), availableAt, 2*time.Second)

	// A second failure doubles the delay.
	require.NoError(t, store.IncrementAttemptBatch(ctx, []uuid.UUID{m.Id}, now, backoff))
	err = db.QueryRow("SELECT attempt_count, available_at FROM hub_outbox WHERE id=$1", m.Id).
		Scan(&attemptCount, &availableAt)
	require.NoError(t, err)
	assert.Equal(t, 2, attemptCount)
	assert.WithinDuration(t, now.Add(20*time.Second), availableAt, 2*time.Second)

	assert.NoError(t, store.IncrementAttemptBatch(ctx, nil, now, backoff))
}

func TestMarkDeadLetterBatch(t *testing.T) {
	t.Cleanup(func() { cleanOutbox(t) })
	ctx := context.Background()

	m1 := outbox.NewMessage("beehub.orderPlaced", []byte("payload"), nil)
	m2 := outbox.NewMessage("beehub.orderPlaced", []byte("payload"), nil)
	require.NoError(t, store.Add(ctx, m1))
	require.NoError(t, store.Add(ctx, m2))

	entries := []outbox.DeadLetter{
		{Id: m1.Id, Reason: `{"reason":"broker down"}`},
		{Id: m2.Id, Reason: `{"reason":"timeout"}`},
	}
	assert.NoError(t, store.MarkDeadLetterBatch(ctx, entries))

	for _, e := range entries {
		var status, reason string
		err := db.QueryRow("SELECT status, transport_metadata FROM hub_outbox WHERE id=$1", e.Id).
			Scan(&status, &reason)
		require.NoError(t, err)
		assert.Equal(t, string(outbox.StatusDeadLetter), status)
		assert.Equal(t, e.Reason, reason)
	}

	batch, err := store.PendingBatch(ctx, 50, time.Now().UTC())
	assert.NoError(t, err)
	assert.Empty(t, batch)

	assert.NoError(t, store.MarkDeadLetterBatch(ctx, nil))
}

func TestTryMarkProcessed(t *testing.T) {
	ctx := context.Background()
	messageId := uuid.NewString()

	claimed, err := store.TryMarkProcessed(ctx, messageId, "order-handler")
	assert.NoError(t, err)
	assert.True(t, claimed)

	// A second claim for the same message id loses.
	claimed, err = store.TryMarkProcessed(ctx, messageId, "order-handler")
	assert.NoError(t, err)
	assert.False(t, claimed)

	processed, err := store.IsProcessed(ctx, messageId)
	assert.NoError(t, err)
	assert.True(t, processed)

	processed, err = store.IsProcessed(ctx, uuid.NewString())
	assert.NoError(t, err)
	assert.False(t, processed)
}

func TestTryMarkProcessedErrors(t *testing.T) {
	testcases := []struct {
		name             string
		mockExpectations func(sqlmock.Sqlmock)
		wantErrMsg       string
	}{
		{
			name: "simulate error when inserting",
			mockExpectations: func(mock sqlmock.Sqlmock) {
				mock.ExpectExec("INSERT INTO hub_inbox.+").WithArgs(test.GenerateAnyArgsSlice(7)...).WillReturnError(errors.New("error#4"))
			},
			wantErrMsg: "error#4",
		},
		{
			name: "simulate unsupported RowsAffected",
			mockExpectations: func(mock sqlmock.Sqlmock) {
				mock.ExpectExec("INSERT INTO hub_inbox.+").WithArgs(test.GenerateAnyArgsSlice(7)...).WillReturnResult(sqlmock.NewErrorResult(errors.New("error")))
			},
			wantErrMsg: raNotSupported,
		},
	}
	for _, tc := range testcases {
		t.Run(tc.name, func(t *testing.T) {
			mockStore, mock := createSqlMockStore()
			tc.mockExpectations(mock)
			claimed, err := mockStore.TryMarkProcessed(context.Background(), uuid.NewString(), "order-handler")
			assert.False(t, claimed)
			assert.Error(t, err)
			assert.Equal(t, tc.wantErrMsg, err.Error())
		})
	}
}

func TestConvertToDollarPlaceholder(t *testing.T) {
	assert.Equal(t, "SELECT $1, $2, $3", convertToDollarPlaceholder("SELECT ?, ?, ?"))
	assert.Equal(t, "no placeholders", convertToDollarPlaceholder("no placeholders"))
}

func createSqlMockStore() (*Store, sqlmock.Sqlmock) {
	mockDb, mock, _ := sqlmock.New()
	s := New(test.DefaultCtxKey, mockDb, true)
	s.SetLogger(&logger.NopLogger{})
	return s, mock
}

func statusOf(t *testing.T, id uuid.UUID) string {
	t.Helper()
	var status string
	err := db.QueryRow("SELECT status FROM hub_outbox WHERE id=$1", id).Scan(&status)
	require.NoError(t, err)
	return status
}

func cleanOutbox(t *testing.T) {
	t.Helper()
	_, err := db.Exec("DELETE FROM hub_outbox")
	require.NoError(t, err)
}
