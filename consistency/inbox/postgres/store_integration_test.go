//go:build integration

package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/LerianStudio/lib-consistency/consistency/inbox"
	libPostgres "github.com/LerianStudio/lib-consistency/consistency/postgres"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

// integrationDSN returns the DSN from INBOX_POSTGRES_DSN when set, otherwise
// starts a disposable PostgreSQL container scoped to the test.
func integrationDSN(t *testing.T) string {
	t.Helper()

	if dsn := strings.TrimSpace(os.Getenv("INBOX_POSTGRES_DSN")); dsn != "" {
		return dsn
	}

	ctx := context.Background()

	container, err := tcpostgres.Run(ctx,
		"postgres:16-alpine",
		tcpostgres.WithDatabase("testdb"),
		tcpostgres.WithUsername("test"),
		tcpostgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, container.Terminate(context.Background()))
	})

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	return dsn
}

type integrationFixture struct {
	ctx       context.Context
	primaryDB *sql.DB
	store     *Store
	tableName string
}

func newIntegrationFixture(t *testing.T) *integrationFixture {
	t.Helper()

	dsn := integrationDSN(t)

	ctx := context.Background()

	connection := &libPostgres.PostgresConnection{
		ConnectionStringPrimary: dsn,
		ConnectionStringReplica: dsn,
		PrimaryDBName:           "inbox_it",
		MigrationsPath:          t.TempDir(),
	}

	require.NoError(t, connection.Connect(ctx))
	t.Cleanup(func() {
		if err := connection.Close(); err != nil {
			t.Errorf("cleanup: connection close: %v", err)
		}
	})

	resolved, err := connection.GetDB(ctx)
	require.NoError(t, err)

	primaryDB := resolved.PrimaryDBs()[0]

	tableName := "inbox_it_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:16]

	_, err = primaryDB.ExecContext(ctx, fmt.Sprintf(`
CREATE TABLE %s (
	message_id VARCHAR(255) NOT NULL,
	consumer_name VARCHAR(255) NOT NULL,
	processed_at TIMESTAMPTZ NOT NULL,
	outcome VARCHAR(32),
	PRIMARY KEY (message_id, consumer_name)
);
`, quoteIdentifier(tableName)))
	require.NoError(t, err)
	t.Cleanup(func() {
		if _, err := primaryDB.ExecContext(ctx, fmt.Sprintf("DROP TABLE IF EXISTS %s", quoteIdentifier(tableName))); err != nil {
			t.Errorf("cleanup: drop table %s: %v", tableName, err)
		}
	})

	store, err := NewStore(connection, WithTableName(tableName))
	require.NoError(t, err)

	return &integrationFixture{
		ctx:       ctx,
		primaryDB: primaryDB,
		store:     store,
		tableName: tableName,
	}
}

func TestIntegrationStore_InsertAndGet(t *testing.T) {
	fx := newIntegrationFixture(t)

	now := time.Now().UTC()

	inserted, err := fx.store.Insert(fx.ctx, "msg-1", "order-consumer", now)
	require.NoError(t, err)
	assert.True(t, inserted)

	message, err := fx.store.GetMessage(fx.ctx, "msg-1", "order-consumer")
	require.NoError(t, err)
	assert.Equal(t, "msg-1", message.MessageID)
	assert.Equal(t, "order-consumer", message.ConsumerName)
	assert.Empty(t, message.Outcome)
	assert.WithinDuration(t, now, message.ProcessedAt, time.Second)
}

func TestIntegrationStore_DuplicateInsertIsReported(t *testing.T) {
	fx := newIntegrationFixture(t)

	now := time.Now().UTC()

	inserted, err := fx.store.Insert(fx.ctx, "msg-1", "order-consumer", now)
	require.NoError(t, err)
	require.True(t, inserted)

	inserted, err = fx.store.Insert(fx.ctx, "msg-1", "order-consumer", now)
	require.NoError(t, err)
	assert.False(t, inserted, "the unique violation must map to a duplicate, not an error")

	inserted, err = fx.store.Insert(fx.ctx, "msg-1", "billing-consumer", now)
	require.NoError(t, err)
	assert.True(t, inserted, "another consumer keeps its own dedup scope")
}

func TestIntegrationStore_InsertWithTxRollsBack(t *testing.T) {
	fx := newIntegrationFixture(t)

	tx, err := fx.primaryDB.BeginTx(fx.ctx, nil)
	require.NoError(t, err)

	inserted, err := fx.store.InsertWithTx(fx.ctx, tx, "msg-1", "order-consumer", time.Now().UTC())
	require.NoError(t, err)
	require.True(t, inserted)

	require.NoError(t, tx.Rollback())

	_, err = fx.store.GetMessage(fx.ctx, "msg-1", "order-consumer")
	assert.ErrorIs(t, err, inbox.ErrMessageNotFound,
		"a rolled back transaction must leave no admission behind")
}

func TestIntegrationStore_RecordOutcome(t *testing.T) {
	fx := newIntegrationFixture(t)

	_, err := fx.store.Insert(fx.ctx, "msg-1", "order-consumer", time.Now().UTC())
	require.NoError(t, err)

	require.NoError(t, fx.store.RecordOutcome(fx.ctx, "msg-1", "order-consumer", inbox.OutcomeFailed))

	message, err := fx.store.GetMessage(fx.ctx, "msg-1", "order-consumer")
	require.NoError(t, err)
	assert.Equal(t, string(inbox.OutcomeFailed), message.Outcome)

	err = fx.store.RecordOutcome(fx.ctx, "missing", "order-consumer", inbox.OutcomeSucceeded)
	assert.ErrorIs(t, err, inbox.ErrMessageNotFound)
}

func TestIntegrationStore_PurgeOlderThan(t *testing.T) {
	fx := newIntegrationFixture(t)

	now := time.Now().UTC()

	_, err := fx.store.Insert(fx.ctx, "old-1", "c", now.Add(-72*time.Hour))
	require.NoError(t, err)
	_, err = fx.store.Insert(fx.ctx, "old-2", "c", now.Add(-48*time.Hour))
	require.NoError(t, err)
	_, err = fx.store.Insert(fx.ctx, "fresh", "c", now)
	require.NoError(t, err)

	removed, err := fx.store.PurgeOlderThan(fx.ctx, now.Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(2), removed)

	_, err = fx.store.GetMessage(fx.ctx, "fresh", "c")
	assert.NoError(t, err)

	_, err = fx.store.GetMessage(fx.ctx, "old-1", "c")
	assert.True(t, errors.Is(err, inbox.ErrMessageNotFound))
}

func TestIntegrationStore_GuardEndToEnd(t *testing.T) {
	fx := newIntegrationFixture(t)

	guard, err := inbox.NewGuard(fx.store)
	require.NoError(t, err)

	admission, err := guard.TryBeginProcessing(fx.ctx, "msg-1", "order-consumer")
	require.NoError(t, err)
	require.Equal(t, inbox.AdmissionAdmit, admission)

	require.NoError(t, guard.RecordOutcome(fx.ctx, "msg-1", "order-consumer", inbox.OutcomeSucceeded))

	admission, err = guard.TryBeginProcessing(fx.ctx, "msg-1", "order-consumer")
	require.NoError(t, err)
	assert.Equal(t, inbox.AdmissionAlreadyProcessed, admission)
}
