//go:build integration

package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/LerianStudio/lib-consistency/consistency/idempotency"
	libPostgres "github.com/LerianStudio/lib-consistency/consistency/postgres"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

// integrationDSN returns the DSN from IDEMPOTENCY_POSTGRES_DSN when set,
// otherwise starts a disposable PostgreSQL container scoped to the test.
func integrationDSN(t *testing.T) string {
	t.Helper()

	if dsn := strings.TrimSpace(os.Getenv("IDEMPOTENCY_POSTGRES_DSN")); dsn != "" {
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
		PrimaryDBName:           "idempotency_it",
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

	tableName := "idem_it_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:16]

	_, err = primaryDB.ExecContext(ctx, fmt.Sprintf(`
CREATE TABLE %s (
	request_key VARCHAR(255) PRIMARY KEY,
	status VARCHAR(32) NOT NULL,
	response BYTEA,
	created_at TIMESTAMPTZ NOT NULL,
	expires_at TIMESTAMPTZ NOT NULL
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

func TestIntegrationStore_AcquireIsExclusive(t *testing.T) {
	fx := newIntegrationFixture(t)

	now := time.Now().UTC()
	expiresAt := now.Add(time.Hour)

	acquired, existing, err := fx.store.Acquire(fx.ctx, "req-1", now, expiresAt)
	require.NoError(t, err)
	assert.True(t, acquired)
	assert.Nil(t, existing)

	acquired, existing, err = fx.store.Acquire(fx.ctx, "req-1", now, expiresAt)
	require.NoError(t, err)
	assert.False(t, acquired)
	require.NotNil(t, existing)
	assert.Equal(t, idempotency.StatusInProgress, existing.Status)
}

func TestIntegrationStore_CompleteAndServeCached(t *testing.T) {
	fx := newIntegrationFixture(t)

	now := time.Now().UTC()
	response := []byte(`{"id":"tx-1","amount":250}`)

	acquired, _, err := fx.store.Acquire(fx.ctx, "req-1", now, now.Add(time.Hour))
	require.NoError(t, err)
	require.True(t, acquired)

	require.NoError(t, fx.store.Complete(fx.ctx, "req-1", response))

	acquired, existing, err := fx.store.Acquire(fx.ctx, "req-1", time.Now().UTC(), time.Now().UTC().Add(time.Hour))
	require.NoError(t, err)
	assert.False(t, acquired)
	require.NotNil(t, existing)
	assert.Equal(t, idempotency.StatusCompleted, existing.Status)
	assert.Equal(t, response, existing.Response, "cached response must round-trip byte-identical")
}

func TestIntegrationStore_FinishCASRequiresInProgress(t *testing.T) {
	fx := newIntegrationFixture(t)

	now := time.Now().UTC()

	assert.ErrorIs(t, fx.store.Complete(fx.ctx, "unseen", nil), idempotency.ErrKeyNotInProgress)

	acquired, _, err := fx.store.Acquire(fx.ctx, "req-1", now, now.Add(time.Hour))
	require.NoError(t, err)
	require.True(t, acquired)

	require.NoError(t, fx.store.Fail(fx.ctx, "req-1", "downstream unavailable"))
	assert.ErrorIs(t, fx.store.Complete(fx.ctx, "req-1", []byte("late")), idempotency.ErrKeyNotInProgress)

	record, err := fx.store.Get(fx.ctx, "req-1")
	require.NoError(t, err)
	assert.Equal(t, idempotency.StatusFailed, record.Status)
	assert.Equal(t, []byte("downstream unavailable"), record.Response)
}

func TestIntegrationStore_ExpiredRowIsSuperseded(t *testing.T) {
	fx := newIntegrationFixture(t)

	past := time.Now().UTC().Add(-2 * time.Hour)

	acquired, _, err := fx.store.Acquire(fx.ctx, "req-1", past, past.Add(time.Hour))
	require.NoError(t, err)
	require.True(t, acquired)

	require.NoError(t, fx.store.Complete(fx.ctx, "req-1", []byte("stale")))

	now := time.Now().UTC()

	acquired, existing, err := fx.store.Acquire(fx.ctx, "req-1", now, now.Add(time.Hour))
	require.NoError(t, err)
	assert.True(t, acquired, "an expired row must be superseded, not served")
	assert.Nil(t, existing)

	record, err := fx.store.Get(fx.ctx, "req-1")
	require.NoError(t, err)
	assert.Equal(t, idempotency.StatusInProgress, record.Status)
	assert.Nil(t, record.Response)
}

func TestIntegrationStore_CacheEndToEnd(t *testing.T) {
	fx := newIntegrationFixture(t)

	cache, err := idempotency.NewCache(fx.store)
	require.NoError(t, err)

	decision, err := cache.Begin(fx.ctx, "req-1")
	require.NoError(t, err)
	require.Equal(t, idempotency.DecisionProceed, decision.Kind)

	decision, err = cache.Begin(fx.ctx, "req-1")
	require.NoError(t, err)
	require.Equal(t, idempotency.DecisionInProgressConflict, decision.Kind)

	require.NoError(t, cache.Complete(fx.ctx, "req-1", []byte("done")))

	decision, err = cache.Begin(fx.ctx, "req-1")
	require.NoError(t, err)
	assert.Equal(t, idempotency.DecisionReturnCached, decision.Kind)
	assert.Equal(t, []byte("done"), decision.Response)
}
