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

	"github.com/LerianStudio/lib-consistency/consistency/outbox"
	libPostgres "github.com/LerianStudio/lib-consistency/consistency/postgres"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

// integrationDSN returns the DSN from OUTBOX_POSTGRES_DSN when set, otherwise
// starts a disposable PostgreSQL container scoped to the test.
func integrationDSN(t *testing.T) string {
	t.Helper()

	if dsn := strings.TrimSpace(os.Getenv("OUTBOX_POSTGRES_DSN")); dsn != "" {
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
	repo      *Repository
	tableName string
}

func newIntegrationFixture(t *testing.T) *integrationFixture {
	t.Helper()

	dsn := integrationDSN(t)

	ctx := context.Background()

	connection := &libPostgres.PostgresConnection{
		ConnectionStringPrimary: dsn,
		ConnectionStringReplica: dsn,
		PrimaryDBName:           "outbox_it",
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

	tableName := "outbox_it_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:16]

	_, err = primaryDB.ExecContext(ctx, `
DO $$
BEGIN
	IF NOT EXISTS (SELECT 1 FROM pg_type WHERE typname = 'outbox_event_status') THEN
		CREATE TYPE outbox_event_status AS ENUM ('PENDING','PROCESSING','DISPATCHED','FAILED','DEAD_LETTER');
	END IF;
END
$$;
`)
	require.NoError(t, err)

	_, err = primaryDB.ExecContext(ctx, fmt.Sprintf(`
CREATE TABLE %s (
	id UUID PRIMARY KEY,
	seq BIGSERIAL UNIQUE,
	aggregate_id UUID NOT NULL,
	event_type VARCHAR(255) NOT NULL,
	payload JSONB NOT NULL,
	status outbox_event_status NOT NULL DEFAULT 'PENDING',
	attempts INT NOT NULL DEFAULT 0,
	next_attempt_at TIMESTAMPTZ,
	claimed_by VARCHAR(255),
	lease_until TIMESTAMPTZ,
	last_error VARCHAR(1100),
	published_at TIMESTAMPTZ,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);
`, quoteIdentifier(tableName)))
	require.NoError(t, err)
	t.Cleanup(func() {
		if _, err := primaryDB.ExecContext(ctx, fmt.Sprintf("DROP TABLE IF EXISTS %s", quoteIdentifier(tableName))); err != nil {
			t.Errorf("cleanup: drop table %s: %v", tableName, err)
		}
	})

	repo, err := NewRepository(connection, WithTableName(tableName))
	require.NoError(t, err)

	return &integrationFixture{
		ctx:       ctx,
		primaryDB: primaryDB,
		repo:      repo,
		tableName: tableName,
	}
}

func createFixtureRecord(t *testing.T, fx *integrationFixture, aggregateID uuid.UUID) *outbox.Record {
	t.Helper()

	record, err := outbox.NewRecord("account.created", aggregateID, []byte(`{"ok":true}`))
	require.NoError(t, err)

	created, err := fx.repo.Create(fx.ctx, record)
	require.NoError(t, err)

	return created
}

func TestIntegrationRepository_CreateAndGet(t *testing.T) {
	fx := newIntegrationFixture(t)

	created := createFixtureRecord(t, fx, uuid.New())

	assert.Positive(t, created.Seq)
	assert.Equal(t, outbox.StatusPending.String(), created.Status)

	loaded, err := fx.repo.GetByID(fx.ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, created.ID, loaded.ID)
	assert.JSONEq(t, `{"ok":true}`, string(loaded.Payload))
}

func TestIntegrationRepository_ClaimIsExclusive(t *testing.T) {
	fx := newIntegrationFixture(t)

	created := createFixtureRecord(t, fx, uuid.New())

	now := time.Now().UTC()

	first, err := fx.repo.ClaimBatch(fx.ctx, "relay-a", 10, now, time.Minute)
	require.NoError(t, err)
	require.Len(t, first, 1)
	assert.Equal(t, created.ID, first[0].ID)
	assert.Equal(t, outbox.StatusProcessing.String(), first[0].Status)
	assert.Equal(t, "relay-a", first[0].ClaimedBy)

	second, err := fx.repo.ClaimBatch(fx.ctx, "relay-b", 10, now, time.Minute)
	require.NoError(t, err)
	assert.Empty(t, second, "a held lease must not be reclaimed")
}

func TestIntegrationRepository_ExpiredLeaseIsReclaimed(t *testing.T) {
	fx := newIntegrationFixture(t)

	created := createFixtureRecord(t, fx, uuid.New())

	now := time.Now().UTC()

	first, err := fx.repo.ClaimBatch(fx.ctx, "relay-a", 10, now, time.Minute)
	require.NoError(t, err)
	require.Len(t, first, 1)

	later := now.Add(2 * time.Minute)

	reclaimed, err := fx.repo.ClaimBatch(fx.ctx, "relay-b", 10, later, time.Minute)
	require.NoError(t, err)
	require.Len(t, reclaimed, 1)
	assert.Equal(t, created.ID, reclaimed[0].ID)
	assert.Equal(t, "relay-b", reclaimed[0].ClaimedBy)
}

func TestIntegrationRepository_MarkCASRequiresClaim(t *testing.T) {
	fx := newIntegrationFixture(t)

	created := createFixtureRecord(t, fx, uuid.New())

	now := time.Now().UTC()

	claimed, err := fx.repo.ClaimBatch(fx.ctx, "relay-a", 10, now, time.Minute)
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	err = fx.repo.MarkDispatched(fx.ctx, created.ID, "relay-b", now)
	assert.ErrorIs(t, err, outbox.ErrRecordNotClaimed, "another relay must not complete a claim it does not hold")

	require.NoError(t, fx.repo.MarkDispatched(fx.ctx, created.ID, "relay-a", now))

	loaded, err := fx.repo.GetByID(fx.ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, outbox.StatusDispatched.String(), loaded.Status)
	require.NotNil(t, loaded.PublishedAt)
	assert.Empty(t, loaded.ClaimedBy)
}

func TestIntegrationRepository_FailedRetrySchedule(t *testing.T) {
	fx := newIntegrationFixture(t)

	created := createFixtureRecord(t, fx, uuid.New())

	now := time.Now().UTC()

	claimed, err := fx.repo.ClaimBatch(fx.ctx, "relay-a", 10, now, time.Minute)
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	nextAttemptAt := now.Add(30 * time.Second)
	require.NoError(t, fx.repo.MarkFailed(fx.ctx, created.ID, "relay-a", "broker unavailable", nextAttemptAt))

	early, err := fx.repo.ClaimBatch(fx.ctx, "relay-a", 10, now.Add(10*time.Second), time.Minute)
	require.NoError(t, err)
	assert.Empty(t, early, "failed records must wait for next_attempt_at")

	due, err := fx.repo.ClaimBatch(fx.ctx, "relay-a", 10, now.Add(time.Minute), time.Minute)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, 1, due[0].Attempts)
	assert.Equal(t, "broker unavailable", due[0].LastError)
}

func TestIntegrationRepository_PerAggregateOrdering(t *testing.T) {
	fx := newIntegrationFixture(t)

	aggregateID := uuid.New()
	first := createFixtureRecord(t, fx, aggregateID)
	second := createFixtureRecord(t, fx, aggregateID)

	now := time.Now().UTC()

	claimed, err := fx.repo.ClaimBatch(fx.ctx, "relay-a", 10, now, time.Minute)
	require.NoError(t, err)
	require.Len(t, claimed, 1, "only the head record of an aggregate is claimable")
	assert.Equal(t, first.ID, claimed[0].ID)

	// Fail the head: the tail must stay blocked until the head is due and
	// claimed again.
	require.NoError(t, fx.repo.MarkFailed(fx.ctx, first.ID, "relay-a", "boom", now.Add(time.Hour)))

	blocked, err := fx.repo.ClaimBatch(fx.ctx, "relay-a", 10, now.Add(time.Minute), time.Minute)
	require.NoError(t, err)
	assert.Empty(t, blocked, "a pending record behind an undue failed record must not be claimable")

	unblocked, err := fx.repo.ClaimBatch(fx.ctx, "relay-a", 10, now.Add(2*time.Hour), time.Minute)
	require.NoError(t, err)
	require.Len(t, unblocked, 1)
	assert.Equal(t, first.ID, unblocked[0].ID)

	require.NoError(t, fx.repo.MarkDispatched(fx.ctx, first.ID, "relay-a", now.Add(2*time.Hour)))

	tail, err := fx.repo.ClaimBatch(fx.ctx, "relay-a", 10, now.Add(2*time.Hour), time.Minute)
	require.NoError(t, err)
	require.Len(t, tail, 1, "dispatching the head unblocks the next record")
	assert.Equal(t, second.ID, tail[0].ID)
}

func TestIntegrationRepository_ConcurrentClaimantsCannotSplitAggregate(t *testing.T) {
	fx := newIntegrationFixture(t)

	aggregateID := uuid.New()
	first := createFixtureRecord(t, fx, aggregateID)
	createFixtureRecord(t, fx, aggregateID)

	// Hold a row lock on the head record, as a claim in flight on another
	// connection would.
	tx, err := fx.primaryDB.BeginTx(fx.ctx, nil)
	require.NoError(t, err)

	defer func() {
		_ = tx.Rollback()
	}()

	_, err = tx.ExecContext(fx.ctx,
		fmt.Sprintf("SELECT 1 FROM %s WHERE id = $1 FOR UPDATE", quoteIdentifier(fx.tableName)),
		first.ID)
	require.NoError(t, err)

	now := time.Now().UTC()

	// SKIP LOCKED hides the locked head from this claimant; the head must
	// still block the rest of its aggregate.
	claimed, err := fx.repo.ClaimBatch(fx.ctx, "relay-b", 10, now, time.Minute)
	require.NoError(t, err)
	assert.Empty(t, claimed, "a locked head record must block the whole aggregate")

	require.NoError(t, tx.Rollback())

	after, err := fx.repo.ClaimBatch(fx.ctx, "relay-b", 10, now, time.Minute)
	require.NoError(t, err)
	require.Len(t, after, 1)
	assert.Equal(t, first.ID, after[0].ID)
}

func TestIntegrationRepository_ExtendLeaseRequiresClaim(t *testing.T) {
	fx := newIntegrationFixture(t)

	created := createFixtureRecord(t, fx, uuid.New())

	now := time.Now().UTC()

	err := fx.repo.ExtendLease(fx.ctx, created.ID, "relay-a", now.Add(time.Minute))
	assert.ErrorIs(t, err, outbox.ErrRecordNotClaimed, "an unclaimed record has no lease to extend")

	claimed, err := fx.repo.ClaimBatch(fx.ctx, "relay-a", 10, now, time.Minute)
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	err = fx.repo.ExtendLease(fx.ctx, created.ID, "relay-b", now.Add(time.Minute))
	assert.ErrorIs(t, err, outbox.ErrRecordNotClaimed, "another relay must not extend a claim it does not hold")

	require.NoError(t, fx.repo.ExtendLease(fx.ctx, created.ID, "relay-a", now.Add(5*time.Minute)))

	// The extended lease keeps the record off other claimants past the
	// original expiry.
	held, err := fx.repo.ClaimBatch(fx.ctx, "relay-b", 10, now.Add(2*time.Minute), time.Minute)
	require.NoError(t, err)
	assert.Empty(t, held)
}

func TestIntegrationRepository_DeadLetterLifecycle(t *testing.T) {
	fx := newIntegrationFixture(t)

	created := createFixtureRecord(t, fx, uuid.New())

	now := time.Now().UTC()

	claimed, err := fx.repo.ClaimBatch(fx.ctx, "relay-a", 10, now, time.Minute)
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	require.NoError(t, fx.repo.MarkDeadLetter(fx.ctx, created.ID, "relay-a", "payload rejected"))

	parked, err := fx.repo.ListDeadLetters(fx.ctx, 10)
	require.NoError(t, err)
	require.Len(t, parked, 1)
	assert.Equal(t, created.ID, parked[0].ID)
	assert.Equal(t, "payload rejected", parked[0].LastError)

	none, err := fx.repo.ClaimBatch(fx.ctx, "relay-a", 10, now.Add(time.Hour), time.Minute)
	require.NoError(t, err)
	assert.Empty(t, none, "dead letters must not be claimable")

	require.NoError(t, fx.repo.RequeueDeadLetter(fx.ctx, created.ID))

	requeued, err := fx.repo.GetByID(fx.ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, outbox.StatusPending.String(), requeued.Status)
	assert.Zero(t, requeued.Attempts)
}

func TestIntegrationRepository_CreateWithTxRollsBack(t *testing.T) {
	fx := newIntegrationFixture(t)

	tx, err := fx.primaryDB.BeginTx(fx.ctx, nil)
	require.NoError(t, err)

	record, err := outbox.NewRecord("account.created", uuid.New(), []byte(`{"ok":true}`))
	require.NoError(t, err)

	_, err = fx.repo.CreateWithTx(fx.ctx, tx, record)
	require.NoError(t, err)

	require.NoError(t, tx.Rollback())

	_, err = fx.repo.GetByID(fx.ctx, record.ID)
	assert.ErrorIs(t, err, outbox.ErrRecordNotFound, "an aborted business transaction must leave no outbox record")
}
