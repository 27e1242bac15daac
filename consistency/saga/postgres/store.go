// Package postgres implements the saga store on PostgreSQL. Instance
// state lives in saga_instances with the per-step states serialized as
// one JSONB document; Update is conditional on the stored row not being
// terminal, so a stale worker can never overwrite a finished saga.
// ClaimExpired extends leases with FOR UPDATE SKIP LOCKED so concurrent
// runners divide stuck instances without contention.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/LerianStudio/lib-consistency/consistency"
	"github.com/LerianStudio/lib-consistency/consistency/internal/nilcheck"
	"github.com/LerianStudio/lib-consistency/consistency/log"
	libPostgres "github.com/LerianStudio/lib-consistency/consistency/postgres"
	"github.com/LerianStudio/lib-consistency/consistency/saga"
	"github.com/google/uuid"
)

const maxSQLIdentifierLength = 63

var (
	ErrConnectionRequired  = errors.New("postgres connection is required")
	ErrStoreNotInitialized = errors.New("saga store not initialized")
	ErrNoPrimaryDB         = errors.New("no primary database configured")
	ErrInstanceRequired    = errors.New("saga instance is required")
	ErrFailureRequired     = errors.New("failed compensation is required")
	ErrLimitMustBePositive = errors.New("limit must be greater than zero")
	ErrLeaseMustBePositive = errors.New("lease must be greater than zero")
	ErrInvalidIdentifier   = errors.New("invalid sql identifier")

	identifierPattern         = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)
	defaultTransactionTimeout = 30 * time.Second

	instanceColumns = "id, name, current_step, step_states, status, lease_until, " +
		"last_error, created_at, updated_at, completed_at"
)

// stateDocument is the JSONB shape of the step_states column. The saga
// input rides along so recovery needs nothing outside the row.
type stateDocument struct {
	Input []byte           `json:"input,omitempty"`
	Steps []saga.StepState `json:"steps"`
}

type Option func(*Store)

func WithLogger(logger log.Logger) Option {
	return func(store *Store) {
		if nilcheck.Interface(logger) {
			return
		}

		store.logger = logger
	}
}

func WithTableName(tableName string) Option {
	return func(store *Store) {
		store.tableName = tableName
	}
}

func WithFailedCompensationTableName(tableName string) Option {
	return func(store *Store) {
		store.failureTableName = tableName
	}
}

func WithTransactionTimeout(timeout time.Duration) Option {
	return func(store *Store) {
		if timeout > 0 {
			store.transactionTimeout = timeout
		}
	}
}

// Store persists saga instances in PostgreSQL.
type Store struct {
	connection         *libPostgres.PostgresConnection
	primaryDBLookup    func(context.Context) (*sql.DB, error)
	logger             log.Logger
	tableName          string
	failureTableName   string
	transactionTimeout time.Duration
}

// NewStore creates a PostgreSQL saga store.
func NewStore(connection *libPostgres.PostgresConnection, opts ...Option) (*Store, error) {
	if connection == nil {
		return nil, ErrConnectionRequired
	}

	store := &Store{
		connection:         connection,
		logger:             log.NewNop(),
		tableName:          "saga_instances",
		failureTableName:   "saga_failed_compensations",
		transactionTimeout: defaultTransactionTimeout,
	}

	for _, opt := range opts {
		if opt != nil {
			opt(store)
		}
	}

	store.tableName = strings.TrimSpace(store.tableName)
	if store.tableName == "" {
		store.tableName = "saga_instances"
	}

	store.failureTableName = strings.TrimSpace(store.failureTableName)
	if store.failureTableName == "" {
		store.failureTableName = "saga_failed_compensations"
	}

	if err := validateIdentifierPath(store.tableName); err != nil {
		return nil, fmt.Errorf("table name: %w", err)
	}

	if err := validateIdentifierPath(store.failureTableName); err != nil {
		return nil, fmt.Errorf("failed compensation table name: %w", err)
	}

	return store, nil
}

// Create persists a fresh instance.
func (store *Store) Create(ctx context.Context, instance *saga.Instance) error {
	if ctx == nil {
		ctx = context.Background()
	}

	if !store.initialized() {
		return ErrStoreNotInitialized
	}

	if instance == nil || instance.ID == uuid.Nil {
		return ErrInstanceRequired
	}

	logger, tracer, _ := consistency.NewTrackingFromContext(ctx)

	ctx, span := tracer.Start(ctx, "postgres.create_saga_instance")
	defer span.End()

	states, err := encodeStates(instance)
	if err != nil {
		return err
	}

	_, err = withTxOrExisting(store, ctx, nil, func(tx *sql.Tx) (struct{}, error) {
		table := quoteIdentifierPath(store.tableName)
		query := "INSERT INTO " + table + " (" + instanceColumns + ")" +
			" VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)"

		_, execErr := tx.ExecContext(ctx, query,
			instance.ID,
			instance.Name,
			instance.CurrentStep,
			states,
			string(instance.Status),
			instance.LeaseUntil,
			nullableString(instance.LastError),
			instance.CreatedAt,
			instance.UpdatedAt,
			instance.CompletedAt,
		)
		if execErr != nil {
			return struct{}{}, fmt.Errorf("executing insert: %w", execErr)
		}

		return struct{}{}, nil
	})
	if err != nil {
		logger.Log(ctx, log.LevelError, "failed to create saga instance", log.Err(err))

		return fmt.Errorf("creating saga instance: %w", err)
	}

	return nil
}

// Get loads one instance.
func (store *Store) Get(ctx context.Context, id uuid.UUID) (*saga.Instance, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	if !store.initialized() {
		return nil, ErrStoreNotInitialized
	}

	if id == uuid.Nil {
		return nil, saga.ErrInstanceNotFound
	}

	logger, tracer, _ := consistency.NewTrackingFromContext(ctx)

	ctx, span := tracer.Start(ctx, "postgres.get_saga_instance")
	defer span.End()

	result, err := withTxOrExisting(store, ctx, nil, func(tx *sql.Tx) (*saga.Instance, error) {
		table := quoteIdentifierPath(store.tableName)
		query := "SELECT " + instanceColumns + " FROM " + table + " WHERE id = $1"

		return scanInstance(tx.QueryRowContext(ctx, query, id))
	})
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, saga.ErrInstanceNotFound
		}

		logger.Log(ctx, log.LevelError, "failed to get saga instance", log.Err(err))

		return nil, fmt.Errorf("getting saga instance: %w", err)
	}

	return result, nil
}

// Update persists the instance's mutable fields. The stored row must not
// already be terminal.
func (store *Store) Update(ctx context.Context, instance *saga.Instance) error {
	if ctx == nil {
		ctx = context.Background()
	}

	if !store.initialized() {
		return ErrStoreNotInitialized
	}

	if instance == nil || instance.ID == uuid.Nil {
		return ErrInstanceRequired
	}

	logger, tracer, _ := consistency.NewTrackingFromContext(ctx)

	ctx, span := tracer.Start(ctx, "postgres.update_saga_instance")
	defer span.End()

	states, err := encodeStates(instance)
	if err != nil {
		return err
	}

	_, err = withTxOrExisting(store, ctx, nil, func(tx *sql.Tx) (struct{}, error) {
		table := quoteIdentifierPath(store.tableName)
		query := "UPDATE " + table +
			" SET current_step = $1, step_states = $2, status = $3, lease_until = $4," +
			" last_error = $5, updated_at = $6, completed_at = $7" +
			" WHERE id = $8 AND status IN ($9, $10)"

		result, execErr := tx.ExecContext(ctx, query,
			instance.CurrentStep,
			states,
			string(instance.Status),
			instance.LeaseUntil,
			nullableString(instance.LastError),
			instance.UpdatedAt,
			instance.CompletedAt,
			instance.ID,
			string(saga.StatusRunning),
			string(saga.StatusCompensating),
		)
		if execErr != nil {
			return struct{}{}, fmt.Errorf("executing update: %w", execErr)
		}

		return struct{}{}, ensureRowsAffected(result, saga.ErrInstanceNotClaimed)
	})
	if err != nil {
		if !errors.Is(err, saga.ErrInstanceNotClaimed) {
			logger.Log(ctx, log.LevelError, "failed to update saga instance", log.Err(err))
		}

		return fmt.Errorf("updating saga instance: %w", err)
	}

	return nil
}

// ClaimExpired atomically extends the lease of up to limit non-terminal
// instances whose lease expired before now, and returns them.
func (store *Store) ClaimExpired(ctx context.Context, now time.Time, lease time.Duration, limit int) ([]*saga.Instance, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	if !store.initialized() {
		return nil, ErrStoreNotInitialized
	}

	if limit <= 0 {
		return nil, ErrLimitMustBePositive
	}

	if lease <= 0 {
		return nil, ErrLeaseMustBePositive
	}

	logger, tracer, _ := consistency.NewTrackingFromContext(ctx)

	ctx, span := tracer.Start(ctx, "postgres.claim_expired_sagas")
	defer span.End()

	result, err := withTxOrExisting(store, ctx, nil, func(tx *sql.Tx) ([]*saga.Instance, error) {
		table := quoteIdentifierPath(store.tableName)

		query := "WITH expired AS (" +
			" SELECT s.id FROM " + table + " s" +
			" WHERE s.status IN ($3, $4) AND (s.lease_until IS NULL OR s.lease_until <= $1)" +
			" ORDER BY s.updated_at LIMIT $2 FOR UPDATE SKIP LOCKED" +
			") UPDATE " + table + " u" +
			" SET lease_until = $5, updated_at = $1" +
			" FROM expired WHERE u.id = expired.id" +
			" RETURNING " + prefixedColumns("u")

		rows, queryErr := tx.QueryContext(ctx, query,
			now,
			limit,
			string(saga.StatusRunning),
			string(saga.StatusCompensating),
			now.Add(lease),
		)
		if queryErr != nil {
			return nil, fmt.Errorf("claiming expired sagas: %w", queryErr)
		}

		defer rows.Close()

		instances := make([]*saga.Instance, 0, limit)

		for rows.Next() {
			instance, scanErr := scanInstance(rows)
			if scanErr != nil {
				return nil, scanErr
			}

			instances = append(instances, instance)
		}

		if err := rows.Err(); err != nil {
			return nil, fmt.Errorf("iterating rows: %w", err)
		}

		return instances, nil
	})
	if err != nil {
		logger.Log(ctx, log.LevelError, "failed to claim expired sagas", log.Err(err))

		return nil, fmt.Errorf("claiming expired sagas: %w", err)
	}

	return result, nil
}

// EnqueueFailedCompensation records a compensation that requires manual
// intervention.
func (store *Store) EnqueueFailedCompensation(ctx context.Context, failure *saga.FailedCompensation) error {
	if ctx == nil {
		ctx = context.Background()
	}

	if !store.initialized() {
		return ErrStoreNotInitialized
	}

	if failure == nil || failure.ID == uuid.Nil {
		return ErrFailureRequired
	}

	logger, tracer, _ := consistency.NewTrackingFromContext(ctx)

	ctx, span := tracer.Start(ctx, "postgres.enqueue_failed_compensation")
	defer span.End()

	_, err := withTxOrExisting(store, ctx, nil, func(tx *sql.Tx) (struct{}, error) {
		table := quoteIdentifierPath(store.failureTableName)
		query := "INSERT INTO " + table +
			" (id, saga_id, step_index, step_name, reason, created_at)" +
			" VALUES ($1, $2, $3, $4, $5, $6)"

		_, execErr := tx.ExecContext(ctx, query,
			failure.ID,
			failure.SagaID,
			failure.StepIndex,
			failure.StepName,
			failure.Reason,
			failure.CreatedAt,
		)
		if execErr != nil {
			return struct{}{}, fmt.Errorf("executing insert: %w", execErr)
		}

		return struct{}{}, nil
	})
	if err != nil {
		logger.Log(ctx, log.LevelError, "failed to enqueue failed compensation", log.Err(err))

		return fmt.Errorf("enqueueing failed compensation: %w", err)
	}

	return nil
}

// ListFailedCompensations returns queued failures for operators, oldest
// first.
func (store *Store) ListFailedCompensations(ctx context.Context, limit int) ([]*saga.FailedCompensation, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	if !store.initialized() {
		return nil, ErrStoreNotInitialized
	}

	if limit <= 0 {
		return nil, ErrLimitMustBePositive
	}

	logger, tracer, _ := consistency.NewTrackingFromContext(ctx)

	ctx, span := tracer.Start(ctx, "postgres.list_failed_compensations")
	defer span.End()

	result, err := withTxOrExisting(store, ctx, nil, func(tx *sql.Tx) ([]*saga.FailedCompensation, error) {
		table := quoteIdentifierPath(store.failureTableName)
		query := "SELECT id, saga_id, step_index, step_name, reason, created_at FROM " + table +
			" ORDER BY created_at LIMIT $1"

		rows, queryErr := tx.QueryContext(ctx, query, limit)
		if queryErr != nil {
			return nil, fmt.Errorf("querying failed compensations: %w", queryErr)
		}

		defer rows.Close()

		failures := make([]*saga.FailedCompensation, 0, limit)

		for rows.Next() {
			var failure saga.FailedCompensation

			if scanErr := rows.Scan(
				&failure.ID,
				&failure.SagaID,
				&failure.StepIndex,
				&failure.StepName,
				&failure.Reason,
				&failure.CreatedAt,
			); scanErr != nil {
				return nil, fmt.Errorf("scanning failed compensation: %w", scanErr)
			}

			failures = append(failures, &failure)
		}

		if err := rows.Err(); err != nil {
			return nil, fmt.Errorf("iterating rows: %w", err)
		}

		return failures, nil
	})
	if err != nil {
		logger.Log(ctx, log.LevelError, "failed to list failed compensations", log.Err(err))

		return nil, fmt.Errorf("listing failed compensations: %w", err)
	}

	return result, nil
}

func encodeStates(instance *saga.Instance) ([]byte, error) {
	states, err := json.Marshal(stateDocument{Input: instance.Input, Steps: instance.Steps})
	if err != nil {
		return nil, fmt.Errorf("encoding step states: %w", err)
	}

	return states, nil
}

func scanInstance(scanner interface{ Scan(dest ...any) error }) (*saga.Instance, error) {
	var (
		instance    saga.Instance
		status      string
		states      []byte
		leaseUntil  sql.NullTime
		lastError   sql.NullString
		completedAt sql.NullTime
	)

	if err := scanner.Scan(
		&instance.ID,
		&instance.Name,
		&instance.CurrentStep,
		&states,
		&status,
		&leaseUntil,
		&lastError,
		&instance.CreatedAt,
		&instance.UpdatedAt,
		&completedAt,
	); err != nil {
		return nil, fmt.Errorf("scanning saga instance: %w", err)
	}

	instance.Status = saga.InstanceStatus(status)

	var doc stateDocument

	if err := json.Unmarshal(states, &doc); err != nil {
		return nil, fmt.Errorf("decoding step states: %w", err)
	}

	instance.Input = doc.Input
	instance.Steps = doc.Steps

	if leaseUntil.Valid {
		instance.LeaseUntil = &leaseUntil.Time
	}

	if lastError.Valid {
		instance.LastError = lastError.String
	}

	if completedAt.Valid {
		instance.CompletedAt = &completedAt.Time
	}

	return &instance, nil
}

func withTxOrExisting[T any](
	store *Store,
	ctx context.Context,
	tx *sql.Tx,
	fn func(*sql.Tx) (T, error),
) (T, error) {
	var zero T

	if ctx == nil {
		ctx = context.Background()
	}

	if tx != nil {
		return fn(tx)
	}

	primaryDB, err := store.primaryDB(ctx)
	if err != nil {
		return zero, err
	}

	txCtx := ctx

	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc

		txCtx, cancel = context.WithTimeout(ctx, store.transactionTimeout)
		defer cancel()
	}

	newTx, err := primaryDB.BeginTx(txCtx, nil)
	if err != nil {
		return zero, fmt.Errorf("failed to begin transaction: %w", err)
	}

	defer func() {
		_ = newTx.Rollback()
	}()

	result, err := fn(newTx)
	if err != nil {
		return zero, err
	}

	if err := newTx.Commit(); err != nil {
		return zero, fmt.Errorf("failed to commit transaction: %w", err)
	}

	return result, nil
}

func (store *Store) initialized() bool {
	return store != nil && store.connection != nil
}

func (store *Store) primaryDB(ctx context.Context) (*sql.DB, error) {
	if store == nil {
		return nil, ErrConnectionRequired
	}

	if store.primaryDBLookup != nil {
		return store.primaryDBLookup(ctx)
	}

	resolved, err := store.connection.GetDB(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get database connection: %w", err)
	}

	if resolved == nil {
		return nil, ErrNoPrimaryDB
	}

	primaryDBs := resolved.PrimaryDBs()
	if len(primaryDBs) == 0 || primaryDBs[0] == nil {
		return nil, ErrNoPrimaryDB
	}

	return primaryDBs[0], nil
}

func nullableString(value string) any {
	if value == "" {
		return nil
	}

	return value
}

func prefixedColumns(alias string) string {
	parts := strings.Split(instanceColumns, ", ")
	for i, part := range parts {
		parts[i] = alias + "." + part
	}

	return strings.Join(parts, ", ")
}

func validateIdentifier(identifier string) error {
	if len(identifier) > maxSQLIdentifierLength {
		return ErrInvalidIdentifier
	}

	if !identifierPattern.MatchString(identifier) {
		return ErrInvalidIdentifier
	}

	return nil
}

func validateIdentifierPath(path string) error {
	parts := strings.Split(path, ".")
	if len(parts) == 0 {
		return ErrInvalidIdentifier
	}

	for _, part := range parts {
		if err := validateIdentifier(strings.TrimSpace(part)); err != nil {
			return err
		}
	}

	return nil
}

func quoteIdentifierPath(path string) string {
	parts := strings.Split(path, ".")
	quoted := make([]string, 0, len(parts))

	for _, part := range parts {
		quoted = append(quoted, quoteIdentifier(strings.TrimSpace(part)))
	}

	return strings.Join(quoted, ".")
}

func quoteIdentifier(identifier string) string {
	identifier = strings.ReplaceAll(identifier, "\x00", "")

	return "\"" + strings.ReplaceAll(identifier, "\"", "\"\"") + "\""
}

func ensureRowsAffected(result sql.Result, conflictErr error) error {
	if result == nil {
		return conflictErr
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}

	if rows == 0 {
		return conflictErr
	}

	return nil
}
