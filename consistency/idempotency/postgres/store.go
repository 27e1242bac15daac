// Package postgres implements the idempotency store on PostgreSQL.
// Acquire is a single upsert: the INSERT either lands, supersedes an
// expired row via ON CONFLICT guarded by expires_at, or returns no row,
// in which case the live record is read back for the caller. Complete
// and Fail are conditional updates on status.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/LerianStudio/lib-consistency/consistency"
	"github.com/LerianStudio/lib-consistency/consistency/idempotency"
	"github.com/LerianStudio/lib-consistency/consistency/internal/nilcheck"
	"github.com/LerianStudio/lib-consistency/consistency/log"
	libPostgres "github.com/LerianStudio/lib-consistency/consistency/postgres"
)

const maxSQLIdentifierLength = 63

var (
	ErrConnectionRequired  = errors.New("postgres connection is required")
	ErrStoreNotInitialized = errors.New("idempotency store not initialized")
	ErrNoPrimaryDB         = errors.New("no primary database configured")
	ErrInvalidIdentifier   = errors.New("invalid sql identifier")

	identifierPattern         = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)
	defaultTransactionTimeout = 30 * time.Second
)

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

func WithTransactionTimeout(timeout time.Duration) Option {
	return func(store *Store) {
		if timeout > 0 {
			store.transactionTimeout = timeout
		}
	}
}

// Store persists idempotency records in PostgreSQL.
type Store struct {
	connection         *libPostgres.PostgresConnection
	primaryDBLookup    func(context.Context) (*sql.DB, error)
	logger             log.Logger
	tableName          string
	transactionTimeout time.Duration
}

// NewStore creates a PostgreSQL idempotency store.
func NewStore(connection *libPostgres.PostgresConnection, opts ...Option) (*Store, error) {
	if connection == nil {
		return nil, ErrConnectionRequired
	}

	store := &Store{
		connection:         connection,
		logger:             log.NewNop(),
		tableName:          "idempotency_keys",
		transactionTimeout: defaultTransactionTimeout,
	}

	for _, opt := range opts {
		if opt != nil {
			opt(store)
		}
	}

	store.tableName = strings.TrimSpace(store.tableName)
	if store.tableName == "" {
		store.tableName = "idempotency_keys"
	}

	if err := validateIdentifierPath(store.tableName); err != nil {
		return nil, fmt.Errorf("table name: %w", err)
	}

	return store, nil
}

// Acquire installs an InProgress record for key when the key is unseen
// or expired. A live record is returned with acquired=false.
func (store *Store) Acquire(ctx context.Context, key string, now, expiresAt time.Time) (bool, *idempotency.Record, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	if !store.initialized() {
		return false, nil, ErrStoreNotInitialized
	}

	if strings.TrimSpace(key) == "" {
		return false, nil, idempotency.ErrRequestKeyRequired
	}

	logger, tracer, _ := consistency.NewTrackingFromContext(ctx)

	ctx, span := tracer.Start(ctx, "postgres.acquire_idempotency_key")
	defer span.End()

	type acquireResult struct {
		acquired bool
		existing *idempotency.Record
	}

	result, err := withTxOrExisting(store, ctx, nil, func(tx *sql.Tx) (acquireResult, error) {
		table := quoteIdentifierPath(store.tableName)

		// The WHERE on the conflict arm makes the supersede a CAS on
		// expires_at: a live row keeps its state and yields no row here.
		upsert := "INSERT INTO " + table + " AS t" +
			" (request_key, status, response, created_at, expires_at)" +
			" VALUES ($1, $2, NULL, $3, $4)" +
			" ON CONFLICT (request_key) DO UPDATE" +
			" SET status = $2, response = NULL, created_at = $3, expires_at = $4" +
			" WHERE t.expires_at <= $3" +
			" RETURNING request_key"

		var insertedKey string

		err := tx.QueryRowContext(ctx, upsert,
			key,
			string(idempotency.StatusInProgress),
			now,
			expiresAt,
		).Scan(&insertedKey)

		if err == nil {
			return acquireResult{acquired: true}, nil
		}

		if !errors.Is(err, sql.ErrNoRows) {
			return acquireResult{}, fmt.Errorf("executing upsert: %w", err)
		}

		existing, getErr := getRecord(ctx, tx, table, key)
		if getErr != nil {
			return acquireResult{}, getErr
		}

		return acquireResult{existing: existing}, nil
	})
	if err != nil {
		logger.Log(ctx, log.LevelError, "failed to acquire idempotency key", log.Err(err))

		return false, nil, fmt.Errorf("acquiring idempotency key: %w", err)
	}

	return result.acquired, result.existing, nil
}

// Complete CASes the key from InProgress to Completed with the response.
func (store *Store) Complete(ctx context.Context, key string, response []byte) error {
	return store.finish(ctx, "postgres.complete_idempotency_key", key, idempotency.StatusCompleted, response)
}

// Fail CASes the key from InProgress to Failed with the error message.
func (store *Store) Fail(ctx context.Context, key string, errMsg string) error {
	return store.finish(ctx, "postgres.fail_idempotency_key", key, idempotency.StatusFailed, []byte(errMsg))
}

func (store *Store) finish(ctx context.Context, spanName, key string, status idempotency.Status, response []byte) error {
	if ctx == nil {
		ctx = context.Background()
	}

	if !store.initialized() {
		return ErrStoreNotInitialized
	}

	if strings.TrimSpace(key) == "" {
		return idempotency.ErrRequestKeyRequired
	}

	logger, tracer, _ := consistency.NewTrackingFromContext(ctx)

	ctx, span := tracer.Start(ctx, spanName)
	defer span.End()

	_, err := withTxOrExisting(store, ctx, nil, func(tx *sql.Tx) (struct{}, error) {
		table := quoteIdentifierPath(store.tableName)
		query := "UPDATE " + table +
			" SET status = $1, response = $2" +
			" WHERE request_key = $3 AND status = $4"

		result, execErr := tx.ExecContext(ctx, query,
			string(status),
			response,
			key,
			string(idempotency.StatusInProgress),
		)
		if execErr != nil {
			return struct{}{}, fmt.Errorf("executing update: %w", execErr)
		}

		return struct{}{}, ensureRowsAffected(result, idempotency.ErrKeyNotInProgress)
	})
	if err != nil {
		if !errors.Is(err, idempotency.ErrKeyNotInProgress) {
			logger.Log(ctx, log.LevelError, "failed to finish idempotency key", log.Err(err))
		}

		return fmt.Errorf("finishing idempotency key: %w", err)
	}

	return nil
}

// Get loads one record.
func (store *Store) Get(ctx context.Context, key string) (*idempotency.Record, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	if !store.initialized() {
		return nil, ErrStoreNotInitialized
	}

	if strings.TrimSpace(key) == "" {
		return nil, idempotency.ErrRequestKeyRequired
	}

	logger, tracer, _ := consistency.NewTrackingFromContext(ctx)

	ctx, span := tracer.Start(ctx, "postgres.get_idempotency_key")
	defer span.End()

	result, err := withTxOrExisting(store, ctx, nil, func(tx *sql.Tx) (*idempotency.Record, error) {
		return getRecord(ctx, tx, quoteIdentifierPath(store.tableName), key)
	})
	if err != nil {
		if errors.Is(err, idempotency.ErrKeyNotFound) {
			return nil, idempotency.ErrKeyNotFound
		}

		logger.Log(ctx, log.LevelError, "failed to get idempotency key", log.Err(err))

		return nil, fmt.Errorf("getting idempotency key: %w", err)
	}

	return result, nil
}

func getRecord(ctx context.Context, tx *sql.Tx, table, key string) (*idempotency.Record, error) {
	query := "SELECT request_key, status, response, created_at, expires_at FROM " + table +
		" WHERE request_key = $1"

	var (
		record   idempotency.Record
		status   string
		response []byte
	)

	err := tx.QueryRowContext(ctx, query, key).Scan(
		&record.RequestKey,
		&status,
		&response,
		&record.CreatedAt,
		&record.ExpiresAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, idempotency.ErrKeyNotFound
		}

		return nil, fmt.Errorf("scanning idempotency record: %w", err)
	}

	record.Status = idempotency.Status(status)
	record.Response = response

	return &record, nil
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
