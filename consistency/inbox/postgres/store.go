// Package postgres implements the inbox store on PostgreSQL. Admission
// is decided by the primary key on (message_id, consumer_name): a plain
// INSERT either lands or raises a unique violation, which the store maps
// to a duplicate. There is no check-then-insert window.
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
	"github.com/LerianStudio/lib-consistency/consistency/inbox"
	"github.com/LerianStudio/lib-consistency/consistency/internal/nilcheck"
	"github.com/LerianStudio/lib-consistency/consistency/log"
	libPostgres "github.com/LerianStudio/lib-consistency/consistency/postgres"
	"github.com/jackc/pgx/v5/pgconn"
)

const (
	maxSQLIdentifierLength = 63
	uniqueViolationCode    = "23505"
)

var (
	ErrConnectionRequired  = errors.New("postgres connection is required")
	ErrStoreNotInitialized = errors.New("inbox store not initialized")
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

// Store persists inbox admissions in PostgreSQL.
type Store struct {
	connection         *libPostgres.PostgresConnection
	primaryDBLookup    func(context.Context) (*sql.DB, error)
	logger             log.Logger
	tableName          string
	transactionTimeout time.Duration
}

// NewStore creates a PostgreSQL inbox store.
func NewStore(connection *libPostgres.PostgresConnection, opts ...Option) (*Store, error) {
	if connection == nil {
		return nil, ErrConnectionRequired
	}

	store := &Store{
		connection:         connection,
		logger:             log.NewNop(),
		tableName:          "inbox_messages",
		transactionTimeout: defaultTransactionTimeout,
	}

	for _, opt := range opts {
		if opt != nil {
			opt(store)
		}
	}

	store.tableName = strings.TrimSpace(store.tableName)
	if store.tableName == "" {
		store.tableName = "inbox_messages"
	}

	if err := validateIdentifierPath(store.tableName); err != nil {
		return nil, fmt.Errorf("table name: %w", err)
	}

	return store, nil
}

// Insert records the (message_id, consumer_name) pair in a new
// transaction. Returns false when the pair already exists.
func (store *Store) Insert(ctx context.Context, messageID, consumerName string, processedAt time.Time) (bool, error) {
	return store.insert(ctx, nil, messageID, consumerName, processedAt)
}

// InsertWithTx records the pair inside the caller's transaction so the
// admission commits atomically with the side effect.
func (store *Store) InsertWithTx(ctx context.Context, tx inbox.Tx, messageID, consumerName string, processedAt time.Time) (bool, error) {
	return store.insert(ctx, tx, messageID, consumerName, processedAt)
}

func (store *Store) insert(ctx context.Context, tx *sql.Tx, messageID, consumerName string, processedAt time.Time) (bool, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	if !store.initialized() {
		return false, ErrStoreNotInitialized
	}

	if strings.TrimSpace(messageID) == "" {
		return false, inbox.ErrMessageIDRequired
	}

	if strings.TrimSpace(consumerName) == "" {
		return false, inbox.ErrConsumerNameRequired
	}

	logger, tracer, _ := consistency.NewTrackingFromContext(ctx)

	ctx, span := tracer.Start(ctx, "postgres.insert_inbox_message")
	defer span.End()

	inserted, err := withTxOrExisting(store, ctx, tx, func(execTx *sql.Tx) (bool, error) {
		table := quoteIdentifierPath(store.tableName)
		query := "INSERT INTO " + table +
			" (message_id, consumer_name, processed_at) VALUES ($1, $2, $3)"

		if _, execErr := execTx.ExecContext(ctx, query, messageID, consumerName, processedAt); execErr != nil {
			if isUniqueViolation(execErr) {
				return false, nil
			}

			return false, fmt.Errorf("executing insert: %w", execErr)
		}

		return true, nil
	})
	if err != nil {
		logger.Log(ctx, log.LevelError, "failed to insert inbox message", log.Err(err))

		return false, fmt.Errorf("inserting inbox message: %w", err)
	}

	return inserted, nil
}

// RecordOutcome stamps the terminal outcome on an existing pair.
func (store *Store) RecordOutcome(ctx context.Context, messageID, consumerName string, outcome inbox.Outcome) error {
	if ctx == nil {
		ctx = context.Background()
	}

	if !store.initialized() {
		return ErrStoreNotInitialized
	}

	if strings.TrimSpace(messageID) == "" {
		return inbox.ErrMessageIDRequired
	}

	if strings.TrimSpace(consumerName) == "" {
		return inbox.ErrConsumerNameRequired
	}

	if !outcome.IsValid() {
		return fmt.Errorf("%w: %q", inbox.ErrOutcomeInvalid, outcome)
	}

	logger, tracer, _ := consistency.NewTrackingFromContext(ctx)

	ctx, span := tracer.Start(ctx, "postgres.record_inbox_outcome")
	defer span.End()

	_, err := withTxOrExisting(store, ctx, nil, func(tx *sql.Tx) (struct{}, error) {
		table := quoteIdentifierPath(store.tableName)
		query := "UPDATE " + table +
			" SET outcome = $1 WHERE message_id = $2 AND consumer_name = $3"

		result, execErr := tx.ExecContext(ctx, query, string(outcome), messageID, consumerName)
		if execErr != nil {
			return struct{}{}, fmt.Errorf("executing update: %w", execErr)
		}

		return struct{}{}, ensureRowsAffected(result, inbox.ErrMessageNotFound)
	})
	if err != nil {
		if !errors.Is(err, inbox.ErrMessageNotFound) {
			logger.Log(ctx, log.LevelError, "failed to record inbox outcome", log.Err(err))
		}

		return fmt.Errorf("recording inbox outcome: %w", err)
	}

	return nil
}

// GetMessage loads one recorded admission.
func (store *Store) GetMessage(ctx context.Context, messageID, consumerName string) (*inbox.Message, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	if !store.initialized() {
		return nil, ErrStoreNotInitialized
	}

	if strings.TrimSpace(messageID) == "" {
		return nil, inbox.ErrMessageIDRequired
	}

	if strings.TrimSpace(consumerName) == "" {
		return nil, inbox.ErrConsumerNameRequired
	}

	logger, tracer, _ := consistency.NewTrackingFromContext(ctx)

	ctx, span := tracer.Start(ctx, "postgres.get_inbox_message")
	defer span.End()

	result, err := withTxOrExisting(store, ctx, nil, func(tx *sql.Tx) (*inbox.Message, error) {
		table := quoteIdentifierPath(store.tableName)
		query := "SELECT message_id, consumer_name, COALESCE(outcome, ''), processed_at FROM " + table +
			" WHERE message_id = $1 AND consumer_name = $2"

		var message inbox.Message

		err := tx.QueryRowContext(ctx, query, messageID, consumerName).Scan(
			&message.MessageID,
			&message.ConsumerName,
			&message.Outcome,
			&message.ProcessedAt,
		)
		if err != nil {
			return nil, err
		}

		return &message, nil
	})
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, inbox.ErrMessageNotFound
		}

		logger.Log(ctx, log.LevelError, "failed to get inbox message", log.Err(err))

		return nil, fmt.Errorf("getting inbox message: %w", err)
	}

	return result, nil
}

// PurgeOlderThan deletes admissions processed before the cutoff and
// returns how many were removed.
func (store *Store) PurgeOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	if !store.initialized() {
		return 0, ErrStoreNotInitialized
	}

	logger, tracer, _ := consistency.NewTrackingFromContext(ctx)

	ctx, span := tracer.Start(ctx, "postgres.purge_inbox_messages")
	defer span.End()

	removed, err := withTxOrExisting(store, ctx, nil, func(tx *sql.Tx) (int64, error) {
		table := quoteIdentifierPath(store.tableName)
		query := "DELETE FROM " + table + " WHERE processed_at < $1"

		result, execErr := tx.ExecContext(ctx, query, cutoff)
		if execErr != nil {
			return 0, fmt.Errorf("executing delete: %w", execErr)
		}

		rows, rowsErr := result.RowsAffected()
		if rowsErr != nil {
			return 0, fmt.Errorf("rows affected: %w", rowsErr)
		}

		return rows, nil
	})
	if err != nil {
		logger.Log(ctx, log.LevelError, "failed to purge inbox messages", log.Err(err))

		return 0, fmt.Errorf("purging inbox messages: %w", err)
	}

	return removed, nil
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

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == uniqueViolationCode
	}

	return false
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
