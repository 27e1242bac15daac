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
	"github.com/LerianStudio/lib-consistency/consistency/internal/nilcheck"
	"github.com/LerianStudio/lib-consistency/consistency/log"
	"github.com/LerianStudio/lib-consistency/consistency/outbox"
	libPostgres "github.com/LerianStudio/lib-consistency/consistency/postgres"
	"github.com/google/uuid"
)

const maxSQLIdentifierLength = 63

var (
	ErrConnectionRequired       = errors.New("postgres connection is required")
	ErrRepositoryNotInitialized = errors.New("outbox repository not initialized")
	ErrNoPrimaryDB              = errors.New("no primary database configured")
	ErrLimitMustBePositive      = errors.New("limit must be greater than zero")
	ErrIDRequired               = errors.New("id is required")
	ErrClaimedByRequired        = errors.New("claimed_by is required")
	ErrLeaseMustBePositive      = errors.New("lease must be greater than zero")
	ErrInvalidIdentifier        = errors.New("invalid sql identifier")

	identifierPattern         = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)
	defaultTransactionTimeout = 30 * time.Second

	outboxColumns = "id, seq, aggregate_id, event_type, payload, status, attempts, " +
		"next_attempt_at, claimed_by, lease_until, last_error, published_at, created_at, updated_at"
)

type Option func(*Repository)

func WithLogger(logger log.Logger) Option {
	return func(repo *Repository) {
		if nilcheck.Interface(logger) {
			return
		}

		repo.logger = logger
	}
}

func WithTableName(tableName string) Option {
	return func(repo *Repository) {
		repo.tableName = tableName
	}
}

func WithTransactionTimeout(timeout time.Duration) Option {
	return func(repo *Repository) {
		if timeout > 0 {
			repo.transactionTimeout = timeout
		}
	}
}

// Repository persists outbox records in PostgreSQL.
type Repository struct {
	connection         *libPostgres.PostgresConnection
	primaryDBLookup    func(context.Context) (*sql.DB, error)
	logger             log.Logger
	tableName          string
	transactionTimeout time.Duration
}

// NewRepository creates a PostgreSQL outbox repository.
func NewRepository(connection *libPostgres.PostgresConnection, opts ...Option) (*Repository, error) {
	if connection == nil {
		return nil, ErrConnectionRequired
	}

	repo := &Repository{
		connection:         connection,
		logger:             log.NewNop(),
		tableName:          "outbox_events",
		transactionTimeout: defaultTransactionTimeout,
	}

	for _, opt := range opts {
		if opt != nil {
			opt(repo)
		}
	}

	repo.tableName = strings.TrimSpace(repo.tableName)
	if repo.tableName == "" {
		repo.tableName = "outbox_events"
	}

	if err := validateIdentifierPath(repo.tableName); err != nil {
		return nil, fmt.Errorf("table name: %w", err)
	}

	return repo, nil
}

// Create stores a new outbox record using a new transaction.
func (repo *Repository) Create(ctx context.Context, record *outbox.Record) (*outbox.Record, error) {
	return repo.create(ctx, nil, record)
}

// CreateWithTx stores a new outbox record using an existing transaction.
func (repo *Repository) CreateWithTx(ctx context.Context, tx outbox.Tx, record *outbox.Record) (*outbox.Record, error) {
	return repo.create(ctx, tx, record)
}

func (repo *Repository) create(ctx context.Context, tx *sql.Tx, record *outbox.Record) (*outbox.Record, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	if !repo.initialized() {
		return nil, ErrRepositoryNotInitialized
	}

	if record == nil {
		return nil, outbox.ErrRecordRequired
	}

	if record.ID == uuid.Nil {
		return nil, ErrIDRequired
	}

	logger, tracer, _ := consistency.NewTrackingFromContext(ctx)

	ctx, span := tracer.Start(ctx, "postgres.create_outbox_record")
	defer span.End()

	result, err := withTxOrExisting(repo, ctx, tx, func(execTx *sql.Tx) (*outbox.Record, error) {
		now := time.Now().UTC()

		createdAt := record.CreatedAt
		if createdAt.IsZero() {
			createdAt = now
		}

		table := quoteIdentifierPath(repo.tableName)
		query := "INSERT INTO " + table +
			" (id, aggregate_id, event_type, payload, status, attempts, created_at, updated_at)" +
			" VALUES ($1, $2, $3, $4, $5::outbox_event_status, $6, $7, $8) RETURNING " + outboxColumns

		row := execTx.QueryRowContext(ctx, query,
			record.ID,
			record.AggregateID,
			strings.TrimSpace(record.EventType),
			record.Payload,
			outbox.StatusPending.String(),
			0,
			createdAt,
			createdAt,
		)

		return scanRecord(row)
	})
	if err != nil {
		logSanitizedError(logger, ctx, "failed to create outbox record", err)

		return nil, fmt.Errorf("creating outbox record: %w", err)
	}

	return result, nil
}

// ClaimBatch atomically claims eligible records for claimedBy. Eligible
// means pending, failed with a due retry, or processing with an expired
// lease. Any earlier undispatched record blocks the later records of its
// aggregate, so only the head record per aggregate is ever claimable.
// Two claimants therefore cannot split one aggregate even when one of
// them holds a row lock that SKIP LOCKED hides from the other.
func (repo *Repository) ClaimBatch(
	ctx context.Context,
	claimedBy string,
	limit int,
	now time.Time,
	lease time.Duration,
) ([]*outbox.Record, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	if !repo.initialized() {
		return nil, ErrRepositoryNotInitialized
	}

	if strings.TrimSpace(claimedBy) == "" {
		return nil, ErrClaimedByRequired
	}

	if limit <= 0 {
		return nil, ErrLimitMustBePositive
	}

	if lease <= 0 {
		return nil, ErrLeaseMustBePositive
	}

	logger, tracer, _ := consistency.NewTrackingFromContext(ctx)

	ctx, span := tracer.Start(ctx, "postgres.claim_outbox_batch")
	defer span.End()

	result, err := withTxOrExisting(repo, ctx, nil, func(tx *sql.Tx) ([]*outbox.Record, error) {
		table := quoteIdentifierPath(repo.tableName)

		query := "WITH eligible AS (" +
			" SELECT o.id FROM " + table + " o" +
			" WHERE (o.status = $5::outbox_event_status" +
			"   OR (o.status = $6::outbox_event_status AND o.next_attempt_at <= $2)" +
			"   OR (o.status = $7::outbox_event_status AND o.lease_until <= $2))" +
			" AND NOT EXISTS (" +
			"   SELECT 1 FROM " + table + " p" +
			"   WHERE p.aggregate_id = o.aggregate_id AND p.seq < o.seq" +
			"     AND p.status NOT IN ($8::outbox_event_status, $9::outbox_event_status))" +
			" ORDER BY o.aggregate_id, o.seq LIMIT $3 FOR UPDATE SKIP LOCKED" +
			"), claimed AS (" +
			" UPDATE " + table + " u" +
			" SET status = $7::outbox_event_status, claimed_by = $1, lease_until = $4, updated_at = $2" +
			" FROM eligible WHERE u.id = eligible.id" +
			" RETURNING " + prefixedColumns("u") +
			") SELECT " + outboxColumns + " FROM claimed ORDER BY aggregate_id, seq"

		args := []any{
			claimedBy,
			now,
			limit,
			now.Add(lease),
			outbox.StatusPending.String(),
			outbox.StatusFailed.String(),
			outbox.StatusProcessing.String(),
			outbox.StatusDispatched.String(),
			outbox.StatusDeadLetter.String(),
		}

		return queryRecords(ctx, tx, query, args, limit, "claiming outbox batch")
	})
	if err != nil {
		logSanitizedError(logger, ctx, "failed to claim outbox batch", err)

		return nil, fmt.Errorf("claiming outbox batch: %w", err)
	}

	return result, nil
}

// MarkDispatched CASes a claimed PROCESSING record to DISPATCHED.
func (repo *Repository) MarkDispatched(ctx context.Context, id uuid.UUID, claimedBy string, publishedAt time.Time) error {
	if err := outbox.ValidateTransition(outbox.StatusProcessing.String(), outbox.StatusDispatched.String()); err != nil {
		return fmt.Errorf("mark dispatched transition: %w", err)
	}

	table := quoteIdentifierPath(repo.safeTableName())
	query := "UPDATE " + table +
		" SET status = $1::outbox_event_status, published_at = $2, claimed_by = NULL, lease_until = NULL, updated_at = $3" +
		" WHERE id = $4 AND status = $5::outbox_event_status AND claimed_by = $6"

	args := []any{
		outbox.StatusDispatched.String(),
		publishedAt,
		time.Now().UTC(),
		id,
		outbox.StatusProcessing.String(),
		claimedBy,
	}

	return repo.execClaimedUpdate(ctx, "postgres.mark_outbox_dispatched", id, claimedBy, query, args)
}

// MarkFailed CASes a claimed PROCESSING record to FAILED, incrementing
// attempts and scheduling the next retry.
func (repo *Repository) MarkFailed(ctx context.Context, id uuid.UUID, claimedBy, errMsg string, nextAttemptAt time.Time) error {
	if err := outbox.ValidateTransition(outbox.StatusProcessing.String(), outbox.StatusFailed.String()); err != nil {
		return fmt.Errorf("mark failed transition: %w", err)
	}

	table := quoteIdentifierPath(repo.safeTableName())
	query := "UPDATE " + table +
		" SET status = $1::outbox_event_status, attempts = attempts + 1, last_error = $2, next_attempt_at = $3," +
		" claimed_by = NULL, lease_until = NULL, updated_at = $4" +
		" WHERE id = $5 AND status = $6::outbox_event_status AND claimed_by = $7"

	args := []any{
		outbox.StatusFailed.String(),
		errMsg,
		nextAttemptAt,
		time.Now().UTC(),
		id,
		outbox.StatusProcessing.String(),
		claimedBy,
	}

	return repo.execClaimedUpdate(ctx, "postgres.mark_outbox_failed", id, claimedBy, query, args)
}

// MarkDeadLetter CASes a claimed PROCESSING record to DEAD_LETTER.
func (repo *Repository) MarkDeadLetter(ctx context.Context, id uuid.UUID, claimedBy, errMsg string) error {
	if err := outbox.ValidateTransition(outbox.StatusProcessing.String(), outbox.StatusDeadLetter.String()); err != nil {
		return fmt.Errorf("mark dead letter transition: %w", err)
	}

	table := quoteIdentifierPath(repo.safeTableName())
	query := "UPDATE " + table +
		" SET status = $1::outbox_event_status, attempts = attempts + 1, last_error = $2," +
		" claimed_by = NULL, lease_until = NULL, updated_at = $3" +
		" WHERE id = $4 AND status = $5::outbox_event_status AND claimed_by = $6"

	args := []any{
		outbox.StatusDeadLetter.String(),
		errMsg,
		time.Now().UTC(),
		id,
		outbox.StatusProcessing.String(),
		claimedBy,
	}

	return repo.execClaimedUpdate(ctx, "postgres.mark_outbox_dead_letter", id, claimedBy, query, args)
}

// Release CASes a claimed PROCESSING record back to PENDING without
// counting an attempt.
func (repo *Repository) Release(ctx context.Context, id uuid.UUID, claimedBy string) error {
	table := quoteIdentifierPath(repo.safeTableName())
	query := "UPDATE " + table +
		" SET status = $1::outbox_event_status, claimed_by = NULL, lease_until = NULL, updated_at = $2" +
		" WHERE id = $3 AND status = $4::outbox_event_status AND claimed_by = $5"

	args := []any{
		outbox.StatusPending.String(),
		time.Now().UTC(),
		id,
		outbox.StatusProcessing.String(),
		claimedBy,
	}

	return repo.execClaimedUpdate(ctx, "postgres.release_outbox_record", id, claimedBy, query, args)
}

// ExtendLease CASes a claimed PROCESSING record's lease_until forward.
// The relay re-arms its lease this way before each publish so a long
// batch never outlives its claim.
func (repo *Repository) ExtendLease(ctx context.Context, id uuid.UUID, claimedBy string, leaseUntil time.Time) error {
	table := quoteIdentifierPath(repo.safeTableName())
	query := "UPDATE " + table +
		" SET lease_until = $1, updated_at = $2" +
		" WHERE id = $3 AND status = $4::outbox_event_status AND claimed_by = $5"

	args := []any{
		leaseUntil,
		time.Now().UTC(),
		id,
		outbox.StatusProcessing.String(),
		claimedBy,
	}

	return repo.execClaimedUpdate(ctx, "postgres.extend_outbox_lease", id, claimedBy, query, args)
}

// GetByID retrieves one outbox record.
func (repo *Repository) GetByID(ctx context.Context, id uuid.UUID) (*outbox.Record, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	if !repo.initialized() {
		return nil, ErrRepositoryNotInitialized
	}

	if id == uuid.Nil {
		return nil, ErrIDRequired
	}

	logger, tracer, _ := consistency.NewTrackingFromContext(ctx)

	ctx, span := tracer.Start(ctx, "postgres.get_outbox_by_id")
	defer span.End()

	result, err := withTxOrExisting(repo, ctx, nil, func(tx *sql.Tx) (*outbox.Record, error) {
		table := quoteIdentifierPath(repo.tableName)
		query := "SELECT " + outboxColumns + " FROM " + table + " WHERE id = $1"

		return scanRecord(tx.QueryRowContext(ctx, query, id))
	})
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, outbox.ErrRecordNotFound
		}

		logSanitizedError(logger, ctx, "failed to get outbox record", err)

		return nil, fmt.Errorf("getting outbox record: %w", err)
	}

	return result, nil
}

// ListDeadLetters returns parked records for operator inspection.
func (repo *Repository) ListDeadLetters(ctx context.Context, limit int) ([]*outbox.Record, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	if !repo.initialized() {
		return nil, ErrRepositoryNotInitialized
	}

	if limit <= 0 {
		return nil, ErrLimitMustBePositive
	}

	logger, tracer, _ := consistency.NewTrackingFromContext(ctx)

	ctx, span := tracer.Start(ctx, "postgres.list_outbox_dead_letters")
	defer span.End()

	result, err := withTxOrExisting(repo, ctx, nil, func(tx *sql.Tx) ([]*outbox.Record, error) {
		table := quoteIdentifierPath(repo.tableName)
		query := "SELECT " + outboxColumns + " FROM " + table +
			" WHERE status = $1::outbox_event_status ORDER BY updated_at ASC LIMIT $2"

		args := []any{outbox.StatusDeadLetter.String(), limit}

		return queryRecords(ctx, tx, query, args, limit, "querying dead letters")
	})
	if err != nil {
		logSanitizedError(logger, ctx, "failed to list outbox dead letters", err)

		return nil, fmt.Errorf("listing dead letters: %w", err)
	}

	return result, nil
}

// RequeueDeadLetter moves a DEAD_LETTER record back to PENDING with its
// attempt budget reset.
func (repo *Repository) RequeueDeadLetter(ctx context.Context, id uuid.UUID) error {
	if ctx == nil {
		ctx = context.Background()
	}

	if !repo.initialized() {
		return ErrRepositoryNotInitialized
	}

	if id == uuid.Nil {
		return ErrIDRequired
	}

	if err := outbox.ValidateTransition(outbox.StatusDeadLetter.String(), outbox.StatusPending.String()); err != nil {
		return fmt.Errorf("requeue transition: %w", err)
	}

	logger, tracer, _ := consistency.NewTrackingFromContext(ctx)

	ctx, span := tracer.Start(ctx, "postgres.requeue_outbox_dead_letter")
	defer span.End()

	_, err := withTxOrExisting(repo, ctx, nil, func(tx *sql.Tx) (struct{}, error) {
		table := quoteIdentifierPath(repo.tableName)
		query := "UPDATE " + table +
			" SET status = $1::outbox_event_status, attempts = 0, next_attempt_at = NULL, last_error = NULL, updated_at = $2" +
			" WHERE id = $3 AND status = $4::outbox_event_status"

		result, execErr := tx.ExecContext(ctx, query,
			outbox.StatusPending.String(),
			time.Now().UTC(),
			id,
			outbox.StatusDeadLetter.String(),
		)
		if execErr != nil {
			return struct{}{}, fmt.Errorf("executing update: %w", execErr)
		}

		return struct{}{}, ensureRowsAffected(result, outbox.ErrRecordNotFound)
	})
	if err != nil {
		if !errors.Is(err, outbox.ErrRecordNotFound) {
			logSanitizedError(logger, ctx, "failed to requeue dead letter", err)
		}

		return fmt.Errorf("requeueing dead letter: %w", err)
	}

	return nil
}

func (repo *Repository) execClaimedUpdate(
	ctx context.Context,
	spanName string,
	id uuid.UUID,
	claimedBy string,
	query string,
	args []any,
) error {
	if ctx == nil {
		ctx = context.Background()
	}

	if !repo.initialized() {
		return ErrRepositoryNotInitialized
	}

	if id == uuid.Nil {
		return ErrIDRequired
	}

	if strings.TrimSpace(claimedBy) == "" {
		return ErrClaimedByRequired
	}

	logger, tracer, _ := consistency.NewTrackingFromContext(ctx)

	ctx, span := tracer.Start(ctx, spanName)
	defer span.End()

	_, err := withTxOrExisting(repo, ctx, nil, func(tx *sql.Tx) (struct{}, error) {
		result, execErr := tx.ExecContext(ctx, query, args...)
		if execErr != nil {
			return struct{}{}, fmt.Errorf("executing update: %w", execErr)
		}

		return struct{}{}, ensureRowsAffected(result, outbox.ErrRecordNotClaimed)
	})
	if err != nil {
		if !errors.Is(err, outbox.ErrRecordNotClaimed) {
			logSanitizedError(logger, ctx, "failed to update outbox record state", err)
		}

		return fmt.Errorf("updating outbox record state: %w", err)
	}

	return nil
}

func withTxOrExisting[T any](
	repo *Repository,
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

	primaryDB, err := repo.primaryDB(ctx)
	if err != nil {
		return zero, err
	}

	txCtx := ctx

	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc

		txCtx, cancel = context.WithTimeout(ctx, repo.transactionTimeout)
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

func (repo *Repository) initialized() bool {
	return repo != nil && repo.connection != nil
}

func (repo *Repository) safeTableName() string {
	if repo == nil {
		return "outbox_events"
	}

	return repo.tableName
}

func (repo *Repository) primaryDB(ctx context.Context) (*sql.DB, error) {
	if repo == nil {
		return nil, ErrConnectionRequired
	}

	if repo.primaryDBLookup != nil {
		return repo.primaryDBLookup(ctx)
	}

	resolved, err := repo.connection.GetDB(ctx)
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

func scanRecord(scanner interface{ Scan(dest ...any) error }) (*outbox.Record, error) {
	var (
		record        outbox.Record
		nextAttemptAt sql.NullTime
		claimedBy     sql.NullString
		leaseUntil    sql.NullTime
		lastError     sql.NullString
		publishedAt   sql.NullTime
	)

	if err := scanner.Scan(
		&record.ID,
		&record.Seq,
		&record.AggregateID,
		&record.EventType,
		&record.Payload,
		&record.Status,
		&record.Attempts,
		&nextAttemptAt,
		&claimedBy,
		&leaseUntil,
		&lastError,
		&publishedAt,
		&record.CreatedAt,
		&record.UpdatedAt,
	); err != nil {
		return nil, fmt.Errorf("scanning outbox record: %w", err)
	}

	if nextAttemptAt.Valid {
		record.NextAttemptAt = &nextAttemptAt.Time
	}

	if claimedBy.Valid {
		record.ClaimedBy = claimedBy.String
	}

	if leaseUntil.Valid {
		record.LeaseUntil = &leaseUntil.Time
	}

	if lastError.Valid {
		record.LastError = lastError.String
	}

	if publishedAt.Valid {
		record.PublishedAt = &publishedAt.Time
	}

	return &record, nil
}

func queryRecords(
	ctx context.Context,
	tx *sql.Tx,
	query string,
	args []any,
	limit int,
	errorPrefix string,
) ([]*outbox.Record, error) {
	rows, err := tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", errorPrefix, err)
	}

	defer rows.Close()

	records := make([]*outbox.Record, 0, limit)

	for rows.Next() {
		record, scanErr := scanRecord(rows)
		if scanErr != nil {
			return nil, scanErr
		}

		records = append(records, record)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating rows: %w", err)
	}

	return records, nil
}

func prefixedColumns(alias string) string {
	parts := strings.Split(outboxColumns, ", ")
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

func logSanitizedError(logger log.Logger, ctx context.Context, message string, err error) {
	if nilcheck.Interface(logger) || err == nil {
		return
	}

	logger.Log(ctx, log.LevelError, message, log.String("error", outbox.SanitizeErrorForStorage(err)))
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
