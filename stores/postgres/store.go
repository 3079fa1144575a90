// Package postgres stores jobs and locks in PostgreSQL. Every mutation is
// one statement whose WHERE clause carries the precondition.
package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/BranchIntl/jobqueue/errors"
	"github.com/BranchIntl/jobqueue/job"
	_ "github.com/lib/pq"
)

const jobColumns = `id, queue_name, payload, status, priority, attempts, max_attempts,
	locked_by, locked_at, lock_expires_at, last_error, created_at, updated_at, seq`

// Store implements core.Store on PostgreSQL
type Store struct {
	db      *sql.DB
	options Options
	ownsDB  bool
}

// NewStore creates a store that opens its own connection pool on Connect
func NewStore(options Options) *Store {
	return &Store{options: options, ownsDB: true}
}

// NewStoreFromDB wraps an existing pool. Close leaves db open.
func NewStoreFromDB(db *sql.DB) *Store {
	return &Store{db: db, options: DefaultOptions()}
}

// Connect opens the pool, checks it and optionally migrates the schema
func (s *Store) Connect(ctx context.Context) error {
	if s.db == nil {
		db, err := sql.Open("postgres", s.options.DSN)
		if err != nil {
			return errors.NewConnectionError(redactDSN(s.options.DSN), err)
		}
		db.SetMaxOpenConns(s.options.MaxOpenConns)
		db.SetMaxIdleConns(s.options.MaxIdleConns)
		db.SetConnMaxLifetime(s.options.ConnMaxLifetime)
		s.db = db
	}

	if err := s.db.PingContext(ctx); err != nil {
		return errors.NewConnectionError(redactDSN(s.options.DSN),
			fmt.Errorf("ping failed: %w", err))
	}

	if s.options.AutoMigrate {
		if err := Migrate(ctx, s.db); err != nil {
			return err
		}
	}

	return nil
}

// Close closes the pool if the store opened it
func (s *Store) Close() error {
	if s.db == nil || !s.ownsDB {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

// Health checks the database connection
func (s *Store) Health() error {
	if s.db == nil {
		return errors.ErrNotConnected
	}
	if err := s.db.Ping(); err != nil {
		return errors.NewConnectionError(redactDSN(s.options.DSN),
			fmt.Errorf("health check failed: %w", err))
	}
	return nil
}

// Type returns the store type
func (s *Store) Type() string {
	return "postgres"
}

// DB exposes the pool, for migrations
func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) check(op, queue string) error {
	if s.db == nil {
		return errors.NewStoreError(op, queue, errors.ErrNotConnected)
	}
	return nil
}

// Insert stores a new queued job and assigns its sequence number
func (s *Store) Insert(ctx context.Context, j *job.Job) error {
	if err := s.check("insert", j.Queue); err != nil {
		return err
	}

	payload := j.Payload
	if payload == nil {
		payload = []byte{}
	}

	query := `
		INSERT INTO jobqueue_jobs (
			id, queue_name, payload, status, priority, attempts, max_attempts, created_at, updated_at
		)
		VALUES ($1, $2, $3, 'queued', $4, 0, $5, $6, $7)
		ON CONFLICT (id) DO NOTHING
		RETURNING seq
	`

	var seq int64
	err := s.db.QueryRowContext(ctx, query,
		j.ID, j.Queue, payload, j.Priority, j.MaxAttempts, j.CreatedAt.UTC(), j.UpdatedAt.UTC(),
	).Scan(&seq)
	if err == sql.ErrNoRows {
		return errors.NewStoreError("insert", j.Queue, fmt.Errorf("job %s: %w", j.ID, errors.ErrDuplicateID))
	}
	if err != nil {
		return errors.NewStoreError("insert", j.Queue, err)
	}

	j.Seq = seq
	j.Status = job.StatusQueued
	j.Attempts = 0
	return nil
}

// Get returns the stored job
func (s *Store) Get(ctx context.Context, id string) (*job.Job, error) {
	if err := s.check("get", ""); err != nil {
		return nil, err
	}

	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobqueue_jobs WHERE id = $1`, id)
	j, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("job %s: %w", id, errors.ErrJobNotFound)
	}
	if err != nil {
		return nil, errors.NewStoreError("get", "", err)
	}
	return j, nil
}

// FindClaimable returns ids of claimable jobs, highest priority first
func (s *Store) FindClaimable(ctx context.Context, queue string, now time.Time, limit int) ([]string, error) {
	query := `
		SELECT id FROM jobqueue_jobs
		WHERE queue_name = $1
		  AND (status = 'queued' OR (status = 'locked' AND lock_expires_at < $2))
		ORDER BY priority DESC, seq ASC
		LIMIT $3
	`
	return s.findIDs(ctx, "find_claimable", queue, query, queue, now.UTC(), limitOrAll(limit))
}

// FindStale returns ids of locked jobs whose lease expired before now
func (s *Store) FindStale(ctx context.Context, queue string, now time.Time, limit int) ([]string, error) {
	query := `
		SELECT id FROM jobqueue_jobs
		WHERE queue_name = $1
		  AND status = 'locked' AND lock_expires_at < $2
		ORDER BY priority DESC, seq ASC
		LIMIT $3
	`
	return s.findIDs(ctx, "find_stale", queue, query, queue, now.UTC(), limitOrAll(limit))
}

func (s *Store) findIDs(ctx context.Context, op, queue, query string, args ...interface{}) ([]string, error) {
	if err := s.check(op, queue); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.NewStoreError(op, queue, err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, errors.NewStoreError(op, queue, err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.NewStoreError(op, queue, err)
	}
	return ids, nil
}

// ConditionalUpdate applies patch iff the job matches pred
func (s *Store) ConditionalUpdate(ctx context.Context, id string, pred job.Predicate, patch job.Patch) (*job.Job, bool, error) {
	return s.update(ctx, "conditional_update", id, pred, patch)
}

// Update applies patch unconditionally
func (s *Store) Update(ctx context.Context, id string, patch job.Patch) (*job.Job, error) {
	j, _, err := s.update(ctx, "update", id, job.Predicate{}, patch)
	return j, err
}

func (s *Store) update(ctx context.Context, op, id string, pred job.Predicate, patch job.Patch) (*job.Job, bool, error) {
	if err := s.check(op, ""); err != nil {
		return nil, false, err
	}

	query, args := buildUpdate(id, pred, patch)
	j, err := scanJob(s.db.QueryRowContext(ctx, query, args...))
	if err == nil {
		return j, true, nil
	}
	if err != sql.ErrNoRows {
		return nil, false, errors.NewStoreError(op, "", err)
	}

	// jobs are never deleted, so a miss here is stable
	var exists bool
	if err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM jobqueue_jobs WHERE id = $1)`, id).Scan(&exists); err != nil {
		return nil, false, errors.NewStoreError(op, "", err)
	}
	if !exists {
		return nil, false, fmt.Errorf("job %s: %w", id, errors.ErrJobNotFound)
	}
	return nil, false, nil
}

// Queues returns every queue that has seen a job
func (s *Store) Queues(ctx context.Context) ([]string, error) {
	return s.findIDs(ctx, "queues", "",
		`SELECT DISTINCT queue_name FROM jobqueue_jobs ORDER BY queue_name`)
}

// Stats counts jobs in queue by status
func (s *Store) Stats(ctx context.Context, queue string) (job.Stats, error) {
	stats := job.Stats{Queue: queue}
	if err := s.check("stats", queue); err != nil {
		return stats, err
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM jobqueue_jobs WHERE queue_name = $1 GROUP BY status`, queue)
	if err != nil {
		return stats, errors.NewStoreError("stats", queue, err)
	}
	defer rows.Close()

	for rows.Next() {
		var status string
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return stats, errors.NewStoreError("stats", queue, err)
		}
		stats.Add(job.Status(status), n)
	}
	if err := rows.Err(); err != nil {
		return stats, errors.NewStoreError("stats", queue, err)
	}
	return stats, nil
}

// AcquireLock takes name for owner if it is free at now
func (s *Store) AcquireLock(ctx context.Context, name, owner string, now time.Time, ttl time.Duration) (bool, error) {
	query := `
		INSERT INTO jobqueue_locks (name, owner, acquired_at, expires_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (name) DO UPDATE
		SET owner = EXCLUDED.owner, acquired_at = EXCLUDED.acquired_at, expires_at = EXCLUDED.expires_at
		WHERE jobqueue_locks.expires_at <= EXCLUDED.acquired_at
	`
	return s.execLock(ctx, "acquire_lock", query, name, owner, now.UTC(), now.Add(ttl).UTC())
}

// RenewLock extends a live lease held by owner
func (s *Store) RenewLock(ctx context.Context, name, owner string, now time.Time, ttl time.Duration) (bool, error) {
	query := `
		UPDATE jobqueue_locks SET expires_at = $3
		WHERE name = $1 AND owner = $2 AND expires_at > $4
	`
	return s.execLock(ctx, "renew_lock", query, name, owner, now.Add(ttl).UTC(), now.UTC())
}

// ReleaseLock removes the lease if owner holds it
func (s *Store) ReleaseLock(ctx context.Context, name, owner string) (bool, error) {
	return s.execLock(ctx, "release_lock",
		`DELETE FROM jobqueue_locks WHERE name = $1 AND owner = $2`, name, owner)
}

func (s *Store) execLock(ctx context.Context, op, query string, args ...interface{}) (bool, error) {
	if err := s.check(op, ""); err != nil {
		return false, err
	}

	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, errors.NewStoreError(op, "", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, errors.NewStoreError(op, "", err)
	}
	return rowsAffected == 1, nil
}

type argList []interface{}

func (a *argList) add(v interface{}) string {
	*a = append(*a, v)
	return fmt.Sprintf("$%d", len(*a))
}

// buildUpdate renders patch and pred as one UPDATE ... RETURNING.
// $1 is always the job id.
func buildUpdate(id string, pred job.Predicate, patch job.Patch) (string, []interface{}) {
	args := argList{}
	idArg := args.add(id)

	var sets []string
	if patch.Status != "" {
		sets = append(sets, "status = "+args.add(string(patch.Status)))
	}
	switch {
	case patch.Lease != nil:
		sets = append(sets,
			"locked_by = "+args.add(patch.Lease.Owner),
			"locked_at = "+args.add(patch.Lease.AcquiredAt.UTC()),
			"lock_expires_at = "+args.add(patch.Lease.ExpiresAt.UTC()),
		)
	case patch.ClearLease:
		sets = append(sets, "locked_by = NULL", "locked_at = NULL", "lock_expires_at = NULL")
	}
	switch {
	case patch.IncrementAttempts:
		sets = append(sets, "attempts = attempts + 1")
	case patch.RefundAttempt:
		sets = append(sets, "attempts = GREATEST(attempts - 1, 0)")
	}
	if patch.LastError != nil {
		sets = append(sets, "last_error = "+args.add(job.TruncateError(*patch.LastError)))
	}
	if !patch.UpdatedAt.IsZero() {
		sets = append(sets, "updated_at = "+args.add(patch.UpdatedAt.UTC()))
	}
	if len(sets) == 0 {
		sets = append(sets, "updated_at = updated_at")
	}

	where := []string{"id = " + idArg}
	if len(pred.Statuses) > 0 {
		placeholders := make([]string, len(pred.Statuses))
		for i, st := range pred.Statuses {
			placeholders[i] = args.add(string(st))
		}
		where = append(where, "status IN ("+strings.Join(placeholders, ", ")+")")
	}
	if pred.LockedBy != "" {
		where = append(where, "locked_by = "+args.add(pred.LockedBy))
	}
	if !pred.StaleBefore.IsZero() {
		where = append(where, "(status <> 'locked' OR lock_expires_at < "+args.add(pred.StaleBefore.UTC())+")")
	}

	query := "UPDATE jobqueue_jobs SET " + strings.Join(sets, ", ") +
		" WHERE " + strings.Join(where, " AND ") +
		" RETURNING " + jobColumns
	return query, args
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanJob(row rowScanner) (*job.Job, error) {
	var (
		j                       job.Job
		status                  string
		lockedBy, lastError     sql.NullString
		lockedAt, lockExpiresAt sql.NullTime
	)

	err := row.Scan(
		&j.ID, &j.Queue, &j.Payload, &status, &j.Priority, &j.Attempts, &j.MaxAttempts,
		&lockedBy, &lockedAt, &lockExpiresAt, &lastError, &j.CreatedAt, &j.UpdatedAt, &j.Seq,
	)
	if err != nil {
		return nil, err
	}

	j.Status = job.Status(status)
	j.LockedBy = lockedBy.String
	j.LastError = lastError.String
	if lockedAt.Valid {
		j.LockedAt = lockedAt.Time.UTC()
	}
	if lockExpiresAt.Valid {
		j.LockExpiresAt = lockExpiresAt.Time.UTC()
	}
	j.CreatedAt = j.CreatedAt.UTC()
	j.UpdatedAt = j.UpdatedAt.UTC()
	return &j, nil
}

func limitOrAll(limit int) interface{} {
	if limit <= 0 {
		return nil
	}
	return limit
}

// redactDSN hides the password of a URL-style DSN
func redactDSN(dsn string) string {
	at := strings.Index(dsn, "@")
	scheme := strings.Index(dsn, "://")
	if at < 0 || scheme < 0 || at < scheme {
		return dsn
	}
	userinfo := dsn[scheme+3 : at]
	if colon := strings.Index(userinfo, ":"); colon >= 0 {
		return dsn[:scheme+3] + userinfo[:colon] + ":xxxxx" + dsn[at:]
	}
	return dsn
}
