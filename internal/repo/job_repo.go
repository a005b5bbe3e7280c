package repo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/shaiso/Tokenflow/internal/domain"
	"github.com/shaiso/Tokenflow/internal/jobs"
)

const jobColumns = `
	id, type, execution_id, process_instance_id, activity_ref, due_date,
	retries, max_retries, exclusive, suspended, repeat, payload,
	lock_owner, lock_expires_at, exception_message, exception_detail,
	version, created_at, updated_at`

// acquirable — предикат захвата: retries > 0, не suspended, due, без действующего lease.
const acquirable = `
	retries > 0 AND NOT suspended AND due_date <= $%[1]d
	AND (lock_expires_at IS NULL OR lock_expires_at < $%[1]d)`

// JobRepo — таблица jobs в PostgreSQL. Реализует jobs.Store.
//
// Координация воркеров:
//   - Claim — UPDATE с проверкой version (CAS) и предиката захвата
//   - для exclusive jobs Claim берёт pg_advisory_xact_lock по process instance,
//     чтобы проверка NOT EXISTS и захват были сериализованы
type JobRepo struct {
	pool *pgxpool.Pool
}

// NewJobRepo создаёт новый JobRepo.
func NewJobRepo(pool *pgxpool.Pool) *JobRepo {
	return &JobRepo{pool: pool}
}

var _ jobs.Store = (*JobRepo)(nil)

// execer — общий интерфейс pgxpool.Pool и pgx.Tx.
type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Insert сохраняет новый job.
func (r *JobRepo) Insert(ctx context.Context, job *domain.Job) error {
	return insertJob(ctx, r.pool, job)
}

func insertJob(ctx context.Context, db execer, job *domain.Job) error {
	payloadJSON, err := json.Marshal(job.Payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	query := `
		INSERT INTO jobs (` + jobColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)
	`
	_, err = db.Exec(ctx, query,
		job.ID,
		job.Type,
		job.ExecutionID,
		job.ProcessInstanceID,
		nullString(job.ActivityRef),
		job.DueDate,
		job.Retries,
		job.MaxRetries,
		job.Exclusive,
		job.Suspended,
		nullString(job.Repeat),
		payloadJSON,
		nullString(job.LockOwner),
		job.LockExpiresAt,
		nullString(job.ExceptionMessage),
		nullString(job.ExceptionDetail),
		job.Version,
		job.CreatedAt,
		job.UpdatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return fmt.Errorf("%w: job %s", ErrAlreadyExists, job.ID)
		}
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

// Get возвращает job по ID.
func (r *JobRepo) Get(ctx context.Context, id uuid.UUID) (*domain.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE id = $1`
	return scanJob(r.pool.QueryRow(ctx, query, id))
}

// ListAcquirable возвращает кандидатов на захват.
// processInstances != nil ограничивает выборку этими process instances.
func (r *JobRepo) ListAcquirable(ctx context.Context, now time.Time, limit int, processInstances []uuid.UUID) ([]*domain.Job, error) {
	where := fmt.Sprintf(acquirable, 1)
	args := []any{now, limit}
	if processInstances != nil {
		where += ` AND process_instance_id = ANY($3)`
		args = append(args, processInstances)
	}

	query := `
		SELECT ` + jobColumns + `
		FROM jobs
		WHERE ` + where + `
		ORDER BY due_date ASC, created_at ASC, id ASC
		LIMIT $2
	`
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list acquirable jobs: %w", err)
	}
	return collectJobs(rows)
}

// Claim выполняет CAS захвата.
func (r *JobRepo) Claim(ctx context.Context, job *domain.Job, owner string, now, until time.Time) (*domain.Job, bool, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if job.Exclusive {
		_, err := tx.Exec(ctx,
			`SELECT pg_advisory_xact_lock(hashtextextended($1::text, 0))`,
			job.ProcessInstanceID,
		)
		if err != nil {
			return nil, false, fmt.Errorf("lock process instance: %w", err)
		}
	}

	query := `
		UPDATE jobs
		SET lock_owner = $2, lock_expires_at = $3, updated_at = $4, version = version + 1
		WHERE id = $1 AND version = $5 AND ` + fmt.Sprintf(acquirable, 4) + `
		  AND (NOT exclusive OR NOT EXISTS (
		        SELECT 1 FROM jobs o
		        WHERE o.process_instance_id = jobs.process_instance_id
		          AND o.id <> jobs.id
		          AND o.exclusive
		          AND o.lock_expires_at IS NOT NULL
		          AND o.lock_expires_at >= $4))
		RETURNING ` + jobColumns

	claimed, err := scanJob(tx.QueryRow(ctx, query, job.ID, owner, until, now, job.Version))
	if errors.Is(err, jobs.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, false, fmt.Errorf("commit claim: %w", err)
	}
	return claimed, true, nil
}

// Renew продлевает ещё действующий lease владельца.
func (r *JobRepo) Renew(ctx context.Context, id uuid.UUID, owner string, now, until time.Time) (*domain.Job, error) {
	query := `
		UPDATE jobs
		SET lock_expires_at = $3, version = version + 1
		WHERE id = $1 AND lock_owner = $2 AND lock_expires_at >= $4
		RETURNING ` + jobColumns

	job, err := scanJob(r.pool.QueryRow(ctx, query, id, owner, until, now))
	if errors.Is(err, jobs.ErrNotFound) {
		return nil, r.leaseError(ctx, id)
	}
	return job, err
}

// Release снимает lease владельца.
func (r *JobRepo) Release(ctx context.Context, id uuid.UUID, owner string) error {
	result, err := r.pool.Exec(ctx, `
		UPDATE jobs
		SET lock_owner = NULL, lock_expires_at = NULL, version = version + 1
		WHERE id = $1 AND lock_owner = $2 AND lock_expires_at IS NOT NULL
	`, id, owner)
	if err != nil {
		return fmt.Errorf("release job: %w", err)
	}
	if result.RowsAffected() == 0 {
		return r.leaseError(ctx, id)
	}
	return nil
}

// Fail записывает результат неудачной попытки и снимает lease.
func (r *JobRepo) Fail(ctx context.Context, job *domain.Job, owner string) error {
	result, err := r.pool.Exec(ctx, `
		UPDATE jobs
		SET retries = $3, due_date = $4, exception_message = $5, exception_detail = $6,
		    updated_at = $7, lock_owner = NULL, lock_expires_at = NULL, version = version + 1
		WHERE id = $1 AND lock_owner = $2 AND lock_expires_at IS NOT NULL
	`,
		job.ID,
		owner,
		job.Retries,
		job.DueDate,
		nullString(job.ExceptionMessage),
		nullString(job.ExceptionDetail),
		job.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("fail job: %w", err)
	}
	if result.RowsAffected() == 0 {
		return r.leaseError(ctx, job.ID)
	}
	return nil
}

// Complete удаляет job владельца и, если задан, вставляет следующий.
func (r *JobRepo) Complete(ctx context.Context, id uuid.UUID, owner string, next *domain.Job) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	result, err := tx.Exec(ctx, `
		DELETE FROM jobs
		WHERE id = $1 AND lock_owner = $2 AND lock_expires_at IS NOT NULL
	`, id, owner)
	if err != nil {
		return fmt.Errorf("delete job: %w", err)
	}
	if result.RowsAffected() == 0 {
		return r.leaseError(ctx, id)
	}

	if next != nil {
		if err := insertJob(ctx, tx, next); err != nil {
			return err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit complete: %w", err)
	}
	return nil
}

// Delete удаляет job независимо от lease.
func (r *JobRepo) Delete(ctx context.Context, id uuid.UUID) error {
	result, err := r.pool.Exec(ctx, `DELETE FROM jobs WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete job: %w", err)
	}
	if result.RowsAffected() == 0 {
		return jobs.ErrNotFound
	}
	return nil
}

// Query возвращает jobs по фильтру.
func (r *JobRepo) Query(ctx context.Context, q jobs.Query) ([]*domain.Job, error) {
	where, args := jobFilter(q)
	query := `SELECT ` + jobColumns + ` FROM jobs` + where + ` ORDER BY created_at ASC, id ASC`
	if q.Limit > 0 {
		args = append(args, q.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query jobs: %w", err)
	}
	return collectJobs(rows)
}

// Count возвращает количество jobs по фильтру.
func (r *JobRepo) Count(ctx context.Context, q jobs.Query) (int, error) {
	where, args := jobFilter(q)

	var count int
	if err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM jobs`+where, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("count jobs: %w", err)
	}
	return count, nil
}

// SetRetries устанавливает retries.
func (r *JobRepo) SetRetries(ctx context.Context, id uuid.UUID, retries int) (*domain.Job, error) {
	query := `
		UPDATE jobs
		SET retries = $2, version = version + 1
		WHERE id = $1
		RETURNING ` + jobColumns
	return scanJob(r.pool.QueryRow(ctx, query, id, retries))
}

// SetSuspended меняет флаг suspended.
func (r *JobRepo) SetSuspended(ctx context.Context, id uuid.UUID, suspended bool) error {
	var exists bool
	err := r.pool.QueryRow(ctx, `
		WITH upd AS (
			UPDATE jobs SET suspended = $2, version = version + 1
			WHERE id = $1 AND suspended <> $2
		)
		SELECT EXISTS (SELECT 1 FROM jobs WHERE id = $1)
	`, id, suspended).Scan(&exists)
	if err != nil {
		return fmt.Errorf("set suspended: %w", err)
	}
	if !exists {
		return jobs.ErrNotFound
	}
	return nil
}

// SetSuspendedByProcessInstance меняет флаг suspended для process instance.
func (r *JobRepo) SetSuspendedByProcessInstance(ctx context.Context, processInstanceID uuid.UUID, suspended bool) (int, error) {
	result, err := r.pool.Exec(ctx, `
		UPDATE jobs SET suspended = $2, version = version + 1
		WHERE process_instance_id = $1 AND suspended <> $2
	`, processInstanceID, suspended)
	if err != nil {
		return 0, fmt.Errorf("set suspended by process instance: %w", err)
	}
	return int(result.RowsAffected()), nil
}

// leaseError различает удалённый job и чужой lease.
func (r *JobRepo) leaseError(ctx context.Context, id uuid.UUID) error {
	var exists bool
	if err := r.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM jobs WHERE id = $1)`, id).Scan(&exists); err != nil {
		return fmt.Errorf("check job: %w", err)
	}
	if !exists {
		return jobs.ErrNotFound
	}
	return jobs.ErrLeaseLost
}

// jobFilter строит WHERE по jobs.Query.
func jobFilter(q jobs.Query) (string, []any) {
	var (
		conds []string
		args  []any
	)
	add := func(cond string, arg any) {
		args = append(args, arg)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}

	if q.ProcessInstanceID != uuid.Nil {
		add("process_instance_id = $%d", q.ProcessInstanceID)
	}
	if q.ExecutionID != uuid.Nil {
		add("execution_id = $%d", q.ExecutionID)
	}
	if q.Type != "" {
		add("type = $%d", q.Type)
	}
	if q.Suspended != nil {
		add("suspended = $%d", *q.Suspended)
	}
	if q.WithException {
		conds = append(conds, "exception_message IS NOT NULL")
	}
	if q.WithRetriesLeft {
		conds = append(conds, "retries > 0")
	}
	if q.Exhausted {
		conds = append(conds, "retries = 0")
	}

	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

// --- Helpers ---

func collectJobs(rows pgx.Rows) ([]*domain.Job, error) {
	defer rows.Close()

	var out []*domain.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, job)
	}
	return out, rows.Err()
}

func scanJob(row pgx.Row) (*domain.Job, error) {
	var job domain.Job
	var payloadJSON []byte
	var activityRef, repeat, lockOwner, excMessage, excDetail *string

	err := row.Scan(
		&job.ID,
		&job.Type,
		&job.ExecutionID,
		&job.ProcessInstanceID,
		&activityRef,
		&job.DueDate,
		&job.Retries,
		&job.MaxRetries,
		&job.Exclusive,
		&job.Suspended,
		&repeat,
		&payloadJSON,
		&lockOwner,
		&job.LockExpiresAt,
		&excMessage,
		&excDetail,
		&job.Version,
		&job.CreatedAt,
		&job.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, jobs.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan job: %w", err)
	}

	if payloadJSON != nil {
		if err := json.Unmarshal(payloadJSON, &job.Payload); err != nil {
			return nil, fmt.Errorf("unmarshal payload: %w", err)
		}
	}
	job.ActivityRef = deref(activityRef)
	job.Repeat = deref(repeat)
	job.LockOwner = deref(lockOwner)
	job.ExceptionMessage = deref(excMessage)
	job.ExceptionDetail = deref(excDetail)

	job.DueDate = job.DueDate.UTC()
	if job.LockExpiresAt != nil {
		t := job.LockExpiresAt.UTC()
		job.LockExpiresAt = &t
	}

	return &job, nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
