package repo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/shaiso/Tokenflow/internal/domain"
	"github.com/shaiso/Tokenflow/internal/jobs"
)

// IncidentRepo — таблица incidents.
// Реализует jobs.IncidentSink и jobs.IncidentResolver.
type IncidentRepo struct {
	pool *pgxpool.Pool
}

// NewIncidentRepo создаёт новый IncidentRepo.
func NewIncidentRepo(pool *pgxpool.Pool) *IncidentRepo {
	return &IncidentRepo{pool: pool}
}

var (
	_ jobs.IncidentSink     = (*IncidentRepo)(nil)
	_ jobs.IncidentResolver = (*IncidentRepo)(nil)
)

// Raise сохраняет incident. Повторный Raise для job с открытым incident
// не создаёт дубликат.
func (r *IncidentRepo) Raise(ctx context.Context, inc *domain.Incident) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO incidents (id, job_id, job_type, execution_id, process_instance_id, activity_ref, message, created_at)
		SELECT $1, $2, $3, $4, $5, $6, $7, $8
		WHERE NOT EXISTS (
			SELECT 1 FROM incidents WHERE job_id = $2 AND resolved_at IS NULL
		)
	`,
		inc.ID,
		inc.JobID,
		inc.JobType,
		inc.ExecutionID,
		inc.ProcessInstanceID,
		nullString(inc.ActivityRef),
		inc.Message,
		inc.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert incident: %w", err)
	}
	return nil
}

// Resolve закрывает открытые incidents job. Возвращает количество закрытых.
func (r *IncidentRepo) Resolve(ctx context.Context, jobID uuid.UUID, at time.Time) (int, error) {
	result, err := r.pool.Exec(ctx, `
		UPDATE incidents SET resolved_at = $2
		WHERE job_id = $1 AND resolved_at IS NULL
	`, jobID, at)
	if err != nil {
		return 0, fmt.Errorf("resolve incidents: %w", err)
	}
	return int(result.RowsAffected()), nil
}

// Get возвращает incident по ID.
func (r *IncidentRepo) Get(ctx context.Context, id uuid.UUID) (*domain.Incident, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT id, job_id, job_type, execution_id, process_instance_id, activity_ref, message, created_at, resolved_at
		FROM incidents WHERE id = $1
	`, id)
	inc, err := scanIncident(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return inc, err
}

// List возвращает incidents, новые первыми.
func (r *IncidentRepo) List(ctx context.Context, openOnly bool, limit int) ([]*domain.Incident, error) {
	query := `
		SELECT id, job_id, job_type, execution_id, process_instance_id, activity_ref, message, created_at, resolved_at
		FROM incidents
		WHERE ($1 = FALSE OR resolved_at IS NULL)
		ORDER BY created_at DESC
		LIMIT $2
	`
	if limit <= 0 {
		limit = 100
	}

	rows, err := r.pool.Query(ctx, query, openOnly, limit)
	if err != nil {
		return nil, fmt.Errorf("list incidents: %w", err)
	}
	defer rows.Close()

	var out []*domain.Incident
	for rows.Next() {
		inc, err := scanIncident(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, inc)
	}
	return out, rows.Err()
}

func scanIncident(row pgx.Row) (*domain.Incident, error) {
	var inc domain.Incident
	var activityRef *string

	err := row.Scan(
		&inc.ID,
		&inc.JobID,
		&inc.JobType,
		&inc.ExecutionID,
		&inc.ProcessInstanceID,
		&activityRef,
		&inc.Message,
		&inc.CreatedAt,
		&inc.ResolvedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan incident: %w", err)
	}
	inc.ActivityRef = deref(activityRef)
	return &inc, nil
}
