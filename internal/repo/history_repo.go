package repo

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/shaiso/Tokenflow/internal/history"
)

// HistoryRepo — архив событий истории. Реализует history.Sink.
type HistoryRepo struct {
	pool *pgxpool.Pool
}

// NewHistoryRepo создаёт новый HistoryRepo.
func NewHistoryRepo(pool *pgxpool.Pool) *HistoryRepo {
	return &HistoryRepo{pool: pool}
}

var _ history.Sink = (*HistoryRepo)(nil)

// Record сохраняет событие. Повторная запись того же ID игнорируется.
func (r *HistoryRepo) Record(ctx context.Context, ev history.Event) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	_, err = r.pool.Exec(ctx, `
		INSERT INTO history_events (id, type, time, process_instance_id, execution_id, job_id, body)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO NOTHING
	`,
		ev.ID,
		string(ev.Type),
		ev.Time,
		nullUUID(ev.ProcessInstanceID),
		nullUUID(ev.ExecutionID),
		nullUUID(ev.JobID),
		body,
	)
	if err != nil {
		return fmt.Errorf("insert history event: %w", err)
	}
	return nil
}

// ListByProcessInstance возвращает события process instance по времени.
func (r *HistoryRepo) ListByProcessInstance(ctx context.Context, processInstanceID uuid.UUID) ([]history.Event, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT body FROM history_events
		WHERE process_instance_id = $1
		ORDER BY time ASC, id ASC
	`, processInstanceID)
	if err != nil {
		return nil, fmt.Errorf("list history events: %w", err)
	}
	defer rows.Close()

	var out []history.Event
	for rows.Next() {
		var body []byte
		if err := rows.Scan(&body); err != nil {
			return nil, fmt.Errorf("scan history event: %w", err)
		}
		var ev history.Event
		if err := json.Unmarshal(body, &ev); err != nil {
			return nil, fmt.Errorf("unmarshal history event: %w", err)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// nullUUID возвращает nil для uuid.Nil.
func nullUUID(id uuid.UUID) *uuid.UUID {
	if id == uuid.Nil {
		return nil
	}
	return &id
}
