package jobs

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/shaiso/Tokenflow/internal/domain"
)

// Store — таблица jobs.
//
// Все операции, меняющие lease, атомарны на уровне одной строки:
// это единственная точка координации между воркерами.
type Store interface {
	// Insert сохраняет новый job.
	Insert(ctx context.Context, job *domain.Job) error

	// Get возвращает job по ID или ErrNotFound.
	Get(ctx context.Context, id uuid.UUID) (*domain.Job, error)

	// ListAcquirable возвращает кандидатов на захват, по due date.
	// Если processInstances != nil, только jobs этих process instances.
	ListAcquirable(ctx context.Context, now time.Time, limit int, processInstances []uuid.UUID) ([]*domain.Job, error)

	// Claim захватывает job, если версия не изменилась с момента чтения,
	// job всё ещё удовлетворяет предикату захвата и (для exclusive)
	// никакой другой exclusive job того же process instance не держит lease.
	// Проигранный CAS — не ошибка: (nil, false, nil).
	Claim(ctx context.Context, job *domain.Job, owner string, now, until time.Time) (*domain.Job, bool, error)

	// Renew продлевает lease владельца, если он ещё действует на момент now.
	// Истёкший lease не продлевается: его мог перехватить другой воркер
	// или exclusive job того же process instance. Иначе ErrLeaseLost.
	Renew(ctx context.Context, id uuid.UUID, owner string, now, until time.Time) (*domain.Job, error)

	// Release снимает lease владельца без изменения retries.
	Release(ctx context.Context, id uuid.UUID, owner string) error

	// Fail записывает результат неудачной попытки (retries, due date,
	// exception) и снимает lease. Только для владельца lease.
	Fail(ctx context.Context, job *domain.Job, owner string) error

	// Complete удаляет job владельца lease. Если next != nil,
	// в той же транзакции создаётся следующий job (повторяющийся таймер).
	Complete(ctx context.Context, id uuid.UUID, owner string, next *domain.Job) error

	// Delete удаляет job независимо от lease (операторская операция).
	Delete(ctx context.Context, id uuid.UUID) error

	// Query возвращает jobs по фильтру, по времени создания.
	Query(ctx context.Context, q Query) ([]*domain.Job, error)

	// Count возвращает количество jobs по фильтру.
	Count(ctx context.Context, q Query) (int, error)

	// SetRetries устанавливает retries (операторский сброс).
	SetRetries(ctx context.Context, id uuid.UUID, retries int) (*domain.Job, error)

	// SetSuspended приостанавливает или возобновляет job.
	SetSuspended(ctx context.Context, id uuid.UUID, suspended bool) error

	// SetSuspendedByProcessInstance — то же для всех jobs process instance.
	// Возвращает количество изменённых jobs.
	SetSuspendedByProcessInstance(ctx context.Context, processInstanceID uuid.UUID, suspended bool) (int, error)
}

// Query — фильтр jobs. Пустые поля не фильтруют.
type Query struct {
	ProcessInstanceID uuid.UUID
	ExecutionID       uuid.UUID
	Type              string

	// WithException — только jobs с сообщением об ошибке.
	WithException bool

	// WithRetriesLeft — только jobs с retries > 0.
	WithRetriesLeft bool

	// Exhausted — только jobs с retries == 0.
	Exhausted bool

	// Suspended — nil: любые, иначе только с указанным значением.
	Suspended *bool

	// Limit — максимум записей (0 — без ограничения).
	Limit int
}

// Matches проверяет job на соответствие фильтру.
func (q Query) Matches(job *domain.Job) bool {
	if q.ProcessInstanceID != uuid.Nil && job.ProcessInstanceID != q.ProcessInstanceID {
		return false
	}
	if q.ExecutionID != uuid.Nil && job.ExecutionID != q.ExecutionID {
		return false
	}
	if q.Type != "" && job.Type != q.Type {
		return false
	}
	if q.WithException && !job.HasException() {
		return false
	}
	if q.WithRetriesLeft && job.Retries <= 0 {
		return false
	}
	if q.Exhausted && job.Retries > 0 {
		return false
	}
	if q.Suspended != nil && job.Suspended != *q.Suspended {
		return false
	}
	return true
}
