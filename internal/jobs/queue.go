package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"time"

	"github.com/google/uuid"

	"github.com/shaiso/Tokenflow/internal/domain"
	"github.com/shaiso/Tokenflow/internal/scheduler"
)

// Notifier получает сигнал, что job может стать доступным для захвата.
//
// Реализации: worker.Pool (локальное пробуждение), mq.Publisher (jobs.due).
type Notifier interface {
	NotifyDue(ctx context.Context, job *domain.Job) error
}

// NewJob — параметры планирования job.
type NewJob struct {
	Type              string
	ExecutionID       uuid.UUID
	ProcessInstanceID uuid.UUID
	ActivityRef       string

	// DueDate — время срабатывания. Нулевое — сейчас
	// (или первое срабатывание Repeat).
	DueDate time.Time

	// MaxRetries — бюджет попыток. 0 — значение очереди по умолчанию.
	MaxRetries int

	Exclusive bool
	Repeat    string
	Payload   map[string]any
}

// Queue — планирование jobs и операторские операции.
type Queue struct {
	store      Store
	clock      Clock
	maxRetries int
	notifiers  []Notifier
	incidents  IncidentResolver
	logger     *slog.Logger
}

// QueueConfig — конфигурация Queue.
type QueueConfig struct {
	Store Store
	Clock Clock // default: SystemClock

	// MaxRetries — бюджет попыток по умолчанию (default: 3).
	MaxRetries int

	// Notifiers — кого будить при появлении due job (опционально).
	Notifiers []Notifier

	// Incidents — закрытие incidents при сбросе retries (опционально).
	Incidents IncidentResolver

	Logger *slog.Logger
}

// NewQueue создаёт Queue.
func NewQueue(cfg QueueConfig) *Queue {
	clock := cfg.Clock
	if clock == nil {
		clock = SystemClock
	}
	maxRetries := cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Queue{
		store:      cfg.Store,
		clock:      clock,
		maxRetries: maxRetries,
		notifiers:  cfg.Notifiers,
		incidents:  cfg.Incidents,
		logger:     logger,
	}
}

// Store возвращает таблицу jobs.
func (q *Queue) Store() Store { return q.store }

// AddNotifier добавляет получателя сигналов о due jobs.
// Вызывается до начала планирования.
func (q *Queue) AddNotifier(n Notifier) {
	q.notifiers = append(q.notifiers, n)
}

// Schedule создаёт job (асинхронное продолжение или таймер).
func (q *Queue) Schedule(ctx context.Context, nj NewJob) (*domain.Job, error) {
	if nj.Type == "" {
		return nil, fmt.Errorf("%w: type is required", ErrInvalidJob)
	}
	if nj.ExecutionID == uuid.Nil {
		return nil, fmt.Errorf("%w: execution id is required", ErrInvalidJob)
	}
	if nj.MaxRetries < 0 {
		return nil, fmt.Errorf("%w: max retries must be positive", ErrInvalidJob)
	}

	now := q.clock()
	maxRetries := nj.MaxRetries
	if maxRetries == 0 {
		maxRetries = q.maxRetries
	}
	processInstanceID := nj.ProcessInstanceID
	if processInstanceID == uuid.Nil {
		processInstanceID = nj.ExecutionID
	}

	due := nj.DueDate
	if due.IsZero() {
		due = now
		if nj.Repeat != "" {
			next, err := scheduler.NextDue(nj.Repeat, now)
			if err != nil {
				return nil, fmt.Errorf("%w: %v", ErrInvalidJob, err)
			}
			due = next
		}
	} else if nj.Repeat != "" {
		if err := scheduler.ValidateRepeat(nj.Repeat); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidJob, err)
		}
	}

	job := &domain.Job{
		ID:                uuid.New(),
		Type:              nj.Type,
		ExecutionID:       nj.ExecutionID,
		ProcessInstanceID: processInstanceID,
		ActivityRef:       nj.ActivityRef,
		DueDate:           due.UTC(),
		Retries:           maxRetries,
		MaxRetries:        maxRetries,
		Exclusive:         nj.Exclusive,
		Repeat:            nj.Repeat,
		Payload:           maps.Clone(nj.Payload),
		CreatedAt:         now,
		UpdatedAt:         now,
	}

	if err := q.store.Insert(ctx, job); err != nil {
		return nil, fmt.Errorf("insert job: %w", err)
	}

	q.logger.Debug("job scheduled",
		"job_id", job.ID,
		"type", job.Type,
		"execution_id", job.ExecutionID,
		"due_date", job.DueDate,
		"retries", job.Retries,
	)

	if !job.DueDate.After(now) {
		q.notify(ctx, job)
	}
	return job, nil
}

// Get возвращает job по ID.
func (q *Queue) Get(ctx context.Context, id uuid.UUID) (*domain.Job, error) {
	return q.store.Get(ctx, id)
}

// List возвращает jobs по фильтру.
func (q *Queue) List(ctx context.Context, query Query) ([]*domain.Job, error) {
	return q.store.Query(ctx, query)
}

// Count возвращает количество jobs по фильтру.
func (q *Queue) Count(ctx context.Context, query Query) (int, error) {
	return q.store.Count(ctx, query)
}

// WithException возвращает jobs process instance с записанной ошибкой.
// uuid.Nil — по всем process instances.
func (q *Queue) WithException(ctx context.Context, processInstanceID uuid.UUID) ([]*domain.Job, error) {
	return q.store.Query(ctx, Query{ProcessInstanceID: processInstanceID, WithException: true})
}

// WithRetriesLeft возвращает jobs process instance с retries > 0.
func (q *Queue) WithRetriesLeft(ctx context.Context, processInstanceID uuid.UUID) ([]*domain.Job, error) {
	return q.store.Query(ctx, Query{ProcessInstanceID: processInstanceID, WithRetriesLeft: true})
}

// ResetRetries устанавливает retries в [1, max_retries] и закрывает
// incidents job. Сообщение последней ошибки сохраняется.
func (q *Queue) ResetRetries(ctx context.Context, id uuid.UUID, retries int) (*domain.Job, error) {
	job, err := q.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if retries < 1 || retries > job.MaxRetries {
		return nil, fmt.Errorf("%w: %d not in [1, %d]", ErrInvalidRetries, retries, job.MaxRetries)
	}

	job, err = q.store.SetRetries(ctx, id, retries)
	if err != nil {
		return nil, fmt.Errorf("set retries: %w", err)
	}

	q.resolveIncidents(ctx, id)

	q.logger.Info("job retries reset", "job_id", id, "retries", retries)
	if job.IsAcquirable(q.clock()) {
		q.notify(ctx, job)
	}
	return job, nil
}

// Suspend исключает job из выборки.
func (q *Queue) Suspend(ctx context.Context, id uuid.UUID) error {
	if err := q.store.SetSuspended(ctx, id, true); err != nil {
		return err
	}
	q.logger.Info("job suspended", "job_id", id)
	return nil
}

// Resume возвращает job в выборку.
func (q *Queue) Resume(ctx context.Context, id uuid.UUID) error {
	if err := q.store.SetSuspended(ctx, id, false); err != nil {
		return err
	}
	q.logger.Info("job resumed", "job_id", id)

	if job, err := q.store.Get(ctx, id); err == nil && job.IsAcquirable(q.clock()) {
		q.notify(ctx, job)
	}
	return nil
}

// SuspendProcessInstance приостанавливает все jobs process instance.
func (q *Queue) SuspendProcessInstance(ctx context.Context, processInstanceID uuid.UUID) (int, error) {
	n, err := q.store.SetSuspendedByProcessInstance(ctx, processInstanceID, true)
	if err != nil {
		return 0, err
	}
	q.logger.Info("process instance jobs suspended", "process_instance_id", processInstanceID, "count", n)
	return n, nil
}

// ResumeProcessInstance возобновляет все jobs process instance.
func (q *Queue) ResumeProcessInstance(ctx context.Context, processInstanceID uuid.UUID) (int, error) {
	n, err := q.store.SetSuspendedByProcessInstance(ctx, processInstanceID, false)
	if err != nil {
		return 0, err
	}
	q.logger.Info("process instance jobs resumed", "process_instance_id", processInstanceID, "count", n)
	if n > 0 {
		q.notify(ctx, &domain.Job{ProcessInstanceID: processInstanceID})
	}
	return n, nil
}

// Delete удаляет job и закрывает его incidents.
func (q *Queue) Delete(ctx context.Context, id uuid.UUID) error {
	if err := q.store.Delete(ctx, id); err != nil {
		return err
	}
	q.resolveIncidents(ctx, id)
	q.logger.Info("job deleted", "job_id", id)
	return nil
}

// DeleteByExecution удаляет jobs execution (при его завершении), кроме
// except: выполняющийся сейчас job удалит RetryScheduler.Succeeded.
// uuid.Nil в except удаляет все.
func (q *Queue) DeleteByExecution(ctx context.Context, executionID, except uuid.UUID) (int, error) {
	jobs, err := q.store.Query(ctx, Query{ExecutionID: executionID})
	if err != nil {
		return 0, fmt.Errorf("list jobs of %s: %w", executionID, err)
	}
	n := 0
	for _, job := range jobs {
		if job.ID == except {
			continue
		}
		if err := q.Delete(ctx, job.ID); err != nil {
			if errors.Is(err, ErrNotFound) {
				continue
			}
			return n, fmt.Errorf("delete job %s: %w", job.ID, err)
		}
		n++
	}
	return n, nil
}

func (q *Queue) resolveIncidents(ctx context.Context, jobID uuid.UUID) {
	if q.incidents == nil {
		return
	}
	if _, err := q.incidents.Resolve(ctx, jobID, q.clock()); err != nil {
		q.logger.Warn("failed to resolve incidents", "job_id", jobID, "error", err)
	}
}

func (q *Queue) notify(ctx context.Context, job *domain.Job) {
	for _, n := range q.notifiers {
		if err := n.NotifyDue(ctx, job); err != nil {
			// воркеры подхватят job через polling
			q.logger.Warn("failed to notify due job", "job_id", job.ID, "error", err)
		}
	}
}
