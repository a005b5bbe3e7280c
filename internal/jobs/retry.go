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

// RetryScheduler применяет результат выполнения job.
//
// Успех удаляет job. Ошибка списывает ровно одну попытку, записывает
// сообщение и детали ошибки, переносит due date по BackoffPolicy и снимает
// lease. Execution, его activityRef и scope не изменяются.
type RetryScheduler struct {
	store     Store
	clock     Clock
	backoff   BackoffPolicy
	incidents IncidentSink
	logger    *slog.Logger
}

// RetryConfig — конфигурация RetryScheduler.
type RetryConfig struct {
	Store     Store
	Clock     Clock         // default: SystemClock
	Backoff   BackoffPolicy // default: Fixed 10s
	Incidents IncidentSink  // опционально
	Logger    *slog.Logger
}

// Outcome — результат неудачной попытки.
type Outcome struct {
	Job       *domain.Job
	Exhausted bool
	Incident  *domain.Incident
}

// NewRetryScheduler создаёт RetryScheduler.
func NewRetryScheduler(cfg RetryConfig) *RetryScheduler {
	clock := cfg.Clock
	if clock == nil {
		clock = SystemClock
	}
	backoff := cfg.Backoff
	if backoff == nil {
		backoff = DefaultBackoff()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &RetryScheduler{
		store:     cfg.Store,
		clock:     clock,
		backoff:   backoff,
		incidents: cfg.Incidents,
		logger:    logger,
	}
}

// Succeeded удаляет job. Для повторяющегося таймера создаёт следующий job
// с полным бюджетом попыток.
func (s *RetryScheduler) Succeeded(ctx context.Context, job *domain.Job, owner string) (*domain.Job, error) {
	var next *domain.Job
	if job.Repeat != "" {
		now := s.clock()
		due, err := scheduler.NextDue(job.Repeat, now)
		if err != nil {
			s.logger.Error("failed to calculate next timer, repeat stopped",
				"job_id", job.ID,
				"repeat", job.Repeat,
				"error", err,
			)
		} else {
			next = successor(job, due, now)
		}
	}

	if err := s.store.Complete(ctx, job.ID, owner, next); err != nil {
		return nil, fmt.Errorf("complete job %s: %w", job.ID, err)
	}

	s.logger.Debug("job succeeded", "job_id", job.ID, "type", job.Type)
	if next != nil {
		s.logger.Debug("repeating timer scheduled",
			"job_id", next.ID,
			"previous_job_id", job.ID,
			"due_date", next.DueDate,
		)
	}
	return next, nil
}

// Failed применяет переход ошибки.
//
//   - retries уменьшается ровно на 1 (fatal-ошибки обнуляют retries)
//   - пока retries > 0, due date = now + backoff
//   - при retries == 0 due date не меняется, incident создаётся один раз
func (s *RetryScheduler) Failed(ctx context.Context, job *domain.Job, owner string, cause error) (*Outcome, error) {
	if cause == nil {
		cause = errors.New("job failed without error")
	}

	now := s.clock()
	updated := job.Clone()
	updated.ExceptionMessage = errorMessage(cause)
	updated.ExceptionDetail = errorDetail(cause)
	updated.UpdatedAt = now

	if IsFatal(cause) {
		updated.Retries = 0
	} else {
		updated.Retries = max(job.Retries-1, 0)
	}
	if updated.Retries > 0 {
		updated.DueDate = now.Add(s.backoff.Next(updated.Attempts()))
	}

	if err := s.store.Fail(ctx, updated, owner); err != nil {
		return nil, fmt.Errorf("fail job %s: %w", job.ID, err)
	}
	updated.ClearLock()
	updated.Version++

	out := &Outcome{Job: updated, Exhausted: updated.Retries == 0}

	if !out.Exhausted {
		s.logger.Warn("job failed, retry scheduled",
			"job_id", job.ID,
			"type", job.Type,
			"retries", updated.Retries,
			"due_date", updated.DueDate,
			"error", updated.ExceptionMessage,
		)
		return out, nil
	}

	s.logger.Error("job retries exhausted",
		"job_id", job.ID,
		"type", job.Type,
		"execution_id", job.ExecutionID,
		"error", updated.ExceptionMessage,
	)

	out.Incident = domain.NewIncident(updated, now)
	if s.incidents != nil {
		if err := s.incidents.Raise(ctx, out.Incident); err != nil {
			// job уже в EXHAUSTED, incident можно восстановить по таблице jobs
			s.logger.Error("failed to raise incident",
				"job_id", job.ID,
				"incident_id", out.Incident.ID,
				"error", err,
			)
		}
	}
	return out, nil
}

// successor создаёт следующий job повторяющегося таймера.
func successor(job *domain.Job, due, now time.Time) *domain.Job {
	return &domain.Job{
		ID:                uuid.New(),
		Type:              job.Type,
		ExecutionID:       job.ExecutionID,
		ProcessInstanceID: job.ProcessInstanceID,
		ActivityRef:       job.ActivityRef,
		DueDate:           due,
		Retries:           job.MaxRetries,
		MaxRetries:        job.MaxRetries,
		Exclusive:         job.Exclusive,
		Repeat:            job.Repeat,
		Payload:           maps.Clone(job.Payload),
		CreatedAt:         now,
		UpdatedAt:         now,
	}
}
