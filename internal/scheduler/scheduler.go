package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/shaiso/Tokenflow/internal/domain"
	"github.com/shaiso/Tokenflow/internal/telemetry"
)

// DueLister находит jobs, доступные для захвата. Реализация: jobs.Store.
type DueLister interface {
	ListAcquirable(ctx context.Context, now time.Time, limit int, processInstances []uuid.UUID) ([]*domain.Job, error)
}

// Notifier будит воркеры. Реализация: mq.Publisher.
type Notifier interface {
	NotifyDue(ctx context.Context, job *domain.Job) error
}

// Scheduler — анонсер due jobs.
//
// Таймеры и backoff-повторы становятся due по времени, без события,
// которое разбудило бы воркеры. Scheduler раз в тик находит такие jobs
// и публикует jobs.due. Каждая версия job анонсируется один раз.
type Scheduler struct {
	jobs      DueLister
	notifier  Notifier
	clock     func() time.Time
	logger    *slog.Logger
	batchSize int

	// announced — версия job на момент последнего анонса.
	announced map[uuid.UUID]int
}

// Config — конфигурация Scheduler.
type Config struct {
	Jobs      DueLister
	Notifier  Notifier         // опционально: без него только метрика
	Clock     func() time.Time // default: time.Now
	Logger    *slog.Logger
	BatchSize int // количество jobs за один тик (default: 100)
}

// New создаёт новый Scheduler.
func New(cfg Config) *Scheduler {
	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = 100
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Scheduler{
		jobs:      cfg.Jobs,
		notifier:  cfg.Notifier,
		clock:     clock,
		logger:    logger,
		batchSize: batchSize,
		announced: make(map[uuid.UUID]int),
	}
}

// Tick выполняет один тик планировщика.
//
// 1. Находит due jobs (retries > 0, не suspended, без lease)
// 2. Обновляет gauge jobs_due
// 3. Публикует jobs.due для ещё не анонсированных версий
//
// Ошибка публикации одного job не блокирует остальные.
// Возвращает количество опубликованных анонсов.
func (s *Scheduler) Tick(ctx context.Context) (int, error) {
	now := s.clock()

	due, err := s.jobs.ListAcquirable(ctx, now, s.batchSize, nil)
	if err != nil {
		return 0, fmt.Errorf("list due jobs: %w", err)
	}

	telemetry.JobsDue.Set(float64(len(due)))

	seen := make(map[uuid.UUID]struct{}, len(due))
	published := 0
	for _, job := range due {
		seen[job.ID] = struct{}{}

		if v, ok := s.announced[job.ID]; ok && v == job.Version {
			continue
		}
		if s.notifier == nil {
			continue
		}

		if err := s.notifier.NotifyDue(ctx, job); err != nil {
			// Не фатально: воркеры найдут job через polling
			s.logger.Warn("failed to publish job.due",
				"job_id", job.ID,
				"error", err,
			)
			continue
		}
		s.announced[job.ID] = job.Version
		published++
	}

	// Забываем jobs, которые больше не due
	for id := range s.announced {
		if _, ok := seen[id]; !ok {
			delete(s.announced, id)
		}
	}

	if published > 0 {
		s.logger.Info("scheduler tick completed",
			"due", len(due),
			"announced", published,
		)
	}

	return published, nil
}
