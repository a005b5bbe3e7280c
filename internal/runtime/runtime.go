package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/shaiso/Tokenflow/internal/domain"
	"github.com/shaiso/Tokenflow/internal/execution"
	"github.com/shaiso/Tokenflow/internal/history"
	"github.com/shaiso/Tokenflow/internal/jobs"
	"github.com/shaiso/Tokenflow/internal/variable"
	"github.com/shaiso/Tokenflow/internal/worker"
)

// IncidentStore сохраняет и закрывает incidents.
// Реализации: jobs.MemoryIncidents, repo.IncidentRepo.
type IncidentStore interface {
	jobs.IncidentSink
	jobs.IncidentResolver
}

// Runtime — собранный движок: дерево scope, реестр execution,
// очередь jobs, retry scheduler и пул воркеров.
//
// Глобального состояния нет: несколько Runtime в одном процессе
// независимы.
type Runtime struct {
	tree       *variable.Tree
	executions *execution.Registry
	queue      *jobs.Queue
	retry      *jobs.RetryScheduler
	pool       *worker.Pool
	persister  variable.Persister
	incidents  IncidentStore
	history    *history.Multi
	clock      jobs.Clock
	logger     *slog.Logger

	// processOf — process instance каждого scope, для событий переменных.
	processOf sync.Map
}

// Config — конфигурация Runtime.
type Config struct {
	// Store — таблица jobs (default: jobs.NewMemoryStore()).
	Store jobs.Store

	// Persister — хранилище durable scopes (default: variable.NewMemoryPersister()).
	Persister variable.Persister

	// Incidents — incidents исчерпанных jobs (default: jobs.NewMemoryIncidents()).
	Incidents IncidentStore

	// IncidentSinks — дополнительные получатели incidents (например, mq.Publisher).
	IncidentSinks []jobs.IncidentSink

	// History — получатели событий истории (опционально).
	History []history.Sink

	// Notifiers — кого будить при появлении due job, кроме пула.
	Notifiers []jobs.Notifier

	Formats    *variable.Formats  // default: variable.NewFormats()
	Clock      jobs.Clock         // default: jobs.SystemClock
	Backoff    jobs.BackoffPolicy // default: Fixed 10s
	MaxRetries int                // default: 3

	// Worker — настройки пула. Store, Retry, Registry, Clock, Observer,
	// ProcessInstances и Logger заполняются Runtime: пул захватывает
	// только jobs process instances этого Runtime.
	Worker worker.Config

	Logger *slog.Logger
}

// New собирает Runtime.
func New(cfg Config) *Runtime {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = jobs.SystemClock
	}
	store := cfg.Store
	if store == nil {
		store = jobs.NewMemoryStore()
	}
	persister := cfg.Persister
	if persister == nil {
		persister = variable.NewMemoryPersister()
	}
	incidents := cfg.Incidents
	if incidents == nil {
		incidents = jobs.NewMemoryIncidents()
	}
	formats := cfg.Formats
	if formats == nil {
		formats = variable.NewFormats()
	}

	r := &Runtime{
		persister: persister,
		incidents: incidents,
		history:   history.NewMulti(logger, cfg.History...),
		clock:     clock,
		logger:    logger,
	}

	r.tree = variable.NewTree(
		variable.WithListener(variable.ListenerFunc(r.variableChanged)),
		variable.WithClock(clock),
	)
	r.executions = execution.NewRegistry(execution.Config{
		Tree:    r.tree,
		Formats: formats,
		Now:     clock,
	})

	sinks := jobs.IncidentSinks{incidents}
	sinks = append(sinks, cfg.IncidentSinks...)

	r.retry = jobs.NewRetryScheduler(jobs.RetryConfig{
		Store:     store,
		Clock:     clock,
		Backoff:   cfg.Backoff,
		Incidents: sinks,
		Logger:    logger,
	})

	wcfg := cfg.Worker
	wcfg.Store = store
	wcfg.Retry = r.retry
	wcfg.Registry = worker.NewRegistry()
	wcfg.Clock = clock
	wcfg.Observer = r
	wcfg.Logger = logger
	wcfg.ProcessInstances = r.executions.ProcessInstances
	r.pool = worker.New(wcfg)

	notifiers := append([]jobs.Notifier{r.pool}, cfg.Notifiers...)
	r.queue = jobs.NewQueue(jobs.QueueConfig{
		Store:      store,
		Clock:      clock,
		MaxRetries: cfg.MaxRetries,
		Notifiers:  notifiers,
		Incidents:  incidents,
		Logger:     logger,
	})

	return r
}

// Start запускает пул воркеров.
func (r *Runtime) Start(ctx context.Context) error {
	return r.pool.Start(ctx)
}

// Stop останавливает пул воркеров и ждёт выполняющиеся jobs.
func (r *Runtime) Stop() {
	r.pool.Stop()
}

// Tree возвращает дерево scope.
func (r *Runtime) Tree() *variable.Tree { return r.tree }

// Executions возвращает реестр execution.
func (r *Runtime) Executions() *execution.Registry { return r.executions }

// Queue возвращает очередь jobs.
func (r *Runtime) Queue() *jobs.Queue { return r.queue }

// Pool возвращает пул воркеров.
func (r *Runtime) Pool() *worker.Pool { return r.pool }

// Incidents возвращает хранилище incidents.
func (r *Runtime) Incidents() IncidentStore { return r.incidents }

// StartProcess создаёт корневой execution с начальными переменными.
// Для durable процесса переменные сразу сохраняются.
func (r *Runtime) StartProcess(ctx context.Context, activityRef string, vars map[string]any, durable bool) (*domain.Execution, error) {
	exec, err := r.executions.Start(activityRef, vars, durable)
	if err != nil {
		return nil, fmt.Errorf("start process: %w", err)
	}
	r.processOf.Store(exec.ScopeID, exec.ProcessInstanceID)

	if durable {
		if err := r.tree.Commit(ctx, exec.ScopeID, r.persister); err != nil {
			r.executions.End(exec.ID)
			return nil, fmt.Errorf("persist initial variables: %w", err)
		}
	}

	r.record(ctx, history.FromExecution(history.EventExecutionStarted, exec, r.clock()))
	r.logger.Info("process started",
		"process_instance_id", exec.ProcessInstanceID,
		"activity_ref", activityRef,
		"durable", durable,
	)
	return exec, nil
}

// CreateChild создаёт дочерний execution со своим scope.
func (r *Runtime) CreateChild(ctx context.Context, parentID uuid.UUID, activityRef string) (*domain.Execution, error) {
	exec, err := r.executions.CreateChild(parentID, activityRef)
	if err != nil {
		return nil, err
	}
	r.processOf.Store(exec.ScopeID, exec.ProcessInstanceID)
	r.record(ctx, history.FromExecution(history.EventExecutionStarted, exec, r.clock()))
	return exec, nil
}

// JobSpec — параметры async job.
type JobSpec struct {
	Type       string
	Exclusive  bool
	MaxRetries int // 0 — значение по умолчанию
	Payload    map[string]any
}

// ScheduleAsync планирует асинхронное продолжение execution.
func (r *Runtime) ScheduleAsync(ctx context.Context, executionID uuid.UUID, spec JobSpec) (*domain.Job, error) {
	return r.schedule(ctx, executionID, spec, time.Time{}, "")
}

// ScheduleTimer планирует таймер: на due (если задан) или по repeat
// (cron / "@every <duration>").
func (r *Runtime) ScheduleTimer(ctx context.Context, executionID uuid.UUID, spec JobSpec, due time.Time, repeat string) (*domain.Job, error) {
	if due.IsZero() && repeat == "" {
		return nil, fmt.Errorf("%w: timer needs due date or repeat", jobs.ErrInvalidJob)
	}
	return r.schedule(ctx, executionID, spec, due, repeat)
}

func (r *Runtime) schedule(ctx context.Context, executionID uuid.UUID, spec JobSpec, due time.Time, repeat string) (*domain.Job, error) {
	exec, err := r.executions.Get(executionID)
	if err != nil {
		return nil, err
	}
	if exec.State == domain.ExecutionStateEnded {
		return nil, fmt.Errorf("%w: %s", execution.ErrEnded, executionID)
	}

	job, err := r.queue.Schedule(ctx, jobs.NewJob{
		Type:              spec.Type,
		ExecutionID:       exec.ID,
		ProcessInstanceID: exec.ProcessInstanceID,
		ActivityRef:       exec.ActivityRef,
		DueDate:           due,
		MaxRetries:        spec.MaxRetries,
		Exclusive:         spec.Exclusive,
		Repeat:            repeat,
		Payload:           spec.Payload,
	})
	if err != nil {
		return nil, err
	}
	if exec.State == domain.ExecutionStateSuspended {
		if err := r.queue.Suspend(ctx, job.ID); err != nil {
			return nil, fmt.Errorf("suspend job of suspended execution: %w", err)
		}
		job.Suspended = true
	}

	r.record(ctx, history.FromJob(history.EventJobScheduled, job, r.clock()))
	return job, nil
}

// RegisterHandler регистрирует тело работы для типа job.
func (r *Runtime) RegisterHandler(jobType string, body Body) {
	r.pool.Registry().Register(jobType, worker.HandlerFunc(func(ctx context.Context, job *domain.Job) error {
		return r.run(ctx, job, body)
	}))
}

// Suspend приостанавливает process instance, к которому относится
// executionID: все его execution и jobs.
func (r *Runtime) Suspend(ctx context.Context, executionID uuid.UUID) error {
	pi, err := r.executions.ProcessInstance(executionID)
	if err != nil {
		return err
	}
	if err := r.executions.Suspend(pi.ID); err != nil {
		return err
	}
	if _, err := r.queue.SuspendProcessInstance(ctx, pi.ID); err != nil {
		return fmt.Errorf("suspend jobs: %w", err)
	}
	return nil
}

// Activate возобновляет process instance, к которому относится executionID.
func (r *Runtime) Activate(ctx context.Context, executionID uuid.UUID) error {
	pi, err := r.executions.ProcessInstance(executionID)
	if err != nil {
		return err
	}
	if err := r.executions.Activate(pi.ID); err != nil {
		return err
	}
	if _, err := r.queue.ResumeProcessInstance(ctx, pi.ID); err != nil {
		return fmt.Errorf("resume jobs: %w", err)
	}
	return nil
}

// End завершает execution с потомками: scope уничтожаются,
// сохранённые переменные и jobs удаляются. Завершённый process instance
// удаляется из реестра.
func (r *Runtime) End(ctx context.Context, executionID uuid.UUID) error {
	return r.end(ctx, executionID, uuid.Nil)
}

// end завершает execution. Job except (выполняющийся сейчас) не удаляется:
// его удалит RetryScheduler.Succeeded.
func (r *Runtime) end(ctx context.Context, executionID, except uuid.UUID) error {
	exec, err := r.executions.Get(executionID)
	if err != nil {
		return err
	}

	destroyed, err := r.executions.End(executionID)
	if err != nil {
		return err
	}

	if err := r.persister.DeleteScopes(ctx, destroyed); err != nil {
		// Переменные уничтоженных scope больше не читаются
		r.logger.Error("failed to delete persisted scopes",
			"execution_id", executionID,
			"error", err,
		)
	}

	var errs []error
	for _, id := range destroyed {
		r.processOf.Delete(id)
		if _, err := r.queue.DeleteByExecution(ctx, id, except); err != nil {
			errs = append(errs, err)
		}
	}

	if exec.ID == exec.ProcessInstanceID {
		if err := r.executions.Forget(exec.ID); err != nil {
			errs = append(errs, fmt.Errorf("forget process instance: %w", err))
		}
	}

	exec.MarkEnded(r.clock())
	r.record(ctx, history.FromExecution(history.EventExecutionEnded, exec, r.clock()))
	return errors.Join(errs...)
}

// JobSucceeded реализует worker.Observer.
func (r *Runtime) JobSucceeded(ctx context.Context, job, next *domain.Job) {
	now := r.clock()
	r.record(ctx, history.FromJob(history.EventJobSucceeded, job, now))
	if next != nil {
		r.record(ctx, history.FromJob(history.EventJobScheduled, next, now))
	}
}

// JobFailed реализует worker.Observer.
func (r *Runtime) JobFailed(ctx context.Context, _ *domain.Job, out *jobs.Outcome, _ error) {
	now := r.clock()
	r.record(ctx, history.FromJob(history.EventJobFailed, out.Job, now))
	if out.Exhausted {
		r.record(ctx, history.FromJob(history.EventJobExhausted, out.Job, now))
	}
}

// variableChanged переводит изменение переменной в событие истории.
func (r *Runtime) variableChanged(ev variable.Event) {
	hev := history.FromVariable(ev)
	hev.ExecutionID = ev.ScopeID
	if pi, ok := r.processOf.Load(ev.ScopeID); ok {
		hev.ProcessInstanceID = pi.(uuid.UUID)
	}
	r.record(context.Background(), hev)
}

func (r *Runtime) record(ctx context.Context, ev history.Event) {
	_ = r.history.Record(ctx, ev)
}
