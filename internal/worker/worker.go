package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/shaiso/Tokenflow/internal/domain"
	"github.com/shaiso/Tokenflow/internal/jobs"
	"github.com/shaiso/Tokenflow/internal/mq"
	"github.com/shaiso/Tokenflow/internal/telemetry"
)

// Default configuration values.
const (
	defaultSize         = 4
	defaultPollInterval = 5 * time.Second
	defaultExecTimeout  = time.Minute
	defaultPrefetch     = 16
)

// Observer получает результаты выполнения jobs.
// Вызывается синхронно из горутины воркера после записи результата в Store.
type Observer interface {
	JobSucceeded(ctx context.Context, job, next *domain.Job)
	JobFailed(ctx context.Context, job *domain.Job, outcome *jobs.Outcome, cause error)
}

// Pool — пул воркеров, выполняющих async jobs.
//
// Каждый воркер пула:
//   - захватывает один job через свой LeaseManager (уникальный owner)
//   - выполняет handler с таймаутом ExecTimeout
//   - продлевает lease каждые LeaseDuration/3, при потере lease отменяет handler
//   - сообщает результат в RetryScheduler
//
// Idle-воркеры просыпаются по тикеру PollInterval или по wake-up
// (NotifyDue, сообщение jobs.due из RabbitMQ).
type Pool struct {
	store    jobs.Store
	retry    *jobs.RetryScheduler
	registry *Registry
	clock    jobs.Clock
	observer Observer

	// MQ (опционально)
	conn     *mq.Connection
	consumer *mq.Consumer

	// Configuration
	size          int
	pollInterval  time.Duration
	batchSize     int
	leaseDuration time.Duration
	execTimeout   time.Duration
	heartbeat     time.Duration

	workers []*worker
	wake    chan struct{}

	// Lifecycle
	logger     *slog.Logger
	cancelFunc context.CancelFunc
	wg         sync.WaitGroup
	stopped    bool
	stoppedMu  sync.RWMutex
}

// worker — один исполнитель пула со своим lease owner.
type worker struct {
	id    int
	lease *jobs.LeaseManager
}

// Config — конфигурация Pool.
type Config struct {
	Store    jobs.Store
	Retry    *jobs.RetryScheduler
	Registry *Registry  // default: пустой реестр
	Clock    jobs.Clock // default: jobs.SystemClock
	Observer Observer   // опционально

	// Conn — соединение с RabbitMQ для wake-up из jobs.due (опционально).
	Conn *mq.Connection

	// ProcessInstances — process instances, jobs которых захватывает пул
	// (default: nil, любые). См. jobs.LeaseConfig.
	ProcessInstances func() []uuid.UUID

	Size          int           // количество воркеров (default: 4)
	PollInterval  time.Duration // интервал polling (default: 5s)
	BatchSize     int           // кандидатов за одно чтение (default: 10)
	LeaseDuration time.Duration // длительность lease (default: 5m)
	ExecTimeout   time.Duration // таймаут выполнения handler (default: 1m)

	// HeartbeatInterval — период продления lease (default: LeaseDuration/3).
	HeartbeatInterval time.Duration

	// OwnerPrefix — префикс lease owner (default: случайный UUID).
	OwnerPrefix string

	Logger *slog.Logger
}

// New создаёт Pool.
func New(cfg Config) *Pool {
	size := cfg.Size
	if size <= 0 {
		size = defaultSize
	}

	pollInterval := cfg.PollInterval
	if pollInterval <= 0 {
		pollInterval = defaultPollInterval
	}

	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = jobs.DefaultBatchSize
	}

	leaseDuration := cfg.LeaseDuration
	if leaseDuration <= 0 {
		leaseDuration = jobs.DefaultLeaseDuration
	}

	execTimeout := cfg.ExecTimeout
	if execTimeout <= 0 {
		execTimeout = defaultExecTimeout
	}

	heartbeat := cfg.HeartbeatInterval
	if heartbeat <= 0 {
		heartbeat = leaseDuration / 3
	}

	clock := cfg.Clock
	if clock == nil {
		clock = jobs.SystemClock
	}

	registry := cfg.Registry
	if registry == nil {
		registry = NewRegistry()
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	prefix := cfg.OwnerPrefix
	if prefix == "" {
		prefix = uuid.NewString()
	}

	p := &Pool{
		store:         cfg.Store,
		retry:         cfg.Retry,
		registry:      registry,
		clock:         clock,
		observer:      cfg.Observer,
		conn:          cfg.Conn,
		size:          size,
		pollInterval:  pollInterval,
		batchSize:     batchSize,
		leaseDuration: leaseDuration,
		execTimeout:   execTimeout,
		heartbeat:     heartbeat,
		wake:          make(chan struct{}, size),
		logger:        logger,
	}

	for i := range size {
		p.workers = append(p.workers, &worker{
			id: i,
			lease: jobs.NewLeaseManager(jobs.LeaseConfig{
				Store:     cfg.Store,
				Clock:     clock,
				Owner:     fmt.Sprintf("%s-%d", prefix, i),
				Duration:  leaseDuration,
				BatchSize: batchSize,

				ProcessInstances: cfg.ProcessInstances,
			}),
		})
	}

	return p
}

// Registry возвращает реестр handler'ов.
func (p *Pool) Registry() *Registry { return p.registry }

// Owners возвращает lease owner каждого воркера.
func (p *Pool) Owners() []string {
	owners := make([]string, len(p.workers))
	for i, w := range p.workers {
		owners[i] = w.lease.Owner()
	}
	return owners
}

// Start запускает воркеры и, если задан Conn, consumer для jobs.due.
func (p *Pool) Start(ctx context.Context) error {
	if p.IsStopped() {
		return ErrPoolStopped
	}

	ctx, cancel := context.WithCancel(ctx)
	p.cancelFunc = cancel

	p.logger.Info("starting worker pool",
		"size", p.size,
		"poll_interval", p.pollInterval,
		"lease_duration", p.leaseDuration,
		"exec_timeout", p.execTimeout,
	)

	if p.conn != nil {
		p.consumer = mq.NewConsumer(p.conn, p.logger, mq.ConsumerConfig{
			Queue:    mq.QueueJobsDue,
			Handler:  p.handleJobDue,
			Prefetch: defaultPrefetch,
		})

		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			if err := p.consumer.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
				p.logger.Error("jobs.due consumer error", "error", err)
			}
		}()
	}

	for _, w := range p.workers {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			p.run(ctx, w)
		}()
	}

	p.logger.Info("worker pool started")
	return nil
}

// Stop останавливает пул и ждёт завершения выполняющихся jobs.
// Jobs, прерванные остановкой, освобождаются без списания попытки.
func (p *Pool) Stop() {
	p.stoppedMu.Lock()
	p.stopped = true
	p.stoppedMu.Unlock()

	p.logger.Info("stopping worker pool...")

	if p.cancelFunc != nil {
		p.cancelFunc()
	}

	if p.consumer != nil {
		p.consumer.Stop()
	}

	p.wg.Wait()

	p.logger.Info("worker pool stopped")
}

// IsStopped проверяет, остановлен ли пул.
func (p *Pool) IsStopped() bool {
	p.stoppedMu.RLock()
	defer p.stoppedMu.RUnlock()
	return p.stopped
}

// NotifyDue будит один idle-воркер. Реализует jobs.Notifier.
func (p *Pool) NotifyDue(_ context.Context, _ *domain.Job) error {
	p.wakeUp()
	return nil
}

// RunOnce выполняет по одному циклу acquire → execute → report для каждого
// воркера последовательно. Возвращает количество выполненных jobs.
func (p *Pool) RunOnce(ctx context.Context) (int, error) {
	processed := 0
	for _, w := range p.workers {
		ok, err := p.cycle(ctx, w)
		if err != nil {
			return processed, err
		}
		if ok {
			processed++
		}
	}
	return processed, nil
}

// Drain вызывает RunOnce, пока есть due jobs.
func (p *Pool) Drain(ctx context.Context) (int, error) {
	total := 0
	for {
		n, err := p.RunOnce(ctx)
		total += n
		if err != nil || n == 0 {
			return total, err
		}
		if err := ctx.Err(); err != nil {
			return total, err
		}
	}
}

// run — основной цикл воркера.
func (p *Pool) run(ctx context.Context, w *worker) {
	ticker := time.NewTicker(p.pollInterval)
	defer ticker.Stop()

	for {
		// Выбираем все доступные jobs, затем ждём тикер или wake-up
		for ctx.Err() == nil {
			ok, err := p.cycle(ctx, w)
			if err != nil {
				p.logger.Error("failed to acquire job",
					"worker", w.id,
					"error", err,
				)
				break
			}
			if !ok {
				break
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-p.wake:
		}
	}
}

// cycle захватывает и выполняет один job.
// Возвращает false, если захватить было нечего или job оказался чужим.
func (p *Pool) cycle(ctx context.Context, w *worker) (bool, error) {
	job, err := w.lease.AcquireOne(ctx)
	if err != nil {
		return false, err
	}
	if job == nil {
		return false, nil
	}

	return p.execute(ctx, w, job), nil
}

// execute выполняет handler под heartbeat и сообщает результат.
// Возвращает false, если job возвращён как чужой.
func (p *Pool) execute(ctx context.Context, w *worker, job *domain.Job) bool {
	logger := telemetry.WithJobID(p.logger, job.ID.String()).With(
		"type", job.Type,
		"worker", w.id,
		"execution_id", job.ExecutionID,
	)

	telemetry.JobsAcquired.WithLabelValues(job.Type).Inc()
	telemetry.WorkersBusy.Inc()
	defer telemetry.WorkersBusy.Dec()

	logger.Debug("job acquired", "retries", job.Retries, "lock_expires_at", job.LockExpiresAt)

	execCtx, cancel := context.WithTimeout(ctx, p.execTimeout)
	defer cancel()
	execCtx = telemetry.WithLogger(execCtx, logger)

	hb := p.startHeartbeat(execCtx, cancel, w, job, logger)

	start := time.Now()
	runErr := p.invoke(execCtx, job)
	elapsed := time.Since(start)

	hb.stop()

	// Report не должен прерываться остановкой пула
	reportCtx := context.WithoutCancel(ctx)

	if hb.lost() {
		telemetry.LeasesLost.Inc()
		telemetry.JobDuration.WithLabelValues(job.Type, "lease_lost").Observe(elapsed.Seconds())
		logger.Warn("lease lost during execution, result discarded")
		return true
	}

	if runErr != nil && ctx.Err() != nil {
		// Пул остановлен: возвращаем job без списания попытки
		if err := w.lease.Release(reportCtx, job); err != nil && !isLeaseLost(err) {
			logger.Error("failed to release job on shutdown", "error", err)
		}
		logger.Info("job released on shutdown")
		return true
	}

	if errors.Is(runErr, ErrJobNotOwned) {
		if err := w.lease.Release(reportCtx, job); err != nil && !isLeaseLost(err) {
			logger.Error("failed to release foreign job", "error", err)
		}
		logger.Debug("job released, execution unknown to this engine")
		return false
	}

	if runErr == nil {
		p.succeeded(reportCtx, w, job, elapsed, logger)
		return true
	}

	if errors.Is(execCtx.Err(), context.DeadlineExceeded) {
		runErr = fmt.Errorf("%w after %s: %w", ErrExecutionTimeout, p.execTimeout, runErr)
	}
	p.failed(reportCtx, w, job, runErr, elapsed, logger)
	return true
}

// succeeded сообщает об успешном выполнении.
func (p *Pool) succeeded(ctx context.Context, w *worker, job *domain.Job, elapsed time.Duration, logger *slog.Logger) {
	next, err := p.retry.Succeeded(ctx, job, w.lease.Owner())
	if err != nil {
		if isLeaseLost(err) {
			telemetry.LeasesLost.Inc()
			logger.Warn("lease lost before completion, result discarded")
			return
		}
		logger.Error("failed to complete job", "error", err)
		return
	}

	telemetry.JobsSucceeded.WithLabelValues(job.Type).Inc()
	telemetry.JobDuration.WithLabelValues(job.Type, "succeeded").Observe(elapsed.Seconds())
	logger.Info("job succeeded", "duration", elapsed)

	if p.observer != nil {
		p.observer.JobSucceeded(ctx, job, next)
	}
}

// failed сообщает о неудачной попытке.
func (p *Pool) failed(ctx context.Context, w *worker, job *domain.Job, cause error, elapsed time.Duration, logger *slog.Logger) {
	out, err := p.retry.Failed(ctx, job, w.lease.Owner(), cause)
	if err != nil {
		if isLeaseLost(err) {
			telemetry.LeasesLost.Inc()
			logger.Warn("lease lost before failure report, result discarded")
			return
		}
		logger.Error("failed to record job failure", "error", err, "cause", cause)
		return
	}

	telemetry.JobsFailed.WithLabelValues(job.Type).Inc()
	telemetry.JobDuration.WithLabelValues(job.Type, "failed").Observe(elapsed.Seconds())
	if out.Exhausted {
		telemetry.JobsExhausted.WithLabelValues(job.Type).Inc()
	}

	if p.observer != nil {
		p.observer.JobFailed(ctx, job, out, cause)
	}
}

// invoke вызывает handler, превращая panic в ошибку.
func (p *Pool) invoke(ctx context.Context, job *domain.Job) (err error) {
	handler, err := p.registry.Get(job.Type)
	if err != nil {
		return err
	}

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrHandlerPanic, r)
			telemetry.FromContext(ctx).Error("handler panic",
				"panic", r,
				"stack", string(debug.Stack()),
			)
		}
	}()

	return handler.Handle(ctx, job)
}

// handleJobDue обрабатывает wake-up из очереди jobs.due.
func (p *Pool) handleJobDue(_ context.Context, msg *mq.Message) {
	if msg.Type != mq.MessageTypeJobDue {
		p.logger.Warn("unexpected message in jobs.due", "type", msg.Type)
		return
	}
	payload, err := mq.ParsePayload[mq.JobDuePayload](msg)
	if err != nil {
		p.logger.Warn("invalid jobs.due payload", "error", err)
		return
	}

	p.logger.Debug("job due notification", "job_id", payload.JobID, "type", payload.Type)
	p.wakeUp()
}

// wakeUp будит один idle-воркер, если он есть.
func (p *Pool) wakeUp() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// isLeaseLost проверяет, что job перехвачен другим owner или удалён.
func isLeaseLost(err error) bool {
	return errors.Is(err, jobs.ErrLeaseLost) || errors.Is(err, jobs.ErrNotFound)
}
