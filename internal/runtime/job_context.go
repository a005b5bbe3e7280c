package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shaiso/Tokenflow/internal/domain"
	"github.com/shaiso/Tokenflow/internal/execution"
	"github.com/shaiso/Tokenflow/internal/history"
	"github.com/shaiso/Tokenflow/internal/jobs"
	"github.com/shaiso/Tokenflow/internal/telemetry"
	"github.com/shaiso/Tokenflow/internal/variable"
	"github.com/shaiso/Tokenflow/internal/worker"
)

// Body — тело работы job.
//
// Ошибка списывает одну попытку, изменения durable scopes откатываются
// (включая записи, ушедшие через Scope к предкам), execution остаётся
// на прежнем activityRef. Ошибки неправильного использования scope
// (*variable.ScopeError) исчерпывают job сразу.
type Body func(ctx context.Context, jc *JobContext) error

// JobContext — то, что видит тело работы.
type JobContext struct {
	Job       *domain.Job
	Execution *domain.Execution
	Scope     *variable.Scope

	rt      *Runtime
	advance string
	end     bool
}

// Advance продвигает токен на activityRef после успешного завершения тела.
func (jc *JobContext) Advance(activityRef string) {
	jc.advance = activityRef
}

// End завершает execution после успешного завершения тела.
func (jc *JobContext) End() {
	jc.end = true
}

// ScheduleAsync планирует следующее асинхронное продолжение этого execution.
func (jc *JobContext) ScheduleAsync(ctx context.Context, spec JobSpec) (*domain.Job, error) {
	return jc.rt.ScheduleAsync(ctx, jc.Execution.ID, spec)
}

// ScheduleTimer планирует таймер этого execution.
func (jc *JobContext) ScheduleTimer(ctx context.Context, spec JobSpec, due time.Time, repeat string) (*domain.Job, error) {
	return jc.rt.ScheduleTimer(ctx, jc.Execution.ID, spec, due, repeat)
}

// Logger возвращает логгер с атрибутами job.
func (jc *JobContext) Logger(ctx context.Context) *slog.Logger {
	return telemetry.WithExecutionID(telemetry.FromContext(ctx), jc.Execution.ID.String())
}

// run выполняет тело работы для job и применяет результат к execution.
func (r *Runtime) run(ctx context.Context, job *domain.Job, body Body) error {
	exec, err := r.executions.Get(job.ExecutionID)
	if errors.Is(err, execution.ErrNotFound) {
		// execution ведёт другой движок с общей таблицей jobs
		return fmt.Errorf("%w: job %s: %w", worker.ErrJobNotOwned, job.ID, err)
	}
	if err != nil {
		return jobs.Fatal(fmt.Errorf("job %s: %w", job.ID, err))
	}
	switch exec.State {
	case domain.ExecutionStateEnded:
		return jobs.Fatal(fmt.Errorf("%w: %s", execution.ErrEnded, exec.ID))
	case domain.ExecutionStateSuspended:
		return fmt.Errorf("%w: %s", execution.ErrNotActive, exec.ID)
	}

	jc := &JobContext{
		Job:       job,
		Execution: exec,
		Scope:     r.tree.Track(exec.ScopeID),
		rt:        r,
	}

	defer func() {
		if p := recover(); p != nil {
			r.rollback(exec, jc.Scope)
			panic(p)
		}
	}()

	if err := body(ctx, jc); err != nil {
		r.rollback(exec, jc.Scope)
		return err
	}

	if err := r.commit(ctx, exec, jc.Scope); err != nil {
		r.rollback(exec, jc.Scope)
		return fmt.Errorf("commit variables: %w", err)
	}

	switch {
	case jc.end:
		if err := r.end(ctx, exec.ID, job.ID); err != nil {
			return fmt.Errorf("end execution: %w", err)
		}
	case jc.advance != "" && jc.advance != exec.ActivityRef:
		if err := r.executions.MoveTo(exec.ID, jc.advance); err != nil {
			return fmt.Errorf("advance execution: %w", err)
		}
		moved := exec.Clone()
		moved.ActivityRef = jc.advance
		r.record(ctx, history.FromExecution(history.EventExecutionMoved, moved, r.clock()))
	}
	return nil
}

// commit сохраняет durable scopes поддерева execution и scope предков,
// в которые писало тело.
func (r *Runtime) commit(ctx context.Context, exec *domain.Execution, scope *variable.Scope) error {
	if err := r.tree.Commit(ctx, exec.ScopeID, r.persister); err != nil {
		return err
	}
	return r.tree.CommitScopes(ctx, r.persister, scope.Touched()...)
}

// rollback отменяет несохранённые изменения тех же scope, что и commit.
func (r *Runtime) rollback(exec *domain.Execution, scope *variable.Scope) {
	r.tree.RollbackScopes(scope.Touched()...)
	if err := r.tree.Rollback(exec.ScopeID); err != nil {
		r.logger.Warn("failed to roll back scope",
			"execution_id", exec.ID,
			"error", err,
		)
	}
}
