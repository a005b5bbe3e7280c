package runtime

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/shaiso/Tokenflow/internal/execution"
	"github.com/shaiso/Tokenflow/internal/history"
	"github.com/shaiso/Tokenflow/internal/jobs"
	"github.com/shaiso/Tokenflow/internal/variable"
	"github.com/shaiso/Tokenflow/internal/worker"
)

var t0 = time.Date(2024, 4, 1, 12, 0, 0, 0, time.UTC)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// collector — history.Sink, запоминающий события.
type collector struct {
	mu     sync.Mutex
	events []history.Event
}

func (c *collector) Record(_ context.Context, ev history.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev)
	return nil
}

func (c *collector) count(t history.EventType) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, ev := range c.events {
		if ev.Type == t {
			n++
		}
	}
	return n
}

type fixture struct {
	clock     *jobs.ManualClock
	store     *jobs.MemoryStore
	persister *variable.MemoryPersister
	incidents *jobs.MemoryIncidents
	history   *collector
	rt        *Runtime
}

func newFixture(t *testing.T, size int) *fixture {
	t.Helper()

	f := &fixture{
		clock:     jobs.NewManualClock(t0),
		store:     jobs.NewMemoryStore(),
		persister: variable.NewMemoryPersister(),
		incidents: jobs.NewMemoryIncidents(),
		history:   &collector{},
	}
	f.rt = New(Config{
		Store:      f.store,
		Persister:  f.persister,
		Incidents:  f.incidents,
		History:    []history.Sink{f.history},
		Clock:      f.clock.Now,
		Backoff:    jobs.Fixed{Delay: 10 * time.Second},
		MaxRetries: 3,
		Worker: worker.Config{
			Size:          size,
			PollInterval:  10 * time.Millisecond,
			LeaseDuration: time.Minute,
		},
		Logger: discardLogger(),
	})
	return f
}

func (f *fixture) drain(t *testing.T) int {
	t.Helper()
	n, err := f.rt.Pool().Drain(context.Background())
	if err != nil {
		t.Fatalf("Drain: %v", err)
	}
	return n
}

func (f *fixture) count(t *testing.T, q jobs.Query) int {
	t.Helper()
	n, err := f.store.Count(context.Background(), q)
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	return n
}

// Работа падает 5 раз подряд: retries 5 → 0, один incident,
// execution остаётся на месте, durable переменные откатываются.
func TestRuntime_FailingJobExhaustsAfterFiveAttempts(t *testing.T) {
	f := newFixture(t, 2)
	ctx := context.Background()

	exec, err := f.rt.StartProcess(ctx, "serviceTask", map[string]any{"attempts": 0}, true)
	if err != nil {
		t.Fatalf("StartProcess: %v", err)
	}

	var calls atomic.Int32
	f.rt.RegisterHandler("flaky", func(_ context.Context, jc *JobContext) error {
		calls.Add(1)
		n, _, err := jc.Scope.Get("attempts")
		if err != nil {
			return err
		}
		if err := jc.Scope.Set("attempts", n.(int)+1); err != nil {
			return err
		}
		jc.Advance("afterServiceTask")
		return errors.New("payment gateway unavailable")
	})

	job, err := f.rt.ScheduleAsync(ctx, exec.ID, JobSpec{Type: "flaky", MaxRetries: 5})
	if err != nil {
		t.Fatalf("ScheduleAsync: %v", err)
	}

	pi := exec.ProcessInstanceID
	for attempt := 1; attempt <= 5; attempt++ {
		if n := f.drain(t); n != 1 {
			t.Fatalf("attempt %d: processed %d jobs, want 1", attempt, n)
		}

		got, err := f.store.Get(ctx, job.ID)
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if got.Retries != 5-attempt {
			t.Errorf("attempt %d: retries = %d, want %d", attempt, got.Retries, 5-attempt)
		}
		if got.ExceptionMessage != "payment gateway unavailable" {
			t.Errorf("attempt %d: exception = %q", attempt, got.ExceptionMessage)
		}

		withException := f.count(t, jobs.Query{ProcessInstanceID: pi, WithException: true})
		retriesLeft := f.count(t, jobs.Query{ProcessInstanceID: pi, WithRetriesLeft: true})
		if withException != 1 {
			t.Errorf("attempt %d: with exception = %d, want 1", attempt, withException)
		}
		wantLeft := 1
		if attempt == 5 {
			wantLeft = 0
		}
		if retriesLeft != wantLeft {
			t.Errorf("attempt %d: with retries left = %d, want %d", attempt, retriesLeft, wantLeft)
		}

		f.clock.Advance(10 * time.Second)
	}

	// Исчерпанный job больше не выполняется
	f.clock.Advance(time.Hour)
	if n := f.drain(t); n != 0 {
		t.Errorf("exhausted job executed again")
	}
	if calls.Load() != 5 {
		t.Errorf("calls = %d, want 5", calls.Load())
	}

	current, err := f.rt.Executions().Get(exec.ID)
	if err != nil {
		t.Fatalf("Get execution: %v", err)
	}
	if current.ActivityRef != "serviceTask" {
		t.Errorf("activity ref = %q, want serviceTask", current.ActivityRef)
	}

	attempts, _, _ := f.rt.Tree().Get(exec.ScopeID, "attempts")
	if attempts != 0 {
		t.Errorf("attempts = %v, durable changes of failed attempts must be rolled back", attempts)
	}

	if open := f.incidents.List(true); len(open) != 1 || open[0].JobID != job.ID {
		t.Errorf("open incidents = %+v", open)
	}
	if n := f.history.count(history.EventJobFailed); n != 5 {
		t.Errorf("job.failed events = %d, want 5", n)
	}
	if n := f.history.count(history.EventJobExhausted); n != 1 {
		t.Errorf("job.exhausted events = %d, want 1", n)
	}
}

func TestRuntime_SuccessCommitsAndAdvances(t *testing.T) {
	f := newFixture(t, 1)
	ctx := context.Background()

	exec, err := f.rt.StartProcess(ctx, "approve", map[string]any{"amount": 100}, true)
	if err != nil {
		t.Fatalf("StartProcess: %v", err)
	}

	f.rt.RegisterHandler("approve", func(_ context.Context, jc *JobContext) error {
		if err := jc.Scope.Set("approved", true); err != nil {
			return err
		}
		jc.Advance("ship")
		return nil
	})

	if _, err := f.rt.ScheduleAsync(ctx, exec.ID, JobSpec{Type: "approve"}); err != nil {
		t.Fatalf("ScheduleAsync: %v", err)
	}
	if n := f.drain(t); n != 1 {
		t.Fatalf("processed %d, want 1", n)
	}

	if f.count(t, jobs.Query{}) != 0 {
		t.Error("job must be deleted on success")
	}

	current, _ := f.rt.Executions().Get(exec.ID)
	if current.ActivityRef != "ship" {
		t.Errorf("activity ref = %q, want ship", current.ActivityRef)
	}

	saved, err := f.persister.LoadVariables(ctx, exec.ScopeID)
	if err != nil {
		t.Fatalf("LoadVariables: %v", err)
	}
	names := make([]string, 0, len(saved))
	for _, v := range saved {
		names = append(names, v.Name)
	}
	if len(names) != 2 || names[0] != "amount" || names[1] != "approved" {
		t.Errorf("persisted variables = %v, want [amount approved]", names)
	}

	if n := f.history.count(history.EventExecutionMoved); n != 1 {
		t.Errorf("execution.moved events = %d, want 1", n)
	}
	if n := f.history.count(history.EventVariableCreated); n < 1 {
		t.Errorf("variable.created events = %d", n)
	}
}

// Exclusive jobs одного process instance не выполняются параллельно.
func TestRuntime_ExclusiveJobsOfOneProcessAreSerialised(t *testing.T) {
	f := newFixture(t, 4)
	ctx := context.Background()

	var (
		mu        sync.Mutex
		active    = map[uuid.UUID]int{}
		violation atomic.Bool
		done      atomic.Int32
	)
	f.rt.RegisterHandler("exclusive", func(_ context.Context, jc *JobContext) error {
		pi := jc.Execution.ProcessInstanceID

		mu.Lock()
		active[pi]++
		if active[pi] > 1 {
			violation.Store(true)
		}
		mu.Unlock()

		time.Sleep(2 * time.Millisecond)

		mu.Lock()
		active[pi]--
		mu.Unlock()

		done.Add(1)
		return nil
	})

	for p := 0; p < 2; p++ {
		exec, err := f.rt.StartProcess(ctx, "parallel", nil, false)
		if err != nil {
			t.Fatalf("StartProcess: %v", err)
		}
		for i := 0; i < 5; i++ {
			if _, err := f.rt.ScheduleAsync(ctx, exec.ID, JobSpec{Type: "exclusive", Exclusive: true}); err != nil {
				t.Fatalf("ScheduleAsync: %v", err)
			}
		}
	}

	if err := f.rt.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	deadline := time.Now().Add(10 * time.Second)
	for done.Load() < 10 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	f.rt.Stop()

	if done.Load() != 10 {
		t.Fatalf("completed %d jobs, want 10", done.Load())
	}
	if violation.Load() {
		t.Error("two exclusive jobs of one process instance ran concurrently")
	}
}

func TestRuntime_EndDeletesOtherJobs(t *testing.T) {
	f := newFixture(t, 1)
	ctx := context.Background()

	exec, err := f.rt.StartProcess(ctx, "wait", map[string]any{"k": "v"}, true)
	if err != nil {
		t.Fatalf("StartProcess: %v", err)
	}

	f.rt.RegisterHandler("finish", func(_ context.Context, jc *JobContext) error {
		jc.End()
		return nil
	})

	timer, err := f.rt.ScheduleTimer(ctx, exec.ID, JobSpec{Type: "reminder"}, t0.Add(time.Hour), "")
	if err != nil {
		t.Fatalf("ScheduleTimer: %v", err)
	}
	if _, err := f.rt.ScheduleAsync(ctx, exec.ID, JobSpec{Type: "finish"}); err != nil {
		t.Fatalf("ScheduleAsync: %v", err)
	}

	if n := f.drain(t); n != 1 {
		t.Fatalf("processed %d, want 1", n)
	}

	if _, err := f.store.Get(ctx, timer.ID); !errors.Is(err, jobs.ErrNotFound) {
		t.Errorf("timer must be deleted with its execution, err = %v", err)
	}
	if f.count(t, jobs.Query{}) != 0 {
		t.Error("no jobs must remain")
	}

	if _, err := f.rt.Executions().Get(exec.ID); !errors.Is(err, execution.ErrNotFound) {
		t.Errorf("ended process instance must be forgotten, err = %v", err)
	}
	if n := f.rt.Executions().Len(); n != 0 {
		t.Errorf("registry size = %d, want 0", n)
	}
	if f.persister.Scopes() != 0 {
		t.Errorf("persisted scopes = %d, want 0", f.persister.Scopes())
	}
	if n := f.history.count(history.EventJobSucceeded); n != 1 {
		t.Errorf("job.succeeded events = %d, want 1", n)
	}
	if n := f.history.count(history.EventExecutionEnded); n != 1 {
		t.Errorf("execution.ended events = %d, want 1", n)
	}
}

func TestRuntime_SuspendedProcessIsSkipped(t *testing.T) {
	f := newFixture(t, 1)
	ctx := context.Background()

	exec, _ := f.rt.StartProcess(ctx, "task", nil, false)
	child, _ := f.rt.CreateChild(ctx, exec.ID, "subprocess")
	f.rt.RegisterHandler("noop", func(context.Context, *JobContext) error { return nil })

	if _, err := f.rt.ScheduleAsync(ctx, exec.ID, JobSpec{Type: "noop"}); err != nil {
		t.Fatalf("ScheduleAsync: %v", err)
	}
	// Любой execution процесса приостанавливает весь process instance
	if err := f.rt.Suspend(ctx, child.ID); err != nil {
		t.Fatalf("Suspend: %v", err)
	}

	// Job, созданный для suspended execution, сразу suspended
	late, err := f.rt.ScheduleAsync(ctx, exec.ID, JobSpec{Type: "noop"})
	if err != nil {
		t.Fatalf("ScheduleAsync: %v", err)
	}
	if !late.Suspended {
		t.Error("job of suspended execution must be suspended")
	}

	if n := f.drain(t); n != 0 {
		t.Fatalf("suspended jobs executed: %d", n)
	}

	if err := f.rt.Activate(ctx, exec.ProcessInstanceID); err != nil {
		t.Fatalf("Activate: %v", err)
	}
	if n := f.drain(t); n != 2 {
		t.Errorf("processed %d after activate, want 2", n)
	}
}

func TestRuntime_ScopeMisuseExhaustsImmediately(t *testing.T) {
	f := newFixture(t, 1)
	ctx := context.Background()

	exec, _ := f.rt.StartProcess(ctx, "task", nil, false)
	child, err := f.rt.CreateChild(ctx, exec.ID, "subprocess")
	if err != nil {
		t.Fatalf("CreateChild: %v", err)
	}
	if err := f.rt.End(ctx, child.ID); err != nil {
		t.Fatalf("End child: %v", err)
	}

	f.rt.RegisterHandler("stale", func(context.Context, *JobContext) error {
		// Запись в уничтоженный scope
		return f.rt.Tree().Set(child.ScopeID, "x", 1)
	})

	job, err := f.rt.ScheduleAsync(ctx, exec.ID, JobSpec{Type: "stale", MaxRetries: 5})
	if err != nil {
		t.Fatalf("ScheduleAsync: %v", err)
	}
	f.drain(t)

	got, err := f.store.Get(ctx, job.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Retries != 0 {
		t.Errorf("retries = %d, scope misuse must exhaust the job", got.Retries)
	}
	if len(f.incidents.List(true)) != 1 {
		t.Error("incident must be raised")
	}
}

func TestRuntime_ScheduleOnEndedExecution(t *testing.T) {
	f := newFixture(t, 1)
	ctx := context.Background()

	exec, _ := f.rt.StartProcess(ctx, "task", nil, false)
	if err := f.rt.End(ctx, exec.ID); err != nil {
		t.Fatalf("End: %v", err)
	}
	if _, err := f.rt.ScheduleAsync(ctx, exec.ID, JobSpec{Type: "noop"}); err == nil {
		t.Error("scheduling on ended execution must fail")
	}
	if _, err := f.rt.ScheduleTimer(ctx, exec.ID, JobSpec{Type: "noop"}, time.Time{}, ""); !errors.Is(err, jobs.ErrInvalidJob) {
		t.Errorf("timer without due and repeat: err = %v", err)
	}
}

func TestRuntime_RepeatingTimer(t *testing.T) {
	f := newFixture(t, 1)
	ctx := context.Background()

	exec, _ := f.rt.StartProcess(ctx, "poll", nil, false)
	var ticks atomic.Int32
	f.rt.RegisterHandler("tick", func(context.Context, *JobContext) error {
		ticks.Add(1)
		return nil
	})

	if _, err := f.rt.ScheduleTimer(ctx, exec.ID, JobSpec{Type: "tick"}, time.Time{}, "@every 1m"); err != nil {
		t.Fatalf("ScheduleTimer: %v", err)
	}

	for i := 0; i < 3; i++ {
		f.clock.Advance(time.Minute)
		f.drain(t)
	}

	if ticks.Load() != 3 {
		t.Errorf("ticks = %d, want 3", ticks.Load())
	}
	if n := f.count(t, jobs.Query{ExecutionID: exec.ID}); n != 1 {
		t.Errorf("pending timer jobs = %d, want 1", n)
	}
}

// Дочерний execution пишет переменную, которой владеет корень.
// Неудачная попытка откатывает и запись в корне.
func TestRuntime_ChildFailureRollsBackAncestorWrites(t *testing.T) {
	f := newFixture(t, 1)
	ctx := context.Background()

	exec, err := f.rt.StartProcess(ctx, "fork", map[string]any{"counter": 1}, true)
	if err != nil {
		t.Fatalf("StartProcess: %v", err)
	}
	child, err := f.rt.CreateChild(ctx, exec.ID, "branch")
	if err != nil {
		t.Fatalf("CreateChild: %v", err)
	}

	f.rt.RegisterHandler("bump", func(_ context.Context, jc *JobContext) error {
		if err := jc.Scope.Set("counter", 99); err != nil {
			return err
		}
		if err := jc.Scope.Set("note", "partial"); err != nil {
			return err
		}
		return errors.New("downstream rejected")
	})
	if _, err := f.rt.ScheduleAsync(ctx, child.ID, JobSpec{Type: "bump"}); err != nil {
		t.Fatalf("ScheduleAsync: %v", err)
	}
	if n := f.drain(t); n != 1 {
		t.Fatalf("processed %d, want 1", n)
	}

	if v, _, _ := f.rt.Tree().Get(exec.ScopeID, "counter"); v != 1 {
		t.Errorf("root counter = %v, want 1", v)
	}
	if ok, _ := f.rt.Tree().HasLocal(exec.ScopeID, "note"); ok {
		t.Error("variable created in root by failed attempt must be rolled back")
	}

	saved, _ := f.persister.LoadVariables(ctx, exec.ScopeID)
	if len(saved) != 1 || saved[0].Name != "counter" || saved[0].Value != 1 {
		t.Errorf("persisted root variables = %+v, want [counter=1]", saved)
	}
}

// Успешная попытка сохраняет записи дочернего execution в корне.
func TestRuntime_ChildSuccessPersistsAncestorWrites(t *testing.T) {
	f := newFixture(t, 1)
	ctx := context.Background()

	exec, err := f.rt.StartProcess(ctx, "fork", map[string]any{"counter": 1}, true)
	if err != nil {
		t.Fatalf("StartProcess: %v", err)
	}
	child, _ := f.rt.CreateChild(ctx, exec.ID, "branch")

	f.rt.RegisterHandler("bump", func(_ context.Context, jc *JobContext) error {
		if err := jc.Scope.Set("counter", 2); err != nil {
			return err
		}
		return jc.Scope.Set("result", "ok")
	})
	if _, err := f.rt.ScheduleAsync(ctx, child.ID, JobSpec{Type: "bump"}); err != nil {
		t.Fatalf("ScheduleAsync: %v", err)
	}
	if n := f.drain(t); n != 1 {
		t.Fatalf("processed %d, want 1", n)
	}

	saved, err := f.persister.LoadVariables(ctx, exec.ScopeID)
	if err != nil {
		t.Fatalf("LoadVariables: %v", err)
	}
	got := map[string]any{}
	for _, v := range saved {
		got[v.Name] = v.Value
	}
	if len(got) != 2 || got["counter"] != 2 || got["result"] != "ok" {
		t.Errorf("persisted root variables = %v, want counter=2 result=ok", got)
	}
	if local, _ := f.persister.LoadVariables(ctx, child.ScopeID); len(local) != 0 {
		t.Errorf("child scope rows = %d, want 0", len(local))
	}
}

// Два движка делят таблицу jobs: чужие jobs не выполняются и не
// теряют попытки.
func TestRuntime_ForeignJobsAreLeftAlone(t *testing.T) {
	f := newFixture(t, 1)
	ctx := context.Background()

	peer := New(Config{
		Store:  f.store,
		Clock:  f.clock.Now,
		Worker: worker.Config{Size: 2, LeaseDuration: time.Minute},
		Logger: discardLogger(),
	})

	var calls atomic.Int32
	noop := func(context.Context, *JobContext) error {
		calls.Add(1)
		return nil
	}
	f.rt.RegisterHandler("noop", noop)
	peer.RegisterHandler("noop", noop)

	exec, _ := f.rt.StartProcess(ctx, "task", nil, false)
	job, err := f.rt.ScheduleAsync(ctx, exec.ID, JobSpec{Type: "noop"})
	if err != nil {
		t.Fatalf("ScheduleAsync: %v", err)
	}

	n, err := peer.Pool().Drain(ctx)
	if err != nil {
		t.Fatalf("peer Drain: %v", err)
	}
	if n != 0 || calls.Load() != 0 {
		t.Fatalf("peer executed foreign job: processed=%d calls=%d", n, calls.Load())
	}
	got, err := f.store.Get(ctx, job.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Retries != 3 || got.HasException() || got.LockOwner != "" {
		t.Errorf("foreign job touched: retries=%d exception=%q owner=%q", got.Retries, got.ExceptionMessage, got.LockOwner)
	}
	if len(f.incidents.List(true)) != 0 {
		t.Error("no incident expected")
	}

	if n := f.drain(t); n != 1 {
		t.Fatalf("owner processed %d, want 1", n)
	}
	if calls.Load() != 1 {
		t.Errorf("calls = %d, want 1", calls.Load())
	}
}

// Job своего process instance, чей execution неизвестен движку,
// возвращается в очередь без списания попытки.
func TestRuntime_UnknownExecutionIsReleased(t *testing.T) {
	f := newFixture(t, 1)
	ctx := context.Background()

	exec, _ := f.rt.StartProcess(ctx, "task", nil, false)
	f.rt.RegisterHandler("noop", func(context.Context, *JobContext) error { return nil })

	job, err := f.rt.Queue().Schedule(ctx, jobs.NewJob{
		Type:              "noop",
		ExecutionID:       uuid.New(),
		ProcessInstanceID: exec.ProcessInstanceID,
	})
	if err != nil {
		t.Fatalf("Schedule: %v", err)
	}

	if n := f.drain(t); n != 0 {
		t.Errorf("processed %d, want 0", n)
	}
	got, err := f.store.Get(ctx, job.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Retries != 3 || got.HasException() {
		t.Errorf("retries=%d exception=%q, attempt must not be charged", got.Retries, got.ExceptionMessage)
	}
	if got.LockExpiresAt != nil {
		t.Error("lease must be released")
	}
	if len(f.incidents.List(true)) != 0 {
		t.Error("no incident expected")
	}
}
