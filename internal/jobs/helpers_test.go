package jobs

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/shaiso/Tokenflow/internal/domain"
)

var t0 = time.Date(2024, 4, 1, 12, 0, 0, 0, time.UTC)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fixture — очередь поверх MemoryStore с управляемыми часами.
type fixture struct {
	clock     *ManualClock
	store     *MemoryStore
	incidents *MemoryIncidents
	queue     *Queue
	retry     *RetryScheduler
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	clock := NewManualClock(t0)
	store := NewMemoryStore()
	incidents := NewMemoryIncidents()

	return &fixture{
		clock:     clock,
		store:     store,
		incidents: incidents,
		queue: NewQueue(QueueConfig{
			Store:     store,
			Clock:     clock.Now,
			Incidents: incidents,
			Logger:    discardLogger(),
		}),
		retry: NewRetryScheduler(RetryConfig{
			Store:     store,
			Clock:     clock.Now,
			Backoff:   Fixed{Delay: 10 * time.Second},
			Incidents: incidents,
			Logger:    discardLogger(),
		}),
	}
}

func (f *fixture) lease(owner string) *LeaseManager {
	return NewLeaseManager(LeaseConfig{
		Store:    f.store,
		Clock:    f.clock.Now,
		Owner:    owner,
		Duration: time.Minute,
	})
}

func (f *fixture) schedule(t *testing.T, nj NewJob) *domain.Job {
	t.Helper()
	if nj.Type == "" {
		nj.Type = "test"
	}
	if nj.ExecutionID == uuid.Nil {
		nj.ExecutionID = uuid.New()
	}
	job, err := f.queue.Schedule(context.Background(), nj)
	if err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	return job
}

func (f *fixture) count(t *testing.T, q Query) int {
	t.Helper()
	n, err := f.store.Count(context.Background(), q)
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	return n
}
