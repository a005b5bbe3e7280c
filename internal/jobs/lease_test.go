package jobs

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestLeaseManager_ExclusiveSameProcessInstance(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	pi := uuid.New()

	f.schedule(t, NewJob{ExecutionID: uuid.New(), ProcessInstanceID: pi, Exclusive: true})
	f.schedule(t, NewJob{ExecutionID: uuid.New(), ProcessInstanceID: pi, Exclusive: true})

	a, b := f.lease("a"), f.lease("b")

	first, _ := a.AcquireOne(ctx)
	if first == nil {
		t.Fatal("first exclusive job should be acquired")
	}
	second, _ := b.AcquireOne(ctx)
	if second != nil {
		t.Fatal("second exclusive job of the same process instance must wait")
	}

	if err := a.Release(ctx, first); err != nil {
		t.Fatalf("Release: %v", err)
	}
	second, _ = b.AcquireOne(ctx)
	if second == nil {
		t.Fatal("exclusive job should be acquirable after release")
	}
}

func TestLeaseManager_ExclusiveDifferentProcessInstances(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	f.schedule(t, NewJob{ProcessInstanceID: uuid.New(), Exclusive: true})
	f.schedule(t, NewJob{ProcessInstanceID: uuid.New(), Exclusive: true})

	first, _ := f.lease("a").AcquireOne(ctx)
	second, _ := f.lease("b").AcquireOne(ctx)
	if first == nil || second == nil {
		t.Fatal("exclusive jobs of different process instances run in parallel")
	}
	if first.ID == second.ID {
		t.Fatal("same job leased twice")
	}
}

func TestLeaseManager_NonExclusiveSameProcessInstance(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	pi := uuid.New()

	f.schedule(t, NewJob{ProcessInstanceID: pi})
	f.schedule(t, NewJob{ProcessInstanceID: pi, Exclusive: true})

	first, _ := f.lease("a").AcquireOne(ctx)
	second, _ := f.lease("b").AcquireOne(ctx)
	if first == nil || second == nil {
		t.Fatal("non-exclusive job does not block exclusive job")
	}
}

func TestLeaseManager_ExclusiveExpiredLeaseDoesNotBlock(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	pi := uuid.New()

	f.schedule(t, NewJob{ProcessInstanceID: pi, Exclusive: true})
	f.schedule(t, NewJob{ProcessInstanceID: pi, Exclusive: true})

	if job, _ := f.lease("a").AcquireOne(ctx); job == nil {
		t.Fatal("first job should be acquired")
	}

	f.clock.Advance(2 * time.Minute)
	first, _ := f.lease("b").AcquireOne(ctx)
	second, _ := f.lease("c").AcquireOne(ctx)
	if first == nil {
		t.Fatal("job should be acquirable after lease expiry")
	}
	if second != nil {
		t.Fatal("only one exclusive job may hold a lease")
	}
}

func TestLeaseManager_ConcurrentWorkersNeverShareLease(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	for i := 0; i < 20; i++ {
		f.schedule(t, NewJob{})
	}

	var (
		mu    sync.Mutex
		seen  = make(map[uuid.UUID]string)
		dupes int
		wg    sync.WaitGroup
	)
	for w := 0; w < 8; w++ {
		lease := f.lease(uuid.NewString())
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				job, err := lease.AcquireOne(ctx)
				if err != nil {
					t.Errorf("AcquireOne: %v", err)
					return
				}
				if job == nil {
					return
				}
				mu.Lock()
				if _, ok := seen[job.ID]; ok {
					dupes++
				}
				seen[job.ID] = lease.Owner()
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if dupes != 0 {
		t.Errorf("%d jobs leased twice", dupes)
	}
	if len(seen) != 20 {
		t.Errorf("expected 20 leased jobs, got %d", len(seen))
	}
}

func TestLeaseManager_StaleCandidateLosesCAS(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.schedule(t, NewJob{})

	candidates, _ := f.store.ListAcquirable(ctx, f.clock.Now(), 10, nil)
	if len(candidates) != 1 {
		t.Fatalf("expected 1 candidate, got %d", len(candidates))
	}
	stale := candidates[0]

	if job, _ := f.lease("a").AcquireOne(ctx); job == nil {
		t.Fatal("a should acquire")
	}

	now := f.clock.Now()
	_, ok, err := f.store.Claim(ctx, stale, "b", now, now.Add(time.Minute))
	if err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if ok {
		t.Error("claim with stale version must fail")
	}
}

func TestLeaseManager_Renew(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.schedule(t, NewJob{})

	a := f.lease("a")
	job, _ := a.AcquireOne(ctx)

	f.clock.Advance(50 * time.Second)
	renewed, err := a.Renew(ctx, job)
	if err != nil {
		t.Fatalf("Renew: %v", err)
	}
	if want := f.clock.Now().Add(time.Minute); !renewed.LockExpiresAt.Equal(want) {
		t.Errorf("expected lease until %v, got %v", want, renewed.LockExpiresAt)
	}

	// после продления lease ещё действует
	f.clock.Advance(30 * time.Second)
	if other, _ := f.lease("b").AcquireOne(ctx); other != nil {
		t.Error("renewed lease must not be reclaimed")
	}

	if _, err := f.lease("b").Renew(ctx, job); !errors.Is(err, ErrLeaseLost) {
		t.Errorf("foreign renew: expected ErrLeaseLost, got %v", err)
	}
}

func TestLeaseManager_ExpiredExclusiveLeaseNotRenewed(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	pi := uuid.New()

	f.schedule(t, NewJob{ProcessInstanceID: pi, Exclusive: true})
	f.schedule(t, NewJob{ProcessInstanceID: pi, Exclusive: true})

	a, b := f.lease("a"), f.lease("b")
	first, _ := a.AcquireOne(ctx)
	if first == nil {
		t.Fatal("first exclusive job should be acquired")
	}

	f.clock.Advance(2 * time.Minute)
	second, _ := b.AcquireOne(ctx)
	if second == nil {
		t.Fatal("sibling should be acquirable after lease expiry")
	}

	if _, err := a.Renew(ctx, first); !errors.Is(err, ErrLeaseLost) {
		t.Fatalf("renew of expired lease: expected ErrLeaseLost, got %v", err)
	}

	held := 0
	list, _ := f.store.Query(ctx, Query{ProcessInstanceID: pi})
	for _, job := range list {
		if job.IsLocked(f.clock.Now()) {
			held++
		}
	}
	if held != 1 {
		t.Errorf("exclusive jobs holding live leases = %d, want 1", held)
	}
}

func TestLeaseManager_ProcessInstancesFilter(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	mine, foreign := uuid.New(), uuid.New()

	f.schedule(t, NewJob{ProcessInstanceID: foreign})
	own := f.schedule(t, NewJob{ProcessInstanceID: mine})

	owned := []uuid.UUID{}
	m := NewLeaseManager(LeaseConfig{
		Store:            f.store,
		Clock:            f.clock.Now,
		Owner:            "engine-a",
		Duration:         time.Minute,
		BatchSize:        1,
		ProcessInstances: func() []uuid.UUID { return owned },
	})

	if job, _ := m.AcquireOne(ctx); job != nil {
		t.Fatalf("engine without process instances acquired %s", job.ID)
	}

	owned = []uuid.UUID{mine}
	job, err := m.AcquireOne(ctx)
	if err != nil {
		t.Fatalf("AcquireOne: %v", err)
	}
	if job == nil || job.ID != own.ID {
		t.Fatalf("acquired %v, want own job %s", job, own.ID)
	}
	if job, _ := m.AcquireOne(ctx); job != nil {
		t.Errorf("foreign job %s must not be acquired", job.ID)
	}
}

func TestLeaseManager_SuspendedNotAcquired(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	job := f.schedule(t, NewJob{})

	if err := f.queue.Suspend(ctx, job.ID); err != nil {
		t.Fatalf("Suspend: %v", err)
	}
	if got, _ := f.lease("a").AcquireOne(ctx); got != nil {
		t.Fatal("suspended job must not be acquired")
	}

	f.queue.Resume(ctx, job.ID)
	if got, _ := f.lease("a").AcquireOne(ctx); got == nil {
		t.Fatal("resumed job should be acquired")
	}
}
