package jobs

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/shaiso/Tokenflow/internal/domain"
)

// MemoryStore — in-process таблица jobs.
//
// Повторяет семантику repo.JobRepo: CAS по версии, exclusivity внутри
// блокировки таблицы. Используется в тестах и встроенном режиме.
type MemoryStore struct {
	mu   sync.Mutex
	jobs map[uuid.UUID]*domain.Job
}

// NewMemoryStore создаёт пустую таблицу.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{jobs: make(map[uuid.UUID]*domain.Job)}
}

// Insert сохраняет копию job.
func (s *MemoryStore) Insert(_ context.Context, job *domain.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.jobs[job.ID]; ok {
		return fmt.Errorf("%w: duplicate id %s", ErrInvalidJob, job.ID)
	}
	s.jobs[job.ID] = job.Clone()
	return nil
}

// Get возвращает копию job.
func (s *MemoryStore) Get(_ context.Context, id uuid.UUID) (*domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return job.Clone(), nil
}

// ListAcquirable возвращает кандидатов на захват.
func (s *MemoryStore) ListAcquirable(_ context.Context, now time.Time, limit int, processInstances []uuid.UUID) ([]*domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*domain.Job
	for _, job := range s.jobs {
		if processInstances != nil && !slices.Contains(processInstances, job.ProcessInstanceID) {
			continue
		}
		if job.IsAcquirable(now) {
			out = append(out, job.Clone())
		}
	}
	slices.SortFunc(out, func(a, b *domain.Job) int {
		if c := a.DueDate.Compare(b.DueDate); c != 0 {
			return c
		}
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID.String(), b.ID.String())
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Claim выполняет CAS захвата.
func (s *MemoryStore) Claim(_ context.Context, job *domain.Job, owner string, now, until time.Time) (*domain.Job, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.jobs[job.ID]
	if !ok || cur.Version != job.Version || !cur.IsAcquirable(now) {
		return nil, false, nil
	}
	if cur.Exclusive && s.exclusiveLeaseHeld(cur, now) {
		return nil, false, nil
	}

	cur.LockOwner = owner
	cur.LockExpiresAt = &until
	cur.Version++
	cur.UpdatedAt = now
	return cur.Clone(), true, nil
}

// exclusiveLeaseHeld проверяет, держит ли другой exclusive job того же
// process instance действующий lease. Вызывается под s.mu.
func (s *MemoryStore) exclusiveLeaseHeld(job *domain.Job, now time.Time) bool {
	for _, other := range s.jobs {
		if other.ID == job.ID || !other.Exclusive {
			continue
		}
		if other.ProcessInstanceID == job.ProcessInstanceID && other.IsLocked(now) {
			return true
		}
	}
	return false
}

// Renew продлевает lease.
func (s *MemoryStore) Renew(_ context.Context, id uuid.UUID, owner string, now, until time.Time) (*domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, err := s.owned(id, owner)
	if err != nil {
		return nil, err
	}
	if cur.LockExpiresAt.Before(now) {
		return nil, ErrLeaseLost
	}
	cur.LockExpiresAt = &until
	cur.Version++
	return cur.Clone(), nil
}

// Release снимает lease.
func (s *MemoryStore) Release(_ context.Context, id uuid.UUID, owner string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, err := s.owned(id, owner)
	if err != nil {
		return err
	}
	cur.ClearLock()
	cur.Version++
	return nil
}

// Fail записывает результат неудачной попытки.
func (s *MemoryStore) Fail(_ context.Context, job *domain.Job, owner string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, err := s.owned(job.ID, owner)
	if err != nil {
		return err
	}
	cur.Retries = job.Retries
	cur.DueDate = job.DueDate
	cur.ExceptionMessage = job.ExceptionMessage
	cur.ExceptionDetail = job.ExceptionDetail
	cur.UpdatedAt = job.UpdatedAt
	cur.ClearLock()
	cur.Version++
	return nil
}

// Complete удаляет job и, если задан, вставляет следующий.
func (s *MemoryStore) Complete(_ context.Context, id uuid.UUID, owner string, next *domain.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.owned(id, owner); err != nil {
		return err
	}
	if next != nil {
		if _, ok := s.jobs[next.ID]; ok {
			return fmt.Errorf("%w: duplicate id %s", ErrInvalidJob, next.ID)
		}
		s.jobs[next.ID] = next.Clone()
	}
	delete(s.jobs, id)
	return nil
}

// Delete удаляет job.
func (s *MemoryStore) Delete(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.jobs[id]; !ok {
		return ErrNotFound
	}
	delete(s.jobs, id)
	return nil
}

// Query возвращает jobs по фильтру.
func (s *MemoryStore) Query(_ context.Context, q Query) ([]*domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*domain.Job
	for _, job := range s.jobs {
		if q.Matches(job) {
			out = append(out, job.Clone())
		}
	}
	slices.SortFunc(out, func(a, b *domain.Job) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID.String(), b.ID.String())
	})
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

// Count возвращает количество jobs по фильтру.
func (s *MemoryStore) Count(_ context.Context, q Query) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, job := range s.jobs {
		if q.Matches(job) {
			n++
		}
	}
	return n, nil
}

// SetRetries устанавливает retries.
func (s *MemoryStore) SetRetries(_ context.Context, id uuid.UUID, retries int) (*domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	cur.Retries = retries
	cur.Version++
	return cur.Clone(), nil
}

// SetSuspended меняет флаг suspended.
func (s *MemoryStore) SetSuspended(_ context.Context, id uuid.UUID, suspended bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.jobs[id]
	if !ok {
		return ErrNotFound
	}
	if cur.Suspended != suspended {
		cur.Suspended = suspended
		cur.Version++
	}
	return nil
}

// SetSuspendedByProcessInstance меняет флаг suspended для process instance.
func (s *MemoryStore) SetSuspendedByProcessInstance(_ context.Context, processInstanceID uuid.UUID, suspended bool) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, job := range s.jobs {
		if job.ProcessInstanceID == processInstanceID && job.Suspended != suspended {
			job.Suspended = suspended
			job.Version++
			n++
		}
	}
	return n, nil
}

// owned возвращает строку, если lease принадлежит owner. Вызывается под s.mu.
func (s *MemoryStore) owned(id uuid.UUID, owner string) (*domain.Job, error) {
	cur, ok := s.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	if cur.LockOwner != owner || cur.LockExpiresAt == nil {
		return nil, ErrLeaseLost
	}
	return cur, nil
}
