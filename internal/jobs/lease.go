package jobs

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/shaiso/Tokenflow/internal/domain"
)

// Значения по умолчанию для lease.
const (
	DefaultLeaseDuration = 5 * time.Minute
	DefaultBatchSize     = 10
)

// LeaseManager захватывает jobs от имени одного владельца.
//
// Каждый воркер пула имеет свой LeaseManager с уникальным owner.
type LeaseManager struct {
	store    Store
	clock    Clock
	owner    string
	duration time.Duration
	batch    int
	scope    func() []uuid.UUID
}

// LeaseConfig — конфигурация LeaseManager.
type LeaseConfig struct {
	Store Store
	Clock Clock // default: SystemClock

	// Owner — ID владельца lease (default: случайный UUID).
	Owner string

	// Duration — длительность lease (default: 5m).
	Duration time.Duration

	// BatchSize — количество кандидатов за одно чтение (default: 10).
	BatchSize int

	// ProcessInstances — process instances, jobs которых можно захватывать
	// (default: nil, любые). Движок передаёт свои живые process instances,
	// чтобы не трогать jobs других движков с общей таблицей.
	ProcessInstances func() []uuid.UUID
}

// NewLeaseManager создаёт LeaseManager.
func NewLeaseManager(cfg LeaseConfig) *LeaseManager {
	clock := cfg.Clock
	if clock == nil {
		clock = SystemClock
	}
	owner := cfg.Owner
	if owner == "" {
		owner = uuid.NewString()
	}
	duration := cfg.Duration
	if duration <= 0 {
		duration = DefaultLeaseDuration
	}
	batch := cfg.BatchSize
	if batch <= 0 {
		batch = DefaultBatchSize
	}

	return &LeaseManager{
		store:    cfg.Store,
		clock:    clock,
		owner:    owner,
		duration: duration,
		batch:    batch,
		scope:    cfg.ProcessInstances,
	}
}

// Owner возвращает ID владельца.
func (m *LeaseManager) Owner() string { return m.owner }

// Duration возвращает длительность lease.
func (m *LeaseManager) Duration() time.Duration { return m.duration }

// AcquireOne захватывает первый доступный job.
// Возвращает (nil, nil), если захватить нечего.
// Проигранный CAS не ошибка: кандидат пропускается.
func (m *LeaseManager) AcquireOne(ctx context.Context) (*domain.Job, error) {
	var scope []uuid.UUID
	if m.scope != nil {
		if scope = m.scope(); len(scope) == 0 {
			return nil, nil
		}
	}

	now := m.clock()
	candidates, err := m.store.ListAcquirable(ctx, now, m.batch, scope)
	if err != nil {
		return nil, fmt.Errorf("list acquirable jobs: %w", err)
	}

	for _, candidate := range candidates {
		job, ok, err := m.store.Claim(ctx, candidate, m.owner, now, now.Add(m.duration))
		if err != nil {
			return nil, fmt.Errorf("claim job %s: %w", candidate.ID, err)
		}
		if ok {
			return job, nil
		}
	}
	return nil, nil
}

// Renew продлевает lease на полную длительность.
// Истёкший lease не продлевается: ErrLeaseLost.
func (m *LeaseManager) Renew(ctx context.Context, job *domain.Job) (*domain.Job, error) {
	now := m.clock()
	return m.store.Renew(ctx, job.ID, m.owner, now, now.Add(m.duration))
}

// Release снимает lease без списания попытки.
func (m *LeaseManager) Release(ctx context.Context, job *domain.Job) error {
	return m.store.Release(ctx, job.ID, m.owner)
}
