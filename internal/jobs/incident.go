package jobs

import (
	"context"
	"errors"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/shaiso/Tokenflow/internal/domain"
)

// IncidentSink получает incident, когда job исчерпал retries.
//
// Реализации: repo.IncidentRepo, mq.Publisher, MemoryIncidents.
type IncidentSink interface {
	Raise(ctx context.Context, incident *domain.Incident) error
}

// IncidentResolver закрывает открытые incidents job
// (после сброса retries или удаления job оператором).
type IncidentResolver interface {
	Resolve(ctx context.Context, jobID uuid.UUID, at time.Time) (int, error)
}

// IncidentSinks — fan-out по нескольким получателям.
// Resolve вызывается у тех, кто реализует IncidentResolver.
type IncidentSinks []IncidentSink

// Raise передаёт incident всем получателям.
func (s IncidentSinks) Raise(ctx context.Context, incident *domain.Incident) error {
	var errs []error
	for _, sink := range s {
		if err := sink.Raise(ctx, incident); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Resolve закрывает incidents у всех получателей-резолверов.
func (s IncidentSinks) Resolve(ctx context.Context, jobID uuid.UUID, at time.Time) (int, error) {
	var (
		total int
		errs  []error
	)
	for _, sink := range s {
		r, ok := sink.(IncidentResolver)
		if !ok {
			continue
		}
		n, err := r.Resolve(ctx, jobID, at)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		total = max(total, n)
	}
	return total, errors.Join(errs...)
}

// MemoryIncidents — in-memory журнал incidents.
type MemoryIncidents struct {
	mu        sync.Mutex
	incidents []*domain.Incident
}

// NewMemoryIncidents создаёт пустой журнал.
func NewMemoryIncidents() *MemoryIncidents {
	return &MemoryIncidents{}
}

// Raise сохраняет копию incident.
func (m *MemoryIncidents) Raise(_ context.Context, incident *domain.Incident) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	c := *incident
	m.incidents = append(m.incidents, &c)
	return nil
}

// Resolve закрывает открытые incidents job.
func (m *MemoryIncidents) Resolve(_ context.Context, jobID uuid.UUID, at time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for _, inc := range m.incidents {
		if inc.JobID == jobID && inc.IsOpen() {
			inc.Resolve(at)
			n++
		}
	}
	return n, nil
}

// List возвращает incidents; openOnly — только открытые.
func (m *MemoryIncidents) List(openOnly bool) []*domain.Incident {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]*domain.Incident, 0, len(m.incidents))
	for _, inc := range m.incidents {
		if openOnly && !inc.IsOpen() {
			continue
		}
		c := *inc
		out = append(out, &c)
	}
	return slices.Clip(out)
}
