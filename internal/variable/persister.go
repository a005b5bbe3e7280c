package variable

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/shaiso/Tokenflow/internal/domain"
)

// MemoryPersister хранит сохранённые переменные в памяти процесса.
// Используется во встроенном режиме без PostgreSQL.
type MemoryPersister struct {
	mu   sync.Mutex
	rows map[uuid.UUID]map[string]*domain.VariableInstance
}

// NewMemoryPersister создаёт пустой MemoryPersister.
func NewMemoryPersister() *MemoryPersister {
	return &MemoryPersister{rows: make(map[uuid.UUID]map[string]*domain.VariableInstance)}
}

var _ Persister = (*MemoryPersister)(nil)

// SaveVariables применяет изменения scope.
func (p *MemoryPersister) SaveVariables(_ context.Context, scopeID uuid.UUID, changes []Change) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	rows := p.rows[scopeID]
	if rows == nil {
		rows = make(map[string]*domain.VariableInstance)
		p.rows[scopeID] = rows
	}
	for _, c := range changes {
		if c.Kind == ChangeRemoved {
			delete(rows, c.Variable.Name)
			continue
		}
		rows[c.Variable.Name] = c.Variable.Clone()
	}
	return nil
}

// LoadVariables возвращает сохранённые переменные scope по имени.
func (p *MemoryPersister) LoadVariables(_ context.Context, scopeID uuid.UUID) ([]*domain.VariableInstance, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	return sortedInstances(p.rows[scopeID]), nil
}

// DeleteScopes удаляет переменные scope.
func (p *MemoryPersister) DeleteScopes(_ context.Context, scopeIDs []uuid.UUID) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, id := range scopeIDs {
		delete(p.rows, id)
	}
	return nil
}

// Scopes возвращает количество scope с сохранёнными переменными.
func (p *MemoryPersister) Scopes() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.rows)
}
