package variable

import (
	"context"
	"slices"

	"github.com/google/uuid"

	"github.com/shaiso/Tokenflow/internal/domain"
)

// Store — хранилище переменных одного scope.
//
// Store принадлежит дереву и не синхронизируется сам:
// все вызовы идут под блокировкой Tree.
type Store interface {
	// Get возвращает экземпляр переменной.
	Get(name string) (*domain.VariableInstance, bool)

	// Put создаёт или перезаписывает переменную.
	// При ошибке store не изменяется.
	Put(inst *domain.VariableInstance) error

	// Remove удаляет переменную и возвращает удалённый экземпляр.
	Remove(name string) (*domain.VariableInstance, bool)

	// Names возвращает отсортированные имена.
	Names() []string

	// All возвращает все экземпляры, отсортированные по имени.
	All() []*domain.VariableInstance

	// Clear удаляет все переменные (при уничтожении scope).
	Clear()
}

// Persister сохраняет изменения durable store.
//
// Реализация: repo.VariableRepo.
type Persister interface {
	// SaveVariables применяет набор изменений одного scope атомарно.
	SaveVariables(ctx context.Context, scopeID uuid.UUID, changes []Change) error

	// LoadVariables читает все переменные scope.
	LoadVariables(ctx context.Context, scopeID uuid.UUID) ([]*domain.VariableInstance, error)

	// DeleteScopes удаляет runtime-переменные уничтоженных scope.
	DeleteScopes(ctx context.Context, scopeIDs []uuid.UUID) error
}

// VolatileStore — in-memory store без сериализации.
type VolatileStore struct {
	vars map[string]*domain.VariableInstance
}

// NewVolatileStore создаёт пустой volatile store.
func NewVolatileStore() *VolatileStore {
	return &VolatileStore{vars: make(map[string]*domain.VariableInstance)}
}

// Get возвращает копию экземпляра.
func (s *VolatileStore) Get(name string) (*domain.VariableInstance, bool) {
	inst, ok := s.vars[name]
	if !ok {
		return nil, false
	}
	return inst.Clone(), true
}

// Put сохраняет копию экземпляра.
func (s *VolatileStore) Put(inst *domain.VariableInstance) error {
	s.vars[inst.Name] = inst.Clone()
	return nil
}

// Remove удаляет переменную.
func (s *VolatileStore) Remove(name string) (*domain.VariableInstance, bool) {
	inst, ok := s.vars[name]
	if !ok {
		return nil, false
	}
	delete(s.vars, name)
	return inst, true
}

// Names возвращает отсортированные имена.
func (s *VolatileStore) Names() []string {
	return sortedNames(s.vars)
}

// All возвращает копии всех экземпляров.
func (s *VolatileStore) All() []*domain.VariableInstance {
	return sortedInstances(s.vars)
}

// Clear удаляет все переменные.
func (s *VolatileStore) Clear() {
	clear(s.vars)
}

func sortedNames(vars map[string]*domain.VariableInstance) []string {
	names := make([]string, 0, len(vars))
	for name := range vars {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

func sortedInstances(vars map[string]*domain.VariableInstance) []*domain.VariableInstance {
	names := sortedNames(vars)
	out := make([]*domain.VariableInstance, 0, len(names))
	for _, name := range names {
		out = append(out, vars[name].Clone())
	}
	return out
}
