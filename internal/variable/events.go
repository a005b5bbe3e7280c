package variable

import (
	"time"

	"github.com/google/uuid"
)

// EventKind — тип изменения переменной.
type EventKind string

const (
	EventCreated EventKind = "variable.created"
	EventUpdated EventKind = "variable.updated"
	EventRemoved EventKind = "variable.removed"
)

// Event — локальное изменение переменной в scope.
type Event struct {
	Kind EventKind

	// ScopeID — scope, в котором изменилась переменная.
	ScopeID uuid.UUID

	// SourceScopeID — scope, из которого был вызван Set/Remove.
	SourceScopeID uuid.UUID

	Name   string
	Value  any
	Format string
	Time   time.Time
}

// Listener получает события изменения переменных.
// Вызывается после снятия блокировки дерева.
type Listener interface {
	VariableChanged(ev Event)
}

// ListenerFunc — адаптер функции к Listener.
type ListenerFunc func(ev Event)

// VariableChanged вызывает f(ev).
func (f ListenerFunc) VariableChanged(ev Event) {
	f(ev)
}

type noopListener struct{}

func (noopListener) VariableChanged(Event) {}
