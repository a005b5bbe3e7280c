package domain

import (
	"time"

	"github.com/google/uuid"
)

// Execution — токен, проходящий по графу процесса.
//
// Корневой execution создаётся при старте процесса, его ID совпадает
// с ProcessInstanceID. Дочерние создаются при ветвлении и для под-scope.
// Каждый execution владеет своим VariableScope (ScopeID).
type Execution struct {
	// ID — уникальный идентификатор execution.
	ID uuid.UUID `json:"id"`

	// ProcessInstanceID — ID корневого execution.
	ProcessInstanceID uuid.UUID `json:"process_instance_id"`

	// ParentID — родительский execution, uuid.Nil для корня.
	ParentID uuid.UUID `json:"parent_id"`

	// ActivityRef — текущая позиция в графе процесса.
	ActivityRef string `json:"activity_ref"`

	// State — состояние токена.
	State ExecutionState `json:"state"`

	// ScopeID — scope переменных, принадлежащий execution.
	ScopeID uuid.UUID `json:"scope_id"`

	// CreatedAt — время создания.
	CreatedAt time.Time `json:"created_at"`

	// EndedAt — время завершения, nil пока execution активен.
	EndedAt *time.Time `json:"ended_at,omitempty"`
}

// IsRoot возвращает true для корневого execution процесса.
func (e *Execution) IsRoot() bool {
	return e.ParentID == uuid.Nil
}

// IsActive возвращает true, если токен может продвигаться.
func (e *Execution) IsActive() bool {
	return e.State == ExecutionStateActive
}

// MarkEnded переводит execution в ENDED.
func (e *Execution) MarkEnded(now time.Time) {
	e.State = ExecutionStateEnded
	e.EndedAt = &now
}

// Clone возвращает копию execution.
func (e *Execution) Clone() *Execution {
	c := *e
	if e.EndedAt != nil {
		t := *e.EndedAt
		c.EndedAt = &t
	}
	return &c
}
