package domain

import (
	"maps"
	"slices"
	"time"

	"github.com/google/uuid"
)

// VariableInstance — значение переменной в конкретном scope.
//
// Имя уникально в пределах store, которому принадлежит переменная.
// Изменяется только владеющим store.
type VariableInstance struct {
	// ScopeID — scope, в store которого хранится переменная.
	ScopeID uuid.UUID `json:"scope_id"`

	// Name — имя переменной.
	Name string `json:"name"`

	// Value — десериализованное значение.
	Value any `json:"value"`

	// Format — формат сериализации ("primitive", "application/json", ...).
	Format string `json:"format,omitempty"`

	// Config — настройки формата, сохраняются вместе со значением.
	Config map[string]string `json:"config,omitempty"`

	// Serialized — сериализованное значение (только для durable store).
	Serialized []byte `json:"-"`

	// SourceScopeID — scope, из которого пришла запись.
	SourceScopeID uuid.UUID `json:"source_scope_id"`

	// Version — растёт при каждой перезаписи.
	Version int `json:"version"`

	// CreatedAt — время создания.
	CreatedAt time.Time `json:"created_at"`

	// UpdatedAt — время последней записи.
	UpdatedAt time.Time `json:"updated_at"`
}

// Clone возвращает копию экземпляра. Value копируется поверхностно.
func (v *VariableInstance) Clone() *VariableInstance {
	c := *v
	if v.Config != nil {
		c.Config = maps.Clone(v.Config)
	}
	if v.Serialized != nil {
		c.Serialized = slices.Clone(v.Serialized)
	}
	return &c
}
