package variable

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// Ошибки пакета variable.
var (
	// ErrScopeNotFound — scope с таким ID не существует.
	ErrScopeNotFound = errors.New("scope not found")

	// ErrScopeDestroyed — scope уже уничтожен вместе с execution.
	ErrScopeDestroyed = errors.New("scope destroyed")

	// ErrScopeExists — scope с таким ID уже создан.
	ErrScopeExists = errors.New("scope already exists")

	// ErrEmptyName — пустое имя переменной.
	ErrEmptyName = errors.New("variable name is empty")

	// ErrSerialization — значение не удалось сериализовать.
	ErrSerialization = errors.New("variable serialization failed")

	// ErrUnknownFormat — формат сериализации не зарегистрирован.
	ErrUnknownFormat = errors.New("unknown serialization format")
)

// ScopeError — ошибка неправильного использования дерева scope.
type ScopeError struct {
	Op      string    // операция: get, set, remove, ...
	ScopeID uuid.UUID // scope, к которому обращались
	Err     error     // ErrScopeNotFound или ErrScopeDestroyed
}

// Error реализует интерфейс error.
func (e *ScopeError) Error() string {
	return fmt.Sprintf("%s on scope %s: %v", e.Op, e.ScopeID, e.Err)
}

// Unwrap возвращает базовую ошибку.
func (e *ScopeError) Unwrap() error {
	return e.Err
}

// Fatal сообщает, что ошибка не должна повторяться через retry.
func (e *ScopeError) Fatal() bool {
	return true
}

func scopeError(op string, id uuid.UUID, err error) *ScopeError {
	return &ScopeError{Op: op, ScopeID: id, Err: err}
}
