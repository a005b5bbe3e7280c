package execution

import "errors"

// Ошибки пакета execution.
var (
	// ErrNotFound — execution не существует.
	ErrNotFound = errors.New("execution not found")

	// ErrEnded — операция над завершённым execution.
	ErrEnded = errors.New("execution ended")

	// ErrNotActive — execution приостановлен.
	ErrNotActive = errors.New("execution is not active")
)
