package worker

import "errors"

// Ошибки воркера.
var (
	// ErrUnknownJobType — нет handler'а для данного типа job.
	ErrUnknownJobType = errors.New("unknown job type")

	// ErrExecutionTimeout — выполнение job превысило таймаут.
	ErrExecutionTimeout = errors.New("execution timeout")

	// ErrHandlerPanic — handler упал с panic.
	ErrHandlerPanic = errors.New("handler panic")

	// ErrPoolStopped — пул остановлен.
	ErrPoolStopped = errors.New("worker pool stopped")

	// ErrJobNotOwned — job относится к execution, которого этот движок
	// не знает. Lease снимается без списания попытки.
	ErrJobNotOwned = errors.New("job not owned by this engine")
)
