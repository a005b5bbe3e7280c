package worker

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/shaiso/Tokenflow/internal/domain"
)

// Handler выполняет тело job конкретного типа.
//
// ctx отменяется по ExecTimeout и при потере lease.
// Ошибка считается неудачной попыткой и списывает одну retry.
type Handler interface {
	Handle(ctx context.Context, job *domain.Job) error
}

// HandlerFunc — адаптер функции к Handler.
type HandlerFunc func(ctx context.Context, job *domain.Job) error

// Handle вызывает f(ctx, job).
func (f HandlerFunc) Handle(ctx context.Context, job *domain.Job) error {
	return f(ctx, job)
}

// Registry — реестр handler'ов по типу job.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewRegistry создаёт пустой реестр.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register добавляет handler для типа job. Повторная регистрация заменяет handler.
func (r *Registry) Register(jobType string, handler Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[jobType] = handler
}

// Get возвращает handler для типа job.
func (r *Registry) Get(jobType string) (Handler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	handler, ok := r.handlers[jobType]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownJobType, jobType)
	}
	return handler, nil
}

// Types возвращает зарегистрированные типы в отсортированном порядке.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	types := make([]string, 0, len(r.handlers))
	for t := range r.handlers {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}
