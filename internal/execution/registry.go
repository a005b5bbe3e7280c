package execution

import (
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/shaiso/Tokenflow/internal/domain"
	"github.com/shaiso/Tokenflow/internal/variable"
)

// Registry — арена execution.
type Registry struct {
	mu    sync.RWMutex
	nodes map[uuid.UUID]*node

	tree    *variable.Tree
	formats *variable.Formats
	now     func() time.Time
}

type node struct {
	exec     *domain.Execution
	children []uuid.UUID
	durable  bool
}

// Config — настройки Registry.
type Config struct {
	// Tree — дерево scope. Если nil, создаётся новое.
	Tree *variable.Tree

	// Formats — форматы сериализации для durable scope.
	Formats *variable.Formats

	// Now — источник времени. По умолчанию time.Now.
	Now func() time.Time
}

// NewRegistry создаёт пустой Registry.
func NewRegistry(cfg Config) *Registry {
	if cfg.Tree == nil {
		cfg.Tree = variable.NewTree()
	}
	if cfg.Formats == nil {
		cfg.Formats = variable.NewFormats()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Registry{
		nodes:   make(map[uuid.UUID]*node),
		tree:    cfg.Tree,
		formats: cfg.Formats,
		now:     cfg.Now,
	}
}

// Tree возвращает дерево scope.
func (r *Registry) Tree() *variable.Tree {
	return r.tree
}

// Start создаёт корневой execution процесса со scope и начальными переменными.
// durable выбирает DurableStore для всего дерева execution.
func (r *Registry) Start(activityRef string, vars map[string]any, durable bool) (*domain.Execution, error) {
	id := uuid.New()
	if err := r.tree.Create(id, uuid.Nil, r.newStore(durable)); err != nil {
		return nil, fmt.Errorf("create scope: %w", err)
	}

	names := make([]string, 0, len(vars))
	for name := range vars {
		names = append(names, name)
	}
	slices.Sort(names)
	for _, name := range names {
		if err := r.tree.SetLocal(id, name, vars[name]); err != nil {
			r.tree.Destroy(id)
			return nil, fmt.Errorf("set variable %q: %w", name, err)
		}
	}

	exec := &domain.Execution{
		ID:                id,
		ProcessInstanceID: id,
		ActivityRef:       activityRef,
		State:             domain.ExecutionStateActive,
		ScopeID:           id,
		CreatedAt:         r.now(),
	}

	r.mu.Lock()
	r.nodes[id] = &node{exec: exec, durable: durable}
	r.mu.Unlock()

	return exec.Clone(), nil
}

// CreateChild создаёт дочерний execution с дочерним scope.
func (r *Registry) CreateChild(parentID uuid.UUID, activityRef string) (*domain.Execution, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	parent, err := r.lookup(parentID)
	if err != nil {
		return nil, err
	}
	if parent.exec.State == domain.ExecutionStateEnded {
		return nil, fmt.Errorf("%w: %s", ErrEnded, parentID)
	}

	id := uuid.New()
	if err := r.tree.Create(id, parent.exec.ScopeID, r.newStore(parent.durable)); err != nil {
		return nil, fmt.Errorf("create scope: %w", err)
	}

	exec := &domain.Execution{
		ID:                id,
		ProcessInstanceID: parent.exec.ProcessInstanceID,
		ParentID:          parentID,
		ActivityRef:       activityRef,
		State:             parent.exec.State,
		ScopeID:           id,
		CreatedAt:         r.now(),
	}
	r.nodes[id] = &node{exec: exec, durable: parent.durable}
	parent.children = append(parent.children, id)

	return exec.Clone(), nil
}

// Get возвращает копию execution.
func (r *Registry) Get(id uuid.UUID) (*domain.Execution, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n, err := r.lookup(id)
	if err != nil {
		return nil, err
	}
	return n.exec.Clone(), nil
}

// Children возвращает дочерние execution в порядке создания.
func (r *Registry) Children(id uuid.UUID) ([]*domain.Execution, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n, err := r.lookup(id)
	if err != nil {
		return nil, err
	}
	out := make([]*domain.Execution, 0, len(n.children))
	for _, childID := range n.children {
		out = append(out, r.nodes[childID].exec.Clone())
	}
	return out, nil
}

// ProcessInstance возвращает корневой execution процесса, к которому
// относится id.
func (r *Registry) ProcessInstance(id uuid.UUID) (*domain.Execution, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n, err := r.lookup(id)
	if err != nil {
		return nil, err
	}
	root, err := r.lookup(n.exec.ProcessInstanceID)
	if err != nil {
		return nil, err
	}
	return root.exec.Clone(), nil
}

// ProcessInstances возвращает ID незавершённых process instances.
func (r *Registry) ProcessInstances() []uuid.UUID {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := []uuid.UUID{}
	for id, n := range r.nodes {
		if id == n.exec.ProcessInstanceID && n.exec.State != domain.ExecutionStateEnded {
			out = append(out, id)
		}
	}
	return out
}

// Scope возвращает handle scope execution.
func (r *Registry) Scope(id uuid.UUID) (*variable.Scope, error) {
	exec, err := r.Get(id)
	if err != nil {
		return nil, err
	}
	return r.tree.Scope(exec.ScopeID), nil
}

// MoveTo продвигает токен на activityRef.
func (r *Registry) MoveTo(id uuid.UUID, activityRef string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	n, err := r.lookup(id)
	if err != nil {
		return err
	}
	switch n.exec.State {
	case domain.ExecutionStateEnded:
		return fmt.Errorf("%w: %s", ErrEnded, id)
	case domain.ExecutionStateSuspended:
		return fmt.Errorf("%w: %s", ErrNotActive, id)
	}
	n.exec.ActivityRef = activityRef
	return nil
}

// Suspend приостанавливает execution и всех потомков.
func (r *Registry) Suspend(id uuid.UUID) error {
	return r.setState(id, domain.ExecutionStateSuspended)
}

// Activate возобновляет execution и всех потомков.
func (r *Registry) Activate(id uuid.UUID) error {
	return r.setState(id, domain.ExecutionStateActive)
}

func (r *Registry) setState(id uuid.UUID, state domain.ExecutionState) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	n, err := r.lookup(id)
	if err != nil {
		return err
	}
	if n.exec.State == domain.ExecutionStateEnded {
		return fmt.Errorf("%w: %s", ErrEnded, id)
	}
	r.cascade(n, func(c *node) {
		if c.exec.State != domain.ExecutionStateEnded {
			c.exec.State = state
		}
	})
	return nil
}

// End завершает execution: сначала потомков, затем сам execution.
// Scope поддерева уничтожается. Возвращает ID уничтоженных scope.
func (r *Registry) End(id uuid.UUID) ([]uuid.UUID, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	n, err := r.lookup(id)
	if err != nil {
		return nil, err
	}
	if n.exec.State == domain.ExecutionStateEnded {
		return nil, fmt.Errorf("%w: %s", ErrEnded, id)
	}

	now := r.now()
	var destroyed []uuid.UUID
	r.end(n, now, &destroyed)
	return destroyed, nil
}

func (r *Registry) end(n *node, now time.Time, destroyed *[]uuid.UUID) {
	for _, childID := range n.children {
		if c := r.nodes[childID]; c.exec.State != domain.ExecutionStateEnded {
			r.end(c, now, destroyed)
		}
	}
	if ids, err := r.tree.Destroy(n.exec.ScopeID); err == nil {
		*destroyed = append(*destroyed, ids...)
	}
	n.exec.MarkEnded(now)
}

// Len возвращает количество execution (включая завершённые).
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.nodes)
}

// Forget удаляет завершённый процесс из реестра.
func (r *Registry) Forget(processInstanceID uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	n, err := r.lookup(processInstanceID)
	if err != nil {
		return err
	}
	if n.exec.State != domain.ExecutionStateEnded {
		return fmt.Errorf("process instance %s is still running", processInstanceID)
	}
	r.cascade(n, func(c *node) { delete(r.nodes, c.exec.ID) })
	return nil
}

func (r *Registry) cascade(n *node, fn func(*node)) {
	for _, childID := range n.children {
		if c, ok := r.nodes[childID]; ok {
			r.cascade(c, fn)
		}
	}
	fn(n)
}

func (r *Registry) lookup(id uuid.UUID) (*node, error) {
	n, ok := r.nodes[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return n, nil
}

func (r *Registry) newStore(durable bool) variable.Store {
	if durable {
		return variable.NewDurableStore(r.formats)
	}
	return variable.NewVolatileStore()
}
