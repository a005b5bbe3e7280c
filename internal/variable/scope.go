package variable

import (
	"slices"
	"sync"

	"github.com/google/uuid"
)

// Scope — handle scope, привязанный к одному ID.
// Его получает тело job через JobContext.
type Scope struct {
	tree    *Tree
	id      uuid.UUID
	touched *touchSet // nil для handle без отслеживания
}

type touchSet struct {
	mu  sync.Mutex
	ids []uuid.UUID
}

func (ts *touchSet) add(id uuid.UUID) {
	if ts == nil || id == uuid.Nil {
		return
	}
	ts.mu.Lock()
	defer ts.mu.Unlock()
	if !slices.Contains(ts.ids, id) {
		ts.ids = append(ts.ids, id)
	}
}

func (ts *touchSet) list() []uuid.UUID {
	if ts == nil {
		return nil
	}
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return slices.Clone(ts.ids)
}

// ID возвращает ID scope.
func (s *Scope) ID() uuid.UUID { return s.id }

// Touched возвращает ID scope, изменённых через этот handle,
// в порядке первого изменения. Для handle из Tree.Scope всегда nil.
func (s *Scope) Touched() []uuid.UUID { return s.touched.list() }

// Parent возвращает handle родителя или nil для корня.
func (s *Scope) Parent() (*Scope, error) {
	parent, err := s.tree.Parent(s.id)
	if err != nil {
		return nil, err
	}
	if parent == uuid.Nil {
		return nil, nil
	}
	return &Scope{tree: s.tree, id: parent, touched: s.touched}, nil
}

func (s *Scope) Set(name string, value any) error {
	target, err := s.tree.write(s.id, name, value, false)
	s.touched.add(target)
	return err
}

func (s *Scope) SetLocal(name string, value any) error {
	target, err := s.tree.write(s.id, name, value, true)
	s.touched.add(target)
	return err
}

func (s *Scope) Remove(name string) error {
	target, err := s.tree.erase(s.id, name, false)
	s.touched.add(target)
	return err
}

func (s *Scope) RemoveLocal(name string) error {
	target, err := s.tree.erase(s.id, name, true)
	s.touched.add(target)
	return err
}

func (s *Scope) Get(name string) (any, bool, error)      { return s.tree.Get(s.id, name) }
func (s *Scope) GetLocal(name string) (any, bool, error) { return s.tree.GetLocal(s.id, name) }
func (s *Scope) Has(name string) (bool, error)           { return s.tree.Has(s.id, name) }
func (s *Scope) HasLocal(name string) (bool, error)      { return s.tree.HasLocal(s.id, name) }
func (s *Scope) Names() ([]string, error)                { return s.tree.Names(s.id) }
func (s *Scope) NamesLocal() ([]string, error)           { return s.tree.NamesLocal(s.id) }
func (s *Scope) Variables() (map[string]any, error)      { return s.tree.Variables(s.id) }
func (s *Scope) VariablesLocal() (map[string]any, error) { return s.tree.VariablesLocal(s.id) }
