package variable

import (
	"context"
	"fmt"
	"slices"

	"github.com/google/uuid"

	"github.com/shaiso/Tokenflow/internal/domain"
)

// ChangeKind — тип изменения переменной с момента последнего commit.
type ChangeKind string

const (
	ChangeCreated ChangeKind = "created"
	ChangeUpdated ChangeKind = "updated"
	ChangeRemoved ChangeKind = "removed"
)

// Change — изменение переменной, ожидающее записи.
type Change struct {
	Kind     ChangeKind
	Variable *domain.VariableInstance
}

// DurableStore — store с сериализацией и отслеживанием изменений.
//
// Put сериализует значение до изменения состояния: при ошибке сериализации
// store остаётся прежним. Изменения копятся до Commit и отбрасываются Rollback.
type DurableStore struct {
	formats   *Formats
	vars      map[string]*domain.VariableInstance
	committed map[string]*domain.VariableInstance
	changes   map[string]pendingChange
	gen       uint64
}

// pendingChange — изменение имени и номер мутации, на которой оно сделано.
type pendingChange struct {
	kind ChangeKind
	gen  uint64
}

// commitBatch — снимок изменений, отправленный в persister.
type commitBatch struct {
	changes []Change
	gens    map[string]uint64
}

// NewDurableStore создаёт пустой durable store.
// Если formats == nil, используются встроенные форматы.
func NewDurableStore(formats *Formats) *DurableStore {
	if formats == nil {
		formats = NewFormats()
	}
	return &DurableStore{
		formats:   formats,
		vars:      make(map[string]*domain.VariableInstance),
		committed: make(map[string]*domain.VariableInstance),
		changes:   make(map[string]pendingChange),
	}
}

// Get возвращает копию экземпляра.
func (s *DurableStore) Get(name string) (*domain.VariableInstance, bool) {
	inst, ok := s.vars[name]
	if !ok {
		return nil, false
	}
	return inst.Clone(), true
}

// Put сериализует значение и сохраняет экземпляр.
func (s *DurableStore) Put(inst *domain.VariableInstance) error {
	format := inst.Format
	if format == "" {
		format = Detect(inst.Value)
	}
	ser, err := s.formats.Get(format)
	if err != nil {
		return err
	}
	data, err := ser.Serialize(inst.Value, inst.Config)
	if err != nil {
		return fmt.Errorf("variable %q: %w", inst.Name, err)
	}

	stored := inst.Clone()
	stored.Format = format
	stored.Serialized = data
	s.vars[inst.Name] = stored

	kind := ChangeCreated
	if _, ok := s.committed[inst.Name]; ok {
		kind = ChangeUpdated
	}
	s.gen++
	s.changes[inst.Name] = pendingChange{kind: kind, gen: s.gen}
	return nil
}

// Remove удаляет переменную.
func (s *DurableStore) Remove(name string) (*domain.VariableInstance, bool) {
	inst, ok := s.vars[name]
	if !ok {
		return nil, false
	}
	delete(s.vars, name)
	s.trackRemoval(name)
	return inst, true
}

// Names возвращает отсортированные имена.
func (s *DurableStore) Names() []string {
	return sortedNames(s.vars)
}

// All возвращает копии всех экземпляров.
func (s *DurableStore) All() []*domain.VariableInstance {
	return sortedInstances(s.vars)
}

// Clear удаляет все переменные. Сохранённые переменные помечаются
// как удалённые.
func (s *DurableStore) Clear() {
	for name := range s.vars {
		s.trackRemoval(name)
	}
	clear(s.vars)
}

func (s *DurableStore) trackRemoval(name string) {
	if _, ok := s.committed[name]; ok {
		s.gen++
		s.changes[name] = pendingChange{kind: ChangeRemoved, gen: s.gen}
		return
	}
	// создана и удалена в одной транзакции — писать нечего
	delete(s.changes, name)
}

// Pending возвращает изменения с момента последнего commit, по имени.
func (s *DurableStore) Pending() []Change {
	return s.prepare().changes
}

// Dirty возвращает true, если есть несохранённые изменения.
func (s *DurableStore) Dirty() bool {
	return len(s.changes) > 0
}

// Commit записывает изменения через persister.
// При ошибке изменения остаются в store и могут быть записаны повторно.
func (s *DurableStore) Commit(ctx context.Context, scopeID uuid.UUID, p Persister) error {
	if !s.Dirty() {
		return nil
	}
	batch := s.prepare()
	if err := p.SaveVariables(ctx, scopeID, batch.changes); err != nil {
		return fmt.Errorf("save variables: %w", err)
	}
	s.markCommitted(batch)
	return nil
}

func (s *DurableStore) prepare() commitBatch {
	names := make([]string, 0, len(s.changes))
	for name := range s.changes {
		names = append(names, name)
	}
	slices.Sort(names)

	batch := commitBatch{
		changes: make([]Change, 0, len(names)),
		gens:    make(map[string]uint64, len(names)),
	}
	for _, name := range names {
		pc := s.changes[name]
		var inst *domain.VariableInstance
		if pc.kind == ChangeRemoved {
			inst = s.committed[name].Clone()
		} else {
			inst = s.vars[name].Clone()
		}
		batch.changes = append(batch.changes, Change{Kind: pc.kind, Variable: inst})
		batch.gens[name] = pc.gen
	}
	return batch
}

// markCommitted переносит сохранённый снимок в committed.
// Изменения, сделанные после снимка, остаются в ожидании записи.
func (s *DurableStore) markCommitted(batch commitBatch) {
	for _, ch := range batch.changes {
		name := ch.Variable.Name
		if ch.Kind == ChangeRemoved {
			delete(s.committed, name)
		} else {
			s.committed[name] = ch.Variable.Clone()
		}

		pc, ok := s.changes[name]
		if ok && pc.gen == batch.gens[name] {
			delete(s.changes, name)
			continue
		}
		s.reconcile(name)
	}
}

// reconcile пересчитывает вид ожидающего изменения name
// относительно нового committed.
func (s *DurableStore) reconcile(name string) {
	cur, inVars := s.vars[name]
	saved, inCommitted := s.committed[name]
	pc, pending := s.changes[name]

	switch {
	case inVars && inCommitted:
		if pending {
			pc.kind = ChangeUpdated
			s.changes[name] = pc
		} else if cur.Version != saved.Version {
			s.gen++
			s.changes[name] = pendingChange{kind: ChangeUpdated, gen: s.gen}
		}
	case inVars:
		if pending {
			pc.kind = ChangeCreated
			s.changes[name] = pc
		}
	case inCommitted:
		s.gen++
		s.changes[name] = pendingChange{kind: ChangeRemoved, gen: s.gen}
	default:
		delete(s.changes, name)
	}
}

// Rollback возвращает store к последнему commit.
func (s *DurableStore) Rollback() {
	s.vars = cloneInstances(s.committed)
	clear(s.changes)
}

// Load заменяет содержимое экземплярами, прочитанными из persistence.
// Значения восстанавливаются из Serialized по сохранённому формату.
func (s *DurableStore) Load(instances []*domain.VariableInstance) error {
	vars := make(map[string]*domain.VariableInstance, len(instances))
	for _, inst := range instances {
		ser, err := s.formats.Get(inst.Format)
		if err != nil {
			return fmt.Errorf("variable %q: %w", inst.Name, err)
		}
		value, err := ser.Deserialize(inst.Serialized, inst.Config)
		if err != nil {
			return fmt.Errorf("variable %q: %w", inst.Name, err)
		}
		c := inst.Clone()
		c.Value = value
		vars[c.Name] = c
	}

	s.vars = vars
	s.committed = cloneInstances(vars)
	clear(s.changes)
	return nil
}

func cloneInstances(src map[string]*domain.VariableInstance) map[string]*domain.VariableInstance {
	out := make(map[string]*domain.VariableInstance, len(src))
	for name, inst := range src {
		out[name] = inst.Clone()
	}
	return out
}
