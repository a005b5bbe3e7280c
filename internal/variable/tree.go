package variable

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/shaiso/Tokenflow/internal/domain"
)

// Tree — арена scope, проиндексированная по ID.
type Tree struct {
	mu        sync.RWMutex
	scopes    map[uuid.UUID]*scopeRecord
	destroyed map[uuid.UUID]struct{}
	listener  Listener
	now       func() time.Time
}

type scopeRecord struct {
	id       uuid.UUID
	parent   uuid.UUID // uuid.Nil для корня
	children []uuid.UUID
	store    Store
}

// TreeOption настраивает Tree.
type TreeOption func(*Tree)

// WithListener задаёт получателя событий изменения переменных.
func WithListener(l Listener) TreeOption {
	return func(t *Tree) {
		if l != nil {
			t.listener = l
		}
	}
}

// WithClock задаёт источник времени для CreatedAt/UpdatedAt.
func WithClock(now func() time.Time) TreeOption {
	return func(t *Tree) {
		if now != nil {
			t.now = now
		}
	}
}

// NewTree создаёт пустое дерево.
func NewTree(opts ...TreeOption) *Tree {
	t := &Tree{
		scopes:    make(map[uuid.UUID]*scopeRecord),
		destroyed: make(map[uuid.UUID]struct{}),
		listener:  noopListener{},
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// NewScope создаёт scope с новым ID. parent == uuid.Nil создаёт корень.
func (t *Tree) NewScope(parent uuid.UUID, store Store) (uuid.UUID, error) {
	id := uuid.New()
	if err := t.Create(id, parent, store); err != nil {
		return uuid.Nil, err
	}
	return id, nil
}

// Create создаёт scope с заданным ID (например, при восстановлении
// из persistence).
func (t *Tree) Create(id, parent uuid.UUID, store Store) error {
	if store == nil {
		store = NewVolatileStore()
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.scopes[id]; ok {
		return scopeError("create", id, ErrScopeExists)
	}
	if _, ok := t.destroyed[id]; ok {
		return scopeError("create", id, ErrScopeExists)
	}

	if parent != uuid.Nil {
		p, err := t.lookup("create", parent)
		if err != nil {
			return err
		}
		p.children = append(p.children, id)
	}

	t.scopes[id] = &scopeRecord{id: id, parent: parent, store: store}
	return nil
}

// Scope возвращает handle, привязанный к id.
func (t *Tree) Scope(id uuid.UUID) *Scope {
	return &Scope{tree: t, id: id}
}

// Track возвращает handle, запоминающий все scope, в которые попали
// его записи и удаления (включая записи, ушедшие к предкам).
// Handles, полученные через Parent, пишут в тот же список.
func (t *Tree) Track(id uuid.UUID) *Scope {
	return &Scope{tree: t, id: id, touched: &touchSet{}}
}

// Exists сообщает, существует ли живой scope.
func (t *Tree) Exists(id uuid.UUID) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.scopes[id]
	return ok
}

// Len возвращает количество живых scope.
func (t *Tree) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.scopes)
}

// Parent возвращает ID родителя (uuid.Nil для корня).
func (t *Tree) Parent(id uuid.UUID) (uuid.UUID, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	rec, err := t.lookup("parent", id)
	if err != nil {
		return uuid.Nil, err
	}
	return rec.parent, nil
}

// Children возвращает ID дочерних scope.
func (t *Tree) Children(id uuid.UUID) ([]uuid.UUID, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	rec, err := t.lookup("children", id)
	if err != nil {
		return nil, err
	}
	return slices.Clone(rec.children), nil
}

// Get ищет переменную в scope, затем в предках.
func (t *Tree) Get(id uuid.UUID, name string) (any, bool, error) {
	inst, ok, err := t.Instance(id, name)
	if err != nil || !ok {
		return nil, false, err
	}
	return inst.Value, true, nil
}

// Instance возвращает экземпляр переменной из ближайшего scope-владельца.
func (t *Tree) Instance(id uuid.UUID, name string) (*domain.VariableInstance, bool, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	rec, err := t.lookup("get", id)
	if err != nil {
		return nil, false, err
	}
	owner := t.owner(rec, name)
	if owner == nil {
		return nil, false, nil
	}
	inst, _ := owner.store.Get(name)
	return inst, true, nil
}

// GetLocal читает переменную только из самого scope.
func (t *Tree) GetLocal(id uuid.UUID, name string) (any, bool, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	rec, err := t.lookup("get", id)
	if err != nil {
		return nil, false, err
	}
	inst, ok := rec.store.Get(name)
	if !ok {
		return nil, false, nil
	}
	return inst.Value, true, nil
}

// Set записывает переменную в ближайший scope, уже владеющий именем,
// иначе создаёт её в корне.
func (t *Tree) Set(id uuid.UUID, name string, value any) error {
	_, err := t.write(id, name, value, false)
	return err
}

// SetLocal создаёт или перезаписывает переменную в самом scope.
func (t *Tree) SetLocal(id uuid.UUID, name string, value any) error {
	_, err := t.write(id, name, value, true)
	return err
}

// Remove удаляет переменную из ближайшего scope-владельца.
// Если владельца нет — no-op.
func (t *Tree) Remove(id uuid.UUID, name string) error {
	_, err := t.erase(id, name, false)
	return err
}

// RemoveLocal удаляет переменную только из самого scope.
func (t *Tree) RemoveLocal(id uuid.UUID, name string) error {
	_, err := t.erase(id, name, true)
	return err
}

// write возвращает ID scope, в который попала запись.
func (t *Tree) write(id uuid.UUID, name string, value any, local bool) (uuid.UUID, error) {
	if name == "" {
		return uuid.Nil, ErrEmptyName
	}

	t.mu.Lock()
	rec, err := t.lookup("set", id)
	if err != nil {
		t.mu.Unlock()
		return uuid.Nil, err
	}
	target := rec
	if !local {
		if target = t.owner(rec, name); target == nil {
			target = t.root(rec)
		}
	}
	ev, err := t.put(target, id, name, value)
	t.mu.Unlock()

	if err != nil {
		return uuid.Nil, err
	}
	t.listener.VariableChanged(ev)
	return target.id, nil
}

// erase возвращает ID scope, из которого удалена переменная,
// или uuid.Nil, если удалять было нечего.
func (t *Tree) erase(id uuid.UUID, name string, local bool) (uuid.UUID, error) {
	t.mu.Lock()
	rec, err := t.lookup("remove", id)
	if err != nil {
		t.mu.Unlock()
		return uuid.Nil, err
	}
	target := rec
	if !local {
		if target = t.owner(rec, name); target == nil {
			t.mu.Unlock()
			return uuid.Nil, nil
		}
	}
	ev, ok := t.remove(target, id, name)
	t.mu.Unlock()

	if !ok {
		return uuid.Nil, nil
	}
	t.listener.VariableChanged(ev)
	return target.id, nil
}

// Has проверяет наличие переменной в scope или предках.
func (t *Tree) Has(id uuid.UUID, name string) (bool, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	rec, err := t.lookup("has", id)
	if err != nil {
		return false, err
	}
	return t.owner(rec, name) != nil, nil
}

// HasLocal проверяет наличие переменной в самом scope.
func (t *Tree) HasLocal(id uuid.UUID, name string) (bool, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	rec, err := t.lookup("has", id)
	if err != nil {
		return false, err
	}
	_, ok := rec.store.Get(name)
	return ok, nil
}

// Names возвращает отсортированное объединение имён scope и предков.
func (t *Tree) Names(id uuid.UUID) ([]string, error) {
	vars, err := t.Variables(id)
	if err != nil {
		return nil, err
	}
	names := slices.Collect(maps.Keys(vars))
	slices.Sort(names)
	return names, nil
}

// NamesLocal возвращает имена переменных самого scope.
func (t *Tree) NamesLocal(id uuid.UUID) ([]string, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	rec, err := t.lookup("names", id)
	if err != nil {
		return nil, err
	}
	return rec.store.Names(), nil
}

// Variables возвращает все видимые переменные.
// Значения ближайших scope затеняют значения предков.
func (t *Tree) Variables(id uuid.UUID) (map[string]any, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	rec, err := t.lookup("variables", id)
	if err != nil {
		return nil, err
	}

	out := make(map[string]any)
	for cur := rec; cur != nil; cur = t.scopes[cur.parent] {
		for _, inst := range cur.store.All() {
			if _, shadowed := out[inst.Name]; !shadowed {
				out[inst.Name] = inst.Value
			}
		}
	}
	return out, nil
}

// VariablesLocal возвращает переменные самого scope.
func (t *Tree) VariablesLocal(id uuid.UUID) (map[string]any, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	rec, err := t.lookup("variables", id)
	if err != nil {
		return nil, err
	}
	out := make(map[string]any)
	for _, inst := range rec.store.All() {
		out[inst.Name] = inst.Value
	}
	return out, nil
}

// Destroy уничтожает scope и всё поддерево: stores очищаются,
// последующие операции возвращают ErrScopeDestroyed.
// Возвращает ID уничтоженных scope, дети раньше родителей.
func (t *Tree) Destroy(id uuid.UUID) ([]uuid.UUID, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	rec, err := t.lookup("destroy", id)
	if err != nil {
		return nil, err
	}

	if p, ok := t.scopes[rec.parent]; ok {
		p.children = slices.DeleteFunc(p.children, func(c uuid.UUID) bool { return c == id })
	}

	var ids []uuid.UUID
	t.destroy(rec, &ids)
	return ids, nil
}

func (t *Tree) destroy(rec *scopeRecord, ids *[]uuid.UUID) {
	for _, child := range rec.children {
		if c, ok := t.scopes[child]; ok {
			t.destroy(c, ids)
		}
	}
	rec.store.Clear()
	rec.children = nil
	delete(t.scopes, rec.id)
	t.destroyed[rec.id] = struct{}{}
	*ids = append(*ids, rec.id)
}

// Walk обходит поддерево в порядке pre-order.
func (t *Tree) Walk(id uuid.UUID, fn func(id uuid.UUID, store Store) error) error {
	t.mu.RLock()
	defer t.mu.RUnlock()

	rec, err := t.lookup("walk", id)
	if err != nil {
		return err
	}
	return t.walk(rec, fn)
}

func (t *Tree) walk(rec *scopeRecord, fn func(uuid.UUID, Store) error) error {
	if err := fn(rec.id, rec.store); err != nil {
		return err
	}
	for _, child := range rec.children {
		if c, ok := t.scopes[child]; ok {
			if err := t.walk(c, fn); err != nil {
				return err
			}
		}
	}
	return nil
}

// Commit записывает изменения всех durable stores поддерева.
// Снимок изменений берётся под блокировкой, запись в persister идёт без неё.
func (t *Tree) Commit(ctx context.Context, id uuid.UUID, p Persister) error {
	t.mu.RLock()
	rec, err := t.lookup("commit", id)
	if err != nil {
		t.mu.RUnlock()
		return err
	}
	var saves []pendingSave
	_ = t.walk(rec, func(scopeID uuid.UUID, store Store) error {
		saves = collect(saves, scopeID, store)
		return nil
	})
	t.mu.RUnlock()

	return t.save(ctx, p, saves)
}

// CommitScopes записывает изменения durable stores перечисленных scope,
// без поддеревьев. Уничтоженные scope пропускаются.
func (t *Tree) CommitScopes(ctx context.Context, p Persister, ids ...uuid.UUID) error {
	t.mu.RLock()
	var saves []pendingSave
	for _, id := range ids {
		if rec, ok := t.scopes[id]; ok {
			saves = collect(saves, id, rec.store)
		}
	}
	t.mu.RUnlock()

	return t.save(ctx, p, saves)
}

type pendingSave struct {
	scopeID uuid.UUID
	store   *DurableStore
	batch   commitBatch
}

func collect(saves []pendingSave, scopeID uuid.UUID, store Store) []pendingSave {
	ds, ok := store.(*DurableStore)
	if !ok || !ds.Dirty() {
		return saves
	}
	return append(saves, pendingSave{scopeID: scopeID, store: ds, batch: ds.prepare()})
}

func (t *Tree) save(ctx context.Context, p Persister, saves []pendingSave) error {
	for _, s := range saves {
		if err := p.SaveVariables(ctx, s.scopeID, s.batch.changes); err != nil {
			return fmt.Errorf("commit scope %s: save variables: %w", s.scopeID, err)
		}
		t.mu.Lock()
		if rec, ok := t.scopes[s.scopeID]; ok && rec.store == Store(s.store) {
			s.store.markCommitted(s.batch)
		}
		t.mu.Unlock()
	}
	return nil
}

// Rollback отменяет несохранённые изменения durable stores поддерева.
// Volatile stores не имеют транзакционной семантики и не меняются.
func (t *Tree) Rollback(id uuid.UUID) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	rec, err := t.lookup("rollback", id)
	if err != nil {
		return err
	}
	return t.walk(rec, func(_ uuid.UUID, store Store) error {
		if ds, ok := store.(*DurableStore); ok {
			ds.Rollback()
		}
		return nil
	})
}

// RollbackScopes отменяет изменения перечисленных scope без поддеревьев.
func (t *Tree) RollbackScopes(ids ...uuid.UUID) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, id := range ids {
		rec, ok := t.scopes[id]
		if !ok {
			continue
		}
		if ds, ok := rec.store.(*DurableStore); ok {
			ds.Rollback()
		}
	}
}

// Load восстанавливает durable store scope из persistence.
func (t *Tree) Load(ctx context.Context, id uuid.UUID, p Persister) error {
	instances, err := p.LoadVariables(ctx, id)
	if err != nil {
		return fmt.Errorf("load scope %s: %w", id, err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	rec, err := t.lookup("load", id)
	if err != nil {
		return err
	}
	ds, ok := rec.store.(*DurableStore)
	if !ok {
		return fmt.Errorf("load scope %s: store is not durable", id)
	}
	return ds.Load(instances)
}

// --- внутренние помощники, вызываются под t.mu ---

func (t *Tree) lookup(op string, id uuid.UUID) (*scopeRecord, error) {
	if rec, ok := t.scopes[id]; ok {
		return rec, nil
	}
	if _, ok := t.destroyed[id]; ok {
		return nil, scopeError(op, id, ErrScopeDestroyed)
	}
	return nil, scopeError(op, id, ErrScopeNotFound)
}

// owner возвращает ближайший scope (начиная с rec), владеющий name.
func (t *Tree) owner(rec *scopeRecord, name string) *scopeRecord {
	for cur := rec; cur != nil; cur = t.scopes[cur.parent] {
		if _, ok := cur.store.Get(name); ok {
			return cur
		}
	}
	return nil
}

func (t *Tree) root(rec *scopeRecord) *scopeRecord {
	cur := rec
	for {
		p, ok := t.scopes[cur.parent]
		if !ok {
			return cur
		}
		cur = p
	}
}

func (t *Tree) put(target *scopeRecord, source uuid.UUID, name string, value any) (Event, error) {
	now := t.now()
	inst := &domain.VariableInstance{
		ScopeID:       target.id,
		Name:          name,
		Value:         value,
		SourceScopeID: source,
		Version:       1,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if tv, ok := value.(TypedValue); ok {
		inst.Value = tv.Value
		inst.Format = tv.Format
		inst.Config = maps.Clone(tv.Config)
	}

	kind := EventCreated
	if prev, ok := target.store.Get(name); ok {
		kind = EventUpdated
		inst.Version = prev.Version + 1
		inst.CreatedAt = prev.CreatedAt
	}

	if err := target.store.Put(inst); err != nil {
		return Event{}, err
	}

	stored, _ := target.store.Get(name)
	return Event{
		Kind:          kind,
		ScopeID:       target.id,
		SourceScopeID: source,
		Name:          name,
		Value:         stored.Value,
		Format:        stored.Format,
		Time:          now,
	}, nil
}

func (t *Tree) remove(target *scopeRecord, source uuid.UUID, name string) (Event, bool) {
	inst, ok := target.store.Remove(name)
	if !ok {
		return Event{}, false
	}
	return Event{
		Kind:          EventRemoved,
		ScopeID:       target.id,
		SourceScopeID: source,
		Name:          name,
		Value:         inst.Value,
		Format:        inst.Format,
		Time:          t.now(),
	}, true
}

// IsScopeError проверяет, является ли err ошибкой использования scope.
func IsScopeError(err error) bool {
	var se *ScopeError
	return errors.As(err, &se)
}
