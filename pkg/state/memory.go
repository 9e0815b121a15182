package state

import (
	"fmt"
	"sync"

	"github.com/cbodonnell/tally/pkg/errs"
)

// NewMemoryStoreOptions configures a MemoryStore.
type NewMemoryStoreOptions[K comparable, V any] struct {
	// ValidateKey rejects malformed keys. Optional.
	ValidateKey func(K) error
	// Indexes declares unique secondary indexes by name.
	Indexes map[string]IndexFunc[K, V]
}

// MemoryStore is the in-memory Store. A single lock guards the primary map
// and every secondary index; entity counts per store are small so a coarse
// lock is enough. Values are cloned on the way in and on the way out.
type MemoryStore[K comparable, V Entity[V]] struct {
	lock        sync.RWMutex
	entries     map[K]V
	indexes     map[string]*uniqueIndex[K, V]
	validateKey func(K) error
}

func NewMemoryStore[K comparable, V Entity[V]](opts NewMemoryStoreOptions[K, V]) *MemoryStore[K, V] {
	indexes := make(map[string]*uniqueIndex[K, V], len(opts.Indexes))
	for name, fn := range opts.Indexes {
		indexes[name] = newUniqueIndex(name, fn)
	}
	return &MemoryStore[K, V]{
		entries:     make(map[K]V),
		indexes:     indexes,
		validateKey: opts.ValidateKey,
	}
}

func (m *MemoryStore[K, V]) Get(key K) (V, bool) {
	m.lock.RLock()
	defer m.lock.RUnlock()
	value, ok := m.entries[key]
	if !ok {
		var zero V
		return zero, false
	}
	return value.Clone(), true
}

func (m *MemoryStore[K, V]) Set(key K, value V) error {
	staged, err := m.stage(key, value)
	if err != nil {
		return err
	}

	m.lock.Lock()
	defer m.lock.Unlock()
	_, err = m.commit(map[K]*V{key: staged}, []K{key})
	return err
}

func (m *MemoryStore[K, V]) Mutate(key K, fn MutateFunc[V]) (V, error) {
	var zero V
	if fn == nil {
		return zero, fmt.Errorf("mutate function is nil")
	}

	m.lock.Lock()
	defer m.lock.Unlock()

	current, exists := m.entries[key]
	if exists {
		current = current.Clone()
	}
	next, err := fn(current, exists)
	if err != nil {
		return zero, err
	}
	staged, err := m.stage(key, next)
	if err != nil {
		return zero, err
	}
	if _, err := m.commit(map[K]*V{key: staged}, []K{key}); err != nil {
		return zero, err
	}
	return (*staged).Clone(), nil
}

func (m *MemoryStore[K, V]) Delete(key K) (V, bool) {
	m.lock.Lock()
	defer m.lock.Unlock()

	value, ok := m.entries[key]
	if !ok {
		var zero V
		return zero, false
	}
	// removals never violate a unique index
	_, _ = m.commit(map[K]*V{key: nil}, []K{key})
	return value, true
}

func (m *MemoryStore[K, V]) ReplaceAll(entries map[K]V) error {
	next := make(map[K]V, len(entries))
	for key, value := range entries {
		staged, err := m.stage(key, value)
		if err != nil {
			return err
		}
		next[key] = *staged
	}

	m.lock.Lock()
	defer m.lock.Unlock()

	indexes := make(map[string]*uniqueIndex[K, V], len(m.indexes))
	for name, idx := range m.indexes {
		rebuilt, err := idx.rebuild(next)
		if err != nil {
			return err
		}
		indexes[name] = rebuilt
	}
	m.entries = next
	m.indexes = indexes
	return nil
}

func (m *MemoryStore[K, V]) Transact(fn func(tx *Tx[K, V]) error) (Changes[K, V], error) {
	if fn == nil {
		return nil, fmt.Errorf("transaction function is nil")
	}

	m.lock.Lock()
	defer m.lock.Unlock()

	tx := &Tx[K, V]{
		store:  m,
		staged: make(map[K]*V),
	}
	if err := fn(tx); err != nil {
		return nil, err
	}
	if len(tx.order) == 0 {
		return nil, nil
	}
	return m.commit(tx.staged, tx.order)
}

func (m *MemoryStore[K, V]) Snapshot() map[K]V {
	m.lock.RLock()
	defer m.lock.RUnlock()
	snapshot := make(map[K]V, len(m.entries))
	for key, value := range m.entries {
		snapshot[key] = value.Clone()
	}
	return snapshot
}

func (m *MemoryStore[K, V]) Lookup(index string, value string) (K, V, bool) {
	m.lock.RLock()
	defer m.lock.RUnlock()
	var zeroKey K
	var zero V
	idx, ok := m.indexes[index]
	if !ok {
		return zeroKey, zero, false
	}
	key, ok := idx.byValue[value]
	if !ok {
		return zeroKey, zero, false
	}
	return key, m.entries[key].Clone(), true
}

func (m *MemoryStore[K, V]) IndexEntries(index string) map[string]K {
	m.lock.RLock()
	defer m.lock.RUnlock()
	idx, ok := m.indexes[index]
	if !ok {
		return nil
	}
	entries := make(map[string]K, len(idx.byValue))
	for value, key := range idx.byValue {
		entries[value] = key
	}
	return entries
}

func (m *MemoryStore[K, V]) Len() int {
	m.lock.RLock()
	defer m.lock.RUnlock()
	return len(m.entries)
}

func (m *MemoryStore[K, V]) Keys() []K {
	m.lock.RLock()
	defer m.lock.RUnlock()
	keys := make([]K, 0, len(m.entries))
	for key := range m.entries {
		keys = append(keys, key)
	}
	return keys
}

// stage validates key and value and returns a private copy of value.
func (m *MemoryStore[K, V]) stage(key K, value V) (*V, error) {
	if m.validateKey != nil {
		if err := m.validateKey(key); err != nil {
			return nil, err
		}
	}
	if err := value.Validate(); err != nil {
		if errs.IsValidation(err) {
			return nil, err
		}
		return nil, errs.NewValidationError(keyString(key), "%v", err)
	}
	staged := value.Clone()
	return &staged, nil
}

// commit applies staged writes (nil means delete). Index conflicts are
// checked for every index before anything is written. Callers hold the
// write lock.
func (m *MemoryStore[K, V]) commit(staged map[K]*V, order []K) (Changes[K, V], error) {
	plans := make(map[string]map[string]K, len(m.indexes))
	for name, idx := range m.indexes {
		adds, err := idx.plan(staged)
		if err != nil {
			return nil, err
		}
		plans[name] = adds
	}

	changes := make(Changes[K, V], 0, len(order))
	for _, key := range order {
		next := staged[key]
		previous, existed := m.entries[key]
		change := Change[K, V]{Key: key, Existed: existed}
		if existed {
			change.Previous = previous.Clone()
		}
		if next == nil {
			delete(m.entries, key)
			change.Removed = true
		} else {
			m.entries[key] = *next
			change.Current = (*next).Clone()
		}
		changes = append(changes, change)
	}
	for name, idx := range m.indexes {
		idx.apply(staged, plans[name])
	}
	return changes, nil
}
