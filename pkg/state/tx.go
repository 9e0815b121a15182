package state

import "fmt"

// Tx stages writes against a MemoryStore. Reads see staged values first.
// A Tx is only valid inside the Transact callback that created it.
type Tx[K comparable, V Entity[V]] struct {
	store  *MemoryStore[K, V]
	staged map[K]*V
	order  []K
}

func (tx *Tx[K, V]) Get(key K) (V, bool) {
	if staged, ok := tx.staged[key]; ok {
		if staged == nil {
			var zero V
			return zero, false
		}
		return (*staged).Clone(), true
	}
	value, ok := tx.store.entries[key]
	if !ok {
		var zero V
		return zero, false
	}
	return value.Clone(), true
}

func (tx *Tx[K, V]) Set(key K, value V) error {
	staged, err := tx.store.stage(key, value)
	if err != nil {
		return err
	}
	tx.put(key, staged)
	return nil
}

func (tx *Tx[K, V]) Mutate(key K, fn MutateFunc[V]) (V, error) {
	var zero V
	if fn == nil {
		return zero, fmt.Errorf("mutate function is nil")
	}
	current, exists := tx.Get(key)
	next, err := fn(current, exists)
	if err != nil {
		return zero, err
	}
	if err := tx.Set(key, next); err != nil {
		return zero, err
	}
	return next.Clone(), nil
}

// Delete stages the removal of key. It reports whether the key existed.
func (tx *Tx[K, V]) Delete(key K) bool {
	if _, ok := tx.Get(key); !ok {
		return false
	}
	tx.put(key, nil)
	return true
}

// Lookup reads a unique index as it would look after the staged writes.
func (tx *Tx[K, V]) Lookup(index string, value string) (K, V, bool) {
	var zeroKey K
	var zero V
	idx, ok := tx.store.indexes[index]
	if !ok {
		return zeroKey, zero, false
	}
	for key, staged := range tx.staged {
		if staged == nil {
			continue
		}
		if indexValue, ok := idx.fn(key, *staged); ok && indexValue == value {
			return key, (*staged).Clone(), true
		}
	}
	key, ok := idx.byValue[value]
	if !ok {
		return zeroKey, zero, false
	}
	if _, overwritten := tx.staged[key]; overwritten {
		// the staged value of the owner no longer carries this index value
		return zeroKey, zero, false
	}
	return key, tx.store.entries[key].Clone(), true
}

func (tx *Tx[K, V]) put(key K, value *V) {
	if _, seen := tx.staged[key]; !seen {
		tx.order = append(tx.order, key)
	}
	tx.staged[key] = value
}
