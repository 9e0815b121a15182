package state

import (
	"github.com/cbodonnell/tally/pkg/errs"
)

// IndexFunc extracts the secondary index value of an entity. It returns
// false when the entity does not participate in the index.
type IndexFunc[K comparable, V any] func(key K, value V) (string, bool)

// uniqueIndex keeps two synchronized maps: value -> key and key -> value.
// It is only ever written from the store's commit path.
type uniqueIndex[K comparable, V any] struct {
	name    string
	fn      IndexFunc[K, V]
	byValue map[string]K
	byKey   map[K]string
}

func newUniqueIndex[K comparable, V any](name string, fn IndexFunc[K, V]) *uniqueIndex[K, V] {
	return &uniqueIndex[K, V]{
		name:    name,
		fn:      fn,
		byValue: make(map[string]K),
		byKey:   make(map[K]string),
	}
}

// plan computes the index entries added by staged and rejects any write
// that would map one index value to two keys.
func (idx *uniqueIndex[K, V]) plan(staged map[K]*V) (map[string]K, error) {
	adds := make(map[string]K)
	for key, value := range staged {
		if value == nil {
			continue
		}
		indexValue, ok := idx.fn(key, *value)
		if !ok {
			continue
		}
		if other, dup := adds[indexValue]; dup && other != key {
			return nil, errs.NewValidationError(keyString(key), "%s %q is already taken by %v", idx.name, indexValue, other)
		}
		if owner, exists := idx.byValue[indexValue]; exists && owner != key {
			if _, ownerChanged := staged[owner]; !ownerChanged {
				return nil, errs.NewValidationError(keyString(key), "%s %q is already taken by %v", idx.name, indexValue, owner)
			}
		}
		adds[indexValue] = key
	}
	return adds, nil
}

func (idx *uniqueIndex[K, V]) apply(staged map[K]*V, adds map[string]K) {
	for key := range staged {
		if old, ok := idx.byKey[key]; ok {
			if idx.byValue[old] == key {
				delete(idx.byValue, old)
			}
			delete(idx.byKey, key)
		}
	}
	for indexValue, key := range adds {
		idx.byValue[indexValue] = key
		idx.byKey[key] = indexValue
	}
}

// rebuild computes a fresh index over entries without touching idx.
func (idx *uniqueIndex[K, V]) rebuild(entries map[K]V) (*uniqueIndex[K, V], error) {
	fresh := newUniqueIndex(idx.name, idx.fn)
	for key, value := range entries {
		indexValue, ok := idx.fn(key, value)
		if !ok {
			continue
		}
		if owner, dup := fresh.byValue[indexValue]; dup {
			return nil, errs.NewValidationError(keyString(key), "%s %q is already taken by %v", idx.name, indexValue, owner)
		}
		fresh.byValue[indexValue] = key
		fresh.byKey[key] = indexValue
	}
	return fresh, nil
}
