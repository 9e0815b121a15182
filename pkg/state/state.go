package state

import (
	"fmt"
	"strings"

	"github.com/cbodonnell/tally/pkg/errs"
)

// Entity is the contract every stored value fulfils. Clone must return a
// deep copy sharing no mutable memory with the receiver. Validate reports
// invariant violations such as negative balances.
type Entity[V any] interface {
	Clone() V
	Validate() error
}

// MutateFunc transforms the current value of a key. It receives a copy of
// the current value (the zero value when exists is false) and must not
// perform I/O: it runs while the store lock is held.
type MutateFunc[V any] func(current V, exists bool) (V, error)

// Store provides shared access to a keyed collection of entities.
// Implementations must be thread-safe and must never hand out references
// to their internal entries.
type Store[K comparable, V Entity[V]] interface {
	// Get returns a copy of the value stored under key.
	Get(key K) (V, bool)
	// Set validates value and replaces the entry under key.
	Set(key K, value V) error
	// Mutate applies fn under the lock and returns a copy of the result.
	Mutate(key K, fn MutateFunc[V]) (V, error)
	// Delete removes key and returns the removed value.
	Delete(key K) (V, bool)
	// ReplaceAll atomically substitutes the whole collection. If any entry
	// is invalid the store is left unchanged.
	ReplaceAll(entries map[K]V) error
	// Transact stages writes to several keys and applies them atomically.
	Transact(fn func(tx *Tx[K, V]) error) (Changes[K, V], error)
	// Snapshot returns a deep copy of the whole collection.
	Snapshot() map[K]V
	// Lookup reads a unique secondary index.
	Lookup(index string, value string) (K, V, bool)
	// IndexEntries returns a copy of a unique secondary index.
	IndexEntries(index string) map[string]K
	Len() int
	Keys() []K
}

// Change records the before and after state of one key written by a
// mutation. Rollback strategies use it to restore previous values.
type Change[K comparable, V any] struct {
	Key      K
	Previous V
	Existed  bool
	Current  V
	Removed  bool
}

type Changes[K comparable, V any] []Change[K, V]

// Find returns the change recorded for key.
func (c Changes[K, V]) Find(key K) (Change[K, V], bool) {
	for _, change := range c {
		if change.Key == key {
			return change, true
		}
	}
	return Change[K, V]{}, false
}

// Keys returns the keys touched, in write order.
func (c Changes[K, V]) Keys() []K {
	keys := make([]K, 0, len(c))
	for _, change := range c {
		keys = append(keys, change.Key)
	}
	return keys
}

// NormalizeKey trims and lowercases an external string key so that
// inconsistent casing from upstream sources maps to one entry.
func NormalizeKey(key string) (string, error) {
	normalized := strings.ToLower(strings.TrimSpace(key))
	if normalized == "" {
		return "", errs.NewValidationError(key, "key is empty")
	}
	return normalized, nil
}

// NonEmptyKey is a key validator for string-like keys.
func NonEmptyKey[K ~string](key K) error {
	if strings.TrimSpace(string(key)) == "" {
		return errs.NewValidationError(string(key), "key is empty")
	}
	return nil
}

func keyString[K comparable](key K) string {
	return fmt.Sprint(key)
}
