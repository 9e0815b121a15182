package repositories

import (
	"context"
	"encoding/json"
	"sync"
)

// MemoryRepository keeps snapshots for the lifetime of the process. It backs
// tests and the memory:// repository URL.
type MemoryRepository struct {
	lock      sync.RWMutex
	snapshots map[string]*Snapshot
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		snapshots: make(map[string]*Snapshot),
	}
}

func (r *MemoryRepository) Close(ctx context.Context) error {
	return nil
}

func (r *MemoryRepository) SaveSnapshot(ctx context.Context, snapshot *Snapshot) error {
	snapshot, err := normalizeSnapshot(snapshot)
	if err != nil {
		return err
	}
	r.lock.Lock()
	defer r.lock.Unlock()
	r.snapshots[snapshot.Namespace] = snapshot
	return nil
}

func (r *MemoryRepository) LoadSnapshot(ctx context.Context, namespace string) (*Snapshot, error) {
	namespace, err := normalizeNamespace(namespace)
	if err != nil {
		return nil, err
	}
	r.lock.RLock()
	defer r.lock.RUnlock()
	snapshot, ok := r.snapshots[namespace]
	if !ok {
		return nil, &ErrNotFound{Namespace: namespace}
	}
	copied := &Snapshot{
		Namespace: snapshot.Namespace,
		Entries:   make(map[string]json.RawMessage, len(snapshot.Entries)),
		SavedAt:   snapshot.SavedAt,
	}
	for id, payload := range snapshot.Entries {
		copied.Entries[id] = append(json.RawMessage(nil), payload...)
	}
	return copied, nil
}
