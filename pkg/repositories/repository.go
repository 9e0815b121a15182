package repositories

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cbodonnell/tally/pkg/errs"
	"github.com/cbodonnell/tally/pkg/state"
)

// Snapshot is the persisted content of one store. Entries maps entity id
// to the JSON encoding of the entity.
type Snapshot struct {
	Namespace string
	Entries   map[string]json.RawMessage
	SavedAt   time.Time
}

// Repository is the persistent local cache of store snapshots. Saving a
// snapshot replaces everything previously saved under its namespace.
type Repository interface {
	Close(ctx context.Context) error
	SaveSnapshot(ctx context.Context, snapshot *Snapshot) error
	// LoadSnapshot returns ErrNotFound when nothing was saved for namespace.
	LoadSnapshot(ctx context.Context, namespace string) (*Snapshot, error)
}

// normalizeSnapshot returns a copy of snapshot with trimmed, lowercased
// namespace and entity ids.
func normalizeSnapshot(snapshot *Snapshot) (*Snapshot, error) {
	if snapshot == nil {
		return nil, errs.NewValidationError("", "snapshot is nil")
	}
	namespace, err := state.NormalizeKey(snapshot.Namespace)
	if err != nil {
		return nil, err
	}
	normalized := &Snapshot{
		Namespace: namespace,
		Entries:   make(map[string]json.RawMessage, len(snapshot.Entries)),
		SavedAt:   snapshot.SavedAt,
	}
	if normalized.SavedAt.IsZero() {
		normalized.SavedAt = time.Now()
	}
	normalized.SavedAt = normalized.SavedAt.UTC().Truncate(time.Millisecond)
	for id, payload := range snapshot.Entries {
		key, err := state.NormalizeKey(id)
		if err != nil {
			return nil, err
		}
		if _, dup := normalized.Entries[key]; dup {
			return nil, errs.NewValidationError(id, "duplicate entity id %q after normalization", key)
		}
		if !json.Valid(payload) {
			return nil, errs.NewValidationError(id, "payload is not valid JSON")
		}
		normalized.Entries[key] = append(json.RawMessage(nil), payload...)
	}
	return normalized, nil
}

func normalizeNamespace(namespace string) (string, error) {
	normalized, err := state.NormalizeKey(namespace)
	if err != nil {
		return "", fmt.Errorf("invalid namespace: %w", err)
	}
	return normalized, nil
}
