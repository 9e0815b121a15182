package optimistic

import (
	"time"

	"github.com/cbodonnell/tally/pkg/rollback"
	"github.com/cbodonnell/tally/pkg/state"
	"github.com/google/uuid"
)

// EntityChange carries the value before and after one step of a mutation so
// subscribers can render without reading the store.
type EntityChange[V any] struct {
	Key         string
	Previous    V
	HadPrevious bool
	Current     V
	Removed     bool
}

// OptimisticUpdate is published once the local mutation is visible in the
// store, before the authority is contacted.
type OptimisticUpdate[V any] struct {
	Domain    string
	Operation string
	RequestID uuid.UUID
	Changes   []EntityChange[V]
}

// ConfirmedUpdate is published after reconciliation. Previous holds the
// optimistic value and Current the canonical one.
type ConfirmedUpdate[V any] struct {
	Domain    string
	Operation string
	RequestID uuid.UUID
	Changes   []EntityChange[V]
	// Adjusted is true when the canonical value differs from the guess.
	Adjusted bool
}

// RolledBack is published after an optimistic mutation was undone. Previous
// holds the optimistic value and Current the restored one.
type RolledBack[V any] struct {
	Domain    string
	Operation string
	RequestID uuid.UUID
	Changes   []EntityChange[V]
	Reason    string
	Kind      rollback.Kind
	Cause     error
}

// Degraded is published when an operation could not reach the authority
// and was deferred or served from the snapshot cache.
type Degraded struct {
	Domain    string
	Operation string
	Reason    string
	Pending   *rollback.PendingOperation
	Cause     error
	At        time.Time
}

// Refreshed is published after the store was reloaded.
type Refreshed struct {
	Domain string
	Source string
	Count  int
}

const (
	SourceAuthority = "authority"
	SourceCache     = "cache"
)

func fromStateChanges[K ~string, V any](changes state.Changes[K, V]) []EntityChange[V] {
	out := make([]EntityChange[V], 0, len(changes))
	for _, change := range changes {
		out = append(out, EntityChange[V]{
			Key:         string(change.Key),
			Previous:    change.Previous,
			HadPrevious: change.Existed,
			Current:     change.Current,
			Removed:     change.Removed,
		})
	}
	return out
}
