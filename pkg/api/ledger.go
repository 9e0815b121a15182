package api

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/cbodonnell/tally/pkg/achievements"
	"github.com/cbodonnell/tally/pkg/authority"
	"github.com/cbodonnell/tally/pkg/currency"
	"github.com/cbodonnell/tally/pkg/errs"
	"github.com/cbodonnell/tally/pkg/inventory"
	"github.com/cbodonnell/tally/pkg/log"
	"github.com/cbodonnell/tally/pkg/optimistic"
	"github.com/cbodonnell/tally/pkg/state"
	"github.com/cbodonnell/tally/pkg/tasks"
	lru "github.com/hashicorp/golang-lru/v2"
)

// Error codes of rejected requests.
const (
	CodeInvalid      = "invalid"
	CodeInsufficient = "insufficient"
	CodeUnknown      = "unknown_operation"
)

// DefaultHistorySize is the number of answered requests a Ledger remembers.
const DefaultHistorySize = 4096

type handler func(params json.RawMessage) (any, error)

// Ledger is an in-process authority holding the canonical state of every
// domain. It applies the same rules as the client and answers each request
// with the canonical values of the entities it touched.
type Ledger struct {
	// lock serializes requests so every operation sees a consistent ledger
	lock sync.Mutex

	balances     *state.MemoryStore[string, currency.Balance]
	items        *state.MemoryStore[string, inventory.Item]
	tasks        *state.MemoryStore[string, tasks.Task]
	achievements *state.MemoryStore[string, achievements.Achievement]

	handlers map[string]handler
	// history remembers recently answered request ids so a replayed request
	// is not applied twice
	history *lru.Cache[string, *authority.Response]
	now     func() time.Time
}

var _ authority.Authority = (*Ledger)(nil)

type NewLedgerOptions struct {
	// HistorySize bounds the duplicate-request history. Defaults to
	// DefaultHistorySize.
	HistorySize int
}

func NewLedger(opts NewLedgerOptions) *Ledger {
	if opts.HistorySize <= 0 {
		opts.HistorySize = DefaultHistorySize
	}
	// only fails for a non-positive size
	history, _ := lru.New[string, *authority.Response](opts.HistorySize)
	l := &Ledger{
		balances: state.NewMemoryStore(state.NewMemoryStoreOptions[string, currency.Balance]{
			ValidateKey: state.NonEmptyKey[string],
		}),
		items: state.NewMemoryStore(state.NewMemoryStoreOptions[string, inventory.Item]{
			ValidateKey: state.NonEmptyKey[string],
			Indexes: map[string]state.IndexFunc[string, inventory.Item]{
				inventory.SlotIndex: func(_ string, item inventory.Item) (string, bool) {
					return item.Slot, item.Slot != ""
				},
			},
		}),
		tasks: state.NewMemoryStore(state.NewMemoryStoreOptions[string, tasks.Task]{
			ValidateKey: state.NonEmptyKey[string],
		}),
		achievements: state.NewMemoryStore(state.NewMemoryStoreOptions[string, achievements.Achievement]{
			ValidateKey: state.NonEmptyKey[string],
		}),
		history: history,
		now:     time.Now,
	}
	l.handlers = map[string]handler{
		optimistic.SnapshotOperation(currency.Domain):     snapshot(l.balances),
		optimistic.SnapshotOperation(inventory.Domain):    snapshot(l.items),
		optimistic.SnapshotOperation(tasks.Domain):        snapshot(l.tasks),
		optimistic.SnapshotOperation(achievements.Domain): snapshot(l.achievements),

		currency.OperationSpend: l.handleSpend,
		currency.OperationGrant: l.handleGrant,

		inventory.OperationAdd:     l.handleAddItem,
		inventory.OperationConsume: l.handleConsumeItem,
		inventory.OperationRemove:  l.handleRemoveItem,
		inventory.OperationEquip:   l.handleEquip,
		inventory.OperationUnequip: l.handleUnequip,

		tasks.OperationProgress: l.handleTaskProgress,
		tasks.OperationClaim:    l.handleTaskClaim,

		achievements.OperationProgress: l.handleAchievementProgress,
		achievements.OperationClaim:    l.handleAchievementClaim,
	}
	return l
}

// Seed is the initial content of a Ledger.
type Seed struct {
	Balances     map[string]currency.Balance         `json:"balances,omitempty"`
	Items        map[string]inventory.Item           `json:"items,omitempty"`
	Tasks        map[string]tasks.Task               `json:"tasks,omitempty"`
	Achievements map[string]achievements.Achievement `json:"achievements,omitempty"`
}

// Load replaces the ledger content with seed.
func (l *Ledger) Load(seed Seed) error {
	l.lock.Lock()
	defer l.lock.Unlock()
	if err := l.balances.ReplaceAll(normalized(seed.Balances)); err != nil {
		return fmt.Errorf("failed to load balances: %w", err)
	}
	if err := l.items.ReplaceAll(normalized(seed.Items)); err != nil {
		return fmt.Errorf("failed to load items: %w", err)
	}
	if err := l.tasks.ReplaceAll(normalized(seed.Tasks)); err != nil {
		return fmt.Errorf("failed to load tasks: %w", err)
	}
	if err := l.achievements.ReplaceAll(normalized(seed.Achievements)); err != nil {
		return fmt.Errorf("failed to load achievements: %w", err)
	}
	return nil
}

// Do applies req to the ledger.
func (l *Ledger) Do(ctx context.Context, req *authority.Request) (*authority.Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l.lock.Lock()
	defer l.lock.Unlock()

	if resp, ok := l.history.Get(req.ID.String()); ok {
		log.Debug("Answering duplicate request %s from history", req.ID)
		return resp, nil
	}

	h, ok := l.handlers[req.Operation]
	if !ok {
		return authority.Reject(req, CodeUnknown, fmt.Sprintf("unknown operation %q", req.Operation)), nil
	}
	canonical, err := h(req.Params)
	var resp *authority.Response
	switch {
	case err == nil:
		resp, err = authority.Success(req, canonical)
		if err != nil {
			return nil, err
		}
	case errs.IsInsufficientResource(err):
		resp = authority.Reject(req, CodeInsufficient, err.Error())
	case errs.IsValidation(err):
		resp = authority.Reject(req, CodeInvalid, err.Error())
	default:
		return nil, err
	}
	l.history.Add(req.ID.String(), resp)
	return resp, nil
}

// Snapshot returns the canonical entities of domain.
func (l *Ledger) Snapshot(domain string) (any, bool) {
	h, ok := l.handlers[optimistic.SnapshotOperation(domain)]
	if !ok {
		return nil, false
	}
	l.lock.Lock()
	defer l.lock.Unlock()
	entities, err := h(nil)
	return entities, err == nil
}

func snapshot[V state.Entity[V]](store *state.MemoryStore[string, V]) handler {
	return func(json.RawMessage) (any, error) {
		return store.Snapshot(), nil
	}
}

// canonical renders changes as the id -> entity map of a response.
func canonical[V any](changes state.Changes[string, V]) map[string]*V {
	out := make(map[string]*V, len(changes))
	for _, change := range changes {
		if change.Removed {
			out[change.Key] = nil
			continue
		}
		current := change.Current
		out[change.Key] = &current
	}
	return out
}

func decode[P any](params json.RawMessage) (P, error) {
	var p P
	if err := json.Unmarshal(params, &p); err != nil {
		return p, errs.NewValidationError("", "malformed params: %v", err)
	}
	return p, nil
}

func normalized[V any](entries map[string]V) map[string]V {
	out := make(map[string]V, len(entries))
	for id, value := range entries {
		key, err := state.NormalizeKey(id)
		if err != nil {
			continue
		}
		out[key] = value
	}
	return out
}
