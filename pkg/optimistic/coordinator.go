// Package optimistic applies mutations locally before the authority
// confirms them and reconciles the store with whatever the authority
// answers.
package optimistic

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/cbodonnell/tally/pkg/authority"
	"github.com/cbodonnell/tally/pkg/errs"
	"github.com/cbodonnell/tally/pkg/events"
	"github.com/cbodonnell/tally/pkg/fallback"
	"github.com/cbodonnell/tally/pkg/log"
	"github.com/cbodonnell/tally/pkg/metrics"
	"github.com/cbodonnell/tally/pkg/repositories"
	"github.com/cbodonnell/tally/pkg/rollback"
	"github.com/cbodonnell/tally/pkg/state"
	"github.com/google/uuid"
)

const (
	DefaultMaxAttempts    = 3
	DefaultInitialDelay   = 200 * time.Millisecond
	DefaultRequestTimeout = 10 * time.Second
	DefaultMaxAge         = 5 * time.Minute
)

// Mutation describes one optimistic write.
type Mutation[K ~string, V state.Entity[V]] struct {
	// Operation is the authority operation name, e.g. "currency.spend".
	Operation string
	// Key is the primary key the mutation is about. It is recorded on
	// deferred operations.
	Key    K
	Params any
	// Apply performs the optimistic step. Returning an error aborts the
	// mutation before anything is written or sent.
	Apply func(tx *state.Tx[K, V]) error
	// Compensate undoes the mutation. It defaults to restoring the
	// previous values of every key Apply wrote. Services whose keys see
	// concurrent writes should supply an inverse operation instead.
	Compensate func(store state.Store[K, V], changes state.Changes[K, V]) error
	// Feature, when set, must be enabled in the fallback strategy.
	Feature string
	// Rollback overrides the coordinator's rollback strategy.
	Rollback rollback.Strategy
}

// Coordinator drives the optimistic lifecycle for one domain store.
type Coordinator[K ~string, V state.Entity[V]] struct {
	domain         string
	store          state.Store[K, V]
	bus            *events.Bus
	authority      authority.Authority
	rollback       rollback.Strategy
	fallback       fallback.Strategy
	repository     repositories.Repository
	metrics        *metrics.Metrics
	logger         *log.Logger
	maxAttempts    int
	initialDelay   time.Duration
	requestTimeout time.Duration
	maxAge         time.Duration
	now            func() time.Time

	lock        sync.Mutex
	inflight    map[K]int
	pending     map[uuid.UUID]*pendingEntry[K, V]
	lastRefresh time.Time
	refreshing  bool
}

type pendingEntry[K ~string, V state.Entity[V]] struct {
	mutation Mutation[K, V]
	changes  state.Changes[K, V]
}

// Dependencies are the collaborators every domain coordinator shares.
type Dependencies struct {
	Bus       *events.Bus
	Authority authority.Authority
	// Rollback defaults to Silent.
	Rollback rollback.Strategy
	Fallback fallback.Strategy
	// Repository is the snapshot cache. Optional.
	Repository     repositories.Repository
	Metrics        *metrics.Metrics
	MaxAttempts    int
	InitialDelay   time.Duration
	RequestTimeout time.Duration
	// MaxAge is how old data may get before a refresh is attempted.
	MaxAge time.Duration
}

type NewCoordinatorOptions[K ~string, V state.Entity[V]] struct {
	Domain string
	Store  state.Store[K, V]
	Dependencies
}

func NewCoordinator[K ~string, V state.Entity[V]](opts NewCoordinatorOptions[K, V]) (*Coordinator[K, V], error) {
	if opts.Domain == "" {
		return nil, fmt.Errorf("domain is required")
	}
	if opts.Store == nil {
		return nil, fmt.Errorf("store is required for %s", opts.Domain)
	}
	if opts.Bus == nil {
		return nil, fmt.Errorf("bus is required for %s", opts.Domain)
	}
	if opts.Authority == nil {
		return nil, fmt.Errorf("authority is required for %s", opts.Domain)
	}
	if opts.Fallback == nil {
		opts.Fallback = fallback.NewPolicy(fallback.NewPolicyOptions{Bus: opts.Bus})
	}
	if opts.Rollback == nil {
		opts.Rollback = rollback.NewSilent()
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultMaxAttempts
	}
	if opts.InitialDelay <= 0 {
		opts.InitialDelay = DefaultInitialDelay
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = DefaultRequestTimeout
	}
	if opts.MaxAge <= 0 {
		opts.MaxAge = DefaultMaxAge
	}
	return &Coordinator[K, V]{
		domain:         opts.Domain,
		store:          opts.Store,
		bus:            opts.Bus,
		authority:      opts.Authority,
		rollback:       opts.Rollback,
		fallback:       opts.Fallback,
		repository:     opts.Repository,
		metrics:        opts.Metrics,
		logger:         log.Named(opts.Domain),
		maxAttempts:    opts.MaxAttempts,
		initialDelay:   opts.InitialDelay,
		requestTimeout: opts.RequestTimeout,
		maxAge:         opts.MaxAge,
		now:            time.Now,
		inflight:       make(map[K]int),
		pending:        make(map[uuid.UUID]*pendingEntry[K, V]),
	}, nil
}

func (c *Coordinator[K, V]) Domain() string {
	return c.domain
}

func (c *Coordinator[K, V]) Store() state.Store[K, V] {
	return c.store
}

func (c *Coordinator[K, V]) Bus() *events.Bus {
	return c.bus
}

func (c *Coordinator[K, V]) Fallback() fallback.Strategy {
	return c.fallback
}

// Begin validates and applies the optimistic step. Local failures are
// returned here and nothing is sent to the authority.
func (c *Coordinator[K, V]) Begin(ctx context.Context, m Mutation[K, V]) (*Operation[K, V], error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if m.Apply == nil {
		return nil, fmt.Errorf("mutation %s has no apply function", m.Operation)
	}
	if m.Feature != "" {
		if err := c.fallback.CheckFeature(m.Feature); err != nil {
			return nil, err
		}
	}
	req, err := authority.NewRequest(m.Operation, m.Params)
	if err != nil {
		return nil, errs.NewValidationError(string(m.Key), "%v", err)
	}

	changes, err := c.store.Transact(m.Apply)
	if err != nil {
		return nil, err
	}
	c.track(changes, 1)
	c.metrics.IncrementMutation(c.domain, m.Operation)

	emit(c.bus, OptimisticUpdate[V]{
		Domain:    c.domain,
		Operation: m.Operation,
		RequestID: req.ID,
		Changes:   fromStateChanges(changes),
	})
	return &Operation[K, V]{
		coordinator: c,
		mutation:    m,
		request:     req,
		changes:     changes,
	}, nil
}

// ApplyConfirmed writes a change the authority has already made, such as a
// reward granted as part of another domain's operation, and publishes it
// as confirmed.
func (c *Coordinator[K, V]) ApplyConfirmed(operation string, fn func(tx *state.Tx[K, V]) error) ([]EntityChange[V], error) {
	changes, err := c.store.Transact(fn)
	if err != nil {
		return nil, err
	}
	confirmed := fromStateChanges(changes)
	emit(c.bus, ConfirmedUpdate[V]{
		Domain:    c.domain,
		Operation: operation,
		Changes:   confirmed,
	})
	return confirmed, nil
}

// Execute applies m optimistically and waits for the authority.
func (c *Coordinator[K, V]) Execute(ctx context.Context, m Mutation[K, V]) (Result[V], error) {
	op, err := c.Begin(ctx, m)
	if err != nil {
		return Result[V]{}, err
	}
	return op.Commit(ctx)
}

// AsyncResult is delivered by ExecuteAsync.
type AsyncResult[V any] struct {
	Result Result[V]
	Err    error
}

// ExecuteAsync applies m optimistically and returns once the local value is
// visible. The authority outcome is delivered on the returned channel.
func (c *Coordinator[K, V]) ExecuteAsync(ctx context.Context, m Mutation[K, V]) (<-chan AsyncResult[V], error) {
	op, err := c.Begin(ctx, m)
	if err != nil {
		return nil, err
	}
	ch := make(chan AsyncResult[V], 1)
	go func() {
		defer close(ch)
		result, err := op.Commit(ctx)
		ch <- AsyncResult[V]{Result: result, Err: err}
	}()
	return ch, nil
}

// call performs one authority round trip. Every error it returns is a
// ConnectivityError.
func (c *Coordinator[K, V]) call(ctx context.Context, req *authority.Request) (*authority.Response, error) {
	ctx, cancel := context.WithTimeout(ctx, c.requestTimeout)
	defer cancel()

	start := time.Now()
	resp, err := c.authority.Do(ctx, req)
	if err == nil && resp == nil {
		err = fmt.Errorf("empty response")
	}
	if err != nil {
		c.metrics.ObserveAuthority(req.Operation, "unreachable", start)
		if !errs.IsConnectivity(err) {
			err = &errs.ConnectivityError{Operation: req.Operation, Cause: err}
		}
		c.fallback.RecordFailure(err)
		return nil, err
	}
	if resp.Success {
		c.metrics.ObserveAuthority(req.Operation, "success", start)
	} else {
		c.metrics.ObserveAuthority(req.Operation, "rejected", start)
	}
	c.fallback.RecordSuccess()
	return resp, nil
}

// reconcile writes the canonical entities into the store. Keys the
// authority did not mention keep their optimistic value.
func (c *Coordinator[K, V]) reconcile(resp *authority.Response, changes state.Changes[K, V]) ([]EntityChange[V], bool, error) {
	canonical, err := authority.DecodeEntities[V](resp.CanonicalValue)
	if err != nil {
		return nil, false, err
	}

	var written state.Changes[K, V]
	if len(canonical) > 0 {
		written, err = c.store.Transact(func(tx *state.Tx[K, V]) error {
			for id, value := range canonical {
				key, err := state.NormalizeKey(id)
				if err != nil {
					return err
				}
				if value == nil {
					tx.Delete(K(key))
					continue
				}
				if err := tx.Set(K(key), *value); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			return nil, false, fmt.Errorf("failed to apply canonical value: %w", err)
		}
	}

	adjusted := false
	out := fromStateChanges(written)
	for _, change := range written {
		if !change.Existed || change.Removed || !equal(change.Previous, change.Current) {
			adjusted = true
		}
	}
	for _, change := range changes {
		if _, ok := written.Find(change.Key); ok {
			continue
		}
		out = append(out, EntityChange[V]{
			Key:         string(change.Key),
			Previous:    change.Current,
			HadPrevious: !change.Removed,
			Current:     change.Current,
			Removed:     change.Removed,
		})
	}
	return out, adjusted, nil
}

// compensate undoes the optimistic step and reports the restored values.
func (c *Coordinator[K, V]) compensate(m Mutation[K, V], changes state.Changes[K, V]) error {
	if m.Compensate != nil {
		return m.Compensate(c.store, changes)
	}
	return rollback.Revert(c.store, changes)
}

func (c *Coordinator[K, V]) restored(changes state.Changes[K, V]) []EntityChange[V] {
	out := make([]EntityChange[V], 0, len(changes))
	for _, change := range changes {
		current, ok := c.store.Get(change.Key)
		out = append(out, EntityChange[V]{
			Key:         string(change.Key),
			Previous:    change.Current,
			HadPrevious: !change.Removed,
			Current:     current,
			Removed:     !ok,
		})
	}
	return out
}

func (c *Coordinator[K, V]) strategyFor(m Mutation[K, V]) rollback.Strategy {
	if m.Rollback != nil {
		return m.Rollback
	}
	return c.rollback
}

// track counts in-flight mutations per key so a refresh does not clobber
// values the authority has not answered for yet.
func (c *Coordinator[K, V]) track(changes state.Changes[K, V], delta int) {
	c.lock.Lock()
	defer c.lock.Unlock()
	for _, key := range changes.Keys() {
		c.inflight[key] += delta
		if c.inflight[key] <= 0 {
			delete(c.inflight, key)
		}
	}
}

// protectedKeys returns the keys a refresh must leave alone: those with a
// mutation in flight and those written by a deferred operation that has not
// been resolved or abandoned yet.
func (c *Coordinator[K, V]) protectedKeys() []K {
	c.lock.Lock()
	defer c.lock.Unlock()
	keys := make([]K, 0, len(c.inflight))
	seen := make(map[K]struct{}, len(c.inflight))
	for key := range c.inflight {
		seen[key] = struct{}{}
		keys = append(keys, key)
	}
	for _, entry := range c.pending {
		for _, key := range entry.changes.Keys() {
			if _, ok := seen[key]; ok {
				continue
			}
			seen[key] = struct{}{}
			keys = append(keys, key)
		}
	}
	return keys
}

// emit delivers event to subscribers. Delivery failures never affect the
// store.
func emit[T any](bus *events.Bus, event T) {
	if err := events.Publish(bus, event); err != nil {
		log.Error("Failed to publish %T: %v", event, err)
	}
}

func equal[V any](a, b V) bool {
	ab, errA := json.Marshal(a)
	bb, errB := json.Marshal(b)
	if errA != nil || errB != nil {
		return false
	}
	return string(ab) == string(bb)
}
