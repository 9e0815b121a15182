package optimistic

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cbodonnell/tally/pkg/authority"
	"github.com/cbodonnell/tally/pkg/errs"
	"github.com/cbodonnell/tally/pkg/repositories"
	"github.com/cbodonnell/tally/pkg/state"
)

var ErrNoRepository = errors.New("no snapshot repository configured")

// SnapshotOperation is the authority operation that returns every entity
// of a domain.
func SnapshotOperation(domain string) string {
	return domain + ".snapshot"
}

// Refresh reloads the store from the authority. When the authority cannot
// be reached the last saved snapshot is loaded instead and a Degraded event
// is published. Keys with an operation in flight or deferred keep their
// local value.
func (c *Coordinator[K, V]) Refresh(ctx context.Context) error {
	if c.fallback.UsingCachedData() {
		return c.refreshWhileCached(ctx)
	}
	req, resp, err := c.fetchSnapshot(ctx)
	if err != nil {
		if !errs.IsConnectivity(err) {
			return err
		}
		if cacheErr := c.refreshFromCache(ctx, "showing saved data, the server is unreachable", err); cacheErr != nil {
			return errors.Join(err, cacheErr)
		}
		return nil
	}
	return c.applySnapshot(ctx, req, resp)
}

// refreshWhileCached serves the saved snapshot and then sends the snapshot
// request anyway. Its outcome feeds the circuit breaker, and once enough of
// them succeed live mode is restored and the authority's answer replaces the
// cached data.
func (c *Coordinator[K, V]) refreshWhileCached(ctx context.Context) error {
	cacheErr := c.refreshFromCache(ctx, "showing saved data while offline", nil)
	req, resp, err := c.fetchSnapshot(ctx)
	if err != nil {
		c.logger.Debug("Authority still unreachable: %v", err)
		return cacheErr
	}
	if c.fallback.UsingCachedData() {
		return cacheErr
	}
	return c.applySnapshot(ctx, req, resp)
}

func (c *Coordinator[K, V]) fetchSnapshot(ctx context.Context) (*authority.Request, *authority.Response, error) {
	req, err := authority.NewRequest(SnapshotOperation(c.domain), nil)
	if err != nil {
		return nil, nil, err
	}
	resp, err := c.call(ctx, req)
	if err != nil {
		return nil, nil, err
	}
	return req, resp, nil
}

func (c *Coordinator[K, V]) applySnapshot(ctx context.Context, req *authority.Request, resp *authority.Response) error {
	if !resp.Success {
		return resp.Err(req.Operation)
	}
	canonical, err := authority.DecodeEntities[V](resp.CanonicalValue)
	if err != nil {
		return err
	}
	entries := make(map[K]V, len(canonical))
	for id, value := range canonical {
		if value == nil {
			continue
		}
		key, err := state.NormalizeKey(id)
		if err != nil {
			return err
		}
		entries[K(key)] = *value
	}
	if err := c.replace(entries); err != nil {
		return err
	}
	c.markRefreshed()
	c.metrics.IncrementRefresh(c.domain, SourceAuthority)
	emit(c.bus, Refreshed{Domain: c.domain, Source: SourceAuthority, Count: len(entries)})

	if c.repository != nil {
		if err := c.SaveSnapshot(ctx); err != nil {
			c.logger.Warn("Failed to save snapshot after refresh: %v", err)
		}
	}
	return nil
}

func (c *Coordinator[K, V]) refreshFromCache(ctx context.Context, reason string, cause error) error {
	count, err := c.LoadSnapshot(ctx)
	if err != nil {
		return err
	}
	c.metrics.IncrementRefresh(c.domain, SourceCache)
	emit(c.bus, Refreshed{Domain: c.domain, Source: SourceCache, Count: count})
	emit(c.bus, Degraded{
		Domain:    c.domain,
		Operation: SnapshotOperation(c.domain),
		Reason:    reason,
		Cause:     cause,
		At:        c.now(),
	})
	return nil
}

// Stale reports whether the last successful refresh from the authority is
// older than the configured maximum age.
func (c *Coordinator[K, V]) Stale() bool {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.lastRefresh.IsZero() || c.now().Sub(c.lastRefresh) > c.maxAge
}

func (c *Coordinator[K, V]) LastRefresh() time.Time {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.lastRefresh
}

// RefreshIfStale refreshes synchronously when the data is stale and reports
// whether a refresh was attempted.
func (c *Coordinator[K, V]) RefreshIfStale(ctx context.Context) (bool, error) {
	if !c.Stale() {
		return false, nil
	}
	return true, c.Refresh(ctx)
}

// EnsureFresh loads data synchronously when the store is empty. Stale but
// present data is served as is while a background refresh runs.
func (c *Coordinator[K, V]) EnsureFresh(ctx context.Context) error {
	if c.store.Len() == 0 {
		return c.Refresh(ctx)
	}
	if !c.Stale() {
		return nil
	}

	c.lock.Lock()
	if c.refreshing {
		c.lock.Unlock()
		return nil
	}
	c.refreshing = true
	c.lock.Unlock()

	go func() {
		defer func() {
			c.lock.Lock()
			c.refreshing = false
			c.lock.Unlock()
		}()
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.requestTimeout)
		defer cancel()
		if err := c.Refresh(ctx); err != nil {
			c.logger.Warn("Background refresh failed: %v", err)
		}
	}()
	return nil
}

// SaveSnapshot writes the current store content to the repository.
func (c *Coordinator[K, V]) SaveSnapshot(ctx context.Context) error {
	if c.repository == nil {
		return ErrNoRepository
	}
	snapshot := c.store.Snapshot()
	entries := make(map[string]json.RawMessage, len(snapshot))
	for key, value := range snapshot {
		b, err := json.Marshal(value)
		if err != nil {
			return fmt.Errorf("failed to marshal %s: %w", string(key), err)
		}
		entries[string(key)] = b
	}
	return c.repository.SaveSnapshot(ctx, &repositories.Snapshot{
		Namespace: c.domain,
		Entries:   entries,
		SavedAt:   c.now(),
	})
}

// LoadSnapshot replaces the store content with the last saved snapshot and
// returns the number of entities loaded.
func (c *Coordinator[K, V]) LoadSnapshot(ctx context.Context) (int, error) {
	if c.repository == nil {
		return 0, ErrNoRepository
	}
	snapshot, err := c.repository.LoadSnapshot(ctx, c.domain)
	if err != nil {
		return 0, err
	}
	entries := make(map[K]V, len(snapshot.Entries))
	for id, payload := range snapshot.Entries {
		var value V
		if err := json.Unmarshal(payload, &value); err != nil {
			return 0, fmt.Errorf("failed to decode cached %s: %w", id, err)
		}
		key, err := state.NormalizeKey(id)
		if err != nil {
			return 0, err
		}
		entries[K(key)] = value
	}
	if err := c.replace(entries); err != nil {
		return 0, err
	}
	return len(entries), nil
}

// replace swaps in entries while keeping the local value of keys with an
// operation in flight or deferred.
func (c *Coordinator[K, V]) replace(entries map[K]V) error {
	for _, key := range c.protectedKeys() {
		if value, ok := c.store.Get(key); ok {
			entries[key] = value
		} else {
			delete(entries, key)
		}
	}
	return c.store.ReplaceAll(entries)
}

func (c *Coordinator[K, V]) markRefreshed() {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.lastRefresh = c.now()
}
