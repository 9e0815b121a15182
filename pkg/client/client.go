// Package client assembles the domain services, their shared strategies and
// the background workers into one optimistic client.
package client

import (
	"context"
	"errors"
	"fmt"

	"github.com/cbodonnell/tally/pkg/achievements"
	"github.com/cbodonnell/tally/pkg/authority"
	"github.com/cbodonnell/tally/pkg/config"
	"github.com/cbodonnell/tally/pkg/currency"
	"github.com/cbodonnell/tally/pkg/events"
	"github.com/cbodonnell/tally/pkg/fallback"
	"github.com/cbodonnell/tally/pkg/inventory"
	"github.com/cbodonnell/tally/pkg/log"
	"github.com/cbodonnell/tally/pkg/metrics"
	"github.com/cbodonnell/tally/pkg/notify"
	"github.com/cbodonnell/tally/pkg/optimistic"
	"github.com/cbodonnell/tally/pkg/queue"
	"github.com/cbodonnell/tally/pkg/repositories"
	"github.com/cbodonnell/tally/pkg/rewards"
	"github.com/cbodonnell/tally/pkg/rollback"
	"github.com/cbodonnell/tally/pkg/tasks"
	"github.com/cbodonnell/tally/pkg/workers"
	"golang.org/x/sync/errgroup"
)

// domain is what every coordinator offers to the client and its workers.
type domain interface {
	workers.Refresher
	workers.SnapshotSaver
	workers.Replayer
	LoadSnapshot(ctx context.Context) (int, error)
	EnsureFresh(ctx context.Context) error
}

type Client struct {
	Bus          *events.Bus
	Fallback     *fallback.Policy
	Notifier     *notify.Notifier
	Currency     *currency.Service
	Inventory    *inventory.Service
	Tasks        *tasks.Service
	Achievements *achievements.Service

	pending queue.Queue[*rollback.PendingOperation]
	metrics *metrics.Metrics
	domains []domain

	refreshWorker *workers.RefreshWorker
	saveWorker    *workers.SaveSnapshotWorker
	retryWorker   *workers.PendingRetryWorker

	subscriptions []*events.Subscription
}

type NewClientOptions struct {
	Config    *config.Config
	Authority authority.Authority
	// Repository is the snapshot cache. Optional.
	Repository repositories.Repository
	// Metrics is optional.
	Metrics *metrics.Metrics
	// Bus defaults to a new bus.
	Bus *events.Bus
}

// New wires the domain services. Purchases are undone with a notification,
// inventory corrections are silent and task progress made offline is kept
// and replayed.
func New(opts NewClientOptions) (*Client, error) {
	if opts.Config == nil {
		return nil, fmt.Errorf("config is required")
	}
	if opts.Authority == nil {
		return nil, fmt.Errorf("authority is required")
	}
	cfg := opts.Config
	bus := opts.Bus
	if bus == nil {
		bus = events.NewBus(events.NewBusOptions{})
	}

	c := &Client{
		Bus:      bus,
		Notifier: notify.NewNotifier(bus),
		Fallback: fallback.NewPolicy(fallback.NewPolicyOptions{Bus: bus}),
		pending:  queue.NewInMemoryQueue[*rollback.PendingOperation](cfg.PendingQueueSize),
		metrics:  opts.Metrics,
	}

	deps := optimistic.Dependencies{
		Bus:            bus,
		Authority:      opts.Authority,
		Fallback:       c.Fallback,
		Repository:     opts.Repository,
		Metrics:        opts.Metrics,
		MaxAttempts:    cfg.MaxAttempts,
		InitialDelay:   cfg.InitialDelay,
		RequestTimeout: cfg.RequestTimeout,
		MaxAge:         cfg.MaxAge,
	}

	var err error
	currencyDeps := deps
	currencyDeps.Rollback = rollback.NewNotified(rollback.NewNotifiedOptions{Notifier: c.Notifier})
	if c.Currency, err = currency.NewService(currency.NewServiceOptions{Dependencies: currencyDeps}); err != nil {
		return nil, fmt.Errorf("failed to create currency service: %w", err)
	}
	if c.Inventory, err = inventory.NewService(inventory.NewServiceOptions{Dependencies: deps}); err != nil {
		return nil, fmt.Errorf("failed to create inventory service: %w", err)
	}
	sinks := []rewards.Sink{c.Currency, c.Inventory}

	taskDeps := deps
	taskDeps.Rollback = rollback.NewDeferred(rollback.NewDeferredOptions{
		Queue:      c.pending,
		MaxRetries: cfg.PendingMaxRetries,
	})
	if c.Tasks, err = tasks.NewService(tasks.NewServiceOptions{Dependencies: taskDeps, RewardSinks: sinks}); err != nil {
		return nil, fmt.Errorf("failed to create tasks service: %w", err)
	}
	if c.Achievements, err = achievements.NewService(achievements.NewServiceOptions{Dependencies: deps, RewardSinks: sinks}); err != nil {
		return nil, fmt.Errorf("failed to create achievements service: %w", err)
	}

	c.domains = []domain{
		c.Currency.Coordinator(),
		c.Inventory.Coordinator(),
		c.Tasks.Coordinator(),
		c.Achievements.Coordinator(),
	}
	refreshers := make([]workers.Refresher, 0, len(c.domains))
	savers := make([]workers.SnapshotSaver, 0, len(c.domains))
	replayers := make([]workers.Replayer, 0, len(c.domains))
	for _, d := range c.domains {
		refreshers = append(refreshers, d)
		savers = append(savers, d)
		replayers = append(replayers, d)
	}
	c.refreshWorker = workers.NewRefreshWorker(workers.NewRefreshWorkerOptions{
		Refreshers: refreshers,
		Interval:   cfg.RefreshInterval,
	})
	if opts.Repository != nil {
		c.saveWorker = workers.NewSaveSnapshotWorker(workers.NewSaveSnapshotWorkerOptions{
			Savers:   savers,
			Interval: cfg.SaveInterval,
		})
	}
	c.retryWorker = workers.NewPendingRetryWorker(workers.NewPendingRetryWorkerOptions{
		Queue:     c.pending,
		Replayers: replayers,
		Metrics:   opts.Metrics,
		Interval:  cfg.RetryInterval,
	})

	c.subscriptions = append(c.subscriptions,
		events.Subscribe(bus, func(e fallback.ModeChanged) {
			c.metrics.SetCachedDataMode(e.CachedData)
			log.Info("Cached data mode: %t (%s)", e.CachedData, e.Reason)
		}),
		events.Subscribe(bus, func(e optimistic.Degraded) {
			log.Warn("%s degraded on %s: %s", e.Domain, e.Operation, e.Reason)
		}),
	)
	return c, nil
}

// Restore loads every domain from the snapshot cache so there is something
// to show before the authority answers. Domains never saved are skipped.
func (c *Client) Restore(ctx context.Context) error {
	for _, d := range c.domains {
		n, err := d.LoadSnapshot(ctx)
		switch {
		case err == nil:
			log.Info("Restored %d %s entities from cache", n, d.Domain())
		case repositories.IsNotFound(err), errors.Is(err, optimistic.ErrNoRepository):
			log.Debug("No cached %s snapshot", d.Domain())
		default:
			return fmt.Errorf("failed to restore %s: %w", d.Domain(), err)
		}
	}
	return nil
}

// Sync makes sure every domain has data, loading empty domains from the
// authority concurrently.
func (c *Client) Sync(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, d := range c.domains {
		g.Go(func() error {
			if err := d.EnsureFresh(ctx); err != nil {
				return fmt.Errorf("failed to sync %s: %w", d.Domain(), err)
			}
			return nil
		})
	}
	return g.Wait()
}

// PendingOperations returns the number of deferred operations waiting for
// replay.
func (c *Client) PendingOperations() int {
	return c.pending.Size()
}

// Start runs the background workers until ctx is done.
func (c *Client) Start(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		c.refreshWorker.Start(ctx)
		return nil
	})
	g.Go(func() error {
		c.retryWorker.Start(ctx)
		return nil
	})
	if c.saveWorker != nil {
		g.Go(func() error {
			c.saveWorker.Start(ctx)
			return nil
		})
	}
	return g.Wait()
}

// Close releases the client's event subscriptions.
func (c *Client) Close() {
	for _, s := range c.subscriptions {
		s.Dispose()
	}
	c.subscriptions = nil
	c.Tasks.Close()
	c.Achievements.Close()
}
