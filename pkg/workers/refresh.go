package workers

import (
	"context"
	"time"

	"github.com/cbodonnell/tally/pkg/log"
)

// Refresher reloads a domain from the authority once its data is stale.
type Refresher interface {
	Domain() string
	RefreshIfStale(ctx context.Context) (bool, error)
}

type RefreshWorker struct {
	refreshers []Refresher
	interval   time.Duration
}

type NewRefreshWorkerOptions struct {
	Refreshers []Refresher
	Interval   time.Duration
}

func NewRefreshWorker(opts NewRefreshWorkerOptions) *RefreshWorker {
	if opts.Interval <= 0 {
		opts.Interval = DefaultRefreshInterval
	}
	return &RefreshWorker{
		refreshers: opts.Refreshers,
		interval:   opts.Interval,
	}
}

func (w *RefreshWorker) Start(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.RefreshStale(ctx)
		}
	}
}

// RefreshStale refreshes every stale domain and returns how many were
// refreshed.
func (w *RefreshWorker) RefreshStale(ctx context.Context) int {
	refreshed := 0
	for _, r := range w.refreshers {
		ok, err := r.RefreshIfStale(ctx)
		if err != nil {
			log.Warn("Failed to refresh %s: %v", r.Domain(), err)
			continue
		}
		if ok {
			refreshed++
		}
	}
	return refreshed
}
