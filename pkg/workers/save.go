package workers

import (
	"context"
	"time"

	"github.com/cbodonnell/tally/pkg/log"
)

// SnapshotSaver persists the local state of one domain.
type SnapshotSaver interface {
	Domain() string
	SaveSnapshot(ctx context.Context) error
}

type SaveSnapshotWorker struct {
	savers   []SnapshotSaver
	interval time.Duration
}

type NewSaveSnapshotWorkerOptions struct {
	Savers   []SnapshotSaver
	Interval time.Duration
}

// NewSaveSnapshotWorker creates a new SaveSnapshotWorker.
// The worker periodically saves every domain's state to the repository
// and makes a final save when it is stopped.
func NewSaveSnapshotWorker(opts NewSaveSnapshotWorkerOptions) *SaveSnapshotWorker {
	if opts.Interval <= 0 {
		opts.Interval = DefaultSaveInterval
	}
	return &SaveSnapshotWorker{
		savers:   opts.Savers,
		interval: opts.Interval,
	}
}

func (w *SaveSnapshotWorker) Start(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), w.interval)
			w.SaveAll(saveCtx)
			cancel()
			return
		case <-ticker.C:
			w.SaveAll(ctx)
		}
	}
}

// SaveAll saves each domain once and returns the number of failures.
func (w *SaveSnapshotWorker) SaveAll(ctx context.Context) int {
	failed := 0
	for _, saver := range w.savers {
		if err := saver.SaveSnapshot(ctx); err != nil {
			log.Error("Failed to save %s snapshot: %v", saver.Domain(), err)
			failed++
		}
	}
	return failed
}
