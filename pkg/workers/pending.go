package workers

import (
	"context"
	"time"

	"github.com/cbodonnell/tally/pkg/log"
	"github.com/cbodonnell/tally/pkg/metrics"
	"github.com/cbodonnell/tally/pkg/queue"
	"github.com/cbodonnell/tally/pkg/rollback"
)

// Replayer delivers deferred operations of one domain.
type Replayer interface {
	Domain() string
	Replay(ctx context.Context, op *rollback.PendingOperation) error
}

type PendingRetryWorker struct {
	queue     queue.Queue[*rollback.PendingOperation]
	replayers map[string]Replayer
	metrics   *metrics.Metrics
	interval  time.Duration
}

type NewPendingRetryWorkerOptions struct {
	Queue     queue.Queue[*rollback.PendingOperation]
	Replayers []Replayer
	Metrics   *metrics.Metrics
	Interval  time.Duration
}

// NewPendingRetryWorker creates a new PendingRetryWorker.
// The worker drains the pending queue on every tick, replays each operation
// through the replayer of its domain and puts back the ones that may still
// be retried.
func NewPendingRetryWorker(opts NewPendingRetryWorkerOptions) *PendingRetryWorker {
	if opts.Interval <= 0 {
		opts.Interval = DefaultRetryInterval
	}
	replayers := make(map[string]Replayer, len(opts.Replayers))
	for _, r := range opts.Replayers {
		replayers[r.Domain()] = r
	}
	return &PendingRetryWorker{
		queue:     opts.Queue,
		replayers: replayers,
		metrics:   opts.Metrics,
		interval:  opts.Interval,
	}
}

func (w *PendingRetryWorker) Start(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.ReplayPending(ctx)
		}
	}
}

// ReplayPending makes one delivery attempt for every queued operation and
// returns the number of operations still pending afterwards.
func (w *PendingRetryWorker) ReplayPending(ctx context.Context) int {
	ops, err := w.queue.ReadAllMessages()
	if err != nil {
		log.Error("Failed to read pending operations: %v", err)
		return w.queue.Size()
	}

	for _, op := range ops {
		if ctx.Err() != nil {
			w.requeue(op)
			continue
		}
		replayer, ok := w.replayers[op.Domain]
		if !ok {
			log.Error("Dropping pending operation %s: no replayer for domain %s", op.ID, op.Domain)
			continue
		}
		if err := replayer.Replay(ctx, op); err != nil {
			log.Error("Failed to replay %s %s: %v", op.Operation, op.ID, err)
		}
		if op.Status == rollback.StatusPending {
			w.requeue(op)
		}
	}

	remaining := w.queue.Size()
	w.metrics.SetPendingOperations(remaining)
	return remaining
}

func (w *PendingRetryWorker) requeue(op *rollback.PendingOperation) {
	if err := w.queue.Enqueue(op); err != nil {
		log.Error("Failed to requeue pending operation %s: %v", op.ID, err)
	}
}
