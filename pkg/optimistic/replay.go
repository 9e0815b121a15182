package optimistic

import (
	"context"
	"fmt"

	"github.com/cbodonnell/tally/pkg/authority"
	"github.com/cbodonnell/tally/pkg/errs"
	"github.com/cbodonnell/tally/pkg/rollback"
	"github.com/cbodonnell/tally/pkg/state"
)

// ReasonRetriesExhausted is the rolled-back reason of an abandoned replay.
const ReasonRetriesExhausted = "retries exhausted"

// Replay makes one attempt to deliver a deferred operation. The operation
// is left Pending when another attempt is allowed, Resolved when the
// authority confirmed it, and Abandoned otherwise. Abandoned operations are
// compensated and a RolledBack event is published.
func (c *Coordinator[K, V]) Replay(ctx context.Context, op *rollback.PendingOperation) error {
	if op.Domain != c.domain {
		return fmt.Errorf("operation %s belongs to %s, not %s", op.ID, op.Domain, c.domain)
	}
	if err := op.BeginRetry(); err != nil {
		return err
	}

	req := &authority.Request{ID: op.ID, Operation: op.Operation, Params: op.Params}
	resp, err := c.call(ctx, req)
	if err != nil {
		if failErr := op.Fail(err); failErr != nil {
			return failErr
		}
		c.logger.Debug("Replay of %s failed (%d/%d): %v", op.Operation, op.RetryCount, op.MaxRetries, err)
		if op.Status == rollback.StatusAbandoned {
			return c.abandon(op, ReasonRetriesExhausted, &errs.RetryExhaustedError{Operation: op.Operation, Attempts: op.RetryCount, Cause: err})
		}
		return nil
	}

	entry := c.takePending(op)
	if !resp.Success {
		cause := resp.Err(op.Operation)
		if err := op.Abandon(cause); err != nil {
			return err
		}
		reason := resp.ErrorMessage
		if reason == "" {
			reason = cause.Error()
		}
		return c.settleAbandoned(op, entry, reason, cause)
	}

	if err := op.Resolve(); err != nil {
		return err
	}
	var changes state.Changes[K, V]
	if entry != nil {
		changes = entry.changes
	}
	confirmed, adjusted, err := c.reconcile(resp, changes)
	if err != nil {
		return fmt.Errorf("failed to reconcile replayed %s: %w", op.Operation, err)
	}
	c.metrics.IncrementOutcome(c.domain, OutcomeConfirmed.String())
	emit(c.bus, ConfirmedUpdate[V]{
		Domain:    c.domain,
		Operation: op.Operation,
		RequestID: op.ID,
		Changes:   confirmed,
		Adjusted:  adjusted,
	})
	return nil
}

// PendingCount returns the number of deferred operations this coordinator
// can still compensate.
func (c *Coordinator[K, V]) PendingCount() int {
	c.lock.Lock()
	defer c.lock.Unlock()
	return len(c.pending)
}

func (c *Coordinator[K, V]) takePending(op *rollback.PendingOperation) *pendingEntry[K, V] {
	c.lock.Lock()
	defer c.lock.Unlock()
	entry := c.pending[op.ID]
	delete(c.pending, op.ID)
	return entry
}

func (c *Coordinator[K, V]) abandon(op *rollback.PendingOperation, reason string, cause error) error {
	return c.settleAbandoned(op, c.takePending(op), reason, cause)
}

func (c *Coordinator[K, V]) settleAbandoned(op *rollback.PendingOperation, entry *pendingEntry[K, V], reason string, cause error) error {
	if entry == nil {
		// deferred before a restart, nothing left to compensate with
		c.logger.Warn("Abandoned %s %s without a local record", op.Operation, op.ID)
		return nil
	}
	if err := c.compensate(entry.mutation, entry.changes); err != nil {
		return fmt.Errorf("failed to compensate abandoned %s: %w", op.Operation, err)
	}
	c.metrics.IncrementOutcome(c.domain, OutcomeRolledBack.String())
	emit(c.bus, RolledBack[V]{
		Domain:    c.domain,
		Operation: op.Operation,
		RequestID: op.ID,
		Changes:   c.restored(entry.changes),
		Reason:    reason,
		Kind:      rollback.KindDeferred,
		Cause:     cause,
	})
	return nil
}
