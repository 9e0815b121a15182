package optimistic

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/cbodonnell/tally/pkg/authority"
	"github.com/cbodonnell/tally/pkg/errs"
	"github.com/cbodonnell/tally/pkg/rollback"
	"github.com/cbodonnell/tally/pkg/state"
	"github.com/google/uuid"
)

type Outcome int

const (
	OutcomeConfirmed Outcome = iota
	OutcomeRolledBack
	OutcomeDeferred
	OutcomeFailed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeConfirmed:
		return "confirmed"
	case OutcomeRolledBack:
		return "rolled_back"
	case OutcomeDeferred:
		return "deferred"
	case OutcomeFailed:
		return "failed"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// Result is the settled state of one operation.
type Result[V any] struct {
	Outcome   Outcome
	RequestID uuid.UUID
	Changes   []EntityChange[V]
	Reason    string
	Attempts  int
	Pending   *rollback.PendingOperation
}

func (r Result[V]) Confirmed() bool {
	return r.Outcome == OutcomeConfirmed
}

var ErrAlreadyCommitted = errors.New("operation already committed")

// Operation is an optimistic mutation waiting for the authority.
type Operation[K ~string, V state.Entity[V]] struct {
	coordinator *Coordinator[K, V]
	mutation    Mutation[K, V]
	request     *authority.Request
	changes     state.Changes[K, V]
	committed   atomic.Bool
}

func (o *Operation[K, V]) RequestID() uuid.UUID {
	return o.request.ID
}

// Changes returns the optimistic changes.
func (o *Operation[K, V]) Changes() []EntityChange[V] {
	return fromStateChanges(o.changes)
}

// Commit sends the request to the authority, retrying while it cannot be
// reached, and settles the store. Rejections are reported through the
// Result with a nil error. Exhausted retries return a RetryExhaustedError
// unless the rollback strategy deferred the operation.
func (o *Operation[K, V]) Commit(ctx context.Context) (Result[V], error) {
	if !o.committed.CompareAndSwap(false, true) {
		return Result[V]{}, ErrAlreadyCommitted
	}
	c := o.coordinator
	defer c.track(o.changes, -1)

	var (
		resp    *authority.Response
		lastErr error
	)
	attempts := 0
	ok := c.fallback.Retry(ctx, func(ctx context.Context) error {
		attempts++
		if attempts > 1 {
			c.metrics.IncrementRetry(o.request.Operation)
		}
		r, err := c.call(ctx, o.request)
		if err != nil {
			lastErr = err
			return err
		}
		resp = r
		return nil
	}, c.maxAttempts, c.initialDelay)

	result := Result[V]{RequestID: o.request.ID, Attempts: attempts}
	switch {
	case ok && resp.Success:
		return o.confirm(resp, result)
	case ok:
		return o.reject(ctx, resp, result)
	case ctx.Err() != nil:
		return o.cancel(ctx, result)
	default:
		return o.exhaust(ctx, lastErr, result)
	}
}

func (o *Operation[K, V]) confirm(resp *authority.Response, result Result[V]) (Result[V], error) {
	c := o.coordinator
	changes, adjusted, err := c.reconcile(resp, o.changes)
	if err != nil {
		c.logger.Error("Failed to reconcile %s, reverting: %v", o.request.Operation, err)
		if revertErr := c.compensate(o.mutation, o.changes); revertErr != nil {
			err = fmt.Errorf("%v (revert failed: %w)", err, revertErr)
		}
		result.Outcome = OutcomeFailed
		result.Reason = err.Error()
		result.Changes = c.restored(o.changes)
		c.metrics.IncrementOutcome(c.domain, result.Outcome.String())
		return result, err
	}

	result.Outcome = OutcomeConfirmed
	result.Changes = changes
	c.metrics.IncrementOutcome(c.domain, result.Outcome.String())
	emit(c.bus, ConfirmedUpdate[V]{
		Domain:    c.domain,
		Operation: o.request.Operation,
		RequestID: o.request.ID,
		Changes:   changes,
		Adjusted:  adjusted,
	})
	return result, nil
}

func (o *Operation[K, V]) reject(ctx context.Context, resp *authority.Response, result Result[V]) (Result[V], error) {
	cause := resp.Err(o.request.Operation)
	reason := resp.ErrorMessage
	if reason == "" {
		reason = cause.Error()
	}
	return o.rollback(ctx, o.coordinator.strategyFor(o.mutation), reason, cause, result)
}

func (o *Operation[K, V]) exhaust(ctx context.Context, lastErr error, result Result[V]) (Result[V], error) {
	c := o.coordinator
	if lastErr == nil {
		lastErr = &errs.ConnectivityError{Operation: o.request.Operation, Cause: errors.New("no attempt completed")}
	}
	reason := fmt.Sprintf("could not reach the server after %d attempts", result.Attempts)
	result, err := o.rollback(ctx, c.strategyFor(o.mutation), reason, lastErr, result)
	if err != nil || result.Outcome == OutcomeDeferred {
		return result, err
	}
	return result, &errs.RetryExhaustedError{Operation: o.request.Operation, Attempts: result.Attempts, Cause: lastErr}
}

// cancel leaves the store at its pre-mutation value.
func (o *Operation[K, V]) cancel(ctx context.Context, result Result[V]) (Result[V], error) {
	c := o.coordinator
	if err := c.compensate(o.mutation, o.changes); err != nil {
		result.Outcome = OutcomeFailed
		c.metrics.IncrementOutcome(c.domain, result.Outcome.String())
		return result, fmt.Errorf("failed to revert cancelled %s: %w", o.request.Operation, err)
	}
	result.Outcome = OutcomeRolledBack
	result.Reason = "cancelled"
	result.Changes = c.restored(o.changes)
	c.metrics.IncrementOutcome(c.domain, result.Outcome.String())
	emit(c.bus, RolledBack[V]{
		Domain:    c.domain,
		Operation: o.request.Operation,
		RequestID: o.request.ID,
		Changes:   result.Changes,
		Reason:    result.Reason,
		Kind:      rollback.KindSilent,
		Cause:     ctx.Err(),
	})
	return result, ctx.Err()
}

func (o *Operation[K, V]) rollback(ctx context.Context, strategy rollback.Strategy, reason string, cause error, result Result[V]) (Result[V], error) {
	c := o.coordinator
	outcome, err := strategy.Rollback(ctx, rollback.Request{
		RequestID: o.request.ID,
		Domain:    c.domain,
		Operation: o.request.Operation,
		Key:       string(o.mutation.Key),
		Params:    o.request.Params,
		Reason:    reason,
		Cause:     cause,
		Revert: func() error {
			return c.compensate(o.mutation, o.changes)
		},
	})
	result.Reason = reason
	if err != nil {
		result.Outcome = OutcomeFailed
		c.metrics.IncrementOutcome(c.domain, result.Outcome.String())
		return result, fmt.Errorf("failed to roll back %s: %w", o.request.Operation, err)
	}

	if outcome.Pending != nil {
		c.rememberPending(outcome.Pending, o.mutation, o.changes)
		result.Outcome = OutcomeDeferred
		result.Pending = outcome.Pending
		result.Changes = fromStateChanges(o.changes)
		c.metrics.IncrementOutcome(c.domain, result.Outcome.String())
		emit(c.bus, Degraded{
			Domain:    c.domain,
			Operation: o.request.Operation,
			Reason:    reason,
			Pending:   outcome.Pending,
			Cause:     cause,
			At:        c.now(),
		})
		return result, nil
	}

	result.Outcome = OutcomeRolledBack
	result.Changes = c.restored(o.changes)
	c.metrics.IncrementOutcome(c.domain, result.Outcome.String())
	emit(c.bus, RolledBack[V]{
		Domain:    c.domain,
		Operation: o.request.Operation,
		RequestID: o.request.ID,
		Changes:   result.Changes,
		Reason:    reason,
		Kind:      outcome.Kind,
		Cause:     cause,
	})
	return result, nil
}

// rememberPending keeps what is needed to compensate a deferred operation
// if its replay is abandoned.
func (c *Coordinator[K, V]) rememberPending(op *rollback.PendingOperation, m Mutation[K, V], changes state.Changes[K, V]) {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.pending[op.ID] = &pendingEntry[K, V]{mutation: m, changes: changes}
}
