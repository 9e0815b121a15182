// Package rollback decides how to undo an optimistic mutation the
// authority did not accept.
package rollback

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/cbodonnell/tally/pkg/log"
	"github.com/cbodonnell/tally/pkg/notify"
	"github.com/cbodonnell/tally/pkg/queue"
	"github.com/cbodonnell/tally/pkg/state"
	"github.com/google/uuid"
)

type Kind int

const (
	KindSilent Kind = iota
	KindNotified
	KindDeferred
)

func (k Kind) String() string {
	switch k {
	case KindSilent:
		return "silent"
	case KindNotified:
		return "notified"
	case KindDeferred:
		return "deferred"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Request describes the mutation to undo.
type Request struct {
	// RequestID identifies the authority request. Deferred operations reuse
	// it so a replay is recognizable as the same request.
	RequestID uuid.UUID
	Domain    string
	Operation string
	Key       string
	Params    json.RawMessage
	// Reason is the human-readable explanation shown to the user.
	Reason string
	Cause  error
	// Revert restores the pre-mutation state of the store.
	Revert func() error
}

// Outcome reports what a strategy did.
type Outcome struct {
	Kind         Kind
	Reverted     bool
	Pending      *PendingOperation
	Notification *notify.Notification
}

type Strategy interface {
	Kind() Kind
	Rollback(ctx context.Context, req Request) (Outcome, error)
}

// Revert restores the values recorded in changes. Keys that did not exist
// before the mutation are deleted. All keys are restored in one transaction.
func Revert[K comparable, V state.Entity[V]](store state.Store[K, V], changes state.Changes[K, V]) error {
	if len(changes) == 0 {
		return nil
	}
	_, err := store.Transact(func(tx *state.Tx[K, V]) error {
		for i := len(changes) - 1; i >= 0; i-- {
			change := changes[i]
			if !change.Existed {
				tx.Delete(change.Key)
				continue
			}
			if err := tx.Set(change.Key, change.Previous); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to revert %d changes: %w", len(changes), err)
	}
	return nil
}

func revert(req Request) error {
	if req.Revert == nil {
		return fmt.Errorf("no revert function for %s", req.Operation)
	}
	return req.Revert()
}

// Silent reverts without any user-facing signal.
type Silent struct{}

func NewSilent() *Silent {
	return &Silent{}
}

func (s *Silent) Kind() Kind {
	return KindSilent
}

func (s *Silent) Rollback(ctx context.Context, req Request) (Outcome, error) {
	if err := revert(req); err != nil {
		return Outcome{Kind: KindSilent}, err
	}
	log.Debug("Silently reverted %s on %s: %s", req.Operation, req.Key, req.Reason)
	return Outcome{Kind: KindSilent, Reverted: true}, nil
}

// Notified reverts and tells the user why.
type Notified struct {
	notifier *notify.Notifier
	severity notify.Severity
}

type NewNotifiedOptions struct {
	Notifier *notify.Notifier
	// Severity of the published notification. Defaults to warning.
	Severity *notify.Severity
}

func NewNotified(opts NewNotifiedOptions) *Notified {
	severity := notify.SeverityWarning
	if opts.Severity != nil {
		severity = *opts.Severity
	}
	return &Notified{
		notifier: opts.Notifier,
		severity: severity,
	}
}

func (n *Notified) Kind() Kind {
	return KindNotified
}

func (n *Notified) Rollback(ctx context.Context, req Request) (Outcome, error) {
	if err := revert(req); err != nil {
		return Outcome{Kind: KindNotified}, err
	}
	outcome := Outcome{Kind: KindNotified, Reverted: true}

	reason := req.Reason
	if reason == "" && req.Cause != nil {
		reason = req.Cause.Error()
	}
	published, err := n.notifier.Notify(notify.Notification{
		Severity: n.severity,
		Title:    fmt.Sprintf("%s was undone", req.Operation),
		Message:  reason,
	})
	if err != nil {
		// the store is already reverted, only the signal is lost
		log.Error("Failed to notify rollback of %s: %v", req.Operation, err)
		return outcome, nil
	}
	outcome.Notification = &published
	return outcome, nil
}

// Deferred keeps the optimistic value and queues the mutation for replay.
type Deferred struct {
	queue      queue.Queue[*PendingOperation]
	maxRetries int
}

type NewDeferredOptions struct {
	Queue      queue.Queue[*PendingOperation]
	MaxRetries int
}

func NewDeferred(opts NewDeferredOptions) *Deferred {
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = DefaultMaxRetries
	}
	return &Deferred{
		queue:      opts.Queue,
		maxRetries: opts.MaxRetries,
	}
}

func (d *Deferred) Kind() Kind {
	return KindDeferred
}

// Rollback enqueues a PendingOperation. When the queue cannot accept it the
// mutation is reverted instead, so the store never keeps an untracked
// optimistic value.
func (d *Deferred) Rollback(ctx context.Context, req Request) (Outcome, error) {
	op := NewPendingOperation(req.Domain, req.Operation, req.Key, req.Params, d.maxRetries)
	if req.RequestID != uuid.Nil {
		op.ID = req.RequestID
	}
	if req.Cause != nil {
		op.LastError = req.Cause.Error()
	}
	if err := d.queue.Enqueue(op); err != nil {
		log.Warn("Failed to defer %s, reverting: %v", req.Operation, err)
		if revertErr := revert(req); revertErr != nil {
			return Outcome{Kind: KindDeferred}, fmt.Errorf("failed to revert after enqueue error %v: %w", err, revertErr)
		}
		return Outcome{Kind: KindDeferred, Reverted: true}, nil
	}
	log.Debug("Deferred %s on %s as %s", req.Operation, req.Key, op.ID)
	return Outcome{Kind: KindDeferred, Pending: op}, nil
}
