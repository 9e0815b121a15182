package rollback

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/cbodonnell/tally/pkg/errs"
	"github.com/google/uuid"
)

const (
	// DefaultMaxRetries is used for pending operations created without an
	// explicit retry bound.
	DefaultMaxRetries = 3
)

type Status int

const (
	StatusPending Status = iota
	StatusRetrying
	StatusResolved
	StatusAbandoned
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusRetrying:
		return "retrying"
	case StatusResolved:
		return "resolved"
	case StatusAbandoned:
		return "abandoned"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// PendingOperation is a mutation kept for later replay against the
// authority. Transitions:
//
//	Pending -> Retrying -> Resolved
//	Retrying -> Pending    (failure while RetryCount < MaxRetries)
//	Retrying -> Abandoned  (failure that brings RetryCount to MaxRetries)
//
// Resolved and Abandoned are terminal. A PendingOperation is owned by a
// single worker at a time and is not safe for concurrent use.
type PendingOperation struct {
	ID         uuid.UUID       `json:"id"`
	Domain     string          `json:"domain"`
	Operation  string          `json:"operation"`
	Key        string          `json:"key"`
	Params     json.RawMessage `json:"params,omitempty"`
	CreatedAt  time.Time       `json:"createdAt"`
	UpdatedAt  time.Time       `json:"updatedAt"`
	RetryCount int             `json:"retryCount"`
	MaxRetries int             `json:"maxRetries"`
	Status     Status          `json:"status"`
	LastError  string          `json:"lastError,omitempty"`
}

func NewPendingOperation(domain, operation, key string, params json.RawMessage, maxRetries int) *PendingOperation {
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}
	now := time.Now()
	return &PendingOperation{
		ID:         uuid.New(),
		Domain:     domain,
		Operation:  operation,
		Key:        key,
		Params:     append(json.RawMessage(nil), params...),
		CreatedAt:  now,
		UpdatedAt:  now,
		MaxRetries: maxRetries,
		Status:     StatusPending,
	}
}

// BeginRetry moves a pending operation to Retrying.
func (p *PendingOperation) BeginRetry() error {
	if p.Status != StatusPending {
		return fmt.Errorf("%w: cannot retry %s operation %s", errs.ErrInvalidTransition, p.Status, p.ID)
	}
	p.Status = StatusRetrying
	p.UpdatedAt = time.Now()
	return nil
}

// Resolve marks a retrying operation as confirmed by the authority.
func (p *PendingOperation) Resolve() error {
	if p.Status != StatusRetrying {
		return fmt.Errorf("%w: cannot resolve %s operation %s", errs.ErrInvalidTransition, p.Status, p.ID)
	}
	p.Status = StatusResolved
	p.LastError = ""
	p.UpdatedAt = time.Now()
	return nil
}

// Fail records a failed retry. The operation goes back to Pending, or to
// Abandoned once MaxRetries failures have been recorded.
func (p *PendingOperation) Fail(cause error) error {
	if p.Status != StatusRetrying {
		return fmt.Errorf("%w: cannot fail %s operation %s", errs.ErrInvalidTransition, p.Status, p.ID)
	}
	p.RetryCount++
	if cause != nil {
		p.LastError = cause.Error()
	}
	p.UpdatedAt = time.Now()
	if p.RetryCount >= p.MaxRetries {
		p.Status = StatusAbandoned
		return nil
	}
	p.Status = StatusPending
	return nil
}

// Abandon ends the operation without further retries, e.g. when the
// authority rejected the replay outright.
func (p *PendingOperation) Abandon(cause error) error {
	if p.Terminal() {
		return fmt.Errorf("%w: cannot abandon %s operation %s", errs.ErrInvalidTransition, p.Status, p.ID)
	}
	if cause != nil {
		p.LastError = cause.Error()
	}
	p.Status = StatusAbandoned
	p.UpdatedAt = time.Now()
	return nil
}

func (p *PendingOperation) Terminal() bool {
	return p.Status == StatusResolved || p.Status == StatusAbandoned
}
