package rollback

import (
	"errors"
	"testing"

	"github.com/cbodonnell/tally/pkg/errs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPendingOperation_AbandonsAfterExactlyMaxRetries(t *testing.T) {
	op := NewPendingOperation("currency", "currency.spend", "gold", nil, 3)

	failures := 0
	for !op.Terminal() {
		require.NoError(t, op.BeginRetry())
		assert.Equal(t, StatusRetrying, op.Status)
		require.NoError(t, op.Fail(errors.New("offline")))
		failures++
		require.LessOrEqual(t, failures, 3)
	}

	assert.Equal(t, 3, failures)
	assert.Equal(t, 3, op.RetryCount)
	assert.Equal(t, StatusAbandoned, op.Status)
	assert.Equal(t, "offline", op.LastError)
	assert.ErrorIs(t, op.BeginRetry(), errs.ErrInvalidTransition)
}

func TestPendingOperation_Transitions(t *testing.T) {
	tests := []struct {
		name       string
		steps      func(op *PendingOperation) error
		wantStatus Status
		wantErr    bool
	}{
		{
			name: "resolve after retry",
			steps: func(op *PendingOperation) error {
				if err := op.BeginRetry(); err != nil {
					return err
				}
				return op.Resolve()
			},
			wantStatus: StatusResolved,
		},
		{
			name: "fail returns to pending",
			steps: func(op *PendingOperation) error {
				if err := op.BeginRetry(); err != nil {
					return err
				}
				return op.Fail(errors.New("timeout"))
			},
			wantStatus: StatusPending,
		},
		{
			name:       "resolve without retry",
			steps:      func(op *PendingOperation) error { return op.Resolve() },
			wantStatus: StatusPending,
			wantErr:    true,
		},
		{
			name:       "fail without retry",
			steps:      func(op *PendingOperation) error { return op.Fail(nil) },
			wantStatus: StatusPending,
			wantErr:    true,
		},
		{
			name: "retry twice",
			steps: func(op *PendingOperation) error {
				if err := op.BeginRetry(); err != nil {
					return err
				}
				return op.BeginRetry()
			},
			wantStatus: StatusRetrying,
			wantErr:    true,
		},
		{
			name: "abandon is terminal",
			steps: func(op *PendingOperation) error {
				if err := op.Abandon(errors.New("rejected")); err != nil {
					return err
				}
				return op.Abandon(nil)
			},
			wantStatus: StatusAbandoned,
			wantErr:    true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			op := NewPendingOperation("currency", "currency.spend", "gold", nil, 3)
			err := tt.steps(op)
			if tt.wantErr {
				assert.ErrorIs(t, err, errs.ErrInvalidTransition)
			} else {
				assert.NoError(t, err)
			}
			assert.Equal(t, tt.wantStatus, op.Status)
		})
	}
}

func TestNewPendingOperation_Defaults(t *testing.T) {
	params := []byte(`{"amount":10}`)
	op := NewPendingOperation("currency", "currency.spend", "gold", params, 0)
	assert.Equal(t, DefaultMaxRetries, op.MaxRetries)
	params[0] = 'x'
	assert.Equal(t, `{"amount":10}`, string(op.Params))
	assert.Equal(t, "pending", op.Status.String())
}
