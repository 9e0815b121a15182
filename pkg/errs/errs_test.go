package errs

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsHelpers_MatchWrappedErrors(t *testing.T) {
	tests := []struct {
		name  string
		err   error
		check func(error) bool
	}{
		{
			name:  "validation",
			err:   fmt.Errorf("set: %w", NewValidationError("gold", "amount must not be negative")),
			check: IsValidation,
		},
		{
			name:  "insufficient",
			err:   fmt.Errorf("spend: %w", &InsufficientResourceError{Resource: "gold", Available: 5, Required: 10}),
			check: IsInsufficientResource,
		},
		{
			name:  "feature unavailable",
			err:   &FeatureUnavailableError{Feature: "shop"},
			check: IsFeatureUnavailable,
		},
		{
			name:  "rejected",
			err:   fmt.Errorf("commit: %w", &AuthorityRejectedError{Operation: "currency.spend", Code: "denied"}),
			check: IsAuthorityRejected,
		},
		{
			name:  "connectivity",
			err:   &ConnectivityError{Operation: "currency.spend", Cause: context.DeadlineExceeded},
			check: IsConnectivity,
		},
		{
			name:  "retry exhausted",
			err:   &RetryExhaustedError{Operation: "currency.spend", Attempts: 3},
			check: IsRetryExhausted,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.True(t, tt.check(tt.err))
			assert.False(t, tt.check(errors.New("plain")))
		})
	}
}

func TestConnectivityError_Unwrap(t *testing.T) {
	err := &ConnectivityError{Operation: "x", Cause: context.DeadlineExceeded}
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestValidationError_Message(t *testing.T) {
	assert.Equal(t, `validation failed for "gold": negative`, NewValidationError("gold", "negative").Error())
	assert.Equal(t, "validation failed: empty key", NewValidationError("", "empty key").Error())
}
