package models

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorKindMatching(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		sentinel error
		matches  bool
	}{
		{
			name:     "validation error matches validation sentinel",
			err:      NewValidationError("version", "bad version %q", "x"),
			sentinel: ErrValidation,
			matches:  true,
		},
		{
			name:     "not found does not match validation",
			err:      NewNotFoundError("firmware", "fw-123"),
			sentinel: ErrValidation,
			matches:  false,
		},
		{
			name:     "wrapped duplicate still matches",
			err:      fmt.Errorf("creating: %w", NewDuplicateError("already there")),
			sentinel: ErrDuplicate,
			matches:  true,
		},
		{
			name:     "state transition matches own kind",
			err:      NewStateTransitionError("COMPLETED", "IN_PROGRESS"),
			sentinel: ErrStateTransition,
			matches:  true,
		},
		{
			name:     "plain error matches nothing",
			err:      errors.New("boom"),
			sentinel: ErrTimeout,
			matches:  false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.matches, errors.Is(tt.err, tt.sentinel))
		})
	}
}

func TestErrorMessageIncludesField(t *testing.T) {
	err := NewValidationError("batch_size", "must be between %d and %d", 1, 500)

	assert.Contains(t, err.Error(), "batch_size")
	assert.Contains(t, err.Error(), "must be between 1 and 500")
}

func TestKindRetryable(t *testing.T) {
	assert.True(t, KindServiceUnavailable.Retryable())
	assert.True(t, KindTimeout.Retryable())
	assert.False(t, KindValidation.Retryable())
	assert.False(t, KindStateTransition.Retryable())
}

func TestFailureRateBreached(t *testing.T) {
	tests := []struct {
		name      string
		failed    int
		total     int
		threshold int
		breached  bool
	}{
		{"exactly at threshold", 2, 10, 20, true},
		{"just below threshold", 1, 10, 20, false},
		{"19.999 percent does not trip 20", 19999, 100000, 20, false},
		{"empty campaign never breaches", 0, 0, 20, false},
		{"all failed", 5, 5, 100, true},
		{"three of ten at thirty percent", 3, 10, 30, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := &Campaign{
				FailedDevices:    tt.failed,
				TotalDevices:     tt.total,
				FailureThreshold: tt.threshold,
			}

			assert.Equal(t, tt.breached, c.FailureRateBreached())
		})
	}
}

func TestUpdateStatusIsTerminal(t *testing.T) {
	terminal := []UpdateStatus{UpdateCompleted, UpdateFailed, UpdateCancelled}
	for _, s := range terminal {
		assert.True(t, s.IsTerminal(), "status %s", s)
	}

	active := []UpdateStatus{
		UpdateCreated, UpdateScheduled, UpdateInProgress,
		UpdateDownloading, UpdateVerifying, UpdateInstalling, UpdateRebooting,
	}
	for _, s := range active {
		assert.False(t, s.IsTerminal(), "status %s", s)
	}
}
