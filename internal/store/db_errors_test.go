package store

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/dante-gpu/experiment-orchestrator/internal/models"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestIsTransientError(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want bool
	}{
		{name: "nil", err: nil, want: false},
		{name: "connection failure", err: &pgconn.PgError{Code: "08006"}, want: true},
		{name: "too many connections", err: &pgconn.PgError{Code: "53300"}, want: true},
		{name: "admin shutdown", err: &pgconn.PgError{Code: "57P01"}, want: true},
		{name: "serialization failure", err: &pgconn.PgError{Code: PgSerializationFailure}, want: true},
		{name: "unique violation", err: &pgconn.PgError{Code: PgUniqueViolation}, want: false},
		{name: "wrapped connection failure", err: fmt.Errorf("query: %w", &pgconn.PgError{Code: "08000"}), want: true},
		{name: "deadline", err: context.DeadlineExceeded, want: false},
		{name: "plain", err: errors.New("boom"), want: false},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tc.want, IsTransientError(tc.err))
		})
	}
}

func TestWithRetryRetriesTransientErrors(t *testing.T) {
	t.Parallel()

	calls := 0
	err := WithRetry(context.Background(), zap.NewNop(), "op", 3, time.Millisecond, func() error {
		calls++
		if calls < 3 {
			return &pgconn.PgError{Code: "08006"}
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestWithRetryGivesUp(t *testing.T) {
	t.Parallel()

	calls := 0
	err := WithRetry(context.Background(), zap.NewNop(), "op", 2, time.Millisecond, func() error {
		calls++
		return &pgconn.PgError{Code: "08006"}
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrDBConnection)
	assert.Equal(t, 2, calls)
}

func TestWithRetryReturnsDomainErrorsUntouched(t *testing.T) {
	t.Parallel()

	calls := 0
	err := WithRetry(context.Background(), zap.NewNop(), "op", 3, time.Millisecond, func() error {
		calls++
		return models.ErrExperimentNotFound
	})
	assert.Same(t, models.ErrExperimentNotFound, err)
	assert.Equal(t, 1, calls)
}

func TestWithRetryMapsConstraintViolation(t *testing.T) {
	t.Parallel()

	err := WithRetry(context.Background(), zap.NewNop(), "insert", 3, time.Millisecond, func() error {
		return &pgconn.PgError{Code: PgUniqueViolation}
	})
	assert.ErrorIs(t, err, ErrDBConstraint)
}
