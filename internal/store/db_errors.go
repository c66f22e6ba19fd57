package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dante-gpu/experiment-orchestrator/internal/models"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"
)

// Common database error codes
const (
	PgUniqueViolation      = "23505" // unique_violation
	PgForeignKeyViolation  = "23503" // foreign_key_violation
	PgSerializationFailure = "40001" // serialization_failure
	PgDeadlockDetected     = "40P01" // deadlock_detected
)

// Custom error types
var (
	ErrDBConnection = errors.New("database connection error")
	ErrDBConstraint = errors.New("database constraint violation")
	ErrDBTimeout    = errors.New("database operation timeout")
	ErrDBCanceled   = errors.New("database operation canceled")
)

// IsTransientError determines if an error is likely transient and can be retried
func IsTransientError(err error) bool {
	if err == nil {
		return false
	}

	// Retrying with the same context won't help
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return false
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		if len(pgErr.Code) >= 2 {
			switch pgErr.Code[:2] {
			case "08", "53", "57": // connection exception, insufficient resources, operator intervention
				return true
			}
		}
		return pgErr.Code == PgSerializationFailure || pgErr.Code == PgDeadlockDetected
	}

	if pgconn.SafeToRetry(err) {
		return true
	}

	return errors.Is(err, pgx.ErrTxClosed)
}

// isDomainError reports errors the stores return on purpose; they are
// neither retried nor logged as database failures.
func isDomainError(err error) bool {
	return errors.Is(err, models.ErrExperimentNotFound) ||
		errors.Is(err, models.ErrApplicationNotFound) ||
		errors.Is(err, models.ErrTaskNotFound) ||
		errors.Is(err, models.ErrStaleUpdate)
}

// WithRetry executes a database operation with retries for transient errors
func WithRetry(ctx context.Context, logger *zap.Logger, operation string, retryCount int, retryDelay time.Duration, fn func() error) error {
	if retryCount < 1 {
		retryCount = 1
	}

	var err error
	var attempt int

	for attempt = 1; attempt <= retryCount; attempt++ {
		operationErr := fn()
		if operationErr == nil {
			return nil
		}

		err = operationErr

		if isDomainError(err) {
			return err
		}

		if !IsTransientError(err) {
			logger.Error("Non-transient database error",
				zap.String("operation", operation),
				zap.Error(err),
				zap.Int("attempt", attempt),
			)
			return fmt.Errorf("%s: %w", operation, mapToCustomError(err))
		}

		if ctx.Err() != nil {
			logger.Warn("Context canceled during database retry",
				zap.String("operation", operation),
				zap.Error(ctx.Err()),
				zap.Int("attempt", attempt),
			)
			return ctx.Err()
		}

		if attempt == retryCount {
			break
		}

		logger.Warn("Retrying transient database error",
			zap.String("operation", operation),
			zap.Error(err),
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", retryCount),
			zap.Duration("delay_before_retry", retryDelay*time.Duration(attempt)),
		)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(retryDelay * time.Duration(attempt)):
		}
	}

	logger.Error("Database operation failed after all retry attempts",
		zap.String("operation", operation),
		zap.Error(err),
		zap.Int("attempts", retryCount),
	)

	return fmt.Errorf("%s after %d attempts: %w", operation, retryCount, mapToCustomError(err))
}

// mapToCustomError maps database errors to our custom error types
func mapToCustomError(err error) error {
	if err == nil {
		return nil
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %w", ErrDBTimeout, err)
	}
	if errors.Is(err, context.Canceled) {
		return fmt.Errorf("%w: %w", ErrDBCanceled, err)
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case pgErr.Code == PgUniqueViolation, pgErr.Code == PgForeignKeyViolation:
			return fmt.Errorf("%w: %w", ErrDBConstraint, err)
		case len(pgErr.Code) >= 2 && pgErr.Code[:2] == "08":
			return fmt.Errorf("%w: %w", ErrDBConnection, err)
		}
	}

	if errors.Is(err, pgx.ErrTxClosed) {
		return fmt.Errorf("%w: %w", ErrDBConnection, err)
	}

	return err
}
