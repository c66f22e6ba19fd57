package models

import (
	"errors"
	"fmt"
)

// Predefined errors for the stores, the task manager and the pipeline.
var (
	ErrExperimentNotFound  = errors.New("experiment not found")
	ErrApplicationNotFound = errors.New("application not found")
	ErrTaskNotFound        = errors.New("task not found")
	ErrInstanceNotFound    = errors.New("instance not found")
	ErrInvalidStatus       = errors.New("invalid experiment status")

	// ErrTaskAborted is returned by a handler that observed its abort flag.
	// It never maps to a failure status: the reset that caused it owns the
	// experiment's status from then on.
	ErrTaskAborted = errors.New("task aborted")

	// ErrShuttingDown cancels active handlers when the process stops. The
	// interrupted task stays persisted and is redispatched on the next start.
	ErrShuttingDown = errors.New("orchestrator shutting down")

	// ErrStaleUpdate is returned when a guarded experiment update finds that
	// the experiment is no longer bound to the expected instance.
	ErrStaleUpdate = errors.New("experiment changed since update was prepared")
)

// ValidationError reports missing or invalid input. Nothing is changed when
// one is returned.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation failed: " + e.Message
	}
	return fmt.Sprintf("validation failed: %s: %s", e.Field, e.Message)
}

// NewValidationError creates a ValidationError.
func NewValidationError(field, message string) *ValidationError {
	return &ValidationError{Field: field, Message: message}
}

// RemoteError wraps a failure of the provisioning or storage collaborator.
type RemoteError struct {
	Op     string // collaborator operation, e.g. "executeJob"
	Target string // instance or experiment the call was about
	Err    error
}

func (e *RemoteError) Error() string {
	if e.Target != "" {
		return fmt.Sprintf("%s on %s: %v", e.Op, e.Target, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *RemoteError) Unwrap() error {
	return e.Err
}

// NewRemoteError creates a RemoteError.
func NewRemoteError(op, target string, err error) *RemoteError {
	return &RemoteError{Op: op, Target: target, Err: err}
}

// StageError is the error a pipeline stage failed with, after it was mapped
// to the stage's failure marker.
type StageError struct {
	Stage  TaskType
	Status ExperimentStatus
	Err    error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("stage %s failed (%s): %v", e.Stage, e.Status, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

// IsValidation reports whether err is a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// IsRemote reports whether err came from a collaborator.
func IsRemote(err error) bool {
	var re *RemoteError
	return errors.As(err, &re)
}

// IsAborted reports whether err is the cooperative abort signal.
func IsAborted(err error) bool {
	return errors.Is(err, ErrTaskAborted)
}

// IsInterrupted reports whether err stopped a handler without it failing on
// its own: an abort or a shutdown.
func IsInterrupted(err error) bool {
	return errors.Is(err, ErrTaskAborted) || errors.Is(err, ErrShuttingDown)
}
