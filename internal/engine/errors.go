package engine

import (
	"errors"
	"fmt"
)

// Sentinel errors for run execution.
var (
	// ErrMaxTurns indicates the run hit its turn limit while the model
	// still wanted tool work.
	ErrMaxTurns = errors.New("max turns exceeded")

	// ErrRunActive indicates a continuation targeted a run that is
	// still running.
	ErrRunActive = errors.New("run is still active")
)

// ValidationError reports a rejected request field.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}

// NewValidationError builds a field-qualified validation error.
func NewValidationError(field, message string) *ValidationError {
	return &ValidationError{Field: field, Message: message}
}

// NotFoundError reports a missing entity by kind and ID.
type NotFoundError struct {
	Kind string
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Kind, e.ID)
}

// UnauthorizedToolError reports a model request for a tool outside the
// agent's allow-list. This is a security boundary violation: it aborts the
// run and is never converted into a tool result the model can see.
type UnauthorizedToolError struct {
	AgentID  string
	ToolName string
}

func (e *UnauthorizedToolError) Error() string {
	return fmt.Sprintf("agent %s is not allowed to call tool %q", e.AgentID, e.ToolName)
}

// LoopError wraps a failure inside the execution loop with the turn it
// occurred on and the phase that failed.
type LoopError struct {
	Phase string
	Turn  int
	Cause error
}

func (e *LoopError) Error() string {
	return fmt.Sprintf("turn %d %s: %v", e.Turn, e.Phase, e.Cause)
}

func (e *LoopError) Unwrap() error {
	return e.Cause
}
