package engine

import (
	"fmt"
	"strings"
)

// RuntimeError is the base error type for all engine errors.
type RuntimeError struct {
	Message string
	Cause   error
}

func (e *RuntimeError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *RuntimeError) Unwrap() error {
	return e.Cause
}

// ToolNotFoundError indicates a tool call named a tool that is not registered.
type ToolNotFoundError struct {
	RuntimeError
	Tool string
}

// InvalidArgumentsError indicates a tool call omitted or malformed a required
// parameter. Field names the offending parameter.
type InvalidArgumentsError struct {
	RuntimeError
	Tool  string
	Field string
}

// PermissionCheckFailedError indicates the permission evaluation itself broke
// (hook or confirmation channel failure). This is a hard failure of the
// calling tool, not a policy denial.
type PermissionCheckFailedError struct {
	RuntimeError
}

// InvalidIndexError indicates a history truncation target outside [0, length).
type InvalidIndexError struct {
	RuntimeError
	Index  int
	Length int
}

// NotFoundError indicates an unknown task or snapshot id.
type NotFoundError struct {
	RuntimeError
	ID string
}

// AlreadyTerminalError indicates a stop request against a task that already
// reached a terminal status.
type AlreadyTerminalError struct {
	RuntimeError
	ID     string
	Status TaskStatus
}

// NoSuchSubagentError indicates a delegation request for an unconfigured
// subagent type. Available lists the configured names.
type NoSuchSubagentError struct {
	RuntimeError
	Requested string
	Available []string
}

func (e *NoSuchSubagentError) Error() string {
	return fmt.Sprintf("no subagent configuration named %q (available: %s)",
		e.Requested, strings.Join(e.Available, ", "))
}

// TaskDelegationFailedError wraps a failure creating or executing a subagent.
type TaskDelegationFailedError struct {
	RuntimeError
}

// AbortedError indicates a cancellation token fired. Aborted always wins a
// race against completion.
type AbortedError struct {
	RuntimeError
}

// TimedOutError indicates a bounded wait elapsed.
type TimedOutError struct {
	RuntimeError
}

// RevertError aggregates per-snapshot restore failures from a revert batch.
// A failed restore never prevents attempting the remaining snapshots.
type RevertError struct {
	Failures []error
}

func (e *RevertError) Error() string {
	msgs := make([]string, len(e.Failures))
	for i, err := range e.Failures {
		msgs[i] = err.Error()
	}
	return fmt.Sprintf("%d snapshot restore(s) failed: %s", len(e.Failures), strings.Join(msgs, "; "))
}

func newToolNotFound(tool string) *ToolNotFoundError {
	return &ToolNotFoundError{
		RuntimeError: RuntimeError{Message: fmt.Sprintf("unknown tool: %s", tool)},
		Tool:         tool,
	}
}

func newInvalidArguments(tool, field, reason string) *InvalidArgumentsError {
	return &InvalidArgumentsError{
		RuntimeError: RuntimeError{Message: fmt.Sprintf("invalid arguments for %s: %s (%s)", tool, field, reason)},
		Tool:         tool,
		Field:        field,
	}
}

func newPermissionCheckFailed(cause error) *PermissionCheckFailedError {
	return &PermissionCheckFailedError{
		RuntimeError: RuntimeError{Message: "permission check failed", Cause: cause},
	}
}

func newAborted(cause error) *AbortedError {
	return &AbortedError{RuntimeError: RuntimeError{Message: "operation aborted", Cause: cause}}
}

func newTimedOut(what string) *TimedOutError {
	return &TimedOutError{RuntimeError: RuntimeError{Message: what + " timed out"}}
}
