package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
)

// PermissionMode controls how tool calls are gated.
type PermissionMode string

const (
	// ModeDefault defers to hook verdicts and the confirmation channel.
	ModeDefault PermissionMode = "default"
	// ModePlan restricts file mutations to the designated plan file.
	ModePlan PermissionMode = "plan"
	// ModeBypass allows everything.
	ModeBypass PermissionMode = "bypass"
)

// PermissionBehavior is the outcome of a permission check.
type PermissionBehavior string

const (
	PermissionAllow PermissionBehavior = "allow"
	PermissionDeny  PermissionBehavior = "deny"
	PermissionAsk   PermissionBehavior = "ask"
)

// PermissionDecision is the result of evaluating a tool call against the
// current mode and hook verdicts.
type PermissionDecision struct {
	Behavior PermissionBehavior `json:"behavior"`
	Message  string             `json:"message,omitempty"`
}

// HookVerdict carries a hook's permission decision for a tool call.
type HookVerdict struct {
	Decision     PermissionBehavior
	Reason       string
	UpdatedInput json.RawMessage
}

// PermissionRequest describes the tool call under evaluation. The tool
// registry fills Mutating and Paths from the plugin's declaration; the
// engine itself stays a pure policy evaluator.
type PermissionRequest struct {
	Tool     string
	Input    json.RawMessage
	Mutating bool
	Paths    []string
}

// ConfirmFunc surfaces an "ask" request to an external confirmation channel.
// Returning an error means the channel itself broke, which is reported as
// PermissionCheckFailed rather than a denial.
type ConfirmFunc func(ctx context.Context, req PermissionRequest, reason string) (bool, error)

// PermissionEngine evaluates tool calls against the current permission mode.
// A mode change never retroactively affects a decision already returned.
type PermissionEngine struct {
	mu       sync.Mutex
	mode     PermissionMode
	planFile string
	confirm  ConfirmFunc
	logger   *slog.Logger
}

// NewPermissionEngine creates an engine in the given mode. planFile is
// required for ModePlan and ignored otherwise.
func NewPermissionEngine(mode PermissionMode, planFile string, confirm ConfirmFunc, logger *slog.Logger) *PermissionEngine {
	if logger == nil {
		logger = slog.Default()
	}
	return &PermissionEngine{mode: mode, planFile: filepath.Clean(planFile), confirm: confirm, logger: logger}
}

// Mode returns the current mode and plan-file path.
func (e *PermissionEngine) Mode() (PermissionMode, string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.mode, e.planFile
}

// SetMode is the explicit mode-change operation.
func (e *PermissionEngine) SetMode(mode PermissionMode, planFile string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.mode = mode
	if planFile != "" {
		e.planFile = filepath.Clean(planFile)
	}
	e.logger.Debug("permission mode changed", "mode", mode, "plan_file", e.planFile)
}

// Check evaluates a tool call. The returned error is non-nil only when the
// evaluation itself broke (PermissionCheckFailed); a policy "no" comes back
// as a deny decision.
func (e *PermissionEngine) Check(ctx context.Context, req PermissionRequest, verdict *HookVerdict) (PermissionDecision, error) {
	e.mu.Lock()
	mode := e.mode
	planFile := e.planFile
	confirm := e.confirm
	e.mu.Unlock()

	if mode == ModeBypass {
		return PermissionDecision{Behavior: PermissionAllow}, nil
	}

	// A hook deny overrides everything below bypass.
	if verdict != nil && verdict.Decision == PermissionDeny {
		msg := verdict.Reason
		if msg == "" {
			msg = fmt.Sprintf("tool %s denied by hook", req.Tool)
		}
		return PermissionDecision{Behavior: PermissionDeny, Message: msg}, nil
	}

	if mode == ModePlan {
		if !req.Mutating {
			return PermissionDecision{Behavior: PermissionAllow}, nil
		}
		for _, p := range req.Paths {
			if filepath.Clean(p) != planFile {
				return PermissionDecision{
					Behavior: PermissionDeny,
					Message: fmt.Sprintf("In plan mode the agent is only allowed to edit or delete the designated plan file (%s); %s targets %s",
						planFile, req.Tool, p),
				}, nil
			}
		}
		return PermissionDecision{Behavior: PermissionAllow}, nil
	}

	// Default mode: hook allow short-circuits, ask goes to the confirmation
	// channel, no verdict means allow.
	if verdict != nil {
		switch verdict.Decision {
		case PermissionAllow:
			return PermissionDecision{Behavior: PermissionAllow}, nil
		case PermissionAsk:
			if confirm == nil {
				return PermissionDecision{
					Behavior: PermissionDeny,
					Message:  fmt.Sprintf("tool %s requires confirmation but no confirmation channel is available", req.Tool),
				}, nil
			}
			ok, err := confirm(ctx, req, verdict.Reason)
			if err != nil {
				return PermissionDecision{}, newPermissionCheckFailed(err)
			}
			if !ok {
				return PermissionDecision{Behavior: PermissionDeny, Message: fmt.Sprintf("tool %s was not approved", req.Tool)}, nil
			}
			return PermissionDecision{Behavior: PermissionAllow}, nil
		}
	}

	return PermissionDecision{Behavior: PermissionAllow}, nil
}
