package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os/exec"
	"time"
)

// HookConfig binds an external command to a hook event.
type HookConfig struct {
	Event   string `yaml:"event" json:"event"`
	Command string `yaml:"command" json:"command"`
}

// Hook event names.
const (
	HookPreToolUse  = "PreToolUse"
	HookPostToolUse = "PostToolUse"
)

// hookOutput is the structured stdout contract of a hook subprocess.
type hookOutput struct {
	Continue           *bool               `json:"continue"`
	SystemMessage      string              `json:"systemMessage,omitempty"`
	StopReason         string              `json:"stopReason,omitempty"`
	HookSpecificOutput *hookSpecificOutput `json:"hookSpecificOutput,omitempty"`
}

type hookSpecificOutput struct {
	HookEventName            string          `json:"hookEventName"`
	PermissionDecision       string          `json:"permissionDecision,omitempty"`
	PermissionDecisionReason string          `json:"permissionDecisionReason,omitempty"`
	UpdatedInput             json.RawMessage `json:"updatedInput,omitempty"`
}

// hookInput is the payload written to a hook's stdin.
type hookInput struct {
	HookEventName string          `json:"hook_event_name"`
	ToolName      string          `json:"tool_name,omitempty"`
	ToolInput     json.RawMessage `json:"tool_input,omitempty"`
	ToolResponse  json.RawMessage `json:"tool_response,omitempty"`
	Cwd           string          `json:"cwd,omitempty"`
}

// HookResult is the merged outcome of running the hooks for one event.
type HookResult struct {
	Continue       bool
	SystemMessages []string
	StopReason     string
	Verdict        *HookVerdict
}

// HookRunner invokes configured hook subprocesses around tool execution.
type HookRunner struct {
	hooks   map[string][]string // event -> commands
	timeout time.Duration
	workDir string
	logger  *slog.Logger
}

// NewHookRunner builds a runner from hook configs. A nil or empty config list
// yields a runner whose Run is a no-op returning Continue=true.
func NewHookRunner(configs []HookConfig, workDir string, logger *slog.Logger) *HookRunner {
	if logger == nil {
		logger = slog.Default()
	}
	hooks := make(map[string][]string)
	for _, c := range configs {
		hooks[c.Event] = append(hooks[c.Event], c.Command)
	}
	return &HookRunner{hooks: hooks, timeout: 30 * time.Second, workDir: workDir, logger: logger}
}

// HasHooks reports whether any hook is configured for the event.
func (h *HookRunner) HasHooks(event string) bool {
	return h != nil && len(h.hooks[event]) > 0
}

// Run executes every hook for the event in order. The first deny verdict
// wins; system messages are collected from all hooks. The returned error is
// non-nil only when a hook could not be invoked at all (the channel itself
// broke), not when a hook signals stop.
func (h *HookRunner) Run(ctx context.Context, event, toolName string, toolInput json.RawMessage) (HookResult, error) {
	return h.run(ctx, event, toolName, toolInput, nil)
}

// RunPost executes the PostToolUse hooks with the finished call's result
// attached as tool_response. Post hooks observe an already executed call;
// stop and deny signals are reported back but nothing is undone here.
func (h *HookRunner) RunPost(ctx context.Context, toolName string, toolInput json.RawMessage, result *ToolResult) (HookResult, error) {
	response, err := json.Marshal(result)
	if err != nil {
		return HookResult{}, fmt.Errorf("hook payload: %w", err)
	}
	return h.run(ctx, HookPostToolUse, toolName, toolInput, response)
}

func (h *HookRunner) run(ctx context.Context, event, toolName string, toolInput, toolResponse json.RawMessage) (HookResult, error) {
	result := HookResult{Continue: true}
	if h == nil {
		return result, nil
	}
	for _, command := range h.hooks[event] {
		out, err := h.runOne(ctx, command, event, toolName, toolInput, toolResponse)
		if err != nil {
			return HookResult{}, err
		}
		if out.SystemMessage != "" {
			result.SystemMessages = append(result.SystemMessages, out.SystemMessage)
		}
		if out.Continue != nil && !*out.Continue {
			result.Continue = false
			result.StopReason = out.StopReason
		}
		if so := out.HookSpecificOutput; so != nil && so.PermissionDecision != "" {
			v := &HookVerdict{
				Decision:     PermissionBehavior(so.PermissionDecision),
				Reason:       so.PermissionDecisionReason,
				UpdatedInput: so.UpdatedInput,
			}
			// Deny is sticky; later hooks cannot soften it.
			if result.Verdict == nil || v.Decision == PermissionDeny && result.Verdict.Decision != PermissionDeny {
				result.Verdict = v
			}
		}
	}
	return result, nil
}

// runOne executes a single hook command and parses its stdout per the
// contract: unparseable stdout with exit 0 defaults to continue; any other
// exit code defaults to not-continue unless stdout parses.
func (h *HookRunner) runOne(ctx context.Context, command, event, toolName string, toolInput, toolResponse json.RawMessage) (hookOutput, error) {
	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	payload, err := json.Marshal(hookInput{
		HookEventName: event,
		ToolName:      toolName,
		ToolInput:     toolInput,
		ToolResponse:  toolResponse,
		Cwd:           h.workDir,
	})
	if err != nil {
		return hookOutput{}, fmt.Errorf("hook payload: %w", err)
	}

	cmd := exec.CommandContext(ctx, "/bin/bash", "-c", command)
	cmd.Dir = h.workDir
	cmd.Stdin = bytes.NewReader(payload)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	runErr := cmd.Run()
	if runErr != nil {
		if _, ok := runErr.(*exec.ExitError); !ok {
			// The hook could not be started at all.
			return hookOutput{}, fmt.Errorf("hook %q: %w", command, runErr)
		}
	}

	var out hookOutput
	if err := json.Unmarshal(bytes.TrimSpace(stdout.Bytes()), &out); err != nil {
		f := false
		tr := true
		if runErr == nil {
			// Exit 0 with unparseable stdout defaults to continue.
			out = hookOutput{Continue: &tr}
		} else {
			h.logger.Debug("hook exited non-zero with unparseable stdout",
				"command", command, "stderr", stderr.String())
			out = hookOutput{Continue: &f}
		}
	}
	return out, nil
}
