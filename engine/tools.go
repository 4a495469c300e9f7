package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
)

// ToolResult is what a tool invocation produces. A policy denial or a tool
// body failure comes back as Success=false with Error set; those are
// conversation outcomes for the model, not Go errors.
type ToolResult struct {
	Success     bool     `json:"success"`
	Content     string   `json:"content,omitempty"`
	Error       string   `json:"error,omitempty"`
	ShortResult string   `json:"short_result,omitempty"`
	Images      []string `json:"images,omitempty"`
	FilePath    string   `json:"file_path,omitempty"`
}

// ToolContext is the per-call bundle of collaborators passed into one tool
// invocation. It is read-mostly and never persisted.
type ToolContext struct {
	Permissions *PermissionEngine
	Reversion   *ReversionEngine
	Tasks       *TaskRegistry
	Subagents   *SubagentCoordinator
	Env         Environment
	History     *History
	Hooks       *HookRunner
	MessageID   string
	CallID      string
	WorkingDir  string
	Logger      *slog.Logger

	// BackgroundRequested is closed when the host asks to move the current
	// foreground command to the background. Nil when backgrounding is not
	// available for this call.
	BackgroundRequested <-chan struct{}
}

// FileMutation declares one path a tool call would mutate and how.
type FileMutation struct {
	Path string
	Op   FileOperation
}

// Tool is the closed capability interface every plugin implements.
type Tool interface {
	Name() string
	Description() string
	// ParameterSchema returns the JSON-schema object for the tool's
	// parameters; its "required" list drives argument validation.
	ParameterSchema() map[string]any
	Execute(ctx context.Context, args json.RawMessage, tc *ToolContext) (*ToolResult, error)
	// FormatCompactParams renders a short display string for the call. It is
	// a pure display helper with no side effects.
	FormatCompactParams(args json.RawMessage, tc *ToolContext) string
}

// FileMutator is implemented by tools that mutate the filesystem. The
// registry snapshots every declared path before invoking the tool body.
type FileMutator interface {
	MutatedPaths(args json.RawMessage, env Environment) ([]FileMutation, error)
}

// ConcurrencySafe is implemented by tools whose calls may be dispatched
// concurrently with other calls in the same turn.
type ConcurrencySafe interface {
	ConcurrencySafe() bool
}

// PermissionPreparer is implemented by tools that must stage state before
// the permission decision, such as the plan text a confirmation prompt
// displays. It runs once per call, after hooks and before the check.
type PermissionPreparer interface {
	PreparePermission(args json.RawMessage, tc *ToolContext)
}

// ToolRegistry resolves tools by name and wraps every execution with the
// permission engine and the reversion engine.
type ToolRegistry struct {
	mu     sync.RWMutex
	tools  map[string]Tool
	logger *slog.Logger
}

// NewToolRegistry creates an empty registry.
func NewToolRegistry(logger *slog.Logger) *ToolRegistry {
	if logger == nil {
		logger = slog.Default()
	}
	return &ToolRegistry{tools: make(map[string]Tool), logger: logger}
}

// Register adds or replaces a tool.
func (r *ToolRegistry) Register(t Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[t.Name()] = t
}

// Unregister removes a tool.
func (r *ToolRegistry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tools, name)
}

// Get returns a tool by name, or nil.
func (r *ToolRegistry) Get(name string) Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.tools[name]
}

// Names returns all registered tool names.
func (r *ToolRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	return names
}

// Scoped returns a new registry containing only the named tools. A nil
// allowlist inherits every tool except those in restricted.
func (r *ToolRegistry) Scoped(allowlist []string, restricted []string) *ToolRegistry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	scoped := NewToolRegistry(r.logger)
	if allowlist == nil {
		deny := make(map[string]bool, len(restricted))
		for _, name := range restricted {
			deny[name] = true
		}
		for name, t := range r.tools {
			if !deny[name] {
				scoped.tools[name] = t
			}
		}
		return scoped
	}
	for _, name := range allowlist {
		if t, ok := r.tools[name]; ok {
			scoped.tools[name] = t
		}
	}
	return scoped
}

// Definitions returns name/description/schema triples for the transport.
type ToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

func (r *ToolRegistry) Definitions() []ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	defs := make([]ToolDefinition, 0, len(r.tools))
	for _, t := range r.tools {
		defs = append(defs, ToolDefinition{Name: t.Name(), Description: t.Description(), Parameters: t.ParameterSchema()})
	}
	return defs
}

// Execute runs one logical tool call through the full pipeline:
// resolve → validate → permission → snapshot → invoke → commit → summarize.
// The tool body is never invoked twice for one call.
//
// Error returns: ToolNotFound and InvalidArguments indicate a malformed call
// (callers typically surface them to the model as failed results);
// PermissionCheckFailed and Aborted are hard failures. A policy denial and a
// tool body failure come back as a non-error result with Success=false.
func (r *ToolRegistry) Execute(ctx context.Context, name string, args json.RawMessage, tc *ToolContext) (*ToolResult, error) {
	tool := r.Get(name)
	if tool == nil {
		return nil, newToolNotFound(name)
	}

	if err := validateArguments(tool, args); err != nil {
		return nil, err
	}

	// Hooks run before the permission check so a verdict can override it.
	var verdict *HookVerdict
	if tc.Hooks.HasHooks(HookPreToolUse) {
		hookRes, err := tc.Hooks.Run(ctx, HookPreToolUse, name, args)
		if err != nil {
			return nil, newPermissionCheckFailed(err)
		}
		verdict = hookRes.Verdict
		if verdict != nil && len(verdict.UpdatedInput) > 0 {
			args = verdict.UpdatedInput
		}
		if !hookRes.Continue {
			reason := hookRes.StopReason
			if reason == "" {
				reason = fmt.Sprintf("tool %s stopped by hook", name)
			}
			return &ToolResult{Success: false, Error: reason}, nil
		}
	}

	mutations, err := declaredMutations(tool, args, tc.Env)
	if err != nil {
		return nil, newInvalidArguments(name, "file_path", err.Error())
	}

	if prep, ok := tool.(PermissionPreparer); ok {
		prep.PreparePermission(args, tc)
	}

	req := PermissionRequest{Tool: name, Input: args, Mutating: len(mutations) > 0}
	for _, m := range mutations {
		req.Paths = append(req.Paths, m.Path)
	}
	decision, err := tc.Permissions.Check(ctx, req, verdict)
	if err != nil {
		return nil, err
	}
	if decision.Behavior != PermissionAllow {
		// A policy outcome, not an execution error; the tool body is never
		// invoked.
		return &ToolResult{Success: false, Error: decision.Message}, nil
	}

	// Record uncommitted snapshots for every declared mutation before the
	// tool body runs.
	var snapshotIDs []string
	for _, m := range mutations {
		id, err := tc.Reversion.RecordSnapshot(tc.MessageID, m.Path, m.Op)
		if err != nil {
			return &ToolResult{Success: false, Error: fmt.Sprintf("snapshot failed for %s: %v", m.Path, err)}, nil
		}
		snapshotIDs = append(snapshotIDs, id)
	}

	result, execErr := tool.Execute(ctx, args, tc)
	if execErr != nil {
		// Leave snapshots uncommitted; no mutation survives a failed body.
		for _, id := range snapshotIDs {
			tc.Reversion.Discard(id)
		}
		if ctx.Err() != nil {
			return nil, newAborted(ctx.Err())
		}
		result = &ToolResult{Success: false, Error: execErr.Error()}
		r.runPostHooks(ctx, name, args, result, tc)
		return result, nil
	}
	if result == nil {
		result = &ToolResult{Success: true}
	}

	if result.Success {
		for _, id := range snapshotIDs {
			if err := tc.Reversion.CommitSnapshot(id); err != nil {
				r.logger.Warn("snapshot commit failed", "tool", name, "snapshot", id, "error", err)
			}
		}
		r.recordFileHistory(tc, mutations, snapshotIDs)
	} else {
		for _, id := range snapshotIDs {
			tc.Reversion.Discard(id)
		}
	}

	if result.ShortResult == "" {
		result.ShortResult = summarize(result)
	}
	r.runPostHooks(ctx, name, args, result, tc)
	return result, nil
}

// recordFileHistory appends a file-history block, plus a diff block per
// changed file, to the executing history once the call's snapshots commit.
// History observers, the subagent forwarding path included, see the mutation
// as it lands.
func (r *ToolRegistry) recordFileHistory(tc *ToolContext, mutations []FileMutation, snapshotIDs []string) {
	if tc.History == nil || len(snapshotIDs) == 0 {
		return
	}
	blocks := []Block{{Kind: BlockFileHistory, FileHistory: &FileHistoryBlock{SnapshotIDs: snapshotIDs}}}
	for i, m := range mutations {
		if i >= len(snapshotIDs) {
			break
		}
		snap, ok := tc.Reversion.Snapshot(snapshotIDs[i])
		if !ok {
			continue
		}
		var after []byte
		if m.Op != OpDelete {
			after, _ = tc.Env.ReadFile(m.Path)
		}
		if hunks := diffHunks(string(snap.Before), string(after)); len(hunks) > 0 {
			blocks = append(blocks, Block{Kind: BlockDiff, Diff: &DiffBlock{Path: snap.Path, Hunks: hunks}})
		}
	}
	tc.History.Append(Message{Role: RoleTool, Blocks: blocks})
}

// diffHunks renders a minimal line diff of the changed middle region:
// removed lines prefixed "-", added lines prefixed "+".
func diffHunks(before, after string) []string {
	if before == after {
		return nil
	}
	oldLines := splitLines(before)
	newLines := splitLines(after)

	prefix := 0
	for prefix < len(oldLines) && prefix < len(newLines) && oldLines[prefix] == newLines[prefix] {
		prefix++
	}
	suffix := 0
	for suffix < len(oldLines)-prefix && suffix < len(newLines)-prefix &&
		oldLines[len(oldLines)-1-suffix] == newLines[len(newLines)-1-suffix] {
		suffix++
	}

	var hunks []string
	for _, line := range oldLines[prefix : len(oldLines)-suffix] {
		hunks = append(hunks, "-"+line)
	}
	for _, line := range newLines[prefix : len(newLines)-suffix] {
		hunks = append(hunks, "+"+line)
	}
	return hunks
}

func splitLines(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, "\n")
}

// runPostHooks reports the finished call to the PostToolUse hooks. The call
// has already executed; hook failures and stop signals are logged, not acted
// on.
func (r *ToolRegistry) runPostHooks(ctx context.Context, name string, args json.RawMessage, result *ToolResult, tc *ToolContext) {
	if !tc.Hooks.HasHooks(HookPostToolUse) {
		return
	}
	res, err := tc.Hooks.RunPost(ctx, name, args, result)
	if err != nil {
		r.logger.Warn("post-tool hook failed", "tool", name, "error", err)
		return
	}
	if !res.Continue {
		r.logger.Warn("post-tool hook requested stop", "tool", name, "reason", res.StopReason)
	}
	for _, msg := range res.SystemMessages {
		r.logger.Info("post-tool hook message", "tool", name, "message", msg)
	}
}

func declaredMutations(tool Tool, args json.RawMessage, env Environment) ([]FileMutation, error) {
	mutator, ok := tool.(FileMutator)
	if !ok {
		return nil, nil
	}
	return mutator.MutatedPaths(args, env)
}

// validateArguments checks the schema's required list against the supplied
// arguments.
func validateArguments(tool Tool, args json.RawMessage) error {
	schema := tool.ParameterSchema()
	required, _ := schema["required"].([]string)
	if required == nil {
		if anyList, ok := schema["required"].([]any); ok {
			for _, v := range anyList {
				if s, ok := v.(string); ok {
					required = append(required, s)
				}
			}
		}
	}
	if len(required) == 0 {
		return nil
	}

	var parsed map[string]json.RawMessage
	if err := json.Unmarshal(args, &parsed); err != nil {
		return newInvalidArguments(tool.Name(), "(arguments)", "not a JSON object")
	}
	for _, field := range required {
		raw, ok := parsed[field]
		if !ok || string(raw) == "null" {
			return newInvalidArguments(tool.Name(), field, "missing required parameter")
		}
	}
	return nil
}

// summarize renders a short human-readable result line.
func summarize(result *ToolResult) string {
	src := result.Content
	if !result.Success {
		src = result.Error
	}
	line := src
	if i := strings.IndexByte(line, '\n'); i >= 0 {
		line = line[:i]
	}
	if runes := []rune(line); len(runes) > 120 {
		line = string(runes[:117]) + "..."
	}
	return line
}

// Argument helpers shared by the built-in tools.

func parseArguments(raw json.RawMessage) (map[string]any, error) {
	var args map[string]any
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, fmt.Errorf("invalid tool arguments: %w", err)
	}
	return args, nil
}

func stringArg(args map[string]any, key string) (string, bool) {
	v, ok := args[key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

func intArg(args map[string]any, key string) (int, bool) {
	v, ok := args[key]
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case float64:
		return int(n), true
	case int:
		return n, true
	case json.Number:
		i, err := n.Int64()
		if err != nil {
			return 0, false
		}
		return int(i), true
	default:
		return 0, false
	}
}

func boolArg(args map[string]any, key string) (bool, bool) {
	v, ok := args[key]
	if !ok {
		return false, false
	}
	b, ok := v.(bool)
	return b, ok
}
