package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// RegisterBuiltinTools registers the standard tool set on a registry.
func RegisterBuiltinTools(r *ToolRegistry) {
	r.Register(&ReadFileTool{})
	r.Register(&WriteFileTool{})
	r.Register(&EditFileTool{})
	r.Register(&DeleteFileTool{})
	r.Register(&ShellTool{})
	r.Register(&GlobTool{})
	r.Register(&GrepTool{})
	r.Register(&TaskOutputTool{})
	r.Register(&KillTaskTool{})
	r.Register(&ExitPlanModeTool{})
	r.Register(&TaskTool{})
}

func objectSchema(properties map[string]any, required ...string) map[string]any {
	return map[string]any{
		"type":       "object",
		"properties": properties,
		"required":   required,
	}
}

func stringProp(description string) map[string]any {
	return map[string]any{"type": "string", "description": description}
}

func intProp(description string) map[string]any {
	return map[string]any{"type": "integer", "description": description}
}

func boolProp(description string) map[string]any {
	return map[string]any{"type": "boolean", "description": description}
}

func compactString(args json.RawMessage, key string) string {
	parsed, err := parseArguments(args)
	if err != nil {
		return ""
	}
	s, _ := stringArg(parsed, key)
	if runes := []rune(s); len(runes) > 80 {
		s = string(runes[:77]) + "..."
	}
	return s
}

// ReadFileTool reads a file, optionally a line range.
type ReadFileTool struct{}

func (t *ReadFileTool) Name() string { return "read_file" }
func (t *ReadFileTool) Description() string {
	return "Read a file from the working directory. Supports an optional line offset and limit."
}
func (t *ReadFileTool) ConcurrencySafe() bool { return true }
func (t *ReadFileTool) ParameterSchema() map[string]any {
	return objectSchema(map[string]any{
		"file_path": stringProp("Path to the file to read"),
		"offset":    intProp("1-based line to start reading from"),
		"limit":     intProp("Maximum number of lines to read"),
	}, "file_path")
}
func (t *ReadFileTool) FormatCompactParams(args json.RawMessage, tc *ToolContext) string {
	return compactString(args, "file_path")
}

func (t *ReadFileTool) Execute(ctx context.Context, args json.RawMessage, tc *ToolContext) (*ToolResult, error) {
	parsed, err := parseArguments(args)
	if err != nil {
		return nil, err
	}
	path, _ := stringArg(parsed, "file_path")

	data, err := tc.Env.ReadFile(path)
	if err != nil {
		return &ToolResult{Success: false, Error: fmt.Sprintf("read %s: %v", path, err)}, nil
	}

	content := string(data)
	offset, hasOffset := intArg(parsed, "offset")
	limit, hasLimit := intArg(parsed, "limit")
	if hasOffset || hasLimit {
		lines := strings.Split(content, "\n")
		start := 0
		if hasOffset && offset > 1 {
			start = offset - 1
		}
		if start > len(lines) {
			start = len(lines)
		}
		end := len(lines)
		if hasLimit && limit > 0 && start+limit < end {
			end = start + limit
		}
		content = strings.Join(lines[start:end], "\n")
	}

	return &ToolResult{Success: true, Content: content, FilePath: path}, nil
}

// WriteFileTool creates or overwrites a file.
type WriteFileTool struct{}

func (t *WriteFileTool) Name() string { return "write_file" }
func (t *WriteFileTool) Description() string {
	return "Write content to a file, creating it if needed and overwriting it otherwise."
}
func (t *WriteFileTool) ParameterSchema() map[string]any {
	return objectSchema(map[string]any{
		"file_path": stringProp("Path to the file to write"),
		"content":   stringProp("Full file content"),
	}, "file_path", "content")
}
func (t *WriteFileTool) FormatCompactParams(args json.RawMessage, tc *ToolContext) string {
	return compactString(args, "file_path")
}

func (t *WriteFileTool) MutatedPaths(args json.RawMessage, env Environment) ([]FileMutation, error) {
	parsed, err := parseArguments(args)
	if err != nil {
		return nil, err
	}
	path, ok := stringArg(parsed, "file_path")
	if !ok {
		return nil, fmt.Errorf("file_path is required")
	}
	op := OpModify
	if !env.FileExists(path) {
		op = OpCreate
	}
	return []FileMutation{{Path: path, Op: op}}, nil
}

func (t *WriteFileTool) Execute(ctx context.Context, args json.RawMessage, tc *ToolContext) (*ToolResult, error) {
	parsed, err := parseArguments(args)
	if err != nil {
		return nil, err
	}
	path, _ := stringArg(parsed, "file_path")
	content, _ := stringArg(parsed, "content")

	if err := tc.Env.WriteFile(path, []byte(content)); err != nil {
		return &ToolResult{Success: false, Error: fmt.Sprintf("write %s: %v", path, err)}, nil
	}
	return &ToolResult{
		Success:  true,
		Content:  fmt.Sprintf("Wrote %d bytes to %s", len(content), path),
		FilePath: path,
	}, nil
}

// EditFileTool replaces an exact string within an existing file.
type EditFileTool struct{}

func (t *EditFileTool) Name() string { return "edit_file" }
func (t *EditFileTool) Description() string {
	return "Replace an exact string in a file. old_string must match exactly once unless replace_all is set."
}
func (t *EditFileTool) ParameterSchema() map[string]any {
	return objectSchema(map[string]any{
		"file_path":   stringProp("Path to the file to edit"),
		"old_string":  stringProp("Exact text to replace"),
		"new_string":  stringProp("Replacement text"),
		"replace_all": boolProp("Replace every occurrence"),
	}, "file_path", "old_string", "new_string")
}
func (t *EditFileTool) FormatCompactParams(args json.RawMessage, tc *ToolContext) string {
	return compactString(args, "file_path")
}

func (t *EditFileTool) MutatedPaths(args json.RawMessage, env Environment) ([]FileMutation, error) {
	parsed, err := parseArguments(args)
	if err != nil {
		return nil, err
	}
	path, ok := stringArg(parsed, "file_path")
	if !ok {
		return nil, fmt.Errorf("file_path is required")
	}
	return []FileMutation{{Path: path, Op: OpModify}}, nil
}

func (t *EditFileTool) Execute(ctx context.Context, args json.RawMessage, tc *ToolContext) (*ToolResult, error) {
	parsed, err := parseArguments(args)
	if err != nil {
		return nil, err
	}
	path, _ := stringArg(parsed, "file_path")
	oldStr, _ := stringArg(parsed, "old_string")
	newStr, _ := stringArg(parsed, "new_string")
	replaceAll, _ := boolArg(parsed, "replace_all")

	data, err := tc.Env.ReadFile(path)
	if err != nil {
		return &ToolResult{Success: false, Error: fmt.Sprintf("read %s: %v", path, err)}, nil
	}
	content := string(data)

	count := strings.Count(content, oldStr)
	if count == 0 {
		return &ToolResult{Success: false, Error: fmt.Sprintf("old_string not found in %s", path)}, nil
	}
	if count > 1 && !replaceAll {
		return &ToolResult{
			Success: false,
			Error:   fmt.Sprintf("old_string appears %d times in %s; provide more context or set replace_all", count, path),
		}, nil
	}

	replacements := 1
	if replaceAll {
		content = strings.ReplaceAll(content, oldStr, newStr)
		replacements = count
	} else {
		content = strings.Replace(content, oldStr, newStr, 1)
	}

	if err := tc.Env.WriteFile(path, []byte(content)); err != nil {
		return &ToolResult{Success: false, Error: fmt.Sprintf("write %s: %v", path, err)}, nil
	}
	return &ToolResult{
		Success:  true,
		Content:  fmt.Sprintf("Edited %s (%d replacement(s))", path, replacements),
		FilePath: path,
	}, nil
}

// DeleteFileTool removes a file.
type DeleteFileTool struct{}

func (t *DeleteFileTool) Name() string        { return "delete_file" }
func (t *DeleteFileTool) Description() string { return "Delete a file from the working directory." }
func (t *DeleteFileTool) ParameterSchema() map[string]any {
	return objectSchema(map[string]any{
		"file_path": stringProp("Path to the file to delete"),
	}, "file_path")
}
func (t *DeleteFileTool) FormatCompactParams(args json.RawMessage, tc *ToolContext) string {
	return compactString(args, "file_path")
}

func (t *DeleteFileTool) MutatedPaths(args json.RawMessage, env Environment) ([]FileMutation, error) {
	parsed, err := parseArguments(args)
	if err != nil {
		return nil, err
	}
	path, ok := stringArg(parsed, "file_path")
	if !ok {
		return nil, fmt.Errorf("file_path is required")
	}
	return []FileMutation{{Path: path, Op: OpDelete}}, nil
}

func (t *DeleteFileTool) Execute(ctx context.Context, args json.RawMessage, tc *ToolContext) (*ToolResult, error) {
	parsed, err := parseArguments(args)
	if err != nil {
		return nil, err
	}
	path, _ := stringArg(parsed, "file_path")

	if err := tc.Env.DeleteFile(path); err != nil {
		return &ToolResult{Success: false, Error: fmt.Sprintf("delete %s: %v", path, err)}, nil
	}
	return &ToolResult{Success: true, Content: fmt.Sprintf("Deleted %s", path), FilePath: path}, nil
}

const defaultShellTimeoutMs = 120_000

// ShellTool runs a command in the foreground, with two paths to the
// background: run_in_background starts it there directly, and a host
// background request while the command is running hands the live process to
// the task registry without a restart.
type ShellTool struct{}

func (t *ShellTool) Name() string { return "shell" }
func (t *ShellTool) Description() string {
	return "Run a shell command. Set run_in_background to get a task id immediately instead of waiting."
}
func (t *ShellTool) ParameterSchema() map[string]any {
	return objectSchema(map[string]any{
		"command":           stringProp("The command to run"),
		"timeout_ms":        intProp("Timeout in milliseconds (default 120000)"),
		"run_in_background": boolProp("Start in the background and return a task id"),
		"working_dir":       stringProp("Working directory for the command"),
	}, "command")
}
func (t *ShellTool) FormatCompactParams(args json.RawMessage, tc *ToolContext) string {
	return compactString(args, "command")
}

func (t *ShellTool) Execute(ctx context.Context, args json.RawMessage, tc *ToolContext) (*ToolResult, error) {
	parsed, err := parseArguments(args)
	if err != nil {
		return nil, err
	}
	command, _ := stringArg(parsed, "command")
	workingDir, _ := stringArg(parsed, "working_dir")
	timeoutMs, ok := intArg(parsed, "timeout_ms")
	if !ok || timeoutMs <= 0 {
		timeoutMs = defaultShellTimeoutMs
	}
	background, _ := boolArg(parsed, "run_in_background")

	if background {
		id, err := tc.Tasks.StartShell(tc.Env, command, workingDir, timeoutMs)
		if err != nil {
			return &ToolResult{Success: false, Error: fmt.Sprintf("start %q: %v", command, err)}, nil
		}
		return &ToolResult{
			Success: true,
			Content: fmt.Sprintf("Command running in background with ID: %s", id),
		}, nil
	}

	proc, err := tc.Env.StartCommand(command, workingDir)
	if err != nil {
		return &ToolResult{Success: false, Error: fmt.Sprintf("start %q: %v", command, err)}, nil
	}

	start := time.Now()
	timer := time.NewTimer(time.Duration(timeoutMs) * time.Millisecond)
	defer timer.Stop()

	select {
	case <-proc.Done():
		output := TruncateToolOutput(proc.Output(), t.Name())
		if code := proc.ExitCode(); code != 0 {
			return &ToolResult{
				Success: false,
				Content: output,
				Error:   fmt.Sprintf("command exited with code %d", code),
			}, nil
		}
		return &ToolResult{Success: true, Content: output}, nil

	case <-timer.C:
		_ = proc.Kill()
		return &ToolResult{
			Success: false,
			Content: TruncateToolOutput(proc.Output(), t.Name()),
			Error:   fmt.Sprintf("command timed out after %dms", timeoutMs),
		}, nil

	case <-tc.BackgroundRequested:
		// Hand the live process to the registry; monitoring continues under
		// the task id, the command itself is untouched.
		remaining := timeoutMs - int(time.Since(start).Milliseconds())
		if remaining < 0 {
			remaining = 0
		}
		id := tc.Tasks.AdoptProcess(proc, remaining)
		return &ToolResult{
			Success: true,
			Content: fmt.Sprintf("Command moved to background with ID: %s", id),
		}, nil

	case <-ctx.Done():
		_ = proc.Kill()
		return nil, ctx.Err()
	}
}

// GlobTool matches files by pattern.
type GlobTool struct{}

func (t *GlobTool) Name() string { return "glob" }
func (t *GlobTool) Description() string {
	return "Find files matching a glob pattern."
}
func (t *GlobTool) ConcurrencySafe() bool { return true }
func (t *GlobTool) ParameterSchema() map[string]any {
	return objectSchema(map[string]any{
		"pattern": stringProp("Glob pattern, e.g. *.go"),
		"path":    stringProp("Directory to search (default working directory)"),
	}, "pattern")
}
func (t *GlobTool) FormatCompactParams(args json.RawMessage, tc *ToolContext) string {
	return compactString(args, "pattern")
}

func (t *GlobTool) Execute(ctx context.Context, args json.RawMessage, tc *ToolContext) (*ToolResult, error) {
	parsed, err := parseArguments(args)
	if err != nil {
		return nil, err
	}
	pattern, _ := stringArg(parsed, "pattern")
	path, _ := stringArg(parsed, "path")

	matches, err := tc.Env.Glob(pattern, path)
	if err != nil {
		return &ToolResult{Success: false, Error: err.Error()}, nil
	}
	if len(matches) == 0 {
		return &ToolResult{Success: true, Content: "No files matched."}, nil
	}
	return &ToolResult{Success: true, Content: strings.Join(matches, "\n")}, nil
}

// GrepTool searches file contents.
type GrepTool struct{}

func (t *GrepTool) Name() string { return "grep" }
func (t *GrepTool) Description() string {
	return "Search file contents with a regular expression."
}
func (t *GrepTool) ConcurrencySafe() bool { return true }
func (t *GrepTool) ParameterSchema() map[string]any {
	return objectSchema(map[string]any{
		"pattern":          stringProp("Regular expression to search for"),
		"path":             stringProp("File or directory to search (default working directory)"),
		"glob":             stringProp("Glob filter on file names"),
		"case_insensitive": boolProp("Case-insensitive match"),
		"max_results":      intProp("Maximum matches per file"),
	}, "pattern")
}
func (t *GrepTool) FormatCompactParams(args json.RawMessage, tc *ToolContext) string {
	return compactString(args, "pattern")
}

func (t *GrepTool) Execute(ctx context.Context, args json.RawMessage, tc *ToolContext) (*ToolResult, error) {
	parsed, err := parseArguments(args)
	if err != nil {
		return nil, err
	}
	pattern, _ := stringArg(parsed, "pattern")
	path, _ := stringArg(parsed, "path")
	globFilter, _ := stringArg(parsed, "glob")
	caseInsensitive, _ := boolArg(parsed, "case_insensitive")
	maxResults, _ := intArg(parsed, "max_results")

	out, err := tc.Env.Grep(ctx, pattern, path, GrepOptions{
		GlobFilter:      globFilter,
		CaseInsensitive: caseInsensitive,
		MaxResults:      maxResults,
	})
	if err != nil {
		return &ToolResult{Success: false, Error: err.Error()}, nil
	}
	if strings.TrimSpace(out) == "" {
		return &ToolResult{Success: true, Content: "No matches found."}, nil
	}
	return &ToolResult{Success: true, Content: out}, nil
}

// TaskOutputTool reads a background task's output, optionally waiting for it
// to finish.
type TaskOutputTool struct{}

func (t *TaskOutputTool) Name() string { return "task_output" }
func (t *TaskOutputTool) Description() string {
	return "Get the output and status of a background task. Set wait to block until it finishes."
}
func (t *TaskOutputTool) ConcurrencySafe() bool { return true }
func (t *TaskOutputTool) ParameterSchema() map[string]any {
	return objectSchema(map[string]any{
		"task_id":    stringProp("The task id, e.g. task_3"),
		"wait":       boolProp("Block until the task finishes or the wait times out"),
		"timeout_ms": intProp("Maximum wait in milliseconds (capped at 30000)"),
	}, "task_id")
}
func (t *TaskOutputTool) FormatCompactParams(args json.RawMessage, tc *ToolContext) string {
	return compactString(args, "task_id")
}

func (t *TaskOutputTool) Execute(ctx context.Context, args json.RawMessage, tc *ToolContext) (*ToolResult, error) {
	parsed, err := parseArguments(args)
	if err != nil {
		return nil, err
	}
	taskID, _ := stringArg(parsed, "task_id")
	wait, _ := boolArg(parsed, "wait")
	timeoutMs, _ := intArg(parsed, "timeout_ms")

	var output string
	var status TaskStatus
	if wait {
		output, status, err = tc.Tasks.Poll(ctx, taskID, time.Duration(timeoutMs)*time.Millisecond)
		var timedOut *TimedOutError
		if errors.As(err, &timedOut) {
			return &ToolResult{
				Success: true,
				Content: fmt.Sprintf("Task %s is still %s.\n%s", taskID, status, TruncateToolOutput(output, "task")),
			}, nil
		}
	} else {
		output, status, err = tc.Tasks.Peek(taskID)
	}
	if err != nil {
		return nil, err
	}
	return &ToolResult{
		Success: true,
		Content: fmt.Sprintf("Task %s status: %s\n%s", taskID, status, TruncateToolOutput(output, "task")),
	}, nil
}

// KillTaskTool stops a running background task.
type KillTaskTool struct{}

func (t *KillTaskTool) Name() string        { return "kill_task" }
func (t *KillTaskTool) Description() string { return "Kill a running background task." }
func (t *KillTaskTool) ParameterSchema() map[string]any {
	return objectSchema(map[string]any{
		"task_id": stringProp("The task id to kill"),
	}, "task_id")
}
func (t *KillTaskTool) FormatCompactParams(args json.RawMessage, tc *ToolContext) string {
	return compactString(args, "task_id")
}

func (t *KillTaskTool) Execute(ctx context.Context, args json.RawMessage, tc *ToolContext) (*ToolResult, error) {
	parsed, err := parseArguments(args)
	if err != nil {
		return nil, err
	}
	taskID, _ := stringArg(parsed, "task_id")

	if err := tc.Tasks.StopTask(taskID); err != nil {
		return nil, err
	}
	return &ToolResult{Success: true, Content: fmt.Sprintf("Task %s killed.", taskID)}, nil
}

// ExitPlanModeTool records the finished plan on its own call block and drops
// the permission engine back to default mode.
type ExitPlanModeTool struct{}

func (t *ExitPlanModeTool) Name() string { return "exit_plan_mode" }
func (t *ExitPlanModeTool) Description() string {
	return "Signal that the plan is complete and exit plan mode."
}
func (t *ExitPlanModeTool) ParameterSchema() map[string]any {
	return objectSchema(map[string]any{
		"plan": stringProp("The finished plan text"),
	}, "plan")
}
func (t *ExitPlanModeTool) FormatCompactParams(args json.RawMessage, tc *ToolContext) string {
	return "exit plan mode"
}

// PreparePermission stages the plan text on the call's own block before the
// permission decision, so a confirmation prompt can display the plan.
func (t *ExitPlanModeTool) PreparePermission(args json.RawMessage, tc *ToolContext) {
	parsed, err := parseArguments(args)
	if err != nil {
		return
	}
	plan, _ := stringArg(parsed, "plan")
	if plan == "" || tc.CallID == "" {
		return
	}
	if mode, _ := tc.Permissions.Mode(); mode != ModePlan {
		return
	}
	if err := tc.History.SetBlockPlan(tc.MessageID, tc.CallID, plan); err != nil {
		tc.Logger.Warn("plan injection failed", "error", err)
	}
}

func (t *ExitPlanModeTool) Execute(ctx context.Context, args json.RawMessage, tc *ToolContext) (*ToolResult, error) {
	if _, err := parseArguments(args); err != nil {
		return nil, err
	}

	mode, _ := tc.Permissions.Mode()
	if mode != ModePlan {
		return &ToolResult{Success: false, Error: "not in plan mode"}, nil
	}

	tc.Permissions.SetMode(ModeDefault, "")
	return &ToolResult{Success: true, Content: "Plan recorded. Exited plan mode."}, nil
}

// TaskTool delegates a prompt to a configured subagent, in the foreground or
// as a background task in the parent registry.
type TaskTool struct{}

func (t *TaskTool) Name() string { return "task" }
func (t *TaskTool) Description() string {
	return "Delegate a task to a specialized subagent. Set background to get a task id immediately."
}
func (t *TaskTool) ParameterSchema() map[string]any {
	return objectSchema(map[string]any{
		"agent_type": stringProp("The configured subagent type to use"),
		"prompt":     stringProp("The task for the subagent"),
		"background": boolProp("Run in the background and return a task id"),
	}, "agent_type", "prompt")
}
func (t *TaskTool) FormatCompactParams(args json.RawMessage, tc *ToolContext) string {
	return compactString(args, "agent_type")
}

func (t *TaskTool) Execute(ctx context.Context, args json.RawMessage, tc *ToolContext) (*ToolResult, error) {
	parsed, err := parseArguments(args)
	if err != nil {
		return nil, err
	}
	agentType, _ := stringArg(parsed, "agent_type")
	prompt, _ := stringArg(parsed, "prompt")
	background, _ := boolArg(parsed, "background")

	if tc.Subagents == nil {
		return &ToolResult{Success: false, Error: "no subagents are configured"}, nil
	}

	inst, err := tc.Subagents.CreateInstance(agentType, tc.MessageID)
	if err != nil {
		return nil, err
	}

	if background {
		taskID, err := tc.Subagents.ExecuteTask(ctx, inst, prompt, true)
		if err != nil {
			return nil, err
		}
		tc.History.Append(Message{Role: RoleTool, Blocks: []Block{{
			Kind: BlockSubagent,
			Subagent: &SubagentBlock{
				SubagentID: inst.ID,
				AgentType:  agentType,
				TaskID:     taskID,
				Status:     string(TaskRunning),
			},
		}}})
		return &ToolResult{
			Success: true,
			Content: fmt.Sprintf("Subagent %s running in background with ID: %s", agentType, taskID),
		}, nil
	}

	result, err := tc.Subagents.ExecuteTask(ctx, inst, prompt, false)
	if err != nil {
		return nil, err
	}
	tc.History.Append(Message{Role: RoleTool, Blocks: []Block{{
		Kind: BlockSubagent,
		Subagent: &SubagentBlock{
			SubagentID: inst.ID,
			AgentType:  agentType,
			Status:     string(TaskCompleted),
		},
	}}})
	return &ToolResult{Success: true, Content: result}, nil
}
