package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"unicode/utf8"
)

// fakeTool is a configurable tool for pipeline tests.
type fakeTool struct {
	name      string
	required  []string
	mutations []FileMutation
	execute   func(ctx context.Context, args json.RawMessage, tc *ToolContext) (*ToolResult, error)
	calls     int
}

func (f *fakeTool) Name() string        { return f.name }
func (f *fakeTool) Description() string { return "a test tool" }
func (f *fakeTool) ParameterSchema() map[string]any {
	return map[string]any{"type": "object", "properties": map[string]any{}, "required": f.required}
}
func (f *fakeTool) FormatCompactParams(args json.RawMessage, tc *ToolContext) string { return f.name }
func (f *fakeTool) MutatedPaths(args json.RawMessage, env Environment) ([]FileMutation, error) {
	return f.mutations, nil
}
func (f *fakeTool) Execute(ctx context.Context, args json.RawMessage, tc *ToolContext) (*ToolResult, error) {
	f.calls++
	if f.execute != nil {
		return f.execute(ctx, args, tc)
	}
	return &ToolResult{Success: true, Content: "ok"}, nil
}

func newTestToolContext(t *testing.T) *ToolContext {
	t.Helper()
	env := NewLocalEnvironment(t.TempDir())
	return &ToolContext{
		Permissions: NewPermissionEngine(ModeDefault, "", nil, testLogger()),
		Reversion:   NewReversionEngine(env, testLogger()),
		Tasks:       NewTaskRegistry(testLogger()),
		Env:         env,
		History:     NewHistory(nil, nil, testLogger()),
		Hooks:       NewHookRunner(nil, "", testLogger()),
		MessageID:   "msg1",
		Logger:      testLogger(),
	}
}

func TestExecuteUnknownToolIsToolNotFound(t *testing.T) {
	r := NewToolRegistry(testLogger())
	tc := newTestToolContext(t)

	_, err := r.Execute(context.Background(), "nope", json.RawMessage(`{}`), tc)
	var notFound *ToolNotFoundError
	if !errors.As(err, &notFound) {
		t.Fatalf("expected ToolNotFoundError, got %v", err)
	}
	if notFound.Tool != "nope" {
		t.Errorf("expected tool name in error, got %q", notFound.Tool)
	}
}

func TestExecuteMissingRequiredArgumentNamesField(t *testing.T) {
	r := NewToolRegistry(testLogger())
	tool := &fakeTool{name: "needy", required: []string{"target"}}
	r.Register(tool)
	tc := newTestToolContext(t)

	_, err := r.Execute(context.Background(), "needy", json.RawMessage(`{"other": 1}`), tc)
	var badArgs *InvalidArgumentsError
	if !errors.As(err, &badArgs) {
		t.Fatalf("expected InvalidArgumentsError, got %v", err)
	}
	if badArgs.Field != "target" {
		t.Errorf("expected offending field named, got %q", badArgs.Field)
	}
	if tool.calls != 0 {
		t.Errorf("tool body must not run on invalid arguments, got %d calls", tool.calls)
	}
}

func TestPolicyDenialIsAResultNotAnError(t *testing.T) {
	r := NewToolRegistry(testLogger())
	tool := &fakeTool{name: "mutator", mutations: []FileMutation{{Path: "/a/b.ts", Op: OpModify}}}
	r.Register(tool)

	tc := newTestToolContext(t)
	tc.Permissions = NewPermissionEngine(ModePlan, "/a/plan.md", nil, testLogger())

	result, err := r.Execute(context.Background(), "mutator", json.RawMessage(`{}`), tc)
	if err != nil {
		t.Fatalf("a denial must not be an error: %v", err)
	}
	if result.Success {
		t.Fatal("expected a failed result")
	}
	if !strings.Contains(result.Error, "designated plan file") {
		t.Errorf("expected the denial message, got %q", result.Error)
	}
	if tool.calls != 0 {
		t.Errorf("denied tool body must never run, got %d calls", tool.calls)
	}
}

func TestSnapshotsCommittedOnSuccess(t *testing.T) {
	r := NewToolRegistry(testLogger())
	tc := newTestToolContext(t)
	if err := tc.Env.WriteFile("a.txt", []byte("before")); err != nil {
		t.Fatal(err)
	}

	tool := &fakeTool{
		name:      "mutator",
		mutations: []FileMutation{{Path: "a.txt", Op: OpModify}},
		execute: func(ctx context.Context, args json.RawMessage, tc *ToolContext) (*ToolResult, error) {
			if err := tc.Env.WriteFile("a.txt", []byte("after")); err != nil {
				return nil, err
			}
			return &ToolResult{Success: true, Content: "mutated"}, nil
		},
	}
	r.Register(tool)

	result, err := r.Execute(context.Background(), "mutator", json.RawMessage(`{}`), tc)
	if err != nil || !result.Success {
		t.Fatalf("execute: %v %+v", err, result)
	}

	restored, err := tc.Reversion.RevertTo([]string{"msg1"})
	if err != nil {
		t.Fatal(err)
	}
	if restored != 1 {
		t.Fatalf("expected the committed snapshot to revert, got %d", restored)
	}
	data, _ := tc.Env.ReadFile("a.txt")
	if string(data) != "before" {
		t.Errorf("expected pre-mutation content, got %q", data)
	}
}

func TestSnapshotsDiscardedOnFailure(t *testing.T) {
	r := NewToolRegistry(testLogger())
	tc := newTestToolContext(t)
	if err := tc.Env.WriteFile("a.txt", []byte("before")); err != nil {
		t.Fatal(err)
	}

	tool := &fakeTool{
		name:      "mutator",
		mutations: []FileMutation{{Path: "a.txt", Op: OpModify}},
		execute: func(ctx context.Context, args json.RawMessage, tc *ToolContext) (*ToolResult, error) {
			return nil, fmt.Errorf("tool blew up")
		},
	}
	r.Register(tool)

	result, err := r.Execute(context.Background(), "mutator", json.RawMessage(`{}`), tc)
	if err != nil {
		t.Fatalf("a body failure is a result, not an error: %v", err)
	}
	if result.Success {
		t.Fatal("expected failed result")
	}

	restored, err := tc.Reversion.RevertTo([]string{"msg1"})
	if err != nil {
		t.Fatal(err)
	}
	if restored != 0 {
		t.Errorf("discarded snapshots must not revert, got %d", restored)
	}
}

func TestAbortedExecutionIsHardError(t *testing.T) {
	r := NewToolRegistry(testLogger())
	ctx, cancel := context.WithCancel(context.Background())
	tool := &fakeTool{
		name: "slow",
		execute: func(ctx context.Context, args json.RawMessage, tc *ToolContext) (*ToolResult, error) {
			cancel()
			return nil, ctx.Err()
		},
	}
	r.Register(tool)
	tc := newTestToolContext(t)

	_, err := r.Execute(ctx, "slow", json.RawMessage(`{}`), tc)
	var aborted *AbortedError
	if !errors.As(err, &aborted) {
		t.Fatalf("expected AbortedError, got %v", err)
	}
}

func TestToolBodyRunsExactlyOnce(t *testing.T) {
	r := NewToolRegistry(testLogger())
	tool := &fakeTool{name: "once"}
	r.Register(tool)
	tc := newTestToolContext(t)

	if _, err := r.Execute(context.Background(), "once", json.RawMessage(`{}`), tc); err != nil {
		t.Fatal(err)
	}
	if tool.calls != 1 {
		t.Errorf("expected exactly one invocation, got %d", tool.calls)
	}
}

func TestScopedRegistryAllowlist(t *testing.T) {
	r := NewToolRegistry(testLogger())
	r.Register(&fakeTool{name: "a"})
	r.Register(&fakeTool{name: "b"})
	r.Register(&fakeTool{name: "task"})

	scoped := r.Scoped([]string{"a"}, nil)
	if scoped.Get("a") == nil {
		t.Error("allowlisted tool missing")
	}
	if scoped.Get("b") != nil || scoped.Get("task") != nil {
		t.Error("non-allowlisted tools must be excluded")
	}

	inherited := r.Scoped(nil, []string{"task"})
	if inherited.Get("a") == nil || inherited.Get("b") == nil {
		t.Error("nil allowlist should inherit all tools")
	}
	if inherited.Get("task") != nil {
		t.Error("restricted tool must be excluded")
	}
}

func TestSuccessfulMutationAppendsFileHistoryAndDiff(t *testing.T) {
	r := NewToolRegistry(testLogger())
	tc := newTestToolContext(t)
	if err := tc.Env.WriteFile("a.txt", []byte("one\ntwo")); err != nil {
		t.Fatal(err)
	}

	tool := &fakeTool{
		name:      "mutator",
		mutations: []FileMutation{{Path: "a.txt", Op: OpModify}},
		execute: func(ctx context.Context, args json.RawMessage, tc *ToolContext) (*ToolResult, error) {
			if err := tc.Env.WriteFile("a.txt", []byte("one\nthree")); err != nil {
				return nil, err
			}
			return &ToolResult{Success: true, Content: "mutated"}, nil
		},
	}
	r.Register(tool)

	result, err := r.Execute(context.Background(), "mutator", json.RawMessage(`{}`), tc)
	if err != nil || !result.Success {
		t.Fatalf("execute: %v %+v", err, result)
	}

	msgs := tc.History.Messages()
	if len(msgs) != 1 {
		t.Fatalf("expected one side-effect message, got %d", len(msgs))
	}
	var fh *FileHistoryBlock
	var diff *DiffBlock
	for _, b := range msgs[0].Blocks {
		switch b.Kind {
		case BlockFileHistory:
			fh = b.FileHistory
		case BlockDiff:
			diff = b.Diff
		}
	}
	if fh == nil || len(fh.SnapshotIDs) != 1 {
		t.Fatalf("expected a file-history block with one snapshot, got %+v", fh)
	}
	committed := tc.Reversion.Snapshots("msg1")
	if len(committed) != 1 || committed[0] != fh.SnapshotIDs[0] {
		t.Errorf("expected the block to reference the committed snapshot, got %v vs %v", fh.SnapshotIDs, committed)
	}
	if diff == nil {
		t.Fatal("expected a diff block for the modified file")
	}
	want := []string{"-two", "+three"}
	if len(diff.Hunks) != len(want) {
		t.Fatalf("expected %v, got %v", want, diff.Hunks)
	}
	for i, h := range want {
		if diff.Hunks[i] != h {
			t.Errorf("hunk %d: expected %q, got %q", i, h, diff.Hunks[i])
		}
	}
}

func TestFailedMutationAppendsNoFileHistory(t *testing.T) {
	r := NewToolRegistry(testLogger())
	tc := newTestToolContext(t)
	if err := tc.Env.WriteFile("a.txt", []byte("before")); err != nil {
		t.Fatal(err)
	}

	tool := &fakeTool{
		name:      "mutator",
		mutations: []FileMutation{{Path: "a.txt", Op: OpModify}},
		execute: func(ctx context.Context, args json.RawMessage, tc *ToolContext) (*ToolResult, error) {
			return nil, fmt.Errorf("tool blew up")
		},
	}
	r.Register(tool)

	if _, err := r.Execute(context.Background(), "mutator", json.RawMessage(`{}`), tc); err != nil {
		t.Fatal(err)
	}
	if tc.History.Len() != 0 {
		t.Errorf("a failed mutation must not record file history, got %d messages", tc.History.Len())
	}
}

func TestPostToolUseHookObservesResult(t *testing.T) {
	r := NewToolRegistry(testLogger())
	r.Register(&fakeTool{name: "echo"})
	tc := newTestToolContext(t)

	dir := t.TempDir()
	tc.Hooks = NewHookRunner([]HookConfig{
		{Event: HookPostToolUse, Command: "cat > payload.json"},
	}, dir, testLogger())

	result, err := r.Execute(context.Background(), "echo", json.RawMessage(`{"x":1}`), tc)
	if err != nil || !result.Success {
		t.Fatalf("execute: %v %+v", err, result)
	}

	data, err := os.ReadFile(filepath.Join(dir, "payload.json"))
	if err != nil {
		t.Fatalf("post hook did not run: %v", err)
	}
	payload := string(data)
	for _, want := range []string{`"hook_event_name":"PostToolUse"`, `"tool_name":"echo"`, `"tool_response"`, `"success":true`} {
		if !strings.Contains(payload, want) {
			t.Errorf("payload missing %s: %s", want, payload)
		}
	}
}

func TestPostToolUseHookSkippedOnDenial(t *testing.T) {
	r := NewToolRegistry(testLogger())
	r.Register(&fakeTool{name: "mutator", mutations: []FileMutation{{Path: "/a/b.ts", Op: OpModify}}})

	tc := newTestToolContext(t)
	tc.Permissions = NewPermissionEngine(ModePlan, "/a/plan.md", nil, testLogger())
	dir := t.TempDir()
	tc.Hooks = NewHookRunner([]HookConfig{
		{Event: HookPostToolUse, Command: "touch ran"},
	}, dir, testLogger())

	result, err := r.Execute(context.Background(), "mutator", json.RawMessage(`{}`), tc)
	if err != nil || result.Success {
		t.Fatalf("expected a denied result: %v %+v", err, result)
	}
	if _, err := os.Stat(filepath.Join(dir, "ran")); err == nil {
		t.Error("post hooks must not run for a call that never executed")
	}
}

func TestShortResultTrimsOnRuneBoundary(t *testing.T) {
	r := NewToolRegistry(testLogger())
	tool := &fakeTool{
		name: "wide",
		execute: func(ctx context.Context, args json.RawMessage, tc *ToolContext) (*ToolResult, error) {
			return &ToolResult{Success: true, Content: strings.Repeat("é", 200)}, nil
		},
	}
	r.Register(tool)
	tc := newTestToolContext(t)

	result, err := r.Execute(context.Background(), "wide", json.RawMessage(`{}`), tc)
	if err != nil {
		t.Fatal(err)
	}
	short := result.ShortResult
	if !utf8.ValidString(short) {
		t.Errorf("short result is not valid UTF-8: %q", short)
	}
	if !strings.HasSuffix(short, "...") {
		t.Errorf("expected a trimmed summary, got %q", short)
	}
	if n := len([]rune(short)); n != 120 {
		t.Errorf("expected 120 runes, got %d", n)
	}
}

func TestShortResultSummaryDefaults(t *testing.T) {
	r := NewToolRegistry(testLogger())
	tool := &fakeTool{
		name: "verbose",
		execute: func(ctx context.Context, args json.RawMessage, tc *ToolContext) (*ToolResult, error) {
			return &ToolResult{Success: true, Content: "first line\nsecond line"}, nil
		},
	}
	r.Register(tool)
	tc := newTestToolContext(t)

	result, err := r.Execute(context.Background(), "verbose", json.RawMessage(`{}`), tc)
	if err != nil {
		t.Fatal(err)
	}
	if result.ShortResult != "first line" {
		t.Errorf("expected first line as summary, got %q", result.ShortResult)
	}
}
