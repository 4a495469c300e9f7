package engine

import (
	"errors"
	"testing"
)

func TestTruncateInvalidIndexChangesNothing(t *testing.T) {
	h := NewHistory(nil, nil, testLogger())
	h.Append(Message{Role: RoleUser, Blocks: []Block{TextBlock("one")}})
	h.Append(Message{Role: RoleAssistant, Blocks: []Block{TextBlock("two")}})

	for _, index := range []int{-1, 2, 99} {
		_, err := h.Truncate(index)
		var invalid *InvalidIndexError
		if !errors.As(err, &invalid) {
			t.Fatalf("index %d: expected InvalidIndexError, got %v", index, err)
		}
		if invalid.Length != 2 {
			t.Errorf("expected length 2 in error, got %d", invalid.Length)
		}
	}
	if h.Len() != 2 {
		t.Errorf("history must be unchanged, got %d messages", h.Len())
	}
}

func TestTruncateRemovesMessagesAndRevertsFiles(t *testing.T) {
	env := NewLocalEnvironment(t.TempDir())
	reversion := NewReversionEngine(env, testLogger())
	h := NewHistory(reversion, nil, testLogger())

	id1 := h.Append(Message{Role: RoleUser, Blocks: []Block{TextBlock("msg1")}})
	id2 := h.Append(Message{Role: RoleAssistant, Blocks: []Block{TextBlock("msg2")}})
	id3 := h.Append(Message{Role: RoleAssistant, Blocks: []Block{TextBlock("msg3")}})

	// msg2 created a file, msg3 modified it.
	snap2, err := reversion.RecordSnapshot(id2, "f.txt", OpCreate)
	if err != nil {
		t.Fatal(err)
	}
	if err := env.WriteFile("f.txt", []byte("v1")); err != nil {
		t.Fatal(err)
	}
	if err := reversion.CommitSnapshot(snap2); err != nil {
		t.Fatal(err)
	}
	snap3, err := reversion.RecordSnapshot(id3, "f.txt", OpModify)
	if err != nil {
		t.Fatal(err)
	}
	if err := env.WriteFile("f.txt", []byte("v2")); err != nil {
		t.Fatal(err)
	}
	if err := reversion.CommitSnapshot(snap3); err != nil {
		t.Fatal(err)
	}

	restored, err := h.Truncate(1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if restored != 2 {
		t.Errorf("expected 2 restored files, got %d", restored)
	}

	messages := h.Messages()
	if len(messages) != 1 || messages[0].ID != id1 {
		t.Errorf("expected only the first message to remain, got %d", len(messages))
	}
	if env.FileExists("f.txt") {
		t.Error("expected the file gone after reverting its creation")
	}
}

func TestTruncateStopsRunningSubagentTasks(t *testing.T) {
	tasks := NewTaskRegistry(testLogger())
	h := NewHistory(nil, nil, testLogger())

	task := tasks.RegisterSubagent(nil)
	h.OnSubagentTaskStopRequested(func(taskID string) {
		if err := tasks.StopTask(taskID); err != nil {
			t.Errorf("stop on rewind: %v", err)
		}
	})

	h.Append(Message{Role: RoleUser, Blocks: []Block{TextBlock("keep")}})
	h.Append(Message{Role: RoleTool, Blocks: []Block{{
		Kind:     BlockSubagent,
		Subagent: &SubagentBlock{SubagentID: "sub1", AgentType: "explorer", TaskID: task.ID, Status: "running"},
	}}})

	if _, err := h.Truncate(1); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if task.Status() != TaskKilled {
		t.Errorf("expected the subagent task killed, got %s", task.Status())
	}

	// A later explicit stop sees the terminal status.
	err := tasks.StopTask(task.ID)
	var terminal *AlreadyTerminalError
	if !errors.As(err, &terminal) {
		t.Errorf("expected AlreadyTerminalError, got %v", err)
	}
}

func TestSetToolCallLifecycle(t *testing.T) {
	h := NewHistory(nil, nil, testLogger())
	msgID := h.Append(Message{Role: RoleAssistant, Blocks: []Block{{
		Kind:     BlockToolCall,
		ToolCall: &ToolCallBlock{CallID: "call_1", Name: "shell", Stage: StagePending},
	}}})

	if err := h.SetToolCallStage(msgID, "call_1", StageRunning); err != nil {
		t.Fatal(err)
	}
	if err := h.SetToolCallResult(msgID, "call_1", &ToolResult{Success: true, Content: "done"}); err != nil {
		t.Fatal(err)
	}

	block := h.Messages()[0].Blocks[0].ToolCall
	if block.Stage != StageDone {
		t.Errorf("expected done, got %s", block.Stage)
	}
	if block.Result == nil || block.Result.Content != "done" {
		t.Errorf("expected recorded result, got %+v", block.Result)
	}

	err := h.SetToolCallStage(msgID, "call_99", StageRunning)
	var notFound *NotFoundError
	if !errors.As(err, &notFound) {
		t.Errorf("expected NotFoundError for unknown call, got %v", err)
	}
}

func TestSetBlockPlanOnlyOnce(t *testing.T) {
	h := NewHistory(nil, nil, testLogger())
	msgID := h.Append(Message{Role: RoleAssistant, Blocks: []Block{{
		Kind:     BlockToolCall,
		ToolCall: &ToolCallBlock{CallID: "call_1", Name: "exit_plan_mode", Stage: StagePending},
	}}})

	if err := h.SetBlockPlan(msgID, "call_1", "the plan"); err != nil {
		t.Fatal(err)
	}
	if err := h.SetBlockPlan(msgID, "call_1", "another plan"); err == nil {
		t.Fatal("expected second plan injection to fail")
	}
	if got := h.Messages()[0].Blocks[0].ToolCall.Plan; got != "the plan" {
		t.Errorf("expected original plan kept, got %q", got)
	}
}

func TestObserversSeeEveryMutation(t *testing.T) {
	h := NewHistory(nil, nil, testLogger())

	var lengths []int
	h.OnMessagesChange(func(messages []Message) {
		lengths = append(lengths, len(messages))
	})

	h.Append(Message{Role: RoleUser, Blocks: []Block{TextBlock("a")}})
	h.Append(Message{Role: RoleUser, Blocks: []Block{TextBlock("b")}})
	if _, err := h.Truncate(1); err != nil {
		t.Fatal(err)
	}

	if len(lengths) != 3 || lengths[0] != 1 || lengths[1] != 2 || lengths[2] != 1 {
		t.Errorf("expected observer lengths [1 2 1], got %v", lengths)
	}
}

func TestTruncatePersistsToSessionLog(t *testing.T) {
	dir := t.TempDir()
	log, err := NewSessionLog(dir, "sess1", SessionPrimary)
	if err != nil {
		t.Fatal(err)
	}
	h := NewHistory(nil, log, testLogger())

	h.Append(Message{Role: RoleUser, Blocks: []Block{TextBlock("one")}})
	h.Append(Message{Role: RoleUser, Blocks: []Block{TextBlock("two")}})
	if _, err := h.Truncate(1); err != nil {
		t.Fatal(err)
	}

	persisted, err := log.Read()
	if err != nil {
		t.Fatal(err)
	}
	if len(persisted) != 1 || persisted[0].Text() != "one" {
		t.Errorf("expected the rewound log to hold one message, got %d", len(persisted))
	}
}
