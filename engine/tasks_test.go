package engine

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestTaskIDsAreMonotonicAndNeverReused(t *testing.T) {
	r := NewTaskRegistry(testLogger())

	task1 := r.RegisterSubagent(nil)
	task2 := r.RegisterSubagent(nil)
	if task1.ID == task2.ID {
		t.Fatalf("task ids must be unique, got %s twice", task1.ID)
	}
	if task1.ID != "task_1" || task2.ID != "task_2" {
		t.Errorf("expected task_1 and task_2, got %s and %s", task1.ID, task2.ID)
	}

	r.FinishSubagent(task1.ID, "done")
	// A later task never reuses a prior id, finished or not.
	task3 := r.RegisterSubagent(nil)
	if task3.ID != "task_3" {
		t.Errorf("expected task_3, got %s", task3.ID)
	}
}

func TestStopTaskTwiceIsAlreadyTerminal(t *testing.T) {
	r := NewTaskRegistry(testLogger())

	stopped := 0
	task := r.RegisterSubagent(func() { stopped++ })

	if err := r.StopTask(task.ID); err != nil {
		t.Fatalf("first stop: %v", err)
	}
	if stopped != 1 {
		t.Errorf("expected stop callback once, got %d", stopped)
	}
	if task.Status() != TaskKilled {
		t.Errorf("expected killed, got %s", task.Status())
	}

	err := r.StopTask(task.ID)
	var terminal *AlreadyTerminalError
	if !errors.As(err, &terminal) {
		t.Fatalf("expected AlreadyTerminalError, got %v", err)
	}
	if terminal.Status != TaskKilled {
		t.Errorf("expected killed in error, got %s", terminal.Status)
	}
	if stopped != 1 {
		t.Errorf("stop callback must not run again, got %d", stopped)
	}
}

func TestFinishAfterKillLosesTheRace(t *testing.T) {
	r := NewTaskRegistry(testLogger())
	task := r.RegisterSubagent(nil)

	if err := r.StopTask(task.ID); err != nil {
		t.Fatal(err)
	}
	if r.FinishSubagent(task.ID, "late result") {
		t.Error("finish after kill must report false")
	}
	if task.Status() != TaskKilled {
		t.Errorf("terminal status must not change, got %s", task.Status())
	}
}

func TestGetUnknownTaskIsNotFound(t *testing.T) {
	r := NewTaskRegistry(testLogger())

	_, err := r.Get("task_99")
	var notFound *NotFoundError
	if !errors.As(err, &notFound) {
		t.Fatalf("expected NotFoundError, got %v", err)
	}
}

func TestAdoptProcessMonitorsToCompletion(t *testing.T) {
	env := NewLocalEnvironment(t.TempDir())
	r := NewTaskRegistry(testLogger())

	proc, err := env.StartCommand("echo adopted", "")
	if err != nil {
		t.Fatal(err)
	}
	id := r.AdoptProcess(proc, 0)

	output, status, err := r.Poll(context.Background(), id, 5*time.Second)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if status != TaskCompleted {
		t.Errorf("expected completed, got %s", status)
	}
	if output != "adopted\n" {
		t.Errorf("expected captured output, got %q", output)
	}
}

func TestStartShellAndPeek(t *testing.T) {
	env := NewLocalEnvironment(t.TempDir())
	r := NewTaskRegistry(testLogger())

	id, err := r.StartShell(env, "sleep 5", "", 0)
	if err != nil {
		t.Fatal(err)
	}
	_, status, err := r.Peek(id)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if status != TaskRunning {
		t.Errorf("expected running, got %s", status)
	}
	if err := r.StopTask(id); err != nil {
		t.Fatal(err)
	}
}

func TestPollTimeoutReturnsPartialOutput(t *testing.T) {
	env := NewLocalEnvironment(t.TempDir())
	r := NewTaskRegistry(testLogger())

	id, err := r.StartShell(env, "echo partial; sleep 10", "", 0)
	if err != nil {
		t.Fatal(err)
	}
	defer r.Cleanup()

	// Give the process a moment to emit its line.
	deadline := time.Now().Add(3 * time.Second)
	for {
		out, _, _ := r.Peek(id)
		if out != "" || time.Now().After(deadline) {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	output, status, err := r.Poll(context.Background(), id, 100*time.Millisecond)
	var timedOut *TimedOutError
	if !errors.As(err, &timedOut) {
		t.Fatalf("expected TimedOutError, got %v", err)
	}
	if status != TaskRunning {
		t.Errorf("expected still running, got %s", status)
	}
	if output != "partial\n" {
		t.Errorf("expected partial output, got %q", output)
	}
}

func TestPollCancellation(t *testing.T) {
	r := NewTaskRegistry(testLogger())
	task := r.RegisterSubagent(nil)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, _, err := r.Poll(ctx, task.ID, 10*time.Second)
	var aborted *AbortedError
	if !errors.As(err, &aborted) {
		t.Fatalf("expected AbortedError, got %v", err)
	}
}

func TestProcessTimeoutTransition(t *testing.T) {
	env := NewLocalEnvironment(t.TempDir())
	r := NewTaskRegistry(testLogger())

	proc, err := env.StartCommand("sleep 10", "")
	if err != nil {
		t.Fatal(err)
	}
	id := r.AdoptProcess(proc, 50)

	_, status, err := r.Poll(context.Background(), id, 5*time.Second)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if status != TaskTimedOut {
		t.Errorf("expected timedOut, got %s", status)
	}
}

func TestCleanupKillsRunningTasks(t *testing.T) {
	r := NewTaskRegistry(testLogger())

	stopped := 0
	task := r.RegisterSubagent(func() { stopped++ })
	r.Cleanup()

	if stopped != 1 {
		t.Errorf("expected stop callback, got %d", stopped)
	}
	if task.Status() != TaskKilled {
		t.Errorf("expected killed, got %s", task.Status())
	}
	if _, err := r.Get(task.ID); err == nil {
		t.Error("expected task removed from registry")
	}
}

func TestListOrdersNumericallyByID(t *testing.T) {
	r := NewTaskRegistry(testLogger())
	// Enough tasks that a lexicographic sort would put task_10 before task_2.
	for i := 0; i < 11; i++ {
		r.RegisterSubagent(nil)
	}

	// Start times carry no ordering guarantee; scramble one to prove the
	// sort keys on the id.
	last, err := r.Get("task_11")
	if err != nil {
		t.Fatal(err)
	}
	last.StartTime = time.Time{}

	tasks := r.List()
	if len(tasks) != 11 {
		t.Fatalf("expected 11 tasks, got %d", len(tasks))
	}
	for i, task := range tasks {
		if want := fmt.Sprintf("task_%d", i+1); task.ID != want {
			t.Errorf("position %d: expected %s, got %s", i, want, task.ID)
		}
	}
}
