package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// TaskKind discriminates between background task types.
type TaskKind string

const (
	TaskShell    TaskKind = "shell"
	TaskSubagent TaskKind = "subagent"
)

// TaskStatus is the lifecycle state of a background task. Transitions are
// monotonic: running is the only non-terminal state.
type TaskStatus string

const (
	TaskRunning   TaskStatus = "running"
	TaskCompleted TaskStatus = "completed"
	TaskKilled    TaskStatus = "killed"
	TaskTimedOut  TaskStatus = "timedOut"
)

// Terminal reports whether the status is final.
func (s TaskStatus) Terminal() bool { return s != TaskRunning }

// Task tracks one background unit of work. Completed tasks stay queryable
// until explicit cleanup.
type Task struct {
	ID        string
	Kind      TaskKind
	StartTime time.Time

	mu     sync.Mutex
	status TaskStatus
	result string
	proc   *Process
	stop   func()
	done   chan struct{}
}

// Status returns the current status.
func (t *Task) Status() TaskStatus {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

// Output returns the output captured so far: live process output for shell
// tasks, the final result for subagent tasks.
func (t *Task) Output() string {
	t.mu.Lock()
	proc := t.proc
	result := t.result
	t.mu.Unlock()
	if proc != nil {
		return proc.Output()
	}
	return result
}

// Done returns a channel closed when the task reaches a terminal status.
func (t *Task) Done() <-chan struct{} { return t.done }

// transition moves the task to a terminal status. It returns false if the
// task is already terminal; whichever transition lands first wins.
func (t *Task) transition(to TaskStatus, result string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.status.Terminal() {
		return false
	}
	t.status = to
	if result != "" {
		t.result = result
	}
	close(t.done)
	return true
}

// TaskRegistry tracks long-running shell commands and subagent runs. It is
// the single shared, mutation-guarded structure between the agent loop, the
// tool registry, and the subagent coordinator.
type TaskRegistry struct {
	mu     sync.Mutex
	tasks  map[string]*Task
	next   atomic.Int64
	logger *slog.Logger
}

// NewTaskRegistry creates an empty registry.
func NewTaskRegistry(logger *slog.Logger) *TaskRegistry {
	if logger == nil {
		logger = slog.Default()
	}
	return &TaskRegistry{tasks: make(map[string]*Task), logger: logger}
}

// nextID allocates a monotonically increasing task id, never reused within
// the process lifetime, so stale references fail with NotFound instead of
// aliasing a different task.
func (r *TaskRegistry) nextID() string {
	return fmt.Sprintf("task_%d", r.next.Add(1))
}

// StartShell starts command in the background and returns its task id.
// timeoutMs of 0 means no deadline.
func (r *TaskRegistry) StartShell(env Environment, command, workingDir string, timeoutMs int) (string, error) {
	proc, err := env.StartCommand(command, workingDir)
	if err != nil {
		return "", err
	}
	return r.AdoptProcess(proc, timeoutMs), nil
}

// AdoptProcess takes ownership of a live process handle, assigns it a task
// id, and monitors it to completion. This is the foreground→background
// handoff: no restart occurs, only a change in who owns continued
// monitoring.
func (r *TaskRegistry) AdoptProcess(proc *Process, timeoutMs int) string {
	task := &Task{
		ID:        r.nextID(),
		Kind:      TaskShell,
		StartTime: time.Now(),
		status:    TaskRunning,
		proc:      proc,
		stop:      func() { _ = proc.Kill() },
		done:      make(chan struct{}),
	}

	r.mu.Lock()
	r.tasks[task.ID] = task
	r.mu.Unlock()

	go r.monitorProcess(task, proc, timeoutMs)
	r.logger.Debug("task adopted", "task_id", task.ID, "command", proc.Command)
	return task.ID
}

func (r *TaskRegistry) monitorProcess(task *Task, proc *Process, timeoutMs int) {
	var deadline <-chan time.Time
	if timeoutMs > 0 {
		timer := time.NewTimer(time.Duration(timeoutMs) * time.Millisecond)
		defer timer.Stop()
		deadline = timer.C
	}

	select {
	case <-proc.Done():
		if proc.Killed() {
			task.transition(TaskKilled, "")
		} else {
			task.transition(TaskCompleted, "")
		}
	case <-deadline:
		if task.transition(TaskTimedOut, "") {
			_ = proc.Kill()
		}
	}
}

// RegisterSubagent registers a running subagent as a background task. The
// caller finishes it via FinishSubagent; stop is invoked on kill.
func (r *TaskRegistry) RegisterSubagent(stop func()) *Task {
	task := &Task{
		ID:        r.nextID(),
		Kind:      TaskSubagent,
		StartTime: time.Now(),
		status:    TaskRunning,
		stop:      stop,
		done:      make(chan struct{}),
	}
	r.mu.Lock()
	r.tasks[task.ID] = task
	r.mu.Unlock()
	r.logger.Debug("subagent task registered", "task_id", task.ID)
	return task
}

// FinishSubagent records a subagent task's completion. Returns false if the
// task already reached a terminal status (for example it was killed by a
// history rewind while running).
func (r *TaskRegistry) FinishSubagent(id, result string) bool {
	task, err := r.Get(id)
	if err != nil {
		return false
	}
	return task.transition(TaskCompleted, result)
}

// Get returns a task by id. Unknown ids fail with NotFound.
func (r *TaskRegistry) Get(id string) (*Task, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	task, ok := r.tasks[id]
	if !ok {
		return nil, &NotFoundError{RuntimeError: RuntimeError{Message: fmt.Sprintf("unknown task %s", id)}, ID: id}
	}
	return task, nil
}

// StopTask kills a running task. Stopping an already-terminal task fails
// with AlreadyTerminal rather than silently succeeding.
func (r *TaskRegistry) StopTask(id string) error {
	task, err := r.Get(id)
	if err != nil {
		return err
	}
	if !task.transition(TaskKilled, "") {
		return &AlreadyTerminalError{
			RuntimeError: RuntimeError{Message: fmt.Sprintf("task %s is already %s", id, task.Status())},
			ID:           id,
			Status:       task.Status(),
		}
	}
	if task.stop != nil {
		task.stop()
	}
	r.logger.Debug("task stopped", "task_id", id)
	return nil
}

// Peek returns the task's output and status without blocking.
func (r *TaskRegistry) Peek(id string) (string, TaskStatus, error) {
	task, err := r.Get(id)
	if err != nil {
		return "", "", err
	}
	return task.Output(), task.Status(), nil
}

// Poll blocks until the task reaches a terminal status, the timeout
// elapses, or ctx is cancelled. Every exit path unregisters its timers and
// cancellation listeners. A zero or negative timeout is capped at 30s.
func (r *TaskRegistry) Poll(ctx context.Context, id string, timeout time.Duration) (string, TaskStatus, error) {
	task, err := r.Get(id)
	if err != nil {
		return "", "", err
	}

	if timeout <= 0 || timeout > 30*time.Second {
		timeout = 30 * time.Second
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-task.Done():
		return task.Output(), task.Status(), nil
	case <-timer.C:
		return task.Output(), task.Status(), newTimedOut(fmt.Sprintf("poll for %s", id))
	case <-ctx.Done():
		return "", "", newAborted(ctx.Err())
	}
}

// List returns snapshots of all tracked tasks, ordered by id.
func (r *TaskRegistry) List() []*Task {
	r.mu.Lock()
	defer r.mu.Unlock()
	tasks := make([]*Task, 0, len(r.tasks))
	for _, t := range r.tasks {
		tasks = append(tasks, t)
	}
	sort.Slice(tasks, func(i, j int) bool { return taskSeq(tasks[i].ID) < taskSeq(tasks[j].ID) })
	return tasks
}

// taskSeq extracts the numeric suffix of a task id so task_10 sorts after
// task_2.
func taskSeq(id string) int {
	n, _ := strconv.Atoi(strings.TrimPrefix(id, "task_"))
	return n
}

// Cleanup terminates every still-running task (best effort) and removes all
// tasks from the registry. Used at runtime shutdown.
func (r *TaskRegistry) Cleanup() {
	r.mu.Lock()
	tasks := make([]*Task, 0, len(r.tasks))
	for _, t := range r.tasks {
		tasks = append(tasks, t)
	}
	r.tasks = make(map[string]*Task)
	r.mu.Unlock()

	for _, t := range tasks {
		if t.transition(TaskKilled, "") && t.stop != nil {
			t.stop()
		}
	}
}
