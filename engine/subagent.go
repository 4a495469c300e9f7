package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/overseer-ai/overseer/llm"
)

// SubagentConfig describes one delegatable agent type.
type SubagentConfig struct {
	Name         string `yaml:"name"`
	Description  string `yaml:"description"`
	SystemPrompt string `yaml:"system_prompt,omitempty"`
	// Tools is the allowlist of tool names the subagent may use. Nil
	// inherits every parent tool except task, so delegation never nests.
	Tools     []string `yaml:"tools,omitempty"`
	Model     string   `yaml:"model,omitempty"`
	MaxRounds int      `yaml:"max_rounds,omitempty"`
}

// SubagentInstance is one live delegated run: a private history and session
// log, a scoped tool registry, and a session sharing the parent's permission
// engine and task registry.
type SubagentInstance struct {
	ID      string
	Config  SubagentConfig
	History *History
	Tools   *ToolRegistry

	session *Session
	cancel  context.CancelFunc
}

// maxConcurrentSubagents bounds simultaneous delegated runs.
const maxConcurrentSubagents = 8

// SubagentCoordinator creates and runs subagent instances. Background runs
// are registered in the parent task registry, so the parent's history rewind
// and shutdown paths govern them like any other task.
type SubagentCoordinator struct {
	configs     map[string]SubagentConfig
	client      llm.Client
	tools       *ToolRegistry
	permissions *PermissionEngine
	reversion   *ReversionEngine
	tasks       *TaskRegistry
	env         Environment
	hooks       *HookRunner
	parent      *History
	emitter     *EventEmitter
	sessionDir  string
	model       string
	sem         *semaphore.Weighted
	logger      *slog.Logger

	mu        sync.Mutex
	instances map[string]*SubagentInstance
}

// SubagentCoordinatorConfig wires a coordinator's collaborators.
type SubagentCoordinatorConfig struct {
	Configs     []SubagentConfig
	Client      llm.Client
	Tools       *ToolRegistry
	Permissions *PermissionEngine
	Reversion   *ReversionEngine
	Tasks       *TaskRegistry
	Env         Environment
	Hooks       *HookRunner
	Parent      *History
	Emitter     *EventEmitter
	SessionDir  string
	Model       string
	Logger      *slog.Logger
}

// NewSubagentCoordinator creates a coordinator from the configured agent
// types.
func NewSubagentCoordinator(cfg SubagentCoordinatorConfig) *SubagentCoordinator {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	configs := make(map[string]SubagentConfig, len(cfg.Configs))
	for _, c := range cfg.Configs {
		configs[c.Name] = c
	}
	return &SubagentCoordinator{
		configs:     configs,
		client:      cfg.Client,
		tools:       cfg.Tools,
		permissions: cfg.Permissions,
		reversion:   cfg.Reversion,
		tasks:       cfg.Tasks,
		env:         cfg.Env,
		hooks:       cfg.Hooks,
		parent:      cfg.Parent,
		emitter:     cfg.Emitter,
		sessionDir:  cfg.SessionDir,
		model:       cfg.Model,
		sem:         semaphore.NewWeighted(maxConcurrentSubagents),
		logger:      logger,
		instances:   make(map[string]*SubagentInstance),
	}
}

// Types returns the configured agent type names, sorted.
func (c *SubagentCoordinator) Types() []string {
	names := make([]string, 0, len(c.configs))
	for name := range c.configs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Descriptions renders one line per configured agent type, for the task
// tool's description.
func (c *SubagentCoordinator) Descriptions() string {
	out := ""
	for _, name := range c.Types() {
		out += fmt.Sprintf("- %s: %s\n", name, c.configs[name].Description)
	}
	return out
}

// CreateInstance builds a subagent instance for the named agent type.
// parentMessageID keys the instance's file snapshots, so a rewind of the
// spawning message reverts the subagent's mutations too.
func (c *SubagentCoordinator) CreateInstance(agentType, parentMessageID string) (*SubagentInstance, error) {
	cfg, ok := c.configs[agentType]
	if !ok {
		return nil, &NoSuchSubagentError{
			RuntimeError: RuntimeError{Message: fmt.Sprintf("no subagent configuration named %q", agentType)},
			Requested:    agentType,
			Available:    c.Types(),
		}
	}

	id := uuid.New().String()
	log, err := NewSessionLog(c.sessionDir, id, SessionSubagent)
	if err != nil {
		return nil, &TaskDelegationFailedError{RuntimeError{Message: "subagent session log", Cause: err}}
	}

	history := NewHistory(c.reversion, log, c.logger)
	c.forwardSideEffects(history)

	var scoped *ToolRegistry
	if cfg.Tools == nil {
		scoped = c.tools.Scoped(nil, []string{"task"})
	} else {
		scoped = c.tools.Scoped(cfg.Tools, nil)
	}

	model := cfg.Model
	if model == "" {
		model = c.model
	}

	session := NewSession(SessionConfig{
		ID:                id,
		Client:            c.client,
		Model:             model,
		SystemPrompt:      cfg.SystemPrompt,
		MaxRounds:         cfg.MaxRounds,
		Tools:             scoped,
		Permissions:       c.permissions,
		Reversion:         c.reversion,
		Tasks:             c.tasks,
		Env:               c.env,
		Hooks:             c.hooks,
		History:           history,
		Emitter:           c.emitter,
		Logger:            c.logger.With("subagent", agentType, "subagent_id", id),
		WorkingDir:        c.env.WorkingDirectory(),
		SnapshotMessageID: parentMessageID,
	})

	inst := &SubagentInstance{ID: id, Config: cfg, History: history, Tools: scoped, session: session}
	c.mu.Lock()
	c.instances[id] = inst
	c.mu.Unlock()
	return inst, nil
}

// forwardSideEffects mirrors a subagent's diff and file-history blocks into
// the parent history so the parent surfaces every file mutation live.
func (c *SubagentCoordinator) forwardSideEffects(child *History) {
	if c.parent == nil {
		return
	}
	seen := 0
	var mu sync.Mutex
	child.OnMessagesChange(func(messages []Message) {
		mu.Lock()
		start := seen
		if len(messages) > seen {
			seen = len(messages)
		}
		mu.Unlock()

		for _, msg := range messages[start:] {
			var forwarded []Block
			for _, b := range msg.Blocks {
				if b.Kind == BlockDiff || b.Kind == BlockFileHistory {
					forwarded = append(forwarded, b)
				}
			}
			if len(forwarded) > 0 {
				c.parent.Append(Message{Role: RoleTool, Blocks: forwarded})
			}
		}
	})
}

// ExecuteTask runs prompt on the instance. A foreground run blocks and
// returns the subagent's final text. A background run registers a task in
// the parent registry and returns its task id immediately; the result is
// retrieved through the registry.
func (c *SubagentCoordinator) ExecuteTask(ctx context.Context, inst *SubagentInstance, prompt string, background bool) (string, error) {
	if !background {
		if err := c.sem.Acquire(ctx, 1); err != nil {
			return "", newAborted(err)
		}
		defer c.sem.Release(1)
		return c.run(ctx, inst, prompt)
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	inst.cancel = cancel
	task := c.tasks.RegisterSubagent(cancel)

	go func() {
		defer cancel()
		if err := c.sem.Acquire(runCtx, 1); err != nil {
			c.tasks.FinishSubagent(task.ID, fmt.Sprintf("subagent aborted: %v", err))
			return
		}
		defer c.sem.Release(1)

		result, err := c.run(runCtx, inst, prompt)
		if err != nil {
			result = fmt.Sprintf("subagent failed: %v", err)
		}
		if !c.tasks.FinishSubagent(task.ID, result) {
			c.logger.Debug("subagent task already terminal", "task_id", task.ID)
		}
	}()

	return task.ID, nil
}

func (c *SubagentCoordinator) run(ctx context.Context, inst *SubagentInstance, prompt string) (string, error) {
	final, err := inst.session.SendMessage(ctx, prompt)
	if err != nil {
		return "", &TaskDelegationFailedError{RuntimeError{
			Message: fmt.Sprintf("subagent %s (%s)", inst.Config.Name, inst.ID),
			Cause:   err,
		}}
	}
	return final.Text(), nil
}

// Get returns a live instance by id.
func (c *SubagentCoordinator) Get(id string) (*SubagentInstance, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	inst, ok := c.instances[id]
	return inst, ok
}
