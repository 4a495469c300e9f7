package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/overseer-ai/overseer/llm"
)

const (
	defaultMaxRounds     = 40
	defaultContextWindow = 200_000
)

// SessionConfig wires a session's collaborators.
type SessionConfig struct {
	ID           string
	Client       llm.Client
	Model        string
	SystemPrompt string
	// MaxRounds bounds tool rounds per user message. Zero means the default.
	MaxRounds     int
	ContextWindow int

	Tools       *ToolRegistry
	Permissions *PermissionEngine
	Reversion   *ReversionEngine
	Tasks       *TaskRegistry
	Subagents   *SubagentCoordinator
	Env         Environment
	Hooks       *HookRunner
	History     *History
	Emitter     *EventEmitter
	Tokens      *TokenCounter
	Logger      *slog.Logger
	WorkingDir  string

	// SnapshotMessageID, when set, keys every file snapshot of this session
	// to a foreign message id instead of the current assistant message. Used
	// for subagent runs so a parent rewind reverts the subagent's mutations.
	SnapshotMessageID string
}

// Session drives the agent loop: send a user message, call the model,
// dispatch tool calls, feed results back, and repeat until the model answers
// with no tool calls.
type Session struct {
	cfg    SessionConfig
	logger *slog.Logger

	turnMu sync.Mutex

	bgMu sync.Mutex
	bgCh chan struct{}
}

// NewSession creates a session. History, Tools, Permissions, and Client are
// required; the rest default sensibly.
func NewSession(cfg SessionConfig) *Session {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.MaxRounds <= 0 {
		cfg.MaxRounds = defaultMaxRounds
	}
	if cfg.ContextWindow <= 0 {
		cfg.ContextWindow = defaultContextWindow
	}
	return &Session{cfg: cfg, logger: cfg.Logger}
}

// ID returns the session id.
func (s *Session) ID() string { return s.cfg.ID }

// History returns the session's history.
func (s *Session) History() *History { return s.cfg.History }

// MoveToBackground asks the currently running foreground shell command, if
// any, to hand its process to the task registry. The command is not
// restarted. The request targets at most one command; with no command
// running it is dropped.
func (s *Session) MoveToBackground() {
	s.bgMu.Lock()
	defer s.bgMu.Unlock()
	if s.bgCh != nil {
		select {
		case <-s.bgCh:
		default:
			close(s.bgCh)
		}
	}
}

// backgroundSignal returns the channel the next tool call watches for a
// background request, replacing one an earlier handoff consumed. Without the
// replacement a single request would background every later command in the
// turn.
func (s *Session) backgroundSignal() <-chan struct{} {
	s.bgMu.Lock()
	defer s.bgMu.Unlock()
	select {
	case <-s.bgCh:
		s.bgCh = make(chan struct{})
	default:
	}
	return s.bgCh
}

func (s *Session) emit(kind EventKind, data map[string]any) {
	if s.cfg.Emitter != nil {
		s.cfg.Emitter.Emit(kind, data)
	}
}

// SendMessage runs one full turn: the user message, any number of tool
// rounds, and the model's final answer. A session processes one turn at a
// time; concurrent calls fail rather than interleave.
func (s *Session) SendMessage(ctx context.Context, userText string) (*Message, error) {
	if !s.turnMu.TryLock() {
		return nil, &RuntimeError{Message: "a turn is already in progress"}
	}
	defer s.turnMu.Unlock()

	s.bgMu.Lock()
	s.bgCh = make(chan struct{})
	s.bgMu.Unlock()

	s.cfg.History.Append(Message{Role: RoleUser, Blocks: []Block{TextBlock(userText)}})
	s.emit(EventUserInput, map[string]any{"text": userText})

	for round := 0; ; round++ {
		if ctx.Err() != nil {
			return nil, newAborted(ctx.Err())
		}

		resp, err := s.cfg.Client.CallAgent(ctx, s.buildRequest())
		if err != nil {
			if ctx.Err() != nil {
				return nil, newAborted(ctx.Err())
			}
			return nil, fmt.Errorf("model call: %w", err)
		}

		msg := s.assistantMessage(resp)
		msgID := s.cfg.History.Append(msg)
		msg.ID = msgID
		if resp.Content != "" {
			s.emit(EventAssistantText, map[string]any{"text": resp.Content})
		}

		if len(resp.ToolCalls) == 0 {
			s.warnTokenUsage()
			return &msg, nil
		}

		if round+1 >= s.cfg.MaxRounds {
			s.emit(EventRoundLimit, map[string]any{"rounds": round + 1})
			s.logger.Warn("tool round limit reached", "rounds", round+1)
			s.settleBlocks(msgID, resp.ToolCalls, "tool round limit reached")
			return &msg, nil
		}

		if err := s.dispatchCalls(ctx, msgID, resp.ToolCalls); err != nil {
			return nil, err
		}
		s.warnTokenUsage()
	}
}

// assistantMessage converts a model response into a history message with one
// pending tool block per call.
func (s *Session) assistantMessage(resp *llm.Response) Message {
	var blocks []Block
	if resp.Content != "" {
		blocks = append(blocks, TextBlock(resp.Content))
	}
	for _, call := range resp.ToolCalls {
		blocks = append(blocks, Block{Kind: BlockToolCall, ToolCall: &ToolCallBlock{
			CallID: call.ID,
			Name:   call.Function.Name,
			Args:   json.RawMessage(call.Function.Arguments),
			Stage:  StagePending,
		}})
	}
	return Message{Role: RoleAssistant, Blocks: blocks}
}

// dispatchCalls runs the round's tool calls, in parallel when every call's
// tool declares itself concurrency-safe, sequentially otherwise. Whatever
// path exits, every tool block of the round ends in the done stage.
func (s *Session) dispatchCalls(ctx context.Context, msgID string, calls []llm.ToolCall) error {
	if len(calls) > 1 && s.allConcurrencySafe(calls) {
		g, gctx := errgroup.WithContext(ctx)
		for _, call := range calls {
			call := call
			g.Go(func() error {
				return s.runCall(gctx, msgID, call)
			})
		}
		err := g.Wait()
		if err != nil {
			s.settleBlocks(msgID, calls, "not executed: a parallel call failed")
		}
		return err
	}

	for i, call := range calls {
		if err := s.runCall(ctx, msgID, call); err != nil {
			s.settleBlocks(msgID, calls[i:], "not executed: an earlier call failed")
			return err
		}
	}
	return nil
}

func (s *Session) allConcurrencySafe(calls []llm.ToolCall) bool {
	for _, call := range calls {
		tool := s.cfg.Tools.Get(call.Function.Name)
		cs, ok := tool.(ConcurrencySafe)
		if tool == nil || !ok || !cs.ConcurrencySafe() {
			return false
		}
	}
	return true
}

// runCall executes one tool call and records its result. Malformed calls
// (unknown tool, invalid arguments) become failed results the model can see;
// permission-machinery failures and aborts are hard errors.
func (s *Session) runCall(ctx context.Context, msgID string, call llm.ToolCall) error {
	name := call.Function.Name
	if err := s.cfg.History.SetToolCallStage(msgID, call.ID, StageRunning); err != nil {
		s.logger.Warn("tool block stage update failed", "call_id", call.ID, "error", err)
	}
	s.emit(EventToolCallStart, map[string]any{"tool": name, "call_id": call.ID})

	tc := &ToolContext{
		Permissions:         s.cfg.Permissions,
		Reversion:           s.cfg.Reversion,
		Tasks:               s.cfg.Tasks,
		Subagents:           s.cfg.Subagents,
		Env:                 s.cfg.Env,
		History:             s.cfg.History,
		Hooks:               s.cfg.Hooks,
		MessageID:           msgID,
		CallID:              call.ID,
		WorkingDir:          s.cfg.WorkingDir,
		Logger:              s.logger,
		BackgroundRequested: s.backgroundSignal(),
	}
	if s.cfg.SnapshotMessageID != "" {
		tc.MessageID = s.cfg.SnapshotMessageID
	}

	result, err := s.cfg.Tools.Execute(ctx, name, json.RawMessage(call.Function.Arguments), tc)
	if err != nil {
		var notFound *ToolNotFoundError
		var badArgs *InvalidArgumentsError
		if errors.As(err, &notFound) || errors.As(err, &badArgs) {
			result = &ToolResult{Success: false, Error: err.Error()}
		} else {
			s.recordResult(msgID, call.ID, &ToolResult{Success: false, Error: err.Error()})
			return err
		}
	}

	s.recordResult(msgID, call.ID, result)
	return nil
}

func (s *Session) recordResult(msgID, callID string, result *ToolResult) {
	if err := s.cfg.History.SetToolCallResult(msgID, callID, result); err != nil {
		s.logger.Warn("tool block result update failed", "call_id", callID, "error", err)
	}
	s.emit(EventToolCallEnd, map[string]any{"call_id": callID, "success": result.Success})
}

// settleBlocks marks every still-pending block of the round done with the
// given failure reason, so no block is left half-written.
func (s *Session) settleBlocks(msgID string, calls []llm.ToolCall, reason string) {
	for _, msg := range s.cfg.History.Messages() {
		if msg.ID != msgID {
			continue
		}
		for _, b := range msg.Blocks {
			if b.Kind != BlockToolCall || b.ToolCall == nil || b.ToolCall.Stage == StageDone {
				continue
			}
			for _, call := range calls {
				if call.ID == b.ToolCall.CallID {
					s.recordResult(msgID, call.ID, &ToolResult{Success: false, Error: reason})
				}
			}
		}
	}
}

// buildRequest converts the history into the transport request. Tool results
// travel as tool-role messages keyed by call id. In plan mode a reminder is
// appended to the system prompt naming the plan file.
func (s *Session) buildRequest() llm.Request {
	systemPrompt := s.cfg.SystemPrompt
	if s.cfg.Permissions != nil {
		if mode, planFile := s.cfg.Permissions.Mode(); mode == ModePlan {
			systemPrompt += fmt.Sprintf(
				"\n\nYou are in plan mode. Research and write your plan to %s; no other file may be created, edited, or deleted. Call exit_plan_mode when the plan is ready.",
				planFile)
		}
	}

	var messages []llm.Message
	for _, msg := range s.cfg.History.Messages() {
		switch msg.Role {
		case RoleUser:
			messages = append(messages, llm.UserMessage(msg.Text()))
		case RoleAssistant:
			var calls []llm.ToolCall
			var results []llm.Message
			for _, b := range msg.Blocks {
				if b.Kind != BlockToolCall || b.ToolCall == nil {
					continue
				}
				calls = append(calls, llm.ToolCall{
					ID:       b.ToolCall.CallID,
					Function: llm.FunctionCall{Name: b.ToolCall.Name, Arguments: string(b.ToolCall.Args)},
				})
				if b.ToolCall.Stage == StageDone && b.ToolCall.Result != nil {
					content := b.ToolCall.Result.Content
					isError := !b.ToolCall.Result.Success
					if isError {
						content = b.ToolCall.Result.Error
					}
					content = TruncateToolOutput(content, b.ToolCall.Name)
					results = append(results, llm.ToolResultMessage(b.ToolCall.CallID, content, isError))
				}
			}
			messages = append(messages, llm.AssistantMessage(msg.Text(), calls))
			messages = append(messages, results...)
		}
	}

	return llm.Request{
		Model:        s.cfg.Model,
		SystemPrompt: systemPrompt,
		Messages:     messages,
		Tools:        s.toolDefinitions(),
	}
}

func (s *Session) toolDefinitions() []llm.ToolDefinition {
	defs := s.cfg.Tools.Definitions()
	out := make([]llm.ToolDefinition, len(defs))
	for i, d := range defs {
		out[i] = llm.ToolDefinition{Name: d.Name, Description: d.Description, Parameters: d.Parameters}
	}
	return out
}

// warnTokenUsage emits a warning event once the history passes 80% of the
// context window.
func (s *Session) warnTokenUsage() {
	if s.cfg.Tokens == nil {
		return
	}
	used := s.cfg.Tokens.CountMessages(s.cfg.History.Messages())
	if used*10 >= s.cfg.ContextWindow*8 {
		s.emit(EventWarning, map[string]any{
			"reason":         "context window nearly full",
			"tokens_used":    used,
			"context_window": s.cfg.ContextWindow,
		})
	}
}
