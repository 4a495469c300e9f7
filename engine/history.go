package engine

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Role identifies who produced a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// BlockKind discriminates between block variants.
type BlockKind string

const (
	BlockText        BlockKind = "text"
	BlockToolCall    BlockKind = "tool_call"
	BlockDiff        BlockKind = "diff"
	BlockSubagent    BlockKind = "subagent"
	BlockFileHistory BlockKind = "file_history"
)

// ToolCallStage tracks a tool block's lifecycle. Stage transitions are the
// only mutation allowed on an appended tool block, besides the one permitted
// plan-text injection.
type ToolCallStage string

const (
	StagePending ToolCallStage = "pending"
	StageRunning ToolCallStage = "running"
	StageDone    ToolCallStage = "done"
)

// ToolCallBlock records one tool call and, once done, its result.
type ToolCallBlock struct {
	CallID string          `json:"call_id"`
	Name   string          `json:"name"`
	Args   json.RawMessage `json:"args"`
	Stage  ToolCallStage   `json:"stage"`
	Result *ToolResult     `json:"result,omitempty"`
	// Plan holds the plan text injected into an exit-plan-mode block prior
	// to its permission decision. Set at most once.
	Plan string `json:"plan,omitempty"`
}

// DiffBlock records a file change for display.
type DiffBlock struct {
	Path  string   `json:"path"`
	Hunks []string `json:"hunks"`
}

// SubagentBlock records a delegated subagent run.
type SubagentBlock struct {
	SubagentID string `json:"subagent_id"`
	AgentType  string `json:"agent_type"`
	TaskID     string `json:"task_id,omitempty"`
	Status     string `json:"status"`
}

// FileHistoryBlock references snapshots recorded for this message.
type FileHistoryBlock struct {
	SnapshotIDs []string `json:"snapshot_ids"`
}

// Block is a tagged variant within a message.
type Block struct {
	Kind        BlockKind         `json:"kind"`
	Text        string            `json:"text,omitempty"`
	ToolCall    *ToolCallBlock    `json:"tool_call,omitempty"`
	Diff        *DiffBlock        `json:"diff,omitempty"`
	Subagent    *SubagentBlock    `json:"subagent,omitempty"`
	FileHistory *FileHistoryBlock `json:"file_history,omitempty"`
}

// TextBlock creates a text block.
func TextBlock(text string) Block { return Block{Kind: BlockText, Text: text} }

// Message is one entry in a conversation history.
type Message struct {
	ID        string    `json:"id"`
	Role      Role      `json:"role"`
	Blocks    []Block   `json:"blocks"`
	Timestamp time.Time `json:"timestamp"`
}

// Text returns the concatenated text content of a message.
func (m Message) Text() string {
	out := ""
	for _, b := range m.Blocks {
		if b.Kind == BlockText {
			if out != "" {
				out += "\n"
			}
			out += b.Text
		}
	}
	return out
}

// MessagesObserver is invoked synchronously after each committed history
// mutation with the current messages.
type MessagesObserver func(messages []Message)

// SubagentStopObserver is invoked for each running subagent task whose
// originating block is about to be truncated. It must stop the task before
// returning; truncation is not complete until every observer has run.
type SubagentStopObserver func(taskID string)

// History is the append-only message manager. Appends are strictly ordered;
// the only structural mutation is Truncate, which removes messages from an
// index forward and undoes their file mutations.
type History struct {
	mu            sync.Mutex
	messages      []Message
	reversion     *ReversionEngine
	log           *SessionLog
	observers     []MessagesObserver
	stopObservers []SubagentStopObserver
	logger        *slog.Logger
}

// NewHistory creates a history. reversion and log may be nil (no reversion
// integration / no persistence).
func NewHistory(reversion *ReversionEngine, log *SessionLog, logger *slog.Logger) *History {
	if logger == nil {
		logger = slog.Default()
	}
	return &History{reversion: reversion, log: log, logger: logger}
}

// OnMessagesChange registers an observer invoked after each committed
// mutation.
func (h *History) OnMessagesChange(obs MessagesObserver) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.observers = append(h.observers, obs)
}

// OnSubagentTaskStopRequested registers the observer that stops background
// subagent tasks during truncation.
func (h *History) OnSubagentTaskStopRequested(obs SubagentStopObserver) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.stopObservers = append(h.stopObservers, obs)
}

// Append adds a message, assigning an id and timestamp if absent, persists
// it to the session log, and notifies observers. Returns the message id.
func (h *History) Append(msg Message) string {
	h.mu.Lock()
	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	h.messages = append(h.messages, msg)
	snapshot := h.copyMessagesLocked()
	log := h.log
	observers := append([]MessagesObserver(nil), h.observers...)
	h.mu.Unlock()

	if log != nil {
		if err := log.Append(msg); err != nil {
			h.logger.Warn("session log append failed", "error", err)
		}
	}
	for _, obs := range observers {
		obs(snapshot)
	}
	return msg.ID
}

// Messages returns a copy of the history.
func (h *History) Messages() []Message {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.copyMessagesLocked()
}

// Len returns the number of messages.
func (h *History) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.messages)
}

func (h *History) copyMessagesLocked() []Message {
	out := make([]Message, len(h.messages))
	copy(out, h.messages)
	return out
}

// SetToolCallStage transitions a tool block's stage.
func (h *History) SetToolCallStage(messageID, callID string, stage ToolCallStage) error {
	return h.updateToolBlock(messageID, callID, func(b *ToolCallBlock) error {
		b.Stage = stage
		return nil
	})
}

// SetToolCallResult records a tool call's result and marks it done.
func (h *History) SetToolCallResult(messageID, callID string, result *ToolResult) error {
	return h.updateToolBlock(messageID, callID, func(b *ToolCallBlock) error {
		b.Result = result
		b.Stage = StageDone
		return nil
	})
}

// SetBlockPlan injects plan text into a tool block. Permitted exactly once,
// prior to the block's permission decision.
func (h *History) SetBlockPlan(messageID, callID, plan string) error {
	return h.updateToolBlock(messageID, callID, func(b *ToolCallBlock) error {
		if b.Plan != "" {
			return fmt.Errorf("plan already injected into block %s", callID)
		}
		b.Plan = plan
		return nil
	})
}

func (h *History) updateToolBlock(messageID, callID string, fn func(*ToolCallBlock) error) error {
	h.mu.Lock()
	var target *ToolCallBlock
	for i := range h.messages {
		if h.messages[i].ID != messageID {
			continue
		}
		for j := range h.messages[i].Blocks {
			b := &h.messages[i].Blocks[j]
			if b.Kind == BlockToolCall && b.ToolCall != nil && b.ToolCall.CallID == callID {
				target = b.ToolCall
			}
		}
	}
	if target == nil {
		h.mu.Unlock()
		return &NotFoundError{RuntimeError: RuntimeError{Message: fmt.Sprintf("no tool block %s in message %s", callID, messageID)}, ID: callID}
	}
	err := fn(target)
	snapshot := h.copyMessagesLocked()
	observers := append([]MessagesObserver(nil), h.observers...)
	h.mu.Unlock()

	if err != nil {
		return err
	}
	for _, obs := range observers {
		obs(snapshot)
	}
	return nil
}

// Truncate removes messages from index forward, stops any running subagent
// tasks whose blocks are being removed, reverts the removed messages' file
// mutations (latest first), and rewrites the session log. Returns the count
// of restored files. An index outside [0, length) fails with InvalidIndex
// and changes nothing.
func (h *History) Truncate(index int) (int, error) {
	h.mu.Lock()
	if index < 0 || index >= len(h.messages) {
		length := len(h.messages)
		h.mu.Unlock()
		return 0, &InvalidIndexError{
			RuntimeError: RuntimeError{Message: fmt.Sprintf("truncate index %d out of range [0, %d)", index, length)},
			Index:        index,
			Length:       length,
		}
	}

	removed := h.messages[index:]
	removedIDs := make([]string, len(removed))
	var taskIDs []string
	for i, msg := range removed {
		removedIDs[i] = msg.ID
		for _, b := range msg.Blocks {
			if b.Kind == BlockSubagent && b.Subagent != nil && b.Subagent.TaskID != "" {
				taskIDs = append(taskIDs, b.Subagent.TaskID)
			}
		}
	}
	stopObservers := append([]SubagentStopObserver(nil), h.stopObservers...)
	h.mu.Unlock()

	// Running subagent tasks must be stopped before the truncation is
	// considered complete.
	for _, taskID := range taskIDs {
		for _, obs := range stopObservers {
			obs(taskID)
		}
	}

	h.mu.Lock()
	h.messages = h.messages[:index]
	snapshot := h.copyMessagesLocked()
	log := h.log
	observers := append([]MessagesObserver(nil), h.observers...)
	h.mu.Unlock()

	restored := 0
	var revertErr error
	if h.reversion != nil {
		restored, revertErr = h.reversion.RevertTo(removedIDs)
	}

	if log != nil {
		if err := log.Rewrite(snapshot); err != nil {
			h.logger.Warn("session log rewrite failed", "error", err)
		}
	}
	for _, obs := range observers {
		obs(snapshot)
	}

	h.logger.Debug("history truncated", "index", index, "removed", len(removedIDs), "files_restored", restored)
	return restored, revertErr
}
