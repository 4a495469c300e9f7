package engine

import (
	"sync"
	"time"
)

// EventKind identifies the type of runtime event.
type EventKind string

const (
	EventSessionStart    EventKind = "session_start"
	EventSessionEnd      EventKind = "session_end"
	EventUserInput       EventKind = "user_input"
	EventAssistantText   EventKind = "assistant_text"
	EventToolCallStart   EventKind = "tool_call_start"
	EventToolCallEnd     EventKind = "tool_call_end"
	EventPermissionAsk   EventKind = "permission_ask"
	EventPermissionDeny  EventKind = "permission_deny"
	EventTaskStarted     EventKind = "task_started"
	EventTaskBackground  EventKind = "task_background"
	EventTaskStopped     EventKind = "task_stopped"
	EventHistoryTruncate EventKind = "history_truncate"
	EventRoundLimit      EventKind = "round_limit"
	EventWarning         EventKind = "warning"
	EventError           EventKind = "error"
)

// Event is a typed event emitted by the runtime for host consumption.
type Event struct {
	Kind      EventKind      `json:"kind"`
	Timestamp time.Time      `json:"timestamp"`
	SessionID string         `json:"session_id"`
	Data      map[string]any `json:"data,omitempty"`
}

// EventEmitter delivers typed events to the host application via a buffered
// channel. Events are advisory; a full channel drops rather than blocking
// the loop.
type EventEmitter struct {
	sessionID string
	ch        chan Event
	closed    bool
	mu        sync.Mutex
}

// NewEventEmitter creates an EventEmitter with the given buffer size.
func NewEventEmitter(sessionID string, bufferSize int) *EventEmitter {
	if bufferSize <= 0 {
		bufferSize = 256
	}
	return &EventEmitter{
		sessionID: sessionID,
		ch:        make(chan Event, bufferSize),
	}
}

// Emit sends an event. Dropped silently if the emitter is closed or full.
func (e *EventEmitter) Emit(kind EventKind, data map[string]any) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	select {
	case e.ch <- Event{Kind: kind, Timestamp: time.Now(), SessionID: e.sessionID, Data: data}:
	default:
	}
}

// Events returns the read-only event channel.
func (e *EventEmitter) Events() <-chan Event { return e.ch }

// Close closes the event channel. Safe to call multiple times.
func (e *EventEmitter) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.closed {
		e.closed = true
		close(e.ch)
	}
}
