package engine

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// SessionType classifies a session log by its filename alone.
type SessionType string

const (
	SessionPrimary  SessionType = "primary"
	SessionSubagent SessionType = "subagent"
)

const subagentFilePrefix = "subagent-"

// SessionFileName returns the log filename for a session id and type:
// "<id>.jsonl" for a primary session, "subagent-<id>.jsonl" for a subagent
// session.
func SessionFileName(id string, t SessionType) string {
	if t == SessionSubagent {
		return subagentFilePrefix + id + ".jsonl"
	}
	return id + ".jsonl"
}

// ClassifySessionFile extracts the session id and type from a log filename.
// ok is false for filenames outside the convention.
func ClassifySessionFile(name string) (id string, t SessionType, ok bool) {
	base := filepath.Base(name)
	if !strings.HasSuffix(base, ".jsonl") {
		return "", "", false
	}
	base = strings.TrimSuffix(base, ".jsonl")
	if rest, found := strings.CutPrefix(base, subagentFilePrefix); found {
		if rest == "" {
			return "", "", false
		}
		return rest, SessionSubagent, true
	}
	if base == "" {
		return "", "", false
	}
	return base, SessionPrimary, true
}

// SessionLog is an append-only message log: one serialized message per line,
// no header or metadata line.
type SessionLog struct {
	mu   sync.Mutex
	path string
}

// NewSessionLog creates a log at dir/SessionFileName(id, t).
func NewSessionLog(dir, id string, t SessionType) (*SessionLog, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("session log dir: %w", err)
	}
	return &SessionLog{path: filepath.Join(dir, SessionFileName(id, t))}, nil
}

// Path returns the log file path.
func (l *SessionLog) Path() string { return l.path }

// Append writes one message as a single line.
func (l *SessionLog) Append(msg Message) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("session log marshal: %w", err)
	}
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("session log open: %w", err)
	}
	defer f.Close()
	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("session log write: %w", err)
	}
	return nil
}

// Read returns all messages in append order. A missing file reads as empty.
func (l *SessionLog) Read() ([]Message, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	f, err := os.Open(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("session log open: %w", err)
	}
	defer f.Close()

	var messages []Message
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var msg Message
		if err := json.Unmarshal([]byte(line), &msg); err != nil {
			return nil, fmt.Errorf("session log parse: %w", err)
		}
		messages = append(messages, msg)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("session log scan: %w", err)
	}
	return messages, nil
}

// Rewrite replaces the log contents with the given messages, atomically.
// Used after history truncation.
func (l *SessionLog) Rewrite(messages []Message) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	var buf strings.Builder
	for _, msg := range messages {
		data, err := json.Marshal(msg)
		if err != nil {
			return fmt.Errorf("session log marshal: %w", err)
		}
		buf.Write(data)
		buf.WriteByte('\n')
	}

	dir := filepath.Dir(l.path)
	tmp, err := os.CreateTemp(dir, ".sessionlog-*")
	if err != nil {
		return fmt.Errorf("session log rewrite: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.WriteString(buf.String()); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("session log rewrite: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("session log rewrite: %w", err)
	}
	if err := os.Rename(tmpName, l.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("session log rewrite: %w", err)
	}
	return nil
}
