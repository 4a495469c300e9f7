package engine

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// FileOperation classifies what a mutation did to a path.
type FileOperation string

const (
	OpCreate FileOperation = "create"
	OpModify FileOperation = "modify"
	OpDelete FileOperation = "delete"
)

// FileSnapshot captures a file's pre-mutation state, tied to the message
// whose tool call triggered the mutation. Snapshots are recorded before the
// mutation and committed only after it succeeds; an uncommitted snapshot is
// never revertible.
type FileSnapshot struct {
	ID        string        `json:"id"`
	MessageID string        `json:"message_id"`
	Path      string        `json:"path"`
	Op        FileOperation `json:"op"`
	Before    []byte        `json:"before,omitempty"` // nil for create
	CreatedAt time.Time     `json:"created_at"`

	seq       uint64
	committed bool
}

type snapshotKey struct {
	messageID string
	path      string
}

// ReversionEngine records per-file snapshots keyed by message and can roll
// them back in reverse chronological order.
type ReversionEngine struct {
	mu          sync.Mutex
	env         Environment
	snapshots   map[string]*FileSnapshot
	uncommitted map[snapshotKey]string // at most one uncommitted snapshot per key
	seq         uint64
	logger      *slog.Logger
}

// NewReversionEngine creates an engine restoring files through env.
func NewReversionEngine(env Environment, logger *slog.Logger) *ReversionEngine {
	if logger == nil {
		logger = slog.Default()
	}
	return &ReversionEngine{
		env:         env,
		snapshots:   make(map[string]*FileSnapshot),
		uncommitted: make(map[snapshotKey]string),
		logger:      logger,
	}
}

// RecordSnapshot captures the pre-mutation state of path and associates it
// with messageID. It does not mutate the filesystem. Recording over an
// existing uncommitted snapshot for the same (message, path) pair abandons
// the earlier one.
func (r *ReversionEngine) RecordSnapshot(messageID, path string, op FileOperation) (string, error) {
	var before []byte
	if op != OpCreate {
		data, err := r.env.ReadFile(path)
		if err != nil {
			return "", fmt.Errorf("snapshot %s: %w", path, err)
		}
		before = data
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	key := snapshotKey{messageID: messageID, path: r.env.ResolvePath(path)}
	if prev, ok := r.uncommitted[key]; ok {
		delete(r.snapshots, prev)
	}

	r.seq++
	snap := &FileSnapshot{
		ID:        uuid.New().String(),
		MessageID: messageID,
		Path:      r.env.ResolvePath(path),
		Op:        op,
		Before:    before,
		CreatedAt: time.Now(),
		seq:       r.seq,
	}
	r.snapshots[snap.ID] = snap
	r.uncommitted[key] = snap.ID
	return snap.ID, nil
}

// CommitSnapshot finalizes a snapshot so it becomes eligible for reversion.
func (r *ReversionEngine) CommitSnapshot(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	snap, ok := r.snapshots[id]
	if !ok {
		return &NotFoundError{RuntimeError: RuntimeError{Message: fmt.Sprintf("unknown snapshot %s", id)}, ID: id}
	}
	snap.committed = true
	delete(r.uncommitted, snapshotKey{messageID: snap.MessageID, path: snap.Path})
	return nil
}

// Discard abandons an uncommitted snapshot. Discarding a committed snapshot
// is a no-op; discarding an unknown id is also a no-op (nothing to clean).
func (r *ReversionEngine) Discard(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	snap, ok := r.snapshots[id]
	if !ok || snap.committed {
		return
	}
	delete(r.uncommitted, snapshotKey{messageID: snap.MessageID, path: snap.Path})
	delete(r.snapshots, id)
}

// Snapshot returns a copy of the snapshot with the given id.
func (r *ReversionEngine) Snapshot(id string) (FileSnapshot, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	snap, ok := r.snapshots[id]
	if !ok {
		return FileSnapshot{}, false
	}
	return *snap, true
}

// Snapshots returns the committed snapshot ids associated with a message,
// oldest first.
func (r *ReversionEngine) Snapshots(messageID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var snaps []*FileSnapshot
	for _, s := range r.snapshots {
		if s.committed && s.MessageID == messageID {
			snaps = append(snaps, s)
		}
	}
	sort.Slice(snaps, func(i, j int) bool { return snaps[i].seq < snaps[j].seq })
	ids := make([]string, len(snaps))
	for i, s := range snaps {
		ids[i] = s.ID
	}
	return ids
}

// RevertTo restores files for every committed snapshot whose message id is
// in messageIDs, latest mutation first, so a create→modify→modify sequence
// on one path unwinds to the pre-create state. Each restore is all-or-nothing
// but a failure does not stop the remaining restores; failures come back
// aggregated in a *RevertError. Returns the count of restored files.
func (r *ReversionEngine) RevertTo(messageIDs []string) (int, error) {
	wanted := make(map[string]bool, len(messageIDs))
	for _, id := range messageIDs {
		wanted[id] = true
	}

	r.mu.Lock()
	var batch []*FileSnapshot
	for _, s := range r.snapshots {
		if s.committed && wanted[s.MessageID] {
			batch = append(batch, s)
		}
	}
	// Reverse chronological: latest mutation undone first.
	sort.Slice(batch, func(i, j int) bool { return batch[i].seq > batch[j].seq })
	r.mu.Unlock()

	restored := 0
	var failures []error
	for _, snap := range batch {
		if err := r.restore(snap); err != nil {
			failures = append(failures, fmt.Errorf("restore %s (%s): %w", snap.Path, snap.Op, err))
			continue
		}
		restored++
		r.mu.Lock()
		delete(r.snapshots, snap.ID)
		r.mu.Unlock()
	}

	r.logger.Debug("revert complete", "requested_messages", len(messageIDs), "restored", restored, "failed", len(failures))
	if len(failures) > 0 {
		return restored, &RevertError{Failures: failures}
	}
	return restored, nil
}

func (r *ReversionEngine) restore(snap *FileSnapshot) error {
	switch snap.Op {
	case OpCreate:
		// The mutation created the file; undo by removing it.
		if !r.env.FileExists(snap.Path) {
			return nil
		}
		return r.env.DeleteFile(snap.Path)
	case OpModify, OpDelete:
		// Undo by rewriting the captured prior content.
		return r.env.WriteFile(snap.Path, snap.Before)
	default:
		return fmt.Errorf("unknown snapshot operation %q", snap.Op)
	}
}
