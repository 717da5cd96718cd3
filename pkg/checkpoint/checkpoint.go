// Package checkpoint implements the Guardrails + Checkpoint Store
// (component 4.F): per-file rollback protection around one autonomous
// agent invocation. Adapted from the teacher's task-resume checkpoint
// manager (pkg/checkpoint/manager.go, storage.go) to file-rollback
// semantics — this core restarts an invocation from scratch on failure
// rather than resuming mid-task, so there is no phase/iteration state to
// persist, only pre-mutation file snapshots.
package checkpoint

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/relaycode/agentrun/pkg/errs"
)

// fileSnapshot is the captured pre-mutation state of one path.
type fileSnapshot struct {
	existed bool
	content []byte
}

// Checkpoint is one in-flight or committed rollback unit.
type Checkpoint struct {
	ID        string
	AgentID   string
	CreatedAt time.Time
	Committed bool
	snapshots map[string]fileSnapshot
}

// Store holds in-flight and recently-committed checkpoints and enforces
// dry-run / destructive-confirmation policy.
type Store struct {
	mu          sync.Mutex
	checkpoints map[string]*Checkpoint
	recent      []*Checkpoint

	dryRun       bool
	maxRecent    int
	confirmation func(op Operation) bool // nil means never require confirmation
}

// New constructs an empty Store. maxRecent bounds listRecent's history.
func New(maxRecent int) *Store {
	if maxRecent <= 0 {
		maxRecent = 20
	}
	return &Store{checkpoints: make(map[string]*Checkpoint), maxRecent: maxRecent}
}

// SetDryRun toggles the global dry-run flag.
func (s *Store) SetDryRun(on bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dryRun = on
}

// IsDryRun reports the current dry-run flag.
func (s *Store) IsDryRun() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dryRun
}

// SetConfirmation installs the destructive-op confirmation gate. The gate
// runs inside Announce, during the agent's Handle, so the time spent
// resolving it is included in the Dispatcher's dispatch timing.
func (s *Store) SetConfirmation(fn func(op Operation) bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.confirmation = fn
}

// CreateCheckpoint opens a new checkpoint for agentID and returns its id.
func (s *Store) CreateCheckpoint(agentID string) string {
	id := uuid.NewString()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.checkpoints[id] = &Checkpoint{
		ID:        id,
		AgentID:   agentID,
		CreatedAt: time.Now(),
		snapshots: make(map[string]fileSnapshot),
	}
	return id
}

// Operation is one file-affecting operation announced to a checkpoint.
type Operation struct {
	Kind    string // "create", "edit", "delete"
	Path    string
	Content []byte // new content for create/edit; unused for delete
}

// Announce records the pre-mutation state of op.Path on first sight, then
// performs the mutation unless dry-run is active, in which case a
// description is written to dryRunTarget instead and no file I/O occurs.
func (s *Store) Announce(checkpointID string, op Operation, dryRunTarget io.Writer) error {
	s.mu.Lock()
	cp, ok := s.checkpoints[checkpointID]
	dryRun := s.dryRun
	confirm := s.confirmation
	s.mu.Unlock()
	if !ok {
		return errs.Permanentf("checkpoint", "announce", "unknown checkpoint %q", checkpointID)
	}

	if confirm != nil && isDestructive(op) && !confirm(op) {
		return errs.New(errs.Cancellation, "checkpoint", "announce", "user declined confirmation for "+op.Kind+" "+op.Path, nil)
	}

	if dryRun {
		if dryRunTarget != nil {
			fmt.Fprintf(dryRunTarget, "[dry-run] would %s %s\n", op.Kind, op.Path)
		}
		return nil
	}

	s.mu.Lock()
	if _, captured := cp.snapshots[op.Path]; !captured {
		cp.snapshots[op.Path] = captureSnapshot(op.Path)
	}
	s.mu.Unlock()

	return applyOperation(op)
}

func isDestructive(op Operation) bool {
	if op.Kind == "delete" {
		return true
	}
	if op.Kind == "edit" {
		_, err := os.Stat(op.Path)
		return err == nil
	}
	return false
}

func captureSnapshot(path string) fileSnapshot {
	content, err := os.ReadFile(path)
	if err != nil {
		return fileSnapshot{existed: false}
	}
	return fileSnapshot{existed: true, content: content}
}

func applyOperation(op Operation) error {
	switch op.Kind {
	case "delete":
		return os.Remove(op.Path)
	case "create", "edit":
		if err := os.MkdirAll(filepath.Dir(op.Path), 0o755); err != nil {
			return fmt.Errorf("checkpoint: prepare directory for %s: %w", op.Path, err)
		}
		return os.WriteFile(op.Path, op.Content, 0o644)
	default:
		return fmt.Errorf("checkpoint: unknown operation kind %q", op.Kind)
	}
}

// MarkCreated records paths whose absence before the checkpoint is itself
// the "original state" — new files the Dispatcher learns about only from
// result.metadata.filesAffected, not from an Announce call (e.g. files
// created by a tool that doesn't route through the checkpoint).
func (s *Store) MarkCreated(checkpointID string, filesAffected []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp, ok := s.checkpoints[checkpointID]
	if !ok {
		return
	}
	for _, path := range filesAffected {
		if _, captured := cp.snapshots[path]; !captured {
			cp.snapshots[path] = fileSnapshot{existed: false}
		}
	}
}

// Commit finalizes a checkpoint: its snapshots are retained for listRecent
// but no longer eligible for rollback.
func (s *Store) Commit(checkpointID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp, ok := s.checkpoints[checkpointID]
	if !ok {
		return errs.Permanentf("checkpoint", "commit", "unknown checkpoint %q", checkpointID)
	}
	cp.Committed = true
	delete(s.checkpoints, checkpointID)
	s.recent = append(s.recent, cp)
	if len(s.recent) > s.maxRecent {
		s.recent = s.recent[len(s.recent)-s.maxRecent:]
	}
	return nil
}

// Rollback restores every announced path to its pre-checkpoint state,
// best-effort: a path with no captured original is deleted (it didn't
// exist before). Returns false if checkpointID is unknown.
func (s *Store) Rollback(checkpointID string) bool {
	s.mu.Lock()
	cp, ok := s.checkpoints[checkpointID]
	if ok {
		delete(s.checkpoints, checkpointID)
	}
	s.mu.Unlock()
	if !ok {
		return false
	}

	for path, snap := range cp.snapshots {
		if !snap.existed {
			_ = os.Remove(path)
			continue
		}
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			continue
		}
		_ = os.WriteFile(path, snap.content, 0o644)
	}

	s.mu.Lock()
	s.recent = append(s.recent, cp)
	if len(s.recent) > s.maxRecent {
		s.recent = s.recent[len(s.recent)-s.maxRecent:]
	}
	s.mu.Unlock()
	return true
}

// ListRecent returns up to n of the most recently committed or
// rolled-back checkpoints, newest first.
func (s *Store) ListRecent(n int) []*Checkpoint {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n <= 0 || n > len(s.recent) {
		n = len(s.recent)
	}
	out := make([]*Checkpoint, n)
	for i := 0; i < n; i++ {
		out[i] = s.recent[len(s.recent)-1-i]
	}
	return out
}

// Clear discards all in-flight and recent checkpoints without touching
// the filesystem.
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.checkpoints = make(map[string]*Checkpoint)
	s.recent = nil
}

// DryRunDescribe renders a human-readable description of a batch of
// operations without performing any of them, for preview UIs.
func DryRunDescribe(ops []Operation) string {
	var out string
	for _, op := range ops {
		out += fmt.Sprintf("%s %s\n", op.Kind, op.Path)
	}
	return out
}
