// Package executor implements the Autonomous Executor (component 4.G):
// bounded file and shell operations with a step budget, workspace-root
// path validation, atomic batch file creation, and diff-preview routing.
// Mutating operations are announced to a checkpoint.Store so a failed
// invocation can be rolled back by the Dispatcher.
//
// Path validation is ported from the teacher's pkg/tool/filetool
// validatePath (reject absolute paths, reject ".." after filepath.Clean,
// require the resolved path to stay under the workspace root), extended
// with the spec's null-byte rejection. editFile's unique-substring-replace
// semantics are ported from pkg/tool/filetool/search_replace.go. runCommand
// is ported from the teacher's command tool shape (exec.CommandContext
// under a context.WithTimeout), with the allowlist sourced from host
// configuration rather than a fixed default list (see DESIGN.md).
package executor

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/relaycode/agentrun/pkg/checkpoint"
	"github.com/relaycode/agentrun/pkg/errs"
	"github.com/relaycode/agentrun/pkg/token"
)

// DefaultMaxSteps is the step budget when the host doesn't configure one.
const DefaultMaxSteps = 10

// Severity orders diagnostic filtering for GetDiagnostics.
type Severity int

const (
	SeverityInfo Severity = iota
	SeverityWarning
	SeverityError
)

// Diagnostic is one host-supplied error or warning surfaced to the agent.
type Diagnostic struct {
	Path     string
	Line     int
	Message  string
	Severity Severity
}

// DiagnosticsSource reads host-supplied diagnostics (out of scope to
// specify further; the host owns the analyzer/linter that produces them).
type DiagnosticsSource interface {
	Diagnostics() []Diagnostic
}

// DiffCollector is the diff-preview integration point: when injected,
// mutating operations route into it instead of touching the filesystem.
// The collector only receives the operations: it reports no approval
// decisions back, and the Executor applies none of the collected
// operations itself.
type DiffCollector interface {
	Collect(op checkpoint.Operation)
}

// RunResult is the captured outcome of a runCommand invocation.
type RunResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
	TimedOut bool
}

// RunOptions customizes runCommand.
type RunOptions struct {
	Cwd        string
	TimeoutMs  int
	AllowedCmd bool // not consulted: RunCommand always checks CommandAllowed itself
}

// Executor is bound to one workspace root and one checkpoint for the
// lifetime of a single autonomous agent invocation.
type Executor struct {
	workspaceRoot   string
	checkpoints     *checkpoint.Store
	checkpointID    string
	maxSteps        int
	stepsUsed       int
	diagnostics     DiagnosticsSource
	diffCollector   DiffCollector
	allowedCommands map[string]bool
	dryRunTarget    io.Writer
}

// New constructs an Executor scoped to workspaceRoot and checkpointID.
// allowedCommands is the mandatory host-configured allowlist for
// runCommand; an empty/nil allowlist means no command may run (see
// SPEC_FULL.md's Open Question resolution in DESIGN.md).
func New(workspaceRoot string, checkpoints *checkpoint.Store, checkpointID string, maxSteps int, allowedCommands []string) *Executor {
	if maxSteps <= 0 {
		maxSteps = DefaultMaxSteps
	}
	allowed := make(map[string]bool, len(allowedCommands))
	for _, c := range allowedCommands {
		allowed[c] = true
	}
	return &Executor{
		workspaceRoot:   workspaceRoot,
		checkpoints:     checkpoints,
		checkpointID:    checkpointID,
		maxSteps:        maxSteps,
		allowedCommands: allowed,
	}
}

// SetDiagnosticsSource injects the host's diagnostics provider.
func (e *Executor) SetDiagnosticsSource(src DiagnosticsSource) { e.diagnostics = src }

// SetDiffCollector injects a diff-preview collector, bypassing direct
// filesystem writes and the atomic-batch rollback behavior.
func (e *Executor) SetDiffCollector(c DiffCollector) { e.diffCollector = c }

// SetDryRunTarget routes operation descriptions here instead of touching
// the filesystem, via the checkpoint store's own dry-run flag.
func (e *Executor) SetDryRunTarget(w io.Writer) { e.dryRunTarget = w }

// StepsRemaining reports the unused portion of the step budget.
func (e *Executor) StepsRemaining() int { return e.maxSteps - e.stepsUsed }

func (e *Executor) consumeStep() error {
	if e.stepsUsed >= e.maxSteps {
		return errs.Permanentf("executor", "step-budget", "step budget of %d exhausted", e.maxSteps)
	}
	e.stepsUsed++
	return nil
}

// resolvePath validates path against the workspace root per §4.G: reject
// absolute paths, reject null bytes, reject any ".." segment that would
// escape the root after normalization.
func (e *Executor) resolvePath(path string) (string, error) {
	if strings.ContainsRune(path, 0) {
		return "", errs.Permanentf("executor", "path", "path contains a null byte")
	}
	if filepath.IsAbs(path) {
		return "", errs.Permanentf("executor", "path", "absolute paths are not allowed: %q", path)
	}
	cleaned := filepath.Clean(path)
	if cleaned == ".." || strings.HasPrefix(cleaned, ".."+string(filepath.Separator)) {
		return "", errs.Permanentf("executor", "path", "path escapes the workspace root: %q", path)
	}

	root, err := filepath.Abs(e.workspaceRoot)
	if err != nil {
		return "", errs.Permanentf("executor", "path", "invalid workspace root: %v", err)
	}
	full := filepath.Join(root, cleaned)
	rel, err := filepath.Rel(root, full)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", errs.Permanentf("executor", "path", "path escapes the workspace root: %q", path)
	}
	return full, nil
}

// ReadFile is a read-only operation; it does not consume the step budget.
func (e *Executor) ReadFile(ctx *token.Token, path string) (string, error) {
	if ctx.IsCancelled() {
		return "", errs.FromCancellation("executor", "read-file", ctx.Err())
	}
	full, err := e.resolvePath(path)
	if err != nil {
		return "", err
	}
	content, err := os.ReadFile(full)
	if err != nil {
		return "", errs.Permanentf("executor", "read-file", "%v", err)
	}
	return string(content), nil
}

// FileExists is a read-only operation.
func (e *Executor) FileExists(path string) (bool, error) {
	full, err := e.resolvePath(path)
	if err != nil {
		return false, err
	}
	_, err = os.Stat(full)
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, errs.Permanentf("executor", "file-exists", "%v", err)
}

// Entry is one listed directory member.
type Entry struct {
	Name  string
	IsDir bool
}

// ListDir is a read-only operation; path defaults to the workspace root.
func (e *Executor) ListDir(path string) ([]Entry, error) {
	if path == "" {
		path = "."
	}
	full, err := e.resolvePath(path)
	if err != nil {
		return nil, err
	}
	items, err := os.ReadDir(full)
	if err != nil {
		return nil, errs.Permanentf("executor", "list-dir", "%v", err)
	}
	out := make([]Entry, 0, len(items))
	for _, item := range items {
		out = append(out, Entry{Name: item.Name(), IsDir: item.IsDir()})
	}
	return out, nil
}

// FindFiles is a read-only glob search rooted at the workspace root.
func (e *Executor) FindFiles(globPattern string) ([]string, error) {
	root, err := filepath.Abs(e.workspaceRoot)
	if err != nil {
		return nil, errs.Permanentf("executor", "find-files", "invalid workspace root: %v", err)
	}
	var matches []string
	err = filepath.WalkDir(root, func(p string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return nil
		}
		if d.IsDir() {
			return nil
		}
		rel, relErr := filepath.Rel(root, p)
		if relErr != nil {
			return nil
		}
		ok, matchErr := filepath.Match(globPattern, rel)
		if matchErr == nil && ok {
			matches = append(matches, rel)
			return nil
		}
		if ok2, _ := filepath.Match(globPattern, filepath.Base(p)); ok2 {
			matches = append(matches, rel)
		}
		return nil
	})
	if err != nil {
		return nil, errs.Permanentf("executor", "find-files", "%v", err)
	}
	sort.Strings(matches)
	return matches, nil
}

// GetDiagnostics reads host-supplied diagnostics at or above minSeverity.
func (e *Executor) GetDiagnostics(minSeverity Severity) []Diagnostic {
	if e.diagnostics == nil {
		return nil
	}
	var out []Diagnostic
	for _, d := range e.diagnostics.Diagnostics() {
		if d.Severity >= minSeverity {
			out = append(out, d)
		}
	}
	return out
}

func (e *Executor) announce(op checkpoint.Operation) error {
	if e.diffCollector != nil {
		e.diffCollector.Collect(op)
		return nil
	}
	return e.checkpoints.Announce(e.checkpointID, op, e.dryRunTarget)
}

// CreateFile creates or overwrites path with content. Consumes one step.
func (e *Executor) CreateFile(ctx *token.Token, path, content string) error {
	if ctx.IsCancelled() {
		return errs.FromCancellation("executor", "create-file", ctx.Err())
	}
	if err := e.consumeStep(); err != nil {
		return err
	}
	full, err := e.resolvePath(path)
	if err != nil {
		return err
	}
	return e.announce(checkpoint.Operation{Kind: "create", Path: full, Content: []byte(content)})
}

// EditFile replaces oldText with newText in path. oldText must occur
// exactly once; a missing or repeated oldText is rejected. Consumes one
// step.
func (e *Executor) EditFile(ctx *token.Token, path, oldText, newText string) error {
	if ctx.IsCancelled() {
		return errs.FromCancellation("executor", "edit-file", ctx.Err())
	}
	if err := e.consumeStep(); err != nil {
		return err
	}
	full, err := e.resolvePath(path)
	if err != nil {
		return err
	}
	current, err := os.ReadFile(full)
	if err != nil {
		return errs.Permanentf("executor", "edit-file", "%v", err)
	}
	text := string(current)
	if !strings.Contains(text, oldText) {
		return errs.Permanentf("executor", "edit-file", "old text not found in %s: %q", path, truncate(oldText, 50))
	}
	if count := strings.Count(text, oldText); count > 1 {
		return errs.Permanentf("executor", "edit-file", "old text appears %d times in %s, must be unique", count, path)
	}
	updated := strings.Replace(text, oldText, newText, 1)
	return e.announce(checkpoint.Operation{Kind: "edit", Path: full, Content: []byte(updated)})
}

// DeleteFile removes path. Consumes one step.
func (e *Executor) DeleteFile(ctx *token.Token, path string) error {
	if ctx.IsCancelled() {
		return errs.FromCancellation("executor", "delete-file", ctx.Err())
	}
	if err := e.consumeStep(); err != nil {
		return err
	}
	full, err := e.resolvePath(path)
	if err != nil {
		return err
	}
	return e.announce(checkpoint.Operation{Kind: "delete", Path: full})
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// BatchFile is one member of an atomic create batch.
type BatchFile struct {
	Path    string
	Content string
}

// BatchResult reports per-file outcome of CreateFilesAtomic.
type BatchResult struct {
	Created []string
	Skipped []string
	Err     error
}

// CreateFilesAtomic creates every file in files one by one; on a failure
// after some succeeded, already-created files are deleted (best-effort)
// and the remaining files are marked skipped. Bypassed (degrades to
// independent CreateFile calls, no rollback) when a diff-preview
// collector is active, per §4.G.
func (e *Executor) CreateFilesAtomic(ctx *token.Token, files []BatchFile) BatchResult {
	if e.diffCollector != nil {
		var created []string
		for _, f := range files {
			if err := e.CreateFile(ctx, f.Path, f.Content); err != nil {
				return BatchResult{Created: created, Err: err}
			}
			created = append(created, f.Path)
		}
		return BatchResult{Created: created}
	}

	var created []string
	for i, f := range files {
		if err := e.CreateFile(ctx, f.Path, f.Content); err != nil {
			for _, path := range created {
				full, resolveErr := e.resolvePath(path)
				if resolveErr == nil {
					_ = os.Remove(full)
				}
			}
			skipped := make([]string, 0, len(files)-i-1)
			for _, rest := range files[i+1:] {
				skipped = append(skipped, rest.Path)
			}
			return BatchResult{Created: nil, Skipped: skipped, Err: err}
		}
		created = append(created, f.Path)
	}
	return BatchResult{Created: created}
}

// RunCommand executes cmdLine under a timeout, capturing stdout/stderr.
// Consumes one step. cmdLine's base command must be present in the
// executor's allowlist (CommandAllowed); an empty allowlist permits
// nothing, per SPEC_FULL.md's resolved Open Question.
func (e *Executor) RunCommand(ctx *token.Token, cmdLine string, opts RunOptions) (*RunResult, error) {
	if ctx.IsCancelled() {
		return nil, errs.FromCancellation("executor", "run-command", ctx.Err())
	}
	if !e.CommandAllowed(cmdLine) {
		return nil, errs.Permanentf("executor", "run-command", "command not in allowlist: %q", cmdLine)
	}
	if err := e.consumeStep(); err != nil {
		return nil, err
	}

	timeout := time.Duration(opts.TimeoutMs) * time.Millisecond
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	execCtx, cancel := context.WithTimeout(ctx.Ctx(), timeout)
	defer cancel()

	cwd := opts.Cwd
	if cwd == "" {
		cwd = e.workspaceRoot
	} else {
		full, err := e.resolvePath(cwd)
		if err != nil {
			return nil, err
		}
		cwd = full
	}

	cmd := exec.CommandContext(execCtx, "sh", "-c", cmdLine)
	cmd.Dir = cwd
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	runErr := cmd.Run()
	result := &RunResult{Stdout: stdout.String(), Stderr: stderr.String()}
	if execCtx.Err() == context.DeadlineExceeded {
		result.TimedOut = true
		return result, errs.Transientf("executor", "run-command", "command timed out after %s", timeout)
	}
	if cmd.ProcessState != nil {
		result.ExitCode = cmd.ProcessState.ExitCode()
	}
	if runErr != nil {
		return result, fmt.Errorf("executor: run command %q: %w", cmdLine, runErr)
	}
	return result, nil
}

// CommandAllowed reports whether cmdLine's base command is permitted.
func (e *Executor) CommandAllowed(cmdLine string) bool {
	base := baseCommand(cmdLine)
	if base == "" {
		return false
	}
	return e.allowedCommands[base]
}

func baseCommand(cmdLine string) string {
	parts := strings.FieldsFunc(cmdLine, func(r rune) bool {
		return r == '|' || r == '>' || r == '<' || r == ';' || r == '&'
	})
	if len(parts) == 0 {
		return ""
	}
	fields := strings.Fields(strings.TrimSpace(parts[0]))
	if len(fields) == 0 {
		return ""
	}
	return fields[0]
}
