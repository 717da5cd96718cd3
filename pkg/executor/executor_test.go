package executor

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaycode/agentrun/pkg/checkpoint"
	"github.com/relaycode/agentrun/pkg/token"
)

func newTestExecutor(t *testing.T, allowed ...string) (*Executor, string, string) {
	t.Helper()
	root := t.TempDir()
	store := checkpoint.New(10)
	id := store.CreateCheckpoint("test-agent")
	return New(root, store, id, 0, allowed), root, id
}

func TestExecutor_CreateAndReadFile(t *testing.T) {
	ex, root, _ := newTestExecutor(t)
	tok := token.New(context.Background())

	err := ex.CreateFile(tok, "notes/todo.md", "buy milk")
	require.NoError(t, err)

	content, err := ex.ReadFile(tok, "notes/todo.md")
	require.NoError(t, err)
	assert.Equal(t, "buy milk", content)

	_, statErr := os.Stat(filepath.Join(root, "notes", "todo.md"))
	assert.NoError(t, statErr)
}

func TestExecutor_ReadDoesNotConsumeStepBudget(t *testing.T) {
	ex, _, _ := newTestExecutor(t)
	tok := token.New(context.Background())
	require.NoError(t, ex.CreateFile(tok, "a.txt", "x"))

	before := ex.StepsRemaining()
	_, err := ex.ReadFile(tok, "a.txt")
	require.NoError(t, err)
	_, err = ex.FileExists("a.txt")
	require.NoError(t, err)
	assert.Equal(t, before, ex.StepsRemaining())
}

func TestExecutor_PathEscapeRejected(t *testing.T) {
	ex, _, _ := newTestExecutor(t)
	tok := token.New(context.Background())

	_, err := ex.ReadFile(tok, "../outside.txt")
	require.Error(t, err)

	err = ex.CreateFile(tok, "../escape.txt", "x")
	require.Error(t, err)
}

func TestExecutor_AbsolutePathRejected(t *testing.T) {
	ex, _, _ := newTestExecutor(t)
	tok := token.New(context.Background())

	err := ex.CreateFile(tok, "/etc/passwd", "x")
	require.Error(t, err)
}

func TestExecutor_EditFileRequiresUniqueMatch(t *testing.T) {
	ex, _, _ := newTestExecutor(t)
	tok := token.New(context.Background())
	require.NoError(t, ex.CreateFile(tok, "f.go", "foo\nfoo\n"))

	err := ex.EditFile(tok, "f.go", "foo", "bar")
	require.Error(t, err)
}

func TestExecutor_EditFileReplacesUniqueMatch(t *testing.T) {
	ex, _, _ := newTestExecutor(t)
	tok := token.New(context.Background())
	require.NoError(t, ex.CreateFile(tok, "f.go", "package main\n"))

	require.NoError(t, ex.EditFile(tok, "f.go", "package main", "package executor"))
	content, err := ex.ReadFile(tok, "f.go")
	require.NoError(t, err)
	assert.Equal(t, "package executor\n", content)
}

func TestExecutor_EditFileNotFound(t *testing.T) {
	ex, _, _ := newTestExecutor(t)
	tok := token.New(context.Background())
	require.NoError(t, ex.CreateFile(tok, "f.go", "hello\n"))

	err := ex.EditFile(tok, "f.go", "goodbye", "hi")
	require.Error(t, err)
}

func TestExecutor_DeleteFile(t *testing.T) {
	ex, root, _ := newTestExecutor(t)
	tok := token.New(context.Background())
	require.NoError(t, ex.CreateFile(tok, "gone.txt", "x"))

	require.NoError(t, ex.DeleteFile(tok, "gone.txt"))
	_, statErr := os.Stat(filepath.Join(root, "gone.txt"))
	assert.True(t, os.IsNotExist(statErr))
}

func TestExecutor_StepBudgetExhausted(t *testing.T) {
	store := checkpoint.New(10)
	id := store.CreateCheckpoint("agent")
	ex := New(t.TempDir(), store, id, 2, nil)
	tok := token.New(context.Background())

	require.NoError(t, ex.CreateFile(tok, "one.txt", "1"))
	require.NoError(t, ex.CreateFile(tok, "two.txt", "2"))

	err := ex.CreateFile(tok, "three.txt", "3")
	require.Error(t, err)
	assert.Equal(t, 0, ex.StepsRemaining())
}

func TestExecutor_ListDirAndFindFiles(t *testing.T) {
	ex, _, _ := newTestExecutor(t)
	tok := token.New(context.Background())
	require.NoError(t, ex.CreateFile(tok, "src/main.go", "package main"))
	require.NoError(t, ex.CreateFile(tok, "src/util.go", "package main"))
	require.NoError(t, ex.CreateFile(tok, "README.md", "hi"))

	entries, err := ex.ListDir("src")
	require.NoError(t, err)
	assert.Len(t, entries, 2)

	matches, err := ex.FindFiles("*.go")
	require.NoError(t, err)
	assert.Contains(t, matches, filepath.Join("src", "main.go"))
	assert.Contains(t, matches, filepath.Join("src", "util.go"))
}

func TestExecutor_CreateFilesAtomicRollsBackOnFailure(t *testing.T) {
	ex, root, _ := newTestExecutor(t)
	tok := token.New(context.Background())

	files := []BatchFile{
		{Path: "ok1.txt", Content: "a"},
		{Path: "../escape.txt", Content: "b"},
		{Path: "ok2.txt", Content: "c"},
	}
	result := ex.CreateFilesAtomic(tok, files)
	require.Error(t, result.Err)
	assert.Empty(t, result.Created)

	_, statErr := os.Stat(filepath.Join(root, "ok1.txt"))
	assert.True(t, os.IsNotExist(statErr))
}

func TestExecutor_CreateFilesAtomicAllSucceed(t *testing.T) {
	ex, _, _ := newTestExecutor(t)
	tok := token.New(context.Background())

	files := []BatchFile{
		{Path: "a.txt", Content: "1"},
		{Path: "b.txt", Content: "2"},
	}
	result := ex.CreateFilesAtomic(tok, files)
	require.NoError(t, result.Err)
	assert.Len(t, result.Created, 2)
}

func TestExecutor_RunCommandRejectsUnlistedCommand(t *testing.T) {
	ex, _, _ := newTestExecutor(t)
	tok := token.New(context.Background())

	_, err := ex.RunCommand(tok, "echo hello", RunOptions{})
	require.Error(t, err)
}

func TestExecutor_RunCommandAllowedCommandSucceeds(t *testing.T) {
	ex, _, _ := newTestExecutor(t, "echo")
	tok := token.New(context.Background())

	result, err := ex.RunCommand(tok, "echo hello", RunOptions{TimeoutMs: 5000})
	require.NoError(t, err)
	assert.Contains(t, result.Stdout, "hello")
	assert.Equal(t, 0, result.ExitCode)
}

func TestExecutor_DiagnosticsFiltersBySeverity(t *testing.T) {
	ex, _, _ := newTestExecutor(t)
	ex.SetDiagnosticsSource(fakeDiagnostics{
		{Path: "a.go", Line: 1, Message: "unused import", Severity: SeverityWarning},
		{Path: "b.go", Line: 2, Message: "syntax error", Severity: SeverityError},
	})

	errorsOnly := ex.GetDiagnostics(SeverityError)
	assert.Len(t, errorsOnly, 1)

	all := ex.GetDiagnostics(SeverityInfo)
	assert.Len(t, all, 2)
}

type fakeDiagnostics []Diagnostic

func (f fakeDiagnostics) Diagnostics() []Diagnostic { return f }

func TestExecutor_DiffCollectorBypassesFilesystem(t *testing.T) {
	ex, root, _ := newTestExecutor(t)
	tok := token.New(context.Background())
	collector := &collectingDiffer{}
	ex.SetDiffCollector(collector)

	require.NoError(t, ex.CreateFile(tok, "preview.txt", "draft"))
	assert.Len(t, collector.ops, 1)

	_, statErr := os.Stat(filepath.Join(root, "preview.txt"))
	assert.True(t, os.IsNotExist(statErr))
}

type collectingDiffer struct {
	ops []checkpoint.Operation
}

func (c *collectingDiffer) Collect(op checkpoint.Operation) {
	c.ops = append(c.ops, op)
}
