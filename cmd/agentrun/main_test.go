package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateCmd_NoFilesPresent(t *testing.T) {
	dir := t.TempDir()
	cli := &CLI{Workspace: dir}
	cmd := &ValidateCmd{
		PluginsDir:   "plugins",
		ProjectFile:  "agentrc.json",
		SettingsFile: "settings.yaml",
	}

	err := cmd.Run(cli)
	require.NoError(t, err)
}

func TestValidateCmd_RejectsMalformedPlugin(t *testing.T) {
	dir := t.TempDir()
	pluginsDir := filepath.Join(dir, "plugins")
	require.NoError(t, os.MkdirAll(pluginsDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(pluginsDir, "broken.json"), []byte(`{"id":"Not Kebab"}`), 0o644))

	cli := &CLI{Workspace: dir}
	cmd := &ValidateCmd{
		PluginsDir:   "plugins",
		ProjectFile:  "agentrc.json",
		SettingsFile: "settings.yaml",
	}

	err := cmd.Run(cli)
	assert.Error(t, err)
}

func TestValidateCmd_AcceptsWellFormedPlugin(t *testing.T) {
	dir := t.TempDir()
	pluginsDir := filepath.Join(dir, "plugins")
	require.NoError(t, os.MkdirAll(pluginsDir, 0o755))
	body := `{"id":"doc-writer","name":"Doc Writer","description":"Writes docs","systemPrompt":"You write docs."}`
	require.NoError(t, os.WriteFile(filepath.Join(pluginsDir, "doc-writer.json"), []byte(body), 0o644))

	cli := &CLI{Workspace: dir}
	cmd := &ValidateCmd{
		PluginsDir:   "plugins",
		ProjectFile:  "agentrc.json",
		SettingsFile: "settings.yaml",
	}

	err := cmd.Run(cli)
	assert.NoError(t, err)
}

func TestDoctorCmd_ReportsDefaults(t *testing.T) {
	dir := t.TempDir()
	cli := &CLI{Workspace: dir}
	cmd := &DoctorCmd{PluginsDir: "plugins", SettingsFile: "settings.yaml"}

	err := cmd.Run(cli)
	assert.NoError(t, err)
}

func TestVersionCmd_Run(t *testing.T) {
	cmd := &VersionCmd{}
	assert.NoError(t, cmd.Run(&CLI{}))
}
