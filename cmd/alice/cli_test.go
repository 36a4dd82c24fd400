package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func runRootCommandForTest(args ...string) (string, error) {
	root := buildRootCommand()
	buf := &bytes.Buffer{}
	root.SetOut(buf)
	root.SetErr(buf)
	root.SetIn(strings.NewReader(""))
	root.SetArgs(args)
	err := root.Execute()
	return buf.String(), err
}

// writeTestConfig points the database at a temp dir and uses the offline
// echo backend.
func writeTestConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	cfg := map[string]any{
		"workspace":  dir,
		"user":       map[string]any{"id": "tester"},
		"generation": map[string]any{"backend": "echo"},
		"memory":     map[string]any{"db_path": filepath.Join(dir, "alice.db"), "sweep_cron": "*/5 * * * *"},
		"log":        map[string]any{"level": "error"},
	}
	data, err := json.Marshal(cfg)
	require.NoError(t, err)
	path := filepath.Join(dir, "config.json")
	require.NoError(t, os.WriteFile(path, data, 0o600))
	return path
}

func TestRootHelpListsCommands(t *testing.T) {
	out, err := runRootCommandForTest("--help")
	require.NoError(t, err)
	for _, name := range []string{"console", "serve", "modes", "sessions", "export", "import", "sweep", "status", "onboard", "version"} {
		assert.Contains(t, out, name)
	}
}

func TestRootWithoutSubcommandFails(t *testing.T) {
	_, err := runRootCommandForTest()
	require.Error(t, err)
}

func TestVersion(t *testing.T) {
	out, err := runRootCommandForTest("version")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(out, "alice dev"), out)
}

func TestOnboardWritesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.json")
	out, err := runRootCommandForTest("onboard", "--config", path)
	require.NoError(t, err)
	assert.Contains(t, out, "alice is ready!")

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var cfg map[string]any
	require.NoError(t, json.Unmarshal(data, &cfg))
	assert.Contains(t, cfg, "generation")

	out, err = runRootCommandForTest("onboard", "--config", path)
	require.NoError(t, err)
	assert.Contains(t, out, "Aborted.")
}

func TestModesCommand(t *testing.T) {
	out, err := runRootCommandForTest("modes", "--config", writeTestConfig(t))
	require.NoError(t, err)
	assert.Contains(t, out, "dungeon_master")
	assert.Contains(t, out, "ALICE Storyteller")
	assert.Regexp(t, `assistant\s+ALICE Assistant\s+\S+\s+default`, out)
}

func TestConsoleOneShotAndExportImport(t *testing.T) {
	cfgPath := writeTestConfig(t)

	out, err := runRootCommandForTest("console", "--config", cfgPath, "--mode", "companion", "-m", "hello there")
	require.NoError(t, err)
	assert.Contains(t, out, "ALICE: [companion] hello there")

	out, err = runRootCommandForTest("sessions", "--config", cfgPath)
	require.NoError(t, err)
	assert.Contains(t, out, "companion")
	assert.Contains(t, out, "active")

	exportPath := filepath.Join(t.TempDir(), "backup.json")
	_, err = runRootCommandForTest("export", "--config", cfgPath, "--output", exportPath)
	require.NoError(t, err)
	blob, err := os.ReadFile(exportPath)
	require.NoError(t, err)
	assert.Contains(t, string(blob), "hello there")

	out, err = runRootCommandForTest("import", "--config", writeTestConfig(t), exportPath)
	require.NoError(t, err)
	assert.Contains(t, out, "Imported 1 user(s), 1 session(s), 2 turn(s), 0 fact(s)")
}

func TestSweepCommand(t *testing.T) {
	out, err := runRootCommandForTest("sweep", "--config", writeTestConfig(t))
	require.NoError(t, err)
	assert.Contains(t, out, "Idled 0, archived 0, purged 0 session(s)")
}
