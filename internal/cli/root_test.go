package cli

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/clockin/internal/config"
)

func TestRootCommand(t *testing.T) {
	cmd := NewRootCommand()
	require.NotNil(t, cmd)
	assert.Equal(t, "clockin", cmd.Use)
}

func TestCommandPresence(t *testing.T) {
	cmd := NewRootCommand()
	commands := []string{"init", "entry", "exit", "close-day", "sync", "watch", "status",
		"report", "history", "select", "reconcile", "repair", "remove-entry-image"}

	for _, cmdName := range commands {
		t.Run(cmdName, func(t *testing.T) {
			subCmd, _, err := cmd.Find([]string{cmdName})
			require.NoError(t, err, "Command %s should exist", cmdName)
			require.NotNil(t, subCmd)
			assert.Equal(t, cmdName, subCmd.Name())
		})
	}
}

func TestGlobalFlags(t *testing.T) {
	cmd := NewRootCommand()

	verboseFlag := cmd.PersistentFlags().Lookup("verbose")
	require.NotNil(t, verboseFlag)
	assert.Equal(t, "v", verboseFlag.Shorthand)

	formatFlag := cmd.PersistentFlags().Lookup("format")
	require.NotNil(t, formatFlag)
	assert.Equal(t, "text", formatFlag.DefValue)

	for _, name := range []string{"config", "env-file", "owner", "offline", "probe"} {
		assert.NotNil(t, cmd.PersistentFlags().Lookup(name), name)
	}
}

func TestEntryRequiresPhoto(t *testing.T) {
	cmd := NewRootCommand()
	entry, _, err := cmd.Find([]string{"entry"})
	require.NoError(t, err)
	photo := entry.Flags().Lookup("photo")
	require.NotNil(t, photo)
	assert.Equal(t, []string{"true"}, photo.Annotations["cobra_annotation_bash_completion_one_required_flag"])
}

func TestInvalidFormat(t *testing.T) {
	cmd := NewRootCommand()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"status", "--format", "xml"})

	err := cmd.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid format")
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

// workspace is a data directory with a config pointing into it.
type workspace struct {
	dir    string
	config string
}

func newWorkspace(t *testing.T) *workspace {
	t.Helper()
	dir := t.TempDir()
	cfg := config.DefaultConfig()
	cfg.Owner = "u1"
	cfg.DataDir = filepath.Join(dir, "data")
	cfg.Timezone = "UTC"
	path := filepath.Join(dir, "clockin.yaml")
	require.NoError(t, config.Write(path, cfg))
	return &workspace{dir: dir, config: path}
}

func (w *workspace) photo(t *testing.T, name string) string {
	t.Helper()
	p := filepath.Join(w.dir, name)
	require.NoError(t, os.WriteFile(p, []byte("jpeg"), 0o644))
	return p
}

// run executes the root command and returns stdout and the error.
func (w *workspace) run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	out := &bytes.Buffer{}
	cmd := NewRootCommand()
	cmd.SetOut(out)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs(append([]string{"--config", w.config, "--env-file", filepath.Join(w.dir, "none.env")}, args...))
	err := cmd.Execute()
	return out.String(), err
}

func decode(t *testing.T, out string) CLIResponse {
	t.Helper()
	var resp CLIResponse
	require.NoError(t, json.Unmarshal([]byte(out), &resp), out)
	return resp
}

func TestStatus_FreshOwner(t *testing.T) {
	w := newWorkspace(t)
	out, err := w.run(t, "status")
	require.NoError(t, err)

	g := goldie.New(t, goldie.WithFixtureDir("testdata/golden"), goldie.WithNameSuffix(".golden"))
	g.Assert(t, "status_fresh", []byte(out))
}

func TestMissingOwner(t *testing.T) {
	w := newWorkspace(t)
	cfg, err := config.Load(w.config)
	require.NoError(t, err)
	cfg.Owner = ""
	require.NoError(t, config.Write(w.config, cfg))

	out, err := w.run(t, "status", "--format", "json")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	resp := decode(t, out)
	require.NotNil(t, resp.Error)
	assert.Equal(t, ErrCodeConfig, resp.Error.Code)
}

func TestOwnerFlagWithSeparator(t *testing.T) {
	w := newWorkspace(t)

	out, err := w.run(t, "status", "--owner", "u1_x", "--format", "json")
	require.Error(t, err)
	resp := decode(t, out)
	require.NotNil(t, resp.Error)
	assert.Equal(t, ErrCodeConfig, resp.Error.Code)
	assert.Contains(t, resp.Error.Message, "owner")
}

func TestDayLifecycleOffline(t *testing.T) {
	w := newWorkspace(t)
	photo := w.photo(t, "entry.jpg")

	out, err := w.run(t, "--offline", "entry", "Planta 1", "--photo", photo, "--lat", "4.61", "--lng", "-74.08")
	require.NoError(t, err)
	assert.Contains(t, out, "✓ Entry registered at Planta 1")
	assert.Contains(t, out, "photo pending upload")

	out, err = w.run(t, "--offline", "entry", "Planta 2", "--photo", photo, "--format", "json")
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Equal(t, "ALREADY_OPEN_ELSEWHERE", decode(t, out).Error.Code)

	out, err = w.run(t, "--offline", "close-day", "--format", "json")
	require.Error(t, err)
	assert.Equal(t, "INCOMPLETE_DAY", decode(t, out).Error.Code)

	out, err = w.run(t, "--offline", "status", "--format", "json")
	require.NoError(t, err)
	data := decode(t, out).Data.(map[string]any)
	assert.Equal(t, []any{"Planta 1"}, data["open_sites"])

	out, err = w.run(t, "--offline", "exit", "--photo", w.photo(t, "exit.jpg"))
	require.NoError(t, err)
	assert.Contains(t, out, "✓ Exit registered at Planta 1")

	out, err = w.run(t, "--offline", "report")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(out, "Planta 1  0h 0m\n"), out)

	out, err = w.run(t, "--offline", "close-day", "--format", "json")
	require.NoError(t, err)
	day := decode(t, out).Data.(map[string]any)
	assert.Equal(t, "cerrada", day["estado"])
	assert.Equal(t, "u1", day["userId"])

	out, err = w.run(t, "--offline", "status", "--format", "json")
	require.NoError(t, err)
	data = decode(t, out).Data.(map[string]any)
	assert.Empty(t, data["open_sites"])

	out, err = w.run(t, "--offline", "history")
	require.NoError(t, err)
	assert.Equal(t, day["fecha"].(string)+"  0h 0m\n", out)
}

func TestSync_PushesCompletedSession(t *testing.T) {
	w := newWorkspace(t)
	_, err := w.run(t, "--offline", "entry", "--photo", w.photo(t, "in.jpg"))
	require.NoError(t, err)
	_, err = w.run(t, "--offline", "exit", "--photo", w.photo(t, "out.jpg"))
	require.NoError(t, err)

	out, err := w.run(t, "sync", "--format", "json")
	require.NoError(t, err)
	rep := decode(t, out).Data.(map[string]any)
	assert.Equal(t, float64(2), rep["uploaded"])
	assert.Equal(t, float64(1), rep["pushed"])

	out, err = w.run(t, "sync")
	require.NoError(t, err)
	assert.Equal(t, "✓ Synced: 0 uploaded, 0 pushed\n", out)
}

func TestSync_Offline(t *testing.T) {
	w := newWorkspace(t)
	out, err := w.run(t, "--offline", "sync", "--format", "json")
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Equal(t, "SYNC_UNREACHABLE", decode(t, out).Error.Code)
}

func TestSelect(t *testing.T) {
	w := newWorkspace(t)
	out, err := w.run(t, "select", "Planta 2")
	require.NoError(t, err)
	assert.Equal(t, "Selected Planta 2\n", out)

	out, err = w.run(t, "status", "--format", "json")
	require.NoError(t, err)
	assert.Equal(t, "Planta 2", decode(t, out).Data.(map[string]any)["selected"])

	_, err = w.run(t, "select", "Planta 9")
	assert.Equal(t, ExitFailure, GetExitCode(err))
}

func TestInit(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "clockin.yaml")
	run := func(args ...string) (string, error) {
		out := &bytes.Buffer{}
		cmd := NewRootCommand()
		cmd.SetOut(out)
		cmd.SetErr(&bytes.Buffer{})
		cmd.SetArgs(append([]string{"--config", path, "--owner", "u7"}, args...))
		err := cmd.Execute()
		return out.String(), err
	}

	out, err := run("init")
	require.NoError(t, err)
	assert.Equal(t, "Wrote "+path+"\n", out)
	cfg, err := config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, "u7", cfg.Owner)

	_, err = run("init")
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	_, err = run("init", "--force")
	assert.NoError(t, err)
}
