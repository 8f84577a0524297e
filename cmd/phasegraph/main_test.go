package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/msageha/phasegraph/internal/api"
	"github.com/msageha/phasegraph/internal/daemon"
	"github.com/msageha/phasegraph/internal/model"
	"github.com/msageha/phasegraph/internal/workflow"
	"github.com/msageha/phasegraph/internal/yaml"
)

const testConfigYAML = `store:
  driver: memory
daemon:
  shutdown_timeout_sec: 2
logging:
  level: warn
`

// startDaemon runs a memory-backed daemon in a fresh state dir.
func startDaemon(t *testing.T) string {
	t.Helper()
	dir, err := os.MkdirTemp("/tmp", "pg-cmd-*")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })

	cfgPath := filepath.Join(dir, yaml.DefaultConfigFile)
	require.NoError(t, os.WriteFile(cfgPath, []byte(testConfigYAML), 0644))
	cfg, err := yaml.LoadConfig(cfgPath)
	require.NoError(t, err)

	d := daemon.New(dir, cfgPath, cfg, &bytes.Buffer{})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	select {
	case <-d.Ready():
	case err := <-done:
		t.Fatalf("daemon exited early: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("daemon not ready")
	}
	return dir
}

// run executes the CLI against dir and returns stdout.
func run(t *testing.T, dir string, args ...string) (string, error) {
	t.Helper()
	cmd := rootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(append([]string{"--dir", dir}, args...))
	err := cmd.Execute()
	return out.String(), err
}

func runTask(t *testing.T, dir string, args ...string) model.Task {
	t.Helper()
	out, err := run(t, dir, args...)
	require.NoError(t, err, out)
	var task model.Task
	require.NoError(t, json.Unmarshal([]byte(out), &task), out)
	return task
}

func TestVersion(t *testing.T) {
	out, err := run(t, t.TempDir(), "version")
	require.NoError(t, err)
	assert.Equal(t, "phasegraph version "+Version+" (build: dev)\n", out)
}

func TestCLI_TaskFlow(t *testing.T) {
	dir := startDaemon(t)

	out, err := run(t, dir, "ping")
	require.NoError(t, err)
	assert.Equal(t, "ok\n", out)

	first := runTask(t, dir, "task", "spawn", "-e", "exec-1", "--title", "Map the auth flow", "--phase", "investigation", "--by", "agent-1")
	assert.Equal(t, model.StatusPending, first.Status)

	second := runTask(t, dir, "task", "spawn", "-e", "exec-1", "--title", "Add refresh tokens",
		"--phase", "building", "--by", "agent-1", "--blocked-by", first.ID)
	assert.Equal(t, model.StatusBlocked, second.Status)
	assert.Equal(t, []string{first.ID}, second.BlockedBy)

	out, err = run(t, dir, "task", "executable", "exec-1")
	require.NoError(t, err)
	var ready []model.Task
	require.NoError(t, json.Unmarshal([]byte(out), &ready))
	require.Len(t, ready, 1)
	assert.Equal(t, first.ID, ready[0].ID)

	_, err = run(t, dir, "task", "status", second.ID, "in_progress")
	require.Error(t, err)
	assert.True(t, errors.Is(err, workflow.ErrTaskBlocked))
	var stderr bytes.Buffer
	assert.Equal(t, 2, report(&stderr, err))
	assert.Contains(t, stderr.String(), "Error [TASK_BLOCKED]")

	runTask(t, dir, "task", "status", first.ID, "in_progress")
	runTask(t, dir, "task", "status", first.ID, "completed")
	got := runTask(t, dir, "task", "get", second.ID)
	assert.Equal(t, model.StatusPending, got.Status)

	out, err = run(t, dir, "executions")
	require.NoError(t, err)
	assert.Contains(t, out, "exec-1")
}

func TestCLI_ValidationErrorExitsOne(t *testing.T) {
	dir := startDaemon(t)

	_, err := run(t, dir, "task", "spawn", "-e", "exec-1", "--title", "x", "--phase", "deploying", "--by", "a")
	require.Error(t, err)
	assert.True(t, errors.Is(err, workflow.ErrInvalidPhase))

	var stderr bytes.Buffer
	assert.Equal(t, 1, report(&stderr, err))
	assert.Contains(t, stderr.String(), "INVALID_PHASE")
}

func TestCLI_BranchAndExport(t *testing.T) {
	dir := startDaemon(t)

	out, err := run(t, dir, "branch", "create", "exec-2", "cache layer looks promising")
	require.NoError(t, err)
	var branch model.Branch
	require.NoError(t, json.Unmarshal([]byte(out), &branch))
	assert.Equal(t, "exec-2", branch.ExecutionID)

	task := runTask(t, dir, "task", "spawn", "--branch", branch.ID, "--title", "Prototype cache", "--phase", "building", "--by", "agent-2")
	assert.Equal(t, branch.ID, task.BranchID)
	assert.Equal(t, "exec-2", task.ExecutionID)

	_, err = run(t, dir, "branch", "merge", branch.ID, "-m", "too early")
	require.Error(t, err)
	assert.True(t, errors.Is(err, workflow.ErrBranchNotReady))

	runTask(t, dir, "task", "status", task.ID, "in_progress")
	runTask(t, dir, "task", "status", task.ID, "completed")
	_, err = run(t, dir, "branch", "merge", branch.ID, "-m", "cache works")
	require.NoError(t, err)

	out, err = run(t, dir, "coherence", "score", "exec-2", "agent-2")
	require.NoError(t, err)
	assert.Equal(t, "1.000\n", out)

	snapPath := filepath.Join(dir, "snap.yaml")
	out, err = run(t, dir, "export", "exec-2", "-o", snapPath)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(out, "wrote 1 tasks and 1 branches"), out)

	var snap api.Snapshot
	require.NoError(t, yaml.ReadDocument(snapPath, yaml.FileTypeSnapshot, &snap))
	assert.Equal(t, "exec-2", snap.ExecutionID)
	require.Len(t, snap.Branches, 1)
	assert.Equal(t, model.BranchStatusMerged, snap.Branches[0].Status)
}

func TestCLI_Stop(t *testing.T) {
	dir := startDaemon(t)

	out, err := run(t, dir, "stop")
	require.NoError(t, err)
	assert.Equal(t, "daemon stopping\n", out)

	require.Eventually(t, func() bool {
		_, err := run(t, dir, "ping")
		return err != nil
	}, 5*time.Second, 50*time.Millisecond)
}

func TestCLI_DaemonNotRunning(t *testing.T) {
	_, err := run(t, t.TempDir(), "ping")
	require.Error(t, err)
}

func TestGlobals_SocketPath(t *testing.T) {
	g := &globals{dir: "/var/pg", socket: "custom.sock"}
	p, err := g.socketPath()
	require.NoError(t, err)
	assert.Equal(t, "/var/pg/custom.sock", p)

	g = &globals{dir: t.TempDir()}
	p, err = g.socketPath()
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(g.dir, "phasegraph.sock"), p)
}

func TestCLI_InitThenStatus(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "state")
	out, err := run(t, dir, "init", "--driver", "memory")
	require.NoError(t, err)
	assert.Equal(t, "Initialized "+dir+"\n", out)

	_, err = run(t, dir, "init")
	require.Error(t, err, "second init must not overwrite the config")

	out, err = run(t, dir, "status")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(out, "Daemon: stopped"), out)
}

func TestCLI_StatusForExecution(t *testing.T) {
	dir := startDaemon(t)
	runTask(t, dir, "task", "spawn", "-e", "exec-3", "--title", "Read the logs", "--phase", "investigation", "--by", "agent-3")

	out, err := run(t, dir, "status", "exec-3")
	require.NoError(t, err)
	assert.Contains(t, out, "Daemon: running")
	assert.Contains(t, out, "Execution: exec-3")
	assert.Contains(t, out, "Anomalies: none")
}
