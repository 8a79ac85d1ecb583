package main

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"haul/internal/config"
	"haul/internal/coordinator"
	"haul/internal/daemon"
	"haul/internal/fileutil"
	"haul/internal/ipc"
	"haul/internal/logging"
	"haul/internal/source/localfs"
	"haul/internal/testsupport"
)

type cliTestEnv struct {
	cfg        *config.Config
	daemon     *daemon.Daemon
	socketPath string
	configPath string
	mirrorRoot string
}

func setupCLITestEnv(t *testing.T) *cliTestEnv {
	t.Helper()

	cfg := testsupport.NewConfig(t, testsupport.WithMirrors("peer-a"))
	if err := cfg.EnsureDirectories(); err != nil {
		t.Fatalf("EnsureDirectories: %v", err)
	}
	mirrorRoot := cfg.Sources.Mirrors["peer-a"]
	if err := os.MkdirAll(mirrorRoot, 0o755); err != nil {
		t.Fatalf("mkdir mirror: %v", err)
	}
	configPath := filepath.Join(testsupport.BaseDir(cfg), "config.toml")
	writeTestConfig(t, configPath, cfg)

	store := testsupport.MustOpenJournal(t, cfg)
	dead := testsupport.MustOpenDeadLetters(t, cfg)
	logger := logging.NewNop()
	mirror := localfs.FromConfig(cfg, fileutil.NewOSFs(), logger)
	coord, err := coordinator.New(cfg, coordinator.Dependencies{
		Journal:     store,
		DeadLetters: dead,
		Source:      mirror,
		Finder:      mirror,
		Logger:      logger,
	})
	if err != nil {
		t.Fatalf("coordinator.New: %v", err)
	}
	d, err := daemon.New(cfg, store, coord, logger)
	if err != nil {
		t.Fatalf("daemon.New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	if err := d.Start(ctx); err != nil {
		cancel()
		t.Fatalf("daemon.Start: %v", err)
	}
	srv, err := ipc.NewServer(ctx, cfg.SocketPath(), d, logger)
	if err != nil {
		cancel()
		d.Close()
		if strings.Contains(err.Error(), "operation not permitted") {
			t.Skipf("skipping CLI test: %v", err)
		}
		t.Fatalf("ipc.NewServer: %v", err)
	}
	srv.Serve()

	t.Cleanup(func() {
		cancel()
		srv.Close()
		d.Close()
	})

	return &cliTestEnv{
		cfg:        cfg,
		daemon:     d,
		socketPath: cfg.SocketPath(),
		configPath: configPath,
		mirrorRoot: mirrorRoot,
	}
}

func writeTestConfig(t *testing.T, path string, cfg *config.Config) {
	t.Helper()
	content := fmt.Sprintf(
		"[paths]\nstaging_dir = %q\nlibrary_dir = %q\nstate_dir = %q\nlog_dir = %q\nenv_file = \"\"\n\n[sources.mirrors]\npeer-a = %q\n",
		cfg.Paths.StagingDir,
		cfg.Paths.LibraryDir,
		cfg.Paths.StateDir,
		cfg.Paths.LogDir,
		cfg.Sources.Mirrors["peer-a"],
	)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
}

func runCLI(t *testing.T, args []string, socket, configPath string) (string, string, error) {
	t.Helper()
	cmd := newRootCommand()
	var stdout, stderr bytes.Buffer
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	flags := []string{"--socket", socket}
	if configPath != "" {
		flags = append(flags, "--config", configPath)
	}
	cmd.SetArgs(append(flags, args...))
	err := cmd.Execute()
	return stdout.String(), stderr.String(), err
}

func waitFor(t *testing.T, duration time.Duration, fn func() bool) {
	t.Helper()
	deadline := time.Now().Add(duration)
	for time.Now().Before(deadline) {
		if fn() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s", duration)
}

func requireContains(t *testing.T, output, substr string) {
	t.Helper()
	if !strings.Contains(output, substr) {
		t.Fatalf("expected %q to contain %q", output, substr)
	}
}

func TestConfigInitAndValidate(t *testing.T) {
	env := setupCLITestEnv(t)

	out, _, err := runCLI(t, []string{"config", "validate"}, env.socketPath, env.configPath)
	if err != nil {
		t.Fatalf("config validate: %v", err)
	}
	requireContains(t, out, "Mirrors: peer-a")
	requireContains(t, out, "Configuration valid")

	target := filepath.Join(t.TempDir(), "config.toml")
	out, _, err = runCLI(t, []string{"config", "init", "--path", target}, env.socketPath, "")
	if err != nil {
		t.Fatalf("config init: %v", err)
	}
	requireContains(t, out, "Wrote sample configuration")
	if _, err := os.Stat(target); err != nil {
		t.Fatalf("expected config file at %s: %v", target, err)
	}
	if _, _, err := runCLI(t, []string{"config", "init", "--path", target}, env.socketPath, ""); err == nil {
		t.Fatal("expected init to refuse overwriting without --overwrite")
	}
}

func TestSubmitListShowAndWatch(t *testing.T) {
	env := setupCLITestEnv(t)
	data := testsupport.WriteFile(t, filepath.Join(env.mirrorRoot, "shows", "ep1.mkv"), 4096)

	out, _, err := runCLI(t, []string{"submit", "--lane", "express", "--peer", "peer-a", "--remote", "shows/ep1.mkv", "ep1", "shows/ep1.mkv"}, env.socketPath, env.configPath)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	requireContains(t, out, "Transfer ep1 queued in express lane")

	out, _, err = runCLI(t, []string{"watch", "ep1", "--wait", "500ms"}, env.socketPath, env.configPath)
	if err != nil {
		t.Fatalf("watch: %v", err)
	}
	requireContains(t, out, "Completed")
	testsupport.RequireContent(t, filepath.Join(env.cfg.Paths.LibraryDir, "shows", "ep1.mkv"), data)

	out, _, err = runCLI(t, []string{"list", "--state", "completed"}, env.socketPath, env.configPath)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	requireContains(t, out, "ep1")
	requireContains(t, out, "peer-a:shows/ep1.mkv")

	out, _, err = runCLI(t, []string{"show", "ep1"}, env.socketPath, env.configPath)
	if err != nil {
		t.Fatalf("show: %v", err)
	}
	requireContains(t, out, "State:      Completed")
	requireContains(t, out, "4.0 KiB")
}

func TestSubmitFindsSourceWhenPeerOmitted(t *testing.T) {
	env := setupCLITestEnv(t)
	testsupport.WriteFile(t, filepath.Join(env.mirrorRoot, "iso", "disk.img"), 1024)

	if _, _, err := runCLI(t, []string{"submit", "iso/disk.img", "disk.img"}, env.socketPath, env.configPath); err != nil {
		t.Fatalf("submit: %v", err)
	}
	waitFor(t, 5*time.Second, func() bool {
		snap, ok := env.daemon.Coordinator().Snapshot("iso/disk.img")
		return ok && snap.State == coordinator.StateCompleted
	})

	out, _, err := runCLI(t, []string{"submit", "missing/file", "file"}, env.socketPath, env.configPath)
	if err == nil {
		t.Fatal("expected submit without any source to fail")
	}
	requireContains(t, out, "has no usable source")
}

func TestSubmitRejectsUnknownLane(t *testing.T) {
	env := setupCLITestEnv(t)
	_, _, err := runCLI(t, []string{"submit", "--lane", "warp", "x", "x"}, env.socketPath, env.configPath)
	if err == nil {
		t.Fatal("expected unknown lane to be rejected")
	}
	requireContains(t, err.Error(), "warp")
}

func TestCancelUnknownTransfer(t *testing.T) {
	env := setupCLITestEnv(t)
	_, _, err := runCLI(t, []string{"cancel", "nope"}, env.socketPath, env.configPath)
	if err == nil {
		t.Fatal("expected cancel of unknown transfer to fail")
	}
	requireContains(t, err.Error(), "not found")
}

func TestStatusShowsLanes(t *testing.T) {
	env := setupCLITestEnv(t)
	out, _, err := runCLI(t, []string{"status"}, env.socketPath, env.configPath)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	requireContains(t, out, "Running:     yes")
	requireContains(t, out, "Staging:     0 B in 0 partial files")
	requireContains(t, out, "Lanes (6 slots)")
	requireContains(t, out, "express")
	requireContains(t, out, "background")
}

func TestDeadLettersEmptyAndAckUnknown(t *testing.T) {
	env := setupCLITestEnv(t)
	out, _, err := runCLI(t, []string{"deadletters"}, env.socketPath, env.configPath)
	if err != nil {
		t.Fatalf("deadletters: %v", err)
	}
	requireContains(t, out, "No dead letters")

	if _, _, err := runCLI(t, []string{"deadletters", "ack", "ghost"}, env.socketPath, env.configPath); err == nil {
		t.Fatal("expected ack of unknown dead letter to fail")
	}
	_, _, err = runCLI(t, []string{"ack", "ghost"}, env.socketPath, env.configPath)
	if err == nil {
		t.Fatal("expected top-level ack of unknown dead letter to fail")
	}
	requireContains(t, err.Error(), "not found")
}

func TestCommandsReportMissingDaemon(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	configPath := filepath.Join(testsupport.BaseDir(cfg), "config.toml")
	content := fmt.Sprintf("[paths]\nstaging_dir = %q\nstate_dir = %q\nlog_dir = %q\nlibrary_dir = %q\nenv_file = \"\"\n",
		cfg.Paths.StagingDir, cfg.Paths.StateDir, cfg.Paths.LogDir, cfg.Paths.LibraryDir)
	if err := os.WriteFile(configPath, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	socket := filepath.Join(testsupport.BaseDir(cfg), "absent.sock")
	_, _, err := runCLI(t, []string{"status"}, socket, configPath)
	if err == nil {
		t.Fatal("expected status to fail without a daemon")
	}
	requireContains(t, err.Error(), "haul start")

	out, _, err := runCLI(t, []string{"stop"}, socket, configPath)
	if err != nil {
		t.Fatalf("stop: %v", err)
	}
	requireContains(t, out, "Daemon is not running")
}

func TestLogsShowsTrailingLines(t *testing.T) {
	env := setupCLITestEnv(t)
	logPath := filepath.Join(env.cfg.Paths.LogDir, "haul.log")
	content := "line one item_id=a\nline two item_id=b\nline three item_id=a\n"
	if err := os.WriteFile(logPath, []byte(content), 0o644); err != nil {
		t.Fatalf("write log: %v", err)
	}

	out, _, err := runCLI(t, []string{"logs", "-n", "2"}, env.socketPath, env.configPath)
	if err != nil {
		t.Fatalf("logs: %v", err)
	}
	if strings.Contains(out, "line one") {
		t.Fatalf("expected only the last two lines, got %q", out)
	}
	requireContains(t, out, "line three")

	out, _, err = runCLI(t, []string{"logs", "--item", "a"}, env.socketPath, env.configPath)
	if err != nil {
		t.Fatalf("logs --item: %v", err)
	}
	requireContains(t, out, "line one")
	if strings.Contains(out, "line two") {
		t.Fatalf("expected item filter to drop other items, got %q", out)
	}
}
