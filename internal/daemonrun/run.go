package daemonrun

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strconv"
	"syscall"
	"time"

	"haul/internal/config"
	"haul/internal/coordinator"
	"haul/internal/daemon"
	"haul/internal/deadletter"
	"haul/internal/fileutil"
	"haul/internal/ipc"
	"haul/internal/journal"
	"haul/internal/logging"
	"haul/internal/source/localfs"
)

// Options configures daemon process runtime behavior.
type Options struct {
	LogLevel    string
	Development bool
	// Ready, when set, receives the socket path once the IPC server accepts
	// connections.
	Ready func(socket string)
}

// Run starts the haul daemon and blocks until ctx ends or a termination
// signal arrives.
func Run(cmdCtx context.Context, cfg *config.Config, opts Options) error {
	if cfg == nil {
		return fmt.Errorf("config is required")
	}
	if err := cfg.EnsureDirectories(); err != nil {
		return fmt.Errorf("ensure directories: %w", err)
	}

	signalCtx, cancel := signal.NotifyContext(cmdCtx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	runID := time.Now().UTC().Format("20060102T150405.000Z")
	logPath := filepath.Join(cfg.Paths.LogDir, fmt.Sprintf("haul-%s.log", runID))
	level := opts.LogLevel
	if level == "" {
		level = cfg.Logging.Level
	}
	logger, err := logging.New(logging.Options{
		Level:            level,
		Format:           cfg.Logging.Format,
		OutputPaths:      []string{"stdout", logPath},
		ErrorOutputPaths: []string{"stderr", logPath},
		Development:      opts.Development,
	})
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	if err := ensureCurrentLogPointer(cfg.Paths.LogDir, logPath); err != nil {
		fmt.Fprintf(os.Stderr, "warn: unable to update haul.log link: %v\n", err)
	}
	logMirrorSnapshot(logger, cfg)

	pidPath := filepath.Join(cfg.Paths.StateDir, "haul.pid")
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("write pid file: %w", err)
	}
	defer os.Remove(pidPath)

	store, err := journal.Open(cfg)
	if err != nil {
		logger.Error("open journal", logging.Error(err))
		return err
	}
	defer store.Close()

	dead, err := deadletter.Open(cfg.DeadLetterPath(), logger)
	if err != nil {
		logger.Error("open dead-letter store", logging.Error(err))
		return err
	}
	defer dead.Close()

	mirror := localfs.FromConfig(cfg, fileutil.NewOSFs(), logger)
	coord, err := coordinator.New(cfg, coordinator.Dependencies{
		Journal:     store,
		DeadLetters: dead,
		Source:      mirror,
		Finder:      mirror,
		Logger:      logger,
	})
	if err != nil {
		return fmt.Errorf("create coordinator: %w", err)
	}

	d, err := daemon.New(cfg, store, coord, logger)
	if err != nil {
		return fmt.Errorf("create daemon: %w", err)
	}
	defer d.Close()

	// The lock is taken before the socket is bound so a second instance
	// never replaces the socket of a running one.
	if err := d.Start(signalCtx); err != nil {
		logging.ErrorWithContext(logger, "daemon start failed", "daemon_start_failed",
			logging.Error(err),
			logging.Hint("check for another running daemon and journal access"),
		)
		return fmt.Errorf("start daemon: %w", err)
	}

	socketPath := cfg.SocketPath()
	ipcServer, err := ipc.NewServer(signalCtx, socketPath, d, logger)
	if err != nil {
		return fmt.Errorf("start IPC server: %w", err)
	}
	defer ipcServer.Close()
	ipcServer.Serve()
	if opts.Ready != nil {
		opts.Ready(socketPath)
	}

	<-signalCtx.Done()
	logger.Info("haul daemon shutting down", logging.Event("daemon_shutdown"))
	return nil
}

func ensureCurrentLogPointer(logDir, target string) error {
	if logDir == "" || target == "" {
		return nil
	}
	current := filepath.Join(logDir, "haul.log")
	if err := os.Remove(current); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove existing log pointer: %w", err)
	}
	if err := os.Symlink(target, current); err == nil {
		return nil
	}
	if err := os.Link(target, current); err != nil {
		return fmt.Errorf("link log pointer: %w", err)
	}
	return nil
}

func writePIDFile(path string) error {
	if path == "" {
		return nil
	}
	value := strconv.Itoa(os.Getpid()) + "\n"
	return os.WriteFile(path, []byte(value), 0o644)
}

// ReadPIDFile returns the pid recorded by a running daemon, or 0.
func ReadPIDFile(cfg *config.Config) int {
	if cfg == nil {
		return 0
	}
	data, err := os.ReadFile(filepath.Join(cfg.Paths.StateDir, "haul.pid"))
	if err != nil {
		return 0
	}
	pid, err := strconv.Atoi(string(trimNewline(data)))
	if err != nil {
		return 0
	}
	return pid
}

func trimNewline(b []byte) []byte {
	for len(b) > 0 && (b[len(b)-1] == '\n' || b[len(b)-1] == '\r') {
		b = b[:len(b)-1]
	}
	return b
}

func logMirrorSnapshot(logger *slog.Logger, cfg *config.Config) {
	if logger == nil || cfg == nil {
		return
	}
	peers := make([]string, 0, len(cfg.Sources.Mirrors))
	for peer := range cfg.Sources.Mirrors {
		peers = append(peers, peer)
	}
	sort.Strings(peers)
	logger.Info("source snapshot",
		logging.Event("source_snapshot"),
		logging.Int("mirror_count", len(peers)),
		logging.Any("mirrors", peers),
		logging.String("staging_dir", cfg.Paths.StagingDir),
		logging.String("library_dir", cfg.Paths.LibraryDir),
		logging.Int("total_slots", cfg.Scheduler.TotalSlots),
	)
}
