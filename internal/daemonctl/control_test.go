package daemonctl_test

import (
	"errors"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"haul/internal/daemonctl"
)

func TestProcessInfoWithoutSocket(t *testing.T) {
	socket := filepath.Join(t.TempDir(), "haul.sock")
	reachable, pid, err := daemonctl.ProcessInfo(socket)
	if err != nil || reachable || pid != 0 {
		t.Fatalf("ProcessInfo = %v, %d, %v", reachable, pid, err)
	}
}

func TestProcessInfoWithStaleSocket(t *testing.T) {
	socket := filepath.Join(t.TempDir(), "haul.sock")
	listener, err := net.Listen("unix", socket)
	if err != nil {
		t.Skipf("unix sockets unavailable: %v", err)
	}
	// Keep the socket file after close, as a crashed daemon would.
	listener.(*net.UnixListener).SetUnlinkOnClose(false)
	listener.Close()
	if _, err := os.Stat(socket); err != nil {
		t.Fatalf("expected stale socket file: %v", err)
	}
	reachable, _, err := daemonctl.ProcessInfo(socket)
	if err != nil || reachable {
		t.Fatalf("expected stale socket treated as stopped, got %v, %v", reachable, err)
	}
}

func TestStopWithoutDaemon(t *testing.T) {
	socket := filepath.Join(t.TempDir(), "haul.sock")
	if _, err := daemonctl.Stop(socket, time.Second); !errors.Is(err, daemonctl.ErrDaemonNotRunning) {
		t.Fatalf("expected ErrDaemonNotRunning, got %v", err)
	}
}

func TestWaitForShutdownReturnsWhenSocketMissing(t *testing.T) {
	socket := filepath.Join(t.TempDir(), "haul.sock")
	if err := daemonctl.WaitForShutdown(socket, time.Second); err != nil {
		t.Fatalf("WaitForShutdown: %v", err)
	}
}

func TestLaunchRequiresExecutable(t *testing.T) {
	if err := daemonctl.Launch("  ", daemonctl.LaunchOptions{}); err == nil {
		t.Fatal("expected error for empty executable path")
	}
}
