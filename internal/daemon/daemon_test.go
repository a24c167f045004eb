package daemon

import (
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/pptb-app/pptb/internal/config"
	"github.com/pptb-app/pptb/internal/config/store"
	daemonruntime "github.com/pptb-app/pptb/internal/runtime"
)

func testPaths(t *testing.T) config.Paths {
	t.Helper()
	t.Setenv(config.HomeEnv, t.TempDir())
	paths, err := config.EnsureDirs()
	if err != nil {
		t.Fatalf("EnsureDirs: %v", err)
	}
	return paths
}

func startTestDaemon(t *testing.T) (*Daemon, config.Paths) {
	t.Helper()
	paths := testPaths(t)
	st, err := store.Open(store.Options{DBPath: paths.ConfigDB})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	d, err := New(Options{
		Store:      st,
		Paths:      paths,
		ListenAddr: "127.0.0.1:0",
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- d.Start() }()
	t.Cleanup(func() {
		d.Shutdown()
		select {
		case err := <-done:
			if err != nil {
				t.Errorf("Start returned: %v", err)
			}
		case <-time.After(5 * time.Second):
			t.Error("daemon did not stop")
		}
	})

	waitForLock(t, paths.Lock)
	return d, paths
}

func waitForLock(t *testing.T, lockPath string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if _, err := os.Stat(lockPath); err == nil {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("lock file never appeared")
}

func TestDaemonServesIPCEndpoint(t *testing.T) {
	d, _ := startTestDaemon(t)

	addr := d.Addr()
	if addr == "" || addr == "127.0.0.1:0" {
		t.Fatalf("daemon did not report a bound address: %q", addr)
	}
	conn, err := net.DialTimeout("tcp", addr, time.Second)
	if err != nil {
		t.Fatalf("dial %s: %v", addr, err)
	}
	conn.Close()

	if !Reachable(addr) {
		t.Fatal("Reachable should see the live endpoint")
	}
}

func TestDaemonHoldsAndReleasesLock(t *testing.T) {
	d, paths := startTestDaemon(t)

	if !IsRunning(paths) {
		t.Fatal("IsRunning should report the live daemon")
	}
	if pid := daemonruntime.ReadLockFile(paths.Lock); pid != os.Getpid() {
		t.Fatalf("lock pid = %d, want %d", pid, os.Getpid())
	}

	d.Shutdown()

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if _, err := os.Stat(paths.Lock); os.IsNotExist(err) {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if _, err := os.Stat(paths.Lock); !os.IsNotExist(err) {
		t.Fatal("lock file should be removed on shutdown")
	}
	if IsRunning(paths) {
		t.Fatal("IsRunning should be false after shutdown")
	}
}

func TestIsRunningCleansStaleLock(t *testing.T) {
	paths := testPaths(t)
	lock := filepath.Join(paths.Home, "daemon.lock")

	// A PID that cannot exist on Linux (beyond pid_max).
	if err := daemonruntime.WriteLockFile(lock, 1<<22+1); err != nil {
		t.Fatal(err)
	}
	if IsRunning(paths) {
		t.Fatal("a dead process must not count as running")
	}
	if _, err := os.Stat(lock); !os.IsNotExist(err) {
		t.Fatal("stale lock should be removed")
	}
}
