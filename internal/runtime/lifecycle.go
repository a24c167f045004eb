// Package runtime hosts the supervisor's long-running services: ordered
// startup, reverse-order shutdown, restarts, and fatal error surfacing.
package runtime

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
)

// Service is a unit the daemon starts and stops as part of its lifecycle.
type Service interface {
	Start(ctx context.Context) error
	Shutdown(ctx context.Context) error
}

// Lifecycle coordinates shutdown signalling across services.
type Lifecycle struct {
	shutdownOnce sync.Once
	shutdownChan chan struct{}
}

func NewLifecycle() *Lifecycle {
	return &Lifecycle{shutdownChan: make(chan struct{})}
}

// Done returns a channel closed when the lifecycle is shutting down.
func (l *Lifecycle) Done() <-chan struct{} {
	return l.shutdownChan
}

// Shutdown signals all listeners that the daemon is terminating.
func (l *Lifecycle) Shutdown() {
	l.shutdownOnce.Do(func() { close(l.shutdownChan) })
}

// WriteLockFile records the daemon's PID with owner-only permissions.
func WriteLockFile(path string, pid int) error {
	if path == "" {
		return fmt.Errorf("lock file path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create lock directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(strconv.Itoa(pid)), 0o600); err != nil {
		return fmt.Errorf("write lock file: %w", err)
	}
	return nil
}

// RemoveLockFile removes the lock file if it exists.
func RemoveLockFile(path string) {
	if path == "" {
		return
	}
	_ = os.Remove(path)
}

// ReadLockFile returns the PID stored in the lock file, or 0 when the
// file is missing or malformed.
func ReadLockFile(path string) int {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0
	}
	pid, err := strconv.Atoi(string(data))
	if err != nil {
		return 0
	}
	return pid
}
