// Package pty runs child shells for the terminal supervisor. Each
// Wrapper owns one pseudo-terminal process, keeps a bounded replay
// buffer, and fans output out to registered sinks.
package pty

import (
	"bytes"
	"errors"
	"io"
	"log"
	"os"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	ptyDevice "github.com/creack/pty"

	"github.com/pptb-app/pptb/internal/procutil"
)

const (
	defaultRows = 24
	defaultCols = 80

	// replayBufferSize bounds the output kept for late subscribers.
	replayBufferSize = 256 * 1024
)

// StartOptions configures the child shell.
type StartOptions struct {
	Command    string
	Args       []string
	WorkingDir string
	Env        []string
	Rows       uint16
	Cols       uint16
}

// OutputSink receives raw PTY output chunks.
type OutputSink interface {
	Write([]byte) error
}

// Event reports a lifecycle transition of the child process.
type Event struct {
	Type      string // "process_started", "process_exited"
	Timestamp time.Time
	PID       int
	ExitCode  int
	Err       error
}

// Wrapper hosts one shell process behind a pseudo-terminal.
type Wrapper struct {
	ptyFile *os.File
	command *exec.Cmd

	currentRows atomic.Int32
	currentCols atomic.Int32

	replay      bytes.Buffer
	replayMutex sync.RWMutex

	sinks      []OutputSink
	sinksMutex sync.RWMutex

	events       chan Event
	eventsMutex  sync.RWMutex
	eventsClosed bool

	commandMu    sync.RWMutex
	ptyCloseOnce sync.Once

	running  atomic.Bool
	exitCode atomic.Int32
	waitOnce sync.Once
	pid      int
}

func New() *Wrapper {
	return &Wrapper{
		events: make(chan Event, 64),
	}
}

// Start launches the command behind a new pseudo-terminal. The
// environment always carries TERM and LANG so tool-facing shells render
// correctly regardless of how the daemon was launched.
func (w *Wrapper) Start(opts StartOptions) error {
	w.command = exec.Command(opts.Command, opts.Args...)
	if opts.WorkingDir != "" {
		w.command.Dir = opts.WorkingDir
	}

	env := opts.Env
	if len(env) == 0 {
		env = os.Environ()
	}
	if !envHas(env, "TERM=") {
		env = append(env, "TERM=xterm-256color")
	}
	if !envHas(env, "LANG=") && !envHas(env, "LC_ALL=") {
		env = append(env, "LANG=C.UTF-8")
	}
	w.command.Env = env

	var err error
	w.ptyFile, err = ptyDevice.Start(w.command)
	if err != nil {
		return err
	}

	rows := int(opts.Rows)
	cols := int(opts.Cols)
	if rows == 0 {
		rows = defaultRows
	}
	if cols == 0 {
		cols = defaultCols
	}
	if err := w.SetWinSize(rows, cols); err != nil {
		log.Printf("[PTY] WARNING: could not set initial window size: %v", err)
	}

	w.running.Store(true)
	w.exitCode.Store(-1)
	w.waitOnce = sync.Once{}
	w.ptyCloseOnce = sync.Once{}
	if w.command.Process != nil {
		w.pid = w.command.Process.Pid
	}

	w.emitEvent(Event{Type: "process_started", Timestamp: time.Now(), PID: w.pid})

	go w.pump()
	return nil
}

func envHas(env []string, prefix string) bool {
	for _, e := range env {
		if strings.HasPrefix(e, prefix) {
			return true
		}
	}
	return false
}

// pump copies PTY output into the replay buffer and the sinks until the
// process exits.
func (w *Wrapper) pump() {
	buf := make([]byte, 4096)
	for {
		n, err := w.ptyFile.Read(buf)
		if n > 0 {
			w.appendReplay(buf[:n])
			w.broadcast(buf[:n])
		}
		if err != nil {
			w.closePTY()
			w.running.Store(false)
			reapErr := w.reapProcess()
			_ = reapErr

			w.emitEvent(Event{
				Type:      "process_exited",
				Timestamp: time.Now(),
				PID:       w.pid,
				ExitCode:  int(w.exitCode.Load()),
			})
			w.closeEvents()
			return
		}
	}
}

func (w *Wrapper) appendReplay(data []byte) {
	w.replayMutex.Lock()
	defer w.replayMutex.Unlock()
	if w.replay.Len()+len(data) > replayBufferSize {
		w.replay.Next(w.replay.Len() + len(data) - replayBufferSize)
	}
	w.replay.Write(data)
}

func (w *Wrapper) broadcast(data []byte) {
	w.sinksMutex.RLock()
	defer w.sinksMutex.RUnlock()
	for _, sink := range w.sinks {
		if err := sink.Write(data); err != nil {
			log.Printf("[PTY] Sink write failed: %v", err)
		}
	}
}

// AddSink registers an output consumer.
func (w *Wrapper) AddSink(sink OutputSink) {
	w.sinksMutex.Lock()
	defer w.sinksMutex.Unlock()
	w.sinks = append(w.sinks, sink)
}

// RemoveSink unregisters an output consumer.
func (w *Wrapper) RemoveSink(sink OutputSink) {
	w.sinksMutex.Lock()
	defer w.sinksMutex.Unlock()
	for i, s := range w.sinks {
		if s == sink {
			w.sinks = append(w.sinks[:i], w.sinks[i+1:]...)
			return
		}
	}
}

// Write sends input to the shell.
func (w *Wrapper) Write(data []byte) (int, error) {
	if w.ptyFile == nil {
		return 0, io.ErrClosedPipe
	}
	return w.ptyFile.Write(data)
}

// ReplayBuffer returns a copy of the retained output.
func (w *Wrapper) ReplayBuffer() []byte {
	w.replayMutex.RLock()
	defer w.replayMutex.RUnlock()
	if w.replay.Len() == 0 {
		return nil
	}
	return append([]byte(nil), w.replay.Bytes()...)
}

// SetWinSize resizes the pseudo-terminal.
func (w *Wrapper) SetWinSize(rows, cols int) error {
	if w.ptyFile == nil {
		return io.ErrClosedPipe
	}
	size := ptyDevice.Winsize{Rows: uint16(rows), Cols: uint16(cols)}
	if err := ptyDevice.Setsize(w.ptyFile, &size); err != nil {
		return err
	}
	w.currentRows.Store(int32(rows))
	w.currentCols.Store(int32(cols))
	return nil
}

// WinSize returns the current pseudo-terminal dimensions.
func (w *Wrapper) WinSize() (rows, cols int) {
	return int(w.currentRows.Load()), int(w.currentCols.Load())
}

func (w *Wrapper) closePTY() {
	w.ptyCloseOnce.Do(func() {
		if w.ptyFile != nil {
			w.ptyFile.Close()
		}
	})
}

func (w *Wrapper) closeEvents() {
	w.eventsMutex.Lock()
	defer w.eventsMutex.Unlock()
	if !w.eventsClosed {
		close(w.events)
		w.eventsClosed = true
	}
}

// isExpectedTerminationError reports whether err is the normal exit of a
// process we deliberately terminated.
func isExpectedTerminationError(err error) bool {
	var exitErr *exec.ExitError
	return errors.As(err, &exitErr)
}

// Stop terminates the shell gracefully, escalating to SIGKILL after the
// timeout.
func (w *Wrapper) Stop(timeout time.Duration) error {
	if !w.running.Load() {
		return nil
	}
	defer w.closePTY()

	w.commandMu.RLock()
	cmd := w.command
	w.commandMu.RUnlock()
	if cmd == nil || cmd.Process == nil {
		return nil
	}

	if err := procutil.GracefulTerminate(cmd.Process); err != nil {
		return err
	}

	done := make(chan error, 1)
	go func() {
		done <- w.reapProcess()
	}()

	select {
	case err := <-done:
		w.running.Store(false)
		w.closeEvents()
		if err != nil && isExpectedTerminationError(err) {
			return nil
		}
		return err
	case <-time.After(timeout):
		if err := cmd.Process.Kill(); err != nil {
			return err
		}
		w.running.Store(false)
		w.closeEvents()
		err := <-done
		if err != nil && isExpectedTerminationError(err) {
			return nil
		}
		return err
	}
}

func (w *Wrapper) reapProcess() error {
	var waitErr error
	w.waitOnce.Do(func() {
		w.commandMu.Lock()
		defer w.commandMu.Unlock()
		if w.command == nil {
			w.exitCode.Store(-1)
			return
		}
		waitErr = w.command.Wait()
		if state := w.command.ProcessState; state != nil {
			w.exitCode.Store(int32(state.ExitCode()))
		} else {
			w.exitCode.Store(-1)
		}
	})
	return waitErr
}

// IsRunning reports whether the shell process is alive.
func (w *Wrapper) IsRunning() bool {
	return w.running.Load()
}

// PID returns the shell's process id.
func (w *Wrapper) PID() int {
	return w.pid
}

// ExitCode returns the exit code, or -1 while the process is running.
func (w *Wrapper) ExitCode() int {
	if w.running.Load() {
		return -1
	}
	return int(w.exitCode.Load())
}

// Events returns the lifecycle event channel. It is closed after
// process_exited is delivered.
func (w *Wrapper) Events() <-chan Event {
	w.eventsMutex.RLock()
	defer w.eventsMutex.RUnlock()
	return w.events
}

func (w *Wrapper) emitEvent(event Event) {
	w.eventsMutex.RLock()
	defer w.eventsMutex.RUnlock()
	if w.eventsClosed {
		return
	}
	select {
	case w.events <- event:
	default:
	}
}
