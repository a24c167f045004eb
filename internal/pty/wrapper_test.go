//go:build !windows

package pty

import (
	"bytes"
	"strings"
	"sync"
	"testing"
	"time"
)

type collectSink struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (s *collectSink) Write(p []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.buf.Write(p)
	return nil
}

func (s *collectSink) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buf.String()
}

func waitForOutput(t *testing.T, sink *collectSink, want string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if strings.Contains(sink.String(), want) {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("output %q not seen, got %q", want, sink.String())
}

func TestStartStreamsOutputToSinks(t *testing.T) {
	w := New()
	sink := &collectSink{}
	w.AddSink(sink)

	err := w.Start(StartOptions{Command: "sh", Args: []string{"-c", "echo hello-pty"}})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitForOutput(t, sink, "hello-pty")

	// The replay buffer retains the same output for late subscribers.
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) && w.IsRunning() {
		time.Sleep(20 * time.Millisecond)
	}
	if !strings.Contains(string(w.ReplayBuffer()), "hello-pty") {
		t.Fatal("replay buffer missing process output")
	}
}

func TestExitEventCarriesCode(t *testing.T) {
	w := New()
	if err := w.Start(StartOptions{Command: "sh", Args: []string{"-c", "exit 3"}}); err != nil {
		t.Fatalf("Start: %v", err)
	}

	var exited *Event
	timeout := time.After(5 * time.Second)
	for exited == nil {
		select {
		case ev, ok := <-w.Events():
			if !ok {
				t.Fatal("events channel closed before process_exited")
			}
			if ev.Type == "process_exited" {
				exited = &ev
			}
		case <-timeout:
			t.Fatal("no process_exited event")
		}
	}
	if exited.ExitCode != 3 {
		t.Fatalf("ExitCode = %d, want 3", exited.ExitCode)
	}
	if w.ExitCode() != 3 {
		t.Fatalf("Wrapper.ExitCode = %d, want 3", w.ExitCode())
	}
}

func TestWriteReachesShell(t *testing.T) {
	w := New()
	sink := &collectSink{}
	w.AddSink(sink)

	if err := w.Start(StartOptions{Command: "cat"}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer w.Stop(2 * time.Second)

	if _, err := w.Write([]byte("roundtrip\n")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	waitForOutput(t, sink, "roundtrip")
}

func TestStopTerminatesProcess(t *testing.T) {
	w := New()
	if err := w.Start(StartOptions{Command: "sleep", Args: []string{"60"}}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := w.Stop(2 * time.Second); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if w.IsRunning() {
		t.Fatal("process still reported running after Stop")
	}
}

func TestSetWinSize(t *testing.T) {
	w := New()
	if err := w.Start(StartOptions{Command: "cat", Rows: 40, Cols: 120}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer w.Stop(2 * time.Second)

	rows, cols := w.WinSize()
	if rows != 40 || cols != 120 {
		t.Fatalf("WinSize = %dx%d, want 40x120", rows, cols)
	}
	if err := w.SetWinSize(25, 90); err != nil {
		t.Fatalf("SetWinSize: %v", err)
	}
	rows, cols = w.WinSize()
	if rows != 25 || cols != 90 {
		t.Fatalf("WinSize = %dx%d, want 25x90", rows, cols)
	}
}

func TestRemoveSinkStopsDelivery(t *testing.T) {
	w := New()
	sink := &collectSink{}
	w.AddSink(sink)
	w.RemoveSink(sink)

	if err := w.Start(StartOptions{Command: "sh", Args: []string{"-c", "echo silent"}}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) && w.IsRunning() {
		time.Sleep(20 * time.Millisecond)
	}
	if sink.String() != "" {
		t.Fatalf("removed sink still received %q", sink.String())
	}
}
