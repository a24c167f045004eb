//go:build !windows

package terminal

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/pptb-app/pptb/internal/eventbus"
	"github.com/pptb-app/pptb/internal/fault"
)

func newTestSupervisor(t *testing.T) (*Supervisor, *eventbus.Bus) {
	t.Helper()
	bus := eventbus.New()
	t.Cleanup(bus.Shutdown)
	sup := NewSupervisor(bus)
	sup.shell = "sh"
	t.Cleanup(sup.Shutdown)
	return sup, bus
}

func TestCreateTagsTerminalWithOwner(t *testing.T) {
	sup, _ := newTestSupervisor(t)

	info, err := sup.Create(context.Background(), "data-explorer", "inst-1")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if info.ToolID != "data-explorer" || info.InstanceID != "inst-1" {
		t.Fatalf("owner = %s/%s", info.ToolID, info.InstanceID)
	}
	if info.PID <= 0 {
		t.Fatalf("PID = %d, want > 0", info.PID)
	}
	if !info.Visible {
		t.Fatal("new terminals start visible")
	}

	got, err := sup.Get(info.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !got.Running {
		t.Fatal("terminal not reported running")
	}
}

func TestCreateEnforcesPerToolCap(t *testing.T) {
	sup, _ := newTestSupervisor(t)
	ctx := context.Background()

	for i := 0; i < maxPerTool; i++ {
		if _, err := sup.Create(ctx, "busy-tool", "inst-1"); err != nil {
			t.Fatalf("Create %d: %v", i, err)
		}
	}
	_, err := sup.Create(ctx, "busy-tool", "inst-1")
	if !fault.IsKind(err, fault.KindInvalidArgument) {
		t.Fatalf("err = %v, want invalid_argument", err)
	}
	// Other tools are unaffected by the cap.
	if _, err := sup.Create(ctx, "other-tool", "inst-2"); err != nil {
		t.Fatalf("Create for other tool: %v", err)
	}
}

func TestOutputStreamsToBus(t *testing.T) {
	sup, bus := newTestSupervisor(t)

	output := eventbus.SubscribeTo(bus, eventbus.Terminal.Output)
	defer output.Close()

	info, err := sup.Create(context.Background(), "data-explorer", "inst-1")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := sup.Write(info.ID, []byte("echo from-the-shell\n")); err != nil {
		t.Fatalf("Write: %v", err)
	}

	var collected strings.Builder
	timeout := time.After(5 * time.Second)
	var lastSeq uint64
	for !strings.Contains(collected.String(), "from-the-shell") {
		select {
		case env := <-output.C():
			if env.Payload.TerminalID != info.ID {
				continue
			}
			if env.Payload.Sequence <= lastSeq {
				t.Fatalf("sequence went backwards: %d after %d", env.Payload.Sequence, lastSeq)
			}
			lastSeq = env.Payload.Sequence
			collected.Write(env.Payload.Data)
		case <-timeout:
			t.Fatalf("shell output never arrived, got %q", collected.String())
		}
	}
}

func TestExecuteReportsCompletionWithExitStatus(t *testing.T) {
	sup, bus := newTestSupervisor(t)

	completed := eventbus.SubscribeTo(bus, eventbus.Terminal.CommandCompleted)
	defer completed.Close()

	info, err := sup.Create(context.Background(), "data-explorer", "inst-1")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	commandID, err := sup.Execute(context.Background(), info.ID, "(exit 4)")
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if commandID == "" {
		t.Fatal("Execute returned empty command id")
	}

	select {
	case env := <-completed.C():
		if env.Payload.CommandID != commandID {
			t.Fatalf("CommandID = %q, want %q", env.Payload.CommandID, commandID)
		}
		if env.Payload.ExitCode != 4 {
			t.Fatalf("ExitCode = %d, want 4", env.Payload.ExitCode)
		}
		if env.Payload.TerminalID != info.ID {
			t.Fatalf("TerminalID = %q, want %q", env.Payload.TerminalID, info.ID)
		}
		if env.Payload.InstanceID != "inst-1" {
			t.Fatalf("InstanceID = %q, want inst-1", env.Payload.InstanceID)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no command completion event")
	}
}

func TestExecuteRejectsMultiline(t *testing.T) {
	sup, _ := newTestSupervisor(t)
	info, err := sup.Create(context.Background(), "data-explorer", "inst-1")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	_, err = sup.Execute(context.Background(), info.ID, "echo a\necho b")
	if !fault.IsKind(err, fault.KindInvalidArgument) {
		t.Fatalf("err = %v, want invalid_argument", err)
	}
}

func TestCloseForInstance(t *testing.T) {
	sup, _ := newTestSupervisor(t)
	ctx := context.Background()

	if _, err := sup.Create(ctx, "tool-a", "inst-1"); err != nil {
		t.Fatal(err)
	}
	if _, err := sup.Create(ctx, "tool-a", "inst-1"); err != nil {
		t.Fatal(err)
	}
	keep, err := sup.Create(ctx, "tool-a", "inst-2")
	if err != nil {
		t.Fatal(err)
	}

	sup.CloseForInstance("inst-1")

	if got := sup.List("inst-1"); len(got) != 0 {
		t.Fatalf("inst-1 terminals = %d, want 0", len(got))
	}
	remaining := sup.ListAll()
	if len(remaining) != 1 || remaining[0].ID != keep.ID {
		t.Fatalf("remaining = %v, want only %s", remaining, keep.ID)
	}
}

func TestGetUnknownTerminal(t *testing.T) {
	sup, _ := newTestSupervisor(t)
	if _, err := sup.Get("nope"); !fault.IsKind(err, fault.KindNotFound) {
		t.Fatalf("err = %v, want not_found", err)
	}
	if err := sup.Close("nope"); !fault.IsKind(err, fault.KindNotFound) {
		t.Fatalf("Close err = %v, want not_found", err)
	}
}

func TestSetVisibility(t *testing.T) {
	sup, _ := newTestSupervisor(t)
	info, err := sup.Create(context.Background(), "tool-a", "inst-1")
	if err != nil {
		t.Fatal(err)
	}
	if err := sup.SetVisibility(info.ID, false); err != nil {
		t.Fatalf("SetVisibility: %v", err)
	}
	got, err := sup.Get(info.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Visible {
		t.Fatal("terminal still visible after SetVisibility(false)")
	}
}

func TestSentinelStrippedFromOutput(t *testing.T) {
	sup, bus := newTestSupervisor(t)

	output := eventbus.SubscribeTo(bus, eventbus.Terminal.Output)
	defer output.Close()
	completed := eventbus.SubscribeTo(bus, eventbus.Terminal.CommandCompleted)
	defer completed.Close()

	info, err := sup.Create(context.Background(), "data-explorer", "inst-1")
	if err != nil {
		t.Fatal(err)
	}
	commandID, err := sup.Execute(context.Background(), info.ID, "true")
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}

	select {
	case <-completed.C():
	case <-time.After(5 * time.Second):
		t.Fatal("no completion event")
	}

	// Drain whatever output arrived; the sentinel status line must not
	// appear in the forwarded stream.
	var collected strings.Builder
	drain := time.After(500 * time.Millisecond)
	for {
		select {
		case env := <-output.C():
			collected.Write(env.Payload.Data)
			continue
		case <-drain:
		}
		break
	}
	for _, line := range strings.Split(collected.String(), "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, doneMarker+" ") && strings.Contains(trimmed, commandID) &&
			!strings.Contains(trimmed, "%d") {
			t.Fatalf("sentinel status line leaked into output: %q", line)
		}
	}
}
