// Package terminal supervises child shells spawned on behalf of tool
// instances. Output streams onto the event bus as terminal:output
// envelopes; explicit command execution is tracked with sentinel lines
// so completion and exit status can be reported without parsing shell
// prompts.
package terminal

import (
	"bytes"
	"context"
	"fmt"
	"log"
	"os"
	"runtime"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/pptb-app/pptb/internal/eventbus"
	"github.com/pptb-app/pptb/internal/fault"
	"github.com/pptb-app/pptb/internal/pty"
)

const (
	// maxPerTool caps concurrent shells per tool across all of its
	// instances.
	maxPerTool = 5

	stopTimeout = 3 * time.Second
)

// Info is the externally visible state of one terminal.
type Info struct {
	ID         string    `json:"id"`
	ToolID     string    `json:"toolId"`
	InstanceID string    `json:"instanceId"`
	PID        int       `json:"pid"`
	Visible    bool      `json:"visible"`
	Running    bool      `json:"running"`
	CreatedAt  time.Time `json:"createdAt"`
}

// Supervisor owns every child shell in the process.
type Supervisor struct {
	bus *eventbus.Bus

	// shell overrides the platform default, used by tests.
	shell      string
	shellArgs  []string
	workingDir string

	mu    sync.Mutex
	terms map[string]*terminalState
}

type terminalState struct {
	info    Info
	wrapper *pty.Wrapper
	sink    *busSink
}

func NewSupervisor(bus *eventbus.Bus) *Supervisor {
	return &Supervisor{
		bus:   bus,
		terms: make(map[string]*terminalState),
	}
}

func defaultShell() (string, []string) {
	if runtime.GOOS == "windows" {
		return "powershell.exe", []string{"-NoLogo"}
	}
	if shell := os.Getenv("SHELL"); shell != "" {
		return shell, nil
	}
	return "/bin/bash", nil
}

// Create spawns a new shell bound to the given tool instance.
func (s *Supervisor) Create(ctx context.Context, toolID, instanceID string) (Info, error) {
	if toolID == "" || instanceID == "" {
		return Info{}, fault.New(fault.KindInvalidArgument, "terminal requires a tool id and instance id")
	}

	s.mu.Lock()
	open := 0
	for _, t := range s.terms {
		if t.info.ToolID == toolID {
			open++
		}
	}
	if open >= maxPerTool {
		s.mu.Unlock()
		return Info{}, fault.New(fault.KindInvalidArgument,
			"tool %s already has %d open terminals", toolID, open)
	}
	s.mu.Unlock()

	shell, args := s.shell, s.shellArgs
	if shell == "" {
		shell, args = defaultShell()
	}

	id := uuid.NewString()
	wrapper := pty.New()
	sink := &busSink{
		bus:        s.bus,
		terminalID: id,
		toolID:     toolID,
		instanceID: instanceID,
	}
	wrapper.AddSink(sink)

	if err := wrapper.Start(pty.StartOptions{
		Command:    shell,
		Args:       args,
		WorkingDir: s.workingDir,
	}); err != nil {
		return Info{}, fmt.Errorf("spawn shell for %s: %w", toolID, err)
	}

	state := &terminalState{
		info: Info{
			ID:         id,
			ToolID:     toolID,
			InstanceID: instanceID,
			PID:        wrapper.PID(),
			Visible:    true,
			Running:    true,
			CreatedAt:  time.Now().UTC(),
		},
		wrapper: wrapper,
		sink:    sink,
	}

	s.mu.Lock()
	s.terms[id] = state
	s.mu.Unlock()

	go s.watchExit(id, wrapper)

	log.Printf("[Terminal] Created terminal %s for %s/%s (pid %d)", id, toolID, instanceID, state.info.PID)
	return state.info, nil
}

// watchExit drops the terminal from the registry when its shell dies on
// its own.
func (s *Supervisor) watchExit(id string, wrapper *pty.Wrapper) {
	for ev := range wrapper.Events() {
		if ev.Type != "process_exited" {
			continue
		}
		s.mu.Lock()
		if state, ok := s.terms[id]; ok {
			state.info.Running = false
			delete(s.terms, id)
		}
		s.mu.Unlock()
		log.Printf("[Terminal] Terminal %s exited with code %d", id, ev.ExitCode)
		return
	}
}

// Execute runs a command inside the terminal's shell and returns a
// command id. Completion is announced on the bus with the command's
// exit status.
func (s *Supervisor) Execute(ctx context.Context, terminalID, command string) (string, error) {
	state, err := s.get(terminalID)
	if err != nil {
		return "", err
	}
	if strings.ContainsRune(command, '\n') {
		return "", fault.New(fault.KindInvalidArgument, "command must be a single line")
	}

	commandID := uuid.NewString()
	state.sink.trackCommand(commandID)

	// The sentinel printf runs after the command and reports its exit
	// status on a line of its own.
	line := fmt.Sprintf("%s; printf '\\n%s %s %%d\\n' $?\n", command, doneMarker, commandID)
	if _, err := state.wrapper.Write([]byte(line)); err != nil {
		state.sink.untrackCommand(commandID)
		return "", fmt.Errorf("write command to terminal %s: %w", terminalID, err)
	}
	return commandID, nil
}

// Write sends raw input to the terminal's shell.
func (s *Supervisor) Write(terminalID string, data []byte) error {
	state, err := s.get(terminalID)
	if err != nil {
		return err
	}
	_, err = state.wrapper.Write(data)
	return err
}

// Resize sets the terminal's window size.
func (s *Supervisor) Resize(terminalID string, rows, cols int) error {
	state, err := s.get(terminalID)
	if err != nil {
		return err
	}
	return state.wrapper.SetWinSize(rows, cols)
}

// SetVisibility flags the terminal pane's visibility. The supervisor
// keeps streaming output while hidden; the flag only informs the UI.
func (s *Supervisor) SetVisibility(terminalID string, visible bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	state, ok := s.terms[terminalID]
	if !ok {
		return fault.New(fault.KindNotFound, "terminal %s does not exist", terminalID)
	}
	state.info.Visible = visible
	return nil
}

// Get returns the terminal's current state.
func (s *Supervisor) Get(terminalID string) (Info, error) {
	state, err := s.get(terminalID)
	if err != nil {
		return Info{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	info := state.info
	info.Running = state.wrapper.IsRunning()
	return info, nil
}

// List returns terminals belonging to one instance, oldest first.
func (s *Supervisor) List(instanceID string) []Info {
	return s.list(func(i Info) bool { return i.InstanceID == instanceID })
}

// ListAll returns every open terminal, oldest first.
func (s *Supervisor) ListAll() []Info {
	return s.list(func(Info) bool { return true })
}

func (s *Supervisor) list(keep func(Info) bool) []Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Info
	for _, state := range s.terms {
		info := state.info
		info.Running = state.wrapper.IsRunning()
		if keep(info) {
			out = append(out, info)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Close terminates the terminal's shell.
func (s *Supervisor) Close(terminalID string) error {
	s.mu.Lock()
	state, ok := s.terms[terminalID]
	if ok {
		delete(s.terms, terminalID)
	}
	s.mu.Unlock()
	if !ok {
		return fault.New(fault.KindNotFound, "terminal %s does not exist", terminalID)
	}
	if err := state.wrapper.Stop(stopTimeout); err != nil {
		log.Printf("[Terminal] WARNING: terminal %s did not stop cleanly: %v", terminalID, err)
	}
	log.Printf("[Terminal] Closed terminal %s", terminalID)
	return nil
}

// CloseForInstance closes every terminal owned by an instance. Called
// by the window manager when the instance's view is torn down.
func (s *Supervisor) CloseForInstance(instanceID string) {
	for _, info := range s.List(instanceID) {
		if err := s.Close(info.ID); err != nil && !fault.IsKind(err, fault.KindNotFound) {
			log.Printf("[Terminal] WARNING: closing terminal %s: %v", info.ID, err)
		}
	}
}

// Shutdown closes every open terminal.
func (s *Supervisor) Shutdown() {
	for _, info := range s.ListAll() {
		_ = s.Close(info.ID)
	}
}

func (s *Supervisor) get(terminalID string) (*terminalState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	state, ok := s.terms[terminalID]
	if !ok {
		return nil, fault.New(fault.KindNotFound, "terminal %s does not exist", terminalID)
	}
	return state, nil
}

// ---------------------------------------------------------------------------
// Output sink
// ---------------------------------------------------------------------------

// doneMarker prefixes the sentinel line Execute appends to each
// command. The marker never appears in digit-terminated form in command
// echo, so matches are unambiguous.
const doneMarker = "__PPTB_CMD_DONE__"

// busSink forwards shell output onto the event bus and watches for
// command sentinels. Sentinel lines are stripped from the forwarded
// stream.
type busSink struct {
	bus        *eventbus.Bus
	terminalID string
	toolID     string
	instanceID string

	seq atomic.Uint64

	mu      sync.Mutex
	partial []byte
	tracked map[string]bool
}

func (b *busSink) trackCommand(commandID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.tracked == nil {
		b.tracked = make(map[string]bool)
	}
	b.tracked[commandID] = true
}

func (b *busSink) untrackCommand(commandID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.tracked, commandID)
}

func (b *busSink) Write(data []byte) error {
	b.mu.Lock()
	b.partial = append(b.partial, data...)
	var forward []byte
	for {
		idx := bytes.IndexByte(b.partial, '\n')
		if idx < 0 {
			break
		}
		line := b.partial[:idx+1]
		b.partial = b.partial[idx+1:]
		if cmdID, exitCode, ok := b.matchSentinel(line); ok {
			delete(b.tracked, cmdID)
			b.mu.Unlock()
			eventbus.Publish(context.Background(), b.bus, eventbus.Terminal.CommandCompleted,
				eventbus.SourceTerminal, eventbus.TerminalCommandEvent{
					TerminalID: b.terminalID,
					InstanceID: b.instanceID,
					CommandID:  cmdID,
					ExitCode:   exitCode,
				})
			b.mu.Lock()
			continue
		}
		forward = append(forward, line...)
	}
	// Flush the trailing partial unless it could still grow into a
	// sentinel line.
	if len(b.partial) > 0 && !couldBeSentinel(b.partial) {
		forward = append(forward, b.partial...)
		b.partial = nil
	}
	b.mu.Unlock()

	if len(forward) > 0 {
		eventbus.Publish(context.Background(), b.bus, eventbus.Terminal.Output,
			eventbus.SourceTerminal, eventbus.TerminalOutputEvent{
				TerminalID: b.terminalID,
				InstanceID: b.instanceID,
				ToolID:     b.toolID,
				Stream:     "stdout",
				Data:       forward,
				Sequence:   b.seq.Add(1),
			})
	}
	return nil
}

// matchSentinel parses "<marker> <uuid> <code>" lines for tracked
// commands. Caller holds b.mu.
func (b *busSink) matchSentinel(line []byte) (string, int, bool) {
	trimmed := strings.TrimSpace(string(line))
	if !strings.HasPrefix(trimmed, doneMarker+" ") {
		return "", 0, false
	}
	fields := strings.Fields(trimmed)
	if len(fields) != 3 {
		return "", 0, false
	}
	cmdID := fields[1]
	if !b.tracked[cmdID] {
		return "", 0, false
	}
	exitCode, err := strconv.Atoi(fields[2])
	if err != nil {
		return "", 0, false
	}
	return cmdID, exitCode, true
}

// couldBeSentinel reports whether the partial line might still turn
// into a sentinel once more bytes arrive.
func couldBeSentinel(partial []byte) bool {
	trimmed := strings.TrimLeft(string(partial), " \t\r")
	if strings.HasPrefix(trimmed, doneMarker) {
		return true
	}
	return strings.HasPrefix(doneMarker, trimmed)
}
