package apibroker

import (
	"context"

	"github.com/pptb-app/pptb/internal/fault"
	"github.com/pptb-app/pptb/internal/ipc"
	"github.com/pptb-app/pptb/internal/terminal"
)

func (b *Broker) registerTerminal(r *ipc.Router) {
	b.register(r, ipc.RouteTerminalCreate, b.handleTerminalCreate)
	b.register(r, ipc.RouteTerminalExecute, b.handleTerminalExecute)
	b.register(r, ipc.RouteTerminalWrite, b.handleTerminalWrite)
	b.register(r, ipc.RouteTerminalResize, b.handleTerminalResize)
	b.register(r, ipc.RouteTerminalClose, b.handleTerminalClose)
	b.register(r, ipc.RouteTerminalGet, b.handleTerminalGet)
	b.register(r, ipc.RouteTerminalList, b.handleTerminalList)
	b.register(r, ipc.RouteTerminalListAll, b.handleTerminalListAll)
	b.register(r, ipc.RouteTerminalSetVisibility, b.handleTerminalSetVisibility)
}

// ownedTerminal resolves a terminal and enforces that tool callers only
// touch terminals created for their own instance.
func (b *Broker) ownedTerminal(call *ipc.Call, terminalID string) (terminal.Info, error) {
	if terminalID == "" {
		return terminal.Info{}, fault.New(fault.KindInvalidArgument, "terminalId is required")
	}
	info, err := b.opts.Terminals.Get(terminalID)
	if err != nil {
		return terminal.Info{}, err
	}
	if !call.Caller.IsUI() && info.InstanceID != call.Caller.InstanceID {
		return terminal.Info{}, fault.New(fault.KindAccessDenied, "terminal %s belongs to another instance", terminalID)
	}
	return info, nil
}

func (b *Broker) handleTerminalCreate(ctx context.Context, call *ipc.Call) (any, error) {
	var args struct {
		ToolID     string `json:"toolId,omitempty"`
		InstanceID string `json:"instanceId,omitempty"`
	}
	if err := call.Decode(&args); err != nil {
		return nil, err
	}
	toolID, instanceID := args.ToolID, args.InstanceID
	if !call.Caller.IsUI() {
		toolID = call.Caller.ToolID
		instanceID = call.Caller.InstanceID
	}
	return b.opts.Terminals.Create(ctx, toolID, instanceID)
}

func (b *Broker) handleTerminalExecute(ctx context.Context, call *ipc.Call) (any, error) {
	var args struct {
		TerminalID string `json:"terminalId"`
		Command    string `json:"command"`
	}
	if err := call.Decode(&args); err != nil {
		return nil, err
	}
	if _, err := b.ownedTerminal(call, args.TerminalID); err != nil {
		return nil, err
	}
	commandID, err := b.opts.Terminals.Execute(ctx, args.TerminalID, args.Command)
	if err != nil {
		return nil, err
	}
	return map[string]string{"commandId": commandID}, nil
}

func (b *Broker) handleTerminalWrite(ctx context.Context, call *ipc.Call) (any, error) {
	var args struct {
		TerminalID string `json:"terminalId"`
		Data       string `json:"data"`
	}
	if err := call.Decode(&args); err != nil {
		return nil, err
	}
	if _, err := b.ownedTerminal(call, args.TerminalID); err != nil {
		return nil, err
	}
	return nil, b.opts.Terminals.Write(args.TerminalID, []byte(args.Data))
}

func (b *Broker) handleTerminalResize(ctx context.Context, call *ipc.Call) (any, error) {
	var args struct {
		TerminalID string `json:"terminalId"`
		Rows       int    `json:"rows"`
		Cols       int    `json:"cols"`
	}
	if err := call.Decode(&args); err != nil {
		return nil, err
	}
	if _, err := b.ownedTerminal(call, args.TerminalID); err != nil {
		return nil, err
	}
	return nil, b.opts.Terminals.Resize(args.TerminalID, args.Rows, args.Cols)
}

func (b *Broker) handleTerminalClose(ctx context.Context, call *ipc.Call) (any, error) {
	var args struct {
		TerminalID string `json:"terminalId"`
	}
	if err := call.Decode(&args); err != nil {
		return nil, err
	}
	if _, err := b.ownedTerminal(call, args.TerminalID); err != nil {
		return nil, err
	}
	return nil, b.opts.Terminals.Close(args.TerminalID)
}

func (b *Broker) handleTerminalGet(ctx context.Context, call *ipc.Call) (any, error) {
	var args struct {
		TerminalID string `json:"terminalId"`
	}
	if err := call.Decode(&args); err != nil {
		return nil, err
	}
	return b.ownedTerminal(call, args.TerminalID)
}

func (b *Broker) handleTerminalList(ctx context.Context, call *ipc.Call) (any, error) {
	var args struct {
		InstanceID string `json:"instanceId,omitempty"`
	}
	if err := call.Decode(&args); err != nil {
		return nil, err
	}
	instanceID := args.InstanceID
	if !call.Caller.IsUI() {
		instanceID = call.Caller.InstanceID
	}
	if instanceID == "" {
		return nil, fault.New(fault.KindInvalidArgument, "instanceId is required")
	}
	return b.opts.Terminals.List(instanceID), nil
}

func (b *Broker) handleTerminalListAll(ctx context.Context, call *ipc.Call) (any, error) {
	if err := requireUI(call); err != nil {
		return nil, err
	}
	return b.opts.Terminals.ListAll(), nil
}

func (b *Broker) handleTerminalSetVisibility(ctx context.Context, call *ipc.Call) (any, error) {
	var args struct {
		TerminalID string `json:"terminalId"`
		Visible    bool   `json:"visible"`
	}
	if err := call.Decode(&args); err != nil {
		return nil, err
	}
	if _, err := b.ownedTerminal(call, args.TerminalID); err != nil {
		return nil, err
	}
	return nil, b.opts.Terminals.SetVisibility(args.TerminalID, args.Visible)
}
