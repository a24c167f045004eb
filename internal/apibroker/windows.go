package apibroker

import (
	"context"

	"github.com/pptb-app/pptb/internal/fault"
	"github.com/pptb-app/pptb/internal/ipc"
	"github.com/pptb-app/pptb/internal/validate"
	"github.com/pptb-app/pptb/internal/windows"
)

func (b *Broker) registerWindows(r *ipc.Router) {
	b.register(r, ipc.RouteWindowLaunch, b.handleWindowLaunch)
	b.register(r, ipc.RouteWindowSwitch, b.handleWindowSwitch)
	b.register(r, ipc.RouteWindowClose, b.handleWindowClose)
	b.register(r, ipc.RouteWindowGetActive, b.handleWindowGetActive)
	b.register(r, ipc.RouteWindowGetOpen, b.handleWindowGetOpen)
	b.register(r, ipc.RouteWindowUpdateConnection, b.handleWindowUpdateConnection)
	b.register(r, ipc.RouteWindowSetPinned, b.handleWindowSetPinned)
	b.register(r, ipc.RouteWindowReorder, b.handleWindowReorder)
}

type instanceIDArgs struct {
	InstanceID string `json:"instanceId"`
}

func decodeInstanceID(call *ipc.Call) (string, error) {
	var args instanceIDArgs
	if err := call.Decode(&args); err != nil {
		return "", err
	}
	if args.InstanceID == "" {
		return "", fault.New(fault.KindInvalidArgument, "instanceId is required")
	}
	return args.InstanceID, nil
}

func (b *Broker) handleWindowLaunch(ctx context.Context, call *ipc.Call) (any, error) {
	if err := requireUI(call); err != nil {
		return nil, err
	}
	var args struct {
		ToolID                string `json:"toolId"`
		PrimaryConnectionID   string `json:"primaryConnectionId,omitempty"`
		SecondaryConnectionID string `json:"secondaryConnectionId,omitempty"`
	}
	if err := call.Decode(&args); err != nil {
		return nil, err
	}
	if !validate.Ident(args.ToolID) {
		return nil, fault.New(fault.KindInvalidArgument, "invalid tool id %q", args.ToolID)
	}
	return b.opts.Windows.LaunchTool(ctx, args.ToolID, windows.LaunchOptions{
		PrimaryConnectionID:   args.PrimaryConnectionID,
		SecondaryConnectionID: args.SecondaryConnectionID,
	})
}

func (b *Broker) handleWindowSwitch(ctx context.Context, call *ipc.Call) (any, error) {
	if err := requireUI(call); err != nil {
		return nil, err
	}
	instanceID, err := decodeInstanceID(call)
	if err != nil {
		return nil, err
	}
	return nil, b.opts.Windows.Switch(ctx, instanceID)
}

func (b *Broker) handleWindowClose(ctx context.Context, call *ipc.Call) (any, error) {
	if err := requireUI(call); err != nil {
		return nil, err
	}
	instanceID, err := decodeInstanceID(call)
	if err != nil {
		return nil, err
	}
	return nil, b.opts.Windows.Close(ctx, instanceID)
}

func (b *Broker) handleWindowGetActive(ctx context.Context, call *ipc.Call) (any, error) {
	return b.opts.Windows.GetActive(), nil
}

func (b *Broker) handleWindowGetOpen(ctx context.Context, call *ipc.Call) (any, error) {
	return b.opts.Windows.GetOpen(), nil
}

// handleWindowUpdateConnection rebinds a running instance. The shell may
// rebind any instance; a tool may rebind only itself.
func (b *Broker) handleWindowUpdateConnection(ctx context.Context, call *ipc.Call) (any, error) {
	var args struct {
		InstanceID            string `json:"instanceId,omitempty"`
		PrimaryConnectionID   string `json:"primaryConnectionId,omitempty"`
		SecondaryConnectionID string `json:"secondaryConnectionId,omitempty"`
	}
	if err := call.Decode(&args); err != nil {
		return nil, err
	}
	inst, err := b.instanceFor(call, args.InstanceID)
	if err != nil {
		return nil, err
	}
	return nil, b.opts.Windows.UpdateToolConnection(ctx, inst.ID,
		args.PrimaryConnectionID, args.SecondaryConnectionID)
}

func (b *Broker) handleWindowSetPinned(ctx context.Context, call *ipc.Call) (any, error) {
	if err := requireUI(call); err != nil {
		return nil, err
	}
	var args struct {
		InstanceID string `json:"instanceId"`
		Pinned     bool   `json:"pinned"`
	}
	if err := call.Decode(&args); err != nil {
		return nil, err
	}
	if args.InstanceID == "" {
		return nil, fault.New(fault.KindInvalidArgument, "instanceId is required")
	}
	return nil, b.opts.Windows.SetPinned(ctx, args.InstanceID, args.Pinned)
}

func (b *Broker) handleWindowReorder(ctx context.Context, call *ipc.Call) (any, error) {
	if err := requireUI(call); err != nil {
		return nil, err
	}
	var args struct {
		InstanceID string `json:"instanceId"`
		Index      int    `json:"index"`
	}
	if err := call.Decode(&args); err != nil {
		return nil, err
	}
	if args.InstanceID == "" {
		return nil, fault.New(fault.KindInvalidArgument, "instanceId is required")
	}
	return nil, b.opts.Windows.Reorder(ctx, args.InstanceID, args.Index)
}
