package apibroker

import (
	"context"
	"os"

	"github.com/pptb-app/pptb/internal/fault"
	"github.com/pptb-app/pptb/internal/ipc"
	"github.com/pptb-app/pptb/internal/semver"
	"github.com/pptb-app/pptb/internal/tools"
	"github.com/pptb-app/pptb/internal/validate"
	"github.com/pptb-app/pptb/internal/windows"
)

const maxWebviewHTMLSize = 10 * 1024 * 1024

func (b *Broker) registerTools(r *ipc.Router) {
	b.register(r, ipc.RouteToolsGetAll, b.handleToolsGetAll)
	b.register(r, ipc.RouteToolsGet, b.handleToolsGet)
	b.register(r, ipc.RouteToolsLoad, b.handleToolsLoad)
	b.register(r, ipc.RouteToolsUnload, b.handleToolsUnload)
	b.register(r, ipc.RouteToolsInstall, b.handleToolsInstall)
	b.register(r, ipc.RouteToolsInstallFromRegistry, b.handleToolsInstall)
	b.register(r, ipc.RouteToolsUninstall, b.handleToolsUninstall)
	b.register(r, ipc.RouteToolsGetWebviewHTML, b.handleWebviewHTML)
	b.register(r, ipc.RouteToolsGetContext, b.handleToolContext)
	b.register(r, ipc.RouteToolsLoadLocal, b.handleLoadLocal)
	b.register(r, ipc.RouteToolsOpenDirectoryPicker, b.handleOpenDirectoryPicker)
	b.register(r, ipc.RouteToolsFetchRegistry, b.handleFetchRegistry)
	b.register(r, ipc.RouteToolsCheckUpdates, b.handleCheckUpdates)
	b.register(r, ipc.RouteToolsUpdate, b.handleToolsUpdate)
	b.register(r, ipc.RouteToolsIsUpdating, b.handleIsUpdating)
}

// toolDTO decorates a manifest with resolved icon and support status.
type toolDTO struct {
	*tools.Manifest
	IconURL   string               `json:"iconUrl,omitempty"`
	Supported bool                 `json:"supported"`
	Reason    semver.SupportReason `json:"supportReason,omitempty"`
}

func (b *Broker) toToolDTO(m *tools.Manifest) toolDTO {
	support := m.Support(b.opts.HostVersion, b.opts.MinSupportedAPI)
	return toolDTO{
		Manifest:  m,
		IconURL:   tools.ResolveIconURL(m),
		Supported: support.Supported,
		Reason:    support.Reason,
	}
}

func (b *Broker) handleToolsGetAll(ctx context.Context, call *ipc.Call) (any, error) {
	manifests, err := b.opts.Catalog.List()
	if err != nil {
		return nil, err
	}
	dtos := make([]toolDTO, 0, len(manifests))
	for _, m := range manifests {
		dtos = append(dtos, b.toToolDTO(m))
	}
	return dtos, nil
}

func (b *Broker) handleToolsGet(ctx context.Context, call *ipc.Call) (any, error) {
	toolID, err := decodeToolID(call)
	if err != nil {
		return nil, err
	}
	m, err := b.opts.Catalog.Get(toolID)
	if err != nil {
		return nil, err
	}
	return b.toToolDTO(m), nil
}

func (b *Broker) handleToolsLoad(ctx context.Context, call *ipc.Call) (any, error) {
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

func (b *Broker) handleToolsUnload(ctx context.Context, call *ipc.Call) (any, error) {
	if err := requireUI(call); err != nil {
		return nil, err
	}
	toolID, err := decodeToolID(call)
	if err != nil {
		return nil, err
	}
	return nil, b.opts.Windows.CloseAllForTool(ctx, toolID)
}

func (b *Broker) handleToolsInstall(ctx context.Context, call *ipc.Call) (any, error) {
	if err := requireUI(call); err != nil {
		return nil, err
	}
	toolID, err := decodeToolID(call)
	if err != nil {
		return nil, err
	}
	m, err := b.opts.Installer.InstallFromRegistry(ctx, toolID)
	if err != nil {
		return nil, err
	}
	return b.toToolDTO(m), nil
}

func (b *Broker) handleToolsUninstall(ctx context.Context, call *ipc.Call) (any, error) {
	if err := requireUI(call); err != nil {
		return nil, err
	}
	toolID, err := decodeToolID(call)
	if err != nil {
		return nil, err
	}
	return nil, b.opts.Installer.Uninstall(ctx, toolID)
}

// handleWebviewHTML serves a tool's entry document. Tool zones may only
// fetch their own.
func (b *Broker) handleWebviewHTML(ctx context.Context, call *ipc.Call) (any, error) {
	toolID, err := decodeToolID(call)
	if err != nil {
		return nil, err
	}
	if !call.Caller.IsUI() && call.Caller.ToolID != toolID {
		return nil, fault.New(fault.KindAccessDenied, "tool %s cannot read another tool's content", call.Caller.ToolID)
	}
	if !b.opts.Catalog.IsInstalled(toolID) {
		return nil, fault.New(fault.KindNotFound, "tool %s is not installed", toolID)
	}

	path, err := b.opts.Catalog.EntryDocument(toolID)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(path)
	if err != nil {
		return nil, fault.New(fault.KindNotFound, "tool %s has no entry document", toolID)
	}
	if info.Size() > maxWebviewHTMLSize {
		return nil, fault.New(fault.KindInvalidArgument, "entry document for %s exceeds the size limit", toolID)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

// handleToolContext builds the context a tool boots with. Connection URLs
// are included; tokens never are.
func (b *Broker) handleToolContext(ctx context.Context, call *ipc.Call) (any, error) {
	var args struct {
		InstanceID string `json:"instanceId,omitempty"`
	}
	if err := call.Decode(&args); err != nil {
		return nil, err
	}
	inst, err := b.instanceFor(call, args.InstanceID)
	if err != nil {
		return nil, err
	}

	toolCtx := map[string]any{
		"toolId":     inst.ToolID,
		"instanceId": inst.ID,
	}
	setConn := func(urlKey, idKey, connID string) {
		if connID == "" {
			toolCtx[urlKey] = nil
			toolCtx[idKey] = nil
			return
		}
		conn, err := b.opts.Store.GetConnection(ctx, connID)
		if err != nil {
			toolCtx[urlKey] = nil
			toolCtx[idKey] = nil
			return
		}
		toolCtx[urlKey] = conn.URL
		toolCtx[idKey] = conn.ID
	}
	setConn("connectionUrl", "connectionId", inst.PrimaryConnectionID)
	if inst.SecondaryConnectionID != "" {
		setConn("secondaryConnectionUrl", "secondaryConnectionId", inst.SecondaryConnectionID)
	}
	return toolCtx, nil
}

func (b *Broker) handleLoadLocal(ctx context.Context, call *ipc.Call) (any, error) {
	if err := requireUI(call); err != nil {
		return nil, err
	}
	var args struct {
		Directory string `json:"directory"`
	}
	if err := call.Decode(&args); err != nil {
		return nil, err
	}
	if args.Directory == "" {
		return nil, fault.New(fault.KindInvalidArgument, "directory is required")
	}
	m, err := b.opts.Installer.LoadLocal(ctx, args.Directory)
	if err != nil {
		return nil, err
	}
	return b.toToolDTO(m), nil
}

func (b *Broker) handleOpenDirectoryPicker(ctx context.Context, call *ipc.Call) (any, error) {
	if err := requireUI(call); err != nil {
		return nil, err
	}
	path, err := b.opts.Picker.PickPath(ctx, true)
	if err != nil {
		return nil, err
	}
	return path, nil
}

func (b *Broker) handleFetchRegistry(ctx context.Context, call *ipc.Call) (any, error) {
	if err := requireUI(call); err != nil {
		return nil, err
	}
	var args struct {
		Refresh bool `json:"refresh,omitempty"`
	}
	if err := call.Decode(&args); err != nil {
		return nil, err
	}
	if args.Refresh {
		return b.opts.Registry.Fetch(ctx)
	}
	return b.opts.Registry.Cached(ctx)
}

func (b *Broker) handleCheckUpdates(ctx context.Context, call *ipc.Call) (any, error) {
	if err := requireUI(call); err != nil {
		return nil, err
	}
	return b.opts.Installer.CheckUpdates(ctx)
}

func (b *Broker) handleToolsUpdate(ctx context.Context, call *ipc.Call) (any, error) {
	if err := requireUI(call); err != nil {
		return nil, err
	}
	toolID, err := decodeToolID(call)
	if err != nil {
		return nil, err
	}
	return nil, b.opts.Installer.UpdateTool(ctx, toolID)
}

func (b *Broker) handleIsUpdating(ctx context.Context, call *ipc.Call) (any, error) {
	toolID, err := decodeToolID(call)
	if err != nil {
		return nil, err
	}
	return b.opts.Installer.IsToolUpdating(toolID), nil
}
