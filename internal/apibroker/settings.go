package apibroker

import (
	"context"

	"github.com/pptb-app/pptb/internal/fault"
	"github.com/pptb-app/pptb/internal/ipc"
	"github.com/pptb-app/pptb/internal/validate"
)

func (b *Broker) registerSettings(r *ipc.Router) {
	b.register(r, ipc.RouteSettingsGet, b.handleSettingsGet)
	b.register(r, ipc.RouteSettingsSet, b.handleSettingsSet)

	b.register(r, ipc.RouteFavoritesAdd, b.favoriteWrite(func(ctx context.Context, toolID string) error {
		return b.opts.Store.AddFavorite(ctx, toolID)
	}))
	b.register(r, ipc.RouteFavoritesRemove, b.favoriteWrite(func(ctx context.Context, toolID string) error {
		return b.opts.Store.RemoveFavorite(ctx, toolID)
	}))
	b.register(r, ipc.RouteFavoritesToggle, b.handleFavoritesToggle)
	b.register(r, ipc.RouteFavoritesList, b.handleFavoritesList)

	b.register(r, ipc.RouteCSPHasConsent, b.handleCSPHas)
	b.register(r, ipc.RouteCSPGrantConsent, b.cspWrite(true))
	b.register(r, ipc.RouteCSPRevokeConsent, b.cspWrite(false))
	b.register(r, ipc.RouteCSPListConsents, b.handleCSPList)

	b.register(r, ipc.RouteToolConnectionsGet, b.handleToolConnectionGet)
	b.register(r, ipc.RouteToolConnectionsSet, b.handleToolConnectionSet)
	b.register(r, ipc.RouteToolConnectionsRemove, b.handleToolConnectionRemove)
	b.register(r, ipc.RouteToolConnectionsList, b.handleToolConnectionList)

	b.register(r, ipc.RouteLastUsedAdd, b.handleLastUsedAdd)
	b.register(r, ipc.RouteLastUsedList, b.handleLastUsedList)
	b.register(r, ipc.RouteLastUsedClear, b.handleLastUsedClear)
}

func (b *Broker) handleSettingsGet(ctx context.Context, call *ipc.Call) (any, error) {
	var args struct {
		Keys []string `json:"keys,omitempty"`
	}
	if err := call.Decode(&args); err != nil {
		return nil, err
	}
	return b.opts.Store.LoadSettings(ctx, args.Keys...)
}

func (b *Broker) handleSettingsSet(ctx context.Context, call *ipc.Call) (any, error) {
	if err := requireUI(call); err != nil {
		return nil, err
	}
	var args struct {
		Values map[string]string `json:"values"`
	}
	if err := call.Decode(&args); err != nil {
		return nil, err
	}
	if len(args.Values) == 0 {
		return nil, fault.New(fault.KindInvalidArgument, "settings:set requires at least one value")
	}
	return nil, b.opts.Store.SaveSettings(ctx, args.Values)
}

type toolIDArgs struct {
	ToolID string `json:"toolId"`
}

func decodeToolID(call *ipc.Call) (string, error) {
	var args toolIDArgs
	if err := call.Decode(&args); err != nil {
		return "", err
	}
	if !validate.Ident(args.ToolID) {
		return "", fault.New(fault.KindInvalidArgument, "invalid tool id %q", args.ToolID)
	}
	return args.ToolID, nil
}

func (b *Broker) favoriteWrite(op func(ctx context.Context, toolID string) error) ipc.Handler {
	return func(ctx context.Context, call *ipc.Call) (any, error) {
		if err := requireUI(call); err != nil {
			return nil, err
		}
		toolID, err := decodeToolID(call)
		if err != nil {
			return nil, err
		}
		return nil, op(ctx, toolID)
	}
}

func (b *Broker) handleFavoritesToggle(ctx context.Context, call *ipc.Call) (any, error) {
	if err := requireUI(call); err != nil {
		return nil, err
	}
	toolID, err := decodeToolID(call)
	if err != nil {
		return nil, err
	}
	favorite, err := b.opts.Store.IsFavorite(ctx, toolID)
	if err != nil {
		return nil, err
	}
	if favorite {
		return false, b.opts.Store.RemoveFavorite(ctx, toolID)
	}
	return true, b.opts.Store.AddFavorite(ctx, toolID)
}

func (b *Broker) handleFavoritesList(ctx context.Context, call *ipc.Call) (any, error) {
	return b.opts.Store.ListFavorites(ctx)
}

func (b *Broker) handleCSPHas(ctx context.Context, call *ipc.Call) (any, error) {
	toolID, err := decodeToolID(call)
	if err != nil {
		return nil, err
	}
	return b.opts.Store.HasCSPConsent(ctx, toolID)
}

// cspWrite grants or revokes consent. Only the shell may do either; a tool
// granting its own security exceptions would defeat the consent step.
func (b *Broker) cspWrite(granted bool) ipc.Handler {
	return func(ctx context.Context, call *ipc.Call) (any, error) {
		if err := requireUI(call); err != nil {
			return nil, err
		}
		toolID, err := decodeToolID(call)
		if err != nil {
			return nil, err
		}
		return nil, b.opts.Store.SetCSPConsent(ctx, toolID, granted)
	}
}

func (b *Broker) handleCSPList(ctx context.Context, call *ipc.Call) (any, error) {
	if err := requireUI(call); err != nil {
		return nil, err
	}
	return b.opts.Store.ListCSPConsents(ctx)
}

type toolConnectionArgs struct {
	ToolID       string `json:"toolId"`
	Role         string `json:"role,omitempty"`
	ConnectionID string `json:"connectionId,omitempty"`
}

func (a *toolConnectionArgs) normalize() error {
	if !validate.Ident(a.ToolID) {
		return fault.New(fault.KindInvalidArgument, "invalid tool id %q", a.ToolID)
	}
	switch a.Role {
	case "":
		a.Role = "primary"
	case "primary", "secondary":
	default:
		return fault.New(fault.KindInvalidArgument, "role must be primary or secondary, got %q", a.Role)
	}
	return nil
}

func (b *Broker) handleToolConnectionGet(ctx context.Context, call *ipc.Call) (any, error) {
	var args toolConnectionArgs
	if err := call.Decode(&args); err != nil {
		return nil, err
	}
	if err := args.normalize(); err != nil {
		return nil, err
	}
	id, err := b.opts.Store.GetToolConnection(ctx, args.ToolID, args.Role)
	if err != nil {
		return nil, err
	}
	return id, nil
}

func (b *Broker) handleToolConnectionSet(ctx context.Context, call *ipc.Call) (any, error) {
	if err := requireUI(call); err != nil {
		return nil, err
	}
	var args toolConnectionArgs
	if err := call.Decode(&args); err != nil {
		return nil, err
	}
	if err := args.normalize(); err != nil {
		return nil, err
	}
	if args.ConnectionID == "" {
		return nil, fault.New(fault.KindInvalidArgument, "connectionId is required")
	}
	if _, err := b.opts.Store.GetConnection(ctx, args.ConnectionID); err != nil {
		return nil, err
	}
	return nil, b.opts.Store.SetToolConnection(ctx, args.ToolID, args.Role, args.ConnectionID)
}

func (b *Broker) handleToolConnectionRemove(ctx context.Context, call *ipc.Call) (any, error) {
	if err := requireUI(call); err != nil {
		return nil, err
	}
	var args toolConnectionArgs
	if err := call.Decode(&args); err != nil {
		return nil, err
	}
	if err := args.normalize(); err != nil {
		return nil, err
	}
	return nil, b.opts.Store.RemoveToolConnection(ctx, args.ToolID, args.Role)
}

func (b *Broker) handleToolConnectionList(ctx context.Context, call *ipc.Call) (any, error) {
	var args struct {
		Role string `json:"role,omitempty"`
	}
	if err := call.Decode(&args); err != nil {
		return nil, err
	}
	if args.Role == "" {
		args.Role = "primary"
	}
	return b.opts.Store.ListToolConnections(ctx, args.Role)
}

func (b *Broker) handleLastUsedAdd(ctx context.Context, call *ipc.Call) (any, error) {
	if err := requireUI(call); err != nil {
		return nil, err
	}
	toolID, err := decodeToolID(call)
	if err != nil {
		return nil, err
	}
	return nil, b.opts.Store.RecordToolUse(ctx, toolID)
}

func (b *Broker) handleLastUsedList(ctx context.Context, call *ipc.Call) (any, error) {
	var args struct {
		Limit int `json:"limit,omitempty"`
	}
	if err := call.Decode(&args); err != nil {
		return nil, err
	}
	return b.opts.Store.ListLastUsed(ctx, args.Limit)
}

func (b *Broker) handleLastUsedClear(ctx context.Context, call *ipc.Call) (any, error) {
	if err := requireUI(call); err != nil {
		return nil, err
	}
	return nil, b.opts.Store.ClearLastUsed(ctx)
}
