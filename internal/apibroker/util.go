package apibroker

import (
	"context"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/pptb-app/pptb/internal/eventbus"
	"github.com/pptb-app/pptb/internal/fault"
	"github.com/pptb-app/pptb/internal/ipc"
	"github.com/pptb-app/pptb/internal/modal"
	"github.com/pptb-app/pptb/internal/version"
)

func (b *Broker) registerUtil(r *ipc.Router) {
	b.register(r, ipc.RouteUtilShowNotification, b.handleShowNotification)
	b.register(r, ipc.RouteUtilCopyToClipboard, b.handleCopyToClipboard)
	b.register(r, ipc.RouteUtilGetCurrentTheme, b.handleGetCurrentTheme)
	b.register(r, ipc.RouteUtilShowLoading, b.handleShowLoading)
	b.register(r, ipc.RouteUtilHideLoading, b.handleHideLoading)
	b.register(r, ipc.RouteUtilOpenExternal, b.handleOpenExternal)
	b.register(r, ipc.RouteUtilShowModal, b.handleShowModal)
	b.register(r, ipc.RouteUtilCloseModal, b.handleCloseModal)
	b.register(r, ipc.RouteUtilSendModalMessage, b.handleSendModalMessage)
	b.register(r, ipc.RouteUtilGetEventHistory, b.handleGetEventHistory)

	b.register(r, ipc.RouteTroubleshootingChecks, b.handleTroubleshooting)

	b.register(r, ipc.RouteAutoUpdateCheck, b.handleAutoUpdateCheck)
	b.register(r, ipc.RouteAutoUpdateDownload, b.handleAutoUpdateUnsupported)
	b.register(r, ipc.RouteAutoUpdateQuitAndInstall, b.handleAutoUpdateUnsupported)
	b.register(r, ipc.RouteAutoUpdateGetAppVersion, b.handleGetAppVersion)
}

func (b *Broker) handleShowNotification(ctx context.Context, call *ipc.Call) (any, error) {
	var args struct {
		Level   string `json:"level,omitempty"`
		Message string `json:"message"`
	}
	if err := call.Decode(&args); err != nil {
		return nil, err
	}
	if args.Message == "" {
		return nil, fault.New(fault.KindInvalidArgument, "message is required")
	}
	switch args.Level {
	case "":
		args.Level = "info"
	case "info", "warning", "error", "success":
	default:
		return nil, fault.New(fault.KindInvalidArgument, "unknown notification level %q", args.Level)
	}
	b.notify(ctx, args.Level, args.Message)
	return nil, nil
}

func (b *Broker) handleCopyToClipboard(ctx context.Context, call *ipc.Call) (any, error) {
	var args struct {
		Text string `json:"text"`
	}
	if err := call.Decode(&args); err != nil {
		return nil, err
	}
	return nil, b.opts.Clipboard.Copy(args.Text)
}

func (b *Broker) handleGetCurrentTheme(ctx context.Context, call *ipc.Call) (any, error) {
	theme, err := b.opts.Store.GetSetting(ctx, "theme")
	if err != nil || theme == "" {
		return "system", nil
	}
	return theme, nil
}

func (b *Broker) handleShowLoading(ctx context.Context, call *ipc.Call) (any, error) {
	var args struct {
		Message string `json:"message,omitempty"`
	}
	if err := call.Decode(&args); err != nil {
		return nil, err
	}
	eventbus.Publish(ctx, b.opts.Bus, eventbus.UI.LoadingShow, eventbus.SourceAPIBroker,
		eventbus.LoadingEvent{Message: args.Message})
	return nil, nil
}

func (b *Broker) handleHideLoading(ctx context.Context, call *ipc.Call) (any, error) {
	eventbus.Publish(ctx, b.opts.Bus, eventbus.UI.LoadingHide, eventbus.SourceAPIBroker,
		eventbus.LoadingEvent{})
	return nil, nil
}

// handleOpenExternal opens a link in the user's browser. Only web URLs pass;
// anything else could reach local protocol handlers.
func (b *Broker) handleOpenExternal(ctx context.Context, call *ipc.Call) (any, error) {
	var args struct {
		URL string `json:"url"`
	}
	if err := call.Decode(&args); err != nil {
		return nil, err
	}
	u, err := url.Parse(args.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return nil, fault.New(fault.KindInvalidArgument, "only http and https links can be opened")
	}
	return nil, b.opts.Browser.Open(args.URL)
}

func (b *Broker) handleShowModal(ctx context.Context, call *ipc.Call) (any, error) {
	var args struct {
		Kind   string     `json:"kind,omitempty"`
		HTML   string     `json:"html"`
		Width  int        `json:"width,omitempty"`
		Height int        `json:"height,omitempty"`
		Parent modal.Rect `json:"parent,omitempty"`
	}
	if err := call.Decode(&args); err != nil {
		return nil, err
	}
	if args.Kind == "" {
		args.Kind = "custom"
	}
	return b.opts.Modals.Open(ctx, modal.Descriptor{
		Kind:   args.Kind,
		HTML:   args.HTML,
		Width:  args.Width,
		Height: args.Height,
		Parent: args.Parent,
	})
}

func (b *Broker) handleCloseModal(ctx context.Context, call *ipc.Call) (any, error) {
	var args struct {
		ModalID string `json:"modalId"`
	}
	if err := call.Decode(&args); err != nil {
		return nil, err
	}
	if args.ModalID == "" {
		return nil, fault.New(fault.KindInvalidArgument, "modalId is required")
	}
	return nil, b.opts.Modals.Close(ctx, args.ModalID)
}

func (b *Broker) handleSendModalMessage(ctx context.Context, call *ipc.Call) (any, error) {
	var args struct {
		ModalID string `json:"modalId"`
		Channel string `json:"channel"`
		Payload any    `json:"payload,omitempty"`
	}
	if err := call.Decode(&args); err != nil {
		return nil, err
	}
	if args.ModalID == "" || args.Channel == "" {
		return nil, fault.New(fault.KindInvalidArgument, "modalId and channel are required")
	}
	return nil, b.opts.Modals.Send(args.ModalID, args.Channel, args.Payload)
}

func (b *Broker) handleGetEventHistory(ctx context.Context, call *ipc.Call) (any, error) {
	if err := requireUI(call); err != nil {
		return nil, err
	}
	var args struct {
		Limit int `json:"limit,omitempty"`
	}
	if err := call.Decode(&args); err != nil {
		return nil, err
	}
	if b.opts.History == nil {
		return []ipc.HistoryEntry{}, nil
	}
	return b.opts.History.Recent(args.Limit), nil
}

type checkResult struct {
	Name   string `json:"name"`
	OK     bool   `json:"ok"`
	Detail string `json:"detail,omitempty"`
}

// handleTroubleshooting runs quick local health probes the support view
// shows: registry reachability, store health, install dir writability.
func (b *Broker) handleTroubleshooting(ctx context.Context, call *ipc.Call) (any, error) {
	if err := requireUI(call); err != nil {
		return nil, err
	}
	var results []checkResult

	regCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if _, err := b.opts.Registry.Fetch(regCtx); err != nil {
		results = append(results, checkResult{Name: "registry", OK: false, Detail: fault.ScrubMessage(err.Error())})
	} else {
		results = append(results, checkResult{Name: "registry", OK: true})
	}

	if _, err := b.opts.Store.EnsureInstallID(ctx); err != nil {
		results = append(results, checkResult{Name: "config-store", OK: false, Detail: fault.ScrubMessage(err.Error())})
	} else {
		results = append(results, checkResult{Name: "config-store", OK: true})
	}

	probe := filepath.Join(b.opts.Catalog.Root(), ".write-probe-"+uuid.NewString()[:8])
	if err := os.WriteFile(probe, []byte("ok"), 0o644); err != nil {
		results = append(results, checkResult{Name: "install-dir", OK: false, Detail: fault.ScrubMessage(err.Error())})
	} else {
		os.Remove(probe)
		results = append(results, checkResult{Name: "install-dir", OK: true})
	}

	return results, nil
}

// The shell updater is an external collaborator; the supervisor only
// answers version queries and reports that update actions are unavailable.
func (b *Broker) handleAutoUpdateCheck(ctx context.Context, call *ipc.Call) (any, error) {
	if err := requireUI(call); err != nil {
		return nil, err
	}
	eventbus.Publish(ctx, b.opts.Bus, eventbus.ShellUpdate.Checking, eventbus.SourceSupervisor,
		eventbus.UpdateStatusEvent{Version: version.String()})
	eventbus.Publish(ctx, b.opts.Bus, eventbus.ShellUpdate.NotAvailable, eventbus.SourceSupervisor,
		eventbus.UpdateStatusEvent{Version: version.String()})
	return map[string]any{"status": "not-available", "version": version.String()}, nil
}

func (b *Broker) handleAutoUpdateUnsupported(ctx context.Context, call *ipc.Call) (any, error) {
	if err := requireUI(call); err != nil {
		return nil, err
	}
	return map[string]any{"supported": false}, nil
}

func (b *Broker) handleGetAppVersion(ctx context.Context, call *ipc.Call) (any, error) {
	return version.String(), nil
}
