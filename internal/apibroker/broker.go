// Package apibroker registers the supervisor's route surface: every call a
// webview zone can make lands here, gets access-checked against the caller's
// bound identity, and is delegated to the owning component.
package apibroker

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/pptb-app/pptb/internal/auth"
	"github.com/pptb-app/pptb/internal/browser"
	"github.com/pptb-app/pptb/internal/config/store"
	"github.com/pptb-app/pptb/internal/dataverse"
	"github.com/pptb-app/pptb/internal/eventbus"
	"github.com/pptb-app/pptb/internal/fault"
	"github.com/pptb-app/pptb/internal/fsgate"
	"github.com/pptb-app/pptb/internal/installer"
	"github.com/pptb-app/pptb/internal/ipc"
	"github.com/pptb-app/pptb/internal/modal"
	"github.com/pptb-app/pptb/internal/registry"
	"github.com/pptb-app/pptb/internal/terminal"
	"github.com/pptb-app/pptb/internal/tools"
	"github.com/pptb-app/pptb/internal/windows"
)

// Options carries every collaborator the broker routes to.
type Options struct {
	Store     *store.Store
	Auth      *auth.Broker
	Dataverse *dataverse.Client
	Gate      *fsgate.Gate
	Browser   *browser.Launcher
	Terminals *terminal.Supervisor
	Windows   *windows.Manager
	Modals    *modal.Broker
	Installer *installer.Installer
	Registry  *registry.Client
	Catalog   *tools.Catalog
	History   *ipc.History
	Bus       *eventbus.Bus
	Picker    Picker
	Clipboard Clipboard

	HostVersion     string
	MinSupportedAPI string
}

// Broker owns no state of its own; it is the access-checking glue between
// the IPC router and the domain components.
type Broker struct {
	opts Options
}

func New(opts Options) *Broker {
	if opts.Picker == nil {
		opts.Picker = NoPicker{}
	}
	if opts.Clipboard == nil {
		opts.Clipboard = systemClipboard{}
	}
	return &Broker{opts: opts}
}

// RegisterAll binds every declared route to its handler.
func (b *Broker) RegisterAll(r *ipc.Router) {
	b.registerSettings(r)
	b.registerConnections(r)
	b.registerTools(r)
	b.registerWindows(r)
	b.registerTerminal(r)
	b.registerFilesystem(r)
	b.registerUtil(r)
	b.registerDataverse(r)
}

// register wraps a handler so that replies leaving toward a tool zone pass
// through the secret scrubber. Token material must never reach tool content,
// whatever shape the reply takes.
func (b *Broker) register(r *ipc.Router, route string, h ipc.Handler) {
	r.Register(route, func(ctx context.Context, call *ipc.Call) (any, error) {
		result, err := h(ctx, call)
		if err != nil {
			return nil, err
		}
		if !call.Caller.IsUI() {
			return scrubSecrets(result), nil
		}
		return result, nil
	})
}

// requireUI rejects tool-zone callers on routes that mutate shared state.
func requireUI(call *ipc.Call) error {
	if !call.Caller.IsUI() {
		return fault.New(fault.KindAccessDenied, "route %s is only available to the shell", call.Route)
	}
	return nil
}

// secretKeys are reply field names that must never cross into a tool zone,
// compared case-insensitively.
var secretKeys = map[string]bool{
	"accesstoken":   true,
	"refreshtoken":  true,
	"clientsecret":  true,
	"password":      true,
	"msalaccountid": true,
}

// scrubSecrets deep-copies v through JSON and removes secret-named fields at
// every level. Values that cannot round-trip are dropped entirely rather
// than passed through unchecked.
func scrubSecrets(v any) any {
	if v == nil {
		return nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	var decoded any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return nil
	}
	return scrubValue(decoded)
}

func scrubValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		for key, inner := range val {
			if secretKeys[strings.ToLower(key)] {
				delete(val, key)
				continue
			}
			val[key] = scrubValue(inner)
		}
		return val
	case []any:
		for i, inner := range val {
			val[i] = scrubValue(inner)
		}
		return val
	default:
		return v
	}
}

// connectionDTO is the externally visible shape of a stored connection.
// Credentials and token material stay inside the supervisor.
type connectionDTO struct {
	ID                 string `json:"id"`
	Name               string `json:"name"`
	URL                string `json:"url"`
	Environment        string `json:"environment"`
	AuthenticationType string `json:"authenticationType"`
	ClientID           string `json:"clientId,omitempty"`
	TenantID           string `json:"tenantId,omitempty"`
	Username           string `json:"username,omitempty"`
	BrowserType        string `json:"browserType,omitempty"`
	BrowserProfile     string `json:"browserProfile,omitempty"`
	BrowserProfileName string `json:"browserProfileName,omitempty"`
	CreatedAt          string `json:"createdAt,omitempty"`
	LastUsedAt         string `json:"lastUsedAt,omitempty"`
}

func toConnectionDTO(c store.Connection) connectionDTO {
	return connectionDTO{
		ID:                 c.ID,
		Name:               c.Name,
		URL:                c.URL,
		Environment:        string(c.Environment),
		AuthenticationType: string(c.AuthenticationType),
		ClientID:           c.ClientID,
		TenantID:           c.TenantID,
		Username:           c.Username,
		BrowserType:        c.BrowserType,
		BrowserProfile:     c.BrowserProfile,
		BrowserProfileName: c.BrowserProfileName,
		CreatedAt:          c.CreatedAt,
		LastUsedAt:         c.LastUsedAt,
	}
}

// instanceFor resolves which tool instance a call concerns. Tool callers are
// always bound to their own instance; the shell may name one explicitly.
func (b *Broker) instanceFor(call *ipc.Call, explicit string) (*windows.Instance, error) {
	id := explicit
	if !call.Caller.IsUI() {
		// A tool cannot act on behalf of another instance.
		id = call.Caller.InstanceID
	}
	if id == "" {
		return nil, fault.New(fault.KindInvalidArgument, "no instance id for %s", call.Route)
	}
	return b.opts.Windows.Get(id)
}

func (b *Broker) notify(ctx context.Context, level, message string) {
	eventbus.Publish(ctx, b.opts.Bus, eventbus.UI.Toolbox, eventbus.SourceAPIBroker,
		eventbus.ToolboxEvent{Name: "notification", Payload: map[string]string{
			"level":   level,
			"message": message,
		}})
}
