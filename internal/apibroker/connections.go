package apibroker

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/pptb-app/pptb/internal/browser"
	"github.com/pptb-app/pptb/internal/config/store"
	"github.com/pptb-app/pptb/internal/fault"
	"github.com/pptb-app/pptb/internal/ipc"
	"github.com/pptb-app/pptb/internal/validate"
)

func (b *Broker) registerConnections(r *ipc.Router) {
	b.register(r, ipc.RouteConnectionsAdd, b.handleConnectionAdd)
	b.register(r, ipc.RouteConnectionsUpdate, b.handleConnectionUpdate)
	b.register(r, ipc.RouteConnectionsDelete, b.handleConnectionDelete)
	b.register(r, ipc.RouteConnectionsList, b.handleConnectionList)
	b.register(r, ipc.RouteConnectionsGet, b.handleConnectionGet)
	b.register(r, ipc.RouteConnectionsTest, b.handleConnectionTest)
	b.register(r, ipc.RouteConnectionsIsTokenExpired, b.handleIsTokenExpired)
	b.register(r, ipc.RouteConnectionsRefresh, b.handleConnectionRefresh)
	b.register(r, ipc.RouteConnectionsAuthenticate, b.handleConnectionAuthenticate)
	b.register(r, ipc.RouteBrowserIsInstalled, b.handleBrowserInstalled)
	b.register(r, ipc.RouteBrowserProfiles, b.handleBrowserProfiles)
}

// connectionArgs is the writable surface of a connection record. Secrets
// flow IN through here; they never flow back out.
type connectionArgs struct {
	ID                 string `json:"id,omitempty"`
	Name               string `json:"name"`
	URL                string `json:"url"`
	Environment        string `json:"environment,omitempty"`
	AuthenticationType string `json:"authenticationType"`
	ClientID           string `json:"clientId,omitempty"`
	ClientSecret       string `json:"clientSecret,omitempty"`
	TenantID           string `json:"tenantId,omitempty"`
	Username           string `json:"username,omitempty"`
	Password           string `json:"password,omitempty"`
	BrowserType        string `json:"browserType,omitempty"`
	BrowserProfile     string `json:"browserProfile,omitempty"`
	BrowserProfileName string `json:"browserProfileName,omitempty"`
	ConnectionString   string `json:"connectionString,omitempty"`
}

func (a *connectionArgs) toConnection() (store.Connection, error) {
	if a.Name == "" {
		return store.Connection{}, fault.New(fault.KindInvalidArgument, "connection name is required")
	}
	if err := validate.DataverseURL(a.URL); err != nil {
		return store.Connection{}, err
	}
	env := store.Environment(a.Environment)
	if a.Environment == "" {
		env = store.EnvDev
	} else if !store.ValidEnvironment(env) {
		return store.Connection{}, fault.New(fault.KindInvalidArgument, "unknown environment %q", a.Environment)
	}
	authType := store.AuthenticationType(a.AuthenticationType)
	switch authType {
	case store.AuthInteractive, store.AuthClientSecret, store.AuthUsernamePassword, store.AuthConnectionString:
	default:
		return store.Connection{}, fault.New(fault.KindInvalidArgument, "unknown authentication type %q", a.AuthenticationType)
	}

	return store.Connection{
		ID:                 a.ID,
		Name:               a.Name,
		URL:                a.URL,
		Environment:        env,
		AuthenticationType: authType,
		ClientID:           a.ClientID,
		ClientSecret:       a.ClientSecret,
		TenantID:           a.TenantID,
		Username:           a.Username,
		Password:           a.Password,
		BrowserType:        a.BrowserType,
		BrowserProfile:     a.BrowserProfile,
		BrowserProfileName: a.BrowserProfileName,
	}, nil
}

func (b *Broker) handleConnectionAdd(ctx context.Context, call *ipc.Call) (any, error) {
	if err := requireUI(call); err != nil {
		return nil, err
	}
	var args connectionArgs
	if err := call.Decode(&args); err != nil {
		return nil, err
	}
	conn, err := args.toConnection()
	if err != nil {
		return nil, err
	}
	if conn.ID == "" {
		conn.ID = uuid.NewString()
	}
	if err := b.opts.Store.AddConnection(ctx, conn); err != nil {
		return nil, err
	}
	return toConnectionDTO(conn), nil
}

func (b *Broker) handleConnectionUpdate(ctx context.Context, call *ipc.Call) (any, error) {
	if err := requireUI(call); err != nil {
		return nil, err
	}
	var args connectionArgs
	if err := call.Decode(&args); err != nil {
		return nil, err
	}
	if args.ID == "" {
		return nil, fault.New(fault.KindInvalidArgument, "connection id is required")
	}
	existing, err := b.opts.Store.GetConnection(ctx, args.ID)
	if err != nil {
		return nil, err
	}
	conn, err := args.toConnection()
	if err != nil {
		return nil, err
	}
	// Empty secret fields keep the stored value; sending the secret back to
	// the UI just so it can echo it would violate token secrecy.
	if conn.ClientSecret == "" {
		conn.ClientSecret = existing.ClientSecret
	}
	if conn.Password == "" {
		conn.Password = existing.Password
	}
	if conn.URL == existing.URL {
		conn.AccessToken = existing.AccessToken
		conn.RefreshToken = existing.RefreshToken
		conn.TokenExpiry = existing.TokenExpiry
		conn.MSALAccountID = existing.MSALAccountID
	} else {
		// Tokens minted for the old environment are useless for the new one.
		b.opts.Auth.ClearState(conn.ID)
	}
	conn.LastUsedAt = existing.LastUsedAt
	if err := b.opts.Store.UpdateConnection(ctx, conn); err != nil {
		return nil, err
	}
	return toConnectionDTO(conn), nil
}

func (b *Broker) handleConnectionDelete(ctx context.Context, call *ipc.Call) (any, error) {
	if err := requireUI(call); err != nil {
		return nil, err
	}
	var args struct {
		ID string `json:"id"`
	}
	if err := call.Decode(&args); err != nil {
		return nil, err
	}
	if args.ID == "" {
		return nil, fault.New(fault.KindInvalidArgument, "connection id is required")
	}
	b.opts.Auth.ClearState(args.ID)
	return nil, b.opts.Store.DeleteConnection(ctx, args.ID)
}

func (b *Broker) handleConnectionList(ctx context.Context, call *ipc.Call) (any, error) {
	conns, err := b.opts.Store.ListConnections(ctx)
	if err != nil {
		return nil, err
	}
	dtos := make([]connectionDTO, 0, len(conns))
	for _, c := range conns {
		dtos = append(dtos, toConnectionDTO(c))
	}
	return dtos, nil
}

func (b *Broker) handleConnectionGet(ctx context.Context, call *ipc.Call) (any, error) {
	var args struct {
		ID string `json:"id"`
	}
	if err := call.Decode(&args); err != nil {
		return nil, err
	}
	conn, err := b.opts.Store.GetConnection(ctx, args.ID)
	if err != nil {
		return nil, err
	}
	return toConnectionDTO(conn), nil
}

// handleConnectionTest exercises unsaved credentials. Nothing persists.
func (b *Broker) handleConnectionTest(ctx context.Context, call *ipc.Call) (any, error) {
	if err := requireUI(call); err != nil {
		return nil, err
	}
	var args connectionArgs
	if err := call.Decode(&args); err != nil {
		return nil, err
	}
	conn, err := args.toConnection()
	if err != nil {
		return nil, err
	}
	return b.opts.Auth.Test(ctx, conn), nil
}

func (b *Broker) handleIsTokenExpired(ctx context.Context, call *ipc.Call) (any, error) {
	var args struct {
		ID string `json:"id"`
	}
	if err := call.Decode(&args); err != nil {
		return nil, err
	}
	return b.opts.Auth.IsExpired(ctx, args.ID)
}

func (b *Broker) handleConnectionRefresh(ctx context.Context, call *ipc.Call) (any, error) {
	if err := requireUI(call); err != nil {
		return nil, err
	}
	var args struct {
		ID string `json:"id"`
	}
	if err := call.Decode(&args); err != nil {
		return nil, err
	}
	token, err := b.opts.Auth.Refresh(ctx, args.ID)
	if err != nil {
		return nil, err
	}
	// The reply describes the outcome; the token itself stays here.
	return map[string]any{
		"state":     string(b.opts.Auth.State(ctx, args.ID)),
		"expiresAt": token.ExpiresAt.Format(time.RFC3339),
	}, nil
}

func (b *Broker) handleConnectionAuthenticate(ctx context.Context, call *ipc.Call) (any, error) {
	if err := requireUI(call); err != nil {
		return nil, err
	}
	var args struct {
		ID string `json:"id"`
	}
	if err := call.Decode(&args); err != nil {
		return nil, err
	}
	if err := b.opts.Auth.Authenticate(ctx, args.ID); err != nil {
		return nil, err
	}
	return map[string]string{"state": string(b.opts.Auth.State(ctx, args.ID))}, nil
}

func decodeBrowserType(call *ipc.Call) (browser.Type, error) {
	var args struct {
		BrowserType string `json:"browserType"`
	}
	if err := call.Decode(&args); err != nil {
		return "", err
	}
	switch t := browser.Type(args.BrowserType); t {
	case browser.TypeDefault, browser.TypeChrome, browser.TypeEdge:
		return t, nil
	default:
		return "", fault.New(fault.KindInvalidArgument, "unknown browser type %q", args.BrowserType)
	}
}

func (b *Broker) handleBrowserInstalled(ctx context.Context, call *ipc.Call) (any, error) {
	t, err := decodeBrowserType(call)
	if err != nil {
		return nil, err
	}
	return b.opts.Browser.IsInstalled(t), nil
}

func (b *Broker) handleBrowserProfiles(ctx context.Context, call *ipc.Call) (any, error) {
	t, err := decodeBrowserType(call)
	if err != nil {
		return nil, err
	}
	return b.opts.Browser.Profiles(t)
}
