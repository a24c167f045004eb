// Package auth acquires and refreshes Dataverse access tokens for stored
// connections. Tokens live in the connection store, encrypted at rest, and
// are handed out only to supervisor-side callers. Tool webviews never see
// them.
package auth

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/pptb-app/pptb/internal/browser"
	"github.com/pptb-app/pptb/internal/config/store"
	"github.com/pptb-app/pptb/internal/dataverse"
	"github.com/pptb-app/pptb/internal/eventbus"
	"github.com/pptb-app/pptb/internal/fault"
)

// State tracks a connection's position in the authentication lifecycle.
type State string

const (
	StateUnauthenticated State = "unauthenticated"
	StateAuthenticating  State = "authenticating"
	StateAuthenticated   State = "authenticated"
	StateExpired         State = "expired"
	StateRefreshFailed   State = "refresh_failed"
)

const (
	// DefaultClientID is the public client used when a connection does
	// not carry its own app registration.
	DefaultClientID = "51f81489-12ee-4a9e-aaae-a2591f45987d"

	// DefaultTenant is used for user flows when no tenant is configured.
	DefaultTenant = "organizations"

	defaultAuthority = "https://login.microsoftonline.com"

	// expirySkew renews tokens slightly before their server-side expiry.
	expirySkew = 2 * time.Minute
)

// Token is the outcome of a successful acquire or refresh.
type Token struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
	AccountID    string
}

// TestResult reports the outcome of a credential test without touching
// stored state.
type TestResult struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

type refreshCall struct {
	done  chan struct{}
	token *Token
	err   error
}

// Broker owns per-connection authentication state. Refresh operations on
// the same connection are single-flight: concurrent callers share one
// token request and observe the same outcome.
type Broker struct {
	store   *store.Store
	browser *browser.Launcher
	bus     *eventbus.Bus
	http    *http.Client

	// authority is overridable so tests can point at a local server.
	authority string

	now func() time.Time

	mu       sync.Mutex
	states   map[string]State
	inflight map[string]*refreshCall
}

func New(st *store.Store, launcher *browser.Launcher, bus *eventbus.Bus) *Broker {
	return &Broker{
		store:     st,
		browser:   launcher,
		bus:       bus,
		http:      &http.Client{Timeout: 60 * time.Second},
		authority: defaultAuthority,
		now:       time.Now,
		states:    make(map[string]State),
		inflight:  make(map[string]*refreshCall),
	}
}

// State reports the lifecycle state of a connection, deriving Expired
// from stored expiry when no transition has been observed yet.
func (b *Broker) State(ctx context.Context, connectionID string) State {
	b.mu.Lock()
	if s, ok := b.states[connectionID]; ok {
		b.mu.Unlock()
		return s
	}
	b.mu.Unlock()

	conn, err := b.store.GetConnection(ctx, connectionID)
	if err != nil {
		return StateUnauthenticated
	}
	switch {
	case conn.AccessToken == "":
		return StateUnauthenticated
	case conn.TokenExpired(b.now()):
		return StateExpired
	default:
		return StateAuthenticated
	}
}

func (b *Broker) setState(connectionID string, s State) {
	b.mu.Lock()
	b.states[connectionID] = s
	b.mu.Unlock()
}

// ClearState drops in-memory lifecycle tracking for a deleted connection.
func (b *Broker) ClearState(connectionID string) {
	b.mu.Lock()
	delete(b.states, connectionID)
	b.mu.Unlock()
}

// IsExpired reports whether the stored token for connectionID has passed
// its expiry. Connections without a recorded expiry are treated as valid
// until a server rejects them.
func (b *Broker) IsExpired(ctx context.Context, connectionID string) (bool, error) {
	conn, err := b.store.GetConnection(ctx, connectionID)
	if err != nil {
		if store.IsNotFound(err) {
			return false, fault.New(fault.KindNotFound, "connection %s does not exist", connectionID)
		}
		return false, err
	}
	return conn.TokenExpired(b.now().Add(expirySkew)), nil
}

// Authenticate runs the connection's configured flow and persists the
// resulting tokens.
func (b *Broker) Authenticate(ctx context.Context, connectionID string) error {
	conn, err := b.store.GetConnection(ctx, connectionID)
	if err != nil {
		if store.IsNotFound(err) {
			return fault.New(fault.KindNotFound, "connection %s does not exist", connectionID)
		}
		return err
	}

	b.setState(connectionID, StateAuthenticating)
	token, err := b.acquire(ctx, &conn)
	if err != nil {
		b.setState(connectionID, StateUnauthenticated)
		return err
	}
	if err := b.persistToken(ctx, connectionID, token); err != nil {
		return err
	}
	b.setState(connectionID, StateAuthenticated)
	log.Printf("[Auth] Authenticated connection %s (%s)", connectionID, conn.AuthenticationType)
	return nil
}

// acquire runs the mode-specific flow without touching the store.
func (b *Broker) acquire(ctx context.Context, conn *store.Connection) (*Token, error) {
	switch conn.AuthenticationType {
	case store.AuthInteractive:
		return b.acquireInteractive(ctx, conn)
	case store.AuthClientSecret:
		return b.acquireClientCredentials(ctx, conn)
	case store.AuthUsernamePassword:
		return b.acquirePassword(ctx, conn)
	case store.AuthConnectionString:
		resolved, err := b.resolveConnectionString(conn)
		if err != nil {
			return nil, err
		}
		return b.acquire(ctx, resolved)
	default:
		return nil, fault.New(fault.KindInvalidArgument,
			"unsupported authentication type %q", conn.AuthenticationType)
	}
}

// Refresh renews the token for connectionID. Concurrent calls for the
// same connection collapse onto one in-flight token request.
func (b *Broker) Refresh(ctx context.Context, connectionID string) (*Token, error) {
	b.mu.Lock()
	if call, ok := b.inflight[connectionID]; ok {
		b.mu.Unlock()
		select {
		case <-call.done:
			return call.token, call.err
		case <-ctx.Done():
			return nil, fault.Wrap(fault.KindCancelled, ctx.Err())
		}
	}
	call := &refreshCall{done: make(chan struct{})}
	b.inflight[connectionID] = call
	b.mu.Unlock()

	call.token, call.err = b.doRefresh(ctx, connectionID)

	b.mu.Lock()
	delete(b.inflight, connectionID)
	b.mu.Unlock()
	close(call.done)

	return call.token, call.err
}

func (b *Broker) doRefresh(ctx context.Context, connectionID string) (*Token, error) {
	conn, err := b.store.GetConnection(ctx, connectionID)
	if err != nil {
		if store.IsNotFound(err) {
			return nil, fault.New(fault.KindNotFound, "connection %s does not exist", connectionID)
		}
		return nil, err
	}

	var token *Token
	switch conn.AuthenticationType {
	case store.AuthInteractive:
		token, err = b.refreshInteractive(ctx, &conn)
	case store.AuthClientSecret:
		token, err = b.acquireClientCredentials(ctx, &conn)
	case store.AuthUsernamePassword:
		token, err = b.acquirePassword(ctx, &conn)
	case store.AuthConnectionString:
		var resolved *store.Connection
		resolved, err = b.resolveConnectionString(&conn)
		if err == nil {
			token, err = b.acquire(ctx, resolved)
		}
	default:
		err = fault.New(fault.KindInvalidArgument,
			"unsupported authentication type %q", conn.AuthenticationType)
	}

	if err != nil {
		b.setState(connectionID, StateRefreshFailed)
		eventbus.Publish(ctx, b.bus, eventbus.Auth.TokenExpired, eventbus.SourceAuthBroker,
			eventbus.TokenExpiredEvent{ConnectionID: connectionID, ConnectionName: conn.Name})
		log.Printf("[Auth] Refresh failed for connection %s: %v", connectionID, err)
		if fault.KindOf(err) == fault.KindNetworkError {
			return nil, err
		}
		return nil, fault.Wrap(fault.KindAuthenticationRequired, err)
	}

	if err := b.persistToken(ctx, connectionID, token); err != nil {
		return nil, err
	}
	b.setState(connectionID, StateAuthenticated)
	return token, nil
}

// EnsureToken returns a valid access token and target URL for a
// Dataverse call, refreshing first when the stored token has expired.
func (b *Broker) EnsureToken(ctx context.Context, connectionID string) (accessToken, targetURL string, err error) {
	conn, err := b.store.GetConnection(ctx, connectionID)
	if err != nil {
		if store.IsNotFound(err) {
			return "", "", fault.New(fault.KindNotFound, "connection %s does not exist", connectionID)
		}
		return "", "", err
	}

	if conn.AccessToken == "" {
		b.setState(connectionID, StateUnauthenticated)
		eventbus.Publish(ctx, b.bus, eventbus.Auth.TokenExpired, eventbus.SourceAuthBroker,
			eventbus.TokenExpiredEvent{ConnectionID: connectionID, ConnectionName: conn.Name})
		return "", "", fault.New(fault.KindAuthenticationRequired,
			"connection %q has no access token, sign in first", conn.Name)
	}

	if !conn.TokenExpired(b.now().Add(expirySkew)) {
		return conn.AccessToken, conn.URL, nil
	}

	b.setState(connectionID, StateExpired)
	token, err := b.Refresh(ctx, connectionID)
	if err != nil {
		return "", "", err
	}
	return token.AccessToken, conn.URL, nil
}

// Test runs the acquire step for an unsaved connection. Nothing is
// persisted; the result carries a user-facing message on failure.
func (b *Broker) Test(ctx context.Context, conn store.Connection) TestResult {
	_, err := b.acquire(ctx, &conn)
	if err != nil {
		return TestResult{Success: false, Error: fault.ScrubMessage(err.Error())}
	}
	return TestResult{Success: true}
}

func (b *Broker) persistToken(ctx context.Context, connectionID string, token *Token) error {
	expiry := ""
	if !token.ExpiresAt.IsZero() {
		expiry = token.ExpiresAt.UTC().Format(time.RFC3339)
	}
	err := b.store.UpdateConnectionTokens(ctx, connectionID,
		token.AccessToken, token.RefreshToken, expiry, token.AccountID)
	if err != nil {
		return fmt.Errorf("persist tokens for %s: %w", connectionID, err)
	}
	return nil
}

// resolveConnectionString expands a connection-string connection into a
// concrete one carrying the inferred mode and credentials.
func (b *Broker) resolveConnectionString(conn *store.Connection) (*store.Connection, error) {
	if conn.URL == "" {
		return nil, fault.New(fault.KindInvalidArgument, "connection %q has no connection string URL", conn.Name)
	}
	resolved := *conn
	raw := conn.ClientSecret // connection string is stored in the secret slot
	if raw == "" {
		return nil, fault.New(fault.KindInvalidArgument, "connection %q has no connection string", conn.Name)
	}
	params, err := dataverse.ParseConnectionString(raw)
	if err != nil {
		return nil, err
	}
	resolved.URL = params.URL
	resolved.AuthenticationType = params.AuthenticationType
	resolved.Username = params.Username
	resolved.Password = params.Password
	resolved.ClientID = params.ClientID
	resolved.ClientSecret = params.ClientSecret
	resolved.TenantID = params.TenantID
	if resolved.AuthenticationType == store.AuthConnectionString {
		return nil, errors.New("connection string resolved to itself")
	}
	return &resolved, nil
}
