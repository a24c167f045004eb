package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/pptb-app/pptb/internal/config/store"
	"github.com/pptb-app/pptb/internal/eventbus"
	"github.com/pptb-app/pptb/internal/fault"
)

const (
	// loopbackWait bounds how long the broker waits for the user to
	// finish signing in before treating the attempt as abandoned.
	loopbackWait = 5 * time.Minute

	loopbackResponse = `<!DOCTYPE html><html><body style="font-family:sans-serif">` +
		`<h3>Sign-in complete</h3><p>You can close this window and return to the app.</p>` +
		`</body></html>`
)

// acquireInteractive drives the OAuth authorization-code flow with PKCE.
// A silent refresh is attempted first when a refresh token is stored.
// If the loopback listener cannot be opened, the device-code flow takes
// over and the verification code is routed to the UI as an event.
func (b *Broker) acquireInteractive(ctx context.Context, conn *store.Connection) (*Token, error) {
	if conn.RefreshToken != "" {
		if token, err := b.refreshInteractive(ctx, conn); err == nil {
			return token, nil
		}
		log.Printf("[Auth] Silent refresh failed for %q, starting interactive sign-in", conn.Name)
	}

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		log.Printf("[Auth] Loopback unavailable (%v), using device code flow", err)
		return b.acquireDeviceCode(ctx, conn)
	}
	return b.acquireLoopback(ctx, conn, listener)
}

// authCodeResult carries the redirect outcome from the loopback handler.
type authCodeResult struct {
	code string
	err  error
}

func (b *Broker) acquireLoopback(ctx context.Context, conn *store.Connection, listener net.Listener) (*Token, error) {
	defer listener.Close()

	verifier, challenge, err := pkcePair()
	if err != nil {
		return nil, err
	}
	state, err := randomToken(16)
	if err != nil {
		return nil, err
	}
	redirectURI := fmt.Sprintf("http://%s/auth/callback", listener.Addr().String())

	results := make(chan authCodeResult, 1)
	server := &http.Server{Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/auth/callback" {
			http.NotFound(w, r)
			return
		}
		q := r.URL.Query()
		switch {
		case q.Get("state") != state:
			http.Error(w, "state mismatch", http.StatusBadRequest)
			return
		case q.Get("error") != "":
			desc := firstLine(q.Get("error_description"))
			if desc == "" {
				desc = q.Get("error")
			}
			results <- authCodeResult{err: authorizeError(q.Get("error"), desc)}
		default:
			results <- authCodeResult{code: q.Get("code")}
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		io.WriteString(w, loopbackResponse)
	})}
	go server.Serve(listener)
	defer server.Close()

	authorizeURL := b.authorizeEndpoint(b.tenantFor(conn)) + "?" + url.Values{
		"client_id":             {b.clientIDFor(conn)},
		"response_type":         {"code"},
		"redirect_uri":          {redirectURI},
		"response_mode":         {"query"},
		"scope":                 {userScope(conn.URL)},
		"state":                 {state},
		"code_challenge":        {challenge},
		"code_challenge_method": {"S256"},
		"prompt":                {"select_account"},
	}.Encode()

	if err := b.browser.OpenWithProfile(authorizeURL, conn); err != nil {
		return nil, fault.Wrap(fault.KindUnknown, fmt.Errorf("open sign-in page: %w", err))
	}

	timer := time.NewTimer(loopbackWait)
	defer timer.Stop()
	select {
	case result := <-results:
		if result.err != nil {
			return nil, result.err
		}
		if result.code == "" {
			return nil, fault.New(fault.KindAuthenticationRequired, "sign-in redirect carried no code")
		}
		return b.redeemAuthorizationCode(ctx, conn, result.code, redirectURI, verifier)
	case <-ctx.Done():
		return nil, fault.New(fault.KindCancelled, "sign-in was cancelled")
	case <-timer.C:
		return nil, fault.New(fault.KindCancelled, "sign-in was not completed in time")
	}
}

// deviceCodeResponse is the wire shape of the device authorization step.
type deviceCodeResponse struct {
	DeviceCode      string `json:"device_code"`
	UserCode        string `json:"user_code"`
	VerificationURI string `json:"verification_uri"`
	Message         string `json:"message"`
	ExpiresIn       int    `json:"expires_in"`
	Interval        int    `json:"interval"`
	Error           string `json:"error"`
}

func (b *Broker) acquireDeviceCode(ctx context.Context, conn *store.Connection) (*Token, error) {
	form := url.Values{
		"client_id": {b.clientIDFor(conn)},
		"scope":     {userScope(conn.URL)},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		b.deviceCodeEndpoint(b.tenantFor(conn)), strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fault.Wrap(fault.KindInvalidArgument, err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	resp, err := b.http.Do(req)
	if err != nil {
		return nil, fault.Wrap(fault.KindNetworkError, fmt.Errorf("device code request failed: %w", err))
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxTokenResponseSize))
	if err != nil {
		return nil, fault.Wrap(fault.KindNetworkError, fmt.Errorf("read device code response: %w", err))
	}
	var dc deviceCodeResponse
	if err := json.Unmarshal(raw, &dc); err != nil || dc.DeviceCode == "" {
		return nil, fault.New(fault.KindRemoteError, "identity service refused the device code request")
	}

	eventbus.Publish(ctx, b.bus, eventbus.Auth.DeviceCodeShow, eventbus.SourceAuthBroker,
		eventbus.DeviceCodeEvent{
			ConnectionID:    conn.ID,
			UserCode:        dc.UserCode,
			VerificationURL: dc.VerificationURI,
			Message:         dc.Message,
			ExpiresIn:       dc.ExpiresIn,
		})
	defer eventbus.Publish(ctx, b.bus, eventbus.Auth.DeviceCodeClose, eventbus.SourceAuthBroker,
		eventbus.DeviceCodeEvent{ConnectionID: conn.ID, UserCode: dc.UserCode})

	interval := time.Duration(dc.Interval) * time.Second
	if interval <= 0 {
		interval = 5 * time.Second
	}
	deadline := b.now().Add(time.Duration(dc.ExpiresIn) * time.Second)

	pollForm := url.Values{
		"grant_type":  {"urn:ietf:params:oauth:grant-type:device_code"},
		"client_id":   {b.clientIDFor(conn)},
		"device_code": {dc.DeviceCode},
	}
	endpoint := b.tokenEndpoint(b.tenantFor(conn))
	for {
		select {
		case <-ctx.Done():
			return nil, fault.New(fault.KindCancelled, "sign-in was cancelled")
		case <-time.After(interval):
		}
		if b.now().After(deadline) {
			return nil, fault.New(fault.KindAuthenticationRequired, "the device code expired before sign-in completed")
		}
		token, err := b.postTokenRequest(ctx, endpoint, pollForm)
		if err == nil {
			return token, nil
		}
		switch grantCode(err) {
		case "authorization_pending":
			continue
		case "slow_down":
			interval += 5 * time.Second
			continue
		default:
			return nil, err
		}
	}
}

// grantCode extracts the OAuth error code detail from a taxonomy error.
func grantCode(err error) string {
	var fe *fault.Error
	if !errors.As(err, &fe) {
		return ""
	}
	return fe.Detail["code"]
}

// authorizeError maps redirect error codes, distinguishing user
// cancellation from hard failures.
func authorizeError(code, description string) error {
	if code == "access_denied" {
		return fault.New(fault.KindCancelled, "sign-in was cancelled")
	}
	return fault.New(fault.KindAuthenticationRequired, "%s", fault.ScrubMessage(description)).
		WithDetail("code", code)
}

// pkcePair generates a PKCE verifier and its S256 challenge.
func pkcePair() (verifier, challenge string, err error) {
	verifier, err = randomToken(32)
	if err != nil {
		return "", "", err
	}
	sum := sha256.Sum256([]byte(verifier))
	return verifier, base64.RawURLEncoding.EncodeToString(sum[:]), nil
}

func randomToken(bytes int) (string, error) {
	buf := make([]byte, bytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fault.Wrap(fault.KindUnknown, fmt.Errorf("generate random token: %w", err))
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
