package auth

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/pptb-app/pptb/internal/config/store"
	"github.com/pptb-app/pptb/internal/fault"
)

const maxTokenResponseSize = 1 * 1024 * 1024 // 1 MB

// tokenResponse is the wire shape of a successful or failed token grant.
type tokenResponse struct {
	AccessToken      string `json:"access_token"`
	RefreshToken     string `json:"refresh_token"`
	IDToken          string `json:"id_token"`
	ExpiresIn        int    `json:"expires_in"`
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
}

func (b *Broker) tenantFor(conn *store.Connection) string {
	if conn.TenantID != "" {
		return conn.TenantID
	}
	return DefaultTenant
}

func (b *Broker) clientIDFor(conn *store.Connection) string {
	if conn.ClientID != "" {
		return conn.ClientID
	}
	return DefaultClientID
}

func (b *Broker) tokenEndpoint(tenant string) string {
	return fmt.Sprintf("%s/%s/oauth2/v2.0/token", strings.TrimRight(b.authority, "/"), tenant)
}

func (b *Broker) authorizeEndpoint(tenant string) string {
	return fmt.Sprintf("%s/%s/oauth2/v2.0/authorize", strings.TrimRight(b.authority, "/"), tenant)
}

func (b *Broker) deviceCodeEndpoint(tenant string) string {
	return fmt.Sprintf("%s/%s/oauth2/v2.0/devicecode", strings.TrimRight(b.authority, "/"), tenant)
}

// userScope covers delegated flows: resource access plus a refresh token
// and an id_token for account identification.
func userScope(resourceURL string) string {
	return strings.TrimRight(resourceURL, "/") + "/.default offline_access openid profile"
}

// appScope covers the client-credentials grant, which permits neither
// refresh tokens nor openid.
func appScope(resourceURL string) string {
	return strings.TrimRight(resourceURL, "/") + "/.default"
}

// acquireClientCredentials runs the confidential-client grant. There is
// no refresh token; refresh repeats the grant.
func (b *Broker) acquireClientCredentials(ctx context.Context, conn *store.Connection) (*Token, error) {
	if conn.ClientID == "" || conn.ClientSecret == "" {
		return nil, fault.New(fault.KindInvalidArgument,
			"client id and client secret are required for this connection")
	}
	if conn.TenantID == "" {
		return nil, fault.New(fault.KindInvalidArgument,
			"tenant id is required for client secret authentication")
	}
	form := url.Values{
		"grant_type":    {"client_credentials"},
		"client_id":     {conn.ClientID},
		"client_secret": {conn.ClientSecret},
		"scope":         {appScope(conn.URL)},
	}
	return b.postTokenRequest(ctx, b.tokenEndpoint(conn.TenantID), form)
}

// acquirePassword runs the resource-owner password grant.
func (b *Broker) acquirePassword(ctx context.Context, conn *store.Connection) (*Token, error) {
	if conn.Username == "" || conn.Password == "" {
		return nil, fault.New(fault.KindInvalidArgument,
			"username and password are required for this connection")
	}
	form := url.Values{
		"grant_type": {"password"},
		"client_id":  {b.clientIDFor(conn)},
		"username":   {conn.Username},
		"password":   {conn.Password},
		"scope":      {userScope(conn.URL)},
	}
	return b.postTokenRequest(ctx, b.tokenEndpoint(b.tenantFor(conn)), form)
}

// refreshInteractive renews an interactive session silently using the
// stored refresh token. A missing refresh token fails straight to
// authentication_required; the broker never opens a browser during
// refresh.
func (b *Broker) refreshInteractive(ctx context.Context, conn *store.Connection) (*Token, error) {
	if conn.RefreshToken == "" {
		return nil, fault.New(fault.KindAuthenticationRequired,
			"no refresh token stored for connection %q", conn.Name)
	}
	form := url.Values{
		"grant_type":    {"refresh_token"},
		"client_id":     {b.clientIDFor(conn)},
		"refresh_token": {conn.RefreshToken},
		"scope":         {userScope(conn.URL)},
	}
	token, err := b.postTokenRequest(ctx, b.tokenEndpoint(b.tenantFor(conn)), form)
	if err != nil {
		return nil, err
	}
	if token.AccountID == "" {
		token.AccountID = conn.MSALAccountID
	}
	// Refresh-token rotation: keep the old one when the server does not
	// send a replacement.
	if token.RefreshToken == "" {
		token.RefreshToken = conn.RefreshToken
	}
	return token, nil
}

// redeemAuthorizationCode exchanges a loopback authorization code.
func (b *Broker) redeemAuthorizationCode(ctx context.Context, conn *store.Connection, code, redirectURI, verifier string) (*Token, error) {
	form := url.Values{
		"grant_type":    {"authorization_code"},
		"client_id":     {b.clientIDFor(conn)},
		"code":          {code},
		"redirect_uri":  {redirectURI},
		"code_verifier": {verifier},
		"scope":         {userScope(conn.URL)},
	}
	return b.postTokenRequest(ctx, b.tokenEndpoint(b.tenantFor(conn)), form)
}

func (b *Broker) postTokenRequest(ctx context.Context, endpoint string, form url.Values) (*Token, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint,
		strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fault.Wrap(fault.KindInvalidArgument, err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := b.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fault.Wrap(fault.KindCancelled, ctx.Err())
		}
		return nil, fault.Wrap(fault.KindNetworkError, fmt.Errorf("token request failed: %w", err))
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxTokenResponseSize))
	if err != nil {
		return nil, fault.Wrap(fault.KindNetworkError, fmt.Errorf("read token response: %w", err))
	}

	var tr tokenResponse
	if err := json.Unmarshal(raw, &tr); err != nil {
		return nil, fault.New(fault.KindRemoteError,
			"identity service returned HTTP %d with an unreadable body", resp.StatusCode)
	}
	if tr.Error != "" || resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, grantError(tr)
	}

	token := &Token{
		AccessToken:  tr.AccessToken,
		RefreshToken: tr.RefreshToken,
		AccountID:    accountIDFromIDToken(tr.IDToken),
	}
	if tr.ExpiresIn > 0 {
		token.ExpiresAt = b.now().Add(time.Duration(tr.ExpiresIn) * time.Second)
	}
	return token, nil
}

// grantError maps OAuth error codes onto the fault taxonomy. Credential
// failures are terminal; interaction_required style codes also surface as
// authentication_required so the UI drives re-auth.
func grantError(tr tokenResponse) error {
	message := firstLine(tr.ErrorDescription)
	if message == "" {
		message = "the identity service rejected the request"
	}
	err := fault.New(fault.KindAuthenticationRequired, "%s", fault.ScrubMessage(message))
	if tr.Error != "" {
		err = err.WithDetail("code", tr.Error)
	}
	return err
}

// firstLine trims the multi-paragraph correlation dumps AAD appends to
// error descriptions.
func firstLine(s string) string {
	if idx := strings.IndexAny(s, "\r\n"); idx >= 0 {
		s = s[:idx]
	}
	return strings.TrimSpace(s)
}

// accountIDFromIDToken pulls a stable account identifier (oid.tid) out
// of an unverified id_token. The token was received over TLS directly
// from the authority, so signature verification is not repeated here.
func accountIDFromIDToken(idToken string) string {
	parts := strings.Split(idToken, ".")
	if len(parts) != 3 {
		return ""
	}
	payload, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return ""
	}
	var claims struct {
		OID string `json:"oid"`
		TID string `json:"tid"`
		Sub string `json:"sub"`
	}
	if err := json.Unmarshal(payload, &claims); err != nil {
		return ""
	}
	if claims.OID != "" && claims.TID != "" {
		return claims.OID + "." + claims.TID
	}
	return claims.Sub
}
