package dataverse

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/pptb-app/pptb/internal/fault"
)

const (
	apiPath = "/api/data/v9.2"

	maxResponseSize = 50 * 1024 * 1024 // 50 MB

	defaultTimeout = 90 * time.Second
)

// Target carries everything needed to address one Dataverse
// environment for a single request. The access token is attached here,
// inside the supervisor, and never travels back to the caller.
type Target struct {
	BaseURL     string
	AccessToken string
}

// Client is a thin Dataverse Web API client. It is stateless across
// requests; connection routing and token refresh live with the caller.
type Client struct {
	http *http.Client
}

func NewClient() *Client {
	return &Client{
		http: &http.Client{
			Timeout: defaultTimeout,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= 10 {
					return errors.New("too many redirects")
				}
				if req.URL.Scheme != "http" && req.URL.Scheme != "https" {
					return fmt.Errorf("redirect to disallowed scheme: %s", req.URL.Scheme)
				}
				return nil
			},
		},
	}
}

// request describes one Web API call for the generic dispatcher.
type request struct {
	method  string
	path    string // relative to /api/data/v9.2, leading slash required
	query   url.Values
	body    any
	headers map[string]string
}

// response is the decoded outcome of a Web API call.
type response struct {
	status   int
	body     json.RawMessage
	entityID string // from OData-EntityId, set on creates
	raw      []byte // unparsed payload, for non-JSON responses
}

func (c *Client) do(ctx context.Context, target Target, req request) (*response, error) {
	base := strings.TrimRight(target.BaseURL, "/")
	endpoint := base + apiPath + req.path
	if len(req.query) > 0 {
		endpoint += "?" + req.query.Encode()
	}

	var payload io.Reader
	if req.body != nil {
		encoded, err := json.Marshal(req.body)
		if err != nil {
			return nil, fault.Wrap(fault.KindInvalidArgument, fmt.Errorf("encode request body: %w", err))
		}
		payload = bytes.NewReader(encoded)
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.method, endpoint, payload)
	if err != nil {
		return nil, fault.Wrap(fault.KindInvalidArgument, fmt.Errorf("build request: %w", err))
	}
	httpReq.Header.Set("Authorization", "Bearer "+target.AccessToken)
	httpReq.Header.Set("OData-MaxVersion", "4.0")
	httpReq.Header.Set("OData-Version", "4.0")
	httpReq.Header.Set("Accept", "application/json")
	if req.body != nil {
		httpReq.Header.Set("Content-Type", "application/json; charset=utf-8")
	}
	for k, v := range req.headers {
		httpReq.Header.Set(k, v)
	}

	httpResp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fault.Wrap(fault.KindNetworkError, fmt.Errorf("request to Dataverse failed: %w", err))
	}
	defer httpResp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(httpResp.Body, maxResponseSize))
	if err != nil {
		return nil, fault.Wrap(fault.KindNetworkError, fmt.Errorf("read Dataverse response: %w", err))
	}

	if httpResp.StatusCode < 200 || httpResp.StatusCode > 299 {
		return nil, remoteError(httpResp.StatusCode, raw)
	}

	resp := &response{
		status:   httpResp.StatusCode,
		entityID: entityIDFromHeader(httpResp.Header.Get("OData-EntityId")),
		raw:      raw,
	}
	if json.Valid(raw) {
		resp.body = json.RawMessage(raw)
	}
	return resp, nil
}

// remoteError maps a non-2xx Dataverse reply onto the fault taxonomy,
// extracting the server's own message when the OData error envelope is
// present.
func remoteError(status int, body []byte) error {
	if status == http.StatusUnauthorized {
		return fault.New(fault.KindAuthenticationRequired, "Dataverse rejected the access token")
	}

	var envelope struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	message := ""
	if json.Unmarshal(body, &envelope) == nil {
		message = envelope.Error.Message
	}
	if message == "" {
		message = fmt.Sprintf("Dataverse returned HTTP %d", status)
	}
	err := fault.New(fault.KindRemoteError, fault.ScrubMessage(message))
	if envelope.Error.Code != "" {
		err = err.WithDetail("code", envelope.Error.Code)
	}
	return err.WithDetail("status", fmt.Sprintf("%d", status))
}

// entityIDFromHeader extracts the record GUID from an OData-EntityId
// header like "https://org.crm.dynamics.com/api/data/v9.2/accounts(GUID)".
func entityIDFromHeader(header string) string {
	start := strings.LastIndexByte(header, '(')
	end := strings.LastIndexByte(header, ')')
	if start < 0 || end <= start {
		return ""
	}
	return header[start+1 : end]
}
