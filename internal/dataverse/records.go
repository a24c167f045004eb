package dataverse

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/pptb-app/pptb/internal/fault"
)

// Create inserts a record and returns its id.
func (c *Client) Create(ctx context.Context, t Target, entitySet string, record map[string]any) (string, error) {
	resp, err := c.do(ctx, t, request{
		method: http.MethodPost,
		path:   "/" + entitySet,
		body:   record,
	})
	if err != nil {
		return "", err
	}
	return resp.entityID, nil
}

// Retrieve fetches one record. options is a raw OData query string such
// as "$select=name" and may be empty.
func (c *Client) Retrieve(ctx context.Context, t Target, entitySet, id, options string) (json.RawMessage, error) {
	path := fmt.Sprintf("/%s(%s)", entitySet, id)
	if options != "" {
		path += "?" + options
	}
	resp, err := c.do(ctx, t, request{method: http.MethodGet, path: path})
	if err != nil {
		return nil, err
	}
	return resp.body, nil
}

// Update applies a partial update to one record.
func (c *Client) Update(ctx context.Context, t Target, entitySet, id string, record map[string]any) error {
	_, err := c.do(ctx, t, request{
		method: http.MethodPatch,
		path:   fmt.Sprintf("/%s(%s)", entitySet, id),
		body:   record,
		// Refuse create-on-missing so an update of a deleted record fails.
		headers: map[string]string{"If-Match": "*"},
	})
	return err
}

// Delete removes one record.
func (c *Client) Delete(ctx context.Context, t Target, entitySet, id string) error {
	_, err := c.do(ctx, t, request{
		method: http.MethodDelete,
		path:   fmt.Sprintf("/%s(%s)", entitySet, id),
	})
	return err
}

// QueryResult is one page of a collection query.
type QueryResult struct {
	Value    json.RawMessage `json:"value"`
	NextLink string          `json:"nextLink,omitempty"`
	Count    *int64          `json:"count,omitempty"`
}

func decodeQueryResult(body json.RawMessage) (*QueryResult, error) {
	var page struct {
		Value    json.RawMessage `json:"value"`
		NextLink string          `json:"@odata.nextLink"`
		Count    *int64          `json:"@odata.count"`
	}
	if err := json.Unmarshal(body, &page); err != nil {
		return nil, fault.Wrap(fault.KindRemoteError, fmt.Errorf("decode collection response: %w", err))
	}
	return &QueryResult{Value: page.Value, NextLink: page.NextLink, Count: page.Count}, nil
}

// RetrieveMultiple runs an OData collection query against entitySet.
func (c *Client) RetrieveMultiple(ctx context.Context, t Target, entitySet, options string) (*QueryResult, error) {
	path := "/" + entitySet
	if options != "" {
		path += "?" + options
	}
	resp, err := c.do(ctx, t, request{
		method:  http.MethodGet,
		path:    path,
		headers: map[string]string{"Prefer": `odata.include-annotations="*"`},
	})
	if err != nil {
		return nil, err
	}
	return decodeQueryResult(resp.body)
}

// FetchXMLQuery runs a FetchXML query against entitySet.
func (c *Client) FetchXMLQuery(ctx context.Context, t Target, entitySet, fetchXML string) (*QueryResult, error) {
	q := url.Values{"fetchXml": {fetchXML}}
	resp, err := c.do(ctx, t, request{
		method:  http.MethodGet,
		path:    "/" + entitySet,
		query:   q,
		headers: map[string]string{"Prefer": `odata.include-annotations="*"`},
	})
	if err != nil {
		return nil, err
	}
	return decodeQueryResult(resp.body)
}

// QueryData issues a GET against an arbitrary Web API path, for callers
// that assemble their own OData expressions.
func (c *Client) QueryData(ctx context.Context, t Target, path string) (json.RawMessage, error) {
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	resp, err := c.do(ctx, t, request{method: http.MethodGet, path: path})
	if err != nil {
		return nil, err
	}
	return resp.body, nil
}

// ExecuteRequest is a caller-described Web API invocation, used for
// bound and unbound actions and functions not covered by a dedicated
// method.
type ExecuteRequest struct {
	Method string
	Path   string
	Body   map[string]any
}

// Execute performs an arbitrary Web API request.
func (c *Client) Execute(ctx context.Context, t Target, req ExecuteRequest) (json.RawMessage, error) {
	method := strings.ToUpper(strings.TrimSpace(req.Method))
	switch method {
	case http.MethodGet, http.MethodPost, http.MethodPatch, http.MethodPut, http.MethodDelete:
	default:
		return nil, fault.New(fault.KindInvalidArgument, "unsupported HTTP method %q", req.Method)
	}
	path := req.Path
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	var body any
	if req.Body != nil {
		body = req.Body
	}
	resp, err := c.do(ctx, t, request{method: method, path: path, body: body})
	if err != nil {
		return nil, err
	}
	return resp.body, nil
}

// CreateMultiple inserts a batch of records through the CreateMultiple
// action and returns the new ids.
func (c *Client) CreateMultiple(ctx context.Context, t Target, entitySet string, records []map[string]any) ([]string, error) {
	resp, err := c.do(ctx, t, request{
		method: http.MethodPost,
		path:   fmt.Sprintf("/%s/Microsoft.Dynamics.CRM.CreateMultiple", entitySet),
		body:   map[string]any{"Targets": records},
	})
	if err != nil {
		return nil, err
	}
	var out struct {
		IDs []string `json:"Ids"`
	}
	if err := json.Unmarshal(resp.body, &out); err != nil {
		return nil, fault.Wrap(fault.KindRemoteError, fmt.Errorf("decode CreateMultiple response: %w", err))
	}
	return out.IDs, nil
}

// UpdateMultiple applies a batch of partial updates through the
// UpdateMultiple action. Each record must carry its primary key field.
func (c *Client) UpdateMultiple(ctx context.Context, t Target, entitySet string, records []map[string]any) error {
	_, err := c.do(ctx, t, request{
		method: http.MethodPost,
		path:   fmt.Sprintf("/%s/Microsoft.Dynamics.CRM.UpdateMultiple", entitySet),
		body:   map[string]any{"Targets": records},
	})
	return err
}

// Associate links a record into a collection-valued navigation property.
func (c *Client) Associate(ctx context.Context, t Target, entitySet, id, navProperty, relatedSet, relatedID string) error {
	ref := strings.TrimRight(t.BaseURL, "/") + apiPath + fmt.Sprintf("/%s(%s)", relatedSet, relatedID)
	_, err := c.do(ctx, t, request{
		method: http.MethodPost,
		path:   fmt.Sprintf("/%s(%s)/%s/$ref", entitySet, id, navProperty),
		body:   map[string]any{"@odata.id": ref},
	})
	return err
}

// Disassociate removes a relationship created by Associate.
func (c *Client) Disassociate(ctx context.Context, t Target, entitySet, id, navProperty, relatedID string) error {
	_, err := c.do(ctx, t, request{
		method: http.MethodDelete,
		path:   fmt.Sprintf("/%s(%s)/%s(%s)/$ref", entitySet, id, navProperty, relatedID),
	})
	return err
}

// PublishCustomizations publishes all unpublished customizations.
func (c *Client) PublishCustomizations(ctx context.Context, t Target) error {
	_, err := c.do(ctx, t, request{
		method: http.MethodPost,
		path:   "/PublishAllXml",
	})
	return err
}

// DeploySolution imports a solution archive (base64-encoded zip) and
// returns the import job id to poll via GetImportJobStatus.
func (c *Client) DeploySolution(ctx context.Context, t Target, customizationFile string, overwrite bool, importJobID string) (string, error) {
	if customizationFile == "" {
		return "", fault.New(fault.KindInvalidArgument, "solution payload must not be empty")
	}
	_, err := c.do(ctx, t, request{
		method: http.MethodPost,
		path:   "/ImportSolution",
		body: map[string]any{
			"CustomizationFile":                customizationFile,
			"OverwriteUnmanagedCustomizations": overwrite,
			"PublishWorkflows":                 true,
			"ImportJobId":                      importJobID,
		},
	})
	if err != nil {
		return "", err
	}
	return importJobID, nil
}

// ImportJobStatus is the progress snapshot of a solution import.
type ImportJobStatus struct {
	ID          string  `json:"id"`
	Progress    float64 `json:"progress"`
	CompletedOn string  `json:"completedOn,omitempty"`
	Data        string  `json:"data,omitempty"`
}

// GetImportJobStatus reads the import job record for a running or
// finished solution deployment.
func (c *Client) GetImportJobStatus(ctx context.Context, t Target, importJobID string) (*ImportJobStatus, error) {
	resp, err := c.do(ctx, t, request{
		method: http.MethodGet,
		path:   fmt.Sprintf("/importjobs(%s)?$select=importjobid,progress,completedon,data", importJobID),
	})
	if err != nil {
		return nil, err
	}
	var row struct {
		ID          string  `json:"importjobid"`
		Progress    float64 `json:"progress"`
		CompletedOn string  `json:"completedon"`
		Data        string  `json:"data"`
	}
	if err := json.Unmarshal(resp.body, &row); err != nil {
		return nil, fault.Wrap(fault.KindRemoteError, fmt.Errorf("decode import job: %w", err))
	}
	return &ImportJobStatus{ID: row.ID, Progress: row.Progress, CompletedOn: row.CompletedOn, Data: row.Data}, nil
}
