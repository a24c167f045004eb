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

// defaultLanguageCode is the LCID used for labels built without an
// explicit language (1033 = English, United States).
const defaultLanguageCode = 1033

// BuildLabel constructs the localized-label envelope the metadata API
// expects for display names and descriptions.
func BuildLabel(text string, languageCode int) map[string]any {
	if languageCode == 0 {
		languageCode = defaultLanguageCode
	}
	return map[string]any{
		"@odata.type": "Microsoft.Dynamics.CRM.Label",
		"LocalizedLabels": []map[string]any{
			{
				"@odata.type":  "Microsoft.Dynamics.CRM.LocalizedLabel",
				"Label":        text,
				"LanguageCode": languageCode,
			},
		},
	}
}

// GetAttributeODataType maps an attribute type name to the @odata.type
// value used when creating attribute metadata.
func GetAttributeODataType(attributeType string) (string, error) {
	types := map[string]string{
		"string":   "Microsoft.Dynamics.CRM.StringAttributeMetadata",
		"memo":     "Microsoft.Dynamics.CRM.MemoAttributeMetadata",
		"integer":  "Microsoft.Dynamics.CRM.IntegerAttributeMetadata",
		"bigint":   "Microsoft.Dynamics.CRM.BigIntAttributeMetadata",
		"decimal":  "Microsoft.Dynamics.CRM.DecimalAttributeMetadata",
		"double":   "Microsoft.Dynamics.CRM.DoubleAttributeMetadata",
		"money":    "Microsoft.Dynamics.CRM.MoneyAttributeMetadata",
		"boolean":  "Microsoft.Dynamics.CRM.BooleanAttributeMetadata",
		"datetime": "Microsoft.Dynamics.CRM.DateTimeAttributeMetadata",
		"picklist": "Microsoft.Dynamics.CRM.PicklistAttributeMetadata",
		"lookup":   "Microsoft.Dynamics.CRM.LookupAttributeMetadata",
		"image":    "Microsoft.Dynamics.CRM.ImageAttributeMetadata",
		"file":     "Microsoft.Dynamics.CRM.FileAttributeMetadata",
	}
	odataType, ok := types[strings.ToLower(attributeType)]
	if !ok {
		return "", fault.New(fault.KindInvalidArgument, "unknown attribute type %q", attributeType)
	}
	return odataType, nil
}

// GetEntityMetadata reads one entity definition by logical name.
func (c *Client) GetEntityMetadata(ctx context.Context, t Target, logicalName, options string) (json.RawMessage, error) {
	path := fmt.Sprintf("/EntityDefinitions(LogicalName='%s')", logicalName)
	if options != "" {
		path += "?" + options
	}
	resp, err := c.do(ctx, t, request{method: http.MethodGet, path: path})
	if err != nil {
		return nil, err
	}
	return resp.body, nil
}

// GetAllEntitiesMetadata lists entity definitions, trimmed to the
// columns the tool catalog needs unless options override the selection.
func (c *Client) GetAllEntitiesMetadata(ctx context.Context, t Target, options string) (*QueryResult, error) {
	if options == "" {
		options = "$select=LogicalName,EntitySetName,DisplayName,IsCustomEntity,PrimaryIdAttribute,PrimaryNameAttribute"
	}
	resp, err := c.do(ctx, t, request{method: http.MethodGet, path: "/EntityDefinitions?" + options})
	if err != nil {
		return nil, err
	}
	return decodeQueryResult(resp.body)
}

// GetEntityRelatedMetadata expands a related metadata collection of one
// entity, e.g. "Attributes" or "ManyToOneRelationships".
func (c *Client) GetEntityRelatedMetadata(ctx context.Context, t Target, logicalName, relation, options string) (*QueryResult, error) {
	if relation == "" {
		return nil, fault.New(fault.KindInvalidArgument, "relation must not be empty")
	}
	path := fmt.Sprintf("/EntityDefinitions(LogicalName='%s')/%s", logicalName, relation)
	if options != "" {
		path += "?" + options
	}
	resp, err := c.do(ctx, t, request{method: http.MethodGet, path: path})
	if err != nil {
		return nil, err
	}
	return decodeQueryResult(resp.body)
}

// GetEntitySetName resolves an entity's collection name for URL
// construction.
func (c *Client) GetEntitySetName(ctx context.Context, t Target, logicalName string) (string, error) {
	body, err := c.GetEntityMetadata(ctx, t, logicalName, "$select=EntitySetName")
	if err != nil {
		return "", err
	}
	var row struct {
		EntitySetName string `json:"EntitySetName"`
	}
	if err := json.Unmarshal(body, &row); err != nil {
		return "", fault.Wrap(fault.KindRemoteError, fmt.Errorf("decode entity definition: %w", err))
	}
	return row.EntitySetName, nil
}

// GetSolutions lists installed solutions, most recent first.
func (c *Client) GetSolutions(ctx context.Context, t Target) (*QueryResult, error) {
	q := url.Values{
		"$select":  {"solutionid,uniquename,friendlyname,version,ismanaged,installedon"},
		"$filter":  {"isvisible eq true"},
		"$orderby": {"installedon desc"},
	}
	resp, err := c.do(ctx, t, request{method: http.MethodGet, path: "/solutions", query: q})
	if err != nil {
		return nil, err
	}
	return decodeQueryResult(resp.body)
}

// CreateEntityDefinition creates a custom entity from a full metadata
// document.
func (c *Client) CreateEntityDefinition(ctx context.Context, t Target, definition map[string]any) (string, error) {
	resp, err := c.do(ctx, t, request{
		method: http.MethodPost,
		path:   "/EntityDefinitions",
		body:   definition,
	})
	if err != nil {
		return "", err
	}
	return resp.entityID, nil
}

// UpdateEntityDefinition replaces an entity definition. The metadata
// API requires PUT with the full document and a consistency header.
func (c *Client) UpdateEntityDefinition(ctx context.Context, t Target, logicalName string, definition map[string]any) error {
	_, err := c.do(ctx, t, request{
		method:  http.MethodPut,
		path:    fmt.Sprintf("/EntityDefinitions(LogicalName='%s')", logicalName),
		body:    definition,
		headers: map[string]string{"MSCRM.MergeLabels": "true", "If-Match": "*"},
	})
	return err
}

// DeleteEntityDefinition removes a custom entity.
func (c *Client) DeleteEntityDefinition(ctx context.Context, t Target, logicalName string) error {
	_, err := c.do(ctx, t, request{
		method: http.MethodDelete,
		path:   fmt.Sprintf("/EntityDefinitions(LogicalName='%s')", logicalName),
	})
	return err
}

// CreateAttribute adds an attribute to an entity. The definition must
// carry the @odata.type discriminator; see GetAttributeODataType.
func (c *Client) CreateAttribute(ctx context.Context, t Target, entityLogicalName string, definition map[string]any) (string, error) {
	resp, err := c.do(ctx, t, request{
		method: http.MethodPost,
		path:   fmt.Sprintf("/EntityDefinitions(LogicalName='%s')/Attributes", entityLogicalName),
		body:   definition,
	})
	if err != nil {
		return "", err
	}
	return resp.entityID, nil
}

// UpdateAttribute replaces an attribute definition.
func (c *Client) UpdateAttribute(ctx context.Context, t Target, entityLogicalName, attributeLogicalName string, definition map[string]any) error {
	_, err := c.do(ctx, t, request{
		method:  http.MethodPut,
		path:    fmt.Sprintf("/EntityDefinitions(LogicalName='%s')/Attributes(LogicalName='%s')", entityLogicalName, attributeLogicalName),
		body:    definition,
		headers: map[string]string{"MSCRM.MergeLabels": "true", "If-Match": "*"},
	})
	return err
}

// DeleteAttribute removes an attribute from an entity.
func (c *Client) DeleteAttribute(ctx context.Context, t Target, entityLogicalName, attributeLogicalName string) error {
	_, err := c.do(ctx, t, request{
		method: http.MethodDelete,
		path:   fmt.Sprintf("/EntityDefinitions(LogicalName='%s')/Attributes(LogicalName='%s')", entityLogicalName, attributeLogicalName),
	})
	return err
}

// CreatePolymorphicLookup creates a lookup attribute targeting several
// entities at once via the CreatePolymorphicLookupAttribute action.
func (c *Client) CreatePolymorphicLookup(ctx context.Context, t Target, payload map[string]any) (json.RawMessage, error) {
	resp, err := c.do(ctx, t, request{
		method: http.MethodPost,
		path:   "/CreatePolymorphicLookupAttribute",
		body:   payload,
	})
	if err != nil {
		return nil, err
	}
	return resp.body, nil
}

// CreateRelationship creates a one-to-many or many-to-many relationship
// from a full metadata document.
func (c *Client) CreateRelationship(ctx context.Context, t Target, definition map[string]any) (string, error) {
	resp, err := c.do(ctx, t, request{
		method: http.MethodPost,
		path:   "/RelationshipDefinitions",
		body:   definition,
	})
	if err != nil {
		return "", err
	}
	return resp.entityID, nil
}

// GetRelationship reads one relationship definition by schema name.
func (c *Client) GetRelationship(ctx context.Context, t Target, schemaName string) (json.RawMessage, error) {
	resp, err := c.do(ctx, t, request{
		method: http.MethodGet,
		path:   fmt.Sprintf("/RelationshipDefinitions(SchemaName='%s')", schemaName),
	})
	if err != nil {
		return nil, err
	}
	return resp.body, nil
}

// DeleteRelationship removes a relationship by schema name.
func (c *Client) DeleteRelationship(ctx context.Context, t Target, schemaName string) error {
	_, err := c.do(ctx, t, request{
		method: http.MethodDelete,
		path:   fmt.Sprintf("/RelationshipDefinitions(SchemaName='%s')", schemaName),
	})
	return err
}

// CreateGlobalOptionSet creates a shared option set.
func (c *Client) CreateGlobalOptionSet(ctx context.Context, t Target, definition map[string]any) (string, error) {
	resp, err := c.do(ctx, t, request{
		method: http.MethodPost,
		path:   "/GlobalOptionSetDefinitions",
		body:   definition,
	})
	if err != nil {
		return "", err
	}
	return resp.entityID, nil
}

// GetGlobalOptionSet reads a shared option set by name.
func (c *Client) GetGlobalOptionSet(ctx context.Context, t Target, name string) (json.RawMessage, error) {
	resp, err := c.do(ctx, t, request{
		method: http.MethodGet,
		path:   fmt.Sprintf("/GlobalOptionSetDefinitions(Name='%s')", name),
	})
	if err != nil {
		return nil, err
	}
	return resp.body, nil
}

// DeleteGlobalOptionSet removes a shared option set by name.
func (c *Client) DeleteGlobalOptionSet(ctx context.Context, t Target, name string) error {
	_, err := c.do(ctx, t, request{
		method: http.MethodDelete,
		path:   fmt.Sprintf("/GlobalOptionSetDefinitions(Name='%s')", name),
	})
	return err
}

// InsertOptionValue adds an option to a local or global option set.
func (c *Client) InsertOptionValue(ctx context.Context, t Target, payload map[string]any) (json.RawMessage, error) {
	return c.optionSetAction(ctx, t, "InsertOptionValue", payload)
}

// UpdateOptionValue changes the label of an existing option.
func (c *Client) UpdateOptionValue(ctx context.Context, t Target, payload map[string]any) (json.RawMessage, error) {
	return c.optionSetAction(ctx, t, "UpdateOptionValue", payload)
}

// DeleteOptionValue removes an option from an option set.
func (c *Client) DeleteOptionValue(ctx context.Context, t Target, payload map[string]any) (json.RawMessage, error) {
	return c.optionSetAction(ctx, t, "DeleteOptionValue", payload)
}

// OrderOption reorders the options of an option set.
func (c *Client) OrderOption(ctx context.Context, t Target, payload map[string]any) (json.RawMessage, error) {
	return c.optionSetAction(ctx, t, "OrderOption", payload)
}

func (c *Client) optionSetAction(ctx context.Context, t Target, action string, payload map[string]any) (json.RawMessage, error) {
	resp, err := c.do(ctx, t, request{
		method: http.MethodPost,
		path:   "/" + action,
		body:   payload,
	})
	if err != nil {
		return nil, err
	}
	return resp.body, nil
}

// GetCSDLDocument downloads the environment's $metadata document (XML).
func (c *Client) GetCSDLDocument(ctx context.Context, t Target) ([]byte, error) {
	resp, err := c.do(ctx, t, request{
		method:  http.MethodGet,
		path:    "/$metadata",
		headers: map[string]string{"Accept": "application/xml"},
	})
	if err != nil {
		return nil, err
	}
	return resp.raw, nil
}
