package apibroker

import (
	"context"
	"encoding/json"

	"github.com/pptb-app/pptb/internal/dataverse"
	"github.com/pptb-app/pptb/internal/fault"
	"github.com/pptb-app/pptb/internal/ipc"
	"github.com/pptb-app/pptb/internal/validate"
)

func (b *Broker) registerDataverse(r *ipc.Router) {
	b.register(r, ipc.RouteDataverseCreate, b.handleDvCreate)
	b.register(r, ipc.RouteDataverseRetrieve, b.handleDvRetrieve)
	b.register(r, ipc.RouteDataverseUpdate, b.handleDvUpdate)
	b.register(r, ipc.RouteDataverseDelete, b.handleDvDelete)
	b.register(r, ipc.RouteDataverseRetrieveMultiple, b.handleDvRetrieveMultiple)
	b.register(r, ipc.RouteDataverseExecute, b.handleDvExecute)
	b.register(r, ipc.RouteDataverseFetchXMLQuery, b.handleDvFetchXML)
	b.register(r, ipc.RouteDataverseQueryData, b.handleDvQueryData)
	b.register(r, ipc.RouteDataverseCreateMultiple, b.handleDvCreateMultiple)
	b.register(r, ipc.RouteDataverseUpdateMultiple, b.handleDvUpdateMultiple)
	b.register(r, ipc.RouteDataverseAssociate, b.handleDvAssociate)
	b.register(r, ipc.RouteDataverseDisassociate, b.handleDvDisassociate)
	b.register(r, ipc.RouteDataversePublish, b.handleDvPublish)
	b.register(r, ipc.RouteDataverseDeploySolution, b.handleDvDeploySolution)
	b.register(r, ipc.RouteDataverseImportJobStatus, b.handleDvImportJobStatus)
	b.register(r, ipc.RouteDataverseGetSolutions, b.handleDvGetSolutions)
	b.register(r, ipc.RouteDataverseEntityMetadata, b.handleDvEntityMetadata)
	b.register(r, ipc.RouteDataverseAllEntitiesMetadata, b.handleDvAllEntitiesMetadata)
	b.register(r, ipc.RouteDataverseEntityRelatedMetadata, b.handleDvEntityRelatedMetadata)
	b.register(r, ipc.RouteDataverseEntitySetName, b.handleDvEntitySetName)
	b.register(r, ipc.RouteDataverseBuildLabel, b.handleDvBuildLabel)
	b.register(r, ipc.RouteDataverseAttributeODataType, b.handleDvAttributeODataType)
	b.register(r, ipc.RouteDataverseCreateEntityDef, b.handleDvCreateEntityDef)
	b.register(r, ipc.RouteDataverseUpdateEntityDef, b.handleDvUpdateEntityDef)
	b.register(r, ipc.RouteDataverseDeleteEntityDef, b.handleDvDeleteEntityDef)
	b.register(r, ipc.RouteDataverseCreateAttribute, b.handleDvCreateAttribute)
	b.register(r, ipc.RouteDataverseUpdateAttribute, b.handleDvUpdateAttribute)
	b.register(r, ipc.RouteDataverseDeleteAttribute, b.handleDvDeleteAttribute)
	b.register(r, ipc.RouteDataversePolymorphicLookup, b.handleDvPolymorphicLookup)
	b.register(r, ipc.RouteDataverseCreateRelationship, b.handleDvCreateRelationship)
	b.register(r, ipc.RouteDataverseGetRelationship, b.handleDvGetRelationship)
	b.register(r, ipc.RouteDataverseDeleteRelationship, b.handleDvDeleteRelationship)
	b.register(r, ipc.RouteDataverseCreateOptionSet, b.handleDvCreateOptionSet)
	b.register(r, ipc.RouteDataverseGetOptionSet, b.handleDvGetOptionSet)
	b.register(r, ipc.RouteDataverseDeleteOptionSet, b.handleDvDeleteOptionSet)
	b.register(r, ipc.RouteDataverseInsertOptionValue, b.optionValueHandler(b.opts.Dataverse.InsertOptionValue))
	b.register(r, ipc.RouteDataverseUpdateOptionValue, b.optionValueHandler(b.opts.Dataverse.UpdateOptionValue))
	b.register(r, ipc.RouteDataverseDeleteOptionValue, b.optionValueHandler(b.opts.Dataverse.DeleteOptionValue))
	b.register(r, ipc.RouteDataverseOrderOption, b.optionValueHandler(b.opts.Dataverse.OrderOption))
	b.register(r, ipc.RouteDataverseCSDLDocument, b.handleDvCSDL)
}

// dvTargetArgs is embedded in every Dataverse route's argument struct. Tool
// callers route through their instance's bindings; the shell may name a
// connection directly.
type dvTargetArgs struct {
	ConnectionTarget string `json:"connectionTarget,omitempty"` // primary (default) or secondary
	InstanceID       string `json:"instanceId,omitempty"`       // shell callers only
	ConnectionID     string `json:"connectionId,omitempty"`     // shell callers only
}

// target resolves the request to a connection, guarantees a live token, and
// produces the forwarding target. The token is attached here and nowhere
// else; replies carry data, never credentials.
func (b *Broker) target(ctx context.Context, call *ipc.Call, args dvTargetArgs) (dataverse.Target, error) {
	switch args.ConnectionTarget {
	case "", "primary", "secondary":
	default:
		return dataverse.Target{}, fault.New(fault.KindInvalidArgument,
			"connectionTarget must be primary or secondary, got %q", args.ConnectionTarget)
	}

	connID := ""
	if call.Caller.IsUI() && args.ConnectionID != "" {
		connID = args.ConnectionID
	} else {
		inst, err := b.instanceFor(call, args.InstanceID)
		if err != nil {
			return dataverse.Target{}, err
		}
		if args.ConnectionTarget == "secondary" {
			connID = inst.SecondaryConnectionID
		} else {
			connID = inst.PrimaryConnectionID
		}
		if connID == "" {
			return dataverse.Target{}, fault.New(fault.KindNotFound,
				"instance %s has no %s connection", inst.ID, targetName(args.ConnectionTarget))
		}
	}

	token, baseURL, err := b.opts.Auth.EnsureToken(ctx, connID)
	if err != nil {
		return dataverse.Target{}, err
	}
	if err := validate.DataverseURL(baseURL); err != nil {
		return dataverse.Target{}, err
	}
	return dataverse.Target{BaseURL: baseURL, AccessToken: token}, nil
}

func targetName(t string) string {
	if t == "secondary" {
		return "secondary"
	}
	return "primary"
}

func (b *Broker) handleDvCreate(ctx context.Context, call *ipc.Call) (any, error) {
	var args struct {
		dvTargetArgs
		EntitySet string         `json:"entitySet"`
		Record    map[string]any `json:"record"`
	}
	if err := call.Decode(&args); err != nil {
		return nil, err
	}
	if args.EntitySet == "" || args.Record == nil {
		return nil, fault.New(fault.KindInvalidArgument, "entitySet and record are required")
	}
	t, err := b.target(ctx, call, args.dvTargetArgs)
	if err != nil {
		return nil, err
	}
	id, err := b.opts.Dataverse.Create(ctx, t, args.EntitySet, args.Record)
	if err != nil {
		return nil, err
	}
	return map[string]string{"id": id}, nil
}

func (b *Broker) handleDvRetrieve(ctx context.Context, call *ipc.Call) (any, error) {
	var args struct {
		dvTargetArgs
		EntitySet string `json:"entitySet"`
		ID        string `json:"id"`
		Options   string `json:"options,omitempty"`
	}
	if err := call.Decode(&args); err != nil {
		return nil, err
	}
	if args.EntitySet == "" || args.ID == "" {
		return nil, fault.New(fault.KindInvalidArgument, "entitySet and id are required")
	}
	t, err := b.target(ctx, call, args.dvTargetArgs)
	if err != nil {
		return nil, err
	}
	return b.opts.Dataverse.Retrieve(ctx, t, args.EntitySet, args.ID, args.Options)
}

func (b *Broker) handleDvUpdate(ctx context.Context, call *ipc.Call) (any, error) {
	var args struct {
		dvTargetArgs
		EntitySet string         `json:"entitySet"`
		ID        string         `json:"id"`
		Record    map[string]any `json:"record"`
	}
	if err := call.Decode(&args); err != nil {
		return nil, err
	}
	if args.EntitySet == "" || args.ID == "" || args.Record == nil {
		return nil, fault.New(fault.KindInvalidArgument, "entitySet, id, and record are required")
	}
	t, err := b.target(ctx, call, args.dvTargetArgs)
	if err != nil {
		return nil, err
	}
	return nil, b.opts.Dataverse.Update(ctx, t, args.EntitySet, args.ID, args.Record)
}

func (b *Broker) handleDvDelete(ctx context.Context, call *ipc.Call) (any, error) {
	var args struct {
		dvTargetArgs
		EntitySet string `json:"entitySet"`
		ID        string `json:"id"`
	}
	if err := call.Decode(&args); err != nil {
		return nil, err
	}
	if args.EntitySet == "" || args.ID == "" {
		return nil, fault.New(fault.KindInvalidArgument, "entitySet and id are required")
	}
	t, err := b.target(ctx, call, args.dvTargetArgs)
	if err != nil {
		return nil, err
	}
	return nil, b.opts.Dataverse.Delete(ctx, t, args.EntitySet, args.ID)
}

func (b *Broker) handleDvRetrieveMultiple(ctx context.Context, call *ipc.Call) (any, error) {
	var args struct {
		dvTargetArgs
		EntitySet string `json:"entitySet"`
		Options   string `json:"options,omitempty"`
	}
	if err := call.Decode(&args); err != nil {
		return nil, err
	}
	if args.EntitySet == "" {
		return nil, fault.New(fault.KindInvalidArgument, "entitySet is required")
	}
	t, err := b.target(ctx, call, args.dvTargetArgs)
	if err != nil {
		return nil, err
	}
	return b.opts.Dataverse.RetrieveMultiple(ctx, t, args.EntitySet, args.Options)
}

func (b *Broker) handleDvExecute(ctx context.Context, call *ipc.Call) (any, error) {
	var args struct {
		dvTargetArgs
		Method string         `json:"method"`
		Path   string         `json:"path"`
		Body   map[string]any `json:"body,omitempty"`
	}
	if err := call.Decode(&args); err != nil {
		return nil, err
	}
	if args.Method == "" || args.Path == "" {
		return nil, fault.New(fault.KindInvalidArgument, "method and path are required")
	}
	t, err := b.target(ctx, call, args.dvTargetArgs)
	if err != nil {
		return nil, err
	}
	return b.opts.Dataverse.Execute(ctx, t, dataverse.ExecuteRequest{
		Method: args.Method,
		Path:   args.Path,
		Body:   args.Body,
	})
}

func (b *Broker) handleDvFetchXML(ctx context.Context, call *ipc.Call) (any, error) {
	var args struct {
		dvTargetArgs
		EntitySet string `json:"entitySet"`
		FetchXML  string `json:"fetchXml"`
	}
	if err := call.Decode(&args); err != nil {
		return nil, err
	}
	if args.EntitySet == "" || args.FetchXML == "" {
		return nil, fault.New(fault.KindInvalidArgument, "entitySet and fetchXml are required")
	}
	t, err := b.target(ctx, call, args.dvTargetArgs)
	if err != nil {
		return nil, err
	}
	return b.opts.Dataverse.FetchXMLQuery(ctx, t, args.EntitySet, args.FetchXML)
}

func (b *Broker) handleDvQueryData(ctx context.Context, call *ipc.Call) (any, error) {
	var args struct {
		dvTargetArgs
		Path string `json:"path"`
	}
	if err := call.Decode(&args); err != nil {
		return nil, err
	}
	if args.Path == "" {
		return nil, fault.New(fault.KindInvalidArgument, "path is required")
	}
	t, err := b.target(ctx, call, args.dvTargetArgs)
	if err != nil {
		return nil, err
	}
	return b.opts.Dataverse.QueryData(ctx, t, args.Path)
}

func (b *Broker) handleDvCreateMultiple(ctx context.Context, call *ipc.Call) (any, error) {
	var args struct {
		dvTargetArgs
		EntitySet string           `json:"entitySet"`
		Records   []map[string]any `json:"records"`
	}
	if err := call.Decode(&args); err != nil {
		return nil, err
	}
	if args.EntitySet == "" || len(args.Records) == 0 {
		return nil, fault.New(fault.KindInvalidArgument, "entitySet and records are required")
	}
	t, err := b.target(ctx, call, args.dvTargetArgs)
	if err != nil {
		return nil, err
	}
	ids, err := b.opts.Dataverse.CreateMultiple(ctx, t, args.EntitySet, args.Records)
	if err != nil {
		return nil, err
	}
	return map[string]any{"ids": ids}, nil
}

func (b *Broker) handleDvUpdateMultiple(ctx context.Context, call *ipc.Call) (any, error) {
	var args struct {
		dvTargetArgs
		EntitySet string           `json:"entitySet"`
		Records   []map[string]any `json:"records"`
	}
	if err := call.Decode(&args); err != nil {
		return nil, err
	}
	if args.EntitySet == "" || len(args.Records) == 0 {
		return nil, fault.New(fault.KindInvalidArgument, "entitySet and records are required")
	}
	t, err := b.target(ctx, call, args.dvTargetArgs)
	if err != nil {
		return nil, err
	}
	return nil, b.opts.Dataverse.UpdateMultiple(ctx, t, args.EntitySet, args.Records)
}

func (b *Broker) handleDvAssociate(ctx context.Context, call *ipc.Call) (any, error) {
	var args struct {
		dvTargetArgs
		EntitySet   string `json:"entitySet"`
		ID          string `json:"id"`
		NavProperty string `json:"navProperty"`
		RelatedSet  string `json:"relatedSet"`
		RelatedID   string `json:"relatedId"`
	}
	if err := call.Decode(&args); err != nil {
		return nil, err
	}
	if args.EntitySet == "" || args.ID == "" || args.NavProperty == "" || args.RelatedSet == "" || args.RelatedID == "" {
		return nil, fault.New(fault.KindInvalidArgument, "entitySet, id, navProperty, relatedSet, and relatedId are required")
	}
	t, err := b.target(ctx, call, args.dvTargetArgs)
	if err != nil {
		return nil, err
	}
	return nil, b.opts.Dataverse.Associate(ctx, t, args.EntitySet, args.ID, args.NavProperty, args.RelatedSet, args.RelatedID)
}

func (b *Broker) handleDvDisassociate(ctx context.Context, call *ipc.Call) (any, error) {
	var args struct {
		dvTargetArgs
		EntitySet   string `json:"entitySet"`
		ID          string `json:"id"`
		NavProperty string `json:"navProperty"`
		RelatedID   string `json:"relatedId"`
	}
	if err := call.Decode(&args); err != nil {
		return nil, err
	}
	if args.EntitySet == "" || args.ID == "" || args.NavProperty == "" || args.RelatedID == "" {
		return nil, fault.New(fault.KindInvalidArgument, "entitySet, id, navProperty, and relatedId are required")
	}
	t, err := b.target(ctx, call, args.dvTargetArgs)
	if err != nil {
		return nil, err
	}
	return nil, b.opts.Dataverse.Disassociate(ctx, t, args.EntitySet, args.ID, args.NavProperty, args.RelatedID)
}

func (b *Broker) handleDvPublish(ctx context.Context, call *ipc.Call) (any, error) {
	var args struct {
		dvTargetArgs
	}
	if err := call.Decode(&args); err != nil {
		return nil, err
	}
	t, err := b.target(ctx, call, args.dvTargetArgs)
	if err != nil {
		return nil, err
	}
	return nil, b.opts.Dataverse.PublishCustomizations(ctx, t)
}

func (b *Broker) handleDvDeploySolution(ctx context.Context, call *ipc.Call) (any, error) {
	var args struct {
		dvTargetArgs
		CustomizationFile string `json:"customizationFile"`
		Overwrite         bool   `json:"overwrite,omitempty"`
		ImportJobID       string `json:"importJobId,omitempty"`
	}
	if err := call.Decode(&args); err != nil {
		return nil, err
	}
	if args.CustomizationFile == "" {
		return nil, fault.New(fault.KindInvalidArgument, "customizationFile is required")
	}
	t, err := b.target(ctx, call, args.dvTargetArgs)
	if err != nil {
		return nil, err
	}
	jobID, err := b.opts.Dataverse.DeploySolution(ctx, t, args.CustomizationFile, args.Overwrite, args.ImportJobID)
	if err != nil {
		return nil, err
	}
	return map[string]string{"importJobId": jobID}, nil
}

func (b *Broker) handleDvImportJobStatus(ctx context.Context, call *ipc.Call) (any, error) {
	var args struct {
		dvTargetArgs
		ImportJobID string `json:"importJobId"`
	}
	if err := call.Decode(&args); err != nil {
		return nil, err
	}
	if args.ImportJobID == "" {
		return nil, fault.New(fault.KindInvalidArgument, "importJobId is required")
	}
	t, err := b.target(ctx, call, args.dvTargetArgs)
	if err != nil {
		return nil, err
	}
	return b.opts.Dataverse.GetImportJobStatus(ctx, t, args.ImportJobID)
}

func (b *Broker) handleDvGetSolutions(ctx context.Context, call *ipc.Call) (any, error) {
	var args struct {
		dvTargetArgs
	}
	if err := call.Decode(&args); err != nil {
		return nil, err
	}
	t, err := b.target(ctx, call, args.dvTargetArgs)
	if err != nil {
		return nil, err
	}
	return b.opts.Dataverse.GetSolutions(ctx, t)
}

func (b *Broker) handleDvEntityMetadata(ctx context.Context, call *ipc.Call) (any, error) {
	var args struct {
		dvTargetArgs
		LogicalName string `json:"logicalName"`
		Options     string `json:"options,omitempty"`
	}
	if err := call.Decode(&args); err != nil {
		return nil, err
	}
	if args.LogicalName == "" {
		return nil, fault.New(fault.KindInvalidArgument, "logicalName is required")
	}
	t, err := b.target(ctx, call, args.dvTargetArgs)
	if err != nil {
		return nil, err
	}
	return b.opts.Dataverse.GetEntityMetadata(ctx, t, args.LogicalName, args.Options)
}

func (b *Broker) handleDvAllEntitiesMetadata(ctx context.Context, call *ipc.Call) (any, error) {
	var args struct {
		dvTargetArgs
		Options string `json:"options,omitempty"`
	}
	if err := call.Decode(&args); err != nil {
		return nil, err
	}
	t, err := b.target(ctx, call, args.dvTargetArgs)
	if err != nil {
		return nil, err
	}
	return b.opts.Dataverse.GetAllEntitiesMetadata(ctx, t, args.Options)
}

func (b *Broker) handleDvEntityRelatedMetadata(ctx context.Context, call *ipc.Call) (any, error) {
	var args struct {
		dvTargetArgs
		LogicalName string `json:"logicalName"`
		Relation    string `json:"relation"`
		Options     string `json:"options,omitempty"`
	}
	if err := call.Decode(&args); err != nil {
		return nil, err
	}
	if args.LogicalName == "" || args.Relation == "" {
		return nil, fault.New(fault.KindInvalidArgument, "logicalName and relation are required")
	}
	t, err := b.target(ctx, call, args.dvTargetArgs)
	if err != nil {
		return nil, err
	}
	return b.opts.Dataverse.GetEntityRelatedMetadata(ctx, t, args.LogicalName, args.Relation, args.Options)
}

func (b *Broker) handleDvEntitySetName(ctx context.Context, call *ipc.Call) (any, error) {
	var args struct {
		dvTargetArgs
		LogicalName string `json:"logicalName"`
	}
	if err := call.Decode(&args); err != nil {
		return nil, err
	}
	if args.LogicalName == "" {
		return nil, fault.New(fault.KindInvalidArgument, "logicalName is required")
	}
	t, err := b.target(ctx, call, args.dvTargetArgs)
	if err != nil {
		return nil, err
	}
	return b.opts.Dataverse.GetEntitySetName(ctx, t, args.LogicalName)
}

// handleDvBuildLabel is purely local: no target needed.
func (b *Broker) handleDvBuildLabel(ctx context.Context, call *ipc.Call) (any, error) {
	var args struct {
		Text         string `json:"text"`
		LanguageCode int    `json:"languageCode,omitempty"`
	}
	if err := call.Decode(&args); err != nil {
		return nil, err
	}
	return dataverse.BuildLabel(args.Text, args.LanguageCode), nil
}

func (b *Broker) handleDvAttributeODataType(ctx context.Context, call *ipc.Call) (any, error) {
	var args struct {
		AttributeType string `json:"attributeType"`
	}
	if err := call.Decode(&args); err != nil {
		return nil, err
	}
	return dataverse.GetAttributeODataType(args.AttributeType)
}

func (b *Broker) handleDvCreateEntityDef(ctx context.Context, call *ipc.Call) (any, error) {
	var args struct {
		dvTargetArgs
		Definition map[string]any `json:"definition"`
	}
	if err := call.Decode(&args); err != nil {
		return nil, err
	}
	if args.Definition == nil {
		return nil, fault.New(fault.KindInvalidArgument, "definition is required")
	}
	t, err := b.target(ctx, call, args.dvTargetArgs)
	if err != nil {
		return nil, err
	}
	id, err := b.opts.Dataverse.CreateEntityDefinition(ctx, t, args.Definition)
	if err != nil {
		return nil, err
	}
	return map[string]string{"id": id}, nil
}

func (b *Broker) handleDvUpdateEntityDef(ctx context.Context, call *ipc.Call) (any, error) {
	var args struct {
		dvTargetArgs
		LogicalName string         `json:"logicalName"`
		Definition  map[string]any `json:"definition"`
	}
	if err := call.Decode(&args); err != nil {
		return nil, err
	}
	if args.LogicalName == "" || args.Definition == nil {
		return nil, fault.New(fault.KindInvalidArgument, "logicalName and definition are required")
	}
	t, err := b.target(ctx, call, args.dvTargetArgs)
	if err != nil {
		return nil, err
	}
	return nil, b.opts.Dataverse.UpdateEntityDefinition(ctx, t, args.LogicalName, args.Definition)
}

func (b *Broker) handleDvDeleteEntityDef(ctx context.Context, call *ipc.Call) (any, error) {
	var args struct {
		dvTargetArgs
		LogicalName string `json:"logicalName"`
	}
	if err := call.Decode(&args); err != nil {
		return nil, err
	}
	if args.LogicalName == "" {
		return nil, fault.New(fault.KindInvalidArgument, "logicalName is required")
	}
	t, err := b.target(ctx, call, args.dvTargetArgs)
	if err != nil {
		return nil, err
	}
	return nil, b.opts.Dataverse.DeleteEntityDefinition(ctx, t, args.LogicalName)
}

func (b *Broker) handleDvCreateAttribute(ctx context.Context, call *ipc.Call) (any, error) {
	var args struct {
		dvTargetArgs
		EntityLogicalName string         `json:"entityLogicalName"`
		Definition        map[string]any `json:"definition"`
	}
	if err := call.Decode(&args); err != nil {
		return nil, err
	}
	if args.EntityLogicalName == "" || args.Definition == nil {
		return nil, fault.New(fault.KindInvalidArgument, "entityLogicalName and definition are required")
	}
	t, err := b.target(ctx, call, args.dvTargetArgs)
	if err != nil {
		return nil, err
	}
	id, err := b.opts.Dataverse.CreateAttribute(ctx, t, args.EntityLogicalName, args.Definition)
	if err != nil {
		return nil, err
	}
	return map[string]string{"id": id}, nil
}

func (b *Broker) handleDvUpdateAttribute(ctx context.Context, call *ipc.Call) (any, error) {
	var args struct {
		dvTargetArgs
		EntityLogicalName    string         `json:"entityLogicalName"`
		AttributeLogicalName string         `json:"attributeLogicalName"`
		Definition           map[string]any `json:"definition"`
	}
	if err := call.Decode(&args); err != nil {
		return nil, err
	}
	if args.EntityLogicalName == "" || args.AttributeLogicalName == "" || args.Definition == nil {
		return nil, fault.New(fault.KindInvalidArgument, "entityLogicalName, attributeLogicalName, and definition are required")
	}
	t, err := b.target(ctx, call, args.dvTargetArgs)
	if err != nil {
		return nil, err
	}
	return nil, b.opts.Dataverse.UpdateAttribute(ctx, t, args.EntityLogicalName, args.AttributeLogicalName, args.Definition)
}

func (b *Broker) handleDvDeleteAttribute(ctx context.Context, call *ipc.Call) (any, error) {
	var args struct {
		dvTargetArgs
		EntityLogicalName    string `json:"entityLogicalName"`
		AttributeLogicalName string `json:"attributeLogicalName"`
	}
	if err := call.Decode(&args); err != nil {
		return nil, err
	}
	if args.EntityLogicalName == "" || args.AttributeLogicalName == "" {
		return nil, fault.New(fault.KindInvalidArgument, "entityLogicalName and attributeLogicalName are required")
	}
	t, err := b.target(ctx, call, args.dvTargetArgs)
	if err != nil {
		return nil, err
	}
	return nil, b.opts.Dataverse.DeleteAttribute(ctx, t, args.EntityLogicalName, args.AttributeLogicalName)
}

func (b *Broker) handleDvPolymorphicLookup(ctx context.Context, call *ipc.Call) (any, error) {
	var args struct {
		dvTargetArgs
		Payload map[string]any `json:"payload"`
	}
	if err := call.Decode(&args); err != nil {
		return nil, err
	}
	if args.Payload == nil {
		return nil, fault.New(fault.KindInvalidArgument, "payload is required")
	}
	t, err := b.target(ctx, call, args.dvTargetArgs)
	if err != nil {
		return nil, err
	}
	return b.opts.Dataverse.CreatePolymorphicLookup(ctx, t, args.Payload)
}

func (b *Broker) handleDvCreateRelationship(ctx context.Context, call *ipc.Call) (any, error) {
	var args struct {
		dvTargetArgs
		Definition map[string]any `json:"definition"`
	}
	if err := call.Decode(&args); err != nil {
		return nil, err
	}
	if args.Definition == nil {
		return nil, fault.New(fault.KindInvalidArgument, "definition is required")
	}
	t, err := b.target(ctx, call, args.dvTargetArgs)
	if err != nil {
		return nil, err
	}
	id, err := b.opts.Dataverse.CreateRelationship(ctx, t, args.Definition)
	if err != nil {
		return nil, err
	}
	return map[string]string{"id": id}, nil
}

func (b *Broker) handleDvGetRelationship(ctx context.Context, call *ipc.Call) (any, error) {
	var args struct {
		dvTargetArgs
		SchemaName string `json:"schemaName"`
	}
	if err := call.Decode(&args); err != nil {
		return nil, err
	}
	if args.SchemaName == "" {
		return nil, fault.New(fault.KindInvalidArgument, "schemaName is required")
	}
	t, err := b.target(ctx, call, args.dvTargetArgs)
	if err != nil {
		return nil, err
	}
	return b.opts.Dataverse.GetRelationship(ctx, t, args.SchemaName)
}

func (b *Broker) handleDvDeleteRelationship(ctx context.Context, call *ipc.Call) (any, error) {
	var args struct {
		dvTargetArgs
		SchemaName string `json:"schemaName"`
	}
	if err := call.Decode(&args); err != nil {
		return nil, err
	}
	if args.SchemaName == "" {
		return nil, fault.New(fault.KindInvalidArgument, "schemaName is required")
	}
	t, err := b.target(ctx, call, args.dvTargetArgs)
	if err != nil {
		return nil, err
	}
	return nil, b.opts.Dataverse.DeleteRelationship(ctx, t, args.SchemaName)
}

func (b *Broker) handleDvCreateOptionSet(ctx context.Context, call *ipc.Call) (any, error) {
	var args struct {
		dvTargetArgs
		Definition map[string]any `json:"definition"`
	}
	if err := call.Decode(&args); err != nil {
		return nil, err
	}
	if args.Definition == nil {
		return nil, fault.New(fault.KindInvalidArgument, "definition is required")
	}
	t, err := b.target(ctx, call, args.dvTargetArgs)
	if err != nil {
		return nil, err
	}
	id, err := b.opts.Dataverse.CreateGlobalOptionSet(ctx, t, args.Definition)
	if err != nil {
		return nil, err
	}
	return map[string]string{"id": id}, nil
}

func (b *Broker) handleDvGetOptionSet(ctx context.Context, call *ipc.Call) (any, error) {
	var args struct {
		dvTargetArgs
		Name string `json:"name"`
	}
	if err := call.Decode(&args); err != nil {
		return nil, err
	}
	if args.Name == "" {
		return nil, fault.New(fault.KindInvalidArgument, "name is required")
	}
	t, err := b.target(ctx, call, args.dvTargetArgs)
	if err != nil {
		return nil, err
	}
	return b.opts.Dataverse.GetGlobalOptionSet(ctx, t, args.Name)
}

func (b *Broker) handleDvDeleteOptionSet(ctx context.Context, call *ipc.Call) (any, error) {
	var args struct {
		dvTargetArgs
		Name string `json:"name"`
	}
	if err := call.Decode(&args); err != nil {
		return nil, err
	}
	if args.Name == "" {
		return nil, fault.New(fault.KindInvalidArgument, "name is required")
	}
	t, err := b.target(ctx, call, args.dvTargetArgs)
	if err != nil {
		return nil, err
	}
	return nil, b.opts.Dataverse.DeleteGlobalOptionSet(ctx, t, args.Name)
}

// optionValueHandler covers the four option-value actions, which share one
// payload-forwarding shape.
func (b *Broker) optionValueHandler(op func(ctx context.Context, t dataverse.Target, payload map[string]any) (json.RawMessage, error)) ipc.Handler {
	return func(ctx context.Context, call *ipc.Call) (any, error) {
		var args struct {
			dvTargetArgs
			Payload map[string]any `json:"payload"`
		}
		if err := call.Decode(&args); err != nil {
			return nil, err
		}
		if args.Payload == nil {
			return nil, fault.New(fault.KindInvalidArgument, "payload is required")
		}
		t, err := b.target(ctx, call, args.dvTargetArgs)
		if err != nil {
			return nil, err
		}
		return op(ctx, t, args.Payload)
	}
}

func (b *Broker) handleDvCSDL(ctx context.Context, call *ipc.Call) (any, error) {
	var args struct {
		dvTargetArgs
	}
	if err := call.Decode(&args); err != nil {
		return nil, err
	}
	t, err := b.target(ctx, call, args.dvTargetArgs)
	if err != nil {
		return nil, err
	}
	doc, err := b.opts.Dataverse.GetCSDLDocument(ctx, t)
	if err != nil {
		return nil, err
	}
	return string(doc), nil
}
