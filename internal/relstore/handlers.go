package relstore

import (
	"context"
	"fmt"

	"github.com/tenzoki/ksid/internal/common"
	"github.com/tenzoki/ksid/internal/dispatcher"
	"github.com/tenzoki/ksid/internal/envelope"
)

// Handlers exposes the store's state:* event surface.
type Handlers struct {
	store      *Store
	dispatcher *dispatcher.Dispatcher
}

func NewHandlers(store *Store, d *dispatcher.Dispatcher) *Handlers {
	return &Handlers{store: store, dispatcher: d}
}

// Register wires every state:* handler onto the dispatcher.
func (h *Handlers) Register() {
	h.dispatcher.On("state:entity:create", 0, h.entityCreate)
	h.dispatcher.On("state:entity:update", 0, h.entityUpdate)
	h.dispatcher.On("state:entity:delete", 0, h.entityDelete)
	h.dispatcher.On("state:entity:get", 0, h.entityGet)
	h.dispatcher.On("state:entity:query", 0, h.entityQuery)
	h.dispatcher.On("state:entity:bulk_create", 0, h.entityBulkCreate)
	h.dispatcher.On("state:relationship:create", 0, h.relationshipCreate)
	h.dispatcher.On("state:relationship:delete", 0, h.relationshipDelete)
	h.dispatcher.On("state:relationship:query", 0, h.relationshipQuery)
	h.dispatcher.On("state:graph:traverse", 0, h.graphTraverse)
	h.dispatcher.On("state:aggregate:count", 0, h.aggregateCount)
}

type entityCreateRequest struct {
	ID         string                 `json:"id,omitempty"`
	Type       string                 `json:"type"`
	Properties map[string]interface{} `json:"properties,omitempty"`
}

func (h *Handlers) entityCreate(ctx context.Context, env *envelope.Envelope) (interface{}, error) {
	var req entityCreateRequest
	if err := env.DataAs(&req); err != nil {
		return nil, fmt.Errorf("state:entity:create: %w", err)
	}
	if req.Type == "" {
		return nil, fmt.Errorf("state:entity:create: type is required")
	}
	entity, err := h.store.CreateEntity(req.ID, req.Type, req.Properties)
	if err != nil {
		return nil, err
	}
	return entity, nil
}

type entityUpdateRequest struct {
	ID         string                 `json:"id"`
	Properties map[string]interface{} `json:"properties"`
}

func (h *Handlers) entityUpdate(ctx context.Context, env *envelope.Envelope) (interface{}, error) {
	var req entityUpdateRequest
	if err := env.DataAs(&req); err != nil {
		return nil, fmt.Errorf("state:entity:update: %w", err)
	}
	if err := h.store.UpdateEntity(req.ID, req.Properties); err != nil {
		return nil, err
	}
	return map[string]interface{}{"id": req.ID, "updated": true}, nil
}

type entityDeleteRequest struct {
	ID string `json:"id"`
}

// entityDelete deletes the entity and then emits state:entity:deleted
// so the routing core (and anything else scoped to entity lifetime)
// can cascade, without the store itself knowing about routing.
func (h *Handlers) entityDelete(ctx context.Context, env *envelope.Envelope) (interface{}, error) {
	var req entityDeleteRequest
	if err := env.DataAs(&req); err != nil {
		return nil, fmt.Errorf("state:entity:delete: %w", err)
	}
	if err := h.store.DeleteEntity(req.ID); err != nil {
		return nil, err
	}
	h.dispatcher.Emit(ctx, "state:entity:deleted", map[string]interface{}{"id": req.ID}, env.KsiCtx.Minimal())
	return map[string]interface{}{"id": req.ID, "deleted": true}, nil
}

type entityGetRequest struct {
	ID                   string `json:"id"`
	IncludeProperties    bool   `json:"include_properties,omitempty"`
	IncludeRelationships bool   `json:"include_relationships,omitempty"`
}

func (h *Handlers) entityGet(ctx context.Context, env *envelope.Envelope) (interface{}, error) {
	var req entityGetRequest
	if err := env.DataAs(&req); err != nil {
		return nil, fmt.Errorf("state:entity:get: %w", err)
	}
	view, err := h.store.GetEntity(req.ID, req.IncludeProperties, req.IncludeRelationships)
	if err != nil {
		return nil, err
	}
	return view, nil
}

type entityQueryRequest struct {
	Type       string                 `json:"type,omitempty"`
	Properties map[string]interface{} `json:"properties,omitempty"`
	OrderBy    string                 `json:"order_by,omitempty"`
	Limit      int                    `json:"limit,omitempty"`
}

func (h *Handlers) entityQuery(ctx context.Context, env *envelope.Envelope) (interface{}, error) {
	var req entityQueryRequest
	if err := env.DataAs(&req); err != nil {
		return nil, fmt.Errorf("state:entity:query: %w", err)
	}
	results, total, err := h.store.QueryEntities(req.Type, req.Properties, req.OrderBy, req.Limit)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"results": results, "total": total}, nil
}

type entityBulkCreateRequest struct {
	Entities []EntitySpec `json:"entities"`
}

func (h *Handlers) entityBulkCreate(ctx context.Context, env *envelope.Envelope) (interface{}, error) {
	var req entityBulkCreateRequest
	if err := env.DataAs(&req); err != nil {
		return nil, fmt.Errorf("state:entity:bulk_create: %w", err)
	}
	return h.store.BulkCreateEntities(req.Entities), nil
}

type relationshipCreateRequest struct {
	ID       string                 `json:"id,omitempty"`
	FromID   string                 `json:"from_id"`
	ToID     string                 `json:"to_id"`
	Type     string                 `json:"relation_type"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

func (h *Handlers) relationshipCreate(ctx context.Context, env *envelope.Envelope) (interface{}, error) {
	var req relationshipCreateRequest
	if err := env.DataAs(&req); err != nil {
		return nil, fmt.Errorf("state:relationship:create: %w", err)
	}
	rel, err := h.store.CreateRelationship(req.ID, req.FromID, req.ToID, req.Type, req.Metadata)
	if err != nil {
		return nil, err
	}
	return rel, nil
}

type relationshipDeleteRequest struct {
	ID string `json:"id"`
}

func (h *Handlers) relationshipDelete(ctx context.Context, env *envelope.Envelope) (interface{}, error) {
	var req relationshipDeleteRequest
	if err := env.DataAs(&req); err != nil {
		return nil, fmt.Errorf("state:relationship:delete: %w", err)
	}
	if err := h.store.DeleteRelationship(req.ID); err != nil {
		return nil, err
	}
	return map[string]interface{}{"id": req.ID, "deleted": true}, nil
}

type relationshipQueryRequest struct {
	FromID string `json:"from_id,omitempty"`
	ToID   string `json:"to_id,omitempty"`
	Type   string `json:"relation_type,omitempty"`
}

func (h *Handlers) relationshipQuery(ctx context.Context, env *envelope.Envelope) (interface{}, error) {
	var req relationshipQueryRequest
	if err := env.DataAs(&req); err != nil {
		return nil, fmt.Errorf("state:relationship:query: %w", err)
	}
	rels, err := h.store.QueryRelationships(req.FromID, req.ToID, req.Type)
	if err != nil {
		return nil, err
	}
	return rels, nil
}

type graphTraverseRequest struct {
	Root            string   `json:"root"`
	Direction       string   `json:"direction,omitempty"`
	Types           []string `json:"types,omitempty"`
	Depth           int      `json:"depth,omitempty"`
	IncludeEntities bool     `json:"include_entities,omitempty"`
}

func (h *Handlers) graphTraverse(ctx context.Context, env *envelope.Envelope) (interface{}, error) {
	var req graphTraverseRequest
	if err := env.DataAs(&req); err != nil {
		return nil, fmt.Errorf("state:graph:traverse: %w", err)
	}
	direction := common.Outgoing
	switch req.Direction {
	case "incoming":
		direction = common.Incoming
	case "both":
		direction = common.Both
	}
	if req.Depth <= 0 {
		req.Depth = MaxTraverseDepth
	}
	result, err := h.store.Traverse(req.Root, direction, req.Types, req.Depth, req.IncludeEntities)
	if err != nil {
		return nil, err
	}
	return result, nil
}

type aggregateCountRequest struct {
	Target  string `json:"target"` // "entities" or "relationships"
	GroupBy string `json:"group_by,omitempty"`
}

func (h *Handlers) aggregateCount(ctx context.Context, env *envelope.Envelope) (interface{}, error) {
	var req aggregateCountRequest
	if err := env.DataAs(&req); err != nil {
		return nil, fmt.Errorf("state:aggregate:count: %w", err)
	}
	groupByType := req.GroupBy == "type"
	switch req.Target {
	case "relationships":
		return h.store.CountRelationships(groupByType)
	default:
		return h.store.CountEntities(groupByType)
	}
}
