package routing

import (
	"context"
	"fmt"
	"time"

	"github.com/tenzoki/ksid/internal/envelope"
)

// RegisterHandlers wires the routing:* event surface onto the
// AddRule/UpdateRule/RemoveRule/ListRules operations (RemoveRule is the
// one the entity-delete cascade also calls internally), so a connected
// client can manage rules without reaching into the Go API.
func (e *Engine) RegisterHandlers() {
	e.dispatcher.On("routing:add_rule", 0, e.handleAddRule)
	e.dispatcher.On("routing:update_rule", 0, e.handleUpdateRule)
	e.dispatcher.On("routing:remove_rule", 0, e.handleRemoveRule)
	e.dispatcher.On("routing:list_rules", 0, e.handleListRules)
}

type addRuleRequest struct {
	ID            string                 `json:"id,omitempty"`
	SourcePattern string                 `json:"source_pattern"`
	TargetEvent   string                 `json:"target_event"`
	Condition     string                 `json:"condition,omitempty"`
	Template      map[string]interface{} `json:"template,omitempty"`
	Priority      int                    `json:"priority,omitempty"`
	TTLSeconds    int                    `json:"ttl_seconds,omitempty"`
	ParentScope   *ParentScope           `json:"parent_scope,omitempty"`
}

func (e *Engine) handleAddRule(ctx context.Context, env *envelope.Envelope) (interface{}, error) {
	var req addRuleRequest
	if err := env.DataAs(&req); err != nil {
		return nil, fmt.Errorf("routing:add_rule: %w", err)
	}
	rule := &Rule{
		ID:            req.ID,
		SourcePattern: req.SourcePattern,
		TargetEvent:   req.TargetEvent,
		Condition:     req.Condition,
		Template:      req.Template,
		Priority:      req.Priority,
		ParentScope:   req.ParentScope,
	}
	if req.TTLSeconds > 0 {
		rule.TTL = time.Duration(req.TTLSeconds) * time.Second
	}
	return e.AddRule(rule)
}

type updateRuleRequest struct {
	ID            string                 `json:"id"`
	SourcePattern *string                `json:"source_pattern,omitempty"`
	TargetEvent   *string                `json:"target_event,omitempty"`
	Condition     *string                `json:"condition,omitempty"`
	Template      map[string]interface{} `json:"template,omitempty"`
	Priority      *int                   `json:"priority,omitempty"`
	TTLSeconds    *int                   `json:"ttl_seconds,omitempty"`
	ParentScope   *ParentScope           `json:"parent_scope,omitempty"`
}

func (e *Engine) handleUpdateRule(ctx context.Context, env *envelope.Envelope) (interface{}, error) {
	var req updateRuleRequest
	if err := env.DataAs(&req); err != nil {
		return nil, fmt.Errorf("routing:update_rule: %w", err)
	}
	return e.UpdateRule(req.ID, func(r *Rule) {
		if req.SourcePattern != nil {
			r.SourcePattern = *req.SourcePattern
		}
		if req.TargetEvent != nil {
			r.TargetEvent = *req.TargetEvent
		}
		if req.Condition != nil {
			r.Condition = *req.Condition
		}
		if req.Template != nil {
			r.Template = req.Template
		}
		if req.Priority != nil {
			r.Priority = *req.Priority
		}
		if req.TTLSeconds != nil {
			r.TTL = time.Duration(*req.TTLSeconds) * time.Second
		}
		if req.ParentScope != nil {
			r.ParentScope = req.ParentScope
		}
	})
}

type removeRuleRequest struct {
	ID string `json:"id"`
}

func (e *Engine) handleRemoveRule(ctx context.Context, env *envelope.Envelope) (interface{}, error) {
	var req removeRuleRequest
	if err := env.DataAs(&req); err != nil {
		return nil, fmt.Errorf("routing:remove_rule: %w", err)
	}
	if err := e.RemoveRule(req.ID); err != nil {
		return nil, err
	}
	return map[string]interface{}{"id": req.ID, "removed": true}, nil
}

type listRulesRequest struct {
	ParentID string `json:"parent_id,omitempty"`
}

func (e *Engine) handleListRules(ctx context.Context, env *envelope.Envelope) (interface{}, error) {
	var req listRulesRequest
	_ = env.DataAs(&req)
	return e.ListRules(req.ParentID), nil
}
