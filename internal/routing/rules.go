// Package routing implements the routing/transformer core: rules that
// listen on an event pattern, optionally gate on a condition, render a
// target event from a template, and re-emit it with bounded depth.
package routing

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tenzoki/ksid/internal/common"
	"github.com/tenzoki/ksid/internal/dispatcher"
	"github.com/tenzoki/ksid/internal/envelope"
	"github.com/tenzoki/ksid/internal/relstore"
)

// EntityType is the relstore entity type routing rules are persisted
// under, so they show up like any other entity to state:entity:query.
const EntityType = "routing_rule"

// DefaultMaxDepth bounds routing-triggered re-emission recursion.
const DefaultMaxDepth = 8

// ParentScope names the entity a rule is scoped to; deleting that
// entity cascades to every rule scoped under it.
type ParentScope struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

// Rule is one routing/transformer rule.
type Rule struct {
	ID            string                 `json:"id"`
	SourcePattern string                 `json:"source_pattern"`
	TargetEvent   string                 `json:"target_event"`
	Condition     string                 `json:"condition,omitempty"`
	Template      map[string]interface{} `json:"template,omitempty"`
	Priority      int                    `json:"priority"`
	TTL           time.Duration          `json:"ttl,omitempty"`
	ParentScope   *ParentScope           `json:"parent_scope,omitempty"`
	CreatedAt     time.Time              `json:"created_at"`
}

// Engine evaluates rules against every envelope the dispatcher emits.
type Engine struct {
	dispatcher *dispatcher.Dispatcher
	store      *relstore.Store
	maxDepth   int

	mu          sync.Mutex
	rules       map[string]*Rule
	parentIndex map[string]map[string]bool // parent entity id -> rule ids
	timers      map[string]*time.Timer
}

func NewEngine(d *dispatcher.Dispatcher, store *relstore.Store, maxDepth int) *Engine {
	if maxDepth <= 0 {
		maxDepth = DefaultMaxDepth
	}
	return &Engine{
		dispatcher:  d,
		store:       store,
		maxDepth:    maxDepth,
		rules:       make(map[string]*Rule),
		parentIndex: make(map[string]map[string]bool),
		timers:      make(map[string]*time.Timer),
	}
}

// Start subscribes the engine to every event so it can test each rule
// in priority order.
func (e *Engine) Start() {
	e.dispatcher.On("*", 0, func(ctx context.Context, env *envelope.Envelope) (interface{}, error) {
		e.route(ctx, env)
		return nil, nil
	})
}

func (e *Engine) route(ctx context.Context, env *envelope.Envelope) {
	if env.KsiCtx.RouteDepth >= e.maxDepth {
		return
	}

	for _, rule := range e.matchingRulesSorted(env.Event) {
		data, err := env.DataMap()
		if err != nil {
			continue
		}
		if rule.Condition != "" {
			ok, err := EvalCondition(rule.Condition, data)
			if err != nil || !ok {
				continue
			}
		}

		rendered := renderTemplateMap(rule.Template, data)
		nextCtx := env.KsiCtx.Minimal()
		nextCtx.RouteDepth = env.KsiCtx.RouteDepth + 1
		e.dispatcher.Emit(ctx, rule.TargetEvent, rendered, nextCtx)
	}
}

func renderTemplateMap(tmpl map[string]interface{}, data map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(tmpl))
	for k, v := range tmpl {
		switch val := v.(type) {
		case string:
			out[k] = RenderTemplate(val, data)
		case map[string]interface{}:
			out[k] = renderTemplateMap(val, data)
		default:
			out[k] = val
		}
	}
	return out
}

func (e *Engine) matchingRulesSorted(event string) []*Rule {
	e.mu.Lock()
	defer e.mu.Unlock()
	var matched []*Rule
	for _, rule := range e.rules {
		if patternMatches(rule.SourcePattern, event) {
			matched = append(matched, rule)
		}
	}
	sort.SliceStable(matched, func(i, j int) bool {
		if matched[i].Priority != matched[j].Priority {
			return matched[i].Priority > matched[j].Priority
		}
		return matched[i].CreatedAt.Before(matched[j].CreatedAt)
	})
	return matched
}

func patternMatches(pattern, event string) bool {
	if pattern == "*" {
		return true
	}
	if strings.HasSuffix(pattern, "*") {
		return strings.HasPrefix(event, strings.TrimSuffix(pattern, "*"))
	}
	return pattern == event
}

// AddRule persists rule as an entity and only then activates it in
// memory; if persistence fails the in-memory state is left untouched
// so the two never diverge.
func (e *Engine) AddRule(rule *Rule) (*Rule, error) {
	if rule.ID == "" {
		rule.ID = uuid.New().String()
	}
	if rule.SourcePattern == "" || rule.TargetEvent == "" {
		return nil, fmt.Errorf("routing: source_pattern and target_event are required")
	}
	rule.CreatedAt = time.Now().UTC()

	if _, err := e.store.CreateEntity(rule.ID, EntityType, ruleProperties(rule)); err != nil {
		return nil, err
	}

	e.activate(rule)
	return rule, nil
}

func (e *Engine) activate(rule *Rule) {
	e.mu.Lock()
	e.rules[rule.ID] = rule
	if rule.ParentScope != nil {
		if e.parentIndex[rule.ParentScope.ID] == nil {
			e.parentIndex[rule.ParentScope.ID] = make(map[string]bool)
		}
		e.parentIndex[rule.ParentScope.ID][rule.ID] = true
	}
	e.mu.Unlock()

	if rule.TTL > 0 {
		e.scheduleExpiry(rule.ID, rule.TTL)
	}
}

func (e *Engine) scheduleExpiry(ruleID string, ttl time.Duration) {
	e.mu.Lock()
	if existing, ok := e.timers[ruleID]; ok {
		existing.Stop()
	}
	e.timers[ruleID] = time.AfterFunc(ttl, func() {
		_ = e.RemoveRule(ruleID)
	})
	e.mu.Unlock()
}

// UpdateRule replaces an existing rule's fields, re-persisting before
// swapping the in-memory copy.
func (e *Engine) UpdateRule(id string, fn func(*Rule)) (*Rule, error) {
	e.mu.Lock()
	existing, ok := e.rules[id]
	e.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("routing: rule %s not found", id)
	}
	updated := *existing
	fn(&updated)

	if err := e.store.UpdateEntity(id, ruleProperties(&updated)); err != nil {
		return nil, err
	}

	e.mu.Lock()
	if existing.ParentScope != nil {
		delete(e.parentIndex[existing.ParentScope.ID], id)
	}
	e.rules[id] = &updated
	e.mu.Unlock()

	if updated.ParentScope != nil {
		e.mu.Lock()
		if e.parentIndex[updated.ParentScope.ID] == nil {
			e.parentIndex[updated.ParentScope.ID] = make(map[string]bool)
		}
		e.parentIndex[updated.ParentScope.ID][id] = true
		e.mu.Unlock()
	}
	if updated.TTL > 0 {
		e.scheduleExpiry(id, updated.TTL)
	}
	return &updated, nil
}

// RemoveRule deletes a rule's backing entity and deactivates it.
func (e *Engine) RemoveRule(id string) error {
	e.mu.Lock()
	rule, ok := e.rules[id]
	if ok {
		delete(e.rules, id)
		if rule.ParentScope != nil {
			delete(e.parentIndex[rule.ParentScope.ID], id)
		}
		if timer, ok := e.timers[id]; ok {
			timer.Stop()
			delete(e.timers, id)
		}
	}
	e.mu.Unlock()

	if err := e.store.DeleteEntity(id); err != nil && err != common.ErrEntityNotFound {
		return err
	}
	return nil
}

// ListRules returns every active rule, optionally filtered to those
// scoped under parentID.
func (e *Engine) ListRules(parentID string) []*Rule {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []*Rule
	for _, rule := range e.rules {
		if parentID != "" && (rule.ParentScope == nil || rule.ParentScope.ID != parentID) {
			continue
		}
		out = append(out, rule)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// OnEntityDeleted cascades a deletion of entityID to every rule scoped
// under it, and transitively to rules scoped under those rules (since
// a rule's own id can itself be a parent_scope).
func (e *Engine) OnEntityDeleted(entityID string) {
	e.mu.Lock()
	dependents := make([]string, 0, len(e.parentIndex[entityID]))
	for ruleID := range e.parentIndex[entityID] {
		dependents = append(dependents, ruleID)
	}
	e.mu.Unlock()

	for _, ruleID := range dependents {
		_ = e.RemoveRule(ruleID)
		e.OnEntityDeleted(ruleID)
	}
}

func ruleProperties(rule *Rule) map[string]interface{} {
	props := map[string]interface{}{
		"source_pattern": rule.SourcePattern,
		"target_event":   rule.TargetEvent,
		"condition":      rule.Condition,
		"priority":       float64(rule.Priority),
		"ttl_seconds":    rule.TTL.Seconds(),
	}
	if rule.Template != nil {
		props["template"] = rule.Template
	}
	if rule.ParentScope != nil {
		props["parent_scope_type"] = rule.ParentScope.Type
		props["parent_scope_id"] = rule.ParentScope.ID
	}
	return props
}
