package routing

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tenzoki/ksid/internal/envelope"
)

func TestHandlers_AddRuleViaDispatcher(t *testing.T) {
	engine, d := newTestEngine(t)
	engine.RegisterHandlers()

	_, results, err := d.Emit(context.Background(), "routing:add_rule", map[string]interface{}{
		"source_pattern": "sensor:reading",
		"target_event":   "alert:raised",
		"template":       map[string]interface{}{"level": "{{level}}"},
	}, envelope.Context{})
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.NoError(t, results[0].Err)

	rule, ok := results[0].Value.(*Rule)
	require.True(t, ok)
	assert.NotEmpty(t, rule.ID)
	assert.Len(t, engine.ListRules(""), 1)
}

func TestHandlers_AddRuleViaDispatcherRejectsMissingFields(t *testing.T) {
	engine, d := newTestEngine(t)
	engine.RegisterHandlers()

	_, results, err := d.Emit(context.Background(), "routing:add_rule", map[string]interface{}{}, envelope.Context{})
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.Error(t, results[0].Err)
}

func TestHandlers_UpdateRuleViaDispatcherPatchesOnlyGivenFields(t *testing.T) {
	engine, d := newTestEngine(t)
	engine.RegisterHandlers()

	rule, err := engine.AddRule(&Rule{SourcePattern: "x", TargetEvent: "y", Priority: 1, Template: map[string]interface{}{}})
	require.NoError(t, err)

	_, results, err := d.Emit(context.Background(), "routing:update_rule", map[string]interface{}{
		"id":       rule.ID,
		"priority": 9,
	}, envelope.Context{})
	require.NoError(t, err)
	require.NoError(t, results[0].Err)

	updated, ok := results[0].Value.(*Rule)
	require.True(t, ok)
	assert.Equal(t, 9, updated.Priority)
	assert.Equal(t, "x", updated.SourcePattern)
}

func TestHandlers_RemoveRuleViaDispatcher(t *testing.T) {
	engine, d := newTestEngine(t)
	engine.RegisterHandlers()

	rule, err := engine.AddRule(&Rule{SourcePattern: "x", TargetEvent: "y", Template: map[string]interface{}{}})
	require.NoError(t, err)

	_, results, err := d.Emit(context.Background(), "routing:remove_rule", map[string]interface{}{
		"id": rule.ID,
	}, envelope.Context{})
	require.NoError(t, err)
	require.NoError(t, results[0].Err)
	assert.Empty(t, engine.ListRules(""))
}

func TestHandlers_ListRulesViaDispatcherFiltersByParent(t *testing.T) {
	engine, d := newTestEngine(t)
	engine.RegisterHandlers()

	parent, err := engine.AddRule(&Rule{SourcePattern: "p", TargetEvent: "p2", Template: map[string]interface{}{}})
	require.NoError(t, err)
	_, err = engine.AddRule(&Rule{
		SourcePattern: "c", TargetEvent: "c2", Template: map[string]interface{}{},
		ParentScope: &ParentScope{Type: EntityType, ID: parent.ID},
	})
	require.NoError(t, err)

	_, results, err := d.Emit(context.Background(), "routing:list_rules", map[string]interface{}{
		"parent_id": parent.ID,
	}, envelope.Context{})
	require.NoError(t, err)
	require.NoError(t, results[0].Err)

	rules, ok := results[0].Value.([]*Rule)
	require.True(t, ok)
	assert.Len(t, rules, 1)
}
