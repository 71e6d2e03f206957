package routing

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tenzoki/ksid/internal/dispatcher"
	"github.com/tenzoki/ksid/internal/envelope"
	"github.com/tenzoki/ksid/internal/relstore"
	"github.com/tenzoki/ksid/internal/storage"
)

func newTestEngine(t *testing.T) (*Engine, *dispatcher.Dispatcher) {
	t.Helper()
	store, err := storage.NewBadgerStore(storage.DefaultConfig(t.TempDir()))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	rel := relstore.New(store)
	d := dispatcher.New()
	engine := NewEngine(d, rel, 0)
	engine.Start()
	return engine, d
}

func TestEngine_RuleRewritesMatchingEvent(t *testing.T) {
	engine, d := newTestEngine(t)

	_, err := engine.AddRule(&Rule{
		SourcePattern: "sensor:reading",
		TargetEvent:   "alert:raised",
		Template:      map[string]interface{}{"level": "{{level}}", "source": "sensor"},
	})
	require.NoError(t, err)

	var captured map[string]interface{}
	d.On("alert:raised", 0, func(ctx context.Context, env *envelope.Envelope) (interface{}, error) {
		m, _ := env.DataMap()
		captured = m
		return nil, nil
	})

	_, _, err = d.Emit(context.Background(), "sensor:reading", map[string]interface{}{"level": "high"}, envelope.Context{})
	require.NoError(t, err)

	require.NotNil(t, captured)
	assert.Equal(t, "high", captured["level"])
	assert.Equal(t, "sensor", captured["source"])
}

func TestEngine_ConditionGatesRewrite(t *testing.T) {
	engine, d := newTestEngine(t)
	_, err := engine.AddRule(&Rule{
		SourcePattern: "sensor:reading",
		TargetEvent:   "alert:raised",
		Condition:     `level == 'critical'`,
		Template:      map[string]interface{}{"level": "{{level}}"},
	})
	require.NoError(t, err)

	fired := 0
	d.On("alert:raised", 0, func(ctx context.Context, env *envelope.Envelope) (interface{}, error) {
		fired++
		return nil, nil
	})

	d.Emit(context.Background(), "sensor:reading", map[string]interface{}{"level": "low"}, envelope.Context{})
	assert.Equal(t, 0, fired)

	d.Emit(context.Background(), "sensor:reading", map[string]interface{}{"level": "critical"}, envelope.Context{})
	assert.Equal(t, 1, fired)
}

func TestEngine_RouteDepthBoundStopsRecursion(t *testing.T) {
	engine, d := newTestEngine(t)
	engine.maxDepth = 3

	_, err := engine.AddRule(&Rule{
		SourcePattern: "loop:a",
		TargetEvent:   "loop:a",
		Template:      map[string]interface{}{},
	})
	require.NoError(t, err)

	count := 0
	d.On("loop:a", -1, func(ctx context.Context, env *envelope.Envelope) (interface{}, error) {
		count++
		return nil, nil
	})

	d.Emit(context.Background(), "loop:a", map[string]interface{}{}, envelope.Context{})
	assert.LessOrEqual(t, count, engine.maxDepth+1)
}

func TestEngine_TTLExpiresRule(t *testing.T) {
	engine, d := newTestEngine(t)
	_, err := engine.AddRule(&Rule{
		ID:            "ephemeral",
		SourcePattern: "x:event",
		TargetEvent:   "y:event",
		Template:      map[string]interface{}{},
		TTL:           10 * time.Millisecond,
	})
	require.NoError(t, err)

	assert.Len(t, engine.ListRules(""), 1)

	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, engine.ListRules(""))

	fired := 0
	d.On("y:event", 0, func(ctx context.Context, env *envelope.Envelope) (interface{}, error) {
		fired++
		return nil, nil
	})
	d.Emit(context.Background(), "x:event", nil, envelope.Context{})
	assert.Equal(t, 0, fired)
}

func TestEngine_OnEntityDeletedCascadesTransitively(t *testing.T) {
	engine, _ := newTestEngine(t)

	parent, err := engine.AddRule(&Rule{SourcePattern: "p:event", TargetEvent: "p:next", Template: map[string]interface{}{}})
	require.NoError(t, err)

	child, err := engine.AddRule(&Rule{
		SourcePattern: "c:event",
		TargetEvent:   "c:next",
		Template:      map[string]interface{}{},
		ParentScope:   &ParentScope{Type: EntityType, ID: parent.ID},
	})
	require.NoError(t, err)

	_, err = engine.AddRule(&Rule{
		SourcePattern: "g:event",
		TargetEvent:   "g:next",
		Template:      map[string]interface{}{},
		ParentScope:   &ParentScope{Type: EntityType, ID: child.ID},
	})
	require.NoError(t, err)

	assert.Len(t, engine.ListRules(""), 3)

	engine.OnEntityDeleted(parent.ID)

	assert.Empty(t, engine.ListRules(""))
}

func TestEngine_RemoveRuleLeavesSiblingCascadable(t *testing.T) {
	engine, _ := newTestEngine(t)

	parent, err := engine.AddRule(&Rule{SourcePattern: "p:event", TargetEvent: "p:next", Template: map[string]interface{}{}})
	require.NoError(t, err)

	sibling1, err := engine.AddRule(&Rule{
		SourcePattern: "c1:event",
		TargetEvent:   "c1:next",
		Template:      map[string]interface{}{},
		ParentScope:   &ParentScope{Type: EntityType, ID: parent.ID},
	})
	require.NoError(t, err)

	_, err = engine.AddRule(&Rule{
		SourcePattern: "c2:event",
		TargetEvent:   "c2:next",
		Template:      map[string]interface{}{},
		ParentScope:   &ParentScope{Type: EntityType, ID: parent.ID},
	})
	require.NoError(t, err)

	require.NoError(t, engine.RemoveRule(sibling1.ID))
	assert.Len(t, engine.ListRules(""), 2)

	engine.OnEntityDeleted(parent.ID)

	assert.Empty(t, engine.ListRules(""))
}

func TestEngine_RemoveRuleDeactivates(t *testing.T) {
	engine, d := newTestEngine(t)
	rule, err := engine.AddRule(&Rule{SourcePattern: "x", TargetEvent: "y", Template: map[string]interface{}{}})
	require.NoError(t, err)

	require.NoError(t, engine.RemoveRule(rule.ID))

	fired := false
	d.On("y", 0, func(ctx context.Context, env *envelope.Envelope) (interface{}, error) {
		fired = true
		return nil, nil
	})
	d.Emit(context.Background(), "x", nil, envelope.Context{})
	assert.False(t, fired)
}
