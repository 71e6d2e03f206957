package runtimeconfig

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tenzoki/ksid/internal/dispatcher"
	"github.com/tenzoki/ksid/internal/envelope"
	"github.com/tenzoki/ksid/internal/kv"
	"github.com/tenzoki/ksid/internal/storage"
)

var testDefaults = Limits{
	ConnectionQueueDepth: 16,
	AgentQueueDepth:      64,
	CompletionPoolSize:   4,
	MaxTraversalDepth:    3,
	MaxRoutingDepth:      8,
}

func newTestBacking(t *testing.T) storage.Store {
	t.Helper()
	backing, err := storage.NewBadgerStore(storage.DefaultConfig(t.TempDir()))
	require.NoError(t, err)
	t.Cleanup(func() { backing.Close() })
	return backing
}

func TestStore_GetReturnsDefaultsInitially(t *testing.T) {
	backing := newTestBacking(t)
	s := New(kv.New(backing, "cfg"), testDefaults)
	assert.Equal(t, testDefaults, s.Current())
}

func TestStore_SetUpdatesAndPersists(t *testing.T) {
	backing := newTestBacking(t)
	cfgKV := kv.New(backing, "cfg")
	s := New(cfgKV, testDefaults)
	d := dispatcher.New()
	s.Register(d)

	_, results, err := d.Emit(context.Background(), "runtime:config:set",
		map[string]int{"agent_queue_depth": 128}, envelope.Context{})
	require.NoError(t, err)
	require.NoError(t, results[0].Err)

	assert.Equal(t, 128, s.Current().AgentQueueDepth)

	reloaded := New(cfgKV, testDefaults)
	assert.Equal(t, 128, reloaded.Current().AgentQueueDepth)
}

func TestStore_SetRejectsNonPositiveValue(t *testing.T) {
	backing := newTestBacking(t)
	s := New(kv.New(backing, "cfg"), testDefaults)
	d := dispatcher.New()
	s.Register(d)

	_, results, err := d.Emit(context.Background(), "runtime:config:set",
		map[string]int{"agent_queue_depth": 0}, envelope.Context{})
	require.NoError(t, err)
	assert.Error(t, results[0].Err)
}

func TestStore_SetRejectsMaxTraversalDepthAboveFive(t *testing.T) {
	backing := newTestBacking(t)
	s := New(kv.New(backing, "cfg"), testDefaults)
	d := dispatcher.New()
	s.Register(d)

	_, results, err := d.Emit(context.Background(), "runtime:config:set",
		map[string]int{"max_traversal_depth": 6}, envelope.Context{})
	require.NoError(t, err)
	assert.Error(t, results[0].Err)
}

func TestStore_SetRejectsUnknownKey(t *testing.T) {
	backing := newTestBacking(t)
	s := New(kv.New(backing, "cfg"), testDefaults)
	d := dispatcher.New()
	s.Register(d)

	_, results, err := d.Emit(context.Background(), "runtime:config:set",
		map[string]int{"nonsense_key": 1}, envelope.Context{})
	require.NoError(t, err)
	assert.Error(t, results[0].Err)
}

func TestStore_ResetRestoresDefaults(t *testing.T) {
	backing := newTestBacking(t)
	s := New(kv.New(backing, "cfg"), testDefaults)
	d := dispatcher.New()
	s.Register(d)

	_, _, err := d.Emit(context.Background(), "runtime:config:set",
		map[string]int{"agent_queue_depth": 999}, envelope.Context{})
	require.NoError(t, err)

	_, results, err := d.Emit(context.Background(), "runtime:config:reset", nil, envelope.Context{})
	require.NoError(t, err)
	require.NoError(t, results[0].Err)
	assert.Equal(t, testDefaults, s.Current())
}

func TestStore_QueryAliasesGet(t *testing.T) {
	backing := newTestBacking(t)
	s := New(kv.New(backing, "cfg"), testDefaults)
	d := dispatcher.New()
	s.Register(d)

	_, results, err := d.Emit(context.Background(), "runtime:config:query", nil, envelope.Context{})
	require.NoError(t, err)
	require.NoError(t, results[0].Err)
	assert.Equal(t, testDefaults, results[0].Value.(Limits))
}
