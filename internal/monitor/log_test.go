package monitor

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tenzoki/ksid/internal/envelope"
	"github.com/tenzoki/ksid/internal/storage"
)

func newTestLog(t *testing.T) *Log {
	t.Helper()
	store, err := storage.NewBadgerStore(storage.DefaultConfig(t.TempDir()))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return New(store)
}

func mustEnvelope(t *testing.T, event string) *envelope.Envelope {
	t.Helper()
	env, err := envelope.New(event, map[string]string{"k": "v"}, envelope.Context{})
	require.NoError(t, err)
	return env
}

func TestLog_RecordAndQueryByPattern(t *testing.T) {
	l := newTestLog(t)
	require.NoError(t, l.Record(mustEnvelope(t, "state:entity:create")))
	require.NoError(t, l.Record(mustEnvelope(t, "state:entity:delete")))
	require.NoError(t, l.Record(mustEnvelope(t, "completion:result")))

	entries, err := l.Get(Query{Patterns: []string{"state:entity:*"}})
	require.NoError(t, err)
	assert.Len(t, entries, 2)
}

func TestLog_QueryOrdersBySequence(t *testing.T) {
	l := newTestLog(t)
	for _, event := range []string{"a", "b", "c"} {
		require.NoError(t, l.Record(mustEnvelope(t, event)))
	}

	entries, err := l.Get(Query{})
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, "a", entries[0].Event)
	assert.Equal(t, "c", entries[2].Event)
}

func TestLog_QueryReverse(t *testing.T) {
	l := newTestLog(t)
	for _, event := range []string{"a", "b", "c"} {
		require.NoError(t, l.Record(mustEnvelope(t, event)))
	}

	entries, err := l.Get(Query{Reverse: true})
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, "c", entries[0].Event)
	assert.Equal(t, "a", entries[2].Event)
}

func TestLog_QueryLimit(t *testing.T) {
	l := newTestLog(t)
	for i := 0; i < 5; i++ {
		require.NoError(t, l.Record(mustEnvelope(t, "x")))
	}
	entries, err := l.Get(Query{Limit: 2})
	require.NoError(t, err)
	assert.Len(t, entries, 2)
}

func TestLog_RetentionTrimsByMaxKeys(t *testing.T) {
	l := newTestLog(t)
	for i := 0; i < 10; i++ {
		require.NoError(t, l.Record(mustEnvelope(t, "x")))
	}
	l.trim(RetentionPolicy{MaxKeys: 3})

	entries, err := l.Get(Query{})
	require.NoError(t, err)
	assert.Len(t, entries, 3)
}

func TestLog_RetentionTrimsByMaxAge(t *testing.T) {
	l := newTestLog(t)
	require.NoError(t, l.Record(mustEnvelope(t, "old")))
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, l.Record(mustEnvelope(t, "new")))

	l.trim(RetentionPolicy{MaxAge: 10 * time.Millisecond})

	entries, err := l.Get(Query{})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "new", entries[0].Event)
}
