package relstore

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tenzoki/ksid/internal/common"
	"github.com/tenzoki/ksid/internal/storage"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	backing, err := storage.NewBadgerStore(storage.DefaultConfig(t.TempDir()))
	require.NoError(t, err)
	t.Cleanup(func() { backing.Close() })
	return New(backing)
}

func TestStore_CreateAndGetEntity(t *testing.T) {
	s := newTestStore(t)
	entity, err := s.CreateEntity("e1", "note", map[string]interface{}{"text": "hi", "pinned": true})
	require.NoError(t, err)
	assert.Equal(t, "e1", entity.ID)
	assert.Equal(t, "note", entity.Type)

	view, err := s.GetEntity("e1", true, false)
	require.NoError(t, err)
	assert.Equal(t, "hi", view.Properties["text"])
	assert.Equal(t, true, view.Properties["pinned"])
}

func TestStore_CreateEntityDuplicateIDFails(t *testing.T) {
	s := newTestStore(t)
	_, err := s.CreateEntity("dup", "note", nil)
	require.NoError(t, err)

	_, err = s.CreateEntity("dup", "note", nil)
	assert.ErrorIs(t, err, common.ErrDuplicateEntity)
}

func TestStore_UpdateEntityMergesProperties(t *testing.T) {
	s := newTestStore(t)
	_, err := s.CreateEntity("e2", "note", map[string]interface{}{"a": 1})
	require.NoError(t, err)

	require.NoError(t, s.UpdateEntity("e2", map[string]interface{}{"b": 2}))

	view, err := s.GetEntity("e2", true, false)
	require.NoError(t, err)
	assert.Equal(t, float64(1), view.Properties["a"])
	assert.Equal(t, float64(2), view.Properties["b"])
}

func TestStore_UpdateEntityMissingFails(t *testing.T) {
	s := newTestStore(t)
	err := s.UpdateEntity("nope", map[string]interface{}{"a": 1})
	assert.ErrorIs(t, err, common.ErrEntityNotFound)
}

func TestStore_DeleteEntityCascadesRelationships(t *testing.T) {
	s := newTestStore(t)
	_, err := s.CreateEntity("a", "t", nil)
	require.NoError(t, err)
	_, err = s.CreateEntity("b", "t", nil)
	require.NoError(t, err)
	_, err = s.CreateRelationship("", "a", "b", "linked", nil)
	require.NoError(t, err)

	require.NoError(t, s.DeleteEntity("a"))

	_, err = s.GetEntity("a", false, false)
	assert.ErrorIs(t, err, common.ErrEntityNotFound)

	rels, err := s.QueryRelationships("a", "", "")
	require.NoError(t, err)
	assert.Empty(t, rels)
}

func TestStore_QueryEntitiesByTypeAndProperty(t *testing.T) {
	s := newTestStore(t)
	_, err := s.CreateEntity("n1", "note", map[string]interface{}{"tag": "work"})
	require.NoError(t, err)
	_, err = s.CreateEntity("n2", "note", map[string]interface{}{"tag": "home"})
	require.NoError(t, err)
	_, err = s.CreateEntity("p1", "person", nil)
	require.NoError(t, err)

	views, total, err := s.QueryEntities("note", map[string]interface{}{"tag": "work"}, "", 0)
	require.NoError(t, err)
	require.Len(t, views, 1)
	assert.Equal(t, 1, total)
	assert.Equal(t, "n1", views[0].Entity.ID)
}

func TestStore_BulkCreateEntitiesPartialSuccess(t *testing.T) {
	s := newTestStore(t)
	_, err := s.CreateEntity("existing", "t", nil)
	require.NoError(t, err)

	results := s.BulkCreateEntities([]EntitySpec{
		{ID: "existing", Type: "t"},
		{ID: "fresh", Type: "t", Properties: map[string]interface{}{"x": 1}},
		{ID: "", Type: ""},
	})
	require.Len(t, results, 3)
	assert.False(t, results[0].OK)
	assert.True(t, results[1].OK)
	assert.False(t, results[2].OK)

	view, err := s.GetEntity("fresh", true, false)
	require.NoError(t, err)
	assert.Equal(t, float64(1), view.Properties["x"])
}

func TestStore_CreateAndDeleteRelationship(t *testing.T) {
	s := newTestStore(t)
	_, err := s.CreateEntity("a", "t", nil)
	require.NoError(t, err)
	_, err = s.CreateEntity("b", "t", nil)
	require.NoError(t, err)

	rel, err := s.CreateRelationship("r1", "a", "b", "linked", map[string]interface{}{"weight": 1})
	require.NoError(t, err)
	assert.Equal(t, "r1", rel.ID)

	rels, err := s.QueryRelationships("a", "", "")
	require.NoError(t, err)
	require.Len(t, rels, 1)

	require.NoError(t, s.DeleteRelationship("r1"))
	rels, err = s.QueryRelationships("a", "", "")
	require.NoError(t, err)
	assert.Empty(t, rels)
}

func TestStore_TraverseOutgoingRespectsDepth(t *testing.T) {
	s := newTestStore(t)
	for _, id := range []string{"a", "b", "c", "d"} {
		_, err := s.CreateEntity(id, "t", nil)
		require.NoError(t, err)
	}
	_, err := s.CreateRelationship("", "a", "b", "next", nil)
	require.NoError(t, err)
	_, err = s.CreateRelationship("", "b", "c", "next", nil)
	require.NoError(t, err)
	_, err = s.CreateRelationship("", "c", "d", "next", nil)
	require.NoError(t, err)

	result, err := s.Traverse("a", common.Outgoing, nil, 1, false)
	require.NoError(t, err)
	assert.Contains(t, result.NodeIDs, "b")
	assert.NotContains(t, result.NodeIDs, "c")

	result, err = s.Traverse("a", common.Outgoing, nil, 100, false)
	require.NoError(t, err)
	assert.LessOrEqual(t, len(result.NodeIDs), 1+MaxTraverseDepth)
}

func TestStore_TraverseIncomingDirection(t *testing.T) {
	s := newTestStore(t)
	_, err := s.CreateEntity("a", "t", nil)
	require.NoError(t, err)
	_, err = s.CreateEntity("b", "t", nil)
	require.NoError(t, err)
	_, err = s.CreateRelationship("", "a", "b", "next", nil)
	require.NoError(t, err)

	result, err := s.Traverse("b", common.Incoming, nil, 1, false)
	require.NoError(t, err)
	assert.Contains(t, result.NodeIDs, "a")
}

func TestStore_CountEntitiesGroupedByType(t *testing.T) {
	s := newTestStore(t)
	_, err := s.CreateEntity("n1", "note", nil)
	require.NoError(t, err)
	_, err = s.CreateEntity("n2", "note", nil)
	require.NoError(t, err)
	_, err = s.CreateEntity("p1", "person", nil)
	require.NoError(t, err)

	result, err := s.CountEntities(true)
	require.NoError(t, err)
	assert.Equal(t, 3, result.Total)
	assert.Equal(t, 2, result.Groups["note"])
	assert.Equal(t, 1, result.Groups["person"])
}

func TestStore_CountRelationshipsUngrouped(t *testing.T) {
	s := newTestStore(t)
	_, err := s.CreateEntity("a", "t", nil)
	require.NoError(t, err)
	_, err = s.CreateEntity("b", "t", nil)
	require.NoError(t, err)
	_, err = s.CreateRelationship("", "a", "b", "linked", nil)
	require.NoError(t, err)

	result, err := s.CountRelationships(false)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Total)
	assert.Empty(t, result.Groups)
}
