package toolext

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtract_LegacyShape(t *testing.T) {
	text := `Sure, here you go: {"event":"state:entity:create","data":{"type":"note","properties":{"text":"hi"}}} done.`
	results := Extract(text, "agent-1")
	require.Len(t, results, 1)
	assert.Equal(t, "state:entity:create", results[0].Envelope.Event)
	assert.Equal(t, "agent-1", results[0].Envelope.KsiCtx.AgentID)
	assert.True(t, results[0].Envelope.KsiCtx.ExtractedFrom)
}

func TestExtract_ToolUseShape(t *testing.T) {
	text := `{"type":"ksi_tool_use","id":"tu-1","name":"agent:spawn","input":{"composition_name":"worker"}}`
	results := Extract(text, "")
	require.Len(t, results, 1)
	assert.Equal(t, "agent:spawn", results[0].Envelope.Event)
	assert.Equal(t, "tu-1", results[0].Envelope.KsiCtx.ToolUseID)
}

func TestExtract_IgnoresUnrelatedJSON(t *testing.T) {
	text := `{"unrelated": "object", "nested": {"also": "unrelated"}}`
	results := Extract(text, "")
	assert.Empty(t, results)
}

func TestExtract_BraceBalancingAcrossNestedStrings(t *testing.T) {
	text := `{"event":"note:create","data":{"text":"a brace } inside a string { here"}}`
	results := Extract(text, "")
	require.Len(t, results, 1)
	var data struct {
		Text string `json:"text"`
	}
	require.NoError(t, results[0].Envelope.DataAs(&data))
	assert.Equal(t, "a brace } inside a string { here", data.Text)
}

func TestExtract_MultipleEmbeddedEvents(t *testing.T) {
	text := `first {"event":"a","data":{}} then {"event":"b","data":{}}`
	results := Extract(text, "")
	require.Len(t, results, 2)
	assert.Equal(t, "a", results[0].Envelope.Event)
	assert.Equal(t, "b", results[1].Envelope.Event)
}

func TestExtract_NoCandidatesReturnsEmpty(t *testing.T) {
	results := Extract("just plain prose, nothing embedded here.", "")
	assert.Empty(t, results)
}
