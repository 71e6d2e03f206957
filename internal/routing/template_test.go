package routing

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRenderTemplate_BarePlaceholderPreservesType(t *testing.T) {
	data := map[string]interface{}{"count": 42}
	result := RenderTemplate("{{count}}", data)
	assert.Equal(t, 42, result)
}

func TestRenderTemplate_DottedPath(t *testing.T) {
	data := map[string]interface{}{
		"result": map[string]interface{}{
			"choices": []interface{}{
				map[string]interface{}{"text": "hello"},
			},
		},
	}
	result := RenderTemplate("{{result.choices.0.text}}", data)
	assert.Equal(t, "hello", result)
}

func TestRenderTemplate_MixedStringInterpolation(t *testing.T) {
	data := map[string]interface{}{"name": "alice", "count": 3}
	result := RenderTemplate("hello {{name}}, you have {{count}} items", data)
	assert.Equal(t, "hello alice, you have 3 items", result)
}

func TestRenderTemplate_MissingBarePlaceholderYieldsNil(t *testing.T) {
	data := map[string]interface{}{}
	result := RenderTemplate("{{missing.path}}", data)
	assert.Nil(t, result)
}

func TestRenderTemplate_MissingEmbeddedPlaceholderYieldsEmptyString(t *testing.T) {
	data := map[string]interface{}{}
	result := RenderTemplate("value: {{missing.path}}!", data)
	assert.Equal(t, "value: !", result)
}
