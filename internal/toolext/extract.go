// Package toolext scans a completion provider's free-text response for
// embedded event payloads: the legacy {"event":...,"data":{...}} shape
// and the structured ksi_tool_use block shape.
package toolext

import (
	"encoding/json"
	"regexp"

	"github.com/tenzoki/ksid/internal/envelope"
)

// candidatePattern pre-filters scan start points so the brace-balancer
// only runs where a match is plausible, per spec.md §9.
var candidatePattern = regexp.MustCompile(`\{\s*"(event|type)"\s*:`)

type legacyShape struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

type toolUseShape struct {
	Type  string          `json:"type"`
	ID    string          `json:"id"`
	Name  string          `json:"name"`
	Input json.RawMessage `json:"input"`
}

// Extracted is one envelope recovered from a response body, tagged so
// downstream handlers know it did not arrive over the wire.
type Extracted struct {
	Envelope *envelope.Envelope
}

// Extract scans text for every embedded event payload, in order of
// appearance. agentID, if non-empty, is stamped onto each result's
// context.
func Extract(text string, agentID string) []Extracted {
	var out []Extracted
	for _, loc := range candidatePattern.FindAllStringIndex(text, -1) {
		start := findObjectStart(text, loc[0])
		if start < 0 {
			continue
		}
		end := matchBrace(text, start)
		if end < 0 {
			continue
		}
		raw := text[start : end+1]

		if env := tryLegacy(raw, agentID); env != nil {
			out = append(out, Extracted{Envelope: env})
			continue
		}
		if env := tryToolUse(raw, agentID); env != nil {
			out = append(out, Extracted{Envelope: env})
		}
	}
	return out
}

// findObjectStart walks left from a regex match to the opening brace
// of the JSON object containing it.
func findObjectStart(text string, from int) int {
	for i := from; i >= 0; i-- {
		if text[i] == '{' {
			return i
		}
	}
	return -1
}

// matchBrace returns the index of the closing brace matching the
// opening brace at start, honoring string literals so braces inside
// quoted values are not counted.
func matchBrace(text string, start int) int {
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(text); i++ {
		c := text[i]
		switch {
		case escaped:
			escaped = false
		case c == '\\' && inString:
			escaped = true
		case c == '"':
			inString = !inString
		case inString:
			// inside a string literal, braces don't count
		case c == '{':
			depth++
		case c == '}':
			depth--
			if depth == 0 {
				return i
			}
		}
	}
	return -1
}

func tryLegacy(raw, agentID string) *envelope.Envelope {
	var shape legacyShape
	if err := json.Unmarshal([]byte(raw), &shape); err != nil || shape.Event == "" {
		return nil
	}
	ctx := envelope.Context{ExtractedFrom: true}
	if agentID != "" {
		ctx.AgentID = agentID
	}
	env, err := envelope.New(shape.Event, json.RawMessage(nonNil(shape.Data)), ctx)
	if err != nil {
		return nil
	}
	return env
}

func tryToolUse(raw, agentID string) *envelope.Envelope {
	var shape toolUseShape
	if err := json.Unmarshal([]byte(raw), &shape); err != nil || shape.Type != "ksi_tool_use" || shape.Name == "" {
		return nil
	}
	ctx := envelope.Context{ExtractedFrom: true, ToolUseID: shape.ID}
	if agentID != "" {
		ctx.AgentID = agentID
	}
	env, err := envelope.New(shape.Name, json.RawMessage(nonNil(shape.Input)), ctx)
	if err != nil {
		return nil
	}
	return env
}

func nonNil(raw json.RawMessage) json.RawMessage {
	if raw == nil {
		return json.RawMessage("null")
	}
	return raw
}
