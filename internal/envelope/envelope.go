// Package envelope defines the wire and in-process message shape that
// flows between clients, the dispatcher, routing rules, and agents.
package envelope

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Context carries system metadata alongside an event's data. Only
// _agent_id and _route_depth survive re-stamping across hops (see
// Minimal); everything else is set afresh for each new envelope.
type Context struct {
	CorrelationID string `json:"correlation_id,omitempty"`
	ClientID      string `json:"client_id,omitempty"`
	AgentID       string `json:"_agent_id,omitempty"`
	RouteDepth    int    `json:"_route_depth,omitempty"`
	Timestamp     int64  `json:"timestamp,omitempty"`
	ExtractedFrom bool   `json:"_extracted_from_response,omitempty"`
	ToolUseID     string `json:"_tool_use_id,omitempty"`
}

// Minimal returns a new Context carrying only the fields that must
// propagate to envelopes emitted downstream of this one.
func (c Context) Minimal() Context {
	return Context{AgentID: c.AgentID, RouteDepth: c.RouteDepth}
}

// Envelope is the immutable unit of communication inside the daemon.
// Routing never mutates an envelope; it builds new ones.
type Envelope struct {
	ID       string          `json:"id"`
	Event    string          `json:"event"`
	Data     json.RawMessage `json:"data"`
	KsiCtx   Context         `json:"_ksi_context"`
	Priority int             `json:"-"`
}

// New builds an envelope for an event about to be emitted. data is
// marshalled to JSON; ctx is stamped with a fresh id and timestamp.
func New(event string, data interface{}, ctx Context) (*Envelope, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("envelope: marshal data: %w", err)
	}
	ctx.Timestamp = time.Now().UTC().UnixNano()
	return &Envelope{
		ID:     uuid.New().String(),
		Event:  event,
		Data:   raw,
		KsiCtx: ctx,
	}, nil
}

// NewReply builds a reply envelope carrying the same correlation id as
// the request it answers.
func NewReply(event string, data interface{}, correlationID string) (*Envelope, error) {
	return New(event, data, Context{CorrelationID: correlationID})
}

// Validate checks required fields before an envelope is accepted into
// the dispatcher or onto the wire.
func (e *Envelope) Validate() error {
	if e.Event == "" {
		return fmt.Errorf("envelope: event name is required")
	}
	if e.Data == nil {
		e.Data = json.RawMessage("null")
	}
	return nil
}

// Clone returns a deep-enough copy safe for independent mutation of
// Context fields (Data is treated as immutable once set).
func (e *Envelope) Clone() *Envelope {
	clone := *e
	clone.Data = append(json.RawMessage(nil), e.Data...)
	return &clone
}

// DataAs unmarshals the envelope's data into v.
func (e *Envelope) DataAs(v interface{}) error {
	return json.Unmarshal(e.Data, v)
}

// DataMap returns the envelope's data as a generic map, used by the
// routing core's template renderer and condition evaluator.
func (e *Envelope) DataMap() (map[string]interface{}, error) {
	var m map[string]interface{}
	if len(e.Data) == 0 {
		return map[string]interface{}{}, nil
	}
	if err := json.Unmarshal(e.Data, &m); err != nil {
		return nil, err
	}
	return m, nil
}

// ToJSON serializes the envelope for one line on the wire.
func (e *Envelope) ToJSON() ([]byte, error) {
	return json.Marshal(e)
}

// FromJSON parses one line from the wire into an envelope, stamping
// the supplied client id and current time into its context.
func FromJSON(line []byte, clientID string) (*Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(line, &e); err != nil {
		return nil, err
	}
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	e.KsiCtx.ClientID = clientID
	e.KsiCtx.Timestamp = time.Now().UTC().UnixNano()
	if err := e.Validate(); err != nil {
		return nil, err
	}
	return &e, nil
}
