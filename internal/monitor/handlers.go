package monitor

import (
	"context"
	"fmt"
	"sync"

	"github.com/tenzoki/ksid/internal/dispatcher"
	"github.com/tenzoki/ksid/internal/envelope"
)

// Handlers exposes the journal's monitor:* event surface: querying
// recorded history and subscribing to live pushes of future matching
// entries.
type Handlers struct {
	log        *Log
	dispatcher *dispatcher.Dispatcher

	mu   sync.Mutex
	subs map[string][]string // client id -> patterns
}

func NewHandlers(log *Log, d *dispatcher.Dispatcher) *Handlers {
	return &Handlers{log: log, dispatcher: d, subs: make(map[string][]string)}
}

// Register wires every monitor:* handler onto the dispatcher.
func (h *Handlers) Register() {
	h.dispatcher.On("monitor:get_events", 0, h.getEvents)
	h.dispatcher.On("monitor:subscribe", 0, h.subscribe)
	h.dispatcher.On("monitor:unsubscribe", 0, h.unsubscribe)
	h.dispatcher.On("monitor:get_stats", 0, h.getStats)
}

type getEventsRequest struct {
	Patterns []string `json:"patterns,omitempty"`
	Since    int64    `json:"since,omitempty"`
	Until    int64    `json:"until,omitempty"`
	Limit    int      `json:"limit,omitempty"`
	Reverse  bool     `json:"reverse,omitempty"`
}

func (h *Handlers) getEvents(ctx context.Context, env *envelope.Envelope) (interface{}, error) {
	var req getEventsRequest
	if err := env.DataAs(&req); err != nil {
		return nil, fmt.Errorf("monitor:get_events: %w", err)
	}
	return h.log.Get(Query{
		Patterns: req.Patterns,
		Since:    req.Since,
		Until:    req.Until,
		Limit:    req.Limit,
		Reverse:  req.Reverse,
	})
}

type subscribeRequest struct {
	Patterns []string `json:"patterns"`
}

func (h *Handlers) subscribe(ctx context.Context, env *envelope.Envelope) (interface{}, error) {
	var req subscribeRequest
	if err := env.DataAs(&req); err != nil {
		return nil, fmt.Errorf("monitor:subscribe: %w", err)
	}
	if env.KsiCtx.ClientID == "" {
		return nil, fmt.Errorf("monitor:subscribe: requires a client connection")
	}
	h.mu.Lock()
	h.subs[env.KsiCtx.ClientID] = req.Patterns
	h.mu.Unlock()
	return map[string]interface{}{"subscribed": true, "patterns": req.Patterns}, nil
}

func (h *Handlers) unsubscribe(ctx context.Context, env *envelope.Envelope) (interface{}, error) {
	h.mu.Lock()
	delete(h.subs, env.KsiCtx.ClientID)
	h.mu.Unlock()
	return map[string]interface{}{"unsubscribed": true}, nil
}

func (h *Handlers) getStats(ctx context.Context, env *envelope.Envelope) (interface{}, error) {
	entries, err := h.log.Get(Query{})
	if err != nil {
		return nil, err
	}
	byEvent := map[string]int{}
	for _, e := range entries {
		byEvent[e.Event]++
	}
	return map[string]interface{}{"total": len(entries), "by_event": byEvent}, nil
}

// Notify pushes env to send for every client currently subscribed to a
// matching pattern. Called from the daemon's catch-all journal
// listener right after every Record.
func (h *Handlers) Notify(env *envelope.Envelope, send func(clientID string, env *envelope.Envelope)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for clientID, patterns := range h.subs {
		if anyMatches(patterns, env.Event) {
			send(clientID, env)
		}
	}
}
