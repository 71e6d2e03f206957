// Package runtimeconfig exposes the daemon's live-tunable resource
// limits over runtime:config:* events, backed by internal/kv so
// changes survive a restart.
package runtimeconfig

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/tenzoki/ksid/internal/dispatcher"
	"github.com/tenzoki/ksid/internal/envelope"
	"github.com/tenzoki/ksid/internal/kv"
)

// Limits are the resource knobs spec.md §5 calls out as runtime
// tunable.
type Limits struct {
	ConnectionQueueDepth int `json:"connection_queue_depth"`
	AgentQueueDepth      int `json:"agent_queue_depth"`
	CompletionPoolSize   int `json:"completion_pool_size"`
	MaxTraversalDepth    int `json:"max_traversal_depth"`
	MaxRoutingDepth      int `json:"max_routing_depth"`
}

const storeKey = "limits"

// Store manages the live Limits value, validating every change
// against schema bounds before applying and persisting it.
type Store struct {
	kv       kv.Store
	mu       sync.Mutex
	current  Limits
	defaults Limits
}

func New(backing kv.Store, defaults Limits) *Store {
	s := &Store{kv: backing, current: defaults, defaults: defaults}
	if data, err := backing.Get(storeKey); err == nil {
		var loaded Limits
		if json.Unmarshal(data, &loaded) == nil {
			s.current = loaded
		}
	}
	return s
}

// Register wires the runtime:config:* event handlers.
func (s *Store) Register(d *dispatcher.Dispatcher) {
	d.On("runtime:config:get", 0, s.handleGet)
	d.On("runtime:config:set", 0, s.handleSet)
	d.On("runtime:config:reset", 0, s.handleReset)
	d.On("runtime:config:query", 0, s.handleGet)
}

func (s *Store) Current() Limits {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

func (s *Store) handleGet(ctx context.Context, env *envelope.Envelope) (interface{}, error) {
	return s.Current(), nil
}

func (s *Store) handleSet(ctx context.Context, env *envelope.Envelope) (interface{}, error) {
	var patch map[string]int
	if err := env.DataAs(&patch); err != nil {
		return nil, fmt.Errorf("runtime:config:set: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	updated := s.current
	for key, value := range patch {
		if value <= 0 {
			return nil, fmt.Errorf("runtime:config:set: %s must be positive, got %d", key, value)
		}
		switch key {
		case "connection_queue_depth":
			updated.ConnectionQueueDepth = value
		case "agent_queue_depth":
			updated.AgentQueueDepth = value
		case "completion_pool_size":
			updated.CompletionPoolSize = value
		case "max_traversal_depth":
			if value > 5 {
				return nil, fmt.Errorf("runtime:config:set: max_traversal_depth cannot exceed 5")
			}
			updated.MaxTraversalDepth = value
		case "max_routing_depth":
			updated.MaxRoutingDepth = value
		default:
			return nil, fmt.Errorf("runtime:config:set: unknown key %q", key)
		}
	}

	data, err := json.Marshal(updated)
	if err != nil {
		return nil, err
	}
	if err := s.kv.Set(storeKey, data); err != nil {
		return nil, err
	}
	s.current = updated
	return updated, nil
}

func (s *Store) handleReset(ctx context.Context, env *envelope.Envelope) (interface{}, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.current = s.defaults
	data, err := json.Marshal(s.current)
	if err != nil {
		return nil, err
	}
	if err := s.kv.Set(storeKey, data); err != nil {
		return nil, err
	}
	return s.current, nil
}
