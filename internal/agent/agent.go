// Package agent implements agent lifecycle: spawn/terminate, a
// per-agent message queue and worker loop, and the agent:* event
// surface.
package agent

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tenzoki/ksid/internal/common"
	"github.com/tenzoki/ksid/internal/dispatcher"
	"github.com/tenzoki/ksid/internal/envelope"
	"github.com/tenzoki/ksid/internal/relstore"
	"github.com/tenzoki/ksid/internal/vfs"
)

// EntityType is the relstore entity type agent records are persisted
// under.
const EntityType = "agent"

type Status string

const (
	StatusInitializing Status = "initializing"
	StatusReady        Status = "ready"
	StatusFailed       Status = "failed"
	StatusStopped      Status = "stopped"
)

// Composition describes a resolved agent role: its permission profile
// and the prompt text composed for it.
type Composition struct {
	Name              string
	PermissionProfile string
	ComposedPrompt    string
	NeedsSandbox      bool
}

// CompositionResolver resolves a composition name into a Composition,
// the seam agent:spawn and agent:update_composition go through.
type CompositionResolver interface {
	Resolve(name string) (*Composition, error)
}

// staticResolver is the in-memory default: compositions are whatever
// was registered ahead of time, with no external lookup.
type staticResolver struct {
	mu           sync.RWMutex
	compositions map[string]*Composition
}

func NewStaticResolver() *staticResolver {
	return &staticResolver{compositions: make(map[string]*Composition)}
}

func (r *staticResolver) Register(c *Composition) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.compositions[c.Name] = c
}

func (r *staticResolver) Resolve(name string) (*Composition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.compositions[name]
	if !ok {
		return nil, fmt.Errorf("agent: unknown composition %q", name)
	}
	return c, nil
}

// Message is one item on an agent's inbound queue: a direct peer
// message, a broadcast, or an admin instruction.
type Message struct {
	Kind    string // "direct", "broadcast", "admin"
	FromID  string
	Event   string
	Payload interface{}
}

// Agent is one running agent's runtime record.
type Agent struct {
	ID                string
	Status            Status
	SessionID         string
	PermissionProfile string
	SandboxDir        string
	CompositionName   string
	ComposedPrompt    string
	CreatedAt         time.Time

	queue  chan Message
	cancel context.CancelFunc
}

const defaultQueueDepth = 64

// Registry manages the set of running agents and exposes the agent:*
// event handlers.
type Registry struct {
	dispatcher *dispatcher.Dispatcher
	store      *relstore.Store
	resolver   CompositionResolver
	sandbox    vfs.SandboxProvisioner

	mu     sync.RWMutex
	agents map[string]*Agent
}

func NewRegistry(d *dispatcher.Dispatcher, store *relstore.Store, resolver CompositionResolver, sandbox vfs.SandboxProvisioner) *Registry {
	return &Registry{
		dispatcher: d,
		store:      store,
		resolver:   resolver,
		sandbox:    sandbox,
		agents:     make(map[string]*Agent),
	}
}

// Register wires the agent:* event handlers onto the dispatcher.
func (r *Registry) Register() {
	r.dispatcher.On("agent:spawn", 0, r.handleSpawn)
	r.dispatcher.On("agent:terminate", 0, r.handleTerminate)
	r.dispatcher.On("agent:list", 0, r.handleList)
	r.dispatcher.On("agent:send_message", 0, r.handleSendMessage)
	r.dispatcher.On("agent:broadcast", 0, r.handleBroadcast)
	r.dispatcher.On("agent:update_composition", 0, r.handleUpdateComposition)
	r.dispatcher.On("agent:discover_peers", 0, r.handleDiscoverPeers)
}

type spawnRequest struct {
	ID              string `json:"id,omitempty"`
	CompositionName string `json:"composition_name"`
	SessionID       string `json:"session_id,omitempty"`
}

func (r *Registry) handleSpawn(ctx context.Context, env *envelope.Envelope) (interface{}, error) {
	var req spawnRequest
	if err := env.DataAs(&req); err != nil {
		return nil, fmt.Errorf("agent:spawn: %w", err)
	}
	comp, err := r.resolver.Resolve(req.CompositionName)
	if err != nil {
		return nil, err
	}

	id := req.ID
	if id == "" {
		id = uuid.New().String()
	}

	a := &Agent{
		ID:                id,
		Status:            StatusInitializing,
		SessionID:         req.SessionID,
		PermissionProfile: comp.PermissionProfile,
		CompositionName:   comp.Name,
		ComposedPrompt:    comp.ComposedPrompt,
		CreatedAt:         time.Now().UTC(),
		queue:             make(chan Message, defaultQueueDepth),
	}

	if comp.NeedsSandbox && r.sandbox != nil {
		box, err := r.sandbox.Provision(id)
		if err != nil {
			a.Status = StatusFailed
		} else {
			a.SandboxDir = box.Root()
		}
	}

	if _, err := r.store.CreateEntity(id, EntityType, agentProperties(a)); err != nil {
		return nil, err
	}

	workerCtx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel

	r.mu.Lock()
	r.agents[id] = a
	r.mu.Unlock()

	if a.Status != StatusFailed {
		a.Status = StatusReady
		_ = r.store.UpdateEntity(id, map[string]interface{}{"status": string(StatusReady)})
	}

	go r.workerLoop(workerCtx, a)

	return map[string]interface{}{"id": a.ID, "status": string(a.Status), "sandbox_dir": a.SandboxDir}, nil
}

type terminateRequest struct {
	ID string `json:"id"`
}

func (r *Registry) handleTerminate(ctx context.Context, env *envelope.Envelope) (interface{}, error) {
	var req terminateRequest
	if err := env.DataAs(&req); err != nil {
		return nil, err
	}
	r.mu.Lock()
	a, ok := r.agents[req.ID]
	if ok {
		delete(r.agents, req.ID)
	}
	r.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("agent: %s not found", req.ID)
	}
	a.cancel()
	close(a.queue)
	if r.sandbox != nil {
		_ = r.sandbox.Release(a.ID)
	}
	if err := r.store.DeleteEntity(a.ID); err != nil && err != common.ErrEntityNotFound {
		return nil, err
	}
	r.dispatcher.Emit(ctx, "state:entity:deleted", map[string]interface{}{"id": a.ID}, env.KsiCtx.Minimal())
	return map[string]interface{}{"id": a.ID, "status": string(StatusStopped)}, nil
}

func (r *Registry) handleList(ctx context.Context, env *envelope.Envelope) (interface{}, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]map[string]interface{}, 0, len(r.agents))
	for _, a := range r.agents {
		out = append(out, agentProperties(a))
	}
	return out, nil
}

type sendMessageRequest struct {
	ToID    string      `json:"to_id"`
	Event   string      `json:"event"`
	Payload interface{} `json:"payload"`
}

func (r *Registry) handleSendMessage(ctx context.Context, env *envelope.Envelope) (interface{}, error) {
	var req sendMessageRequest
	if err := env.DataAs(&req); err != nil {
		return nil, err
	}
	r.mu.RLock()
	target, ok := r.agents[req.ToID]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("agent: %s not found", req.ToID)
	}
	msg := Message{Kind: "direct", FromID: env.KsiCtx.AgentID, Event: req.Event, Payload: req.Payload}
	select {
	case target.queue <- msg:
		return map[string]interface{}{"delivered": true}, nil
	default:
		return nil, fmt.Errorf("agent: %s message queue full", req.ToID)
	}
}

type broadcastRequest struct {
	Event   string      `json:"event"`
	Payload interface{} `json:"payload"`
}

func (r *Registry) handleBroadcast(ctx context.Context, env *envelope.Envelope) (interface{}, error) {
	var req broadcastRequest
	if err := env.DataAs(&req); err != nil {
		return nil, err
	}
	r.mu.RLock()
	targets := make([]*Agent, 0, len(r.agents))
	for _, a := range r.agents {
		targets = append(targets, a)
	}
	r.mu.RUnlock()

	delivered := 0
	for _, a := range targets {
		msg := Message{Kind: "broadcast", FromID: env.KsiCtx.AgentID, Event: req.Event, Payload: req.Payload}
		select {
		case a.queue <- msg:
			delivered++
		default:
		}
	}
	return map[string]interface{}{"delivered": delivered, "total": len(targets)}, nil
}

type updateCompositionRequest struct {
	ID              string `json:"id"`
	CompositionName string `json:"composition_name"`
}

func (r *Registry) handleUpdateComposition(ctx context.Context, env *envelope.Envelope) (interface{}, error) {
	var req updateCompositionRequest
	if err := env.DataAs(&req); err != nil {
		return nil, err
	}
	comp, err := r.resolver.Resolve(req.CompositionName)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	a, ok := r.agents[req.ID]
	if ok {
		a.CompositionName = comp.Name
		a.PermissionProfile = comp.PermissionProfile
		a.ComposedPrompt = comp.ComposedPrompt
	}
	r.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("agent: %s not found", req.ID)
	}
	if err := r.store.UpdateEntity(a.ID, agentProperties(a)); err != nil {
		return nil, err
	}
	select {
	case a.queue <- Message{Kind: "admin", Event: "composition_update", Payload: comp.Name}:
	default:
	}
	return map[string]interface{}{"id": a.ID, "composition_name": a.CompositionName}, nil
}

func (r *Registry) handleDiscoverPeers(ctx context.Context, env *envelope.Envelope) (interface{}, error) {
	var req struct {
		CompositionName string `json:"composition_name,omitempty"`
	}
	_ = env.DataAs(&req)

	r.mu.RLock()
	defer r.mu.RUnlock()
	var peers []string
	for _, a := range r.agents {
		if req.CompositionName != "" && a.CompositionName != req.CompositionName {
			continue
		}
		peers = append(peers, a.ID)
	}
	return map[string]interface{}{"peers": peers}, nil
}

// workerLoop drains an agent's queue until ctx is cancelled on
// terminate. Completion requests are dispatched by id elsewhere
// (internal/completion); this loop only fans out peer/admin traffic.
func (r *Registry) workerLoop(ctx context.Context, a *Agent) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-a.queue:
			if !ok {
				return
			}
			r.dispatcher.Emit(ctx, fmt.Sprintf("agent:%s:inbox", a.ID), map[string]interface{}{
				"kind":    msg.Kind,
				"from_id": msg.FromID,
				"event":   msg.Event,
				"payload": msg.Payload,
			}, envelope.Context{AgentID: a.ID})
		}
	}
}

func agentProperties(a *Agent) map[string]interface{} {
	return map[string]interface{}{
		"status":             string(a.Status),
		"session_id":         a.SessionID,
		"permission_profile": a.PermissionProfile,
		"sandbox_dir":        a.SandboxDir,
		"composition_name":   a.CompositionName,
		"composed_prompt":    a.ComposedPrompt,
	}
}
