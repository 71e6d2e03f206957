// Package dispatcher implements the event bus at the center of the
// daemon: name-pattern subscriptions, priority-ordered delivery, and a
// correlation-id keyed pending-future table for request/reply style
// calls across agents.
package dispatcher

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/tenzoki/ksid/internal/envelope"
)

var tracer = otel.Tracer("ksid/dispatcher")

// Handler processes one envelope and optionally returns a result value.
// The value, or a returned error wrapped as a HandlerError, is recorded
// in that handler's Result; an error never stops delivery to other
// handlers. Call does not see handler results: it returns only the
// correlated reply envelope.
type Handler func(ctx context.Context, env *envelope.Envelope) (interface{}, error)

// HandlerError is the shape returned to callers when a handler fails,
// grounded on cellorg's BrokerError code/message/details triple.
type HandlerError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}

func (e *HandlerError) Error() string { return e.Message }

const (
	CodeHandlerPanic   = -32000
	CodeHandlerFailed  = -32001
	CodeNoSubscribers  = -32002
	CodeCallTimeout    = -32003
)

type subscription struct {
	id       uint64
	pattern  string
	priority int
	seq      uint64
	handler  Handler
}

// Result is one handler's outcome for a single emitted envelope.
type Result struct {
	SubscriptionID uint64      `json:"-"`
	Pattern        string      `json:"pattern"`
	Value          interface{} `json:"value,omitempty"`
	Err            *HandlerError `json:"error,omitempty"`
}

// DefaultCallTimeout bounds how long Call waits for a matching reply
// before returning a timeout error.
const DefaultCallTimeout = 30 * time.Second

type pendingCall struct {
	replyCh chan *envelope.Envelope
}

// Dispatcher is the daemon's in-process event bus.
type Dispatcher struct {
	mu    sync.RWMutex
	subs  []*subscription
	nextID uint64
	nextSeq uint64

	pendingMu sync.Mutex
	pending   map[string]*pendingCall
}

func New() *Dispatcher {
	return &Dispatcher{pending: make(map[string]*pendingCall)}
}

// On registers handler for event names matching pattern. Patterns are
// either a literal event name, a trailing-"*" prefix (e.g.
// "state:entity:*"), or the single wildcard "*" matching everything.
// Higher priority runs first; ties run in registration order.
func (d *Dispatcher) On(pattern string, priority int, handler Handler) uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	d.nextSeq++
	sub := &subscription{id: d.nextID, pattern: pattern, priority: priority, seq: d.nextSeq, handler: handler}
	d.subs = append(d.subs, sub)
	sort.SliceStable(d.subs, func(i, j int) bool {
		if d.subs[i].priority != d.subs[j].priority {
			return d.subs[i].priority > d.subs[j].priority
		}
		return d.subs[i].seq < d.subs[j].seq
	})
	return sub.id
}

// Off removes a subscription by id. A no-op if the id is unknown.
func (d *Dispatcher) Off(id uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i, sub := range d.subs {
		if sub.id == id {
			d.subs = append(d.subs[:i], d.subs[i+1:]...)
			return
		}
	}
}

func patternMatches(pattern, event string) bool {
	if pattern == "*" {
		return true
	}
	if strings.HasSuffix(pattern, "*") {
		return strings.HasPrefix(event, strings.TrimSuffix(pattern, "*"))
	}
	return pattern == event
}

func (d *Dispatcher) matching(event string) []*subscription {
	d.mu.RLock()
	defer d.mu.RUnlock()
	var matched []*subscription
	for _, sub := range d.subs {
		if patternMatches(sub.pattern, event) {
			matched = append(matched, sub)
		}
	}
	return matched
}

// Emit delivers data as an envelope for event to every matching
// subscriber in priority order, isolating each handler's panics and
// errors so one failure never blocks another subscriber.
func (d *Dispatcher) Emit(ctx context.Context, event string, data interface{}, ksiCtx envelope.Context) (*envelope.Envelope, []Result, error) {
	env, err := envelope.New(event, data, ksiCtx)
	if err != nil {
		return nil, nil, err
	}
	return env, d.deliver(ctx, env), nil
}

// EmitEnvelope delivers an already-constructed envelope, used for
// routed/re-emitted messages that must preserve an existing id.
func (d *Dispatcher) EmitEnvelope(ctx context.Context, env *envelope.Envelope) []Result {
	return d.deliver(ctx, env)
}

func (d *Dispatcher) deliver(ctx context.Context, env *envelope.Envelope) []Result {
	ctx, span := tracer.Start(ctx, "dispatcher.emit", trace.WithAttributes(
		attribute.String("ksid.event", env.Event),
		attribute.String("ksid.envelope_id", env.ID),
	))
	defer span.End()

	d.resolvePending(env)

	matched := d.matching(env.Event)
	if len(matched) == 0 {
		return nil
	}
	results := make([]Result, 0, len(matched))
	for _, sub := range matched {
		results = append(results, d.invoke(ctx, sub, env))
	}
	return results
}

func (d *Dispatcher) invoke(ctx context.Context, sub *subscription, env *envelope.Envelope) (result Result) {
	result = Result{SubscriptionID: sub.id, Pattern: sub.pattern}
	defer func() {
		if r := recover(); r != nil {
			result.Err = &HandlerError{Code: CodeHandlerPanic, Message: "handler panicked", Details: fmt.Sprint(r)}
		}
	}()
	value, err := sub.handler(ctx, env)
	if err != nil {
		result.Err = &HandlerError{Code: CodeHandlerFailed, Message: err.Error()}
		return result
	}
	result.Value = value
	return result
}

// Call emits an envelope and blocks for a correlated reply (an
// envelope whose _ksi_context.correlation_id equals the request's id),
// honoring ctx cancellation and falling back to timeout (or
// DefaultCallTimeout when timeout <= 0).
func (d *Dispatcher) Call(ctx context.Context, event string, data interface{}, ksiCtx envelope.Context, timeout time.Duration) (*envelope.Envelope, error) {
	if timeout <= 0 {
		timeout = DefaultCallTimeout
	}
	env, err := envelope.New(event, data, ksiCtx)
	if err != nil {
		return nil, err
	}
	correlationID := env.ID
	env.KsiCtx.CorrelationID = correlationID

	pc := &pendingCall{replyCh: make(chan *envelope.Envelope, 1)}
	d.pendingMu.Lock()
	d.pending[correlationID] = pc
	d.pendingMu.Unlock()
	defer func() {
		d.pendingMu.Lock()
		delete(d.pending, correlationID)
		d.pendingMu.Unlock()
	}()

	d.deliver(ctx, env)

	select {
	case reply := <-pc.replyCh:
		return reply, nil
	case <-time.After(timeout):
		return nil, &HandlerError{Code: CodeCallTimeout, Message: fmt.Sprintf("call %q timed out waiting on correlation %s", event, correlationID)}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (d *Dispatcher) resolvePending(env *envelope.Envelope) {
	if env.KsiCtx.CorrelationID == "" {
		return
	}
	if env.ID == env.KsiCtx.CorrelationID {
		// The initiating request itself, self-stamped by Call so handlers
		// can read the correlation id; not the reply being waited for.
		return
	}
	d.pendingMu.Lock()
	pc, ok := d.pending[env.KsiCtx.CorrelationID]
	d.pendingMu.Unlock()
	if !ok {
		return
	}
	select {
	case pc.replyCh <- env:
	default:
	}
}
