// Package completion implements the provider-completion subsystem:
// per-key serial request queues, a bounded global worker pool,
// progressive-timeout subprocess attempts, and error classification
// delivered back over completion:result.
package completion

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/tenzoki/ksid/internal/dispatcher"
	"github.com/tenzoki/ksid/internal/envelope"
	"github.com/tenzoki/ksid/internal/tokenbudget"
	"github.com/tenzoki/ksid/internal/tokencount"
)

// DefaultPoolSize bounds global subprocess concurrency across all
// serial per-key queues.
const DefaultPoolSize = 4

// Request is one completion request, serialized per SerialKey.
type Request struct {
	RequestID       string   `json:"request_id"`
	SessionID       string   `json:"session_id,omitempty"`
	AgentID         string   `json:"agent_id,omitempty"`
	ClientID        string   `json:"client_id,omitempty"`
	Prompt          string   `json:"prompt"`
	Model           string   `json:"model"`
	AllowedTools    []string `json:"allowed_tools,omitempty"`
	DisallowedTools []string `json:"disallowed_tools,omitempty"`
	MaxTurns        int      `json:"max_turns,omitempty"`
	Resume          string   `json:"resume,omitempty"`
	TimeoutAttempts []int    `json:"timeout_attempts,omitempty"`
	ProgressTimeout int      `json:"progress_timeout,omitempty"`
	Priority        int      `json:"priority,omitempty"`
}

// SerialKey is the queue a request is processed on: same session or
// same agent never runs two completions concurrently. A request with
// neither gets a queue of its own, keyed by its request id.
func (r *Request) SerialKey() string {
	if r.SessionID != "" {
		return "session:" + r.SessionID
	}
	if r.AgentID != "" {
		return "agent:" + r.AgentID
	}
	return "request:" + r.RequestID
}

// providerMessage is the `--output-format json` shape the provider
// subprocess is expected to print on success: a single assistant
// message whose content array carries the response text blocks.
type providerMessage struct {
	Type    string `json:"type"`
	Message struct {
		Content []struct {
			Text string `json:"text"`
		} `json:"content"`
	} `json:"message"`
}

func (m providerMessage) text() string {
	var out string
	for _, block := range m.Message.Content {
		out += block.Text
	}
	return out
}

// Result is delivered on completion:result.
type Result struct {
	RequestID        string                 `json:"request_id"`
	AgentID          string                 `json:"agent_id,omitempty"`
	ClientID         string                 `json:"client_id,omitempty"`
	SessionID        string                 `json:"session_id,omitempty"`
	Status           string                 `json:"status"`
	Response         string                 `json:"response,omitempty"`
	Usage            map[string]interface{} `json:"usage,omitempty"`
	ProviderMetadata map[string]interface{} `json:"provider_metadata,omitempty"`
	DurationMS       int64                  `json:"duration_ms"`
	Attempts         int                    `json:"attempts"`
	RawStdout        json.RawMessage        `json:"raw_stdout,omitempty"`
	Stderr           string                 `json:"stderr,omitempty"`
	JSONDecodeError  bool                   `json:"json_decode_error,omitempty"`
	Error            *ClassifiedError       `json:"error,omitempty"`
}

// Manager owns the serial queues, the worker pool, and the
// subprocess/token-accounting wiring.
type Manager struct {
	dispatcher *dispatcher.Dispatcher
	provider   Provider
	counter    tokencount.Counter
	budget     *tokenbudget.Manager

	sem chan struct{}

	mu     sync.Mutex
	queues map[string]chan *Request
	active map[string]context.CancelFunc
	status map[string]*statusEntry

	attempts metric.Int64Counter
	outcomes metric.Int64Counter
}

// statusEntry tracks one request's progress through queued -> running
// -> a terminal state, for completion:status to poll without scanning
// the monitor log.
type statusEntry struct {
	status string
	result *Result
}

func NewManager(d *dispatcher.Dispatcher, provider Provider, counter tokencount.Counter, budget *tokenbudget.Manager, poolSize int) *Manager {
	if poolSize <= 0 {
		poolSize = DefaultPoolSize
	}
	meter := otel.Meter("ksid/completion")
	attempts, _ := meter.Int64Counter("ksid.completion.attempts")
	outcomes, _ := meter.Int64Counter("ksid.completion.outcomes")
	return &Manager{
		dispatcher: d,
		provider:   provider,
		counter:    counter,
		budget:     budget,
		sem:        make(chan struct{}, poolSize),
		queues:     make(map[string]chan *Request),
		active:     make(map[string]context.CancelFunc),
		status:     make(map[string]*statusEntry),
		attempts:   attempts,
		outcomes:   outcomes,
	}
}

// Register wires completion:async, completion:status, and
// completion:cancel onto the dispatcher.
func (m *Manager) Register() {
	m.dispatcher.On("completion:async", 0, func(ctx context.Context, env *envelope.Envelope) (interface{}, error) {
		var req Request
		if err := env.DataAs(&req); err != nil {
			return nil, fmt.Errorf("completion:async: %w", err)
		}
		m.Submit(context.Background(), &req)
		return map[string]interface{}{"accepted": true, "request_id": req.RequestID}, nil
	})
	m.dispatcher.On("completion:status", 0, func(ctx context.Context, env *envelope.Envelope) (interface{}, error) {
		var body struct {
			RequestID string `json:"request_id"`
		}
		if err := env.DataAs(&body); err != nil {
			return nil, fmt.Errorf("completion:status: %w", err)
		}
		m.mu.Lock()
		entry, ok := m.status[body.RequestID]
		m.mu.Unlock()
		if !ok {
			return nil, fmt.Errorf("completion:status: %s not found", body.RequestID)
		}
		return map[string]interface{}{"request_id": body.RequestID, "status": entry.status, "result": entry.result}, nil
	})
	m.dispatcher.On("completion:cancel", 0, func(ctx context.Context, env *envelope.Envelope) (interface{}, error) {
		var body struct {
			RequestID string `json:"request_id"`
		}
		if err := env.DataAs(&body); err != nil {
			return nil, fmt.Errorf("completion:cancel: %w", err)
		}
		return map[string]interface{}{"cancelled": m.Cancel(body.RequestID)}, nil
	})
}

// Cancel signals the running subprocess for requestID, if any. The
// attempt loop observes the cancellation and reports status=cancelled.
func (m *Manager) Cancel(requestID string) bool {
	m.mu.Lock()
	cancel, ok := m.active[requestID]
	m.mu.Unlock()
	if !ok {
		return false
	}
	cancel()
	return true
}

// Submit enqueues req onto its serial key's queue, starting that
// queue's consumer goroutine on first use.
func (m *Manager) Submit(ctx context.Context, req *Request) {
	key := req.SerialKey()
	m.mu.Lock()
	queue, ok := m.queues[key]
	if !ok {
		queue = make(chan *Request, 64)
		m.queues[key] = queue
		go m.consume(ctx, key, queue)
	}
	m.status[req.RequestID] = &statusEntry{status: "queued"}
	m.mu.Unlock()
	queue <- req
}

func (m *Manager) consume(ctx context.Context, key string, queue chan *Request) {
	for req := range queue {
		m.mu.Lock()
		if entry, ok := m.status[req.RequestID]; ok {
			entry.status = "running"
		}
		m.mu.Unlock()

		m.sem <- struct{}{}
		result := m.attempt(ctx, req)
		<-m.sem

		m.mu.Lock()
		m.status[req.RequestID] = &statusEntry{status: result.Status, result: result}
		m.mu.Unlock()

		m.dispatcher.Emit(ctx, "completion:result", result, envelope.Context{AgentID: req.AgentID})
	}
}

// attempt runs req through the provider with progressive timeouts,
// retrying only on a retryable (timeout) classification, starting a
// fresh session (dropping --resume) after the first timeout.
func (m *Manager) attempt(ctx context.Context, req *Request) *Result {
	base := Result{RequestID: req.RequestID, AgentID: req.AgentID, ClientID: req.ClientID, SessionID: req.SessionID}

	if m.budget != nil && m.counter != nil {
		if b, err := m.budget.Calculate("", "", req.Prompt); err == nil && b.NeedsSplitting {
			// The caller is responsible for chunking; completion reports
			// the condition rather than silently truncating the prompt.
			base.Status = "error"
			base.Error = &ClassifiedError{Kind: KindLogical, Message: "prompt exceeds provider context window"}
			return &base
		}
	}

	runCtx, cancel := context.WithCancel(ctx)
	m.mu.Lock()
	m.active[req.RequestID] = cancel
	m.mu.Unlock()
	defer func() {
		cancel()
		m.mu.Lock()
		delete(m.active, req.RequestID)
		m.mu.Unlock()
	}()

	started := time.Now()
	resume := req.Resume
	var lastOutcome *RunOutcome
	attempts := 0
	for _, timeout := range req.Timeouts() {
		attempts++
		if m.attempts != nil {
			m.attempts.Add(ctx, 1)
		}
		outcome := m.provider.Run(runCtx, req, timeout, resume)
		lastOutcome = outcome
		base.DurationMS = time.Since(started).Milliseconds()
		base.Attempts = attempts

		classified := classifyOutcome(outcome)
		if classified == nil {
			if m.outcomes != nil {
				m.outcomes.Add(ctx, 1)
			}
			result := base
			result.Status = "completed"
			result.Usage = outcome.Usage
			result.RawStdout = outcome.Stdout
			result.Stderr = outcome.Stderr

			var msg providerMessage
			if err := json.Unmarshal(outcome.Stdout, &msg); err == nil && msg.text() != "" {
				result.Response = msg.text()
				result.ProviderMetadata = map[string]interface{}{"type": msg.Type}
			} else {
				result.JSONDecodeError = true
				result.Response = string(outcome.Stdout)
			}
			return &result
		}
		if classified.Kind == KindCancelled {
			if m.outcomes != nil {
				m.outcomes.Add(ctx, 1)
			}
			result := base
			result.Status = "cancelled"
			result.Error = classified
			return &result
		}
		if !classified.Retryable() {
			if m.outcomes != nil {
				m.outcomes.Add(ctx, 1)
			}
			result := base
			result.Status = "error"
			result.Error = classified
			return &result
		}
		resume = "" // a timed-out attempt's session is abandoned; retry fresh.
	}

	result := base
	result.Status = "error"
	result.Error = classifyOutcome(lastOutcome)
	return &result
}
