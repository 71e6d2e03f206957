// Package daemon wires the transport, dispatcher, monitor, relational
// store, routing core, agent registry, completion subsystem, and
// tool-use extractor into one running process, grounded on cellorg's
// embedded-orchestrator wiring pattern.
package daemon

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/tenzoki/ksid/internal/agent"
	"github.com/tenzoki/ksid/internal/completion"
	"github.com/tenzoki/ksid/internal/config"
	"github.com/tenzoki/ksid/internal/dispatcher"
	"github.com/tenzoki/ksid/internal/envelope"
	"github.com/tenzoki/ksid/internal/kv"
	"github.com/tenzoki/ksid/internal/monitor"
	"github.com/tenzoki/ksid/internal/relstore"
	"github.com/tenzoki/ksid/internal/routing"
	"github.com/tenzoki/ksid/internal/runtimeconfig"
	"github.com/tenzoki/ksid/internal/storage"
	"github.com/tenzoki/ksid/internal/tokenbudget"
	"github.com/tenzoki/ksid/internal/tokencount"
	"github.com/tenzoki/ksid/internal/toolext"
	"github.com/tenzoki/ksid/internal/transport"
	"github.com/tenzoki/ksid/internal/vfs"
)

// Daemon is the assembled, running system.
type Daemon struct {
	cfg *config.Config
	log *slog.Logger

	backing storage.Store
	Dispatcher *dispatcher.Dispatcher
	Monitor    *monitor.Log
	RelStore   *relstore.Store
	Routing    *routing.Engine
	Agents     *agent.Registry
	Completion *completion.Manager
	RuntimeCfg *runtimeconfig.Store
	Transport  *transport.Server

	startTime time.Time
}

// New assembles every subsystem in-process but does not yet start
// accepting connections; call Run for that.
func New(cfg *config.Config, log *slog.Logger) (*Daemon, error) {
	if log == nil {
		log = slog.Default()
	}

	backing, err := storage.NewBadgerStore(storage.DefaultConfig(cfg.Store.Dir))
	if err != nil {
		return nil, fmt.Errorf("daemon: open store: %w", err)
	}

	d := dispatcher.New()
	mon := monitor.New(backing)
	store := relstore.New(backing)
	routingEngine := routing.NewEngine(d, store, cfg.Routing.MaxDepth)
	sandbox, err := vfs.NewManager(filepath.Join(cfg.Store.Dir, "sandboxes"))
	if err != nil {
		return nil, fmt.Errorf("daemon: init sandbox manager: %w", err)
	}
	resolver := agent.NewStaticResolver()
	agents := agent.NewRegistry(d, store, resolver, sandbox)

	counter, err := tokencount.NewCounter(tokencount.Config{Provider: "anthropic", Model: "claude-sonnet-4-5-20250929"})
	if err != nil {
		return nil, fmt.Errorf("daemon: init token counter: %w", err)
	}
	budget := tokenbudget.NewManager(counter)
	provider := completion.NewSubprocessProvider(cfg.Completion.ProviderBin)
	completionMgr := completion.NewManager(d, provider, counter, budget, cfg.Completion.PoolSize)

	cfgKV := kv.New(backing, "cfg")
	runtimeCfg := runtimeconfig.New(cfgKV, runtimeconfig.Limits{
		ConnectionQueueDepth: cfg.Resources.ConnectionQueueDepth,
		AgentQueueDepth:      cfg.Resources.AgentQueueDepth,
		CompletionPoolSize:   cfg.Completion.PoolSize,
		MaxTraversalDepth:    relstore.MaxTraverseDepth,
		MaxRoutingDepth:      cfg.Routing.MaxDepth,
	})

	srv := transport.NewServer(cfg.Socket.Path, cfg.Resources.ConnectionQueueDepth, log)

	daemon := &Daemon{
		cfg:        cfg,
		log:        log,
		backing:    backing,
		Dispatcher: d,
		Monitor:    mon,
		RelStore:   store,
		Routing:    routingEngine,
		Agents:     agents,
		Completion: completionMgr,
		RuntimeCfg: runtimeCfg,
		Transport:  srv,
	}

	monitorHandlers := monitor.NewHandlers(mon, d)

	relstore.NewHandlers(store, d).Register()
	routingEngine.Start()
	routingEngine.RegisterHandlers()
	agents.Register()
	completionMgr.Register()
	runtimeCfg.Register(d)
	monitorHandlers.Register()
	daemon.registerSystemHandlers()

	// The routing engine owns a parent_scope reverse index that must
	// hear about every entity deletion, regardless of which handler
	// performed it.
	d.On("state:entity:deleted", 10, func(ctx context.Context, env *envelope.Envelope) (interface{}, error) {
		var body struct {
			ID string `json:"id"`
		}
		if err := env.DataAs(&body); err == nil {
			routingEngine.OnEntityDeleted(body.ID)
		}
		return nil, nil
	})

	// toolext-extracted envelopes re-enter the bus exactly like any
	// other emission.
	d.On("completion:result", 5, func(ctx context.Context, env *envelope.Envelope) (interface{}, error) {
		var result completion.Result
		if err := env.DataAs(&result); err != nil || result.Response == "" {
			return nil, nil
		}
		for _, ex := range toolext.Extract(result.Response, result.AgentID) {
			d.EmitEnvelope(ctx, ex.Envelope)
		}
		return nil, nil
	})

	// Every emission is journaled regardless of handler outcome, then
	// pushed to any client subscribed via monitor:subscribe.
	d.On("*", -1000, func(ctx context.Context, env *envelope.Envelope) (interface{}, error) {
		if err := mon.Record(env); err != nil {
			return nil, err
		}
		monitorHandlers.Notify(env, func(clientID string, e *envelope.Envelope) {
			srv.Send(clientID, e)
		})
		return nil, nil
	})

	return daemon, nil
}

func (d *Daemon) registerSystemHandlers() {
	d.startTime = time.Now().UTC()
	d.Dispatcher.On("system:health", 0, func(ctx context.Context, env *envelope.Envelope) (interface{}, error) {
		return map[string]interface{}{
			"status":     "ok",
			"uptime_s":   time.Since(d.startTime).Seconds(),
			"store_info": d.backing.Info(),
		}, nil
	})
	d.Dispatcher.On("system:shutdown", 0, func(ctx context.Context, env *envelope.Envelope) (interface{}, error) {
		go func() {
			time.Sleep(50 * time.Millisecond)
			_ = d.Close()
		}()
		return map[string]interface{}{"shutting_down": true}, nil
	})
	d.Dispatcher.On("system:context", 0, func(ctx context.Context, env *envelope.Envelope) (interface{}, error) {
		return map[string]interface{}{"client_id": env.KsiCtx.ClientID, "agent_id": env.KsiCtx.AgentID}, nil
	})
	d.Dispatcher.On("admin:identify", 0, func(ctx context.Context, env *envelope.Envelope) (interface{}, error) {
		return map[string]interface{}{"role": "admin", "client_id": env.KsiCtx.ClientID}, nil
	})
}

// Run starts the transport server and the monitor's retention loop,
// blocking until ctx is cancelled.
func (d *Daemon) Run(ctx context.Context) error {
	go d.Monitor.StartRetention(ctx, monitor.RetentionPolicy{
		MaxAge:  time.Duration(d.cfg.Monitor.RetentionMaxAgeSeconds) * time.Second,
		MaxKeys: d.cfg.Monitor.RetentionMaxKeys,
	}, time.Duration(d.cfg.Monitor.TrimIntervalSeconds)*time.Second)

	return d.Transport.Serve(ctx,
		func(in transport.Inbound) {
			ctx := in.Envelope.KsiCtx
			ctx.ClientID = in.ClientID
			_, results, err := d.Dispatcher.Emit(context.Background(), in.Envelope.Event, json.RawMessage(in.Envelope.Data), ctx)
			if err != nil {
				d.log.Warn("daemon: emit failed", "event", in.Envelope.Event, "error", err)
				return
			}
			reply, replyErr := envelope.NewReply(in.Envelope.Event+":reply", results, in.Envelope.ID)
			if replyErr == nil {
				d.Transport.Send(in.ClientID, reply)
			}
		},
		func(clientID string, raw []byte, err error) {
			d.log.Warn("transport: bad frame", "client_id", clientID, "error", err)
			d.Dispatcher.Emit(context.Background(), "transport:bad_frame", map[string]interface{}{
				"client_id": clientID, "error": err.Error(),
			}, envelope.Context{ClientID: clientID})
		},
	)
}

// Close tears down the daemon's owned resources.
func (d *Daemon) Close() error {
	_ = d.Transport.Close()
	return d.backing.Close()
}
