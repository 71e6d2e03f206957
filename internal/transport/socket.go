// Package transport implements the daemon's client-facing wire: a Unix
// domain socket carrying newline-delimited JSON envelopes, one
// connection per client, with a bounded outbound queue per connection.
// Inbound frames are not queued: each is handed to the frame handler
// in receive order as it is read.
package transport

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sync"

	"github.com/google/uuid"

	"github.com/tenzoki/ksid/internal/envelope"
)

// DefaultQueueDepth bounds the outbound buffer kept per connection
// before frames are dropped with a warning, per spec.md §5.
const DefaultQueueDepth = 256

// Inbound is delivered to the server's handler for every frame a
// client sends.
type Inbound struct {
	ClientID string
	Envelope *envelope.Envelope
}

// Server accepts connections on a Unix domain socket and frames
// newline-delimited JSON in both directions.
type Server struct {
	path       string
	queueDepth int
	log        *slog.Logger

	listener net.Listener

	mu    sync.Mutex
	conns map[string]*connection
}

func NewServer(path string, queueDepth int, log *slog.Logger) *Server {
	if queueDepth <= 0 {
		queueDepth = DefaultQueueDepth
	}
	if log == nil {
		log = slog.Default()
	}
	return &Server{path: path, queueDepth: queueDepth, log: log, conns: make(map[string]*connection)}
}

// Serve accepts connections until ctx is cancelled. onFrame is invoked
// for every well-formed inbound envelope; onBadFrame for malformed
// JSON (the connection stays open per spec.md §4.1).
func (s *Server) Serve(ctx context.Context, onFrame func(Inbound), onBadFrame func(clientID string, raw []byte, err error)) error {
	_ = os.Remove(s.path)
	listener, err := net.Listen("unix", s.path)
	if err != nil {
		return fmt.Errorf("transport: listen %s: %w", s.path, err)
	}
	s.listener = listener

	go func() {
		<-ctx.Done()
		_ = listener.Close()
	}()

	for {
		conn, err := listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return fmt.Errorf("transport: accept: %w", err)
			}
		}
		c := s.register(conn)
		go c.readLoop(ctx, onFrame, onBadFrame)
		go c.writeLoop(ctx)
	}
}

func (s *Server) register(conn net.Conn) *connection {
	c := &connection{
		id:      uuid.New().String(),
		conn:    conn,
		out:     make(chan *envelope.Envelope, s.queueDepth),
		log:     s.log,
		server:  s,
	}
	s.mu.Lock()
	s.conns[c.id] = c
	s.mu.Unlock()
	return c
}

func (s *Server) unregister(id string) {
	s.mu.Lock()
	delete(s.conns, id)
	s.mu.Unlock()
}

// Send queues an envelope for delivery to one client, dropping it with
// a logged warning if that client's outbound queue is full.
func (s *Server) Send(clientID string, env *envelope.Envelope) bool {
	s.mu.Lock()
	c, ok := s.conns[clientID]
	s.mu.Unlock()
	if !ok {
		return false
	}
	return c.enqueue(env)
}

// Broadcast queues an envelope for every connected client.
func (s *Server) Broadcast(env *envelope.Envelope) {
	s.mu.Lock()
	conns := make([]*connection, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()
	for _, c := range conns {
		c.enqueue(env)
	}
}

func (s *Server) Close() error {
	if s.listener != nil {
		return s.listener.Close()
	}
	return nil
}

type connection struct {
	id     string
	conn   net.Conn
	out    chan *envelope.Envelope
	log    *slog.Logger
	server *Server
}

func (c *connection) enqueue(env *envelope.Envelope) bool {
	select {
	case c.out <- env:
		return true
	default:
		c.log.Warn("transport: outbound queue full, dropping frame", "client_id", c.id, "event", env.Event)
		return false
	}
}

func (c *connection) readLoop(ctx context.Context, onFrame func(Inbound), onBadFrame func(string, []byte, error)) {
	defer c.close()
	scanner := bufio.NewScanner(c.conn)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		env, err := envelope.FromJSON(line, c.id)
		if err != nil {
			raw := append([]byte(nil), line...)
			if onBadFrame != nil {
				onBadFrame(c.id, raw, err)
			}
			continue
		}
		if onFrame != nil {
			onFrame(Inbound{ClientID: c.id, Envelope: env})
		}
	}
}

func (c *connection) writeLoop(ctx context.Context) {
	enc := json.NewEncoder(c.conn)
	for {
		select {
		case <-ctx.Done():
			return
		case env, ok := <-c.out:
			if !ok {
				return
			}
			if err := enc.Encode(env); err != nil {
				c.log.Warn("transport: write failed, closing connection", "client_id", c.id, "error", err)
				c.close()
				return
			}
		}
	}
}

func (c *connection) close() {
	c.server.unregister(c.id)
	_ = c.conn.Close()
}
