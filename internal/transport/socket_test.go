package transport

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tenzoki/ksid/internal/envelope"
)

func startTestServer(t *testing.T, onFrame func(Inbound), onBadFrame func(string, []byte, error)) (*Server, string, context.CancelFunc) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ksid.sock")
	s := NewServer(path, 4, nil)
	ctx, cancel := context.WithCancel(context.Background())

	ready := make(chan struct{})
	go func() {
		close(ready)
		_ = s.Serve(ctx, onFrame, onBadFrame)
	}()
	<-ready
	require.Eventually(t, func() bool {
		conn, err := net.Dial("unix", path)
		if err != nil {
			return false
		}
		conn.Close()
		return true
	}, 2*time.Second, 10*time.Millisecond)

	t.Cleanup(func() {
		cancel()
		s.Close()
	})
	return s, path, cancel
}

func TestServer_DeliversWellFormedFrame(t *testing.T) {
	received := make(chan Inbound, 1)
	_, path, _ := startTestServer(t, func(in Inbound) { received <- in }, nil)

	conn, err := net.Dial("unix", path)
	require.NoError(t, err)
	defer conn.Close()

	env, err := envelope.New("ping", map[string]string{"hello": "world"}, envelope.Context{})
	require.NoError(t, err)
	data, err := json.Marshal(env)
	require.NoError(t, err)
	_, err = conn.Write(append(data, '\n'))
	require.NoError(t, err)

	select {
	case in := <-received:
		assert.Equal(t, "ping", in.Envelope.Event)
		assert.NotEmpty(t, in.ClientID)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for frame")
	}
}

func TestServer_MalformedFrameCallsOnBadFrameAndKeepsConnectionOpen(t *testing.T) {
	var mu sync.Mutex
	var badFrames int
	received := make(chan Inbound, 1)

	_, path, _ := startTestServer(t, func(in Inbound) { received <- in }, func(clientID string, raw []byte, err error) {
		mu.Lock()
		badFrames++
		mu.Unlock()
	})

	conn, err := net.Dial("unix", path)
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write([]byte("not json at all\n"))
	require.NoError(t, err)

	env, err := envelope.New("still_alive", nil, envelope.Context{})
	require.NoError(t, err)
	data, err := json.Marshal(env)
	require.NoError(t, err)
	_, err = conn.Write(append(data, '\n'))
	require.NoError(t, err)

	select {
	case in := <-received:
		assert.Equal(t, "still_alive", in.Envelope.Event)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for post-malformed frame")
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, badFrames)
}

func TestServer_SendDeliversToMatchingClient(t *testing.T) {
	clientIDs := make(chan string, 1)
	s, path, _ := startTestServer(t, func(in Inbound) { clientIDs <- in.ClientID }, nil)

	conn, err := net.Dial("unix", path)
	require.NoError(t, err)
	defer conn.Close()

	greet, err := envelope.New("hello", nil, envelope.Context{})
	require.NoError(t, err)
	data, err := json.Marshal(greet)
	require.NoError(t, err)
	_, err = conn.Write(append(data, '\n'))
	require.NoError(t, err)

	// The greeting frame reveals the id the server assigned this client.
	var clientID string
	select {
	case clientID = <-clientIDs:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for greeting frame")
	}

	out, err := envelope.New("server:push", map[string]string{"k": "v"}, envelope.Context{})
	require.NoError(t, err)
	assert.True(t, s.Send(clientID, out))

	reader := bufio.NewReader(conn)
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	line, err := reader.ReadBytes('\n')
	require.NoError(t, err)

	var got envelope.Envelope
	require.NoError(t, json.Unmarshal(line, &got))
	assert.Equal(t, "server:push", got.Event)
}

func TestServer_SendToUnknownClientReturnsFalse(t *testing.T) {
	s, _, _ := startTestServer(t, func(in Inbound) {}, nil)
	env, err := envelope.New("x", nil, envelope.Context{})
	require.NoError(t, err)
	assert.False(t, s.Send("nonexistent-client", env))
}
