package client

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ajessitech/figmacopilot-sub001/config"
	"github.com/ajessitech/figmacopilot-sub001/errors"
	"github.com/ajessitech/figmacopilot-sub001/metric"
	"github.com/ajessitech/figmacopilot-sub001/pkg/retry"
	"github.com/ajessitech/figmacopilot-sub001/protocol"
	"github.com/ajessitech/figmacopilot-sub001/relay"
)

// envelopeSink collects delivered envelopes for assertions.
type envelopeSink struct {
	mu   sync.Mutex
	envs []*protocol.Envelope
}

func (s *envelopeSink) handler(env *protocol.Envelope) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.envs = append(s.envs, env)
}

func (s *envelopeSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.envs)
}

func (s *envelopeSink) at(i int) *protocol.Envelope {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.envs[i]
}

func (s *envelopeSink) waitFor(t *testing.T, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return s.count() >= n },
		2*time.Second, 10*time.Millisecond)
}

func startRelay(t *testing.T) string {
	t.Helper()
	cfg := config.Default()
	cfg.Server.Host = "127.0.0.1"
	cfg.Server.Port = 0
	cfg.Metrics.Enabled = false
	srv := relay.NewServer(cfg, slog.Default(), metric.NewMetricsRegistry())
	require.NoError(t, srv.Initialize())
	require.NoError(t, srv.Start(context.Background()))
	t.Cleanup(func() { _ = srv.Stop(2 * time.Second) })
	return "ws://" + srv.Addr() + "/"
}

func TestDialValidation(t *testing.T) {
	ctx := context.Background()

	_, err := Dial(ctx, "ws://localhost:0/", "", protocol.RoleFrontend, nil)
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))

	_, err = Dial(ctx, "ws://localhost:0/", "ch", protocol.Role("observer"), nil)
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))
}

func TestDialUnreachableFails(t *testing.T) {
	_, err := Dial(context.Background(), "ws://127.0.0.1:1/", "ch", protocol.RoleFrontend, nil,
		WithRetry(retry.Config{MaxAttempts: 2, InitialDelay: 10 * time.Millisecond,
			MaxDelay: 20 * time.Millisecond, Multiplier: 2.0}))
	require.Error(t, err)
}

func TestPromptRoundTrip(t *testing.T) {
	url := startRelay(t)
	ctx := context.Background()

	backendSink := &envelopeSink{}
	backend, err := Dial(ctx, url, "session-1", protocol.RoleBackend, backendSink.handler)
	require.NoError(t, err)
	defer backend.Close()

	frontendSink := &envelopeSink{}
	frontend, err := Dial(ctx, url, "session-1", protocol.RoleFrontend, frontendSink.handler)
	require.NoError(t, err)
	defer frontend.Close()

	// Both sides see the pairing notice.
	backendSink.waitFor(t, 1)
	assert.Equal(t, protocol.EventPeerJoined, backendSink.at(0).Event)

	require.NoError(t, frontend.SendPrompt("make it pop"))

	backendSink.waitFor(t, 2)
	prompt := backendSink.at(1)
	assert.Equal(t, protocol.TypeUserPrompt, prompt.Type)
	assert.Equal(t, "make it pop", prompt.Text)
}

func TestToolCallHelpers(t *testing.T) {
	url := startRelay(t)
	ctx := context.Background()

	frontendSink := &envelopeSink{}
	frontend, err := Dial(ctx, url, "session-1", protocol.RoleFrontend, frontendSink.handler)
	require.NoError(t, err)
	defer frontend.Close()

	backendSink := &envelopeSink{}
	backend, err := Dial(ctx, url, "session-1", protocol.RoleBackend, backendSink.handler)
	require.NoError(t, err)
	defer backend.Close()

	frontendSink.waitFor(t, 1) // peer_joined

	require.NoError(t, backend.SendToolCall("c1", "create_text", json.RawMessage(`{"text":"Hi"}`)))

	frontendSink.waitFor(t, 2)
	call := frontendSink.at(1)
	require.Equal(t, protocol.TypeToolCall, call.Type)
	assert.Equal(t, "c1", call.ID)
	assert.Equal(t, "create_text", call.Command)

	require.NoError(t, frontend.SendToolResponse("c1", json.RawMessage(`{"node_id":"1:2"}`), nil))

	backendSink.waitFor(t, 2)
	resp := backendSink.at(1)
	require.Equal(t, protocol.TypeToolResponse, resp.Type)
	assert.Equal(t, "c1", resp.ID)
	assert.JSONEq(t, `{"node_id":"1:2"}`, string(resp.Result))
}

func TestStreamHelpers(t *testing.T) {
	url := startRelay(t)
	ctx := context.Background()

	frontendSink := &envelopeSink{}
	frontend, err := Dial(ctx, url, "session-1", protocol.RoleFrontend, frontendSink.handler)
	require.NoError(t, err)
	defer frontend.Close()

	backend, err := Dial(ctx, url, "session-1", protocol.RoleBackend, nil)
	require.NoError(t, err)
	defer backend.Close()

	frontendSink.waitFor(t, 1) // peer_joined

	require.NoError(t, backend.SendChunk("r1", "Hel"))
	require.NoError(t, backend.SendChunk("r1", "lo"))
	require.NoError(t, backend.SendFinal("r1", "Hello"))

	frontendSink.waitFor(t, 4)
	assert.Equal(t, "Hel", frontendSink.at(1).Text)
	assert.Equal(t, "lo", frontendSink.at(2).Text)
	final := frontendSink.at(3)
	assert.Equal(t, protocol.TypeAgentResponse, final.Type)
	assert.True(t, final.IsFinal)
}

func TestEvictionStopsClient(t *testing.T) {
	url := startRelay(t)
	ctx := context.Background()

	first, err := Dial(ctx, url, "session-1", protocol.RoleBackend, nil)
	require.NoError(t, err)
	defer first.Close()

	second, err := Dial(ctx, url, "session-1", protocol.RoleBackend, nil)
	require.NoError(t, err)
	defer second.Close()

	// The evicted client must not reconnect and fight the replacement.
	select {
	case <-first.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("evicted client did not stop")
	}
}

func TestSendAfterCloseFails(t *testing.T) {
	url := startRelay(t)

	c, err := Dial(context.Background(), url, "session-1", protocol.RoleFrontend, nil)
	require.NoError(t, err)
	require.NoError(t, c.Close())

	err = c.SendPrompt("too late")
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))

	select {
	case <-c.Done():
	case <-time.After(time.Second):
		t.Fatal("Done not closed after Close")
	}
}

func TestLeaveStopsClientAndNotifiesPeer(t *testing.T) {
	url := startRelay(t)
	ctx := context.Background()

	backendSink := &envelopeSink{}
	backend, err := Dial(ctx, url, "session-1", protocol.RoleBackend, backendSink.handler)
	require.NoError(t, err)
	defer backend.Close()

	frontend, err := Dial(ctx, url, "session-1", protocol.RoleFrontend, nil)
	require.NoError(t, err)
	defer frontend.Close()

	backendSink.waitFor(t, 1) // peer_joined

	require.NoError(t, frontend.Leave())

	backendSink.waitFor(t, 2)
	notice := backendSink.at(1)
	assert.Equal(t, protocol.TypeSystem, notice.Type)
	assert.Equal(t, protocol.EventPeerDisconnected, notice.Event)

	// The relay closes the socket after a leave and the client does not
	// redial.
	select {
	case <-frontend.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("client still running after leave")
	}
	err = frontend.SendPrompt("too late")
	require.Error(t, err)
}
