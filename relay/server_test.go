package relay

import (
	"context"
	"encoding/json"
	"log/slog"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ajessitech/figmacopilot-sub001/config"
	"github.com/ajessitech/figmacopilot-sub001/metric"
	"github.com/ajessitech/figmacopilot-sub001/protocol"
)

func testServerConfig() *config.Config {
	cfg := config.Default()
	cfg.Server.Host = "127.0.0.1"
	cfg.Server.Port = 0
	cfg.ToolCalls.Timeout = 150 * time.Millisecond
	cfg.Metrics.Enabled = false
	return cfg
}

func startTestServer(t *testing.T, cfg *config.Config) *Server {
	t.Helper()
	srv := NewServer(cfg, slog.Default(), metric.NewMetricsRegistry())
	require.NoError(t, srv.Initialize())
	require.NoError(t, srv.Start(context.Background()))
	t.Cleanup(func() { _ = srv.Stop(2 * time.Second) })
	return srv
}

func dialTestServer(t *testing.T, srv *Server) *websocket.Conn {
	t.Helper()
	ws, _, err := websocket.DefaultDialer.Dial("ws://"+srv.Addr()+"/", nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ws.Close() })
	return ws
}

func sendEnvelope(t *testing.T, ws *websocket.Conn, env *protocol.Envelope) {
	t.Helper()
	data, err := env.Encode()
	require.NoError(t, err)
	require.NoError(t, ws.WriteMessage(websocket.TextMessage, data))
}

func readEnvelope(t *testing.T, ws *websocket.Conn) *protocol.Envelope {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := ws.ReadMessage()
	require.NoError(t, err)
	env, err := protocol.Parse(data)
	require.NoError(t, err)
	return env
}

// joinPair connects both parties to a channel and drains the peer_joined
// notices.
func joinPair(t *testing.T, srv *Server, channel string) (frontend, backend *websocket.Conn) {
	t.Helper()
	frontend = dialTestServer(t, srv)
	backend = dialTestServer(t, srv)

	sendEnvelope(t, frontend, &protocol.Envelope{
		Type: protocol.TypeJoin, Role: protocol.RoleFrontend, Channel: channel,
	})
	sendEnvelope(t, backend, &protocol.Envelope{
		Type: protocol.TypeJoin, Role: protocol.RoleBackend, Channel: channel,
	})

	for _, ws := range []*websocket.Conn{frontend, backend} {
		env := readEnvelope(t, ws)
		require.Equal(t, protocol.TypeSystem, env.Type)
		require.Equal(t, protocol.EventPeerJoined, env.Event)
	}
	return frontend, backend
}

func TestEndToEndPromptAndStream(t *testing.T) {
	srv := startTestServer(t, testServerConfig())
	frontend, backend := joinPair(t, srv, "session-1")

	sendEnvelope(t, frontend, &protocol.Envelope{
		Type: protocol.TypeUserPrompt, Text: "add a button",
	})
	env := readEnvelope(t, backend)
	assert.Equal(t, protocol.TypeUserPrompt, env.Type)
	assert.Equal(t, "add a button", env.Text)

	// Streamed answer: two chunks then a final, delivered in order.
	for _, text := range []string{"Sure", ", done."} {
		sendEnvelope(t, backend, &protocol.Envelope{
			Type: protocol.TypeAgentResponseChunk, ResponseID: "r1", Text: text,
		})
	}
	sendEnvelope(t, backend, &protocol.Envelope{
		Type: protocol.TypeAgentResponse, ResponseID: "r1", Text: "Sure, done.", IsFinal: true,
	})

	assert.Equal(t, "Sure", readEnvelope(t, frontend).Text)
	assert.Equal(t, ", done.", readEnvelope(t, frontend).Text)
	final := readEnvelope(t, frontend)
	assert.Equal(t, protocol.TypeAgentResponse, final.Type)
	assert.True(t, final.IsFinal)
}

func TestEndToEndToolCallRoundTrip(t *testing.T) {
	srv := startTestServer(t, testServerConfig())
	frontend, backend := joinPair(t, srv, "session-1")

	sendEnvelope(t, backend, &protocol.Envelope{
		Type: protocol.TypeToolCall, ID: "call-1", Command: "create_frame",
		Params: json.RawMessage(`{"width":200,"height":100}`),
	})

	call := readEnvelope(t, frontend)
	require.Equal(t, protocol.TypeToolCall, call.Type)
	assert.Equal(t, "call-1", call.ID)
	assert.Equal(t, "create_frame", call.Command)

	sendEnvelope(t, frontend, &protocol.Envelope{
		Type: protocol.TypeToolResponse, ID: "call-1",
		Result: json.RawMessage(`{"node_id":"12:34"}`),
	})

	resp := readEnvelope(t, backend)
	assert.Equal(t, protocol.TypeToolResponse, resp.Type)
	assert.Equal(t, "call-1", resp.ID)
	assert.JSONEq(t, `{"node_id":"12:34"}`, string(resp.Result))
}

func TestEndToEndToolCallTimeout(t *testing.T) {
	srv := startTestServer(t, testServerConfig())
	frontend, backend := joinPair(t, srv, "session-1")

	sendEnvelope(t, backend, &protocol.Envelope{
		Type: protocol.TypeToolCall, ID: "call-1", Command: "get_selection",
	})
	readEnvelope(t, frontend) // frontend receives the call but never answers

	// The relay synthesizes a timeout result toward the backend.
	resp := readEnvelope(t, backend)
	require.Equal(t, protocol.TypeToolResponse, resp.Type)
	assert.Equal(t, "call-1", resp.ID)

	var payload map[string]string
	require.NoError(t, json.Unmarshal(resp.Error, &payload))
	assert.Equal(t, "timeout", payload["kind"])

	// The late real response is dropped: the backend sees nothing further.
	sendEnvelope(t, frontend, &protocol.Envelope{
		Type: protocol.TypeToolResponse, ID: "call-1",
		Result: json.RawMessage(`{"late":true}`),
	})
	require.NoError(t, backend.SetReadDeadline(time.Now().Add(300*time.Millisecond)))
	_, _, err := backend.ReadMessage()
	assert.Error(t, err)
}

func TestEndToEndMalformedFrameKeepsConnection(t *testing.T) {
	srv := startTestServer(t, testServerConfig())
	frontend, backend := joinPair(t, srv, "session-1")

	require.NoError(t, frontend.WriteMessage(websocket.TextMessage, []byte("{not json")))

	env := readEnvelope(t, frontend)
	assert.Equal(t, protocol.TypeError, env.Type)
	assert.Equal(t, protocol.CodeProtocolError, env.Code)

	// Still joined and forwarding.
	sendEnvelope(t, frontend, &protocol.Envelope{
		Type: protocol.TypeUserPrompt, Text: "still here",
	})
	assert.Equal(t, "still here", readEnvelope(t, backend).Text)
}

func TestEndToEndPeerUnavailable(t *testing.T) {
	srv := startTestServer(t, testServerConfig())

	frontend := dialTestServer(t, srv)
	sendEnvelope(t, frontend, &protocol.Envelope{
		Type: protocol.TypeJoin, Role: protocol.RoleFrontend, Channel: "lonely",
	})

	sendEnvelope(t, frontend, &protocol.Envelope{
		Type: protocol.TypeUserPrompt, Text: "anyone there?",
	})

	env := readEnvelope(t, frontend)
	assert.Equal(t, protocol.TypeError, env.Type)
	assert.Equal(t, protocol.CodePeerUnavailable, env.Code)
}

func TestEndToEndEviction(t *testing.T) {
	srv := startTestServer(t, testServerConfig())
	frontend, backend := joinPair(t, srv, "session-1")

	replacement := dialTestServer(t, srv)
	sendEnvelope(t, replacement, &protocol.Envelope{
		Type: protocol.TypeJoin, Role: protocol.RoleBackend, Channel: "session-1",
	})

	// The incumbent gets a closing notice, then the socket dies.
	notice := readEnvelope(t, backend)
	assert.Equal(t, protocol.TypeSystem, notice.Type)
	assert.Equal(t, protocol.EventClosing, notice.Event)
	assert.Equal(t, protocol.CloseRoleReplaced, notice.Reason)

	require.NoError(t, backend.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := backend.ReadMessage()
	assert.Error(t, err)

	// The replacement is paired with the surviving frontend.
	env := readEnvelope(t, replacement)
	assert.Equal(t, protocol.EventPeerJoined, env.Event)

	sendEnvelope(t, frontend, &protocol.Envelope{
		Type: protocol.TypeUserPrompt, Text: "hello new backend",
	})
	assert.Equal(t, "hello new backend", readEnvelope(t, replacement).Text)
}

func TestEndToEndPeerDisconnectNotice(t *testing.T) {
	srv := startTestServer(t, testServerConfig())
	frontend, backend := joinPair(t, srv, "session-1")

	require.NoError(t, frontend.Close())

	env := readEnvelope(t, backend)
	assert.Equal(t, protocol.TypeSystem, env.Type)
	assert.Equal(t, protocol.EventPeerDisconnected, env.Event)
}

func TestServerShutdownNotifiesClients(t *testing.T) {
	srv := startTestServer(t, testServerConfig())
	frontend, _ := joinPair(t, srv, "session-1")

	require.NoError(t, srv.Stop(2*time.Second))

	env := readEnvelope(t, frontend)
	assert.Equal(t, protocol.EventClosing, env.Event)
	assert.Equal(t, protocol.CloseServerShutdown, env.Reason)
}

func TestServerLifecycle(t *testing.T) {
	srv := NewServer(testServerConfig(), slog.Default(), nil)

	// Start before Initialize fails.
	require.Error(t, srv.Start(context.Background()))

	require.NoError(t, srv.Initialize())
	require.NoError(t, srv.Start(context.Background()))

	// Double start fails.
	require.Error(t, srv.Start(context.Background()))

	meta := srv.Meta()
	assert.Equal(t, "relay", meta.Name)
	assert.True(t, srv.Health().Healthy)

	require.NoError(t, srv.Stop(2*time.Second))
	assert.False(t, srv.Health().Healthy)

	// Stop again is a no-op.
	require.NoError(t, srv.Stop(2*time.Second))
}

func TestEndToEndRepeatedJoinIgnored(t *testing.T) {
	srv := startTestServer(t, testServerConfig())
	frontend, backend := joinPair(t, srv, "session-1")

	// A client racing its own startup may resend the join; the relay treats
	// the repeat as a no-op instead of an error.
	sendEnvelope(t, frontend, &protocol.Envelope{
		Type: protocol.TypeJoin, Role: protocol.RoleFrontend, Channel: "session-1",
	})
	sendEnvelope(t, frontend, &protocol.Envelope{
		Type: protocol.TypeUserPrompt, Text: "still here",
	})

	env := readEnvelope(t, backend)
	assert.Equal(t, protocol.TypeUserPrompt, env.Type)
	assert.Equal(t, "still here", env.Text)

	// Per-connection FIFO means an error for the repeated join would arrive
	// before the backend's reply; the reply coming first proves there was
	// none.
	sendEnvelope(t, backend, &protocol.Envelope{
		Type: protocol.TypeAgentResponse, ResponseID: "r1", Text: "ok", IsFinal: true,
	})
	reply := readEnvelope(t, frontend)
	assert.Equal(t, protocol.TypeAgentResponse, reply.Type)
}
