package client

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ajessitech/figmacopilot-sub001/errors"
	"github.com/ajessitech/figmacopilot-sub001/pkg/retry"
	"github.com/ajessitech/figmacopilot-sub001/protocol"
)

// Handler receives every envelope the relay delivers to this connection,
// including relay-originated error and system notices. It runs on the
// client's read goroutine; blocking in it blocks further delivery.
type Handler func(env *protocol.Envelope)

// Option customizes client construction.
type Option func(*Client)

// WithLogger sets the client logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}

// WithRetry sets the backoff used for the initial dial and reconnects.
func WithRetry(cfg retry.Config) Option {
	return func(c *Client) {
		c.retryCfg = cfg
	}
}

// WithWriteTimeout bounds each outbound frame write.
func WithWriteTimeout(d time.Duration) Option {
	return func(c *Client) {
		c.writeTimeout = d
	}
}

// WithAutoReconnect controls redialing after a transport failure. Enabled by
// default; reconnecting rejoins the same channel and role. The client never
// reconnects after an eviction notice or an explicit Close.
func WithAutoReconnect(enabled bool) Option {
	return func(c *Client) {
		c.autoReconnect = enabled
	}
}

// Client is a relay party connection for either role. It performs the join
// handshake on dial, delivers inbound envelopes to a handler, and redials
// with backoff when the transport fails.
type Client struct {
	url     string
	channel string
	role    protocol.Role
	handler Handler
	logger  *slog.Logger

	retryCfg      retry.Config
	writeTimeout  time.Duration
	autoReconnect bool

	mu sync.Mutex // guards ws and serializes frame writes
	ws *websocket.Conn

	evicted atomic.Bool
	closed  atomic.Bool
	done    chan struct{}
	once    sync.Once
}

// Dial connects to a relay, joins the channel in the given role, and starts
// the receive loop. handler may be nil when the caller only sends.
func Dial(ctx context.Context, url, channel string, role protocol.Role, handler Handler,
	opts ...Option) (*Client, error) {
	if !role.Valid() {
		return nil, errors.WrapInvalid(errors.ErrInvalidEnvelope, "Client", "Dial", "invalid role")
	}
	if channel == "" {
		return nil, errors.WrapInvalid(errors.ErrInvalidEnvelope, "Client", "Dial", "channel is required")
	}

	c := &Client{
		url:           url,
		channel:       channel,
		role:          role,
		handler:       handler,
		logger:        slog.Default(),
		retryCfg:      retry.Persistent(),
		writeTimeout:  10 * time.Second,
		autoReconnect: true,
		done:          make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("component", "client", "channel", channel, "role", role)

	ws, err := c.connect(ctx)
	if err != nil {
		return nil, err
	}

	go c.readLoop(ws)
	return c, nil
}

// connect dials with backoff and performs the join handshake.
func (c *Client) connect(ctx context.Context) (*websocket.Conn, error) {
	ws, err := retry.DoWithResult(ctx, c.retryCfg, func() (*websocket.Conn, error) {
		conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.url, nil)
		return conn, err
	})
	if err != nil {
		return nil, errors.WrapTransient(err, "Client", "connect", "dial relay")
	}

	join := &protocol.Envelope{Type: protocol.TypeJoin, Role: c.role, Channel: c.channel}
	if err := c.writeTo(ws, join); err != nil {
		_ = ws.Close()
		return nil, errors.WrapTransient(err, "Client", "connect", "send join")
	}

	c.mu.Lock()
	c.ws = ws
	c.mu.Unlock()
	return ws, nil
}

// readLoop delivers inbound envelopes and drives reconnection. One loop runs
// per client; a successful reconnect continues in the same goroutine.
func (c *Client) readLoop(ws *websocket.Conn) {
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if !c.shouldReconnect() {
				c.shutdown()
				return
			}
			c.logger.Warn("connection lost, reconnecting", "error", err)
			next, connErr := c.connect(context.Background())
			if connErr != nil {
				c.logger.Error("reconnect failed", "error", connErr)
				c.shutdown()
				return
			}
			ws = next
			continue
		}

		env, err := protocol.Parse(data)
		if err != nil {
			c.logger.Warn("unparseable frame from relay", "error", err)
			continue
		}

		if env.Type == protocol.TypeSystem && env.Event == protocol.EventClosing &&
			env.Reason == protocol.CloseRoleReplaced {
			c.evicted.Store(true)
		}

		if c.handler != nil {
			c.handler(env)
		}
	}
}

func (c *Client) shouldReconnect() bool {
	return c.autoReconnect && !c.closed.Load() && !c.evicted.Load()
}

func (c *Client) shutdown() {
	c.once.Do(func() {
		close(c.done)
	})
	c.mu.Lock()
	ws := c.ws
	c.ws = nil
	c.mu.Unlock()
	if ws != nil {
		_ = ws.Close()
	}
}

// Done closes when the client has stopped reading permanently, whether by
// Close, eviction, or exhausted reconnects.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Send transmits an arbitrary envelope.
func (c *Client) Send(env *protocol.Envelope) error {
	if c.closed.Load() {
		return errors.WrapInvalid(errors.ErrConnectionClosed, "Client", "Send", "client closed")
	}
	c.mu.Lock()
	ws := c.ws
	c.mu.Unlock()
	if ws == nil {
		return errors.WrapTransient(errors.ErrConnectionClosed, "Client", "Send", "not connected")
	}
	return c.writeTo(ws, env)
}

func (c *Client) writeTo(ws *websocket.Conn, env *protocol.Envelope) error {
	data, err := env.Encode()
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = ws.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	if err := ws.WriteMessage(websocket.TextMessage, data); err != nil {
		return errors.WrapTransient(err, "Client", "writeTo", "write frame")
	}
	return nil
}

// SendPrompt forwards user input to the backend. Frontend role only; the
// relay rejects it otherwise.
func (c *Client) SendPrompt(text string) error {
	return c.Send(&protocol.Envelope{Type: protocol.TypeUserPrompt, Text: text})
}

// SendToolCall asks the frontend to execute a command. The id must be unique
// among the channel's in-flight calls.
func (c *Client) SendToolCall(id, command string, params json.RawMessage) error {
	return c.Send(&protocol.Envelope{
		Type:    protocol.TypeToolCall,
		ID:      id,
		Command: command,
		Params:  params,
	})
}

// SendToolResponse answers a tool call. Exactly one of result or errPayload
// should be set.
func (c *Client) SendToolResponse(id string, result, errPayload json.RawMessage) error {
	return c.Send(&protocol.Envelope{
		Type:   protocol.TypeToolResponse,
		ID:     id,
		Result: result,
		Error:  errPayload,
	})
}

// SendChunk streams one delta of an answer identified by responseID.
func (c *Client) SendChunk(responseID, text string) error {
	return c.Send(&protocol.Envelope{
		Type:       protocol.TypeAgentResponseChunk,
		ResponseID: responseID,
		Text:       text,
	})
}

// SendFinal terminates the answer stream identified by responseID.
func (c *Client) SendFinal(responseID, text string) error {
	return c.Send(&protocol.Envelope{
		Type:       protocol.TypeAgentResponse,
		ResponseID: responseID,
		Text:       text,
		IsFinal:    true,
	})
}

// Leave vacates the channel slot. The relay destroys the connection after a
// leave, so the client stops without redialing; open a new client to rejoin.
func (c *Client) Leave() error {
	if err := c.Send(&protocol.Envelope{Type: protocol.TypeLeave}); err != nil {
		return err
	}
	c.closed.Store(true)
	return nil
}

// Close tears the connection down. Safe to call more than once.
func (c *Client) Close() error {
	c.closed.Store(true)
	c.shutdown()
	return nil
}
