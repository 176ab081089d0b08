package relay

import (
	stderrors "errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/ajessitech/figmacopilot-sub001/errors"
	"github.com/ajessitech/figmacopilot-sub001/pkg/buffer"
	"github.com/ajessitech/figmacopilot-sub001/protocol"
)

// ConnOptions carries the per-connection tunables the server derives from
// its configuration.
type ConnOptions struct {
	SendQueueSize   int
	MaxMessageBytes int64
	PingInterval    time.Duration
	PongTimeout     time.Duration
	WriteTimeout    time.Duration
}

// Conn represents one live party socket. Outbound messages flow through a
// bounded queue drained by a single writer goroutine, which preserves FIFO
// delivery per connection and makes queue overflow the slow-consumer signal.
type Conn struct {
	id     string
	ws     *websocket.Conn
	logger *slog.Logger
	opts   ConnOptions

	sendQ buffer.Buffer[*protocol.Envelope]
	wake  chan struct{}
	done  chan struct{}

	closeOnce   sync.Once
	closeReason protocol.CloseReason

	// wmu serializes frame writes; gorilla allows one concurrent writer.
	wmu sync.Mutex

	// Channel membership, guarded by mu. Empty channel means unjoined.
	mu      sync.RWMutex
	role    protocol.Role
	channel string

	// onOverflow is invoked once when the send queue rejects a write.
	onOverflow func(*Conn)
}

// newConn wraps an upgraded websocket. The caller must start the write loop
// and read loop.
func newConn(ws *websocket.Conn, logger *slog.Logger, opts ConnOptions) (*Conn, error) {
	sendQ, err := buffer.NewCircularBuffer[*protocol.Envelope](opts.SendQueueSize,
		buffer.WithOverflowPolicy[*protocol.Envelope](buffer.Reject),
	)
	if err != nil {
		return nil, errors.WrapFatal(err, "Conn", "newConn", "create send queue")
	}

	id := uuid.NewString()
	return &Conn{
		id:     id,
		ws:     ws,
		logger: logger.With("conn_id", id),
		opts:   opts,
		sendQ:  sendQ,
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
	}, nil
}

// ID returns the connection's unique identifier.
func (c *Conn) ID() string {
	return c.id
}

// Joined returns the connection's channel membership. ok is false while the
// connection has not joined.
func (c *Conn) Joined() (channel string, role protocol.Role, ok bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.channel, c.role, c.channel != ""
}

func (c *Conn) setJoined(channel string, role protocol.Role) {
	c.mu.Lock()
	c.channel = channel
	c.role = role
	c.mu.Unlock()
}

func (c *Conn) clearJoined() {
	c.mu.Lock()
	c.channel = ""
	c.role = ""
	c.mu.Unlock()
}

// Send enqueues an envelope for delivery. A full queue closes the connection
// with the slow_consumer reason and reports ErrSendQueueFull; the caller
// treats the connection as gone.
func (c *Conn) Send(env *protocol.Envelope) error {
	select {
	case <-c.done:
		return errors.WrapTransient(errors.ErrConnectionClosed, "Conn", "Send", "enqueue")
	default:
	}

	if err := c.sendQ.Write(env); err != nil {
		if stderrors.Is(err, errors.ErrSendQueueFull) {
			c.logger.Warn("send queue overflow, dropping slow consumer",
				"queue_size", c.sendQ.Capacity())
			if c.onOverflow != nil {
				c.onOverflow(c)
			}
			// The overflowed connection's writer may be stalled mid-frame
			// holding the write lock; closing asynchronously keeps the
			// sender's handler from waiting on this socket.
			go c.Close(protocol.CloseSlowConsumer)
		}
		return err
	}

	// Nudge the writer; a pending nudge already covers this message.
	select {
	case c.wake <- struct{}{}:
	default:
	}

	return nil
}

// closeWriteWait bounds the best-effort notice and close frame writes during
// teardown, independent of the much longer data write timeout.
const closeWriteWait = time.Second

// Close shuts the connection down exactly once. A best-effort closing notice
// and websocket close frame are written before the socket is torn down.
func (c *Conn) Close(reason protocol.CloseReason) {
	c.closeOnce.Do(func() {
		c.closeReason = reason

		if c.ws != nil {
			if reason != "" {
				if data, err := protocol.NewSystem(protocol.EventClosing, reason).Encode(); err == nil {
					c.wmu.Lock()
					_ = c.ws.SetWriteDeadline(time.Now().Add(closeWriteWait))
					_ = c.ws.WriteMessage(websocket.TextMessage, data)
					c.wmu.Unlock()
				}
			}

			_ = c.ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, string(reason)),
				time.Now().Add(closeWriteWait))
		}

		close(c.done)
		_ = c.sendQ.Close()
		if c.ws != nil {
			_ = c.ws.Close()
		}
	})
}

// Done is closed when the connection has been shut down.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// CloseReason reports why the connection was closed. Empty until Close.
func (c *Conn) CloseReason() protocol.CloseReason {
	select {
	case <-c.done:
		return c.closeReason
	default:
		return ""
	}
}

// writeLoop drains the send queue in FIFO order and keeps the socket alive
// with periodic pings. It exits when the connection closes.
func (c *Conn) writeLoop() {
	pingTicker := time.NewTicker(c.opts.PingInterval)
	defer pingTicker.Stop()

	for {
		select {
		case <-c.done:
			return

		case <-c.wake:
			for {
				env, ok := c.sendQ.Read()
				if !ok {
					break
				}
				if err := c.writeEnvelope(env); err != nil {
					c.logger.Debug("write failed", "error", err)
					c.Close("")
					return
				}
			}

		case <-pingTicker.C:
			c.wmu.Lock()
			_ = c.ws.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout))
			err := c.ws.WriteMessage(websocket.PingMessage, nil)
			c.wmu.Unlock()
			if err != nil {
				c.logger.Debug("ping failed", "error", err)
				c.Close("")
				return
			}
		}
	}
}

func (c *Conn) writeEnvelope(env *protocol.Envelope) error {
	data, err := env.Encode()
	if err != nil {
		return err
	}
	c.wmu.Lock()
	defer c.wmu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout))
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

// readLoop parses inbound frames and hands envelopes to handle. Malformed
// frames are answered with a protocol_error envelope; the connection stays
// open. The loop exits on socket error or close, after which onClosed runs.
func (c *Conn) readLoop(handle func(*Conn, *protocol.Envelope), onClosed func(*Conn)) {
	defer func() {
		c.Close("")
		onClosed(c)
	}()

	c.ws.SetReadLimit(c.opts.MaxMessageBytes)
	_ = c.ws.SetReadDeadline(time.Now().Add(c.opts.PongTimeout))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(c.opts.PongTimeout))
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Debug("read failed", "error", err)
			}
			return
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(c.opts.PongTimeout))

		env, err := protocol.Parse(data)
		if err != nil {
			c.logger.Debug("rejected malformed envelope", "error", err)
			_ = c.Send(protocol.NewError(protocol.CodeProtocolError, err.Error(), ""))
			continue
		}

		handle(c, env)
	}
}
