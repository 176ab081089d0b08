package relay

import (
	"fmt"
	"log/slog"

	"github.com/ajessitech/figmacopilot-sub001/errors"
	"github.com/ajessitech/figmacopilot-sub001/metric"
	"github.com/ajessitech/figmacopilot-sub001/protocol"
)

// TapFunc mirrors a forwarded envelope to an external sink. It must not
// block the routing path.
type TapFunc func(channel string, env *protocol.Envelope)

// Router applies the per-type routing rules between the two occupants of a
// channel. Routing failures are answered to the sender with an error
// envelope; the sender's connection stays open for everything except
// transport-level faults.
type Router struct {
	registry   *Registry
	correlator *Correlator
	streams    *StreamTracker

	logger  *slog.Logger
	metrics *metric.Metrics
	tap     TapFunc
}

// NewRouter wires the routing table to its collaborators. tap is optional.
func NewRouter(registry *Registry, correlator *Correlator, streams *StreamTracker,
	logger *slog.Logger, metrics *metric.Metrics, tap TapFunc) *Router {
	return &Router{
		registry:   registry,
		correlator: correlator,
		streams:    streams,
		logger:     logger.With("component", "router"),
		metrics:    metrics,
		tap:        tap,
	}
}

// HandleMessage processes one inbound envelope from conn.
func (rt *Router) HandleMessage(conn *Conn, env *protocol.Envelope) {
	if env.Type == protocol.TypeJoin {
		rt.handleJoin(conn, env)
		return
	}

	channelName, role, joined := conn.Joined()
	if !joined {
		rt.sendError(conn, protocol.CodeProtocolError,
			fmt.Sprintf("%s before join", env.Type), refID(env))
		return
	}
	rt.registry.Touch(channelName)

	switch env.Type {
	case protocol.TypeLeave:
		rt.handleLeave(conn, channelName, role)

	case protocol.TypeUserPrompt:
		if role != protocol.RoleFrontend {
			rt.rejectWrongRole(conn, env, role)
			return
		}
		rt.forward(conn, channelName, env)

	case protocol.TypeToolCall:
		if role != protocol.RoleBackend {
			rt.rejectWrongRole(conn, env, role)
			return
		}
		rt.handleToolCall(conn, channelName, env)

	case protocol.TypeToolResponse:
		if role != protocol.RoleFrontend {
			rt.rejectWrongRole(conn, env, role)
			return
		}
		if !rt.correlator.Resolve(channelName, env.ID) {
			// Unknown or already timed out; late responses are dropped
			// without notifying either party.
			rt.logger.Debug("dropping unmatched tool response",
				"channel", channelName, "call_id", env.ID)
			return
		}
		rt.forward(conn, channelName, env)

	case protocol.TypeAgentResponseChunk:
		if role != protocol.RoleBackend {
			rt.rejectWrongRole(conn, env, role)
			return
		}
		if !rt.streams.Chunk(channelName, env.ResponseID) {
			return
		}
		rt.forward(conn, channelName, env)

	case protocol.TypeAgentResponse:
		if role != protocol.RoleBackend {
			rt.rejectWrongRole(conn, env, role)
			return
		}
		if !rt.streams.Finish(channelName, env.ResponseID) {
			return
		}
		rt.forward(conn, channelName, env)

	default:
		// error and system envelopes are relay-originated only.
		rt.sendError(conn, protocol.CodeProtocolError,
			fmt.Sprintf("clients may not send %s", env.Type), refID(env))
	}
}

// handleJoin binds the connection to a channel slot. Join is idempotent per
// socket: repeating the same channel and role is a no-op; naming a different
// one is a protocol error.
func (rt *Router) handleJoin(conn *Conn, env *protocol.Envelope) {
	if channelName, role, joined := conn.Joined(); joined {
		if channelName != env.Channel || role != env.Role {
			rt.sendError(conn, protocol.CodeProtocolError,
				fmt.Sprintf("already joined channel %s", channelName), "")
			return
		}
		// The registry recognizes the incumbent and leaves the slot alone.
		_, _ = rt.registry.Join(conn, env.Channel, env.Role)
		return
	}

	evicted, err := rt.registry.Join(conn, env.Channel, env.Role)
	if err != nil {
		rt.sendError(conn, protocol.CodeRoleConflict,
			fmt.Sprintf("role %s already occupied on channel %s", env.Role, env.Channel), "")
		return
	}

	if evicted != nil {
		evicted.Close(protocol.CloseRoleReplaced)
		if env.Role == protocol.RoleBackend {
			// Pending calls and open streams belong to the evicted backend;
			// the replacement must not inherit their timeout results.
			rt.correlator.Abandon(env.Channel)
			rt.streams.Abandon(env.Channel)
		}
		if rt.metrics != nil {
			rt.metrics.RecordConnectionClosed()
		}
	}

	rt.logger.Info("joined channel",
		"conn_id", conn.ID(), "channel", env.Channel, "role", string(env.Role))
	if rt.metrics != nil {
		rt.metrics.RecordConnectionOpened(string(env.Role))
	}

	// Both occupants learn the slot pairing is complete.
	if peer, ok := rt.registry.PeerOf(conn); ok {
		_ = peer.Send(protocol.NewSystem(protocol.EventPeerJoined, ""))
		_ = conn.Send(protocol.NewSystem(protocol.EventPeerJoined, ""))
	}
}

// handleLeave vacates the slot and destroys the connection. Leaving is
// terminal; a party that wants back in opens a new socket.
func (rt *Router) handleLeave(conn *Conn, channelName string, role protocol.Role) {
	peer, hasPeer := rt.registry.PeerOf(conn)
	if !rt.registry.Leave(conn) {
		return
	}

	rt.logger.Info("left channel",
		"conn_id", conn.ID(), "channel", channelName, "role", string(role))
	if rt.metrics != nil {
		rt.metrics.RecordConnectionClosed()
	}
	rt.onSlotVacated(channelName, role, peer, hasPeer)
	conn.Close("")
}

// handleToolCall registers the pending call before forwarding so the
// deadline covers delivery.
func (rt *Router) handleToolCall(conn *Conn, channelName string, env *protocol.Envelope) {
	err := rt.correlator.Register(channelName, env.ID, func(timeoutResult *protocol.Envelope) {
		rt.deliverTimeout(channelName, timeoutResult)
	})
	if err != nil {
		switch {
		case errors.IsInvalid(err):
			rt.sendError(conn, protocol.CodeProtocolError,
				fmt.Sprintf("duplicate tool call id %s", env.ID), env.ID)
		default:
			rt.sendError(conn, protocol.CodeProtocolError,
				"too many pending tool calls", env.ID)
		}
		return
	}

	if !rt.forwardOK(conn, channelName, env) {
		// Never delivered; resolve immediately so the backend gets the
		// failure now instead of a timeout later.
		rt.correlator.Resolve(channelName, env.ID)
	}
}

// deliverTimeout sends a synthesized timeout result to the channel's backend
// occupant, if any. Slot turnover abandons pending calls, so the occupant is
// always the backend that registered the call.
func (rt *Router) deliverTimeout(channelName string, timeoutResult *protocol.Envelope) {
	backend, ok := rt.occupant(channelName, protocol.RoleBackend)
	if !ok {
		rt.logger.Debug("timeout result with no backend to receive it",
			"channel", channelName, "call_id", timeoutResult.ID)
		return
	}
	_ = backend.Send(timeoutResult)
	if rt.metrics != nil {
		rt.metrics.RecordMessageForwarded(string(protocol.TypeToolResponse))
	}
}

// occupant looks up a role slot by channel name.
func (rt *Router) occupant(channelName string, role protocol.Role) (*Conn, bool) {
	rt.registry.mu.Lock()
	defer rt.registry.mu.Unlock()

	ch, ok := rt.registry.channels[channelName]
	if !ok {
		return nil, false
	}
	conn, ok := ch.slots[role]
	return conn, ok
}

// forward relays env to the sender's channel peer.
func (rt *Router) forward(conn *Conn, channelName string, env *protocol.Envelope) {
	rt.forwardOK(conn, channelName, env)
}

func (rt *Router) forwardOK(conn *Conn, channelName string, env *protocol.Envelope) bool {
	peer, ok := rt.registry.PeerOf(conn)
	if !ok {
		rt.sendError(conn, protocol.CodePeerUnavailable,
			"no peer connected on channel", refID(env))
		return false
	}

	if err := peer.Send(env); err != nil {
		// A slow-consumer overflow already closed the peer; its close path
		// notifies this sender. Anything else means the peer died mid-send.
		rt.logger.Debug("forward failed",
			"channel", channelName, "type", string(env.Type), "error", err)
		return false
	}

	if rt.metrics != nil {
		rt.metrics.RecordMessageForwarded(string(env.Type))
	}
	if rt.tap != nil {
		rt.tap(channelName, env)
	}
	return true
}

// HandleClosed runs after a connection's read loop exits for any reason:
// client close, transport error, eviction, or relay-initiated close.
func (rt *Router) HandleClosed(conn *Conn) {
	channelName, role, joined := conn.Joined()
	if !joined {
		return
	}

	peer, hasPeer := rt.registry.PeerOf(conn)
	if !rt.registry.Leave(conn) {
		// Slot already belongs to a replacement; nothing to vacate.
		return
	}

	rt.logger.Info("connection closed",
		"conn_id", conn.ID(), "channel", channelName, "role", string(role),
		"reason", string(conn.CloseReason()))
	if rt.metrics != nil {
		rt.metrics.RecordConnectionClosed()
	}
	rt.onSlotVacated(channelName, role, peer, hasPeer)
}

// onSlotVacated notifies the surviving peer and releases per-channel state
// owned by the departed role.
func (rt *Router) onSlotVacated(channelName string, role protocol.Role, peer *Conn, hasPeer bool) {
	if hasPeer {
		_ = peer.Send(protocol.NewSystem(protocol.EventPeerDisconnected, protocol.ClosePeerDisconnected))
	}

	if role == protocol.RoleBackend {
		// Pending calls have no caller left to receive timeout results, and
		// stream sessions have no owner left to finish them.
		rt.correlator.Abandon(channelName)
		rt.streams.Abandon(channelName)
	}
}

// rejectWrongRole answers a message type the sender's role may not send.
func (rt *Router) rejectWrongRole(conn *Conn, env *protocol.Envelope, role protocol.Role) {
	rt.sendError(conn, protocol.CodeProtocolError,
		fmt.Sprintf("%s may not send %s", role, env.Type), refID(env))
}

// sendError delivers a relay-originated error envelope to the offender.
func (rt *Router) sendError(conn *Conn, code protocol.ErrorCode, message, ref string) {
	if rt.metrics != nil {
		rt.metrics.RecordRoutingError(string(code))
	}
	_ = conn.Send(protocol.NewError(code, message, ref))
}

// refID extracts the identifier an error envelope should reference.
func refID(env *protocol.Envelope) string {
	if env.ID != "" {
		return env.ID
	}
	return env.ResponseID
}
