package protocol

// Type discriminates envelope payloads. Every message carried over a relay
// socket is a JSON object whose "type" field holds one of these values.
type Type string

const (
	// TypeJoin binds the connection to a channel role. It must be the first
	// message on every connection.
	TypeJoin Type = "join"
	// TypeLeave vacates the connection's channel slot; the relay then closes
	// the socket.
	TypeLeave Type = "leave"
	// TypeUserPrompt carries user input from the frontend to the backend.
	TypeUserPrompt Type = "user_prompt"
	// TypeToolCall is an asynchronous request from backend to frontend,
	// identified by an opaque id and expecting a correlated response.
	TypeToolCall Type = "tool_call"
	// TypeToolResponse carries the frontend's result (or error) for a tool call.
	TypeToolResponse Type = "tool_response"
	// TypeAgentResponseChunk is one ordered delta of a streamed answer.
	TypeAgentResponseChunk Type = "agent_response_chunk"
	// TypeAgentResponse terminates a streamed answer (is_final).
	TypeAgentResponse Type = "agent_response"
	// TypeError is a relay-originated error reply to the sender.
	TypeError Type = "error"
	// TypeSystem is a relay-originated notice (peer presence, close reasons).
	TypeSystem Type = "system"
)

// Role identifies which side of a channel a connection occupies.
type Role string

const (
	// RoleFrontend is the design-tool executor side of a channel.
	RoleFrontend Role = "frontend"
	// RoleBackend is the AI reasoning engine side of a channel.
	RoleBackend Role = "backend"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	return r == RoleFrontend || r == RoleBackend
}

// Other returns the opposite role.
func (r Role) Other() Role {
	if r == RoleFrontend {
		return RoleBackend
	}
	return RoleFrontend
}

// ErrorCode enumerates the codes carried by error envelopes.
type ErrorCode string

const (
	// CodeProtocolError covers malformed envelopes, unknown types, messages
	// before join, and duplicate tool-call registrations.
	CodeProtocolError ErrorCode = "protocol_error"
	// CodePeerUnavailable means the destination role has no occupant.
	CodePeerUnavailable ErrorCode = "peer_unavailable"
	// CodeRoleConflict means a join was rejected because the slot is occupied
	// (reject policy only).
	CodeRoleConflict ErrorCode = "role_conflict"
	// CodeSlowConsumer means the connection was closed because its outbound
	// queue exceeded the configured bound.
	CodeSlowConsumer ErrorCode = "slow_consumer"
	// CodeTimeout marks a synthesized tool-call timeout.
	CodeTimeout ErrorCode = "timeout"
)

// CloseReason is surfaced in close notices and peer-disconnect notices.
type CloseReason string

const (
	// CloseRoleReplaced is sent to a connection evicted by a newer join.
	CloseRoleReplaced CloseReason = "role_replaced"
	// ClosePeerDisconnected is sent to the remaining occupant when its peer
	// goes away.
	ClosePeerDisconnected CloseReason = "peer_disconnected"
	// CloseSlowConsumer is sent when the relay drops a stalled connection.
	CloseSlowConsumer CloseReason = "slow_consumer"
	// CloseServerShutdown is sent to all connections during graceful shutdown.
	CloseServerShutdown CloseReason = "server_shutdown"
)

// System event names carried by TypeSystem envelopes.
const (
	// EventClosing precedes the relay closing this connection; Reason says why.
	EventClosing = "closing"
	// EventPeerDisconnected tells the remaining occupant its peer is gone.
	EventPeerDisconnected = "peer_disconnected"
	// EventPeerJoined tells an occupant the other role slot was just filled.
	EventPeerJoined = "peer_joined"
)
