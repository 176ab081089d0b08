// Package figmarelay is documented across its subpackages. The module
// implements a WebSocket relay that pairs exactly two parties per named
// channel: a frontend executor (a Figma plugin) and an AI reasoning backend.
//
// The relay routes by role, never by payload: prompts flow frontend to
// backend, tool calls flow backend to frontend with correlated responses and
// deadlines, and streamed answer chunks flow back in order. See the relay
// package for the routing semantics, protocol for the wire format, client
// for a Go party client, and tap for the optional NATS traffic mirror.
//
// Entry point: cmd/relay.
package figmarelay
