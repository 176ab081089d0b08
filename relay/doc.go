// Package relay implements the WebSocket relay core: the server accept
// path, per-connection send queues, the channel registry, role-based
// routing, tool-call correlation with deadlines, and stream termination
// tracking.
//
// A channel pairs at most one frontend with at most one backend. Every
// inbound envelope is validated, checked against the sender's role, and
// forwarded to the opposite slot. The relay never inspects payloads; it
// guarantees per-connection FIFO delivery and surfaces routing failures as
// error envelopes to the sender.
//
// Tool calls from the backend register a pending entry before forwarding.
// The matching tool response resolves it; if the configured deadline fires
// first, the relay synthesizes a timeout tool_response toward the backend
// and the real response, arriving late, is dropped.
//
// Backpressure is per connection: a bounded outbound queue drained by one
// writer goroutine. Overflow closes the connection with a slow_consumer
// notice rather than stalling the rest of the channel.
package relay
