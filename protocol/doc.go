// Package protocol defines the JSON wire envelopes exchanged between the
// relay and its two parties (the design-tool frontend and the AI backend).
//
// Every frame is a single JSON object discriminated by its "type" field; the
// Envelope struct is a tagged union over these types. The relay validates
// only the envelope itself: command parameters, tool results, and tool error
// payloads are opaque json.RawMessage values passed through unchanged.
//
// Relay-originated envelopes (type "error" and type "system") share the same
// struct. Error envelopes carry a code from the fixed taxonomy
// (protocol_error, peer_unavailable, role_conflict, slow_consumer, timeout)
// and, where applicable, a ref_id naming the message they respond to. System
// envelopes surface peer presence changes and the reason a connection is
// about to be closed (role_replaced, peer_disconnected, slow_consumer).
package protocol
