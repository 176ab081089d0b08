// Package client is a Go party client for the relay. It joins a channel in
// either role, exposes typed send helpers for the protocol's message kinds,
// and delivers inbound envelopes to a handler callback. Transport failures
// trigger redial-and-rejoin with exponential backoff unless the connection
// was evicted, left its channel, or was explicitly closed.
package client
