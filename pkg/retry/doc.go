// Package retry provides exponential backoff retry for transient failures,
// used by the party client's reconnect loop and the tap's NATS dial.
package retry
