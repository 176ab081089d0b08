// Package errors provides standardized error handling patterns for relay components.
//
// # Overview
//
// The errors package implements a three-class error classification system:
// Transient (temporary, retryable), Invalid (bad input, non-retryable), and
// Fatal (unrecoverable, stop processing).
//
// This classification lets components make informed decisions about retries
// and failure isolation without hardcoded error string matching. The relay's
// error taxonomy maps onto it directly: protocol and correlation errors are
// Invalid, connection and queue errors are Transient, configuration errors
// are Fatal.
//
// # Usage
//
// Wrap errors with component context as they cross package boundaries:
//
//	if err := conn.Send(env); err != nil {
//		return errors.WrapTransient(err, "router", "Dispatch", "forward to peer")
//	}
//
// Check classification where handling strategy depends on it:
//
//	if errors.IsTransient(err) {
//		// safe to retry
//	}
//
// Sentinel variables (ErrDuplicateCallID, ErrPeerUnavailable, ...) support
// errors.Is checks across the relay, correlator, and registry packages.
package errors
