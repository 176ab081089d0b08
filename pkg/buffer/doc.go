// Package buffer provides generic, thread-safe bounded buffers for message
// queueing between producers and consumers.
//
// # Overview
//
// The package centers on the Buffer[T] interface backed by a circular buffer
// implementation. Buffers are bounded: when full, behavior is governed by an
// OverflowPolicy chosen at construction time.
//
//   - DropOldest: evict the oldest item to make room (default)
//   - DropNewest: discard the incoming item
//   - Reject: fail the write with errors.ErrSendQueueFull
//
// Reject is the policy used for per-connection send queues, where a full
// buffer signals a slow consumer that should be disconnected rather than
// silently lossy delivery.
//
// # Usage
//
//	buf, err := buffer.NewCircularBuffer[*protocol.Envelope](256,
//		buffer.WithOverflowPolicy[*protocol.Envelope](buffer.Reject),
//	)
//	if err != nil {
//		return err
//	}
//	defer buf.Close()
//
//	if err := buf.Write(env); err != nil {
//		// errors.ErrSendQueueFull under Reject policy
//	}
//
// # Observability
//
// Statistics (writes, reads, overflows, drops, size watermark) are always
// collected and available via Stats(). Prometheus export is optional:
//
//	buf, err := buffer.NewCircularBuffer[*protocol.Envelope](256,
//		buffer.WithMetrics[*protocol.Envelope](registry, "relay"),
//	)
//
// WithDropCallback registers a function invoked with each dropped item, which
// callers use for logging or per-item cleanup.
package buffer
