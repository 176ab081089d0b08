package relay

import (
	"log/slog"
	"sync"

	"github.com/ajessitech/figmacopilot-sub001/metric"
)

// streamKey identifies one streamed response on a channel.
type streamKey struct {
	channel    string
	responseID string
}

// StreamTracker follows streamed agent responses per (channel, response_id).
// A session opens on its first chunk and becomes terminal on the final
// message; anything arriving for a terminal session is dropped.
type StreamTracker struct {
	mu       sync.Mutex
	active   map[streamKey]struct{}
	terminal map[streamKey]struct{}

	logger  *slog.Logger
	metrics *metric.Metrics
}

// NewStreamTracker creates a stream tracker.
func NewStreamTracker(logger *slog.Logger, metrics *metric.Metrics) *StreamTracker {
	return &StreamTracker{
		active:   make(map[streamKey]struct{}),
		terminal: make(map[streamKey]struct{}),
		logger:   logger.With("component", "streams"),
		metrics:  metrics,
	}
}

// Chunk records a stream delta. It reports false when the session already
// terminated, in which case the chunk must not be forwarded.
func (s *StreamTracker) Chunk(channelName, responseID string) bool {
	key := streamKey{channel: channelName, responseID: responseID}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, done := s.terminal[key]; done {
		s.logger.Warn("dropping chunk after final message",
			"channel", channelName, "response_id", responseID)
		return false
	}

	if _, open := s.active[key]; !open {
		s.active[key] = struct{}{}
		if s.metrics != nil {
			s.metrics.StreamSessionsActive.Inc()
		}
	}
	if s.metrics != nil {
		s.metrics.ChunksForwarded.Inc()
	}
	return true
}

// Finish marks the session terminal. It reports false when the session was
// already terminal, in which case the duplicate final must not be forwarded.
// A final without prior chunks is a valid single-shot response.
func (s *StreamTracker) Finish(channelName, responseID string) bool {
	key := streamKey{channel: channelName, responseID: responseID}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, done := s.terminal[key]; done {
		s.logger.Warn("dropping duplicate final message",
			"channel", channelName, "response_id", responseID)
		return false
	}

	if _, open := s.active[key]; open {
		delete(s.active, key)
		if s.metrics != nil {
			s.metrics.StreamSessionsActive.Dec()
		}
	}
	s.terminal[key] = struct{}{}
	return true
}

// Abandon clears every session on a channel, open or terminal. Used when the
// backend slot empties: a successor backend may legitimately reuse response
// ids, and open sessions have no owner left to finish them.
func (s *StreamTracker) Abandon(channelName string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	abandoned := 0
	for key := range s.active {
		if key.channel != channelName {
			continue
		}
		delete(s.active, key)
		if s.metrics != nil {
			s.metrics.StreamSessionsActive.Dec()
		}
		abandoned++
	}
	for key := range s.terminal {
		if key.channel == channelName {
			delete(s.terminal, key)
		}
	}

	if abandoned > 0 {
		s.logger.Info("abandoned open streams", "channel", channelName, "count", abandoned)
	}
	return abandoned
}

// ActiveCount returns the number of open sessions on a channel.
func (s *StreamTracker) ActiveCount(channelName string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	count := 0
	for key := range s.active {
		if key.channel == channelName {
			count++
		}
	}
	return count
}
