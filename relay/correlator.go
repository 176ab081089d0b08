package relay

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/ajessitech/figmacopilot-sub001/errors"
	"github.com/ajessitech/figmacopilot-sub001/metric"
	"github.com/ajessitech/figmacopilot-sub001/protocol"
)

// callKey identifies a pending tool call. Call ids are opaque and only
// required to be unique among in-flight calls on the same channel.
type callKey struct {
	channel string
	id      string
}

// pendingCall tracks one in-flight tool call awaiting its response.
type pendingCall struct {
	timer   *clock.Timer
	deliver func(*protocol.Envelope)
}

// Correlator pairs tool responses with their originating calls and enforces
// the per-call deadline. Each pending call resolves exactly once: by a
// response, by a timeout, or by Abandon.
type Correlator struct {
	mu      sync.Mutex
	pending map[callKey]*pendingCall
	perChan map[string]int

	timeout    time.Duration
	maxPerChan int

	clock   clock.Clock
	logger  *slog.Logger
	metrics *metric.Metrics
}

// NewCorrelator creates a correlator. A nil clk falls back to the wall
// clock; tests inject a mock to drive deadlines.
func NewCorrelator(timeout time.Duration, maxPerChan int, clk clock.Clock,
	logger *slog.Logger, metrics *metric.Metrics) *Correlator {
	if clk == nil {
		clk = clock.New()
	}
	return &Correlator{
		pending:    make(map[callKey]*pendingCall),
		perChan:    make(map[string]int),
		timeout:    timeout,
		maxPerChan: maxPerChan,
		clock:      clk,
		logger:     logger.With("component", "correlator"),
		metrics:    metrics,
	}
}

// Register records a pending call and arms its deadline. deliver is invoked
// with a synthesized timeout response if the deadline fires first; it must
// not block. Duplicate ids among in-flight calls on the same channel fail
// with ErrDuplicateCallID.
func (c *Correlator) Register(channelName, id string, deliver func(*protocol.Envelope)) error {
	key := callKey{channel: channelName, id: id}

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.pending[key]; exists {
		return errors.WrapInvalid(errors.ErrDuplicateCallID, "Correlator", "Register",
			fmt.Sprintf("call %s on channel %s", id, channelName))
	}
	if c.perChan[channelName] >= c.maxPerChan {
		return errors.WrapTransient(
			fmt.Errorf("%d calls in flight", c.perChan[channelName]),
			"Correlator", "Register", "pending call limit")
	}

	pc := &pendingCall{deliver: deliver}
	pc.timer = c.clock.AfterFunc(c.timeout, func() {
		c.expire(key)
	})

	c.pending[key] = pc
	c.perChan[channelName]++
	if c.metrics != nil {
		c.metrics.ToolCallsPending.Inc()
	}

	return nil
}

// Resolve consumes the pending call for a response. It reports false when no
// call is pending under that id, which covers both unknown ids and responses
// arriving after the timeout already resolved the call; the caller drops
// those silently.
func (c *Correlator) Resolve(channelName, id string) bool {
	key := callKey{channel: channelName, id: id}

	c.mu.Lock()
	defer c.mu.Unlock()

	pc, ok := c.pending[key]
	if !ok {
		return false
	}

	pc.timer.Stop()
	c.remove(key)
	return true
}

// expire fires the deadline for a pending call, synthesizing a timeout
// response toward the caller. Losing the race with Resolve is fine: the
// pending entry is already gone and nothing is delivered.
func (c *Correlator) expire(key callKey) {
	c.mu.Lock()
	pc, ok := c.pending[key]
	if !ok {
		c.mu.Unlock()
		return
	}
	c.remove(key)
	c.mu.Unlock()

	c.logger.Warn("tool call timed out", "channel", key.channel, "call_id", key.id)
	if c.metrics != nil {
		c.metrics.ToolCallTimeouts.Inc()
	}

	pc.deliver(protocol.NewTimeoutResult(key.id))
}

// Abandon cancels every pending call on a channel without delivering
// anything. Used when the backend slot empties: there is no caller left to
// receive a timeout result.
func (c *Correlator) Abandon(channelName string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	abandoned := 0
	for key, pc := range c.pending {
		if key.channel != channelName {
			continue
		}
		pc.timer.Stop()
		c.remove(key)
		abandoned++
	}

	if abandoned > 0 {
		c.logger.Info("abandoned pending calls", "channel", channelName, "count", abandoned)
	}
	return abandoned
}

// PendingCount returns the number of in-flight calls on a channel.
func (c *Correlator) PendingCount(channelName string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.perChan[channelName]
}

// remove deletes a pending entry. Caller holds c.mu.
func (c *Correlator) remove(key callKey) {
	delete(c.pending, key)
	if c.perChan[key.channel]--; c.perChan[key.channel] <= 0 {
		delete(c.perChan, key.channel)
	}
	if c.metrics != nil {
		c.metrics.ToolCallsPending.Dec()
	}
}
