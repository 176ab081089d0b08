package relay

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/ajessitech/figmacopilot-sub001/config"
	"github.com/ajessitech/figmacopilot-sub001/errors"
	"github.com/ajessitech/figmacopilot-sub001/metric"
	"github.com/ajessitech/figmacopilot-sub001/protocol"
)

// channel is one named rendezvous point with at most one occupant per role.
type channel struct {
	name         string
	slots        map[protocol.Role]*Conn
	lastActivity time.Time
}

func (ch *channel) empty() bool {
	return len(ch.slots) == 0
}

// Registry owns the channel table. Channels are created lazily on first
// join, survive both parties disconnecting, and are reclaimed only by the
// idle janitor once empty and past the configured TTL.
type Registry struct {
	mu       sync.Mutex
	channels map[string]*channel

	policy        string
	idleTTL       time.Duration
	sweepInterval time.Duration

	clock   clock.Clock
	logger  *slog.Logger
	metrics *metric.Metrics
}

// NewRegistry creates a channel registry. A nil clk falls back to the wall
// clock; tests inject a mock.
func NewRegistry(cfg config.ChannelsConfig, clk clock.Clock, logger *slog.Logger, metrics *metric.Metrics) *Registry {
	if clk == nil {
		clk = clock.New()
	}
	return &Registry{
		channels:      make(map[string]*channel),
		policy:        cfg.JoinPolicy,
		idleTTL:       cfg.IdleTTL,
		sweepInterval: cfg.SweepInterval,
		clock:         clk,
		logger:        logger.With("component", "registry"),
		metrics:       metrics,
	}
}

// Join binds conn to the named channel's role slot. When the slot is
// occupied, the evict policy returns the displaced connection for the caller
// to close; the reject policy fails with ErrRoleConflict and leaves the
// incumbent untouched.
func (r *Registry) Join(conn *Conn, channelName string, role protocol.Role) (evicted *Conn, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ch, ok := r.channels[channelName]
	if !ok {
		ch = &channel{
			name:  channelName,
			slots: make(map[protocol.Role]*Conn),
		}
		r.channels[channelName] = ch
		if r.metrics != nil {
			r.metrics.ChannelsActive.Inc()
		}
		r.logger.Info("channel created", "channel", channelName)
	}
	ch.lastActivity = r.clock.Now()

	if incumbent, occupied := ch.slots[role]; occupied {
		if incumbent == conn {
			return nil, nil
		}
		if r.policy == config.JoinPolicyReject {
			return nil, errors.WrapInvalid(errors.ErrRoleConflict, "Registry", "Join",
				"role slot occupied")
		}
		evicted = incumbent
		r.logger.Info("evicting incumbent",
			"channel", channelName, "role", string(role), "evicted_conn", incumbent.ID())
	}

	ch.slots[role] = conn
	conn.setJoined(channelName, role)
	return evicted, nil
}

// Leave vacates conn's slot if it still holds one. It reports whether a slot
// was actually vacated; an evicted connection whose slot was already handed
// to its replacement leaves nothing.
func (r *Registry) Leave(conn *Conn) bool {
	channelName, role, ok := conn.Joined()
	if !ok {
		return false
	}
	conn.clearJoined()

	r.mu.Lock()
	defer r.mu.Unlock()

	ch, ok := r.channels[channelName]
	if !ok || ch.slots[role] != conn {
		return false
	}

	delete(ch.slots, role)
	ch.lastActivity = r.clock.Now()
	return true
}

// PeerOf returns the occupant of the opposite role slot on conn's channel.
func (r *Registry) PeerOf(conn *Conn) (*Conn, bool) {
	channelName, role, ok := conn.Joined()
	if !ok {
		return nil, false
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	ch, ok := r.channels[channelName]
	if !ok {
		return nil, false
	}

	peer, ok := ch.slots[role.Other()]
	return peer, ok
}

// Touch refreshes the channel's activity timestamp.
func (r *Registry) Touch(channelName string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if ch, ok := r.channels[channelName]; ok {
		ch.lastActivity = r.clock.Now()
	}
}

// Connections snapshots every live connection across all channels.
func (r *Registry) Connections() []*Conn {
	r.mu.Lock()
	defer r.mu.Unlock()

	var conns []*Conn
	for _, ch := range r.channels {
		for _, conn := range ch.slots {
			conns = append(conns, conn)
		}
	}
	return conns
}

// ChannelCount returns the number of live channels.
func (r *Registry) ChannelCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.channels)
}

// RunJanitor sweeps idle channels until ctx is cancelled. A channel is
// reclaimed once both slots are empty and its last activity predates the TTL.
func (r *Registry) RunJanitor(ctx context.Context) {
	ticker := r.clock.Ticker(r.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.sweep()
		}
	}
}

func (r *Registry) sweep() {
	cutoff := r.clock.Now().Add(-r.idleTTL)

	r.mu.Lock()
	defer r.mu.Unlock()

	for name, ch := range r.channels {
		if ch.empty() && ch.lastActivity.Before(cutoff) {
			delete(r.channels, name)
			if r.metrics != nil {
				r.metrics.ChannelsActive.Dec()
			}
			r.logger.Info("reclaimed idle channel", "channel", name)
		}
	}
}
