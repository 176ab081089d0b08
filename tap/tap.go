package tap

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/ajessitech/figmacopilot-sub001/component"
	"github.com/ajessitech/figmacopilot-sub001/config"
	"github.com/ajessitech/figmacopilot-sub001/errors"
	"github.com/ajessitech/figmacopilot-sub001/metric"
	"github.com/ajessitech/figmacopilot-sub001/pkg/retry"
	"github.com/ajessitech/figmacopilot-sub001/protocol"
)

const publisherVersion = "1.0.0"

// Publisher mirrors forwarded envelopes onto NATS subjects so external
// observers (debuggers, recorders) can watch relay traffic without holding a
// channel slot. Publishing is fire-and-forget: a NATS outage never blocks or
// fails relay forwarding.
type Publisher struct {
	cfg    config.TapConfig
	logger *slog.Logger

	conn *nats.Conn
	mu   sync.RWMutex

	metrics   *metric.Metrics
	published atomic.Int64
	dropped   atomic.Int64
	lastError atomic.Value // stores string
	startTime time.Time

	initialized bool
	started     atomic.Bool
	lifecycleMu sync.Mutex
}

// NewPublisher creates a tap publisher. registrar may be nil.
func NewPublisher(cfg config.TapConfig, logger *slog.Logger, registrar *metric.MetricsRegistry) *Publisher {
	p := &Publisher{
		cfg:    cfg,
		logger: logger.With("component", "tap"),
	}
	if registrar != nil {
		p.metrics = registrar.CoreMetrics()
	}
	return p
}

// Initialize validates the tap configuration.
func (p *Publisher) Initialize() error {
	p.lifecycleMu.Lock()
	defer p.lifecycleMu.Unlock()

	if p.initialized {
		return nil
	}
	if len(p.cfg.URLs) == 0 {
		return errors.WrapInvalid(errors.ErrMissingConfig, "Publisher", "Initialize", "no NATS URLs")
	}
	if p.cfg.SubjectPrefix == "" {
		return errors.WrapInvalid(errors.ErrMissingConfig, "Publisher", "Initialize", "no subject prefix")
	}
	p.initialized = true
	return nil
}

// Start connects to NATS, retrying the initial dial. Once connected, the
// NATS client handles reconnects on its own.
func (p *Publisher) Start(ctx context.Context) error {
	p.lifecycleMu.Lock()
	defer p.lifecycleMu.Unlock()

	if !p.initialized {
		return errors.WrapFatal(errors.ErrNotStarted, "Publisher", "Start", "initialize first")
	}
	if p.started.Load() {
		return errors.WrapFatal(errors.ErrAlreadyStarted, "Publisher", "Start", "check state")
	}

	url := strings.Join(p.cfg.URLs, ",")
	conn, err := retry.DoWithResult(ctx, retry.DefaultConfig(), func() (*nats.Conn, error) {
		return nats.Connect(url,
			nats.Name("figma-relay-tap"),
			nats.MaxReconnects(-1),
			nats.ReconnectWait(2*time.Second),
			nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
				if err != nil {
					p.logger.Warn("tap disconnected", "error", err)
					p.lastError.Store(err.Error())
				}
			}),
			nats.ReconnectHandler(func(nc *nats.Conn) {
				p.logger.Info("tap reconnected", "url", nc.ConnectedUrl())
			}),
		)
	})
	if err != nil {
		return errors.WrapTransient(err, "Publisher", "Start", "connect")
	}

	p.mu.Lock()
	p.conn = conn
	p.mu.Unlock()

	p.startTime = time.Now()
	p.started.Store(true)
	if p.metrics != nil {
		p.metrics.RecordComponentStatus("tap", int(component.StateStarted))
	}
	p.logger.Info("tap publishing", "subject_prefix", p.cfg.SubjectPrefix)
	return nil
}

// Stop drains the NATS connection within the timeout.
func (p *Publisher) Stop(timeout time.Duration) error {
	p.lifecycleMu.Lock()
	defer p.lifecycleMu.Unlock()

	if !p.started.Load() {
		return nil
	}
	p.started.Store(false)

	p.mu.Lock()
	conn := p.conn
	p.conn = nil
	p.mu.Unlock()

	if conn != nil {
		drainDone := make(chan error, 1)
		go func() {
			drainDone <- conn.Drain()
		}()
		select {
		case err := <-drainDone:
			if err != nil {
				conn.Close()
				return errors.WrapTransient(err, "Publisher", "Stop", "drain")
			}
		case <-time.After(timeout):
			conn.Close()
			return errors.WrapTransient(fmt.Errorf("drain timeout after %v", timeout),
				"Publisher", "Stop", "drain")
		}
	}

	if p.metrics != nil {
		p.metrics.RecordComponentStatus("tap", int(component.StateStopped))
	}
	p.logger.Info("tap stopped")
	return nil
}

// Tap returns the mirror callback to hand to the relay. Envelopes that fail
// to publish are counted and dropped; the relay never sees the error.
func (p *Publisher) Tap() func(channel string, env *protocol.Envelope) {
	return func(channel string, env *protocol.Envelope) {
		if err := p.Publish(channel, env); err != nil {
			p.dropped.Add(1)
			p.lastError.Store(err.Error())
			p.logger.Debug("tap publish failed", "channel", channel, "type", env.Type, "error", err)
		}
	}
}

// Publish mirrors one envelope to <prefix>.<channel>.<type>.
func (p *Publisher) Publish(channel string, env *protocol.Envelope) error {
	p.mu.RLock()
	conn := p.conn
	p.mu.RUnlock()

	if conn == nil {
		return errors.WrapTransient(errors.ErrNotStarted, "Publisher", "Publish", "no connection")
	}

	data, err := env.Encode()
	if err != nil {
		return errors.WrapInvalid(err, "Publisher", "Publish", "encode envelope")
	}

	subject := p.Subject(channel, env.Type)
	if err := conn.Publish(subject, data); err != nil {
		return errors.WrapTransient(err, "Publisher", "Publish", "publish")
	}
	p.published.Add(1)
	return nil
}

// Subject builds the mirror subject for a channel and envelope type. Channel
// names are user input, so token separators are sanitized out.
func (p *Publisher) Subject(channel string, typ protocol.Type) string {
	return fmt.Sprintf("%s.%s.%s", p.cfg.SubjectPrefix, sanitizeToken(channel), typ)
}

// sanitizeToken makes a string safe as a single NATS subject token.
func sanitizeToken(s string) string {
	if s == "" {
		return "_"
	}
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ':
			return '_'
		default:
			return r
		}
	}, s)
}

// Meta implements component.Discoverable.
func (p *Publisher) Meta() component.Metadata {
	return component.Metadata{
		Name:        "tap",
		Type:        "tap",
		Description: "Mirrors relay traffic onto NATS subjects for observers",
		Version:     publisherVersion,
	}
}

// Health implements component.Discoverable.
func (p *Publisher) Health() component.HealthStatus {
	p.mu.RLock()
	conn := p.conn
	p.mu.RUnlock()

	healthy := p.started.Load() && conn != nil && conn.IsConnected()
	lastErr, _ := p.lastError.Load().(string)
	if p.metrics != nil {
		p.metrics.RecordHealthStatus("tap", healthy)
	}

	var uptime time.Duration
	if !p.startTime.IsZero() {
		uptime = time.Since(p.startTime)
	}
	return component.HealthStatus{
		Healthy:    healthy,
		LastCheck:  time.Now(),
		ErrorCount: int(p.dropped.Load()),
		LastError:  lastErr,
		Uptime:     uptime,
	}
}

// DataFlow implements component.Discoverable.
func (p *Publisher) DataFlow() component.FlowMetrics {
	var rate float64
	if !p.startTime.IsZero() {
		if secs := time.Since(p.startTime).Seconds(); secs > 0 {
			rate = float64(p.published.Load()) / secs
		}
	}
	var errRate float64
	if total := p.published.Load() + p.dropped.Load(); total > 0 {
		errRate = float64(p.dropped.Load()) / float64(total)
	}
	return component.FlowMetrics{
		MessagesPerSecond: rate,
		ErrorRate:         errRate,
	}
}
