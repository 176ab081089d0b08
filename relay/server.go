package relay

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gorilla/websocket"

	"github.com/ajessitech/figmacopilot-sub001/component"
	"github.com/ajessitech/figmacopilot-sub001/config"
	"github.com/ajessitech/figmacopilot-sub001/errors"
	"github.com/ajessitech/figmacopilot-sub001/metric"
	"github.com/ajessitech/figmacopilot-sub001/protocol"
)

const serverVersion = "1.0.0"

// Server is the relay's WebSocket front door. It accepts party connections,
// runs their read/write loops, and owns the registry, correlator, and stream
// tracker that the router consults.
type Server struct {
	cfg    *config.Config
	logger *slog.Logger
	clock  clock.Clock

	registry   *Registry
	correlator *Correlator
	streams    *StreamTracker
	router     *Router
	tap        TapFunc

	metrics *metric.Metrics
	flow    *flowTracker

	upgrader   websocket.Upgrader
	httpServer *http.Server
	listener   net.Listener

	lifecycleMu sync.Mutex
	initialized bool
	started     atomic.Bool
	cancel      context.CancelFunc
	wg          sync.WaitGroup
}

// ServerOption customizes server construction.
type ServerOption func(*Server)

// WithClock injects a clock, letting tests drive tool-call deadlines and
// janitor sweeps.
func WithClock(clk clock.Clock) ServerOption {
	return func(s *Server) {
		s.clock = clk
	}
}

// WithTap mirrors every forwarded envelope to fn.
func WithTap(fn TapFunc) ServerOption {
	return func(s *Server) {
		s.tap = fn
	}
}

// NewServer creates the relay server. registrar may be nil, which disables
// Prometheus metrics but not the relay itself.
func NewServer(cfg *config.Config, logger *slog.Logger, registrar *metric.MetricsRegistry,
	opts ...ServerOption) *Server {
	s := &Server{
		cfg:    cfg,
		logger: logger.With("component", "relay"),
		clock:  clock.New(),
		flow:   newFlowTracker(),
	}
	if registrar != nil {
		s.metrics = registrar.CoreMetrics()
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Initialize builds the routing collaborators and the HTTP surface.
func (s *Server) Initialize() error {
	s.lifecycleMu.Lock()
	defer s.lifecycleMu.Unlock()

	if s.initialized {
		return nil
	}

	if err := s.cfg.Validate(); err != nil {
		return errors.WrapFatal(err, "Server", "Initialize", "validate config")
	}

	s.registry = NewRegistry(s.cfg.Channels, s.clock, s.logger, s.metrics)
	s.correlator = NewCorrelator(s.cfg.ToolCalls.Timeout, s.cfg.ToolCalls.MaxPendingPerChan,
		s.clock, s.logger, s.metrics)
	s.streams = NewStreamTracker(s.logger, s.metrics)
	s.router = NewRouter(s.registry, s.correlator, s.streams, s.logger, s.metrics, s.tap)

	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		// Parties are plugins and local agents; origin enforcement is the
		// deployment's reverse proxy's job.
		CheckOrigin: func(*http.Request) bool { return true },
	}

	mux := http.NewServeMux()
	mux.HandleFunc(s.cfg.Server.Path, s.handleUpgrade)
	s.httpServer = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.initialized = true
	return nil
}

// Start begins accepting connections. The context governs background loops;
// cancel it or call Stop to shut down.
func (s *Server) Start(ctx context.Context) error {
	s.lifecycleMu.Lock()
	defer s.lifecycleMu.Unlock()

	if !s.initialized {
		return errors.WrapFatal(errors.ErrNotStarted, "Server", "Start", "initialize first")
	}
	if s.started.Load() {
		return errors.WrapFatal(errors.ErrAlreadyStarted, "Server", "Start", "check state")
	}

	addr := fmt.Sprintf("%s:%d", s.cfg.Server.Host, s.cfg.Server.Port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return errors.WrapFatal(err, "Server", "Start", "listen")
	}
	s.listener = listener

	serverCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		if err := s.httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
			s.logger.Error("http server failed", "error", err)
			s.flow.recordError(err)
		}
	}()
	go func() {
		defer s.wg.Done()
		s.registry.RunJanitor(serverCtx)
	}()

	s.flow.start()
	s.started.Store(true)
	if s.metrics != nil {
		s.metrics.RecordComponentStatus("relay", int(component.StateStarted))
	}
	s.logger.Info("relay listening", "addr", listener.Addr().String(), "path", s.cfg.Server.Path)
	return nil
}

// Stop closes every party connection with a server_shutdown notice and
// shuts the listener down within the timeout.
func (s *Server) Stop(timeout time.Duration) error {
	s.lifecycleMu.Lock()
	defer s.lifecycleMu.Unlock()

	if !s.started.Load() {
		return nil
	}
	s.started.Store(false)

	if s.cancel != nil {
		s.cancel()
	}

	for _, conn := range s.registry.Connections() {
		conn.Close(protocol.CloseServerShutdown)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		s.logger.Warn("shutdown incomplete", "error", err)
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-shutdownCtx.Done():
		return errors.WrapTransient(shutdownCtx.Err(), "Server", "Stop", "wait for loops")
	}

	if s.metrics != nil {
		s.metrics.RecordComponentStatus("relay", int(component.StateStopped))
	}
	s.logger.Info("relay stopped")
	return nil
}

// Addr reports the bound listen address, useful when the configured port is
// 0. Empty before Start.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// handleUpgrade turns an HTTP request into a relay connection and runs its
// loops. The read loop runs on the request goroutine.
func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("upgrade failed", "remote", r.RemoteAddr, "error", err)
		s.flow.recordError(err)
		return
	}

	conn, err := newConn(ws, s.logger, ConnOptions{
		SendQueueSize:   s.cfg.Backpressure.SendQueueSize,
		MaxMessageBytes: s.cfg.Server.MaxMessageBytes,
		PingInterval:    s.cfg.Server.PingInterval,
		PongTimeout:     s.cfg.Server.PongTimeout,
		WriteTimeout:    s.cfg.Server.WriteTimeout,
	})
	if err != nil {
		s.logger.Error("connection setup failed", "error", err)
		s.flow.recordError(err)
		_ = ws.Close()
		return
	}
	conn.onOverflow = s.onSlowConsumer

	s.logger.Debug("connection accepted", "conn_id", conn.ID(), "remote", r.RemoteAddr)

	go conn.writeLoop()
	conn.readLoop(s.handleMessage, s.router.HandleClosed)
}

func (s *Server) handleMessage(conn *Conn, env *protocol.Envelope) {
	s.flow.recordMessage()
	s.router.HandleMessage(conn, env)
}

func (s *Server) onSlowConsumer(*Conn) {
	if s.metrics != nil {
		s.metrics.SlowConsumerCloses.Inc()
	}
}

// Meta implements component.Discoverable.
func (s *Server) Meta() component.Metadata {
	return component.Metadata{
		Name:        "relay",
		Type:        "relay",
		Description: "WebSocket relay between frontend executor and reasoning backend",
		Version:     serverVersion,
	}
}

// Health implements component.Discoverable.
func (s *Server) Health() component.HealthStatus {
	healthy := s.started.Load()
	if s.metrics != nil {
		s.metrics.RecordHealthStatus("relay", healthy)
	}
	return component.HealthStatus{
		Healthy:    healthy,
		LastCheck:  time.Now(),
		ErrorCount: s.flow.errorCount(),
		LastError:  s.flow.lastErrorString(),
		Uptime:     s.flow.uptime(),
	}
}

// DataFlow implements component.Discoverable.
func (s *Server) DataFlow() component.FlowMetrics {
	return s.flow.dataFlow()
}
