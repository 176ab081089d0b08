package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ajessitech/figmacopilot-sub001/errors"
)

// Join policy constants for occupied role slots.
const (
	JoinPolicyEvict  = "evict"  // new connection replaces the incumbent
	JoinPolicyReject = "reject" // new connection is refused with role_conflict
)

// Config represents the complete relay configuration.
type Config struct {
	Server       ServerConfig       `json:"server"`
	Channels     ChannelsConfig     `json:"channels"`
	ToolCalls    ToolCallsConfig    `json:"toolcalls"`
	Backpressure BackpressureConfig `json:"backpressure"`
	Metrics      MetricsConfig      `json:"metrics"`
	Tap          TapConfig          `json:"tap"`
}

// ServerConfig defines the WebSocket listener settings.
type ServerConfig struct {
	Host            string        `json:"host"`
	Port            int           `json:"port"`
	Path            string        `json:"path"`
	MaxMessageBytes int64         `json:"max_message_bytes"`
	PingInterval    time.Duration `json:"ping_interval"`
	PongTimeout     time.Duration `json:"pong_timeout"`
	WriteTimeout    time.Duration `json:"write_timeout"`
	ShutdownTimeout time.Duration `json:"shutdown_timeout"`
}

// ChannelsConfig defines channel registry behavior.
type ChannelsConfig struct {
	JoinPolicy    string        `json:"join_policy"` // "evict" or "reject"
	IdleTTL       time.Duration `json:"idle_ttl"`
	SweepInterval time.Duration `json:"sweep_interval"`
}

// ToolCallsConfig defines tool call correlation settings.
type ToolCallsConfig struct {
	Timeout           time.Duration `json:"timeout"`
	MaxPendingPerChan int           `json:"max_pending_per_channel"`
}

// BackpressureConfig defines per-connection outbound queue limits.
type BackpressureConfig struct {
	SendQueueSize int `json:"send_queue_size"`
}

// MetricsConfig defines the Prometheus/health HTTP endpoint.
type MetricsConfig struct {
	Enabled bool   `json:"enabled"`
	Port    int    `json:"port"`
	Path    string `json:"path"`
}

// TapConfig defines the optional NATS message tap.
type TapConfig struct {
	Enabled       bool     `json:"enabled"`
	URLs          []string `json:"urls,omitempty"`
	SubjectPrefix string   `json:"subject_prefix,omitempty"`
}

// Default returns the built-in default configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            3055,
			Path:            "/",
			MaxMessageBytes: 4 << 20,
			PingInterval:    30 * time.Second,
			PongTimeout:     60 * time.Second,
			WriteTimeout:    10 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		Channels: ChannelsConfig{
			JoinPolicy:    JoinPolicyEvict,
			IdleTTL:       30 * time.Minute,
			SweepInterval: time.Minute,
		},
		ToolCalls: ToolCallsConfig{
			Timeout:           30 * time.Second,
			MaxPendingPerChan: 64,
		},
		Backpressure: BackpressureConfig{
			SendQueueSize: 256,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Port:    9090,
			Path:    "/metrics",
		},
		Tap: TapConfig{
			Enabled:       false,
			URLs:          []string{"nats://localhost:4222"},
			SubjectPrefix: "relay.tap",
		},
	}
}

// Validate checks if the config is valid.
func (c *Config) Validate() error {
	// Port 0 binds an ephemeral port.
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate",
			fmt.Sprintf("server.port %d out of range", c.Server.Port))
	}
	if !strings.HasPrefix(c.Server.Path, "/") {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate",
			"server.path must start with /")
	}
	if c.Server.PongTimeout <= c.Server.PingInterval {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate",
			"server.pong_timeout must exceed server.ping_interval")
	}

	switch c.Channels.JoinPolicy {
	case JoinPolicyEvict, JoinPolicyReject:
	default:
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate",
			fmt.Sprintf("channels.join_policy %q (must be %q or %q)",
				c.Channels.JoinPolicy, JoinPolicyEvict, JoinPolicyReject))
	}
	if c.Channels.IdleTTL <= 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate",
			"channels.idle_ttl must be positive")
	}
	if c.Channels.SweepInterval <= 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate",
			"channels.sweep_interval must be positive")
	}

	if c.ToolCalls.Timeout <= 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate",
			"toolcalls.timeout must be positive")
	}
	if c.ToolCalls.MaxPendingPerChan <= 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate",
			"toolcalls.max_pending_per_channel must be positive")
	}

	if c.Backpressure.SendQueueSize <= 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate",
			"backpressure.send_queue_size must be positive")
	}

	if c.Metrics.Enabled {
		if c.Metrics.Port <= 0 || c.Metrics.Port > 65535 {
			return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate",
				fmt.Sprintf("metrics.port %d out of range", c.Metrics.Port))
		}
		if c.Metrics.Port == c.Server.Port && c.Server.Port != 0 {
			return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate",
				"metrics.port must differ from server.port")
		}
	}

	if c.Tap.Enabled {
		if len(c.Tap.URLs) == 0 {
			return errors.WrapInvalid(errors.ErrMissingConfig, "Config", "Validate",
				"tap.urls required when tap is enabled")
		}
		if c.Tap.SubjectPrefix == "" {
			return errors.WrapInvalid(errors.ErrMissingConfig, "Config", "Validate",
				"tap.subject_prefix required when tap is enabled")
		}
	}

	return nil
}

// Clone creates a deep copy of the configuration.
func (c *Config) Clone() *Config {
	if c == nil {
		return &Config{}
	}

	data, err := json.Marshal(c)
	if err != nil {
		copied := *c
		return &copied
	}

	var clone Config
	if err := json.Unmarshal(data, &clone); err != nil {
		copied := *c
		return &copied
	}

	return &clone
}

// String returns a JSON representation of the config.
func (c *Config) String() string {
	data, _ := json.MarshalIndent(c, "", "  ")
	return string(data)
}

// Loader handles configuration loading with defaults, file layers, and
// environment overrides.
type Loader struct {
	layers     []string
	validation bool
	envPrefix  string
}

// NewLoader creates a new configuration loader.
func NewLoader() *Loader {
	return &Loader{
		validation: true,
		envPrefix:  "FIGMA_RELAY",
	}
}

// AddLayer adds a configuration file layer. Later layers override earlier
// ones.
func (l *Loader) AddLayer(path string) {
	l.layers = append(l.layers, path)
}

// EnableValidation enables or disables configuration validation.
func (l *Loader) EnableValidation(enable bool) {
	l.validation = enable
}

// LoadFile loads configuration from a single file on top of defaults.
func (l *Loader) LoadFile(path string) (*Config, error) {
	l.layers = []string{path}
	return l.Load()
}

// Load loads and merges all configuration layers over the defaults, then
// applies environment overrides.
func (l *Loader) Load() (*Config, error) {
	cfg := Default()

	for _, path := range l.layers {
		rawConfig, err := l.loadRawJSON(path)
		if err != nil {
			return nil, fmt.Errorf("failed to load %s: %w", path, err)
		}
		cfg = l.mergeFromMap(cfg, rawConfig)
	}

	if err := l.applyEnvOverrides(cfg); err != nil {
		return nil, err
	}

	if l.validation {
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}

	return cfg, nil
}

// loadRawJSON loads configuration from a JSON file as a map.
func (l *Loader) loadRawJSON(path string) (map[string]any, error) {
	data, err := safeReadFile(path)
	if err != nil {
		return nil, err
	}

	if err := validateJSONDepth(data); err != nil {
		return nil, fmt.Errorf("invalid JSON structure: %w", err)
	}

	var rawConfig map[string]any
	if err := json.Unmarshal(data, &rawConfig); err != nil {
		return nil, err
	}

	l.parseDurations(rawConfig)

	return rawConfig, nil
}

// durationFields maps config sections to their duration-typed keys.
var durationFields = map[string][]string{
	"server":    {"ping_interval", "pong_timeout", "write_timeout", "shutdown_timeout"},
	"channels":  {"idle_ttl", "sweep_interval"},
	"toolcalls": {"timeout"},
}

// parseDurations converts duration strings to nanoseconds for JSON
// unmarshaling into time.Duration fields.
func (l *Loader) parseDurations(data map[string]any) {
	for section, keys := range durationFields {
		m, ok := data[section].(map[string]any)
		if !ok {
			continue
		}
		for _, key := range keys {
			if s, ok := m[key].(string); ok {
				if d, err := time.ParseDuration(s); err == nil {
					m[key] = d.Nanoseconds()
				}
			}
		}
	}
}

// mergeFromMap merges configuration from a raw map, only overriding fields
// present in the map.
func (l *Loader) mergeFromMap(base *Config, override map[string]any) *Config {
	if override == nil {
		return base
	}

	baseJSON, err := json.Marshal(base)
	if err != nil {
		return base
	}

	var baseMap map[string]any
	if err := json.Unmarshal(baseJSON, &baseMap); err != nil {
		return base
	}

	mergedMap := l.deepMergeMaps(baseMap, override)

	mergedJSON, err := json.Marshal(mergedMap)
	if err != nil {
		return base
	}

	var merged Config
	if err := json.Unmarshal(mergedJSON, &merged); err != nil {
		return base
	}

	return &merged
}

// deepMergeMaps recursively merges two maps, with override taking precedence.
func (l *Loader) deepMergeMaps(base, override map[string]any) map[string]any {
	result := make(map[string]any)

	for k, v := range base {
		result[k] = v
	}

	for k, v := range override {
		if v == nil {
			continue
		}

		if baseMap, baseOk := base[k].(map[string]any); baseOk {
			if overrideMap, overrideOk := v.(map[string]any); overrideOk {
				result[k] = l.deepMergeMaps(baseMap, overrideMap)
				continue
			}
		}

		result[k] = v
	}

	return result
}

// applyEnvOverrides applies FIGMA_RELAY_* environment variable overrides.
func (l *Loader) applyEnvOverrides(cfg *Config) error {
	var err error

	setString := func(key string, dst *string) {
		if val := os.Getenv(l.envPrefix + key); val != "" {
			*dst = val
		}
	}
	setInt := func(key string, dst *int) {
		val := os.Getenv(l.envPrefix + key)
		if val == "" {
			return
		}
		n, convErr := strconv.Atoi(val)
		if convErr != nil {
			err = fmt.Errorf("invalid %s%s: %w", l.envPrefix, key, convErr)
			return
		}
		*dst = n
	}
	setBool := func(key string, dst *bool) {
		val := os.Getenv(l.envPrefix + key)
		if val == "" {
			return
		}
		b, convErr := strconv.ParseBool(val)
		if convErr != nil {
			err = fmt.Errorf("invalid %s%s: %w", l.envPrefix, key, convErr)
			return
		}
		*dst = b
	}
	setDuration := func(key string, dst *time.Duration) {
		val := os.Getenv(l.envPrefix + key)
		if val == "" {
			return
		}
		d, convErr := time.ParseDuration(val)
		if convErr != nil {
			err = fmt.Errorf("invalid %s%s: %w", l.envPrefix, key, convErr)
			return
		}
		*dst = d
	}

	setString("_SERVER_HOST", &cfg.Server.Host)
	setInt("_SERVER_PORT", &cfg.Server.Port)
	setString("_SERVER_PATH", &cfg.Server.Path)

	setString("_CHANNELS_JOIN_POLICY", &cfg.Channels.JoinPolicy)
	setDuration("_CHANNELS_IDLE_TTL", &cfg.Channels.IdleTTL)

	setDuration("_TOOLCALLS_TIMEOUT", &cfg.ToolCalls.Timeout)

	setInt("_BACKPRESSURE_SEND_QUEUE_SIZE", &cfg.Backpressure.SendQueueSize)

	setBool("_METRICS_ENABLED", &cfg.Metrics.Enabled)
	setInt("_METRICS_PORT", &cfg.Metrics.Port)

	setBool("_TAP_ENABLED", &cfg.Tap.Enabled)
	if val := os.Getenv(l.envPrefix + "_TAP_URLS"); val != "" {
		cfg.Tap.URLs = strings.Split(val, ",")
	}
	setString("_TAP_SUBJECT_PREFIX", &cfg.Tap.SubjectPrefix)

	return err
}

// SaveToFile saves the configuration to a JSON file.
func (c *Config) SaveToFile(path string) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}

	return safeWriteFile(path, data)
}
