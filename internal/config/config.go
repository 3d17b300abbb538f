package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/wjake/udp-receiver/internal/peers"
	"github.com/wjake/udp-receiver/internal/receiver"
	"github.com/wjake/udp-receiver/internal/relay"
)

// Config represents the complete service configuration
type Config struct {
	Endpoint EndpointConfig `yaml:"endpoint"`
	HTTP     HTTPConfig     `yaml:"http"`
	Peers    PeersConfig    `yaml:"peers"`
	Relay    RelayConfig    `yaml:"relay"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// EndpointConfig contains UDP endpoint configuration
type EndpointConfig struct {
	SocketName        string `yaml:"socket_name"`
	BindAddress       string `yaml:"bind_address"`
	Port              int    `yaml:"port"`
	BufferSize        int    `yaml:"buffer_size"`
	PollIntervalMs    int    `yaml:"poll_interval_ms"`
	ShutdownTimeoutMs int    `yaml:"shutdown_timeout_ms"`
	QueueSize         int    `yaml:"queue_size"`
	BindAttempts      int    `yaml:"bind_attempts"`
	AutoStart         bool   `yaml:"auto_start"`
}

// HTTPConfig contains HTTP API server configuration
type HTTPConfig struct {
	Port    int    `yaml:"port"`
	Address string `yaml:"address"`
	Enabled bool   `yaml:"enabled"`
}

// PeersConfig contains peer tracking configuration
type PeersConfig struct {
	Enabled       bool `yaml:"enabled"`
	IdleTimeout   int  `yaml:"idle_timeout"`   // seconds
	SweepInterval int  `yaml:"sweep_interval"` // seconds
}

// RelayConfig contains NATS relay configuration
type RelayConfig struct {
	Enabled       bool   `yaml:"enabled"`
	URL           string `yaml:"url"`
	Subject       string `yaml:"subject"`
	ClientName    string `yaml:"client_name"`
	MaxReconnects int    `yaml:"max_reconnects"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// Default returns the configuration used when no file is given
func Default() *Config {
	return &Config{
		Endpoint: EndpointConfig{
			SocketName:        receiver.DefaultSocketName,
			BindAddress:       receiver.DefaultBindAddress,
			Port:              receiver.DefaultPort,
			BufferSize:        receiver.DefaultBufferSize,
			PollIntervalMs:    int(receiver.DefaultPollInterval / time.Millisecond),
			ShutdownTimeoutMs: int(receiver.DefaultShutdownTimeout / time.Millisecond),
			QueueSize:         receiver.DefaultQueueSize,
			BindAttempts:      receiver.DefaultBindAttempts,
			AutoStart:         true,
		},
		HTTP: HTTPConfig{
			Port:    8080,
			Address: "127.0.0.1",
			Enabled: true,
		},
		Peers: PeersConfig{
			Enabled:       true,
			IdleTimeout:   int(peers.DefaultIdleTimeout / time.Second),
			SweepInterval: int(peers.DefaultSweepInterval / time.Second),
		},
		Relay: RelayConfig{
			Enabled:       false,
			URL:           relay.DefaultURL,
			Subject:       relay.DefaultSubject,
			ClientName:    relay.DefaultClientName,
			MaxReconnects: relay.DefaultMaxReconnects,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
			Output: "stdout",
		},
	}
}

// Load reads the configuration file over the defaults and validates the result
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	config := Default()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return config, nil
}

// Validate performs validation of every section
func (c *Config) Validate() error {
	if err := c.Endpoint.Validate(); err != nil {
		return fmt.Errorf("endpoint config: %w", err)
	}

	if err := c.HTTP.Validate(); err != nil {
		return fmt.Errorf("http config: %w", err)
	}

	if err := c.Peers.Validate(); err != nil {
		return fmt.Errorf("peers config: %w", err)
	}

	if err := c.Relay.Validate(); err != nil {
		return fmt.Errorf("relay config: %w", err)
	}

	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging config: %w", err)
	}

	return nil
}

// Validate validates endpoint configuration
func (e *EndpointConfig) Validate() error {
	if e.Port < 0 || e.Port > 65535 {
		return fmt.Errorf("port must be between 0 and 65535, got %d", e.Port)
	}

	if err := e.Receiver().Validate(); err != nil {
		return err
	}

	if e.PollIntervalMs < 1 {
		return fmt.Errorf("poll_interval_ms must be at least 1, got %d", e.PollIntervalMs)
	}

	if e.ShutdownTimeoutMs < 1 {
		return fmt.Errorf("shutdown_timeout_ms must be at least 1, got %d", e.ShutdownTimeoutMs)
	}

	if e.QueueSize < 1 {
		return fmt.Errorf("queue_size must be at least 1, got %d", e.QueueSize)
	}

	if e.BindAttempts < 1 {
		return fmt.Errorf("bind_attempts must be at least 1, got %d", e.BindAttempts)
	}

	return nil
}

// Receiver returns the bind settings in the form the endpoint takes
func (e *EndpointConfig) Receiver() receiver.EndpointConfig {
	return receiver.EndpointConfig{
		SocketName:  e.SocketName,
		BindAddress: e.BindAddress,
		Port:        uint16(e.Port),
		BufferSize:  e.BufferSize,
	}
}

// GetPollInterval returns the read deadline interval as a time.Duration
func (e *EndpointConfig) GetPollInterval() time.Duration {
	return time.Duration(e.PollIntervalMs) * time.Millisecond
}

// GetShutdownTimeout returns the receive loop join timeout as a time.Duration
func (e *EndpointConfig) GetShutdownTimeout() time.Duration {
	return time.Duration(e.ShutdownTimeoutMs) * time.Millisecond
}

// Validate validates HTTP configuration
func (h *HTTPConfig) Validate() error {
	if h.Enabled {
		if h.Port < 1 || h.Port > 65535 {
			return fmt.Errorf("http port must be between 1 and 65535, got %d", h.Port)
		}

		if h.Address == "" {
			return fmt.Errorf("http address cannot be empty when HTTP is enabled")
		}
	}

	return nil
}

// Validate validates peer tracking configuration
func (p *PeersConfig) Validate() error {
	if !p.Enabled {
		return nil
	}

	if p.IdleTimeout < 1 {
		return fmt.Errorf("idle_timeout must be at least 1 second, got %d", p.IdleTimeout)
	}

	if p.SweepInterval < 1 {
		return fmt.Errorf("sweep_interval must be at least 1 second, got %d", p.SweepInterval)
	}

	return nil
}

// Tracker returns the tracker settings
func (p *PeersConfig) Tracker() peers.Config {
	return peers.Config{
		IdleTimeout:   time.Duration(p.IdleTimeout) * time.Second,
		SweepInterval: time.Duration(p.SweepInterval) * time.Second,
	}
}

// Validate validates relay configuration
func (r *RelayConfig) Validate() error {
	if !r.Enabled {
		return nil
	}

	if r.URL == "" {
		return fmt.Errorf("url cannot be empty when relay is enabled")
	}

	if r.Subject == "" {
		return fmt.Errorf("subject cannot be empty when relay is enabled")
	}

	return nil
}

// Connection returns the NATS connection settings
func (r *RelayConfig) Connection() relay.Config {
	return relay.Config{
		URL:           r.URL,
		Subject:       r.Subject,
		ClientName:    r.ClientName,
		MaxReconnects: r.MaxReconnects,
	}
}

// Validate validates logging configuration
func (l *LoggingConfig) Validate() error {
	validLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true,
	}
	if !validLevels[l.Level] {
		return fmt.Errorf("level must be one of [debug, info, warn, error], got '%s'", l.Level)
	}

	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[l.Format] {
		return fmt.Errorf("format must be 'json' or 'text', got '%s'", l.Format)
	}

	// Anything other than stdout or stderr is treated as a file path
	if l.Output == "" {
		return fmt.Errorf("output cannot be empty")
	}

	return nil
}
