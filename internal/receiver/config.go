package receiver

import (
	"fmt"
	"log/slog"
	"net/netip"
	"time"

	"github.com/wjake/udp-receiver/internal/metrics"
)

// Endpoint defaults
const (
	DefaultSocketName      = "Socket"
	DefaultBindAddress     = "0.0.0.0"
	DefaultPort            = 65432
	DefaultBufferSize      = 1024
	DefaultPollInterval    = 100 * time.Millisecond
	DefaultShutdownTimeout = 2 * time.Second
	DefaultWriteTimeout    = time.Second
	DefaultQueueSize       = 1000
	DefaultBindAttempts    = 1
	DefaultBindBackoff     = 200 * time.Millisecond
)

// EndpointConfig describes where the endpoint binds.
// SocketName is only used in logs and diagnostics.
type EndpointConfig struct {
	SocketName  string `json:"socket_name" yaml:"socket_name"`
	BindAddress string `json:"bind_address" yaml:"bind_address"`
	Port        uint16 `json:"port" yaml:"port"`
	BufferSize  int    `json:"buffer_size" yaml:"buffer_size"`
}

// DefaultEndpointConfig returns the stock endpoint settings
func DefaultEndpointConfig() EndpointConfig {
	return EndpointConfig{
		SocketName:  DefaultSocketName,
		BindAddress: DefaultBindAddress,
		Port:        DefaultPort,
		BufferSize:  DefaultBufferSize,
	}
}

// Validate checks the bind address and buffer size
func (c EndpointConfig) Validate() error {
	if _, err := ParseIPv4(c.BindAddress); err != nil {
		return newError("validate", ErrInvalidAddress, c.BindAddress, nil)
	}
	if c.BufferSize <= 0 {
		return newError("validate", ErrInvalidConfig, "",
			fmt.Errorf("buffer_size must be positive, got %d", c.BufferSize))
	}
	return nil
}

// AddrPort returns the bind endpoint. Port 0 asks the OS for an ephemeral port.
func (c EndpointConfig) AddrPort() (netip.AddrPort, error) {
	addr, err := ParseIPv4(c.BindAddress)
	if err != nil {
		return netip.AddrPort{}, err
	}
	return netip.AddrPortFrom(addr, c.Port), nil
}

func (c EndpointConfig) bindEqual(o EndpointConfig) bool {
	return c.BindAddress == o.BindAddress && c.Port == o.Port && c.BufferSize == o.BufferSize
}

// ParseIPv4 parses a dotted-quad IPv4 address. IPv6 and IPv4-mapped IPv6
// forms are rejected.
func ParseIPv4(s string) (netip.Addr, error) {
	addr, err := netip.ParseAddr(s)
	if err != nil {
		return netip.Addr{}, newError("parse", ErrInvalidAddress, s, nil)
	}
	if !addr.Is4() {
		return netip.Addr{}, newError("parse", ErrInvalidAddress, s, nil)
	}
	return addr, nil
}

// Options holds runtime dependencies and tuning for an Endpoint.
// Zero values select the defaults above.
type Options struct {
	Logger          *slog.Logger     // Defaults to slog.Default()
	Metrics         *metrics.Metrics // Optional, nil disables Prometheus recording
	PollInterval    time.Duration    // Upper bound on how long a read blocks before checking for stop
	ShutdownTimeout time.Duration    // How long Stop waits for the receive loop before forcing close
	WriteTimeout    time.Duration    // Deadline applied to every socket write
	QueueSize       int              // Capacity of the host delivery queue
	BindAttempts    int              // Total bind attempts per Start
	BindBackoff     time.Duration    // Delay before the second bind attempt, doubled each retry
}

func (o Options) withDefaults() Options {
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.PollInterval <= 0 {
		o.PollInterval = DefaultPollInterval
	}
	if o.ShutdownTimeout <= 0 {
		o.ShutdownTimeout = DefaultShutdownTimeout
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = DefaultWriteTimeout
	}
	if o.QueueSize <= 0 {
		o.QueueSize = DefaultQueueSize
	}
	if o.BindAttempts <= 0 {
		o.BindAttempts = DefaultBindAttempts
	}
	if o.BindBackoff <= 0 {
		o.BindBackoff = DefaultBindBackoff
	}
	return o
}
