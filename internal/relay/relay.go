package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/wjake/udp-receiver/internal/metrics"
	"github.com/wjake/udp-receiver/internal/receiver"
	"github.com/wjake/udp-receiver/internal/retry"
)

const (
	DefaultURL           = nats.DefaultURL
	DefaultSubject       = "udp.received"
	DefaultClientName    = "udp-receiver"
	DefaultMaxReconnects = -1
	DefaultReconnectWait = 2 * time.Second
	DefaultTimeout       = 5 * time.Second
)

// Publisher is the part of *nats.Conn the relay needs
type Publisher interface {
	Publish(subject string, data []byte) error
}

// Config holds NATS connection settings
type Config struct {
	URL            string
	Subject        string
	ClientName     string
	MaxReconnects  int
	ReconnectWait  time.Duration
	Timeout        time.Duration
	ConnectRetries int
}

// Event is the JSON document published for every received message
type Event struct {
	SocketName string    `json:"socket_name"`
	SenderIP   string    `json:"sender_ip"`
	Sender     string    `json:"sender"`
	Message    string    `json:"message"`
	ReceivedAt time.Time `json:"received_at"`
}

// Statistics counts publish outcomes
type Statistics struct {
	Published uint64 `json:"published"`
	Failed    uint64 `json:"failed"`
	Subject   string `json:"subject"`
	Connected bool   `json:"connected"`
}

// Relay forwards message events to a subject
type Relay struct {
	pub     Publisher
	conn    *nats.Conn
	subject string
	logger  *slog.Logger
	metrics *metrics.Metrics

	published atomic.Uint64
	failed    atomic.Uint64
	closeOnce sync.Once
}

// New creates a relay over an existing publisher
func New(pub Publisher, subject string, logger *slog.Logger, m *metrics.Metrics) *Relay {
	if logger == nil {
		logger = slog.Default()
	}
	if subject == "" {
		subject = DefaultSubject
	}
	return &Relay{
		pub:     pub,
		subject: subject,
		logger:  logger.With(slog.String("component", "relay")),
		metrics: m,
	}
}

// Connect dials NATS and returns a relay that owns the connection
func Connect(ctx context.Context, cfg Config, logger *slog.Logger, m *metrics.Metrics) (*Relay, error) {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	log := logger.With(slog.String("component", "relay"))

	opts := []nats.Option{
		nats.Name(cfg.ClientName),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.Timeout(cfg.Timeout),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn("NATS disconnected", slog.String("error", err.Error()))
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info("NATS reconnected", slog.String("url", nc.ConnectedUrl()))
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			log.Debug("NATS connection closed")
		}),
	}

	var conn *nats.Conn
	err := retry.Do(ctx, retry.Config{
		MaxAttempts:  cfg.ConnectRetries,
		InitialDelay: 500 * time.Millisecond,
		MaxDelay:     5 * time.Second,
		Multiplier:   2,
		AddJitter:    true,
	}, func() error {
		nc, err := nats.Connect(cfg.URL, opts...)
		if err != nil {
			log.Warn("NATS connect attempt failed",
				slog.String("url", cfg.URL),
				slog.String("error", err.Error()),
			)
			return err
		}
		conn = nc
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS at %s: %w", cfg.URL, err)
	}

	r := New(conn, cfg.Subject, logger, m)
	r.conn = conn

	log.Info("Connected to NATS",
		slog.String("url", conn.ConnectedUrl()),
		slog.String("subject", r.subject),
	)
	return r, nil
}

func (c Config) withDefaults() Config {
	if c.URL == "" {
		c.URL = DefaultURL
	}
	if c.Subject == "" {
		c.Subject = DefaultSubject
	}
	if c.ClientName == "" {
		c.ClientName = DefaultClientName
	}
	if c.MaxReconnects == 0 {
		c.MaxReconnects = DefaultMaxReconnects
	}
	if c.ReconnectWait <= 0 {
		c.ReconnectWait = DefaultReconnectWait
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	if c.ConnectRetries <= 0 {
		c.ConnectRetries = 3
	}
	return c
}

// NewEvent converts a message event into its published form
func NewEvent(ev receiver.MessageEvent) Event {
	out := Event{
		SenderIP:   ev.SenderIP,
		Sender:     ev.Sender.String(),
		Message:    ev.Message,
		ReceivedAt: ev.ReceivedAt.UTC(),
	}
	if ev.Receiver != nil {
		out.SocketName = ev.Receiver.Config().SocketName
	}
	return out
}

// Forward publishes ev. It is registered with Endpoint.Subscribe; failures are
// logged and counted, never returned to the dispatcher.
func (r *Relay) Forward(ev receiver.MessageEvent) {
	if err := r.Publish(NewEvent(ev)); err != nil {
		r.logger.Warn("Failed to relay message",
			slog.String("sender", ev.Sender.String()),
			slog.String("subject", r.subject),
			slog.String("error", err.Error()),
		)
	}
}

// Publish encodes and publishes one event
func (r *Relay) Publish(ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		r.failed.Add(1)
		r.metrics.RecordRelay(false)
		return fmt.Errorf("failed to encode relay event: %w", err)
	}

	if err := r.pub.Publish(r.subject, data); err != nil {
		r.failed.Add(1)
		r.metrics.RecordRelay(false)
		return fmt.Errorf("failed to publish to %s: %w", r.subject, err)
	}

	r.published.Add(1)
	r.metrics.RecordRelay(true)
	return nil
}

// Subject returns the subject events are published to
func (r *Relay) Subject() string {
	return r.subject
}

// Statistics returns publish counters
func (r *Relay) Statistics() Statistics {
	stats := Statistics{
		Published: r.published.Load(),
		Failed:    r.failed.Load(),
		Subject:   r.subject,
		Connected: true,
	}
	if r.conn != nil {
		stats.Connected = r.conn.IsConnected()
	}
	return stats
}

// Close drains the connection when the relay owns one
func (r *Relay) Close() error {
	var err error
	r.closeOnce.Do(func() {
		if r.conn == nil {
			return
		}
		if err = r.conn.Drain(); err != nil {
			r.conn.Close()
		}
		r.logger.Info("Relay closed",
			slog.Uint64("published", r.published.Load()),
			slog.Uint64("failed", r.failed.Load()),
		)
	})
	return err
}
