package receiver

import (
	"context"
	"log/slog"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/wjake/udp-receiver/internal/metrics"
	"github.com/wjake/udp-receiver/internal/protocol"
	"github.com/wjake/udp-receiver/internal/retry"
)

// Handle identifies one receive session, from Start to Stop
type Handle struct {
	ID         uuid.UUID      `json:"id"`
	SocketName string         `json:"socket_name"`
	LocalAddr  netip.AddrPort `json:"local_addr"`
	StartedAt  time.Time      `json:"started_at"`
}

// session ties the receive goroutine to the socket it reads from
type session struct {
	handle Handle
	socket *Socket
	stop   chan struct{}
	done   chan struct{}
}

// Endpoint is the UDP receiver. Lifecycle calls are serialized; Send, SendTo
// and the accessors may be called from any goroutine.
type Endpoint struct {
	config     atomic.Pointer[EndpointConfig]
	opts       Options
	logger     *slog.Logger
	metrics    *metrics.Metrics
	dispatcher *Dispatcher

	mu    sync.Mutex
	state atomic.Int32
	sess  atomic.Pointer[session]

	datagramsReceived atomic.Uint64
	bytesReceived     atomic.Uint64
	decodeFailures    atomic.Uint64
	readErrors        atomic.Uint64
	messagesSent      atomic.Uint64
	sendFailures      atomic.Uint64
}

// Statistics is a snapshot of endpoint counters
type Statistics struct {
	State             State                `json:"state"`
	DatagramsReceived uint64               `json:"datagrams_received"`
	BytesReceived     uint64               `json:"bytes_received"`
	DecodeFailures    uint64               `json:"decode_failures"`
	ReadErrors        uint64               `json:"read_errors"`
	MessagesSent      uint64               `json:"messages_sent"`
	SendFailures      uint64               `json:"send_failures"`
	Dispatch          DispatcherStatistics `json:"dispatch"`
}

// New creates an idle endpoint. The config is validated on Start.
func New(cfg EndpointConfig, opts Options) *Endpoint {
	opts = opts.withDefaults()

	e := &Endpoint{
		opts:    opts,
		logger:  opts.Logger.With(slog.String("component", "udp-receiver")),
		metrics: opts.Metrics,
	}
	e.config.Store(&cfg)
	e.dispatcher = NewDispatcher(opts.QueueSize, e.logger, opts.Metrics)
	e.dispatcher.receiver = e
	e.metrics.SetState(int(StateIdle))

	return e
}

// Start binds the socket and launches the receive loop.
// Starting a running endpoint returns the current handle.
func (e *Endpoint) Start(ctx context.Context) (Handle, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.startLocked(ctx)
}

func (e *Endpoint) startLocked(ctx context.Context) (Handle, error) {
	if e.State() == StateRunning {
		return e.sess.Load().handle, nil
	}

	cfg := *e.config.Load()

	addr, err := cfg.AddrPort()
	if err != nil {
		e.logger.Error("Invalid IP address",
			slog.String("socket_name", cfg.SocketName),
			slog.String("bind_address", cfg.BindAddress),
		)
		return Handle{}, newError("start", ErrInvalidAddress, cfg.BindAddress, nil)
	}
	if err := cfg.Validate(); err != nil {
		return Handle{}, err
	}

	e.setState(StateStarting)

	retryCfg := retry.Config{
		MaxAttempts:  e.opts.BindAttempts,
		InitialDelay: e.opts.BindBackoff,
		MaxDelay:     10 * e.opts.BindBackoff,
		Multiplier:   2,
		AddJitter:    true,
	}

	var sock *Socket
	err = retry.Do(ctx, retryCfg, func() error {
		s, bindErr := BindSocket(ctx, cfg.SocketName, addr, cfg.BufferSize, e.opts.WriteTimeout, e.logger)
		if bindErr != nil {
			e.logger.Warn("UDP bind attempt failed",
				slog.String("socket_name", cfg.SocketName),
				slog.String("address", addr.String()),
				slog.String("error", bindErr.Error()),
			)
			return bindErr
		}
		sock = s
		return nil
	})
	if err != nil {
		e.setState(StateFailed)
		e.metrics.RecordBindFailure()
		e.logger.Error("Failed to create UDP socket",
			slog.String("socket_name", cfg.SocketName),
			slog.String("address", addr.String()),
			slog.String("error", err.Error()),
		)
		return Handle{}, newError("start", ErrBindFailed, addr.String(), err)
	}

	s := &session{
		handle: Handle{
			ID:         uuid.New(),
			SocketName: cfg.SocketName,
			LocalAddr:  sock.LocalAddr(),
			StartedAt:  time.Now(),
		},
		socket: sock,
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	e.sess.Store(s)
	e.setState(StateRunning)
	e.metrics.RecordSessionStarted()

	go e.receiveLoop(s)

	e.logger.Info("UDP receiver started",
		slog.String("socket_name", cfg.SocketName),
		slog.String("address", s.handle.LocalAddr.String()),
		slog.Int("buffer_size", cfg.BufferSize),
		slog.String("session_id", s.handle.ID.String()),
	)

	return s.handle, nil
}

// Stop ends the receive session and releases the socket. It never fails and
// is a no-op when the endpoint is not running.
func (e *Endpoint) Stop() {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.stopLocked()
}

func (e *Endpoint) stopLocked() {
	switch e.State() {
	case StateFailed:
		e.setState(StateIdle)
		return
	case StateRunning:
	default:
		return
	}

	e.setState(StateStopping)
	s := e.sess.Load()

	e.logger.Info("Stopping UDP receiver...",
		slog.String("socket_name", s.handle.SocketName),
		slog.String("session_id", s.handle.ID.String()),
	)

	close(s.stop)

	timer := time.NewTimer(e.opts.ShutdownTimeout)
	select {
	case <-s.done:
	case <-timer.C:
		e.logger.Warn("Receive loop did not stop in time, forcing socket close",
			slog.Duration("shutdown_timeout", e.opts.ShutdownTimeout),
		)
	}
	timer.Stop()

	if err := s.socket.Close(); err != nil {
		e.logger.Warn("Error closing UDP socket", slog.String("error", err.Error()))
	}

	// A closed socket fails the pending read, so this returns promptly
	<-s.done

	e.sess.Store(nil)
	e.setState(StateIdle)

	stats := e.Statistics()
	e.logger.Info("UDP receiver stopped",
		slog.String("socket_name", s.handle.SocketName),
		slog.Duration("uptime", time.Since(s.handle.StartedAt)),
		slog.Uint64("datagrams_received", stats.DatagramsReceived),
		slog.Uint64("decode_failures", stats.DecodeFailures),
		slog.Uint64("events_delivered", stats.Dispatch.EventsDelivered),
	)
}

// Restart stops the endpoint if needed and starts it with the current config
func (e *Endpoint) Restart(ctx context.Context) (Handle, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.stopLocked()
	return e.startLocked(ctx)
}

// UpdateConfig replaces the stored configuration. A running session keeps its
// socket; bind settings take effect on the next Start or Restart.
func (e *Endpoint) UpdateConfig(cfg EndpointConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	prev := e.config.Swap(&cfg)

	e.logger.Info("Updated config",
		slog.String("socket_name", cfg.SocketName),
		slog.String("bind_address", cfg.BindAddress),
		slog.Int("port", int(cfg.Port)),
		slog.Int("buffer_size", cfg.BufferSize),
	)

	if e.State() == StateRunning && !prev.bindEqual(cfg) {
		e.logger.Warn("Bind settings changed while running, they apply on the next start",
			slog.String("active_address", e.LocalAddr().String()),
		)
	}

	return nil
}

// Send writes message to destinationIP on the configured port. With port 0
// configured, the port the socket is bound to is used.
func (e *Endpoint) Send(message, destinationIP string) error {
	addr, err := ParseIPv4(destinationIP)
	if err != nil {
		e.logger.Error("Invalid IP address", slog.String("destination", destinationIP))
		return newError("send", ErrInvalidAddress, destinationIP, nil)
	}

	port := e.config.Load().Port
	if port == 0 {
		s := e.sess.Load()
		if s == nil {
			e.recordSend(0, false)
			return newError("send", ErrSocketClosed, destinationIP, nil)
		}
		port = s.handle.LocalAddr.Port()
	}

	return e.SendTo(message, netip.AddrPortFrom(addr, port))
}

// SendTo writes message to dst. A nil error means the whole payload was written.
func (e *Endpoint) SendTo(message string, dst netip.AddrPort) error {
	dst = netip.AddrPortFrom(dst.Addr().Unmap(), dst.Port())
	if !dst.Addr().Is4() || dst.Port() == 0 {
		return newError("send", ErrInvalidAddress, dst.String(), nil)
	}

	payload, err := protocol.EncodeText(message)
	if err != nil {
		e.recordSend(0, false)
		return newError("send", ErrSendFailed, dst.String(), err)
	}

	s := e.sess.Load()
	if s == nil {
		e.recordSend(0, false)
		return newError("send", ErrSocketClosed, dst.String(), nil)
	}

	n, err := s.socket.Send(OutboundMessage{Destination: dst, Payload: payload})
	if err != nil {
		e.recordSend(n, false)
		e.logger.Error("Failed to send message",
			slog.String("destination", dst.String()),
			slog.String("error", err.Error()),
		)
		return err
	}

	e.recordSend(n, true)
	e.logger.Debug("Sent message",
		slog.String("destination", dst.String()),
		slog.Int("bytes", n),
	)
	return nil
}

func (e *Endpoint) recordSend(n int, ok bool) {
	if ok {
		e.messagesSent.Add(1)
	} else {
		e.sendFailures.Add(1)
	}
	e.metrics.RecordSend(n, ok)
}

// State returns the current lifecycle state
func (e *Endpoint) State() State {
	return State(e.state.Load())
}

func (e *Endpoint) setState(next State) {
	prev := e.State()
	if !prev.CanTransition(next) {
		// Only reachable through a lifecycle bug; keep the state coherent anyway
		e.logger.Error("Unexpected receiver state transition",
			slog.String("from", prev.String()),
			slog.String("to", next.String()),
		)
	}
	e.state.Store(int32(next))
	e.metrics.SetState(int(next))
}

// Config returns a copy of the stored configuration
func (e *Endpoint) Config() EndpointConfig {
	return *e.config.Load()
}

// Handle returns the active session handle, if any
func (e *Endpoint) Handle() (Handle, bool) {
	if s := e.sess.Load(); s != nil {
		return s.handle, true
	}
	return Handle{}, false
}

// LocalAddr returns the bound address, or the zero value when not running
func (e *Endpoint) LocalAddr() netip.AddrPort {
	if s := e.sess.Load(); s != nil {
		return s.handle.LocalAddr
	}
	return netip.AddrPort{}
}

// Dispatcher returns the event dispatcher shared by all sessions
func (e *Endpoint) Dispatcher() *Dispatcher {
	return e.dispatcher
}

// Subscribe registers h for message events
func (e *Endpoint) Subscribe(h Handler) SubscriptionID {
	return e.dispatcher.Subscribe(h)
}

// Unsubscribe removes a handler registered with Subscribe
func (e *Endpoint) Unsubscribe(id SubscriptionID) bool {
	return e.dispatcher.Unsubscribe(id)
}

// Statistics returns a snapshot of endpoint and dispatcher counters
func (e *Endpoint) Statistics() Statistics {
	return Statistics{
		State:             e.State(),
		DatagramsReceived: e.datagramsReceived.Load(),
		BytesReceived:     e.bytesReceived.Load(),
		DecodeFailures:    e.decodeFailures.Load(),
		ReadErrors:        e.readErrors.Load(),
		MessagesSent:      e.messagesSent.Load(),
		SendFailures:      e.sendFailures.Load(),
		Dispatch:          e.dispatcher.Statistics(),
	}
}
