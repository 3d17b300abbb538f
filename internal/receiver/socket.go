package receiver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"sync"
	"time"
)

// OutboundMessage is a single datagram to write
type OutboundMessage struct {
	Destination netip.AddrPort
	Payload     []byte
}

// Socket owns one bound UDP socket.
// Writes may run concurrently with each other and with the reader; Close waits
// for in-flight writes, after which every write fails with ErrSocketClosed.
type Socket struct {
	name         string
	conn         *net.UDPConn
	local        netip.AddrPort
	writeTimeout time.Duration

	mu     sync.RWMutex
	closed bool
}

// BindSocket creates an address-reusable UDP socket bound to addr and sizes its
// kernel receive buffer. A buffer the OS refuses is logged, not fatal.
func BindSocket(ctx context.Context, name string, addr netip.AddrPort, bufferSize int, writeTimeout time.Duration, logger *slog.Logger) (*Socket, error) {
	lc := net.ListenConfig{Control: reuseAddrControl}

	pc, err := lc.ListenPacket(ctx, "udp4", addr.String())
	if err != nil {
		return nil, newError("bind", ErrBindFailed, addr.String(), err)
	}

	conn, ok := pc.(*net.UDPConn)
	if !ok {
		_ = pc.Close()
		return nil, newError("bind", ErrBindFailed, addr.String(),
			fmt.Errorf("unexpected packet conn type %T", pc))
	}

	if bufferSize > 0 {
		if err := conn.SetReadBuffer(bufferSize); err != nil && logger != nil {
			logger.Warn("Failed to set UDP read buffer size",
				slog.String("socket_name", name),
				slog.Int("buffer_size", bufferSize),
				slog.String("error", err.Error()),
			)
		}
	}

	local := conn.LocalAddr().(*net.UDPAddr).AddrPort()

	return &Socket{
		name:         name,
		conn:         conn,
		local:        netip.AddrPortFrom(local.Addr().Unmap(), local.Port()),
		writeTimeout: writeTimeout,
	}, nil
}

// Name returns the diagnostic socket name
func (s *Socket) Name() string {
	return s.name
}

// LocalAddr returns the address the socket is bound to
func (s *Socket) LocalAddr() netip.AddrPort {
	return s.local
}

// Send writes msg as one datagram
func (s *Socket) Send(msg OutboundMessage) (int, error) {
	return s.WriteTo(msg.Payload, msg.Destination)
}

// WriteTo writes p to dst. A short write is reported as ErrSendFailed.
func (s *Socket) WriteTo(p []byte, dst netip.AddrPort) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return 0, newError("send", ErrSocketClosed, dst.String(), nil)
	}

	if s.writeTimeout > 0 {
		_ = s.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
	}

	n, err := s.conn.WriteToUDPAddrPort(p, dst)
	if err != nil {
		if errors.Is(err, net.ErrClosed) {
			return n, newError("send", ErrSocketClosed, dst.String(), err)
		}
		return n, newError("send", ErrSendFailed, dst.String(), err)
	}
	if n != len(p) {
		return n, newError("send", ErrSendFailed, dst.String(),
			fmt.Errorf("short write: %d of %d bytes", n, len(p)))
	}

	return n, nil
}

// ReadFrom reads one datagram, blocking no later than deadline.
// A deadline expiry surfaces as os.ErrDeadlineExceeded.
func (s *Socket) ReadFrom(buf []byte, deadline time.Time) (int, netip.AddrPort, error) {
	if err := s.conn.SetReadDeadline(deadline); err != nil {
		if errors.Is(err, net.ErrClosed) {
			return 0, netip.AddrPort{}, newError("receive", ErrSocketClosed, s.local.String(), err)
		}
		return 0, netip.AddrPort{}, err
	}

	n, from, err := s.conn.ReadFromUDPAddrPort(buf)
	if err != nil {
		if errors.Is(err, net.ErrClosed) {
			return 0, netip.AddrPort{}, newError("receive", ErrSocketClosed, s.local.String(), err)
		}
		return 0, netip.AddrPort{}, err
	}

	return n, netip.AddrPortFrom(from.Addr().Unmap(), from.Port()), nil
}

// Close releases the socket. Calling it more than once is a no-op.
func (s *Socket) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	return s.conn.Close()
}

// Closed reports whether Close has been called
func (s *Socket) Closed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.closed
}
