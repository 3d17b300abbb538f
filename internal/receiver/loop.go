package receiver

import (
	"errors"
	"log/slog"
	"net/netip"
	"os"
	"time"

	"github.com/wjake/udp-receiver/internal/protocol"
)

// receiveLoop reads datagrams from the session socket until the session is
// stopped or the socket is closed
func (e *Endpoint) receiveLoop(s *session) {
	defer close(s.done)

	logger := e.logger.With(slog.String("session_id", s.handle.ID.String()))
	buffer := make([]byte, protocol.ReadBufferSize)

	for {
		select {
		case <-s.stop:
			logger.Debug("Receive loop stopping")
			return
		default:
		}

		n, from, err := s.socket.ReadFrom(buffer, time.Now().Add(e.opts.PollInterval))
		if err != nil {
			if errors.Is(err, os.ErrDeadlineExceeded) {
				continue
			}
			if errors.Is(err, ErrSocketClosed) {
				logger.Debug("Receive loop exiting, socket closed")
				return
			}

			select {
			case <-s.stop:
				return
			default:
			}

			e.readErrors.Add(1)
			e.metrics.RecordReadError()
			logger.Error("Failed to read UDP datagram", slog.String("error", err.Error()))
			continue
		}

		e.handleDatagram(s, buffer[:n], from, logger)
	}
}

// handleDatagram decodes one datagram and hands it to the dispatcher.
// Malformed payloads are dropped without an event or acknowledgement.
func (e *Endpoint) handleDatagram(s *session, data []byte, from netip.AddrPort, logger *slog.Logger) {
	e.datagramsReceived.Add(1)
	e.bytesReceived.Add(uint64(len(data)))
	e.metrics.RecordDatagram(len(data))

	// The read buffer is reused on the next iteration
	payload := make([]byte, len(data))
	copy(payload, data)

	text, err := protocol.DecodeText(payload)
	if err != nil {
		e.decodeFailures.Add(1)
		e.metrics.RecordDecodeError()
		logger.Warn("Dropping malformed datagram",
			slog.String("sender", from.String()),
			slog.Int("size", len(payload)),
			slog.String("error", err.Error()),
		)
		return
	}

	logger.Debug("Received data",
		slog.String("sender", from.String()),
		slog.String("message", text),
	)

	e.dispatcher.OnReceived(ReceivedMessage{
		Sender:     from,
		Payload:    payload,
		Text:       text,
		ReceivedAt: time.Now(),
	}, s.socket)
}
