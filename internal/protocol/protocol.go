package protocol

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"
)

// Wire constants
const (
	// AckText is written back to every sender whose datagram was decoded
	AckText = "Data received & processed"

	// MaxDatagramSize is the largest UDP payload that fits in a single IPv4 datagram
	MaxDatagramSize = 65507

	// ReadBufferSize is the receive slice size; large enough for any datagram
	ReadBufferSize = 65536
)

var (
	// ErrDecodeFailed reports a payload that is not valid UTF-8 text
	ErrDecodeFailed = errors.New("decode failed")

	// ErrPayloadTooLarge reports an outbound message that cannot fit in one datagram
	ErrPayloadTooLarge = errors.New("payload too large")
)

// DecodeError describes where decoding of a datagram stopped
type DecodeError struct {
	Offset int // Byte offset of the first invalid sequence
	Length int // Total payload length
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("invalid UTF-8 sequence at byte %d of %d", e.Offset, e.Length)
}

// Is lets errors.Is match ErrDecodeFailed
func (e *DecodeError) Is(target error) bool {
	return target == ErrDecodeFailed
}

// DecodeText converts a datagram payload to text.
// Senders written in C commonly transmit NUL-terminated strings, so the payload
// is cut at the first NUL byte before validation.
func DecodeText(payload []byte) (string, error) {
	if i := bytes.IndexByte(payload, 0); i >= 0 {
		payload = payload[:i]
	}

	if !utf8.Valid(payload) {
		return "", &DecodeError{Offset: invalidOffset(payload), Length: len(payload)}
	}

	return string(payload), nil
}

// EncodeText converts a message to its datagram payload.
// Invalid UTF-8 inside the Go string is replaced so the wire format stays UTF-8.
func EncodeText(message string) ([]byte, error) {
	if !utf8.ValidString(message) {
		message = strings.ToValidUTF8(message, string(utf8.RuneError))
	}

	if len(message) > MaxDatagramSize {
		return nil, fmt.Errorf("%w: %d bytes exceeds %d", ErrPayloadTooLarge, len(message), MaxDatagramSize)
	}

	return []byte(message), nil
}

// AckPayload returns a fresh copy of the acknowledgement bytes
func AckPayload() []byte {
	return []byte(AckText)
}

// invalidOffset finds the first byte that does not start a valid rune
func invalidOffset(p []byte) int {
	for i := 0; i < len(p); {
		r, size := utf8.DecodeRune(p[i:])
		if r == utf8.RuneError && size <= 1 {
			return i
		}
		i += size
	}
	return len(p)
}
