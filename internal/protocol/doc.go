// Package protocol implements the datagram text format used by the receiver.
// A datagram carries exactly one UTF-8 message with no length prefix or framing;
// message boundaries are datagram boundaries.
package protocol
