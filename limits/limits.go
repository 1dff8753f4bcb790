// Package limits provides centralized size limits for the transfer protocol
// and its rendezvous traffic. This ensures consistent validation across
// components.
package limits

import (
	"errors"
	"fmt"
)

const (
	// DefaultBufferSize is the default datagram size used for content packets.
	DefaultBufferSize = 8192

	// MinBufferSize leaves room for a full ack window plus a useful payload.
	MinBufferSize = 512

	// MaxDatagram is the largest UDP payload over IPv4.
	MaxDatagram = 65507

	// MaxRelayMessage bounds one rendezvous message read from a relay
	// connection.
	MaxRelayMessage = 64 * 1024

	// MaxPathLength bounds the shared path carried in Auth and share URLs.
	MaxPathLength = 4096
)

var (
	// ErrMessageEmpty indicates an empty message was provided
	ErrMessageEmpty = errors.New("empty message")

	// ErrMessageTooLarge indicates message exceeds maximum size
	ErrMessageTooLarge = errors.New("message too large")

	// ErrBufferSize indicates a buffer size outside [MinBufferSize, MaxDatagram]
	ErrBufferSize = errors.New("buffer size out of range")
)

// ValidateMessageSize validates a message against the specified maximum size.
// Returns an error with context including the actual and maximum sizes.
func ValidateMessageSize(message []byte, maxSize int) error {
	if len(message) == 0 {
		return ErrMessageEmpty
	}
	if len(message) > maxSize {
		return fmt.Errorf("%w: size %d exceeds limit %d", ErrMessageTooLarge, len(message), maxSize)
	}
	return nil
}

// ValidateDatagram validates a received datagram against MaxDatagram.
func ValidateDatagram(data []byte) error {
	return ValidateMessageSize(data, MaxDatagram)
}

// ValidateBufferSize checks a configured datagram size.
func ValidateBufferSize(n int) error {
	if n < MinBufferSize || n > MaxDatagram {
		return fmt.Errorf("%w: %d not in [%d, %d]", ErrBufferSize, n, MinBufferSize, MaxDatagram)
	}
	return nil
}
