package peer

import (
	"errors"
	"net"
	"time"
)

// ErrTimeout indicates that a bounded receive expired without data.
var ErrTimeout = errors.New("receive timed out")

// ErrClosed indicates an operation on a closed socket.
var ErrClosed = errors.New("socket closed")

// Socket is a datagram channel bound to exactly one remote peer.
type Socket interface {
	// Send transmits one datagram to the peer.
	Send(data []byte) error
	// TryRecv returns the next queued datagram without blocking.
	TryRecv() ([]byte, bool)
	// Recv waits up to timeout for the next datagram.
	Recv(timeout time.Duration) ([]byte, error)
	// RemoteAddr returns the address of the peer.
	RemoteAddr() net.Addr
	// Close releases the socket. Pending and future calls fail with ErrClosed.
	Close() error
}

// TimeProvider abstracts time operations for deterministic testing.
type TimeProvider interface {
	Now() time.Time
	Since(t time.Time) time.Duration
}

// DefaultTimeProvider uses the standard library time functions.
type DefaultTimeProvider struct{}

// Now returns the current time.
func (DefaultTimeProvider) Now() time.Time { return time.Now() }

// Since returns the duration since t.
func (DefaultTimeProvider) Since(t time.Time) time.Duration { return time.Since(t) }
