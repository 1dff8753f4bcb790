package rendezvous

import (
	"bytes"
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/mztransport/limits"
	"github.com/opd-ai/mztransport/peer"
)

// inboxSize bounds the datagrams queued between two polling steps.
const inboxSize = 1024

// UDPSocket is a peer.Socket over a UDP port, bound to one remote address.
// A reader goroutine moves datagrams into a bounded queue; datagrams from
// other addresses and punch markers never reach the caller.
type UDPSocket struct {
	conn   *net.UDPConn
	remote *net.UDPAddr

	inbox chan []byte
	ctx   context.Context

	cancel    context.CancelFunc
	closeOnce sync.Once
	wg        sync.WaitGroup
}

var _ peer.Socket = (*UDPSocket)(nil)

// NewUDPSocket takes ownership of conn. Early datagrams received while
// punching are queued first.
func NewUDPSocket(conn *net.UDPConn, remote *net.UDPAddr, early [][]byte) *UDPSocket {
	ctx, cancel := context.WithCancel(context.Background())
	s := &UDPSocket{
		conn:   conn,
		remote: remote,
		inbox:  make(chan []byte, inboxSize),
		ctx:    ctx,
		cancel: cancel,
	}
	for _, d := range early {
		s.enqueue(d)
	}

	s.wg.Add(1)
	go s.processPackets()
	return s
}

// processPackets handles incoming datagrams until Close.
func (s *UDPSocket) processPackets() {
	defer s.wg.Done()
	buffer := make([]byte, limits.MaxDatagram)

	for {
		select {
		case <-s.ctx.Done():
			return
		default:
		}

		// Set read deadline so cancellation is observed
		_ = s.conn.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
		n, addr, err := s.conn.ReadFromUDP(buffer)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			logrus.WithFields(logrus.Fields{
				"function": "UDPSocket.processPackets",
				"remote":   s.remote.String(),
				"error":    err.Error(),
			}).Debug("UDP read failed")
			continue
		}

		if !sameAddr(addr, s.remote) {
			logrus.WithFields(logrus.Fields{
				"function": "UDPSocket.processPackets",
				"from":     addr.String(),
				"remote":   s.remote.String(),
			}).Debug("Dropping datagram from unexpected address")
			continue
		}

		data := buffer[:n]
		switch {
		case bytes.Equal(data, punchHole):
			// the peer is still punching; answer so it can finish
			_, _ = s.conn.WriteToUDP(punchResponse, s.remote)
			continue
		case bytes.Equal(data, punchResponse):
			continue
		}
		if err := limits.ValidateDatagram(data); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "UDPSocket.processPackets",
				"remote":   s.remote.String(),
				"error":    err.Error(),
			}).Debug("Dropping invalid datagram")
			continue
		}

		s.enqueue(append([]byte(nil), data...))
	}
}

func (s *UDPSocket) enqueue(data []byte) {
	select {
	case s.inbox <- data:
	default:
		logrus.WithFields(logrus.Fields{
			"function": "UDPSocket.enqueue",
			"remote":   s.remote.String(),
			"size":     len(data),
		}).Warn("Inbox full, dropping datagram")
	}
}

// Send transmits one datagram to the peer.
func (s *UDPSocket) Send(data []byte) error {
	if s.ctx.Err() != nil {
		return peer.ErrClosed
	}
	_, err := s.conn.WriteToUDP(data, s.remote)
	return err
}

// TryRecv returns the next queued datagram without blocking.
func (s *UDPSocket) TryRecv() ([]byte, bool) {
	select {
	case d := <-s.inbox:
		return d, true
	default:
		return nil, false
	}
}

// Recv waits up to timeout for a datagram.
func (s *UDPSocket) Recv(timeout time.Duration) ([]byte, error) {
	if d, ok := s.TryRecv(); ok {
		return d, nil
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case d := <-s.inbox:
		return d, nil
	case <-timer.C:
		return nil, peer.ErrTimeout
	case <-s.ctx.Done():
		return nil, peer.ErrClosed
	}
}

// RemoteAddr returns the peer address.
func (s *UDPSocket) RemoteAddr() net.Addr {
	return s.remote
}

// LocalAddr returns the bound local address.
func (s *UDPSocket) LocalAddr() net.Addr {
	return s.conn.LocalAddr()
}

// Close stops the reader and closes the port.
func (s *UDPSocket) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.cancel()
		err = s.conn.Close()
		s.wg.Wait()
	})
	return err
}

func sameAddr(a, b *net.UDPAddr) bool {
	return a.Port == b.Port && a.IP.Equal(b.IP)
}
