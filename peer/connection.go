// Package peer holds the per-peer reliability state of one established
// transfer: the acknowledgment memories, the retransmission store, the
// transfer cursor and the liveness timer.
//
// A Connection is not safe for concurrent use. It is built by a handshake
// task and then owned exclusively by the session manager's polling loop.
package peer

import (
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/mztransport/ack"
	"github.com/opd-ai/mztransport/packet"
)

const (
	// RetransmitGrace is how long an outstanding packet waits for its
	// acknowledgment before it is sent again.
	RetransmitGrace = time.Second
	// IdleTimeout deactivates a connection that received nothing for longer.
	IdleTimeout = 20 * time.Second
	// KeepaliveInterval is the longest a connection stays silent before a
	// Tick is sent.
	KeepaliveInterval = 5 * time.Second
	// MaxOutstanding is the backpressure threshold: above it no new content
	// is sent on the connection.
	MaxOutstanding = ack.WindowSize - 1
)

// Direction tells which way content flows on a connection.
type Direction uint8

const (
	// Receiving connections write incoming content into the local sink.
	Receiving Direction = iota
	// Sending connections read the local sink and send content.
	Sending
)

func (d Direction) String() string {
	if d == Sending {
		return "sending"
	}
	return "receiving"
}

type outstanding struct {
	id     packet.ID
	kind   packet.Kind
	raw    []byte
	sentAt time.Time
}

// Connection is one established transfer with a single peer.
type Connection struct {
	Name      string
	Session   packet.Session
	Direction Direction

	// Cursor is the next byte offset to send, or the highest offset written.
	Cursor uint64
	// Received counts distinct content bytes written on a receiving connection.
	Received      uint64
	ContentLength uint64
	// HeadersSeen is set once the peer announced the content length.
	HeadersSeen bool

	socket Socket
	clock  TimeProvider

	echo  ack.Window
	acked ack.Set

	outstanding []outstanding
	lastID      packet.ID

	active     bool
	reason     string
	finishing  bool
	finishedID packet.ID
	lastAction time.Time
	lastSend   time.Time
}

// NewConnection wraps an established socket. A nil clock selects
// DefaultTimeProvider.
func NewConnection(name string, session packet.Session, dir Direction, sock Socket, clock TimeProvider) *Connection {
	if clock == nil {
		clock = DefaultTimeProvider{}
	}
	now := clock.Now()

	logrus.WithFields(logrus.Fields{
		"function":  "NewConnection",
		"name":      name,
		"session":   session.String(),
		"direction": dir.String(),
		"peer":      sock.RemoteAddr().String(),
	}).Debug("Creating connection")

	return &Connection{
		Name:       name,
		Session:    session,
		Direction:  dir,
		socket:     sock,
		clock:      clock,
		active:     true,
		lastAction: now,
		lastSend:   now,
	}
}

// Socket returns the datagram channel of the connection.
func (c *Connection) Socket() Socket {
	return c.socket
}

// RecordSent pushes a peer packet id onto the ring that is attached as the
// ack window of every packet this side sends.
func (c *Connection) RecordSent(id packet.ID) {
	if id == 0 {
		return
	}
	c.echo.Push(id)
}

// RecordReceived merges an ack window received from the peer into the set
// of this side's acknowledged ids.
func (c *Connection) RecordReceived(ids []packet.ID) {
	c.acked.Merge(ids)
}

// Seen reports whether a peer packet id was already recorded.
func (c *Connection) Seen(id packet.ID) bool {
	return c.echo.Contains(id)
}

// Acked reports whether the peer acknowledged one of our ids.
func (c *Connection) Acked(id packet.ID) bool {
	return c.acked.Contains(id)
}

// AckWindow returns the ack window attached to outgoing packets.
func (c *Connection) AckWindow() []packet.ID {
	return c.echo.Snapshot()
}

// AckedSlots returns the raw slots of the acknowledged set.
func (c *Connection) AckedSlots() []packet.ID {
	return c.acked.Slots()
}

// Enqueue sends body reliably: it is retransmitted until the peer
// acknowledges its id.
func (c *Connection) Enqueue(body packet.Body) (packet.ID, error) {
	c.lastID++
	if c.lastID == 0 {
		c.lastID = 1
	}
	id := c.lastID

	raw, err := packet.Encode(&packet.Packet{ID: id, Acks: c.echo.Snapshot(), Body: body})
	if err != nil {
		return 0, fmt.Errorf("encode %s: %w", body.Kind(), err)
	}

	now := c.clock.Now()
	c.outstanding = append(c.outstanding, outstanding{id: id, kind: body.Kind(), raw: raw, sentAt: now})
	c.lastSend = now

	if err := c.socket.Send(raw); err != nil {
		// the entry stays outstanding and is retried after the grace period
		logrus.WithFields(logrus.Fields{
			"function": "Enqueue",
			"session":  c.Session.String(),
			"id":       id,
			"kind":     body.Kind().String(),
			"error":    err.Error(),
		}).Warn("Failed to send packet")
	}
	return id, nil
}

// SendUnreliable sends body once with id 0. It is never retransmitted.
func (c *Connection) SendUnreliable(body packet.Body) error {
	raw, err := packet.Encode(&packet.Packet{ID: 0, Acks: c.echo.Snapshot(), Body: body})
	if err != nil {
		return fmt.Errorf("encode %s: %w", body.Kind(), err)
	}
	c.lastSend = c.clock.Now()
	return c.socket.Send(raw)
}

// Ack sends a Tick carrying the current ack window.
func (c *Connection) Ack() error {
	return c.SendUnreliable(packet.Tick{Session: c.Session})
}

// ResolveOutstanding drops acknowledged packets and retransmits the ones
// whose grace period expired. It returns how many remain outstanding.
func (c *Connection) ResolveOutstanding() int {
	kept := c.outstanding[:0]
	resent := 0
	for _, o := range c.outstanding {
		if c.acked.Contains(o.id) {
			continue
		}
		if c.clock.Since(o.sentAt) >= RetransmitGrace {
			if err := c.socket.Send(o.raw); err != nil {
				logrus.WithFields(logrus.Fields{
					"function": "ResolveOutstanding",
					"session":  c.Session.String(),
					"id":       o.id,
					"error":    err.Error(),
				}).Warn("Retransmission failed")
			}
			o.sentAt = c.clock.Now()
			c.lastSend = o.sentAt
			resent++
		}
		kept = append(kept, o)
	}
	for i := len(kept); i < len(c.outstanding); i++ {
		c.outstanding[i] = outstanding{}
	}
	c.outstanding = kept

	if resent > 0 {
		logrus.WithFields(logrus.Fields{
			"function":    "ResolveOutstanding",
			"session":     c.Session.String(),
			"resent":      resent,
			"outstanding": len(kept),
		}).Debug("Retransmitted unacknowledged packets")
	}
	return len(kept)
}

// Outstanding returns the number of packets awaiting acknowledgment.
func (c *Connection) Outstanding() int {
	return len(c.outstanding)
}

// Receive returns the next decodable packet without blocking. Undecodable
// datagrams are dropped.
func (c *Connection) Receive() (*packet.Packet, bool) {
	for {
		raw, ok := c.socket.TryRecv()
		if !ok {
			return nil, false
		}
		p, err := packet.Decode(raw)
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "Receive",
				"session":  c.Session.String(),
				"size":     len(raw),
				"error":    err.Error(),
			}).Warn("Dropping undecodable datagram")
			continue
		}
		return p, true
	}
}

// Touch records inbound traffic for the idle timer.
func (c *Connection) Touch() {
	c.lastAction = c.clock.Now()
}

// Idle reports whether nothing was received for longer than IdleTimeout.
func (c *Connection) Idle() bool {
	return c.clock.Since(c.lastAction) > IdleTimeout
}

// NeedsKeepalive reports whether nothing was sent for KeepaliveInterval.
func (c *Connection) NeedsKeepalive() bool {
	return c.clock.Since(c.lastSend) >= KeepaliveInterval
}

// Finish reliably sends Finished once. Later calls are no-ops.
func (c *Connection) Finish() error {
	if c.finishing {
		return nil
	}
	id, err := c.Enqueue(packet.Finished{Session: c.Session})
	if err != nil {
		return err
	}
	c.finishing = true
	c.finishedID = id
	return nil
}

// Finishing reports whether Finished was sent.
func (c *Connection) Finishing() bool {
	return c.finishing
}

// FinishAcked reports whether the peer acknowledged our Finished.
func (c *Connection) FinishAcked() bool {
	return c.finishing && c.acked.Contains(c.finishedID)
}

// Active reports whether the connection is still live.
func (c *Connection) Active() bool {
	return c.active
}

// Deactivate marks the connection for removal. The first reason is kept.
func (c *Connection) Deactivate(reason string) {
	if !c.active {
		return
	}
	c.active = false
	c.reason = reason

	logrus.WithFields(logrus.Fields{
		"function": "Deactivate",
		"name":     c.Name,
		"session":  c.Session.String(),
		"reason":   reason,
	}).Info("Connection deactivated")
}

// Reason returns why the connection was deactivated.
func (c *Connection) Reason() string {
	return c.reason
}

// Progress returns the transferred fraction in [0, 1]. An empty transfer
// is complete as soon as its length is known.
func (c *Connection) Progress() float32 {
	done := c.Cursor
	if c.Direction == Receiving {
		done = c.Received
	}
	if c.ContentLength == 0 {
		if c.Direction == Sending || c.HeadersSeen {
			return 1
		}
		return 0
	}
	if done >= c.ContentLength {
		return 1
	}
	return float32(float64(done) / float64(c.ContentLength))
}

// Close deactivates the connection and releases its socket.
func (c *Connection) Close() error {
	c.Deactivate("closed")
	c.outstanding = nil
	return c.socket.Close()
}
