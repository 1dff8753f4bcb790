package simnet

import (
	"math/rand"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/mztransport/peer"
)

// Config controls the impairments applied while the network is impaired.
// Probabilities are in [0, 1].
type Config struct {
	Loss      float64
	Duplicate float64
	Reorder   float64
	Seed      int64
}

// DeliveryRecord describes one Send for test verification.
type DeliveryRecord struct {
	From       string
	To         string
	Size       int
	Dropped    bool
	Duplicated bool
	Reordered  bool
}

// Addr is the net.Addr of an Endpoint.
type Addr string

// Network returns "simnet".
func (Addr) Network() string { return "simnet" }

func (a Addr) String() string { return string(a) }

// Network connects endpoint pairs and applies impairments.
type Network struct {
	mu       sync.Mutex
	cfg      Config
	rng      *rand.Rand
	impaired bool
	log      []DeliveryRecord
}

// New creates a network. Impairments are active from the start when any
// probability is nonzero.
func New(cfg Config) *Network {
	logrus.WithFields(logrus.Fields{
		"function":  "simnet.New",
		"loss":      cfg.Loss,
		"duplicate": cfg.Duplicate,
		"reorder":   cfg.Reorder,
		"seed":      cfg.Seed,
	}).Debug("Creating simulated network")

	return &Network{
		cfg:      cfg,
		rng:      rand.New(rand.NewSource(cfg.Seed)),
		impaired: cfg.Loss > 0 || cfg.Duplicate > 0 || cfg.Reorder > 0,
	}
}

// SetImpaired switches impairments on or off.
func (n *Network) SetImpaired(on bool) {
	n.mu.Lock()
	n.impaired = on
	n.mu.Unlock()
}

// Pipe returns two endpoints connected to each other.
func (n *Network) Pipe(a, b string) (*Endpoint, *Endpoint) {
	ea := newEndpoint(n, Addr(a), Addr(b))
	eb := newEndpoint(n, Addr(b), Addr(a))
	ea.peer = eb
	eb.peer = ea
	return ea, eb
}

// Log returns a copy of the delivery log.
func (n *Network) Log() []DeliveryRecord {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]DeliveryRecord, len(n.log))
	copy(out, n.log)
	return out
}

// ClearLog empties the delivery log.
func (n *Network) ClearLog() {
	n.mu.Lock()
	n.log = nil
	n.mu.Unlock()
}

// decide rolls the impairments for one datagram.
func (n *Network) decide(from, to Addr, size int) DeliveryRecord {
	n.mu.Lock()
	defer n.mu.Unlock()

	rec := DeliveryRecord{From: string(from), To: string(to), Size: size}
	if n.impaired {
		rec.Dropped = n.rng.Float64() < n.cfg.Loss
		if !rec.Dropped {
			rec.Duplicated = n.rng.Float64() < n.cfg.Duplicate
			rec.Reordered = n.rng.Float64() < n.cfg.Reorder
		}
	}
	n.log = append(n.log, rec)
	return rec
}

// Endpoint is one side of a pipe. It implements peer.Socket.
type Endpoint struct {
	net    *Network
	local  Addr
	remote Addr
	peer   *Endpoint

	mu     sync.Mutex
	queue  [][]byte
	closed bool
	notify chan struct{}
}

var _ peer.Socket = (*Endpoint)(nil)

func newEndpoint(n *Network, local, remote Addr) *Endpoint {
	return &Endpoint{
		net:    n,
		local:  local,
		remote: remote,
		notify: make(chan struct{}, 1),
	}
}

// Send delivers data to the other endpoint, subject to impairments. A send
// to a closed peer is silently lost, like a datagram to a closed port.
func (e *Endpoint) Send(data []byte) error {
	e.mu.Lock()
	closed := e.closed
	e.mu.Unlock()
	if closed {
		return peer.ErrClosed
	}

	rec := e.net.decide(e.local, e.remote, len(data))
	if rec.Dropped {
		return nil
	}
	e.peer.deliver(data, rec.Reordered)
	if rec.Duplicated {
		e.peer.deliver(data, false)
	}
	return nil
}

// Inject queues data on this endpoint as if the peer had sent it, bypassing
// impairments and the delivery log.
func (e *Endpoint) Inject(data []byte) {
	e.deliver(data, false)
}

func (e *Endpoint) deliver(data []byte, reorder bool) {
	buf := make([]byte, len(data))
	copy(buf, data)

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	if reorder && len(e.queue) > 0 {
		last := len(e.queue) - 1
		e.queue = append(e.queue, e.queue[last])
		e.queue[last] = buf
	} else {
		e.queue = append(e.queue, buf)
	}
	e.mu.Unlock()

	select {
	case e.notify <- struct{}{}:
	default:
	}
}

// TryRecv pops the next queued datagram without blocking.
func (e *Endpoint) TryRecv() ([]byte, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.queue) == 0 {
		return nil, false
	}
	data := e.queue[0]
	e.queue[0] = nil
	e.queue = e.queue[1:]
	return data, true
}

// Recv waits up to timeout for a datagram.
func (e *Endpoint) Recv(timeout time.Duration) ([]byte, error) {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	for {
		e.mu.Lock()
		closed := e.closed
		e.mu.Unlock()
		if closed {
			return nil, peer.ErrClosed
		}
		if data, ok := e.TryRecv(); ok {
			return data, nil
		}

		select {
		case <-e.notify:
		case <-deadline.C:
			return nil, peer.ErrTimeout
		}
	}
}

// Pending returns the number of queued datagrams.
func (e *Endpoint) Pending() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.queue)
}

// LocalAddr returns the address of this endpoint.
func (e *Endpoint) LocalAddr() net.Addr { return e.local }

// RemoteAddr returns the address of the other endpoint.
func (e *Endpoint) RemoteAddr() net.Addr { return e.remote }

// Close discards queued datagrams and wakes a blocked Recv.
func (e *Endpoint) Close() error {
	e.mu.Lock()
	e.closed = true
	e.queue = nil
	e.mu.Unlock()

	select {
	case e.notify <- struct{}{}:
	default:
	}
	return nil
}
