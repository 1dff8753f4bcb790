package rendezvous

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/mztransport/peer"
)

const (
	// DefaultConnectTimeout bounds candidate exchange and hole punching.
	DefaultConnectTimeout = 10 * time.Second
	// DefaultRequestTimeout bounds one relay round trip.
	DefaultRequestTimeout = 5 * time.Second
)

// Options configures an Adapter.
type Options struct {
	// Tag is the client tag searched for and required from requesters.
	Tag string
	// ListenAddr is the local UDP address; port 0 picks an ephemeral port.
	ListenAddr string
	// AdvertiseHost overrides the host of the published candidate. Empty
	// lets the relay fill in the address it observes.
	AdvertiseHost string
	// STUNServer, when set, is queried for the reflexive address of the
	// ephemeral port, which is then published instead of the local one.
	STUNServer     string
	ConnectTimeout time.Duration
	RequestTimeout time.Duration
}

// DefaultOptions returns the options used by transfer endpoints.
func DefaultOptions() Options {
	return Options{
		Tag:            AppTag,
		ListenAddr:     ":0",
		ConnectTimeout: DefaultConnectTimeout,
		RequestTimeout: DefaultRequestTimeout,
	}
}

// Pending is a negotiated but not yet connected peer.
type Pending interface {
	// Remote describes the peer as far as the relay knows it.
	Remote() Info
	// Connect allocates a port, exchanges candidates and punches through
	// to the peer. It blocks and is meant to run in a background task.
	Connect(ctx context.Context) (peer.Socket, error)
}

// Adapter wraps a relay Client with port allocation, NAT traversal and
// error translation.
type Adapter struct {
	client Client
	opts   Options
}

// NewAdapter creates an adapter. Zero option fields take their defaults.
func NewAdapter(client Client, opts Options) *Adapter {
	def := DefaultOptions()
	if opts.Tag == "" {
		opts.Tag = def.Tag
	}
	if opts.ListenAddr == "" {
		opts.ListenAddr = def.ListenAddr
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = def.ConnectTimeout
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = def.RequestTimeout
	}
	return &Adapter{client: client, opts: opts}
}

// Step advances the relay client.
func (a *Adapter) Step() error {
	return a.client.Step()
}

// Request locates token on the relays and asks it to connect. Errors wrap
// ErrNotFound or ErrRequest.
func (a *Adapter) Request(ctx context.Context, token Token, path string) (Pending, error) {
	logrus.WithFields(logrus.Fields{
		"function": "Adapter.Request",
		"token":    token.String(),
		"path":     path,
	}).Info("Requesting peer")

	ctx, cancel := context.WithTimeout(ctx, a.opts.RequestTimeout)
	defer cancel()

	if _, err := a.client.Search(ctx, a.opts.Tag); err != nil {
		return nil, fmt.Errorf("%w: search: %v", ErrRequest, err)
	}

	relay, ok := a.client.WhereIs(token)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, token)
	}

	neg, err := a.client.Request(ctx, relay, token, path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRequest, err)
	}
	return &pending{opts: a.opts, neg: neg, remote: Info{Public: token}}, nil
}

// Poll accepts the next inbound request whose client tag matches. Requests
// with another tag are rejected. It never blocks on the network.
func (a *Adapter) Poll() (Pending, bool) {
	in, ok := a.client.Incoming()
	if !ok {
		return nil, false
	}

	from := in.From()
	if from.Client != a.opts.Tag {
		logrus.WithFields(logrus.Fields{
			"function": "Adapter.Poll",
			"from":     from.Name,
			"client":   from.Client,
		}).Warn("Rejecting request from foreign client")
		if _, err := in.Accept(false); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "Adapter.Poll",
				"error":    err.Error(),
			}).Debug("Failed to send rejection")
		}
		return nil, false
	}

	neg, err := in.Accept(true)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Adapter.Poll",
			"from":     from.Name,
			"error":    err.Error(),
		}).Error("Failed to accept request")
		return nil, false
	}

	logrus.WithFields(logrus.Fields{
		"function": "Adapter.Poll",
		"from":     from.Name,
		"path":     in.Path(),
	}).Info("Accepted inbound request")
	return &pending{opts: a.opts, neg: neg, remote: from}, true
}

// Close closes the relay client.
func (a *Adapter) Close() error {
	return a.client.Close()
}

type pending struct {
	opts   Options
	neg    Negotiation
	remote Info
}

func (p *pending) Remote() Info { return p.remote }

func (p *pending) Connect(ctx context.Context) (peer.Socket, error) {
	ctx, cancel := context.WithTimeout(ctx, p.opts.ConnectTimeout)
	defer cancel()

	laddr, err := net.ResolveUDPAddr("udp", p.opts.ListenAddr)
	if err != nil {
		return nil, fmt.Errorf("%w: listen address: %v", ErrFailOnConnect, err)
	}
	conn, err := net.ListenUDP("udp", laddr)
	if err != nil {
		return nil, fmt.Errorf("%w: listen: %v", ErrFailOnConnect, err)
	}

	sock, err := p.connect(ctx, conn)
	if err != nil {
		conn.Close()
		logrus.WithFields(logrus.Fields{
			"function": "pending.Connect",
			"peer":     p.remote.Public.String(),
			"error":    err.Error(),
		}).Error("Failed to connect to peer")
		return nil, err
	}
	return sock, nil
}

func (p *pending) connect(ctx context.Context, conn *net.UDPConn) (peer.Socket, error) {
	local := conn.LocalAddr().(*net.UDPAddr)
	candidate := net.JoinHostPort(p.opts.AdvertiseHost, strconv.Itoa(local.Port))

	if p.opts.STUNServer != "" {
		refl, err := discoverReflexive(ctx, conn, p.opts.STUNServer)
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "pending.connect",
				"server":   p.opts.STUNServer,
				"error":    err.Error(),
			}).Warn("STUN discovery failed, publishing local port")
		} else {
			candidate = refl.String()
		}
	}

	if err := p.neg.AddPort(candidate); err != nil {
		return nil, fmt.Errorf("%w: add port: %v", ErrFailOnConnect, err)
	}

	endpoint, err := p.neg.Connect(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: waiting for peer candidate: %v", ErrFailOnConnect, err)
	}
	remote, err := net.ResolveUDPAddr("udp", endpoint)
	if err != nil {
		return nil, fmt.Errorf("%w: peer candidate %q: %v", ErrFailOnConnect, endpoint, err)
	}

	logrus.WithFields(logrus.Fields{
		"function":  "pending.connect",
		"local":     local.String(),
		"candidate": candidate,
		"remote":    remote.String(),
	}).Debug("Punching to peer")

	early, err := punch(ctx, conn, remote)
	if err != nil {
		return nil, err
	}
	return NewUDPSocket(conn, remote, early), nil
}
