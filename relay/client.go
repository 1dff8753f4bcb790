package relay

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/mztransport/limits"
	"github.com/opd-ai/mztransport/rendezvous"
)

var (
	// ErrNoRelay indicates that no relay endpoint accepted the registration.
	ErrNoRelay = errors.New("no relay reachable")
	// ErrDisconnected indicates that the relay connection was lost.
	ErrDisconnected = errors.New("relay disconnected")
)

const (
	registerTimeout = 5 * time.Second
	incomingBacklog = 64
)

// Client is a connection to one or more relays. It implements
// rendezvous.Client.
type Client struct {
	info  rendezvous.Info
	conns []*conn

	mu       sync.Mutex
	located  map[rendezvous.Token]int
	incoming chan *inbound
}

var _ rendezvous.Client = (*Client)(nil)

// Dial connects and registers info with every endpoint. It fails only when
// no endpoint accepts the registration.
func Dial(ctx context.Context, info rendezvous.Info, endpoints []string) (*Client, error) {
	c := &Client{
		info:     info,
		conns:    make([]*conn, len(endpoints)),
		located:  make(map[rendezvous.Token]int),
		incoming: make(chan *inbound, incomingBacklog),
	}

	live := 0
	for i, ep := range endpoints {
		cn, err := c.dialOne(ctx, i, ep)
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "relay.Dial",
				"endpoint": ep,
				"error":    err.Error(),
			}).Warn("Relay registration failed")
			continue
		}
		c.conns[i] = cn
		live++
	}

	if live == 0 {
		return nil, fmt.Errorf("%w: tried %d endpoints", ErrNoRelay, len(endpoints))
	}

	logrus.WithFields(logrus.Fields{
		"function": "relay.Dial",
		"name":     info.Name,
		"public":   info.Public.String(),
		"relays":   live,
	}).Info("Registered with relays")
	return c, nil
}

func (c *Client) dialOne(ctx context.Context, index int, endpoint string) (*conn, error) {
	url, err := EndpointURL(endpoint)
	if err != nil {
		return nil, err
	}

	dialer := websocket.Dialer{HandshakeTimeout: registerTimeout}
	ws, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to relay %s: %w", url, err)
	}
	ws.SetReadLimit(limits.MaxRelayMessage)

	info := c.info
	id := uuid.NewString()
	if err := ws.WriteJSON(Message{Type: MsgRegister, ID: id, Info: &info}); err != nil {
		ws.Close()
		return nil, fmt.Errorf("send register: %w", err)
	}

	_ = ws.SetReadDeadline(time.Now().Add(registerTimeout))
	var reply Message
	if err := ws.ReadJSON(&reply); err != nil {
		ws.Close()
		return nil, fmt.Errorf("read register reply: %w", err)
	}
	_ = ws.SetReadDeadline(time.Time{})
	if reply.Type != MsgRegistered || reply.Error != "" {
		ws.Close()
		return nil, fmt.Errorf("register rejected: %s", reply.Error)
	}

	cn := &conn{
		client:       c,
		index:        index,
		endpoint:     endpoint,
		ws:           ws,
		waiters:      make(map[string]chan Message),
		negotiations: make(map[string]*negotiation),
		done:         make(chan struct{}),
	}
	go cn.watch()
	return cn, nil
}

// Step reports whether any relay connection is still alive. It never blocks.
func (c *Client) Step() error {
	for _, cn := range c.conns {
		if cn != nil && cn.alive() {
			return nil
		}
	}
	return ErrDisconnected
}

// Search asks every live relay for endpoints advertising tag and remembers
// which relay knows which token.
func (c *Client) Search(ctx context.Context, tag string) ([]rendezvous.Info, error) {
	var (
		all     []rendezvous.Info
		lastErr error
		ok      bool
	)
	for _, cn := range c.conns {
		if cn == nil || !cn.alive() {
			continue
		}
		reply, err := cn.roundTrip(ctx, Message{Type: MsgSearch, ID: uuid.NewString(), Tag: tag})
		if err != nil {
			lastErr = err
			continue
		}
		ok = true

		c.mu.Lock()
		for _, info := range reply.Results {
			c.located[info.Public] = cn.index
		}
		c.mu.Unlock()
		all = append(all, reply.Results...)
	}

	if !ok {
		if lastErr == nil {
			lastErr = ErrDisconnected
		}
		return nil, fmt.Errorf("search %q: %w", tag, lastErr)
	}
	return all, nil
}

// WhereIs returns the relay index a previous Search found token on.
func (c *Client) WhereIs(token rendezvous.Token) (int, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	i, ok := c.located[token]
	return i, ok
}

// Request asks the endpoint behind to, via relay index relay, to connect and
// waits for its answer.
func (c *Client) Request(ctx context.Context, relay int, to rendezvous.Token, path string) (rendezvous.Negotiation, error) {
	if relay < 0 || relay >= len(c.conns) || c.conns[relay] == nil {
		return nil, fmt.Errorf("unknown relay index %d", relay)
	}
	cn := c.conns[relay]

	id := uuid.NewString()
	neg := cn.negotiate(id)
	reply, err := cn.roundTrip(ctx, Message{Type: MsgRequest, ID: id, To: &to, Path: path})
	if err != nil {
		cn.forget(id)
		return nil, err
	}
	if !reply.Accept {
		cn.forget(id)
		return nil, rendezvous.ErrRejected
	}

	logrus.WithFields(logrus.Fields{
		"function": "Client.Request",
		"to":       to.String(),
		"request":  id,
	}).Debug("Request accepted by peer")
	return neg, nil
}

// Incoming returns the next inbound request without blocking.
func (c *Client) Incoming() (rendezvous.Inbound, bool) {
	select {
	case in := <-c.incoming:
		return in, true
	default:
		return nil, false
	}
}

// Close closes every relay connection.
func (c *Client) Close() error {
	var firstErr error
	for _, cn := range c.conns {
		if cn == nil {
			continue
		}
		if err := cn.close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// conn is one registered relay connection.
type conn struct {
	client   *Client
	index    int
	endpoint string
	ws       *websocket.Conn
	writeMu  sync.Mutex

	mu           sync.Mutex
	waiters      map[string]chan Message
	negotiations map[string]*negotiation
	err          error
	done         chan struct{}
	closeOnce    sync.Once
}

func (cn *conn) send(msg Message) error {
	cn.writeMu.Lock()
	defer cn.writeMu.Unlock()
	return cn.ws.WriteJSON(msg)
}

func (cn *conn) alive() bool {
	select {
	case <-cn.done:
		return false
	default:
		return true
	}
}

// watch routes relay messages until the connection fails.
func (cn *conn) watch() {
	defer cn.shutdown()

	for {
		var msg Message
		if err := cn.ws.ReadJSON(&msg); err != nil {
			cn.mu.Lock()
			cn.err = err
			cn.mu.Unlock()
			logrus.WithFields(logrus.Fields{
				"function": "conn.watch",
				"endpoint": cn.endpoint,
				"error":    err.Error(),
			}).Debug("Relay connection closed")
			return
		}

		switch msg.Type {
		case MsgNewRequest:
			cn.handleNewRequest(msg)
		case MsgConnectOn:
			cn.mu.Lock()
			neg := cn.negotiations[msg.ID]
			delete(cn.negotiations, msg.ID)
			cn.mu.Unlock()
			if neg != nil {
				neg.candidate <- msg.Candidate
			}
		default:
			cn.mu.Lock()
			w := cn.waiters[msg.ID]
			delete(cn.waiters, msg.ID)
			cn.mu.Unlock()
			if w != nil {
				w <- msg
			} else {
				logrus.WithFields(logrus.Fields{
					"function": "conn.watch",
					"type":     msg.Type,
					"id":       msg.ID,
				}).Debug("Unsolicited relay message")
			}
		}
	}
}

func (cn *conn) handleNewRequest(msg Message) {
	if msg.Info == nil {
		return
	}
	in := &inbound{conn: cn, id: msg.ID, from: *msg.Info, path: msg.Path}
	select {
	case cn.client.incoming <- in:
	default:
		logrus.WithFields(logrus.Fields{
			"function": "conn.handleNewRequest",
			"from":     msg.Info.Name,
		}).Warn("Inbound backlog full, rejecting request")
		_ = cn.send(Message{Type: MsgAccept, ID: msg.ID, Accept: false})
	}
}

func (cn *conn) roundTrip(ctx context.Context, msg Message) (Message, error) {
	reply := make(chan Message, 1)
	cn.mu.Lock()
	cn.waiters[msg.ID] = reply
	cn.mu.Unlock()

	if err := cn.send(msg); err != nil {
		cn.mu.Lock()
		delete(cn.waiters, msg.ID)
		cn.mu.Unlock()
		return Message{}, fmt.Errorf("send %s: %w", msg.Type, err)
	}

	select {
	case r := <-reply:
		if r.Type == MsgError || r.Error != "" {
			return r, fmt.Errorf("relay: %s", r.Error)
		}
		return r, nil
	case <-ctx.Done():
		cn.mu.Lock()
		delete(cn.waiters, msg.ID)
		cn.mu.Unlock()
		return Message{}, ctx.Err()
	case <-cn.done:
		return Message{}, ErrDisconnected
	}
}

func (cn *conn) negotiate(id string) *negotiation {
	neg := &negotiation{conn: cn, id: id, candidate: make(chan string, 1)}
	cn.mu.Lock()
	cn.negotiations[id] = neg
	cn.mu.Unlock()
	return neg
}

func (cn *conn) forget(id string) {
	cn.mu.Lock()
	delete(cn.negotiations, id)
	cn.mu.Unlock()
}

func (cn *conn) shutdown() {
	cn.closeOnce.Do(func() { close(cn.done) })
}

func (cn *conn) close() error {
	cn.writeMu.Lock()
	_ = cn.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	cn.writeMu.Unlock()
	err := cn.ws.Close()
	cn.shutdown()
	return err
}

type inbound struct {
	conn *conn
	id   string
	from rendezvous.Info
	path string
}

func (in *inbound) From() rendezvous.Info { return in.from }
func (in *inbound) Path() string          { return in.path }

func (in *inbound) Accept(ok bool) (rendezvous.Negotiation, error) {
	var neg *negotiation
	if ok {
		neg = in.conn.negotiate(in.id)
	}
	if err := in.conn.send(Message{Type: MsgAccept, ID: in.id, Accept: ok}); err != nil {
		in.conn.forget(in.id)
		return nil, fmt.Errorf("send accept: %w", err)
	}
	if !ok {
		return nil, nil
	}
	return neg, nil
}

type negotiation struct {
	conn      *conn
	id        string
	candidate chan string
}

func (n *negotiation) AddPort(candidate string) error {
	return n.conn.send(Message{Type: MsgAddPort, ID: n.id, Candidate: candidate})
}

func (n *negotiation) Connect(ctx context.Context) (string, error) {
	select {
	case c := <-n.candidate:
		return c, nil
	default:
	}
	select {
	case c := <-n.candidate:
		return c, nil
	case <-ctx.Done():
		return "", ctx.Err()
	case <-n.conn.done:
		return "", ErrDisconnected
	}
}
