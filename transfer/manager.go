// Package transfer drives transfer sessions: it binds to the rendezvous
// relays, runs handshakes in the background, and moves file content over
// established connections from a single non-blocking polling loop.
//
// A Manager is not safe for concurrent use. The host calls Step repeatedly
// and drains Events between steps:
//
//	m, err := transfer.Open(cfg, file, bind)
//	if err != nil {
//	    return err
//	}
//	defer m.Close()
//
//	for {
//	    m.Step()
//	    for _, ev := range m.Events() {
//	        // render progress
//	    }
//	    time.Sleep(10 * time.Millisecond)
//	}
package transfer

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/mztransport/packet"
	"github.com/opd-ai/mztransport/peer"
	"github.com/opd-ai/mztransport/rendezvous"
	"github.com/opd-ai/mztransport/sink"
)

// maxReceivePerStep bounds how many datagrams one connection may process in
// a single step.
const maxReceivePerStep = 64

// Rendezvous is the rendezvous service a session binds to.
// *rendezvous.Adapter implements it.
type Rendezvous interface {
	Step() error
	Request(ctx context.Context, token rendezvous.Token, path string) (rendezvous.Pending, error)
	Poll() (rendezvous.Pending, bool)
	Close() error
}

// BindFunc registers info with the given relays.
type BindFunc func(info rendezvous.Info, relays []string) (Rendezvous, error)

var _ Rendezvous = (*rendezvous.Adapter)(nil)

type request struct {
	pending rendezvous.Pending
	path    string
	secret  string
}

// Manager owns one transfer session.
type Manager struct {
	cfg   Config
	sink  sink.Sink
	rdv   Rendezvous
	info  rendezvous.Info
	share string

	ctx    context.Context
	cancel context.CancelFunc

	conns    []*peer.Connection
	task     *task
	deferred []request
	events   []Event
	chunk    []byte
	closed   bool
}

// Open validates cfg, binds to the relays and returns a session ready to
// Step. The first event is the initializing status; serving roles follow it
// with their share URL.
func Open(cfg Config, snk sink.Sink, bind BindFunc) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if len(cfg.Relays) == 0 {
		return nil, newError(KindBind, "open", errors.New("no relays configured"))
	}
	if snk == nil {
		return nil, newError(KindInvalidFilePath, "open", errors.New("nil sink"))
	}

	var public rendezvous.Token
	if _, err := rand.Read(public[:]); err != nil {
		return nil, newError(KindBind, "open", fmt.Errorf("generate token: %w", err))
	}
	info := rendezvous.Info{
		Client: rendezvous.AppTag,
		Name:   cfg.Name,
		Public: public,
		Other:  "File: " + cfg.Path,
	}

	rdv, err := bind(info, cfg.Relays)
	if err != nil {
		return nil, newError(KindBind, "open", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		cfg:    cfg,
		sink:   snk,
		rdv:    rdv,
		info:   info,
		share:  FormatShare(cfg.Scheme, public, cfg.Secret, cfg.Path),
		ctx:    ctx,
		cancel: cancel,
		chunk:  make([]byte, cfg.BufferSize-packet.Overhead(packet.MaxAcks)),
	}

	m.emit(Event{Kind: EventSetStatus, Text: StatusInitializing})
	if cfg.Role.Serves() {
		m.emit(Event{Kind: EventSetShare, Text: m.share})
		m.emit(Event{Kind: EventSetStatus, Text: StatusWaiting})
	}

	logrus.WithFields(logrus.Fields{
		"function": "transfer.Open",
		"role":     cfg.Role.String(),
		"path":     cfg.Path,
		"name":     cfg.Name,
		"public":   public.String(),
		"chunk":    len(m.chunk),
	}).Info("Session opened")
	return m, nil
}

// ShareURL returns the URL requesters use to fetch the served path.
func (m *Manager) ShareURL() string {
	return m.share
}

// Info returns the identity registered with the relays.
func (m *Manager) Info() rendezvous.Info {
	return m.info
}

// Connections returns the number of established connections.
func (m *Manager) Connections() int {
	return len(m.conns)
}

// Events drains the queued notifications in the order they happened.
func (m *Manager) Events() []Event {
	ev := m.events
	m.events = nil
	return ev
}

// Request asks the peer named by a share URL for its file. The rendezvous
// round trip happens here; the handshake runs in the background and is
// queued when another one is in flight.
func (m *Manager) Request(ctx context.Context, url string) error {
	if m.closed {
		return newError(KindConnect, "request", errors.New("session closed"))
	}
	token, secret, path, err := ParseShare(url)
	if err != nil {
		return err
	}

	pending, err := m.rdv.Request(ctx, token, path)
	if err != nil {
		if errors.Is(err, rendezvous.ErrNotFound) {
			return newError(KindDomainAddressCannotBeFound, "request", err)
		}
		return newError(KindConnect, "request", err)
	}

	req := request{pending: pending, path: path, secret: secret}
	if m.task != nil {
		m.deferred = append(m.deferred, req)
		logrus.WithFields(logrus.Fields{
			"function": "Manager.Request",
			"path":     path,
			"queued":   len(m.deferred),
		}).Debug("Handshake in flight, deferring request")
		return nil
	}
	m.startRequest(req)
	return nil
}

// Step advances the session by one non-blocking iteration.
func (m *Manager) Step() {
	if m.closed {
		return
	}

	if err := m.rdv.Step(); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Manager.Step",
			"error":    err.Error(),
		}).Debug("Rendezvous step failed")
	}

	m.joinTask()
	if m.task == nil {
		m.startNext()
	}

	for _, c := range m.conns {
		m.drain(c)
	}
	m.maintain()
}

// Close closes every connection and the rendezvous binding.
func (m *Manager) Close() error {
	if m.closed {
		return nil
	}
	m.closed = true
	m.cancel()

	if t := m.task; t != nil {
		m.task = nil
		go func() {
			<-t.done
			if t.conn != nil {
				t.conn.Close()
			}
		}()
	}

	for _, c := range m.conns {
		c.Close()
		m.emit(Event{Kind: EventDestroy, Name: c.Name, Session: c.Session, Text: c.Reason()})
	}
	m.conns = nil
	m.deferred = nil

	logrus.WithFields(logrus.Fields{
		"function": "Manager.Close",
		"public":   m.info.Public.String(),
	}).Info("Session closed")
	return m.rdv.Close()
}

func (m *Manager) handshaker(path, secret string) handshaker {
	return handshaker{
		ctx:            m.ctx,
		name:           m.cfg.Name,
		path:           path,
		secret:         secret,
		sink:           m.sink,
		clock:          m.cfg.Clock,
		ioTimeout:      m.cfg.IOTimeout,
		connectTimeout: m.cfg.ConnectTimeout,
	}
}

func (m *Manager) startRequest(req request) {
	h := m.handshaker(req.path, req.secret)
	m.task = startTask("request", func() (*peer.Connection, error) {
		return h.request(req.pending)
	})
}

func (m *Manager) startNext() {
	if len(m.deferred) > 0 {
		req := m.deferred[0]
		m.deferred = m.deferred[1:]
		m.startRequest(req)
		return
	}
	if !m.cfg.Role.Serves() {
		return
	}
	pending, ok := m.rdv.Poll()
	if !ok {
		return
	}
	logrus.WithFields(logrus.Fields{
		"function": "Manager.startNext",
		"from":     pending.Remote().Name,
	}).Debug("Serving inbound request")
	h := m.handshaker(m.cfg.Path, m.cfg.Secret)
	m.task = startTask("serve", func() (*peer.Connection, error) {
		return h.serve(pending)
	})
}

func (m *Manager) joinTask() {
	t := m.task
	if t == nil || !t.finished() {
		return
	}
	m.task = nil

	if t.err != nil {
		m.fail(t.op, t.err)
		return
	}

	c := t.conn
	m.conns = append(m.conns, c)
	m.emit(Event{
		Kind:     EventNew,
		Name:     c.Name,
		Session:  c.Session,
		PeerAddr: c.Socket().RemoteAddr().String(),
	})
	status := StatusReceiving
	if c.Direction == peer.Sending {
		status = StatusSending
	}
	m.emit(Event{Kind: EventSetStatus, Name: c.Name, Session: c.Session, Text: status})
}

func (m *Manager) fail(op string, err error) {
	text := StatusError
	if kind, ok := KindOf(err); ok {
		text = kind.Message()
	}
	logrus.WithFields(logrus.Fields{
		"function": "Manager.fail",
		"op":       op,
		"error":    err.Error(),
	}).Warn("Handshake failed")
	m.emit(Event{Kind: EventError, Text: text, Err: err})
}

func (m *Manager) emit(ev Event) {
	m.events = append(m.events, ev)
}

func (m *Manager) drain(c *peer.Connection) {
	for i := 0; i < maxReceivePerStep && c.Active(); i++ {
		p, ok := c.Receive()
		if !ok {
			return
		}
		m.dispatch(c, p)
	}
}

func (m *Manager) dispatch(c *peer.Connection, p *packet.Packet) {
	c.RecordReceived(p.Acks)
	c.Touch()

	if s, ok := packet.SessionOf(p.Body); ok && s != c.Session {
		logrus.WithFields(logrus.Fields{
			"function": "Manager.dispatch",
			"session":  c.Session.String(),
			"got":      s.String(),
			"kind":     p.Body.Kind().String(),
		}).Warn("Dropping packet for foreign session")
		return
	}

	if p.ID == 0 {
		// unreliable packets carry nothing but acks and liveness
		return
	}

	if !c.Seen(p.ID) {
		c.RecordSent(p.ID)
		if c.Direction == peer.Receiving {
			m.receive(c, p.Body)
		}
	}

	if err := c.Ack(); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Manager.dispatch",
			"session":  c.Session.String(),
			"error":    err.Error(),
		}).Debug("Acknowledgment not sent")
	}
}

func (m *Manager) receive(c *peer.Connection, body packet.Body) {
	switch b := body.(type) {
	case packet.Headers:
		c.ContentLength = b.ContentLength
		c.HeadersSeen = true
		logrus.WithFields(logrus.Fields{
			"function": "Manager.receive",
			"session":  c.Session.String(),
			"length":   b.ContentLength,
		}).Debug("Headers received")
		m.progress(c)

	case packet.FileContent:
		if _, err := m.sink.WriteAt(b.Bytes, int64(b.Cursor)); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "Manager.receive",
				"session":  c.Session.String(),
				"cursor":   b.Cursor,
				"error":    err.Error(),
			}).Error("Failed to write content")
			m.emit(Event{Kind: EventError, Name: c.Name, Session: c.Session,
				Text: KindInvalidFilePath.Message(), Err: newError(KindInvalidFilePath, "write", err)})
			c.Deactivate("write failed")
			return
		}
		if end := b.Cursor + uint64(len(b.Bytes)); end > c.Cursor {
			c.Cursor = end
		}
		c.Received += uint64(len(b.Bytes))
		m.progress(c)

	case packet.Finished:
		c.Deactivate("finished")
		m.finished(c)
	}
}

func (m *Manager) progress(c *peer.Connection) {
	m.emit(Event{Kind: EventSetProgress, Name: c.Name, Session: c.Session, Progress: c.Progress()})
}

func (m *Manager) finished(c *peer.Connection) {
	m.emit(Event{Kind: EventSetProgress, Name: c.Name, Session: c.Session, Progress: 1})
	m.emit(Event{Kind: EventSetStatus, Name: c.Name, Session: c.Session, Text: StatusFinished})
}

func (m *Manager) maintain() {
	for _, c := range m.conns {
		if !c.Active() {
			continue
		}
		out := c.ResolveOutstanding()

		if c.Idle() {
			if c.Direction == peer.Sending && c.Finishing() {
				// the receiver left after our Finished; its ack got lost
				c.Deactivate("finished")
				m.finished(c)
			} else {
				c.Deactivate("idle timeout")
			}
			continue
		}

		if c.Direction == peer.Sending {
			m.pump(c, out)
		}

		if c.Active() && c.NeedsKeepalive() {
			if err := c.Ack(); err != nil {
				logrus.WithFields(logrus.Fields{
					"function": "Manager.maintain",
					"session":  c.Session.String(),
					"error":    err.Error(),
				}).Debug("Keepalive not sent")
			}
		}
	}
	m.reap()
}

// pump sends the next chunk of a sending connection, or Finished once the
// sink is exhausted and everything was acknowledged.
func (m *Manager) pump(c *peer.Connection, out int) {
	if c.FinishAcked() {
		c.Deactivate("finished")
		m.finished(c)
		return
	}
	if c.Finishing() {
		return
	}
	if out > peer.MaxOutstanding {
		logrus.WithFields(logrus.Fields{
			"function":    "Manager.pump",
			"session":     c.Session.String(),
			"outstanding": out,
		}).Debug("Backpressure, holding content")
		return
	}

	n, err := m.sink.ReadAt(m.chunk, int64(c.Cursor))
	if err != nil && !errors.Is(err, io.EOF) {
		logrus.WithFields(logrus.Fields{
			"function": "Manager.pump",
			"session":  c.Session.String(),
			"cursor":   c.Cursor,
			"error":    err.Error(),
		}).Error("Failed to read content")
		m.emit(Event{Kind: EventError, Name: c.Name, Session: c.Session,
			Text: KindInvalidFilePath.Message(), Err: newError(KindInvalidFilePath, "read", err)})
		c.Deactivate("read failed")
		return
	}

	if n == 0 {
		if out == 0 {
			if err := c.Finish(); err != nil {
				c.Deactivate("finish failed")
			}
		}
		return
	}

	if _, err := c.Enqueue(packet.FileContent{Session: c.Session, Cursor: c.Cursor, Bytes: m.chunk[:n]}); err != nil {
		c.Deactivate("encode failed")
		return
	}
	c.Cursor += uint64(n)
	m.progress(c)
}

// reap closes and removes inactive connections, one Destroy each.
func (m *Manager) reap() {
	kept := m.conns[:0]
	for _, c := range m.conns {
		if c.Active() {
			kept = append(kept, c)
			continue
		}
		if err := c.Close(); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "Manager.reap",
				"session":  c.Session.String(),
				"error":    err.Error(),
			}).Debug("Socket close failed")
		}
		m.emit(Event{Kind: EventDestroy, Name: c.Name, Session: c.Session, Text: c.Reason()})
	}
	for i := len(kept); i < len(m.conns); i++ {
		m.conns[i] = nil
	}
	m.conns = kept
}
