package transfer

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/mztransport/packet"
	"github.com/opd-ai/mztransport/peer"
	"github.com/opd-ai/mztransport/rendezvous"
	"github.com/opd-ai/mztransport/sink"
)

// authResend is how often the requester repeats its Auth while waiting.
const authResend = time.Second

var errHandshakeTimeout = errors.New("handshake timed out")

// task is a handshake running on its own goroutine. The polling loop checks
// done without blocking and then takes conn or err.
type task struct {
	op   string
	done chan struct{}
	conn *peer.Connection
	err  error
}

func startTask(op string, fn func() (*peer.Connection, error)) *task {
	t := &task{op: op, done: make(chan struct{})}
	go func() {
		defer close(t.done)
		t.conn, t.err = fn()
	}()
	return t
}

func (t *task) finished() bool {
	select {
	case <-t.done:
		return true
	default:
		return false
	}
}

// handshaker carries what a handshake needs from the manager so that the
// goroutine never touches manager state.
type handshaker struct {
	ctx            context.Context
	name           string
	path           string
	secret         string
	sink           sink.Sink
	clock          peer.TimeProvider
	ioTimeout      time.Duration
	connectTimeout time.Duration
}

func (h handshaker) connect(p rendezvous.Pending) (peer.Socket, error) {
	ctx, cancel := context.WithTimeout(h.ctx, h.connectTimeout)
	defer cancel()
	sock, err := p.Connect(ctx)
	if err != nil {
		return nil, newError(KindFailOnConnect, "connect", err)
	}
	return sock, nil
}

// request connects to a serving peer and authenticates for path. The
// resulting connection receives.
func (h handshaker) request(p rendezvous.Pending) (*peer.Connection, error) {
	sock, err := h.connect(p)
	if err != nil {
		return nil, err
	}
	conn, err := h.authenticate(sock, p.Remote().Name)
	if err != nil {
		sock.Close()
		return nil, err
	}
	return conn, nil
}

func (h handshaker) authenticate(sock peer.Socket, remote string) (*peer.Connection, error) {
	raw, err := packet.Encode(&packet.Packet{
		ID:   0,
		Acks: make([]packet.ID, packet.MaxAcks),
		Body: packet.Auth{Name: h.name, Path: h.path, Secret: h.secret},
	})
	if err != nil {
		return nil, newError(KindInvalidAuth, "encode auth", err)
	}

	deadline := time.Now().Add(h.ioTimeout)
	for {
		if err := sock.Send(raw); err != nil {
			return nil, newError(KindFailOnConnect, "send auth", err)
		}
		resendAt := time.Now().Add(authResend)

		for {
			if time.Until(deadline) <= 0 {
				return nil, newError(KindFailOnConnect, "await auth response", errHandshakeTimeout)
			}
			wait := min(time.Until(resendAt), time.Until(deadline))
			if wait <= 0 {
				break
			}

			data, err := sock.Recv(wait)
			if errors.Is(err, peer.ErrTimeout) {
				continue
			}
			if err != nil {
				return nil, newError(KindFailOnConnect, "await auth response", err)
			}

			p, err := packet.Decode(data)
			if err != nil {
				return nil, newError(KindInvalidPacket, "await auth response", err)
			}
			resp, ok := p.Body.(packet.AuthResponse)
			if !ok {
				// content sent ahead of the response is retransmitted later
				continue
			}
			if !resp.Accepted {
				return nil, newError(KindAuthFailed, "authenticate", nil)
			}
			if resp.Session.IsZero() {
				return nil, newError(KindInvalidAuth, "authenticate", errors.New("accepted without session"))
			}

			conn := peer.NewConnection(remote, resp.Session, peer.Receiving, sock, h.clock)
			conn.RecordReceived(p.Acks)
			conn.RecordSent(p.ID)
			if err := conn.Ack(); err != nil {
				logrus.WithFields(logrus.Fields{
					"function": "handshaker.authenticate",
					"session":  resp.Session.String(),
					"error":    err.Error(),
				}).Warn("Failed to acknowledge auth response")
			}

			logrus.WithFields(logrus.Fields{
				"function": "handshaker.authenticate",
				"path":     h.path,
				"session":  resp.Session.String(),
				"peer":     sock.RemoteAddr().String(),
			}).Info("Authenticated")
			return conn, nil
		}
	}
}

// serve connects to a requesting peer and checks its Auth against the
// served path and secret. The resulting connection sends.
func (h handshaker) serve(p rendezvous.Pending) (*peer.Connection, error) {
	sock, err := h.connect(p)
	if err != nil {
		return nil, err
	}
	conn, err := h.admit(sock)
	if err != nil {
		sock.Close()
		return nil, err
	}
	return conn, nil
}

func (h handshaker) admit(sock peer.Socket) (*peer.Connection, error) {
	data, err := sock.Recv(h.ioTimeout)
	if err != nil {
		return nil, newError(KindFailOnConnect, "await auth", err)
	}
	p, err := packet.Decode(data)
	if err != nil {
		return nil, newError(KindInvalidPacket, "await auth", err)
	}
	auth, ok := p.Body.(packet.Auth)
	if !ok {
		return nil, newError(KindInvalidAuth, "await auth", fmt.Errorf("first packet is %s", p.Body.Kind()))
	}

	if auth.Path != h.path || auth.Secret != h.secret {
		logrus.WithFields(logrus.Fields{
			"function": "handshaker.admit",
			"name":     auth.Name,
			"path":     auth.Path,
			"peer":     sock.RemoteAddr().String(),
		}).Warn("Rejecting peer with wrong path or secret")

		reject, err := packet.Encode(&packet.Packet{
			ID:   0,
			Acks: make([]packet.ID, packet.MaxAcks),
			Body: packet.AuthResponse{Accepted: false},
		})
		if err == nil {
			_ = sock.Send(reject)
		}
		return nil, newError(KindAuthFailed, "admit", nil)
	}

	session, err := packet.NewSession()
	if err != nil {
		return nil, newError(KindFailOnConnect, "admit", err)
	}
	size, err := h.sink.Size()
	if err != nil {
		return nil, newError(KindInvalidFilePath, "probe sink", err)
	}

	conn := peer.NewConnection(auth.Name, session, peer.Sending, sock, h.clock)
	conn.ContentLength = size
	conn.HeadersSeen = true
	if _, err := conn.Enqueue(packet.AuthResponse{Accepted: true, Session: session}); err != nil {
		return nil, newError(KindFailOnConnect, "send auth response", err)
	}
	headers := packet.Headers{
		Session:       session,
		ContentLength: size,
		Extra:         map[string]string{"name": filepath.Base(h.path)},
	}
	if _, err := conn.Enqueue(headers); err != nil {
		return nil, newError(KindFailOnConnect, "send headers", err)
	}

	logrus.WithFields(logrus.Fields{
		"function": "handshaker.admit",
		"name":     auth.Name,
		"session":  session.String(),
		"size":     size,
		"peer":     sock.RemoteAddr().String(),
	}).Info("Admitted peer")
	return conn, nil
}
