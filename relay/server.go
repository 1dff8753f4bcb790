package relay

import (
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/mztransport/limits"
	"github.com/opd-ai/mztransport/rendezvous"
)

// Server brokers rendezvous between registered endpoints. It implements
// http.Handler.
type Server struct {
	upgrader websocket.Upgrader

	mu       sync.Mutex
	peers    map[rendezvous.Token]*session
	requests map[string]*brokered
}

// session is one registered endpoint.
type session struct {
	ws      *websocket.Conn
	writeMu sync.Mutex
	info    rendezvous.Info
	ip      net.IP
}

func (s *session) send(msg Message) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.ws.WriteJSON(msg)
}

// brokered is a request between two sessions. Candidate 0 belongs to the
// requester, candidate 1 to the target.
type brokered struct {
	requester *session
	target    *session
	accepted  bool
	cands     [2]string
}

// NewServer creates an empty relay.
func NewServer() *Server {
	return &Server{
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		peers:    make(map[rendezvous.Token]*session),
		requests: make(map[string]*brokered),
	}
}

// Peers returns the number of registered endpoints.
func (s *Server) Peers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.peers)
}

// Close disconnects every registered endpoint.
func (s *Server) Close() {
	s.mu.Lock()
	sessions := make([]*session, 0, len(s.peers))
	for _, p := range s.peers {
		sessions = append(sessions, p)
	}
	s.mu.Unlock()

	for _, sess := range sessions {
		sess.writeMu.Lock()
		_ = sess.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "relay shutting down"), time.Now().Add(time.Second))
		sess.writeMu.Unlock()
		sess.ws.Close()
	}
}

// ServeHTTP upgrades the request and serves one endpoint until it leaves.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Server.ServeHTTP",
			"remote":   r.RemoteAddr,
			"error":    err.Error(),
		}).Warn("WebSocket upgrade failed")
		return
	}
	defer ws.Close()
	ws.SetReadLimit(limits.MaxRelayMessage)

	sess := &session{ws: ws, ip: remoteIP(r.RemoteAddr)}
	if !s.register(sess) {
		return
	}
	defer s.unregister(sess)

	for {
		var msg Message
		if err := ws.ReadJSON(&msg); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "Server.ServeHTTP",
				"name":     sess.info.Name,
				"error":    err.Error(),
			}).Debug("Endpoint disconnected")
			return
		}
		s.dispatch(sess, msg)
	}
}

func (s *Server) register(sess *session) bool {
	var msg Message
	if err := sess.ws.ReadJSON(&msg); err != nil {
		return false
	}
	if msg.Type != MsgRegister || msg.Info == nil {
		_ = sess.send(Message{Type: MsgError, ID: msg.ID, Error: "expected register"})
		return false
	}
	sess.info = *msg.Info

	s.mu.Lock()
	s.peers[sess.info.Public] = sess
	s.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function": "Server.register",
		"name":     sess.info.Name,
		"client":   sess.info.Client,
		"public":   sess.info.Public.String(),
		"ip":       sess.ip.String(),
	}).Info("Endpoint registered")

	return sess.send(Message{Type: MsgRegistered, ID: msg.ID}) == nil
}

func (s *Server) unregister(sess *session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.peers[sess.info.Public] == sess {
		delete(s.peers, sess.info.Public)
	}
	for id, b := range s.requests {
		if b.requester == sess || b.target == sess {
			delete(s.requests, id)
		}
	}
}

func (s *Server) dispatch(sess *session, msg Message) {
	switch msg.Type {
	case MsgSearch:
		s.handleSearch(sess, msg)
	case MsgRequest:
		s.handleRequest(sess, msg)
	case MsgAccept:
		s.handleAccept(sess, msg)
	case MsgAddPort:
		s.handleAddPort(sess, msg)
	default:
		_ = sess.send(Message{Type: MsgError, ID: msg.ID, Error: "unknown message type " + string(msg.Type)})
	}
}

func (s *Server) handleSearch(sess *session, msg Message) {
	s.mu.Lock()
	results := make([]rendezvous.Info, 0, len(s.peers))
	for _, p := range s.peers {
		if p == sess {
			continue
		}
		if msg.Tag == "" || p.info.Client == msg.Tag {
			results = append(results, p.info)
		}
	}
	s.mu.Unlock()

	_ = sess.send(Message{Type: MsgSearchResult, ID: msg.ID, Results: results})
}

func (s *Server) handleRequest(sess *session, msg Message) {
	if msg.To == nil || msg.ID == "" {
		_ = sess.send(Message{Type: MsgResponse, ID: msg.ID, Error: "malformed request"})
		return
	}

	s.mu.Lock()
	target := s.peers[*msg.To]
	_, dup := s.requests[msg.ID]
	if target != nil && !dup {
		s.requests[msg.ID] = &brokered{requester: sess, target: target}
	}
	s.mu.Unlock()

	switch {
	case dup:
		_ = sess.send(Message{Type: MsgResponse, ID: msg.ID, Error: "duplicate request id"})
		return
	case target == nil:
		_ = sess.send(Message{Type: MsgResponse, ID: msg.ID, Error: "unknown peer"})
		return
	}

	from := sess.info
	if err := target.send(Message{Type: MsgNewRequest, ID: msg.ID, Info: &from, Path: msg.Path}); err != nil {
		s.drop(msg.ID)
		_ = sess.send(Message{Type: MsgResponse, ID: msg.ID, Error: "peer unreachable"})
	}
}

func (s *Server) handleAccept(sess *session, msg Message) {
	s.mu.Lock()
	b := s.requests[msg.ID]
	if b == nil || b.target != sess {
		s.mu.Unlock()
		return
	}
	if msg.Accept {
		b.accepted = true
	} else {
		delete(s.requests, msg.ID)
	}
	requester := b.requester
	s.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function": "Server.handleAccept",
		"request":  msg.ID,
		"accepted": msg.Accept,
	}).Debug("Request answered")
	_ = requester.send(Message{Type: MsgResponse, ID: msg.ID, Accept: msg.Accept})
}

func (s *Server) handleAddPort(sess *session, msg Message) {
	candidate, err := rendezvous.ResolveCandidate(msg.Candidate, sess.ip)
	if err != nil {
		_ = sess.send(Message{Type: MsgError, ID: msg.ID, Error: err.Error()})
		return
	}

	s.mu.Lock()
	b := s.requests[msg.ID]
	if b == nil || !b.accepted {
		s.mu.Unlock()
		return
	}
	switch sess {
	case b.requester:
		b.cands[0] = candidate
	case b.target:
		b.cands[1] = candidate
	default:
		s.mu.Unlock()
		return
	}
	complete := b.cands[0] != "" && b.cands[1] != ""
	if complete {
		delete(s.requests, msg.ID)
	}
	s.mu.Unlock()

	if !complete {
		return
	}

	logrus.WithFields(logrus.Fields{
		"function":  "Server.handleAddPort",
		"request":   msg.ID,
		"requester": b.cands[0],
		"target":    b.cands[1],
	}).Info("Exchanging candidates")
	_ = b.requester.send(Message{Type: MsgConnectOn, ID: msg.ID, Candidate: b.cands[1]})
	_ = b.target.send(Message{Type: MsgConnectOn, ID: msg.ID, Candidate: b.cands[0]})
}

func (s *Server) drop(id string) {
	s.mu.Lock()
	delete(s.requests, id)
	s.mu.Unlock()
}

func remoteIP(addr string) net.IP {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		host = addr
	}
	return net.ParseIP(host)
}
