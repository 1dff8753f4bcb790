// Package relay implements the rendezvous relay: a small JSON-over-WebSocket
// service where endpoints register their identity, discover each other,
// broker connection requests and exchange UDP endpoint candidates.
//
// The relay never carries transfer data. Client implements
// rendezvous.Client; Server is an http.Handler that can be mounted on any
// mux at Path.
//
// A request flows through these messages:
//
//	requester            relay              target
//	request ----------->       ---------->  new_request
//	response <----------       <----------  accept
//	add_port ----------->       <---------  add_port
//	connect_on <--------       ---------->  connect_on
package relay

import (
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/opd-ai/mztransport/rendezvous"
)

const (
	// DefaultPort is the relay port used when an endpoint names none.
	DefaultPort = 7075
	// Path is the HTTP path the relay listens on.
	Path = "/relay"
)

// MessageType identifies the kind of relay message.
type MessageType string

const (
	MsgRegister     MessageType = "register"
	MsgRegistered   MessageType = "registered"
	MsgSearch       MessageType = "search"
	MsgSearchResult MessageType = "search_result"
	MsgRequest      MessageType = "request"
	MsgNewRequest   MessageType = "new_request"
	MsgAccept       MessageType = "accept"
	MsgResponse     MessageType = "response"
	MsgAddPort      MessageType = "add_port"
	MsgConnectOn    MessageType = "connect_on"
	MsgError        MessageType = "error"
)

// Message is the JSON structure exchanged over the WebSocket.
type Message struct {
	Type      MessageType       `json:"type"`
	ID        string            `json:"id,omitempty"`
	Info      *rendezvous.Info  `json:"info,omitempty"`
	Tag       string            `json:"tag,omitempty"`
	Results   []rendezvous.Info `json:"results,omitempty"`
	To        *rendezvous.Token `json:"to,omitempty"`
	Path      string            `json:"path,omitempty"`
	Accept    bool              `json:"accept,omitempty"`
	Candidate string            `json:"candidate,omitempty"`
	Error     string            `json:"error,omitempty"`
}

// EndpointURL turns a relay endpoint into a WebSocket URL. Bare hosts get
// DefaultPort; full ws:// or wss:// URLs are used as given.
func EndpointURL(endpoint string) (string, error) {
	if strings.HasPrefix(endpoint, "ws://") || strings.HasPrefix(endpoint, "wss://") {
		return endpoint, nil
	}
	if endpoint == "" {
		return "", fmt.Errorf("empty relay endpoint")
	}

	host, port, err := net.SplitHostPort(endpoint)
	if err != nil {
		// no port given
		host, port = strings.Trim(endpoint, "[]"), strconv.Itoa(DefaultPort)
	}
	if host == "" {
		return "", fmt.Errorf("relay endpoint %q has no host", endpoint)
	}
	return "ws://" + net.JoinHostPort(host, port) + Path, nil
}
