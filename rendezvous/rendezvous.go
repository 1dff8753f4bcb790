// Package rendezvous turns the relay service's discovery and brokering
// primitives into a live datagram socket bound to one peer.
//
// The relay is only used to find a peer and to exchange endpoint candidates.
// Data never flows through it: once both sides know each other's candidate
// they punch through their NATs and talk directly over UDP.
//
// The relay client itself is a collaborator described by the Client,
// Inbound and Negotiation interfaces. The relay package provides a
// WebSocket implementation.
package rendezvous

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"strconv"
)

// AppTag is the client tag advertised by transfer endpoints. Inbound
// requests from clients with another tag are rejected.
const AppTag = "muzzman-transport"

var (
	// ErrNotFound indicates that no relay knows the requested peer.
	ErrNotFound = errors.New("peer not found on any relay")
	// ErrRequest indicates that a relay request failed before any handshake.
	ErrRequest = errors.New("relay request failed")
	// ErrRejected indicates that the peer declined the request.
	ErrRejected = errors.New("request rejected by peer")
	// ErrFailOnConnect indicates that no direct path to the peer was found.
	ErrFailOnConnect = errors.New("failed to connect to peer")
	// ErrInvalidToken indicates a malformed public token.
	ErrInvalidToken = errors.New("invalid public token")
)

// Token is the 128-bit public identity of an endpoint on the relay.
type Token [16]byte

// ParseToken decodes the 32-character hex form of a token.
func ParseToken(s string) (Token, error) {
	var t Token
	b, err := hex.DecodeString(s)
	if err != nil {
		return t, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if len(b) != len(t) {
		return t, fmt.Errorf("%w: %d bytes", ErrInvalidToken, len(b))
	}
	copy(t[:], b)
	return t, nil
}

// String returns the lowercase hex form of the token.
func (t Token) String() string {
	return hex.EncodeToString(t[:])
}

// MarshalText implements encoding.TextMarshaler.
func (t Token) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (t *Token) UnmarshalText(b []byte) error {
	v, err := ParseToken(string(b))
	if err != nil {
		return err
	}
	*t = v
	return nil
}

// Info is the identity an endpoint registers with the relay.
type Info struct {
	Client string `json:"client"`
	Name   string `json:"name"`
	Public Token  `json:"public"`
	Other  string `json:"other"`
}

// Client is the relay client consumed by the adapter.
type Client interface {
	// Step advances the client's own bookkeeping. It never blocks.
	Step() error
	// Search asks every relay for endpoints advertising tag.
	Search(ctx context.Context, tag string) ([]Info, error)
	// WhereIs returns the index of a relay that knows token.
	WhereIs(token Token) (int, bool)
	// Request asks the peer behind token, via relay index relay, to connect.
	Request(ctx context.Context, relay int, to Token, path string) (Negotiation, error)
	// Incoming returns the next inbound request without blocking.
	Incoming() (Inbound, bool)
	Close() error
}

// Inbound is a connection request from another endpoint.
type Inbound interface {
	From() Info
	Path() string
	// Accept answers the request. A rejected request yields no Negotiation.
	Accept(ok bool) (Negotiation, error)
}

// Negotiation exchanges endpoint candidates for one accepted request.
type Negotiation interface {
	// AddPort publishes the local candidate. A candidate with an empty or
	// unspecified host is completed by the relay with the observed address.
	AddPort(candidate string) error
	// Connect waits for the peer's candidate.
	Connect(ctx context.Context) (string, error)
}

// ResolveCandidate fills an empty or unspecified candidate host with
// observed.
func ResolveCandidate(candidate string, observed net.IP) (string, error) {
	host, port, err := net.SplitHostPort(candidate)
	if err != nil {
		return "", fmt.Errorf("candidate %q: %w", candidate, err)
	}
	if _, err := strconv.ParseUint(port, 10, 16); err != nil {
		return "", fmt.Errorf("candidate %q: bad port", candidate)
	}
	ip := net.ParseIP(host)
	if host == "" || (ip != nil && ip.IsUnspecified()) {
		if observed == nil {
			return "", fmt.Errorf("candidate %q: no observed address", candidate)
		}
		host = observed.String()
	}
	return net.JoinHostPort(host, port), nil
}
