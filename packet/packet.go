// Package packet defines the wire messages exchanged between two transfer
// endpoints and their deterministic binary encoding.
//
// Every datagram carries exactly one Packet: a 16-bit identifier, the
// sender's acknowledgment window and one body variant. The base encoding is
// big-endian and length-prefixed; the bytes actually put on the wire are the
// base encoding in reverse order.
//
// Example:
//
//	raw, err := packet.Encode(&packet.Packet{
//	    ID:   7,
//	    Acks: window.Snapshot(),
//	    Body: packet.Tick{Session: session},
//	})
//
//	pkt, err := packet.Decode(raw)
//	if errors.Is(err, packet.ErrInvalidPacket) {
//	    // drop the datagram
//	}
package packet

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
)

// ID identifies a packet within one connection. Zero is reserved: it marks
// empty ring slots and packets that are never retransmitted.
type ID uint16

// MaxAcks is the largest acknowledgment window a packet may carry.
const MaxAcks = 32

// Session is the 128-bit correlation key of one established transfer.
type Session [16]byte

// NewSession returns a random session identifier.
func NewSession() (Session, error) {
	var s Session
	if _, err := rand.Read(s[:]); err != nil {
		return Session{}, fmt.Errorf("generate session: %w", err)
	}
	return s, nil
}

// String returns the lowercase hex form of the session.
func (s Session) String() string {
	return hex.EncodeToString(s[:])
}

// IsZero reports whether s is the zero session.
func (s Session) IsZero() bool {
	return s == Session{}
}

// Kind identifies the body variant of a packet.
type Kind uint8

const (
	// KindAuth is the requester's opening packet.
	KindAuth Kind = iota
	// KindAuthResponse accepts or rejects an Auth.
	KindAuthResponse
	// KindHeaders announces the transfer metadata.
	KindHeaders
	// KindFileContent carries one chunk of the transfer.
	KindFileContent
	// KindFinished marks the end of the transfer.
	KindFinished
	// KindTick is a bare acknowledgment and liveness signal.
	KindTick
)

var kindNames = [...]string{"auth", "auth_response", "headers", "file_content", "finished", "tick"}

// String returns a short name for logging.
func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// Body is implemented by every packet variant.
type Body interface {
	Kind() Kind
}

// Auth opens a handshake. Secret is an access-control string, not a key.
type Auth struct {
	Name   string
	Path   string
	Secret string
}

// AuthResponse answers an Auth. Session is only meaningful when Accepted.
type AuthResponse struct {
	Accepted bool
	Session  Session
}

// Headers announces the total size of the transfer and optional metadata.
type Headers struct {
	Session       Session
	ContentLength uint64
	Extra         map[string]string
}

// FileContent carries Bytes located at byte offset Cursor of the transfer.
type FileContent struct {
	Session Session
	Cursor  uint64
	Bytes   []byte
}

// Finished tells the receiver that no more content follows.
type Finished struct {
	Session Session
}

// Tick acknowledges received packets and keeps the connection alive.
type Tick struct {
	Session Session
}

func (Auth) Kind() Kind         { return KindAuth }
func (AuthResponse) Kind() Kind { return KindAuthResponse }
func (Headers) Kind() Kind      { return KindHeaders }
func (FileContent) Kind() Kind  { return KindFileContent }
func (Finished) Kind() Kind     { return KindFinished }
func (Tick) Kind() Kind         { return KindTick }

// Packet is one datagram of the protocol.
type Packet struct {
	ID   ID
	Acks []ID
	Body Body
}

// SessionOf returns the session a body refers to. Auth carries none.
func SessionOf(b Body) (Session, bool) {
	switch v := b.(type) {
	case AuthResponse:
		return v.Session, true
	case Headers:
		return v.Session, true
	case FileContent:
		return v.Session, true
	case Finished:
		return v.Session, true
	case Tick:
		return v.Session, true
	default:
		return Session{}, false
	}
}
