package transfer

import "github.com/opd-ai/mztransport/packet"

// EventKind identifies a session notification.
type EventKind uint8

const (
	// EventNew announces an established connection.
	EventNew EventKind = iota
	// EventSetProgress reports the transferred fraction of a connection.
	EventSetProgress
	// EventSetStatus reports a human readable connection or session status.
	EventSetStatus
	// EventSetShare publishes the share URL of a serving session.
	EventSetShare
	// EventDestroy announces that a connection was removed.
	EventDestroy
	// EventError reports a failed request or handshake.
	EventError
)

var eventNames = [...]string{"new", "set_progress", "set_status", "set_share", "destroy", "error"}

func (k EventKind) String() string {
	if int(k) < len(eventNames) {
		return eventNames[k]
	}
	return "unknown"
}

// Status strings carried by EventSetStatus.
const (
	StatusInitializing = "Initializing and validating"
	StatusWaiting      = "Waiting for connections"
	StatusSending      = "Sending"
	StatusReceiving    = "Receiving"
	StatusFinished     = "Finished"
	StatusError        = "Error"
)

// Event is one notification of the session. Fields not relevant to Kind
// are zero.
type Event struct {
	Kind     EventKind
	Name     string
	Session  packet.Session
	PeerAddr string
	Progress float32
	Text     string
	Err      error
}
