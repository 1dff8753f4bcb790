package transfer

import (
	"fmt"
	"os/user"
	"strings"
	"time"

	"github.com/opd-ai/mztransport/limits"
	"github.com/opd-ai/mztransport/peer"
	"github.com/opd-ai/mztransport/sink"
)

// Role selects which way a session moves content.
type Role uint8

const (
	// RoleSend serves the local file to requesters.
	RoleSend Role = iota
	// RoleRecv requests a remote file into the local sink.
	RoleRecv
	// RoleSync serves and requests. Initiated connections receive,
	// accepted connections send.
	RoleSync
)

func (r Role) String() string {
	switch r {
	case RoleSend:
		return "Send"
	case RoleRecv:
		return "Recv"
	case RoleSync:
		return "Sync"
	default:
		return fmt.Sprintf("Role(%d)", uint8(r))
	}
}

// ParseRole maps "Send", "Recv" or "Sync" (any case) to a Role.
func ParseRole(s string) (Role, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "send":
		return RoleSend, nil
	case "recv", "receive":
		return RoleRecv, nil
	case "sync":
		return RoleSync, nil
	default:
		return 0, fmt.Errorf("unknown role %q", s)
	}
}

// Serves reports whether the role accepts inbound requests.
func (r Role) Serves() bool {
	return r == RoleSend || r == RoleSync
}

const (
	// DefaultScheme prefixes share URLs.
	DefaultScheme = "mzt"
	// DefaultIOTimeout bounds each blocking handshake exchange.
	DefaultIOTimeout = 5 * time.Second
	// DefaultConnectTimeout bounds candidate exchange and hole punching.
	DefaultConnectTimeout = 10 * time.Second
)

// Config holds the parameters of one transfer session.
type Config struct {
	Role Role
	// Path is the local file and, for serving roles, the name requesters
	// must present.
	Path   string
	Secret string
	// Name is the display name announced to peers.
	Name   string
	Relays []string
	// BufferSize is the datagram budget; content chunks are
	// BufferSize minus the packet overhead.
	BufferSize     int
	Scheme         string
	IOTimeout      time.Duration
	ConnectTimeout time.Duration
	// Clock drives the reliability timers. Nil selects the wall clock.
	Clock peer.TimeProvider
}

// DefaultConfig returns a Config with the default relay, buffer size and
// the current OS user as name.
func DefaultConfig() Config {
	name := "anonymous"
	if u, err := user.Current(); err == nil && u.Username != "" {
		name = u.Username
	}
	return Config{
		Role:           RoleSend,
		Name:           name,
		Relays:         []string{"localhost"},
		BufferSize:     limits.DefaultBufferSize,
		Scheme:         DefaultScheme,
		IOTimeout:      DefaultIOTimeout,
		ConnectTimeout: DefaultConnectTimeout,
	}
}

// Validate checks the config and fills zero optional fields. The path is
// replaced by its cleaned form.
func (c *Config) Validate() error {
	if c.Role > RoleSync {
		return fmt.Errorf("invalid role %d", c.Role)
	}
	path, err := sink.ValidatePath(c.Path)
	if err != nil {
		return fmt.Errorf("invalid path: %w", err)
	}
	c.Path = path

	if c.BufferSize == 0 {
		c.BufferSize = limits.DefaultBufferSize
	}
	if err := limits.ValidateBufferSize(c.BufferSize); err != nil {
		return err
	}
	if c.Scheme == "" {
		c.Scheme = DefaultScheme
	}
	if c.IOTimeout <= 0 {
		c.IOTimeout = DefaultIOTimeout
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = DefaultConnectTimeout
	}
	if c.Clock == nil {
		c.Clock = peer.DefaultTimeProvider{}
	}
	return nil
}
