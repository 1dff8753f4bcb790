package rendezvous

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/pion/stun/v3"
	"github.com/sirupsen/logrus"
)

// stunTimeout bounds one reflexive address query.
const stunTimeout = 2 * time.Second

// discoverReflexive asks a STUN server for the public address of conn's
// port. It must run before the port is handed to a reader goroutine.
func discoverReflexive(ctx context.Context, conn *net.UDPConn, server string) (*net.UDPAddr, error) {
	serverAddr, err := net.ResolveUDPAddr("udp", server)
	if err != nil {
		return nil, fmt.Errorf("resolve STUN server %s: %w", server, err)
	}

	req := stun.MustBuild(stun.TransactionID, stun.BindingRequest)
	if _, err := conn.WriteToUDP(req.Raw, serverAddr); err != nil {
		return nil, fmt.Errorf("send STUN request: %w", err)
	}

	deadline := time.Now().Add(stunTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = conn.SetReadDeadline(deadline)
	defer conn.SetReadDeadline(time.Time{})

	buffer := make([]byte, 1500)
	for {
		n, from, err := conn.ReadFromUDP(buffer)
		if err != nil {
			return nil, fmt.Errorf("read STUN response: %w", err)
		}
		if !sameAddr(from, serverAddr) || !stun.IsMessage(buffer[:n]) {
			continue
		}

		res := &stun.Message{Raw: append([]byte(nil), buffer[:n]...)}
		if err := res.Decode(); err != nil {
			return nil, fmt.Errorf("decode STUN response: %w", err)
		}
		if res.TransactionID != req.TransactionID {
			continue
		}
		if res.Type != stun.BindingSuccess {
			return nil, errors.New("STUN binding failed: " + res.Type.String())
		}

		var xor stun.XORMappedAddress
		if err := xor.GetFrom(res); err != nil {
			var mapped stun.MappedAddress
			if mErr := mapped.GetFrom(res); mErr != nil {
				return nil, fmt.Errorf("STUN response without mapped address: %w", err)
			}
			return &net.UDPAddr{IP: mapped.IP, Port: mapped.Port}, nil
		}

		logrus.WithFields(logrus.Fields{
			"function":  "discoverReflexive",
			"server":    server,
			"reflexive": fmt.Sprintf("%s:%d", xor.IP, xor.Port),
		}).Debug("Discovered reflexive address")
		return &net.UDPAddr{IP: xor.IP, Port: xor.Port}, nil
	}
}
