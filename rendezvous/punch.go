package rendezvous

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/mztransport/limits"
)

var (
	punchHole     = []byte("PUNCH_HOLE")
	punchResponse = []byte("PUNCH_RESPONSE")
)

// punchAttempt is the read window after each punch datagram.
const punchAttempt = 250 * time.Millisecond

// punch sends punch datagrams to remote until the peer answers or ctx ends.
// Both sides punch at the same time, so the first datagram to arrive from
// remote proves the path is open. Non-marker datagrams from remote that
// arrive during punching are returned for the caller to deliver.
func punch(ctx context.Context, conn *net.UDPConn, remote *net.UDPAddr) ([][]byte, error) {
	defer conn.SetReadDeadline(time.Time{})

	buffer := make([]byte, limits.MaxDatagram)
	var early [][]byte

	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("%w: punching %s: %v", ErrFailOnConnect, remote, err)
		}

		if _, err := conn.WriteToUDP(punchHole, remote); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "punch",
				"remote":   remote.String(),
				"attempt":  attempt,
				"error":    err.Error(),
			}).Debug("Failed to send punch datagram")
		}

		deadline := time.Now().Add(punchAttempt)
		if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
			deadline = d
		}
		_ = conn.SetReadDeadline(deadline)

		for {
			n, addr, err := conn.ReadFromUDP(buffer)
			if err != nil {
				var netErr net.Error
				if errors.As(err, &netErr) && netErr.Timeout() {
					break
				}
				return nil, fmt.Errorf("%w: %v", ErrFailOnConnect, err)
			}
			if !sameAddr(addr, remote) {
				continue
			}

			data := buffer[:n]
			switch {
			case bytes.Equal(data, punchHole):
				_, _ = conn.WriteToUDP(punchResponse, remote)
			case bytes.Equal(data, punchResponse):
			default:
				early = append(early, append([]byte(nil), data...))
			}

			logrus.WithFields(logrus.Fields{
				"function": "punch",
				"remote":   remote.String(),
				"attempts": attempt,
			}).Debug("Hole punch succeeded")
			return early, nil
		}
	}
}
