package relay

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/mztransport/peer"
	"github.com/opd-ai/mztransport/rendezvous"
)

func startRelay(t *testing.T) (*Server, string) {
	t.Helper()
	srv := NewServer()
	mux := http.NewServeMux()
	mux.Handle(Path, srv)
	hs := httptest.NewServer(mux)
	t.Cleanup(func() {
		srv.Close()
		hs.Close()
	})
	return srv, "ws://" + strings.TrimPrefix(hs.URL, "http://") + Path
}

func dialAs(t *testing.T, endpoint, name, client string, public byte) *Client {
	t.Helper()
	info := rendezvous.Info{Client: client, Name: name, Public: rendezvous.Token{public}, Other: "File: x"}
	c, err := Dial(context.Background(), info, []string{endpoint})
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func waitIncoming(t *testing.T, c *Client) rendezvous.Inbound {
	t.Helper()
	var in rendezvous.Inbound
	require.Eventually(t, func() bool {
		var ok bool
		in, ok = c.Incoming()
		return ok
	}, 2*time.Second, 5*time.Millisecond)
	return in
}

func TestEndpointURL(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"localhost", "ws://localhost:7075/relay", false},
		{"relay.example.org:9000", "ws://relay.example.org:9000/relay", false},
		{"::1", "ws://[::1]:7075/relay", false},
		{"[::1]:9000", "ws://[::1]:9000/relay", false},
		{"wss://relay.example.org/custom", "wss://relay.example.org/custom", false},
		{"", "", true},
		{":9000", "", true},
	}
	for _, tt := range tests {
		got, err := EndpointURL(tt.in)
		if tt.wantErr {
			assert.Error(t, err, tt.in)
			continue
		}
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got)
	}
}

func TestSearchAndWhereIs(t *testing.T) {
	srv, ep := startRelay(t)
	alice := dialAs(t, ep, "alice", rendezvous.AppTag, 1)
	dialAs(t, ep, "bob", rendezvous.AppTag, 2)
	dialAs(t, ep, "eve", "other-app", 3)
	require.Eventually(t, func() bool { return srv.Peers() == 3 }, time.Second, 5*time.Millisecond)

	found, err := alice.Search(context.Background(), rendezvous.AppTag)
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, "bob", found[0].Name)

	idx, ok := alice.WhereIs(rendezvous.Token{2})
	assert.True(t, ok)
	assert.Equal(t, 0, idx)
	_, ok = alice.WhereIs(rendezvous.Token{3})
	assert.False(t, ok)

	all, err := alice.Search(context.Background(), "")
	require.NoError(t, err)
	assert.Len(t, all, 2)
	assert.NoError(t, alice.Step())
}

func TestRequestAcceptExchangesCandidates(t *testing.T) {
	_, ep := startRelay(t)
	target := dialAs(t, ep, "target", rendezvous.AppTag, 1)
	requester := dialAs(t, ep, "requester", rendezvous.AppTag, 2)

	type result struct {
		neg rendezvous.Negotiation
		err error
	}
	done := make(chan result, 1)
	go func() {
		n, err := requester.Request(context.Background(), 0, rendezvous.Token{1}, "data.txt")
		done <- result{n, err}
	}()

	in := waitIncoming(t, target)
	assert.Equal(t, "requester", in.From().Name)
	assert.Equal(t, "data.txt", in.Path())
	tneg, err := in.Accept(true)
	require.NoError(t, err)

	r := <-done
	require.NoError(t, r.err)

	require.NoError(t, r.neg.AddPort(":1111"))
	require.NoError(t, tneg.AddPort("0.0.0.0:2222"))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	got, err := r.neg.Connect(ctx)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:2222", got)
	got, err = tneg.Connect(ctx)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:1111", got)
}

func TestRequestRejected(t *testing.T) {
	_, ep := startRelay(t)
	target := dialAs(t, ep, "target", rendezvous.AppTag, 1)
	requester := dialAs(t, ep, "requester", rendezvous.AppTag, 2)

	done := make(chan error, 1)
	go func() {
		_, err := requester.Request(context.Background(), 0, rendezvous.Token{1}, "x")
		done <- err
	}()

	in := waitIncoming(t, target)
	neg, err := in.Accept(false)
	require.NoError(t, err)
	assert.Nil(t, neg)
	assert.ErrorIs(t, <-done, rendezvous.ErrRejected)
}

func TestRequestUnknownPeer(t *testing.T) {
	_, ep := startRelay(t)
	requester := dialAs(t, ep, "requester", rendezvous.AppTag, 2)

	_, err := requester.Request(context.Background(), 0, rendezvous.Token{42}, "x")
	assert.ErrorContains(t, err, "unknown peer")

	_, err = requester.Request(context.Background(), 5, rendezvous.Token{42}, "x")
	assert.Error(t, err)
}

func TestDialWithoutRelay(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := Dial(ctx, rendezvous.Info{}, []string{"127.0.0.1:1"})
	assert.ErrorIs(t, err, ErrNoRelay)

	_, err = Dial(ctx, rendezvous.Info{}, nil)
	assert.ErrorIs(t, err, ErrNoRelay)
}

func TestStepReportsDisconnect(t *testing.T) {
	srv := NewServer()
	hs := httptest.NewServer(srv)
	ep := "ws://" + strings.TrimPrefix(hs.URL, "http://")

	c, err := Dial(context.Background(), rendezvous.Info{Name: "solo"}, []string{ep})
	require.NoError(t, err)
	defer c.Close()
	assert.NoError(t, c.Step())

	srv.Close()
	hs.Close()
	require.Eventually(t, func() bool { return c.Step() != nil }, 2*time.Second, 10*time.Millisecond)
	assert.ErrorIs(t, c.Step(), ErrDisconnected)
}

// TestAdapterOverRelay runs the full rendezvous path: relay search and
// request, candidate exchange and hole punching on the loopback interface.
func TestAdapterOverRelay(t *testing.T) {
	_, ep := startRelay(t)
	target := dialAs(t, ep, "target", rendezvous.AppTag, 1)
	requester := dialAs(t, ep, "requester", rendezvous.AppTag, 2)

	opts := rendezvous.DefaultOptions()
	opts.ListenAddr = "127.0.0.1:0"
	opts.ConnectTimeout = 3 * time.Second
	serve := rendezvous.NewAdapter(target, opts)
	fetch := rendezvous.NewAdapter(requester, opts)

	type result struct {
		sock peer.Socket
		err  error
	}
	requested := make(chan result, 1)
	go func() {
		p, err := fetch.Request(context.Background(), rendezvous.Token{1}, "data.txt")
		if err != nil {
			requested <- result{nil, err}
			return
		}
		s, err := p.Connect(context.Background())
		requested <- result{s, err}
	}()

	var inbound rendezvous.Pending
	require.Eventually(t, func() bool {
		var ok bool
		inbound, ok = serve.Poll()
		return ok
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, "requester", inbound.Remote().Name)

	served, err := inbound.Connect(context.Background())
	require.NoError(t, err)
	defer served.Close()

	r := <-requested
	require.NoError(t, r.err)
	defer r.sock.Close()

	require.NoError(t, r.sock.Send([]byte("auth")))
	got, err := served.Recv(2 * time.Second)
	require.NoError(t, err)
	assert.Equal(t, []byte("auth"), got)
}
