package simnet

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/mztransport/peer"
)

func TestPipeDeliversInOrder(t *testing.T) {
	n := New(Config{})
	a, b := n.Pipe("a", "b")

	require.NoError(t, a.Send([]byte("one")))
	require.NoError(t, a.Send([]byte("two")))

	got, ok := b.TryRecv()
	require.True(t, ok)
	assert.Equal(t, []byte("one"), got)
	got, ok = b.TryRecv()
	require.True(t, ok)
	assert.Equal(t, []byte("two"), got)

	_, ok = b.TryRecv()
	assert.False(t, ok)
	assert.Equal(t, "a", b.RemoteAddr().String())
	assert.Equal(t, "simnet", b.RemoteAddr().Network())
}

func TestSendCopiesData(t *testing.T) {
	n := New(Config{})
	a, b := n.Pipe("a", "b")

	buf := []byte("abc")
	require.NoError(t, a.Send(buf))
	buf[0] = 'z'

	got, _ := b.TryRecv()
	assert.Equal(t, []byte("abc"), got)
}

func TestRecvTimesOut(t *testing.T) {
	n := New(Config{})
	_, b := n.Pipe("a", "b")

	_, err := b.Recv(10 * time.Millisecond)
	assert.ErrorIs(t, err, peer.ErrTimeout)
}

func TestRecvWakesOnDelivery(t *testing.T) {
	n := New(Config{})
	a, b := n.Pipe("a", "b")

	go func() {
		time.Sleep(5 * time.Millisecond)
		_ = a.Send([]byte("late"))
	}()

	got, err := b.Recv(time.Second)
	require.NoError(t, err)
	assert.Equal(t, []byte("late"), got)
}

func TestCloseFailsRecvAndSend(t *testing.T) {
	n := New(Config{})
	a, b := n.Pipe("a", "b")

	require.NoError(t, b.Close())
	_, err := b.Recv(time.Second)
	assert.ErrorIs(t, err, peer.ErrClosed)
	assert.ErrorIs(t, b.Send([]byte("x")), peer.ErrClosed)

	// datagrams to a closed endpoint vanish
	require.NoError(t, a.Send([]byte("x")))
	assert.Equal(t, 0, b.Pending())
}

func TestLossIsSeededAndLogged(t *testing.T) {
	run := func() []DeliveryRecord {
		n := New(Config{Loss: 0.3, Seed: 11})
		a, _ := n.Pipe("a", "b")
		for i := 0; i < 200; i++ {
			require.NoError(t, a.Send([]byte{byte(i)}))
		}
		return n.Log()
	}

	first := run()
	assert.Equal(t, first, run())
	require.Len(t, first, 200)

	dropped := 0
	for _, rec := range first {
		if rec.Dropped {
			dropped++
		}
	}
	assert.Greater(t, dropped, 20)
	assert.Less(t, dropped, 100)
}

func TestImpairmentToggle(t *testing.T) {
	n := New(Config{Loss: 1, Seed: 1})
	a, b := n.Pipe("a", "b")

	require.NoError(t, a.Send([]byte("lost")))
	assert.Equal(t, 0, b.Pending())

	n.SetImpaired(false)
	require.NoError(t, a.Send([]byte("kept")))
	assert.Equal(t, 1, b.Pending())

	n.ClearLog()
	assert.Empty(t, n.Log())
}

func TestDuplicateAndReorder(t *testing.T) {
	n := New(Config{Duplicate: 1, Seed: 3})
	a, b := n.Pipe("a", "b")
	require.NoError(t, a.Send([]byte("d")))
	assert.Equal(t, 2, b.Pending())

	n = New(Config{Reorder: 1, Seed: 3})
	a, b = n.Pipe("a", "b")
	require.NoError(t, a.Send([]byte("first")))
	require.NoError(t, a.Send([]byte("second")))

	got, _ := b.TryRecv()
	assert.Equal(t, []byte("second"), got)
	got, _ = b.TryRecv()
	assert.Equal(t, []byte("first"), got)
}

func TestInjectBypassesLog(t *testing.T) {
	n := New(Config{Loss: 1})
	_, b := n.Pipe("a", "b")

	b.Inject([]byte("raw"))
	assert.Equal(t, 1, b.Pending())
	assert.Empty(t, n.Log())
}
