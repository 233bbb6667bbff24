package replay

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func listenLoopback(t *testing.T) *net.UDPConn {
	t.Helper()
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readDatagram(t *testing.T, conn *net.UDPConn) string {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	buf := make([]byte, 65536)
	n, _, err := conn.ReadFromUDP(buf)
	require.NoError(t, err)
	return string(buf[:n])
}

func TestSender_Loopback(t *testing.T) {
	conn := listenLoopback(t)
	s, err := NewSender(conn.LocalAddr().String(), 0)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)

	payload := []byte("one")
	assert.True(t, s.SendAsync(payload))
	payload[0] = 'X' // the sender keeps its own copy
	assert.True(t, s.SendAsync([]byte("two")))

	assert.Equal(t, "one", readDatagram(t, conn))
	assert.Equal(t, "two", readDatagram(t, conn))

	require.NoError(t, s.Close())
	assert.EqualValues(t, 2, s.Stats().Sent)

	assert.False(t, s.SendAsync([]byte("late")))
	assert.EqualValues(t, 1, s.Stats().Dropped)
	assert.NoError(t, s.Close())
}

func TestSender_CloseFlushesQueue(t *testing.T) {
	conn := listenLoopback(t)
	s, err := NewSender(conn.LocalAddr().String(), 8)
	require.NoError(t, err)

	// Queue before the writer starts, then Close must still deliver.
	for _, p := range []string{"a", "b", "c"} {
		require.True(t, s.SendAsync([]byte(p)))
	}
	s.Start(context.Background())
	require.NoError(t, s.Close())

	for _, want := range []string{"a", "b", "c"} {
		assert.Equal(t, want, readDatagram(t, conn))
	}
}

func TestSender_DropsWhenFull(t *testing.T) {
	conn := listenLoopback(t)
	s, err := NewSender(conn.LocalAddr().String(), 2)
	require.NoError(t, err)
	defer s.Close()

	assert.True(t, s.SendAsync([]byte("a")))
	assert.True(t, s.SendAsync([]byte("b")))
	assert.False(t, s.SendAsync([]byte("c")))
	assert.EqualValues(t, 1, s.Stats().Dropped)
}

func TestNewSender_BadAddress(t *testing.T) {
	_, err := NewSender("not-an-address", 0)
	assert.Error(t, err)
}
