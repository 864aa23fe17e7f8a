package bytelink

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPipeLoopbackReadExact(t *testing.T) {
	a, b := NewLoopback()
	go func() { _, _ = a.Write([]byte("hello")) }()

	got, err := b.ReadExact(5, time.Second)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(got))
}

func TestPipeReadLineDropsCR(t *testing.T) {
	a, b := NewLoopback()
	go func() { _, _ = a.Write([]byte("[[SYNC:HEARTBEAT]]\r\n")) }()

	line, err := b.ReadLine(time.Second)
	require.NoError(t, err)
	assert.Equal(t, "[[SYNC:HEARTBEAT]]", line)
}

func TestPipeClearInputDiscardsBuffered(t *testing.T) {
	a, b := NewLoopback()
	_, err := a.Write([]byte("stale"))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		n, _ := b.Available()
		return n == 5
	}, time.Second, time.Millisecond)

	require.NoError(t, b.ClearInput())
	n, err := b.Available()
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestPipeCorruptHookAppliesOnWriterSide(t *testing.T) {
	a, b := NewLoopback()
	a.Corrupt = func(bb byte) (byte, bool) {
		if bb == 'x' {
			return 0, true
		}
		return bb ^ 0xFF, false
	}
	_, err := a.Write([]byte{'a', 'x', 'b'})
	require.NoError(t, err)

	got, err := b.ReadExact(2, time.Second)
	require.NoError(t, err)
	assert.Equal(t, []byte{'a' ^ 0xFF, 'b' ^ 0xFF}, got)
}

// TestFileAvailableObservesBytesWithoutPriorBlockingRead is a regression
// test for a livelock where File.Available() reported a bufio.Reader's
// already-buffered count, which stayed zero until something performed a
// blocking Read first — but fbt's readByteWithin calls Available() before
// ever attempting a Read. Bytes written by the peer must become visible via
// Available() on their own, driven by File's background pump goroutine.
func TestFileAvailableObservesBytesWithoutPriorBlockingRead(t *testing.T) {
	serverConn, clientConn := net.Pipe()
	defer serverConn.Close()
	defer clientConn.Close()

	f := NewFile(clientConn)
	defer f.Close()

	go func() { _, _ = serverConn.Write([]byte("ping")) }()

	require.Eventually(t, func() bool {
		n, err := f.Available()
		return err == nil && n == 4
	}, time.Second, time.Millisecond, "Available() never observed bytes fed by the pump")

	got, err := f.ReadExact(4, time.Second)
	require.NoError(t, err)
	assert.Equal(t, "ping", string(got))
}

func TestFileReadExactTimesOutWithoutData(t *testing.T) {
	serverConn, clientConn := net.Pipe()
	defer serverConn.Close()
	defer clientConn.Close()

	f := NewFile(clientConn)
	defer f.Close()

	_, err := f.ReadExact(1, 20*time.Millisecond)
	assert.ErrorIs(t, err, ErrTimeout)
}

func TestFileCloseRejectsFurtherIO(t *testing.T) {
	serverConn, clientConn := net.Pipe()
	defer serverConn.Close()

	f := NewFile(clientConn)
	require.NoError(t, f.Close())

	_, err := f.Write([]byte("x"))
	assert.ErrorIs(t, err, ErrClosed)

	_, err = f.Available()
	assert.ErrorIs(t, err, ErrClosed)
}
