package dht

import (
	"io"
	"log/slog"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestUDPTransportSendRecvRoundTrip(t *testing.T) {
	a, err := NewUDPTransport(0, discardLogger())
	require.NoError(t, err)
	defer a.Close()
	b, err := NewUDPTransport(0, discardLogger())
	require.NoError(t, err)
	defer b.Close()

	dest, ok := NewLocation(net.ParseIP("127.0.0.1"), b.LocalPort())
	require.True(t, ok)

	msg := buildQuery("aa", "ping", map[string]Value{"id": String(make([]byte, 20))})
	require.NoError(t, a.Send(dest, msg))

	got, _, err := b.Recv(nil)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "ping", got.Verb)
}

// TestUDPTransportSpamThreshold mirrors spec.md §4.3's spam guard: onSpam
// fires exactly once when a source crosses spamThreshold datagrams, and
// every datagram at or beyond the threshold is dropped (returns a nil
// message with no error) until ResetSpam runs.
func TestUDPTransportSpamThreshold(t *testing.T) {
	a, err := NewUDPTransport(0, discardLogger())
	require.NoError(t, err)
	defer a.Close()
	b, err := NewUDPTransport(0, discardLogger())
	require.NoError(t, err)
	defer b.Close()

	dest, ok := NewLocation(net.ParseIP("127.0.0.1"), b.LocalPort())
	require.True(t, ok)
	msg := buildQuery("aa", "ping", map[string]Value{"id": String(make([]byte, 20))})

	fired := 0
	for i := 0; i < spamThreshold+2; i++ {
		require.NoError(t, a.Send(dest, msg))
		got, _, err := b.Recv(func(string) { fired++ })
		require.NoError(t, err)
		if i < spamThreshold-1 {
			assert.NotNil(t, got)
		} else {
			assert.Nil(t, got)
		}
	}
	assert.Equal(t, 1, fired)
}
