package dht

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseMessageQuery(t *testing.T) {
	v := buildQuery("aa", "ping", map[string]Value{"id": String(make([]byte, 20))})
	msg, err := parseMessage(v)
	require.NoError(t, err)
	assert.Equal(t, "aa", msg.T)
	assert.Equal(t, "q", msg.Y)
	assert.Equal(t, "ping", msg.Verb)
}

func TestParseMessageResponseRequiresID(t *testing.T) {
	v := buildResponse("aa", map[string]Value{})
	_, err := parseMessage(v)
	assert.Error(t, err)
}

func TestParseMessageError(t *testing.T) {
	v := buildError("aa", ErrCodeProtocol, "bad")
	msg, err := parseMessage(v)
	require.NoError(t, err)
	assert.Equal(t, int64(ErrCodeProtocol), msg.Code)
	assert.Equal(t, "bad", msg.EMsg)
}

func TestParseMessageRejectsEmptyT(t *testing.T) {
	v := Dict(map[string]Value{"t": String(nil), "y": String([]byte("q")), "q": String([]byte("ping")), "a": Dict(map[string]Value{"id": String(make([]byte, 20))})})
	_, err := parseMessage(v)
	assert.Error(t, err)
}

func TestParseMessageRejectsUnknownY(t *testing.T) {
	v := Dict(map[string]Value{"t": String([]byte("a")), "y": String([]byte("x"))})
	_, err := parseMessage(v)
	assert.Error(t, err)
}

func TestArgIDRequires20Bytes(t *testing.T) {
	_, ok := argID(map[string]Value{"id": String([]byte("short"))})
	assert.False(t, ok)

	id, ok := argID(map[string]Value{"id": String(make([]byte, 20))})
	assert.True(t, ok)
	assert.Equal(t, ID{}, id)
}
