package stdio

import (
	"bytes"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fly-cli/flybridge/transport"
	"github.com/fly-cli/flybridge/wire"
)

func TestTransportIsRegistered(t *testing.T) {
	assert.True(t, transport.DefaultRegistry.Has(TransportName))
	caps := transport.DefaultRegistry.GetCapabilities(TransportName)
	assert.Equal(t, TransportName, caps.Name)
	assert.False(t, caps.InProcess)
}

func TestConnReceivesLineDelimitedRequests(t *testing.T) {
	input := `{"jsonrpc":"2.0","id":"1","method":"ping"}` + "\n" +
		`{"jsonrpc":"2.0","method":"notifications/cancelled","params":{"requestId":"1"}}` + "\n"
	conn := NewConn(strings.NewReader(input), io.Discard, 0)

	req, err := conn.Receive()
	require.NoError(t, err)
	assert.Equal(t, "ping", req.Method)
	assert.Equal(t, "1", req.IDKey())

	note, err := conn.Receive()
	require.NoError(t, err)
	assert.True(t, note.IsNotification())

	_, err = conn.Receive()
	assert.ErrorIs(t, err, io.EOF)
}

func TestConnWritesOneLinePerMessage(t *testing.T) {
	var out bytes.Buffer
	conn := NewConn(strings.NewReader(""), &out, 0)

	resp, err := wire.NewResponse("7", map[string]string{"status": "ok"})
	require.NoError(t, err)
	require.NoError(t, conn.Send(resp))

	note, err := wire.NewNotification(wire.MethodProgress, map[string]string{"message": "busy"})
	require.NoError(t, err)
	require.NoError(t, conn.Notify(note))

	lines := strings.Split(strings.TrimRight(out.String(), "\n"), "\n")
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], `"status":"ok"`)
	assert.Contains(t, lines[1], wire.MethodProgress)
}

func TestConnRefusesAfterClose(t *testing.T) {
	conn := NewConn(strings.NewReader(""), io.Discard, 0)
	require.NoError(t, conn.Close())

	_, err := conn.Receive()
	assert.ErrorIs(t, err, transport.ErrClosed)
	assert.ErrorIs(t, conn.Send(&wire.Response{}), transport.ErrClosed)
	assert.ErrorIs(t, conn.Notify(&wire.Notification{}), transport.ErrClosed)

	assert.NoError(t, conn.Close())
}

func TestConnPropagatesSizeLimit(t *testing.T) {
	line := `{"jsonrpc":"2.0","id":"big","method":"` + strings.Repeat("m", 256) + `"}` + "\n" +
		`{"jsonrpc":"2.0","id":"2","method":"ping"}` + "\n"
	conn := NewConn(strings.NewReader(line), io.Discard, 128)

	_, err := conn.Receive()
	assert.ErrorIs(t, err, wire.ErrMessageTooLarge)

	req, err := conn.Receive()
	require.NoError(t, err)
	assert.Equal(t, "ping", req.Method)
}
