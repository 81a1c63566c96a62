package connection

import (
	"bytes"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/Hubmakerlabs/nostrsync/pkg/context"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/net/websocket"
)

func echoServer() *httptest.Server {
	return httptest.NewServer(&websocket.Server{
		Handshake: func(*websocket.Config, *http.Request) error { return nil },
		Handler:   func(conn *websocket.Conn) { io.Copy(conn, conn) },
	})
}

func wsURL(s *httptest.Server) string { return "ws" + strings.TrimPrefix(s.URL, "http") }

func TestEchoAroundPing(t *testing.T) {
	srv := echoServer()
	defer srv.Close()
	c, err := NewConnection(context.Bg(), wsURL(srv), nil)
	require.NoError(t, err)
	defer c.Close()

	require.NoError(t, c.WriteMessage([]byte(`["hello"]`)))
	// the pong comes back between the two messages and must be skipped
	require.NoError(t, c.Ping())
	require.NoError(t, c.WriteMessage([]byte(`["world"]`)))
	for _, want := range []string{`["hello"]`, `["world"]`} {
		var buf bytes.Buffer
		require.NoError(t, c.ReadMessage(context.Bg(), &buf))
		assert.Equal(t, want, buf.String())
	}
}

func TestReadMessageCancelled(t *testing.T) {
	srv := echoServer()
	defer srv.Close()
	c, err := NewConnection(context.Bg(), wsURL(srv), nil)
	require.NoError(t, err)
	defer c.Close()
	cx, cancel := context.Cancel(context.Bg())
	cancel()
	var buf bytes.Buffer
	assert.ErrorIs(t, c.ReadMessage(cx, &buf), context.Canceled)
	assert.Zero(t, buf.Len())
}

func TestDialCancelled(t *testing.T) {
	srv := echoServer()
	defer srv.Close()
	cx, cancel := context.Cancel(context.Bg())
	cancel()
	_, err := NewConnection(cx, wsURL(srv), nil)
	assert.Error(t, err)
}
