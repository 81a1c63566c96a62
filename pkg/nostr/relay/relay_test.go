package relay

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Hubmakerlabs/nostrsync/pkg/context"
	"github.com/Hubmakerlabs/nostrsync/pkg/nostr/envelopes"
	"github.com/Hubmakerlabs/nostrsync/pkg/nostr/event"
	"github.com/Hubmakerlabs/nostrsync/pkg/nostr/keys"
	"github.com/Hubmakerlabs/nostrsync/pkg/nostr/kind"
	"github.com/Hubmakerlabs/nostrsync/pkg/nostr/normalize"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/net/websocket"
)

// recorder is a Handler that logs every callback as a line.
type recorder struct {
	lines     chan string
	onConnect func(url string)
}

func newRecorder() *recorder { return &recorder{lines: make(chan string, 64)} }

func (h *recorder) OnConnect(url string) {
	h.lines <- "connect"
	if h.onConnect != nil {
		h.onConnect(url)
	}
}
func (h *recorder) OnDisconnect(url string, err error) { h.lines <- "disconnect" }
func (h *recorder) OnEvent(url, subID string, raw []byte) {
	h.lines <- "event " + subID + " " + string(raw)
}
func (h *recorder) OnEOSE(url, subID string) { h.lines <- "eose " + subID }
func (h *recorder) OnOK(url string, ok *envelopes.OK) {
	h.lines <- "ok " + ok.EventID + " " + ok.Reason
}
func (h *recorder) OnNotice(url, text string) { h.lines <- "notice " + text }
func (h *recorder) OnClosed(url, subID, reason string) {
	h.lines <- "closed " + subID + " " + reason
}

func (h *recorder) next(t *testing.T) string {
	select {
	case l := <-h.lines:
		return l
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for handler callback")
		return ""
	}
}

func newWebsocketServer(handler func(*websocket.Conn)) *httptest.Server {
	return httptest.NewServer(&websocket.Server{
		Handshake: anyOriginHandshake,
		Handler:   handler,
	})
}

// anyOriginHandshake is an alternative to default in golang.org/x/net/websocket
// which checks for origin. nostr client sends no origin and it makes no difference
// for the tests here anyway.
var anyOriginHandshake = func(conf *websocket.Config, r *http.Request) error {
	return nil
}

func fastOptions() Options {
	return Options{BackoffMin: 10 * time.Millisecond, BackoffMax: 50 * time.Millisecond}
}

func TestMessagesInOrder(t *testing.T) {
	ws := newWebsocketServer(func(conn *websocket.Conn) {
		for _, m := range []string{
			`["NOTICE","hello"]`,
			`["EVENT","s1",{"id":"1"}]`,
			`["garbage"`,
			`["EOSE","s1"]`,
			`["OK","abc",false,"blocked: nope"]`,
			`["CLOSED","s1","rate-limited: slow"]`,
		} {
			if err := websocket.Message.Send(conn, m); err != nil {
				t.Errorf("send: %v", err)
			}
		}
		io.ReadAll(conn)
	})
	defer ws.Close()

	h := newRecorder()
	r := New(ws.URL, h, fastOptions())
	assert.Equal(t, normalize.URL(ws.URL), r.URL())
	c, cancel := context.Cancel(context.Bg())
	done := make(chan struct{})
	go func() { r.Run(c); close(done) }()

	assert.Equal(t, "connect", h.next(t))
	assert.Equal(t, "notice hello", h.next(t))
	assert.Equal(t, `event s1 {"id":"1"}`, h.next(t))
	assert.Equal(t, "eose s1", h.next(t))
	assert.Equal(t, "ok abc blocked: nope", h.next(t))
	assert.Equal(t, "closed s1 rate-limited: slow", h.next(t))
	assert.True(t, r.IsConnected())

	cancel()
	<-done
	assert.False(t, r.IsConnected())
	assert.ErrorIs(t, r.Enqueue([]byte("x")), ErrNotConnected)
}

func TestEnqueueReachesRelay(t *testing.T) {
	got := make(chan string, 4)
	ws := newWebsocketServer(func(conn *websocket.Conn) {
		for {
			var m string
			if err := websocket.Message.Receive(conn, &m); err != nil {
				return
			}
			got <- m
		}
	})
	defer ws.Close()

	h := newRecorder()
	r := New(ws.URL, h, fastOptions())
	assert.ErrorIs(t, r.Enqueue([]byte(`["CLOSE","x"]`)), ErrNotConnected)

	// whatever OnConnect enqueues is written first
	h.onConnect = func(url string) {
		assert.NoError(t, r.Send(&envelopes.Close{SubscriptionID: "first"}))
	}
	c, cancel := context.Cancel(context.Bg())
	defer cancel()
	go r.Run(c)
	assert.Equal(t, "connect", h.next(t))
	require.NoError(t, r.Send(&envelopes.Close{SubscriptionID: "second"}))
	assert.Equal(t, `["CLOSE","first"]`, <-got)
	assert.Equal(t, `["CLOSE","second"]`, <-got)
}

func TestControlMessagesSurviveSmallQueue(t *testing.T) {
	var got atomic.Int32
	ws := newWebsocketServer(func(conn *websocket.Conn) {
		for {
			var m string
			if err := websocket.Message.Receive(conn, &m); err != nil {
				return
			}
			got.Add(1)
		}
	})
	defer ws.Close()

	h := newRecorder()
	opts := fastOptions()
	opts.QueueSize = 1
	r := New(ws.URL, h, opts)
	c, cancel := context.Cancel(context.Bg())
	defer cancel()
	go r.Run(c)
	assert.Equal(t, "connect", h.next(t))
	for i := 0; i < 200; i++ {
		require.NoError(t, r.Send(&envelopes.Close{SubscriptionID: fmt.Sprint(i)}))
	}
	require.Eventually(t, func() bool { return got.Load() == 200 },
		5*time.Second, 10*time.Millisecond)
}

func TestReconnectAfterDrop(t *testing.T) {
	var conns atomic.Int32
	ws := newWebsocketServer(func(conn *websocket.Conn) {
		if conns.Add(1) == 1 {
			// first connection is dropped straight away
			conn.Close()
			return
		}
		io.ReadAll(conn)
	})
	defer ws.Close()

	h := newRecorder()
	r := New(ws.URL, h, fastOptions())
	c, cancel := context.Cancel(context.Bg())
	defer cancel()
	go r.Run(c)

	assert.Equal(t, "connect", h.next(t))
	assert.Equal(t, "disconnect", h.next(t))
	assert.Equal(t, "connect", h.next(t))
	assert.EqualValues(t, 2, r.Connects())
	assert.ErrorIs(t, r.LastError(), ErrConnectionLost)
}

func TestAuthChallenge(t *testing.T) {
	kp := keys.Generate()
	var mx sync.Mutex
	var authEvent *event.T
	answered := make(chan struct{})
	ws := newWebsocketServer(func(conn *websocket.Conn) {
		websocket.Message.Send(conn, `["AUTH","challenge-123"]`)
		var raw []json.RawMessage
		if err := websocket.JSON.Receive(conn, &raw); err != nil {
			t.Errorf("receive: %v", err)
			return
		}
		env, err := envelopes.ParseClientMessage(mustMarshal(raw))
		if err != nil {
			t.Errorf("parse: %v", err)
			return
		}
		ev, err := event.Parse(env.(*envelopes.AuthResponse).Raw)
		if err != nil {
			t.Errorf("auth event: %v", err)
			return
		}
		mx.Lock()
		authEvent = ev
		mx.Unlock()
		// the OK for the auth event is consumed by the session
		websocket.Message.Send(conn, `["OK","`+ev.ID.String()+`",true,""]`)
		websocket.Message.Send(conn, `["NOTICE","after auth"]`)
		close(answered)
		io.ReadAll(conn)
	})
	defer ws.Close()

	h := newRecorder()
	opts := fastOptions()
	opts.Signer = kp
	r := New(ws.URL, h, opts)
	c, cancel := context.Cancel(context.Bg())
	defer cancel()
	go r.Run(c)
	assert.Equal(t, "connect", h.next(t))
	<-answered
	assert.Equal(t, "notice after auth", h.next(t))

	mx.Lock()
	defer mx.Unlock()
	require.NotNil(t, authEvent)
	assert.Equal(t, kind.ClientAuthentication, authEvent.Kind)
	assert.Equal(t, kp.PubKey(), authEvent.PubKey)
	assert.Equal(t, "challenge-123", authEvent.Tags.GetFirst("challenge").Value())
	assert.Equal(t, r.URL(), authEvent.Tags.GetFirst("relay").Value())
}

func mustMarshal(v any) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}
