package relaytest_test

import (
	"encoding/json"
	"testing"

	"github.com/Hubmakerlabs/nostrsync/pkg/nostr/event"
	"github.com/Hubmakerlabs/nostrsync/pkg/nostr/keys"
	"github.com/Hubmakerlabs/nostrsync/pkg/nostr/kind"
	"github.com/Hubmakerlabs/nostrsync/pkg/nostr/tags"
	"github.com/Hubmakerlabs/nostrsync/pkg/relaytest"
	"github.com/fasthttp/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dial(t *testing.T, r *relaytest.Relay) *websocket.Conn {
	conn, _, err := websocket.DefaultDialer.Dial(r.URL(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func read(t *testing.T, conn *websocket.Conn) (msg []json.RawMessage) {
	_, b, err := conn.ReadMessage()
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(b, &msg))
	return
}

func label(t *testing.T, msg []json.RawMessage) (s string) {
	require.NoError(t, json.Unmarshal(msg[0], &s))
	return
}

func TestPublishAndQuery(t *testing.T) {
	r := relaytest.Start(relaytest.Options{
		Reject: func(ev *event.T) (bool, string) {
			return ev.Kind == kind.Reaction, "blocked: no reactions"
		},
	})
	defer r.Close()
	kp := keys.Generate()
	note := &event.T{CreatedAt: 10, Kind: kind.TextNote, Tags: tags.T{},
		Content: "hi"}
	require.NoError(t, note.Sign(kp))
	like := &event.T{CreatedAt: 11, Kind: kind.Reaction, Tags: tags.T{},
		Content: "+"}
	require.NoError(t, like.Sign(kp))

	conn := dial(t, r)
	for _, ev := range []*event.T{note, note, like} {
		require.NoError(t, conn.WriteMessage(websocket.TextMessage,
			[]byte(`["EVENT",`+ev.String()+`]`)))
	}
	var oks []bool
	for i := 0; i < 3; i++ {
		msg := read(t, conn)
		require.Equal(t, "OK", label(t, msg))
		var ok bool
		require.NoError(t, json.Unmarshal(msg[2], &ok))
		oks = append(oks, ok)
	}
	assert.Equal(t, []bool{true, true, false}, oks)
	assert.Equal(t, 1, r.Count())

	require.NoError(t, conn.WriteMessage(websocket.TextMessage,
		[]byte(`["REQ","s1",{"kinds":[1]}]`)))
	msg := read(t, conn)
	require.Equal(t, "EVENT", label(t, msg))
	got, err := event.Parse(msg[2])
	require.NoError(t, err)
	assert.Equal(t, note.ID, got.ID)
	assert.Equal(t, "EOSE", label(t, read(t, conn)))
	require.Len(t, r.Requests(), 1)
	assert.Equal(t, "s1", r.Requests()[0].SubscriptionID)
	assert.Equal(t, 1, r.OpenSubscriptions())
}
