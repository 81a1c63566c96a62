package diag

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/Hubmakerlabs/nostrsync/pkg/graph"
	"github.com/Hubmakerlabs/nostrsync/pkg/nostr/pool"
	"github.com/Hubmakerlabs/nostrsync/pkg/nostr/subscription"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSource struct{}

func (fakeSource) Status() []pool.RelayStatus {
	return []pool.RelayStatus{{URL: "wss://a", Connected: true, Strikes: 3,
		LowTrust: true}}
}

func (fakeSource) Subscriptions() []subscription.Info {
	return []subscription.Info{{ID: "s:1", Refs: 2, State: "open"}}
}

func (fakeSource) CurrentFollows() ([]*graph.Author, error) { return nil, nil }

func TestNoticesRing(t *testing.T) {
	n := NewNotices(3)
	assert.Empty(t, n.List())
	for i := 0; i < 5; i++ {
		n.Add("wss://a", KindNotice, fmt.Sprint(i))
	}
	list := n.List()
	require.Len(t, list, 3)
	for i, want := range []string{"2", "3", "4"} {
		assert.Equal(t, want, list[i].Text)
	}
}

func get(t *testing.T, h http.Handler, path string, v any) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	req.Header.Set("Origin", "http://example.com")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if v != nil {
		require.Equal(t, http.StatusOK, rec.Code)
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), v))
	}
	return rec
}

func TestEndpoints(t *testing.T) {
	notices := NewNotices(0)
	notices.Add("wss://a", KindRejected, "blocked: spam")
	h := New(fakeSource{}, notices).Handler()

	var relays []pool.RelayStatus
	rec := get(t, h, "/relays", &relays)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
	require.Len(t, relays, 1)
	assert.True(t, relays[0].LowTrust)

	var subs []subscription.Info
	get(t, h, "/subscriptions", &subs)
	assert.Equal(t, 2, subs[0].Refs)

	var follows []*graph.Author
	rec = get(t, h, "/follows", &follows)
	assert.JSONEq(t, "[]", rec.Body.String())

	var list []Notice
	get(t, h, "/notices", &list)
	require.Len(t, list, 1)
	assert.Equal(t, KindRejected, list[0].Kind)

	req := httptest.NewRequest(http.MethodPost, "/relays", nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
}
