package envelopes

import (
	"encoding/json"
	"testing"

	"github.com/Hubmakerlabs/nostrsync/pkg/nostr/filter"
	"github.com/Hubmakerlabs/nostrsync/pkg/nostr/kind"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseRelayMessages(t *testing.T) {
	env, err := ParseRelayMessage([]byte(`["EVENT","sub1",{"id":"x"}]`))
	require.NoError(t, err)
	ev := env.(*Event)
	assert.Equal(t, "sub1", ev.SubscriptionID)
	assert.JSONEq(t, `{"id":"x"}`, string(ev.Raw))

	env, err = ParseRelayMessage([]byte(`["EOSE","sub1"]`))
	require.NoError(t, err)
	assert.Equal(t, &EOSE{SubscriptionID: "sub1"}, env)

	env, err = ParseRelayMessage([]byte(`["OK","abc",false,"blocked: no"]`))
	require.NoError(t, err)
	assert.Equal(t, &OK{EventID: "abc", OK: false, Reason: "blocked: no"}, env)

	// reason is optional in older relays
	env, err = ParseRelayMessage([]byte(`["OK","abc",true]`))
	require.NoError(t, err)
	assert.Equal(t, &OK{EventID: "abc", OK: true}, env)

	env, err = ParseRelayMessage([]byte(`["NOTICE","slow down"]`))
	require.NoError(t, err)
	assert.Equal(t, &Notice{Text: "slow down"}, env)

	env, err = ParseRelayMessage([]byte(`["CLOSED","sub1","error: shutting down"]`))
	require.NoError(t, err)
	assert.Equal(t, &Closed{SubscriptionID: "sub1", Reason: "error: shutting down"}, env)

	env, err = ParseRelayMessage([]byte(`["AUTH","challenge-string"]`))
	require.NoError(t, err)
	assert.Equal(t, &AuthChallenge{Challenge: "challenge-string"}, env)
}

func TestParseRelayMessageErrors(t *testing.T) {
	for _, in := range []string{
		``, `{}`, `[]`, `[1,2]`, `["EVENT","sub"]`, `["EVENT","sub","notobject"]`,
		`["OK","abc"]`, `["OK","abc","yes"]`, `["EOSE"]`, `["NOTICE",5]`,
	} {
		_, err := ParseRelayMessage([]byte(in))
		assert.ErrorIs(t, err, ErrMalformed, in)
	}
	_, err := ParseRelayMessage([]byte(`["COUNT","sub",{"count":1}]`))
	assert.ErrorIs(t, err, ErrUnknownLabel)
}

func TestClientMessagesRoundTrip(t *testing.T) {
	f := filter.New([]string{"aa"}, []kind.T{kind.TextNote}, nil, 0)
	req := &Req{SubscriptionID: "s", Filters: []*filter.T{f}}
	b, err := req.MarshalJSON()
	require.NoError(t, err)
	assert.Equal(t, `["REQ","s",{"authors":["aa"],"kinds":[1],"limit":100}]`, string(b))

	env, err := ParseClientMessage(b)
	require.NoError(t, err)
	back := env.(*Req)
	assert.Equal(t, "s", back.SubscriptionID)
	require.Len(t, back.Filters, 1)
	assert.True(t, filter.Equal(f, back.Filters[0]))

	b, err = (&Close{SubscriptionID: "s"}).MarshalJSON()
	require.NoError(t, err)
	env, err = ParseClientMessage(b)
	require.NoError(t, err)
	assert.Equal(t, &Close{SubscriptionID: "s"}, env)

	b, err = (&Event{Raw: json.RawMessage(`{"id":"1"}`)}).MarshalJSON()
	require.NoError(t, err)
	assert.Equal(t, `["EVENT",{"id":"1"}]`, string(b))
	env, err = ParseClientMessage(b)
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":"1"}`, string(env.(*Event).Raw))
}

func TestRelaySideMarshal(t *testing.T) {
	b, err := (&OK{EventID: "e", OK: true, Reason: "duplicate: <seen>"}).MarshalJSON()
	require.NoError(t, err)
	assert.Equal(t, `["OK","e",true,"duplicate: <seen>"]`, string(b))
	env, err := ParseRelayMessage(b)
	require.NoError(t, err)
	assert.Equal(t, "duplicate: <seen>", env.(*OK).Reason)

	b, err = (&Event{SubscriptionID: "x", Raw: json.RawMessage(`{}`)}).MarshalJSON()
	require.NoError(t, err)
	assert.Equal(t, `["EVENT","x",{}]`, string(b))

	_, err = (&Event{}).MarshalJSON()
	assert.ErrorIs(t, err, ErrMalformed)
}
