package event_test

import (
	"encoding/json"
	"testing"

	"github.com/Hubmakerlabs/nostrsync/pkg/nostr/event"
	"github.com/Hubmakerlabs/nostrsync/pkg/nostr/keys"
	"github.com/Hubmakerlabs/nostrsync/pkg/nostr/kind"
	"github.com/Hubmakerlabs/nostrsync/pkg/nostr/tags"
	"github.com/Hubmakerlabs/nostrsync/pkg/nostr/timestamp"
	"github.com/Hubmakerlabs/nostrsync/pkg/nostr/wire/text"
	"github.com/nbd-wtf/go-nostr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	TestSecHex = "1797f6f1d10593548b566ba32e81577aa4bc990eb0f16556bf884f1af4b17c25"
	TestPubHex = "4fdb07df4a683e3ee9b2a9d117e01bfe2548d7e8c0d4cb56d77e9c23091c3fc3"
)

var TestEventContent = `This event contains { braces } and [ brackets ] that must be properly 
handled, as well as a line break, a dangling space and a 
	tab. "quotes", \backslash\, <html> & ünïcödé 🐸`

func testKey(t *testing.T) *keys.KeyPair {
	kp, err := keys.NewFromHex(TestSecHex)
	require.NoError(t, err)
	return kp
}

func testEvent() *event.T {
	return &event.T{
		CreatedAt: 1700000000,
		Kind:      kind.TextNote,
		Tags: tags.T{
			{"e", "5c83da77af1dec6d7289834998ad7aafbd9e2191396d75ec3cc27f5a77226f36", "wss://nostr.example.com", "root"},
			{"p", TestPubHex},
		},
		Content: TestEventContent,
	}
}

func TestCanonicalForm(t *testing.T) {
	b, err := event.Canonical(TestPubHex, 1, kind.TextNote,
		tags.T{{"t", "a\nb"}}, "x\"y")
	require.NoError(t, err)
	assert.Equal(t,
		`[0,"`+TestPubHex+`",1,1,[["t","a\nb"]],"x\"y"]`, string(b))

	b, err = event.Canonical(TestPubHex, 0, kind.ProfileMetadata, nil, "")
	require.NoError(t, err)
	assert.Equal(t, `[0,"`+TestPubHex+`",0,0,[],""]`, string(b))
}

func TestCanonicalEncodingError(t *testing.T) {
	_, err := event.Canonical(TestPubHex, 1, 1, nil, "bad \xff")
	assert.ErrorIs(t, err, text.ErrEncoding)
	_, err = event.Canonical(TestPubHex, 1, 1, tags.T{{"t", "\xc3\x28"}}, "")
	assert.ErrorIs(t, err, text.ErrEncoding)
}

func TestIDStability(t *testing.T) {
	a, b := testEvent(), testEvent()
	ida, err := a.GetID()
	require.NoError(t, err)
	idb, err := b.GetID()
	require.NoError(t, err)
	assert.Equal(t, ida, idb)
	require.NoError(t, ida.Validate())

	// every field is part of the address
	mutations := []func(ev *event.T){
		func(ev *event.T) { ev.CreatedAt++ },
		func(ev *event.T) { ev.Kind = kind.Reaction },
		func(ev *event.T) { ev.Content += " " },
		func(ev *event.T) { ev.Tags[1][1] = "00" + ev.Tags[1][1][2:] },
		func(ev *event.T) { ev.Tags = ev.Tags[:1] },
		func(ev *event.T) { ev.PubKey = "11" + TestPubHex[2:] },
	}
	for i, mutate := range mutations {
		ev := testEvent()
		ev.PubKey = TestPubHex
		base, err := ev.GetID()
		require.NoError(t, err)
		mutate(ev)
		changed, err := ev.GetID()
		require.NoError(t, err)
		assert.NotEqual(t, base, changed, "mutation %d", i)
	}
}

func TestSignAndParse(t *testing.T) {
	ev := testEvent()
	require.NoError(t, ev.Sign(testKey(t)))
	assert.Equal(t, TestPubHex, ev.PubKey)
	valid, err := ev.CheckSignature()
	require.NoError(t, err)
	assert.True(t, valid)

	raw, err := json.Marshal(ev)
	require.NoError(t, err)
	assert.Contains(t, string(raw), "<html> & ")
	parsed, err := event.Parse(raw)
	require.NoError(t, err)
	assert.Equal(t, ev.ID, parsed.ID)
	assert.True(t, ev.Tags.Equals(parsed.Tags))
	assert.Equal(t, ev.Content, parsed.Content)
}

func TestParseErrors(t *testing.T) {
	ev := testEvent()
	require.NoError(t, ev.Sign(testKey(t)))

	_, err := event.Parse([]byte(`{"id":`))
	assert.ErrorIs(t, err, event.ErrMalformedPayload)
	_, err = event.Parse([]byte(`{"id":"abc","pubkey":"x"}`))
	assert.ErrorIs(t, err, event.ErrMalformedPayload)

	tampered := ev.Clone()
	tampered.Content = "something else"
	_, err = event.Parse(tampered.Serialize())
	assert.ErrorIs(t, err, event.ErrIdentifierMismatch)

	// a consistent id but a signature by someone else
	forged := ev.Clone()
	other := keys.Generate()
	require.NoError(t, forged.Sign(other))
	forged.PubKey = TestPubHex
	id, err := forged.GetID()
	require.NoError(t, err)
	forged.ID = id
	_, err = event.Parse(forged.Serialize())
	assert.ErrorIs(t, err, event.ErrSignatureInvalid)
}

func TestSignWithZeroedKey(t *testing.T) {
	kp := keys.Generate()
	kp.Zero()
	ev := testEvent()
	assert.ErrorIs(t, ev.Sign(kp), keys.ErrKeyUnavailable)
	assert.Empty(t, ev.Sig)
}

// the same event built and signed by an independent implementation must have
// the same id, and each side must accept the other's signatures.
func TestInteropGoNostr(t *testing.T) {
	ours := testEvent()
	require.NoError(t, ours.Sign(testKey(t)))

	theirs := nostr.Event{
		PubKey:    TestPubHex,
		CreatedAt: nostr.Timestamp(ours.CreatedAt),
		Kind:      int(ours.Kind),
		Content:   ours.Content,
	}
	for _, tg := range ours.Tags {
		theirs.Tags = append(theirs.Tags, nostr.Tag(tg))
	}
	assert.Equal(t, ours.ID.String(), theirs.GetID())

	theirs.ID = ours.ID.String()
	theirs.Sig = ours.Sig
	ok, err := theirs.CheckSignature()
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, theirs.Sign(TestSecHex))
	raw, err := json.Marshal(theirs)
	require.NoError(t, err)
	parsed, err := event.Parse(raw)
	require.NoError(t, err)
	assert.Equal(t, theirs.ID, parsed.ID.String())
}

func TestSorting(t *testing.T) {
	evs := event.Descending{
		{CreatedAt: timestamp.T(1)}, {CreatedAt: timestamp.T(3)}, {CreatedAt: 2},
	}
	assert.True(t, evs.Less(1, 0))
	asc := event.Ascending(evs)
	assert.True(t, asc.Less(0, 1))
}
