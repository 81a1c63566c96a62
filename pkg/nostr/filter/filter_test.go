package filter

import (
	"encoding/json"
	"testing"

	"github.com/Hubmakerlabs/nostrsync/pkg/nostr/event"
	"github.com/Hubmakerlabs/nostrsync/pkg/nostr/kind"
	"github.com/Hubmakerlabs/nostrsync/pkg/nostr/tags"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	alice = "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"
	bob   = "bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb"
)

func TestNormalizedEquality(t *testing.T) {
	a := New([]string{bob, alice, bob}, []kind.T{kind.TextNote, kind.ProfileMetadata}, nil, 0,
		WithCorrelation("timeline"))
	b := New([]string{alice, bob}, []kind.T{kind.ProfileMetadata, kind.TextNote, kind.TextNote}, nil, DefaultLimit,
		WithCorrelation("someone else"))
	assert.True(t, Equal(a, b))
	assert.Equal(t, a.Key(), b.Key())
	assert.Equal(t, []string{alice, bob}, a.Authors)

	c := New([]string{alice, bob}, []kind.T{kind.TextNote}, nil, 0)
	assert.False(t, Equal(a, c))
	assert.NotEqual(t, a.Key(), c.Key())

	d := New([]string{alice, bob}, []kind.T{kind.ProfileMetadata, kind.TextNote}, nil, 10)
	assert.False(t, Equal(a, d))
}

func TestWireForm(t *testing.T) {
	f := New([]string{alice}, []kind.T{kind.Reaction, kind.TextNote}, nil, 0)
	assert.Equal(t, `{"authors":["`+alice+`"],"kinds":[1,7],"limit":100}`, string(f.Serialize()))

	f = New(nil, nil, []string{"ee"}, 5, WithPTags(bob), WithSince(12))
	assert.Equal(t, `{"#e":["ee"],"#p":["`+bob+`"],"since":12,"limit":5}`, string(f.Serialize()))

	// round trip through the wire keeps equality, the label does not travel
	f.Correlation = "x"
	raw, err := json.Marshal(f)
	require.NoError(t, err)
	var back T
	require.NoError(t, json.Unmarshal(raw, &back))
	assert.True(t, Equal(f, &back))
	assert.Empty(t, back.Correlation)
}

func TestUnmarshalTolerates(t *testing.T) {
	var f T
	require.NoError(t, json.Unmarshal([]byte(`{"ids":["x"],"until":5,"kinds":[3,0,3]}`), &f))
	assert.Equal(t, []kind.T{0, 3}, f.Kinds)
	assert.Zero(t, f.Limit)
}

func TestMatches(t *testing.T) {
	ev := &event.T{
		PubKey:    alice,
		Kind:      kind.TextNote,
		CreatedAt: 100,
		Tags:      tags.T{{"e", "ee"}, {"p", bob}},
	}
	assert.True(t, New(nil, nil, nil, 0).Matches(ev))
	assert.True(t, New([]string{alice}, []kind.T{kind.TextNote}, nil, 0).Matches(ev))
	assert.False(t, New([]string{bob}, nil, nil, 0).Matches(ev))
	assert.False(t, New(nil, []kind.T{kind.ContactList}, nil, 0).Matches(ev))
	assert.True(t, New(nil, nil, []string{"ee"}, 0).Matches(ev))
	assert.False(t, New(nil, nil, []string{"ff"}, 0).Matches(ev))
	assert.True(t, New(nil, nil, nil, 0, WithPTags(bob)).Matches(ev))
	assert.True(t, New(nil, nil, nil, 0, WithSince(100)).Matches(ev))
	assert.False(t, New(nil, nil, nil, 0, WithSince(101)).Matches(ev))
	assert.False(t, New(nil, nil, nil, 0).Matches(nil))
}

func TestCloneIndependent(t *testing.T) {
	f := New([]string{alice}, nil, nil, 0, WithSince(3))
	c := f.Clone()
	require.True(t, Equal(f, c))
	c.Authors[0] = bob
	*c.Since = 4
	assert.Equal(t, alice, f.Authors[0])
	assert.EqualValues(t, 3, *f.Since)
}
