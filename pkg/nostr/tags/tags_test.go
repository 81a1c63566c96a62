package tags

import (
	"testing"

	"github.com/Hubmakerlabs/nostrsync/pkg/nostr/tag"
	"github.com/stretchr/testify/assert"
)

func TestLookups(t *testing.T) {
	tt := T{
		tag.Event("aa", "", tag.MarkerRoot),
		tag.Pubkey("p1", "wss://r", ""),
		tag.Event("bb", "", tag.MarkerReply),
		{"e"},
		tag.Pubkey("p2", "", "bob"),
	}
	assert.Equal(t, "aa", tt.GetFirst("e").Value())
	assert.Equal(t, tag.T{"e"}, tt.GetLast("e"))
	assert.Equal(t, "bb", tt.GetFirst("e", "b").Value())
	assert.Len(t, tt.GetAll("e"), 3)
	assert.Equal(t, []string{"aa", "bb"}, tt.Values("e"))
	assert.Equal(t, []string{"p1", "p2"}, tt.Values("p"))
	assert.True(t, tt.ContainsAny("p", "x", "p2"))
	assert.False(t, tt.ContainsAny("e", "p1"))
	assert.Nil(t, tt.GetFirst("t"))
}

func TestClone(t *testing.T) {
	tt := T{{"p", "a"}}
	c := tt.Clone()
	c[0][1] = "b"
	assert.Equal(t, "a", tt[0].Value())
	assert.False(t, tt.Equals(c))
	assert.Nil(t, T(nil).Clone())
}
