package follows_test

import (
	"encoding/json"
	"sync"
	"testing"

	"github.com/Hubmakerlabs/nostrsync/pkg/context"
	"github.com/Hubmakerlabs/nostrsync/pkg/follows"
	"github.com/Hubmakerlabs/nostrsync/pkg/graph"
	"github.com/Hubmakerlabs/nostrsync/pkg/graph/graphtest"
	"github.com/Hubmakerlabs/nostrsync/pkg/graph/memory"
	"github.com/Hubmakerlabs/nostrsync/pkg/nostr/event"
	"github.com/Hubmakerlabs/nostrsync/pkg/nostr/keys"
	"github.com/Hubmakerlabs/nostrsync/pkg/nostr/kind"
	"github.com/Hubmakerlabs/nostrsync/pkg/nostr/pool"
	"github.com/Hubmakerlabs/nostrsync/pkg/nostr/tag"
	"github.com/Hubmakerlabs/nostrsync/pkg/nostr/tags"
	"github.com/Hubmakerlabs/nostrsync/pkg/nostr/timestamp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePublisher struct {
	mx     sync.Mutex
	events []*event.T
	relays []string
}

func (f *fakePublisher) PublishToAll(_ context.T, ev *event.T) *pool.Publication {
	f.mx.Lock()
	defer f.mx.Unlock()
	f.events = append(f.events, ev)
	return nil
}

func (f *fakePublisher) Relays() []string { return f.relays }

func (f *fakePublisher) published() []*event.T {
	f.mx.Lock()
	defer f.mx.Unlock()
	return append([]*event.T(nil), f.events...)
}

func setup(t *testing.T) (*follows.T, *keys.KeyPair, graph.Store, *fakePublisher) {
	kp := keys.Generate()
	store := memory.New()
	t.Cleanup(func() { store.Close() })
	pub := &fakePublisher{relays: []string{"wss://b.example", "wss://a.example"}}
	return follows.New(store, kp, pub), kp, store, pub
}

func edges(t *testing.T, store graph.Store, src string) (dsts []string) {
	require.NoError(t, store.View(func(tx graph.Txn) error {
		fs, err := tx.FollowsOf(src)
		dsts = graph.Destinations(fs)
		return err
	}))
	return
}

func contactList(t *testing.T, kp *keys.KeyPair, at timestamp.T,
	dsts ...string) *event.T {

	ev := &event.T{CreatedAt: at, Kind: kind.ContactList, Tags: tags.T{}}
	for _, d := range dsts {
		ev.Tags = append(ev.Tags, tag.Pubkey(d, "", ""))
	}
	require.NoError(t, ev.Sign(kp))
	return ev
}

func TestFollowIdempotent(t *testing.T) {
	fs, kp, store, pub := setup(t)
	b := keys.Generate().PubKey()
	c := context.Bg()
	_, err := fs.Follow(c, b)
	require.NoError(t, err)
	_, err = fs.Follow(c, b)
	require.NoError(t, err)

	assert.Equal(t, []string{b}, edges(t, store, kp.PubKey()))
	evs := pub.published()
	require.Len(t, evs, 1)
	assert.Equal(t, kind.ContactList, evs[0].Kind)
	assert.Equal(t, tags.T{{"p", b}}, evs[0].Tags)
	assert.NoError(t, evs[0].Verify())
	assert.True(t, fs.IsFollowing(b))
}

func TestFollowBuildsSortedList(t *testing.T) {
	fs, kp, store, pub := setup(t)
	c := context.Bg()
	var keyList []string
	for i := 0; i < 4; i++ {
		k := keys.Generate().PubKey()
		keyList = append(keyList, k)
		_, err := fs.Follow(c, k)
		require.NoError(t, err)
	}
	_, err := fs.Follow(c, keyList[0], follows.WithRelay("wss://hint"),
		follows.WithPetName("zero"))
	require.NoError(t, err)

	evs := pub.published()
	require.Len(t, evs, 5)
	for i := 1; i < len(evs); i++ {
		assert.Greater(t, evs[i].CreatedAt, evs[i-1].CreatedAt)
	}
	latest := evs[len(evs)-1]
	got := latest.Tags.Values("p")
	assert.IsIncreasing(t, got)
	assert.ElementsMatch(t, keyList, got)
	assert.Equal(t, tag.T{"p", keyList[0], "wss://hint", "zero"},
		latest.Tags.GetFirst("p", keyList[0]))
	assert.ElementsMatch(t, keyList, edges(t, store, kp.PubKey()))

	var relays map[string]map[string]bool
	require.NoError(t, json.Unmarshal([]byte(latest.Content), &relays))
	assert.Equal(t, map[string]map[string]bool{
		"wss://a.example": {"read": true, "write": true},
		"wss://b.example": {"read": true, "write": true},
	}, relays)
}

func TestFollowInvalidKey(t *testing.T) {
	fs, _, _, pub := setup(t)
	_, err := fs.Follow(context.Bg(), "npub1notahexkey")
	assert.ErrorIs(t, err, keys.ErrInvalidKey)
	assert.Empty(t, pub.published())
}

func TestUnfollow(t *testing.T) {
	fs, kp, store, pub := setup(t)
	c := context.Bg()
	bKey := keys.Generate()
	note := graphtest.Note(t, bKey, 10, "by b")
	deleted := graphtest.Note(t, bKey, 11, "deleted by b")
	require.NoError(t, store.Update(func(tx graph.Txn) error {
		if _, _, err := graph.InsertEvent(tx, note, "wss://x"); err != nil {
			return err
		}
		r, _, err := graph.InsertEvent(tx, deleted, "wss://x")
		if err != nil {
			return err
		}
		r.Hidden, r.HiddenReason = true, graph.HiddenDeleted
		return tx.PutEvent(r)
	}))

	// not followed yet
	pb, err := fs.Unfollow(c, bKey.PubKey())
	require.NoError(t, err)
	assert.Nil(t, pb)
	assert.Empty(t, pub.published())

	_, err = fs.Follow(c, bKey.PubKey())
	require.NoError(t, err)
	_, err = fs.Unfollow(c, bKey.PubKey())
	require.NoError(t, err)
	assert.Empty(t, edges(t, store, kp.PubKey()))
	evs := pub.published()
	require.Len(t, evs, 2)
	assert.Empty(t, evs[1].Tags)

	hidden := func(id string) (r *graph.Record) {
		require.NoError(t, store.View(func(tx graph.Txn) (err error) {
			r, err = tx.FindEvent(id)
			return
		}))
		return
	}
	r := hidden(note.ID.String())
	assert.True(t, r.Hidden)
	assert.Equal(t, graph.HiddenUnfollowed, r.HiddenReason)

	_, err = fs.Follow(c, bKey.PubKey())
	require.NoError(t, err)
	assert.False(t, hidden(note.ID.String()).Hidden)
	r = hidden(deleted.ID.String())
	assert.True(t, r.Hidden)
	assert.Equal(t, graph.HiddenDeleted, r.HiddenReason)
}

func TestKeyUnavailable(t *testing.T) {
	fs, kp, store, pub := setup(t)
	kp.Zero()
	_, err := fs.Follow(context.Bg(), keys.Generate().PubKey())
	assert.ErrorIs(t, err, keys.ErrKeyUnavailable)
	assert.Empty(t, edges(t, store, kp.PubKey()))
	assert.Empty(t, pub.published())
}

func TestApplyLastWriteWins(t *testing.T) {
	other := keys.Generate()
	x, y, z := keys.Generate().PubKey(), keys.Generate().PubKey(),
		keys.Generate().PubKey()
	older := contactList(t, other, 100, x, y)
	newer := contactList(t, other, 200, z)

	for name, order := range map[string][]*event.T{
		"in order":     {older, newer},
		"out of order": {newer, older},
	} {
		t.Run(name, func(t *testing.T) {
			fs, _, store, _ := setup(t)
			for _, ev := range order {
				err := store.Update(func(tx graph.Txn) error {
					_, err := fs.Apply(tx, ev)
					return err
				})
				if ev == older && order[0] == newer {
					assert.ErrorIs(t, err, follows.ErrStale)
				} else {
					assert.NoError(t, err)
				}
			}
			assert.Equal(t, []string{z}, edges(t, store, other.PubKey()))
			require.NoError(t, store.View(func(tx graph.Txn) error {
				a, err := tx.FindAuthor(other.PubKey())
				require.NoError(t, err)
				assert.Equal(t, timestamp.T(200), a.ContactListAt)
				assert.Equal(t, newer.ID.String(), a.ContactListID)
				return nil
			}))
		})
	}
}

func TestApplyDiff(t *testing.T) {
	fs, _, store, _ := setup(t)
	other := keys.Generate()
	ks := []string{keys.Generate().PubKey(), keys.Generate().PubKey(),
		keys.Generate().PubKey()}
	var changes []follows.Diff
	fs.OnChange(func(src string, d follows.Diff) {
		assert.Equal(t, other.PubKey(), src)
		changes = append(changes, d)
	})
	apply := func(ev *event.T) (d follows.Diff) {
		require.NoError(t, store.Update(func(tx graph.Txn) (err error) {
			d, err = fs.Apply(tx, ev)
			return
		}))
		fs.Changed(ev.PubKey, d)
		return
	}
	d := apply(contactList(t, other, 1, ks[0], ks[1], ks[0], "bogus"))
	assert.ElementsMatch(t, ks[:2], d.Added)
	assert.Empty(t, d.Removed)

	d = apply(contactList(t, other, 2, ks[1], ks[2]))
	assert.Equal(t, []string{ks[2]}, d.Added)
	assert.Equal(t, []string{ks[0]}, d.Removed)

	// equal timestamp replaces too; same set means no change
	d = apply(contactList(t, other, 2, ks[2], ks[1]))
	assert.True(t, d.Empty())
	assert.Len(t, changes, 2)

	_, err := fs.Apply(nil, graphtest.Note(t, other, 3, "not a list"))
	assert.Error(t, err)
}

func TestCurrentFollowsExcludesMuted(t *testing.T) {
	fs, _, _, _ := setup(t)
	c := context.Bg()
	a, b := keys.Generate().PubKey(), keys.Generate().PubKey()
	for _, k := range []string{a, b} {
		_, err := fs.Follow(c, k)
		require.NoError(t, err)
	}
	require.NoError(t, fs.SetMuted(a, true))
	authors, err := fs.CurrentFollows()
	require.NoError(t, err)
	require.Len(t, authors, 1)
	assert.Equal(t, b, authors[0].PubKey)
	assert.True(t, fs.IsFollowing(a))

	require.NoError(t, fs.SetMuted(a, false))
	authors, err = fs.CurrentFollows()
	require.NoError(t, err)
	assert.Len(t, authors, 2)
}
