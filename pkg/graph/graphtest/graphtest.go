// Package graphtest is a conformance suite run against every graph.Store
// implementation.
package graphtest

import (
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/Hubmakerlabs/nostrsync/pkg/graph"
	"github.com/Hubmakerlabs/nostrsync/pkg/nostr/event"
	"github.com/Hubmakerlabs/nostrsync/pkg/nostr/keys"
	"github.com/Hubmakerlabs/nostrsync/pkg/nostr/kind"
	"github.com/Hubmakerlabs/nostrsync/pkg/nostr/tags"
	"github.com/Hubmakerlabs/nostrsync/pkg/nostr/timestamp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Note makes a signed text note.
func Note(t testing.TB, kp *keys.KeyPair, at timestamp.T, content string) *event.T {
	ev := &event.T{CreatedAt: at, Kind: kind.TextNote, Tags: tags.T{},
		Content: content}
	require.NoError(t, ev.Sign(kp))
	return ev
}

// Run exercises a fresh store from open for each subtest.
func Run(t *testing.T, open func(t *testing.T) graph.Store) {
	t.Run("Authors", func(t *testing.T) { testAuthors(t, open(t)) })
	t.Run("InsertEvent", func(t *testing.T) { testInsertEvent(t, open(t)) })
	t.Run("StubUpgrade", func(t *testing.T) { testStubUpgrade(t, open(t)) })
	t.Run("Follows", func(t *testing.T) { testFollows(t, open(t)) })
	t.Run("Rollback", func(t *testing.T) { testRollback(t, open(t)) })
	t.Run("ConcurrentInsert", func(t *testing.T) { testConcurrentInsert(t, open(t)) })
}

func testAuthors(t *testing.T, s graph.Store) {
	defer s.Close()
	kp := keys.Generate()
	require.NoError(t, s.View(func(tx graph.Txn) error {
		_, err := tx.FindAuthor(kp.PubKey())
		assert.ErrorIs(t, err, graph.ErrNotFound)
		return nil
	}))
	require.NoError(t, s.Update(func(tx graph.Txn) error {
		a, created, err := graph.EnsureAuthor(tx, kp.PubKey())
		require.NoError(t, err)
		assert.True(t, created)
		a.Name = "alice"
		a.MetadataAt = 5
		return tx.PutAuthor(a)
	}))
	require.NoError(t, s.Update(func(tx graph.Txn) error {
		a, created, err := graph.EnsureAuthor(tx, kp.PubKey())
		require.NoError(t, err)
		assert.False(t, created)
		assert.Equal(t, "alice", a.Name)
		assert.Equal(t, timestamp.T(5), a.MetadataAt)
		// returned values are copies
		a.Name = "mallory"
		return nil
	}))
	require.NoError(t, s.View(func(tx graph.Txn) error {
		a, err := tx.FindAuthor(kp.PubKey())
		require.NoError(t, err)
		assert.Equal(t, "alice", a.Name)
		return nil
	}))
}

func testInsertEvent(t *testing.T, s graph.Store) {
	defer s.Close()
	kp := keys.Generate()
	ev := Note(t, kp, 100, "hello")
	require.NoError(t, s.Update(func(tx graph.Txn) error {
		r, created, err := graph.InsertEvent(tx, ev, "wss://a")
		require.NoError(t, err)
		assert.True(t, created)
		assert.Equal(t, "wss://a", r.FirstSeen)
		return nil
	}))
	// a different event object with the same id is a duplicate, only the
	// sighting is recorded
	dup := ev.Clone()
	dup.Content = "not what was stored"
	require.NoError(t, s.Update(func(tx graph.Txn) error {
		r, created, err := graph.InsertEvent(tx, dup, "wss://b")
		require.NoError(t, err)
		assert.False(t, created)
		assert.Equal(t, []string{"wss://a", "wss://b"}, r.SeenOn)
		return nil
	}))
	require.NoError(t, s.View(func(tx graph.Txn) error {
		r, err := tx.FindEvent(ev.ID.String())
		require.NoError(t, err)
		assert.Equal(t, "hello", r.Event.Content)
		assert.Equal(t, "wss://a", r.FirstSeen)
		ids, err := tx.EventIDsByAuthor(kp.PubKey())
		require.NoError(t, err)
		assert.Equal(t, []string{ev.ID.String()}, ids)
		return nil
	}))
}

func testStubUpgrade(t *testing.T, s graph.Store) {
	defer s.Close()
	kp := keys.Generate()
	ev := Note(t, kp, 100, "referenced before it arrived")
	id := ev.ID.String()
	require.NoError(t, s.Update(func(tx graph.Txn) error {
		r, err := graph.EnsureStub(tx, id)
		require.NoError(t, err)
		assert.True(t, r.Stub)
		r.Replies = 2
		return tx.PutEvent(r)
	}))
	require.NoError(t, s.View(func(tx graph.Txn) error {
		ids, err := tx.EventIDsByAuthor(kp.PubKey())
		require.NoError(t, err)
		assert.Empty(t, ids)
		return nil
	}))
	require.NoError(t, s.Update(func(tx graph.Txn) error {
		r, created, err := graph.InsertEvent(tx, ev, "wss://a")
		require.NoError(t, err)
		assert.True(t, created)
		assert.False(t, r.Stub)
		assert.Equal(t, 2, r.Replies)
		return nil
	}))
	require.NoError(t, s.View(func(tx graph.Txn) error {
		r, err := tx.FindEvent(id)
		require.NoError(t, err)
		assert.False(t, r.Stub)
		assert.Equal(t, 2, r.Replies)
		assert.Equal(t, ev.Content, r.Event.Content)
		ids, err := tx.EventIDsByAuthor(kp.PubKey())
		require.NoError(t, err)
		assert.Equal(t, []string{id}, ids)
		return nil
	}))
}

func testFollows(t *testing.T, s graph.Store) {
	defer s.Close()
	src := keys.Generate().PubKey()
	dsts := []string{keys.Generate().PubKey(), keys.Generate().PubKey(),
		keys.Generate().PubKey()}
	require.NoError(t, s.Update(func(tx graph.Txn) error {
		for _, d := range dsts {
			if err := tx.PutFollow(&graph.Follow{Source: src, Destination: d,
				UpdatedAt: 1}); err != nil {
				return err
			}
		}
		// upsert, not a second edge
		return tx.PutFollow(&graph.Follow{Source: src, Destination: dsts[0],
			PetName: "first", UpdatedAt: 2})
	}))
	require.NoError(t, s.View(func(tx graph.Txn) error {
		fs, err := tx.FollowsOf(src)
		require.NoError(t, err)
		require.Len(t, fs, 3)
		got := graph.Destinations(fs)
		assert.IsIncreasing(t, got)
		assert.ElementsMatch(t, dsts, got)
		f, err := tx.FindFollow(src, dsts[0])
		require.NoError(t, err)
		assert.Equal(t, "first", f.PetName)
		return nil
	}))
	require.NoError(t, s.Update(func(tx graph.Txn) error {
		require.NoError(t, tx.DeleteFollow(src, dsts[1]))
		// deleting a missing edge is not an error
		return tx.DeleteFollow(src, dsts[1])
	}))
	require.NoError(t, s.View(func(tx graph.Txn) error {
		fs, err := tx.FollowsOf(src)
		require.NoError(t, err)
		assert.Len(t, fs, 2)
		_, err = tx.FindFollow(src, dsts[1])
		assert.ErrorIs(t, err, graph.ErrNotFound)
		// edges are directed
		fs, err = tx.FollowsOf(dsts[0])
		require.NoError(t, err)
		assert.Empty(t, fs)
		return nil
	}))
	require.NoError(t, s.Update(func(tx graph.Txn) error {
		return tx.DeleteFollows(src, []string{dsts[0], dsts[1], dsts[2]})
	}))
	require.NoError(t, s.View(func(tx graph.Txn) error {
		fs, err := tx.FollowsOf(src)
		require.NoError(t, err)
		assert.Empty(t, fs)
		return nil
	}))
}

func testRollback(t *testing.T, s graph.Store) {
	defer s.Close()
	kp := keys.Generate()
	ev := Note(t, kp, 100, "rolled back")
	boom := errors.New("boom")
	err := s.Update(func(tx graph.Txn) error {
		if _, _, err := graph.InsertEvent(tx, ev, "wss://a"); err != nil {
			return err
		}
		if _, _, err := graph.EnsureAuthor(tx, kp.PubKey()); err != nil {
			return err
		}
		if err := tx.PutFollow(&graph.Follow{Source: kp.PubKey(),
			Destination: kp.PubKey()}); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)
	require.NoError(t, s.View(func(tx graph.Txn) error {
		_, err := tx.FindEvent(ev.ID.String())
		assert.ErrorIs(t, err, graph.ErrNotFound)
		_, err = tx.FindAuthor(kp.PubKey())
		assert.ErrorIs(t, err, graph.ErrNotFound)
		fs, err := tx.FollowsOf(kp.PubKey())
		require.NoError(t, err)
		assert.Empty(t, fs)
		ids, err := tx.EventIDsByAuthor(kp.PubKey())
		require.NoError(t, err)
		assert.Empty(t, ids)
		return nil
	}))
}

func testConcurrentInsert(t *testing.T, s graph.Store) {
	defer s.Close()
	ev := Note(t, keys.Generate(), 100, "raced")
	var (
		wg      sync.WaitGroup
		mx      sync.Mutex
		created int
	)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			err := s.Update(func(tx graph.Txn) error {
				_, c, err := graph.InsertEvent(tx, ev, fmt.Sprintf("wss://r%d", i))
				if err == nil && c {
					mx.Lock()
					created++
					mx.Unlock()
				}
				return err
			})
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()
	// a store that retries conflicting transactions may run the function
	// more than once, but only one run can ever commit a creation
	assert.GreaterOrEqual(t, created, 1)
	require.NoError(t, s.View(func(tx graph.Txn) error {
		r, err := tx.FindEvent(ev.ID.String())
		require.NoError(t, err)
		assert.Len(t, r.SeenOn, 16)
		return nil
	}))
}
