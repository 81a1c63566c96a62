package badger

import (
	"testing"

	"github.com/Hubmakerlabs/nostrsync/pkg/graph"
	"github.com/Hubmakerlabs/nostrsync/pkg/graph/graphtest"
	"github.com/Hubmakerlabs/nostrsync/pkg/nostr/keys"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStore(t *testing.T) {
	graphtest.Run(t, func(t *testing.T) graph.Store {
		s, err := Open("")
		require.NoError(t, err)
		return s
	})
}

func TestReopen(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir)
	require.NoError(t, err)
	kp := keys.Generate()
	ev := graphtest.Note(t, kp, 42, "persisted")
	require.NoError(t, s.Update(func(tx graph.Txn) error {
		if _, _, err := graph.InsertEvent(tx, ev, "wss://a"); err != nil {
			return err
		}
		return tx.PutFollow(&graph.Follow{Source: kp.PubKey(),
			Destination: kp.PubKey(), Relay: "wss://a", UpdatedAt: 42})
	}))
	require.NoError(t, s.Close())

	s, err = Open(dir)
	require.NoError(t, err)
	defer s.Close()
	require.NoError(t, s.View(func(tx graph.Txn) error {
		r, err := tx.FindEvent(ev.ID.String())
		require.NoError(t, err)
		require.NotNil(t, r.Event)
		assert.Equal(t, ev.Content, r.Event.Content)
		assert.Equal(t, ev.Sig, r.Event.Sig)
		assert.NoError(t, r.Event.Verify())
		f, err := tx.FindFollow(kp.PubKey(), kp.PubKey())
		require.NoError(t, err)
		assert.Equal(t, "wss://a", f.Relay)
		return nil
	}))
}
