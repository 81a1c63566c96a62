package memory

import (
	"testing"

	"github.com/Hubmakerlabs/nostrsync/pkg/graph"
	"github.com/Hubmakerlabs/nostrsync/pkg/graph/graphtest"
	"github.com/stretchr/testify/assert"
)

func TestStore(t *testing.T) {
	graphtest.Run(t, func(t *testing.T) graph.Store { return New() })
}

func TestClosed(t *testing.T) {
	s := New()
	assert.NoError(t, s.Close())
	assert.ErrorIs(t, s.Update(func(graph.Txn) error { return nil }), ErrClosed)
	assert.ErrorIs(t, s.View(func(graph.Txn) error { return nil }), ErrClosed)
}

func TestViewIsReadOnly(t *testing.T) {
	s := New()
	defer s.Close()
	err := s.View(func(tx graph.Txn) error {
		return tx.PutAuthor(&graph.Author{PubKey: "x"})
	})
	assert.ErrorIs(t, err, errReadOnly)
}
