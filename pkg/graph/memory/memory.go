// Package memory is a graph.Store held in maps. Writers are serialized and a
// failed Update is rolled back from an undo log.
package memory

import (
	"errors"
	"sync"

	"github.com/Hubmakerlabs/nostrsync/pkg/graph"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

var ErrClosed = errors.New("memory store closed")

type followKey struct{ src, dst string }

type T struct {
	mx      sync.RWMutex
	closed  bool
	authors map[string]*graph.Author
	events  map[string]*graph.Record
	follows map[string]map[string]*graph.Follow
	// byAuthor indexes non-stub events by pubkey
	byAuthor map[string]map[string]struct{}
}

var _ graph.Store = (*T)(nil)

func New() *T {
	return &T{
		authors:  make(map[string]*graph.Author),
		events:   make(map[string]*graph.Record),
		follows:  make(map[string]map[string]*graph.Follow),
		byAuthor: make(map[string]map[string]struct{}),
	}
}

func (s *T) Update(fn func(tx graph.Txn) error) (err error) {
	s.mx.Lock()
	defer s.mx.Unlock()
	if s.closed {
		return ErrClosed
	}
	tx := &txn{s: s, write: true}
	if err = fn(tx); err != nil {
		tx.rollback()
	}
	return
}

func (s *T) View(fn func(tx graph.Txn) error) (err error) {
	s.mx.RLock()
	defer s.mx.RUnlock()
	if s.closed {
		return ErrClosed
	}
	return fn(&txn{s: s})
}

func (s *T) Close() error {
	s.mx.Lock()
	defer s.mx.Unlock()
	s.closed = true
	return nil
}

var errReadOnly = errors.New("write in read-only transaction")

type txn struct {
	s     *T
	write bool
	undo  []func()
}

func (tx *txn) rollback() {
	for i := len(tx.undo) - 1; i >= 0; i-- {
		tx.undo[i]()
	}
	tx.undo = nil
}

func (tx *txn) FindAuthor(pubKey string) (*graph.Author, error) {
	a, ok := tx.s.authors[pubKey]
	if !ok {
		return nil, graph.ErrNotFound
	}
	c := *a
	return &c, nil
}

func (tx *txn) PutAuthor(a *graph.Author) error {
	if !tx.write {
		return errReadOnly
	}
	prev, had := tx.s.authors[a.PubKey]
	tx.undo = append(tx.undo, func() {
		if had {
			tx.s.authors[a.PubKey] = prev
		} else {
			delete(tx.s.authors, a.PubKey)
		}
	})
	c := *a
	tx.s.authors[a.PubKey] = &c
	return nil
}

func (tx *txn) FindEvent(id string) (*graph.Record, error) {
	r, ok := tx.s.events[id]
	if !ok {
		return nil, graph.ErrNotFound
	}
	return r.Clone(), nil
}

func (tx *txn) PutEvent(r *graph.Record) error {
	if !tx.write {
		return errReadOnly
	}
	prev, had := tx.s.events[r.ID]
	c := r.Clone()
	tx.s.events[r.ID] = c
	var indexed string
	if c.Event != nil {
		indexed = c.Event.PubKey
		ids, ok := tx.s.byAuthor[indexed]
		if !ok {
			ids = make(map[string]struct{})
			tx.s.byAuthor[indexed] = ids
		}
		if _, ok = ids[r.ID]; ok {
			indexed = ""
		}
		ids[r.ID] = struct{}{}
	}
	tx.undo = append(tx.undo, func() {
		if had {
			tx.s.events[r.ID] = prev
		} else {
			delete(tx.s.events, r.ID)
		}
		if indexed != "" {
			delete(tx.s.byAuthor[indexed], r.ID)
		}
	})
	return nil
}

func (tx *txn) FindFollow(source, destination string) (*graph.Follow, error) {
	f, ok := tx.s.follows[source][destination]
	if !ok {
		return nil, graph.ErrNotFound
	}
	c := *f
	return &c, nil
}

func (tx *txn) PutFollow(f *graph.Follow) error {
	if !tx.write {
		return errReadOnly
	}
	out, ok := tx.s.follows[f.Source]
	if !ok {
		out = make(map[string]*graph.Follow)
		tx.s.follows[f.Source] = out
	}
	prev, had := out[f.Destination]
	tx.undo = append(tx.undo, func() {
		if had {
			out[f.Destination] = prev
		} else {
			delete(out, f.Destination)
		}
	})
	c := *f
	out[f.Destination] = &c
	return nil
}

func (tx *txn) DeleteFollow(source, destination string) error {
	if !tx.write {
		return errReadOnly
	}
	out := tx.s.follows[source]
	prev, had := out[destination]
	if !had {
		return nil
	}
	delete(out, destination)
	tx.undo = append(tx.undo, func() { out[destination] = prev })
	return nil
}

func (tx *txn) DeleteFollows(source string, destinations []string) (err error) {
	for _, d := range destinations {
		if err = tx.DeleteFollow(source, d); err != nil {
			return
		}
	}
	return
}

func (tx *txn) FollowsOf(source string) (follows []*graph.Follow, err error) {
	out := tx.s.follows[source]
	dsts := maps.Keys(out)
	slices.Sort(dsts)
	for _, d := range dsts {
		c := *out[d]
		follows = append(follows, &c)
	}
	return
}

func (tx *txn) EventIDsByAuthor(pubKey string) (ids []string, err error) {
	ids = maps.Keys(tx.s.byAuthor[pubKey])
	slices.Sort(ids)
	return
}
