// Package badger is a graph.Store persisted in a badger key value store.
//
// Keys:
//
//	a:<pubkey>               author, JSON
//	e:<event id>             record, JSON
//	f:<source>:<destination> follow edge, JSON
//	x:<pubkey>:<event id>    index of stored events by author, no value
//
// Transactions that lose a write conflict are retried, so an Update function
// may run more than once and must not have side effects outside the store.
package badger

import (
	"encoding/json"
	"errors"
	"os"

	"github.com/Hubmakerlabs/nostrsync/pkg/graph"
	"github.com/Hubmakerlabs/nostrsync/pkg/slog"
	"github.com/dgraph-io/badger/v4"
	"github.com/dgraph-io/badger/v4/options"
)

var log, chk = slog.New(os.Stderr)

const (
	prefixAuthor = "a:"
	prefixEvent  = "e:"
	prefixFollow = "f:"
	prefixIndex  = "x:"

	// MaxRetries bounds how often a conflicting Update is run again.
	MaxRetries = 100

	blockSize = 1 << 20
)

type T struct {
	Path string
	*badger.DB
}

var _ graph.Store = (*T)(nil)

// Open opens or creates the store at path. An empty path keeps everything in
// memory.
func Open(path string) (s *T, err error) {
	opts := badger.DefaultOptions(path)
	if path == "" {
		opts = opts.WithInMemory(true)
		log.D.Ln("opening in-memory graph store")
	} else {
		log.I.Ln("opening badger graph store at", path)
	}
	opts.BlockSize = blockSize
	opts.Compression = options.ZSTD
	opts.CompactL0OnClose = true
	opts.Logger = logger{slog.GetLogLevel(), "graph " + path}
	s = &T{Path: path}
	if s.DB, err = badger.Open(opts); chk.E(err) {
		return nil, err
	}
	return
}

func (s *T) Update(fn func(tx graph.Txn) error) (err error) {
	for i := 0; i < MaxRetries; i++ {
		err = s.DB.Update(func(btx *badger.Txn) error {
			return fn(&txn{btx})
		})
		if !errors.Is(err, badger.ErrConflict) {
			return
		}
		log.T.Ln("graph transaction conflict, retrying", i+1)
	}
	return
}

func (s *T) View(fn func(tx graph.Txn) error) error {
	return s.DB.View(func(btx *badger.Txn) error {
		return fn(&txn{btx})
	})
}

func (s *T) Close() (err error) {
	log.D.Ln("closing graph store", s.Path)
	return s.DB.Close()
}

type txn struct{ *badger.Txn }

func (tx *txn) get(key string, v any) (err error) {
	var item *badger.Item
	if item, err = tx.Get([]byte(key)); err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return graph.ErrNotFound
		}
		return
	}
	return item.Value(func(val []byte) error {
		return json.Unmarshal(val, v)
	})
}

func (tx *txn) put(key string, v any) (err error) {
	var b []byte
	if b, err = json.Marshal(v); chk.E(err) {
		return
	}
	return tx.Set([]byte(key), b)
}

func followKey(source, destination string) string {
	return prefixFollow + source + ":" + destination
}

func (tx *txn) FindAuthor(pubKey string) (a *graph.Author, err error) {
	a = &graph.Author{}
	if err = tx.get(prefixAuthor+pubKey, a); err != nil {
		return nil, err
	}
	return
}

func (tx *txn) PutAuthor(a *graph.Author) error {
	return tx.put(prefixAuthor+a.PubKey, a)
}

func (tx *txn) FindEvent(id string) (r *graph.Record, err error) {
	r = &graph.Record{}
	if err = tx.get(prefixEvent+id, r); err != nil {
		return nil, err
	}
	return
}

func (tx *txn) PutEvent(r *graph.Record) (err error) {
	if err = tx.put(prefixEvent+r.ID, r); err != nil {
		return
	}
	if r.Event != nil {
		err = tx.Set([]byte(prefixIndex+r.Event.PubKey+":"+r.ID), nil)
	}
	return
}

func (tx *txn) FindFollow(source, destination string) (f *graph.Follow, err error) {
	f = &graph.Follow{}
	if err = tx.get(followKey(source, destination), f); err != nil {
		return nil, err
	}
	return
}

func (tx *txn) PutFollow(f *graph.Follow) error {
	return tx.put(followKey(f.Source, f.Destination), f)
}

func (tx *txn) DeleteFollow(source, destination string) error {
	return tx.Delete([]byte(followKey(source, destination)))
}

func (tx *txn) DeleteFollows(source string, destinations []string) (err error) {
	for _, d := range destinations {
		if err = tx.Delete([]byte(followKey(source, d))); chk.E(err) {
			return
		}
	}
	return
}

func (tx *txn) FollowsOf(source string) (follows []*graph.Follow, err error) {
	prf := []byte(prefixFollow + source + ":")
	it := tx.NewIterator(badger.IteratorOptions{Prefix: prf, PrefetchValues: true,
		PrefetchSize: 100})
	defer it.Close()
	for it.Rewind(); it.Valid(); it.Next() {
		f := &graph.Follow{}
		if err = it.Item().Value(func(val []byte) error {
			return json.Unmarshal(val, f)
		}); chk.E(err) {
			return nil, err
		}
		follows = append(follows, f)
	}
	return
}

func (tx *txn) EventIDsByAuthor(pubKey string) (ids []string, err error) {
	prf := []byte(prefixIndex + pubKey + ":")
	it := tx.NewIterator(badger.IteratorOptions{Prefix: prf})
	defer it.Close()
	for it.Rewind(); it.Valid(); it.Next() {
		ids = append(ids, string(it.Item().Key()[len(prf):]))
	}
	return
}
