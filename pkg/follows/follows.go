// Package follows keeps the local user's follow set in step with the graph and
// with the contact lists relays deliver.
//
// Local changes produce a new signed contact list that is stored and then
// published. Remote contact lists are applied last-write-wins by created_at:
// an older list is discarded, an equal or newer one replaces the edge set
// wholesale.
package follows

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/Hubmakerlabs/nostrsync/pkg/context"
	"github.com/Hubmakerlabs/nostrsync/pkg/graph"
	"github.com/Hubmakerlabs/nostrsync/pkg/nostr/event"
	"github.com/Hubmakerlabs/nostrsync/pkg/nostr/keys"
	"github.com/Hubmakerlabs/nostrsync/pkg/nostr/kind"
	"github.com/Hubmakerlabs/nostrsync/pkg/nostr/pool"
	"github.com/Hubmakerlabs/nostrsync/pkg/nostr/tag"
	"github.com/Hubmakerlabs/nostrsync/pkg/nostr/tags"
	"github.com/Hubmakerlabs/nostrsync/pkg/nostr/timestamp"
	"github.com/Hubmakerlabs/nostrsync/pkg/slog"
	"golang.org/x/exp/slices"
)

var log, chk = slog.New(os.Stderr)

// ErrStale is returned by Apply for a contact list older than the one
// already applied.
var ErrStale = errors.New("stale contact list")

// Publisher sends signed events to relays.
type Publisher interface {
	PublishToAll(c context.T, ev *event.T) *pool.Publication
	Relays() []string
}

// Diff is the minimal change between two follow sets, in key order.
type Diff struct {
	Added   []string `json:"added,omitempty"`
	Removed []string `json:"removed,omitempty"`
}

func (d Diff) Empty() bool { return len(d.Added) == 0 && len(d.Removed) == 0 }

// ChangeFunc observes committed changes to anyone's follow set.
type ChangeFunc func(source string, d Diff)

// Option sets the optional fields of a follow edge.
type Option func(f *graph.Follow)

func WithRelay(url string) Option { return func(f *graph.Follow) { f.Relay = url } }

func WithPetName(name string) Option {
	return func(f *graph.Follow) { f.PetName = name }
}

type relayUsage struct {
	Read  bool `json:"read"`
	Write bool `json:"write"`
}

type T struct {
	store  graph.Store
	signer keys.Signer
	pub    Publisher
	// local serializes this user's own changes so each contact list is
	// built from the one before it
	local    sync.Mutex
	mx       sync.RWMutex
	onChange []ChangeFunc
}

func New(store graph.Store, signer keys.Signer, pub Publisher) *T {
	return &T{store: store, signer: signer, pub: pub}
}

// Self is the pubkey whose follow set this synchronizer maintains.
func (s *T) Self() string { return s.signer.PubKey() }

// OnChange registers an observer of committed follow set changes.
func (s *T) OnChange(fn ChangeFunc) {
	s.mx.Lock()
	defer s.mx.Unlock()
	s.onChange = append(s.onChange, fn)
}

// Changed notifies observers of a committed diff. Callers that ran Apply in
// their own transaction call this after it commits.
func (s *T) Changed(source string, d Diff) {
	if d.Empty() {
		return
	}
	s.mx.RLock()
	fns := slices.Clone(s.onChange)
	s.mx.RUnlock()
	for _, fn := range fns {
		fn(source, d)
	}
}

// Follow adds key to the follow set and publishes the new contact list. It
// returns a nil publication when key was already followed, unless opts change
// its relay hint or pet name.
func (s *T) Follow(c context.T, key string, opts ...Option) (pub *pool.Publication,
	err error) {

	if !keys.IsPubKey(key) {
		return nil, fmt.Errorf("%w: cannot follow %q", keys.ErrInvalidKey, key)
	}
	want := &graph.Follow{Source: s.Self(), Destination: key}
	for _, opt := range opts {
		opt(want)
	}
	return s.change(c, func(cur []*graph.Follow) ([]*graph.Follow, bool) {
		for i, f := range cur {
			if f.Destination == key {
				if len(opts) == 0 ||
					f.Relay == want.Relay && f.PetName == want.PetName {
					return nil, false
				}
				cur[i] = want
				return cur, true
			}
		}
		return append(cur, want), true
	})
}

// Unfollow removes key from the follow set and publishes the new contact
// list. Events by key that are already stored are hidden. It returns a nil
// publication when key was not followed.
func (s *T) Unfollow(c context.T, key string) (pub *pool.Publication, err error) {
	return s.change(c, func(cur []*graph.Follow) ([]*graph.Follow, bool) {
		i := slices.IndexFunc(cur, func(f *graph.Follow) bool {
			return f.Destination == key
		})
		if i < 0 {
			return nil, false
		}
		return slices.Delete(cur, i, i+1), true
	})
}

// change builds, signs and applies a contact list derived from the current
// edges, then publishes it. Nothing is written if signing fails.
func (s *T) change(c context.T,
	edit func(cur []*graph.Follow) ([]*graph.Follow, bool)) (pub *pool.Publication,
	err error) {

	s.local.Lock()
	defer s.local.Unlock()
	var (
		ev   *event.T
		diff Diff
	)
	if err = s.store.Update(func(tx graph.Txn) (err error) {
		ev, diff = nil, Diff{}
		var cur []*graph.Follow
		if cur, err = tx.FollowsOf(s.Self()); err != nil {
			return
		}
		next, changed := edit(cur)
		if !changed {
			return
		}
		var self *graph.Author
		if self, _, err = graph.EnsureAuthor(tx, s.Self()); err != nil {
			return
		}
		if ev, err = s.build(next, self.ContactListAt); err != nil {
			return
		}
		if diff, err = s.Apply(tx, ev); err != nil {
			return
		}
		_, _, err = graph.InsertEvent(tx, ev, "")
		return
	}); err != nil {
		return nil, err
	}
	if ev == nil {
		log.D.Ln("follow set unchanged, not publishing")
		return nil, nil
	}
	s.Changed(s.Self(), diff)
	log.I.F("publishing contact list %s with %d follows", ev.ID.Short(),
		len(ev.Tags))
	return s.pub.PublishToAll(c, ev), nil
}

// build makes the signed contact list event for follows. created_at is never
// earlier than one second after the previous list, so a rapid sequence of
// local changes stays strictly ordered.
func (s *T) build(follows []*graph.Follow, prev timestamp.T) (ev *event.T,
	err error) {

	sorted := slices.Clone(follows)
	slices.SortFunc(sorted, func(a, b *graph.Follow) int {
		switch {
		case a.Destination < b.Destination:
			return -1
		case a.Destination > b.Destination:
			return 1
		}
		return 0
	})
	t := make(tags.T, 0, len(sorted))
	for _, f := range sorted {
		t = append(t, tag.Pubkey(f.Destination, f.Relay, f.PetName))
	}
	ev = &event.T{
		CreatedAt: timestamp.Next(prev),
		Kind:      kind.ContactList,
		Tags:      t,
		Content:   s.relayMap(),
	}
	if err = ev.Sign(s.signer); err != nil {
		return nil, err
	}
	return
}

func (s *T) relayMap() string {
	urls := s.pub.Relays()
	if len(urls) == 0 {
		return ""
	}
	m := make(map[string]relayUsage, len(urls))
	for _, u := range urls {
		m[u] = relayUsage{Read: true, Write: true}
	}
	b, err := json.Marshal(m)
	if chk.E(err) {
		return ""
	}
	return string(b)
}

// Apply replaces the follow set of ev's author with the one ev carries,
// unless a newer list was already applied. It must run inside a graph
// transaction. For the local user, events by removed follows are hidden and
// events by added follows are shown again.
func (s *T) Apply(tx graph.Txn, ev *event.T) (diff Diff, err error) {
	if ev.Kind != kind.ContactList {
		return diff, fmt.Errorf("kind %s is not a contact list", ev.Kind)
	}
	var author *graph.Author
	if author, _, err = graph.EnsureAuthor(tx, ev.PubKey); err != nil {
		return
	}
	if ev.CreatedAt < author.ContactListAt {
		return diff, fmt.Errorf("%w: %s at %d, have %d", ErrStale,
			ev.ID.Short(), ev.CreatedAt, author.ContactListAt)
	}
	next := Parse(ev)
	var cur []*graph.Follow
	if cur, err = tx.FollowsOf(ev.PubKey); err != nil {
		return
	}
	had := make(map[string]bool, len(cur))
	for _, f := range cur {
		had[f.Destination] = true
		if _, ok := next[f.Destination]; !ok {
			diff.Removed = append(diff.Removed, f.Destination)
		}
	}
	if err = tx.DeleteFollows(ev.PubKey, diff.Removed); err != nil {
		return
	}
	for _, dst := range sortedKeys(next) {
		f := next[dst]
		if _, _, err = graph.EnsureAuthor(tx, dst); err != nil {
			return
		}
		if !had[dst] {
			diff.Added = append(diff.Added, dst)
		}
		if err = tx.PutFollow(f); err != nil {
			return
		}
	}
	author.ContactListAt, author.ContactListID = ev.CreatedAt, ev.ID.String()
	if err = tx.PutAuthor(author); err != nil {
		return
	}
	if ev.PubKey == s.Self() {
		for _, k := range diff.Removed {
			if err = setHidden(tx, k, true); err != nil {
				return
			}
		}
		for _, k := range diff.Added {
			if err = setHidden(tx, k, false); err != nil {
				return
			}
		}
	}
	log.D.F("applied contact list %s of %s: +%d -%d", ev.ID.Short(),
		ev.PubKey[:12], len(diff.Added), len(diff.Removed))
	return
}

// Parse reads the follow edges from a contact list. Tags with malformed keys
// are skipped and the first tag for a key wins.
func Parse(ev *event.T) (follows map[string]*graph.Follow) {
	follows = make(map[string]*graph.Follow)
	for _, t := range ev.Tags.GetAll("p") {
		k := t.Value()
		if !keys.IsPubKey(k) {
			log.T.F("skipping malformed p tag %v in %s", t, ev.ID.Short())
			continue
		}
		if _, ok := follows[k]; ok {
			continue
		}
		follows[k] = &graph.Follow{
			Source:      ev.PubKey,
			Destination: k,
			Relay:       t.Relay(),
			PetName:     t.PetName(),
			UpdatedAt:   ev.CreatedAt,
		}
	}
	return
}

func sortedKeys(m map[string]*graph.Follow) (keys []string) {
	keys = make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return
}

// setHidden hides or shows the stored events of an author on account of
// following. Events hidden for another reason are left alone.
func setHidden(tx graph.Txn, author string, hide bool) (err error) {
	var ids []string
	if ids, err = tx.EventIDsByAuthor(author); err != nil {
		return
	}
	for _, id := range ids {
		var r *graph.Record
		if r, err = tx.FindEvent(id); err != nil {
			return
		}
		switch {
		case hide && !r.Hidden:
			r.Hidden, r.HiddenReason = true, graph.HiddenUnfollowed
		case !hide && r.Hidden && r.HiddenReason == graph.HiddenUnfollowed:
			r.Hidden, r.HiddenReason = false, ""
		default:
			continue
		}
		if err = tx.PutEvent(r); err != nil {
			return
		}
	}
	return
}

// CurrentFollows returns the followed authors that are not muted, in key
// order.
func (s *T) CurrentFollows() (authors []*graph.Author, err error) {
	err = s.store.View(func(tx graph.Txn) (err error) {
		authors = nil
		var fs []*graph.Follow
		if fs, err = tx.FollowsOf(s.Self()); err != nil {
			return
		}
		for _, f := range fs {
			var a *graph.Author
			if a, err = tx.FindAuthor(f.Destination); errors.Is(err,
				graph.ErrNotFound) {
				a, err = &graph.Author{PubKey: f.Destination}, nil
			} else if err != nil {
				return
			}
			if a.Muted {
				continue
			}
			authors = append(authors, a)
		}
		return
	})
	return
}

// IsFollowing reports whether key is in the follow set.
func (s *T) IsFollowing(key string) (following bool) {
	chk.E(s.store.View(func(tx graph.Txn) error {
		_, err := tx.FindFollow(s.Self(), key)
		following = err == nil
		if errors.Is(err, graph.ErrNotFound) {
			err = nil
		}
		return err
	}))
	return
}

// SetMuted mutes or unmutes an author. Muted authors stay followed but are
// left out of CurrentFollows.
func (s *T) SetMuted(key string, muted bool) error {
	return s.store.Update(func(tx graph.Txn) (err error) {
		var a *graph.Author
		if a, _, err = graph.EnsureAuthor(tx, key); err != nil {
			return
		}
		if a.Muted == muted {
			return
		}
		a.Muted = muted
		return tx.PutAuthor(a)
	})
}
