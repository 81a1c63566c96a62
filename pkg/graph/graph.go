// Package graph is the storage contract of the sync engine: authors, the
// follow edges between them, and the events that have been received or
// referenced. Implementations live in subpackages; everything else depends
// only on Store and Txn.
//
// All mutation happens inside Store.Update, which runs its function as one
// serializable transaction, so read-then-write sequences such as
// insert-if-absent are atomic.
package graph

import (
	"errors"
	"os"
	"time"

	"github.com/Hubmakerlabs/nostrsync/pkg/nostr/event"
	"github.com/Hubmakerlabs/nostrsync/pkg/nostr/timestamp"
	"github.com/Hubmakerlabs/nostrsync/pkg/slog"
	"golang.org/x/exp/slices"
)

var log, chk = slog.New(os.Stderr)

// ErrNotFound is returned by the Find methods.
var ErrNotFound = errors.New("not found")

// Author is a pubkey and what is known about it. Authors are created the
// first time anything references them and never deleted.
type Author struct {
	PubKey      string `json:"pubkey"`
	Name        string `json:"name,omitempty"`
	DisplayName string `json:"display_name,omitempty"`
	About       string `json:"about,omitempty"`
	Picture     string `json:"picture,omitempty"`
	NIP05       string `json:"nip05,omitempty"`
	// MetadataAt is the created_at of the applied profile metadata event.
	MetadataAt timestamp.T `json:"metadata_at,omitempty"`
	// ContactListAt and ContactListID identify the applied contact list.
	ContactListAt timestamp.T `json:"contact_list_at,omitempty"`
	ContactListID string      `json:"contact_list_id,omitempty"`
	Muted         bool        `json:"muted,omitempty"`
	// FetchedAt is when metadata was last requested from relays.
	FetchedAt time.Time `json:"fetched_at,omitempty"`
}

// Follow is a directed edge, unique per (Source, Destination).
type Follow struct {
	Source      string      `json:"source"`
	Destination string      `json:"destination"`
	Relay       string      `json:"relay,omitempty"`
	PetName     string      `json:"petname,omitempty"`
	UpdatedAt   timestamp.T `json:"updated_at"`
}

const (
	HiddenDeleted    = "deleted"
	HiddenUnfollowed = "unfollowed"
)

// Record is a stored event and what the client derived about it. A stub is
// an event known only because something referenced it; Event is nil until
// the event itself arrives. Once Event is set it never changes.
type Record struct {
	ID           string   `json:"id"`
	Event        *event.T `json:"event,omitempty"`
	Stub         bool     `json:"stub,omitempty"`
	FirstSeen    string   `json:"first_seen,omitempty"`
	SeenOn       []string `json:"seen_on,omitempty"`
	Hidden       bool     `json:"hidden,omitempty"`
	HiddenReason string   `json:"hidden_reason,omitempty"`
	// DeletedBy lists the pubkeys of deletions that arrived while this was
	// still a stub. The event is hidden on arrival if its author is one of
	// them; anyone can name any id, so all of them are kept.
	DeletedBy []string `json:"deleted_by,omitempty"`
	Replies   int    `json:"replies,omitempty"`
	Reposts   int    `json:"reposts,omitempty"`
	Reactions int    `json:"reactions,omitempty"`
}

// Clone is a deep copy.
func (r *Record) Clone() *Record {
	c := *r
	if r.Event != nil {
		c.Event = r.Event.Clone()
	}
	c.SeenOn = slices.Clone(r.SeenOn)
	c.DeletedBy = slices.Clone(r.DeletedBy)
	return &c
}

// MarkSeen adds a relay to SeenOn, reporting whether it was new.
func (r *Record) MarkSeen(relay string) bool {
	if relay == "" || slices.Contains(r.SeenOn, relay) {
		return false
	}
	if r.FirstSeen == "" {
		r.FirstSeen = relay
	}
	r.SeenOn = append(r.SeenOn, relay)
	return true
}

// Txn is the view of the store inside a transaction. Values returned are
// copies; changes are made with the Put methods.
type Txn interface {
	FindAuthor(pubKey string) (*Author, error)
	PutAuthor(a *Author) error
	FindEvent(id string) (*Record, error)
	PutEvent(r *Record) error
	FindFollow(source, destination string) (*Follow, error)
	PutFollow(f *Follow) error
	DeleteFollow(source, destination string) error
	// DeleteFollows removes the edges from source to each of destinations.
	// Missing edges are skipped.
	DeleteFollows(source string, destinations []string) error
	// FollowsOf returns the edges out of source ordered by destination.
	FollowsOf(source string) ([]*Follow, error)
	// EventIDsByAuthor lists the ids of stored, non-stub events by pubKey.
	EventIDsByAuthor(pubKey string) ([]string, error)
}

type Store interface {
	// Update runs fn in a read-write transaction, committed if fn returns
	// nil and discarded otherwise.
	Update(fn func(tx Txn) error) error
	// View runs fn in a read-only transaction.
	View(fn func(tx Txn) error) error
	Close() error
}

// EnsureAuthor finds an author, creating an empty one if needed.
func EnsureAuthor(tx Txn, pubKey string) (a *Author, created bool, err error) {
	if a, err = tx.FindAuthor(pubKey); err == nil {
		return
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, false, err
	}
	a = &Author{PubKey: pubKey}
	if err = tx.PutAuthor(a); chk.E(err) {
		return nil, false, err
	}
	return a, true, nil
}

// EnsureStub finds an event record, creating a stub if there is none.
func EnsureStub(tx Txn, id string) (r *Record, err error) {
	if r, err = tx.FindEvent(id); err == nil {
		return
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	r = &Record{ID: id, Stub: true}
	if err = tx.PutEvent(r); chk.E(err) {
		return nil, err
	}
	return
}

// InsertEvent stores ev unless an authoritative record for its id exists. A
// stub is upgraded in place, keeping what was learned about it. The relay is
// added to SeenOn either way. created is true only when ev was stored.
func InsertEvent(tx Txn, ev *event.T, relay string) (r *Record, created bool,
	err error) {

	id := ev.ID.String()
	r, err = tx.FindEvent(id)
	switch {
	case errors.Is(err, ErrNotFound):
		r = &Record{ID: id, Event: ev.Clone()}
		created = true
	case err != nil:
		return nil, false, err
	case r.Stub:
		r.Event, r.Stub = ev.Clone(), false
		created = true
		log.T.F("upgraded stub %s", ev.ID.Short())
	default:
		// already authoritative: only the sighting is new
		if !r.MarkSeen(relay) {
			return r, false, nil
		}
		return r, false, tx.PutEvent(r)
	}
	r.MarkSeen(relay)
	if err = tx.PutEvent(r); chk.E(err) {
		return nil, false, err
	}
	return r, created, nil
}

// Destinations returns the destination keys of follows, in order.
func Destinations(follows []*Follow) (keys []string) {
	keys = make([]string, 0, len(follows))
	for _, f := range follows {
		keys = append(keys, f.Destination)
	}
	return
}
