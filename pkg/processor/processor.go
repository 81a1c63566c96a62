// Package processor turns verified events into graph mutations. Every event
// is processed in one transaction: its author and everything it references
// are created if missing, the event is inserted if absent, and only a first
// insertion triggers the side effects of its kind.
package processor

import (
	"encoding/json"
	"errors"
	"os"
	"sync"
	"sync/atomic"

	"github.com/Hubmakerlabs/nostrsync/pkg/context"
	"github.com/Hubmakerlabs/nostrsync/pkg/follows"
	"github.com/Hubmakerlabs/nostrsync/pkg/graph"
	"github.com/Hubmakerlabs/nostrsync/pkg/nostr/event"
	"github.com/Hubmakerlabs/nostrsync/pkg/nostr/eventid"
	"github.com/Hubmakerlabs/nostrsync/pkg/nostr/keys"
	"github.com/Hubmakerlabs/nostrsync/pkg/nostr/kind"
	"github.com/Hubmakerlabs/nostrsync/pkg/nostr/pool"
	"github.com/Hubmakerlabs/nostrsync/pkg/nostr/tag"
	"github.com/Hubmakerlabs/nostrsync/pkg/slog"
	"golang.org/x/exp/slices"
)

var log, chk = slog.New(os.Stderr)

// ContactLists applies contact list events to the follow graph.
type ContactLists interface {
	Apply(tx graph.Txn, ev *event.T) (follows.Diff, error)
	Changed(source string, d follows.Diff)
}

// Result is what processing one event did.
type Result struct {
	Record *graph.Record
	// Created is false for a duplicate, which only records the sighting.
	Created bool
	// Diff is the follow set change made by a contact list.
	Diff follows.Diff
}

// StoredFunc is called after an event is stored for the first time.
type StoredFunc func(r *graph.Record)

type T struct {
	store    graph.Store
	contacts ContactLists
	busy     atomic.Bool
	mx       sync.Mutex
	onStored []StoredFunc
}

// New makes a processor writing to store. contacts may be nil, in which case
// contact lists are stored without touching the follow graph.
func New(store graph.Store, contacts ContactLists) *T {
	return &T{store: store, contacts: contacts}
}

// OnStored registers fn to see every newly stored event. fn runs on the
// processing goroutine after the transaction commits, with a copy of the
// record, and must not block.
func (p *T) OnStored(fn StoredFunc) {
	p.mx.Lock()
	defer p.mx.Unlock()
	p.onStored = append(p.onStored, fn)
}

// Parse decodes and verifies a wire event. It has the signature of
// pool.Decoder.
func (p *T) Parse(raw []byte) (ev *event.T, err error) {
	return event.Parse(raw)
}

// Ingest is Parse followed by Process.
func (p *T) Ingest(raw []byte, relay string) (res Result, err error) {
	var ev *event.T
	if ev, err = p.Parse(raw); err != nil {
		return
	}
	return p.Process(ev, relay)
}

// Process stores a verified event received from relay, which may be empty
// for locally made events.
func (p *T) Process(ev *event.T, relay string) (res Result, err error) {
	if err = p.store.Update(func(tx graph.Txn) (err error) {
		res = Result{}
		if _, _, err = graph.EnsureAuthor(tx, ev.PubKey); err != nil {
			return
		}
		if res.Record, res.Created, err = graph.InsertEvent(tx, ev,
			relay); err != nil || !res.Created {
			return
		}
		if err = resolve(tx, ev); err != nil {
			return
		}
		// an upgraded stub may already carry a deletion by its author
		if slices.Contains(res.Record.DeletedBy, ev.PubKey) &&
			!res.Record.Hidden {
			res.Record.Hidden, res.Record.HiddenReason = true, graph.HiddenDeleted
			if err = tx.PutEvent(res.Record); err != nil {
				return
			}
		}
		res.Diff, err = p.sideEffects(tx, ev)
		return
	}); chk.E(err) {
		return
	}
	if res.Created {
		log.T.F("stored %s %s from %s", ev.Kind, ev.ID.Short(), relay)
		p.mx.Lock()
		fns := p.onStored
		p.mx.Unlock()
		for _, fn := range fns {
			fn(res.Record.Clone())
		}
	}
	if p.contacts != nil {
		p.contacts.Changed(ev.PubKey, res.Diff)
	}
	return
}

// resolve creates the authors and stub events that ev references, without
// fetching anything.
func resolve(tx graph.Txn, ev *event.T) (err error) {
	for _, t := range ev.Tags {
		if len(t) < 2 {
			continue
		}
		switch t.Key() {
		case "p":
			if keys.IsPubKey(t.Value()) {
				if _, _, err = graph.EnsureAuthor(tx, t.Value()); err != nil {
					return
				}
			}
		case "e":
			if isID(t.Value()) && t.Value() != ev.ID.String() {
				if _, err = graph.EnsureStub(tx, t.Value()); err != nil {
					return
				}
			}
		}
	}
	return
}

func isID(s string) bool { return eventid.T(s).Validate() == nil }

func (p *T) sideEffects(tx graph.Txn, ev *event.T) (diff follows.Diff, err error) {
	switch ev.Kind {
	case kind.ProfileMetadata:
		err = applyMetadata(tx, ev)
	case kind.ContactList:
		if p.contacts == nil {
			return
		}
		if diff, err = p.contacts.Apply(tx, ev); errors.Is(err, follows.ErrStale) {
			log.D.Ln(err)
			err = nil
		}
	case kind.Deletion:
		err = applyDeletion(tx, ev)
	case kind.Repost, kind.GenericRepost:
		err = count(tx, ev, first(ev, "e"), func(r *graph.Record) { r.Reposts++ })
	case kind.Reaction:
		err = count(tx, ev, last(ev, "e"), func(r *graph.Record) { r.Reactions++ })
	case kind.TextNote:
		err = count(tx, ev, parent(ev), func(r *graph.Record) { r.Replies++ })
	}
	return
}

type metadata struct {
	Name        string `json:"name"`
	DisplayName string `json:"display_name"`
	About       string `json:"about"`
	Picture     string `json:"picture"`
	NIP05       string `json:"nip05"`
}

// applyMetadata copies profile fields to the author unless newer metadata
// was already applied.
func applyMetadata(tx graph.Txn, ev *event.T) (err error) {
	var a *graph.Author
	if a, err = tx.FindAuthor(ev.PubKey); err != nil {
		return
	}
	if ev.CreatedAt < a.MetadataAt {
		log.D.F("ignoring metadata %s older than applied", ev.ID.Short())
		return
	}
	var md metadata
	if err = json.Unmarshal([]byte(ev.Content), &md); err != nil {
		// the event is still stored, only the profile is left as it was
		log.D.F("unparseable metadata in %s: %v", ev.ID.Short(), err)
		return nil
	}
	a.Name, a.DisplayName, a.About = md.Name, md.DisplayName, md.About
	a.Picture, a.NIP05 = md.Picture, md.NIP05
	a.MetadataAt = ev.CreatedAt
	return tx.PutAuthor(a)
}

// applyDeletion hides the referenced events written by the deleter. Targets
// not yet received remember the deleter so the deletion applies on arrival.
func applyDeletion(tx graph.Txn, ev *event.T) (err error) {
	for _, id := range ev.Tags.Values("e") {
		if !isID(id) || id == ev.ID.String() {
			continue
		}
		var r *graph.Record
		if r, err = graph.EnsureStub(tx, id); err != nil {
			return
		}
		switch {
		case r.Stub:
			if slices.Contains(r.DeletedBy, ev.PubKey) {
				continue
			}
			r.DeletedBy = append(r.DeletedBy, ev.PubKey)
		case r.Event.PubKey != ev.PubKey:
			log.D.F("deletion %s by %s ignored for %s by another author",
				ev.ID.Short(), ev.PubKey[:12], id[:12])
			continue
		case r.Hidden && r.HiddenReason == graph.HiddenDeleted:
			continue
		default:
			r.Hidden, r.HiddenReason = true, graph.HiddenDeleted
		}
		if err = tx.PutEvent(r); err != nil {
			return
		}
	}
	return
}

// count bumps a counter on the referenced event.
func count(tx graph.Txn, ev *event.T, id string, bump func(r *graph.Record)) (
	err error) {

	if !isID(id) || id == ev.ID.String() {
		return
	}
	var r *graph.Record
	if r, err = graph.EnsureStub(tx, id); err != nil {
		return
	}
	bump(r)
	return tx.PutEvent(r)
}

func first(ev *event.T, key string) string {
	if t := ev.Tags.GetFirst(key); len(t) >= 2 {
		return t.Value()
	}
	return ""
}

func last(ev *event.T, key string) string {
	if t := ev.Tags.GetLast(key); len(t) >= 2 {
		return t.Value()
	}
	return ""
}

// parent finds the event a note replies to: the "reply" marked e tag, else a
// lone "root" marked one, else the last unmarked e tag.
func parent(ev *event.T) (id string) {
	var root, positional string
	for _, t := range ev.Tags.GetAll("e") {
		if len(t) < 2 {
			continue
		}
		switch t.Marker() {
		case tag.MarkerReply:
			return t.Value()
		case tag.MarkerRoot:
			root = t.Value()
		case tag.MarkerMention:
		default:
			positional = t.Value()
		}
	}
	if root != "" {
		return root
	}
	return positional
}

// Busy is true while Run is processing an event.
func (p *T) Busy() bool { return p.busy.Load() }

// Run ingests from in until it is closed or c is done. This is the single
// writer for events arriving from relays.
func (p *T) Run(c context.T, in <-chan pool.Incoming) {
	for {
		select {
		case <-c.Done():
			return
		case inc, ok := <-in:
			if !ok {
				return
			}
			p.busy.Store(true)
			if _, err := p.Process(inc.Event, inc.Relay); err != nil {
				log.E.F("processing %s from %s: %v", inc.Event.ID.Short(),
					inc.Relay, err)
			}
			p.busy.Store(false)
		}
	}
}
