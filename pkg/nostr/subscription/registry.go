// Package subscription tracks the logical subscriptions of a client across
// every relay it talks to.
//
// A subscription is one filter under one wire id with a reference count.
// Callers that acquire equal filters share the entry and the relays see a
// single REQ. Each entry moves through
//
//	Requested -> Open -> EndOfStoredEvents -> Closing -> Closed
//
// where EndOfStoredEvents means every connected relay holding the REQ has sent
// EOSE, and falls back to Open when another relay joins. All state changes,
// and every decision to send REQ or CLOSE, happen under one mutex. The send
// callbacks are invoked with that mutex held so they must not block; relay
// sessions give a non-blocking enqueue for this.
package subscription

import (
	"errors"
	"os"
	"sync"
	"sync/atomic"

	"github.com/Hubmakerlabs/nostrsync/pkg/nostr/filter"
	"github.com/Hubmakerlabs/nostrsync/pkg/slog"
	"github.com/google/uuid"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

var log, chk = slog.New(os.Stderr)

// State is where a subscription is in its lifecycle.
type State int

const (
	Requested State = iota
	Open
	EndOfStoredEvents
	Closing
	Closed
)

func (s State) String() string {
	switch s {
	case Requested:
		return "requested"
	case Open:
		return "open"
	case EndOfStoredEvents:
		return "eose"
	case Closing:
		return "closing"
	case Closed:
		return "closed"
	}
	return "unknown"
}

// ErrInactive is returned when dispatching a subscription that is no longer
// referenced.
var ErrInactive = errors.New("subscription not active")

// Handle is one caller's reference to a subscription. Releasing the same
// handle twice has no further effect.
type Handle struct {
	ID       string
	Filter   *filter.T
	released atomic.Bool
}

type entry struct {
	id     string
	key    string
	filter *filter.T
	refs   int
	state  State
	// relays that were sent the REQ on their current connection
	sent map[string]bool
	eose map[string]bool
}

func (e *entry) active() bool { return e.refs > 0 && e.state < Closing }

// Registry is the set of live subscriptions.
type Registry struct {
	mx        sync.Mutex
	label     string
	byID      map[string]*entry
	byKey     map[string]*entry
	connected map[string]bool
}

// New makes an empty registry. The label prefixes wire ids, which helps when
// reading relay logs.
func New(label string) *Registry {
	return &Registry{
		label:     label,
		byID:      make(map[string]*entry),
		byKey:     make(map[string]*entry),
		connected: make(map[string]bool),
	}
}

func (r *Registry) newID() string {
	if r.label == "" {
		return uuid.NewString()
	}
	return r.label + ":" + uuid.NewString()
}

// Acquire attaches to an active subscription with an equal filter or makes a
// new one. Entries that are closing are never reused.
func (r *Registry) Acquire(f *filter.T) (h *Handle, created bool) {
	key := f.Key()
	r.mx.Lock()
	defer r.mx.Unlock()
	if e, ok := r.byKey[key]; ok && e.active() {
		e.refs++
		log.T.F("subscription %s refs=%d %s", e.id, e.refs, f)
		return &Handle{ID: e.id, Filter: e.filter}, false
	}
	e := &entry{
		id:     r.newID(),
		key:    key,
		filter: f.Clone(),
		refs:   1,
		state:  Requested,
		sent:   make(map[string]bool),
		eose:   make(map[string]bool),
	}
	r.byID[e.id] = e
	r.byKey[key] = e
	log.D.F("new subscription %s %s", e.id, f)
	return &Handle{ID: e.id, Filter: e.filter}, true
}

// Dispatch sends the REQ of subscription id to one connected relay unless it
// already holds it. Relays not known to be connected are skipped, they get
// the REQ from RelayConnected.
func (r *Registry) Dispatch(id, url string,
	send func(id string, f *filter.T) error) (err error) {

	r.mx.Lock()
	defer r.mx.Unlock()
	e, ok := r.byID[id]
	if !ok || !e.active() {
		return ErrInactive
	}
	return r.dispatch(e, url, send)
}

// DispatchAll is Dispatch to every connected relay.
func (r *Registry) DispatchAll(id string,
	send func(url, id string, f *filter.T) error) (err error) {

	r.mx.Lock()
	defer r.mx.Unlock()
	e, ok := r.byID[id]
	if !ok || !e.active() {
		return ErrInactive
	}
	for _, url := range sortedKeys(r.connected) {
		u := url
		chk.D(r.dispatch(e, u, func(id string, f *filter.T) error {
			return send(u, id, f)
		}))
	}
	return
}

func (r *Registry) dispatch(e *entry, url string,
	send func(id string, f *filter.T) error) (err error) {

	if !r.connected[url] || e.sent[url] {
		return
	}
	if err = send(e.id, e.filter); err != nil {
		return
	}
	e.sent[url] = true
	if e.state == Requested || e.state == EndOfStoredEvents {
		e.state = Open
	}
	return
}

// MarkEOSE records that a relay finished sending stored events. It returns
// true when this completes the set, moving the subscription to
// EndOfStoredEvents.
func (r *Registry) MarkEOSE(id, url string) (all bool) {
	r.mx.Lock()
	defer r.mx.Unlock()
	e, ok := r.byID[id]
	if !ok || !e.active() || !e.sent[url] {
		return false
	}
	e.eose[url] = true
	if e.state != Open || !r.complete(e) {
		return false
	}
	e.state = EndOfStoredEvents
	log.D.F("subscription %s reached end of stored events", id)
	return true
}

// complete is true when at least one connected relay holds the REQ and all of
// them have sent EOSE.
func (r *Registry) complete(e *entry) bool {
	n := 0
	for u := range e.sent {
		if !r.connected[u] {
			continue
		}
		if !e.eose[u] {
			return false
		}
		n++
	}
	return n > 0
}

// Release drops one reference. On the last one the subscription goes to
// Closing, a CLOSE goes to every relay holding it, and it ends Closed and
// forgotten. It reports whether the subscription was closed.
func (r *Registry) Release(h *Handle,
	sendClose func(url, id string) error) (closed bool) {

	if h == nil || !h.released.CompareAndSwap(false, true) {
		return false
	}
	r.mx.Lock()
	defer r.mx.Unlock()
	e, ok := r.byID[h.ID]
	if !ok || e.refs == 0 {
		return false
	}
	e.refs--
	if e.refs > 0 {
		log.T.F("subscription %s refs=%d", e.id, e.refs)
		return false
	}
	e.state = Closing
	if r.byKey[e.key] == e {
		delete(r.byKey, e.key)
	}
	for _, url := range sortedKeys(e.sent) {
		if !r.connected[url] {
			continue
		}
		if err := sendClose(url, e.id); err != nil {
			log.D.F("CLOSE %s to %s: %v", e.id, url, err)
		}
	}
	e.state = Closed
	delete(r.byID, e.id)
	log.D.F("subscription %s closed", e.id)
	return true
}

// RelayConnected marks a relay as connected on a fresh connection and sends
// it every active subscription, in full.
func (r *Registry) RelayConnected(url string,
	send func(id string, f *filter.T) error) (replayed int) {

	r.mx.Lock()
	defer r.mx.Unlock()
	r.connected[url] = true
	for _, id := range sortedKeys(r.byID) {
		e := r.byID[id]
		delete(e.sent, url)
		delete(e.eose, url)
		if !e.active() {
			continue
		}
		if err := r.dispatch(e, url, send); err != nil {
			log.D.F("replay %s to %s: %v", id, url, err)
			continue
		}
		replayed++
	}
	if replayed > 0 {
		log.D.F("replayed %d subscriptions to %s", replayed, url)
	}
	return
}

// RelayDropped forgets what a relay held. EOSE is re-evaluated because the
// remaining relays may now all have sent it.
func (r *Registry) RelayDropped(url string) {
	r.mx.Lock()
	defer r.mx.Unlock()
	delete(r.connected, url)
	for _, e := range r.byID {
		delete(e.sent, url)
		delete(e.eose, url)
		if e.state == Open && r.complete(e) {
			e.state = EndOfStoredEvents
		}
	}
}

// RelayClosed records that a relay ended a subscription with CLOSED.
func (r *Registry) RelayClosed(id, url string) {
	r.mx.Lock()
	defer r.mx.Unlock()
	if e, ok := r.byID[id]; ok {
		delete(e.sent, url)
		delete(e.eose, url)
	}
}

// Outstanding lists the ids of subscriptions still referenced.
func (r *Registry) Outstanding() (ids []string) {
	r.mx.Lock()
	defer r.mx.Unlock()
	for id, e := range r.byID {
		if e.active() {
			ids = append(ids, id)
		}
	}
	slices.Sort(ids)
	return
}

// Accepting returns the filter of an active subscription, for checking
// inbound events against.
func (r *Registry) Accepting(id string) (f *filter.T, ok bool) {
	r.mx.Lock()
	defer r.mx.Unlock()
	var e *entry
	if e, ok = r.byID[id]; !ok || !e.active() {
		return nil, false
	}
	return e.filter, true
}

// State of a subscription. Unknown ids are Closed.
func (r *Registry) State(id string) State {
	r.mx.Lock()
	defer r.mx.Unlock()
	if e, ok := r.byID[id]; ok {
		return e.state
	}
	return Closed
}

// Refs is the reference count, zero for unknown ids.
func (r *Registry) Refs(id string) int {
	r.mx.Lock()
	defer r.mx.Unlock()
	if e, ok := r.byID[id]; ok {
		return e.refs
	}
	return 0
}

// Info is a point in time copy of one subscription.
type Info struct {
	ID     string   `json:"id"`
	Filter string   `json:"filter"`
	Refs   int      `json:"refs"`
	State  string   `json:"state"`
	Relays []string `json:"relays"`
	EOSE   []string `json:"eose"`
}

// Snapshot lists every tracked subscription ordered by wire id, for
// diagnostics.
func (r *Registry) Snapshot() (infos []Info) {
	r.mx.Lock()
	defer r.mx.Unlock()
	for _, id := range sortedKeys(r.byID) {
		e := r.byID[id]
		infos = append(infos, Info{
			ID:     e.id,
			Filter: e.filter.String(),
			Refs:   e.refs,
			State:  e.state.String(),
			Relays: sortedKeys(e.sent),
			EOSE:   sortedKeys(e.eose),
		})
	}
	return
}

func sortedKeys[V any](m map[string]V) (keys []string) {
	keys = maps.Keys(m)
	slices.Sort(keys)
	return
}
