package pool

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/Hubmakerlabs/nostrsync/pkg/context"
	"github.com/Hubmakerlabs/nostrsync/pkg/nostr/envelopes"
	"github.com/Hubmakerlabs/nostrsync/pkg/nostr/event"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

// ErrPublishRejected is returned by Wait when fewer relays accepted an event
// than the pool requires.
var ErrPublishRejected = errors.New("publish rejected")

var errTimeout = errors.New("no OK before timeout")

// Result is one relay's answer to a publication.
type Result struct {
	Relay    string `json:"relay"`
	Accepted bool   `json:"accepted"`
	Reason   string `json:"reason,omitempty"`
	Err      error  `json:"-"`
}

// Report is what became of a publication, with results in relay order.
type Report struct {
	EventID  string
	Results  []Result
	Accepted int
}

// Publication tracks the OK answers to one published event. The publish
// itself never blocks; Wait is for callers that care about the outcome.
type Publication struct {
	id         string
	minAccepts int

	mx      sync.Mutex
	waiting map[string]bool
	results map[string]Result
	done    chan struct{}
	once    sync.Once
}

func newPublication(id string, minAccepts int) *Publication {
	return &Publication{
		id:         id,
		minAccepts: minAccepts,
		waiting:    make(map[string]bool),
		results:    make(map[string]Result),
		done:       make(chan struct{}),
	}
}

// EventID of the published event.
func (pub *Publication) EventID() string { return pub.id }

// Done is closed when every relay has answered or the publication timed out.
func (pub *Publication) Done() <-chan struct{} { return pub.done }

func (pub *Publication) resolve(url string, r Result) {
	pub.mx.Lock()
	defer pub.mx.Unlock()
	if !pub.waiting[url] {
		return
	}
	delete(pub.waiting, url)
	pub.results[url] = r
	if len(pub.waiting) == 0 {
		pub.finishLocked(nil)
	}
}

func (pub *Publication) finish(err error) {
	pub.mx.Lock()
	defer pub.mx.Unlock()
	pub.finishLocked(err)
}

// finishLocked gives every relay still waiting err as its result.
func (pub *Publication) finishLocked(err error) {
	pub.once.Do(func() {
		for url := range pub.waiting {
			pub.results[url] = Result{Relay: url, Err: err}
		}
		pub.waiting = map[string]bool{}
		close(pub.done)
	})
}

func (pub *Publication) report() (rep Report) {
	pub.mx.Lock()
	defer pub.mx.Unlock()
	rep.EventID = pub.id
	for _, url := range sortedURLs(pub.results) {
		r := pub.results[url]
		if r.Accepted {
			rep.Accepted++
		}
		rep.Results = append(rep.Results, r)
	}
	return
}

// Wait blocks until the publication is finished or c is done. The error is
// ErrPublishRejected when too few relays accepted, listing why.
func (pub *Publication) Wait(c context.T) (rep Report, err error) {
	select {
	case <-pub.done:
	case <-c.Done():
		return pub.report(), c.Err()
	}
	rep = pub.report()
	if rep.Accepted >= pub.minAccepts {
		return
	}
	var reasons []string
	for _, r := range rep.Results {
		switch {
		case r.Accepted:
		case r.Err != nil:
			reasons = append(reasons, r.Relay+": "+r.Err.Error())
		default:
			reasons = append(reasons, r.Relay+": "+r.Reason)
		}
	}
	if len(reasons) == 0 {
		reasons = append(reasons, "no relays connected")
	}
	err = fmt.Errorf("%w: %d of %d accepted (%s)", ErrPublishRejected,
		rep.Accepted, pub.minAccepts, strings.Join(reasons, "; "))
	return
}

// PublishToAll sends a signed event to every connected relay and returns
// straight away. OKs are collected until every relay answered, the publish
// timeout passes, or c is done.
func (p *T) PublishToAll(c context.T, ev *event.T) (pub *Publication) {
	pub = newPublication(ev.ID.String(), p.minAccepts)
	b, err := (&envelopes.Event{Event: ev}).MarshalJSON()
	if chk.E(err) {
		pub.finish(err)
		return
	}
	p.addPending(pub)
	pub.mx.Lock()
	p.relays.Range(func(url string, m *member) bool {
		if err := m.session.Enqueue(b); err != nil {
			pub.results[url] = Result{Relay: url, Err: err}
			return true
		}
		pub.waiting[url] = true
		return true
	})
	sent := len(pub.waiting)
	pub.mx.Unlock()
	log.D.F("published %s to %d relays", ev.ID.Short(), sent)
	if sent == 0 {
		pub.finish(nil)
		p.removePending(pub)
		return
	}
	p.lifecycle.RLock()
	defer p.lifecycle.RUnlock()
	if p.closed {
		pub.finish(ErrClosed)
		p.removePending(pub)
		return
	}
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer p.removePending(pub)
		timer := time.NewTimer(p.publishTimeout)
		defer timer.Stop()
		select {
		case <-pub.done:
		case <-timer.C:
			pub.finish(errTimeout)
		case <-c.Done():
			pub.finish(c.Err())
		case <-p.c.Done():
			pub.finish(ErrClosed)
		}
	}()
	return
}

// addPending registers pub for the OKs of its event. A retry of the same event
// gets its own Publication next to the earlier one and both see the answer.
func (p *T) addPending(pub *Publication) {
	p.pending.Compute(pub.id, func(pubs []*Publication,
		_ bool) ([]*Publication, bool) {

		return append(slices.Clone(pubs), pub), false
	})
}

// removePending drops pub, leaving other publications of the event waiting.
func (p *T) removePending(pub *Publication) {
	p.pending.Compute(pub.id, func(pubs []*Publication,
		loaded bool) ([]*Publication, bool) {

		if !loaded {
			return nil, true
		}
		rest := make([]*Publication, 0, len(pubs))
		for _, other := range pubs {
			if other != pub {
				rest = append(rest, other)
			}
		}
		return rest, len(rest) == 0
	})
}

// resolvePending gives a relay's answer to every publication of an event.
func (p *T) resolvePending(id, url string, r Result) {
	pubs, _ := p.pending.Load(id)
	for _, pub := range pubs {
		pub.resolve(url, r)
	}
}

func sortedURLs[V any](m map[string]V) (keys []string) {
	keys = maps.Keys(m)
	slices.Sort(keys)
	return
}
