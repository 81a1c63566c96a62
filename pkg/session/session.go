// Package session is the running client of one user: their key, the graph
// store, the relay pool, the ingestion loop and the follow set, with the
// lifecycle open, active, closed. Every application operation goes through a
// session rather than process wide state.
package session

import (
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/Hubmakerlabs/nostrsync/pkg/context"
	"github.com/Hubmakerlabs/nostrsync/pkg/diag"
	"github.com/Hubmakerlabs/nostrsync/pkg/follows"
	"github.com/Hubmakerlabs/nostrsync/pkg/graph"
	"github.com/Hubmakerlabs/nostrsync/pkg/graph/memory"
	"github.com/Hubmakerlabs/nostrsync/pkg/keystore"
	"github.com/Hubmakerlabs/nostrsync/pkg/nostr/envelopes"
	"github.com/Hubmakerlabs/nostrsync/pkg/nostr/event"
	"github.com/Hubmakerlabs/nostrsync/pkg/nostr/filter"
	"github.com/Hubmakerlabs/nostrsync/pkg/nostr/keys"
	"github.com/Hubmakerlabs/nostrsync/pkg/nostr/kind"
	"github.com/Hubmakerlabs/nostrsync/pkg/nostr/pool"
	"github.com/Hubmakerlabs/nostrsync/pkg/nostr/subscription"
	"github.com/Hubmakerlabs/nostrsync/pkg/processor"
	"github.com/Hubmakerlabs/nostrsync/pkg/slog"
)

var log, chk = slog.New(os.Stderr)

// ErrClosed is returned by operations on a closed session.
var ErrClosed = errors.New("session closed")

type Options struct {
	// Keys holds the user's secret key. One is generated and saved if it
	// holds none.
	Keys keystore.Store
	// Store defaults to an in-memory graph. The session closes it.
	Store  graph.Store
	Relays []string
	// Pool options are applied after the session's own.
	Pool []pool.Option
	// Notices collects relay notices and rejections when set.
	Notices *diag.Notices
	// NoOwnSubscriptions skips subscribing to the user's own events.
	NoOwnSubscriptions bool
}

type T struct {
	kp        *keys.KeyPair
	store     graph.Store
	pool      *pool.T
	processor *processor.T
	follows   *follows.T
	own       []*subscription.Handle
	cancel    context.F
	ingested  chan struct{}

	mx     sync.RWMutex
	closed bool
	ops    sync.WaitGroup
	once   sync.Once
}

// Open loads or creates the key, starts the pool and ingestion, and
// subscribes to the user's own notes, profile and contact list.
func Open(c context.T, opts Options) (s *T, err error) {
	if opts.Keys == nil {
		return nil, fmt.Errorf("%w: no key store", keys.ErrKeyUnavailable)
	}
	s = &T{store: opts.Store, ingested: make(chan struct{})}
	var created bool
	if s.kp, created, err = keystore.LoadOrGenerate(opts.Keys); err != nil {
		return nil, err
	}
	log.I.Ln("session for", s.kp.PubKey(), "new key:", created)
	if s.store == nil {
		s.store = memory.New()
	}
	c, s.cancel = context.Cancel(c)
	po := []pool.Option{pool.WithAuthSigner{Signer: s.kp}}
	if n := opts.Notices; n != nil {
		po = append(po,
			pool.WithNoticeHandler(func(url, text string) {
				n.Add(url, diag.KindNotice, text)
			}),
			pool.WithOKHandler(func(url string, ok *envelopes.OK) {
				if !ok.OK {
					n.Add(url, diag.KindRejected, ok.EventID+": "+ok.Reason)
				}
			}),
			pool.WithClosedHandler(func(url, subID, reason string) {
				n.Add(url, diag.KindClosed, subID+": "+reason)
			}))
	}
	// options given by the caller win, except the decoder, which must verify
	po = append(po, opts.Pool...)
	po = append(po, pool.WithDecoder(func(raw []byte) (*event.T, error) {
		return s.processor.Parse(raw)
	}))
	s.pool = pool.New(c, po...)
	s.follows = follows.New(s.store, s.kp, s.pool)
	s.processor = processor.New(s.store, s.follows)
	go func() {
		defer close(s.ingested)
		s.processor.Run(c, s.pool.Incoming())
	}()
	for _, url := range opts.Relays {
		if err = s.pool.AddRelay(url); chk.E(err) {
			s.Close()
			return nil, err
		}
	}
	if !opts.NoOwnSubscriptions {
		self := []string{s.kp.PubKey()}
		s.own = append(s.own,
			s.pool.RequestFromAll(filter.New(self, []kind.T{kind.TextNote}, nil, 0)),
			s.pool.RequestFromAll(filter.New(self,
				[]kind.T{kind.ProfileMetadata, kind.ContactList}, nil, 0)))
	}
	return
}

// begin registers an operation, failing once Close has started.
func (s *T) begin() error {
	s.mx.RLock()
	defer s.mx.RUnlock()
	if s.closed {
		return ErrClosed
	}
	s.ops.Add(1)
	return nil
}

func (s *T) PubKey() string { return s.kp.PubKey() }

func (s *T) Store() graph.Store { return s.store }

func (s *T) Pool() *pool.T { return s.pool }

func (s *T) Follows() *follows.T { return s.follows }

func (s *T) Processor() *processor.T { return s.processor }

const syncPoll = 50 * time.Millisecond

// Synced waits until every connected relay has sent its stored events for the
// user's own subscriptions and they have been ingested, so the follow set
// starts from the newest contact list the relays know of. It returns at once
// when there are no relays or no own subscriptions.
func (s *T) Synced(c context.T) error {
	t := time.NewTicker(syncPoll)
	defer t.Stop()
	// idle must be seen on two polls in a row, an event can be between the
	// incoming channel and the processor for an instant
	var streak int
	for {
		if s.idle() {
			if streak++; streak == 2 {
				return nil
			}
		} else {
			streak = 0
		}
		select {
		case <-c.Done():
			return c.Err()
		case <-t.C:
		}
	}
}

func (s *T) idle() bool {
	if len(s.pool.Relays()) == 0 || len(s.own) == 0 {
		return true
	}
	if len(s.pool.Connected()) == 0 {
		return false
	}
	for _, h := range s.own {
		if s.pool.Registry().State(h.ID) != subscription.EndOfStoredEvents {
			return false
		}
	}
	return len(s.pool.Incoming()) == 0 && !s.processor.Busy()
}

// RequestEvents subscribes every relay to f. Events arrive in the store.
func (s *T) RequestEvents(f *filter.T) (h *subscription.Handle, err error) {
	if err = s.begin(); err != nil {
		return
	}
	defer s.ops.Done()
	return s.pool.RequestFromAll(f), nil
}

// Cancel releases handles from RequestEvents.
func (s *T) Cancel(handles ...*subscription.Handle) {
	s.pool.CloseAll(handles...)
}

// Reissue replaces the subscription of h with one for f. Filters are never
// changed in place.
func (s *T) Reissue(h *subscription.Handle, f *filter.T) (nh *subscription.Handle,
	err error) {

	if nh, err = s.RequestEvents(f); err != nil {
		return
	}
	s.Cancel(h)
	return
}

// Publish signs ev as the user, stores it and sends it to every relay. The
// publication reports the relays' answers.
func (s *T) Publish(c context.T, ev *event.T) (pub *pool.Publication, err error) {
	if err = s.begin(); err != nil {
		return
	}
	defer s.ops.Done()
	if err = ev.Sign(s.kp); err != nil {
		return
	}
	if _, err = s.processor.Process(ev, ""); err != nil {
		return
	}
	return s.pool.PublishToAll(c, ev), nil
}

func (s *T) Follow(c context.T, key string, opts ...follows.Option) (
	pub *pool.Publication, err error) {

	if err = s.begin(); err != nil {
		return
	}
	defer s.ops.Done()
	return s.follows.Follow(c, key, opts...)
}

func (s *T) Unfollow(c context.T, key string) (pub *pool.Publication, err error) {
	if err = s.begin(); err != nil {
		return
	}
	defer s.ops.Done()
	return s.follows.Unfollow(c, key)
}

func (s *T) CurrentFollows() ([]*graph.Author, error) {
	return s.follows.CurrentFollows()
}

func (s *T) IsFollowing(key string) bool { return s.follows.IsFollowing(key) }

// Status and Subscriptions make a session a diag.Source.
func (s *T) Status() []pool.RelayStatus { return s.pool.Status() }

func (s *T) Subscriptions() []subscription.Info { return s.pool.Registry().Snapshot() }

// Close stops new operations, waits for those in flight, closes the pool and
// drains ingestion, closes the store and finally zeroes the key.
func (s *T) Close() {
	s.once.Do(func() {
		s.mx.Lock()
		s.closed = true
		s.mx.Unlock()
		s.ops.Wait()
		s.pool.CloseAll(s.own...)
		s.pool.Close()
		<-s.ingested
		s.cancel()
		chk.E(s.store.Close())
		s.kp.Zero()
		log.D.Ln("session closed")
	})
}
