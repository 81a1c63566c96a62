// Package pool runs a set of relay sessions as one client: subscriptions are
// deduplicated across callers and sent to every relay, relays that connect
// later are sent whatever is still open, published events go to every
// connected relay, and verified inbound events come out of one channel.
package pool

import (
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Hubmakerlabs/nostrsync/pkg/context"
	"github.com/Hubmakerlabs/nostrsync/pkg/nostr/envelopes"
	"github.com/Hubmakerlabs/nostrsync/pkg/nostr/event"
	"github.com/Hubmakerlabs/nostrsync/pkg/nostr/filter"
	"github.com/Hubmakerlabs/nostrsync/pkg/nostr/keys"
	"github.com/Hubmakerlabs/nostrsync/pkg/nostr/normalize"
	"github.com/Hubmakerlabs/nostrsync/pkg/nostr/relay"
	"github.com/Hubmakerlabs/nostrsync/pkg/nostr/subscription"
	"github.com/Hubmakerlabs/nostrsync/pkg/slog"
	"github.com/fiatjaf/generic-ristretto/z"
	"github.com/puzpuzpuz/xsync/v2"
	"golang.org/x/exp/slices"
)

var log, chk = slog.New(os.Stderr)

const MAX_LOCKS = 50

const (
	DefaultPublishTimeout  = 10 * time.Second
	DefaultMinAccepts      = 1
	DefaultLowTrustStrikes = 3
	DefaultIncomingBuffer  = 1024
)

var (
	ErrClosed     = errors.New("pool closed")
	ErrInvalidURL = errors.New("invalid relay URL")
)

var namedMutexPool = make([]sync.Mutex, MAX_LOCKS)

// namedLock serializes adding and removing any one relay.
func namedLock(name string) (unlock func()) {
	idx := z.MemHashString(name) % MAX_LOCKS
	namedMutexPool[idx].Lock()
	return namedMutexPool[idx].Unlock
}

// Decoder turns a raw inbound event into a verified one.
type Decoder func(raw []byte) (*event.T, error)

// Incoming is an event a relay sent for a subscription that was open when it
// arrived.
type Incoming struct {
	Event        *event.T
	Relay        string
	Subscription string
}

type Option interface {
	IsPoolOption()
	Apply(*T)
}

// WithNoticeHandler receives NOTICE messages. When not given they are logged.
type WithNoticeHandler func(url, text string)

// WithOKHandler sees every OK a relay sends for a published event.
type WithOKHandler func(url string, ok *envelopes.OK)

// WithEOSEHandler is told of each relay's EOSE, with all set when the
// subscription has now had EOSE from every connected relay.
type WithEOSEHandler func(url, subID string, all bool)

// WithClosedHandler receives CLOSED messages.
type WithClosedHandler func(url, subID, reason string)

// WithDecoder replaces event.Parse for inbound events. It runs on the
// receiving relay's goroutine.
type WithDecoder Decoder

// WithAuthSigner answers NIP-42 challenges with the given identity.
type WithAuthSigner struct{ keys.Signer }

// WithRelayOptions sets the session options used for every relay.
type WithRelayOptions relay.Options

type WithPublishTimeout time.Duration

// WithMinAccepts is how many relays must accept a publication for Wait to
// report success.
type WithMinAccepts int

// WithLowTrustStrikes is the number of invalid events after which a relay is
// reported as low trust.
type WithLowTrustStrikes int

type WithIncomingBuffer int

func (WithNoticeHandler) IsPoolOption()   {}
func (WithOKHandler) IsPoolOption()       {}
func (WithEOSEHandler) IsPoolOption()     {}
func (WithClosedHandler) IsPoolOption()   {}
func (WithDecoder) IsPoolOption()         {}
func (WithAuthSigner) IsPoolOption()      {}
func (WithRelayOptions) IsPoolOption()    {}
func (WithPublishTimeout) IsPoolOption()  {}
func (WithMinAccepts) IsPoolOption()      {}
func (WithLowTrustStrikes) IsPoolOption() {}
func (WithIncomingBuffer) IsPoolOption()  {}

func (h WithNoticeHandler) Apply(p *T)   { p.onNotice = h }
func (h WithOKHandler) Apply(p *T)       { p.onOK = h }
func (h WithEOSEHandler) Apply(p *T)     { p.onEOSE = h }
func (h WithClosedHandler) Apply(p *T)   { p.onClosed = h }
func (d WithDecoder) Apply(p *T)         { p.decode = Decoder(d) }
func (s WithAuthSigner) Apply(p *T)      { p.relayOpts.Signer = s.Signer }
func (d WithPublishTimeout) Apply(p *T)  { p.publishTimeout = time.Duration(d) }
func (n WithMinAccepts) Apply(p *T)      { p.minAccepts = int(n) }
func (n WithLowTrustStrikes) Apply(p *T) { p.lowTrust = int64(n) }
func (n WithIncomingBuffer) Apply(p *T)  { p.incomingBuffer = int(n) }

// Apply keeps a signer given by WithAuthSigner when o has none.
func (o WithRelayOptions) Apply(p *T) {
	signer := p.relayOpts.Signer
	p.relayOpts = relay.Options(o)
	if p.relayOpts.Signer == nil {
		p.relayOpts.Signer = signer
	}
}

type member struct {
	session *relay.T
	cancel  context.F
	done    chan struct{}
	strikes atomic.Int64
}

type T struct {
	c      context.T
	cancel context.F

	registry *subscription.Registry
	relays   *xsync.MapOf[string, *member]
	// pending holds the publications waiting for OKs, by event id
	pending  *xsync.MapOf[string, []*Publication]
	incoming chan Incoming
	wg       sync.WaitGroup
	// lifecycle keeps wg.Add from racing the wg.Wait in Close
	lifecycle sync.RWMutex
	closed    bool
	once      sync.Once

	relayOpts      relay.Options
	decode         Decoder
	onNotice       WithNoticeHandler
	onOK           WithOKHandler
	onEOSE         WithEOSEHandler
	onClosed       WithClosedHandler
	publishTimeout time.Duration
	minAccepts     int
	lowTrust       int64
	incomingBuffer int
}

// New makes an empty pool. Everything it starts stops when c is cancelled or
// Close is called.
func New(c context.T, opts ...Option) (p *T) {
	c, cancel := context.Cancel(c)
	p = &T{
		c:              c,
		cancel:         cancel,
		registry:       subscription.New("nostrsync"),
		relays:         xsync.NewMapOf[*member](),
		pending:        xsync.NewMapOf[[]*Publication](),
		decode:         event.Parse,
		publishTimeout: DefaultPublishTimeout,
		minAccepts:     DefaultMinAccepts,
		lowTrust:       DefaultLowTrustStrikes,
		incomingBuffer: DefaultIncomingBuffer,
	}
	for _, opt := range opts {
		opt.Apply(p)
	}
	p.incoming = make(chan Incoming, p.incomingBuffer)
	return
}

// Incoming is the single stream of verified events from all relays. It is
// closed by Close once every relay goroutine has finished.
func (p *T) Incoming() <-chan Incoming { return p.incoming }

// Registry exposes the subscription bookkeeping, read only use is intended.
func (p *T) Registry() *subscription.Registry { return p.registry }

// AddRelay starts a session with the relay if there is not one already.
func (p *T) AddRelay(url string) (err error) {
	nm := normalize.URL(url)
	if nm == "" {
		return fmt.Errorf("%w: %q", ErrInvalidURL, url)
	}
	defer namedLock(nm)()
	p.lifecycle.RLock()
	defer p.lifecycle.RUnlock()
	if p.closed {
		return ErrClosed
	}
	if _, ok := p.relays.Load(nm); ok {
		return
	}
	sc, cancel := context.Cancel(p.c)
	m := &member{
		session: relay.New(nm, &handler{p}, p.relayOpts),
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	p.relays.Store(nm, m)
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer close(m.done)
		m.session.Run(sc)
	}()
	log.I.Ln("added relay", nm)
	return
}

// RemoveRelay stops the session with a relay and waits for it to finish.
func (p *T) RemoveRelay(url string) {
	nm := normalize.URL(url)
	defer namedLock(nm)()
	m, ok := p.relays.LoadAndDelete(nm)
	if !ok {
		return
	}
	m.cancel()
	<-m.done
	p.registry.RelayDropped(nm)
	log.I.Ln("removed relay", nm)
}

// Relays lists the relay URLs in the pool, sorted.
func (p *T) Relays() (urls []string) {
	p.relays.Range(func(url string, _ *member) bool {
		urls = append(urls, url)
		return true
	})
	slices.Sort(urls)
	return
}

// Connected lists the relays that currently have a connection, sorted.
func (p *T) Connected() (urls []string) {
	p.relays.Range(func(url string, m *member) bool {
		if m.session.IsConnected() {
			urls = append(urls, url)
		}
		return true
	})
	slices.Sort(urls)
	return
}

func (p *T) sendReq(url, id string, f *filter.T) error {
	m, ok := p.relays.Load(url)
	if !ok {
		return relay.ErrNotConnected
	}
	return m.session.Send(&envelopes.Req{SubscriptionID: id,
		Filters: []*filter.T{f}})
}

func (p *T) sendClose(url, id string) error {
	m, ok := p.relays.Load(url)
	if !ok {
		return relay.ErrNotConnected
	}
	return m.session.Send(&envelopes.Close{SubscriptionID: id})
}

// RequestFromAll subscribes every relay to f. Equal filters share one
// subscription; the handle must be given back to CloseAll.
func (p *T) RequestFromAll(f *filter.T) (h *subscription.Handle) {
	var created bool
	h, created = p.registry.Acquire(f)
	if created {
		chk.D(p.registry.DispatchAll(h.ID, p.sendReq))
	}
	return
}

// CloseAll releases handles. Subscriptions with no remaining references are
// closed on every relay holding them.
func (p *T) CloseAll(handles ...*subscription.Handle) {
	for _, h := range handles {
		p.registry.Release(h, p.sendClose)
	}
}

// RelayStatus is a point in time view of one relay.
type RelayStatus struct {
	URL       string `json:"url"`
	Connected bool   `json:"connected"`
	Connects  int64  `json:"connects"`
	Strikes   int64  `json:"strikes"`
	LowTrust  bool   `json:"low_trust"`
	LastError string `json:"last_error,omitempty"`
}

func (p *T) Status() (st []RelayStatus) {
	p.relays.Range(func(url string, m *member) bool {
		s := RelayStatus{
			URL:       url,
			Connected: m.session.IsConnected(),
			Connects:  m.session.Connects(),
			Strikes:   m.strikes.Load(),
		}
		s.LowTrust = s.Strikes >= p.lowTrust
		if err := m.session.LastError(); err != nil {
			s.LastError = err.Error()
		}
		st = append(st, s)
		return true
	})
	slices.SortFunc(st, func(a, b RelayStatus) int {
		switch {
		case a.URL < b.URL:
			return -1
		case a.URL > b.URL:
			return 1
		}
		return 0
	})
	return
}

// Close stops every relay session, waits for their goroutines, including any
// verification in progress, and then closes Incoming.
func (p *T) Close() {
	p.once.Do(func() {
		p.lifecycle.Lock()
		p.closed = true
		p.lifecycle.Unlock()
		p.cancel()
		p.wg.Wait()
		close(p.incoming)
		log.D.Ln("pool closed")
	})
}

// handler receives the messages of every relay session.
type handler struct{ p *T }

func (h *handler) OnConnect(url string) {
	h.p.registry.RelayConnected(url, func(id string, f *filter.T) error {
		return h.p.sendReq(url, id, f)
	})
}

func (h *handler) OnDisconnect(url string, err error) {
	h.p.registry.RelayDropped(url)
	h.p.pending.Range(func(_ string, pubs []*Publication) bool {
		for _, pub := range pubs {
			pub.resolve(url, Result{Relay: url, Err: err})
		}
		return true
	})
}

func (h *handler) OnEvent(url, subID string, raw []byte) {
	p := h.p
	f, ok := p.registry.Accepting(subID)
	if !ok {
		log.T.F("%s: event for inactive subscription %s", url, subID)
		return
	}
	ev, err := p.decode(raw)
	if err != nil {
		if errors.Is(err, event.ErrSignatureInvalid) ||
			errors.Is(err, event.ErrIdentifierMismatch) {
			if m, ok := p.relays.Load(url); ok {
				n := m.strikes.Add(1)
				if n == p.lowTrust {
					log.W.F("%s: relay is now low trust after %d invalid events",
						url, n)
				}
			}
		}
		log.D.F("%s: dropping event: %v", url, err)
		return
	}
	if !f.Matches(ev) {
		log.D.F("%s: event %s does not match subscription %s", url,
			ev.ID.Short(), subID)
		return
	}
	select {
	case p.incoming <- Incoming{Event: ev, Relay: url, Subscription: subID}:
	case <-p.c.Done():
	}
}

func (h *handler) OnEOSE(url, subID string) {
	all := h.p.registry.MarkEOSE(subID, url)
	if h.p.onEOSE != nil {
		h.p.onEOSE(url, subID, all)
	}
}

func (h *handler) OnOK(url string, ok *envelopes.OK) {
	h.p.resolvePending(ok.EventID, url,
		Result{Relay: url, Accepted: ok.OK, Reason: ok.Reason})
	if !ok.OK {
		log.D.F("%s: rejected %s: %s", url, ok.EventID, ok.Reason)
	}
	if h.p.onOK != nil {
		h.p.onOK(url, ok)
	}
}

func (h *handler) OnNotice(url, text string) {
	if h.p.onNotice != nil {
		h.p.onNotice(url, text)
		return
	}
	log.I.F("NOTICE from %s: '%s'", url, text)
}

func (h *handler) OnClosed(url, subID, reason string) {
	h.p.registry.RelayClosed(subID, url)
	log.D.F("%s: CLOSED %s: %s", url, subID, reason)
	if h.p.onClosed != nil {
		h.p.onClosed(url, subID, reason)
	}
}
