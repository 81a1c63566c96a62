// Package relaytest is an in-process relay that speaks enough NIP-01 and
// NIP-42 to exercise a client: it stores what it is sent, answers REQ with
// stored matches followed by EOSE, forwards new events to open
// subscriptions, and acknowledges with OK. Tests can also drop every
// connection, inject events, and inspect what clients asked for.
package relaytest

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/Hubmakerlabs/nostrsync/pkg/nostr/envelopes"
	"github.com/Hubmakerlabs/nostrsync/pkg/nostr/event"
	"github.com/Hubmakerlabs/nostrsync/pkg/nostr/filter"
	"github.com/Hubmakerlabs/nostrsync/pkg/nostr/kind"
	"github.com/Hubmakerlabs/nostrsync/pkg/nostr/normalize"
	"github.com/Hubmakerlabs/nostrsync/pkg/slog"
	"github.com/fasthttp/websocket"
	"github.com/puzpuzpuz/xsync/v2"
	"github.com/sebest/xff"
)

var log, chk = slog.New(os.Stderr)

// Reject decides whether to refuse an otherwise valid event, and why.
type Reject func(ev *event.T) (reject bool, reason string)

type Options struct {
	Reject Reject
	// AuthChallenge, when set, is sent to every client as it connects.
	AuthChallenge string
	// MaxMessageSize bounds inbound messages.
	MaxMessageSize int64
}

// Request is a REQ a client sent.
type Request struct {
	SubscriptionID string
	Filters        []*filter.T
	Remote         string
}

type client struct {
	id     int64
	conn   *websocket.Conn
	remote string
	wmx    sync.Mutex
	subs   *xsync.MapOf[string, []*filter.T]
}

func (cl *client) write(env envelopes.I) (err error) {
	var b []byte
	if b, err = env.MarshalJSON(); chk.E(err) {
		return
	}
	return cl.writeRaw(b)
}

func (cl *client) writeRaw(b []byte) error {
	cl.wmx.Lock()
	defer cl.wmx.Unlock()
	return cl.conn.WriteMessage(websocket.TextMessage, b)
}

type Relay struct {
	opts     Options
	upgrader websocket.Upgrader
	server   *httptest.Server
	nextID   atomic.Int64
	clients  *xsync.MapOf[string, *client]
	total    atomic.Int64

	mx       sync.Mutex
	events   map[string]*event.T
	requests []Request
	closes   []string
	authed   []string
}

// New makes a relay to be mounted as an http.Handler.
func New(opts Options) *Relay {
	if opts.MaxMessageSize <= 0 {
		opts.MaxMessageSize = 512000
	}
	return &Relay{
		opts: opts,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		clients: xsync.NewMapOf[*client](),
		events:  make(map[string]*event.T),
	}
}

// Start makes a relay and serves it on a local port until Close.
func Start(opts Options) (r *Relay) {
	r = New(opts)
	r.server = httptest.NewServer(r)
	return
}

// URL is the websocket address of a started relay.
func (r *Relay) URL() string {
	if r.server == nil {
		return ""
	}
	return normalize.URL(r.server.URL)
}

// Close drops all clients and stops the server, if started.
func (r *Relay) Close() {
	r.DropAll()
	if r.server != nil {
		r.server.Close()
	}
}

func (r *Relay) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	if !strings.EqualFold(req.Header.Get("Upgrade"), "websocket") {
		w.Header().Set("Content-Type", "text/plain")
		_, _ = fmt.Fprintf(w, "relaytest: %d events stored\n", r.Count())
		return
	}
	conn, err := r.upgrader.Upgrade(w, req, nil)
	if chk.D(err) {
		return
	}
	cl := &client{
		id:     r.nextID.Add(1),
		conn:   conn,
		remote: xff.GetRemoteAddr(req),
		subs:   xsync.NewMapOf[[]*filter.T](),
	}
	key := fmt.Sprint(cl.id)
	r.clients.Store(key, cl)
	r.total.Add(1)
	log.D.F("client %d connected from %s", cl.id, cl.remote)
	defer func() {
		r.clients.Delete(key)
		chk.D(conn.Close())
		log.D.F("client %d gone", cl.id)
	}()
	conn.SetReadLimit(r.opts.MaxMessageSize)
	if r.opts.AuthChallenge != "" {
		chk.D(cl.write(&envelopes.AuthChallenge{Challenge: r.opts.AuthChallenge}))
	}
	for {
		typ, message, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseNormalClosure,
				websocket.CloseGoingAway,
				websocket.CloseNoStatusReceived,
				websocket.CloseAbnormalClosure,
			) {
				log.D.F("unexpected close error from %s: %v", cl.remote, err)
			}
			return
		}
		if typ != websocket.TextMessage && typ != websocket.BinaryMessage {
			continue
		}
		r.handle(cl, message)
	}
}

func (r *Relay) handle(cl *client, message []byte) {
	env, err := envelopes.ParseClientMessage(message)
	if err != nil {
		chk.D(cl.write(&envelopes.Notice{Text: "error: " + err.Error()}))
		return
	}
	switch e := env.(type) {
	case *envelopes.Event:
		r.receive(cl, e.Raw)
	case *envelopes.Req:
		r.mx.Lock()
		r.requests = append(r.requests, Request{
			SubscriptionID: e.SubscriptionID,
			Filters:        e.Filters,
			Remote:         cl.remote,
		})
		r.mx.Unlock()
		cl.subs.Store(e.SubscriptionID, e.Filters)
		for _, ev := range r.query(e.Filters) {
			chk.D(cl.write(&envelopes.Event{SubscriptionID: e.SubscriptionID,
				Event: ev}))
		}
		chk.D(cl.write(&envelopes.EOSE{SubscriptionID: e.SubscriptionID}))
	case *envelopes.Close:
		r.mx.Lock()
		r.closes = append(r.closes, e.SubscriptionID)
		r.mx.Unlock()
		cl.subs.Delete(e.SubscriptionID)
	case *envelopes.AuthResponse:
		ev, err := event.Parse(e.Raw)
		if err != nil {
			chk.D(cl.write(&envelopes.OK{OK: false, Reason: "invalid: " +
				err.Error()}))
			return
		}
		ok := ev.Kind == kind.ClientAuthentication &&
			ev.Tags.ContainsAny("challenge", r.opts.AuthChallenge)
		if ok {
			r.mx.Lock()
			r.authed = append(r.authed, ev.PubKey)
			r.mx.Unlock()
		}
		chk.D(cl.write(&envelopes.OK{EventID: ev.ID.String(), OK: ok}))
	}
}

func (r *Relay) receive(cl *client, raw []byte) {
	ev, err := event.Parse(raw)
	if err != nil {
		chk.D(cl.write(&envelopes.OK{EventID: idOf(raw), OK: false,
			Reason: "invalid: " + err.Error()}))
		return
	}
	if r.opts.Reject != nil {
		if reject, reason := r.opts.Reject(ev); reject {
			chk.D(cl.write(&envelopes.OK{EventID: ev.ID.String(), OK: false,
				Reason: reason}))
			return
		}
	}
	stored := r.store(ev)
	reason := ""
	if !stored {
		reason = "duplicate: already have this event"
	}
	chk.D(cl.write(&envelopes.OK{EventID: ev.ID.String(), OK: true,
		Reason: reason}))
	if stored {
		r.broadcast(ev)
	}
}

// idOf digs the id out of an event that failed to parse, for the OK.
func idOf(raw []byte) string {
	var probe struct {
		ID string `json:"id"`
	}
	_ = json.Unmarshal(raw, &probe)
	return probe.ID
}

// store keeps an event unless it has it already. Replaceable kinds replace
// older events of the same author and kind.
func (r *Relay) store(ev *event.T) bool {
	r.mx.Lock()
	defer r.mx.Unlock()
	if _, ok := r.events[ev.ID.String()]; ok {
		return false
	}
	if ev.Kind.IsReplaceable() {
		for id, old := range r.events {
			if old.PubKey == ev.PubKey && old.Kind == ev.Kind {
				if old.CreatedAt > ev.CreatedAt {
					return false
				}
				delete(r.events, id)
			}
		}
	}
	r.events[ev.ID.String()] = ev
	return true
}

func (r *Relay) query(filters []*filter.T) (out []*event.T) {
	r.mx.Lock()
	defer r.mx.Unlock()
	seen := make(map[string]bool)
	for _, f := range filters {
		var matched []*event.T
		for _, ev := range r.events {
			if f.Matches(ev) {
				matched = append(matched, ev)
			}
		}
		sort.Sort(event.Descending(matched))
		if f.Limit > 0 && len(matched) > f.Limit {
			matched = matched[:f.Limit]
		}
		for _, ev := range matched {
			if !seen[ev.ID.String()] {
				seen[ev.ID.String()] = true
				out = append(out, ev)
			}
		}
	}
	return
}

func (r *Relay) broadcast(ev *event.T) {
	r.clients.Range(func(_ string, cl *client) bool {
		cl.subs.Range(func(subID string, filters []*filter.T) bool {
			for _, f := range filters {
				if f.Matches(ev) {
					chk.D(cl.write(&envelopes.Event{SubscriptionID: subID,
						Event: ev}))
					break
				}
			}
			return true
		})
		return true
	})
}

// Inject stores an event as if a client had published it and forwards it to
// matching subscriptions. It reports whether the event was new.
func (r *Relay) Inject(ev *event.T) bool {
	if !r.store(ev) {
		return false
	}
	r.broadcast(ev)
	return true
}

// SendRaw writes a message verbatim to every client.
func (r *Relay) SendRaw(msg string) {
	r.clients.Range(func(_ string, cl *client) bool {
		chk.D(cl.writeRaw([]byte(msg)))
		return true
	})
}

// SendToSubscriptions writes an EVENT carrying raw to every open
// subscription, without storing or checking it.
func (r *Relay) SendToSubscriptions(raw string) {
	r.clients.Range(func(_ string, cl *client) bool {
		cl.subs.Range(func(subID string, _ []*filter.T) bool {
			chk.D(cl.writeRaw([]byte(`["EVENT","` + subID + `",` + raw + `]`)))
			return true
		})
		return true
	})
}

// Notice sends a NOTICE to every client.
func (r *Relay) Notice(text string) {
	r.clients.Range(func(_ string, cl *client) bool {
		chk.D(cl.write(&envelopes.Notice{Text: text}))
		return true
	})
}

// DropAll closes every client connection without a close handshake.
func (r *Relay) DropAll() {
	r.clients.Range(func(_ string, cl *client) bool {
		chk.D(cl.conn.UnderlyingConn().Close())
		return true
	})
}

// Connections currently open.
func (r *Relay) Connections() int { return r.clients.Size() }

// TotalConnections ever accepted.
func (r *Relay) TotalConnections() int64 { return r.total.Load() }

// Events returns the stored events, newest first.
func (r *Relay) Events() (evs []*event.T) {
	r.mx.Lock()
	defer r.mx.Unlock()
	for _, ev := range r.events {
		evs = append(evs, ev)
	}
	sort.Sort(event.Descending(evs))
	return
}

// Get returns a stored event by id.
func (r *Relay) Get(id string) *event.T {
	r.mx.Lock()
	defer r.mx.Unlock()
	return r.events[id]
}

func (r *Relay) Count() int {
	r.mx.Lock()
	defer r.mx.Unlock()
	return len(r.events)
}

// Requests returns every REQ received, in order.
func (r *Relay) Requests() []Request {
	r.mx.Lock()
	defer r.mx.Unlock()
	return append([]Request(nil), r.requests...)
}

// Closes returns the subscription ids of every CLOSE received, in order.
func (r *Relay) Closes() []string {
	r.mx.Lock()
	defer r.mx.Unlock()
	return append([]string(nil), r.closes...)
}

// Authed returns the pubkeys that completed NIP-42 authentication.
func (r *Relay) Authed() []string {
	r.mx.Lock()
	defer r.mx.Unlock()
	return append([]string(nil), r.authed...)
}

// OpenSubscriptions counts subscriptions open across all clients.
func (r *Relay) OpenSubscriptions() (n int) {
	r.clients.Range(func(_ string, cl *client) bool {
		n += cl.subs.Size()
		return true
	})
	return
}
