// Package relay is one client session with one relay: it dials, keeps the
// connection alive, serializes writes through a queue, hands inbound messages
// to a Handler in the order they arrive, answers NIP-42 challenges, and
// redials with exponential backoff when the connection drops.
package relay

import (
	"bytes"
	"errors"
	"fmt"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Hubmakerlabs/nostrsync/pkg/context"
	"github.com/Hubmakerlabs/nostrsync/pkg/nostr/connection"
	"github.com/Hubmakerlabs/nostrsync/pkg/nostr/envelopes"
	"github.com/Hubmakerlabs/nostrsync/pkg/nostr/event"
	"github.com/Hubmakerlabs/nostrsync/pkg/nostr/keys"
	"github.com/Hubmakerlabs/nostrsync/pkg/nostr/kind"
	"github.com/Hubmakerlabs/nostrsync/pkg/nostr/normalize"
	"github.com/Hubmakerlabs/nostrsync/pkg/nostr/tags"
	"github.com/Hubmakerlabs/nostrsync/pkg/nostr/timestamp"
	"github.com/Hubmakerlabs/nostrsync/pkg/slog"
	"lukechampine.com/frand"
)

var log, chk = slog.New(os.Stderr)

var (
	ErrNotConnected   = errors.New("relay not connected")
	ErrQueueFull      = errors.New("relay write queue full")
	ErrConnectionLost = errors.New("relay connection lost")
)

const (
	DefaultBackoffMin   = time.Second
	DefaultBackoffMax   = 2 * time.Minute
	DefaultPingInterval = 29 * time.Second
	DefaultDialTimeout  = 7 * time.Second
	DefaultQueueSize    = 256
)

// Handler receives everything a relay sends. Calls for one relay come from a
// single goroutine in receipt order, so a slow handler slows that relay's
// reading and nothing else.
type Handler interface {
	// OnConnect runs after each successful dial, before anything is read.
	// Messages enqueued here are the first to be written.
	OnConnect(url string)
	OnDisconnect(url string, err error)
	OnEvent(url, subID string, raw []byte)
	OnEOSE(url, subID string)
	OnOK(url string, ok *envelopes.OK)
	OnNotice(url, text string)
	OnClosed(url, subID, reason string)
}

type Options struct {
	Header http.Header
	// Signer answers AUTH challenges. Without one they are logged and
	// ignored.
	Signer       keys.Signer
	BackoffMin   time.Duration
	BackoffMax   time.Duration
	PingInterval time.Duration
	DialTimeout  time.Duration
	QueueSize    int
}

func (o *Options) defaults() {
	if o.BackoffMin <= 0 {
		o.BackoffMin = DefaultBackoffMin
	}
	if o.BackoffMax < o.BackoffMin {
		o.BackoffMax = DefaultBackoffMax
		if o.BackoffMax < o.BackoffMin {
			o.BackoffMax = o.BackoffMin
		}
	}
	if o.PingInterval <= 0 {
		o.PingInterval = DefaultPingInterval
	}
	if o.DialTimeout <= 0 {
		o.DialTimeout = DefaultDialTimeout
	}
	if o.QueueSize <= 0 {
		o.QueueSize = DefaultQueueSize
	}
}

type T struct {
	url     string
	opts    Options
	handler Handler

	mx sync.Mutex
	// queue belongs to the current connection and is nil between connections
	queue chan []byte
	// control holds REQ, CLOSE and AUTH messages of the current connection.
	// It is unbounded: losing one would leave a subscription unsent or open
	// on the relay while the connection stays up.
	control [][]byte
	wake    chan struct{}
	lastErr error
	authID  string

	connected atomic.Bool
	connects  atomic.Int64
}

func New(url string, h Handler, opts Options) *T {
	opts.defaults()
	return &T{url: normalize.URL(url), handler: h, opts: opts}
}

func (r *T) URL() string      { return r.url }
func (r *T) String() string   { return r.url }
func (r *T) IsConnected() bool { return r.connected.Load() }

// Connects counts successful dials.
func (r *T) Connects() int64 { return r.connects.Load() }

func (r *T) LastError() error {
	r.mx.Lock()
	defer r.mx.Unlock()
	return r.lastErr
}

// Enqueue hands a message to the writer of the current connection without
// blocking.
func (r *T) Enqueue(msg []byte) (err error) {
	r.mx.Lock()
	q := r.queue
	r.mx.Unlock()
	if q == nil {
		return ErrNotConnected
	}
	select {
	case q <- msg:
		return nil
	default:
		return ErrQueueFull
	}
}

// EnqueueControl hands a message to the writer of the current connection
// ahead of queued events. It fails only when there is no connection, in which
// case the next connection starts from a clean slate anyway.
func (r *T) EnqueueControl(msg []byte) (err error) {
	r.mx.Lock()
	defer r.mx.Unlock()
	if r.queue == nil {
		return ErrNotConnected
	}
	r.control = append(r.control, msg)
	select {
	case r.wake <- struct{}{}:
	default:
	}
	return
}

// takeControl empties the control queue.
func (r *T) takeControl() (msgs [][]byte) {
	r.mx.Lock()
	defer r.mx.Unlock()
	msgs, r.control = r.control, nil
	return
}

// Send marshals and enqueues an envelope. Subscription and auth messages go
// to the control queue, everything else to the bounded queue.
func (r *T) Send(env envelopes.I) (err error) {
	var b []byte
	if b, err = env.MarshalJSON(); chk.E(err) {
		return
	}
	switch env.(type) {
	case *envelopes.Req, *envelopes.Close, *envelopes.AuthResponse:
		return r.EnqueueControl(b)
	}
	return r.Enqueue(b)
}

// Run keeps a session open until c is cancelled, redialing after every drop.
func (r *T) Run(c context.T) {
	backoff := r.opts.BackoffMin
	for {
		established, err := r.session(c)
		if c.Err() != nil {
			log.D.F("%s: stopped", r.url)
			return
		}
		r.mx.Lock()
		r.lastErr = err
		r.mx.Unlock()
		if established {
			backoff = r.opts.BackoffMin
		}
		wait := backoff
		if half := int(backoff / 2); half > 0 {
			wait += time.Duration(frand.Intn(half))
		}
		log.I.F("%s: %v; reconnecting in %v", r.url, err, wait)
		select {
		case <-c.Done():
			return
		case <-time.After(wait):
		}
		if !established {
			if backoff *= 2; backoff > r.opts.BackoffMax {
				backoff = r.opts.BackoffMax
			}
		}
	}
}

func (r *T) session(c context.T) (established bool, err error) {
	dc, cancel := context.WithDefaultTimeout(c, r.opts.DialTimeout)
	var conn *connection.C
	conn, err = connection.NewConnection(dc, r.url, r.opts.Header)
	cancel()
	if err != nil {
		return false, fmt.Errorf("dial: %w", err)
	}
	established = true
	r.connects.Add(1)
	sc, stop := context.Cancel(c)
	queue := make(chan []byte, r.opts.QueueSize)
	wake := make(chan struct{}, 1)
	r.mx.Lock()
	r.queue, r.control, r.wake = queue, nil, wake
	r.mx.Unlock()
	r.connected.Store(true)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		r.writeLoop(sc, conn, queue, wake)
	}()
	log.I.F("%s: connected", r.url)
	r.handler.OnConnect(r.url)
	err = r.readLoop(sc, conn)

	r.connected.Store(false)
	r.mx.Lock()
	r.queue, r.control = nil, nil
	r.mx.Unlock()
	stop()
	wg.Wait()
	r.handler.OnDisconnect(r.url, err)
	return established, fmt.Errorf("%w: %v", ErrConnectionLost, err)
}

// writeLoop is the only writer on conn. It closes conn on exit, which also
// unblocks the reader.
func (r *T) writeLoop(c context.T, conn *connection.C, queue chan []byte,
	wake chan struct{}) {

	ticker := time.NewTicker(r.opts.PingInterval)
	defer ticker.Stop()
	defer func() { chk.D(conn.Close()) }()
	for {
		// control messages always go out before the next event
		for _, msg := range r.takeControl() {
			log.T.F("%s: sending %s", r.url, msg)
			if err := conn.WriteMessage(msg); err != nil {
				log.D.F("%s: write failed: %v", r.url, err)
				return
			}
		}
		select {
		case <-wake:
		case <-c.Done():
			return
		case <-ticker.C:
			if err := conn.Ping(); err != nil {
				log.D.F("%s: error writing ping: %v; closing websocket", r.url,
					err)
				return
			}
		case msg := <-queue:
			log.T.F("%s: sending %s", r.url, msg)
			if err := conn.WriteMessage(msg); err != nil {
				log.D.F("%s: write failed: %v", r.url, err)
				return
			}
		}
	}
}

func (r *T) readLoop(c context.T, conn *connection.C) (err error) {
	buf := new(bytes.Buffer)
	for {
		buf.Reset()
		if err = conn.ReadMessage(c, buf); err != nil {
			return
		}
		message := buf.Bytes()
		var env envelopes.I
		if env, err = envelopes.ParseRelayMessage(message); err != nil {
			log.D.F("%s: %v: %s", r.url, err, truncate(message))
			err = nil
			continue
		}
		switch e := env.(type) {
		case *envelopes.Event:
			// the buffer is reused for the next message
			r.handler.OnEvent(r.url, e.SubscriptionID,
				append([]byte(nil), e.Raw...))
		case *envelopes.EOSE:
			r.handler.OnEOSE(r.url, e.SubscriptionID)
		case *envelopes.OK:
			r.mx.Lock()
			isAuth := e.EventID != "" && e.EventID == r.authID
			r.mx.Unlock()
			if isAuth {
				log.I.F("%s: auth accepted=%v %s", r.url, e.OK, e.Reason)
				continue
			}
			r.handler.OnOK(r.url, e)
		case *envelopes.Notice:
			r.handler.OnNotice(r.url, e.Text)
		case *envelopes.Closed:
			r.handler.OnClosed(r.url, e.SubscriptionID, e.Reason)
		case *envelopes.AuthChallenge:
			chk.D(r.authenticate(e.Challenge))
		}
	}
}

// authenticate answers a NIP-42 challenge with a signed kind 22242 event.
func (r *T) authenticate(challenge string) (err error) {
	if r.opts.Signer == nil {
		log.D.F("%s: auth challenge ignored, no signer", r.url)
		return
	}
	ev := &event.T{
		CreatedAt: timestamp.Now(),
		Kind:      kind.ClientAuthentication,
		Tags:      tags.T{{"relay", r.url}, {"challenge", challenge}},
	}
	if err = ev.Sign(r.opts.Signer); err != nil {
		return
	}
	r.mx.Lock()
	r.authID = ev.ID.String()
	r.mx.Unlock()
	log.D.F("%s: answering auth challenge", r.url)
	return r.Send(&envelopes.AuthResponse{Event: ev})
}

func truncate(b []byte) string {
	if len(b) > 256 {
		return string(b[:256]) + "..."
	}
	return string(b)
}
