// Package diag serves a read only JSON view of a running client: relay
// connections and trust, open subscriptions, the follow set, and recent
// relay notices and rejections.
package diag

import (
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/Hubmakerlabs/nostrsync/pkg/context"
	"github.com/Hubmakerlabs/nostrsync/pkg/graph"
	"github.com/Hubmakerlabs/nostrsync/pkg/nostr/pool"
	"github.com/Hubmakerlabs/nostrsync/pkg/nostr/subscription"
	"github.com/Hubmakerlabs/nostrsync/pkg/slog"
	"github.com/rs/cors"
	"github.com/sebest/xff"
)

var log, chk = slog.New(os.Stderr)

const DefaultNotices = 256

const (
	KindNotice   = "notice"
	KindRejected = "rejected"
	KindClosed   = "closed"
)

type Notice struct {
	Time  time.Time `json:"time"`
	Relay string    `json:"relay"`
	Kind  string    `json:"kind"`
	Text  string    `json:"text"`
}

// Notices is a ring buffer of the most recent notices.
type Notices struct {
	mx   sync.Mutex
	buf  []Notice
	next int
	full bool
}

func NewNotices(size int) *Notices {
	if size <= 0 {
		size = DefaultNotices
	}
	return &Notices{buf: make([]Notice, size)}
}

func (n *Notices) Add(relay, kind, text string) {
	n.mx.Lock()
	defer n.mx.Unlock()
	n.buf[n.next] = Notice{Time: time.Now(), Relay: relay, Kind: kind, Text: text}
	n.next++
	if n.next == len(n.buf) {
		n.next, n.full = 0, true
	}
}

// List returns the buffered notices, oldest first.
func (n *Notices) List() (out []Notice) {
	n.mx.Lock()
	defer n.mx.Unlock()
	if n.full {
		out = append(out, n.buf[n.next:]...)
	}
	return append(out, n.buf[:n.next]...)
}

// Source is what the server reports on.
type Source interface {
	Status() []pool.RelayStatus
	Subscriptions() []subscription.Info
	CurrentFollows() ([]*graph.Author, error)
}

type Server struct {
	src     Source
	notices *Notices
	mux     *http.ServeMux
	srv     *http.Server
}

func New(src Source, notices *Notices) (s *Server) {
	s = &Server{src: src, notices: notices, mux: http.NewServeMux()}
	s.mux.HandleFunc("/relays", s.relays)
	s.mux.HandleFunc("/subscriptions", s.subscriptions)
	s.mux.HandleFunc("/follows", s.follows)
	s.mux.HandleFunc("/notices", s.listNotices)
	return
}

// Handler is the mux with CORS open to any origin.
func (s *Server) Handler() http.Handler {
	return cors.AllowAll().Handler(s)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "read only", http.StatusMethodNotAllowed)
		return
	}
	log.T.Ln("diag request", r.URL.Path, "from", xff.GetRemoteAddr(r))
	s.mux.ServeHTTP(w, r)
}

func (s *Server) relays(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.src.Status())
}

func (s *Server) subscriptions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.src.Subscriptions())
}

func (s *Server) follows(w http.ResponseWriter, r *http.Request) {
	authors, err := s.src.CurrentFollows()
	if chk.E(err) {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if authors == nil {
		authors = []*graph.Author{}
	}
	writeJSON(w, authors)
}

func (s *Server) listNotices(w http.ResponseWriter, r *http.Request) {
	list := s.notices.List()
	if list == nil {
		list = []Notice{}
	}
	writeJSON(w, list)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	chk.E(enc.Encode(v))
}

// Start listens on addr and serves until c is done. started, if given, is
// closed with the bound address once listening.
func (s *Server) Start(c context.T, addr string, started ...chan string) (err error) {
	var ln net.Listener
	if ln, err = net.Listen("tcp", addr); chk.E(err) {
		return
	}
	s.srv = &http.Server{
		Handler:      s.Handler(),
		WriteTimeout: 2 * time.Second,
		ReadTimeout:  2 * time.Second,
		IdleTimeout:  30 * time.Second,
	}
	log.I.Ln("diagnostics listening on", ln.Addr())
	for _, ch := range started {
		ch <- ln.Addr().String()
		close(ch)
	}
	go func() {
		<-c.Done()
		sc, cancel := context.Timeout(context.Bg(), time.Second)
		defer cancel()
		chk.E(s.srv.Shutdown(sc))
	}()
	if err = s.srv.Serve(ln); errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return
}
