// Package interrupt runs shutdown handlers once, on SIGINT, SIGTERM or a
// programmatic Request, in the reverse order they were added.
package interrupt

import (
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"sync"
	"sync/atomic"
	"syscall"

	"github.com/Hubmakerlabs/nostrsync/pkg/context"
	"github.com/Hubmakerlabs/nostrsync/pkg/slog"
)

var log, chk = slog.New(os.Stderr)

type HandlerWithSource struct {
	Source string
	Fn     func()
}

var (
	requested atomic.Bool

	// signals is the list of signals that cause the interrupt
	signals = []os.Signal{os.Interrupt, syscall.SIGTERM}

	mx       sync.Mutex
	started  bool
	handlers []HandlerWithSource
	request  = make(chan struct{})
	once     sync.Once

	// HandlersDone is closed after all interrupt handlers have run.
	HandlersDone = make(chan struct{})
)

func start() {
	if started {
		return
	}
	started = true
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, signals...)
	go listener(ch)
}

func listener(ch chan os.Signal) {
	select {
	case sig := <-ch:
		log.D.Ln("received interrupt signal", sig)
	case <-request:
		log.W.Ln("received shutdown request - shutting down...")
	}
	requested.Store(true)
	signal.Stop(ch)
	mx.Lock()
	hs := handlers
	handlers = nil
	mx.Unlock()
	log.D.Ln("running interrupt callbacks", len(hs))
	for i := len(hs) - 1; i >= 0; i-- {
		log.D.Ln("running callback", i, hs[i].Source)
		hs[i].Fn()
	}
	log.D.Ln("interrupt handlers finished")
	close(HandlersDone)
}

// AddHandler adds a handler to call when an interrupt arrives.
func AddHandler(handler func()) {
	_, loc, line, _ := runtime.Caller(1)
	msg := fmt.Sprintf("%s:%d", loc, line)
	log.T.Ln("handler added by:", msg)
	mx.Lock()
	defer mx.Unlock()
	start()
	handlers = append(handlers, HandlerWithSource{msg, handler})
}

// Context returns a context that is cancelled when an interrupt arrives,
// before any handler runs.
func Context(parent context.T) (c context.T, cancel context.F) {
	c, cancel = context.Cancel(parent)
	mx.Lock()
	defer mx.Unlock()
	start()
	handlers = append(handlers, HandlerWithSource{"context", cancel})
	return
}

// Request programmatically requests a shutdown.
func Request() {
	_, f, l, _ := runtime.Caller(1)
	log.D.Ln("interrupt requested", f, l, requested.Load())
	mx.Lock()
	start()
	mx.Unlock()
	once.Do(func() { close(request) })
}

// Requested returns true if an interrupt has been requested.
func Requested() bool { return requested.Load() }

// GoroutineDump returns a string with the current goroutine dump in order to
// show what's going on in case of timeout.
func GoroutineDump() string {
	buf := make([]byte, 1<<18)
	n := runtime.Stack(buf, true)
	return string(buf[:n])
}
