// Command fakerelay serves the in-process test relay on a real port, for
// trying nostrsync against something local and predictable.
package main

import (
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/Hubmakerlabs/nostrsync/pkg/context"
	"github.com/Hubmakerlabs/nostrsync/pkg/interrupt"
	"github.com/Hubmakerlabs/nostrsync/pkg/nostr/event"
	"github.com/Hubmakerlabs/nostrsync/pkg/nostr/kind"
	"github.com/Hubmakerlabs/nostrsync/pkg/relaytest"
	"github.com/Hubmakerlabs/nostrsync/pkg/slog"
	"github.com/alexflint/go-arg"
	"github.com/rs/cors"
)

var log, chk = slog.New(os.Stderr)

type Config struct {
	Listen        string `arg:"-l,--listen" default:"127.0.0.1:7447" help:"address to listen on"`
	Reject        []int  `arg:"-r,--reject,separate" help:"event kind to refuse (repeatable)"`
	AuthChallenge string `arg:"-a,--auth" help:"send this NIP-42 challenge to every client"`
	MaxMessage    int64  `arg:"--max-message" default:"512000" help:"largest inbound message in bytes"`
	LogLevel      string `arg:"--loglevel" default:"info" help:"log level [off,fatal,error,warn,info,debug,trace]"`
}

func (Config) Description() string {
	return "a throwaway nostr relay that keeps events in memory"
}

var args Config

func main() {
	arg.MustParse(&args)
	slog.SetLogLevelString(args.LogLevel)
	relay := relaytest.New(relaytest.Options{
		Reject:         rejectKinds(args.Reject),
		AuthChallenge:  args.AuthChallenge,
		MaxMessageSize: args.MaxMessage,
	})
	srv := &http.Server{
		Addr:              args.Listen,
		Handler:           cors.AllowAll().Handler(relay),
		ReadHeaderTimeout: 5 * time.Second,
	}
	c, cancel := interrupt.Context(context.Bg())
	defer cancel()
	go func() {
		<-c.Done()
		sc, scancel := context.Timeout(context.Bg(), 2*time.Second)
		defer scancel()
		relay.DropAll()
		chk.E(srv.Shutdown(sc))
	}()
	log.I.F("listening on ws://%s", args.Listen)
	if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		log.F.Ln(err)
		os.Exit(1)
	}
	log.I.F("stopped with %d events stored", relay.Count())
}

func rejectKinds(ks []int) relaytest.Reject {
	if len(ks) == 0 {
		return nil
	}
	refused := make(map[kind.T]bool, len(ks))
	for _, k := range ks {
		refused[kind.T(k)] = true
	}
	return func(ev *event.T) (bool, string) {
		if refused[ev.Kind] {
			return true, fmt.Sprintf("blocked: kind %d not accepted here",
				int(ev.Kind))
		}
		return false, ""
	}
}
