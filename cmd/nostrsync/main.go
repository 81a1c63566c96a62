// Command nostrsync is a command line nostr client built on the sync engine:
// it keeps a local graph of events and follows in step with a set of relays.
package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/Hubmakerlabs/nostrsync/pkg/config"
	"github.com/Hubmakerlabs/nostrsync/pkg/context"
	"github.com/Hubmakerlabs/nostrsync/pkg/diag"
	"github.com/Hubmakerlabs/nostrsync/pkg/graph"
	"github.com/Hubmakerlabs/nostrsync/pkg/graph/badger"
	"github.com/Hubmakerlabs/nostrsync/pkg/graph/memory"
	"github.com/Hubmakerlabs/nostrsync/pkg/keystore"
	"github.com/Hubmakerlabs/nostrsync/pkg/nostr/keys"
	"github.com/Hubmakerlabs/nostrsync/pkg/nostr/pool"
	"github.com/Hubmakerlabs/nostrsync/pkg/nostr/relay"
	"github.com/Hubmakerlabs/nostrsync/pkg/session"
	"github.com/Hubmakerlabs/nostrsync/pkg/slog"
	"github.com/nbd-wtf/go-nostr/nip19"
	"github.com/urfave/cli/v2"
	"golang.org/x/term"
)

var log, chk = slog.New(os.Stderr)

const PassphraseEnv = "NOSTRSYNC_PASSPHRASE"

var app = &cli.App{
	Name:  "nostrsync",
	Usage: "keep a local nostr graph in sync with your relays",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:    "config",
			Aliases: []string{"c"},
			Usage:   "configuration file",
			Value:   defaultConfigPath(),
		},
		&cli.StringSliceFlag{
			Name:    "relay",
			Aliases: []string{"r"},
			Usage:   "relay to use instead of the configured ones (repeatable)",
		},
		&cli.StringFlag{
			Name:  "loglevel",
			Usage: "log level [off,fatal,error,warn,info,debug,trace]",
		},
		&cli.BoolFlag{
			Name:  "memory",
			Usage: "keep the graph in memory instead of the data directory",
		},
		&cli.DurationFlag{
			Name:  "timeout",
			Usage: "how long to wait for relays",
			Value: 10 * time.Second,
		},
	},
	Before: func(cx *cli.Context) (err error) {
		var cfg *config.Config
		if cfg, err = config.Load(cx.String("config")); err != nil {
			return
		}
		if rs := cx.StringSlice("relay"); len(rs) > 0 {
			cfg.Relays = rs
		}
		if cx.Bool("memory") {
			cfg.Store = config.StoreMemory
		}
		if l := cx.String("loglevel"); l != "" {
			cfg.LogLevel = l
		}
		if err = cfg.Validate(); err != nil {
			return
		}
		if os.Getenv(slog.LevelEnv) == "" {
			slog.SetLogLevelString(cfg.LogLevel)
		}
		cx.App.Metadata = map[string]any{"config": cfg}
		return
	},
	Commands: []*cli.Command{
		initCmd,
		keygenCmd,
		whoamiCmd,
		followCmd,
		unfollowCmd,
		followsCmd,
		postCmd,
		streamCmd,
		runCmd,
	},
}

func main() {
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func defaultConfigPath() string {
	return filepath.Join(config.Default().DataDir, "nostrsync.toml")
}

func cfgOf(cx *cli.Context) *config.Config {
	return cx.App.Metadata["config"].(*config.Config)
}

// passphrase reads the key file passphrase from the environment, or prompts
// on the terminal.
func passphrase() (string, error) {
	if p := os.Getenv(PassphraseEnv); p != "" {
		return p, nil
	}
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return "", fmt.Errorf("%w: set %s or run in a terminal",
			keys.ErrKeyUnavailable, PassphraseEnv)
	}
	fmt.Fprint(os.Stderr, "key passphrase: ")
	b, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func keyFile(cfg *config.Config) *keystore.File {
	return keystore.NewFile(cfg.KeyPath(), passphrase)
}

func openStore(cfg *config.Config) (graph.Store, error) {
	if cfg.Store == config.StoreMemory {
		return memory.New(), nil
	}
	return badger.Open(cfg.StorePath())
}

// openSession starts a session with the configured relays and waits, up to
// the timeout, for the user's own events to be synced.
func openSession(cx *cli.Context, notices *diag.Notices) (s *session.T, err error) {
	cfg := cfgOf(cx)
	ks := keyFile(cfg)
	if !ks.Exists() {
		return nil, fmt.Errorf("no key at %s, run nostrsync keygen first",
			cfg.KeyPath())
	}
	var store graph.Store
	if store, err = openStore(cfg); err != nil {
		return
	}
	if s, err = session.Open(cx.Context, session.Options{
		Keys:    ks,
		Store:   store,
		Relays:  cfg.Relays,
		Notices: notices,
		Pool: []pool.Option{
			pool.WithPublishTimeout(cfg.PublishTimeout.Duration),
			pool.WithMinAccepts(cfg.MinAccepts),
			pool.WithRelayOptions(relay.Options{
				BackoffMin: cfg.BackoffMin.Duration,
				BackoffMax: cfg.BackoffMax.Duration,
			}),
		},
	}); err != nil {
		return
	}
	c, cancel := context.Timeout(cx.Context, cx.Duration("timeout"))
	defer cancel()
	switch err = s.Synced(c); {
	case errors.Is(err, context.Deadline):
		log.W.Ln("relays did not finish sending stored events, continuing")
		err = nil
	case err != nil:
		s.Close()
		s = nil
	}
	return
}

// parseKey accepts a hex public key or an npub.
func parseKey(s string) (string, error) {
	s = strings.TrimSpace(s)
	if keys.IsPubKey(s) {
		return s, nil
	}
	prefix, v, err := nip19.Decode(s)
	if err != nil {
		return "", fmt.Errorf("%w: %q is neither hex nor npub", keys.ErrInvalidKey, s)
	}
	if prefix != "npub" {
		return "", fmt.Errorf("%w: expected npub, got %s", keys.ErrInvalidKey, prefix)
	}
	return v.(string), nil
}

func npub(hex string) string {
	n, err := nip19.EncodePublicKey(hex)
	if chk.E(err) {
		return hex
	}
	return n
}
