package main

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/Hubmakerlabs/nostrsync/pkg/diag"
	"github.com/Hubmakerlabs/nostrsync/pkg/follows"
	"github.com/Hubmakerlabs/nostrsync/pkg/graph"
	"github.com/Hubmakerlabs/nostrsync/pkg/interrupt"
	"github.com/Hubmakerlabs/nostrsync/pkg/keystore"
	"github.com/Hubmakerlabs/nostrsync/pkg/nostr/event"
	"github.com/Hubmakerlabs/nostrsync/pkg/nostr/filter"
	"github.com/Hubmakerlabs/nostrsync/pkg/nostr/keys"
	"github.com/Hubmakerlabs/nostrsync/pkg/nostr/kind"
	"github.com/Hubmakerlabs/nostrsync/pkg/nostr/pool"
	"github.com/Hubmakerlabs/nostrsync/pkg/nostr/tags"
	"github.com/mdp/qrterminal/v3"
	"github.com/nbd-wtf/go-nostr/nip19"
	"github.com/urfave/cli/v2"
)

var initCmd = &cli.Command{
	Name:  "init",
	Usage: "write the current configuration to the config file",
	Action: func(cx *cli.Context) error {
		path := cx.String("config")
		if err := cfgOf(cx).Save(path); err != nil {
			return err
		}
		fmt.Println("wrote", path)
		return nil
	},
}

var keygenCmd = &cli.Command{
	Name:  "keygen",
	Usage: "generate a key, or import one with --nsec, and save it encrypted",
	Flags: []cli.Flag{
		&cli.BoolFlag{Name: "force", Usage: "overwrite an existing key file"},
		&cli.StringFlag{Name: "nsec", Usage: "import this secret key (nsec or hex)"},
		&cli.BoolFlag{Name: "show", Usage: "print the nsec after saving"},
	},
	Action: func(cx *cli.Context) (err error) {
		ks := keyFile(cfgOf(cx))
		if ks.Exists() && !cx.Bool("force") {
			return fmt.Errorf("key file %s exists, use --force to replace it",
				ks.Path)
		}
		var kp *keys.KeyPair
		if sk := cx.String("nsec"); sk != "" {
			if kp, err = parseSecret(sk); err != nil {
				return
			}
		} else {
			kp = keys.Generate()
		}
		defer kp.Zero()
		var secret []byte
		if secret, err = kp.Secret(); err != nil {
			return
		}
		if err = ks.Save(secret); err != nil {
			return
		}
		fmt.Println(npub(kp.PubKey()))
		if cx.Bool("show") {
			var nsec string
			if nsec, err = nip19.EncodePrivateKey(hex.EncodeToString(secret)); err != nil {
				return
			}
			fmt.Println(nsec)
		}
		return
	},
}

func parseSecret(s string) (kp *keys.KeyPair, err error) {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "nsec") {
		var v any
		if _, v, err = nip19.Decode(s); err != nil {
			return nil, fmt.Errorf("%w: %v", keys.ErrInvalidKey, err)
		}
		s = v.(string)
	}
	return keys.NewFromHex(s)
}

var whoamiCmd = &cli.Command{
	Name:  "whoami",
	Usage: "print the public key, with a QR code of the npub",
	Flags: []cli.Flag{
		&cli.BoolFlag{Name: "qr", Value: true, Usage: "print a QR code"},
	},
	Action: func(cx *cli.Context) (err error) {
		var kp *keys.KeyPair
		var secret []byte
		if secret, err = keyFile(cfgOf(cx)).Load(); errors.Is(err, keystore.ErrNoKey) {
			return fmt.Errorf("no key yet, run nostrsync keygen first")
		} else if err != nil {
			return
		}
		if kp, err = keys.New(secret); err != nil {
			return
		}
		kp.Zero()
		n := npub(kp.PubKey())
		fmt.Println(kp.PubKey())
		fmt.Println(n)
		if cx.Bool("qr") {
			qrterminal.GenerateWithConfig("nostr:"+n, qrterminal.Config{
				Level:     qrterminal.L,
				Writer:    os.Stdout,
				WhiteChar: qrterminal.WHITE,
				BlackChar: qrterminal.BLACK,
				QuietZone: 2,
			})
		}
		return
	},
}

func printReport(cx *cli.Context, pub *pool.Publication) (err error) {
	if pub == nil {
		fmt.Println("nothing to publish")
		return
	}
	var rep pool.Report
	rep, err = pub.Wait(cx.Context)
	for _, r := range rep.Results {
		switch {
		case r.Accepted:
			fmt.Printf("%s: accepted\n", r.Relay)
		case r.Err != nil:
			fmt.Printf("%s: %v\n", r.Relay, r.Err)
		default:
			fmt.Printf("%s: rejected: %s\n", r.Relay, r.Reason)
		}
	}
	fmt.Printf("%s accepted by %d of %d relays\n", rep.EventID, rep.Accepted,
		len(rep.Results))
	return
}

var followCmd = &cli.Command{
	Name:      "follow",
	Usage:     "follow an author and publish the new contact list",
	ArgsUsage: "<npub or hex>",
	Flags: []cli.Flag{
		&cli.StringFlag{Name: "relay-hint", Usage: "relay where the author can be found"},
		&cli.StringFlag{Name: "petname", Usage: "local name for the author"},
	},
	Action: func(cx *cli.Context) (err error) {
		var key string
		if key, err = parseKey(cx.Args().First()); err != nil {
			return
		}
		s, err := openSession(cx, nil)
		if err != nil {
			return
		}
		defer s.Close()
		var opts []follows.Option
		if h := cx.String("relay-hint"); h != "" {
			opts = append(opts, follows.WithRelay(h))
		}
		if p := cx.String("petname"); p != "" {
			opts = append(opts, follows.WithPetName(p))
		}
		var pub *pool.Publication
		if pub, err = s.Follow(cx.Context, key, opts...); err != nil {
			return
		}
		return printReport(cx, pub)
	},
}

var unfollowCmd = &cli.Command{
	Name:      "unfollow",
	Usage:     "unfollow an author and publish the new contact list",
	ArgsUsage: "<npub or hex>",
	Action: func(cx *cli.Context) (err error) {
		var key string
		if key, err = parseKey(cx.Args().First()); err != nil {
			return
		}
		s, err := openSession(cx, nil)
		if err != nil {
			return
		}
		defer s.Close()
		var pub *pool.Publication
		if pub, err = s.Unfollow(cx.Context, key); err != nil {
			return
		}
		return printReport(cx, pub)
	},
}

var followsCmd = &cli.Command{
	Name:  "follows",
	Usage: "list the authors you follow",
	Flags: []cli.Flag{
		&cli.BoolFlag{Name: "json", Usage: "print as JSON"},
	},
	Action: func(cx *cli.Context) (err error) {
		s, err := openSession(cx, nil)
		if err != nil {
			return
		}
		defer s.Close()
		authors, err := s.CurrentFollows()
		if err != nil {
			return
		}
		if cx.Bool("json") {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(authors)
		}
		for _, a := range authors {
			name := a.DisplayName
			if name == "" {
				name = a.Name
			}
			fmt.Printf("%s %s\n", npub(a.PubKey), name)
		}
		return
	},
}

var postCmd = &cli.Command{
	Name:      "post",
	Usage:     "publish a text note",
	ArgsUsage: "<text>",
	Flags: []cli.Flag{
		&cli.StringSliceFlag{Name: "tag", Aliases: []string{"t"},
			Usage: "hashtag to add (repeatable)"},
	},
	Action: func(cx *cli.Context) (err error) {
		text := strings.Join(cx.Args().Slice(), " ")
		if text == "" {
			return fmt.Errorf("nothing to post")
		}
		s, err := openSession(cx, nil)
		if err != nil {
			return
		}
		defer s.Close()
		ev := &event.T{Kind: kind.TextNote, Content: text, Tags: tags.T{}}
		for _, t := range cx.StringSlice("tag") {
			ev.Tags = append(ev.Tags, []string{"t", strings.TrimPrefix(t, "#")})
		}
		var pub *pool.Publication
		if pub, err = s.Publish(cx.Context, ev); err != nil {
			return
		}
		return printReport(cx, pub)
	},
}

var streamCmd = &cli.Command{
	Name:  "stream",
	Usage: "print text notes by the authors you follow as they arrive",
	Flags: []cli.Flag{
		&cli.IntFlag{Name: "limit", Value: 20, Usage: "stored notes to fetch first"},
	},
	Action: func(cx *cli.Context) (err error) {
		c, cancel := interrupt.Context(cx.Context)
		defer cancel()
		cx.Context = c
		s, err := openSession(cx, nil)
		if err != nil {
			return
		}
		defer s.Close()
		authors, err := s.CurrentFollows()
		if err != nil {
			return
		}
		if len(authors) == 0 {
			return fmt.Errorf("you follow nobody yet")
		}
		pubs := make([]string, len(authors))
		names := make(map[string]string)
		for i, a := range authors {
			pubs[i] = a.PubKey
			names[a.PubKey] = a.Name
		}
		notes := make(chan *event.T, 64)
		s.Processor().OnStored(func(r *graph.Record) {
			if r.Event == nil || r.Event.Kind != kind.TextNote ||
				!s.IsFollowing(r.Event.PubKey) {
				return
			}
			select {
			case notes <- r.Event:
			default:
				log.W.Ln("dropping note, printing too slow")
			}
		})
		h, err := s.RequestEvents(filter.New(pubs, []kind.T{kind.TextNote}, nil,
			cx.Int("limit")))
		if err != nil {
			return
		}
		defer s.Cancel(h)
		for {
			select {
			case <-c.Done():
				return nil
			case ev := <-notes:
				printNote(ev, names[ev.PubKey])
			}
		}
	},
}

func printNote(ev *event.T, name string) {
	if name == "" {
		name = npub(ev.PubKey)[:16]
	}
	fmt.Printf("%s %s\n  %s\n", ev.CreatedAt.Time().Format("2006-01-02 15:04"),
		name, strings.ReplaceAll(ev.Content, "\n", "\n  "))
}

var runCmd = &cli.Command{
	Name:  "run",
	Usage: "stay connected and keep the local graph in sync",
	Flags: []cli.Flag{
		&cli.StringFlag{Name: "diag", Usage: "diagnostics listen address"},
	},
	Action: func(cx *cli.Context) (err error) {
		cfg := cfgOf(cx)
		c, cancel := interrupt.Context(cx.Context)
		defer cancel()
		cx.Context = c
		notices := diag.NewNotices(diag.DefaultNotices)
		s, err := openSession(cx, notices)
		if err != nil {
			return
		}
		defer s.Close()
		authors, err := s.CurrentFollows()
		if err != nil {
			return
		}
		var pubs []string
		for _, a := range authors {
			pubs = append(pubs, a.PubKey)
		}
		if len(pubs) > 0 {
			h, err := s.RequestEvents(filter.New(pubs,
				[]kind.T{kind.ProfileMetadata, kind.TextNote, kind.ContactList,
					kind.Deletion, kind.Repost, kind.Reaction}, nil, 0))
			if err != nil {
				return err
			}
			defer s.Cancel(h)
		}
		addr := cx.String("diag")
		if addr == "" {
			addr = cfg.DiagListen
		}
		if addr != "" {
			go func() { chk.E(diag.New(s, notices).Start(c, addr)) }()
		}
		log.I.Ln("syncing", len(pubs), "follows from", len(cfg.Relays),
			"relays, interrupt to stop")
		<-c.Done()
		return nil
	},
}
