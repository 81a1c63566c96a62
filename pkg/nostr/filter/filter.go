// Package filter is the query half of a subscription: which authors, kinds and
// referenced events a relay should send, and how many.
//
// A T is a value. New normalizes every set (sorted, deduplicated) so two
// filters built independently from the same inputs are Equal and share a Key,
// which is what lets the subscription registry collapse them into one REQ.
// Correlation is a caller label carried along for logging and is never part
// of equality or the wire form.
//
// Filters are not mutated after they are issued. To change what an open
// subscription asks for, release it and acquire a new filter.
package filter

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"strconv"

	"github.com/Hubmakerlabs/nostrsync/pkg/nostr/event"
	"github.com/Hubmakerlabs/nostrsync/pkg/nostr/kind"
	"github.com/Hubmakerlabs/nostrsync/pkg/nostr/timestamp"
	"github.com/Hubmakerlabs/nostrsync/pkg/slog"
	"github.com/minio/sha256-simd"
	"golang.org/x/exp/slices"
)

var log, chk = slog.New(os.Stderr)

// DefaultLimit bounds relay responses when the caller gives no limit.
const DefaultLimit = 100

type T struct {
	Authors []string
	Kinds   []kind.T
	// Events are referenced event IDs, sent as "#e".
	Events []string
	// PTags are referenced pubkeys, sent as "#p".
	PTags       []string
	Since       *timestamp.T
	Limit       int
	Correlation string
}

type Option func(f *T)

// WithPTags constrains to events tagging any of the given pubkeys.
func WithPTags(keys ...string) Option {
	return func(f *T) { f.PTags = normStrings(keys) }
}

// WithSince narrows to events created at or after ts.
func WithSince(ts timestamp.T) Option {
	return func(f *T) { f.Since = ts.Ptr() }
}

// WithCorrelation attaches a caller label that is ignored by Equal and Key.
func WithCorrelation(label string) Option {
	return func(f *T) { f.Correlation = label }
}

// New builds a normalized filter. A limit of zero or less means DefaultLimit.
func New(authors []string, kinds []kind.T, events []string, limit int,
	opts ...Option) (f *T) {

	if limit <= 0 {
		limit = DefaultLimit
	}
	f = &T{
		Authors: normStrings(authors),
		Kinds:   normKinds(kinds),
		Events:  normStrings(events),
		Limit:   limit,
	}
	for _, o := range opts {
		o(f)
	}
	return
}

func normStrings(in []string) (out []string) {
	if len(in) == 0 {
		return nil
	}
	out = slices.Clone(in)
	slices.Sort(out)
	return slices.Compact(out)
}

func normKinds(in []kind.T) (out []kind.T) {
	if len(in) == 0 {
		return nil
	}
	out = slices.Clone(in)
	slices.Sort(out)
	return slices.Compact(out)
}

// Clone is a deep copy.
func (f *T) Clone() (c *T) {
	c = &T{
		Authors:     slices.Clone(f.Authors),
		Kinds:       slices.Clone(f.Kinds),
		Events:      slices.Clone(f.Events),
		PTags:       slices.Clone(f.PTags),
		Limit:       f.Limit,
		Correlation: f.Correlation,
	}
	if f.Since != nil {
		c.Since = f.Since.Ptr()
	}
	return
}

// Equal compares every constraint, ignoring Correlation.
func Equal(a, b *T) bool {
	if a == nil || b == nil {
		return a == b
	}
	if a.Limit != b.Limit {
		return false
	}
	if (a.Since == nil) != (b.Since == nil) ||
		a.Since != nil && *a.Since != *b.Since {
		return false
	}
	return slices.Equal(a.Authors, b.Authors) &&
		slices.Equal(a.Kinds, b.Kinds) &&
		slices.Equal(a.Events, b.Events) &&
		slices.Equal(a.PTags, b.PTags)
}

// Key is the hex SHA256 of the wire form. Equal filters have equal keys.
func (f *T) Key() string {
	h := sha256.Sum256(f.Serialize())
	return hex.EncodeToString(h[:])
}

// MarshalJSON emits only the non-empty constraints, and always the limit.
func (f *T) MarshalJSON() (b []byte, err error) {
	b = append(b, '{')
	field := func(name string) {
		if len(b) > 1 {
			b = append(b, ',')
		}
		b = strconv.AppendQuote(b, name)
		b = append(b, ':')
	}
	if len(f.Authors) > 0 {
		field("authors")
		b = appendStrings(b, f.Authors)
	}
	if len(f.Kinds) > 0 {
		field("kinds")
		b = append(b, '[')
		for i, k := range f.Kinds {
			if i > 0 {
				b = append(b, ',')
			}
			b = strconv.AppendUint(b, uint64(k), 10)
		}
		b = append(b, ']')
	}
	if len(f.Events) > 0 {
		field("#e")
		b = appendStrings(b, f.Events)
	}
	if len(f.PTags) > 0 {
		field("#p")
		b = appendStrings(b, f.PTags)
	}
	if f.Since != nil {
		field("since")
		b = strconv.AppendInt(b, f.Since.I64(), 10)
	}
	field("limit")
	b = strconv.AppendInt(b, int64(f.Limit), 10)
	b = append(b, '}')
	return
}

// appendStrings is only used for hex keys and ids, which need no escaping
// beyond what strconv gives for printable ASCII.
func appendStrings(b []byte, ss []string) []byte {
	b = append(b, '[')
	for i, s := range ss {
		if i > 0 {
			b = append(b, ',')
		}
		b = strconv.AppendQuote(b, s)
	}
	return append(b, ']')
}

func (f *T) Serialize() []byte {
	b, _ := f.MarshalJSON()
	return b
}

func (f *T) String() string {
	if f.Correlation != "" {
		return f.Correlation + ":" + string(f.Serialize())
	}
	return string(f.Serialize())
}

type wireFilter struct {
	IDs     []string     `json:"ids"`
	Authors []string     `json:"authors"`
	Kinds   []kind.T     `json:"kinds"`
	Events  []string     `json:"#e"`
	PTags   []string     `json:"#p"`
	Since   *timestamp.T `json:"since"`
	Until   *timestamp.T `json:"until"`
	Limit   int          `json:"limit"`
}

// UnmarshalJSON reads a filter from the wire. Sets are normalized but the
// limit is kept as sent, zero meaning none was given. Fields this client does
// not issue (ids, until) are accepted and dropped.
func (f *T) UnmarshalJSON(b []byte) (err error) {
	if f == nil {
		return fmt.Errorf("cannot unmarshal into nil filter")
	}
	var w wireFilter
	if err = json.Unmarshal(b, &w); chk.D(err) {
		return
	}
	if len(w.IDs) > 0 || w.Until != nil {
		log.T.Ln("ignoring ids/until in filter", string(b))
	}
	*f = T{
		Authors: normStrings(w.Authors),
		Kinds:   normKinds(w.Kinds),
		Events:  normStrings(w.Events),
		PTags:   normStrings(w.PTags),
		Since:   w.Since,
		Limit:   w.Limit,
	}
	return
}

// Matches reports whether an event satisfies every constraint. The limit is
// not considered, it bounds the stored backlog a relay sends and not the
// stream.
func (f *T) Matches(ev *event.T) bool {
	if ev == nil {
		return false
	}
	if len(f.Authors) > 0 && !slices.Contains(f.Authors, ev.PubKey) {
		return false
	}
	if len(f.Kinds) > 0 && !slices.Contains(f.Kinds, ev.Kind) {
		return false
	}
	if len(f.Events) > 0 && !ev.Tags.ContainsAny("e", f.Events...) {
		return false
	}
	if len(f.PTags) > 0 && !ev.Tags.ContainsAny("p", f.PTags...) {
		return false
	}
	if f.Since != nil && ev.CreatedAt < *f.Since {
		return false
	}
	return true
}
