package event

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"

	"github.com/Hubmakerlabs/nostrsync/pkg/nostr/eventid"
	"github.com/Hubmakerlabs/nostrsync/pkg/nostr/keys"
	"github.com/Hubmakerlabs/nostrsync/pkg/nostr/kind"
	"github.com/Hubmakerlabs/nostrsync/pkg/nostr/tags"
	"github.com/Hubmakerlabs/nostrsync/pkg/nostr/timestamp"
	"github.com/Hubmakerlabs/nostrsync/pkg/nostr/wire/text"
	"github.com/Hubmakerlabs/nostrsync/pkg/slog"
	"github.com/minio/sha256-simd"
)

var log, chk = slog.New(os.Stderr)

var (
	// ErrMalformedPayload is an event that does not decode or is missing
	// required fields.
	ErrMalformedPayload = errors.New("malformed event payload")
	// ErrIdentifierMismatch is an event whose id is not the hash of its
	// canonical form.
	ErrIdentifierMismatch = errors.New("event id does not match content")
	// ErrSignatureInvalid is an event whose signature does not verify
	// against its pubkey.
	ErrSignatureInvalid = errors.New("event signature invalid")
)

// Hash is the SHA256 of the input.
func Hash(in []byte) (out [32]byte) { return sha256.Sum256(in) }

// T is the primary datatype of nostr. This is the form of the structure
// that defines its JSON string based format.
type T struct {

	// ID is the SHA256 hash of the canonical encoding of the event
	ID eventid.T `json:"id"`

	// PubKey is the public key of the event creator in *hexadecimal* format
	PubKey string `json:"pubkey"`

	// CreatedAt is the UNIX timestamp of the event according to the event
	// creator (never trust a timestamp!)
	CreatedAt timestamp.T `json:"created_at"`

	// Kind is the nostr protocol code for the type of event. See kind.T
	Kind kind.T `json:"kind"`

	// Tags are a list of tags, which are a list of strings usually structured
	// as a 3 layer scheme indicating specific features of an event.
	Tags tags.T `json:"tags"`

	// Content is an arbitrary string that can contain anything, but usually
	// conforming to a specification relating to the Kind and the Tags.
	Content string `json:"content"`

	// Sig is the signature on the ID hash that validates as coming from the
	// Pubkey.
	Sig string `json:"sig"`
}

// Ascending is a slice of events that sorts in ascending chronological order
type Ascending []*T

func (ev Ascending) Len() int           { return len(ev) }
func (ev Ascending) Less(i, j int) bool { return ev[i].CreatedAt < ev[j].CreatedAt }
func (ev Ascending) Swap(i, j int)      { ev[i], ev[j] = ev[j], ev[i] }

// Descending sorts a slice of events in reverse chronological order (newest
// first)
type Descending []*T

func (e Descending) Len() int           { return len(e) }
func (e Descending) Less(i, j int) bool { return e[i].CreatedAt > e[j].CreatedAt }

func (e Descending) Swap(i, j int) { e[i], e[j] = e[j], e[i] }

// Canonical renders the array whose hash is the event ID:
//
//	[0,"<pubkey>",<created_at>,<kind>,<tags>,"<content>"]
//
// with no whitespace. Strings that are not valid UTF-8 fail with
// text.ErrEncoding.
func Canonical(pubKey string, createdAt timestamp.T, k kind.T, t tags.T,
	content string) (b []byte, err error) {

	b = make([]byte, 0, 128+len(content))
	b = append(b, `[0,`...)
	if b, err = text.AppendQuoted(b, pubKey); err != nil {
		return nil, err
	}
	b = append(b, ',')
	b = strconv.AppendInt(b, createdAt.I64(), 10)
	b = append(b, ',')
	b = strconv.AppendUint(b, uint64(k), 10)
	b = append(b, ',')
	if b, err = appendTags(b, t); err != nil {
		return nil, err
	}
	b = append(b, ',')
	if b, err = text.AppendQuoted(b, content); err != nil {
		return nil, err
	}
	b = append(b, ']')
	return
}

func appendTags(b []byte, t tags.T) (_ []byte, err error) {
	b = append(b, '[')
	for i, tg := range t {
		if i > 0 {
			b = append(b, ',')
		}
		b = append(b, '[')
		for j, s := range tg {
			if j > 0 {
				b = append(b, ',')
			}
			if b, err = text.AppendQuoted(b, s); err != nil {
				return nil, err
			}
		}
		b = append(b, ']')
	}
	return append(b, ']'), nil
}

// ToCanonical is Canonical over the fields of the event.
func (ev *T) ToCanonical() ([]byte, error) {
	return Canonical(ev.PubKey, ev.CreatedAt, ev.Kind, ev.Tags, ev.Content)
}

// GetIDBytes returns the raw SHA256 hash of the canonical form of an T.
func (ev *T) GetIDBytes() (id []byte, err error) {
	var canonical []byte
	if canonical, err = ev.ToCanonical(); err != nil {
		return
	}
	h := Hash(canonical)
	return h[:], nil
}

// GetID serializes and returns the event ID as a hexadecimal string.
func (ev *T) GetID() (eid eventid.T, err error) {
	var id []byte
	if id, err = ev.GetIDBytes(); err != nil {
		return
	}
	return eventid.T(hex.EncodeToString(id)), nil
}

// Sign sets the pubkey of the event to that of the signer, then fills in the
// ID and signature.
func (ev *T) Sign(s keys.Signer) (err error) {
	ev.PubKey = s.PubKey()
	var id, sig []byte
	if id, err = ev.GetIDBytes(); chk.D(err) {
		return
	}
	if sig, err = s.SignHash(id); err != nil {
		return
	}
	ev.ID = eventid.T(hex.EncodeToString(id))
	ev.Sig = hex.EncodeToString(sig)
	log.T.F("signed %s kind %s", ev.ID.Short(), ev.Kind)
	return
}

// CheckSignature checks if the signature is valid for the id (which is a hash
// of the serialized event content). returns an error if the pubkey is
// invalid.
func (ev *T) CheckSignature() (valid bool, err error) {
	var id []byte
	if id, err = ev.GetIDBytes(); err != nil {
		return
	}
	var sig []byte
	if sig, err = hex.DecodeString(ev.Sig); err != nil {
		return false, nil
	}
	return keys.Verify(id, sig, ev.PubKey)
}

// Verify checks that the ID is the hash of the content and the signature
// verifies against the pubkey, in that order.
func (ev *T) Verify() (err error) {
	var id eventid.T
	if id, err = ev.GetID(); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if id != ev.ID {
		return fmt.Errorf("%w: got %s computed %s", ErrIdentifierMismatch,
			ev.ID.Short(), id.Short())
	}
	var valid bool
	if valid, err = ev.CheckSignature(); err != nil {
		return fmt.Errorf("%w: %v", ErrSignatureInvalid, err)
	}
	if !valid {
		return fmt.Errorf("%w: %s", ErrSignatureInvalid, ev.ID.Short())
	}
	return
}

// Parse decodes a wire event and verifies it. Anything returned without error
// is safe to store.
func Parse(raw []byte) (ev *T, err error) {
	ev = &T{}
	if err = json.Unmarshal(raw, ev); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if err = ev.ID.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if !keys.IsPubKey(ev.PubKey) {
		return nil, fmt.Errorf("%w: bad pubkey %q", ErrMalformedPayload,
			ev.PubKey)
	}
	if len(ev.Sig) != keys.SignatureLen*2 {
		return nil, fmt.Errorf("%w: signature length %d", ErrMalformedPayload,
			len(ev.Sig))
	}
	if err = ev.Verify(); err != nil {
		return nil, err
	}
	return
}

// MarshalJSON writes the wire form with the same string escaping as the
// canonical form.
func (ev *T) MarshalJSON() (b []byte, err error) {
	b = make([]byte, 0, 256+len(ev.Content))
	b = append(b, `{"id":`...)
	if b, err = text.AppendQuoted(b, ev.ID.String()); err != nil {
		return
	}
	b = append(b, `,"pubkey":`...)
	if b, err = text.AppendQuoted(b, ev.PubKey); err != nil {
		return
	}
	b = append(b, `,"created_at":`...)
	b = strconv.AppendInt(b, ev.CreatedAt.I64(), 10)
	b = append(b, `,"kind":`...)
	b = strconv.AppendUint(b, uint64(ev.Kind), 10)
	b = append(b, `,"tags":`...)
	if b, err = appendTags(b, ev.Tags); err != nil {
		return
	}
	b = append(b, `,"content":`...)
	if b, err = text.AppendQuoted(b, ev.Content); err != nil {
		return
	}
	b = append(b, `,"sig":`...)
	if b, err = text.AppendQuoted(b, ev.Sig); err != nil {
		return
	}
	return append(b, '}'), nil
}

// Serialize is MarshalJSON for callers that already know the event encodes.
func (ev *T) Serialize() []byte {
	b, err := ev.MarshalJSON()
	chk.E(err)
	return b
}

func (ev *T) String() string { return string(ev.Serialize()) }

// Clone is a deep copy.
func (ev *T) Clone() *T {
	c := *ev
	c.Tags = ev.Tags.Clone()
	return &c
}
