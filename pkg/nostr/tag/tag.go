package tag

import (
	"strings"

	"github.com/Hubmakerlabs/nostrsync/pkg/nostr/normalize"
)

// The tag position meanings so they are clear when reading.
const (
	Key = iota
	Value
	Relay
	// PetName is the fourth element of a contact list "p" tag.
	PetName
)

// Marker strings for e (reference) tags.
const (
	MarkerReply   = "reply"
	MarkerRoot    = "root"
	MarkerMention = "mention"
)

// T is a list of strings with a literal ordering.
//
// Not a set, there can be repeating elements.
type T []string

// StartsWith checks a tag has the same initial set of elements.
//
// The last element is treated specially in that it is considered to match if
// the candidate has the same initial substring as its corresponding element.
func (t T) StartsWith(prefix []string) bool {
	prefixLen := len(prefix)
	if prefixLen == 0 {
		return true
	}
	if prefixLen > len(t) {
		return false
	}
	// check initial elements for equality
	for i := 0; i < prefixLen-1; i++ {
		if prefix[i] != t[i] {
			return false
		}
	}
	// check last element just for a prefix
	return strings.HasPrefix(t[prefixLen-1], prefix[prefixLen-1])
}

// Key returns the first element of the tags.
func (t T) Key() string {
	if len(t) > Key {
		return t[Key]
	}
	return ""
}

// Value returns the second element of the tag.
func (t T) Value() string {
	if len(t) > Value {
		return t[Value]
	}
	return ""
}

// Relay returns the third element of the tag, normalized, for e and p tags.
func (t T) Relay() string {
	if (t.Key() == "e" || t.Key() == "p") && len(t) > Relay {
		return normalize.URL(t[Relay])
	}
	return ""
}

// PetName returns the local label of a contact list "p" tag.
func (t T) PetName() string {
	if t.Key() == "p" && len(t) > PetName {
		return t[PetName]
	}
	return ""
}

// Marker returns the NIP-10 marker of an "e" tag, if any.
func (t T) Marker() string {
	if t.Key() == "e" && len(t) > 3 {
		return t[3]
	}
	return ""
}

// Clone makes an independent copy.
func (t T) Clone() T {
	if t == nil {
		return nil
	}
	c := make(T, len(t))
	copy(c, t)
	return c
}

func (t T) Equals(o T) bool {
	if len(t) != len(o) {
		return false
	}
	for i := range t {
		if t[i] != o[i] {
			return false
		}
	}
	return true
}

// Pubkey builds a "p" tag, dropping trailing empty optional fields.
func Pubkey(key, relay, petName string) T {
	switch {
	case petName != "":
		return T{"p", key, relay, petName}
	case relay != "":
		return T{"p", key, relay}
	default:
		return T{"p", key}
	}
}

// Event builds an "e" tag, dropping trailing empty optional fields.
func Event(id, relay, marker string) T {
	switch {
	case marker != "":
		return T{"e", id, relay, marker}
	case relay != "":
		return T{"e", id, relay}
	default:
		return T{"e", id}
	}
}
