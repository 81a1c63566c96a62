package kind

import "strconv"

// T - which will be externally referenced as kind.T is the event type in the
// nostr protocol, the use of the capital T signifying type, consistent with Go
// idiom, the Go standard library, and much, conformant, existing code.
type T uint16

func (ki T) ToInt() int       { return int(ki) }
func (ki T) ToUint16() uint16 { return uint16(ki) }

// The event kinds are put in a separate package so they will be referred to as
// `kind.TextNote` rather than `nostr.KindTextNote`.
const (
	// ProfileMetadata stores user profile data as a JSON object in the
	// content: name, about, picture, nip05 identifier.
	ProfileMetadata T = 0
	// TextNote is a standard short text note of plain text a la twitter
	TextNote T = 1
	// RecommendRelay carries a relay URL the author recommends.
	RecommendRelay T = 2
	// ContactList is the replaceable list of pubkeys an author follows, one
	// "p" tag per followed author. The content may carry a JSON relay map.
	ContactList T = 3
	// FollowList is a synonym for ContactList.
	FollowList T = 3
	// EncryptedDirectMessage is a NIP-04 direct message.
	EncryptedDirectMessage T = 4
	// Deletion requests that the events referenced in its "e" tags be hidden.
	// Only honoured for events by the same author.
	Deletion T = 5
	// Repost shares another text note, referenced by an "e" tag.
	Repost T = 6
	// Reaction is a like (or emoji) on an event referenced by an "e" tag.
	Reaction T = 7
	// GenericRepost is a repost of any kind other than a text note.
	GenericRepost T = 16
	// ReplaceableStart and ReplaceableEnd bound the range of kinds for which
	// only the latest event per author is kept.
	ReplaceableStart T = 10000
	ReplaceableEnd   T = 20000
	// EphemeralStart and EphemeralEnd bound events relays do not store.
	EphemeralStart T = 20000
	EphemeralEnd   T = 30000
	// ClientAuthentication is the NIP-42 event a client signs to answer an
	// AUTH challenge.
	ClientAuthentication T = 22242
	// ParameterizedReplaceableStart and ParameterizedReplaceableEnd bound kinds
	// replaced per author and "d" tag.
	ParameterizedReplaceableStart T = 30000
	ParameterizedReplaceableEnd   T = 40000
	// LongFormContent is a NIP-23 article.
	LongFormContent T = 30023
)

var names = map[T]string{
	ProfileMetadata:        "metadata",
	TextNote:               "text",
	RecommendRelay:         "recommend-relay",
	ContactList:            "contact-list",
	EncryptedDirectMessage: "dm",
	Deletion:               "delete",
	Repost:                 "repost",
	Reaction:               "reaction",
	GenericRepost:          "generic-repost",
	ClientAuthentication:   "auth",
	LongFormContent:        "long-form",
}

func (ki T) String() string {
	if n, ok := names[ki]; ok {
		return n
	}
	return "kind-" + strconv.Itoa(int(ki))
}

// IsReplaceable is true for kinds where a newer event from the same author
// supersedes the older one.
func (ki T) IsReplaceable() bool {
	return ki == ProfileMetadata || ki == ContactList ||
		(ki >= ReplaceableStart && ki < ReplaceableEnd)
}

func (ki T) IsEphemeral() bool {
	return ki >= EphemeralStart && ki < EphemeralEnd
}

func (ki T) IsParameterizedReplaceable() bool {
	return ki >= ParameterizedReplaceableStart &&
		ki < ParameterizedReplaceableEnd
}

// References is true for kinds whose "e" tags point at the event they act on
// rather than merely mentioning it.
func (ki T) References() bool {
	return ki == Deletion || ki == Repost || ki == Reaction ||
		ki == GenericRepost
}
