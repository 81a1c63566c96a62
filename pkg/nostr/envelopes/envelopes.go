// Package envelopes is the framing of NIP-01 messages: JSON arrays whose first
// element is a label naming the message type.
//
// Relay to client: EVENT, EOSE, OK, NOTICE, CLOSED, AUTH (challenge).
// Client to relay: EVENT, REQ, CLOSE, AUTH (response).
//
// Inbound EVENT payloads are kept raw; decoding and verifying them is the
// event processor's job and happens once, in one place.
package envelopes

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"

	"github.com/Hubmakerlabs/nostrsync/pkg/nostr/event"
	"github.com/Hubmakerlabs/nostrsync/pkg/nostr/filter"
	"github.com/Hubmakerlabs/nostrsync/pkg/nostr/wire/text"
	"github.com/Hubmakerlabs/nostrsync/pkg/slog"
)

var log, chk = slog.New(os.Stderr)

const (
	LabelEvent  = "EVENT"
	LabelReq    = "REQ"
	LabelClose  = "CLOSE"
	LabelEOSE   = "EOSE"
	LabelOK     = "OK"
	LabelNotice = "NOTICE"
	LabelClosed = "CLOSED"
	LabelAuth   = "AUTH"
)

var (
	// ErrUnknownLabel is a well formed array with a label this client does
	// not handle. Callers log and skip these.
	ErrUnknownLabel = errors.New("unknown envelope label")
	ErrMalformed    = errors.New("malformed envelope")
)

// I is any envelope.
type I interface {
	Label() string
	MarshalJSON() ([]byte, error)
}

// Event carries an event. From a relay it has the subscription it answers and
// the raw event; to a relay it has no subscription and a signed Event.
type Event struct {
	SubscriptionID string
	Event          *event.T
	Raw            json.RawMessage
}

type Req struct {
	SubscriptionID string
	Filters        []*filter.T
}

type Close struct{ SubscriptionID string }

type EOSE struct{ SubscriptionID string }

// OK is a relay's answer to a published EVENT or AUTH.
type OK struct {
	EventID string
	OK      bool
	Reason  string
}

type Notice struct{ Text string }

// Closed is a relay ending a subscription on its own initiative.
type Closed struct {
	SubscriptionID string
	Reason         string
}

// AuthChallenge is sent by a relay that wants the client to authenticate.
type AuthChallenge struct{ Challenge string }

// AuthResponse is the signed kind 22242 event answering a challenge.
type AuthResponse struct {
	Event *event.T
	Raw   json.RawMessage
}

func (*Event) Label() string         { return LabelEvent }
func (*Req) Label() string           { return LabelReq }
func (*Close) Label() string         { return LabelClose }
func (*EOSE) Label() string          { return LabelEOSE }
func (*OK) Label() string            { return LabelOK }
func (*Notice) Label() string        { return LabelNotice }
func (*Closed) Label() string        { return LabelClosed }
func (*AuthChallenge) Label() string { return LabelAuth }
func (*AuthResponse) Label() string  { return LabelAuth }

func open(label string) []byte {
	b := make([]byte, 0, 64)
	b = append(b, '[', '"')
	b = append(b, label...)
	return append(b, '"')
}

func appendString(b []byte, s string) ([]byte, error) {
	b = append(b, ',')
	return text.AppendQuoted(b, s)
}

func appendEvent(b []byte, ev *event.T, raw json.RawMessage) ([]byte, error) {
	b = append(b, ',')
	if ev != nil {
		eb, err := ev.MarshalJSON()
		if err != nil {
			return nil, err
		}
		return append(b, eb...), nil
	}
	if len(raw) == 0 {
		return nil, fmt.Errorf("%w: no event", ErrMalformed)
	}
	return append(b, raw...), nil
}

func (e *Event) MarshalJSON() (b []byte, err error) {
	b = open(LabelEvent)
	if e.SubscriptionID != "" {
		if b, err = appendString(b, e.SubscriptionID); err != nil {
			return
		}
	}
	if b, err = appendEvent(b, e.Event, e.Raw); err != nil {
		return
	}
	return append(b, ']'), nil
}

func (e *Req) MarshalJSON() (b []byte, err error) {
	b = open(LabelReq)
	if b, err = appendString(b, e.SubscriptionID); err != nil {
		return
	}
	for _, f := range e.Filters {
		b = append(b, ',')
		b = append(b, f.Serialize()...)
	}
	return append(b, ']'), nil
}

func (e *Close) MarshalJSON() (b []byte, err error) {
	b = open(LabelClose)
	if b, err = appendString(b, e.SubscriptionID); err != nil {
		return
	}
	return append(b, ']'), nil
}

func (e *EOSE) MarshalJSON() (b []byte, err error) {
	b = open(LabelEOSE)
	if b, err = appendString(b, e.SubscriptionID); err != nil {
		return
	}
	return append(b, ']'), nil
}

func (e *OK) MarshalJSON() (b []byte, err error) {
	b = open(LabelOK)
	if b, err = appendString(b, e.EventID); err != nil {
		return
	}
	b = append(b, ',')
	b = strconv.AppendBool(b, e.OK)
	if b, err = appendString(b, e.Reason); err != nil {
		return
	}
	return append(b, ']'), nil
}

func (e *Notice) MarshalJSON() (b []byte, err error) {
	b = open(LabelNotice)
	if b, err = appendString(b, e.Text); err != nil {
		return
	}
	return append(b, ']'), nil
}

func (e *Closed) MarshalJSON() (b []byte, err error) {
	b = open(LabelClosed)
	if b, err = appendString(b, e.SubscriptionID); err != nil {
		return
	}
	if b, err = appendString(b, e.Reason); err != nil {
		return
	}
	return append(b, ']'), nil
}

func (e *AuthChallenge) MarshalJSON() (b []byte, err error) {
	b = open(LabelAuth)
	if b, err = appendString(b, e.Challenge); err != nil {
		return
	}
	return append(b, ']'), nil
}

func (e *AuthResponse) MarshalJSON() (b []byte, err error) {
	b = open(LabelAuth)
	if b, err = appendEvent(b, e.Event, e.Raw); err != nil {
		return
	}
	return append(b, ']'), nil
}

// split decodes the outer array and its label.
func split(b []byte) (label string, elems []json.RawMessage, err error) {
	if err = json.Unmarshal(b, &elems); err != nil {
		return "", nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if len(elems) == 0 {
		return "", nil, fmt.Errorf("%w: empty array", ErrMalformed)
	}
	if err = json.Unmarshal(elems[0], &label); err != nil {
		return "", nil, fmt.Errorf("%w: label is not a string", ErrMalformed)
	}
	return
}

func str(elems []json.RawMessage, i int, label, field string) (s string,
	err error) {

	if i >= len(elems) {
		return "", fmt.Errorf("%w: %s missing %s", ErrMalformed, label, field)
	}
	if err = json.Unmarshal(elems[i], &s); err != nil {
		return "", fmt.Errorf("%w: %s %s is not a string", ErrMalformed, label,
			field)
	}
	return
}

// optStr is str where a missing element is the empty string.
func optStr(elems []json.RawMessage, i int, label, field string) (string,
	error) {

	if i >= len(elems) {
		return "", nil
	}
	return str(elems, i, label, field)
}

func rawObject(elems []json.RawMessage, i int, label string) (
	json.RawMessage, error) {

	if i >= len(elems) || len(elems[i]) == 0 || elems[i][0] != '{' {
		return nil, fmt.Errorf("%w: %s missing event object", ErrMalformed,
			label)
	}
	return elems[i], nil
}

// ParseRelayMessage decodes a message received from a relay.
func ParseRelayMessage(b []byte) (env I, err error) {
	var label string
	var elems []json.RawMessage
	if label, elems, err = split(b); err != nil {
		return
	}
	switch label {
	case LabelEvent:
		e := &Event{}
		if e.SubscriptionID, err = str(elems, 1, label, "subscription"); err != nil {
			return
		}
		if e.Raw, err = rawObject(elems, 2, label); err != nil {
			return
		}
		return e, nil
	case LabelEOSE:
		e := &EOSE{}
		if e.SubscriptionID, err = str(elems, 1, label, "subscription"); err != nil {
			return
		}
		return e, nil
	case LabelOK:
		e := &OK{}
		if e.EventID, err = str(elems, 1, label, "event id"); err != nil {
			return
		}
		if len(elems) < 3 {
			return nil, fmt.Errorf("%w: OK missing status", ErrMalformed)
		}
		if err = json.Unmarshal(elems[2], &e.OK); err != nil {
			return nil, fmt.Errorf("%w: OK status is not a bool", ErrMalformed)
		}
		if e.Reason, err = optStr(elems, 3, label, "reason"); err != nil {
			return
		}
		return e, nil
	case LabelNotice:
		e := &Notice{}
		if e.Text, err = str(elems, 1, label, "text"); err != nil {
			return
		}
		return e, nil
	case LabelClosed:
		e := &Closed{}
		if e.SubscriptionID, err = str(elems, 1, label, "subscription"); err != nil {
			return
		}
		if e.Reason, err = optStr(elems, 2, label, "reason"); err != nil {
			return
		}
		return e, nil
	case LabelAuth:
		e := &AuthChallenge{}
		if e.Challenge, err = str(elems, 1, label, "challenge"); err != nil {
			return
		}
		return e, nil
	}
	log.T.F("unhandled relay message label %q", label)
	return nil, fmt.Errorf("%w: %q", ErrUnknownLabel, label)
}

// ParseClientMessage decodes a message sent by a client. Only the test relay
// needs this.
func ParseClientMessage(b []byte) (env I, err error) {
	var label string
	var elems []json.RawMessage
	if label, elems, err = split(b); err != nil {
		return
	}
	switch label {
	case LabelEvent:
		e := &Event{}
		if e.Raw, err = rawObject(elems, 1, label); err != nil {
			return
		}
		return e, nil
	case LabelReq:
		e := &Req{}
		if e.SubscriptionID, err = str(elems, 1, label, "subscription"); err != nil {
			return
		}
		for _, raw := range elems[2:] {
			f := &filter.T{}
			if err = json.Unmarshal(raw, f); chk.D(err) {
				return nil, fmt.Errorf("%w: REQ filter: %v", ErrMalformed, err)
			}
			e.Filters = append(e.Filters, f)
		}
		return e, nil
	case LabelClose:
		e := &Close{}
		if e.SubscriptionID, err = str(elems, 1, label, "subscription"); err != nil {
			return
		}
		return e, nil
	case LabelAuth:
		e := &AuthResponse{}
		if e.Raw, err = rawObject(elems, 1, label); err != nil {
			return
		}
		return e, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownLabel, label)
}
