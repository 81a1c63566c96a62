package eventid

import (
	"encoding/hex"
	"fmt"
)

// Len is the length of a hex encoded event ID.
const Len = 64

// T is the SHA256 hash in hexadecimal of the canonical form of an event.
type T string

func (ei T) String() string { return string(ei) }

// Bytes decodes the ID. Invalid IDs decode to nil.
func (ei T) Bytes() (b []byte) {
	var err error
	if b, err = hex.DecodeString(string(ei)); err != nil {
		return nil
	}
	return
}

// New inspects a string and ensures it is a valid, 64 character long
// lowercase hexadecimal string, returns the string coerced to the type.
func New(s string) (ei T, err error) {
	ei = T(s)
	if err = ei.Validate(); err != nil {
		ei = ""
	}
	return
}

// Validate checks the T string is lowercase hex and 64 characters long.
func (ei T) Validate() (err error) {
	if len(ei) != Len {
		return fmt.Errorf("event ID invalid length: got %d expect %d",
			len(ei), Len)
	}
	for i := 0; i < len(ei); i++ {
		c := ei[i]
		if !(c >= '0' && c <= '9' || c >= 'a' && c <= 'f') {
			return fmt.Errorf("event ID has non lowercase hex character %q at %d",
				c, i)
		}
	}
	return
}

// Short is the first 12 characters, for log lines.
func (ei T) Short() string {
	if len(ei) > 12 {
		return string(ei[:12])
	}
	return string(ei)
}
