// Package timestamp is the created_at of events: whole seconds since the
// epoch, as the creator claims them.
package timestamp

import (
	"strconv"
	"time"
)

type T int64

func Now() T { return T(time.Now().Unix()) }

func (t T) I64() int64 { return int64(t) }

func (t T) Time() time.Time { return time.Unix(int64(t), 0) }

// Ptr is for optional filter fields, where nil means unset.
func (t T) Ptr() *T { return &t }

func (t T) String() string { return strconv.FormatInt(int64(t), 10) }

// Max returns the later of the two timestamps.
func Max(a, b T) T {
	if a > b {
		return a
	}
	return b
}

// Next is the first timestamp after prev that is not in the past, which is
// what a locally made replacement for prev must carry to supersede it.
func Next(prev T) T { return Max(Now(), prev+1) }
