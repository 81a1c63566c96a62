package context

import (
	"context"
	"time"
)

type (
	T = context.Context
	F = context.CancelFunc
	C = context.CancelCauseFunc
)

var (
	Bg          = context.Background
	Cancel      = context.WithCancel
	Timeout     = context.WithTimeout
	TODO        = context.TODO
	Value       = context.WithValue
	CancelCause = context.WithCancelCause
	Canceled    = context.Canceled
	Deadline    = context.DeadlineExceeded
)

// WithDefaultTimeout applies d to c only when c carries no deadline already.
// The returned cancel function must always be called.
func WithDefaultTimeout(c T, d time.Duration) (T, F) {
	if _, ok := c.Deadline(); ok {
		return context.WithCancel(c)
	}
	return context.WithTimeout(c, d)
}
