package interrupt

import (
	"testing"
	"time"

	"github.com/Hubmakerlabs/nostrsync/pkg/context"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRequestRunsHandlersInReverse(t *testing.T) {
	var order []int
	AddHandler(func() { order = append(order, 1) })
	c, cancel := Context(context.Bg())
	defer cancel()
	AddHandler(func() {
		// the context handler runs after this one
		assert.NoError(t, c.Err())
		order = append(order, 2)
	})
	assert.False(t, Requested())
	Request()
	Request()
	select {
	case <-HandlersDone:
	case <-time.After(5 * time.Second):
		t.Fatal("handlers did not run")
	}
	require.True(t, Requested())
	assert.Equal(t, []int{2, 1}, order)
	assert.ErrorIs(t, c.Err(), context.Canceled)
}
