package main

import (
	"testing"

	"github.com/Hubmakerlabs/nostrsync/pkg/nostr/event"
	"github.com/Hubmakerlabs/nostrsync/pkg/nostr/kind"
	"github.com/stretchr/testify/assert"
)

func TestRejectKinds(t *testing.T) {
	assert.Nil(t, rejectKinds(nil))
	r := rejectKinds([]int{4, 7})
	reject, reason := r(&event.T{Kind: kind.Reaction})
	assert.True(t, reject)
	assert.Contains(t, reason, "blocked: kind 7")
	reject, _ = r(&event.T{Kind: kind.TextNote})
	assert.False(t, reject)
}
