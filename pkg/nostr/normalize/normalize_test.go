package normalize

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestURL(t *testing.T) {
	for in, want := range map[string]string{
		"":                       "",
		"wss://x.com/y":          "wss://x.com/y",
		"wss://x.com/y/":         "wss://x.com/y",
		"http://x.com/y":         "ws://x.com/y",
		"https://X.com":          "wss://x.com",
		"wss://x.com/":           "wss://x.com",
		"x.com":                  "wss://x.com",
		"x.com////":              "wss://x.com",
		"x.com/?x=23":            "wss://x.com?x=23",
		"http://127.0.0.1:7447/": "ws://127.0.0.1:7447",
	} {
		assert.Equal(t, want, URL(in), in)
		assert.Equal(t, want, URL(URL(in)), "idempotent for %q", in)
	}
}
