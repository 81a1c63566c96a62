package main

import (
	"encoding/hex"
	"testing"

	"github.com/Hubmakerlabs/nostrsync/pkg/nostr/keys"
	"github.com/nbd-wtf/go-nostr/nip19"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseKey(t *testing.T) {
	kp := keys.Generate()
	pub := kp.PubKey()

	got, err := parseKey(" " + pub + "\n")
	require.NoError(t, err)
	assert.Equal(t, pub, got)

	n, err := nip19.EncodePublicKey(pub)
	require.NoError(t, err)
	got, err = parseKey(n)
	require.NoError(t, err)
	assert.Equal(t, pub, got)
	assert.Equal(t, n, npub(pub))

	secret, err := kp.Secret()
	require.NoError(t, err)
	nsec, err := nip19.EncodePrivateKey(hexOf(secret))
	require.NoError(t, err)
	_, err = parseKey(nsec)
	assert.ErrorIs(t, err, keys.ErrInvalidKey)

	_, err = parseKey("not a key")
	assert.ErrorIs(t, err, keys.ErrInvalidKey)
}

func TestParseSecret(t *testing.T) {
	kp := keys.Generate()
	secret, err := kp.Secret()
	require.NoError(t, err)
	nsec, err := nip19.EncodePrivateKey(hexOf(secret))
	require.NoError(t, err)

	for _, in := range []string{nsec, hexOf(secret)} {
		got, err := parseSecret(in)
		require.NoError(t, err)
		assert.Equal(t, kp.PubKey(), got.PubKey())
	}
	_, err = parseSecret("nsec1bogus")
	assert.ErrorIs(t, err, keys.ErrInvalidKey)
}

func hexOf(b []byte) string { return hex.EncodeToString(b) }
