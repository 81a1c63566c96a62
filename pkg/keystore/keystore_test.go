package keystore

import (
	"encoding/hex"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/Hubmakerlabs/nostrsync/pkg/nostr/keys"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecHex = "1797f6f1d10593548b566ba32e81577aa4bc990eb0f16556bf884f1af4b17c25"

func testFile(t *testing.T, pass string) *File {
	f := NewFile(filepath.Join(t.TempDir(), "keys", "nostr.age"),
		StaticPassphrase(pass))
	f.WorkFactor = 10
	return f
}

func TestFileRoundTrip(t *testing.T) {
	f := testFile(t, "correct horse")
	assert.False(t, f.Exists())
	_, err := f.Load()
	assert.ErrorIs(t, err, ErrNoKey)

	secret, _ := hex.DecodeString(testSecHex)
	require.NoError(t, f.Save(secret))
	assert.True(t, f.Exists())

	raw, err := os.ReadFile(f.Path)
	require.NoError(t, err)
	assert.NotContains(t, string(raw), testSecHex)
	assert.True(t, strings.HasPrefix(string(raw), "age-encryption.org/v1"))
	info, err := os.Stat(f.Path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	got, err := f.Load()
	require.NoError(t, err)
	assert.Equal(t, secret, got)
}

func TestFileWrongPassphrase(t *testing.T) {
	f := testFile(t, "right")
	secret, _ := hex.DecodeString(testSecHex)
	require.NoError(t, f.Save(secret))
	f.Passphrase = StaticPassphrase("wrong")
	_, err := f.Load()
	assert.ErrorIs(t, err, ErrWrongPassphrase)
}

func TestLoadOrGenerate(t *testing.T) {
	f := testFile(t, "pass")
	kp, created, err := LoadOrGenerate(f)
	require.NoError(t, err)
	assert.True(t, created)

	again, created, err := LoadOrGenerate(f)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, kp.PubKey(), again.PubKey())

	m := &Memory{}
	kp, created, err = LoadOrGenerate(m)
	require.NoError(t, err)
	assert.True(t, created)
	secret, err := m.Load()
	require.NoError(t, err)
	fromMem, err := keys.New(secret)
	require.NoError(t, err)
	assert.Equal(t, kp.PubKey(), fromMem.PubKey())
}

func TestMemoryCopies(t *testing.T) {
	m := &Memory{}
	secret, _ := hex.DecodeString(testSecHex)
	require.NoError(t, m.Save(secret))
	secret[0] ^= 0xff
	got, err := m.Load()
	require.NoError(t, err)
	assert.Equal(t, testSecHex, hex.EncodeToString(got))
	got[0] = 0
	again, _ := m.Load()
	assert.Equal(t, testSecHex, hex.EncodeToString(again))
}
