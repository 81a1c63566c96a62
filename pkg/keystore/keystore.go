// Package keystore persists the user's secret key. The key is handed over as
// raw bytes and only ever written to disk encrypted.
package keystore

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"filippo.io/age"
	"github.com/Hubmakerlabs/nostrsync/pkg/nostr/keys"
	"github.com/Hubmakerlabs/nostrsync/pkg/slog"
)

var log, chk = slog.New(os.Stderr)

var (
	// ErrNoKey is returned by Load when nothing has been saved.
	ErrNoKey = errors.New("no key stored")
	// ErrWrongPassphrase is returned when the key file does not decrypt.
	ErrWrongPassphrase = errors.New("wrong passphrase")
)

// Store loads and saves a secret key.
type Store interface {
	Load() (secret []byte, err error)
	Save(secret []byte) error
}

// Passphrase supplies the passphrase protecting a key file, prompting if it
// has to.
type Passphrase func() (string, error)

// StaticPassphrase always returns p.
func StaticPassphrase(p string) Passphrase {
	return func() (string, error) { return p, nil }
}

// DefaultWorkFactor is the scrypt log2 cost for new key files.
const DefaultWorkFactor = 18

// File is a secret key encrypted to a passphrase with age's scrypt recipient.
type File struct {
	Path       string
	Passphrase Passphrase
	// WorkFactor overrides DefaultWorkFactor when non-zero.
	WorkFactor int
}

var _ Store = (*File)(nil)

func NewFile(path string, pass Passphrase) *File {
	return &File{Path: path, Passphrase: pass}
}

// Exists reports whether a key file is present.
func (f *File) Exists() bool {
	_, err := os.Stat(f.Path)
	return err == nil
}

func (f *File) Load() (secret []byte, err error) {
	var enc []byte
	if enc, err = os.ReadFile(f.Path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrNoKey
		}
		return nil, fmt.Errorf("reading key file: %w", err)
	}
	var pass string
	if pass, err = f.Passphrase(); err != nil {
		return
	}
	var id *age.ScryptIdentity
	if id, err = age.NewScryptIdentity(pass); err != nil {
		return nil, fmt.Errorf("creating scrypt identity: %w", err)
	}
	var r io.Reader
	if r, err = age.Decrypt(bytes.NewReader(enc), id); err != nil {
		var nomatch *age.NoIdentityMatchError
		if errors.As(err, &nomatch) {
			return nil, ErrWrongPassphrase
		}
		return nil, fmt.Errorf("decrypting key file: %w", err)
	}
	var plain []byte
	if plain, err = io.ReadAll(r); err != nil {
		return nil, fmt.Errorf("reading decrypted key: %w", err)
	}
	defer wipe(plain)
	if secret, err = hex.DecodeString(strings.TrimSpace(string(plain))); err != nil ||
		len(secret) != keys.SecretLen {
		return nil, fmt.Errorf("%w: key file %s holds no secret key",
			keys.ErrInvalidKey, f.Path)
	}
	log.D.Ln("loaded key from", f.Path)
	return
}

// Save encrypts secret and replaces the key file with it.
func (f *File) Save(secret []byte) (err error) {
	var pass string
	if pass, err = f.Passphrase(); err != nil {
		return
	}
	var rcp *age.ScryptRecipient
	if rcp, err = age.NewScryptRecipient(pass); err != nil {
		return fmt.Errorf("creating scrypt recipient: %w", err)
	}
	wf := f.WorkFactor
	if wf == 0 {
		wf = DefaultWorkFactor
	}
	rcp.SetWorkFactor(wf)
	var buf bytes.Buffer
	var w io.WriteCloser
	if w, err = age.Encrypt(&buf, rcp); err != nil {
		return fmt.Errorf("creating encrypted writer: %w", err)
	}
	plain := make([]byte, hex.EncodedLen(len(secret)), hex.EncodedLen(len(secret))+1)
	hex.Encode(plain, secret)
	plain = append(plain, '\n')
	defer wipe(plain)
	if _, err = w.Write(plain); err != nil {
		return fmt.Errorf("writing encrypted key: %w", err)
	}
	if err = w.Close(); err != nil {
		return fmt.Errorf("finalizing encrypted key: %w", err)
	}
	if err = os.MkdirAll(filepath.Dir(f.Path), 0700); err != nil {
		return fmt.Errorf("creating key directory: %w", err)
	}
	tmp := f.Path + ".tmp"
	if err = os.WriteFile(tmp, buf.Bytes(), 0600); err != nil {
		return fmt.Errorf("writing key file: %w", err)
	}
	if err = os.Rename(tmp, f.Path); chk.E(err) {
		os.Remove(tmp)
		return
	}
	log.I.Ln("saved key to", f.Path)
	return
}

// Memory keeps the key in process memory only.
type Memory struct {
	mx     sync.Mutex
	secret []byte
}

var _ Store = (*Memory)(nil)

func (m *Memory) Load() ([]byte, error) {
	m.mx.Lock()
	defer m.mx.Unlock()
	if m.secret == nil {
		return nil, ErrNoKey
	}
	return bytes.Clone(m.secret), nil
}

func (m *Memory) Save(secret []byte) error {
	m.mx.Lock()
	defer m.mx.Unlock()
	wipe(m.secret)
	m.secret = bytes.Clone(secret)
	return nil
}

// LoadOrGenerate loads the key from s, or generates and saves a new one if
// none is stored. created reports the latter.
func LoadOrGenerate(s Store) (kp *keys.KeyPair, created bool, err error) {
	var secret []byte
	secret, err = s.Load()
	switch {
	case err == nil:
		defer wipe(secret)
		kp, err = keys.New(secret)
		return
	case !errors.Is(err, ErrNoKey):
		return
	}
	kp = keys.Generate()
	if secret, err = kp.Secret(); err != nil {
		return nil, false, err
	}
	defer wipe(secret)
	if err = s.Save(secret); err != nil {
		kp.Zero()
		return nil, false, err
	}
	log.I.Ln("generated new key", kp.PubKey())
	return kp, true, nil
}

func wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
