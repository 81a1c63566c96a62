// Package keys holds the secp256k1 signing identity of a nostr user and the
// BIP-340 schnorr primitives used to sign and verify event IDs.
//
// Secret key material never leaves a KeyPair except through Secret, which
// exists so a freshly generated key can be written to a key store. It is
// never logged.
package keys

import (
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"os"
	"sync"

	"github.com/Hubmakerlabs/nostrsync/pkg/slog"
	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"lukechampine.com/frand"
)

var log, chk = slog.New(os.Stderr)

const (
	SecretLen    = 32
	PubKeyLen    = 32
	SignatureLen = 64
	HashLen      = 32
)

var (
	// ErrInvalidKey is returned for malformed key material: wrong length, bad
	// hex, zero, not below the curve order, or not an x-only point.
	ErrInvalidKey = errors.New("invalid key")
	// ErrKeyUnavailable is returned by signing operations once the key has
	// been zeroed, or when there was never a key to sign with.
	ErrKeyUnavailable = errors.New("signing key unavailable")
)

// Signer is what event signing needs from an identity.
type Signer interface {
	// PubKey is the lowercase hex x-only public key.
	PubKey() string
	// SignHash produces a 64 byte schnorr signature over a 32 byte hash.
	SignHash(hash []byte) (sig []byte, err error)
}

// KeyPair is a secret key and its public key. It is safe for concurrent use;
// Zero may be called while other goroutines sign, they will get
// ErrKeyUnavailable afterwards.
type KeyPair struct {
	mx  sync.RWMutex
	sec *btcec.PrivateKey
	pub string
}

var _ Signer = (*KeyPair)(nil)

// New makes a KeyPair from 32 bytes of secret key.
func New(secret []byte) (kp *KeyPair, err error) {
	if len(secret) != SecretLen {
		return nil, fmt.Errorf("%w: secret key must be %d bytes, got %d",
			ErrInvalidKey, SecretLen, len(secret))
	}
	k := new(big.Int).SetBytes(secret)
	if k.Sign() == 0 || k.Cmp(btcec.S256().N) >= 0 {
		return nil, fmt.Errorf("%w: secret key out of range", ErrInvalidKey)
	}
	sec, pub := btcec.PrivKeyFromBytes(secret)
	kp = &KeyPair{
		sec: sec,
		pub: hex.EncodeToString(schnorr.SerializePubKey(pub)),
	}
	return
}

// NewFromHex makes a KeyPair from a 64 character hex secret key.
func NewFromHex(secretHex string) (kp *KeyPair, err error) {
	var b []byte
	if b, err = hex.DecodeString(secretHex); err != nil {
		return nil, fmt.Errorf("%w: secret key is not hex: %v", ErrInvalidKey, err)
	}
	defer wipe(b)
	return New(b)
}

// Generate makes a new random KeyPair.
func Generate() (kp *KeyPair) {
	b := make([]byte, SecretLen)
	defer wipe(b)
	for {
		frand.Read(b)
		var err error
		if kp, err = New(b); err == nil {
			return
		}
		// astronomically unlikely, but a draw outside the curve order is
		// simply discarded
		log.D.Ln("discarding out of range secret key draw")
	}
}

// PubKey returns the x-only public key as lowercase hex. It remains available
// after Zero.
func (kp *KeyPair) PubKey() string { return kp.pub }

// PubKeyBytes returns the x-only public key bytes.
func (kp *KeyPair) PubKeyBytes() []byte {
	b, _ := hex.DecodeString(kp.pub)
	return b
}

// SignHash signs a 32 byte hash, normally an event ID.
func (kp *KeyPair) SignHash(hash []byte) (sig []byte, err error) {
	if len(hash) != HashLen {
		return nil, fmt.Errorf("hash must be %d bytes, got %d", HashLen,
			len(hash))
	}
	kp.mx.RLock()
	defer kp.mx.RUnlock()
	if kp.sec == nil {
		return nil, ErrKeyUnavailable
	}
	var s *schnorr.Signature
	if s, err = schnorr.Sign(kp.sec, hash); chk.D(err) {
		return nil, err
	}
	return s.Serialize(), nil
}

// Secret returns a copy of the secret key bytes, for persisting to a key
// store. The caller should wipe the copy when done with it.
func (kp *KeyPair) Secret() (b []byte, err error) {
	kp.mx.RLock()
	defer kp.mx.RUnlock()
	if kp.sec == nil {
		return nil, ErrKeyUnavailable
	}
	return kp.sec.Serialize(), nil
}

// Available is false once the key has been zeroed.
func (kp *KeyPair) Available() bool {
	kp.mx.RLock()
	defer kp.mx.RUnlock()
	return kp.sec != nil
}

// Zero overwrites the secret key in memory. Signing fails afterwards.
func (kp *KeyPair) Zero() {
	kp.mx.Lock()
	defer kp.mx.Unlock()
	if kp.sec != nil {
		kp.sec.Zero()
		kp.sec = nil
	}
}

// String never includes the secret.
func (kp *KeyPair) String() string { return "keypair:" + kp.pub }

// Verify checks a schnorr signature over hash against an x-only hex public
// key. A malformed key returns ErrInvalidKey; a malformed or wrong signature
// returns false.
func Verify(hash, sig []byte, pubKeyHex string) (valid bool, err error) {
	var pk *btcec.PublicKey
	if pk, err = ParsePubKey(pubKeyHex); err != nil {
		return
	}
	if len(sig) != SignatureLen {
		return false, nil
	}
	var s *schnorr.Signature
	if s, err = schnorr.ParseSignature(sig); err != nil {
		log.T.F("unparseable signature: %v", err)
		return false, nil
	}
	return s.Verify(hash, pk), nil
}

// ParsePubKey decodes and validates an x-only hex public key.
func ParsePubKey(pubKeyHex string) (pk *btcec.PublicKey, err error) {
	if len(pubKeyHex) != PubKeyLen*2 {
		return nil, fmt.Errorf("%w: public key must be %d hex characters, got %d",
			ErrInvalidKey, PubKeyLen*2, len(pubKeyHex))
	}
	var b []byte
	if b, err = hex.DecodeString(pubKeyHex); err != nil {
		return nil, fmt.Errorf("%w: public key is not hex: %v", ErrInvalidKey, err)
	}
	if pk, err = schnorr.ParsePubKey(b); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	return
}

// IsPubKey reports whether s is a well formed hex public key string. It does
// not check the point is on the curve, contact lists and filters routinely
// carry keys this client has never verified.
func IsPubKey(s string) bool {
	if len(s) != PubKeyLen*2 {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if !(c >= '0' && c <= '9' || c >= 'a' && c <= 'f') {
			return false
		}
	}
	return true
}

func wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
