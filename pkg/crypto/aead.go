// Package crypto provides the symmetric primitives used across the
// UsenetSync core: AEAD segment encryption, SHA-256 content hashing,
// passphrase and subkey derivation, and the two-layer subject
// obfuscation that unlinks posted articles from folder identity.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"io"

	"github.com/usenetsync/usenetsync/pkg/errkind"
)

const (
	// KeySize is the symmetric key size in bytes (AES-256).
	KeySize = 32

	// NonceSize is the AEAD nonce size in bytes (GCM standard).
	NonceSize = 12

	// Overhead is the ciphertext expansion of a sealed message (GCM tag).
	Overhead = 16
)

// NewKey generates a fresh random 256-bit key.
func NewKey() ([]byte, error) {
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, errkind.Wrap(errkind.KindInternal, "crypto.newkey", err)
	}
	return key, nil
}

// Encrypt seals plaintext under key with a fresh random nonce.
// Returns the nonce and ciphertext||tag separately so callers control
// the wire layout.
func Encrypt(key, plaintext []byte) (nonce, ciphertext []byte, err error) {
	aead, err := newAEAD(key)
	if err != nil {
		return nil, nil, err
	}

	nonce = make([]byte, NonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, nil, errkind.Wrap(errkind.KindInternal, "crypto.encrypt", err)
	}

	return nonce, aead.Seal(nil, nonce, plaintext, nil), nil
}

// Decrypt opens ciphertext||tag under key and nonce. A failed
// authentication tag surfaces as an Integrity error; the caller must
// move to the next redundancy copy, never retry the same article.
func Decrypt(key, nonce, ciphertext []byte) ([]byte, error) {
	aead, err := newAEAD(key)
	if err != nil {
		return nil, err
	}
	if len(nonce) != NonceSize {
		return nil, errkind.New(errkind.KindIntegrity, "crypto.decrypt", "bad nonce length %d", len(nonce))
	}

	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, errkind.New(errkind.KindIntegrity, "crypto.decrypt", "authentication failed")
	}
	return plaintext, nil
}

// Seal is Encrypt with the nonce prepended to the ciphertext, for
// callers that store the sealed blob as a single field (key wrappings,
// token envelopes).
func Seal(key, plaintext []byte) ([]byte, error) {
	nonce, ct, err := Encrypt(key, plaintext)
	if err != nil {
		return nil, err
	}
	return append(nonce, ct...), nil
}

// Open inverts Seal.
func Open(key, sealed []byte) ([]byte, error) {
	if len(sealed) < NonceSize+Overhead {
		return nil, errkind.New(errkind.KindIntegrity, "crypto.open", "sealed blob too short")
	}
	return Decrypt(key, sealed[:NonceSize], sealed[NonceSize:])
}

func newAEAD(key []byte) (cipher.AEAD, error) {
	if len(key) != KeySize {
		return nil, errkind.New(errkind.KindInternal, "crypto.aead", "bad key length %d", len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, errkind.Wrap(errkind.KindInternal, "crypto.aead", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, errkind.Wrap(errkind.KindInternal, "crypto.aead", err)
	}
	return aead, nil
}
