package crypto

import (
	"crypto/rand"

	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/nacl/box"

	"github.com/usenetsync/usenetsync/pkg/errkind"
)

// BoxKeySize is the size of a curve25519 public or private key.
const BoxKeySize = 32

// NewBoxKeyPair generates a curve25519 key pair for sealed-box key
// wrapping. The public half is distributed with the user identity; the
// private half never leaves the user's machine.
func NewBoxKeyPair() (pub, priv []byte, err error) {
	pubK, privK, err := box.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, errkind.Wrap(errkind.KindInternal, "crypto.keypair", err)
	}
	return pubK[:], privK[:], nil
}

// PublicFromPrivate recomputes the public half of a curve25519 key
// pair, so callers only need to persist the private key.
func PublicFromPrivate(priv []byte) ([]byte, error) {
	if len(priv) != BoxKeySize {
		return nil, errkind.New(errkind.KindInternal, "crypto.keypair", "private key must be %d bytes", BoxKeySize)
	}
	pub, err := curve25519.X25519(priv, curve25519.Basepoint)
	if err != nil {
		return nil, errkind.Wrap(errkind.KindInternal, "crypto.keypair", err)
	}
	return pub, nil
}

// SealAnonymous wraps a small message to a recipient public key. Only
// the holder of the matching private key can open it, and the sender
// is not authenticated.
func SealAnonymous(recipientPub, message []byte) ([]byte, error) {
	if len(recipientPub) != BoxKeySize {
		return nil, errkind.New(errkind.KindInternal, "crypto.seal_anonymous", "public key must be %d bytes", BoxKeySize)
	}
	var pub [BoxKeySize]byte
	copy(pub[:], recipientPub)
	out, err := box.SealAnonymous(nil, message, &pub, rand.Reader)
	if err != nil {
		return nil, errkind.Wrap(errkind.KindInternal, "crypto.seal_anonymous", err)
	}
	return out, nil
}

// OpenAnonymous opens a sealed box with the recipient key pair.
// Failure to open is an integrity error; callers enforcing access
// policy translate it to a denial.
func OpenAnonymous(recipientPub, recipientPriv, sealed []byte) ([]byte, error) {
	if len(recipientPub) != BoxKeySize || len(recipientPriv) != BoxKeySize {
		return nil, errkind.New(errkind.KindInternal, "crypto.open_anonymous", "keys must be %d bytes", BoxKeySize)
	}
	var pub, priv [BoxKeySize]byte
	copy(pub[:], recipientPub)
	copy(priv[:], recipientPriv)
	out, ok := box.OpenAnonymous(nil, sealed, &pub, &priv)
	if !ok {
		return nil, errkind.New(errkind.KindIntegrity, "crypto.open_anonymous", "sealed box authentication failed")
	}
	return out, nil
}
