// Package share implements the access-control layer: turning a
// published folder into a capability token, and turning a presented
// token plus credentials back into the folder key.
//
// All three access types produce a token of the same surface shape, an
// opaque usenetsync:// string. The wrapping scheme differs:
//
//   - public: the folder key is sealed under a well-known constant, so
//     the token alone suffices;
//   - protected: the folder key is sealed under a passphrase-derived
//     key, with a verifier for fail-fast rejection of wrong passwords;
//   - private: the folder key is sealed once per allowed user under
//     that user's curve25519 public key, alongside a commitment table
//     that proves membership without revealing the key.
//
// Denial is uniform. A failed unwrap never reveals whether the token
// was malformed, expired, or simply not addressed to the caller.
package share

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/usenetsync/usenetsync/pkg/crypto"
	"github.com/usenetsync/usenetsync/pkg/errkind"
	"github.com/usenetsync/usenetsync/pkg/store"
)

// TokenVersion is the current token payload revision.
const TokenVersion byte = 1

// Well-known v1 wrapping constants. These provide opacity, not
// secrecy: public tokens are readable by anyone holding the token
// string, and the envelope only stops observers from parsing token
// structure out of pasted strings.
var (
	publicWrapKeyV1    = sha256.Sum256([]byte("usenetsync.v1.public_share_wrap"))
	tokenEnvelopeKeyV1 = sha256.Sum256([]byte("usenetsync.v1.token_envelope"))
)

// Params carries the folder-side inputs common to all access types.
type Params struct {
	FolderID  string // 32 hex characters (16 bytes)
	FolderKey []byte
	IndexRefs []string // Message-IDs of the posted index segments
	ExpiresAt *time.Time
}

// Credentials is what a downloader presents alongside a token.
type Credentials struct {
	Passphrase string
	UserID     string
	PrivateKey []byte // curve25519, private shares only
}

// Created is the result of share creation: the token to hand out plus
// the publisher-side bookkeeping fields for the store row.
type Created struct {
	Token            string
	Wrapped          []byte
	PasswordVerifier []byte // protected shares only
	KDFSalt          []byte // protected shares only
}

func (p *Params) folderID() ([16]byte, error) {
	var id [16]byte
	raw, err := hex.DecodeString(p.FolderID)
	if err != nil || len(raw) != 16 {
		return id, errkind.New(errkind.KindInternal, "share.create", "folder id must be 32 hex characters")
	}
	copy(id[:], raw)
	return id, nil
}

// NewPublic creates a public share. Anyone holding the token can
// recover the folder key.
func NewPublic(p Params) (*Created, error) {
	wrapped, err := crypto.Seal(publicWrapKeyV1[:], p.FolderKey)
	if err != nil {
		return nil, err
	}
	tok, err := encodeToken(p, store.AccessPublic, wrapped)
	if err != nil {
		return nil, err
	}
	return &Created{Token: tok, Wrapped: wrapped}, nil
}

// NewProtected creates a passphrase-protected share. The KDF salt and
// password verifier travel inside the wrapped material so the token is
// self-contained.
func NewProtected(p Params, passphrase string) (*Created, error) {
	if passphrase == "" {
		return nil, errkind.New(errkind.KindUsage, "share.create", "protected share requires a passphrase")
	}
	salt, err := crypto.NewSalt()
	if err != nil {
		return nil, err
	}
	passKey := crypto.DeriveFromPassphrase(passphrase, salt, crypto.DefaultKDFParams())
	verifier, err := passwordVerifier(passKey)
	if err != nil {
		return nil, err
	}
	sealed, err := crypto.Seal(passKey, p.FolderKey)
	if err != nil {
		return nil, err
	}

	wrapped := make([]byte, 0, len(salt)+len(verifier)+len(sealed))
	wrapped = append(wrapped, salt...)
	wrapped = append(wrapped, verifier...)
	wrapped = append(wrapped, sealed...)

	tok, err := encodeToken(p, store.AccessProtected, wrapped)
	if err != nil {
		return nil, err
	}
	return &Created{Token: tok, Wrapped: wrapped, PasswordVerifier: verifier, KDFSalt: salt}, nil
}

// NewPrivate creates a private share addressed to the given users.
// Each user gets the folder key sealed to their public key; the
// commitment table lets an unwrap attempt locate its entry without a
// trial decryption per user.
func NewPrivate(p Params, users []*store.User) (*Created, error) {
	if len(users) == 0 {
		return nil, errkind.New(errkind.KindUsage, "share.create", "private share requires at least one user")
	}
	salt, err := crypto.NewSalt()
	if err != nil {
		return nil, err
	}

	w := payloadWriter{}
	w.raw(salt)
	w.u16(uint16(len(users)))
	for _, u := range users {
		sealed, err := crypto.SealAnonymous(u.PublicKey, p.FolderKey)
		if err != nil {
			return nil, errkind.New(errkind.KindUsage, "share.create", "user %s has no usable public key", u.Name)
		}
		c := commitment(salt, u.ID)
		w.raw(c[:])
		w.u16(uint16(len(sealed)))
		w.raw(sealed)
	}

	tok, err := encodeToken(p, store.AccessPrivate, w.buf)
	if err != nil {
		return nil, err
	}
	return &Created{Token: tok, Wrapped: w.buf}, nil
}

// commitment binds a user id to this share without revealing the id
// list to non-members: membership is checkable only by someone who
// already knows the id they are checking.
func commitment(salt []byte, userID string) [32]byte {
	mac := hmac.New(sha256.New, salt)
	mac.Write([]byte(userID))
	var out [32]byte
	copy(out[:], mac.Sum(nil))
	return out
}

func passwordVerifier(passKey []byte) ([]byte, error) {
	vk, err := crypto.DeriveSubkey(passKey, crypto.PurposeVerifier)
	if err != nil {
		return nil, err
	}
	return crypto.Hash(vk), nil
}

func denied() error {
	return errkind.New(errkind.KindDenied, "share.access", "access denied")
}
