package share

import (
	"crypto/hmac"
	"time"

	"github.com/usenetsync/usenetsync/pkg/crypto"
	"github.com/usenetsync/usenetsync/pkg/store"
)

// Unwrap recovers the folder key from a parsed token. Every failure
// mode collapses into the same denial.
func (t *Token) Unwrap(creds Credentials) ([]byte, error) {
	return t.unwrapAt(creds, time.Now())
}

func (t *Token) unwrapAt(creds Credentials, now time.Time) ([]byte, error) {
	if t.ExpiresAt != nil && now.After(*t.ExpiresAt) {
		return nil, denied()
	}

	switch t.Access {
	case store.AccessPublic:
		return t.unwrapPublic()
	case store.AccessProtected:
		return t.unwrapProtected(creds.Passphrase)
	case store.AccessPrivate:
		return t.unwrapPrivate(creds.UserID, creds.PrivateKey)
	default:
		return nil, denied()
	}
}

func (t *Token) unwrapPublic() ([]byte, error) {
	key, err := crypto.Open(publicWrapKeyV1[:], t.Wrapped)
	if err != nil {
		return nil, denied()
	}
	return key, nil
}

func (t *Token) unwrapProtected(passphrase string) ([]byte, error) {
	if passphrase == "" {
		return nil, denied()
	}
	if len(t.Wrapped) < crypto.SaltSize+crypto.HashSize {
		return nil, denied()
	}
	salt := t.Wrapped[:crypto.SaltSize]
	verifier := t.Wrapped[crypto.SaltSize : crypto.SaltSize+crypto.HashSize]
	sealed := t.Wrapped[crypto.SaltSize+crypto.HashSize:]

	passKey := crypto.DeriveFromPassphrase(passphrase, salt, crypto.DefaultKDFParams())
	want, err := passwordVerifier(passKey)
	if err != nil {
		return nil, denied()
	}
	// Fail fast on a wrong passphrase without attempting decryption.
	if !hmac.Equal(verifier, want) {
		return nil, denied()
	}

	key, err := crypto.Open(passKey, sealed)
	if err != nil {
		return nil, denied()
	}
	return key, nil
}

func (t *Token) unwrapPrivate(userID string, privateKey []byte) ([]byte, error) {
	if userID == "" || len(privateKey) != crypto.BoxKeySize {
		return nil, denied()
	}

	r := payloadReader{buf: t.Wrapped}
	salt, err := r.bytes(crypto.SaltSize)
	if err != nil {
		return nil, denied()
	}
	count, err := r.u16()
	if err != nil || count == 0 {
		return nil, denied()
	}

	mine := commitment(salt, userID)
	var sealed []byte
	for i := 0; i < int(count); i++ {
		c, err := r.bytes(32)
		if err != nil {
			return nil, denied()
		}
		n, err := r.u16()
		if err != nil {
			return nil, denied()
		}
		entry, err := r.bytes(int(n))
		if err != nil {
			return nil, denied()
		}
		if hmac.Equal(c, mine[:]) {
			sealed = entry
		}
	}
	if sealed == nil {
		return nil, denied()
	}

	pub, err := crypto.PublicFromPrivate(privateKey)
	if err != nil {
		return nil, denied()
	}
	key, err := crypto.OpenAnonymous(pub, privateKey, sealed)
	if err != nil {
		return nil, denied()
	}
	return key, nil
}

// VerifyAccess is the single entry point the download path uses: parse
// a token string and recover the folder key, or be denied.
func VerifyAccess(token string, creds Credentials) ([]byte, *Token, error) {
	t, err := Parse(token)
	if err != nil {
		return nil, nil, err
	}
	key, err := t.Unwrap(creds)
	if err != nil {
		return nil, nil, err
	}
	return key, t, nil
}
