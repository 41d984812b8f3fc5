package crypto

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"io"

	"github.com/usenetsync/usenetsync/pkg/errkind"
)

// Subject obfuscation is a two-layer construction.
//
// The inner subject is deterministic: given the folder's subject subkey
// and a segment coordinate it always produces the same 16-byte token, so
// a receiver holding the folder key can regenerate it. Without the key
// it is indistinguishable from random.
//
// The outer subject adds one-time randomness per posting so redundancy
// copies and reposts of the same segment never share a wire subject.
// Retrieval is by Message-ID, so the outer layer never needs inverting.

// InnerSubjectSize is the deterministic inner token size in bytes.
const InnerSubjectSize = 16

// outerNonceSize is the per-posting random prefix of an outer subject.
const outerNonceSize = 8

// InnerSubject derives the deterministic inner subject token for a
// segment. subjectKey must be the PurposeSubjectObfuscation subkey.
func InnerSubject(subjectKey []byte, folderID string, version uint32, segmentIndex uint32) ([]byte, error) {
	if len(subjectKey) != KeySize {
		return nil, errkind.New(errkind.KindInternal, "crypto.subject", "bad subject key length %d", len(subjectKey))
	}

	mac := hmac.New(sha256.New, subjectKey)
	mac.Write([]byte(folderID))
	var coord [8]byte
	binary.LittleEndian.PutUint32(coord[0:4], version)
	binary.LittleEndian.PutUint32(coord[4:8], segmentIndex)
	mac.Write(coord[:])

	return mac.Sum(nil)[:InnerSubjectSize], nil
}

// OuterSubject wraps an inner subject token with per-posting randomness.
// The result is hex so it survives any header transport untouched.
func OuterSubject(subjectKey, innerSubject []byte) (string, error) {
	nonce := make([]byte, outerNonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", errkind.Wrap(errkind.KindInternal, "crypto.subject", err)
	}

	mac := hmac.New(sha256.New, subjectKey)
	mac.Write(nonce)
	mac.Write(innerSubject)
	tag := mac.Sum(nil)[:InnerSubjectSize]

	return hex.EncodeToString(nonce) + hex.EncodeToString(tag), nil
}

// VerifyOuterSubject reports whether an outer subject was produced from
// the given inner subject under subjectKey. Used when scavenging copies
// by subject rather than Message-ID.
func VerifyOuterSubject(subjectKey, innerSubject []byte, outer string) bool {
	raw, err := hex.DecodeString(outer)
	if err != nil || len(raw) != outerNonceSize+InnerSubjectSize {
		return false
	}
	mac := hmac.New(sha256.New, subjectKey)
	mac.Write(raw[:outerNonceSize])
	mac.Write(innerSubject)
	want := mac.Sum(nil)[:InnerSubjectSize]
	return hmac.Equal(want, raw[outerNonceSize:])
}
