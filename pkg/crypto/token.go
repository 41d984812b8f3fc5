package crypto

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"io"

	"github.com/usenetsync/usenetsync/pkg/errkind"
)

// shareTokenEntropy is the random byte count behind a share identifier:
// 192 bits, comfortably above the 128-bit floor.
const shareTokenEntropy = 24

// GenerateShareToken returns a high-entropy opaque identifier with no
// structure revealing access type. base64url without padding.
func GenerateShareToken() (string, error) {
	raw := make([]byte, shareTokenEntropy)
	if _, err := io.ReadFull(rand.Reader, raw); err != nil {
		return "", errkind.Wrap(errkind.KindInternal, "crypto.sharetoken", err)
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}

// GenerateUserID returns a stable opaque 256-bit identity, hex encoded.
// Generated once at identity bootstrap and never reused.
func GenerateUserID() (string, error) {
	raw := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, raw); err != nil {
		return "", errkind.Wrap(errkind.KindInternal, "crypto.userid", err)
	}
	return hex.EncodeToString(raw), nil
}

// GenerateAPIKey returns a 128-bit API key, base64url encoded.
func GenerateAPIKey() (string, error) {
	raw := make([]byte, 16)
	if _, err := io.ReadFull(rand.Reader, raw); err != nil {
		return "", errkind.Wrap(errkind.KindInternal, "crypto.apikey", err)
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}
