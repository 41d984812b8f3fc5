package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"io"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/hkdf"

	"github.com/usenetsync/usenetsync/pkg/errkind"
)

// Purpose labels for HKDF subkey derivation from a folder key. Every
// distinct use of the folder key goes through its own subkey so a leak
// in one domain never weakens another.
const (
	PurposeSegmentEncryption  = "usenetsync.v1.segment_encryption"
	PurposeSubjectObfuscation = "usenetsync.v1.subject_obfuscation"
	PurposeIndexEncryption    = "usenetsync.v1.index_encryption"
	PurposeVerifier           = "usenetsync.v1.password_verifier"
)

// SaltSize is the salt size for passphrase derivation.
const SaltSize = 16

// KDFParams tunes the memory-hard passphrase KDF (argon2id).
type KDFParams struct {
	Time    uint32 // passes over memory
	Memory  uint32 // KiB
	Threads uint8
}

// DefaultKDFParams returns the production argon2id cost: 3 passes over
// 64 MiB with 4 lanes.
func DefaultKDFParams() KDFParams {
	return KDFParams{Time: 3, Memory: 64 * 1024, Threads: 4}
}

// NewSalt generates a random KDF salt.
func NewSalt() ([]byte, error) {
	salt := make([]byte, SaltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, errkind.Wrap(errkind.KindInternal, "crypto.newsalt", err)
	}
	return salt, nil
}

// DeriveFromPassphrase derives a 256-bit wrapping key from a passphrase
// via argon2id. Deterministic for a given (passphrase, salt, params).
func DeriveFromPassphrase(passphrase string, salt []byte, params KDFParams) []byte {
	return argon2.IDKey([]byte(passphrase), salt, params.Time, params.Memory, params.Threads, KeySize)
}

// DeriveSubkey derives a per-purpose 256-bit subkey from a folder key
// using HKDF-SHA256. Deterministic so the receiver regenerates the same
// subkeys from the unwrapped folder key.
func DeriveSubkey(folderKey []byte, purpose string) ([]byte, error) {
	if len(folderKey) != KeySize {
		return nil, errkind.New(errkind.KindInternal, "crypto.subkey", "bad folder key length %d", len(folderKey))
	}
	out := make([]byte, KeySize)
	r := hkdf.New(sha256.New, folderKey, nil, []byte(purpose))
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, errkind.Wrap(errkind.KindInternal, "crypto.subkey", err)
	}
	return out, nil
}
