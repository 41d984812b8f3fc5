package crypto

import (
	"bytes"
	"crypto/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/usenetsync/usenetsync/pkg/errkind"
)

// testKDFParams keeps argon2 cheap in tests.
func testKDFParams() KDFParams {
	return KDFParams{Time: 1, Memory: 64, Threads: 1}
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	key, err := NewKey()
	require.NoError(t, err)

	plaintext := make([]byte, 768000)
	_, err = rand.Read(plaintext)
	require.NoError(t, err)

	nonce, ct, err := Encrypt(key, plaintext)
	require.NoError(t, err)
	assert.Len(t, nonce, NonceSize)
	assert.Len(t, ct, len(plaintext)+Overhead)

	got, err := Decrypt(key, nonce, ct)
	require.NoError(t, err)
	assert.Equal(t, plaintext, got)
}

func TestEncryptFreshNoncePerCall(t *testing.T) {
	key, err := NewKey()
	require.NoError(t, err)

	n1, c1, err := Encrypt(key, []byte("segment"))
	require.NoError(t, err)
	n2, c2, err := Encrypt(key, []byte("segment"))
	require.NoError(t, err)

	assert.NotEqual(t, n1, n2)
	assert.NotEqual(t, c1, c2)
}

func TestDecryptAuthenticationFailure(t *testing.T) {
	key, err := NewKey()
	require.NoError(t, err)
	nonce, ct, err := Encrypt(key, []byte("payload"))
	require.NoError(t, err)

	t.Run("tampered ciphertext", func(t *testing.T) {
		bad := append([]byte{}, ct...)
		bad[0] ^= 0xff
		_, err := Decrypt(key, nonce, bad)
		require.Error(t, err)
		assert.Equal(t, errkind.KindIntegrity, errkind.KindOf(err))
	})

	t.Run("wrong key", func(t *testing.T) {
		other, err := NewKey()
		require.NoError(t, err)
		_, err = Decrypt(other, nonce, ct)
		require.Error(t, err)
		assert.Equal(t, errkind.KindIntegrity, errkind.KindOf(err))
	})

	t.Run("bad nonce length", func(t *testing.T) {
		_, err := Decrypt(key, nonce[:4], ct)
		require.Error(t, err)
		assert.Equal(t, errkind.KindIntegrity, errkind.KindOf(err))
	})
}

func TestSealOpen(t *testing.T) {
	key, err := NewKey()
	require.NoError(t, err)

	sealed, err := Seal(key, []byte("folder key material"))
	require.NoError(t, err)

	got, err := Open(key, sealed)
	require.NoError(t, err)
	assert.Equal(t, []byte("folder key material"), got)

	_, err = Open(key, sealed[:NonceSize+Overhead-1])
	require.Error(t, err)
	assert.Equal(t, errkind.KindIntegrity, errkind.KindOf(err))
}

func TestHashFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "doc.txt")
	data := bytes.Repeat([]byte("usenet"), 1000)
	require.NoError(t, os.WriteFile(path, data, 0o644))

	digest, size, err := HashFile(path)
	require.NoError(t, err)
	assert.Equal(t, int64(len(data)), size)
	assert.Equal(t, Hash(data), digest)
	assert.Len(t, digest, HashSize)

	_, _, err = HashFile(filepath.Join(dir, "missing"))
	require.Error(t, err)
	assert.Equal(t, errkind.KindNotFound, errkind.KindOf(err))
}

func TestDeriveFromPassphraseDeterministic(t *testing.T) {
	salt, err := NewSalt()
	require.NoError(t, err)

	k1 := DeriveFromPassphrase("correct horse battery staple", salt, testKDFParams())
	k2 := DeriveFromPassphrase("correct horse battery staple", salt, testKDFParams())
	k3 := DeriveFromPassphrase("correct horse battery staplf", salt, testKDFParams())

	assert.Equal(t, k1, k2)
	assert.NotEqual(t, k1, k3)
	assert.Len(t, k1, KeySize)
}

func TestDeriveSubkeySeparation(t *testing.T) {
	folderKey, err := NewKey()
	require.NoError(t, err)

	enc, err := DeriveSubkey(folderKey, PurposeSegmentEncryption)
	require.NoError(t, err)
	subj, err := DeriveSubkey(folderKey, PurposeSubjectObfuscation)
	require.NoError(t, err)
	encAgain, err := DeriveSubkey(folderKey, PurposeSegmentEncryption)
	require.NoError(t, err)

	assert.Equal(t, enc, encAgain, "subkeys are deterministic")
	assert.NotEqual(t, enc, subj, "purposes separate key domains")

	_, err = DeriveSubkey(folderKey[:16], PurposeSegmentEncryption)
	require.Error(t, err)
}
