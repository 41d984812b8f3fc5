package share

import (
	"bytes"
	"encoding/hex"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/usenetsync/usenetsync/pkg/crypto"
	"github.com/usenetsync/usenetsync/pkg/errkind"
	"github.com/usenetsync/usenetsync/pkg/store"
)

func testParams(t *testing.T) (Params, []byte) {
	t.Helper()
	folderKey, err := crypto.NewKey()
	require.NoError(t, err)
	return Params{
		FolderID:  hex.EncodeToString(bytes.Repeat([]byte{0xab}, 16)),
		FolderKey: folderKey,
		IndexRefs: []string{"<idx0@srv>", "<idx1@srv>"},
	}, folderKey
}

func testUser(t *testing.T, name string) (*store.User, []byte) {
	t.Helper()
	pub, priv, err := crypto.NewBoxKeyPair()
	require.NoError(t, err)
	id, err := crypto.GenerateUserID()
	require.NoError(t, err)
	return &store.User{ID: id, Name: name, PublicKey: pub}, priv
}

func TestPublicShareRoundTrip(t *testing.T) {
	p, folderKey := testParams(t)

	created, err := NewPublic(p)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(created.Token, Scheme))

	key, tok, err := VerifyAccess(created.Token, Credentials{})
	require.NoError(t, err)
	assert.Equal(t, folderKey, key)
	assert.Equal(t, store.AccessPublic, tok.Access)
	assert.Equal(t, p.FolderID, tok.FolderIDHex())
	assert.Equal(t, p.IndexRefs, tok.IndexRefs)
}

func TestProtectedShare(t *testing.T) {
	p, folderKey := testParams(t)

	created, err := NewProtected(p, "correct horse")
	require.NoError(t, err)
	assert.Len(t, created.KDFSalt, crypto.SaltSize)
	assert.Len(t, created.PasswordVerifier, crypto.HashSize)

	t.Run("correct passphrase", func(t *testing.T) {
		key, _, err := VerifyAccess(created.Token, Credentials{Passphrase: "correct horse"})
		require.NoError(t, err)
		assert.Equal(t, folderKey, key)
	})

	t.Run("wrong passphrase is denied", func(t *testing.T) {
		_, _, err := VerifyAccess(created.Token, Credentials{Passphrase: "battery staple"})
		require.Error(t, err)
		assert.True(t, errkind.Is(err, errkind.KindDenied))
	})

	t.Run("missing passphrase is denied", func(t *testing.T) {
		_, _, err := VerifyAccess(created.Token, Credentials{})
		require.Error(t, err)
		assert.True(t, errkind.Is(err, errkind.KindDenied))
	})
}

func TestProtectedShareRequiresPassphrase(t *testing.T) {
	p, _ := testParams(t)
	_, err := NewProtected(p, "")
	require.Error(t, err)
	assert.True(t, errkind.Is(err, errkind.KindUsage))
}

func TestPrivateShare(t *testing.T) {
	p, folderKey := testParams(t)

	u1, priv1 := testUser(t, "alice")
	u2, priv2 := testUser(t, "bob")
	u3, priv3 := testUser(t, "mallory")

	created, err := NewPrivate(p, []*store.User{u1, u2})
	require.NoError(t, err)

	t.Run("listed users recover the key", func(t *testing.T) {
		key, _, err := VerifyAccess(created.Token, Credentials{UserID: u1.ID, PrivateKey: priv1})
		require.NoError(t, err)
		assert.Equal(t, folderKey, key)

		key, _, err = VerifyAccess(created.Token, Credentials{UserID: u2.ID, PrivateKey: priv2})
		require.NoError(t, err)
		assert.Equal(t, folderKey, key)
	})

	t.Run("unlisted user is denied", func(t *testing.T) {
		_, _, err := VerifyAccess(created.Token, Credentials{UserID: u3.ID, PrivateKey: priv3})
		require.Error(t, err)
		assert.True(t, errkind.Is(err, errkind.KindDenied))
	})

	t.Run("listed id with wrong private key is denied", func(t *testing.T) {
		_, _, err := VerifyAccess(created.Token, Credentials{UserID: u1.ID, PrivateKey: priv3})
		require.Error(t, err)
		assert.True(t, errkind.Is(err, errkind.KindDenied))
	})
}

func TestPrivateShareRequiresUsers(t *testing.T) {
	p, _ := testParams(t)
	_, err := NewPrivate(p, nil)
	require.Error(t, err)
	assert.True(t, errkind.Is(err, errkind.KindUsage))
}

func TestExpiredTokenIsDenied(t *testing.T) {
	p, _ := testParams(t)
	past := time.Now().Add(-time.Hour)
	p.ExpiresAt = &past

	created, err := NewPublic(p)
	require.NoError(t, err)

	_, _, err = VerifyAccess(created.Token, Credentials{})
	require.Error(t, err)
	assert.True(t, errkind.Is(err, errkind.KindDenied))
}

func TestFutureExpiryStillWorks(t *testing.T) {
	p, folderKey := testParams(t)
	future := time.Now().Add(time.Hour)
	p.ExpiresAt = &future

	created, err := NewPublic(p)
	require.NoError(t, err)

	key, tok, err := VerifyAccess(created.Token, Credentials{})
	require.NoError(t, err)
	assert.Equal(t, folderKey, key)
	require.NotNil(t, tok.ExpiresAt)
	assert.Equal(t, future.Unix(), tok.ExpiresAt.Unix())
}

func TestTamperedTokenIsDenied(t *testing.T) {
	p, _ := testParams(t)
	created, err := NewPublic(p)
	require.NoError(t, err)

	raw := []byte(created.Token)
	raw[len(raw)-1] ^= 0x01

	_, err = Parse(string(raw))
	require.Error(t, err)
	assert.True(t, errkind.Is(err, errkind.KindDenied))
}

func TestParseGarbage(t *testing.T) {
	tests := []struct {
		name  string
		token string
	}{
		{"empty", ""},
		{"wrong scheme", "https://example.com/x"},
		{"bad base64", Scheme + "!!!"},
		{"random bytes", Scheme + "aGVsbG8gd29ybGQgdGhpcyBpcyBub3QgYSB0b2tlbg"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(tt.token)
			require.Error(t, err)
			assert.True(t, errkind.Is(err, errkind.KindDenied))
		})
	}
}

func TestTokenSurfaceIsOpaque(t *testing.T) {
	p, _ := testParams(t)

	pub, err := NewPublic(p)
	require.NoError(t, err)
	prot, err := NewProtected(p, "pw")
	require.NoError(t, err)

	// Nothing in the string hints at the access type, and two tokens
	// for the same share differ.
	for _, tok := range []string{pub.Token, prot.Token} {
		body := strings.TrimPrefix(tok, Scheme)
		assert.NotContains(t, strings.ToLower(body), "public")
		assert.NotContains(t, strings.ToLower(body), "protected")
	}
	pub2, err := NewPublic(p)
	require.NoError(t, err)
	assert.NotEqual(t, pub.Token, pub2.Token)
}

func TestCreateRejectsBadInputs(t *testing.T) {
	p, _ := testParams(t)

	t.Run("bad folder id", func(t *testing.T) {
		bad := p
		bad.FolderID = "nothex"
		_, err := NewPublic(bad)
		require.Error(t, err)
	})

	t.Run("no index refs", func(t *testing.T) {
		bad := p
		bad.IndexRefs = nil
		_, err := NewPublic(bad)
		require.Error(t, err)
	})
}
