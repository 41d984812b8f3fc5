package usenetsync

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/usenetsync/usenetsync/internal/bytesize"
	"github.com/usenetsync/usenetsync/pkg/config"
	"github.com/usenetsync/usenetsync/pkg/errkind"
	"github.com/usenetsync/usenetsync/pkg/nntp/nntptest"
	"github.com/usenetsync/usenetsync/pkg/share"
	"github.com/usenetsync/usenetsync/pkg/store"
)

func newTestService(t *testing.T) (*Service, *nntptest.Server) {
	t.Helper()
	srv, err := nntptest.NewServer()
	require.NoError(t, err)
	t.Cleanup(srv.Close)

	host, port := srv.Addr()
	noTLS := false
	packing := true
	cfg := &config.Config{
		Database: store.Config{
			Type:   store.DatabaseTypeSQLite,
			SQLite: store.SQLiteConfig{Path: ":memory:"},
		},
		Servers: []config.ServerConfig{{
			Host:           host,
			Port:           port,
			TLS:            &noTLS,
			Groups:         []string{"alt.binaries.backup"},
			MaxConnections: 4,
			ConnectTimeout: 5 * time.Second,
		}},
		Posting: config.PostingConfig{
			SegmentSize: bytesize.ByteSize(2048),
			Redundancy:  1,
			Workers:     2,
			Compression: "auto",
			MaxRetries:  1,
		},
		Download: config.DownloadConfig{Workers: 2, MaxRetries: 1},
		Packing:  config.PackingConfig{Enabled: &packing, Threshold: bytesize.ByteSize(600)},
		Spool:    config.SpoolConfig{Path: t.TempDir()},
	}

	s, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s, srv
}

func writeSourceTree(t *testing.T) (string, map[string][]byte) {
	t.Helper()
	dir := t.TempDir()
	files := map[string][]byte{
		"docs/report.txt": []byte("the quarterly numbers look fine"),
		"docs/notes.txt":  []byte("remember the milk"),
		"archive.bin":     make([]byte, 4500),
	}
	for i := range files["archive.bin"] {
		files["archive.bin"][i] = byte(i * 31)
	}
	for rel, content := range files {
		path := filepath.Join(dir, filepath.FromSlash(rel))
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, content, 0o644))
	}
	return dir, files
}

// publish walks a folder through the full owner-side lifecycle and
// returns the created share.
func publish(t *testing.T, s *Service, dir string, spec AccessSpec) (*store.Folder, *store.Share) {
	t.Helper()
	ctx := t.Context()

	user, err := s.CreateUser(ctx, "owner")
	require.NoError(t, err)

	folder, err := s.AddFolder(ctx, dir, "", user.User.ID)
	require.NoError(t, err)
	_, err = s.IndexFolder(ctx, folder.ID)
	require.NoError(t, err)

	h, err := s.UploadFolder(ctx, folder.ID)
	require.NoError(t, err)
	require.NoError(t, h.Wait(ctx))

	sh, err := s.PublishFolder(ctx, folder.ID, spec)
	require.NoError(t, err)
	return folder, sh
}

func TestServiceEndToEnd(t *testing.T) {
	s, _ := newTestService(t)
	ctx := t.Context()

	dir, files := writeSourceTree(t)
	folder, sh := publish(t, s, dir, AccessSpec{Type: store.AccessPublic})

	got, err := s.Store().GetFolder(ctx, folder.ID)
	require.NoError(t, err)
	assert.Equal(t, store.FolderPublished, got.State)

	target := t.TempDir()
	h, err := s.DownloadShare(ctx, sh.Token, target, nil, share.Credentials{})
	require.NoError(t, err)
	require.NoError(t, h.Wait(ctx))

	for rel, want := range files {
		data, err := os.ReadFile(filepath.Join(target, filepath.FromSlash(rel)))
		require.NoError(t, err, "missing %s", rel)
		assert.Equal(t, want, data, "content mismatch for %s", rel)
	}

	p, err := s.ItemProgress(ctx, h.ID)
	require.NoError(t, err)
	assert.Equal(t, store.ItemCompleted, p.State)
	assert.Equal(t, HandleDownload, p.Kind)
	assert.Equal(t, p.SegmentsTotal, p.SegmentsDone)
}

func TestUploadRequiresIndexedFolder(t *testing.T) {
	s, _ := newTestService(t)
	ctx := t.Context()

	user, err := s.CreateUser(ctx, "owner")
	require.NoError(t, err)
	folder, err := s.AddFolder(ctx, t.TempDir(), "", user.User.ID)
	require.NoError(t, err)

	_, err = s.UploadFolder(ctx, folder.ID)
	require.Error(t, err)
	assert.True(t, errkind.Is(err, errkind.KindUsage))
}

func TestPublishRequiresUploadedFolder(t *testing.T) {
	s, _ := newTestService(t)
	ctx := t.Context()

	dir, _ := writeSourceTree(t)
	user, err := s.CreateUser(ctx, "owner")
	require.NoError(t, err)
	folder, err := s.AddFolder(ctx, dir, "", user.User.ID)
	require.NoError(t, err)
	_, err = s.IndexFolder(ctx, folder.ID)
	require.NoError(t, err)

	_, err = s.PublishFolder(ctx, folder.ID, AccessSpec{Type: store.AccessPublic})
	require.Error(t, err)
	assert.True(t, errkind.Is(err, errkind.KindUsage))
}

func TestCreateUserRejectsDuplicates(t *testing.T) {
	s, _ := newTestService(t)
	ctx := t.Context()

	_, err := s.CreateUser(ctx, "alice")
	require.NoError(t, err)
	_, err = s.CreateUser(ctx, "alice")
	require.Error(t, err)
	assert.True(t, errkind.Is(err, errkind.KindUsage))
}

func TestProtectedShareDeniedWithoutFetching(t *testing.T) {
	s, srv := newTestService(t)
	ctx := t.Context()

	dir, _ := writeSourceTree(t)
	_, sh := publish(t, s, dir, AccessSpec{
		Type:       store.AccessProtected,
		Passphrase: "correct horse battery staple",
	})

	before := srv.ArticleCount()
	_, err := s.DownloadShare(ctx, sh.Token, t.TempDir(), nil, share.Credentials{
		Passphrase: "correct horse battery stapl",
	})
	require.Error(t, err)
	assert.True(t, errkind.Is(err, errkind.KindDenied))
	assert.Equal(t, before, srv.ArticleCount(), "denial must not touch the wire")

	items, err := s.Store().ListResumableDownloadItems(ctx)
	require.NoError(t, err)
	assert.Empty(t, items, "denied download must not be queued")
}

func TestPrivateShareAccess(t *testing.T) {
	s, _ := newTestService(t)
	ctx := t.Context()

	u1, err := s.CreateUser(ctx, "u1")
	require.NoError(t, err)
	u2, err := s.CreateUser(ctx, "u2")
	require.NoError(t, err)
	u3, err := s.CreateUser(ctx, "u3")
	require.NoError(t, err)

	dir, files := writeSourceTree(t)
	_, sh := publish(t, s, dir, AccessSpec{
		Type:    store.AccessPrivate,
		UserIDs: []string{u1.User.ID, u2.User.ID},
	})

	t.Run("listed user downloads", func(t *testing.T) {
		target := t.TempDir()
		h, err := s.DownloadShare(ctx, sh.Token, target, nil, share.Credentials{
			UserID:     u1.User.ID,
			PrivateKey: u1.PrivateKey,
		})
		require.NoError(t, err)
		require.NoError(t, h.Wait(ctx))

		data, err := os.ReadFile(filepath.Join(target, "docs", "report.txt"))
		require.NoError(t, err)
		assert.Equal(t, files["docs/report.txt"], data)
	})

	t.Run("unlisted user is denied", func(t *testing.T) {
		_, err := s.DownloadShare(ctx, sh.Token, t.TempDir(), nil, share.Credentials{
			UserID:     u3.User.ID,
			PrivateKey: u3.PrivateKey,
		})
		require.Error(t, err)
		assert.True(t, errkind.Is(err, errkind.KindDenied))
	})
}

func TestSelectiveDownload(t *testing.T) {
	s, _ := newTestService(t)
	ctx := t.Context()

	dir, files := writeSourceTree(t)
	_, sh := publish(t, s, dir, AccessSpec{Type: store.AccessPublic})

	target := t.TempDir()
	h, err := s.DownloadShare(ctx, sh.Token, target, []string{"archive.bin"}, share.Credentials{})
	require.NoError(t, err)
	require.NoError(t, h.Wait(ctx))

	data, err := os.ReadFile(filepath.Join(target, "archive.bin"))
	require.NoError(t, err)
	assert.Equal(t, files["archive.bin"], data)

	_, err = os.Stat(filepath.Join(target, "docs"))
	assert.True(t, os.IsNotExist(err), "unselected files must not be written")
}

func TestRevokeShareRotatesFolderKey(t *testing.T) {
	s, _ := newTestService(t)
	ctx := t.Context()

	dir, _ := writeSourceTree(t)
	folder, sh := publish(t, s, dir, AccessSpec{Type: store.AccessPublic})
	oldKey := append([]byte(nil), folder.FolderKey...)

	require.NoError(t, s.RevokeShare(ctx, sh.ID))

	got, err := s.Store().GetShare(ctx, sh.ID)
	require.NoError(t, err)
	assert.Equal(t, store.ShareInvalid, got.State)

	rotated, err := s.Store().GetFolder(ctx, folder.ID)
	require.NoError(t, err)
	assert.NotEqual(t, oldKey, rotated.FolderKey)
	assert.Equal(t, folder.Version+1, rotated.Version)
	assert.Equal(t, store.FolderIndexed, rotated.State)

	segs, err := s.Store().ListFolderSegments(ctx, folder.ID)
	require.NoError(t, err)
	assert.Empty(t, segs, "old ciphertext is useless under the new key")

	// The folder republishes from scratch under the rotated key.
	h, err := s.UploadFolder(ctx, folder.ID)
	require.NoError(t, err)
	require.NoError(t, h.Wait(ctx))
	fresh, err := s.PublishFolder(ctx, folder.ID, AccessSpec{Type: store.AccessPublic})
	require.NoError(t, err)
	assert.NotEqual(t, sh.Token, fresh.Token)
}

func TestQueueControlOnFinishedItem(t *testing.T) {
	s, _ := newTestService(t)
	ctx := t.Context()

	dir, _ := writeSourceTree(t)
	user, err := s.CreateUser(ctx, "owner")
	require.NoError(t, err)
	folder, err := s.AddFolder(ctx, dir, "", user.User.ID)
	require.NoError(t, err)
	_, err = s.IndexFolder(ctx, folder.ID)
	require.NoError(t, err)

	h, err := s.UploadFolder(ctx, folder.ID)
	require.NoError(t, err)
	require.NoError(t, h.Wait(ctx))

	state, err := s.Pause(ctx, h.ID)
	require.NoError(t, err)
	assert.Equal(t, store.ItemCompleted, state, "pausing a finished item changes nothing")

	state, err = s.Cancel(ctx, h.ID)
	require.NoError(t, err)
	assert.Equal(t, store.ItemCompleted, state)

	_, err = s.Resume(ctx, h.ID, share.Credentials{})
	require.Error(t, err)
	assert.True(t, errkind.Is(err, errkind.KindUsage))
}

func TestProgressUnknownHandle(t *testing.T) {
	s, _ := newTestService(t)

	_, err := s.ItemProgress(t.Context(), "no-such-item")
	require.Error(t, err)
	assert.True(t, errkind.Is(err, errkind.KindNotFound))
}
