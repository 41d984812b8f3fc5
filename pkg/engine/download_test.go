package engine

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/usenetsync/usenetsync/pkg/errkind"
	"github.com/usenetsync/usenetsync/pkg/share"
	"github.com/usenetsync/usenetsync/pkg/store"
)

// fileSegments returns the posted segment rows belonging to one
// relative path, for article-removal scenarios.
func fileSegments(t *testing.T, fx *fixture, rel string) []*store.Segment {
	t.Helper()
	ctx := t.Context()

	files, err := fx.st.ListFiles(ctx, fx.folder.ID)
	require.NoError(t, err)
	var fileID string
	for _, f := range files {
		if f.RelativePath == rel {
			fileID = f.ID
		}
	}
	require.NotEmpty(t, fileID, "no file row for %s", rel)

	segs, err := fx.st.ListFolderSegments(ctx, fx.folder.ID)
	require.NoError(t, err)
	var out []*store.Segment
	for _, s := range segs {
		if s.FileID != nil && *s.FileID == fileID {
			out = append(out, s)
		}
	}
	require.NotEmpty(t, out, "no segments for %s", rel)
	return out
}

func TestDownloadSelectorsExtractOnlyRequested(t *testing.T) {
	fx := publishTestFolder(t, testUploadOptions(t))

	item, target, err := fx.download(t, fx.token, "notes/todo.txt\n", share.Credentials{})
	require.NoError(t, err)
	assert.Equal(t, store.ItemCompleted, item.State)

	got, err := os.ReadFile(filepath.Join(target, "notes", "todo.txt"))
	require.NoError(t, err)
	assert.Equal(t, fx.files["notes/todo.txt"], got)

	for _, rel := range []string{"media/movie.bin", "notes/readme.txt", "empty.dat"} {
		_, err := os.Stat(filepath.Join(target, filepath.FromSlash(rel)))
		assert.True(t, os.IsNotExist(err), "%s should not have been written", rel)
	}
}

func TestDownloadUsesRedundantCopy(t *testing.T) {
	opts := testUploadOptions(t)
	opts.Redundancy = 2
	fx := publishTestFolder(t, opts)

	// Expire one primary article; the copy posted alongside it must
	// cover the gap.
	segs := fileSegments(t, fx, "media/movie.bin")
	for _, s := range segs {
		if s.RedundancyIndex == 0 {
			fx.srv.RemoveArticle(*s.MessageID)
			break
		}
	}

	_, target, err := fx.download(t, fx.token, "", share.Credentials{})
	require.NoError(t, err)
	assertTreesEqual(t, fx.source, target, fx.files)
}

func TestDownloadSkipsFilesAlreadyOnDisk(t *testing.T) {
	fx := publishTestFolder(t, testUploadOptions(t))
	ctx := t.Context()

	// Expire every article for the large file, then pre-place it in the
	// target. The run can only succeed by skipping the fetch entirely.
	for _, s := range fileSegments(t, fx, "media/movie.bin") {
		fx.srv.RemoveArticle(*s.MessageID)
	}

	st := newTestStore(t)
	target := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(target, "media"), 0o755))
	require.NoError(t, os.WriteFile(
		filepath.Join(target, "media", "movie.bin"), fx.files["media/movie.bin"], 0o644))

	item := &store.DownloadItem{
		QueueItem: store.QueueItem{ID: "dl-resume", EntityRef: fx.folder.ID},
		Token:     fx.token,
		TargetDir: target,
	}
	require.NoError(t, st.CreateDownloadItem(ctx, item))

	dl := NewDownloader(st, fx.trans, DownloadOptions{Workers: 2, MaxRetries: 1}, nil)
	require.NoError(t, dl.Run(ctx, item.ID, share.Credentials{}))

	for rel, want := range fx.files {
		got, err := os.ReadFile(filepath.Join(target, filepath.FromSlash(rel)))
		require.NoError(t, err)
		assert.Equal(t, want, got, "file %s content mismatch", rel)
	}
}

func TestDownloadFailsWhenArticlesExpired(t *testing.T) {
	fx := publishTestFolder(t, testUploadOptions(t))

	for _, s := range fileSegments(t, fx, "media/movie.bin") {
		fx.srv.RemoveArticle(*s.MessageID)
	}

	item, _, err := fx.download(t, fx.token, "", share.Credentials{})
	require.Error(t, err)
	assert.True(t, errkind.Is(err, errkind.KindNotFound), "expired articles surface as not-found, got %v", err)
	assert.Equal(t, store.ItemFailed, item.State)
}

func TestDownloadProtectedShare(t *testing.T) {
	fx := publishTestFolder(t, testUploadOptions(t))

	created, err := share.NewProtected(fx.params, "hunter2")
	require.NoError(t, err)

	t.Run("wrong passphrase is denied", func(t *testing.T) {
		_, _, err := fx.download(t, created.Token, "", share.Credentials{Passphrase: "wrong"})
		require.Error(t, err)
		assert.True(t, errkind.Is(err, errkind.KindDenied))
	})

	t.Run("correct passphrase downloads", func(t *testing.T) {
		_, target, err := fx.download(t, created.Token, "", share.Credentials{Passphrase: "hunter2"})
		require.NoError(t, err)
		assertTreesEqual(t, fx.source, target, fx.files)
	})
}

func TestDownloadGarbageTokenIsDenied(t *testing.T) {
	fx := publishTestFolder(t, testUploadOptions(t))

	item, _, err := fx.download(t, "usenetsync://bm90LWEtdG9rZW4", "", share.Credentials{})
	require.Error(t, err)
	assert.True(t, errkind.Is(err, errkind.KindDenied))
	assert.Equal(t, store.ItemQueued, item.State, "denied before the item ever starts running")
}

func TestDownloadFailsOverToSecondServer(t *testing.T) {
	fx := publishTestFolder(t, testUploadOptions(t))

	// A second server that carries nothing sorts first; every fetch has
	// to fall through to the one holding the articles.
	_, emptyServer := newTestServer(t)
	emptyServer.Priority = 0
	fx.server.Priority = 1
	fx.trans = testTransports(t, emptyServer, fx.server)

	_, target, err := fx.download(t, fx.token, "", share.Credentials{})
	require.NoError(t, err)
	assertTreesEqual(t, fx.source, target, fx.files)
}
