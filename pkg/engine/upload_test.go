package engine

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/usenetsync/usenetsync/pkg/errkind"
	"github.com/usenetsync/usenetsync/pkg/indexer"
	"github.com/usenetsync/usenetsync/pkg/store"
)

func TestUploadRequiresIndexedFolder(t *testing.T) {
	ctx := t.Context()
	st := newTestStore(t)
	_, server := newTestServer(t)

	folder, err := indexer.New(st).CreateFolder(ctx, t.TempDir(), "", "owner1")
	require.NoError(t, err)

	item := &store.UploadItem{QueueItem: store.QueueItem{ID: uuid.NewString(), EntityRef: folder.ID}}
	require.NoError(t, st.CreateUploadItem(ctx, item))

	up := NewUploader(st, testTransports(t, server), testUploadOptions(t), nil)
	err = up.Run(ctx, item.ID)
	require.Error(t, err)
	assert.True(t, errkind.Is(err, errkind.KindUsage))

	got, err := st.GetUploadItem(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, store.ItemFailed, got.State)
}

func TestUploadRejectsSegmentSizeOverServerLimit(t *testing.T) {
	ctx := t.Context()
	opts := testUploadOptions(t)
	fx := stageUpload(t, opts)
	fx.srv.SetMaxArticleSize(int64(opts.SegmentSize) - 1)

	err := fx.up.Run(ctx, fx.uploadItemID)
	require.Error(t, err)
	assert.True(t, errkind.Is(err, errkind.KindUsage))
	assert.Zero(t, fx.srv.PostedCount(), "the limit check runs before any posting")

	got, err := fx.st.GetUploadItem(ctx, fx.uploadItemID)
	require.NoError(t, err)
	assert.Equal(t, store.ItemFailed, got.State)
}

func TestUploadAcceptsSegmentSizeWithinServerLimit(t *testing.T) {
	ctx := t.Context()
	opts := testUploadOptions(t)
	fx := stageUpload(t, opts)
	fx.srv.SetMaxArticleSize(int64(opts.SegmentSize))

	require.NoError(t, fx.up.Run(ctx, fx.uploadItemID))

	folder, err := fx.st.GetFolder(ctx, fx.folder.ID)
	require.NoError(t, err)
	assert.Equal(t, store.FolderUploaded, folder.State)
}

func TestUploadPostsEverySegmentOnce(t *testing.T) {
	fx := publishTestFolder(t, testUploadOptions(t))

	segs, err := fx.st.ListFolderSegments(t.Context(), fx.folder.ID)
	require.NoError(t, err)
	require.NotEmpty(t, segs)

	for _, s := range segs {
		require.NotNil(t, s.MessageID, "segment %d has no recorded message id", s.Index)
		_, ok := fx.srv.Article(*s.MessageID)
		assert.True(t, ok, "segment %d article missing from server", s.Index)
	}
}

func TestUploadArticlesCarryVersionHeader(t *testing.T) {
	fx := publishTestFolder(t, testUploadOptions(t))

	segs, err := fx.st.ListFolderSegments(t.Context(), fx.folder.ID)
	require.NoError(t, err)
	require.NotEmpty(t, segs)

	a, ok := fx.srv.Article(*segs[0].MessageID)
	require.True(t, ok)
	assert.Equal(t, "1", a.Headers["x-usenetsync-version"])
	assert.Regexp(t, `^\[\d+/\d+\] [0-9a-f]+ yEnc$`, a.Subject,
		"wire subject must be the obfuscated form")
}

func TestUploadRetriesFlakyPost(t *testing.T) {
	t.Parallel()

	ctx := t.Context()
	st := newTestStore(t)
	srv, server := newTestServer(t)
	srv.FailNextPost(441, "posting failed, try later")

	source := t.TempDir()
	writeTree(t, source, sourceTree())

	ix := indexer.New(st)
	folder, err := ix.CreateFolder(ctx, source, "", "owner1")
	require.NoError(t, err)
	_, err = ix.Scan(ctx, folder.ID)
	require.NoError(t, err)

	item := &store.UploadItem{QueueItem: store.QueueItem{ID: uuid.NewString(), EntityRef: folder.ID}}
	require.NoError(t, st.CreateUploadItem(ctx, item))

	up := NewUploader(st, testTransports(t, server), testUploadOptions(t), nil)
	require.NoError(t, up.Run(ctx, item.ID))

	segs, err := st.ListFolderSegments(ctx, folder.ID)
	require.NoError(t, err)
	assert.Equal(t, len(segs), srv.PostedCount(), "each segment posts exactly once despite the retry")
}

func TestUploadFailsOverToSecondServer(t *testing.T) {
	t.Parallel()

	ctx := t.Context()
	st := newTestStore(t)
	srvA, serverA := newTestServer(t)
	srvB, serverB := newTestServer(t)

	// Server A does not carry the group, so every post there fails and
	// the uploader moves on to B.
	serverA.Groups = []string{"alt.binaries.elsewhere"}
	serverA.Priority = 0
	serverB.Priority = 1

	source := t.TempDir()
	writeTree(t, source, sourceTree())

	ix := indexer.New(st)
	folder, err := ix.CreateFolder(ctx, source, "", "owner1")
	require.NoError(t, err)
	_, err = ix.Scan(ctx, folder.ID)
	require.NoError(t, err)

	item := &store.UploadItem{QueueItem: store.QueueItem{ID: uuid.NewString(), EntityRef: folder.ID}}
	require.NoError(t, st.CreateUploadItem(ctx, item))

	up := NewUploader(st, testTransports(t, serverA, serverB), testUploadOptions(t), nil)
	require.NoError(t, up.Run(ctx, item.ID))

	assert.Zero(t, srvA.PostedCount())
	segs, err := st.ListFolderSegments(ctx, folder.ID)
	require.NoError(t, err)
	assert.Equal(t, len(segs), srvB.PostedCount())
}

func TestUploadRerunRepostsNothing(t *testing.T) {
	fx := publishTestFolder(t, testUploadOptions(t))
	ctx := t.Context()

	posted := fx.srv.PostedCount()

	item := &store.UploadItem{QueueItem: store.QueueItem{ID: uuid.NewString(), EntityRef: fx.folder.ID}}
	require.NoError(t, fx.st.CreateUploadItem(ctx, item))
	require.NoError(t, fx.up.Run(ctx, item.ID))

	assert.Equal(t, posted, fx.srv.PostedCount(), "a fully posted folder must not repost")

	got, err := fx.st.GetUploadItem(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, store.ItemCompleted, got.State)
}

func TestUploadInterruptedPartwayResumesWithoutReposting(t *testing.T) {
	ctx := t.Context()
	opts := testUploadOptions(t)
	opts.Workers = 1
	fx := stageUpload(t, opts)

	// Kill posting after the third success. The next segment fails
	// permanently and the run stops with partial progress recorded.
	fx.srv.SetPostHook(func(posted int) {
		if posted == 3 {
			fx.srv.FailNextPost(440, "posting not permitted")
		}
	})

	err := fx.up.Run(ctx, fx.uploadItemID)
	require.Error(t, err)
	assert.Equal(t, 3, fx.srv.PostedCount())

	got, err := fx.st.GetUploadItem(ctx, fx.uploadItemID)
	require.NoError(t, err)
	assert.Equal(t, store.ItemFailed, got.State)

	items, err := fx.st.ListResumableUploadItems(ctx)
	require.NoError(t, err)
	require.Len(t, items, 1, "an interrupted item stays resumable")

	fx.srv.SetPostHook(nil)
	require.NoError(t, fx.up.Run(ctx, fx.uploadItemID))

	segs, err := fx.st.ListFolderSegments(ctx, fx.folder.ID)
	require.NoError(t, err)
	require.NotEmpty(t, segs)
	assert.Equal(t, len(segs), fx.srv.PostedCount(),
		"each segment posts exactly once across both runs")

	seen := map[string]bool{}
	for _, s := range segs {
		require.NotNil(t, s.MessageID, "segment %d has no recorded message id", s.Index)
		assert.False(t, seen[*s.MessageID], "message id recorded twice")
		seen[*s.MessageID] = true
	}

	folder, err := fx.st.GetFolder(ctx, fx.folder.ID)
	require.NoError(t, err)
	assert.Equal(t, store.FolderUploaded, folder.State)
}

func TestUploadItemProgressAccountsAllBytes(t *testing.T) {
	fx := publishTestFolder(t, testUploadOptions(t))
	ctx := t.Context()

	items, err := fx.st.ListResumableUploadItems(ctx)
	require.NoError(t, err)
	assert.Empty(t, items, "completed items are not resumable")

	segs, err := fx.st.ListFolderSegments(ctx, fx.folder.ID)
	require.NoError(t, err)
	var want int64
	for _, s := range segs {
		want += s.StoredSize
	}

	rows, err := fx.st.ListProgress(ctx, fx.uploadItemID)
	require.NoError(t, err)
	require.NotEmpty(t, rows)
	var done int64
	for _, r := range rows {
		assert.Equal(t, "completed", r.State)
		done += r.BytesDone
	}
	assert.Equal(t, want, done)
}
