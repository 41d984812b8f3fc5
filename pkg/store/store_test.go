package store

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// createTestStore returns a store backed by an in-memory SQLite
// database that lives for the duration of the test.
func createTestStore(t *testing.T) *GORMStore {
	t.Helper()

	s, err := New(&Config{
		Type:   DatabaseTypeSQLite,
		SQLite: SQLiteConfig{Path: ":memory:"},
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func createTestUser(t *testing.T, s *GORMStore, name string) *User {
	t.Helper()
	u := &User{
		ID:        uuid.NewString(),
		Name:      name,
		PublicKey: []byte("test-public-key"),
	}
	require.NoError(t, s.CreateUser(context.Background(), u))
	return u
}

func createTestFolder(t *testing.T, s *GORMStore, owner *User, path string) *Folder {
	t.Helper()
	f := &Folder{
		ID:          uuid.NewString(),
		Path:        path,
		DisplayName: "test folder",
		OwnerUserID: owner.ID,
		FolderKey:   []byte("0123456789abcdef0123456789abcdef"),
	}
	require.NoError(t, s.CreateFolder(context.Background(), f))
	return f
}

func createTestFile(t *testing.T, s *GORMStore, folder *Folder, relPath string, size int64) *File {
	t.Helper()
	f := &File{
		ID:           uuid.NewString(),
		FolderID:     folder.ID,
		RelativePath: relPath,
		Version:      1,
		Size:         size,
		ContentHash:  []byte("hash-" + relPath),
		ModTime:      time.Now(),
	}
	require.NoError(t, s.CreateFilesBatch(context.Background(), []*File{f}))
	return f
}

func TestConfigValidation(t *testing.T) {
	tests := []struct {
		name    string
		config  Config
		wantErr bool
	}{
		{
			name:   "sqlite with path",
			config: Config{Type: DatabaseTypeSQLite, SQLite: SQLiteConfig{Path: "/tmp/test.db"}},
		},
		{
			name:    "sqlite without path",
			config:  Config{Type: DatabaseTypeSQLite},
			wantErr: true,
		},
		{
			name: "postgres complete",
			config: Config{Type: DatabaseTypePostgres, Postgres: PostgresConfig{
				Host: "localhost", Database: "usenetsync", User: "usenetsync",
			}},
		},
		{
			name:    "postgres missing host",
			config:  Config{Type: DatabaseTypePostgres, Postgres: PostgresConfig{Database: "d", User: "u"}},
			wantErr: true,
		},
		{
			name:    "unknown type",
			config:  Config{Type: "oracle"},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.config.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestConfigDefaults(t *testing.T) {
	var c Config
	c.ApplyDefaults()
	assert.Equal(t, DatabaseTypeSQLite, c.Type)
	assert.NotEmpty(t, c.SQLite.Path)

	pg := Config{Type: DatabaseTypePostgres}
	pg.ApplyDefaults()
	assert.Equal(t, 5432, pg.Postgres.Port)
	assert.Equal(t, "disable", pg.Postgres.SSLMode)
}

func TestUserOperations(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	t.Run("create and get", func(t *testing.T) {
		u := createTestUser(t, s, "alice")

		got, err := s.GetUser(ctx, "alice")
		require.NoError(t, err)
		assert.Equal(t, u.ID, got.ID)
		assert.Equal(t, []byte("test-public-key"), got.PublicKey)

		byID, err := s.GetUserByID(ctx, u.ID)
		require.NoError(t, err)
		assert.Equal(t, "alice", byID.Name)
	})

	t.Run("duplicate name rejected", func(t *testing.T) {
		err := s.CreateUser(ctx, &User{ID: uuid.NewString(), Name: "alice", PublicKey: []byte("x")})
		assert.ErrorIs(t, err, ErrDuplicateUser)
	})

	t.Run("missing user", func(t *testing.T) {
		_, err := s.GetUser(ctx, "nobody")
		assert.ErrorIs(t, err, ErrUserNotFound)
	})
}

func TestFolderLifecycle(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	owner := createTestUser(t, s, "owner")

	folder := createTestFolder(t, s, owner, "/data/photos")
	assert.Equal(t, FolderCreated, folder.State)
	assert.Equal(t, uint32(1), folder.Version)

	t.Run("get by path", func(t *testing.T) {
		got, err := s.GetFolderByPath(ctx, "/data/photos")
		require.NoError(t, err)
		assert.Equal(t, folder.ID, got.ID)
	})

	t.Run("state transition", func(t *testing.T) {
		require.NoError(t, s.SetFolderState(ctx, folder.ID, FolderIndexed))
		got, err := s.GetFolder(ctx, folder.ID)
		require.NoError(t, err)
		assert.Equal(t, FolderIndexed, got.State)
	})

	t.Run("stats update", func(t *testing.T) {
		require.NoError(t, s.UpdateFolderStats(ctx, folder.ID, 10, 1<<20, 3))
		got, err := s.GetFolder(ctx, folder.ID)
		require.NoError(t, err)
		assert.Equal(t, int64(10), got.FileCount)
		assert.Equal(t, int64(1<<20), got.TotalBytes)
		assert.Equal(t, int64(3), got.SegmentCount)
	})

	t.Run("key rotation bumps version", func(t *testing.T) {
		require.NoError(t, s.RotateFolderKey(ctx, folder.ID, []byte("new-key-material-32-bytes-long!!")))
		got, err := s.GetFolder(ctx, folder.ID)
		require.NoError(t, err)
		assert.Equal(t, uint32(2), got.Version)
		assert.Equal(t, []byte("new-key-material-32-bytes-long!!"), got.FolderKey)
	})

	t.Run("missing folder", func(t *testing.T) {
		err := s.SetFolderState(ctx, "missing", FolderPublished)
		assert.ErrorIs(t, err, ErrFolderNotFound)
	})
}

func TestFileVersioning(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	owner := createTestUser(t, s, "owner")
	folder := createTestFolder(t, s, owner, "/data/docs")

	f1 := createTestFile(t, s, folder, "notes/a.txt", 100)

	t.Run("unchanged hash is a no-op", func(t *testing.T) {
		same, err := s.BumpFileVersion(ctx, f1, f1.ContentHash, 100, f1.ModTime)
		require.NoError(t, err)
		assert.Equal(t, f1.ID, same.ID)
		assert.Equal(t, uint32(1), same.Version)
	})

	t.Run("changed hash creates version 2", func(t *testing.T) {
		f2, err := s.BumpFileVersion(ctx, f1, []byte("new-hash"), 150, time.Now())
		require.NoError(t, err)
		assert.NotEqual(t, f1.ID, f2.ID)
		assert.Equal(t, uint32(2), f2.Version)

		latest, err := s.GetLatestFile(ctx, folder.ID, "notes/a.txt")
		require.NoError(t, err)
		assert.Equal(t, f2.ID, latest.ID)
	})

	t.Run("list collapses to latest version", func(t *testing.T) {
		createTestFile(t, s, folder, "notes/b.txt", 50)

		files, err := s.ListFiles(ctx, folder.ID)
		require.NoError(t, err)
		require.Len(t, files, 2)
		assert.Equal(t, "notes/a.txt", files[0].RelativePath)
		assert.Equal(t, uint32(2), files[0].Version)
		assert.Equal(t, "notes/b.txt", files[1].RelativePath)
	})
}

func TestSegmentOperations(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	owner := createTestUser(t, s, "owner")
	folder := createTestFolder(t, s, owner, "/data/video")
	file := createTestFile(t, s, folder, "movie.mkv", 3_000_000)

	makeSegment := func(index uint32, redundancy int32) *Segment {
		return &Segment{
			ID:              uuid.NewString(),
			FileID:          &file.ID,
			Index:           index,
			Size:            768000,
			StoredSize:      768028,
			PlaintextHash:   []byte(fmt.Sprintf("p%d", index)),
			CiphertextHash:  []byte(fmt.Sprintf("c%d-%d", index, redundancy)),
			RedundancyIndex: redundancy,
		}
	}

	segs := []*Segment{makeSegment(0, 0), makeSegment(1, 0), makeSegment(1, 1)}
	require.NoError(t, s.CreateSegmentsBatch(ctx, segs))

	t.Run("ordered by index then redundancy", func(t *testing.T) {
		got, err := s.ListFileSegments(ctx, file.ID)
		require.NoError(t, err)
		require.Len(t, got, 3)
		assert.Equal(t, uint32(0), got[0].Index)
		assert.Equal(t, uint32(1), got[1].Index)
		assert.Equal(t, int32(0), got[1].RedundancyIndex)
		assert.Equal(t, int32(1), got[2].RedundancyIndex)
	})

	t.Run("rejects segment with both refs", func(t *testing.T) {
		bad := makeSegment(9, 0)
		bad.PackID = &file.ID
		err := s.CreateSegmentsBatch(ctx, []*Segment{bad})
		assert.Error(t, err)
	})

	t.Run("rejects orphan segment", func(t *testing.T) {
		orphan := makeSegment(9, 0)
		missing := uuid.NewString()
		orphan.FileID = &missing
		err := s.CreateSegmentsBatch(ctx, []*Segment{orphan})
		assert.ErrorIs(t, err, ErrFileNotFound)
	})

	t.Run("mark uploaded is single shot", func(t *testing.T) {
		require.NoError(t, s.MarkSegmentUploaded(ctx, segs[0].ID, "<msg-1@example.net>"))

		got, err := s.GetSegment(ctx, segs[0].ID)
		require.NoError(t, err)
		require.NotNil(t, got.MessageID)
		assert.Equal(t, "<msg-1@example.net>", *got.MessageID)
		assert.Equal(t, SegmentUploaded, got.State)

		err = s.MarkSegmentUploaded(ctx, segs[0].ID, "<msg-other@example.net>")
		assert.ErrorIs(t, err, ErrSegmentAlreadyPosted)
	})

	t.Run("pending count excludes uploaded", func(t *testing.T) {
		count, err := s.CountPendingSegments(ctx, folder.ID)
		require.NoError(t, err)
		assert.Equal(t, int64(2), count)
	})
}

func TestPackOperations(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	owner := createTestUser(t, s, "owner")
	folder := createTestFolder(t, s, owner, "/data/small")
	fa := createTestFile(t, s, folder, "a.txt", 100)
	fb := createTestFile(t, s, folder, "b.txt", 200)

	pack := &Pack{ID: uuid.NewString(), FolderID: folder.ID, SegmentIndex: 0, Size: 340}
	members := []*PackMember{
		{FileID: fa.ID, RelativePath: "a.txt", Size: 100, Offset: 0},
		{FileID: fb.ID, RelativePath: "b.txt", Size: 200, Offset: 100},
	}
	require.NoError(t, s.CreatePack(ctx, pack, members))

	gotPack, gotMembers, err := s.GetPack(ctx, pack.ID)
	require.NoError(t, err)
	assert.Equal(t, pack.ID, gotPack.ID)
	require.Len(t, gotMembers, 2)
	assert.Equal(t, "a.txt", gotMembers[0].RelativePath)
	assert.Equal(t, int64(100), gotMembers[1].Offset)

	packs, err := s.ListFolderPacks(ctx, folder.ID)
	require.NoError(t, err)
	assert.Len(t, packs, 1)
}

func TestShareOperations(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	owner := createTestUser(t, s, "owner")
	folder := createTestFolder(t, s, owner, "/data/shared")

	share := &Share{
		ID:         uuid.NewString(),
		FolderID:   folder.ID,
		AccessType: AccessPublic,
		Token:      "usenetsync://abc",
		IndexRefs:  "<idx-1@example.net>",
	}
	require.NoError(t, s.CreateShare(ctx, share))

	t.Run("defaults to active", func(t *testing.T) {
		got, err := s.GetShare(ctx, share.ID)
		require.NoError(t, err)
		assert.Equal(t, ShareActive, got.State)
	})

	t.Run("invalidate", func(t *testing.T) {
		require.NoError(t, s.InvalidateShare(ctx, share.ID))
		got, err := s.GetShare(ctx, share.ID)
		require.NoError(t, err)
		assert.Equal(t, ShareInvalid, got.State)
	})

	t.Run("file deletion invalidates folder shares", func(t *testing.T) {
		fresh := &Share{
			ID: uuid.NewString(), FolderID: folder.ID,
			AccessType: AccessPublic, Token: "usenetsync://def", IndexRefs: "<idx-2@example.net>",
		}
		require.NoError(t, s.CreateShare(ctx, fresh))

		file := createTestFile(t, s, folder, "gone.txt", 10)
		require.NoError(t, s.DeleteFile(ctx, file.ID))

		got, err := s.GetShare(ctx, fresh.ID)
		require.NoError(t, err)
		assert.Equal(t, ShareInvalid, got.State)
	})
}

func TestDeleteFolderCascades(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	owner := createTestUser(t, s, "owner")
	folder := createTestFolder(t, s, owner, "/data/doomed")
	file := createTestFile(t, s, folder, "f.bin", 1000)

	seg := &Segment{
		ID: uuid.NewString(), FileID: &file.ID, Index: 0,
		Size: 1000, StoredSize: 1028,
		PlaintextHash: []byte("p"), CiphertextHash: []byte("c"),
	}
	require.NoError(t, s.CreateSegmentsBatch(ctx, []*Segment{seg}))

	share := &Share{
		ID: uuid.NewString(), FolderID: folder.ID,
		AccessType: AccessPublic, Token: "usenetsync://t", IndexRefs: "<i@x>",
	}
	require.NoError(t, s.CreateShare(ctx, share))

	require.NoError(t, s.DeleteFolder(ctx, folder.ID))

	_, err := s.GetFolder(ctx, folder.ID)
	assert.ErrorIs(t, err, ErrFolderNotFound)
	_, err = s.GetFile(ctx, file.ID)
	assert.ErrorIs(t, err, ErrFileNotFound)
	_, err = s.GetSegment(ctx, seg.ID)
	assert.ErrorIs(t, err, ErrSegmentNotFound)

	got, err := s.GetShare(ctx, share.ID)
	require.NoError(t, err)
	assert.Equal(t, ShareInvalid, got.State)
}

func TestMessageAudit(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	msg := &Message{
		MessageID: "<m1@example.net>",
		SegmentID: "seg-1",
		Subject:   "deadbeef",
		Server:    "news.example.net",
	}
	require.NoError(t, s.RecordMessage(ctx, msg))

	// Re-recording the same Message-ID must be a silent no-op.
	require.NoError(t, s.RecordMessage(ctx, &Message{
		MessageID: "<m1@example.net>", SegmentID: "seg-1",
		Subject: "deadbeef", Server: "news.example.net",
	}))

	got, err := s.GetMessageBySegment(ctx, "seg-1")
	require.NoError(t, err)
	assert.Equal(t, "<m1@example.net>", got.MessageID)
	assert.False(t, got.PostedAt.IsZero())
}
