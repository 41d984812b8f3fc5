package index

import (
	"bytes"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/usenetsync/usenetsync/pkg/crypto"
	"github.com/usenetsync/usenetsync/pkg/errkind"
	"github.com/usenetsync/usenetsync/pkg/store"
)

func testManifest() *Manifest {
	m := &Manifest{
		FolderName: "photos",
		Files: []FileEntry{
			{Path: "a/one.jpg", Size: 1500000, ModTimeUnix: 1700000000, Version: 1, SegmentCount: 2},
			{Path: "b/two.bin", Size: 10, ModTimeUnix: 1700000100, Version: 3, SegmentCount: 0},
			{Path: packPathPrefix + "p1", Size: 4096, SegmentCount: 1},
		},
		Segments: []SegmentEntry{
			{FileRef: 0, Index: 0, Size: 768000, Compressed: true, MessageID: "<s0@srv>"},
			{FileRef: 0, Index: 1, Size: 732000, MessageID: "<s1@srv>"},
			{FileRef: 0, Index: 1, Size: 732000, MessageID: "<s1r1@srv>"},
			{FileRef: 2, Index: 0, Size: 4096, MessageID: "<p0@srv>"},
		},
	}
	for i := range m.Files {
		m.Files[i].ContentHash[0] = byte(i + 1)
	}
	for i := range m.Segments {
		m.Segments[i].CiphertextHash[0] = byte(i + 10)
	}
	return m
}

func TestEncodeParseRoundTrip(t *testing.T) {
	m := testManifest()

	raw, err := m.Encode()
	require.NoError(t, err)
	assert.Equal(t, Magic, string(raw[:4]))

	got, err := Parse(raw)
	require.NoError(t, err)
	assert.Equal(t, m, got)
}

func TestEncodeRejectsBadReferences(t *testing.T) {
	m := testManifest()
	m.Segments[0].FileRef = 99
	_, err := m.Encode()
	require.Error(t, err)

	m = testManifest()
	m.Segments[0].MessageID = ""
	_, err = m.Encode()
	require.Error(t, err)
}

func TestParseRejectsMalformed(t *testing.T) {
	good, err := testManifest().Encode()
	require.NoError(t, err)

	tests := []struct {
		name string
		blob []byte
	}{
		{"empty", nil},
		{"bad magic", append([]byte("NOPE"), good[4:]...)},
		{"truncated header", good[:5]},
		{"truncated mid-file", good[:40]},
		{"truncated mid-segment", good[:len(good)-10]},
		{"trailing bytes", append(append([]byte{}, good...), 0)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(tt.blob)
			require.Error(t, err)
			assert.True(t, errkind.Is(err, errkind.KindIntegrity))
		})
	}
}

func TestParseRejectsUnsupportedVersion(t *testing.T) {
	raw, err := testManifest().Encode()
	require.NoError(t, err)
	raw[4] = 0xff

	_, err = Parse(raw)
	require.Error(t, err)
	assert.True(t, errkind.Is(err, errkind.KindIntegrity))
}

func TestParseRejectsAbsurdCounts(t *testing.T) {
	// Header claiming 4 billion files in a tiny blob must fail before
	// allocating.
	var buf []byte
	buf = append(buf, Magic...)
	buf = append(buf, 1, 0)                   // version
	buf = append(buf, 0, 0, 0, 0)             // name len
	buf = append(buf, 0xff, 0xff, 0xff, 0xff) // file count

	_, err := Parse(buf)
	require.Error(t, err)
	assert.True(t, errkind.Is(err, errkind.KindIntegrity))
}

func TestCompressedFlagSurvivesRoundTrip(t *testing.T) {
	m := testManifest()
	raw, err := m.Encode()
	require.NoError(t, err)

	got, err := Parse(raw)
	require.NoError(t, err)
	assert.True(t, got.Segments[0].Compressed)
	assert.Equal(t, uint32(768000), got.Segments[0].Size)
	assert.False(t, got.Segments[1].Compressed)
}

func TestFileEntryPackHelpers(t *testing.T) {
	m := testManifest()
	assert.False(t, m.Files[0].IsPack())
	assert.Equal(t, "", m.Files[0].PackID())
	assert.True(t, m.Files[2].IsPack())
	assert.Equal(t, "p1", m.Files[2].PackID())
}

func TestFileSegmentsAndTotals(t *testing.T) {
	m := testManifest()

	segs := m.FileSegments(0)
	require.Len(t, segs, 3)
	assert.Equal(t, uint32(0), segs[0].Index)
	assert.Equal(t, "<s1r1@srv>", segs[2].MessageID)

	assert.Empty(t, m.FileSegments(1))
	require.Len(t, m.FileSegments(2), 1)

	// Pack payload size is excluded; members are counted as files.
	assert.Equal(t, uint64(1500010), m.TotalBytes())
}

func strptr(s string) *string { return &s }

func TestBuildFromStoreRows(t *testing.T) {
	folder := &store.Folder{ID: "f1", Path: "/data/photos", DisplayName: "photos", Version: 2}
	hash := bytes.Repeat([]byte{7}, 32)

	files := []*store.File{
		{ID: "fileB", RelativePath: "b.bin", Version: 1, Size: 10, ContentHash: hash, ModTime: time.Unix(1700000100, 0), Packed: true, SegmentCount: 0},
		{ID: "fileA", RelativePath: "a.bin", Version: 2, Size: 1000, ContentHash: hash, ModTime: time.Unix(1700000000, 0), SegmentCount: 2},
	}
	packs := []*store.Pack{{ID: "p1", FolderID: "f1", SegmentIndex: 0, Size: 50}}

	fileA := "fileA"
	packID := "p1"
	segments := []*store.Segment{
		{ID: "s0", FileID: &fileA, Index: 0, Size: 600, Compressed: true, CiphertextHash: hash, MessageID: strptr("<a0@srv>")},
		{ID: "s1", FileID: &fileA, Index: 1, Size: 400, CiphertextHash: hash, MessageID: strptr("<a1@srv>")},
		{ID: "s1r", FileID: &fileA, Index: 1, Size: 400, RedundancyIndex: 1, CiphertextHash: hash, MessageID: strptr("<a1r@srv>")},
		{ID: "sp", PackID: &packID, Index: 0, Size: 50, CiphertextHash: hash, MessageID: strptr("<p0@srv>")},
	}

	m, err := Build(folder, files, packs, segments)
	require.NoError(t, err)

	// Files sorted by path, then pack pseudo entries.
	require.Len(t, m.Files, 3)
	assert.Equal(t, "a.bin", m.Files[0].Path)
	assert.Equal(t, uint32(2), m.Files[0].SegmentCount)
	assert.Equal(t, "b.bin", m.Files[1].Path)
	assert.Equal(t, uint32(0), m.Files[1].SegmentCount, "packed file carries no segments of its own")
	assert.True(t, m.Files[2].IsPack())
	assert.Equal(t, uint32(1), m.Files[2].SegmentCount)

	require.Len(t, m.Segments, 4)
	assert.Equal(t, uint64(0), m.Segments[0].FileRef)
	assert.True(t, m.Segments[0].Compressed)
	assert.Equal(t, "<a1r@srv>", m.Segments[2].MessageID, "redundant copy follows its primary")
	assert.Equal(t, uint64(2), m.Segments[3].FileRef)

	// Round trip through the wire form.
	raw, err := m.Encode()
	require.NoError(t, err)
	_, err = Parse(raw)
	require.NoError(t, err)
}

func TestBuildRejectsUnpostedPrimary(t *testing.T) {
	folder := &store.Folder{ID: "f1", Path: "/data/x"}
	hash := bytes.Repeat([]byte{7}, 32)
	fileA := "fileA"
	files := []*store.File{{ID: fileA, RelativePath: "a", Version: 1, ContentHash: hash, ModTime: time.Unix(0, 0), SegmentCount: 1}}

	_, err := Build(folder, files, nil, []*store.Segment{
		{ID: "s0", FileID: &fileA, Index: 0, CiphertextHash: hash},
	})
	require.Error(t, err)
}

func TestBuildSkipsUnpostedRedundantCopy(t *testing.T) {
	folder := &store.Folder{ID: "f1", Path: "/data/x"}
	hash := bytes.Repeat([]byte{7}, 32)
	fileA := "fileA"
	files := []*store.File{{ID: fileA, RelativePath: "a", Version: 1, ContentHash: hash, ModTime: time.Unix(0, 0), SegmentCount: 1}}

	m, err := Build(folder, files, nil, []*store.Segment{
		{ID: "s0", FileID: &fileA, Index: 0, CiphertextHash: hash, MessageID: strptr("<a0@srv>")},
		{ID: "s0r", FileID: &fileA, Index: 0, RedundancyIndex: 1, CiphertextHash: hash},
	})
	require.NoError(t, err)
	assert.Len(t, m.Segments, 1)
}

func TestBuildRejectsUnknownOwner(t *testing.T) {
	folder := &store.Folder{ID: "f1", Path: "/data/x"}
	hash := bytes.Repeat([]byte{7}, 32)
	ghost := "ghost"

	_, err := Build(folder, nil, nil, []*store.Segment{
		{ID: "s0", FileID: &ghost, Index: 0, CiphertextHash: hash, MessageID: strptr("<a0@srv>")},
	})
	require.Error(t, err)
}

func TestSealOpenRoundTrip(t *testing.T) {
	folderKey, err := crypto.NewKey()
	require.NoError(t, err)

	m := testManifest()
	sealed, err := Seal(folderKey, m)
	require.NoError(t, err)

	got, err := Open(folderKey, sealed)
	require.NoError(t, err)
	assert.Equal(t, m, got)
}

func TestOpenRejectsWrongKey(t *testing.T) {
	k1, err := crypto.NewKey()
	require.NoError(t, err)
	k2, err := crypto.NewKey()
	require.NoError(t, err)

	sealed, err := Seal(k1, testManifest())
	require.NoError(t, err)

	_, err = Open(k2, sealed)
	require.Error(t, err)
	assert.True(t, errkind.Is(err, errkind.KindIntegrity))
}

func TestOpenRejectsTampering(t *testing.T) {
	folderKey, err := crypto.NewKey()
	require.NoError(t, err)

	sealed, err := Seal(folderKey, testManifest())
	require.NoError(t, err)
	sealed[len(sealed)/2] ^= 0x01

	_, err = Open(folderKey, sealed)
	require.Error(t, err)
	assert.True(t, errkind.Is(err, errkind.KindIntegrity))
}

func TestOpenAcceptsGzipFallback(t *testing.T) {
	folderKey, err := crypto.NewKey()
	require.NoError(t, err)
	key, err := crypto.DeriveSubkey(folderKey, crypto.PurposeIndexEncryption)
	require.NoError(t, err)

	m := testManifest()
	raw, err := m.Encode()
	require.NoError(t, err)

	var buf bytes.Buffer
	gw := gzip.NewWriter(&buf)
	_, err = gw.Write(raw)
	require.NoError(t, err)
	require.NoError(t, gw.Close())

	sealed, err := crypto.Seal(key, buf.Bytes())
	require.NoError(t, err)

	got, err := Open(folderKey, sealed)
	require.NoError(t, err)
	assert.Equal(t, m, got)
}

func TestOpenRejectsUnknownCompression(t *testing.T) {
	folderKey, err := crypto.NewKey()
	require.NoError(t, err)
	key, err := crypto.DeriveSubkey(folderKey, crypto.PurposeIndexEncryption)
	require.NoError(t, err)

	sealed, err := crypto.Seal(key, []byte("not compressed at all"))
	require.NoError(t, err)

	_, err = Open(folderKey, sealed)
	require.Error(t, err)
	assert.True(t, errkind.Is(err, errkind.KindIntegrity))
}
