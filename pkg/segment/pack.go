package segment

import (
	"bytes"
	"encoding/binary"
	"io"
	"os"
	"path/filepath"
	"sort"

	"github.com/usenetsync/usenetsync/pkg/errkind"
	"github.com/usenetsync/usenetsync/pkg/store"
)

// Pack payload layout, all integers big-endian:
//
//	magic    "USPK" (4 bytes)
//	version  uint8
//	count    uint32
//	entries  count times:
//	    pathLen uint16
//	    path    pathLen bytes (forward-slash relative path)
//	    size    uint64
//	contents concatenated file bytes in entry order
//
// Offsets are not stored; they follow from the cumulative entry sizes.
var packMagic = []byte("USPK")

const packVersion = 1

// maxPackPathLen bounds a single relative path inside a pack directory.
const maxPackPathLen = 4096

// PackEntry describes one file inside a pack payload.
type PackEntry struct {
	RelativePath string
	Size         int64
}

// DirectorySize returns the encoded inner-directory size for a set of
// entries, used when planning pack capacity.
func DirectorySize(entries []PackEntry) int64 {
	n := int64(len(packMagic)) + 1 + 4
	for _, e := range entries {
		n += 2 + int64(len(e.RelativePath)) + 8
	}
	return n
}

// PlanPacks groups small files into pack payloads.
//
// Files at or above the threshold are not packed. Grouping is stable:
// candidates are ordered by relative path, and a pack is closed when
// adding the next file would push directory plus contents past the
// capacity. Returns the packed groups and the files left to segment
// individually.
func PlanPacks(files []*store.File, threshold, capacity int64) (packs [][]*store.File, loose []*store.File) {
	var small []*store.File
	for _, f := range files {
		// Zero-byte files carry no payload; they live in the index only.
		if f.Size > 0 && f.Size < threshold {
			small = append(small, f)
		} else {
			loose = append(loose, f)
		}
	}

	sort.Slice(small, func(i, j int) bool {
		return small[i].RelativePath < small[j].RelativePath
	})

	var current []*store.File
	var currentPayload int64
	currentDir := DirectorySize(nil)

	flush := func() {
		if len(current) > 0 {
			packs = append(packs, current)
			current = nil
			currentPayload = 0
			currentDir = DirectorySize(nil)
		}
	}

	for _, f := range small {
		entryDir := int64(2 + len(f.RelativePath) + 8)
		if len(current) > 0 && currentDir+entryDir+currentPayload+f.Size > capacity {
			flush()
		}
		current = append(current, f)
		currentDir += entryDir
		currentPayload += f.Size
	}
	flush()

	// A pack of one small file is still worthwhile: it keeps tiny files
	// off the one-article-per-file path.
	return packs, loose
}

// WritePackPayload streams the inner directory and member contents for
// one pack, reading each member from baseDir. Returns the member rows
// (offsets relative to the end of the directory) and the total payload
// size.
func WritePackPayload(w io.Writer, baseDir string, files []*store.File) ([]*store.PackMember, int64, error) {
	entries := make([]PackEntry, len(files))
	for i, f := range files {
		entries[i] = PackEntry{RelativePath: f.RelativePath, Size: f.Size}
	}

	var header bytes.Buffer
	if err := encodeDirectory(&header, entries); err != nil {
		return nil, 0, err
	}
	if _, err := w.Write(header.Bytes()); err != nil {
		return nil, 0, errkind.Wrap(errkind.KindInternal, "segment.pack", err)
	}

	members := make([]*store.PackMember, 0, len(files))
	var offset int64
	for _, f := range files {
		path := filepath.Join(baseDir, filepath.FromSlash(f.RelativePath))
		src, err := os.Open(path)
		if err != nil {
			return nil, 0, errkind.Wrap(errkind.KindNotFound, "segment.pack", err)
		}
		n, err := io.Copy(w, src)
		src.Close()
		if err != nil {
			return nil, 0, errkind.Wrap(errkind.KindInternal, "segment.pack", err)
		}
		if n != f.Size {
			return nil, 0, errkind.New(errkind.KindIntegrity, "segment.pack",
				"file %s changed size during packing: indexed %d, read %d", f.RelativePath, f.Size, n)
		}

		members = append(members, &store.PackMember{
			FileID:       f.ID,
			RelativePath: f.RelativePath,
			Size:         f.Size,
			Offset:       offset,
		})
		offset += f.Size
	}

	return members, int64(header.Len()) + offset, nil
}

func encodeDirectory(w io.Writer, entries []PackEntry) error {
	if _, err := w.Write(packMagic); err != nil {
		return errkind.Wrap(errkind.KindInternal, "segment.pack", err)
	}
	buf := []byte{packVersion}
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(entries)))
	for _, e := range entries {
		if len(e.RelativePath) > maxPackPathLen {
			return errkind.New(errkind.KindInternal, "segment.pack",
				"path too long for pack directory: %d bytes", len(e.RelativePath))
		}
		buf = binary.BigEndian.AppendUint16(buf, uint16(len(e.RelativePath)))
		buf = append(buf, e.RelativePath...)
		buf = binary.BigEndian.AppendUint64(buf, uint64(e.Size))
	}
	if _, err := w.Write(buf); err != nil {
		return errkind.Wrap(errkind.KindInternal, "segment.pack", err)
	}
	return nil
}

// ParsePackDirectory decodes the inner directory from the start of a
// reassembled pack payload. Returns the entries and the directory
// length, so entry i's contents sit at dirLen plus the cumulative sizes
// of entries 0..i-1.
func ParsePackDirectory(payload []byte) ([]PackEntry, int64, error) {
	r := bytes.NewReader(payload)

	magic := make([]byte, len(packMagic))
	if _, err := io.ReadFull(r, magic); err != nil || !bytes.Equal(magic, packMagic) {
		return nil, 0, errkind.New(errkind.KindIntegrity, "segment.pack", "bad pack magic")
	}

	var version uint8
	if err := binary.Read(r, binary.BigEndian, &version); err != nil {
		return nil, 0, errkind.Wrap(errkind.KindIntegrity, "segment.pack", err)
	}
	if version != packVersion {
		return nil, 0, errkind.New(errkind.KindIntegrity, "segment.pack",
			"unsupported pack version %d", version)
	}

	var count uint32
	if err := binary.Read(r, binary.BigEndian, &count); err != nil {
		return nil, 0, errkind.Wrap(errkind.KindIntegrity, "segment.pack", err)
	}

	entries := make([]PackEntry, 0, count)
	for i := uint32(0); i < count; i++ {
		var pathLen uint16
		if err := binary.Read(r, binary.BigEndian, &pathLen); err != nil {
			return nil, 0, errkind.Wrap(errkind.KindIntegrity, "segment.pack", err)
		}
		path := make([]byte, pathLen)
		if _, err := io.ReadFull(r, path); err != nil {
			return nil, 0, errkind.Wrap(errkind.KindIntegrity, "segment.pack", err)
		}
		var size uint64
		if err := binary.Read(r, binary.BigEndian, &size); err != nil {
			return nil, 0, errkind.Wrap(errkind.KindIntegrity, "segment.pack", err)
		}
		entries = append(entries, PackEntry{RelativePath: string(path), Size: int64(size)})
	}

	dirLen := int64(len(payload)) - int64(r.Len())
	return entries, dirLen, nil
}

// ExtractPackMember slices one member's contents out of a reassembled
// pack payload.
func ExtractPackMember(payload []byte, entries []PackEntry, dirLen int64, relativePath string) ([]byte, error) {
	offset := dirLen
	for _, e := range entries {
		if e.RelativePath == relativePath {
			end := offset + e.Size
			if end > int64(len(payload)) {
				return nil, errkind.New(errkind.KindIntegrity, "segment.pack",
					"pack payload truncated: %s ends at %d of %d", relativePath, end, len(payload))
			}
			return payload[offset:end], nil
		}
		offset += e.Size
	}
	return nil, errkind.New(errkind.KindNotFound, "segment.pack",
		"%s not present in pack", relativePath)
}
