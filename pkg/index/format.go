// Package index builds, serializes, and parses the core index: the
// compact binary manifest a receiver fetches first. The manifest lists
// every file in a published folder together with the Message-IDs of the
// segments that carry it, so a receiver holding the folder key can
// reconstruct the tree without any other out-of-band state.
package index

import (
	"encoding/binary"
	"math"
	"strings"

	"github.com/usenetsync/usenetsync/pkg/errkind"
)

const (
	// Magic opens every serialized manifest.
	Magic = "USIX"

	// FormatVersion is the current wire format revision.
	FormatVersion uint16 = 1

	maxPathLen       = 4096
	maxMessageIDLen  = 255
	maxFolderNameLen = 4096

	// flagCompressed is carried in the high bit of a segment entry's
	// size field. Segment plaintext never approaches 2 GiB, so the
	// bit is free.
	flagCompressed uint32 = 1 << 31

	// packPathPrefix marks pseudo file entries that describe a pack
	// payload. Real relative paths never start with a slash.
	packPathPrefix = "/pack/"
)

// FileEntry describes one file (or one pack payload) in the manifest.
type FileEntry struct {
	Path         string
	Size         uint64
	ContentHash  [32]byte
	ModTimeUnix  int64
	Version      uint32
	SegmentCount uint32
}

// IsPack reports whether the entry is a pack payload rather than a
// regular file. Pack payloads carry a zero content hash; member
// integrity is checked against each member's own file entry.
func (e *FileEntry) IsPack() bool {
	return strings.HasPrefix(e.Path, packPathPrefix)
}

// PackID returns the pack identifier for a pack entry, or "" for a
// regular file.
func (e *FileEntry) PackID() string {
	if !e.IsPack() {
		return ""
	}
	return e.Path[len(packPathPrefix):]
}

// SegmentEntry references one posted article. Redundant copies of the
// same chunk appear as consecutive entries sharing (FileRef, Index).
type SegmentEntry struct {
	FileRef        uint64
	Index          uint32
	Size           uint32 // plaintext size before encryption
	Compressed     bool
	CiphertextHash [32]byte
	MessageID      string
}

// Manifest is the parsed core index.
type Manifest struct {
	FolderName string
	Files      []FileEntry
	Segments   []SegmentEntry
}

// FileSegments returns the segment entries for one file entry, in
// (Index, copy) order. The slice aliases the manifest.
func (m *Manifest) FileSegments(ref uint64) []SegmentEntry {
	lo := -1
	hi := -1
	for i := range m.Segments {
		if m.Segments[i].FileRef != ref {
			if lo >= 0 {
				break
			}
			continue
		}
		if lo < 0 {
			lo = i
		}
		hi = i
	}
	if lo < 0 {
		return nil
	}
	return m.Segments[lo : hi+1]
}

// TotalBytes sums the sizes of regular (non-pack) file entries.
func (m *Manifest) TotalBytes() uint64 {
	var n uint64
	for i := range m.Files {
		if !m.Files[i].IsPack() {
			n += m.Files[i].Size
		}
	}
	return n
}

// Encode serializes the manifest to its uncompressed wire form.
func (m *Manifest) Encode() ([]byte, error) {
	if len(m.FolderName) > maxFolderNameLen {
		return nil, errkind.New(errkind.KindInternal, "index.encode", "folder name too long")
	}
	if len(m.Files) > math.MaxUint32 || len(m.Segments) > math.MaxUint32 {
		return nil, errkind.New(errkind.KindInternal, "index.encode", "manifest too large")
	}

	buf := make([]byte, 0, m.encodedSize())
	buf = append(buf, Magic...)
	buf = binary.LittleEndian.AppendUint16(buf, FormatVersion)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(m.FolderName)))
	buf = append(buf, m.FolderName...)

	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(m.Files)))
	for i := range m.Files {
		f := &m.Files[i]
		if len(f.Path) == 0 || len(f.Path) > maxPathLen {
			return nil, errkind.New(errkind.KindInternal, "index.encode", "bad path length for %q", f.Path)
		}
		buf = binary.LittleEndian.AppendUint16(buf, uint16(len(f.Path)))
		buf = append(buf, f.Path...)
		buf = binary.LittleEndian.AppendUint64(buf, f.Size)
		buf = append(buf, f.ContentHash[:]...)
		buf = binary.LittleEndian.AppendUint64(buf, uint64(f.ModTimeUnix))
		buf = binary.LittleEndian.AppendUint32(buf, f.Version)
		buf = binary.LittleEndian.AppendUint32(buf, f.SegmentCount)
	}

	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(m.Segments)))
	for i := range m.Segments {
		s := &m.Segments[i]
		if s.FileRef >= uint64(len(m.Files)) {
			return nil, errkind.New(errkind.KindInternal, "index.encode", "segment references file %d of %d", s.FileRef, len(m.Files))
		}
		if len(s.MessageID) == 0 || len(s.MessageID) > maxMessageIDLen {
			return nil, errkind.New(errkind.KindInternal, "index.encode", "bad message id length")
		}
		if s.Size > flagCompressed-1 {
			return nil, errkind.New(errkind.KindInternal, "index.encode", "segment size out of range")
		}
		buf = binary.LittleEndian.AppendUint64(buf, s.FileRef)
		buf = binary.LittleEndian.AppendUint32(buf, s.Index)
		size := s.Size
		if s.Compressed {
			size |= flagCompressed
		}
		buf = binary.LittleEndian.AppendUint32(buf, size)
		buf = append(buf, s.CiphertextHash[:]...)
		buf = binary.LittleEndian.AppendUint16(buf, uint16(len(s.MessageID)))
		buf = append(buf, s.MessageID...)
	}

	return buf, nil
}

func (m *Manifest) encodedSize() int {
	n := 4 + 2 + 4 + len(m.FolderName) + 4 + 4
	for i := range m.Files {
		n += 2 + len(m.Files[i].Path) + 8 + 32 + 8 + 4 + 4
	}
	for i := range m.Segments {
		n += 8 + 4 + 4 + 32 + 2 + len(m.Segments[i].MessageID)
	}
	return n
}

// Parse decodes an uncompressed manifest blob. Any truncation or
// malformed field is an integrity failure.
func Parse(raw []byte) (*Manifest, error) {
	r := reader{buf: raw}

	magic, err := r.bytes(4)
	if err != nil || string(magic) != Magic {
		return nil, errkind.New(errkind.KindIntegrity, "index.parse", "bad magic")
	}
	version, err := r.u16()
	if err != nil {
		return nil, err
	}
	if version != FormatVersion {
		return nil, errkind.New(errkind.KindIntegrity, "index.parse", "unsupported format version %d", version)
	}

	nameLen, err := r.u32()
	if err != nil {
		return nil, err
	}
	if nameLen > maxFolderNameLen {
		return nil, errkind.New(errkind.KindIntegrity, "index.parse", "folder name too long")
	}
	name, err := r.bytes(int(nameLen))
	if err != nil {
		return nil, err
	}

	m := &Manifest{FolderName: string(name)}

	fileCount, err := r.u32()
	if err != nil {
		return nil, err
	}
	if err := r.checkRemaining(uint64(fileCount), 2+8+32+8+4+4); err != nil {
		return nil, err
	}
	m.Files = make([]FileEntry, fileCount)
	for i := range m.Files {
		f := &m.Files[i]
		pathLen, err := r.u16()
		if err != nil {
			return nil, err
		}
		if pathLen == 0 || pathLen > maxPathLen {
			return nil, errkind.New(errkind.KindIntegrity, "index.parse", "bad path length")
		}
		path, err := r.bytes(int(pathLen))
		if err != nil {
			return nil, err
		}
		f.Path = string(path)
		if f.Size, err = r.u64(); err != nil {
			return nil, err
		}
		hash, err := r.bytes(32)
		if err != nil {
			return nil, err
		}
		copy(f.ContentHash[:], hash)
		mtime, err := r.u64()
		if err != nil {
			return nil, err
		}
		f.ModTimeUnix = int64(mtime)
		if f.Version, err = r.u32(); err != nil {
			return nil, err
		}
		if f.SegmentCount, err = r.u32(); err != nil {
			return nil, err
		}
	}

	segCount, err := r.u32()
	if err != nil {
		return nil, err
	}
	if err := r.checkRemaining(uint64(segCount), 8+4+4+32+2); err != nil {
		return nil, err
	}
	m.Segments = make([]SegmentEntry, segCount)
	for i := range m.Segments {
		s := &m.Segments[i]
		if s.FileRef, err = r.u64(); err != nil {
			return nil, err
		}
		if s.FileRef >= uint64(fileCount) {
			return nil, errkind.New(errkind.KindIntegrity, "index.parse", "segment references file %d of %d", s.FileRef, fileCount)
		}
		if s.Index, err = r.u32(); err != nil {
			return nil, err
		}
		size, err := r.u32()
		if err != nil {
			return nil, err
		}
		s.Compressed = size&flagCompressed != 0
		s.Size = size &^ flagCompressed
		hash, err := r.bytes(32)
		if err != nil {
			return nil, err
		}
		copy(s.CiphertextHash[:], hash)
		idLen, err := r.u16()
		if err != nil {
			return nil, err
		}
		if idLen == 0 || idLen > maxMessageIDLen {
			return nil, errkind.New(errkind.KindIntegrity, "index.parse", "bad message id length")
		}
		id, err := r.bytes(int(idLen))
		if err != nil {
			return nil, err
		}
		s.MessageID = string(id)
	}

	if r.remaining() != 0 {
		return nil, errkind.New(errkind.KindIntegrity, "index.parse", "%d trailing bytes", r.remaining())
	}
	return m, nil
}

// reader is a bounds-checked little-endian cursor.
type reader struct {
	buf []byte
	off int
}

func (r *reader) remaining() int { return len(r.buf) - r.off }

// checkRemaining rejects count fields that promise more fixed-size
// records than the buffer could possibly hold, before allocating.
func (r *reader) checkRemaining(count, minRecord uint64) error {
	if count*minRecord > uint64(r.remaining()) {
		return errkind.New(errkind.KindIntegrity, "index.parse", "record count exceeds blob size")
	}
	return nil
}

func (r *reader) bytes(n int) ([]byte, error) {
	if n < 0 || r.remaining() < n {
		return nil, errkind.New(errkind.KindIntegrity, "index.parse", "truncated manifest")
	}
	b := r.buf[r.off : r.off+n]
	r.off += n
	return b, nil
}

func (r *reader) u16() (uint16, error) {
	b, err := r.bytes(2)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(b), nil
}

func (r *reader) u32() (uint32, error) {
	b, err := r.bytes(4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b), nil
}

func (r *reader) u64() (uint64, error) {
	b, err := r.bytes(8)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b), nil
}
