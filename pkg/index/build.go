package index

import (
	"path/filepath"
	"sort"

	"github.com/usenetsync/usenetsync/pkg/errkind"
	"github.com/usenetsync/usenetsync/pkg/store"
)

// Build assembles a manifest from store rows. The caller passes the
// folder's current files (latest versions), its packs, and every
// segment that belongs to them; only uploaded segments with a recorded
// Message-ID may appear, since the manifest is the receiver's only way
// to address them.
//
// Packed files are listed with SegmentCount 0 and no segment entries of
// their own; the pack payload is listed as a pseudo file entry whose
// segments carry the concatenated members.
func Build(folder *store.Folder, files []*store.File, packs []*store.Pack, segments []*store.Segment) (*Manifest, error) {
	const op = "index.build"

	name := folder.DisplayName
	if name == "" {
		name = filepath.Base(folder.Path)
	}
	m := &Manifest{FolderName: name}

	sorted := make([]*store.File, len(files))
	copy(sorted, files)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].RelativePath < sorted[j].RelativePath })

	fileRef := make(map[string]uint64, len(sorted)+len(packs))
	for _, f := range sorted {
		if len(f.ContentHash) != 32 {
			return nil, errkind.New(errkind.KindInternal, op, "file %s has no content hash", f.RelativePath)
		}
		segCount := uint32(f.SegmentCount)
		if f.Packed {
			segCount = 0
		}
		e := FileEntry{
			Path:         f.RelativePath,
			Size:         uint64(f.Size),
			ModTimeUnix:  f.ModTime.Unix(),
			Version:      f.Version,
			SegmentCount: segCount,
		}
		copy(e.ContentHash[:], f.ContentHash)
		fileRef[f.ID] = uint64(len(m.Files))
		m.Files = append(m.Files, e)
	}

	sortedPacks := make([]*store.Pack, len(packs))
	copy(sortedPacks, packs)
	sort.Slice(sortedPacks, func(i, j int) bool { return sortedPacks[i].SegmentIndex < sortedPacks[j].SegmentIndex })

	packSegs := make(map[string]uint32, len(sortedPacks))
	for _, s := range segments {
		if s.PackID != nil && s.RedundancyIndex == 0 {
			packSegs[*s.PackID]++
		}
	}
	packRef := make(map[string]uint64, len(sortedPacks))
	for _, p := range sortedPacks {
		packRef[p.ID] = uint64(len(m.Files))
		m.Files = append(m.Files, FileEntry{
			Path:         packPathPrefix + p.ID,
			Size:         uint64(p.Size),
			SegmentCount: packSegs[p.ID],
		})
	}

	for _, s := range segments {
		var ref uint64
		var ok bool
		switch {
		case s.FileID != nil:
			ref, ok = fileRef[*s.FileID]
		case s.PackID != nil:
			ref, ok = packRef[*s.PackID]
		}
		if !ok {
			return nil, errkind.New(errkind.KindInternal, op, "segment %s references an unknown owner", s.ID)
		}
		if s.MessageID == nil {
			if s.RedundancyIndex > 0 {
				continue // an unposted extra copy is not an error
			}
			return nil, errkind.New(errkind.KindInternal, op, "segment %s has no message id", s.ID)
		}
		e := SegmentEntry{
			FileRef:    ref,
			Index:      s.Index,
			Size:       uint32(s.Size),
			Compressed: s.Compressed,
			MessageID:  *s.MessageID,
		}
		if len(s.CiphertextHash) != 32 {
			return nil, errkind.New(errkind.KindInternal, op, "segment %s has no ciphertext hash", s.ID)
		}
		copy(e.CiphertextHash[:], s.CiphertextHash)
		m.Segments = append(m.Segments, e)
	}

	sort.SliceStable(m.Segments, func(i, j int) bool {
		a, b := &m.Segments[i], &m.Segments[j]
		if a.FileRef != b.FileRef {
			return a.FileRef < b.FileRef
		}
		return a.Index < b.Index
	})

	return m, nil
}
