package store

import (
	"context"
	"time"

	"github.com/usenetsync/usenetsync/pkg/errkind"
)

// ============================================
// SEGMENT AND PACK OPERATIONS
// ============================================

// CreateSegmentsBatch inserts segment rows in batches of BatchSize.
// The segmenter is the only writer on this path. Every row must
// reference an existing file or pack; the check runs inside the same
// transaction so a torn write can't leave orphans.
func (s *GORMStore) CreateSegmentsBatch(ctx context.Context, segments []*Segment) error {
	if len(segments) == 0 {
		return nil
	}
	now := time.Now()
	for _, seg := range segments {
		if seg.CreatedAt.IsZero() {
			seg.CreatedAt = now
		}
		if seg.State == "" {
			seg.State = SegmentPending
		}
		if (seg.FileID == nil) == (seg.PackID == nil) {
			return errkind.New(errkind.KindInternal, "store.segments",
				"segment %s must reference exactly one of file or pack", seg.ID)
		}
	}
	return s.WithTx(ctx, func(tx *GORMStore) error {
		for _, seg := range segments {
			if seg.FileID != nil {
				if _, err := getByField[File](tx.db, ctx, "id", *seg.FileID, ErrFileNotFound); err != nil {
					return errkind.Wrap(errkind.KindInternal, "store.segments", err)
				}
			} else {
				if _, err := getByField[Pack](tx.db, ctx, "id", *seg.PackID, ErrPackNotFound); err != nil {
					return errkind.Wrap(errkind.KindInternal, "store.segments", err)
				}
			}
		}
		return tx.db.WithContext(ctx).CreateInBatches(segments, BatchSize).Error
	})
}

// GetSegment returns a segment by ID.
func (s *GORMStore) GetSegment(ctx context.Context, id string) (*Segment, error) {
	var seg *Segment
	err := s.readRetry(ctx, func() (err error) {
		seg, err = getByField[Segment](s.db, ctx, "id", id, ErrSegmentNotFound)
		return err
	})
	return seg, err
}

// ListFileSegments returns a file's segments ordered by index then
// redundancy copy.
func (s *GORMStore) ListFileSegments(ctx context.Context, fileID string) ([]*Segment, error) {
	var segs []*Segment
	err := s.readRetry(ctx, func() error {
		segs = nil
		return s.db.WithContext(ctx).
			Where("file_id = ?", fileID).
			Order("seg_index, redundancy_index").
			Find(&segs).Error
	})
	return segs, err
}

// ListPackSegments returns a pack's segments ordered the same way.
func (s *GORMStore) ListPackSegments(ctx context.Context, packID string) ([]*Segment, error) {
	var segs []*Segment
	err := s.readRetry(ctx, func() error {
		segs = nil
		return s.db.WithContext(ctx).
			Where("pack_id = ?", packID).
			Order("seg_index, redundancy_index").
			Find(&segs).Error
	})
	return segs, err
}

// ListFolderSegments returns every segment belonging to a folder's
// files and packs, file-major so the upload engine keeps cache locality
// for the eventual index.
func (s *GORMStore) ListFolderSegments(ctx context.Context, folderID string) ([]*Segment, error) {
	var segs []*Segment
	err := s.readRetry(ctx, func() error {
		segs = nil
		return s.db.WithContext(ctx).
			Where("file_id IN (?)",
				s.db.Model(&File{}).Select("id").Where("folder_id = ?", folderID)).
			Or("pack_id IN (?)",
				s.db.Model(&Pack{}).Select("id").Where("folder_id = ?", folderID)).
			Order("file_id, pack_id, seg_index, redundancy_index").
			Find(&segs).Error
	})
	return segs, err
}

// MarkSegmentUploaded records the server-assigned Message-ID and flips
// the copy to uploaded. The resume invariant lives here: a segment that
// already has a Message-ID is never assigned a second one.
func (s *GORMStore) MarkSegmentUploaded(ctx context.Context, id, messageID string) error {
	return s.WithTx(ctx, func(tx *GORMStore) error {
		seg, err := getByField[Segment](tx.db, ctx, "id", id, ErrSegmentNotFound)
		if err != nil {
			return err
		}
		if seg.MessageID != nil {
			return ErrSegmentAlreadyPosted
		}
		return tx.db.WithContext(ctx).Model(&Segment{}).Where("id = ?", id).
			Updates(map[string]any{
				"message_id": messageID,
				"state":      SegmentUploaded,
				"updated_at": time.Now(),
			}).Error
	})
}

// MarkSegmentFailed records a terminal posting failure for one copy.
func (s *GORMStore) MarkSegmentFailed(ctx context.Context, id string) error {
	return s.db.WithContext(ctx).Model(&Segment{}).Where("id = ?", id).
		Updates(map[string]any{"state": SegmentFailed, "updated_at": time.Now()}).Error
}

// CountPendingSegments returns how many of a folder's segment copies
// still lack a Message-ID.
func (s *GORMStore) CountPendingSegments(ctx context.Context, folderID string) (int64, error) {
	var count int64
	err := s.readRetry(ctx, func() error {
		return s.db.WithContext(ctx).Model(&Segment{}).
			Where("state <> ?", SegmentUploaded).
			Where(
				s.db.Where("file_id IN (?)", s.db.Model(&File{}).Select("id").Where("folder_id = ?", folderID)).
					Or("pack_id IN (?)", s.db.Model(&Pack{}).Select("id").Where("folder_id = ?", folderID)),
			).
			Count(&count).Error
	})
	return count, err
}

// CreatePack inserts a pack row with its member list.
func (s *GORMStore) CreatePack(ctx context.Context, pack *Pack, members []*PackMember) error {
	if pack.CreatedAt.IsZero() {
		pack.CreatedAt = time.Now()
	}
	return s.WithTx(ctx, func(tx *GORMStore) error {
		if err := tx.db.WithContext(ctx).Create(pack).Error; err != nil {
			return err
		}
		for _, m := range members {
			m.PackID = pack.ID
		}
		if len(members) == 0 {
			return nil
		}
		return tx.db.WithContext(ctx).CreateInBatches(members, BatchSize).Error
	})
}

// GetPack returns a pack and its members.
func (s *GORMStore) GetPack(ctx context.Context, id string) (*Pack, []*PackMember, error) {
	var pack *Pack
	var members []*PackMember
	err := s.readRetry(ctx, func() (err error) {
		pack, err = getByField[Pack](s.db, ctx, "id", id, ErrPackNotFound)
		if err != nil {
			return err
		}
		members, err = listByField[PackMember](s.db, ctx, "pack_id", id, "pack_offset")
		return err
	})
	if err != nil {
		return nil, nil, err
	}
	return pack, members, nil
}

// ListFolderPacks returns a folder's packs in segment order.
func (s *GORMStore) ListFolderPacks(ctx context.Context, folderID string) ([]*Pack, error) {
	var packs []*Pack
	err := s.readRetry(ctx, func() error {
		packs = nil
		return s.db.WithContext(ctx).
			Where("folder_id = ?", folderID).
			Order("segment_index").
			Find(&packs).Error
	})
	return packs, err
}

// ResetFolderSegments drops every segment, pack, and pack membership in
// a folder and returns its files to the indexed state. Used when a key
// rotation forces a republish: the old ciphertext is useless under the
// new key, so the segmenter starts over.
func (s *GORMStore) ResetFolderSegments(ctx context.Context, folderID string) error {
	return s.WithTx(ctx, func(tx *GORMStore) error {
		if _, err := getByField[Folder](tx.db, ctx, "id", folderID, ErrFolderNotFound); err != nil {
			return err
		}

		fileIDs := tx.db.WithContext(ctx).Model(&File{}).
			Select("id").Where("folder_id = ?", folderID)
		if err := tx.db.WithContext(ctx).
			Where("file_id IN (?)", fileIDs).Delete(&Segment{}).Error; err != nil {
			return err
		}
		packIDs := tx.db.WithContext(ctx).Model(&Pack{}).
			Select("id").Where("folder_id = ?", folderID)
		if err := tx.db.WithContext(ctx).
			Where("pack_id IN (?)", packIDs).Delete(&Segment{}).Error; err != nil {
			return err
		}
		if err := tx.db.WithContext(ctx).
			Where("file_id IN (?)", fileIDs).Delete(&PackMember{}).Error; err != nil {
			return err
		}
		if err := tx.db.WithContext(ctx).
			Where("folder_id = ?", folderID).Delete(&Pack{}).Error; err != nil {
			return err
		}

		if err := tx.db.WithContext(ctx).Model(&File{}).
			Where("folder_id = ?", folderID).
			Updates(map[string]any{
				"state":         "indexed",
				"segment_count": 0,
				"packed":        false,
				"updated_at":    time.Now(),
			}).Error; err != nil {
			return err
		}
		return tx.db.WithContext(ctx).Model(&Folder{}).
			Where("id = ?", folderID).
			Updates(map[string]any{
				"state":         FolderIndexed,
				"segment_count": 0,
				"updated_at":    time.Now(),
			}).Error
	})
}
