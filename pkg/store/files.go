package store

import (
	"bytes"
	"context"
	"time"
)

// ============================================
// FILE OPERATIONS
// ============================================

// CreateFilesBatch inserts file rows in batches of BatchSize within one
// transaction. The indexer is the only writer on this path.
func (s *GORMStore) CreateFilesBatch(ctx context.Context, files []*File) error {
	if len(files) == 0 {
		return nil
	}
	now := time.Now()
	for _, f := range files {
		if f.CreatedAt.IsZero() {
			f.CreatedAt = now
		}
	}
	return s.db.WithContext(ctx).CreateInBatches(files, BatchSize).Error
}

// GetFile returns a file by ID.
func (s *GORMStore) GetFile(ctx context.Context, id string) (*File, error) {
	var f *File
	err := s.readRetry(ctx, func() (err error) {
		f, err = getByField[File](s.db, ctx, "id", id, ErrFileNotFound)
		return err
	})
	return f, err
}

// GetLatestFile returns the highest version of a file by folder and
// relative path.
func (s *GORMStore) GetLatestFile(ctx context.Context, folderID, relativePath string) (*File, error) {
	var f File
	err := s.readRetry(ctx, func() error {
		return convertNotFoundError(
			s.db.WithContext(ctx).
				Where("folder_id = ? AND relative_path = ?", folderID, relativePath).
				Order("version DESC").
				First(&f).Error,
			ErrFileNotFound)
	})
	if err != nil {
		return nil, err
	}
	return &f, nil
}

// ListFiles returns the latest version of every file in a folder,
// ordered by relative path.
func (s *GORMStore) ListFiles(ctx context.Context, folderID string) ([]*File, error) {
	var all []*File
	err := s.readRetry(ctx, func() error {
		all = nil
		return s.db.WithContext(ctx).
			Where("folder_id = ?", folderID).
			Order("relative_path, version").
			Find(&all).Error
	})
	if err != nil {
		return nil, err
	}

	// Collapse to the highest version per path; the slice is ordered so
	// the last row for a path wins.
	latest := make([]*File, 0, len(all))
	for i, f := range all {
		if i+1 < len(all) && all[i+1].RelativePath == f.RelativePath {
			continue
		}
		latest = append(latest, f)
	}
	return latest, nil
}

// BumpFileVersion inserts a new version row for a changed file and
// returns it. No-op returning the current row when the content hash is
// unchanged.
func (s *GORMStore) BumpFileVersion(ctx context.Context, current *File, newHash []byte, newSize int64, newModTime time.Time) (*File, error) {
	if bytes.Equal(current.ContentHash, newHash) {
		return current, nil
	}
	next := &File{
		FolderID:     current.FolderID,
		RelativePath: current.RelativePath,
		Version:      current.Version + 1,
		Size:         newSize,
		ContentHash:  newHash,
		ModTime:      newModTime,
		State:        "indexed",
		CreatedAt:    time.Now(),
	}
	if _, err := createWithID(s.db, ctx, next, func(f *File, id string) { f.ID = id }, next.ID, ErrFileNotFound); err != nil {
		return nil, err
	}
	return next, nil
}

// SetFileSegmented records the segment count and marks the file ready
// for posting.
func (s *GORMStore) SetFileSegmented(ctx context.Context, id string, segmentCount int32, packed bool) error {
	result := s.db.WithContext(ctx).Model(&File{}).Where("id = ?", id).
		Updates(map[string]any{
			"segment_count": segmentCount,
			"packed":        packed,
			"state":         "segmented",
			"updated_at":    time.Now(),
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrFileNotFound
	}
	return nil
}

// DeleteFile removes a file, cascades to its segments, and invalidates
// shares of the owning folder.
func (s *GORMStore) DeleteFile(ctx context.Context, id string) error {
	return s.WithTx(ctx, func(tx *GORMStore) error {
		f, err := getByField[File](tx.db, ctx, "id", id, ErrFileNotFound)
		if err != nil {
			return err
		}
		if err := tx.deleteFileRows(ctx, id); err != nil {
			return err
		}
		return tx.db.WithContext(ctx).Model(&Share{}).Where("folder_id = ?", f.FolderID).
			Update("state", ShareInvalid).Error
	})
}

// deleteFileRows removes a file row plus its segments and pack
// membership. Caller owns the transaction.
func (s *GORMStore) deleteFileRows(ctx context.Context, fileID string) error {
	if err := s.db.WithContext(ctx).Where("file_id = ?", fileID).Delete(&Segment{}).Error; err != nil {
		return err
	}
	if err := s.db.WithContext(ctx).Where("file_id = ?", fileID).Delete(&PackMember{}).Error; err != nil {
		return err
	}
	return s.db.WithContext(ctx).Delete(&File{}, "id = ?", fileID).Error
}
