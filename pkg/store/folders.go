package store

import (
	"context"
	"time"

	"github.com/usenetsync/usenetsync/pkg/errkind"
)

// ============================================
// FOLDER OPERATIONS
// ============================================

// CreateFolder creates a folder row. The ID is derived by the indexer
// from (path, creation time) and stays stable across re-indexing.
func (s *GORMStore) CreateFolder(ctx context.Context, folder *Folder) error {
	if folder.CreatedAt.IsZero() {
		folder.CreatedAt = time.Now()
	}
	if folder.State == "" {
		folder.State = FolderCreated
	}
	return s.db.WithContext(ctx).Create(folder).Error
}

// GetFolder returns a folder by ID.
func (s *GORMStore) GetFolder(ctx context.Context, id string) (*Folder, error) {
	var f *Folder
	err := s.readRetry(ctx, func() (err error) {
		f, err = getByField[Folder](s.db, ctx, "id", id, ErrFolderNotFound)
		return err
	})
	return f, err
}

// GetFolderByPath returns the folder rooted at the given local path.
func (s *GORMStore) GetFolderByPath(ctx context.Context, path string) (*Folder, error) {
	var f *Folder
	err := s.readRetry(ctx, func() (err error) {
		f, err = getByField[Folder](s.db, ctx, "path", path, ErrFolderNotFound)
		return err
	})
	return f, err
}

// ListFolders returns all folders ordered by creation time.
func (s *GORMStore) ListFolders(ctx context.Context) ([]*Folder, error) {
	var folders []*Folder
	err := s.readRetry(ctx, func() error {
		folders = nil
		return s.db.WithContext(ctx).Order("created_at").Find(&folders).Error
	})
	return folders, err
}

// SetFolderState transitions a folder's lifecycle state.
func (s *GORMStore) SetFolderState(ctx context.Context, id string, state FolderState) error {
	result := s.db.WithContext(ctx).Model(&Folder{}).Where("id = ?", id).
		Updates(map[string]any{"state": state, "updated_at": time.Now()})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrFolderNotFound
	}
	return nil
}

// UpdateFolderStats refreshes the cached aggregate counters.
func (s *GORMStore) UpdateFolderStats(ctx context.Context, id string, fileCount, totalBytes, segmentCount int64) error {
	return s.db.WithContext(ctx).Model(&Folder{}).Where("id = ?", id).
		Updates(map[string]any{
			"file_count":    fileCount,
			"total_bytes":   totalBytes,
			"segment_count": segmentCount,
			"updated_at":    time.Now(),
		}).Error
}

// RotateFolderKey replaces the folder key and bumps the version. Used
// by private-share revocation: the republished index is encrypted under
// the new key so old tokens only reach the historical manifest.
func (s *GORMStore) RotateFolderKey(ctx context.Context, id string, newKey []byte) error {
	return s.WithTx(ctx, func(tx *GORMStore) error {
		folder, err := getByField[Folder](tx.db, ctx, "id", id, ErrFolderNotFound)
		if err != nil {
			return err
		}
		return tx.db.WithContext(ctx).Model(&Folder{}).Where("id = ?", id).
			Updates(map[string]any{
				"folder_key": newKey,
				"version":    folder.Version + 1,
				"updated_at": time.Now(),
			}).Error
	})
}

// DeleteFolder removes a folder and cascades to its files, segments,
// packs, and progress rows. Shares referencing the folder flip to
// invalid rather than disappearing, so stale tokens fail cleanly.
func (s *GORMStore) DeleteFolder(ctx context.Context, id string) error {
	return s.WithTx(ctx, func(tx *GORMStore) error {
		if _, err := getByField[Folder](tx.db, ctx, "id", id, ErrFolderNotFound); err != nil {
			return err
		}

		files, err := listByField[File](tx.db, ctx, "folder_id", id, "")
		if err != nil {
			return errkind.Wrap(errkind.KindInternal, "store.folder.delete", err)
		}
		for _, f := range files {
			if err := tx.deleteFileRows(ctx, f.ID); err != nil {
				return err
			}
		}

		if err := tx.db.WithContext(ctx).Where("folder_id = ?", id).Delete(&Pack{}).Error; err != nil {
			return err
		}
		if err := tx.db.WithContext(ctx).Model(&Share{}).Where("folder_id = ?", id).
			Update("state", ShareInvalid).Error; err != nil {
			return err
		}
		return tx.db.WithContext(ctx).Delete(&Folder{}, "id = ?", id).Error
	})
}
