package store

import (
	"context"
	"time"
)

// ============================================
// SHARE OPERATIONS
// ============================================
// Only the access-control component writes shares; the engines read.

// CreateShare inserts a share row.
func (s *GORMStore) CreateShare(ctx context.Context, share *Share) error {
	if share.CreatedAt.IsZero() {
		share.CreatedAt = time.Now()
	}
	if share.State == "" {
		share.State = ShareActive
	}
	return s.db.WithContext(ctx).Create(share).Error
}

// GetShare returns a share by ID.
func (s *GORMStore) GetShare(ctx context.Context, id string) (*Share, error) {
	var sh *Share
	err := s.readRetry(ctx, func() (err error) {
		sh, err = getByField[Share](s.db, ctx, "id", id, ErrShareNotFound)
		return err
	})
	return sh, err
}

// ListFolderShares returns every share of a folder, newest first.
func (s *GORMStore) ListFolderShares(ctx context.Context, folderID string) ([]*Share, error) {
	var shares []*Share
	err := s.readRetry(ctx, func() error {
		shares = nil
		return s.db.WithContext(ctx).
			Where("folder_id = ?", folderID).
			Order("created_at DESC").
			Find(&shares).Error
	})
	return shares, err
}

// InvalidateShare flips a share to invalid. Used by revocation before
// the folder is republished under a fresh key.
func (s *GORMStore) InvalidateShare(ctx context.Context, id string) error {
	result := s.db.WithContext(ctx).Model(&Share{}).Where("id = ?", id).
		Update("state", ShareInvalid)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrShareNotFound
	}
	return nil
}
