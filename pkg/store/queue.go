package store

import (
	"context"
	"time"
)

// ============================================
// QUEUE AND PROGRESS OPERATIONS
// ============================================
// The upload engine owns upload_queue rows, the download engine owns
// download_queue rows; neither touches the other's. The aggregate
// BytesDone on an item is maintained as the sum of its progress rows.

// CreateUploadItem enqueues an upload work item for a folder.
func (s *GORMStore) CreateUploadItem(ctx context.Context, item *UploadItem) error {
	if item.State == "" {
		item.State = ItemQueued
	}
	item.UpdatedAt = time.Now()
	return s.db.WithContext(ctx).Create(item).Error
}

// CreateDownloadItem enqueues a download work item for a share.
func (s *GORMStore) CreateDownloadItem(ctx context.Context, item *DownloadItem) error {
	if item.State == "" {
		item.State = ItemQueued
	}
	item.UpdatedAt = time.Now()
	return s.db.WithContext(ctx).Create(item).Error
}

// GetUploadItem returns an upload queue item by ID.
func (s *GORMStore) GetUploadItem(ctx context.Context, id string) (*UploadItem, error) {
	var item *UploadItem
	err := s.readRetry(ctx, func() (err error) {
		item, err = getByField[UploadItem](s.db, ctx, "id", id, ErrItemNotFound)
		return err
	})
	return item, err
}

// GetDownloadItem returns a download queue item by ID.
func (s *GORMStore) GetDownloadItem(ctx context.Context, id string) (*DownloadItem, error) {
	var item *DownloadItem
	err := s.readRetry(ctx, func() (err error) {
		item, err = getByField[DownloadItem](s.db, ctx, "id", id, ErrItemNotFound)
		return err
	})
	return item, err
}

// ListResumableUploadItems returns items the engine must rebuild its
// working set from on startup, FIFO within priority class.
func (s *GORMStore) ListResumableUploadItems(ctx context.Context) ([]*UploadItem, error) {
	var items []*UploadItem
	err := s.readRetry(ctx, func() error {
		items = nil
		return s.db.WithContext(ctx).
			Where("state IN ?", []ItemState{ItemQueued, ItemRunning, ItemPaused, ItemFailed}).
			Order("priority DESC, updated_at").
			Find(&items).Error
	})
	return items, err
}

// ListResumableDownloadItems mirrors ListResumableUploadItems for the
// download queue.
func (s *GORMStore) ListResumableDownloadItems(ctx context.Context) ([]*DownloadItem, error) {
	var items []*DownloadItem
	err := s.readRetry(ctx, func() error {
		items = nil
		return s.db.WithContext(ctx).
			Where("state IN ?", []ItemState{ItemQueued, ItemRunning, ItemPaused, ItemFailed}).
			Order("priority DESC, updated_at").
			Find(&items).Error
	})
	return items, err
}

// SetUploadItemState transitions an upload item, recording the error
// message for failed states.
func (s *GORMStore) SetUploadItemState(ctx context.Context, id string, state ItemState, lastError string) error {
	return s.setItemState(ctx, &UploadItem{}, id, state, lastError)
}

// SetDownloadItemState transitions a download item.
func (s *GORMStore) SetDownloadItemState(ctx context.Context, id string, state ItemState, lastError string) error {
	return s.setItemState(ctx, &DownloadItem{}, id, state, lastError)
}

func (s *GORMStore) setItemState(ctx context.Context, model any, id string, state ItemState, lastError string) error {
	updates := map[string]any{"state": state, "updated_at": time.Now()}
	if lastError != "" {
		updates["last_error"] = lastError
	}
	if state == ItemRunning {
		updates["started_at"] = time.Now()
	}
	result := s.db.WithContext(ctx).Model(model).Where("id = ?", id).Updates(updates)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrItemNotFound
	}
	return nil
}

// InitProgress creates the per-segment progress rows for an item in one
// batch and sets the item's BytesTotal.
func (s *GORMStore) InitProgress(ctx context.Context, itemID string, rows []*SegmentProgress, bytesTotal int64, upload bool) error {
	return s.WithTx(ctx, func(tx *GORMStore) error {
		if len(rows) > 0 {
			if err := tx.db.WithContext(ctx).CreateInBatches(rows, BatchSize).Error; err != nil {
				return err
			}
		}
		var model any = &DownloadItem{}
		if upload {
			model = &UploadItem{}
		}
		return tx.db.WithContext(ctx).Model(model).Where("id = ?", itemID).
			Updates(map[string]any{"bytes_total": bytesTotal, "updated_at": time.Now()}).Error
	})
}

// ListProgress returns an item's progress rows in segment order.
func (s *GORMStore) ListProgress(ctx context.Context, itemID string) ([]*SegmentProgress, error) {
	var rows []*SegmentProgress
	err := s.readRetry(ctx, func() error {
		rows = nil
		return s.db.WithContext(ctx).
			Where("item_id = ?", itemID).
			Order("segment_index").
			Find(&rows).Error
	})
	return rows, err
}

// CompleteProgress marks one segment done for an item and folds its
// bytes into the item aggregate, keeping the sum invariant inside one
// transaction.
func (s *GORMStore) CompleteProgress(ctx context.Context, itemID, segmentID string, bytesDone int64, serverMessageID string, upload bool) error {
	return s.WithTx(ctx, func(tx *GORMStore) error {
		updates := map[string]any{"state": "completed", "bytes_done": bytesDone}
		if serverMessageID != "" {
			updates["server_message_id"] = serverMessageID
		}
		result := tx.db.WithContext(ctx).Model(&SegmentProgress{}).
			Where("item_id = ? AND segment_id = ?", itemID, segmentID).
			Updates(updates)
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return ErrItemNotFound
		}

		var total int64
		if err := tx.db.WithContext(ctx).Model(&SegmentProgress{}).
			Where("item_id = ?", itemID).
			Select("COALESCE(SUM(bytes_done), 0)").
			Scan(&total).Error; err != nil {
			return err
		}

		var model any = &DownloadItem{}
		if upload {
			model = &UploadItem{}
		}
		return tx.db.WithContext(ctx).Model(model).Where("id = ?", itemID).
			Updates(map[string]any{"bytes_done": total, "updated_at": time.Now()}).Error
	})
}

// FailProgress records a segment failure with its attempt count.
func (s *GORMStore) FailProgress(ctx context.Context, itemID, segmentID string, attempts int, lastError string) error {
	return s.db.WithContext(ctx).Model(&SegmentProgress{}).
		Where("item_id = ? AND segment_id = ?", itemID, segmentID).
		Updates(map[string]any{
			"state":      "failed",
			"attempts":   attempts,
			"last_error": lastError,
		}).Error
}
