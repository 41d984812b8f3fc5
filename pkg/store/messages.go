package store

import (
	"context"
	"time"
)

// ============================================
// MESSAGE AUDIT OPERATIONS
// ============================================

// RecordMessage appends one posted-article audit row. Duplicate
// Message-IDs are ignored so a crash between POST and commit cannot
// wedge resume.
func (s *GORMStore) RecordMessage(ctx context.Context, msg *Message) error {
	if msg.PostedAt.IsZero() {
		msg.PostedAt = time.Now()
	}
	err := s.db.WithContext(ctx).Create(msg).Error
	if err != nil && isUniqueConstraintError(err) {
		return nil
	}
	return err
}

// GetMessageBySegment returns the audit row for a segment copy, if any.
func (s *GORMStore) GetMessageBySegment(ctx context.Context, segmentID string) (*Message, error) {
	var m Message
	err := s.readRetry(ctx, func() error {
		return convertNotFoundError(
			s.db.WithContext(ctx).Where("segment_id = ?", segmentID).First(&m).Error,
			ErrSegmentNotFound)
	})
	if err != nil {
		return nil, err
	}
	return &m, nil
}
