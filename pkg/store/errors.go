package store

import (
	"errors"

	"gorm.io/gorm"

	"github.com/usenetsync/usenetsync/pkg/errkind"
)

// Sentinel errors for the store. All carry an errkind so surfaces can
// map them without string matching.
var (
	ErrUserNotFound    = errkind.New(errkind.KindNotFound, "store", "user not found")
	ErrDuplicateUser   = errkind.New(errkind.KindUsage, "store", "user name already taken")
	ErrFolderNotFound  = errkind.New(errkind.KindNotFound, "store", "folder not found")
	ErrFileNotFound    = errkind.New(errkind.KindNotFound, "store", "file not found")
	ErrSegmentNotFound = errkind.New(errkind.KindNotFound, "store", "segment not found")
	ErrPackNotFound    = errkind.New(errkind.KindNotFound, "store", "pack not found")
	ErrShareNotFound   = errkind.New(errkind.KindNotFound, "store", "share not found")
	ErrItemNotFound    = errkind.New(errkind.KindNotFound, "store", "queue item not found")

	// ErrSegmentAlreadyPosted guards the resume invariant: the local
	// store never records two Message-IDs for one segment copy.
	ErrSegmentAlreadyPosted = errkind.New(errkind.KindInternal, "store", "segment already has a message id")
)

// convertNotFoundError converts gorm.ErrRecordNotFound to the
// appropriate domain error.
func convertNotFoundError(err error, notFoundErr error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return notFoundErr
	}
	return err
}
