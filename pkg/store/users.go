package store

import (
	"context"
	"time"
)

// ============================================
// USER OPERATIONS
// ============================================

// CreateUser creates a new identity. The ID must already be set by the
// identity bootstrap; users are immutable after creation.
// Returns ErrDuplicateUser when the name is taken.
func (s *GORMStore) CreateUser(ctx context.Context, user *User) error {
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now()
	}
	if err := s.db.WithContext(ctx).Create(user).Error; err != nil {
		if isUniqueConstraintError(err) {
			return ErrDuplicateUser
		}
		return err
	}
	return nil
}

// GetUser returns a user by name.
func (s *GORMStore) GetUser(ctx context.Context, name string) (*User, error) {
	var u *User
	err := s.readRetry(ctx, func() (err error) {
		u, err = getByField[User](s.db, ctx, "name", name, ErrUserNotFound)
		return err
	})
	return u, err
}

// GetUserByID returns a user by their opaque 256-bit identifier.
func (s *GORMStore) GetUserByID(ctx context.Context, id string) (*User, error) {
	var u *User
	err := s.readRetry(ctx, func() (err error) {
		u, err = getByField[User](s.db, ctx, "id", id, ErrUserNotFound)
		return err
	})
	return u, err
}

// ListUsers returns all users ordered by creation time.
func (s *GORMStore) ListUsers(ctx context.Context) ([]*User, error) {
	var users []*User
	err := s.readRetry(ctx, func() error {
		users = nil
		return s.db.WithContext(ctx).Order("created_at").Find(&users).Error
	})
	return users, err
}
