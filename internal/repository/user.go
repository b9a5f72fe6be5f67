package repository

import (
	"bitwise74/channel-api/internal/model"
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"
)

// UserRepository defines the interface for user data operations.
type UserRepository interface {
	Create(ctx context.Context, user *model.User) error
	FindByID(ctx context.Context, id string) (*model.User, error)
	FindByEmail(ctx context.Context, email string) (*model.User, error)
	FindByUsername(ctx context.Context, username string) (*model.User, error)
	ExistsByUsernameOrEmail(ctx context.Context, username, email string) (bool, error)
	UpdateFields(ctx context.Context, id string, fields map[string]any) error
	SetRefreshToken(ctx context.Context, id string, token *string) error
	SwapRefreshToken(ctx context.Context, id, oldToken, newToken string) (bool, error)
	ClearRefreshTokensBefore(ctx context.Context, before time.Time) (int64, error)
}

type userRepository struct {
	db *gorm.DB
}

// NewUserRepository creates a new UserRepository instance.
func NewUserRepository(db *gorm.DB) UserRepository {
	return &userRepository{db: db}
}

func (r *userRepository) Create(ctx context.Context, user *model.User) error {
	if err := r.db.WithContext(ctx).Create(user).Error; err != nil {
		return fmt.Errorf("failed to create user, %w", translate(err))
	}

	return nil
}

func (r *userRepository) FindByID(ctx context.Context, id string) (*model.User, error) {
	return r.findBy(ctx, "id", id)
}

func (r *userRepository) FindByEmail(ctx context.Context, email string) (*model.User, error) {
	return r.findBy(ctx, "email", email)
}

func (r *userRepository) FindByUsername(ctx context.Context, username string) (*model.User, error) {
	return r.findBy(ctx, "username", username)
}

func (r *userRepository) findBy(ctx context.Context, column, value string) (*model.User, error) {
	var user model.User

	err := r.db.WithContext(ctx).
		Where(column+" = ?", value).
		First(&user).
		Error
	if err != nil {
		return nil, fmt.Errorf("failed to find user by %s, %w", column, translate(err))
	}

	return &user, nil
}

func (r *userRepository) ExistsByUsernameOrEmail(ctx context.Context, username, email string) (bool, error) {
	var count int64

	err := r.db.WithContext(ctx).
		Model(&model.User{}).
		Where("username = ? OR email = ?", username, email).
		Count(&count).
		Error
	if err != nil {
		return false, fmt.Errorf("failed to check if user exists, %w", err)
	}

	return count > 0, nil
}

func (r *userRepository) UpdateFields(ctx context.Context, id string, fields map[string]any) error {
	res := r.db.WithContext(ctx).
		Model(&model.User{}).
		Where("id = ?", id).
		Updates(fields)
	if res.Error != nil {
		return fmt.Errorf("failed to update user %s, %w", id, translate(res.Error))
	}

	if res.RowsAffected == 0 {
		return fmt.Errorf("failed to update user %s, %w", id, ErrNotFound)
	}

	return nil
}

// SetRefreshToken overwrites the stored refresh token. A nil token clears it.
func (r *userRepository) SetRefreshToken(ctx context.Context, id string, token *string) error {
	var value any = gorm.Expr("NULL")
	if token != nil {
		value = *token
	}

	return r.UpdateFields(ctx, id, map[string]any{"refresh_token": value})
}

// SwapRefreshToken replaces oldToken with newToken only if oldToken is still
// the stored one. The check and the write are a single statement, so out of
// several callers racing with the same old token at most one gets true.
func (r *userRepository) SwapRefreshToken(ctx context.Context, id, oldToken, newToken string) (bool, error) {
	res := r.db.WithContext(ctx).
		Model(&model.User{}).
		Where("id = ? AND refresh_token = ?", id, oldToken).
		Update("refresh_token", newToken)
	if res.Error != nil {
		return false, fmt.Errorf("failed to rotate refresh token of user %s, %w", id, res.Error)
	}

	return res.RowsAffected == 1, nil
}

// ClearRefreshTokensBefore drops the stored refresh token of every user whose
// row wasn't touched since before. Rotation and login both update the row, so
// such a token was issued before that point.
func (r *userRepository) ClearRefreshTokensBefore(ctx context.Context, before time.Time) (int64, error) {
	res := r.db.WithContext(ctx).
		Model(&model.User{}).
		Where("refresh_token IS NOT NULL AND updated_at < ?", before).
		UpdateColumn("refresh_token", gorm.Expr("NULL"))
	if res.Error != nil {
		return 0, fmt.Errorf("failed to clear stale refresh tokens, %w", res.Error)
	}

	return res.RowsAffected, nil
}
