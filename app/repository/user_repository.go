package repository

import (
	"context"
	"strings"
	"time"

	"github.com/ManuelReschke/KogFlow/app/models"
	"gorm.io/gorm"
)

// userRepository implements the UserRepository interface
type userRepository struct {
	db *gorm.DB
}

// NewUserRepository creates a new user repository instance
func NewUserRepository(db *gorm.DB) UserRepository {
	return &userRepository{db: db}
}

func (r *userRepository) Create(ctx context.Context, user *models.User) error {
	return r.db.WithContext(ctx).Create(user).Error
}

// GetByID retrieves a user by their ID
func (r *userRepository) GetByID(ctx context.Context, id uint) (*models.User, error) {
	var user models.User
	err := r.db.WithContext(ctx).First(&user, id).Error
	if err != nil {
		return nil, err
	}
	return &user, nil
}

// GetByAPIKeyHash resolves an API key hash to its user.
func (r *userRepository) GetByAPIKeyHash(ctx context.Context, hash string) (*models.User, error) {
	trimmed := strings.TrimSpace(hash)
	if trimmed == "" {
		return nil, gorm.ErrRecordNotFound
	}
	var user models.User
	if err := r.db.WithContext(ctx).Where("api_key_hash = ?", trimmed).First(&user).Error; err != nil {
		return nil, err
	}
	return &user, nil
}

func (r *userRepository) TouchAPIKey(ctx context.Context, id uint, at time.Time) error {
	return r.db.WithContext(ctx).Model(&models.User{}).
		Where("id = ?", id).
		Update("api_key_last_used_at", at).Error
}

// ResetFreeCredits refills a free account whose last reset is at or before
// windowStart. It reports whether a reset happened; repeated calls inside the
// same window match no row.
func (r *userRepository) ResetFreeCredits(ctx context.Context, id uint, allotment int, now, windowStart time.Time) (bool, error) {
	tx := r.db.WithContext(ctx).Model(&models.User{}).
		Where("id = ? AND tier = ? AND (last_credit_reset IS NULL OR last_credit_reset <= ?)", id, "free", windowStart).
		Updates(map[string]any{
			"credits":           allotment,
			"last_credit_reset": now,
		})
	return tx.RowsAffected > 0, tx.Error
}

// DebitCredit decrements the balance by one if it is positive.
func (r *userRepository) DebitCredit(ctx context.Context, id uint) (bool, error) {
	tx := r.db.WithContext(ctx).Model(&models.User{}).
		Where("id = ? AND credits > 0", id).
		Update("credits", gorm.Expr("credits - 1"))
	return tx.RowsAffected > 0, tx.Error
}

func (r *userRepository) AddCredits(ctx context.Context, id uint, amount int) error {
	tx := r.db.WithContext(ctx).Model(&models.User{}).
		Where("id = ?", id).
		Update("credits", gorm.Expr("credits + ?", amount))
	if tx.Error != nil {
		return tx.Error
	}
	if tx.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

// SetTier changes the subscription tier. A non-nil resetCredits also replaces
// the balance and starts a new reset window. The caller resolves the user first;
// MySQL reports unchanged rows as unaffected.
func (r *userRepository) SetTier(ctx context.Context, id uint, tier string, resetCredits *int, now time.Time) error {
	updates := map[string]any{"tier": tier}
	if resetCredits != nil {
		updates["credits"] = *resetCredits
		updates["last_credit_reset"] = now
	}
	return r.db.WithContext(ctx).Model(&models.User{}).Where("id = ?", id).Updates(updates).Error
}
