package repository

import (
	"context"
	"time"

	"github.com/ManuelReschke/KogFlow/app/models"
	"gorm.io/gorm"
)

// UserRepository defines the interface for user and credit-balance operations.
// Balance writes are conditional single statements; callers never write
// credits through Update.
type UserRepository interface {
	Create(ctx context.Context, user *models.User) error
	GetByID(ctx context.Context, id uint) (*models.User, error)
	GetByAPIKeyHash(ctx context.Context, hash string) (*models.User, error)
	TouchAPIKey(ctx context.Context, id uint, at time.Time) error
	ResetFreeCredits(ctx context.Context, id uint, allotment int, now, windowStart time.Time) (bool, error)
	DebitCredit(ctx context.Context, id uint) (bool, error)
	AddCredits(ctx context.Context, id uint, amount int) error
	SetTier(ctx context.Context, id uint, tier string, resetCredits *int, now time.Time) error
}

// GenerationRepository defines the interface for generation history.
type GenerationRepository interface {
	CreateIfAbsent(ctx context.Context, generation *models.Generation) (bool, *models.Generation, error)
	FindExisting(ctx context.Context, taskID, providerResultURL string) (*models.Generation, error)
	ListByUser(ctx context.Context, userID uint, offset, limit int) ([]models.Generation, error)
	CountByUser(ctx context.Context, userID uint) (int64, error)
}

// VideoRepository defines the interface for stitched videos.
type VideoRepository interface {
	Create(ctx context.Context, video *models.Video) error
	GetByID(ctx context.Context, id uint) (*models.Video, error)
	ListByUser(ctx context.Context, userID uint, projectID *uint) ([]models.Video, error)
	Delete(ctx context.Context, id uint) error
}

// Repositories struct holds all repository instances
type Repositories struct {
	User       UserRepository
	Generation GenerationRepository
	Video      VideoRepository
}

// NewRepositories creates a new instance of all repositories
func NewRepositories(db *gorm.DB) *Repositories {
	return &Repositories{
		User:       NewUserRepository(db),
		Generation: NewGenerationRepository(db),
		Video:      NewVideoRepository(db),
	}
}

const defaultPageSize = 50

func normalizePage(offset, limit int) (int, int) {
	if limit <= 0 {
		limit = defaultPageSize
	}
	if offset < 0 {
		offset = 0
	}
	return offset, limit
}
