package repository

import (
	"context"

	"github.com/ManuelReschke/KogFlow/app/models"
	"gorm.io/gorm"
)

type videoRepository struct {
	db *gorm.DB
}

func NewVideoRepository(db *gorm.DB) VideoRepository {
	return &videoRepository{db: db}
}

func (r *videoRepository) Create(ctx context.Context, video *models.Video) error {
	return r.db.WithContext(ctx).Create(video).Error
}

func (r *videoRepository) GetByID(ctx context.Context, id uint) (*models.Video, error) {
	var video models.Video
	if err := r.db.WithContext(ctx).First(&video, id).Error; err != nil {
		return nil, err
	}
	return &video, nil
}

// ListByUser returns the user's videos, optionally narrowed to one project.
func (r *videoRepository) ListByUser(ctx context.Context, userID uint, projectID *uint) ([]models.Video, error) {
	var videos []models.Video
	query := r.db.WithContext(ctx).Where("user_id = ?", userID)
	if projectID != nil {
		query = query.Where("project_id = ?", *projectID)
	}
	err := query.Order("created_at DESC").Find(&videos).Error
	return videos, err
}

func (r *videoRepository) Delete(ctx context.Context, id uint) error {
	return r.db.WithContext(ctx).Delete(&models.Video{}, id).Error
}
