package repository

import (
	"context"
	"errors"

	"github.com/ManuelReschke/KogFlow/app/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type generationRepository struct {
	db *gorm.DB
}

func NewGenerationRepository(db *gorm.DB) GenerationRepository {
	return &generationRepository{db: db}
}

// CreateIfAbsent inserts the row unless one with the same provider task id
// exists. It reports whether this call created the row and returns the stored one.
func (r *generationRepository) CreateIfAbsent(ctx context.Context, generation *models.Generation) (bool, *models.Generation, error) {
	db := r.db.WithContext(ctx)
	tx := db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "provider_task_id"}},
		DoNothing: true,
	}).Create(generation)
	if tx.Error != nil {
		return false, nil, tx.Error
	}

	created := tx.RowsAffected > 0
	var stored models.Generation
	if err := db.Where("provider_task_id = ?", generation.ProviderTaskID).First(&stored).Error; err != nil {
		return false, nil, err
	}
	return created, &stored, nil
}

// FindExisting returns the generation finalized for the task id or provider
// result URL, or nil when there is none.
func (r *generationRepository) FindExisting(ctx context.Context, taskID, providerResultURL string) (*models.Generation, error) {
	var g models.Generation
	query := r.db.WithContext(ctx).Where("provider_task_id = ?", taskID)
	if providerResultURL != "" {
		query = query.Or("provider_result_url = ?", providerResultURL)
	}
	err := query.First(&g).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &g, nil
}

func (r *generationRepository) ListByUser(ctx context.Context, userID uint, offset, limit int) ([]models.Generation, error) {
	offset, limit = normalizePage(offset, limit)
	var generations []models.Generation
	err := r.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at DESC, id DESC").
		Offset(offset).Limit(limit).
		Find(&generations).Error
	return generations, err
}

func (r *generationRepository) CountByUser(ctx context.Context, userID uint) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&models.Generation{}).Where("user_id = ?", userID).Count(&count).Error
	return count, err
}
