package models

import "time"

// Video is a stitched clip compilation stored in object storage.
type Video struct {
	ID         uint      `gorm:"primaryKey" json:"id"`
	UserID     uint      `gorm:"not null;index" json:"user_id"`
	ProjectID  *uint     `gorm:"index" json:"project_id,omitempty"`
	VideoURL   string    `gorm:"type:text;not null" json:"video_url"`
	StorageKey string    `gorm:"type:varchar(512)" json:"-"`
	Title      string    `gorm:"type:varchar(255)" json:"title" validate:"max=255"`
	ImageCount int       `gorm:"not null;default:0" json:"image_count"`
	CreatedAt  time.Time `gorm:"autoCreateTime;index" json:"created_at"`
}
