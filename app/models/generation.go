package models

import "time"

const (
	MODE_ADD_FURNITURE    = "add_furniture"
	MODE_REMOVE_FURNITURE = "remove_furniture"
	MODE_EDIT             = "edit"
)

// Generation is the history row of a completed image job. ProviderTaskID is
// the idempotency key of finalization.
type Generation struct {
	ID                uint      `gorm:"primaryKey" json:"id"`
	UserID            *uint     `gorm:"index" json:"user_id"`
	ProjectID         *uint     `gorm:"index" json:"project_id,omitempty"`
	ProviderTaskID    string    `gorm:"type:varchar(128);not null;uniqueIndex:ux_generations_provider_task" json:"provider_task_id"`
	ProviderResultURL string    `gorm:"type:varchar(768);index:idx_generations_provider_result,length:191" json:"-"`
	OriginalURL       string    `gorm:"type:text;not null" json:"original_url"`
	ResultURL         string    `gorm:"type:text;not null" json:"result_url"`
	Mode              string    `gorm:"type:varchar(32);not null" json:"mode"`
	Style             *string   `gorm:"type:varchar(100);default:null" json:"style"`
	RoomType          string    `gorm:"type:varchar(100)" json:"room_type,omitempty"`
	Watermarked       bool      `gorm:"default:false" json:"watermarked"`
	CreatedAt         time.Time `gorm:"autoCreateTime;index" json:"created_at"`
}
