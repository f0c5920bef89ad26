package models

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/go-playground/validator/v10"
	"gorm.io/gorm"

	"github.com/ManuelReschke/KogFlow/internal/pkg/entitlements"
)

const (
	ROLE_USER       = "user"
	ROLE_ADMIN      = "admin"
	STATUS_ACTIVE   = "active"
	STATUS_DISABLED = "disabled"
)

// User is an authenticated credit account. Credits is never negative.
type User struct {
	ID               uint           `gorm:"primaryKey" json:"id"`
	Name             string         `gorm:"type:varchar(150)" json:"name" validate:"required,min=3,max=150"`
	Email            string         `gorm:"uniqueIndex;type:varchar(200)" json:"email" validate:"required,email,min=5,max=200"`
	Role             string         `gorm:"type:varchar(50);default:'user'" json:"role" validate:"oneof=user admin"`
	Status           string         `gorm:"type:varchar(50);default:'active'" json:"status" validate:"oneof=active disabled"`
	Tier             string         `gorm:"type:varchar(20);not null;default:'free'" json:"tier" validate:"oneof=free starter pro business"`
	Credits          int            `gorm:"not null;default:2" json:"credits" validate:"gte=0"`
	LastCreditReset  *time.Time     `gorm:"type:timestamp;default:null" json:"last_credit_reset"`
	APIKeyHash       string         `gorm:"type:char(64);index" json:"-"`
	APIKeyLastUsedAt *time.Time     `gorm:"type:timestamp;default:null" json:"-"`
	CreatedAt        time.Time      `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt        time.Time      `gorm:"autoUpdateTime" json:"updated_at"`
	DeletedAt        gorm.DeletedAt `gorm:"index" json:"-"`
}

func (u *User) Validate() error {
	v := validator.New()

	return v.Struct(u)
}

// IsActive reports whether the user status is active
func (u *User) IsActive() bool {
	return u.Status == STATUS_ACTIVE
}

func (u *User) IsAdmin() bool {
	return u.Role == ROLE_ADMIN
}

// CurrentTier returns the normalized subscription tier.
func (u *User) CurrentTier() entitlements.Tier {
	return entitlements.ParseTier(u.Tier)
}

// HashAPIKey returns the hex sha256 digest stored instead of the raw key.
func HashAPIKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

// GenerateAPIKey creates a new random key and stores its hash on the user.
// The raw key is returned once and never persisted.
func (u *User) GenerateAPIKey() (string, error) {
	b := make([]byte, 24)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	key := "kf_" + hex.EncodeToString(b)
	u.APIKeyHash = HashAPIKey(key)
	return key, nil
}
