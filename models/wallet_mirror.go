package models

import (
	"time"

	"gorm.io/gorm"
)

// WalletMirror mirrors wallet bindings pushed by the wallet service.
// Table name: wallet_mirrors
type WalletMirror struct {
	ID        string    `gorm:"type:varchar(36);primaryKey;not null" json:"id"`
	UserID    string    `gorm:"type:varchar(36);not null;index" json:"user_id"` // directory user id
	Address   string    `gorm:"type:varchar(64);not null;uniqueIndex" json:"address"`
	IsActive  bool      `gorm:"not null" json:"is_active"`
	CreatedAt time.Time `gorm:"not null" json:"created_at"`
	UpdatedAt time.Time `gorm:"not null" json:"updated_at"`

	DeletedAt gorm.DeletedAt `gorm:"index" json:"-"`
}
