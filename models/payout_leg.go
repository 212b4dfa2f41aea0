package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

type LegKind string

const (
	LegReferred LegKind = "referred"
	LegReferrer LegKind = "referrer"
	LegQuest    LegKind = "quest"
)

type LegStatus string

const (
	LegConfirmed LegStatus = "confirmed"
	LegFailed    LegStatus = "failed"
)

// PayoutLeg journals one issuer attempt. A confirmed leg is never sent again for
// the same referral.
type PayoutLeg struct {
	ID         string    `gorm:"type:varchar(36);primaryKey" json:"id"`
	ReferralID *string   `gorm:"type:varchar(36);index" json:"referral_id,omitempty"`
	UserID     *string   `gorm:"type:varchar(36);index" json:"user_id,omitempty"`
	Kind       LegKind   `gorm:"type:varchar(16);not null" json:"kind"`
	Recipient  string    `gorm:"type:varchar(64);not null" json:"recipient"`
	Amount     uint64    `gorm:"not null" json:"amount"`
	TxID       string    `gorm:"type:varchar(128)" json:"tx_id,omitempty"`
	Status     LegStatus `gorm:"type:varchar(16);not null;index" json:"status"`
	Reason     string    `gorm:"type:varchar(32)" json:"reason,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

func (l *PayoutLeg) BeforeCreate(tx *gorm.DB) error {
	if l.ID == "" {
		l.ID = uuid.NewString()
	}
	return nil
}
