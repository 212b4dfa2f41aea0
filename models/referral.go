package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// ReferralState is a step in the payout workflow of a referral entry.
type ReferralState string

const (
	ReferralPending ReferralState = "PENDING"
	ReferralPaying  ReferralState = "PAYING" // claimed by one runner
	ReferralPaid    ReferralState = "PAID"
)

// Referral is a ledger entry recording one referral obligation.
type Referral struct {
	ID             string        `gorm:"type:varchar(36);primaryKey" json:"id"`
	ReferrerID     string        `gorm:"type:varchar(36);index;not null" json:"referrer_id"`
	ReferredWallet string        `gorm:"type:varchar(64)" json:"referred_wallet"`
	ReferredUserID *string       `gorm:"type:varchar(36);index" json:"referred_user_id,omitempty"`
	RewardClaimed  bool          `gorm:"not null;default:false;index" json:"reward_claimed"`
	State          ReferralState `gorm:"type:varchar(16);not null;default:'PENDING';index" json:"state"`

	ClaimToken string     `gorm:"type:varchar(36)" json:"-"`
	ClaimedAt  *time.Time `json:"claimed_at,omitempty"`
	PaidAt     *time.Time `json:"paid_at,omitempty"`
	Attempts   int        `gorm:"not null;default:0" json:"attempts"`
	LastError  string     `gorm:"type:text" json:"last_error,omitempty"`

	CreatedAt time.Time `gorm:"index" json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (r *Referral) BeforeCreate(tx *gorm.DB) error {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.State == "" {
		r.State = ReferralPending
	}
	return nil
}
