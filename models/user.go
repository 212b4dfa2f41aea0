package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Timestamps adds GORM auto-times
type Timestamps struct {
	CreatedAt time.Time      `json:"created_at" gorm:"autoCreateTime"`
	UpdatedAt time.Time      `json:"updated_at" gorm:"autoUpdateTime"`
	DeletedAt gorm.DeletedAt `json:"-" gorm:"index"`
}

// User is an account record in the directory. The referral code is assigned once
// at creation and never regenerated.
type User struct {
	ID            string  `gorm:"type:varchar(36);primaryKey" json:"id"`
	Username      string  `gorm:"type:varchar(100);index;not null" json:"username"`
	Email         string  `gorm:"type:varchar(255);uniqueIndex;not null" json:"email"`
	FirstName     *string `json:"first_name,omitempty"`
	LastName      *string `json:"last_name,omitempty"`
	ReferralCode  string  `gorm:"type:varchar(128);uniqueIndex;not null" json:"referral_code"`
	WalletAddress *string `gorm:"type:varchar(64);index" json:"wallet_address,omitempty"`
	ReferredByID  *string `gorm:"type:varchar(36);index" json:"referred_by,omitempty"`

	ReferralCount              int64 `gorm:"not null;default:0" json:"referral_count"`
	ReferralRewards            int64 `gorm:"not null;default:0" json:"referral_rewards"`
	HasUnclaimedReferralReward bool  `gorm:"not null;default:false" json:"has_unclaimed_referral_reward"`
	HasUnclaimedReward         bool  `gorm:"not null;default:false" json:"has_unclaimed_reward"`
	RewardInFlight             bool  `gorm:"not null;default:false" json:"-"` // quest reward claim marker

	RewardClaimedAt *time.Time `gorm:"index" json:"-"` // when RewardInFlight was set

	Timestamps
}

func (u *User) BeforeCreate(tx *gorm.DB) error {
	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	return nil
}

// Wallet returns the wallet address or "" when none is on file.
func (u *User) Wallet() string {
	if u == nil || u.WalletAddress == nil {
		return ""
	}
	return *u.WalletAddress
}

// DisplayName prefers first/last name over the username.
func (u *User) DisplayName() string {
	name := ""
	if u.FirstName != nil {
		name = *u.FirstName
	}
	if u.LastName != nil && *u.LastName != "" {
		if name != "" {
			name += " "
		}
		name += *u.LastName
	}
	if name == "" {
		return u.Username
	}
	return name
}
