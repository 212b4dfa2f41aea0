// services/user_service.go
package services

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log"
	"math/big"
	"strings"
	"time"

	"github.com/gosimple/slug"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
	"gorm.io/gorm"

	"confess-rewards/issuer"
	"confess-rewards/models"
)

var (
	ErrUserNotFound     = errors.New("user not found")
	ErrEmailTaken       = errors.New("email already registered")
	ErrInvalidUser      = errors.New("invalid user")
	ErrInvalidWallet    = errors.New("invalid wallet address")
	ErrNoRewardToClaim  = errors.New("no reward to claim")
	ErrWalletRequired   = errors.New("wallet address required")
	ErrRewardInFlight   = errors.New("reward claim already in progress")
	errCodeSpaceCrowded = errors.New("could not allocate a unique referral code")
)

const (
	referralSuffixLen      = 6
	referralSuffixAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	maxCodeAttempts        = 5
)

type UserService struct {
	DB  *gorm.DB
	now func() time.Time
}

func NewUserService(db *gorm.DB) *UserService {
	return &UserService{DB: db, now: func() time.Time { return time.Now().UTC() }}
}

// NewUser carries the fields accepted at account creation.
type NewUser struct {
	Username      string
	Email         string
	FirstName     *string
	LastName      *string
	WalletAddress string
}

// RewardStatus is the user-visible view of pending rewards. It reflects the
// persisted flags and may lag behind payouts in flight.
type RewardStatus struct {
	UserID                     string `json:"user_id"`
	HasUnclaimedReferralReward bool   `json:"has_unclaimed_referral_reward"`
	HasUnclaimedReward         bool   `json:"has_unclaimed_reward"`
	ReferralRewards            int64  `json:"referral_rewards"`
	ReferralCount              int64  `json:"referral_count"`
	PendingReferrals           int64  `json:"pending_referrals"`
}

type ReferralCodeCheck struct {
	Valid        bool   `json:"valid"`
	ReferrerName string `json:"referrer_name,omitempty"`
}

// GenerateReferralCode builds "<slug(username)>-<6 random [A-Z0-9]>".
func GenerateReferralCode(username string) (string, error) {
	prefix := slug.Make(username)
	if prefix == "" {
		prefix = "user"
	}
	suffix := make([]byte, referralSuffixLen)
	alphabetLen := big.NewInt(int64(len(referralSuffixAlphabet)))
	for i := range suffix {
		n, err := rand.Int(rand.Reader, alphabetLen)
		if err != nil {
			return "", fmt.Errorf("generate referral code: %w", err)
		}
		suffix[i] = referralSuffixAlphabet[n.Int64()]
	}
	return prefix + "-" + string(suffix), nil
}

// CreateUser validates and persists a new account. The referral code is
// allocated here and never changes afterwards.
func (s *UserService) CreateUser(ctx context.Context, in NewUser) (*models.User, error) {
	username := strings.TrimSpace(in.Username)
	email := strings.ToLower(strings.TrimSpace(in.Email))
	if username == "" {
		return nil, fmt.Errorf("%w: username is required", ErrInvalidUser)
	}
	if email == "" || !strings.Contains(email, "@") {
		return nil, fmt.Errorf("%w: a valid email is required", ErrInvalidUser)
	}

	var wallet *string
	if addr := strings.TrimSpace(in.WalletAddress); addr != "" {
		if err := issuer.ValidateAddress(addr); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidWallet, err)
		}
		wallet = &addr
	}

	db := s.DB.WithContext(ctx)
	var existing int64
	if err := db.Model(&models.User{}).Where("email = ?", email).Count(&existing).Error; err != nil {
		return nil, fmt.Errorf("check email: %w", err)
	}
	if existing > 0 {
		return nil, ErrEmailTaken
	}

	for attempt := 0; attempt < maxCodeAttempts; attempt++ {
		code, err := GenerateReferralCode(username)
		if err != nil {
			return nil, err
		}
		user := &models.User{
			Username:      username,
			Email:         email,
			FirstName:     in.FirstName,
			LastName:      in.LastName,
			ReferralCode:  code,
			WalletAddress: wallet,
		}
		err = db.Create(user).Error
		if err == nil {
			return user, nil
		}
		if !errors.Is(err, gorm.ErrDuplicatedKey) {
			return nil, fmt.Errorf("create user: %w", err)
		}
		// email raced in after the pre-check, or the code collided
		if err := db.Model(&models.User{}).Where("email = ?", email).Count(&existing).Error; err == nil && existing > 0 {
			return nil, ErrEmailTaken
		}
	}
	return nil, errCodeSpaceCrowded
}

func (s *UserService) GetUser(ctx context.Context, id string) (*models.User, error) {
	var user models.User
	if err := s.DB.WithContext(ctx).First(&user, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrUserNotFound
		}
		return nil, err
	}
	return &user, nil
}

func (s *UserService) FindByReferralCode(ctx context.Context, code string) (*models.User, error) {
	code = strings.TrimSpace(code)
	if code == "" {
		return nil, ErrUserNotFound
	}
	var user models.User
	if err := s.DB.WithContext(ctx).Where("referral_code = ?", code).First(&user).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrUserNotFound
		}
		return nil, err
	}
	return &user, nil
}

// SetWallet binds (or rebinds) the user's payout address.
func (s *UserService) SetWallet(ctx context.Context, id, address string) (*models.User, error) {
	address = strings.TrimSpace(address)
	if err := issuer.ValidateAddress(address); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidWallet, err)
	}
	res := s.DB.WithContext(ctx).Model(&models.User{}).Where("id = ?", id).Update("wallet_address", address)
	if res.Error != nil {
		return nil, fmt.Errorf("set wallet: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return nil, ErrUserNotFound
	}
	return s.GetUser(ctx, id)
}

func (s *UserService) RewardStatus(ctx context.Context, id string) (*RewardStatus, error) {
	user, err := s.GetUser(ctx, id)
	if err != nil {
		return nil, err
	}
	var pending int64
	if err := s.DB.WithContext(ctx).Model(&models.Referral{}).
		Where("reward_claimed = ? AND (referrer_id = ? OR referred_user_id = ?)", false, id, id).
		Count(&pending).Error; err != nil {
		return nil, fmt.Errorf("count pending referrals: %w", err)
	}
	return &RewardStatus{
		UserID:                     user.ID,
		HasUnclaimedReferralReward: user.HasUnclaimedReferralReward,
		HasUnclaimedReward:         user.HasUnclaimedReward,
		ReferralRewards:            user.ReferralRewards,
		ReferralCount:              user.ReferralCount,
		PendingReferrals:           pending,
	}, nil
}

// CheckReferralCode tells a signup form whether a code belongs to someone.
func (s *UserService) CheckReferralCode(ctx context.Context, code string) (*ReferralCodeCheck, error) {
	user, err := s.FindByReferralCode(ctx, code)
	if errors.Is(err, ErrUserNotFound) {
		return &ReferralCodeCheck{Valid: false}, nil
	}
	if err != nil {
		return nil, err
	}
	return &ReferralCodeCheck{
		Valid:        true,
		ReferrerName: cases.Title(language.Und).String(user.DisplayName()),
	}, nil
}

// GrantReward marks a generic (quest) reward as waiting for the user to claim it.
func (s *UserService) GrantReward(ctx context.Context, id string) error {
	res := s.DB.WithContext(ctx).Model(&models.User{}).Where("id = ?", id).Update("has_unclaimed_reward", true)
	if res.Error != nil {
		return fmt.Errorf("grant reward: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrUserNotFound
	}
	return nil
}

// beginRewardClaim flips reward_in_flight for a user holding an unclaimed
// reward. Only one caller can win.
func (s *UserService) beginRewardClaim(ctx context.Context, id string) (bool, error) {
	res := s.DB.WithContext(ctx).Model(&models.User{}).
		Where("id = ? AND has_unclaimed_reward = ? AND reward_in_flight = ?", id, true, false).
		Updates(map[string]any{
			"reward_in_flight":  true,
			"reward_claimed_at": s.now(),
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// finishRewardClaim ends a claim started by beginRewardClaim. A paid claim also
// clears the unclaimed flag.
func (s *UserService) finishRewardClaim(ctx context.Context, id string, paid bool) error {
	updates := map[string]any{"reward_in_flight": false, "reward_claimed_at": nil}
	if paid {
		updates["has_unclaimed_reward"] = false
	}
	return s.DB.WithContext(ctx).Model(&models.User{}).
		Where("id = ? AND reward_in_flight = ?", id, true).
		Updates(updates).Error
}

// ReclaimStaleRewardClaims settles quest claims whose in-flight marker is older
// than lease. A claim with a confirmed quest leg journaled since it began is
// closed as paid; any other claim is reopened so the user can retry.
func (s *UserService) ReclaimStaleRewardClaims(ctx context.Context, lease time.Duration) (int64, error) {
	if lease <= 0 {
		return 0, errBadLease
	}
	cutoff := s.now().Add(-lease)
	db := s.DB.WithContext(ctx)

	var stale []models.User
	if err := db.Where("reward_in_flight = ? AND (reward_claimed_at IS NULL OR reward_claimed_at < ?)", true, cutoff).
		Find(&stale).Error; err != nil {
		return 0, fmt.Errorf("list stale reward claims: %w", err)
	}

	var settled int64
	for _, u := range stale {
		paid := false
		if u.RewardClaimedAt != nil {
			var legs int64
			if err := db.Model(&models.PayoutLeg{}).
				Where("user_id = ? AND kind = ? AND status = ? AND created_at >= ?",
					u.ID, models.LegQuest, models.LegConfirmed, *u.RewardClaimedAt).
				Count(&legs).Error; err != nil {
				return settled, fmt.Errorf("lookup quest leg for %s: %w", u.ID, err)
			}
			paid = legs > 0
		}

		updates := map[string]any{"reward_in_flight": false, "reward_claimed_at": nil}
		if paid {
			updates["has_unclaimed_reward"] = false
		}
		res := db.Model(&models.User{}).
			Where("id = ? AND reward_in_flight = ? AND (reward_claimed_at IS NULL OR reward_claimed_at < ?)", u.ID, true, cutoff).
			Updates(updates)
		if res.Error != nil {
			return settled, fmt.Errorf("reset reward claim for %s: %w", u.ID, res.Error)
		}
		if res.RowsAffected == 1 {
			settled++
			log.Printf("⚠️ [UserService] stale quest reward claim for %s reset (paid=%t)", u.ID, paid)
		}
	}
	return settled, nil
}
