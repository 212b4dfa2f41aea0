// services/referral_ledger.go
package services

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"confess-rewards/models"
)

var (
	ErrReferralNotFound = errors.New("referral not found")
	// ErrClaimLost means the caller no longer owns the PAYING claim on an entry.
	ErrClaimLost = errors.New("referral claim lost")
	errBadLease  = errors.New("claim lease must be positive")
)

const defaultWindow = 30 * 24 * time.Hour

// ReferralLedger records referral obligations and arbitrates who may pay them.
// window is the eligibility window; entries older than it no longer count as
// open when reward flags are settled.
type ReferralLedger struct {
	DB     *gorm.DB
	window time.Duration
	now    func() time.Time
}

func NewReferralLedger(db *gorm.DB, window time.Duration, now func() time.Time) *ReferralLedger {
	if window <= 0 {
		window = defaultWindow
	}
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &ReferralLedger{DB: db, window: window, now: now}
}

// RegisterReferral records an obligation for the owner of referrerCode towards
// newUserWallet. An unknown code is not an error: it returns (nil, nil).
// Duplicate entries from the same referrer are accepted.
func (l *ReferralLedger) RegisterReferral(ctx context.Context, referrerCode, newUserWallet string) (*models.Referral, error) {
	return l.register(ctx, referrerCode, strings.TrimSpace(newUserWallet), nil)
}

// RegisterReferralForUser is RegisterReferral for a directory user. It also
// links the user to the referrer and flags both sides as awaiting a reward.
func (l *ReferralLedger) RegisterReferralForUser(ctx context.Context, referrerCode string, referred *models.User) (*models.Referral, error) {
	if referred == nil {
		return nil, fmt.Errorf("referred user required")
	}
	return l.register(ctx, referrerCode, referred.Wallet(), referred)
}

func (l *ReferralLedger) register(ctx context.Context, referrerCode, wallet string, referred *models.User) (*models.Referral, error) {
	code := strings.TrimSpace(referrerCode)
	if code == "" {
		return nil, nil
	}

	var entry *models.Referral
	err := l.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var referrer models.User
		if err := tx.Where("referral_code = ?", code).First(&referrer).Error; err != nil {
			return err
		}

		entry = &models.Referral{
			ReferrerID:     referrer.ID,
			ReferredWallet: wallet,
			State:          models.ReferralPending,
			CreatedAt:      l.now(),
		}
		if referred != nil {
			id := referred.ID
			entry.ReferredUserID = &id
		}
		if err := tx.Create(entry).Error; err != nil {
			return fmt.Errorf("create referral: %w", err)
		}

		if err := tx.Model(&models.User{}).Where("id = ?", referrer.ID).Updates(map[string]any{
			"referral_count":                gorm.Expr("referral_count + 1"),
			"has_unclaimed_referral_reward": true,
		}).Error; err != nil {
			return fmt.Errorf("update referrer: %w", err)
		}

		if referred != nil {
			if err := tx.Model(&models.User{}).Where("id = ?", referred.ID).
				Update("has_unclaimed_referral_reward", true).Error; err != nil {
				return fmt.Errorf("flag referred user: %w", err)
			}
			if err := tx.Model(&models.User{}).Where("id = ? AND referred_by_id IS NULL", referred.ID).
				Update("referred_by_id", referrer.ID).Error; err != nil {
				return fmt.Errorf("link referred user: %w", err)
			}
		}
		return nil
	})
	if errors.Is(err, gorm.ErrRecordNotFound) {
		log.Printf("[ReferralLedger] unknown referral code %q ignored", code)
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	log.Printf("[ReferralLedger] registered referral %s for referrer %s", entry.ID, entry.ReferrerID)
	return entry, nil
}

func (l *ReferralLedger) Get(ctx context.Context, id string) (*models.Referral, error) {
	var entry models.Referral
	if err := l.DB.WithContext(ctx).First(&entry, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrReferralNotFound
		}
		return nil, err
	}
	return &entry, nil
}

// ListEligible returns unpaid PENDING entries created within window. Older
// entries are never selected again.
func (l *ReferralLedger) ListEligible(ctx context.Context, window time.Duration) ([]models.Referral, error) {
	cutoff := l.now().Add(-window)
	var entries []models.Referral
	err := l.DB.WithContext(ctx).
		Where("reward_claimed = ? AND state = ? AND created_at > ?", false, models.ReferralPending, cutoff).
		Order("created_at ASC").
		Find(&entries).Error
	if err != nil {
		return nil, fmt.Errorf("list eligible referrals: %w", err)
	}
	return entries, nil
}

// ListEligibleForUser is ListEligible narrowed to entries where userID is
// either party.
func (l *ReferralLedger) ListEligibleForUser(ctx context.Context, userID string, window time.Duration) ([]models.Referral, error) {
	cutoff := l.now().Add(-window)
	var entries []models.Referral
	err := l.DB.WithContext(ctx).
		Where("reward_claimed = ? AND state = ? AND created_at > ?", false, models.ReferralPending, cutoff).
		Where("referrer_id = ? OR referred_user_id = ?", userID, userID).
		Order("created_at ASC").
		Find(&entries).Error
	if err != nil {
		return nil, fmt.Errorf("list eligible referrals for user: %w", err)
	}
	return entries, nil
}

// Claim moves an entry from PENDING to PAYING in a single conditional update.
// Exactly one concurrent caller gets ok=true and the token that owns the claim.
func (l *ReferralLedger) Claim(ctx context.Context, id string) (string, bool, error) {
	token := uuid.NewString()
	now := l.now()
	res := l.DB.WithContext(ctx).Model(&models.Referral{}).
		Where("id = ? AND state = ? AND reward_claimed = ?", id, models.ReferralPending, false).
		Updates(map[string]any{
			"state":       models.ReferralPaying,
			"claim_token": token,
			"claimed_at":  now,
		})
	if res.Error != nil {
		return "", false, fmt.Errorf("claim referral %s: %w", id, res.Error)
	}
	if res.RowsAffected != 1 {
		return "", false, nil
	}
	return token, true, nil
}

// MarkPaid commits a fully delivered entry: PAYING to PAID, reward_claimed set,
// referrer counter bumped and flags cleared, all in one transaction.
func (l *ReferralLedger) MarkPaid(ctx context.Context, id, token string) error {
	now := l.now()
	return l.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&models.Referral{}).
			Where("id = ? AND state = ? AND claim_token = ?", id, models.ReferralPaying, token).
			Updates(map[string]any{
				"state":          models.ReferralPaid,
				"reward_claimed": true,
				"paid_at":        now,
				"claim_token":    "",
				"last_error":     "",
			})
		if res.Error != nil {
			return fmt.Errorf("mark referral %s paid: %w", id, res.Error)
		}
		if res.RowsAffected != 1 {
			return ErrClaimLost
		}

		var entry models.Referral
		if err := tx.First(&entry, "id = ?", id).Error; err != nil {
			return fmt.Errorf("reload referral %s: %w", id, err)
		}
		if err := tx.Model(&models.User{}).Where("id = ?", entry.ReferrerID).
			Update("referral_rewards", gorm.Expr("referral_rewards + 1")).Error; err != nil {
			return fmt.Errorf("bump referral rewards: %w", err)
		}

		parties := []string{entry.ReferrerID}
		if entry.ReferredUserID != nil {
			parties = append(parties, *entry.ReferredUserID)
		}
		cutoff := now.Add(-l.window)
		for _, userID := range parties {
			if err := clearFlagIfSettled(tx, userID, cutoff); err != nil {
				return err
			}
		}
		return nil
	})
}

// clearFlagIfSettled drops the user's referral flag once no unpaid entry
// created after cutoff names them.
func clearFlagIfSettled(tx *gorm.DB, userID string, cutoff time.Time) error {
	var open int64
	if err := tx.Model(&models.Referral{}).
		Where("reward_claimed = ? AND created_at > ?", false, cutoff).
		Where("referrer_id = ? OR referred_user_id = ?", userID, userID).
		Count(&open).Error; err != nil {
		return fmt.Errorf("count open referrals: %w", err)
	}
	if open > 0 {
		return nil
	}
	if err := tx.Model(&models.User{}).Where("id = ?", userID).
		Update("has_unclaimed_referral_reward", false).Error; err != nil {
		return fmt.Errorf("clear referral flag: %w", err)
	}
	return nil
}

// Release hands a claimed entry back to PENDING for a later run.
func (l *ReferralLedger) Release(ctx context.Context, id, token, reason string) error {
	res := l.DB.WithContext(ctx).Model(&models.Referral{}).
		Where("id = ? AND state = ? AND claim_token = ?", id, models.ReferralPaying, token).
		Updates(map[string]any{
			"state":       models.ReferralPending,
			"claim_token": "",
			"claimed_at":  nil,
			"attempts":    gorm.Expr("attempts + 1"),
			"last_error":  reason,
		})
	if res.Error != nil {
		return fmt.Errorf("release referral %s: %w", id, res.Error)
	}
	if res.RowsAffected != 1 {
		return ErrClaimLost
	}
	return nil
}

// ReclaimStale returns PAYING entries whose claim is older than lease to
// PENDING. This recovers entries abandoned by a crashed runner.
func (l *ReferralLedger) ReclaimStale(ctx context.Context, lease time.Duration) (int64, error) {
	if lease <= 0 {
		return 0, errBadLease
	}
	cutoff := l.now().Add(-lease)
	res := l.DB.WithContext(ctx).Model(&models.Referral{}).
		Where("state = ? AND claimed_at < ?", models.ReferralPaying, cutoff).
		Updates(map[string]any{
			"state":       models.ReferralPending,
			"claim_token": "",
			"claimed_at":  nil,
			"last_error":  "claim lease expired",
		})
	if res.Error != nil {
		return 0, fmt.Errorf("reclaim stale referrals: %w", res.Error)
	}
	return res.RowsAffected, nil
}

// ClearExpiredFlags drops has_unclaimed_referral_reward for users whose
// unpaid entries have all aged out of the eligibility window.
func (l *ReferralLedger) ClearExpiredFlags(ctx context.Context) (int64, error) {
	cutoff := l.now().Add(-l.window)
	open := l.DB.Model(&models.Referral{}).
		Select("1").
		Where("reward_claimed = ? AND created_at > ?", false, cutoff).
		Where("referrals.referrer_id = users.id OR referrals.referred_user_id = users.id")
	res := l.DB.WithContext(ctx).Model(&models.User{}).
		Where("has_unclaimed_referral_reward = ?", true).
		Where("NOT EXISTS (?)", open).
		Update("has_unclaimed_referral_reward", false)
	if res.Error != nil {
		return 0, fmt.Errorf("clear expired referral flags: %w", res.Error)
	}
	return res.RowsAffected, nil
}

// FillReferredWallet stores wallet on an entry registered without one. An
// entry that already has a wallet is left untouched.
func (l *ReferralLedger) FillReferredWallet(ctx context.Context, id, wallet string) error {
	return l.DB.WithContext(ctx).Model(&models.Referral{}).
		Where("id = ? AND referred_wallet = ?", id, "").
		Update("referred_wallet", wallet).Error
}

func (l *ReferralLedger) RecordLeg(ctx context.Context, leg *models.PayoutLeg) error {
	if err := l.DB.WithContext(ctx).Create(leg).Error; err != nil {
		return fmt.Errorf("record payout leg: %w", err)
	}
	return nil
}

// ConfirmedLeg finds a confirmed leg of kind for the referral, if any.
func (l *ReferralLedger) ConfirmedLeg(ctx context.Context, referralID string, kind models.LegKind) (*models.PayoutLeg, bool, error) {
	var leg models.PayoutLeg
	err := l.DB.WithContext(ctx).
		Where("referral_id = ? AND kind = ? AND status = ?", referralID, kind, models.LegConfirmed).
		First(&leg).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("lookup payout leg: %w", err)
	}
	return &leg, true, nil
}

func (l *ReferralLedger) Legs(ctx context.Context, referralID string) ([]models.PayoutLeg, error) {
	var legs []models.PayoutLeg
	if err := l.DB.WithContext(ctx).Where("referral_id = ?", referralID).Order("created_at ASC").Find(&legs).Error; err != nil {
		return nil, err
	}
	return legs, nil
}
