package services

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"confess-rewards/models"
)

func TestGenerateReferralCode(t *testing.T) {
	code, err := GenerateReferralCode("alice")
	require.NoError(t, err)
	require.Regexp(t, regexp.MustCompile(`^alice-[A-Z0-9]{6}$`), code)

	code, err = GenerateReferralCode("Zoë Smith")
	require.NoError(t, err)
	require.Regexp(t, regexp.MustCompile(`^zoe-smith-[A-Z0-9]{6}$`), code)

	code, err = GenerateReferralCode("???")
	require.NoError(t, err)
	require.Regexp(t, regexp.MustCompile(`^user-[A-Z0-9]{6}$`), code)
}

func TestCreateUserAssignsStableReferralCode(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	u := f.createUser(t, "alice", "")
	require.NotEmpty(t, u.ID)
	require.Regexp(t, `^alice-[A-Z0-9]{6}$`, u.ReferralCode)
	require.Nil(t, u.WalletAddress)

	_, err := f.users.SetWallet(ctx, u.ID, wallet(1))
	require.NoError(t, err)
	_, err = f.users.SetWallet(ctx, u.ID, wallet(2))
	require.NoError(t, err)

	reloaded := f.reloadUser(t, u.ID)
	require.Equal(t, u.ReferralCode, reloaded.ReferralCode)
	require.Equal(t, wallet(2), reloaded.Wallet())
}

func TestCreateUserValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.users.CreateUser(ctx, NewUser{Email: "x@example.com"})
	require.ErrorIs(t, err, ErrInvalidUser)

	_, err = f.users.CreateUser(ctx, NewUser{Username: "x", Email: "nope"})
	require.ErrorIs(t, err, ErrInvalidUser)

	_, err = f.users.CreateUser(ctx, NewUser{Username: "x", Email: "x@example.com", WalletAddress: "0xdeadbeef"})
	require.ErrorIs(t, err, ErrInvalidWallet)

	f.createUser(t, "bob", "")
	_, err = f.users.CreateUser(ctx, NewUser{Username: "bobby", Email: "BOB@example.com"})
	require.ErrorIs(t, err, ErrEmailTaken)
}

func TestSetWallet(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	u := f.createUser(t, "carol", "")

	_, err := f.users.SetWallet(ctx, u.ID, "not-an-address")
	require.ErrorIs(t, err, ErrInvalidWallet)

	_, err = f.users.SetWallet(ctx, "missing", wallet(3))
	require.ErrorIs(t, err, ErrUserNotFound)
}

func TestFindByReferralCode(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	u := f.createUser(t, "dave", "")

	found, err := f.users.FindByReferralCode(ctx, " "+u.ReferralCode+" ")
	require.NoError(t, err)
	require.Equal(t, u.ID, found.ID)

	_, err = f.users.FindByReferralCode(ctx, "DOES-NOT-EXIST")
	require.ErrorIs(t, err, ErrUserNotFound)
	_, err = f.users.FindByReferralCode(ctx, "")
	require.ErrorIs(t, err, ErrUserNotFound)
}

func TestCheckReferralCode(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	first, last := "erin", "smith"
	u, err := f.users.CreateUser(ctx, NewUser{Username: "erin", Email: "erin@example.com", FirstName: &first, LastName: &last})
	require.NoError(t, err)

	check, err := f.users.CheckReferralCode(ctx, u.ReferralCode)
	require.NoError(t, err)
	require.True(t, check.Valid)
	require.Equal(t, "Erin Smith", check.ReferrerName)

	check, err = f.users.CheckReferralCode(ctx, "nobody-XXXXXX")
	require.NoError(t, err)
	require.False(t, check.Valid)
	require.Empty(t, check.ReferrerName)
}

func TestRewardStatus(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	alice := f.createUser(t, "alice", wallet(1))

	status, err := f.users.RewardStatus(ctx, alice.ID)
	require.NoError(t, err)
	require.False(t, status.HasUnclaimedReferralReward)
	require.False(t, status.HasUnclaimedReward)
	require.Zero(t, status.PendingReferrals)

	_, err = f.ledger.RegisterReferral(ctx, alice.ReferralCode, wallet(2))
	require.NoError(t, err)
	require.NoError(t, f.users.GrantReward(ctx, alice.ID))

	status, err = f.users.RewardStatus(ctx, alice.ID)
	require.NoError(t, err)
	require.True(t, status.HasUnclaimedReferralReward)
	require.True(t, status.HasUnclaimedReward)
	require.EqualValues(t, 1, status.ReferralCount)
	require.EqualValues(t, 1, status.PendingReferrals)

	_, err = f.users.RewardStatus(ctx, "missing")
	require.ErrorIs(t, err, ErrUserNotFound)
	require.ErrorIs(t, f.users.GrantReward(ctx, "missing"), ErrUserNotFound)
}

func TestReclaimStaleRewardClaimReopensClaim(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	alice := f.createUser(t, "alice", wallet(1))
	require.NoError(t, f.users.GrantReward(ctx, alice.ID))

	// a runner took the claim and died before finishing it
	won, err := f.users.beginRewardClaim(ctx, alice.ID)
	require.NoError(t, err)
	require.True(t, won)
	require.NotNil(t, f.reloadUser(t, alice.ID).RewardClaimedAt)

	f.clock.Advance(5 * time.Minute)
	n, err := f.users.ReclaimStaleRewardClaims(ctx, 10*time.Minute)
	require.NoError(t, err)
	require.Zero(t, n, "claims inside their lease stay put")

	f.clock.Advance(6 * time.Minute)
	n, err = f.users.ReclaimStaleRewardClaims(ctx, 10*time.Minute)
	require.NoError(t, err)
	require.EqualValues(t, 1, n)

	a := f.reloadUser(t, alice.ID)
	require.False(t, a.RewardInFlight)
	require.Nil(t, a.RewardClaimedAt)
	require.True(t, a.HasUnclaimedReward)

	txID, err := f.orch.ClaimReward(ctx, alice.ID)
	require.NoError(t, err)
	require.NotEmpty(t, txID)
	require.False(t, f.reloadUser(t, alice.ID).HasUnclaimedReward)
}

func TestReclaimStaleRewardClaimSettlesConfirmedSend(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	alice := f.createUser(t, "alice", wallet(1))
	require.NoError(t, f.users.GrantReward(ctx, alice.ID))

	won, err := f.users.beginRewardClaim(ctx, alice.ID)
	require.NoError(t, err)
	require.True(t, won)
	// the transfer went through and was journaled, but the claim was never finished
	require.NoError(t, f.ledger.RecordLeg(ctx, &models.PayoutLeg{
		UserID:    &alice.ID,
		Kind:      models.LegQuest,
		Recipient: wallet(1),
		Amount:    testAmount,
		TxID:      "tx-lost",
		Status:    models.LegConfirmed,
		CreatedAt: f.clock.Now(),
	}))

	f.clock.Advance(11 * time.Minute)
	n, err := f.users.ReclaimStaleRewardClaims(ctx, 10*time.Minute)
	require.NoError(t, err)
	require.EqualValues(t, 1, n)

	a := f.reloadUser(t, alice.ID)
	require.False(t, a.RewardInFlight)
	require.False(t, a.HasUnclaimedReward)

	_, err = f.orch.ClaimReward(ctx, alice.ID)
	require.ErrorIs(t, err, ErrNoRewardToClaim)
	require.Empty(t, f.iss.Calls())
}

func TestReclaimStaleRewardClaimsRejectsNonPositiveLease(t *testing.T) {
	f := newFixture(t)
	_, err := f.users.ReclaimStaleRewardClaims(context.Background(), -time.Minute)
	require.ErrorIs(t, err, errBadLease)
}
