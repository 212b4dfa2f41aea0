package services

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"confess-rewards/models"
)

func TestRegisterReferralUnknownCodeIsNoop(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	entry, err := f.ledger.RegisterReferral(ctx, "DOES-NOT-EXIST", wallet(2))
	require.NoError(t, err)
	require.Nil(t, entry)

	entry, err = f.ledger.RegisterReferral(ctx, "", wallet(2))
	require.NoError(t, err)
	require.Nil(t, entry)

	var count int64
	require.NoError(t, f.db.Model(&models.Referral{}).Count(&count).Error)
	require.Zero(t, count)
}

func TestRegisterReferralRecordsObligation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	alice := f.createUser(t, "alice", wallet(1))

	entry, err := f.ledger.RegisterReferral(ctx, alice.ReferralCode, wallet(2))
	require.NoError(t, err)
	require.NotNil(t, entry)
	require.Equal(t, alice.ID, entry.ReferrerID)
	require.Equal(t, wallet(2), entry.ReferredWallet)
	require.False(t, entry.RewardClaimed)
	require.Equal(t, models.ReferralPending, entry.State)
	require.True(t, entry.CreatedAt.Equal(f.clock.Now()))

	// the same referrer may accumulate several entries for the same wallet
	_, err = f.ledger.RegisterReferral(ctx, alice.ReferralCode, wallet(2))
	require.NoError(t, err)

	reloaded := f.reloadUser(t, alice.ID)
	require.EqualValues(t, 2, reloaded.ReferralCount)
	require.True(t, reloaded.HasUnclaimedReferralReward)
}

func TestRegisterReferralForUserLinksBothParties(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	alice := f.createUser(t, "alice", wallet(1))
	bob := f.createUser(t, "bob", "")

	entry, err := f.ledger.RegisterReferralForUser(ctx, alice.ReferralCode, bob)
	require.NoError(t, err)
	require.NotNil(t, entry.ReferredUserID)
	require.Equal(t, bob.ID, *entry.ReferredUserID)
	require.Empty(t, entry.ReferredWallet)

	bobReloaded := f.reloadUser(t, bob.ID)
	require.NotNil(t, bobReloaded.ReferredByID)
	require.Equal(t, alice.ID, *bobReloaded.ReferredByID)
	require.True(t, bobReloaded.HasUnclaimedReferralReward)

	// referredBy is set at most once
	carol := f.createUser(t, "carol", "")
	_, err = f.ledger.RegisterReferralForUser(ctx, carol.ReferralCode, bobReloaded)
	require.NoError(t, err)
	require.Equal(t, alice.ID, *f.reloadUser(t, bob.ID).ReferredByID)
}

func TestListEligibleHonoursWindow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	alice := f.createUser(t, "alice", wallet(1))
	window := 30 * 24 * time.Hour

	old, err := f.ledger.RegisterReferral(ctx, alice.ReferralCode, wallet(2))
	require.NoError(t, err)
	f.clock.Advance(2 * 24 * time.Hour)
	recent, err := f.ledger.RegisterReferral(ctx, alice.ReferralCode, wallet(3))
	require.NoError(t, err)
	f.clock.Advance(29 * 24 * time.Hour) // old is 31 days old, recent 29

	eligible, err := f.ledger.ListEligible(ctx, window)
	require.NoError(t, err)
	require.Len(t, eligible, 1)
	require.Equal(t, recent.ID, eligible[0].ID)
	require.False(t, f.reloadReferral(t, old.ID).RewardClaimed, "expired entries are excluded, not resolved")

	token, ok, err := f.ledger.Claim(ctx, recent.ID)
	require.NoError(t, err)
	require.True(t, ok)
	eligible, err = f.ledger.ListEligible(ctx, window)
	require.NoError(t, err)
	require.Empty(t, eligible, "claimed entries are not eligible")

	require.NoError(t, f.ledger.MarkPaid(ctx, recent.ID, token))
	eligible, err = f.ledger.ListEligible(ctx, window)
	require.NoError(t, err)
	require.Empty(t, eligible)
}

func TestClaimIsExclusive(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	alice := f.createUser(t, "alice", wallet(1))
	entry, err := f.ledger.RegisterReferral(ctx, alice.ReferralCode, wallet(2))
	require.NoError(t, err)

	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		wins   int
		tokens []string
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			token, ok, err := f.ledger.Claim(ctx, entry.ID)
			if err != nil || !ok {
				return
			}
			mu.Lock()
			wins++
			tokens = append(tokens, token)
			mu.Unlock()
		}()
	}
	wg.Wait()

	require.Equal(t, 1, wins)
	reloaded := f.reloadReferral(t, entry.ID)
	require.Equal(t, models.ReferralPaying, reloaded.State)
	require.Equal(t, tokens[0], reloaded.ClaimToken)
	require.NotNil(t, reloaded.ClaimedAt)
}

func TestMarkPaidCommitsEntryAndCounters(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	alice := f.createUser(t, "alice", wallet(1))
	bob := f.createUser(t, "bob", wallet(2))
	entry, err := f.ledger.RegisterReferralForUser(ctx, alice.ReferralCode, bob)
	require.NoError(t, err)

	token, ok, err := f.ledger.Claim(ctx, entry.ID)
	require.NoError(t, err)
	require.True(t, ok)

	require.ErrorIs(t, f.ledger.MarkPaid(ctx, entry.ID, "someone-else"), ErrClaimLost)
	require.NoError(t, f.ledger.MarkPaid(ctx, entry.ID, token))
	require.ErrorIs(t, f.ledger.MarkPaid(ctx, entry.ID, token), ErrClaimLost, "paid entries cannot be committed twice")

	reloaded := f.reloadReferral(t, entry.ID)
	require.True(t, reloaded.RewardClaimed)
	require.Equal(t, models.ReferralPaid, reloaded.State)
	require.NotNil(t, reloaded.PaidAt)

	a := f.reloadUser(t, alice.ID)
	require.EqualValues(t, 1, a.ReferralRewards)
	require.False(t, a.HasUnclaimedReferralReward)
	require.False(t, f.reloadUser(t, bob.ID).HasUnclaimedReferralReward)
}

func TestMarkPaidKeepsFlagWhileOtherEntriesOpen(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	alice := f.createUser(t, "alice", wallet(1))
	first, err := f.ledger.RegisterReferral(ctx, alice.ReferralCode, wallet(2))
	require.NoError(t, err)
	_, err = f.ledger.RegisterReferral(ctx, alice.ReferralCode, wallet(3))
	require.NoError(t, err)

	token, _, err := f.ledger.Claim(ctx, first.ID)
	require.NoError(t, err)
	require.NoError(t, f.ledger.MarkPaid(ctx, first.ID, token))

	a := f.reloadUser(t, alice.ID)
	require.EqualValues(t, 1, a.ReferralRewards)
	require.True(t, a.HasUnclaimedReferralReward)
}

func TestReleaseReturnsEntryToPending(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	alice := f.createUser(t, "alice", wallet(1))
	entry, err := f.ledger.RegisterReferral(ctx, alice.ReferralCode, wallet(2))
	require.NoError(t, err)

	token, _, err := f.ledger.Claim(ctx, entry.ID)
	require.NoError(t, err)
	require.ErrorIs(t, f.ledger.Release(ctx, entry.ID, "wrong", "x"), ErrClaimLost)
	require.NoError(t, f.ledger.Release(ctx, entry.ID, token, "referrer leg: timeout"))

	reloaded := f.reloadReferral(t, entry.ID)
	require.Equal(t, models.ReferralPending, reloaded.State)
	require.False(t, reloaded.RewardClaimed)
	require.Equal(t, 1, reloaded.Attempts)
	require.Equal(t, "referrer leg: timeout", reloaded.LastError)
	require.Empty(t, reloaded.ClaimToken)

	_, ok, err := f.ledger.Claim(ctx, entry.ID)
	require.NoError(t, err)
	require.True(t, ok, "released entries can be claimed again")
}

func TestReclaimStaleClaims(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	alice := f.createUser(t, "alice", wallet(1))
	entry, err := f.ledger.RegisterReferral(ctx, alice.ReferralCode, wallet(2))
	require.NoError(t, err)

	token, _, err := f.ledger.Claim(ctx, entry.ID)
	require.NoError(t, err)

	f.clock.Advance(5 * time.Minute)
	n, err := f.ledger.ReclaimStale(ctx, 10*time.Minute)
	require.NoError(t, err)
	require.Zero(t, n, "claims inside their lease stay put")

	f.clock.Advance(6 * time.Minute)
	n, err = f.ledger.ReclaimStale(ctx, 10*time.Minute)
	require.NoError(t, err)
	require.EqualValues(t, 1, n)

	require.Equal(t, models.ReferralPending, f.reloadReferral(t, entry.ID).State)
	require.ErrorIs(t, f.ledger.MarkPaid(ctx, entry.ID, token), ErrClaimLost)
}

func TestLegJournal(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	alice := f.createUser(t, "alice", wallet(1))
	entry, err := f.ledger.RegisterReferral(ctx, alice.ReferralCode, wallet(2))
	require.NoError(t, err)

	_, found, err := f.ledger.ConfirmedLeg(ctx, entry.ID, models.LegReferred)
	require.NoError(t, err)
	require.False(t, found)

	require.NoError(t, f.ledger.RecordLeg(ctx, &models.PayoutLeg{
		ReferralID: &entry.ID, Kind: models.LegReferred, Recipient: wallet(2),
		Amount: testAmount, Status: models.LegFailed, Reason: "timeout",
	}))
	_, found, err = f.ledger.ConfirmedLeg(ctx, entry.ID, models.LegReferred)
	require.NoError(t, err)
	require.False(t, found, "failed legs do not count")

	require.NoError(t, f.ledger.RecordLeg(ctx, &models.PayoutLeg{
		ReferralID: &entry.ID, Kind: models.LegReferred, Recipient: wallet(2),
		Amount: testAmount, TxID: "tx-9", Status: models.LegConfirmed,
	}))
	leg, found, err := f.ledger.ConfirmedLeg(ctx, entry.ID, models.LegReferred)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "tx-9", leg.TxID)

	_, found, err = f.ledger.ConfirmedLeg(ctx, entry.ID, models.LegReferrer)
	require.NoError(t, err)
	require.False(t, found)

	legs, err := f.ledger.Legs(ctx, entry.ID)
	require.NoError(t, err)
	require.Len(t, legs, 2)
}

func TestMarkPaidIgnoresExpiredEntriesWhenClearingFlag(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	alice := f.createUser(t, "alice", wallet(1))
	_, err := f.ledger.RegisterReferral(ctx, alice.ReferralCode, wallet(2))
	require.NoError(t, err)
	f.clock.Advance(20 * 24 * time.Hour)
	recent, err := f.ledger.RegisterReferral(ctx, alice.ReferralCode, wallet(3))
	require.NoError(t, err)
	f.clock.Advance(11 * 24 * time.Hour) // first entry is now past the window

	token, ok, err := f.ledger.Claim(ctx, recent.ID)
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, f.ledger.MarkPaid(ctx, recent.ID, token))

	require.False(t, f.reloadUser(t, alice.ID).HasUnclaimedReferralReward)
}

func TestClearExpiredFlags(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	alice := f.createUser(t, "alice", wallet(1))
	bob := f.createUser(t, "bob", wallet(2))
	carol := f.createUser(t, "carol", wallet(3))
	_, err := f.ledger.RegisterReferralForUser(ctx, alice.ReferralCode, bob)
	require.NoError(t, err)

	f.clock.Advance(10 * 24 * time.Hour)
	_, err = f.ledger.RegisterReferral(ctx, carol.ReferralCode, wallet(4))
	require.NoError(t, err)

	n, err := f.ledger.ClearExpiredFlags(ctx)
	require.NoError(t, err)
	require.Zero(t, n, "entries inside the window keep their flags")

	f.clock.Advance(21 * 24 * time.Hour) // alice's entry expired, carol's has not
	n, err = f.ledger.ClearExpiredFlags(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 2, n)

	require.False(t, f.reloadUser(t, alice.ID).HasUnclaimedReferralReward)
	require.False(t, f.reloadUser(t, bob.ID).HasUnclaimedReferralReward)
	require.True(t, f.reloadUser(t, carol.ID).HasUnclaimedReferralReward)
}

func TestReclaimStaleRejectsNonPositiveLease(t *testing.T) {
	f := newFixture(t)
	_, err := f.ledger.ReclaimStale(context.Background(), 0)
	require.ErrorIs(t, err, errBadLease)
}
