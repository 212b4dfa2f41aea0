package services

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"confess-rewards/models"
)

func TestSchedulerPaysPendingReferrals(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	alice := f.createUser(t, "alice", wallet(1))
	entry, err := f.ledger.RegisterReferral(ctx, alice.ReferralCode, wallet(2))
	require.NoError(t, err)

	sched, err := StartRewardScheduler(ctx, f.orch, SchedulerConfig{
		BatchInterval: 50 * time.Millisecond,
		ClaimLease:    10 * time.Minute,
	})
	require.NoError(t, err)
	defer func() { require.NoError(t, sched.Shutdown()) }()

	require.Eventually(t, func() bool {
		r, err := f.ledger.Get(context.Background(), entry.ID)
		return err == nil && r.RewardClaimed
	}, 5*time.Second, 20*time.Millisecond)

	// later ticks find nothing left to pay
	time.Sleep(150 * time.Millisecond)
	require.Len(t, f.iss.Calls(), 2)
}

func TestSweepResetsStaleClaimsAndExpiredFlags(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	alice := f.createUser(t, "alice", wallet(1))
	bob := f.createUser(t, "bob", wallet(2))

	entry, err := f.ledger.RegisterReferral(ctx, alice.ReferralCode, wallet(3))
	require.NoError(t, err)
	_, ok, err := f.ledger.Claim(ctx, entry.ID)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, f.users.GrantReward(ctx, bob.ID))
	won, err := f.users.beginRewardClaim(ctx, bob.ID)
	require.NoError(t, err)
	require.True(t, won)

	f.clock.Advance(11 * time.Minute)
	sweepClaims(ctx, f.orch, 10*time.Minute)
	require.Equal(t, models.ReferralPending, f.reloadReferral(t, entry.ID).State)
	require.False(t, f.reloadUser(t, bob.ID).RewardInFlight)
	require.True(t, f.reloadUser(t, alice.ID).HasUnclaimedReferralReward)

	f.clock.Advance(31 * 24 * time.Hour)
	sweepClaims(ctx, f.orch, 10*time.Minute)
	require.False(t, f.reloadUser(t, alice.ID).HasUnclaimedReferralReward)
}

func TestStartRewardSchedulerRejectsZeroLease(t *testing.T) {
	f := newFixture(t)
	_, err := StartRewardScheduler(context.Background(), f.orch, SchedulerConfig{BatchInterval: time.Minute})
	require.ErrorIs(t, err, errBadLease)
}
