// services/scheduler.go
package services

import (
	"context"
	"log"
	"time"

	"github.com/go-co-op/gocron/v2"
)

type SchedulerConfig struct {
	BatchInterval time.Duration
	ClaimLease    time.Duration
	// RunTimeout bounds one batch pass; defaults to the batch interval.
	RunTimeout time.Duration
}

// StartRewardScheduler runs the referral batch pass and the stale-claim sweep
// on fixed intervals. Both jobs are singletons: a slow run is never overlapped
// by the next tick of the same job.
func StartRewardScheduler(ctx context.Context, o *RewardOrchestrator, cfg SchedulerConfig) (gocron.Scheduler, error) {
	if cfg.ClaimLease <= 0 {
		return nil, errBadLease
	}
	if cfg.RunTimeout <= 0 {
		cfg.RunTimeout = cfg.BatchInterval
	}
	sweepEvery := cfg.ClaimLease / 2
	if sweepEvery < time.Minute {
		sweepEvery = time.Minute
	}

	sched, err := gocron.NewScheduler()
	if err != nil {
		return nil, err
	}

	// Every BatchInterval: pay eligible referrals
	if _, err := sched.NewJob(
		gocron.DurationJob(cfg.BatchInterval),
		gocron.NewTask(func() {
			runCtx, cancel := context.WithTimeout(ctx, cfg.RunTimeout)
			defer cancel()
			if _, err := o.ProcessRewards(runCtx); err != nil {
				log.Printf("[Scheduler] reward batch failed: %v", err)
			}
		}),
		gocron.WithName("referral-reward-batch"),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	); err != nil {
		return nil, err
	}

	// Every half lease: return abandoned claims and drop flags for expired entries
	if _, err := sched.NewJob(
		gocron.DurationJob(sweepEvery),
		gocron.NewTask(func() { sweepClaims(ctx, o, cfg.ClaimLease) }),
		gocron.WithName("referral-claim-sweep"),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	); err != nil {
		return nil, err
	}

	sched.Start()
	return sched, nil
}

func sweepClaims(ctx context.Context, o *RewardOrchestrator, lease time.Duration) {
	n, err := o.Ledger.ReclaimStale(ctx, lease)
	if err != nil {
		log.Printf("[Scheduler] stale claim sweep failed: %v", err)
	} else if n > 0 {
		o.metrics.RecordReclaimed(n)
		log.Printf("⚠️ [Scheduler] returned %d stale referral claim(s) to PENDING", n)
	}

	q, err := o.Users.ReclaimStaleRewardClaims(ctx, lease)
	if err != nil {
		log.Printf("[Scheduler] stale quest claim sweep failed: %v", err)
	} else if q > 0 {
		o.metrics.RecordReclaimed(q)
		log.Printf("⚠️ [Scheduler] reset %d stale quest reward claim(s)", q)
	}

	if c, err := o.Ledger.ClearExpiredFlags(ctx); err != nil {
		log.Printf("[Scheduler] expired flag sweep failed: %v", err)
	} else if c > 0 {
		log.Printf("[Scheduler] cleared referral flag on %d user(s) with only expired entries", c)
	}
}
