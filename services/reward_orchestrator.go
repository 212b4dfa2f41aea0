// services/reward_orchestrator.go
package services

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"confess-rewards/issuer"
	"confess-rewards/logging"
	"confess-rewards/metrics"
	"confess-rewards/models"
	"confess-rewards/telemetry"
)

// Outcome is what happened to one referral entry during a payout attempt.
type Outcome string

const (
	OutcomePaid               Outcome = "paid"
	OutcomeMissingWallet      Outcome = "missing_wallet"
	OutcomeAlreadyClaimed     Outcome = "already_claimed"
	OutcomeIssuerFailure      Outcome = "issuer_failure"
	OutcomePartialPayout      Outcome = "partial_payout"
	OutcomePersistenceFailure Outcome = "persistence_failure"
	OutcomeError              Outcome = "error"
)

// ReportArchiver stores a JSON document under key and returns where it landed.
type ReportArchiver interface {
	ArchiveJSON(ctx context.Context, key string, v any) (string, error)
}

type EntryResult struct {
	ReferralID string  `json:"referral_id"`
	Outcome    Outcome `json:"outcome"`
	Error      string  `json:"error,omitempty"`
}

// BatchReport summarises one ProcessRewards pass.
type BatchReport struct {
	RunID      string          `json:"run_id"`
	StartedAt  time.Time       `json:"started_at"`
	FinishedAt time.Time       `json:"finished_at"`
	Eligible   int             `json:"eligible"`
	Outcomes   map[Outcome]int `json:"outcomes"`
	Entries    []EntryResult   `json:"entries"`
	ArchiveURL string          `json:"archive_url,omitempty"`
}

type OrchestratorConfig struct {
	ReferralAmount uint64
	QuestAmount    uint64
	Window         time.Duration
	Concurrency    int
	Metrics        *metrics.RewardMetrics
	Archiver       ReportArchiver // optional
	Now            func() time.Time
}

// RewardOrchestrator drives referral entries from PENDING to PAID. Each entry
// is claimed before any transfer so concurrent runners never pay it twice,
// and both legs must confirm before the entry is committed.
type RewardOrchestrator struct {
	Users  *UserService
	Ledger *ReferralLedger
	Issuer issuer.Issuer

	referralAmount uint64
	questAmount    uint64
	window         time.Duration
	concurrency    int
	metrics        *metrics.RewardMetrics
	archiver       ReportArchiver
	now            func() time.Time
	tracer         trace.Tracer
}

func NewRewardOrchestrator(users *UserService, ledger *ReferralLedger, iss issuer.Issuer, cfg OrchestratorConfig) *RewardOrchestrator {
	if cfg.Window <= 0 {
		cfg.Window = 30 * 24 * time.Hour
	}
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	if cfg.QuestAmount == 0 {
		cfg.QuestAmount = cfg.ReferralAmount
	}
	if cfg.Now == nil {
		cfg.Now = func() time.Time { return time.Now().UTC() }
	}
	return &RewardOrchestrator{
		Users:          users,
		Ledger:         ledger,
		Issuer:         iss,
		referralAmount: cfg.ReferralAmount,
		questAmount:    cfg.QuestAmount,
		window:         cfg.Window,
		concurrency:    cfg.Concurrency,
		metrics:        cfg.Metrics,
		archiver:       cfg.Archiver,
		now:            cfg.Now,
		tracer:         telemetry.Tracer("confess-rewards/orchestrator"),
	}
}

// ProcessRewards pays every eligible referral entry. Entries are independent:
// a failing entry is reported and left for the next run. Only a failure to
// list the entries is returned as an error.
func (o *RewardOrchestrator) ProcessRewards(ctx context.Context) (*BatchReport, error) {
	ctx, span := o.tracer.Start(ctx, "rewards.process_batch")
	defer span.End()

	report := &BatchReport{
		RunID:     uuid.NewString(),
		StartedAt: o.now(),
		Outcomes:  map[Outcome]int{},
	}

	entries, err := o.Ledger.ListEligible(ctx, o.window)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "list eligible")
		return nil, err
	}
	report.Eligible = len(entries)
	span.SetAttributes(attribute.Int("eligible", len(entries)))

	results := make([]EntryResult, len(entries))
	var g errgroup.Group
	g.SetLimit(o.concurrency)
	for i := range entries {
		entry := entries[i]
		g.Go(func() error {
			outcome, err := o.PayReferral(ctx, &entry)
			results[i] = EntryResult{ReferralID: entry.ID, Outcome: outcome}
			if err != nil {
				results[i].Error = err.Error()
			}
			return nil
		})
	}
	_ = g.Wait()

	for _, r := range results {
		report.Outcomes[r.Outcome]++
	}
	report.Entries = results
	report.FinishedAt = o.now()
	o.metrics.ObserveBatch(report.FinishedAt.Sub(report.StartedAt))

	log.Printf("[RewardOrchestrator] run %s: %d eligible, outcomes %v", report.RunID, report.Eligible, report.Outcomes)
	o.archive(ctx, report)
	return report, nil
}

func (o *RewardOrchestrator) archive(ctx context.Context, report *BatchReport) {
	if o.archiver == nil || report.Eligible == 0 {
		return
	}
	key := fmt.Sprintf("reward-runs/%s/%s.json", report.StartedAt.Format("2006-01-02"), report.RunID)
	url, err := o.archiver.ArchiveJSON(ctx, key, report)
	if err != nil {
		log.Printf("[RewardOrchestrator] failed to archive run %s: %v", report.RunID, err)
		return
	}
	report.ArchiveURL = url
}

type payoutLeg struct {
	kind      models.LegKind
	recipient string
	userID    *string
}

// PayReferral runs the per-entry protocol shared by the batch pass and the
// signup fast path: resolve wallets, claim, send both legs, commit.
func (o *RewardOrchestrator) PayReferral(ctx context.Context, entry *models.Referral) (outcome Outcome, err error) {
	ctx, span := o.tracer.Start(ctx, "rewards.pay_referral", trace.WithAttributes(
		attribute.String("referral_id", entry.ID),
	))
	defer func() {
		span.SetAttributes(attribute.String("outcome", string(outcome)))
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, string(outcome))
		}
		span.End()
		o.metrics.RecordEntry(string(outcome))
	}()

	referrer, err := o.Users.GetUser(ctx, entry.ReferrerID)
	if errors.Is(err, ErrUserNotFound) {
		log.Printf("[RewardOrchestrator] referral %s: referrer %s no longer exists, skipping", entry.ID, entry.ReferrerID)
		return OutcomeMissingWallet, nil
	}
	if err != nil {
		return OutcomeError, fmt.Errorf("load referrer: %w", err)
	}
	referrerWallet := referrer.Wallet()
	if referrerWallet == "" {
		log.Printf("[RewardOrchestrator] referral %s: referrer %s has no wallet, leaving pending", entry.ID, referrer.ID)
		return OutcomeMissingWallet, nil
	}

	referredWallet, err := o.resolveReferredWallet(ctx, entry)
	if err != nil {
		return OutcomeError, err
	}
	if referredWallet == "" {
		log.Printf("[RewardOrchestrator] referral %s: referred party has no wallet, leaving pending", entry.ID)
		return OutcomeMissingWallet, nil
	}

	token, ok, err := o.Ledger.Claim(ctx, entry.ID)
	if err != nil {
		return OutcomeError, err
	}
	if !ok {
		log.Printf("[RewardOrchestrator] referral %s already claimed by another runner", entry.ID)
		return OutcomeAlreadyClaimed, nil
	}

	legs := []payoutLeg{
		{kind: models.LegReferred, recipient: referredWallet, userID: entry.ReferredUserID},
		{kind: models.LegReferrer, recipient: referrerWallet, userID: &referrer.ID},
	}
	delivered := 0
	for _, leg := range legs {
		if err := o.payLeg(ctx, entry.ID, leg); err != nil {
			return o.abandon(ctx, entry.ID, token, leg, delivered, err)
		}
		delivered++
	}

	// Both legs are on chain; the commit must not be lost to a cancelled batch.
	if err := o.Ledger.MarkPaid(context.WithoutCancel(ctx), entry.ID, token); err != nil {
		o.metrics.RecordPersistenceFailure()
		slog.Error("referral paid on network but not recorded",
			"referral_id", entry.ID,
			"referrer_id", referrer.ID,
			"error", err,
		)
		return OutcomePersistenceFailure, fmt.Errorf("mark referral %s paid: %w", entry.ID, err)
	}
	log.Printf("✅ [RewardOrchestrator] referral %s paid to %s and %s",
		entry.ID, logging.MaskAddress(referredWallet), logging.MaskAddress(referrerWallet))
	return OutcomePaid, nil
}

// resolveReferredWallet falls back to the referred user's current wallet when
// the entry was registered without one, and remembers it on the entry.
func (o *RewardOrchestrator) resolveReferredWallet(ctx context.Context, entry *models.Referral) (string, error) {
	if entry.ReferredWallet != "" {
		return entry.ReferredWallet, nil
	}
	if entry.ReferredUserID == nil {
		return "", nil
	}
	referred, err := o.Users.GetUser(ctx, *entry.ReferredUserID)
	if errors.Is(err, ErrUserNotFound) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("load referred user: %w", err)
	}
	wallet := referred.Wallet()
	if wallet == "" {
		return "", nil
	}
	if err := o.Ledger.FillReferredWallet(ctx, entry.ID, wallet); err != nil {
		return "", fmt.Errorf("store referred wallet: %w", err)
	}
	entry.ReferredWallet = wallet
	return wallet, nil
}

// payLeg sends one leg unless the journal shows it already confirmed.
func (o *RewardOrchestrator) payLeg(ctx context.Context, referralID string, leg payoutLeg) error {
	prior, done, err := o.Ledger.ConfirmedLeg(ctx, referralID, leg.kind)
	if err != nil {
		return err
	}
	if done {
		log.Printf("[RewardOrchestrator] referral %s: %s leg already confirmed in %s, not resending", referralID, leg.kind, prior.TxID)
		return nil
	}

	txID, sendErr := o.Issuer.SendReward(ctx, leg.recipient, o.referralAmount)
	record := &models.PayoutLeg{
		ReferralID: &referralID,
		UserID:     leg.userID,
		Kind:       leg.kind,
		Recipient:  leg.recipient,
		Amount:     o.referralAmount,
		TxID:       string(txID),
		Status:     models.LegConfirmed,
	}
	if sendErr != nil {
		record.Status = models.LegFailed
		record.Reason = string(issuer.ReasonOf(sendErr))
		var failure *issuer.Failure
		if errors.As(sendErr, &failure) && failure.TxID != "" {
			record.TxID = string(failure.TxID)
		}
	}
	// Journal on a fresh context so a cancelled request still records a confirmed send.
	if err := o.Ledger.RecordLeg(context.WithoutCancel(ctx), record); err != nil {
		slog.Error("payout leg not journaled; a retry will resend it",
			"referral_id", referralID,
			"kind", string(leg.kind),
			"tx_id", record.TxID,
			"error", err,
		)
	}
	if sendErr != nil {
		return fmt.Errorf("%s leg: %w", leg.kind, sendErr)
	}
	return nil
}

// abandon releases the claim after a failed leg. Tokens already delivered on
// an earlier leg stay delivered; the entry is reported as a partial payout.
func (o *RewardOrchestrator) abandon(ctx context.Context, referralID, token string, failed payoutLeg, delivered int, cause error) (Outcome, error) {
	if err := o.Ledger.Release(context.WithoutCancel(ctx), referralID, token, cause.Error()); err != nil {
		log.Printf("❌ [RewardOrchestrator] referral %s: release after failed %s leg: %v", referralID, failed.kind, err)
	}
	if delivered > 0 {
		o.metrics.RecordPartialPayout()
		slog.Warn("partial referral payout: one leg delivered, the other failed",
			"referral_id", referralID,
			"failed_leg", string(failed.kind),
			"reason", string(issuer.ReasonOf(cause)),
		)
		return OutcomePartialPayout, cause
	}
	log.Printf("❌ [RewardOrchestrator] referral %s: %v; will retry next run", referralID, cause)
	return OutcomeIssuerFailure, cause
}

// SignupRequest is the input of the signup fast path.
type SignupRequest struct {
	Username      string
	Email         string
	FirstName     *string
	LastName      *string
	WalletAddress string
	ReferralCode  string
}

type SignupResult struct {
	User     *models.User     `json:"user"`
	Referral *models.Referral `json:"referral,omitempty"`
	Payout   Outcome          `json:"payout,omitempty"`
}

// Signup creates the account and, given a referral code, registers the
// referral and tries to pay it immediately. Only account creation can fail
// the call; everything after it degrades to "pending for the next batch".
func (o *RewardOrchestrator) Signup(ctx context.Context, req SignupRequest) (*SignupResult, error) {
	user, err := o.Users.CreateUser(ctx, NewUser{
		Username:      req.Username,
		Email:         req.Email,
		FirstName:     req.FirstName,
		LastName:      req.LastName,
		WalletAddress: req.WalletAddress,
	})
	if err != nil {
		return nil, err
	}
	result := &SignupResult{User: user}

	code := strings.TrimSpace(req.ReferralCode)
	if code == "" {
		return result, nil
	}

	// The account exists now; finish the referral even if the client goes away.
	ctx = context.WithoutCancel(ctx)

	entry, err := o.Ledger.RegisterReferralForUser(ctx, code, user)
	if err != nil {
		log.Printf("❌ [Signup] user %s: failed to register referral code %q: %v", user.ID, code, err)
		return result, nil
	}
	if entry == nil {
		return result, nil
	}
	result.Referral = entry

	if entry.ReferredWallet != "" {
		outcome, err := o.PayReferral(ctx, entry)
		result.Payout = outcome
		if err != nil {
			log.Printf("⚠️ [Signup] immediate referral payout for %s failed (%s), left for batch: %v", entry.ID, outcome, err)
		}
		if refreshed, err := o.Ledger.Get(ctx, entry.ID); err == nil {
			result.Referral = refreshed
		}
	}
	if refreshed, err := o.Users.GetUser(ctx, user.ID); err == nil {
		result.User = refreshed
	}
	return result, nil
}

// ClaimReferralRewards pays every eligible entry the user is party to. It is
// the on-demand counterpart of the batch pass.
func (o *RewardOrchestrator) ClaimReferralRewards(ctx context.Context, userID string) ([]EntryResult, error) {
	if _, err := o.Users.GetUser(ctx, userID); err != nil {
		return nil, err
	}
	entries, err := o.Ledger.ListEligibleForUser(ctx, userID, o.window)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, ErrNoRewardToClaim
	}
	results := make([]EntryResult, 0, len(entries))
	for i := range entries {
		outcome, err := o.PayReferral(ctx, &entries[i])
		r := EntryResult{ReferralID: entries[i].ID, Outcome: outcome}
		if err != nil {
			r.Error = err.Error()
		}
		results = append(results, r)
	}
	return results, nil
}

// GrantReward records a generic reward (quest completion) for the user.
func (o *RewardOrchestrator) GrantReward(ctx context.Context, userID string) error {
	return o.Users.GrantReward(ctx, userID)
}

// ClaimReward pays the user's pending generic reward to their wallet. The
// in-flight marker keeps two concurrent claims from both sending.
func (o *RewardOrchestrator) ClaimReward(ctx context.Context, userID string) (issuer.TxID, error) {
	user, err := o.Users.GetUser(ctx, userID)
	if err != nil {
		return "", err
	}
	if !user.HasUnclaimedReward {
		return "", ErrNoRewardToClaim
	}
	wallet := user.Wallet()
	if wallet == "" {
		return "", ErrWalletRequired
	}

	won, err := o.Users.beginRewardClaim(ctx, userID)
	if err != nil {
		return "", fmt.Errorf("begin reward claim: %w", err)
	}
	if !won {
		return "", ErrRewardInFlight
	}

	txID, sendErr := o.Issuer.SendReward(ctx, wallet, o.questAmount)
	ctx = context.WithoutCancel(ctx)
	record := &models.PayoutLeg{
		UserID:    &user.ID,
		Kind:      models.LegQuest,
		Recipient: wallet,
		Amount:    o.questAmount,
		TxID:      string(txID),
		Status:    models.LegConfirmed,
		CreatedAt: o.now(),
	}
	if sendErr != nil {
		record.Status = models.LegFailed
		record.Reason = string(issuer.ReasonOf(sendErr))
	}
	if err := o.Ledger.RecordLeg(ctx, record); err != nil {
		log.Printf("❌ [RewardOrchestrator] quest reward for %s not journaled: %v", userID, err)
	}

	if sendErr != nil {
		if err := o.Users.finishRewardClaim(ctx, userID, false); err != nil {
			log.Printf("❌ [RewardOrchestrator] quest reward for %s: failed to reset claim: %v", userID, err)
		}
		return "", sendErr
	}
	if err := o.Users.finishRewardClaim(ctx, userID, true); err != nil {
		o.metrics.RecordPersistenceFailure()
		slog.Error("quest reward sent but not recorded", "user_id", userID, "tx_id", string(txID), "error", err)
		return txID, fmt.Errorf("reward sent in %s but not recorded: %w", txID, err)
	}
	log.Printf("✅ [RewardOrchestrator] quest reward for %s confirmed: %s", userID, txID)
	return txID, nil
}
