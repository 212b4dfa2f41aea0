package issuer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"confess-rewards/metrics"
	"confess-rewards/telemetry"
)

const (
	defaultTimeout      = 30 * time.Second
	defaultPollInterval = 2 * time.Second
)

type VaultConfig struct {
	Timeout       time.Duration
	PollInterval  time.Duration
	RatePerSecond float64 // 0 disables rate limiting
	// ExpectedAddress, when set, must match the address derived from the key.
	ExpectedAddress string
	Metrics         *metrics.RewardMetrics
}

// VaultIssuer signs transfers with the vault key and waits for the network to
// confirm them. Funding-source access is serialized from the balance check
// through submission so two sends never share a sequence number.
type VaultIssuer struct {
	network      Network
	key          VaultKey
	address      string
	timeout      time.Duration
	pollInterval time.Duration
	limiter      *rate.Limiter
	metrics      *metrics.RewardMetrics
	tracer       trace.Tracer

	mu sync.Mutex
}

func NewVaultIssuer(network Network, key VaultKey, cfg VaultConfig) (*VaultIssuer, error) {
	if network == nil {
		return nil, errors.New("vault issuer requires a network")
	}
	address := key.Address()
	if address == "" {
		return nil, errors.New("vault issuer requires a key")
	}
	if cfg.ExpectedAddress != "" && cfg.ExpectedAddress != address {
		return nil, fmt.Errorf("loaded vault key %s does not match expected address %s", address, cfg.ExpectedAddress)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	limiter := rate.NewLimiter(rate.Inf, 1)
	if cfg.RatePerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSecond), 1)
	}
	return &VaultIssuer{
		network:      network,
		key:          key,
		address:      address,
		timeout:      cfg.Timeout,
		pollInterval: cfg.PollInterval,
		limiter:      limiter,
		metrics:      cfg.Metrics,
		tracer:       telemetry.Tracer("confess-rewards/issuer"),
	}, nil
}

// Address is the funding address rewards are drawn from.
func (v *VaultIssuer) Address() string { return v.address }

// SendReward transfers amount to recipient and blocks until the transfer is
// confirmed, rejected, or the timeout elapses.
func (v *VaultIssuer) SendReward(ctx context.Context, recipient string, amount uint64) (TxID, error) {
	start := time.Now()
	ctx, span := v.tracer.Start(ctx, "issuer.send_reward", trace.WithAttributes(
		attribute.String("recipient", recipient),
		attribute.Int64("amount", int64(amount)),
	))
	defer span.End()

	id, err := v.send(ctx, recipient, amount)
	outcome := string(StatusConfirmed)
	if err != nil {
		outcome = string(ReasonOf(err))
		span.RecordError(err)
		span.SetStatus(codes.Error, outcome)
	} else {
		span.SetAttributes(attribute.String("tx_id", string(id)))
	}
	v.metrics.RecordSend(outcome, time.Since(start))
	return id, err
}

func (v *VaultIssuer) send(ctx context.Context, recipient string, amount uint64) (TxID, error) {
	if err := ValidateAddress(recipient); err != nil {
		return "", &Failure{Reason: ReasonInvalidAddress, Err: err}
	}
	if amount == 0 {
		return "", &Failure{Reason: ReasonRejected, Err: errors.New("amount must be positive")}
	}

	ctx, cancel := context.WithTimeout(ctx, v.timeout)
	defer cancel()

	if err := v.limiter.Wait(ctx); err != nil {
		return "", &Failure{Reason: ReasonTimeout, Err: err}
	}

	id, err := v.submit(ctx, recipient, amount)
	if err != nil {
		return "", err
	}
	return v.await(ctx, id)
}

func (v *VaultIssuer) submit(ctx context.Context, recipient string, amount uint64) (TxID, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	balance, err := v.network.Balance(ctx, v.address)
	if err != nil {
		return "", classify(ctx, "", fmt.Errorf("read vault balance: %w", err))
	}
	if balance < amount {
		return "", &Failure{
			Reason: ReasonInsufficientFunds,
			Err:    fmt.Errorf("vault holds %d, need %d", balance, amount),
		}
	}
	seq, err := v.network.Sequence(ctx, v.address)
	if err != nil {
		return "", classify(ctx, "", fmt.Errorf("read vault sequence: %w", err))
	}

	tx := Transfer{From: v.address, To: recipient, Amount: amount, Sequence: seq}
	signed := SignedTransfer{Transfer: tx, Signature: v.key.Sign(tx.Message())}
	id, err := v.network.Submit(ctx, signed)
	if err != nil {
		return "", classify(ctx, "", fmt.Errorf("submit transfer: %w", err))
	}
	return id, nil
}

func (v *VaultIssuer) await(ctx context.Context, id TxID) (TxID, error) {
	ticker := time.NewTicker(v.pollInterval)
	defer ticker.Stop()

	for {
		status, err := v.network.Status(ctx, id)
		if err != nil && ctx.Err() != nil {
			return "", &Failure{Reason: ReasonTimeout, TxID: id, Err: ctx.Err()}
		}
		if err == nil {
			switch status {
			case StatusConfirmed:
				return id, nil
			case StatusFailed:
				return "", &Failure{Reason: ReasonRejected, TxID: id, Err: errors.New("transfer failed on network")}
			}
		}
		// transient status errors are retried until the deadline

		select {
		case <-ctx.Done():
			return "", &Failure{Reason: ReasonTimeout, TxID: id, Err: ctx.Err()}
		case <-ticker.C:
		}
	}
}

func classify(ctx context.Context, id TxID, err error) error {
	if ctx.Err() != nil || errors.Is(err, context.DeadlineExceeded) {
		return &Failure{Reason: ReasonTimeout, TxID: id, Err: err}
	}
	return &Failure{Reason: ReasonRejected, TxID: id, Err: err}
}
