// Package issuer delivers token rewards from the shared funding vault to user wallets.
package issuer

import (
	"context"
	"errors"
	"fmt"
)

// TxID identifies a submitted transfer on the network.
type TxID string

// Reason classifies why a transfer did not confirm.
type Reason string

const (
	ReasonTimeout           Reason = "timeout"
	ReasonRejected          Reason = "rejected"
	ReasonInvalidAddress    Reason = "invalid_address"
	ReasonInsufficientFunds Reason = "insufficient_funds"
)

// Failure is the only error type returned by SendReward. TxID is set when the
// transfer was submitted but never confirmed.
type Failure struct {
	Reason Reason
	TxID   TxID
	Err    error
}

func (f *Failure) Error() string {
	if f.Err == nil {
		return fmt.Sprintf("reward transfer failed: %s", f.Reason)
	}
	return fmt.Sprintf("reward transfer failed: %s: %v", f.Reason, f.Err)
}

func (f *Failure) Unwrap() error { return f.Err }

// ReasonOf extracts the failure reason from err, defaulting to rejected for
// errors that did not come from an Issuer.
func ReasonOf(err error) Reason {
	if err == nil {
		return ""
	}
	var f *Failure
	if errors.As(err, &f) {
		return f.Reason
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ReasonTimeout
	}
	return ReasonRejected
}

// Issuer sends a fixed amount to one recipient. A nil error means the transfer
// confirmed. Implementations make a single attempt and never retry.
type Issuer interface {
	SendReward(ctx context.Context, recipient string, amount uint64) (TxID, error)
}

// FuncIssuer adapts a callback to the Issuer interface.
type FuncIssuer func(ctx context.Context, recipient string, amount uint64) (TxID, error)

// SendReward delegates to the callback.
func (f FuncIssuer) SendReward(ctx context.Context, recipient string, amount uint64) (TxID, error) {
	if f == nil {
		return "", &Failure{Reason: ReasonRejected, Err: errors.New("issuer not configured")}
	}
	return f(ctx, recipient, amount)
}
