package issuer

import (
	"context"
	"log"

	"github.com/google/uuid"
)

// NewMockIssuer confirms every well-formed transfer without touching a network.
// Used for local development with ISSUER_MODE=mock.
func NewMockIssuer() FuncIssuer {
	return func(ctx context.Context, recipient string, amount uint64) (TxID, error) {
		if err := ValidateAddress(recipient); err != nil {
			return "", &Failure{Reason: ReasonInvalidAddress, Err: err}
		}
		if err := ctx.Err(); err != nil {
			return "", &Failure{Reason: ReasonTimeout, Err: err}
		}
		id := TxID("mock-" + uuid.NewString())
		log.Printf("[MockIssuer] pretend transfer of %d to %s: %s", amount, recipient, id)
		return id, nil
	}
}
