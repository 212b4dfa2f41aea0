package issuer

import (
	"context"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/rpc"
)

// TxStatus is the network's view of a submitted transfer.
type TxStatus string

const (
	StatusPending   TxStatus = "pending"
	StatusConfirmed TxStatus = "confirmed"
	StatusFailed    TxStatus = "failed"
)

// Transfer is an unsigned value transfer from the vault.
type Transfer struct {
	From     string `json:"from"`
	To       string `json:"to"`
	Amount   uint64 `json:"amount"`
	Sequence uint64 `json:"sequence"`
}

// Message is the canonical byte string the vault signs.
func (t Transfer) Message() []byte {
	return []byte(fmt.Sprintf("transfer:%s:%s:%d:%d", t.From, t.To, t.Amount, t.Sequence))
}

type SignedTransfer struct {
	Transfer
	Signature string `json:"signature"`
}

// Network is the external token network as seen by the vault.
type Network interface {
	Balance(ctx context.Context, address string) (uint64, error)
	// Sequence returns the next unused sequence number for address.
	Sequence(ctx context.Context, address string) (uint64, error)
	Submit(ctx context.Context, tx SignedTransfer) (TxID, error)
	Status(ctx context.Context, id TxID) (TxStatus, error)
}

// RPCNetwork talks JSON-RPC to a transfer relay exposing the "transfer" namespace.
type RPCNetwork struct {
	client *rpc.Client
}

// DialRPCNetwork connects to endpoint (http, ws or ipc).
func DialRPCNetwork(ctx context.Context, endpoint string) (*RPCNetwork, error) {
	trimmed := strings.TrimSpace(endpoint)
	if trimmed == "" {
		return nil, fmt.Errorf("transfer relay endpoint required")
	}
	client, err := rpc.DialContext(ctx, trimmed)
	if err != nil {
		return nil, fmt.Errorf("dial transfer relay: %w", err)
	}
	return NewRPCNetwork(client), nil
}

func NewRPCNetwork(client *rpc.Client) *RPCNetwork {
	return &RPCNetwork{client: client}
}

func (n *RPCNetwork) Balance(ctx context.Context, address string) (uint64, error) {
	var balance uint64
	if err := n.client.CallContext(ctx, &balance, "transfer_getBalance", address); err != nil {
		return 0, fmt.Errorf("transfer_getBalance: %w", err)
	}
	return balance, nil
}

func (n *RPCNetwork) Sequence(ctx context.Context, address string) (uint64, error) {
	var seq uint64
	if err := n.client.CallContext(ctx, &seq, "transfer_getSequence", address); err != nil {
		return 0, fmt.Errorf("transfer_getSequence: %w", err)
	}
	return seq, nil
}

func (n *RPCNetwork) Submit(ctx context.Context, tx SignedTransfer) (TxID, error) {
	var id string
	if err := n.client.CallContext(ctx, &id, "transfer_submit", tx); err != nil {
		return "", fmt.Errorf("transfer_submit: %w", err)
	}
	if id == "" {
		return "", fmt.Errorf("transfer_submit: empty transaction id")
	}
	return TxID(id), nil
}

func (n *RPCNetwork) Status(ctx context.Context, id TxID) (TxStatus, error) {
	var status string
	if err := n.client.CallContext(ctx, &status, "transfer_getStatus", string(id)); err != nil {
		return "", fmt.Errorf("transfer_getStatus: %w", err)
	}
	switch TxStatus(status) {
	case StatusPending, StatusConfirmed, StatusFailed:
		return TxStatus(status), nil
	default:
		return "", fmt.Errorf("transfer_getStatus: unknown status %q", status)
	}
}

func (n *RPCNetwork) Close() {
	n.client.Close()
}
