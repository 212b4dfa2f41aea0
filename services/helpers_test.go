package services

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/btcsuite/btcutil/base58"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"confess-rewards/database"
	"confess-rewards/issuer"
	"confess-rewards/models"
)

const testAmount = 10_000_000_000

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type sendCall struct {
	Recipient string
	Amount    uint64
}

// recordingIssuer confirms every transfer unless fail returns an error for the
// n-th call (1-based).
type recordingIssuer struct {
	mu    sync.Mutex
	calls []sendCall
	fail  func(n int, recipient string) error
}

func (r *recordingIssuer) SendReward(ctx context.Context, recipient string, amount uint64) (issuer.TxID, error) {
	r.mu.Lock()
	r.calls = append(r.calls, sendCall{Recipient: recipient, Amount: amount})
	n := len(r.calls)
	fail := r.fail
	r.mu.Unlock()

	if fail != nil {
		if err := fail(n, recipient); err != nil {
			return "", err
		}
	}
	return issuer.TxID(fmt.Sprintf("tx-%d", n)), nil
}

func (r *recordingIssuer) Calls() []sendCall {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]sendCall(nil), r.calls...)
}

func (r *recordingIssuer) CallsTo(recipient string) int {
	n := 0
	for _, c := range r.Calls() {
		if c.Recipient == recipient {
			n++
		}
	}
	return n
}

func (r *recordingIssuer) setFail(fn func(n int, recipient string) error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fail = fn
}

func rejected(msg string) error {
	return &issuer.Failure{Reason: issuer.ReasonRejected, Err: fmt.Errorf("%s", msg)}
}

type fixture struct {
	db     *gorm.DB
	clock  *testClock
	users  *UserService
	ledger *ReferralLedger
	iss    *recordingIssuer
	orch   *RewardOrchestrator
}

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := database.Open("sqlite", dsn)
	require.NoError(t, err)
	return db
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db := newTestDB(t)
	clock := &testClock{t: time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC)}
	users := NewUserService(db)
	users.now = clock.Now
	ledger := NewReferralLedger(db, 30*24*time.Hour, clock.Now)
	iss := &recordingIssuer{}
	orch := NewRewardOrchestrator(users, ledger, iss, OrchestratorConfig{
		ReferralAmount: testAmount,
		Window:         30 * 24 * time.Hour,
		Concurrency:    4,
		Now:            clock.Now,
	})
	return &fixture{db: db, clock: clock, users: users, ledger: ledger, iss: iss, orch: orch}
}

// wallet returns a deterministic valid address.
func wallet(b byte) string {
	return base58.Encode(bytes.Repeat([]byte{b}, 32))
}

func (f *fixture) createUser(t *testing.T, username, walletAddr string) *models.User {
	t.Helper()
	u, err := f.users.CreateUser(context.Background(), NewUser{
		Username:      username,
		Email:         username + "@example.com",
		WalletAddress: walletAddr,
	})
	require.NoError(t, err)
	return u
}

func (f *fixture) reloadUser(t *testing.T, id string) *models.User {
	t.Helper()
	u, err := f.users.GetUser(context.Background(), id)
	require.NoError(t, err)
	return u
}

func (f *fixture) reloadReferral(t *testing.T, id string) *models.Referral {
	t.Helper()
	r, err := f.ledger.Get(context.Background(), id)
	require.NoError(t, err)
	return r
}
