package workers

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"confess-rewards/issuer"
	"confess-rewards/logging"
	"confess-rewards/models"
	"confess-rewards/utils"
)

// WalletChange is one binding reported by the wallet service.
type WalletChange struct {
	UserID    string    `json:"user_id"`
	Address   string    `json:"address"`
	IsActive  bool      `json:"is_active"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// WalletSyncClient mirrors wallet bindings from the wallet service and keeps
// users.wallet_address current, which makes walletless referrals payable.
type WalletSyncClient struct {
	BaseURL    string
	Token      string
	HTTPClient *http.Client
	DB         *gorm.DB
}

func NewWalletSyncClient(db *gorm.DB, baseURL, token string) *WalletSyncClient {
	return &WalletSyncClient{
		BaseURL:    strings.TrimRight(baseURL, "/"),
		Token:      token,
		DB:         db,
		HTTPClient: utils.NewHTTPClient(30 * time.Second),
	}
}

func (c *WalletSyncClient) GetChangedWallets(ctx context.Context, since time.Time) ([]WalletChange, error) {
	u, err := url.Parse(c.BaseURL + "/api/v1/public/wallets")
	if err != nil {
		return nil, fmt.Errorf("failed to parse base URL: %w", err)
	}
	q := u.Query()
	q.Set("since", since.UTC().Format(time.RFC3339))
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("X-Service-Token", c.Token)

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to call wallet service: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("wallet service returned status %d: %s", resp.StatusCode, string(body))
	}

	var response struct {
		Wallets []WalletChange `json:"wallets"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&response); err != nil {
		return nil, fmt.Errorf("failed to decode wallet service response: %w", err)
	}
	return response.Wallets, nil
}

// Apply upserts the mirror rows and points each user with an active binding at
// its address. Malformed addresses are skipped; when an address repeats within
// the batch the last change wins. Returns the number of users
// whose wallet changed.
func (c *WalletSyncClient) Apply(ctx context.Context, changes []WalletChange) (int, error) {
	now := time.Now().UTC()
	mirrors := make([]models.WalletMirror, 0, len(changes))
	// one row per address; a later change in the batch replaces an earlier one
	seen := make(map[string]int, len(changes))
	for _, ch := range changes {
		addr := strings.TrimSpace(ch.Address)
		if ch.UserID == "" || issuer.ValidateAddress(addr) != nil {
			log.Printf("⚠️ [WalletSync] skipping malformed binding for user %q (%s)", ch.UserID, logging.MaskAddress(addr))
			continue
		}
		m := models.WalletMirror{
			ID:        uuid.NewString(),
			UserID:    ch.UserID,
			Address:   addr,
			IsActive:  ch.IsActive,
			CreatedAt: ch.CreatedAt,
			UpdatedAt: ch.UpdatedAt,
		}
		if m.CreatedAt.IsZero() {
			m.CreatedAt = now
		}
		if m.UpdatedAt.IsZero() {
			m.UpdatedAt = now
		}
		if i, ok := seen[addr]; ok {
			mirrors[i] = m
			continue
		}
		seen[addr] = len(mirrors)
		mirrors = append(mirrors, m)
	}
	if len(mirrors) == 0 {
		return 0, nil
	}

	updated := 0
	err := c.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "address"}},
			DoUpdates: clause.AssignmentColumns([]string{"user_id", "is_active", "updated_at"}),
		}).Create(&mirrors).Error; err != nil {
			return fmt.Errorf("upsert wallet mirrors: %w", err)
		}

		for _, m := range mirrors {
			if !m.IsActive {
				continue
			}
			res := tx.Model(&models.User{}).
				Where("id = ? AND (wallet_address IS NULL OR wallet_address <> ?)", m.UserID, m.Address).
				Update("wallet_address", m.Address)
			if res.Error != nil {
				return fmt.Errorf("set wallet for user %s: %w", m.UserID, res.Error)
			}
			updated += int(res.RowsAffected)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return updated, nil
}

// PollWallets syncs wallet changes every pollInterval until ctx is cancelled.
// The sync window only advances after a successful apply.
func PollWallets(ctx context.Context, client *WalletSyncClient, pollInterval time.Duration) {
	log.Println("Starting wallet polling (DB-backed)...")
	lastSyncTime := time.Now().UTC().Add(-24 * time.Hour)

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Println("Wallet polling stopped.")
			return
		case <-ticker.C:
			next, err := client.syncOnce(ctx, lastSyncTime)
			if err != nil {
				log.Printf("❌ [WalletSync] %v", err)
				continue
			}
			lastSyncTime = next
		}
	}
}

func (c *WalletSyncClient) syncOnce(ctx context.Context, since time.Time) (time.Time, error) {
	started := time.Now().UTC()
	changes, err := c.GetChangedWallets(ctx, since)
	if err != nil {
		return since, fmt.Errorf("polling wallets: %w", err)
	}
	if len(changes) == 0 {
		return started, nil
	}
	updated, err := c.Apply(ctx, changes)
	if err != nil {
		return since, err
	}
	log.Printf("✅ [WalletSync] mirrored %d wallet change(s), %d user wallet(s) updated", len(changes), updated)
	return started, nil
}
