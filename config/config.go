package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v9"
)

type Config struct {
	Port           string   `env:"PORT" envDefault:"5200"`
	Env            string   `env:"APP_ENV" envDefault:"development"`
	DatabaseDriver string   `env:"DATABASE_DRIVER" envDefault:"postgres"` // postgres | sqlite
	DatabaseURL    string   `env:"DATABASE_URL,required,notEmpty"`
	ServiceToken   string   `env:"SERVICE_TOKEN,required,notEmpty"` // bearer token the gateway presents
	AllowedOrigins []string `env:"ALLOWED_ORIGINS" envSeparator:"," envDefault:"http://localhost:3000"`
	AuthServiceURL string   `env:"AUTH_SERVICE_URL"`
	LogFile        string   `env:"LOG_FILE"`
	OTLPEndpoint   string   `env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	OTLPInsecure   bool     `env:"OTEL_EXPORTER_OTLP_INSECURE" envDefault:"true"`

	Rewards    RewardsConfig
	Issuer     IssuerConfig
	WalletSync WalletSyncConfig
	R2         R2Config
}

// RewardsConfig drives the referral orchestrator and its scheduler.
type RewardsConfig struct {
	ReferralAmount    uint64        `env:"REWARD_AMOUNT" envDefault:"10000000000"` // 10 tokens, 9 decimals
	QuestAmount       uint64        `env:"QUEST_REWARD_AMOUNT" envDefault:"10000000000"`
	EligibilityWindow time.Duration `env:"ELIGIBILITY_WINDOW" envDefault:"720h"`
	BatchInterval     time.Duration `env:"BATCH_INTERVAL" envDefault:"1h"`
	ClaimLease        time.Duration `env:"CLAIM_LEASE" envDefault:"10m"`
	BatchConcurrency  int           `env:"BATCH_CONCURRENCY" envDefault:"4"`
}

type IssuerConfig struct {
	Mode             string        `env:"ISSUER_MODE" envDefault:"rpc"` // rpc | mock
	RPCURL           string        `env:"ISSUER_RPC_URL"`
	VaultKeypairPath string        `env:"VAULT_KEYPAIR_PATH"`
	VaultAddress     string        `env:"VAULT_ADDRESS"` // optional; checked against the loaded keypair
	Timeout          time.Duration `env:"ISSUER_TIMEOUT" envDefault:"30s"`
	PollInterval     time.Duration `env:"ISSUER_POLL_INTERVAL" envDefault:"2s"`
	RatePerSecond    float64       `env:"ISSUER_RATE" envDefault:"2"`
}

type WalletSyncConfig struct {
	URL      string        `env:"WALLET_SYNC_URL"`
	Interval time.Duration `env:"WALLET_SYNC_INTERVAL" envDefault:"10s"`
}

// R2Config is optional; batch run reports are only archived when a bucket is set.
type R2Config struct {
	AccountID       string `env:"CLOUDFLARE_ACCOUNT_ID"`
	AccessKeyID     string `env:"R2_ACCESS_KEY_ID"`
	AccessKeySecret string `env:"R2_ACCESS_KEY_SECRET"`
	Bucket          string `env:"R2_BUCKET_NAME"`
	CDNBaseURL      string `env:"CDN_BASE_URL"`
}

// claimLeaseMargin covers the database work around the two transfers of one entry.
const claimLeaseMargin = time.Minute

// MinClaimLease is the shortest lease that outlives one referral payout.
func MinClaimLease(issuerTimeout time.Duration) time.Duration {
	return 2*issuerTimeout + claimLeaseMargin
}

func Load() (*Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, err
	}
	for i, origin := range cfg.AllowedOrigins {
		cfg.AllowedOrigins[i] = strings.TrimSpace(origin)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks cross-field constraints env tags cannot express.
func (c *Config) Validate() error {
	switch c.DatabaseDriver {
	case "postgres", "sqlite":
	default:
		return fmt.Errorf("config: unsupported DATABASE_DRIVER %q", c.DatabaseDriver)
	}
	if c.Rewards.ReferralAmount == 0 {
		return fmt.Errorf("config: REWARD_AMOUNT must be positive")
	}
	if c.Rewards.EligibilityWindow <= 0 {
		return fmt.Errorf("config: ELIGIBILITY_WINDOW must be positive")
	}
	if c.Rewards.BatchConcurrency < 1 {
		c.Rewards.BatchConcurrency = 1
	}
	switch c.Issuer.Mode {
	case "mock":
	case "rpc":
		if strings.TrimSpace(c.Issuer.RPCURL) == "" {
			return fmt.Errorf("config: ISSUER_RPC_URL is required in rpc mode")
		}
		if strings.TrimSpace(c.Issuer.VaultKeypairPath) == "" {
			return fmt.Errorf("config: VAULT_KEYPAIR_PATH is required in rpc mode")
		}
	default:
		return fmt.Errorf("config: unsupported ISSUER_MODE %q", c.Issuer.Mode)
	}
	if c.Issuer.Timeout <= 0 {
		return fmt.Errorf("config: ISSUER_TIMEOUT must be positive")
	}
	// A PAYING entry can stay claimed for both legs; the sweep must not
	// reopen it while a leg may still be in flight.
	if minLease := MinClaimLease(c.Issuer.Timeout); c.Rewards.ClaimLease <= minLease {
		return fmt.Errorf("config: CLAIM_LEASE must exceed %s (two ISSUER_TIMEOUTs plus %s), got %s",
			minLease, claimLeaseMargin, c.Rewards.ClaimLease)
	}
	return nil
}

// R2Enabled reports whether run reports should be archived.
func (c *Config) R2Enabled() bool {
	return c.R2.Bucket != "" && c.R2.AccountID != ""
}
