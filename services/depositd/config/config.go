package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration to support YAML unmarshalling.
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses human readable duration strings.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		return nil
	}
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("duration must be string")
	}
	raw := value.Value
	if raw == "" {
		d.Duration = 0
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	d.Duration = parsed
	return nil
}

// Config captures runtime configuration for depositd.
type Config struct {
	ListenAddress string         `yaml:"listen"`
	DatabasePath  string         `yaml:"database"`
	Asset         string         `yaml:"asset"`
	Chain         ChainConfig    `yaml:"chain"`
	Leases        LeaseConfig    `yaml:"leases"`
	Sweep         SweepConfig    `yaml:"sweep"`
	Fees          FeeConfig      `yaml:"fees"`
	Ledger        LedgerConfig   `yaml:"ledger"`
	Notifier      NotifierConfig `yaml:"notifier"`
	Admin         AdminConfig    `yaml:"admin"`
}

// ChainConfig tunes the chain-data provider and scan loop.
type ChainConfig struct {
	RPCEndpoint      string   `yaml:"rpc_endpoint"`
	ChainID          int64    `yaml:"chain_id"`
	TokenContract    string   `yaml:"token_contract"`
	TokenDecimals    int32    `yaml:"token_decimals"`
	RetrospectBlocks uint64   `yaml:"retrospect_blocks"`
	ScanBatchSize    int      `yaml:"scan_batch_size"`
	ScanInterval     Duration `yaml:"scan_interval"`
	ProviderRate     float64  `yaml:"provider_rate"`
}

// LeaseConfig tunes the address pool and lease queues.
type LeaseConfig struct {
	PoolSize         int      `yaml:"pool_size"`
	Validity         Duration `yaml:"validity"`
	Buffer           Duration `yaml:"buffer"`
	TickInterval     Duration `yaml:"tick_interval"`
	ReminderInterval Duration `yaml:"reminder_interval"`
}

// SweepConfig tunes gas pricing and receipt polling for custody sweeps.
type SweepConfig struct {
	GasBumpPercent  int      `yaml:"gas_bump_percent"`
	ReceiptAttempts int      `yaml:"receipt_attempts"`
	ReceiptBackoff  Duration `yaml:"receipt_backoff"`
}

// FeeConfig carries the precomputed fee parameters passed to the ledger.
type FeeConfig struct {
	DepositFeePercent      string `yaml:"deposit_fee_percent"`
	RefereeDiscountPercent string `yaml:"referee_discount_percent"`
	ReferrerKickbackPct    string `yaml:"referrer_kickback_percent"`
	MinimumDeposit         string `yaml:"minimum_deposit"`
}

// LedgerConfig locates the ledger store consumed over its stored-procedure API.
type LedgerConfig struct {
	DSN string `yaml:"dsn"`
}

// NotifierConfig locates the external notification relay.
type NotifierConfig struct {
	Endpoint        string   `yaml:"endpoint"`
	APIKey          string   `yaml:"api_key"`
	Timeout         Duration `yaml:"timeout"`
	AdminRecipients []string `yaml:"admin_recipients"`
}

// AdminConfig secures the admin HTTP surface.
type AdminConfig struct {
	BearerToken string `yaml:"bearer_token"`
}

// Load reads configuration from the supplied path.
func Load(path string) (Config, error) {
	cfg := Config{}
	file, err := os.Open(path)
	if err != nil {
		return cfg, fmt.Errorf("open config: %w", err)
	}
	defer file.Close()
	dec := yaml.NewDecoder(file)
	if err := dec.Decode(&cfg); err != nil {
		return cfg, fmt.Errorf("decode config: %w", err)
	}
	applyDefaults(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.ListenAddress == "" {
		cfg.ListenAddress = ":7085"
	}
	if cfg.DatabasePath == "" {
		cfg.DatabasePath = "/var/data/depositd.sqlite"
	}
	if cfg.Asset == "" {
		cfg.Asset = "USDT"
	}
	if cfg.Chain.ChainID == 0 {
		cfg.Chain.ChainID = 137
	}
	if cfg.Chain.TokenDecimals == 0 {
		cfg.Chain.TokenDecimals = 6
	}
	if cfg.Chain.RetrospectBlocks == 0 {
		cfg.Chain.RetrospectBlocks = 35000
	}
	if cfg.Chain.ScanBatchSize <= 0 {
		cfg.Chain.ScanBatchSize = 5
	}
	if cfg.Chain.ScanInterval.Duration == 0 {
		cfg.Chain.ScanInterval.Duration = 10 * time.Second
	}
	if cfg.Chain.ProviderRate <= 0 {
		cfg.Chain.ProviderRate = 1
	}
	if cfg.Leases.PoolSize <= 0 {
		cfg.Leases.PoolSize = 10
	}
	if cfg.Leases.Validity.Duration == 0 {
		cfg.Leases.Validity.Duration = 150 * time.Second
	}
	if cfg.Leases.Buffer.Duration == 0 {
		cfg.Leases.Buffer.Duration = 30 * time.Second
	}
	if cfg.Leases.TickInterval.Duration == 0 {
		cfg.Leases.TickInterval.Duration = 10 * time.Second
	}
	if cfg.Leases.ReminderInterval.Duration == 0 {
		cfg.Leases.ReminderInterval.Duration = time.Minute
	}
	if cfg.Sweep.GasBumpPercent <= 0 {
		cfg.Sweep.GasBumpPercent = 10
	}
	if cfg.Sweep.ReceiptAttempts <= 0 {
		cfg.Sweep.ReceiptAttempts = 30
	}
	if cfg.Sweep.ReceiptBackoff.Duration == 0 {
		cfg.Sweep.ReceiptBackoff.Duration = 2 * time.Second
	}
	if cfg.Fees.DepositFeePercent == "" {
		cfg.Fees.DepositFeePercent = "10"
	}
	if cfg.Fees.RefereeDiscountPercent == "" {
		cfg.Fees.RefereeDiscountPercent = "5"
	}
	if cfg.Fees.ReferrerKickbackPct == "" {
		cfg.Fees.ReferrerKickbackPct = "5"
	}
	if cfg.Fees.MinimumDeposit == "" {
		cfg.Fees.MinimumDeposit = "20"
	}
	if cfg.Notifier.Timeout.Duration == 0 {
		cfg.Notifier.Timeout.Duration = 10 * time.Second
	}
}

func validate(cfg Config) error {
	if strings.TrimSpace(cfg.Chain.RPCEndpoint) == "" {
		return fmt.Errorf("chain rpc_endpoint must be configured")
	}
	if strings.TrimSpace(cfg.Chain.TokenContract) == "" {
		return fmt.Errorf("chain token_contract must be configured")
	}
	if strings.TrimSpace(cfg.Ledger.DSN) == "" {
		return fmt.Errorf("ledger dsn must be configured")
	}
	if cfg.Leases.Validity.Duration <= 0 {
		return fmt.Errorf("lease validity must be positive")
	}
	if cfg.Chain.RetrospectBlocks == 0 {
		return fmt.Errorf("retrospect_blocks must be positive")
	}
	return nil
}
