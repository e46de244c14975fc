// Package config provides YAML configuration for the merchant daemon.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the merchant backend.
type Config struct {
	// Currency is the single currency this merchant accepts (e.g. "EUR").
	Currency string `yaml:"currency"`

	// Defaults applied to orders that do not specify their own values.
	Defaults DefaultsConfig `yaml:"defaults"`

	// Storage settings.
	Storage StorageConfig `yaml:"storage"`

	// Logging settings.
	Logging LoggingConfig `yaml:"logging"`

	// Exchanges this merchant trusts.
	Exchanges []ExchangeConfig `yaml:"exchanges"`

	// Instances configured at startup. The instance signing key is
	// generated on first run and persisted in the store.
	Instances []InstanceConfig `yaml:"instances"`

	// ForceAudit requires every exchange to be audited. Recorded and
	// passed through; enforcement is exchange policy.
	ForceAudit bool `yaml:"force_audit"`
}

// DefaultsConfig holds instance-independent order defaults.
type DefaultsConfig struct {
	// WireTransferDelay is added to now to produce the wire transfer
	// deadline when an order omits one.
	WireTransferDelay time.Duration `yaml:"wire_transfer_delay"`

	// PayDelay bounds how long an unclaimed or unpaid order stays valid.
	PayDelay time.Duration `yaml:"pay_delay"`

	// RefundDelay bounds how long after payment refunds may be granted.
	RefundDelay time.Duration `yaml:"refund_delay"`

	// MaxWireFee is the largest wire fee the merchant absorbs.
	MaxWireFee string `yaml:"max_wire_fee"`

	// WireFeeAmortization divides the excess wire fee across coins.
	WireFeeAmortization uint32 `yaml:"wire_fee_amortization"`

	// MaxDepositFee is the largest total deposit fee the merchant absorbs.
	MaxDepositFee string `yaml:"max_deposit_fee"`
}

// StorageConfig holds storage settings.
type StorageConfig struct {
	// DataDir is the directory for the database and key material.
	DataDir string `yaml:"data_dir"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	// Level is the log level (debug, info, warn, error).
	Level string `yaml:"level"`
}

// ExchangeConfig identifies a trusted exchange.
type ExchangeConfig struct {
	// BaseURL of the exchange's HTTP API, without trailing slash.
	BaseURL string `yaml:"base_url"`

	// MasterPub is the exchange's EdDSA master public key (hex).
	MasterPub string `yaml:"master_pub"`

	// Currency the exchange operates in. Must match Config.Currency.
	Currency string `yaml:"currency"`
}

// InstanceConfig describes a merchant instance to provision at startup.
type InstanceConfig struct {
	ID   string `yaml:"id"`
	Name string `yaml:"name"`

	// Accounts are payment-target URIs (payto://...) for settlement.
	Accounts []string `yaml:"accounts"`

	// TipReservePriv is the hex seed of the tipping reserve key.
	// Empty disables tipping for the instance.
	TipReservePriv string `yaml:"tip_reserve_priv,omitempty"`

	// TipExchange is the exchange hosting the tipping reserve.
	TipExchange string `yaml:"tip_exchange,omitempty"`
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Currency: "EUR",
		Defaults: DefaultsConfig{
			WireTransferDelay:   7 * 24 * time.Hour,
			PayDelay:            time.Hour,
			RefundDelay:         14 * 24 * time.Hour,
			MaxWireFee:          "EUR:0.10",
			WireFeeAmortization: 10,
			MaxDepositFee:       "EUR:0.10",
		},
		Storage: StorageConfig{
			DataDir: "~/.merchantd",
		},
		Logging: LoggingConfig{
			Level: "info",
		},
		Instances: []InstanceConfig{
			{ID: "default", Name: "Default Instance"},
		},
	}
}

// ConfigPath returns the config file path inside a data directory.
func ConfigPath(dataDir string) string {
	return filepath.Join(dataDir, "merchant.yaml")
}

// Load reads the config from <dataDir>/merchant.yaml, creating a
// default file on first run.
func Load(dataDir string) (*Config, error) {
	path := ConfigPath(dataDir)

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		cfg := DefaultConfig()
		cfg.Storage.DataDir = dataDir
		if saveErr := Save(cfg, dataDir); saveErr != nil {
			return nil, fmt.Errorf("failed to write default config: %w", saveErr)
		}
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes the config to <dataDir>/merchant.yaml.
func Save(cfg *Config, dataDir string) error {
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	return os.WriteFile(ConfigPath(dataDir), data, 0600)
}

// Validate checks cross-field consistency.
func (c *Config) Validate() error {
	if c.Currency == "" {
		return fmt.Errorf("currency must be set")
	}
	if c.Defaults.WireFeeAmortization < 1 {
		return fmt.Errorf("wire_fee_amortization must be >= 1")
	}
	for _, ex := range c.Exchanges {
		if ex.BaseURL == "" || ex.MasterPub == "" {
			return fmt.Errorf("exchange entries need base_url and master_pub")
		}
		if ex.Currency != "" && ex.Currency != c.Currency {
			return fmt.Errorf("exchange %s currency %s does not match %s",
				ex.BaseURL, ex.Currency, c.Currency)
		}
	}
	for _, inst := range c.Instances {
		if inst.ID == "" {
			return fmt.Errorf("instance entries need an id")
		}
	}
	return nil
}
