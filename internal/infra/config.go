package infra

import (
	"errors"
	"fmt"
	"os"
	"strconv"

	"escrow_dex/internal/authority"
	"escrow_dex/internal/domain"

	"gopkg.in/yaml.v3"
)

// Config holds every setting of the marketplace node.
// LoadConfig fills it from YAML and then lets environment variables override.
type Config struct {
	App struct {
		Name    string `yaml:"name"`
		Version string `yaml:"version"`
	} `yaml:"app"`

	Market struct {
		// ProgramID pins the derivation namespace (base58). When empty it is
		// hashed from ProgramName.
		ProgramID        string `yaml:"program_id"`
		ProgramName      string `yaml:"program_name"`
		Operator         string `yaml:"operator"`
		PriceScale       uint64 `yaml:"price_scale"`
		MinListingAmount uint64 `yaml:"min_listing_amount"`
		AssetDecimals    int32  `yaml:"asset_decimals"`
		CurrencyDecimals int32  `yaml:"currency_decimals"`
	} `yaml:"market"`

	Storage struct {
		Path string `yaml:"path"`
	} `yaml:"storage"`

	Server struct {
		Addr            string `yaml:"addr"`
		ReadTimeoutSec  int    `yaml:"read_timeout_sec"`
		WriteTimeoutSec int    `yaml:"write_timeout_sec"`
		EnablePprof     bool   `yaml:"enable_pprof"`
		// Mode is the gin mode: release, debug or test.
		Mode string `yaml:"mode"`
	} `yaml:"server"`

	Feed struct {
		SendBuffer int `yaml:"send_buffer"`
	} `yaml:"feed"`

	Logging struct {
		Level string `yaml:"level"`
		Dir   string `yaml:"dir"`
	} `yaml:"logging"`
}

// LoadConfig reads and parses the configuration file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", domain.ErrConfigNotFound, path)
		}
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	applyDefaults(&cfg)
	overrideWithEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.App.Name == "" {
		cfg.App.Name = "escrow-dex"
	}
	if cfg.Market.ProgramName == "" {
		cfg.Market.ProgramName = cfg.App.Name
	}
	if cfg.Market.PriceScale == 0 {
		cfg.Market.PriceScale = domain.DefaultPriceScale
	}
	if cfg.Market.MinListingAmount == 0 {
		cfg.Market.MinListingAmount = domain.DefaultMinListingAmount
	}
	if cfg.Market.AssetDecimals == 0 {
		cfg.Market.AssetDecimals = domain.AssetDecimals
	}
	if cfg.Market.CurrencyDecimals == 0 {
		cfg.Market.CurrencyDecimals = domain.CurrencyDecimals
	}
	if cfg.Server.Addr == "" {
		cfg.Server.Addr = "127.0.0.1:8080"
	}
	if cfg.Server.ReadTimeoutSec == 0 {
		cfg.Server.ReadTimeoutSec = 10
	}
	if cfg.Server.WriteTimeoutSec == 0 {
		cfg.Server.WriteTimeoutSec = 10
	}
	if cfg.Server.Mode == "" {
		cfg.Server.Mode = "release"
	}
	if cfg.Feed.SendBuffer == 0 {
		cfg.Feed.SendBuffer = 256
	}
	if cfg.Logging.Dir == "" {
		cfg.Logging.Dir = "logs"
	}
}

// Validate checks configuration validity
func (c *Config) Validate() error {
	if c.Market.ProgramID != "" {
		if _, err := domain.ParsePubkey(c.Market.ProgramID); err != nil {
			return &domain.ConfigError{Field: "market.program_id", Err: err}
		}
	}
	if c.Market.Operator != "" {
		if _, err := domain.ParsePubkey(c.Market.Operator); err != nil {
			return &domain.ConfigError{Field: "market.operator", Err: err}
		}
	}
	if c.Market.PriceScale == 0 {
		return &domain.ConfigError{Field: "market.price_scale", Err: errors.New("must be positive")}
	}
	if c.Market.AssetDecimals < 0 || c.Market.AssetDecimals > 18 {
		return &domain.ConfigError{Field: "market.asset_decimals", Err: fmt.Errorf("out of range: %d", c.Market.AssetDecimals)}
	}
	if c.Market.CurrencyDecimals < 0 || c.Market.CurrencyDecimals > 18 {
		return &domain.ConfigError{Field: "market.currency_decimals", Err: fmt.Errorf("out of range: %d", c.Market.CurrencyDecimals)}
	}
	switch c.Server.Mode {
	case "release", "debug", "test":
	default:
		return &domain.ConfigError{Field: "server.mode", Err: fmt.Errorf("unknown mode %q", c.Server.Mode)}
	}
	if c.Feed.SendBuffer <= 0 {
		return &domain.ConfigError{Field: "feed.send_buffer", Err: errors.New("must be positive")}
	}
	return nil
}

// ProgramID resolves the derivation namespace of this deployment.
func (c *Config) ProgramID() domain.Pubkey {
	if c.Market.ProgramID != "" {
		// Validate already checked the encoding.
		return domain.MustParsePubkey(c.Market.ProgramID)
	}
	return authority.ProgramIDFromName(c.Market.ProgramName)
}

// OperatorKey returns the configured operator identity, if any.
func (c *Config) OperatorKey() (domain.Pubkey, bool) {
	if c.Market.Operator == "" {
		return domain.Pubkey{}, false
	}
	return domain.MustParsePubkey(c.Market.Operator), true
}

// overrideWithEnv lets environment variables replace file values.
func overrideWithEnv(cfg *Config) {
	if v := os.Getenv("ESCROW_DEX_PROGRAM_ID"); v != "" {
		cfg.Market.ProgramID = v
	}
	if v := os.Getenv("ESCROW_DEX_OPERATOR"); v != "" {
		cfg.Market.Operator = v
	}
	if v := os.Getenv("ESCROW_DEX_DB_PATH"); v != "" {
		cfg.Storage.Path = v
	}
	if v := os.Getenv("ESCROW_DEX_ADDR"); v != "" {
		cfg.Server.Addr = v
	}
	if v := os.Getenv("ESCROW_DEX_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("ESCROW_DEX_MIN_LISTING_AMOUNT"); v != "" {
		if n, err := strconv.ParseUint(v, 10, 64); err == nil {
			cfg.Market.MinListingAmount = n
		}
	}
}
