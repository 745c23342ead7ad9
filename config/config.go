package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/spf13/viper"
)

const (
	LayoutFixed   = "fixed"
	LayoutElastic = "elastic"

	StandardMulti    = "multi"
	StandardAccounts = "accounts"
)

// Config holds all configurable parameters for the application
type Config struct {
	Ledger   LedgerConfig   `mapstructure:"ledger"`
	Store    StoreConfig    `mapstructure:"store"`
	Server   ServerConfig   `mapstructure:"server"`
	Token    TokenConfig    `mapstructure:"token"`
	Log      LogConfig      `mapstructure:"log"`
	Payments PaymentsConfig `mapstructure:"payments"`
}

// LedgerConfig selects the slot layout and the bucket count K.
type LedgerConfig struct {
	Capacity int    `mapstructure:"capacity"`
	Layout   string `mapstructure:"layout"`
}

// StoreConfig locates the LevelDB directory. An empty path keeps state in memory.
type StoreConfig struct {
	Path    string `mapstructure:"path"`
	CacheMB int    `mapstructure:"cacheMB"`
}

type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// TokenConfig picks the token front-end and its initial admin.
type TokenConfig struct {
	Standard           string `mapstructure:"standard"`
	Admin              string `mapstructure:"admin"`
	AdminTransferDelay uint64 `mapstructure:"adminTransferDelay"` // seconds
}

type LogConfig struct {
	Development bool `mapstructure:"development"`
}

// PaymentsConfig points ERC-20 purchases at a payment gateway. Without a
// gateway URL only native-currency purchases are accepted.
type PaymentsConfig struct {
	GatewayURL string        `mapstructure:"gatewayURL"`
	Timeout    time.Duration `mapstructure:"timeout"`
	Retries    int           `mapstructure:"retries"`
}

// Load reads configuration from file and TOKENGATE_* environment variables.
// A missing file is not an error when configPath is empty.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	v.SetDefault("ledger.capacity", 30)
	v.SetDefault("ledger.layout", LayoutFixed)
	v.SetDefault("store.path", "")
	v.SetDefault("store.cacheMB", 16)
	v.SetDefault("server.port", 8545)
	v.SetDefault("token.standard", StandardMulti)
	v.SetDefault("token.admin", "")
	v.SetDefault("token.adminTransferDelay", 3*24*60*60)
	v.SetDefault("log.development", false)
	v.SetDefault("payments.gatewayURL", "")
	v.SetDefault("payments.timeout", 10*time.Second)
	v.SetDefault("payments.retries", 2)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("json")
		v.AddConfigPath("./config")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix("TOKENGATE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if configPath != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadDefault loads config/config.json from the current directory, falling
// back to defaults when it is absent.
func LoadDefault() (*Config, error) {
	return Load("")
}

// Validate checks enumerations and ranges.
func (c *Config) Validate() error {
	if c.Ledger.Capacity < 1 {
		return fmt.Errorf("ledger.capacity must be at least 1, got %d", c.Ledger.Capacity)
	}
	switch c.Ledger.Layout {
	case LayoutFixed, LayoutElastic:
	default:
		return fmt.Errorf("ledger.layout must be %q or %q, got %q", LayoutFixed, LayoutElastic, c.Ledger.Layout)
	}
	switch c.Token.Standard {
	case StandardMulti, StandardAccounts:
	default:
		return fmt.Errorf("token.standard must be %q or %q, got %q", StandardMulti, StandardAccounts, c.Token.Standard)
	}
	if c.Token.Admin != "" && !common.IsHexAddress(c.Token.Admin) {
		return fmt.Errorf("token.admin is not an address: %q", c.Token.Admin)
	}
	if c.Payments.Retries < 0 {
		return fmt.Errorf("payments.retries must not be negative, got %d", c.Payments.Retries)
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port out of range: %d", c.Server.Port)
	}
	return nil
}

// AdminAddress returns the configured admin, or an error when none is set.
func (c *Config) AdminAddress() (common.Address, error) {
	if c.Token.Admin == "" {
		return common.Address{}, errors.New("token.admin is not configured")
	}
	return common.HexToAddress(c.Token.Admin), nil
}
