package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"zilscope/internal/normalize"
)

// Config holds configuration values loaded from flags, env, or config file.
type Config struct {
	PGDSN string `mapstructure:"pg-dsn"`

	SourceURL     string        `mapstructure:"source-url"`
	SourceAPIKey  string        `mapstructure:"source-api-key"`
	Network       string        `mapstructure:"network"`
	PageSize      int           `mapstructure:"page-size"`
	RatePerSecond float64       `mapstructure:"rate-per-second"`
	BlockWindow   uint64        `mapstructure:"block-window"`
	PollInterval  time.Duration `mapstructure:"poll-interval"`
	MaxRetries    int           `mapstructure:"max-retries"`
	RetryBackoff  time.Duration `mapstructure:"retry-backoff"`

	MetricsAddr string `mapstructure:"metrics-addr"`
	RedisAddr   string `mapstructure:"redis-addr"`
	LogLevel    string `mapstructure:"log-level"`

	Contracts    []Contract    `mapstructure:"contracts"`
	Distributors []Distributor `mapstructure:"distributors"`
}

// Contract names one exchange contract to index and the events it
// emits.
type Contract struct {
	Address string   `mapstructure:"address"`
	Shape   string   `mapstructure:"shape"`
	Events  []string `mapstructure:"events"`
}

// Distributor describes one reward distributor's schedule and
// allocation policy.
type Distributor struct {
	Name               string `mapstructure:"name"`
	DistributorAddress string `mapstructure:"distributor-address"`
	DeveloperAddress   string `mapstructure:"developer-address"`
	RewardTokenAddress string `mapstructure:"reward-token-address"`

	TradingStart      time.Time     `mapstructure:"trading-start"`
	DistributionStart time.Time     `mapstructure:"distribution-start"`
	EpochPeriod       time.Duration `mapstructure:"epoch-period"`
	TotalEpochs       int32         `mapstructure:"total-epochs"`

	TokensPerEpoch     string `mapstructure:"tokens-per-epoch"`
	InitialEpochTokens string `mapstructure:"initial-epoch-tokens"`
	DeveloperShareBPS  int64  `mapstructure:"developer-share-bps"`
	TraderShareBPS     int64  `mapstructure:"trader-share-bps"`

	IncentivizedPools map[string]int64 `mapstructure:"incentivized-pools"`
}

// Load merges config file, environment variables, and flags into Config.
func Load(cfgFile string, flags *pflag.FlagSet) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("ZILSCOPE")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	v.SetDefault("network", "mainnet")
	v.SetDefault("page-size", 25)
	v.SetDefault("rate-per-second", 4.0)
	v.SetDefault("block-window", uint64(1000))
	v.SetDefault("poll-interval", time.Minute)
	v.SetDefault("max-retries", 5)
	v.SetDefault("retry-backoff", 500*time.Millisecond)
	v.SetDefault("log-level", "info")

	if flags != nil {
		if err := v.BindPFlags(flags); err != nil {
			return Config{}, fmt.Errorf("bind flags: %w", err)
		}
	}

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return Config{}, fmt.Errorf("read config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}

	return cfg, nil
}

// Validate checks the loaded configuration for missing or inconsistent
// values before any component starts.
func (c Config) Validate() error {
	if c.PGDSN == "" {
		return fmt.Errorf("pg-dsn is required")
	}
	if c.SourceURL == "" {
		return fmt.Errorf("source-url is required")
	}
	if len(c.Contracts) == 0 {
		return fmt.Errorf("at least one contract is required")
	}
	for i, contract := range c.Contracts {
		if contract.Address == "" {
			return fmt.Errorf("contracts[%d]: address is required", i)
		}
		if _, ok := normalize.ParseShape(contract.Shape); !ok {
			return fmt.Errorf("contracts[%d]: unknown shape %q", i, contract.Shape)
		}
		if len(contract.Events) == 0 {
			return fmt.Errorf("contracts[%d]: at least one event is required", i)
		}
	}
	for i, d := range c.Distributors {
		if err := d.validate(); err != nil {
			return fmt.Errorf("distributors[%d]: %w", i, err)
		}
	}
	return nil
}

func (d Distributor) validate() error {
	if d.DistributorAddress == "" {
		return fmt.Errorf("distributor-address is required")
	}
	if d.DeveloperAddress == "" {
		return fmt.Errorf("developer-address is required")
	}
	if d.EpochPeriod <= 0 {
		return fmt.Errorf("epoch-period must be positive")
	}
	if d.TotalEpochs <= 0 {
		return fmt.Errorf("total-epochs must be positive")
	}
	if !d.DistributionStart.After(d.TradingStart) {
		return fmt.Errorf("distribution-start must follow trading-start")
	}
	if d.DeveloperShareBPS < 0 || d.TraderShareBPS < 0 || d.DeveloperShareBPS+d.TraderShareBPS > 10000 {
		return fmt.Errorf("share basis points out of range")
	}
	if _, err := d.TokensPerEpochAmount(); err != nil {
		return err
	}
	if _, err := d.InitialEpochTokensAmount(); err != nil {
		return err
	}
	return nil
}

// TokensPerEpochAmount parses the per-epoch emission budget.
func (d Distributor) TokensPerEpochAmount() (decimal.Decimal, error) {
	return parseTokens("tokens-per-epoch", d.TokensPerEpoch, true)
}

// InitialEpochTokensAmount parses the epoch-zero override; empty means
// no override.
func (d Distributor) InitialEpochTokensAmount() (decimal.Decimal, error) {
	return parseTokens("initial-epoch-tokens", d.InitialEpochTokens, false)
}

func parseTokens(key, raw string, required bool) (decimal.Decimal, error) {
	if raw == "" {
		if required {
			return decimal.Decimal{}, fmt.Errorf("%s is required", key)
		}
		return decimal.Zero, nil
	}
	amount, err := decimal.NewFromString(raw)
	if err != nil || !amount.IsInteger() || amount.IsNegative() {
		return decimal.Decimal{}, fmt.Errorf("%s must be a non-negative integer amount", key)
	}
	return amount, nil
}
