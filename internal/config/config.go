package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Redis  RedisConfig
	Chain  ChainConfig
	Sale   SaleConfig
	Server ServerConfig
	Assets []AssetConfig
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
}

type ChainConfig struct {
	ChainID           int64  `mapstructure:"chain_id"`
	PresaleAddress    string `mapstructure:"presale_address"`
	AuthorizerAddress string `mapstructure:"authorizer_address"`
	TrustedSigner     string `mapstructure:"trusted_signer"`
	// SignerKey enables the voucher issuer. Its address replaces an empty
	// TrustedSigner.
	SignerKey string `mapstructure:"signer_key"`
}

type SaleConfig struct {
	Owner           string        `mapstructure:"owner"`
	LaunchTime      int64         `mapstructure:"launch_time"` // unix seconds
	Round1Duration  time.Duration `mapstructure:"round1_duration"`
	SaleDuration    time.Duration `mapstructure:"sale_duration"`
	PresaleRate     string        `mapstructure:"presale_rate"` // token base units per 1 USD
	MaxTokens       string        `mapstructure:"max_tokens"`   // token base units
	RoundPolicy     string        `mapstructure:"round_policy"`
	VoucherRequired bool          `mapstructure:"voucher_required"`
	TokenSymbol     string        `mapstructure:"token_symbol"`
	DevLedgers      bool          `mapstructure:"dev_ledgers"`
}

// AssetConfig describes one accepted payment asset. Address "native" (or
// empty) selects the chain's native coin.
type AssetConfig struct {
	Address        string `mapstructure:"address"`
	Symbol         string `mapstructure:"symbol"`
	Decimals       uint8  `mapstructure:"decimals"`
	PriceUSD       string `mapstructure:"price_usd"`
	Round2PriceUSD string `mapstructure:"round2_price_usd"` // optional
	FeeBps         int64  `mapstructure:"fee_bps"`          // dev ledgers only
}

type ServerConfig struct {
	Port int `mapstructure:"port"`
}

func Load() (*Config, error) {
	v := viper.New()

	// Defaults
	v.SetDefault("server.port", 8080)
	v.SetDefault("redis.addr", "redis:6379")
	v.SetDefault("sale.round1_duration", 7*24*time.Hour)
	v.SetDefault("sale.sale_duration", 14*24*time.Hour)
	v.SetDefault("sale.round_policy", "auto")
	v.SetDefault("sale.voucher_required", true)
	v.SetDefault("sale.token_symbol", "TOKEN")

	// Config file (optional)
	if path := os.Getenv("CONFIG_FILE"); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/app")
		_ = v.ReadInConfig()
	}

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit env bindings
	bindings := map[string]string{
		"redis.addr":               "REDIS_ADDR",
		"redis.password":           "REDIS_PASSWORD",
		"chain.chain_id":           "CHAIN_ID",
		"chain.presale_address":    "PRESALE_ADDRESS",
		"chain.authorizer_address": "AUTHORIZER_ADDRESS",
		"chain.trusted_signer":     "TRUSTED_SIGNER",
		"chain.signer_key":         "SIGNER_KEY",
		"sale.owner":               "OWNER_ADDRESS",
		"sale.launch_time":         "LAUNCH_TIME",
		"sale.round1_duration":     "ROUND1_DURATION",
		"sale.sale_duration":       "SALE_DURATION",
		"sale.presale_rate":        "PRESALE_RATE",
		"sale.max_tokens":          "MAX_TOKENS",
		"sale.round_policy":        "ROUND_POLICY",
		"sale.voucher_required":    "VOUCHER_REQUIRED",
		"sale.token_symbol":        "TOKEN_SYMBOL",
		"sale.dev_ledgers":         "DEV_LEDGERS",
		"server.port":              "PORT",
	}
	for key, env := range bindings {
		if err := v.BindEnv(key, env); err != nil {
			return nil, fmt.Errorf("bind env %s: %w", env, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	return cfg, cfg.validate()
}

func (c *Config) validate() error {
	type req struct {
		val  string
		name string
	}
	for _, r := range []req{
		{c.Chain.PresaleAddress, "PRESALE_ADDRESS"},
		{c.Chain.AuthorizerAddress, "AUTHORIZER_ADDRESS"},
		{c.Sale.Owner, "OWNER_ADDRESS"},
		{c.Sale.PresaleRate, "PRESALE_RATE"},
		{c.Sale.MaxTokens, "MAX_TOKENS"},
	} {
		if r.val == "" {
			return fmt.Errorf("required config missing: %s", r.name)
		}
	}
	if c.Chain.TrustedSigner == "" && c.Chain.SignerKey == "" {
		return fmt.Errorf("required config missing: TRUSTED_SIGNER")
	}
	if c.Chain.ChainID == 0 {
		return fmt.Errorf("required config missing: CHAIN_ID")
	}
	if c.Sale.LaunchTime == 0 {
		return fmt.Errorf("required config missing: LAUNCH_TIME")
	}
	if len(c.Assets) == 0 {
		return fmt.Errorf("required config missing: assets")
	}
	for i, a := range c.Assets {
		if a.PriceUSD == "" {
			return fmt.Errorf("assets[%d]: price_usd missing", i)
		}
	}
	return nil
}
