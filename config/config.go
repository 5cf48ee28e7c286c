package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// TokenConfig declares one token recognized by the engine.
type TokenConfig struct {
	Symbol   string `json:"symbol"`
	Address  string `json:"address"`
	Decimals int32  `json:"decimals"`
	Native   bool   `json:"native,omitempty"`
}

type Config struct {
	// JSON-RPC endpoint of the EVM node
	RPCEndpoint string `json:"rpc_endpoint"`

	// Chain ID used for EIP-155 signing
	ChainID int64 `json:"chain_id"`

	// UniswapV2-family router contract
	RouterAddress string `json:"router_address"`

	// Tokens recognized by the engine; exactly one must be the wrapped
	// form of the native coin
	Tokens              []TokenConfig `json:"tokens"`
	WrappedNativeSymbol string        `json:"wrapped_native_symbol"`

	// BIP39 mnemonic for per-owner signing key derivation
	Mnemonic string `json:"mnemonic"`

	// Path to the SQLite order store
	DatabasePath string `json:"database_path"`

	// Price oracle settings
	PriceCoinID string `json:"price_coin_id"`
	PriceAPIKey string `json:"price_api_key,omitempty"`
	PriceAPIURL string `json:"price_api_url,omitempty"`

	// Scheduler intervals in seconds
	TickIntervalSeconds   int `json:"tick_interval_seconds"`
	HealthIntervalSeconds int `json:"health_interval_seconds"`

	// Suspend and resume the scheduler when the order store becomes
	// unreachable, instead of just logging
	AutoRestart bool `json:"auto_restart,omitempty"`

	// Optional Telegram notifications for order lifecycle events
	TelegramToken  string `json:"telegram_token,omitempty"`
	TelegramChatID int64  `json:"telegram_chat_id,omitempty"`

	// HTTP API port (default 8080)
	Port int `json:"port"`
}

func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	defer f.Close()

	var cfg Config
	dec := json.NewDecoder(f)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

func (c *Config) validate() error {
	if c.RPCEndpoint == "" {
		return fmt.Errorf("rpc_endpoint is required")
	}
	if c.ChainID == 0 {
		return fmt.Errorf("chain_id is required")
	}
	if !common.IsHexAddress(c.RouterAddress) {
		return fmt.Errorf("router_address %q is not a valid address", c.RouterAddress)
	}
	if len(c.Tokens) < 2 {
		return fmt.Errorf("at least two tokens must be declared")
	}
	for _, t := range c.Tokens {
		if t.Symbol == "" {
			return fmt.Errorf("token with address %q is missing a symbol", t.Address)
		}
		if !common.IsHexAddress(t.Address) {
			return fmt.Errorf("token %s address %q is not a valid address", t.Symbol, t.Address)
		}
	}
	if c.WrappedNativeSymbol == "" {
		return fmt.Errorf("wrapped_native_symbol is required")
	}
	if strings.TrimSpace(c.Mnemonic) == "" {
		return fmt.Errorf("mnemonic is required")
	}
	if c.DatabasePath == "" {
		return fmt.Errorf("database_path is required")
	}
	if c.PriceCoinID == "" {
		return fmt.Errorf("price_coin_id is required")
	}
	if c.TickIntervalSeconds == 0 {
		c.TickIntervalSeconds = 60
	}
	if c.HealthIntervalSeconds == 0 {
		c.HealthIntervalSeconds = 300
	}
	if c.Port == 0 {
		c.Port = 8080
	}
	return nil
}
