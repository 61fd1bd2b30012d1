// Package config provides centralized configuration for the crossport daemon.
// All swap parameters (fees, bounds, timeouts, CLTV budgets) are defined here.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// NetworkType represents the Bitcoin network the daemon runs against.
type NetworkType string

const (
	Mainnet NetworkType = "mainnet"
	Testnet NetworkType = "testnet"
	Regtest NetworkType = "regtest"
)

// Config holds all daemon configuration.
type Config struct {
	NetworkType NetworkType `yaml:"network_type"`

	API     APIConfig              `yaml:"api"`
	Storage StorageConfig          `yaml:"storage"`
	Logging LoggingConfig          `yaml:"logging"`
	Lnd     LndConfig              `yaml:"lnd"`
	Bitcoin BitcoinConfig          `yaml:"bitcoin"`
	Wallet  WalletConfig           `yaml:"wallet"`
	Chains  map[string]ChainConfig `yaml:"chains"`
	Pricing PricingConfig          `yaml:"pricing"`
	Swaps   SwapsConfig            `yaml:"swaps"`
}

// APIConfig holds the HTTP API settings.
type APIConfig struct {
	// ListenAddr is the host:port the HTTP server binds to.
	ListenAddr string `yaml:"listen_addr"`

	// PathPrefix is prepended to every route, e.g. "/lnforbtc".
	PathPrefix string `yaml:"path_prefix"`
}

// StorageConfig holds storage settings.
type StorageConfig struct {
	DataDir string `yaml:"data_dir"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level string `yaml:"level"`
}

// LndConfig holds the LND node connection settings.
type LndConfig struct {
	GRPCAddr     string `yaml:"grpc_addr"`
	TLSCertPath  string `yaml:"tls_cert_path"`
	MacaroonPath string `yaml:"macaroon_path"`
}

// BitcoinConfig holds the Bitcoin chain data source settings.
type BitcoinConfig struct {
	// APIURL is the mempool.space-compatible REST endpoint.
	APIURL string `yaml:"api_url"`

	// Timeout for HTTP requests, seconds.
	Timeout int `yaml:"timeout"`
}

// WalletConfig holds the on-chain hot wallet settings.
type WalletConfig struct {
	// MnemonicFile points at a file holding the BIP39 seed phrase.
	MnemonicFile string `yaml:"mnemonic_file"`
}

// ChainConfig describes one smart chain the intermediary serves.
type ChainConfig struct {
	// RPCURL is the EVM JSON-RPC endpoint.
	RPCURL string `yaml:"rpc_url"`

	// ContractAddress is the deployed swap escrow contract.
	ContractAddress string `yaml:"contract_address"`

	// PrivateKeyFile holds the hex-encoded signer key.
	PrivateKeyFile string `yaml:"private_key_file"`

	// Tokens maps token address to its CoinGecko coin id (or "$fixed-<f>").
	Tokens map[string]TokenConfig `yaml:"tokens"`
}

// TokenConfig describes an allowed token on a smart chain.
type TokenConfig struct {
	CoinID   string `yaml:"coin_id"`
	Decimals uint8  `yaml:"decimals"`
}

// PricingConfig holds price oracle settings.
type PricingConfig struct {
	// CacheTimeout bounds how long a fetched price may be reused.
	CacheTimeout time.Duration `yaml:"cache_timeout"`

	// CoinGeckoURL overrides the API base, mostly for tests.
	CoinGeckoURL string `yaml:"coingecko_url"`
}

// SwapsConfig holds per-direction swap parameters.
type SwapsConfig struct {
	// BitcoinBlocktime is the assumed seconds per Bitcoin block.
	BitcoinBlocktime uint64 `yaml:"bitcoin_blocktime"`

	// SafetyFactor multiplies CLTV budgets to tolerate block-time variance.
	SafetyFactor uint64 `yaml:"safety_factor"`

	// GracePeriod is the additive margin, seconds, on every expiry budget.
	GracePeriod uint64 `yaml:"grace_period"`

	// SwapCheckInterval is the watchdog period.
	SwapCheckInterval time.Duration `yaml:"swap_check_interval"`

	// SecurityDepositAPY compensates locked capital, e.g. 0.10 for 10%.
	SecurityDepositAPY float64 `yaml:"security_deposit_apy"`

	ToBtcLn   ToBtcLnConfig   `yaml:"to_btc_ln"`
	ToBtc     ToBtcConfig     `yaml:"to_btc"`
	FromBtcLn FromBtcLnConfig `yaml:"from_btc_ln"`
	FromBtc   FromBtcConfig   `yaml:"from_btc"`
}

// ToBtcLnConfig parameterizes Token->Lightning swaps.
type ToBtcLnConfig struct {
	BaseFeeSats uint64 `yaml:"base_fee_sats"`
	FeePPM      uint64 `yaml:"fee_ppm"`
	MinSats     uint64 `yaml:"min_sats"`
	MaxSats     uint64 `yaml:"max_sats"`

	// MinSendCltv is the minimum CLTV budget left for routing.
	MinSendCltv uint64 `yaml:"min_send_cltv"`

	// MaxUsableCltv bounds the route's total timeout height delta.
	MaxUsableCltv uint64 `yaml:"max_usable_cltv"`

	// AuthorizationTimeout bounds how long the init signature stays valid, seconds.
	AuthorizationTimeout uint64 `yaml:"authorization_timeout"`
}

// ToBtcConfig parameterizes Token->on-chain-BTC swaps.
type ToBtcConfig struct {
	BaseFeeSats uint64 `yaml:"base_fee_sats"`
	FeePPM      uint64 `yaml:"fee_ppm"`
	MinSats     uint64 `yaml:"min_sats"`
	MaxSats     uint64 `yaml:"max_sats"`

	// MinConfirmations before the on-chain payment is claimable.
	MinConfirmations uint32 `yaml:"min_confirmations"`

	// MaxConfirmations caps the client-requested confirmation count.
	MaxConfirmations uint32 `yaml:"max_confirmations"`

	// MinConfTarget / MaxConfTarget bound the fee estimation target.
	MinConfTarget uint32 `yaml:"min_conf_target"`
	MaxConfTarget uint32 `yaml:"max_conf_target"`

	// TxCheckInterval is how often unconfirmed payouts are polled.
	TxCheckInterval time.Duration `yaml:"tx_check_interval"`

	AuthorizationTimeout uint64 `yaml:"authorization_timeout"`

	// RandomizeCoinSelection picks UTXO candidates in random order when
	// true, by effective value when false.
	RandomizeCoinSelection bool `yaml:"randomize_coin_selection"`
}

// FromBtcLnConfig parameterizes Lightning->Token swaps.
type FromBtcLnConfig struct {
	BaseFeeSats uint64 `yaml:"base_fee_sats"`
	FeePPM      uint64 `yaml:"fee_ppm"`
	MinSats     uint64 `yaml:"min_sats"`
	MaxSats     uint64 `yaml:"max_sats"`

	// MinCltv is the minimum incoming HTLC CLTV delta accepted.
	MinCltv uint64 `yaml:"min_cltv"`

	// InvoiceTimeout is the hold-invoice expiry, seconds.
	InvoiceTimeout uint64 `yaml:"invoice_timeout"`
}

// FromBtcConfig parameterizes on-chain-BTC->Token swaps.
type FromBtcConfig struct {
	BaseFeeSats uint64 `yaml:"base_fee_sats"`
	FeePPM      uint64 `yaml:"fee_ppm"`
	MinSats     uint64 `yaml:"min_sats"`
	MaxSats     uint64 `yaml:"max_sats"`

	// Confirmations the deposit must reach before claim.
	Confirmations uint32 `yaml:"confirmations"`

	// SwapExpirySeconds is the smart-chain escrow lifetime.
	SwapExpirySeconds uint64 `yaml:"swap_expiry_seconds"`

	AuthorizationTimeout uint64 `yaml:"authorization_timeout"`

	// ClaimerBountyAddBlock / AddFee / FeePerBlock parameterize the bounty
	// formula; see the deposit math in the intermediary package.
	ClaimerBountyAddBlock uint64 `yaml:"claimer_bounty_add_block"`
}

// DefaultConfig returns the default daemon configuration.
func DefaultConfig() *Config {
	return &Config{
		NetworkType: Mainnet,
		API: APIConfig{
			ListenAddr: "127.0.0.1:4000",
			PathPrefix: "",
		},
		Storage: StorageConfig{DataDir: "~/.crossport"},
		Logging: LoggingConfig{Level: "info"},
		Bitcoin: BitcoinConfig{
			APIURL:  "https://mempool.space/api",
			Timeout: 30,
		},
		Pricing: PricingConfig{
			CacheTimeout: 15 * time.Second,
		},
		Swaps: SwapsConfig{
			BitcoinBlocktime:   600,
			SafetyFactor:       2,
			GracePeriod:        600,
			SwapCheckInterval:  60 * time.Second,
			SecurityDepositAPY: 0.10,
			ToBtcLn: ToBtcLnConfig{
				BaseFeeSats:          10,
				FeePPM:               3000,
				MinSats:              1000,
				MaxSats:              1000000,
				MinSendCltv:          10,
				MaxUsableCltv:        500,
				AuthorizationTimeout: 600,
			},
			ToBtc: ToBtcConfig{
				BaseFeeSats:            500,
				FeePPM:                 3000,
				MinSats:                10000,
				MaxSats:                100000000,
				MinConfirmations:       1,
				MaxConfirmations:       6,
				MinConfTarget:          1,
				MaxConfTarget:          144,
				TxCheckInterval:        30 * time.Second,
				AuthorizationTimeout:   600,
				RandomizeCoinSelection: true,
			},
			FromBtcLn: FromBtcLnConfig{
				BaseFeeSats:    10,
				FeePPM:         3000,
				MinSats:        1000,
				MaxSats:        1000000,
				MinCltv:        144,
				InvoiceTimeout: 90,
			},
			FromBtc: FromBtcConfig{
				BaseFeeSats:           500,
				FeePPM:                3000,
				MinSats:               10000,
				MaxSats:               100000000,
				Confirmations:         2,
				SwapExpirySeconds:     86400,
				AuthorizationTimeout:  600,
				ClaimerBountyAddBlock: 18,
			},
		},
		Chains: map[string]ChainConfig{},
	}
}

// ConfigPath returns the config file path for a data directory.
func ConfigPath(dataDir string) string {
	return filepath.Join(expandPath(dataDir), "config.yaml")
}

// Load reads the config file under dataDir, creating a default one when none
// exists yet.
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

// Save writes the config file under dataDir.
func Save(cfg *Config, dataDir string) error {
	dir := expandPath(dataDir)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return err
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, "config.yaml"), data, 0600)
}

// Validate checks invariants that would otherwise surface as confusing
// runtime failures.
func (c *Config) Validate() error {
	if c.Swaps.BitcoinBlocktime == 0 {
		return fmt.Errorf("swaps.bitcoin_blocktime must be positive")
	}
	if c.Swaps.SafetyFactor == 0 {
		return fmt.Errorf("swaps.safety_factor must be positive")
	}
	for _, pair := range []struct {
		name     string
		min, max uint64
	}{
		{"to_btc_ln", c.Swaps.ToBtcLn.MinSats, c.Swaps.ToBtcLn.MaxSats},
		{"to_btc", c.Swaps.ToBtc.MinSats, c.Swaps.ToBtc.MaxSats},
		{"from_btc_ln", c.Swaps.FromBtcLn.MinSats, c.Swaps.FromBtcLn.MaxSats},
		{"from_btc", c.Swaps.FromBtc.MinSats, c.Swaps.FromBtc.MaxSats},
	} {
		if pair.min == 0 || pair.max < pair.min {
			return fmt.Errorf("swaps.%s: invalid min/max bounds", pair.name)
		}
	}
	for id, chain := range c.Chains {
		if chain.RPCURL == "" {
			return fmt.Errorf("chains.%s: rpc_url is required", id)
		}
		if chain.ContractAddress == "" {
			return fmt.Errorf("chains.%s: contract_address is required", id)
		}
	}
	return nil
}

// IsTestnet returns true when not running on mainnet.
func (c *Config) IsTestnet() bool {
	return c.NetworkType != Mainnet
}

// expandPath expands ~ to the home directory.
func expandPath(path string) string {
	if len(path) > 0 && path[0] == '~' {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[1:])
	}
	return path
}
