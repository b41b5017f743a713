package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/Sanjeevvarmabetter/nft-marketplace-eth-sepolia/internal/market"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const (
	envPrefix                 = "MARKETPLACE"
	defaultHTTPAddress        = "127.0.0.1:8080"
	defaultLogLevel           = "info"
	defaultLedgerMode         = LedgerModeSim
	defaultChainID            = 11155111
	defaultLogWindow          = 10000
	defaultSimDatabasePath    = "file::memory:?cache=shared"
	defaultSimFeePercent      = 1
	defaultMetadataTimeout    = 10 * time.Second
	defaultIPFSGateway        = "https://gateway.pinata.cloud/ipfs/"
	defaultMetadataRate       = 20.0
	defaultMetadataBurst      = 10
	defaultMetadataMaxBytes   = 1 << 20
	defaultS3Region           = "us-east-1"
	defaultCatalogConcurrency = 8
	defaultTokenTTLMinutes    = 60
	defaultFinalityTimeout    = 10 * time.Minute
)

// Ledger modes.
const (
	LedgerModeSim = "sim"
	LedgerModeEth = "eth"
)

var errMissingSigningSecret = errors.New("auth.signing_secret is required")

// LedgerConfig selects and configures the ledger gateway.
type LedgerConfig struct {
	Mode            string
	RPCURL          string
	ContractAddress string
	PrivateKey      string
	ChainID         int64
	DeployBlock     uint64
	LogWindow       uint64
	GasLimit        uint64
}

// SimConfig configures the simulated ledger.
type SimConfig struct {
	DatabasePath string
	FeePercent   uint64
	SeedFile     string
	Account      string
}

// MetadataConfig configures the metadata resolver.
type MetadataConfig struct {
	Timeout       time.Duration
	IPFSGateway   string
	RatePerSecond float64
	Burst         int
	MaxBytes      int64
	S3Region      string
}

// AppConfig captures runtime configuration for the marketplace service.
type AppConfig struct {
	HTTPAddress        string
	LogLevel           string
	Ledger             LedgerConfig
	Sim                SimConfig
	Metadata           MetadataConfig
	CatalogConcurrency int
	SigningSecret      string
	TokenTTL           time.Duration
	// FinalityTimeout bounds how long a submitted purchase is awaited after the client goes away.
	FinalityTimeout time.Duration
}

// LoadDotEnv loads .env style files into the process environment. Missing files are ignored; variables that
// are already set win.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, path := range paths {
		if _, err := os.Stat(path); err != nil {
			continue
		}
		if err := godotenv.Load(path); err != nil {
			return fmt.Errorf("failed to load %s: %w", path, err)
		}
	}
	return nil
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("log.level", defaultLogLevel)

	configViper.SetDefault("ledger.mode", defaultLedgerMode)
	configViper.SetDefault("ledger.rpc_url", "")
	configViper.SetDefault("ledger.contract_address", "")
	configViper.SetDefault("ledger.private_key", "")
	configViper.SetDefault("ledger.chain_id", defaultChainID)
	configViper.SetDefault("ledger.deploy_block", 0)
	configViper.SetDefault("ledger.log_window", defaultLogWindow)
	configViper.SetDefault("ledger.gas_limit", 0)

	configViper.SetDefault("sim.database_path", defaultSimDatabasePath)
	configViper.SetDefault("sim.fee_percent", defaultSimFeePercent)
	configViper.SetDefault("sim.seed_file", "")
	configViper.SetDefault("sim.account", "")

	configViper.SetDefault("metadata.timeout", defaultMetadataTimeout)
	configViper.SetDefault("metadata.ipfs_gateway", defaultIPFSGateway)
	configViper.SetDefault("metadata.rate_per_second", defaultMetadataRate)
	configViper.SetDefault("metadata.burst", defaultMetadataBurst)
	configViper.SetDefault("metadata.max_bytes", defaultMetadataMaxBytes)
	configViper.SetDefault("metadata.s3_region", defaultS3Region)

	configViper.SetDefault("catalog.concurrency", defaultCatalogConcurrency)
	configViper.SetDefault("auth.signing_secret", "")
	configViper.SetDefault("auth.token_ttl_minutes", defaultTokenTTLMinutes)
	configViper.SetDefault("purchase.finality_timeout", defaultFinalityTimeout)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress: strings.TrimSpace(configViper.GetString("http.address")),
		LogLevel:    configViper.GetString("log.level"),
		Ledger: LedgerConfig{
			Mode:            strings.ToLower(strings.TrimSpace(configViper.GetString("ledger.mode"))),
			RPCURL:          strings.TrimSpace(configViper.GetString("ledger.rpc_url")),
			ContractAddress: strings.TrimSpace(configViper.GetString("ledger.contract_address")),
			PrivateKey:      strings.TrimSpace(configViper.GetString("ledger.private_key")),
			ChainID:         configViper.GetInt64("ledger.chain_id"),
			DeployBlock:     configViper.GetUint64("ledger.deploy_block"),
			LogWindow:       configViper.GetUint64("ledger.log_window"),
			GasLimit:        configViper.GetUint64("ledger.gas_limit"),
		},
		Sim: SimConfig{
			DatabasePath: strings.TrimSpace(configViper.GetString("sim.database_path")),
			FeePercent:   configViper.GetUint64("sim.fee_percent"),
			SeedFile:     strings.TrimSpace(configViper.GetString("sim.seed_file")),
			Account:      strings.TrimSpace(configViper.GetString("sim.account")),
		},
		Metadata: MetadataConfig{
			Timeout:       configViper.GetDuration("metadata.timeout"),
			IPFSGateway:   strings.TrimSpace(configViper.GetString("metadata.ipfs_gateway")),
			RatePerSecond: configViper.GetFloat64("metadata.rate_per_second"),
			Burst:         configViper.GetInt("metadata.burst"),
			MaxBytes:      configViper.GetInt64("metadata.max_bytes"),
			S3Region:      strings.TrimSpace(configViper.GetString("metadata.s3_region")),
		},
		CatalogConcurrency: configViper.GetInt("catalog.concurrency"),
		SigningSecret:      configViper.GetString("auth.signing_secret"),
		TokenTTL:           time.Duration(configViper.GetInt("auth.token_ttl_minutes")) * time.Minute,
		FinalityTimeout:    configViper.GetDuration("purchase.finality_timeout"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

// RequireSigningSecret reports whether session tokens can be issued.
func (c AppConfig) RequireSigningSecret() error {
	if strings.TrimSpace(c.SigningSecret) == "" {
		return errMissingSigningSecret
	}
	return nil
}

func (c AppConfig) validate() error {
	if c.HTTPAddress == "" {
		return fmt.Errorf("http.address is required")
	}
	if c.CatalogConcurrency <= 0 {
		return fmt.Errorf("catalog.concurrency must be positive")
	}
	if c.FinalityTimeout <= 0 {
		return fmt.Errorf("purchase.finality_timeout must be positive")
	}
	if c.TokenTTL <= 0 {
		return fmt.Errorf("auth.token_ttl_minutes must be positive")
	}
	switch c.Ledger.Mode {
	case LedgerModeSim:
		if c.Sim.DatabasePath == "" {
			return fmt.Errorf("sim.database_path is required")
		}
		if c.Sim.Account != "" {
			if _, err := market.ParseAccount(c.Sim.Account); err != nil {
				return fmt.Errorf("sim.account: %w", err)
			}
		}
	case LedgerModeEth:
		if c.Ledger.RPCURL == "" {
			return fmt.Errorf("ledger.rpc_url is required in eth mode")
		}
		if c.Ledger.ContractAddress == "" {
			return fmt.Errorf("ledger.contract_address is required in eth mode")
		}
		if _, err := market.ParseAccount(c.Ledger.ContractAddress); err != nil {
			return fmt.Errorf("ledger.contract_address: %w", err)
		}
		if c.Ledger.PrivateKey == "" {
			return fmt.Errorf("ledger.private_key is required in eth mode")
		}
		if c.Ledger.ChainID <= 0 {
			return fmt.Errorf("ledger.chain_id must be positive")
		}
		if c.Ledger.LogWindow == 0 {
			return fmt.Errorf("ledger.log_window must be positive")
		}
	default:
		return fmt.Errorf("ledger.mode must be %q or %q, got %q", LedgerModeSim, LedgerModeEth, c.Ledger.Mode)
	}
	return nil
}
