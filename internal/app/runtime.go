package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/Sanjeevvarmabetter/nft-marketplace-eth-sepolia/internal/auth"
	"github.com/Sanjeevvarmabetter/nft-marketplace-eth-sepolia/internal/catalog"
	"github.com/Sanjeevvarmabetter/nft-marketplace-eth-sepolia/internal/config"
	"github.com/Sanjeevvarmabetter/nft-marketplace-eth-sepolia/internal/database"
	"github.com/Sanjeevvarmabetter/nft-marketplace-eth-sepolia/internal/ledger/ethledger"
	"github.com/Sanjeevvarmabetter/nft-marketplace-eth-sepolia/internal/ledger/simledger"
	"github.com/Sanjeevvarmabetter/nft-marketplace-eth-sepolia/internal/market"
	"github.com/Sanjeevvarmabetter/nft-marketplace-eth-sepolia/internal/metadata"
	"github.com/Sanjeevvarmabetter/nft-marketplace-eth-sepolia/internal/metrics"
	"github.com/Sanjeevvarmabetter/nft-marketplace-eth-sepolia/internal/purchase"
	"github.com/Sanjeevvarmabetter/nft-marketplace-eth-sepolia/internal/server"
	"go.uber.org/zap"
)

const (
	tokenIssuer   = "marketplace-auth"
	tokenAudience = "marketplace-api"
)

// DefaultSimAccount signs simulated writes when sim.account is unset. It also collects the market fee, as the
// deployer does on the real contract.
const DefaultSimAccount = "0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266"

var errTokensUnavailable = errors.New("app: auth.signing_secret is required to serve the API")

// Options overrides collaborators that are otherwise built from configuration.
type Options struct {
	HTTPClient *http.Client
	S3         metadata.ObjectGetter
	Clock      func() time.Time
}

// Runtime holds the wired service graph.
type Runtime struct {
	Config       config.AppConfig
	Ledger       market.LedgerGateway
	SimLedger    *simledger.Ledger
	Signers      purchase.Signers
	Resolver     *metadata.Resolver
	Metrics      *metrics.Metrics
	Catalog      *catalog.CatalogView
	Owners       *catalog.OwnerView
	History      *catalog.HistoryView
	Synchronizer *catalog.Synchronizer
	Purchases    *purchase.Orchestrator
	Realtime     *server.RealtimeDispatcher
	Tokens       *auth.TokenIssuer

	logger  *zap.Logger
	closers []func()
}

// Build wires the ledger gateway, metadata resolver, views and purchase orchestrator for cfg.
func Build(ctx context.Context, cfg config.AppConfig, logger *zap.Logger, opts Options) (*Runtime, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := opts.Clock
	if clock == nil {
		clock = time.Now
	}
	runtime := &Runtime{Config: cfg, Metrics: metrics.New(), Realtime: server.NewRealtimeDispatcher(), logger: logger}

	if err := runtime.buildLedger(ctx, logger); err != nil {
		runtime.Close()
		return nil, err
	}

	s3Client := opts.S3
	if s3Client == nil && cfg.Metadata.S3Region != "" {
		client, err := metadata.NewS3Client(cfg.Metadata.S3Region)
		if err != nil {
			logger.Warn("s3 metadata disabled", zap.Error(err))
		} else {
			s3Client = client
		}
	}
	runtime.Resolver = metadata.NewResolver(metadata.Config{
		HTTPClient:    opts.HTTPClient,
		Timeout:       cfg.Metadata.Timeout,
		IPFSGateway:   cfg.Metadata.IPFSGateway,
		RatePerSecond: cfg.Metadata.RatePerSecond,
		Burst:         cfg.Metadata.Burst,
		MaxBytes:      cfg.Metadata.MaxBytes,
		S3:            s3Client,
		Logger:        logger.Named("metadata"),
	})

	loader, err := catalog.NewLoader(catalog.LoaderConfig{
		Ledger:      runtime.Ledger,
		Resolver:    runtime.Resolver,
		Concurrency: cfg.CatalogConcurrency,
		Logger:      logger.Named("catalog"),
		Metrics:     runtime.Metrics,
	})
	if err != nil {
		runtime.Close()
		return nil, err
	}
	viewConfig := catalog.ViewConfig{Logger: logger.Named("catalog"), Metrics: runtime.Metrics, Clock: clock}
	if runtime.Catalog, err = catalog.NewCatalogView(loader, viewConfig); err != nil {
		runtime.Close()
		return nil, err
	}
	if runtime.Owners, err = catalog.NewOwnerView(loader, viewConfig); err != nil {
		runtime.Close()
		return nil, err
	}
	if runtime.History, err = catalog.NewHistoryView(loader, viewConfig); err != nil {
		runtime.Close()
		return nil, err
	}
	runtime.Synchronizer, err = catalog.NewSynchronizer(catalog.SynchronizerConfig{
		Catalog:   runtime.Catalog,
		Owners:    runtime.Owners,
		Publisher: runtime.Realtime,
		Logger:    logger.Named("sync"),
		Clock:     clock,
	})
	if err != nil {
		runtime.Close()
		return nil, err
	}
	runtime.Purchases, err = purchase.NewOrchestrator(purchase.Config{
		Signers:     runtime.Signers,
		Invalidator: runtime.Synchronizer,
		Logger:      logger.Named("purchase"),
		Metrics:     runtime.Metrics,
		Clock:       clock,

		FinalityTimeout: cfg.FinalityTimeout,
	})
	if err != nil {
		runtime.Close()
		return nil, err
	}

	if cfg.RequireSigningSecret() == nil {
		runtime.Tokens, err = auth.NewTokenIssuer(auth.TokenIssuerConfig{
			SigningSecret: []byte(cfg.SigningSecret),
			Issuer:        tokenIssuer,
			Audience:      tokenAudience,
			TokenTTL:      cfg.TokenTTL,
			Clock:         clock,
		})
		if err != nil {
			runtime.Close()
			return nil, err
		}
	}

	return runtime, nil
}

func (r *Runtime) buildLedger(ctx context.Context, logger *zap.Logger) error {
	cfg := r.Config
	switch cfg.Ledger.Mode {
	case config.LedgerModeEth:
		gateway, err := ethledger.Dial(ctx, cfg.Ledger.RPCURL, ethledger.Config{
			ContractAddress: cfg.Ledger.ContractAddress,
			PrivateKey:      cfg.Ledger.PrivateKey,
			ChainID:         cfg.Ledger.ChainID,
			DeployBlock:     cfg.Ledger.DeployBlock,
			LogWindow:       cfg.Ledger.LogWindow,
			GasLimit:        cfg.Ledger.GasLimit,
			Logger:          logger.Named("ledger"),
		})
		if err != nil {
			return err
		}
		r.closers = append(r.closers, gateway.Close)
		r.Ledger = gateway
		r.Signers = purchase.FixedSigner(gateway)
		logger.Info("ledger connected",
			zap.String("mode", cfg.Ledger.Mode),
			zap.String("contract", cfg.Ledger.ContractAddress),
			zap.String("account", gateway.Account().Hex()))
		return nil
	case config.LedgerModeSim:
		db, err := database.OpenSQLite(cfg.Sim.DatabasePath, logger.Named("database"))
		if err != nil {
			return fmt.Errorf("open simulated ledger: %w", err)
		}
		if sqlDB, err := db.DB(); err == nil {
			r.closers = append(r.closers, func() { _ = sqlDB.Close() })
		}
		rawAccount := cfg.Sim.Account
		if rawAccount == "" {
			rawAccount = DefaultSimAccount
		}
		account, err := market.ParseAccount(rawAccount)
		if err != nil {
			return err
		}
		ledger, err := simledger.New(simledger.Config{
			Database:   db,
			FeePercent: cfg.Sim.FeePercent,
			FeeAccount: account,
			Account:    account,
			Logger:     logger.Named("ledger"),
		})
		if err != nil {
			return err
		}
		if cfg.Sim.SeedFile != "" {
			items, err := simledger.LoadSeedFile(cfg.Sim.SeedFile)
			if err != nil {
				return err
			}
			if err := ledger.Seed(ctx, items); err != nil {
				return err
			}
		}
		r.Ledger = ledger
		r.SimLedger = ledger
		r.Signers = func(buyer market.Account) (market.LedgerGateway, error) {
			return ledger.WithAccount(buyer), nil
		}
		logger.Info("ledger ready",
			zap.String("mode", cfg.Ledger.Mode),
			zap.String("database_path", cfg.Sim.DatabasePath),
			zap.String("account", account.Hex()))
		return nil
	default:
		return fmt.Errorf("app: unsupported ledger mode %q", cfg.Ledger.Mode)
	}
}

// Handler builds the HTTP API over the runtime.
func (r *Runtime) Handler() (http.Handler, error) {
	if r.Tokens == nil {
		return nil, errTokensUnavailable
	}
	return server.NewHTTPHandler(server.Dependencies{
		Catalog:      r.Catalog,
		Owners:       r.Owners,
		History:      r.History,
		Synchronizer: r.Synchronizer,
		Purchases:    r.Purchases,
		TokenManager: r.Tokens,
		Realtime:     r.Realtime,
		Metrics:      r.Metrics,
		Logger:       r.logger.Named("http"),
	})
}

// Close releases the ledger connection.
func (r *Runtime) Close() {
	for index := len(r.closers) - 1; index >= 0; index-- {
		r.closers[index]()
	}
	r.closers = nil
}
