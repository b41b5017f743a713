package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Sanjeevvarmabetter/nft-marketplace-eth-sepolia/internal/app"
	"github.com/Sanjeevvarmabetter/nft-marketplace-eth-sepolia/internal/config"
	"github.com/Sanjeevvarmabetter/nft-marketplace-eth-sepolia/internal/logging"
	"github.com/Sanjeevvarmabetter/nft-marketplace-eth-sepolia/internal/market"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "marketplace-api",
		Short: "NFT marketplace catalog and purchase service",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}

	setupFlags(rootCmd)
	rootCmd.AddCommand(newServeCommand(), newTokenCommand(), newMintCommand())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("ledger-mode", defaults.GetString("ledger.mode"), "Ledger backend (sim or eth)")
	cmd.PersistentFlags().String("rpc-url", defaults.GetString("ledger.rpc_url"), "Ethereum JSON-RPC endpoint")
	cmd.PersistentFlags().String("contract-address", defaults.GetString("ledger.contract_address"), "Marketplace contract address")
	cmd.PersistentFlags().String("database-path", defaults.GetString("sim.database_path"), "Simulated ledger SQLite path")
	cmd.PersistentFlags().String("seed-file", defaults.GetString("sim.seed_file"), "Simulated ledger seed file")
	cmd.PersistentFlags().Int("token-ttl-minutes", defaults.GetInt("auth.token_ttl_minutes"), "Session token TTL in minutes")
	cmd.PersistentFlags().String("signing-secret", "", "Session signing secret (overrides env)")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "ledger.mode", "ledger-mode")
	bindFlag(cmd, "ledger.rpc_url", "rpc-url")
	bindFlag(cmd, "ledger.contract_address", "contract-address")
	bindFlag(cmd, "sim.database_path", "database-path")
	bindFlag(cmd, "sim.seed_file", "seed-file")
	bindFlag(cmd, "auth.token_ttl_minutes", "token-ttl-minutes")
	bindFlag(cmd, "auth.signing_secret", "signing-secret")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if err := config.LoadDotEnv(); err != nil {
		return err
	}

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}

	if err := viper.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if cfgFile != "" && errors.As(err, &configNotFound) {
			return err
		}
	}

	return nil
}

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}
}

func newTokenCommand() *cobra.Command {
	var accountFlag string
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a session token for an account",
		RunE: func(cmd *cobra.Command, args []string) error {
			account, err := market.ParseAccount(accountFlag)
			if err != nil {
				return err
			}
			runtime, logger, err := buildRuntime(cmd.Context())
			if err != nil {
				return err
			}
			defer logger.Sync() //nolint:errcheck
			defer runtime.Close()
			if runtime.Tokens == nil {
				return runtime.Config.RequireSigningSecret()
			}
			token, expiresIn, err := runtime.Tokens.IssueSessionToken(cmd.Context(), account)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "%s\nexpires_in=%d\n", token, expiresIn)
			return err
		},
	}
	cmd.Flags().StringVar(&accountFlag, "account", "", "Wallet account the token identifies")
	_ = cmd.MarkFlagRequired("account")
	return cmd
}

func newMintCommand() *cobra.Command {
	var (
		uriFlag   string
		priceFlag string
	)
	cmd := &cobra.Command{
		Use:   "mint",
		Short: "Mint a token and list it at a price in ether",
		RunE: func(cmd *cobra.Command, args []string) error {
			price, err := market.ParseEther(priceFlag)
			if err != nil {
				return err
			}
			runtime, logger, err := buildRuntime(cmd.Context())
			if err != nil {
				return err
			}
			defer logger.Sync() //nolint:errcheck
			defer runtime.Close()
			receipt, err := runtime.Ledger.Mint(cmd.Context(), uriFlag, price)
			if err != nil {
				return err
			}
			logger.Info("item listed",
				zap.Uint64("item_id", receipt.ItemID.Uint64()),
				zap.Uint64("token_id", receipt.TokenID.Uint64()),
				zap.String("tx_hash", receipt.TxHash))
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "item_id=%d token_id=%d tx_hash=%s\n", receipt.ItemID, receipt.TokenID, receipt.TxHash)
			return err
		},
	}
	cmd.Flags().StringVar(&uriFlag, "uri", "", "Metadata URI for the token")
	cmd.Flags().StringVar(&priceFlag, "price", "", "Listing price in ether")
	_ = cmd.MarkFlagRequired("uri")
	_ = cmd.MarkFlagRequired("price")
	return cmd
}

func buildRuntime(ctx context.Context) (*app.Runtime, *zap.Logger, error) {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return nil, nil, err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel)
	if err != nil {
		return nil, nil, err
	}

	runtime, err := app.Build(ctx, appConfig, logger, app.Options{})
	if err != nil {
		_ = logger.Sync()
		return nil, nil, err
	}
	return runtime, logger, nil
}

func runServer(ctx context.Context) error {
	runtime, logger, err := buildRuntime(ctx)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck
	defer runtime.Close()

	handler, err := runtime.Handler()
	if err != nil {
		return err
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Request contexts derive from signalCtx so open event streams end on shutdown.
	httpServer := &http.Server{
		Addr:              runtime.Config.HTTPAddress,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return signalCtx },
	}

	if _, err := runtime.Catalog.Rebuild(signalCtx); err != nil {
		logger.Warn("initial catalog load failed", zap.Error(err))
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting", zap.String("address", runtime.Config.HTTPAddress))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-signalCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
