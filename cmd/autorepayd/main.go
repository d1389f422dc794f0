package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"math/big"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/accounts/keystore"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"golang.org/x/term"

	"autorepayd/chain"
	"autorepayd/config"
	"autorepayd/engine"
	"autorepayd/gateway"
	"autorepayd/journal"
	"autorepayd/observability"
	"autorepayd/observability/logging"
	otelobs "autorepayd/observability/otel"
)

func main() {
	configFile := flag.String("config", "./autorepayd.toml", "Path to the configuration file")
	flag.Parse()

	cfg, err := config.Load(*configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	logger := logging.Setup(logging.Options{
		Service:    "autorepayd",
		Env:        cfg.Log.Environment,
		File:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.Telemetry.Enabled {
		shutdown, err := otelobs.Init(ctx, otelobs.Config{
			ServiceName: "autorepayd",
			Environment: cfg.Log.Environment,
			Endpoint:    cfg.Telemetry.Endpoint,
			Insecure:    cfg.Telemetry.Insecure,
		})
		if err != nil {
			logger.Error("telemetry init failed", slog.Any("error", err))
			os.Exit(1)
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = shutdown(shutdownCtx)
		}()
	}

	registry, err := config.LoadRegistry(cfg.TokenRegistryPath)
	if err != nil {
		logger.Error("load token registry failed", slog.Any("error", err))
		os.Exit(1)
	}

	client, err := ethclient.DialContext(ctx, cfg.RPCEndpoint)
	if err != nil {
		logger.Error("dial rpc endpoint failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer client.Close()

	journalStore, err := journal.NewStore(cfg.JournalPath, nil)
	if err != nil {
		logger.Error("open journal failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer journalStore.Close()

	sign, err := buildSigner(cfg, logger)
	if err != nil {
		logger.Error("configure signer failed", slog.Any("error", err))
		os.Exit(1)
	}

	reader, err := chain.NewReader(client, cfg.EngineAddr())
	if err != nil {
		logger.Error("configure reader failed", slog.Any("error", err))
		os.Exit(1)
	}
	writer, err := chain.NewWriter(chain.WriterConfig{
		Backend:  client,
		Contract: cfg.EngineAddr(),
		Account:  cfg.AccountAddr(),
		Sign:     sign,
		Logger:   logger,
	})
	if err != nil {
		logger.Error("configure writer failed", slog.Any("error", err))
		os.Exit(1)
	}

	metrics := observability.Metrics()
	manager, err := engine.NewManager(func(ipID common.Address) (*engine.Engine, error) {
		return engine.New(engine.Config{
			IPID:           ipID,
			Account:        cfg.AccountAddr(),
			Reader:         reader,
			Writer:         writer,
			Journal:        journalStore,
			Logger:         logger,
			Metrics:        metrics,
			ConfirmTimeout: cfg.ConfirmTimeout.Std(),
			PreviewMaxAge:  cfg.PreviewMaxAge.Std(),
			SlippageBps:    cfg.SlippageBps,
		})
	})
	if err != nil {
		logger.Error("configure manager failed", slog.Any("error", err))
		os.Exit(1)
	}

	reconciler := engine.NewReconciler(engine.ReconcilerConfig{
		Manager:  manager,
		Interval: cfg.ReconcileInterval.Std(),
		Logger:   logger,
		Metrics:  metrics,
	})
	go reconciler.Run(ctx)

	server, err := gateway.NewServer(gateway.ServerConfig{
		Directory: gateway.DirectoryFromManager(manager),
		Registry:  registry,
		Auth: gateway.AuthConfig{
			Enabled:    cfg.Gateway.AuthSecret != "",
			HMACSecret: cfg.Gateway.AuthSecret,
			Issuer:     cfg.Gateway.AuthIssuer,
		},
		RateLimit: gateway.RateLimit{
			RequestsPerMinute: cfg.Gateway.RequestsPerMinute,
			Burst:             cfg.Gateway.Burst,
		},
		Logger: logger,
	})
	if err != nil {
		logger.Error("configure gateway failed", slog.Any("error", err))
		os.Exit(1)
	}

	httpServer := &http.Server{
		Addr:              cfg.Gateway.ListenAddress,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logger.Info("gateway listening", slog.String("address", cfg.Gateway.ListenAddress))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("gateway serve failed", slog.Any("error", err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("gateway shutdown incomplete", slog.Any("error", err))
	}
}

// buildSigner unlocks the configured keystore account. A daemon without a
// keystore runs read-only: every mutating transition reports NotConnected.
func buildSigner(cfg *config.Config, logger *slog.Logger) (chain.SignTxFunc, error) {
	if cfg.KeystorePath == "" || cfg.Account == "" {
		logger.Warn("no keystore configured; running read-only")
		return nil, nil
	}
	ks := keystore.NewKeyStore(cfg.KeystorePath, keystore.StandardScryptN, keystore.StandardScryptP)
	account := accounts.Account{Address: cfg.AccountAddr()}

	passphrase := ""
	if cfg.PassphraseEnv != "" {
		passphrase = os.Getenv(cfg.PassphraseEnv)
	}
	if passphrase == "" && term.IsTerminal(int(os.Stdin.Fd())) {
		fmt.Fprintf(os.Stderr, "Passphrase for %s: ", account.Address.Hex())
		raw, err := term.ReadPassword(int(os.Stdin.Fd()))
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return nil, fmt.Errorf("read passphrase: %w", err)
		}
		passphrase = string(raw)
	}
	if err := ks.Unlock(account, passphrase); err != nil {
		return nil, fmt.Errorf("unlock account %s: %w", account.Address.Hex(), err)
	}

	chainID := big.NewInt(cfg.ChainID)
	return func(addr common.Address, tx *types.Transaction) (*types.Transaction, error) {
		return ks.SignTx(accounts.Account{Address: addr}, tx, chainID)
	}, nil
}
