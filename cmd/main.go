// Command walletscope runs the balance-based transaction detection service.
// It periodically captures wallet balance snapshots, infers transactions from
// balance deltas and keeps running ledger balances reconciled.
//
// Usage:
//
//	walletscope --config config.yaml
//	walletscope --users alice,bob --db walletscope.db (uses CLI arguments)
//
// Required environment variables:
//
//	For the binance provider: BINANCE_API_KEY, BINANCE_API_SECRET
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"walletscope/config"
	"walletscope/internal/providers/binance"
	"walletscope/internal/providers/ethereum"
	"walletscope/internal/services/confidence"
	"walletscope/internal/services/delta"
	"walletscope/internal/services/engine"
	"walletscope/internal/services/ledger"
	"walletscope/internal/services/pattern"
	"walletscope/internal/services/transfer"
	"walletscope/internal/storage/sqlite"
	"walletscope/internal/web"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.Get()
	if err != nil {
		log.Fatal(err)
	}

	logger, err := zap.NewProduction()
	if err != nil {
		log.Fatal(err)
	}
	defer func() { _ = logger.Sync() }()
	zap.ReplaceGlobals(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store, err := sqlite.NewStore(ctx, sqlite.Config{Path: cfg.DatabasePath})
	if err != nil {
		logger.Fatal("failed to open store", zap.Error(err))
	}
	defer store.Close()

	provider, cleanup, err := makeProvider(ctx, cfg)
	if err != nil {
		logger.Fatal("failed to create snapshot provider", zap.Error(err))
	}
	if cleanup != nil {
		defer cleanup()
	}

	applier, err := ledger.NewApplier(store, cfg.LedgerWALDir, logger)
	if err != nil {
		logger.Fatal("failed to create ledger applier", zap.Error(err))
	}
	defer func() { _ = applier.Close() }()

	// surface any ledger intents interrupted by a previous crash before
	// new cycles start mutating balances
	if err := applier.Reconcile(ctx); err != nil {
		logger.Fatal("ledger intent reconciliation failed", zap.Error(err))
	}

	det := cfg.Detection
	eng := engine.New(
		provider,
		store,
		store,
		store,
		applier,
		delta.NewComputer(det.MaxSnapshotGap, logger),
		pattern.NewDetector(pattern.Config{
			Window:             det.SwapChainWindow,
			Lifetime:           det.SwapChainLifetime,
			Tolerance:          det.SwapAmountTolerance,
			NoiseFloor:         det.NoiseFloor,
			MaxChainsPerWallet: det.MaxChainsPerWallet,
		}, logger),
		transfer.NewMatcher(transfer.Config{
			Window:    det.TransferWindow,
			Tolerance: det.TransferAmountTolerance,
		}, logger),
		confidence.NewScorer(),
		engine.Config{
			Lookback:             det.Lookback,
			MinChange:            det.MinChange,
			TransferWindow:       det.TransferWindow,
			ChainLifetime:        det.SwapChainLifetime,
			AutoConfirmThreshold: det.ConfidenceAutoConfirmThreshold,
			SurfaceThreshold:     det.ConfidenceSurfaceThreshold,
		},
		logger,
	)

	if len(cfg.Users) == 0 {
		logger.Fatal("no users configured, nothing to detect")
	}

	if cfg.HTTPAddr != "" {
		server := web.NewServer(cfg.HTTPAddr, store, eng, logger)
		go func() {
			if err := server.Start(ctx); err != nil {
				logger.Error("review api stopped", zap.Error(err))
			}
		}()
	}

	logger.Info("walletscope started",
		zap.Strings("users", cfg.Users),
		zap.String("provider", cfg.Provider),
		zap.Duration("sync_interval", cfg.SyncInterval))

	runCycles(ctx, eng, cfg.Users, logger)

	ticker := time.NewTicker(cfg.SyncInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			logger.Info("shutting down")
			return
		case <-ticker.C:
			runCycles(ctx, eng, cfg.Users, logger)
		}
	}
}

func runCycles(ctx context.Context, eng *engine.Engine, users []string, logger *zap.Logger) {
	for _, userID := range users {
		if ctx.Err() != nil {
			return
		}
		if _, err := eng.RunCycle(ctx, userID); err != nil {
			logger.Error("detection cycle failed", zap.String("user_id", userID), zap.Error(err))
		}
	}
}

func makeProvider(ctx context.Context, cfg config.Config) (engine.SnapshotProvider, func(), error) {
	switch cfg.Provider {
	case "binance":
		apiKey := os.Getenv("BINANCE_API_KEY")
		apiSecret := os.Getenv("BINANCE_API_SECRET")
		if apiKey == "" || apiSecret == "" {
			log.Fatal("BINANCE_API_KEY and BINANCE_API_SECRET environment variables must be set")
		}
		return binance.NewProvider(apiKey, apiSecret), nil, nil
	case "ethereum":
		p, err := ethereum.NewProvider(ctx, cfg.EthereumRPC)
		if err != nil {
			return nil, nil, err
		}
		return p, p.Close, nil
	default:
		// store-only mode: detect over snapshots already persisted
		return nil, nil, nil
	}
}
