package config

import (
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// Detection holds the tunable parameters of the detection pipeline. The
// defaults are starting points meant to be calibrated against real data,
// not confirmed requirements.
type Detection struct {
	MaxSnapshotGap                 time.Duration
	SwapChainWindow                time.Duration
	SwapChainLifetime              time.Duration
	SwapAmountTolerance            decimal.Decimal
	TransferWindow                 time.Duration
	TransferAmountTolerance        decimal.Decimal
	ConfidenceAutoConfirmThreshold float64
	ConfidenceSurfaceThreshold     float64
	MinChange                      decimal.Decimal
	NoiseFloor                     decimal.Decimal
	MaxChainsPerWallet             int
	Lookback                       time.Duration
}

// Config is the full runtime configuration.
type Config struct {
	Users        []string
	SyncInterval time.Duration
	DatabasePath string
	LedgerWALDir string
	Provider     string // "binance", "ethereum" or empty for store-only detection
	EthereumRPC  string
	HTTPAddr     string // review api listen address, empty disables the server
	Detection    Detection
}

type detectionTmp struct {
	MaxSnapshotGap                 time.Duration `yaml:"max_snapshot_gap"`
	SwapChainWindow                time.Duration `yaml:"swap_chain_window"`
	SwapChainLifetime              time.Duration `yaml:"swap_chain_lifetime"`
	SwapAmountTolerance            string        `yaml:"swap_amount_tolerance,omitempty"`
	TransferWindow                 time.Duration `yaml:"transfer_window"`
	TransferAmountTolerance        string        `yaml:"transfer_amount_tolerance,omitempty"`
	ConfidenceAutoConfirmThreshold float64       `yaml:"confidence_auto_confirm_threshold,omitempty"`
	ConfidenceSurfaceThreshold     float64       `yaml:"confidence_surface_threshold,omitempty"`
	MinChange                      string        `yaml:"min_change,omitempty"`
	NoiseFloor                     string        `yaml:"noise_floor,omitempty"`
	MaxChainsPerWallet             int           `yaml:"max_chains_per_wallet,omitempty"`
	Lookback                       time.Duration `yaml:"lookback"`
}

type configTmp struct {
	Users        string        `yaml:"users"`
	SyncInterval time.Duration `yaml:"sync_interval"`
	DatabasePath string        `yaml:"database_path"`
	LedgerWALDir string        `yaml:"ledger_wal_dir"`
	Provider     string        `yaml:"provider"`
	EthereumRPC  string        `yaml:"ethereum_rpc"`
	HTTPAddr     string        `yaml:"http_addr"`
	Detection    detectionTmp  `yaml:"detection"`
}

// DefaultDetection returns the uncalibrated starting defaults.
func DefaultDetection() Detection {
	return Detection{
		MaxSnapshotGap:                 2 * time.Hour,
		SwapChainWindow:                30 * time.Minute,
		SwapChainLifetime:              2 * time.Hour,
		SwapAmountTolerance:            decimal.NewFromFloat(0.01),
		TransferWindow:                 30 * time.Minute,
		TransferAmountTolerance:        decimal.NewFromFloat(0.02),
		ConfidenceAutoConfirmThreshold: 0.95,
		ConfidenceSurfaceThreshold:     0.70,
		MinChange:                      decimal.NewFromFloat(0.01),
		NoiseFloor:                     decimal.NewFromFloat(0.001),
		MaxChainsPerWallet:             8,
		Lookback:                       24 * time.Hour,
	}
}

// Get loads configuration from the yaml file named by --config, falling
// back to CLI flags with defaults.
func Get() (Config, error) {
	configPath := flag.String("config", "", "path to yaml config")
	users := flag.String("users", "", "comma-separated user ids to run detection for")
	dbPath := flag.String("db", "walletscope.db", "path to sqlite database")
	walDir := flag.String("ledgerwal", "wal/ledger", "directory for the ledger intent journal")
	provider := flag.String("provider", "", "snapshot provider: binance, ethereum or empty")
	ethRPC := flag.String("ethrpc", "", "ethereum json-rpc endpoint")
	httpAddr := flag.String("http", "", "review api listen address, empty disables the server")
	interval := flag.Duration("syncinterval", time.Hour, "interval between detection cycles")
	flag.Parse()

	if *configPath != "" {
		return getYaml(*configPath)
	}

	cfg := Config{
		SyncInterval: *interval,
		DatabasePath: *dbPath,
		LedgerWALDir: *walDir,
		Provider:     *provider,
		EthereumRPC:  *ethRPC,
		HTTPAddr:     *httpAddr,
		Detection:    DefaultDetection(),
	}
	if *users != "" {
		cfg.Users = strings.Split(*users, ",")
	}
	return validate(cfg)
}

func getYaml(path string) (Config, error) {
	f, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}

	var tmp configTmp
	if err := yaml.Unmarshal(f, &tmp); err != nil {
		return Config{}, fmt.Errorf("incorrect yaml config: %w", err)
	}

	cfg := Config{
		SyncInterval: tmp.SyncInterval,
		DatabasePath: tmp.DatabasePath,
		LedgerWALDir: tmp.LedgerWALDir,
		Provider:     tmp.Provider,
		EthereumRPC:  tmp.EthereumRPC,
		HTTPAddr:     tmp.HTTPAddr,
		Detection:    DefaultDetection(),
	}
	if tmp.Users != "" {
		cfg.Users = strings.Split(tmp.Users, ",")
	}
	if cfg.SyncInterval == 0 {
		cfg.SyncInterval = time.Hour
	}
	if cfg.DatabasePath == "" {
		cfg.DatabasePath = "walletscope.db"
	}
	if cfg.LedgerWALDir == "" {
		cfg.LedgerWALDir = "wal/ledger"
	}

	if err := mergeDetection(&cfg.Detection, tmp.Detection); err != nil {
		return Config{}, err
	}
	return validate(cfg)
}

func mergeDetection(det *Detection, tmp detectionTmp) error {
	if tmp.MaxSnapshotGap > 0 {
		det.MaxSnapshotGap = tmp.MaxSnapshotGap
	}
	if tmp.SwapChainWindow > 0 {
		det.SwapChainWindow = tmp.SwapChainWindow
	}
	if tmp.SwapChainLifetime > 0 {
		det.SwapChainLifetime = tmp.SwapChainLifetime
	}
	if tmp.TransferWindow > 0 {
		det.TransferWindow = tmp.TransferWindow
	}
	if tmp.Lookback > 0 {
		det.Lookback = tmp.Lookback
	}
	if tmp.MaxChainsPerWallet > 0 {
		det.MaxChainsPerWallet = tmp.MaxChainsPerWallet
	}
	if tmp.ConfidenceAutoConfirmThreshold > 0 {
		det.ConfidenceAutoConfirmThreshold = tmp.ConfidenceAutoConfirmThreshold
	}
	if tmp.ConfidenceSurfaceThreshold > 0 {
		det.ConfidenceSurfaceThreshold = tmp.ConfidenceSurfaceThreshold
	}

	var err error
	if tmp.SwapAmountTolerance != "" {
		det.SwapAmountTolerance, err = decimal.NewFromString(tmp.SwapAmountTolerance)
		if err != nil {
			return fmt.Errorf("incorrect 'swap_amount_tolerance' param in yaml config (must be a decimal), error: %w", err)
		}
	}
	if tmp.TransferAmountTolerance != "" {
		det.TransferAmountTolerance, err = decimal.NewFromString(tmp.TransferAmountTolerance)
		if err != nil {
			return fmt.Errorf("incorrect 'transfer_amount_tolerance' param in yaml config (must be a decimal), error: %w", err)
		}
	}
	if tmp.MinChange != "" {
		det.MinChange, err = decimal.NewFromString(tmp.MinChange)
		if err != nil {
			return fmt.Errorf("incorrect 'min_change' param in yaml config (must be a decimal), error: %w", err)
		}
	}
	if tmp.NoiseFloor != "" {
		det.NoiseFloor, err = decimal.NewFromString(tmp.NoiseFloor)
		if err != nil {
			return fmt.Errorf("incorrect 'noise_floor' param in yaml config (must be a decimal), error: %w", err)
		}
	}
	return nil
}

func validate(cfg Config) (Config, error) {
	det := cfg.Detection
	one := decimal.NewFromInt(1)
	if det.SwapAmountTolerance.IsNegative() || det.SwapAmountTolerance.GreaterThan(one) {
		return Config{}, fmt.Errorf("invalid swap_amount_tolerance %s, must be in [0,1]", det.SwapAmountTolerance.String())
	}
	if det.TransferAmountTolerance.IsNegative() || det.TransferAmountTolerance.GreaterThan(one) {
		return Config{}, fmt.Errorf("invalid transfer_amount_tolerance %s, must be in [0,1]", det.TransferAmountTolerance.String())
	}
	if det.ConfidenceSurfaceThreshold > det.ConfidenceAutoConfirmThreshold {
		return Config{}, fmt.Errorf("confidence_surface_threshold %.2f exceeds confidence_auto_confirm_threshold %.2f",
			det.ConfidenceSurfaceThreshold, det.ConfidenceAutoConfirmThreshold)
	}
	switch cfg.Provider {
	case "", "binance", "ethereum":
	default:
		return Config{}, fmt.Errorf("unsupported provider %q", cfg.Provider)
	}
	if cfg.Provider == "ethereum" && cfg.EthereumRPC == "" {
		return Config{}, fmt.Errorf("ethereum provider requires ethereum_rpc")
	}
	return cfg, nil
}
