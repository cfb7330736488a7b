// Package sqlite persists wallets, snapshots, detections and ledger effects.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"
)

// Config holds database connection settings.
type Config struct {
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	PingTimeout     time.Duration
}

// Store is the sqlite-backed persistence layer. It implements the engine's
// SnapshotStore, DetectionStore and WalletRegistry contracts and the ledger
// applier's wallet repository.
type Store struct {
	db *sql.DB
}

// NewStore opens the database, applies the schema and returns a Store.
func NewStore(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path cannot be empty")
	}
	if cfg.MaxOpenConns <= 0 {
		cfg.MaxOpenConns = 4
	}
	if cfg.PingTimeout <= 0 {
		cfg.PingTimeout = 5 * time.Second
	}

	zap.L().Info("opening sqlite database", zap.String("file", cfg.Path))
	db, err := sql.Open("sqlite3", cfg.Path+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("unable to open database: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	pingCtx, cancel := context.WithTimeout(ctx, cfg.PingTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("unable to initialize schema: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() {
	if err := s.db.Close(); err != nil {
		zap.L().Warn("failed to close database connection", zap.Error(err))
	}
}

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS wallets (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		address TEXT NOT NULL DEFAULT '',
		currencies TEXT NOT NULL DEFAULT '',
		initial_balance TEXT NOT NULL DEFAULT '0',
		current_balance TEXT NOT NULL DEFAULT '0',
		version INTEGER NOT NULL DEFAULT 0,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_wallets_user ON wallets(user_id);

	CREATE TABLE IF NOT EXISTS balance_snapshots (
		id TEXT PRIMARY KEY,
		wallet_id TEXT NOT NULL REFERENCES wallets(id),
		currency TEXT NOT NULL,
		balance TEXT NOT NULL,
		timestamp TIMESTAMP NOT NULL,
		source TEXT NOT NULL DEFAULT 'manual',
		sequence INTEGER NOT NULL DEFAULT 0,
		UNIQUE(wallet_id, currency, timestamp)
	);
	CREATE INDEX IF NOT EXISTS idx_snapshots_lookup ON balance_snapshots(wallet_id, currency, timestamp);

	CREATE TABLE IF NOT EXISTS detections (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		wallet_id TEXT NOT NULL,
		from_snapshot_id TEXT NOT NULL DEFAULT '',
		to_snapshot_id TEXT NOT NULL DEFAULT '',
		amount TEXT NOT NULL,
		currency TEXT NOT NULL,
		type TEXT NOT NULL,
		confidence REAL NOT NULL DEFAULT 0,
		detection_method TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'pending',
		linked_detection_id TEXT NOT NULL DEFAULT '',
		linked_transaction_id TEXT NOT NULL DEFAULT '',
		outgoing INTEGER NOT NULL DEFAULT 0,
		detected_at TIMESTAMP NOT NULL,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_detections_user_status ON detections(user_id, status);

	CREATE TABLE IF NOT EXISTS ledger_effects (
		id TEXT PRIMARY KEY,
		wallet_id TEXT NOT NULL REFERENCES wallets(id),
		detection_id TEXT NOT NULL,
		amount TEXT NOT NULL,
		reversed INTEGER NOT NULL DEFAULT 0,
		applied_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_effects_active
		ON ledger_effects(detection_id, wallet_id) WHERE reversed = 0;

	CREATE TABLE IF NOT EXISTS detection_cursors (
		wallet_id TEXT NOT NULL,
		currency TEXT NOT NULL,
		processed_through TIMESTAMP NOT NULL,
		PRIMARY KEY (wallet_id, currency)
	);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}
