package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"walletscope/internal/domain"
	"walletscope/internal/services/ledger"
)

// CreateWallet registers a wallet with an initial balance.
func (s *Store) CreateWallet(ctx context.Context, wallet domain.Wallet, initialBalance decimal.Decimal) (domain.Wallet, error) {
	if wallet.ID == "" {
		wallet.ID = uuid.NewString()
	}
	if wallet.UserID == "" {
		return domain.Wallet{}, fmt.Errorf("user id is required")
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO wallets (id, user_id, address, currencies, initial_balance, current_balance) VALUES (?, ?, ?, ?, ?, ?)`,
		wallet.ID, wallet.UserID, wallet.Address, strings.Join(wallet.Currencies, ","),
		initialBalance.String(), initialBalance.String())
	if err != nil {
		return domain.Wallet{}, fmt.Errorf("failed to create wallet: %w", err)
	}
	return wallet, nil
}

// WalletsByUser returns every wallet owned by a user.
func (s *Store) WalletsByUser(ctx context.Context, userID string) ([]domain.Wallet, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, address, currencies FROM wallets WHERE user_id = ? ORDER BY created_at`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query wallets: %w", err)
	}
	defer func() {
		if err := rows.Close(); err != nil {
			zap.L().Warn("failed to close rows", zap.Error(err))
		}
	}()

	var wallets []domain.Wallet
	for rows.Next() {
		var w domain.Wallet
		var currencies string
		if err := rows.Scan(&w.ID, &w.UserID, &w.Address, &currencies); err != nil {
			return nil, fmt.Errorf("failed to scan wallet: %w", err)
		}
		if currencies != "" {
			w.Currencies = strings.Split(currencies, ",")
		}
		wallets = append(wallets, w)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating wallet rows: %w", err)
	}
	return wallets, nil
}

// Balance returns the wallet's stored running balance.
func (s *Store) Balance(ctx context.Context, walletID string) (decimal.Decimal, error) {
	var balanceStr string
	err := s.db.QueryRowContext(ctx,
		`SELECT current_balance FROM wallets WHERE id = ?`, walletID).Scan(&balanceStr)
	if err == sql.ErrNoRows {
		return decimal.Zero, fmt.Errorf("wallet %s not found", walletID)
	}
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to get balance: %w", err)
	}
	return decimal.NewFromString(balanceStr)
}

// ApplyEffect atomically adds a signed effect to the wallet's running
// balance and records it, exactly once per detection. An optimistic version
// check turns concurrent mutation into ledger.ErrApplyConflict.
func (s *Store) ApplyEffect(ctx context.Context, walletID string, amount decimal.Decimal, detectionID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin apply tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	balance, version, err := s.balanceForUpdate(ctx, tx, walletID)
	if err != nil {
		return err
	}

	newBalance := balance.Add(amount)
	res, err := tx.ExecContext(ctx,
		`UPDATE wallets SET current_balance = ?, version = version + 1 WHERE id = ? AND version = ?`,
		newBalance.String(), walletID, version)
	if err != nil {
		return fmt.Errorf("failed to update balance: %w", err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return errors.Wrapf(ledger.ErrApplyConflict, "wallet %s version moved past %d", walletID, version)
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO ledger_effects (id, wallet_id, detection_id, amount) VALUES (?, ?, ?, ?)`,
		uuid.NewString(), walletID, detectionID, amount.String()); err != nil {
		return fmt.Errorf("failed to record effect for detection %s: %w", detectionID, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit apply: %w", err)
	}

	zap.L().Debug("applied ledger effect",
		zap.String("wallet_id", walletID),
		zap.String("detection_id", detectionID),
		zap.String("amount", amount.String()),
		zap.String("balance", newBalance.String()))
	return nil
}

// ReverseEffect atomically undoes a previously applied effect, exactly once.
func (s *Store) ReverseEffect(ctx context.Context, walletID string, amount decimal.Decimal, detectionID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin reverse tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx,
		`UPDATE ledger_effects SET reversed = 1 WHERE wallet_id = ? AND detection_id = ? AND reversed = 0`,
		walletID, detectionID)
	if err != nil {
		return fmt.Errorf("failed to mark effect reversed: %w", err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return fmt.Errorf("no applied effect for detection %s on wallet %s", detectionID, walletID)
	}

	balance, version, err := s.balanceForUpdate(ctx, tx, walletID)
	if err != nil {
		return err
	}

	newBalance := balance.Sub(amount)
	res, err = tx.ExecContext(ctx,
		`UPDATE wallets SET current_balance = ?, version = version + 1 WHERE id = ? AND version = ?`,
		newBalance.String(), walletID, version)
	if err != nil {
		return fmt.Errorf("failed to update balance: %w", err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return errors.Wrapf(ledger.ErrApplyConflict, "wallet %s version moved past %d", walletID, version)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit reverse: %w", err)
	}

	zap.L().Debug("reversed ledger effect",
		zap.String("wallet_id", walletID),
		zap.String("detection_id", detectionID),
		zap.String("amount", amount.String()),
		zap.String("balance", newBalance.String()))
	return nil
}

// Reconcile verifies current_balance == initial_balance + sum of applied,
// non-reversed effects, decimal-exact.
func (s *Store) Reconcile(ctx context.Context, walletID string) error {
	var initialStr, currentStr string
	err := s.db.QueryRowContext(ctx,
		`SELECT initial_balance, current_balance FROM wallets WHERE id = ?`, walletID).
		Scan(&initialStr, &currentStr)
	if err != nil {
		return fmt.Errorf("failed to load wallet %s: %w", walletID, err)
	}

	initial, err := decimal.NewFromString(initialStr)
	if err != nil {
		return fmt.Errorf("failed to parse initial balance %q: %w", initialStr, err)
	}
	current, err := decimal.NewFromString(currentStr)
	if err != nil {
		return fmt.Errorf("failed to parse current balance %q: %w", currentStr, err)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT amount FROM ledger_effects WHERE wallet_id = ? AND reversed = 0`, walletID)
	if err != nil {
		return fmt.Errorf("failed to query effects: %w", err)
	}
	defer func() { _ = rows.Close() }()

	calculated := initial
	for rows.Next() {
		var amountStr string
		if err := rows.Scan(&amountStr); err != nil {
			return fmt.Errorf("failed to scan effect: %w", err)
		}
		amount, err := decimal.NewFromString(amountStr)
		if err != nil {
			return fmt.Errorf("failed to parse effect amount %q: %w", amountStr, err)
		}
		calculated = calculated.Add(amount)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("error iterating effect rows: %w", err)
	}

	if !current.Equal(calculated) {
		zap.L().Error("balance reconciliation failed",
			zap.String("wallet_id", walletID),
			zap.String("current_balance", current.String()),
			zap.String("calculated_balance", calculated.String()),
			zap.String("difference", current.Sub(calculated).String()))
		return fmt.Errorf("balance mismatch for wallet %s: current=%s, calculated=%s",
			walletID, current.String(), calculated.String())
	}
	return nil
}

// balanceForUpdate reads balance and version inside a transaction.
func (s *Store) balanceForUpdate(ctx context.Context, tx *sql.Tx, walletID string) (decimal.Decimal, int64, error) {
	var balanceStr string
	var version int64
	err := tx.QueryRowContext(ctx,
		`SELECT current_balance, version FROM wallets WHERE id = ?`, walletID).
		Scan(&balanceStr, &version)
	if err == sql.ErrNoRows {
		return decimal.Zero, 0, fmt.Errorf("wallet %s not found", walletID)
	}
	if err != nil {
		return decimal.Zero, 0, fmt.Errorf("failed to read wallet %s: %w", walletID, err)
	}

	balance, err := decimal.NewFromString(balanceStr)
	if err != nil {
		return decimal.Zero, 0, fmt.Errorf("failed to parse balance %q: %w", balanceStr, err)
	}
	return balance, version, nil
}
