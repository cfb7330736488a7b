package sqlite

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"walletscope/internal/domain"
)

// SaveSnapshot persists a snapshot. Snapshots are unique per
// (wallet, currency, timestamp); saving a duplicate returns the stored row
// unchanged, since snapshots are immutable once stored.
func (s *Store) SaveSnapshot(ctx context.Context, snap domain.BalanceSnapshot) (domain.BalanceSnapshot, error) {
	if snap.ID == "" {
		snap.ID = uuid.NewString()
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO balance_snapshots (id, wallet_id, currency, balance, timestamp, source, sequence)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		snap.ID, snap.WalletID, snap.Currency, snap.Balance.String(),
		snap.Timestamp.UTC(), snap.Source, snap.Sequence)
	if err != nil {
		return domain.BalanceSnapshot{}, fmt.Errorf("failed to save snapshot: %w", err)
	}

	if affected, _ := res.RowsAffected(); affected == 0 {
		// duplicate (wallet, currency, timestamp): return the existing row
		var id string
		err := s.db.QueryRowContext(ctx,
			`SELECT id FROM balance_snapshots WHERE wallet_id = ? AND currency = ? AND timestamp = ?`,
			snap.WalletID, snap.Currency, snap.Timestamp.UTC()).Scan(&id)
		if err != nil {
			return domain.BalanceSnapshot{}, fmt.Errorf("failed to resolve duplicate snapshot: %w", err)
		}
		snap.ID = id
	}
	return snap, nil
}

// Currencies lists the currencies observed for a wallet.
func (s *Store) Currencies(ctx context.Context, walletID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT DISTINCT currency FROM balance_snapshots WHERE wallet_id = ? ORDER BY currency`, walletID)
	if err != nil {
		return nil, fmt.Errorf("failed to query currencies: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var currencies []string
	for rows.Next() {
		var c string
		if err := rows.Scan(&c); err != nil {
			return nil, fmt.Errorf("failed to scan currency: %w", err)
		}
		currencies = append(currencies, c)
	}
	return currencies, rows.Err()
}

// History returns the snapshot history of one (wallet, currency) since the
// given time, in arrival order rather than timestamp order: a late snapshot
// with an earlier timestamp stays where it arrived, so the delta computer
// can flag and exclude it instead of silently reordering history.
func (s *Store) History(ctx context.Context, walletID, currency string, since time.Time) ([]domain.BalanceSnapshot, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, wallet_id, currency, balance, timestamp, source, sequence
		 FROM balance_snapshots
		 WHERE wallet_id = ? AND currency = ? AND timestamp >= ?
		 ORDER BY rowid`,
		walletID, currency, since.UTC())
	if err != nil {
		return nil, fmt.Errorf("failed to query snapshot history: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var snaps []domain.BalanceSnapshot
	for rows.Next() {
		var snap domain.BalanceSnapshot
		var balanceStr string
		if err := rows.Scan(&snap.ID, &snap.WalletID, &snap.Currency, &balanceStr,
			&snap.Timestamp, &snap.Source, &snap.Sequence); err != nil {
			return nil, fmt.Errorf("failed to scan snapshot: %w", err)
		}
		snap.Balance, err = decimal.NewFromString(balanceStr)
		if err != nil {
			return nil, fmt.Errorf("failed to parse balance %q: %w", balanceStr, err)
		}
		snaps = append(snaps, snap)
	}
	return snaps, rows.Err()
}
