package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// LastProcessed returns the timestamp up to which detection has consumed the
// snapshot stream of one (wallet, currency). The zero time means the stream
// has never been processed.
func (s *Store) LastProcessed(ctx context.Context, walletID, currency string) (time.Time, error) {
	var ts time.Time
	err := s.db.QueryRowContext(ctx,
		`SELECT processed_through FROM detection_cursors WHERE wallet_id = ? AND currency = ?`,
		walletID, currency).Scan(&ts)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to query detection cursor: %w", err)
	}
	return ts, nil
}

// MarkProcessed advances the detection cursor of one (wallet, currency).
// The cursor survives restarts, so a cycle never re-detects history an
// earlier cycle already turned into detections.
func (s *Store) MarkProcessed(ctx context.Context, walletID, currency string, ts time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO detection_cursors (wallet_id, currency, processed_through)
		 VALUES (?, ?, ?)
		 ON CONFLICT(wallet_id, currency) DO UPDATE SET processed_through = excluded.processed_through`,
		walletID, currency, ts.UTC())
	if err != nil {
		return fmt.Errorf("failed to advance detection cursor: %w", err)
	}
	return nil
}
