package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"walletscope/internal/domain"
)

// Save persists a detection in its current (normally pending) state.
func (s *Store) Save(ctx context.Context, det *domain.DetectedTransaction) error {
	outgoing := 0
	if det.Outgoing {
		outgoing = 1
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO detections
		 (id, user_id, wallet_id, from_snapshot_id, to_snapshot_id, amount, currency,
		  type, confidence, detection_method, status, linked_detection_id, linked_transaction_id, outgoing, detected_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		det.ID, det.UserID, det.WalletID, det.FromSnapshotID, det.ToSnapshotID,
		det.Amount.String(), det.Currency, string(det.Type), det.Confidence,
		string(det.Method), string(det.Status), det.LinkedDetectionID,
		det.LinkedTransactionID, outgoing, det.DetectedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to save detection %s: %w", det.ID, err)
	}

	zap.L().Debug("saved detection",
		zap.String("detection_id", det.ID),
		zap.String("wallet_id", det.WalletID),
		zap.String("type", string(det.Type)),
		zap.String("method", string(det.Method)),
		zap.Float64("confidence", det.Confidence))
	return nil
}

// Get loads one detection by id.
func (s *Store) Get(ctx context.Context, id string) (*domain.DetectedTransaction, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, user_id, wallet_id, from_snapshot_id, to_snapshot_id, amount, currency,
		        type, confidence, detection_method, status, linked_detection_id, linked_transaction_id, outgoing, detected_at
		 FROM detections WHERE id = ?`, id)
	return scanDetection(row)
}

// ListPending returns a user's detections awaiting confirmation.
func (s *Store) ListPending(ctx context.Context, userID string) ([]*domain.DetectedTransaction, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, wallet_id, from_snapshot_id, to_snapshot_id, amount, currency,
		        type, confidence, detection_method, status, linked_detection_id, linked_transaction_id, outgoing, detected_at
		 FROM detections WHERE user_id = ? AND status = ? ORDER BY detected_at`,
		userID, string(domain.StatusPending))
	if err != nil {
		return nil, fmt.Errorf("failed to query pending detections: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*domain.DetectedTransaction
	for rows.Next() {
		det, err := scanDetection(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, det)
	}
	return out, rows.Err()
}

// UpdateStatus moves a detection to a new lifecycle state. Terminal states
// are immutable: the update only matches non-terminal rows, so confirming a
// rejected detection (or vice versa) fails instead of overwriting.
func (s *Store) UpdateStatus(ctx context.Context, id string, status domain.DetectionStatus, linkedTransactionID string) error {
	if !domain.StatusPending.CanTransitionTo(status) {
		return fmt.Errorf("invalid target status %q for detection %s", status, id)
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE detections SET status = ?, linked_transaction_id = ?
		 WHERE id = ? AND status = ?`,
		string(status), linkedTransactionID, id, string(domain.StatusPending))
	if err != nil {
		return fmt.Errorf("failed to update detection %s: %w", id, err)
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return fmt.Errorf("detection %s is not pending, status is immutable", id)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDetection(row rowScanner) (*domain.DetectedTransaction, error) {
	var det domain.DetectedTransaction
	var amountStr, txType, method, status string
	var outgoing int

	err := row.Scan(&det.ID, &det.UserID, &det.WalletID, &det.FromSnapshotID, &det.ToSnapshotID,
		&amountStr, &det.Currency, &txType, &det.Confidence, &method, &status,
		&det.LinkedDetectionID, &det.LinkedTransactionID, &outgoing, &det.DetectedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("detection not found")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan detection: %w", err)
	}

	det.Amount, err = decimal.NewFromString(amountStr)
	if err != nil {
		return nil, fmt.Errorf("failed to parse amount %q: %w", amountStr, err)
	}
	det.Type = domain.TransactionType(txType)
	det.Method = domain.DetectionMethod(method)
	det.Status = domain.DetectionStatus(status)
	det.Outgoing = outgoing == 1
	return &det, nil
}
