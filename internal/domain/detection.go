package domain

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// TransactionType classifies what kind of financial event a detection represents.
type TransactionType string

const (
	TypeIncome   TransactionType = "income"
	TypeExpense  TransactionType = "expense"
	TypeTransfer TransactionType = "transfer"
	TypeUnknown  TransactionType = "unknown"
)

// DetectionMethod records which part of the pipeline produced a detection.
type DetectionMethod string

const (
	MethodBalanceDelta  DetectionMethod = "balance_delta"
	MethodPatternMatch  DetectionMethod = "pattern_match"
	MethodTransferMatch DetectionMethod = "transfer_match"
)

// DetectionStatus is the lifecycle state of a detection.
type DetectionStatus string

const (
	StatusPending   DetectionStatus = "pending"
	StatusConfirmed DetectionStatus = "confirmed"
	StatusRejected  DetectionStatus = "rejected"
	StatusMerged    DetectionStatus = "merged"
)

// IsTerminal reports whether a status admits no further transitions.
func (s DetectionStatus) IsTerminal() bool {
	return s == StatusConfirmed || s == StatusRejected || s == StatusMerged
}

// CanTransitionTo validates a status transition. Detections are created
// pending and move to exactly one terminal state.
func (s DetectionStatus) CanTransitionTo(next DetectionStatus) bool {
	if s.IsTerminal() {
		return false
	}
	switch next {
	case StatusConfirmed, StatusRejected, StatusMerged:
		return true
	default:
		return false
	}
}

// DetectedTransaction is a financial event inferred from balance observations.
type DetectedTransaction struct {
	ID                  string          `json:"id"`
	UserID              string          `json:"user_id"`
	WalletID            string          `json:"wallet_id"`
	FromSnapshotID      string          `json:"from_snapshot_id"`
	ToSnapshotID        string          `json:"to_snapshot_id"`
	Amount              decimal.Decimal `json:"amount"`
	Currency            string          `json:"currency"`
	Type                TransactionType `json:"type"`
	Confidence          float64         `json:"confidence"`
	Method              DetectionMethod `json:"detection_method"`
	Status              DetectionStatus `json:"status"`
	LinkedDetectionID   string          `json:"linked_detection_id,omitempty"`
	LinkedTransactionID string          `json:"linked_transaction_id,omitempty"`
	// Outgoing marks the debit leg of a transfer pair.
	Outgoing   bool      `json:"outgoing,omitempty"`
	DetectedAt time.Time `json:"detected_at"`
}

// NewDetectedTransaction creates a pending detection with a fresh id.
func NewDetectedTransaction(userID, walletID string, delta BalanceDelta, amount decimal.Decimal, txType TransactionType, method DetectionMethod) (*DetectedTransaction, error) {
	if userID == "" {
		return nil, fmt.Errorf("user id is required")
	}
	if walletID == "" {
		return nil, fmt.Errorf("wallet id is required")
	}
	if !amount.IsPositive() {
		return nil, fmt.Errorf("amount must be positive, got %s", amount.String())
	}

	return &DetectedTransaction{
		ID:             uuid.NewString(),
		UserID:         userID,
		WalletID:       walletID,
		FromSnapshotID: delta.From.ID,
		ToSnapshotID:   delta.To.ID,
		Amount:         amount,
		Currency:       delta.Currency,
		Type:           txType,
		Method:         method,
		Status:         StatusPending,
		DetectedAt:     delta.To.Timestamp,
	}, nil
}

// SignedEffect is the detection's effect on the wallet's running balance:
// negative for expenses and transfer debits, positive for income and
// transfer credits.
func (t *DetectedTransaction) SignedEffect() decimal.Decimal {
	switch t.Type {
	case TypeIncome:
		return t.Amount
	case TypeExpense, TypeUnknown:
		return t.Amount.Neg()
	case TypeTransfer:
		if t.Outgoing {
			return t.Amount.Neg()
		}
		return t.Amount
	default:
		return decimal.Zero
	}
}
