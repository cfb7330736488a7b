package domain

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Snapshot sources.
const (
	SourceBinance  = "binance"
	SourceEthereum = "ethereum"
	SourceManual   = "manual"
)

// Wallet is one tracked wallet owned by a user.
type Wallet struct {
	ID         string
	UserID     string
	Address    string
	Currencies []string
}

// BalanceSnapshot is a point-in-time observed balance for one wallet and currency.
// Snapshots are immutable once stored; detection works purely off their history.
type BalanceSnapshot struct {
	ID        string          `json:"id"`
	WalletID  string          `json:"wallet_id"`
	Currency  string          `json:"currency"`
	Balance   decimal.Decimal `json:"balance"`
	Timestamp time.Time       `json:"timestamp"`
	Source    string          `json:"source"`
	Sequence  uint64          `json:"sequence"`
}

// NewBalanceSnapshot creates a validated BalanceSnapshot.
func NewBalanceSnapshot(id, walletID, currency string, balance decimal.Decimal, ts time.Time, source string, sequence uint64) (BalanceSnapshot, error) {
	if walletID == "" {
		return BalanceSnapshot{}, fmt.Errorf("wallet id is required")
	}
	if currency == "" {
		return BalanceSnapshot{}, fmt.Errorf("currency is required")
	}
	if balance.IsNegative() {
		return BalanceSnapshot{}, fmt.Errorf("balance cannot be negative, got %s", balance.String())
	}
	if ts.IsZero() {
		return BalanceSnapshot{}, fmt.Errorf("timestamp is required")
	}

	return BalanceSnapshot{
		ID:        id,
		WalletID:  walletID,
		Currency:  currency,
		Balance:   balance,
		Timestamp: ts,
		Source:    source,
		Sequence:  sequence,
	}, nil
}
