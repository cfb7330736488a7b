package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// BalanceDelta is the signed change between two consecutive snapshots of the
// same (wallet, currency). Derived, never persisted.
type BalanceDelta struct {
	WalletID   string
	Currency   string
	From       BalanceSnapshot
	To         BalanceSnapshot
	Amount     decimal.Decimal
	Elapsed    time.Duration
	Incomplete bool
}

// NewBalanceDelta builds a delta from an ordered snapshot pair.
// Incomplete marks deltas whose observation gap exceeded the configured
// maximum, meaning intermediate events may have been missed.
func NewBalanceDelta(from, to BalanceSnapshot, incomplete bool) BalanceDelta {
	return BalanceDelta{
		WalletID:   to.WalletID,
		Currency:   to.Currency,
		From:       from,
		To:         to,
		Amount:     to.Balance.Sub(from.Balance),
		Elapsed:    to.Timestamp.Sub(from.Timestamp),
		Incomplete: incomplete,
	}
}

// Key uniquely identifies a delta within one detection cycle by its
// terminal snapshot.
func (d BalanceDelta) Key() string {
	return d.WalletID + "/" + d.Currency + "/" + d.To.Timestamp.UTC().Format(time.RFC3339Nano)
}

// IsExpense reports whether the balance decreased.
func (d BalanceDelta) IsExpense() bool {
	return d.Amount.IsNegative()
}

// IsIncome reports whether the balance increased.
func (d BalanceDelta) IsIncome() bool {
	return d.Amount.IsPositive()
}

// AbsAmount returns the unsigned delta amount.
func (d BalanceDelta) AbsAmount() decimal.Decimal {
	return d.Amount.Abs()
}
