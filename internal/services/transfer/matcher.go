// Package transfer separates movements between a user's own wallets from
// externally-caused balance changes.
package transfer

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"walletscope/internal/domain"
)

// Config holds the matcher tunables.
type Config struct {
	// Window is the max time for the credit to land after the debit.
	Window time.Duration
	// Tolerance is the relative amount tolerance absorbing network fees
	// (0.02 = 2%).
	Tolerance decimal.Decimal
}

// MatchedPair links a debit on one wallet with a credit on another wallet of
// the same user.
type MatchedPair struct {
	Debit  domain.BalanceDelta
	Credit domain.BalanceDelta
	// AmountError is the relative mismatch between the two legs.
	AmountError decimal.Decimal
	// Lag is how long after the debit the credit was observed.
	Lag time.Duration
}

// Matcher performs batched matching over all of a user's wallet deltas for
// one sync cycle. It keeps no state between cycles.
type Matcher struct {
	cfg Config
	l   *zap.Logger
}

// NewMatcher returns a Matcher.
func NewMatcher(cfg Config, l *zap.Logger) *Matcher {
	return &Matcher{cfg: cfg, l: l}
}

// Match pairs debits with credits across the whole batch and returns the
// pairs plus every delta no pair claimed. Each delta is claimed by at most
// one pair. Among several candidate credits the closest amount wins, then
// the earliest timestamp; runners-up inside the tolerance band are logged as
// ambiguous, never silently dropped.
func (m *Matcher) Match(deltas []domain.BalanceDelta) ([]MatchedPair, []domain.BalanceDelta) {
	var debits, credits []domain.BalanceDelta
	for _, d := range deltas {
		switch {
		case d.IsExpense():
			debits = append(debits, d)
		case d.IsIncome():
			credits = append(credits, d)
		}
	}

	// deterministic processing order: earliest debit first
	sort.SliceStable(debits, func(i, j int) bool {
		return debits[i].To.Timestamp.Before(debits[j].To.Timestamp)
	})

	claimed := make(map[string]bool, len(deltas))
	var pairs []MatchedPair

	for _, debit := range debits {
		candidates := m.candidatesFor(debit, credits, claimed)
		if len(candidates) == 0 {
			continue
		}

		best := candidates[0]
		if len(candidates) > 1 {
			losers := make([]string, 0, len(candidates)-1)
			for _, c := range candidates[1:] {
				losers = append(losers, c.Credit.Key())
			}
			m.l.Warn("ambiguous transfer match resolved by tie-break",
				zap.String("debit", debit.Key()),
				zap.String("chosen_credit", best.Credit.Key()),
				zap.Strings("runner_ups", losers))
		}

		claimed[debit.Key()] = true
		claimed[best.Credit.Key()] = true
		pairs = append(pairs, best)

		m.l.Info("transfer matched",
			zap.String("from_wallet", debit.WalletID),
			zap.String("to_wallet", best.Credit.WalletID),
			zap.String("currency", debit.Currency),
			zap.String("amount", debit.AbsAmount().String()),
			zap.String("amount_error", best.AmountError.String()),
			zap.Duration("lag", best.Lag))
	}

	unclaimed := make([]domain.BalanceDelta, 0, len(deltas))
	for _, d := range deltas {
		if !claimed[d.Key()] {
			unclaimed = append(unclaimed, d)
		}
	}
	return pairs, unclaimed
}

// candidatesFor returns every unclaimed credit matching the debit, sorted by
// the tie-break order: closest amount first, then earliest timestamp.
func (m *Matcher) candidatesFor(debit domain.BalanceDelta, credits []domain.BalanceDelta, claimed map[string]bool) []MatchedPair {
	var out []MatchedPair
	for _, credit := range credits {
		if claimed[credit.Key()] {
			continue
		}
		if credit.WalletID == debit.WalletID || credit.Currency != debit.Currency {
			continue
		}
		lag := credit.To.Timestamp.Sub(debit.To.Timestamp)
		if lag < 0 || lag > m.cfg.Window {
			continue
		}
		relErr := relativeError(debit.AbsAmount(), credit.AbsAmount())
		if relErr.GreaterThan(m.cfg.Tolerance) {
			continue
		}
		out = append(out, MatchedPair{
			Debit:       debit,
			Credit:      credit,
			AmountError: relErr,
			Lag:         lag,
		})
	}

	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].AmountError.Equal(out[j].AmountError) {
			return out[i].AmountError.LessThan(out[j].AmountError)
		}
		return out[i].Credit.To.Timestamp.Before(out[j].Credit.To.Timestamp)
	})
	return out
}

func relativeError(expected, actual decimal.Decimal) decimal.Decimal {
	if expected.IsZero() {
		return decimal.NewFromInt(1)
	}
	return expected.Sub(actual).Abs().Div(expected)
}
