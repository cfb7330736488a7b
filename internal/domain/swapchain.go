package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// ChainState is the tagged state of a swap-chain candidate.
type ChainState string

const (
	// ChainAwaitingSwap: a debit on AssetFrom was seen, waiting for a
	// matching credit on another asset in the same wallet.
	ChainAwaitingSwap ChainState = "awaiting_swap"
	// ChainAwaitingSettlement: the converted amount landed on AssetTo,
	// waiting for it to be spent or converted out.
	ChainAwaitingSettlement ChainState = "awaiting_settlement"
)

// SwapChainCandidate tracks one in-flight same-wallet asset-conversion chain.
// Candidates live only in memory: a restart drops in-flight chains, and their
// withheld deltas sit behind the detection cursor, so at most the chains open
// at shutdown are lost.
type SwapChainCandidate struct {
	ChainID       string
	WalletID      string
	State         ChainState
	AssetFrom     string
	AssetTo       string
	SwapAmount    decimal.Decimal // magnitude of the triggering debit on AssetFrom
	SettledAmount decimal.Decimal // magnitude credited on AssetTo
	TriggerDelta  BalanceDelta
	SettleDelta   BalanceDelta
	StartedAt     time.Time
	LastUpdatedAt time.Time
	Incomplete    bool // any contributing delta had an incomplete sample window
}

// Expired reports whether the candidate outlived the chain lifetime.
func (c *SwapChainCandidate) Expired(now time.Time, lifetime time.Duration) bool {
	return now.Sub(c.StartedAt) > lifetime
}
