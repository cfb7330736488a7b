// Package pattern recognizes same-wallet asset-conversion chains that end in
// an apparent off-ramp, e.g. a stablecoin sold into another stablecoin which
// is then spent to fiat.
package pattern

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"walletscope/internal/domain"
)

// Config holds the detector tunables.
type Config struct {
	// Window is the max time between chain hops.
	Window time.Duration
	// Lifetime is the max total age of a candidate before it is discarded.
	Lifetime time.Duration
	// Tolerance is the relative amount tolerance between hops (0.01 = 1%).
	Tolerance decimal.Decimal
	// NoiseFloor is the minimum debit magnitude that can start a chain.
	NoiseFloor decimal.Decimal
	// MaxChainsPerWallet bounds in-memory candidates; oldest are evicted.
	MaxChainsPerWallet int
}

// CompletedChain is an off-ramp chain ready to become a detection.
type CompletedChain struct {
	Candidate  domain.SwapChainCandidate
	FinalDelta domain.BalanceDelta
	// AmountError is the relative mismatch of the final hop.
	AmountError decimal.Decimal
	// Elapsed is the total chain duration, trigger to off-ramp.
	Elapsed time.Duration
}

// Detector is a per-wallet finite-state machine over balance deltas.
// Candidate state is in-memory only and disposable: after a restart,
// in-flight chains are lost, not reconstructed.
type Detector struct {
	cfg Config
	l   *zap.Logger

	mu      sync.Mutex
	chains  map[string][]*domain.SwapChainCandidate // wallet id -> candidates, oldest first
	expired []*domain.SwapChainCandidate            // aged out since the last drain
}

// NewDetector returns a Detector with bounded per-wallet candidate sets.
func NewDetector(cfg Config, l *zap.Logger) *Detector {
	if cfg.MaxChainsPerWallet <= 0 {
		cfg.MaxChainsPerWallet = 8
	}
	return &Detector{
		cfg:    cfg,
		l:      l,
		chains: make(map[string][]*domain.SwapChainCandidate),
	}
}

// Observe feeds one delta through the wallet's state machine. It returns a
// completed chain when the delta closes one, and whether the delta was
// consumed by the machine (started, advanced or completed a chain); consumed
// deltas must not fall through to plain income/expense handling. The caller
// must only feed deltas that TransferMatcher left unclaimed, so a completing
// debit is known to have no matching cross-wallet credit.
func (d *Detector) Observe(delta domain.BalanceDelta) (*CompletedChain, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := delta.To.Timestamp
	d.sweepExpired(delta.WalletID, now)

	if delta.IsExpense() {
		if done := d.tryComplete(delta, now); done != nil {
			return done, true
		}
		return nil, d.tryStart(delta, now)
	}

	if delta.IsIncome() {
		return nil, d.trySettle(delta, now)
	}
	return nil, false
}

// tryStart opens a new candidate for a debit above the noise floor. A wallet
// may host several candidates at once as long as their source assets differ;
// a repeated debit on the same asset restarts that asset's chain.
func (d *Detector) tryStart(delta domain.BalanceDelta, now time.Time) bool {
	if delta.AbsAmount().LessThan(d.cfg.NoiseFloor) {
		return false
	}

	wallet := delta.WalletID
	kept := d.chains[wallet][:0]
	for _, c := range d.chains[wallet] {
		if c.State == domain.ChainAwaitingSwap && c.AssetFrom == delta.Currency {
			d.l.Debug("restarting swap chain for asset",
				zap.String("wallet_id", wallet),
				zap.String("asset", delta.Currency))
			d.expired = append(d.expired, c)
			continue
		}
		kept = append(kept, c)
	}
	d.chains[wallet] = kept

	candidate := &domain.SwapChainCandidate{
		ChainID:       uuid.NewString(),
		WalletID:      wallet,
		State:         domain.ChainAwaitingSwap,
		AssetFrom:     delta.Currency,
		SwapAmount:    delta.AbsAmount(),
		TriggerDelta:  delta,
		StartedAt:     delta.To.Timestamp,
		LastUpdatedAt: now,
		Incomplete:    delta.Incomplete,
	}
	d.chains[wallet] = append(d.chains[wallet], candidate)

	if len(d.chains[wallet]) > d.cfg.MaxChainsPerWallet {
		evicted := d.chains[wallet][0]
		d.chains[wallet] = d.chains[wallet][1:]
		d.expired = append(d.expired, evicted)
		d.l.Info("evicted oldest swap chain candidate",
			zap.String("wallet_id", wallet),
			zap.String("chain_id", evicted.ChainID),
			zap.String("asset_from", evicted.AssetFrom))
	}
	return true
}

// trySettle advances the best-matching AwaitingSwap candidate when a credit
// on a different asset lands within the window and amount tolerance.
func (d *Detector) trySettle(delta domain.BalanceDelta, now time.Time) bool {
	var best *domain.SwapChainCandidate
	bestErr := decimal.Zero

	for _, c := range d.chains[delta.WalletID] {
		if c.State != domain.ChainAwaitingSwap || c.AssetFrom == delta.Currency {
			continue
		}
		if delta.To.Timestamp.Sub(c.TriggerDelta.To.Timestamp) > d.cfg.Window {
			continue
		}
		relErr := relativeError(c.SwapAmount, delta.AbsAmount())
		if relErr.GreaterThan(d.cfg.Tolerance) {
			continue
		}
		if best == nil || relErr.LessThan(bestErr) {
			best, bestErr = c, relErr
		}
	}
	if best == nil {
		return false
	}

	best.State = domain.ChainAwaitingSettlement
	best.AssetTo = delta.Currency
	best.SettledAmount = delta.AbsAmount()
	best.SettleDelta = delta
	best.LastUpdatedAt = now
	best.Incomplete = best.Incomplete || delta.Incomplete

	d.l.Debug("swap chain awaiting settlement",
		zap.String("wallet_id", best.WalletID),
		zap.String("chain_id", best.ChainID),
		zap.String("asset_from", best.AssetFrom),
		zap.String("asset_to", best.AssetTo),
		zap.String("amount", best.SettledAmount.String()))
	return true
}

// tryComplete closes an AwaitingSettlement candidate when the settled asset
// is debited again within tolerance: the converted value left the wallet
// with no internal destination, i.e. an off-ramp spend.
func (d *Detector) tryComplete(delta domain.BalanceDelta, now time.Time) *CompletedChain {
	wallet := delta.WalletID
	for i, c := range d.chains[wallet] {
		if c.State != domain.ChainAwaitingSettlement || c.AssetTo != delta.Currency {
			continue
		}
		if delta.To.Timestamp.Sub(c.SettleDelta.To.Timestamp) > d.cfg.Window {
			continue
		}
		relErr := relativeError(c.SettledAmount, delta.AbsAmount())
		if relErr.GreaterThan(d.cfg.Tolerance) {
			continue
		}

		d.chains[wallet] = append(d.chains[wallet][:i], d.chains[wallet][i+1:]...)

		completed := &CompletedChain{
			Candidate:   *c,
			FinalDelta:  delta,
			AmountError: relErr,
			Elapsed:     delta.To.Timestamp.Sub(c.StartedAt),
		}
		completed.Candidate.Incomplete = c.Incomplete || delta.Incomplete
		completed.Candidate.LastUpdatedAt = now

		d.l.Info("swap chain completed",
			zap.String("wallet_id", wallet),
			zap.String("chain_id", c.ChainID),
			zap.String("asset_from", c.AssetFrom),
			zap.String("asset_to", c.AssetTo),
			zap.String("amount", delta.AbsAmount().String()),
			zap.Duration("elapsed", completed.Elapsed))
		return completed
	}
	return nil
}

// Sweep ages out every wallet's candidates against wall-clock time. Called
// once per cycle so wallets that produced no fresh deltas still expire.
func (d *Detector) Sweep(now time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for walletID := range d.chains {
		d.sweepExpired(walletID, now)
	}
}

// DrainExpired returns the candidates aged out, evicted or displaced since
// the last drain, limited to the given wallets (nil means all). Their deltas
// never completed a chain, so the caller gives them back to plain
// income/expense handling instead of losing them. Candidates for other
// wallets stay queued for their owner's next cycle.
func (d *Detector) DrainExpired(walletIDs map[string]bool) []*domain.SwapChainCandidate {
	d.mu.Lock()
	defer d.mu.Unlock()

	var out []*domain.SwapChainCandidate
	kept := d.expired[:0]
	for _, c := range d.expired {
		if walletIDs == nil || walletIDs[c.WalletID] {
			out = append(out, c)
			continue
		}
		kept = append(kept, c)
	}
	if len(kept) == 0 {
		d.expired = nil
	} else {
		d.expired = kept
	}
	return out
}

// sweepExpired moves candidates older than the chain lifetime to the expired
// set for the next drain.
func (d *Detector) sweepExpired(walletID string, now time.Time) {
	kept := d.chains[walletID][:0]
	for _, c := range d.chains[walletID] {
		if c.Expired(now, d.cfg.Lifetime) {
			d.l.Info("swap chain expired",
				zap.String("wallet_id", walletID),
				zap.String("chain_id", c.ChainID),
				zap.String("asset_from", c.AssetFrom),
				zap.Duration("age", now.Sub(c.StartedAt)))
			d.expired = append(d.expired, c)
			continue
		}
		kept = append(kept, c)
	}
	if len(kept) == 0 {
		delete(d.chains, walletID)
		return
	}
	d.chains[walletID] = kept
}

// ActiveChains returns the number of in-flight candidates for a wallet.
func (d *Detector) ActiveChains(walletID string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.chains[walletID])
}

func relativeError(expected, actual decimal.Decimal) decimal.Decimal {
	if expected.IsZero() {
		return decimal.NewFromInt(1)
	}
	return expected.Sub(actual).Abs().Div(expected)
}
