package pattern

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"walletscope/internal/domain"
)

var baseTime = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func testConfig() Config {
	return Config{
		Window:             30 * time.Minute,
		Lifetime:           2 * time.Hour,
		Tolerance:          decimal.NewFromFloat(0.01),
		NoiseFloor:         decimal.NewFromInt(1),
		MaxChainsPerWallet: 8,
	}
}

func deltaOf(t *testing.T, wallet, currency string, from, to float64, offset time.Duration) domain.BalanceDelta {
	t.Helper()
	fromSnap, err := domain.NewBalanceSnapshot("", wallet, currency, decimal.NewFromFloat(from),
		baseTime.Add(offset-time.Minute), domain.SourceManual, 0)
	require.NoError(t, err)
	toSnap, err := domain.NewBalanceSnapshot("", wallet, currency, decimal.NewFromFloat(to),
		baseTime.Add(offset), domain.SourceManual, 0)
	require.NoError(t, err)
	return domain.NewBalanceDelta(fromSnap, toSnap, false)
}

func TestSwapChainCompletes(t *testing.T) {
	d := NewDetector(testConfig(), zap.NewNop())

	done, consumed := d.Observe(deltaOf(t, "wallet-1", "USDC", 1000, 500, 0))
	require.Nil(t, done)
	require.True(t, consumed, "chain trigger must not fall through to plain expense")

	done, consumed = d.Observe(deltaOf(t, "wallet-1", "USDT", 100, 598, 2*time.Minute))
	require.Nil(t, done)
	require.True(t, consumed, "swap settlement must not fall through to plain income")

	done, consumed = d.Observe(deltaOf(t, "wallet-1", "USDT", 598, 101, 10*time.Minute))
	require.True(t, consumed)
	require.NotNil(t, done, "spending the settled asset must complete the chain")

	require.Equal(t, "USDC", done.Candidate.AssetFrom)
	require.Equal(t, "USDT", done.Candidate.AssetTo)
	require.True(t, done.FinalDelta.AbsAmount().Equal(decimal.NewFromInt(497)))
	require.Equal(t, 10*time.Minute, done.Elapsed)
	require.True(t, done.AmountError.LessThan(decimal.NewFromFloat(0.01)),
		"amount error %s should be within tolerance", done.AmountError)

	require.Equal(t, 0, d.ActiveChains("wallet-1"), "completed chain must leave the candidate set")
}

func TestSettlementOutsideWindowIgnored(t *testing.T) {
	d := NewDetector(testConfig(), zap.NewNop())

	_, consumed := d.Observe(deltaOf(t, "wallet-1", "USDC", 1000, 500, 0))
	require.True(t, consumed)

	_, consumed = d.Observe(deltaOf(t, "wallet-1", "USDT", 100, 598, 45*time.Minute))
	require.False(t, consumed, "credit past the hop window must not advance the chain")
}

func TestSettlementOutsideToleranceIgnored(t *testing.T) {
	d := NewDetector(testConfig(), zap.NewNop())

	_, consumed := d.Observe(deltaOf(t, "wallet-1", "USDC", 1000, 500, 0))
	require.True(t, consumed)

	// 460 vs 500 is an 8% mismatch, far beyond the 1% tolerance
	_, consumed = d.Observe(deltaOf(t, "wallet-1", "USDT", 100, 560, 5*time.Minute))
	require.False(t, consumed)
}

func TestChainExpires(t *testing.T) {
	d := NewDetector(testConfig(), zap.NewNop())

	_, consumed := d.Observe(deltaOf(t, "wallet-1", "USDC", 1000, 500, 0))
	require.True(t, consumed)
	require.Equal(t, 1, d.ActiveChains("wallet-1"))

	// a matching credit arriving after the lifetime finds the chain swept
	_, consumed = d.Observe(deltaOf(t, "wallet-1", "USDT", 100, 598, 3*time.Hour))
	require.False(t, consumed)
	require.Equal(t, 0, d.ActiveChains("wallet-1"))

	// the expired candidate is drained so its trigger debit can surface
	drained := d.DrainExpired(nil)
	require.Len(t, drained, 1)
	require.Equal(t, "USDC", drained[0].AssetFrom)
	require.True(t, drained[0].TriggerDelta.AbsAmount().Equal(decimal.NewFromInt(500)))
	require.Empty(t, d.DrainExpired(nil), "draining is one-shot")
}

func TestSweepAndScopedDrain(t *testing.T) {
	d := NewDetector(testConfig(), zap.NewNop())

	_, consumed := d.Observe(deltaOf(t, "wallet-1", "USDC", 1000, 500, 0))
	require.True(t, consumed)
	_, consumed = d.Observe(deltaOf(t, "wallet-2", "DAI", 1000, 700, 0))
	require.True(t, consumed)

	d.Sweep(baseTime.Add(3 * time.Hour))
	require.Equal(t, 0, d.ActiveChains("wallet-1"))
	require.Equal(t, 0, d.ActiveChains("wallet-2"))

	drained := d.DrainExpired(map[string]bool{"wallet-1": true})
	require.Len(t, drained, 1)
	require.Equal(t, "wallet-1", drained[0].WalletID)

	// wallet-2's candidate stays queued for its owner's cycle
	drained = d.DrainExpired(map[string]bool{"wallet-2": true})
	require.Len(t, drained, 1)
	require.Equal(t, "wallet-2", drained[0].WalletID)
}

func TestNoiseFloorBlocksChainStart(t *testing.T) {
	d := NewDetector(testConfig(), zap.NewNop())

	_, consumed := d.Observe(deltaOf(t, "wallet-1", "USDC", 100, 99.5, 0))
	require.False(t, consumed, "sub-noise debit must not open a chain")
	require.Equal(t, 0, d.ActiveChains("wallet-1"))
}

func TestCandidateSetIsBounded(t *testing.T) {
	cfg := testConfig()
	cfg.MaxChainsPerWallet = 2
	d := NewDetector(cfg, zap.NewNop())

	for i, currency := range []string{"USDC", "DAI", "TUSD"} {
		_, consumed := d.Observe(deltaOf(t, "wallet-1", currency, 1000, 500, time.Duration(i)*time.Minute))
		require.True(t, consumed)
	}
	require.Equal(t, 2, d.ActiveChains("wallet-1"), "oldest candidate must be evicted")

	drained := d.DrainExpired(nil)
	require.Len(t, drained, 1)
	require.Equal(t, "USDC", drained[0].AssetFrom, "the evicted candidate is drained, not lost")
}

func TestRepeatedDebitRestartsSameAssetChain(t *testing.T) {
	d := NewDetector(testConfig(), zap.NewNop())

	_, consumed := d.Observe(deltaOf(t, "wallet-1", "USDC", 1000, 500, 0))
	require.True(t, consumed)
	_, consumed = d.Observe(deltaOf(t, "wallet-1", "USDC", 500, 200, 5*time.Minute))
	require.True(t, consumed)
	require.Equal(t, 1, d.ActiveChains("wallet-1"), "same-asset chain restarts instead of stacking")

	drained := d.DrainExpired(nil)
	require.Len(t, drained, 1)
	require.True(t, drained[0].TriggerDelta.AbsAmount().Equal(decimal.NewFromInt(500)),
		"the displaced candidate is drained, not lost")
}

func TestConcurrentChainsSettleByBestAmount(t *testing.T) {
	d := NewDetector(testConfig(), zap.NewNop())

	_, consumed := d.Observe(deltaOf(t, "wallet-1", "USDC", 1000, 500, 0))
	require.True(t, consumed)
	_, consumed = d.Observe(deltaOf(t, "wallet-1", "DAI", 1000, 702, time.Minute))
	require.True(t, consumed)
	require.Equal(t, 2, d.ActiveChains("wallet-1"))

	// 297.5 is within tolerance of the DAI chain's 298, not the USDC 500
	_, consumed = d.Observe(deltaOf(t, "wallet-1", "USDT", 0, 297.5, 5*time.Minute))
	require.True(t, consumed)

	done, consumed := d.Observe(deltaOf(t, "wallet-1", "USDT", 297.5, 0, 10*time.Minute))
	require.True(t, consumed)
	require.NotNil(t, done)
	require.Equal(t, "DAI", done.Candidate.AssetFrom)
	require.Equal(t, 1, d.ActiveChains("wallet-1"), "the USDC chain stays in flight")
}
