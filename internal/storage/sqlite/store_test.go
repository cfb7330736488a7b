package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"walletscope/internal/domain"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(context.Background(), Config{Path: filepath.Join(t.TempDir(), "test.db")})
	require.NoError(t, err)
	t.Cleanup(s.Close)
	return s
}

func createTestWallet(t *testing.T, s *Store, id string, initial int64) domain.Wallet {
	t.Helper()
	w, err := s.CreateWallet(context.Background(), domain.Wallet{
		ID:         id,
		UserID:     "user-1",
		Currencies: []string{"USDT"},
	}, decimal.NewFromInt(initial))
	require.NoError(t, err)
	return w
}

func TestCreateAndListWallets(t *testing.T) {
	s := newTestStore(t)
	createTestWallet(t, s, "wallet-1", 1000)
	createTestWallet(t, s, "wallet-2", 500)

	wallets, err := s.WalletsByUser(context.Background(), "user-1")
	require.NoError(t, err)
	require.Len(t, wallets, 2)
	require.Equal(t, []string{"USDT"}, wallets[0].Currencies)

	none, err := s.WalletsByUser(context.Background(), "user-2")
	require.NoError(t, err)
	require.Empty(t, none)
}

func TestSnapshotDeduplication(t *testing.T) {
	s := newTestStore(t)
	createTestWallet(t, s, "wallet-1", 1000)
	ctx := context.Background()
	ts := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	snap, err := domain.NewBalanceSnapshot("", "wallet-1", "USDT", decimal.NewFromInt(1000), ts, domain.SourceManual, 1)
	require.NoError(t, err)

	first, err := s.SaveSnapshot(ctx, snap)
	require.NoError(t, err)

	// same (wallet, currency, timestamp) resolves to the stored row
	snap.ID = ""
	dup, err := s.SaveSnapshot(ctx, snap)
	require.NoError(t, err)
	require.Equal(t, first.ID, dup.ID)

	history, err := s.History(ctx, "wallet-1", "USDT", ts.Add(-time.Hour))
	require.NoError(t, err)
	require.Len(t, history, 1)
}

func TestHistoryPreservesArrivalOrder(t *testing.T) {
	s := newTestStore(t)
	createTestWallet(t, s, "wallet-1", 1000)
	ctx := context.Background()
	ts := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	save := func(balance int64, at time.Time) {
		snap, err := domain.NewBalanceSnapshot("", "wallet-1", "USDT", decimal.NewFromInt(balance), at, domain.SourceManual, 0)
		require.NoError(t, err)
		_, err = s.SaveSnapshot(ctx, snap)
		require.NoError(t, err)
	}

	save(1000, ts)
	save(700, ts.Add(time.Hour))
	// late arrival with an earlier timestamp must stay where it arrived
	save(850, ts.Add(30*time.Minute))

	history, err := s.History(ctx, "wallet-1", "USDT", ts.Add(-time.Hour))
	require.NoError(t, err)
	require.Len(t, history, 3)
	require.True(t, history[2].Balance.Equal(decimal.NewFromInt(850)),
		"the stale snapshot must sort by arrival, not timestamp")

	currencies, err := s.Currencies(ctx, "wallet-1")
	require.NoError(t, err)
	require.Equal(t, []string{"USDT"}, currencies)
}

func TestApplyAndReverseEffect(t *testing.T) {
	s := newTestStore(t)
	createTestWallet(t, s, "wallet-1", 1000)
	ctx := context.Background()

	require.NoError(t, s.ApplyEffect(ctx, "wallet-1", decimal.NewFromInt(-300), "det-1"))

	balance, err := s.Balance(ctx, "wallet-1")
	require.NoError(t, err)
	require.True(t, balance.Equal(decimal.NewFromInt(700)))
	require.NoError(t, s.Reconcile(ctx, "wallet-1"))

	require.NoError(t, s.ReverseEffect(ctx, "wallet-1", decimal.NewFromInt(-300), "det-1"))
	balance, err = s.Balance(ctx, "wallet-1")
	require.NoError(t, err)
	require.True(t, balance.Equal(decimal.NewFromInt(1000)), "reversal must restore the exact prior balance")
	require.NoError(t, s.Reconcile(ctx, "wallet-1"))

	// the effect is gone: reversing again must fail
	require.Error(t, s.ReverseEffect(ctx, "wallet-1", decimal.NewFromInt(-300), "det-1"))
}

func TestApplyEffectIsExactlyOncePerDetection(t *testing.T) {
	s := newTestStore(t)
	createTestWallet(t, s, "wallet-1", 1000)
	ctx := context.Background()

	require.NoError(t, s.ApplyEffect(ctx, "wallet-1", decimal.NewFromInt(-300), "det-1"))
	require.Error(t, s.ApplyEffect(ctx, "wallet-1", decimal.NewFromInt(-300), "det-1"),
		"a second active effect for the same detection must be rejected")

	balance, err := s.Balance(ctx, "wallet-1")
	require.NoError(t, err)
	require.True(t, balance.Equal(decimal.NewFromInt(700)))
}

func TestApplyEffectKeepsDecimalPrecision(t *testing.T) {
	s := newTestStore(t)
	createTestWallet(t, s, "wallet-1", 0)
	ctx := context.Background()

	// classic float trap: 0.1 + 0.2
	require.NoError(t, s.ApplyEffect(ctx, "wallet-1", decimal.RequireFromString("0.1"), "det-1"))
	require.NoError(t, s.ApplyEffect(ctx, "wallet-1", decimal.RequireFromString("0.2"), "det-2"))

	balance, err := s.Balance(ctx, "wallet-1")
	require.NoError(t, err)
	require.True(t, balance.Equal(decimal.RequireFromString("0.3")), "got %s", balance)
	require.NoError(t, s.Reconcile(ctx, "wallet-1"))
}

func testDetection(t *testing.T, id string) *domain.DetectedTransaction {
	t.Helper()
	return &domain.DetectedTransaction{
		ID:         id,
		UserID:     "user-1",
		WalletID:   "wallet-1",
		Amount:     decimal.NewFromInt(300),
		Currency:   "USDT",
		Type:       domain.TypeExpense,
		Confidence: 0.75,
		Method:     domain.MethodBalanceDelta,
		Status:     domain.StatusPending,
		DetectedAt: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestDetectionRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	det := testDetection(t, "det-1")
	det.Outgoing = true
	require.NoError(t, s.Save(ctx, det))

	got, err := s.Get(ctx, "det-1")
	require.NoError(t, err)
	require.Equal(t, det.ID, got.ID)
	require.True(t, got.Amount.Equal(det.Amount))
	require.Equal(t, domain.TypeExpense, got.Type)
	require.Equal(t, domain.StatusPending, got.Status)
	require.True(t, got.Outgoing)

	pending, err := s.ListPending(ctx, "user-1")
	require.NoError(t, err)
	require.Len(t, pending, 1)
}

func TestDetectionStatusIsImmutableOnceTerminal(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Save(ctx, testDetection(t, "det-1")))
	require.NoError(t, s.UpdateStatus(ctx, "det-1", domain.StatusConfirmed, "tx-1"))

	got, err := s.Get(ctx, "det-1")
	require.NoError(t, err)
	require.Equal(t, domain.StatusConfirmed, got.Status)
	require.Equal(t, "tx-1", got.LinkedTransactionID)

	require.Error(t, s.UpdateStatus(ctx, "det-1", domain.StatusRejected, ""),
		"confirmed detections must not change status")

	pending, err := s.ListPending(ctx, "user-1")
	require.NoError(t, err)
	require.Empty(t, pending)
}

func TestReconcileDetectsDrift(t *testing.T) {
	s := newTestStore(t)
	createTestWallet(t, s, "wallet-1", 1000)
	ctx := context.Background()

	require.NoError(t, s.ApplyEffect(ctx, "wallet-1", decimal.NewFromInt(-300), "det-1"))

	// corrupt the running balance behind the ledger's back
	_, err := s.db.ExecContext(ctx, `UPDATE wallets SET current_balance = '650' WHERE id = 'wallet-1'`)
	require.NoError(t, err)

	require.Error(t, s.Reconcile(ctx, "wallet-1"))
}

func TestDetectionCursorRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	ts, err := s.LastProcessed(ctx, "wallet-1", "USDT")
	require.NoError(t, err)
	require.True(t, ts.IsZero(), "an unprocessed stream has a zero cursor")

	mark := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, s.MarkProcessed(ctx, "wallet-1", "USDT", mark))

	got, err := s.LastProcessed(ctx, "wallet-1", "USDT")
	require.NoError(t, err)
	require.True(t, got.Equal(mark))

	// cursors only move forward via upsert, per (wallet, currency)
	require.NoError(t, s.MarkProcessed(ctx, "wallet-1", "USDT", mark.Add(time.Hour)))
	got, err = s.LastProcessed(ctx, "wallet-1", "USDT")
	require.NoError(t, err)
	require.True(t, got.Equal(mark.Add(time.Hour)))

	other, err := s.LastProcessed(ctx, "wallet-1", "USDC")
	require.NoError(t, err)
	require.True(t, other.IsZero(), "streams keep independent cursors")
}
