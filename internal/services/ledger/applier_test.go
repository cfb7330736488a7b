package ledger

import (
	"context"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"walletscope/internal/domain"
)

// fakeRepo mimics the store's atomicity contract: a failed mutation leaves
// the balance unchanged.
type fakeRepo struct {
	balances map[string]decimal.Decimal
	applied  map[string]decimal.Decimal // wallet/detection -> effect

	failApplyOn    string // wallet id whose applies fail
	conflictsLeft  int    // ApplyEffect returns ErrApplyConflict this many times
	applyCalls     int
	reverseCalls   int
	conflictedOnce bool
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		balances: make(map[string]decimal.Decimal),
		applied:  make(map[string]decimal.Decimal),
	}
}

func (f *fakeRepo) ApplyEffect(_ context.Context, walletID string, amount decimal.Decimal, detectionID string) error {
	f.applyCalls++
	if f.conflictsLeft > 0 {
		f.conflictsLeft--
		f.conflictedOnce = true
		return errors.Wrap(ErrApplyConflict, "version moved")
	}
	if walletID == f.failApplyOn {
		return errors.New("storage unavailable")
	}
	f.balances[walletID] = f.balances[walletID].Add(amount)
	f.applied[walletID+"/"+detectionID] = amount
	return nil
}

func (f *fakeRepo) ReverseEffect(_ context.Context, walletID string, amount decimal.Decimal, detectionID string) error {
	f.reverseCalls++
	key := walletID + "/" + detectionID
	if _, ok := f.applied[key]; !ok {
		return errors.Errorf("no applied effect for detection %s on wallet %s", detectionID, walletID)
	}
	delete(f.applied, key)
	f.balances[walletID] = f.balances[walletID].Sub(amount)
	return nil
}

func newTestApplier(t *testing.T, repo *fakeRepo) *Applier {
	t.Helper()
	a, err := NewApplier(repo, t.TempDir(), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })
	return a
}

func detection(t *testing.T, wallet string, amount int64, txType domain.TransactionType) *domain.DetectedTransaction {
	t.Helper()
	ts := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	from, err := domain.NewBalanceSnapshot("", wallet, "USDT", decimal.NewFromInt(1000), ts, domain.SourceManual, 0)
	require.NoError(t, err)
	to, err := domain.NewBalanceSnapshot("", wallet, "USDT", decimal.NewFromInt(1000-amount), ts.Add(time.Hour), domain.SourceManual, 0)
	require.NoError(t, err)
	delta := domain.NewBalanceDelta(from, to, false)

	det, err := domain.NewDetectedTransaction("user-1", wallet, delta, decimal.NewFromInt(amount), txType, domain.MethodBalanceDelta)
	require.NoError(t, err)
	return det
}

func TestApplyThenReverseRestoresBalance(t *testing.T) {
	repo := newFakeRepo()
	repo.balances["wallet-1"] = decimal.NewFromInt(1000)
	a := newTestApplier(t, repo)

	det := detection(t, "wallet-1", 300, domain.TypeExpense)
	ctx := context.Background()

	require.NoError(t, a.Apply(ctx, det))
	require.True(t, repo.balances["wallet-1"].Equal(decimal.NewFromInt(700)))

	require.NoError(t, a.Reverse(ctx, det))
	require.True(t, repo.balances["wallet-1"].Equal(decimal.NewFromInt(1000)),
		"reversal must restore the exact prior balance")
}

func TestReapplyReplacesEffect(t *testing.T) {
	repo := newFakeRepo()
	repo.balances["wallet-1"] = decimal.NewFromInt(1000)
	a := newTestApplier(t, repo)

	det := detection(t, "wallet-1", 300, domain.TypeExpense)
	ctx := context.Background()

	require.NoError(t, a.Apply(ctx, det))
	require.NoError(t, a.Reapply(ctx, det, decimal.NewFromInt(250)))
	require.True(t, repo.balances["wallet-1"].Equal(decimal.NewFromInt(750)),
		"edited amount keeps the original sign")
}

func TestApplyTransferMovesBothLegs(t *testing.T) {
	repo := newFakeRepo()
	repo.balances["wallet-a"] = decimal.NewFromInt(1000)
	repo.balances["wallet-b"] = decimal.NewFromInt(500)
	a := newTestApplier(t, repo)

	debit := detection(t, "wallet-a", 300, domain.TypeTransfer)
	debit.Outgoing = true
	credit := detection(t, "wallet-b", 300, domain.TypeTransfer)

	require.NoError(t, a.ApplyTransfer(context.Background(), debit, credit))
	require.True(t, repo.balances["wallet-a"].Equal(decimal.NewFromInt(700)))
	require.True(t, repo.balances["wallet-b"].Equal(decimal.NewFromInt(800)))
}

func TestApplyTransferCompensatesFailedCredit(t *testing.T) {
	repo := newFakeRepo()
	repo.balances["wallet-a"] = decimal.NewFromInt(1000)
	repo.balances["wallet-b"] = decimal.NewFromInt(500)
	repo.failApplyOn = "wallet-b"
	a := newTestApplier(t, repo)

	debit := detection(t, "wallet-a", 300, domain.TypeTransfer)
	debit.Outgoing = true
	credit := detection(t, "wallet-b", 300, domain.TypeTransfer)

	err := a.ApplyTransfer(context.Background(), debit, credit)
	require.Error(t, err)
	require.True(t, repo.balances["wallet-a"].Equal(decimal.NewFromInt(1000)),
		"failed credit leg must reverse the debit leg")
	require.True(t, repo.balances["wallet-b"].Equal(decimal.NewFromInt(500)))
}

func TestApplyTransferRejectsSameWallet(t *testing.T) {
	repo := newFakeRepo()
	a := newTestApplier(t, repo)

	debit := detection(t, "wallet-a", 300, domain.TypeTransfer)
	debit.Outgoing = true
	credit := detection(t, "wallet-a", 300, domain.TypeTransfer)

	require.Error(t, a.ApplyTransfer(context.Background(), debit, credit))
	require.Zero(t, repo.applyCalls)
}

func TestApplyRetriesConflictOnce(t *testing.T) {
	repo := newFakeRepo()
	repo.balances["wallet-1"] = decimal.NewFromInt(1000)
	repo.conflictsLeft = 1
	a := newTestApplier(t, repo)

	det := detection(t, "wallet-1", 300, domain.TypeExpense)
	require.NoError(t, a.Apply(context.Background(), det))
	require.True(t, repo.conflictedOnce)
	require.Equal(t, 2, repo.applyCalls)
	require.True(t, repo.balances["wallet-1"].Equal(decimal.NewFromInt(700)))
}

func TestApplySurfacesRepeatedConflict(t *testing.T) {
	repo := newFakeRepo()
	repo.balances["wallet-1"] = decimal.NewFromInt(1000)
	repo.conflictsLeft = 2
	a := newTestApplier(t, repo)

	det := detection(t, "wallet-1", 300, domain.TypeExpense)
	err := a.Apply(context.Background(), det)
	require.Error(t, err)
	require.True(t, repo.balances["wallet-1"].Equal(decimal.NewFromInt(1000)))
}

func TestReconcileSurfacesInterruptedIntents(t *testing.T) {
	repo := newFakeRepo()
	repo.balances["wallet-1"] = decimal.NewFromInt(1000)
	dir := t.TempDir()

	a, err := NewApplier(repo, dir, zap.NewNop())
	require.NoError(t, err)

	// simulate a crash between journaling the intent and the mutation
	_, err = a.journal.Prepare(intentKindApply, "wallet-1", "det-1", decimal.NewFromInt(-300))
	require.NoError(t, err)
	require.NoError(t, a.Close())

	reopened, err := NewApplier(repo, dir, zap.NewNop())
	require.NoError(t, err)
	defer func() { _ = reopened.Close() }()

	require.Len(t, reopened.journal.Pending(), 1)
	require.NoError(t, reopened.Reconcile(context.Background()))
	require.Empty(t, reopened.journal.Pending(), "reconciled intents must not stay pending")
	require.True(t, repo.balances["wallet-1"].Equal(decimal.NewFromInt(1000)),
		"unknown-outcome intents are never silently re-applied")
}
