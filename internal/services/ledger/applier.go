// Package ledger applies confirmed detections to wallet running balances,
// exactly once, with a durable intent journal for crash recovery.
package ledger

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/vadiminshakov/gowal"
	"go.uber.org/zap"

	"walletscope/internal/domain"
)

const (
	walSegmentThreshold = 1000
	walMaxSegments      = 100
	walDirPermissions   = 0o755
)

// ErrApplyConflict is returned by the wallet repository when a concurrent
// mutation is detected. The applier retries once, then surfaces it.
var ErrApplyConflict = errors.New("ledger apply conflict")

// walletRepository is the only mutation surface the applier uses. Both
// methods must be atomic: on error the stored balance is unchanged.
type walletRepository interface {
	ApplyEffect(ctx context.Context, walletID string, amount decimal.Decimal, detectionID string) error
	ReverseEffect(ctx context.Context, walletID string, amount decimal.Decimal, detectionID string) error
}

// Applier applies and reverses detection effects, preserving
// current_balance == initial_balance + sum of applied, non-reversed effects.
type Applier struct {
	repo    walletRepository
	journal *effectJournal
	wal     *gowal.Wal
	l       *zap.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex // wallet id -> single-writer lock
}

// NewApplier opens the intent journal under dir and returns an Applier.
func NewApplier(repo walletRepository, dir string, l *zap.Logger) (*Applier, error) {
	if err := os.MkdirAll(dir, walDirPermissions); err != nil {
		return nil, errors.Wrapf(err, "failed to ensure ledger WAL directory %s", dir)
	}

	wal, err := gowal.NewWAL(gowal.Config{
		Dir:              filepath.Join(dir),
		Prefix:           "effect_",
		SegmentThreshold: walSegmentThreshold,
		MaxSegments:      walMaxSegments,
		IsInSyncDiskMode: true,
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to create ledger WAL")
	}

	journal, err := newEffectJournal(wal)
	if err != nil {
		_ = wal.Close()
		return nil, err
	}

	return &Applier{
		repo:    repo,
		journal: journal,
		wal:     wal,
		l:       l,
		locks:   make(map[string]*sync.Mutex),
	}, nil
}

// Close closes the underlying WAL.
func (a *Applier) Close() error {
	return a.wal.Close()
}

// walletLock returns the single-writer lock for a wallet.
func (a *Applier) walletLock(walletID string) *sync.Mutex {
	a.mu.Lock()
	defer a.mu.Unlock()
	lock, ok := a.locks[walletID]
	if !ok {
		lock = &sync.Mutex{}
		a.locks[walletID] = lock
	}
	return lock
}

// Apply applies a confirmed detection's signed effect to its wallet.
func (a *Applier) Apply(ctx context.Context, det *domain.DetectedTransaction) error {
	lock := a.walletLock(det.WalletID)
	lock.Lock()
	defer lock.Unlock()

	return a.applyLocked(ctx, det.WalletID, det.ID, det.SignedEffect())
}

// Reverse undoes a previously applied effect, restoring the exact prior
// balance.
func (a *Applier) Reverse(ctx context.Context, det *domain.DetectedTransaction) error {
	lock := a.walletLock(det.WalletID)
	lock.Lock()
	defer lock.Unlock()

	return a.reverseLocked(ctx, det.WalletID, det.ID, det.SignedEffect())
}

// Reapply edits an applied effect as reverse-then-reapply under the wallet's
// single-writer lock, so no other writer can observe the intermediate state.
// If the reapply step fails the old effect is restored.
func (a *Applier) Reapply(ctx context.Context, det *domain.DetectedTransaction, newAmount decimal.Decimal) error {
	lock := a.walletLock(det.WalletID)
	lock.Lock()
	defer lock.Unlock()

	oldEffect := det.SignedEffect()
	if err := a.reverseLocked(ctx, det.WalletID, det.ID, oldEffect); err != nil {
		return errors.Wrap(err, "reverse step of reapply failed")
	}

	newEffect := newAmount
	if oldEffect.IsNegative() {
		newEffect = newAmount.Abs().Neg()
	} else {
		newEffect = newAmount.Abs()
	}

	if err := a.applyLocked(ctx, det.WalletID, det.ID, newEffect); err != nil {
		// restore the old effect so the edit is all-or-nothing
		if restoreErr := a.applyLocked(ctx, det.WalletID, det.ID, oldEffect); restoreErr != nil {
			a.l.Error("failed to restore effect after aborted reapply, wallet needs review",
				zap.String("wallet_id", det.WalletID),
				zap.String("detection_id", det.ID),
				zap.Error(restoreErr))
			return errors.Wrap(restoreErr, "reapply aborted and restore failed")
		}
		return errors.Wrap(err, "apply step of reapply failed")
	}
	return nil
}

// ApplyTransfer applies both legs of a transfer: debit the source wallet and
// credit the destination. Either both succeed or neither takes effect; a
// failed credit triggers a compensating reversal of the debit.
func (a *Applier) ApplyTransfer(ctx context.Context, debit, credit *domain.DetectedTransaction) error {
	if debit.Type != domain.TypeTransfer || credit.Type != domain.TypeTransfer {
		return errors.New("transfer apply requires two transfer legs")
	}

	if debit.WalletID == credit.WalletID {
		return errors.New("transfer legs must reference different wallets")
	}

	// lock both wallets in deterministic order to avoid deadlock
	ids := []string{debit.WalletID, credit.WalletID}
	sort.Strings(ids)
	for _, id := range ids {
		l := a.walletLock(id)
		l.Lock()
		defer l.Unlock()
	}

	if err := a.applyLocked(ctx, debit.WalletID, debit.ID, debit.SignedEffect()); err != nil {
		return errors.Wrap(err, "transfer debit leg failed")
	}

	if err := a.applyLocked(ctx, credit.WalletID, credit.ID, credit.SignedEffect()); err != nil {
		if compErr := a.reverseLocked(ctx, debit.WalletID, debit.ID, debit.SignedEffect()); compErr != nil {
			a.l.Error("failed to compensate transfer debit leg, wallet needs review",
				zap.String("wallet_id", debit.WalletID),
				zap.String("detection_id", debit.ID),
				zap.Error(compErr))
			return errors.Wrap(compErr, "transfer credit failed and debit compensation failed")
		}
		return errors.Wrap(err, "transfer credit leg failed, debit reversed")
	}
	return nil
}

func (a *Applier) applyLocked(ctx context.Context, walletID, detectionID string, effect decimal.Decimal) error {
	intent, err := a.journal.Prepare(intentKindApply, walletID, detectionID, effect)
	if err != nil {
		return errors.Wrap(err, "failed to journal apply intent")
	}

	if err := a.mutateWithRetry(ctx, func() error {
		return a.repo.ApplyEffect(ctx, walletID, effect, detectionID)
	}); err != nil {
		if jerr := a.journal.MarkFailed(intent, err); jerr != nil {
			a.l.Error("failed to mark apply intent failed", zap.Error(jerr), zap.String("intent_id", intent.ID))
		}
		return err
	}

	return a.journal.MarkDone(intent)
}

func (a *Applier) reverseLocked(ctx context.Context, walletID, detectionID string, effect decimal.Decimal) error {
	intent, err := a.journal.Prepare(intentKindReverse, walletID, detectionID, effect)
	if err != nil {
		return errors.Wrap(err, "failed to journal reverse intent")
	}

	if err := a.mutateWithRetry(ctx, func() error {
		return a.repo.ReverseEffect(ctx, walletID, effect, detectionID)
	}); err != nil {
		if jerr := a.journal.MarkFailed(intent, err); jerr != nil {
			a.l.Error("failed to mark reverse intent failed", zap.Error(jerr), zap.String("intent_id", intent.ID))
		}
		return err
	}

	return a.journal.MarkDone(intent)
}

// mutateWithRetry retries a conflicting mutation exactly once. A second
// conflict is surfaced as a reconciliation failure for external review.
func (a *Applier) mutateWithRetry(ctx context.Context, mutate func() error) error {
	err := mutate()
	if err == nil {
		return nil
	}
	if !errors.Is(err, ErrApplyConflict) {
		return err
	}

	a.l.Warn("ledger apply conflict, retrying once", zap.Error(err))
	if err := mutate(); err != nil {
		return errors.Wrap(err, "ledger mutation failed after retry")
	}
	return nil
}

// Reconcile surfaces intents left pending by a crash. The repository's
// mutations are atomic, so a pending intent means the outcome is unknown:
// it is marked failed and logged as a reconciliation item for external
// review, never silently re-applied.
func (a *Applier) Reconcile(ctx context.Context) error {
	pending := a.journal.Pending()
	if len(pending) == 0 {
		return nil
	}

	a.l.Warn("reconciling pending ledger effect intents", zap.Int("count", len(pending)))

	for _, intent := range pending {
		a.l.Error("ledger effect intent with unknown outcome, needs external review",
			zap.String("intent_id", intent.ID),
			zap.String("wallet_id", intent.WalletID),
			zap.String("detection_id", intent.DetectionID),
			zap.String("kind", string(intent.Kind)),
			zap.String("amount", intent.Amount.String()))
		if err := a.journal.MarkFailed(intent, errors.New("outcome unknown after restart")); err != nil {
			return errors.Wrapf(err, "failed to mark intent %s", intent.ID)
		}
	}
	return nil
}
