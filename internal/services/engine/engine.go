// Package engine orchestrates one detection cycle per user: snapshot capture,
// delta computation, transfer matching, pattern detection, confidence scoring
// and staged commit of the resulting detections.
package engine

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"walletscope/internal/domain"
	"walletscope/internal/services/confidence"
	"walletscope/internal/services/delta"
	"walletscope/internal/services/pattern"
	"walletscope/internal/services/transfer"
	"walletscope/pkg/retrier"
)

// SnapshotProvider supplies current balance observations for a wallet.
type SnapshotProvider interface {
	Snapshots(ctx context.Context, wallet domain.Wallet) ([]domain.BalanceSnapshot, error)
}

// WalletRegistry supplies wallet ownership, scoping a cycle to one user.
type WalletRegistry interface {
	WalletsByUser(ctx context.Context, userID string) ([]domain.Wallet, error)
}

// SnapshotStore persists the snapshot history detection works off, plus a
// per-(wallet, currency) cursor marking how far detection has consumed it.
type SnapshotStore interface {
	SaveSnapshot(ctx context.Context, snap domain.BalanceSnapshot) (domain.BalanceSnapshot, error)
	Currencies(ctx context.Context, walletID string) ([]string, error)
	History(ctx context.Context, walletID, currency string, since time.Time) ([]domain.BalanceSnapshot, error)
	LastProcessed(ctx context.Context, walletID, currency string) (time.Time, error)
	MarkProcessed(ctx context.Context, walletID, currency string, ts time.Time) error
}

// DetectionStore persists detections and their lifecycle state.
type DetectionStore interface {
	Save(ctx context.Context, det *domain.DetectedTransaction) error
	Get(ctx context.Context, id string) (*domain.DetectedTransaction, error)
	UpdateStatus(ctx context.Context, id string, status domain.DetectionStatus, linkedTransactionID string) error
}

// applier is the ledger surface the engine needs. Reverse and Reapply stay
// on the concrete ledger service; they are driven by the transaction edit
// workflow, not by detection cycles.
type applier interface {
	Apply(ctx context.Context, det *domain.DetectedTransaction) error
	ApplyTransfer(ctx context.Context, debit, credit *domain.DetectedTransaction) error
}

// Config holds the engine-level tunables.
type Config struct {
	// Lookback bounds how much snapshot history one cycle re-examines.
	Lookback time.Duration
	// MinChange filters noise deltas from plain income/expense fallback.
	MinChange decimal.Decimal
	// TransferWindow and ChainLifetime feed the scorer's time proximity.
	TransferWindow time.Duration
	ChainLifetime  time.Duration
	// AutoConfirmThreshold and SurfaceThreshold partition scored detections.
	AutoConfirmThreshold float64
	SurfaceThreshold     float64
}

// CycleStats summarizes one detection cycle.
type CycleStats struct {
	Wallets       int
	Snapshots     int
	Deltas        int
	Transfers     int
	Patterns      int
	Plain         int
	Dropped       int
	Saved         int
	AutoConfirmed int
	WalletErrors  int
}

// Engine runs detection cycles. All collaborators are injected; the engine
// holds no process-wide mutable state beyond per-wallet serialization locks.
type Engine struct {
	provider   SnapshotProvider // optional; nil disables capture
	registry   WalletRegistry
	snapshots  SnapshotStore
	detections DetectionStore
	ledger     applier

	computer *delta.Computer
	detector *pattern.Detector
	matcher  *transfer.Matcher
	scorer   *confidence.Scorer

	cfg   Config
	l     *zap.Logger
	retry *retrier.Retrier

	mu    sync.Mutex
	locks map[string]*sync.Mutex // wallet id -> cycle lock
}

// New wires an Engine from its collaborators.
func New(provider SnapshotProvider, registry WalletRegistry, snapshots SnapshotStore, detections DetectionStore,
	ledger applier, computer *delta.Computer, detector *pattern.Detector, matcher *transfer.Matcher,
	scorer *confidence.Scorer, cfg Config, l *zap.Logger) *Engine {

	return &Engine{
		provider:   provider,
		registry:   registry,
		snapshots:  snapshots,
		detections: detections,
		ledger:     ledger,
		computer:   computer,
		detector:   detector,
		matcher:    matcher,
		scorer:     scorer,
		cfg:        cfg,
		l:          l,
		retry:      retrier.New(retrier.WithMaxRetries(3), retrier.WithInitialInterval(500*time.Millisecond)),
		locks:      make(map[string]*sync.Mutex),
	}
}

// staged pairs a detection with its scoring input. Staged candidates exist
// only in memory until the whole cycle has been scored; an aborted cycle
// commits nothing.
type staged struct {
	det   *domain.DetectedTransaction
	input confidence.Input
	// legs of a transfer pair are confirmed together
	partner *domain.DetectedTransaction
}

// RunCycle runs one full detection cycle for a user. A failure on one wallet
// is logged and skipped; the other wallets still commit their detections.
func (e *Engine) RunCycle(ctx context.Context, userID string) (CycleStats, error) {
	var stats CycleStats

	wallets, err := e.registry.WalletsByUser(ctx, userID)
	if err != nil {
		return stats, errors.Wrapf(err, "failed to resolve wallets for user %s", userID)
	}
	if len(wallets) == 0 {
		return stats, nil
	}
	stats.Wallets = len(wallets)

	// at most one in-flight cycle per wallet: take every wallet lock for
	// the whole cycle, in sorted order to avoid deadlock between users
	// sharing none (locks are per wallet, users never share wallets, but
	// overlapping manual and scheduled cycles for one user do).
	ids := make([]string, 0, len(wallets))
	for _, w := range wallets {
		ids = append(ids, w.ID)
	}
	sort.Strings(ids)
	for _, id := range ids {
		lock := e.walletLock(id)
		lock.Lock()
		defer lock.Unlock()
	}

	since := time.Now().Add(-e.cfg.Lookback)

	e.captureSnapshots(ctx, wallets, &stats)

	allDeltas, advances := e.collectDeltas(ctx, wallets, since, &stats)

	stagedDetections := e.stageDetections(userID, wallets, allDeltas, &stats)

	e.commit(ctx, stagedDetections, &stats)

	e.advanceCursors(ctx, advances)

	e.l.Info("detection cycle finished",
		zap.String("user_id", userID),
		zap.Int("wallets", stats.Wallets),
		zap.Int("snapshots", stats.Snapshots),
		zap.Int("deltas", stats.Deltas),
		zap.Int("transfers", stats.Transfers),
		zap.Int("patterns", stats.Patterns),
		zap.Int("plain", stats.Plain),
		zap.Int("dropped", stats.Dropped),
		zap.Int("saved", stats.Saved),
		zap.Int("auto_confirmed", stats.AutoConfirmed),
		zap.Int("wallet_errors", stats.WalletErrors))

	return stats, nil
}

func (e *Engine) walletLock(walletID string) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	lock, ok := e.locks[walletID]
	if !ok {
		lock = &sync.Mutex{}
		e.locks[walletID] = lock
	}
	return lock
}

// captureSnapshots pulls current balances from the provider and persists
// them. Optional: with no provider the engine detects over whatever history
// the store already holds.
func (e *Engine) captureSnapshots(ctx context.Context, wallets []domain.Wallet, stats *CycleStats) {
	if e.provider == nil {
		return
	}

	for _, wallet := range wallets {
		snaps, err := retrier.DoWithData(e.retry, ctx, func(ctx context.Context) ([]domain.BalanceSnapshot, error) {
			return e.provider.Snapshots(ctx, wallet)
		})
		if err != nil {
			e.l.Error("failed to capture snapshots for wallet",
				zap.String("wallet_id", wallet.ID), zap.Error(err))
			stats.WalletErrors++
			continue
		}
		for _, snap := range snaps {
			if _, err := e.snapshots.SaveSnapshot(ctx, snap); err != nil {
				e.l.Error("failed to persist snapshot",
					zap.String("wallet_id", snap.WalletID),
					zap.String("currency", snap.Currency),
					zap.Error(err))
				continue
			}
			stats.Snapshots++
		}
	}
}

type cursorKey struct {
	walletID string
	currency string
}

// collectDeltas computes deltas per (wallet, currency) across the user's
// wallets. The full batch is gathered before any matching starts so
// cross-wallet matches cannot be missed by processing order. Deltas at or
// before the stream's cursor were already turned into detections by an
// earlier cycle and are excluded; the second return value carries the
// cursor positions to persist once this cycle commits.
func (e *Engine) collectDeltas(ctx context.Context, wallets []domain.Wallet, since time.Time, stats *CycleStats) ([]domain.BalanceDelta, map[cursorKey]time.Time) {
	var all []domain.BalanceDelta
	advances := make(map[cursorKey]time.Time)

	for _, wallet := range wallets {
		currencies, err := e.snapshots.Currencies(ctx, wallet.ID)
		if err != nil {
			e.l.Error("failed to list currencies for wallet",
				zap.String("wallet_id", wallet.ID), zap.Error(err))
			stats.WalletErrors++
			continue
		}

		for _, currency := range currencies {
			cursor, err := e.snapshots.LastProcessed(ctx, wallet.ID, currency)
			if err != nil {
				e.l.Error("failed to load detection cursor",
					zap.String("wallet_id", wallet.ID),
					zap.String("currency", currency),
					zap.Error(err))
				stats.WalletErrors++
				continue
			}

			history, err := e.snapshots.History(ctx, wallet.ID, currency, since)
			if err != nil {
				e.l.Error("failed to load snapshot history",
					zap.String("wallet_id", wallet.ID),
					zap.String("currency", currency),
					zap.Error(err))
				stats.WalletErrors++
				continue
			}

			deltas, errs := e.computer.Compute(history)
			for _, derr := range errs {
				if errors.Is(derr, delta.ErrOutOfOrderSnapshot) {
					// stored for audit, excluded from delta math
					e.l.Warn("out-of-order snapshot excluded", zap.Error(derr))
					continue
				}
				e.l.Error("delta computation error", zap.Error(derr))
			}

			latest := cursor
			for _, d := range deltas {
				if latest.Before(d.To.Timestamp) {
					latest = d.To.Timestamp
				}
				if !d.To.Timestamp.After(cursor) {
					continue
				}
				all = append(all, d)
			}
			if latest.After(cursor) {
				advances[cursorKey{walletID: wallet.ID, currency: currency}] = latest
			}
		}
	}

	sort.SliceStable(all, func(i, j int) bool {
		return all[i].To.Timestamp.Before(all[j].To.Timestamp)
	})
	stats.Deltas = len(all)
	return all, advances
}

// advanceCursors records how far each snapshot stream has been consumed.
// Runs after commit: a cycle that dies mid-commit leaves the cursors
// untouched and the next cycle re-derives the batch.
func (e *Engine) advanceCursors(ctx context.Context, advances map[cursorKey]time.Time) {
	for key, ts := range advances {
		if err := e.snapshots.MarkProcessed(ctx, key.walletID, key.currency, ts); err != nil {
			e.l.Error("failed to advance detection cursor",
				zap.String("wallet_id", key.walletID),
				zap.String("currency", key.currency),
				zap.Error(err))
		}
	}
}

// stageDetections runs matching, pattern detection and the plain fallback
// over the batch and scores everything, without touching the store.
func (e *Engine) stageDetections(userID string, wallets []domain.Wallet, deltas []domain.BalanceDelta, stats *CycleStats) []staged {
	var stagedDetections []staged

	pairs, unclaimed := e.matcher.Match(deltas)
	for _, pair := range pairs {
		debit, credit, err := e.buildTransferLegs(userID, pair)
		if err != nil {
			e.l.Error("failed to build transfer detections", zap.Error(err))
			continue
		}
		input := confidence.Input{
			Method:      domain.MethodTransferMatch,
			AmountError: pair.AmountError,
			Elapsed:     pair.Lag,
			Window:      e.cfg.TransferWindow,
			Incomplete:  pair.Debit.Incomplete || pair.Credit.Incomplete,
		}
		stagedDetections = append(stagedDetections,
			staged{det: debit, input: input, partner: credit},
			staged{det: credit, input: input, partner: debit})
		stats.Transfers++
	}

	for _, d := range unclaimed {
		completed, consumed := e.detector.Observe(d)
		if completed != nil {
			det, err := domain.NewDetectedTransaction(userID, d.WalletID, completed.FinalDelta,
				completed.FinalDelta.AbsAmount(), domain.TypeExpense, domain.MethodPatternMatch)
			if err != nil {
				e.l.Error("failed to build pattern detection", zap.Error(err))
				continue
			}
			stagedDetections = append(stagedDetections, staged{
				det: det,
				input: confidence.Input{
					Method:      domain.MethodPatternMatch,
					AmountError: completed.AmountError,
					Elapsed:     completed.Elapsed,
					Window:      e.cfg.ChainLifetime,
					Incomplete:  completed.Candidate.Incomplete,
				},
			})
			stats.Patterns++
			continue
		}
		if consumed {
			// delta opened or advanced an in-flight chain; it will either
			// complete on a later delta or expire (logged by the detector)
			continue
		}

		if d.AbsAmount().LessThan(e.cfg.MinChange) {
			continue
		}

		txType := domain.TypeIncome
		if d.IsExpense() {
			txType = domain.TypeExpense
		}
		det, err := domain.NewDetectedTransaction(userID, d.WalletID, d, d.AbsAmount(), txType, domain.MethodBalanceDelta)
		if err != nil {
			e.l.Error("failed to build balance-delta detection", zap.Error(err))
			continue
		}
		stagedDetections = append(stagedDetections, staged{
			det: det,
			input: confidence.Input{
				Method:     domain.MethodBalanceDelta,
				Incomplete: d.Incomplete,
			},
		})
		stats.Plain++
	}

	// chains that never completed give their deltas back: a debit that was
	// withheld as a possible swap trigger still ends up a plain expense
	walletIDs := make(map[string]bool, len(wallets))
	for _, w := range wallets {
		walletIDs[w.ID] = true
	}
	e.detector.Sweep(time.Now())
	for _, c := range e.detector.DrainExpired(walletIDs) {
		stagedDetections = append(stagedDetections, e.stageAbandonedChain(userID, c, stats)...)
	}

	return stagedDetections
}

// stageAbandonedChain turns an abandoned candidate's deltas into plain
// detections: the trigger debit as an expense, plus the settlement credit as
// income when the chain got that far.
func (e *Engine) stageAbandonedChain(userID string, c *domain.SwapChainCandidate, stats *CycleStats) []staged {
	var out []staged

	deltas := []domain.BalanceDelta{c.TriggerDelta}
	if c.State == domain.ChainAwaitingSettlement {
		deltas = append(deltas, c.SettleDelta)
	}

	for _, d := range deltas {
		if d.AbsAmount().LessThan(e.cfg.MinChange) {
			continue
		}
		txType := domain.TypeIncome
		if d.IsExpense() {
			txType = domain.TypeExpense
		}
		det, err := domain.NewDetectedTransaction(userID, d.WalletID, d, d.AbsAmount(), txType, domain.MethodBalanceDelta)
		if err != nil {
			e.l.Error("failed to build detection from abandoned chain",
				zap.String("chain_id", c.ChainID), zap.Error(err))
			continue
		}
		out = append(out, staged{
			det: det,
			input: confidence.Input{
				Method:     domain.MethodBalanceDelta,
				Incomplete: d.Incomplete,
			},
		})
		stats.Plain++
	}
	return out
}

// buildTransferLegs creates two linked detections for a matched pair.
func (e *Engine) buildTransferLegs(userID string, pair transfer.MatchedPair) (*domain.DetectedTransaction, *domain.DetectedTransaction, error) {
	debit, err := domain.NewDetectedTransaction(userID, pair.Debit.WalletID, pair.Debit,
		pair.Debit.AbsAmount(), domain.TypeTransfer, domain.MethodTransferMatch)
	if err != nil {
		return nil, nil, err
	}
	debit.Outgoing = true

	credit, err := domain.NewDetectedTransaction(userID, pair.Credit.WalletID, pair.Credit,
		pair.Credit.AbsAmount(), domain.TypeTransfer, domain.MethodTransferMatch)
	if err != nil {
		return nil, nil, err
	}

	debit.LinkedDetectionID = credit.ID
	credit.LinkedDetectionID = debit.ID
	return debit, credit, nil
}

// commit scores staged detections, drops the noise, saves the rest pending
// and auto-confirms the near-certain ones.
func (e *Engine) commit(ctx context.Context, stagedDetections []staged, stats *CycleStats) {
	for i := range stagedDetections {
		s := &stagedDetections[i]
		s.det.Confidence = e.scorer.Score(s.input)
	}

	saved := make(map[string]*domain.DetectedTransaction)
	for _, s := range stagedDetections {
		if s.det.Confidence < e.cfg.SurfaceThreshold {
			e.l.Info("discarding low-confidence detection",
				zap.String("wallet_id", s.det.WalletID),
				zap.String("type", string(s.det.Type)),
				zap.String("amount", s.det.Amount.String()),
				zap.String("currency", s.det.Currency),
				zap.Float64("confidence", s.det.Confidence))
			stats.Dropped++
			continue
		}

		if err := e.detections.Save(ctx, s.det); err != nil {
			e.l.Error("failed to save detection",
				zap.String("detection_id", s.det.ID),
				zap.String("wallet_id", s.det.WalletID),
				zap.Error(err))
			continue
		}
		saved[s.det.ID] = s.det
		stats.Saved++
	}

	e.autoConfirm(ctx, stagedDetections, saved, stats)
}

// autoConfirm confirms and applies detections at or above the auto-confirm
// threshold. Transfer legs are only auto-confirmed together, both legs
// applied atomically.
func (e *Engine) autoConfirm(ctx context.Context, stagedDetections []staged, saved map[string]*domain.DetectedTransaction, stats *CycleStats) {
	done := make(map[string]bool)

	for _, s := range stagedDetections {
		det := s.det
		if done[det.ID] || saved[det.ID] == nil {
			continue
		}
		if det.Confidence < e.cfg.AutoConfirmThreshold {
			continue
		}

		if det.Type == domain.TypeTransfer {
			partner := s.partner
			if partner == nil || saved[partner.ID] == nil || partner.Confidence < e.cfg.AutoConfirmThreshold {
				continue
			}
			debit, credit := det, partner
			if !debit.Outgoing {
				debit, credit = partner, det
			}
			if err := e.ledger.ApplyTransfer(ctx, debit, credit); err != nil {
				e.l.Error("failed to auto-apply transfer", zap.String("detection_id", det.ID), zap.Error(err))
				done[det.ID], done[partner.ID] = true, true
				continue
			}
			e.confirmSaved(ctx, debit)
			e.confirmSaved(ctx, credit)
			done[det.ID], done[partner.ID] = true, true
			stats.AutoConfirmed += 2
			continue
		}

		if err := e.ledger.Apply(ctx, det); err != nil {
			e.l.Error("failed to auto-apply detection", zap.String("detection_id", det.ID), zap.Error(err))
			done[det.ID] = true
			continue
		}
		e.confirmSaved(ctx, det)
		done[det.ID] = true
		stats.AutoConfirmed++
	}
}

func (e *Engine) confirmSaved(ctx context.Context, det *domain.DetectedTransaction) {
	if err := e.detections.UpdateStatus(ctx, det.ID, domain.StatusConfirmed, det.LinkedTransactionID); err != nil {
		e.l.Error("failed to mark detection confirmed",
			zap.String("detection_id", det.ID), zap.Error(err))
		return
	}
	det.Status = domain.StatusConfirmed
}

// Confirm is the entry point for the external confirmation workflow: it
// applies the detection's ledger effect (both legs for a transfer) and links
// the resulting transaction.
func (e *Engine) Confirm(ctx context.Context, detectionID, linkedTransactionID string) error {
	det, err := e.detections.Get(ctx, detectionID)
	if err != nil {
		return errors.Wrapf(err, "failed to load detection %s", detectionID)
	}
	if !det.Status.CanTransitionTo(domain.StatusConfirmed) {
		return errors.Errorf("detection %s is %s and cannot be confirmed", det.ID, det.Status)
	}

	if det.Type == domain.TypeTransfer && det.LinkedDetectionID != "" {
		partner, err := e.detections.Get(ctx, det.LinkedDetectionID)
		if err != nil {
			return errors.Wrapf(err, "failed to load transfer partner %s", det.LinkedDetectionID)
		}
		debit, credit := det, partner
		if !debit.Outgoing {
			debit, credit = partner, det
		}
		if err := e.ledger.ApplyTransfer(ctx, debit, credit); err != nil {
			return errors.Wrap(err, "failed to apply transfer effect")
		}
		if err := e.detections.UpdateStatus(ctx, debit.ID, domain.StatusConfirmed, linkedTransactionID); err != nil {
			return err
		}
		return e.detections.UpdateStatus(ctx, credit.ID, domain.StatusConfirmed, linkedTransactionID)
	}

	if err := e.ledger.Apply(ctx, det); err != nil {
		return errors.Wrap(err, "failed to apply detection effect")
	}
	return e.detections.UpdateStatus(ctx, det.ID, domain.StatusConfirmed, linkedTransactionID)
}

// Reject discards a pending detection without touching any balance.
func (e *Engine) Reject(ctx context.Context, detectionID string) error {
	det, err := e.detections.Get(ctx, detectionID)
	if err != nil {
		return errors.Wrapf(err, "failed to load detection %s", detectionID)
	}
	if !det.Status.CanTransitionTo(domain.StatusRejected) {
		return errors.Errorf("detection %s is %s and cannot be rejected", det.ID, det.Status)
	}
	return e.detections.UpdateStatus(ctx, det.ID, domain.StatusRejected, "")
}

// Merge folds a pending detection into a manually entered transaction. The
// manual entry owns the ledger effect, so nothing is applied here.
func (e *Engine) Merge(ctx context.Context, detectionID, transactionID string) error {
	det, err := e.detections.Get(ctx, detectionID)
	if err != nil {
		return errors.Wrapf(err, "failed to load detection %s", detectionID)
	}
	if !det.Status.CanTransitionTo(domain.StatusMerged) {
		return errors.Errorf("detection %s is %s and cannot be merged", det.ID, det.Status)
	}
	return e.detections.UpdateStatus(ctx, det.ID, domain.StatusMerged, transactionID)
}
