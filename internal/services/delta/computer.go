// Package delta turns consecutive balance snapshots into signed deltas.
package delta

import (
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"walletscope/internal/domain"
)

// ErrOutOfOrderSnapshot marks a snapshot whose timestamp precedes the last
// one seen for its (wallet, currency). The snapshot stays stored for audit
// but is excluded from delta computation.
var ErrOutOfOrderSnapshot = errors.New("out-of-order snapshot")

// Computer derives balance deltas from an ordered snapshot history.
type Computer struct {
	maxGap time.Duration
	l      *zap.Logger
}

// NewComputer returns a Computer. Deltas whose observation gap exceeds
// maxGap are flagged incomplete, which depresses confidence downstream but
// does not block detection.
func NewComputer(maxGap time.Duration, l *zap.Logger) *Computer {
	return &Computer{maxGap: maxGap, l: l}
}

// Compute walks the snapshot history of one (wallet, currency) and returns
// the deltas between consecutive in-order snapshots. Out-of-order snapshots
// are reported in the returned error slice and skipped; they never shift the
// baseline. Zero deltas emit no candidate but advance the baseline.
//
// For any in-order sequence, the returned deltas sum to
// last.balance - first.balance.
func (c *Computer) Compute(snapshots []domain.BalanceSnapshot) ([]domain.BalanceDelta, []error) {
	if len(snapshots) < 2 {
		return nil, nil
	}

	deltas := make([]domain.BalanceDelta, 0, len(snapshots)-1)
	var errs []error

	baseline := snapshots[0]
	for _, snap := range snapshots[1:] {
		if snap.WalletID != baseline.WalletID || snap.Currency != baseline.Currency {
			errs = append(errs, errors.Errorf("snapshot %s belongs to (%s, %s), expected (%s, %s)",
				snap.ID, snap.WalletID, snap.Currency, baseline.WalletID, baseline.Currency))
			continue
		}

		if snap.Timestamp.Before(baseline.Timestamp) {
			c.l.Warn("excluding out-of-order snapshot from delta computation",
				zap.String("wallet_id", snap.WalletID),
				zap.String("currency", snap.Currency),
				zap.Time("timestamp", snap.Timestamp),
				zap.Time("baseline", baseline.Timestamp))
			errs = append(errs, errors.Wrapf(ErrOutOfOrderSnapshot,
				"snapshot %s at %s precedes baseline %s", snap.ID, snap.Timestamp, baseline.Timestamp))
			continue
		}

		if snap.Balance.Equal(baseline.Balance) {
			// no candidate, but the newer snapshot becomes the baseline
			baseline = snap
			continue
		}

		incomplete := c.maxGap > 0 && snap.Timestamp.Sub(baseline.Timestamp) > c.maxGap
		deltas = append(deltas, domain.NewBalanceDelta(baseline, snap, incomplete))
		baseline = snap
	}

	return deltas, errs
}
