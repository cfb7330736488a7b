// Package binance adapts the Binance spot account API as a snapshot provider.
package binance

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/adshao/go-binance/v2"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"

	"walletscope/internal/domain"
)

// Provider captures balance snapshots from a Binance spot account. One
// Provider serves all users, so the capture sequence counter is atomic:
// cycles for different users may run concurrently.
type Provider struct {
	client *binance.Client
	seq    atomic.Uint64
}

// NewProvider returns a Provider for the given API credentials.
func NewProvider(apiKey, apiSecret string) *Provider {
	return &Provider{client: binance.NewClient(apiKey, apiSecret)}
}

// Snapshots reads the current free balance for each of the wallet's tracked
// currencies and returns one snapshot per currency, all sharing one
// observation timestamp.
func (p *Provider) Snapshots(ctx context.Context, wallet domain.Wallet) ([]domain.BalanceSnapshot, error) {
	account, err := p.client.NewGetAccountService().Do(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "failed to get binance account")
	}

	tracked := make(map[string]bool, len(wallet.Currencies))
	for _, c := range wallet.Currencies {
		tracked[c] = true
	}

	now := time.Now().UTC()
	seq := p.seq.Add(1)

	var snaps []domain.BalanceSnapshot
	for _, b := range account.Balances {
		if len(tracked) > 0 && !tracked[b.Asset] {
			continue
		}
		free, err := decimal.NewFromString(b.Free)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to parse %s balance", b.Asset)
		}
		if free.IsZero() && !tracked[b.Asset] {
			continue
		}

		snap, err := domain.NewBalanceSnapshot("", wallet.ID, b.Asset, free, now, domain.SourceBinance, seq)
		if err != nil {
			return nil, errors.Wrapf(err, "invalid snapshot for %s", b.Asset)
		}
		snaps = append(snaps, snap)
	}
	return snaps, nil
}
