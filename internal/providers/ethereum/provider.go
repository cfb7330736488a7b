// Package ethereum adapts an Ethereum JSON-RPC endpoint as a snapshot provider.
package ethereum

import (
	"context"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"

	"walletscope/internal/domain"
)

// weiExponent converts wei to ETH: 1 ETH = 10^18 wei.
const weiExponent = -18

// Provider captures native-coin balance snapshots for wallet addresses.
type Provider struct {
	client *ethclient.Client
}

// NewProvider dials the RPC endpoint.
func NewProvider(ctx context.Context, rpcURL string) (*Provider, error) {
	client, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to dial ethereum rpc %s", rpcURL)
	}
	return &Provider{client: client}, nil
}

// Close releases the RPC connection.
func (p *Provider) Close() {
	p.client.Close()
}

// Snapshots reads the wallet address's ETH balance at the latest block. The
// block number doubles as the snapshot's monotonic sequence.
func (p *Provider) Snapshots(ctx context.Context, wallet domain.Wallet) ([]domain.BalanceSnapshot, error) {
	if wallet.Address == "" {
		return nil, errors.Errorf("wallet %s has no on-chain address", wallet.ID)
	}

	header, err := p.client.HeaderByNumber(ctx, nil)
	if err != nil {
		return nil, errors.Wrap(err, "failed to get latest block header")
	}

	wei, err := p.client.BalanceAt(ctx, common.HexToAddress(wallet.Address), header.Number)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to get balance for %s", wallet.Address)
	}

	balance := decimal.NewFromBigInt(wei, weiExponent)
	snap, err := domain.NewBalanceSnapshot("", wallet.ID, "ETH", balance, time.Now().UTC(),
		domain.SourceEthereum, header.Number.Uint64())
	if err != nil {
		return nil, errors.Wrap(err, "invalid snapshot")
	}
	return []domain.BalanceSnapshot{snap}, nil
}
