// internal/broadcast/evm.go
package broadcast

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
)

// EVM submits raw signed transactions to an EVM-compatible chain over RPC.
type EVM struct {
	client *ethclient.Client
}

func NewEVM(ctx context.Context, rpcURL string) (*EVM, error) {
	client, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("dial evm rpc: %w", err)
	}
	return &EVM{client: client}, nil
}

func (b *EVM) Broadcast(ctx context.Context, signedTx []byte) (string, error) {
	tx := new(types.Transaction)
	if err := tx.UnmarshalBinary(signedTx); err != nil {
		return "", fmt.Errorf("decode signed tx: %w", err)
	}
	if err := b.client.SendTransaction(ctx, tx); err != nil {
		return "", fmt.Errorf("send tx: %w", err)
	}
	return tx.Hash().Hex(), nil
}

func (b *EVM) Close() {
	b.client.Close()
}
