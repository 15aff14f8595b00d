// internal/broadcast/solana.go
package broadcast

import (
	"context"
	"encoding/base64"
	"fmt"

	"github.com/gagliardetto/solana-go/rpc"
)

// Solana submits pre-signed transactions to a Solana RPC node. The wallet
// signs offline; the relay only forwards the encoded blob.
type Solana struct {
	client *rpc.Client
}

func NewSolana(rpcURL string) *Solana {
	return &Solana{client: rpc.New(rpcURL)}
}

func (b *Solana) Broadcast(ctx context.Context, signedTx []byte) (string, error) {
	sig, err := b.client.SendEncodedTransaction(ctx, base64.StdEncoding.EncodeToString(signedTx))
	if err != nil {
		return "", fmt.Errorf("send tx: %w", err)
	}
	return sig.String(), nil
}
