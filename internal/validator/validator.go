// internal/validator/validator.go
package validator

import (
	"encoding/base64"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"acprelay/internal/proto"
)

var ErrInvalidTransaction = errors.New("invalid transaction")

// Supported chain ids. EVM chains are numeric strings, Solana is named.
const (
	ChainSolana = "solana"

	maxIDLen        = 128
	maxRecipientLen = 128
)

// Validate performs structural checks on a decrypted transaction message.
// It never inspects the signed payload beyond decodability; chain-level
// validity is the broadcaster's problem.
func Validate(tx proto.TransactionMsg) error {
	if tx.ID == "" {
		return fmt.Errorf("%w: missing id", ErrInvalidTransaction)
	}
	if len(tx.ID) > maxIDLen {
		return fmt.Errorf("%w: id too long", ErrInvalidTransaction)
	}
	if tx.Recipient == "" {
		return fmt.Errorf("%w: missing recipient", ErrInvalidTransaction)
	}
	if len(tx.Recipient) > maxRecipientLen {
		return fmt.Errorf("%w: recipient too long", ErrInvalidTransaction)
	}
	if err := validateAmount(tx.Amount); err != nil {
		return err
	}
	if err := validateChainID(tx.ChainID); err != nil {
		return err
	}
	if tx.SignedTx == "" {
		return fmt.Errorf("%w: missing signed payload", ErrInvalidTransaction)
	}
	if _, err := base64.StdEncoding.DecodeString(tx.SignedTx); err != nil {
		return fmt.Errorf("%w: signed payload not base64", ErrInvalidTransaction)
	}
	return nil
}

func validateAmount(s string) error {
	if s == "" {
		return fmt.Errorf("%w: missing amount", ErrInvalidTransaction)
	}
	r, ok := new(big.Rat).SetString(s)
	if !ok {
		return fmt.Errorf("%w: amount not a number", ErrInvalidTransaction)
	}
	if r.Sign() <= 0 {
		return fmt.Errorf("%w: amount not positive", ErrInvalidTransaction)
	}
	return nil
}

func validateChainID(s string) error {
	if s == "" {
		return fmt.Errorf("%w: missing chain id", ErrInvalidTransaction)
	}
	if strings.EqualFold(s, ChainSolana) {
		return nil
	}
	n, ok := new(big.Int).SetString(s, 10)
	if !ok || n.Sign() <= 0 {
		return fmt.Errorf("%w: unknown chain id %q", ErrInvalidTransaction, s)
	}
	return nil
}

// IsSolana reports whether the chain id routes to the Solana broadcaster.
func IsSolana(chainID string) bool {
	return strings.EqualFold(chainID, ChainSolana)
}
