// Package ledger issues contract receipt assets on the Stellar network.
//
// Issuance is a strictly ordered protocol: make sure the farmer account
// exists, submit a trust line for the contract asset signed by the farmer,
// then submit the issuer's payment of the asset. Exercise and settlement
// happen off-chain; the asset is only a receipt of the contract terms.
package ledger

import (
	"context"
	"errors"

	"github.com/stellar/go/txnbuild"
)

var (
	ErrAccountNotFound = errors.New("ledger: account not found")
	ErrFundingDisabled = errors.New("ledger: account funding is only available on testnet")
)

// Result is the outcome of a submitted transaction.
type Result struct {
	Successful bool
	Hash       string
	// ResultCode is the machine-readable failure code, e.g. "tx_bad_seq"
	// or "op_no_trust".
	ResultCode string
}

// Network is the ledger client the settlement adaptor consumes.
type Network interface {
	// LoadAccount returns ErrAccountNotFound for unknown addresses.
	LoadAccount(ctx context.Context, address string) (txnbuild.Account, error)
	FundAccount(ctx context.Context, address string) error
	BaseFee(ctx context.Context) (int64, error)
	Submit(ctx context.Context, tx *txnbuild.Transaction) (Result, error)
	// AssetExists reports whether issuer already has an asset named code.
	AssetExists(ctx context.Context, code, issuer string) (bool, error)
}
