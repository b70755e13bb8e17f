package ledger

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/stellar/go/clients/horizonclient"
	"github.com/stellar/go/network"
	"github.com/stellar/go/txnbuild"
)

// Horizon implements Network against a Stellar Horizon server.
//
// horizonclient calls do not take a context; the deadline is enforced by
// the HTTP client timeout and ctx is checked before each call.
type Horizon struct {
	client  *horizonclient.Client
	testnet bool
}

func NewHorizon(horizonURL string, testnet bool, timeout time.Duration) *Horizon {
	return &Horizon{
		client: &horizonclient.Client{
			HorizonURL: strings.TrimSuffix(horizonURL, "/") + "/",
			HTTP:       &http.Client{Timeout: timeout},
		},
		testnet: testnet,
	}
}

// Passphrase returns the network passphrase transactions are signed for.
func Passphrase(testnet bool) string {
	if testnet {
		return network.TestNetworkPassphrase
	}
	return network.PublicNetworkPassphrase
}

func (h *Horizon) LoadAccount(ctx context.Context, address string) (txnbuild.Account, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	acct, err := h.client.AccountDetail(horizonclient.AccountRequest{AccountID: address})
	if err != nil {
		if horizonclient.IsNotFoundError(err) {
			return nil, fmt.Errorf("%w: %s", ErrAccountNotFound, address)
		}
		return nil, fmt.Errorf("ledger: load account %s: %w", address, err)
	}
	return &acct, nil
}

// FundAccount asks friendbot to create and fund address. Testnet only.
func (h *Horizon) FundAccount(ctx context.Context, address string) error {
	if !h.testnet {
		return ErrFundingDisabled
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, err := h.client.Fund(address); err != nil {
		return fmt.Errorf("ledger: fund %s: %w", address, err)
	}
	return nil
}

func (h *Horizon) BaseFee(ctx context.Context) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	fee, err := h.client.FetchBaseFee()
	if err != nil {
		return txnbuild.MinBaseFee, nil
	}
	return fee, nil
}

func (h *Horizon) Submit(ctx context.Context, tx *txnbuild.Transaction) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	resp, err := h.client.SubmitTransaction(tx)
	if err != nil {
		if hErr := horizonclient.GetError(err); hErr != nil {
			if codes, cerr := hErr.ResultCodes(); cerr == nil && codes != nil {
				code := codes.TransactionCode
				if len(codes.OperationCodes) > 0 {
					code += ":" + strings.Join(codes.OperationCodes, ",")
				}
				return Result{Successful: false, ResultCode: code}, nil
			}
		}
		return Result{}, fmt.Errorf("ledger: submit: %w", err)
	}
	return Result{Successful: resp.Successful, Hash: resp.Hash}, nil
}

func (h *Horizon) AssetExists(ctx context.Context, code, issuer string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	page, err := h.client.Assets(horizonclient.AssetRequest{ForAssetCode: code, ForAssetIssuer: issuer, Limit: 1})
	if err != nil {
		return false, fmt.Errorf("ledger: look up asset %s: %w", code, err)
	}
	return len(page.Embedded.Records) > 0, nil
}
