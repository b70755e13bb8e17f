package engine

import (
	"context"
	"slices"

	"github.com/shopspring/decimal"

	"github.com/agrifutures/futures-engine/internal/apperr"
	"github.com/agrifutures/futures-engine/internal/metrics"
	"github.com/agrifutures/futures-engine/internal/model"
)

// CropPrice is one row of the crop listing.
type CropPrice struct {
	Name  string          `json:"name"`
	Price decimal.Decimal `json:"price"`
}

// ListCrops returns every supported crop with its current oracle price, in
// display order.
func (e *Engine) ListCrops(ctx context.Context) ([]CropPrice, error) {
	out := make([]CropPrice, 0, len(model.SupportedCrops))
	for _, crop := range model.SupportedCrops {
		if !e.prices.Supported(crop) {
			continue
		}
		price, err := e.currentPrice(ctx, crop)
		if err != nil {
			return nil, err
		}
		out = append(out, CropPrice{Name: crop, Price: price})
	}
	return out, nil
}

func (e *Engine) FarmerByPhone(ctx context.Context, phone string) (*model.Farmer, error) {
	return e.farmerByPhone(ctx, phone)
}

// ActiveContracts returns the farmer's ACTIVE contracts, newest first.
func (e *Engine) ActiveContracts(ctx context.Context, phone string) ([]model.FuturesContract, error) {
	farmer, err := e.farmerByPhone(ctx, phone)
	if err != nil {
		return nil, err
	}
	contracts, err := e.store.ListContractsByFarmer(ctx, farmer.ID, model.ContractActive)
	if err != nil {
		return nil, classify(err, "contracts")
	}
	if contracts == nil {
		contracts = []model.FuturesContract{}
	}
	return contracts, nil
}

// BalanceView is the wallet summary returned to farmers.
type BalanceView struct {
	Balance         decimal.Decimal `json:"balance"`
	Currency        string          `json:"currency"`
	ActiveContracts int             `json:"active_contracts"`
}

func (e *Engine) Balance(ctx context.Context, farmer *model.Farmer) (*BalanceView, error) {
	wallet, err := e.store.GetWalletByFarmer(ctx, farmer.ID)
	if err != nil {
		return nil, classify(err, "wallet")
	}
	active, err := e.store.ListContractsByFarmer(ctx, farmer.ID, model.ContractActive)
	if err != nil {
		return nil, classify(err, "contracts")
	}
	return &BalanceView{
		Balance:         money(wallet.Balance),
		Currency:        wallet.Currency,
		ActiveContracts: len(active),
	}, nil
}

// WalletAudit compares a local wallet balance with the processor's view of
// the same wallet. Drift is processor minus local; seeded balances and
// unconfirmed payments show up as drift.
type WalletAudit struct {
	WalletRef string          `json:"wallet_ref"`
	Currency  string          `json:"currency"`
	Local     decimal.Decimal `json:"local"`
	Processor decimal.Decimal `json:"processor"`
	Drift     decimal.Decimal `json:"drift"`
}

// AuditWallet fetches the processor-side balance of the farmer's wallet.
func (e *Engine) AuditWallet(ctx context.Context, phone string) (*WalletAudit, error) {
	farmer, err := e.farmerByPhone(ctx, phone)
	if err != nil {
		return nil, err
	}
	wallet, err := e.store.GetWalletByFarmer(ctx, farmer.ID)
	if err != nil {
		return nil, classify(err, "wallet")
	}
	payCtx, cancel := context.WithTimeout(ctx, e.cfg.PaymentTimeout)
	remote, err := e.payments.Balance(payCtx, wallet.MobileMoneyRef, wallet.Currency)
	cancel()
	if err != nil {
		metrics.AdaptorFailures.WithLabelValues("mobile_money", "balance").Inc()
		return nil, apperr.Wrap(apperr.CodeAdaptor, err, "processor balance lookup failed")
	}
	local := money(wallet.Balance)
	remote = money(remote)
	return &WalletAudit{
		WalletRef: wallet.MobileMoneyRef,
		Currency:  wallet.Currency,
		Local:     local,
		Processor: remote,
		Drift:     remote.Sub(local),
	}, nil
}

// Transactions returns the farmer's wallet history, newest first.
func (e *Engine) Transactions(ctx context.Context, phone string) ([]model.Transaction, error) {
	farmer, err := e.farmerByPhone(ctx, phone)
	if err != nil {
		return nil, err
	}
	wallet, err := e.store.GetWalletByFarmer(ctx, farmer.ID)
	if err != nil {
		return nil, classify(err, "wallet")
	}
	txs, err := e.store.ListTransactionsByWallet(ctx, wallet.ID)
	if err != nil {
		return nil, classify(err, "transactions")
	}
	if txs == nil {
		txs = []model.Transaction{}
	}
	slices.Reverse(txs)
	return txs, nil
}

func (e *Engine) ReconciliationFlags(ctx context.Context) ([]model.ReconciliationFlag, error) {
	flags, err := e.store.ListReconciliationFlags(ctx)
	if err != nil {
		return nil, classify(err, "reconciliation flags")
	}
	if flags == nil {
		flags = []model.ReconciliationFlag{}
	}
	return flags, nil
}
