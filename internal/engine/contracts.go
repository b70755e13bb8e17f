package engine

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/agrifutures/futures-engine/internal/apperr"
	"github.com/agrifutures/futures-engine/internal/exposure"
	"github.com/agrifutures/futures-engine/internal/ledger"
	"github.com/agrifutures/futures-engine/internal/metrics"
	"github.com/agrifutures/futures-engine/internal/model"
	"github.com/agrifutures/futures-engine/internal/pricing"
	"github.com/agrifutures/futures-engine/internal/store"
)

// QuoteResult is the premium for a prospective contract at the current price.
type QuoteResult struct {
	Crop         string          `json:"crop"`
	Quantity     decimal.Decimal `json:"quantity"`
	StrikePrice  decimal.Decimal `json:"strike_price"`
	CurrentPrice decimal.Decimal `json:"current_price"`
	Premium      decimal.Decimal `json:"premium"`
}

func (e *Engine) validateTerms(crop string, quantity, strike decimal.Decimal) (string, error) {
	crop = model.NormalizeCrop(crop)
	if !model.IsSupportedCrop(crop) || !e.prices.Supported(crop) {
		return "", apperr.Wrap(apperr.CodeValidation, ErrUnsupportedCrop, "unsupported crop "+crop)
	}
	// Ledger amounts carry at most 7 decimal places; the check also bounds
	// the cost of the comparisons below.
	for _, v := range []decimal.Decimal{quantity, strike} {
		if err := pricing.CheckPrecision(v); err != nil {
			return "", apperr.Wrap(apperr.CodeValidation, errors.Join(ErrInvalidPrecision, err),
				"quantity and strike allow at most 7 decimal places")
		}
	}
	if quantity.LessThan(e.cfg.MinContractSize) || quantity.GreaterThan(e.cfg.MaxContractSize) {
		return "", apperr.Wrap(apperr.CodeValidation, ErrQuantityOutOfRange,
			"quantity must be between "+e.cfg.MinContractSize.String()+" and "+e.cfg.MaxContractSize.String())
	}
	if !strike.IsPositive() {
		return "", apperr.Wrap(apperr.CodeValidation, ErrInvalidStrike, "strike price must be positive")
	}
	return crop, nil
}

func (e *Engine) currentPrice(ctx context.Context, crop string) (decimal.Decimal, error) {
	price, err := e.prices.GetPrice(ctx, crop)
	if err != nil {
		if apperr.As(err) != nil {
			return decimal.Zero, err
		}
		return decimal.Zero, apperr.Wrap(apperr.CodeAdaptor, err, "price lookup failed")
	}
	return price, nil
}

// Price returns the current oracle price of crop.
func (e *Engine) Price(ctx context.Context, crop string) (decimal.Decimal, error) {
	crop = model.NormalizeCrop(crop)
	if !model.IsSupportedCrop(crop) || !e.prices.Supported(crop) {
		return decimal.Zero, apperr.Wrap(apperr.CodeNotFound, ErrUnsupportedCrop, "unsupported crop "+crop)
	}
	return e.currentPrice(ctx, crop)
}

// Quote prices a prospective contract. Buy charges exactly this premium
// for the same current price.
func (e *Engine) Quote(ctx context.Context, crop string, quantity, strike decimal.Decimal) (*QuoteResult, error) {
	crop, err := e.validateTerms(crop, quantity, strike)
	if err != nil {
		return nil, err
	}
	current, err := e.currentPrice(ctx, crop)
	if err != nil {
		return nil, err
	}
	return &QuoteResult{
		Crop:         crop,
		Quantity:     quantity,
		StrikePrice:  strike,
		CurrentPrice: current,
		Premium:      e.pricer.Premium(strike, current, quantity),
	}, nil
}

// Buy creates an ACTIVE contract for farmer, debiting the premium and
// issuing the ledger receipt asset as one unit.
func (e *Engine) Buy(ctx context.Context, farmer *model.Farmer, crop string, quantity, strike decimal.Decimal) (*model.FuturesContract, error) {
	start := time.Now()
	defer metrics.ObserveSince("buy", start)

	ctx = e.log.WithFarmerID(ctx, farmer.ID)
	q, err := e.Quote(ctx, crop, quantity, strike)
	if err != nil {
		return nil, err
	}

	unlock := e.lockFarmer(farmer.ID)
	defer unlock()

	if err := e.checkExposure(ctx, farmer.ID, q); err != nil {
		return nil, err
	}

	keys := ledger.Keys{Public: farmer.LedgerPublicKey, Secret: farmer.LedgerSecretKey}
	var (
		contract *model.FuturesContract
		issued   string
	)
	err = e.store.InTx(ctx, func(tx store.Tx) error {
		wallet, err := tx.LockWallet(ctx, farmer.ID)
		if err != nil {
			return classify(err, "wallet")
		}
		if wallet.Balance.LessThan(q.Premium) {
			return apperr.Newf(apperr.CodeInsufficientFunds,
				"balance %s below premium %s", wallet.Balance.StringFixed(2), q.Premium.StringFixed(2))
		}

		issueCtx, cancel := context.WithTimeout(ctx, e.cfg.LedgerTimeout)
		code, err := e.issuer.IssueContractAsset(issueCtx, keys, q.Quantity, q.StrikePrice, q.Premium)
		cancel()
		if err != nil {
			return apperr.Wrap(apperr.CodeAdaptor, err, "ledger asset issuance failed")
		}
		issued = code

		if err := tx.UpdateWalletBalance(ctx, wallet.ID, wallet.Balance.Sub(q.Premium)); err != nil {
			return err
		}
		now := e.now()
		c := &model.FuturesContract{
			FarmerID:    farmer.ID,
			Crop:        q.Crop,
			Quantity:    q.Quantity,
			StrikePrice: q.StrikePrice,
			Premium:     q.Premium,
			CreatedAt:   now,
			ExpiresAt:   now.Add(e.cfg.Tenor),
			AssetCode:   code,
			Status:      model.ContractActive,
		}
		if err := tx.InsertContract(ctx, c); err != nil {
			return err
		}
		if err := tx.InsertTransaction(ctx, &model.Transaction{
			ID:          uuid.NewString(),
			WalletID:    wallet.ID,
			Type:        model.TxPremiumPayment,
			Amount:      q.Premium,
			Status:      model.TxCompleted,
			ExternalRef: code,
			CreatedAt:   now,
			UpdatedAt:   now,
		}); err != nil {
			return err
		}
		contract = c
		return nil
	})
	if err != nil {
		if issued != "" {
			return nil, e.reconcile(ctx, model.ReconcileBuy, farmer.ID, issued, q.Premium, err)
		}
		if apperr.Is(err, apperr.CodeAdaptor) {
			metrics.AdaptorFailures.WithLabelValues("ledger", "buy").Inc()
			e.log.Warn(e.log.WithField(ctx, "error", err.Error()), "contract purchase aborted by ledger failure")
		}
		return nil, classify(err, "contract purchase")
	}

	metrics.ContractsTotal.WithLabelValues(contract.Crop, "bought").Inc()
	metrics.PremiumVolume.WithLabelValues(contract.Crop).Add(contract.Premium.InexactFloat64())
	e.log.Info(e.log.WithFields(ctx, map[string]any{
		"contract_id": contract.ID,
		"crop":        contract.Crop,
		"quantity":    contract.Quantity.String(),
		"strike":      contract.StrikePrice.String(),
		"premium":     contract.Premium.String(),
		"asset_code":  contract.AssetCode,
	}), "contract bought")
	e.publish(Event{Type: EventBought, Contract: contract})
	return contract, nil
}

func (e *Engine) checkExposure(ctx context.Context, farmerID string, q *QuoteResult) error {
	if !e.limiter.Enabled() {
		return nil
	}
	active, err := e.store.ListContractsByFarmer(ctx, farmerID, model.ContractActive)
	if err != nil {
		return classify(err, "contracts")
	}
	if err := e.limiter.CheckLimit(q.Crop, q.Quantity, q.StrikePrice, exposure.Summarize(active)); err != nil {
		return apperr.Wrap(apperr.CodeValidation, err, "open exposure limit reached")
	}
	return nil
}

// ExerciseResult is the settled contract and the credited payout.
type ExerciseResult struct {
	Contract     *model.FuturesContract `json:"contract"`
	CurrentPrice decimal.Decimal        `json:"current_price"`
	Payout       decimal.Decimal        `json:"payout"`
}

// Exercise settles an ACTIVE contract whose strike is above the current
// price, crediting the payout and marking it EXERCISED as one unit.
func (e *Engine) Exercise(ctx context.Context, farmer *model.Farmer, contractID int64) (*ExerciseResult, error) {
	start := time.Now()
	defer metrics.ObserveSince("exercise", start)

	ctx = e.log.WithFields(e.log.WithFarmerID(ctx, farmer.ID), map[string]any{"contract_id": contractID})

	unlock := e.lockFarmer(farmer.ID)
	defer unlock()

	c, err := e.store.GetContract(ctx, contractID)
	if err != nil {
		return nil, classify(err, "contract")
	}
	if c.FarmerID != farmer.ID {
		return nil, apperr.New(apperr.CodeForbidden, "contract belongs to another farmer")
	}
	if c.Status != model.ContractActive {
		return nil, apperr.Newf(apperr.CodeNotFound, "no active contract %d", contractID)
	}

	current, err := e.currentPrice(ctx, c.Crop)
	if err != nil {
		return nil, err
	}
	if !pricing.InTheMoney(c.StrikePrice, current) {
		return nil, apperr.Newf(apperr.CodeNotExercisable,
			"current price %s is not below strike %s", current.String(), c.StrikePrice.String())
	}
	if e.now().After(c.ExpiresAt) {
		return nil, apperr.New(apperr.CodeNotExercisable, "contract has expired")
	}

	payout := pricing.Payout(c.StrikePrice, current, c.Quantity)
	err = e.store.InTx(ctx, func(tx store.Tx) error {
		wallet, err := tx.LockWallet(ctx, farmer.ID)
		if err != nil {
			return classify(err, "wallet")
		}
		locked, err := tx.GetContractForUpdate(ctx, contractID)
		if err != nil {
			return classify(err, "contract")
		}
		if locked.Status != model.ContractActive {
			return apperr.Newf(apperr.CodeNotFound, "no active contract %d", contractID)
		}
		if err := tx.UpdateContractStatus(ctx, contractID, model.ContractActive, model.ContractExercised); err != nil {
			if errors.Is(err, store.ErrConflict) {
				return apperr.Wrap(apperr.CodeNotFound, err, "contract is no longer active")
			}
			return err
		}
		if err := tx.UpdateWalletBalance(ctx, wallet.ID, wallet.Balance.Add(payout)); err != nil {
			return err
		}
		now := e.now()
		return tx.InsertTransaction(ctx, &model.Transaction{
			ID:          uuid.NewString(),
			WalletID:    wallet.ID,
			Type:        model.TxPayout,
			Amount:      payout,
			Status:      model.TxCompleted,
			ExternalRef: "exercise:" + locked.AssetCode,
			CreatedAt:   now,
			UpdatedAt:   now,
		})
	})
	if err != nil {
		// Concurrent expiry surfaces as a commit-time conflict.
		if errors.Is(err, store.ErrConflict) && apperr.As(err) == nil {
			return nil, apperr.Wrap(apperr.CodeNotFound, err, "contract is no longer active")
		}
		return nil, classify(err, "contract exercise")
	}

	c.Status = model.ContractExercised
	metrics.ContractsTotal.WithLabelValues(c.Crop, "exercised").Inc()
	metrics.PayoutVolume.WithLabelValues(c.Crop).Add(payout.InexactFloat64())
	e.log.Info(e.log.WithFields(ctx, map[string]any{
		"current_price": current.String(),
		"payout":        payout.String(),
	}), "contract exercised")
	e.publish(Event{Type: EventExercised, Contract: c, Payout: &payout})
	return &ExerciseResult{Contract: c, CurrentPrice: current, Payout: payout}, nil
}

// Expire moves every ACTIVE contract past its expiry to EXPIRED. It has no
// wallet effect and is safe to repeat.
func (e *Engine) Expire(ctx context.Context, now time.Time) (int, error) {
	start := time.Now()
	defer metrics.ObserveSince("expire", start)

	n, err := e.store.ExpireContracts(ctx, now)
	if err != nil {
		return 0, classify(err, "contract expiry")
	}
	if n > 0 {
		metrics.ContractsTotal.WithLabelValues("all", "expired").Add(float64(n))
		e.log.Info(e.log.WithField(ctx, "expired", n), "contracts expired")
		e.publish(Event{Type: EventExpired, Count: n})
	}
	return n, nil
}
