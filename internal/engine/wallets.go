package engine

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/agrifutures/futures-engine/internal/apperr"
	"github.com/agrifutures/futures-engine/internal/metrics"
	"github.com/agrifutures/futures-engine/internal/mobilemoney"
	"github.com/agrifutures/futures-engine/internal/model"
	"github.com/agrifutures/futures-engine/internal/pricing"
	"github.com/agrifutures/futures-engine/internal/store"
)

var validate = validator.New()

// RegisterInput is a new farmer's profile.
type RegisterInput struct {
	Phone    string          `validate:"required,min=4,max=32"`
	Name     string          `validate:"required,max=100"`
	Location string          `validate:"required,max=100"`
	Crop     string          `validate:"required"`
	FarmSize decimal.Decimal `validate:"-"`
	Language string          `validate:"omitempty,oneof=en sw fr"`
}

// Register provisions the ledger keypair and the mobile-money wallet, then
// creates the farmer and a zero-balance wallet together. If wallet
// provisioning fails nothing is stored.
func (e *Engine) Register(ctx context.Context, in RegisterInput) (*model.Farmer, error) {
	in.Phone = strings.TrimSpace(in.Phone)
	in.Name = strings.TrimSpace(in.Name)
	in.Location = strings.TrimSpace(in.Location)
	in.Crop = model.NormalizeCrop(in.Crop)
	if in.Language == "" {
		in.Language = "en"
	}
	if err := validate.Struct(in); err != nil {
		return nil, apperr.Wrap(apperr.CodeValidation, errors.Join(ErrInvalidRegistration, err), "invalid registration")
	}
	if !model.IsSupportedCrop(in.Crop) {
		return nil, apperr.Wrap(apperr.CodeValidation, ErrUnsupportedCrop, "unsupported crop "+in.Crop)
	}
	if pricing.CheckMagnitude(in.FarmSize) != nil || !in.FarmSize.IsPositive() {
		return nil, apperr.Wrap(apperr.CodeValidation, ErrInvalidRegistration, "farm size must be positive")
	}

	ctx = e.log.WithPhone(ctx, in.Phone)
	unlock := e.locks.Lock("phone:" + in.Phone)
	defer unlock()

	if _, err := e.store.GetFarmerByPhone(ctx, in.Phone); err == nil {
		return nil, apperr.New(apperr.CodeConflict, "phone number already registered")
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, classify(err, "farmer")
	}

	keys, err := e.newKeys()
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeInternal, err, "ledger keypair generation failed")
	}

	walletCtx, cancel := context.WithTimeout(ctx, e.cfg.PaymentTimeout)
	walletRef, err := e.payments.CreateWallet(walletCtx, mobilemoney.WalletRequest{
		PhoneNumber: in.Phone,
		Name:        in.Name,
		Country:     e.cfg.Country,
	})
	cancel()
	if err != nil {
		metrics.AdaptorFailures.WithLabelValues("mobile_money", "create_wallet").Inc()
		e.log.Warn(e.log.WithField(ctx, "error", err.Error()), "mobile money wallet provisioning failed")
		return nil, apperr.Wrap(apperr.CodeAdaptor, err, "wallet provisioning failed")
	}
	if err := e.attachPaymentMethod(ctx, walletRef, in); err != nil {
		return nil, err
	}

	farmer := &model.Farmer{
		ID:              uuid.NewString(),
		PhoneNumber:     in.Phone,
		Name:            in.Name,
		Location:        in.Location,
		FarmSize:        in.FarmSize,
		PrimaryCrop:     in.Crop,
		Language:        in.Language,
		LedgerPublicKey: keys.Public,
		LedgerSecretKey: keys.Secret,
		CreatedAt:       e.now(),
	}
	wallet := &model.Wallet{
		ID:             uuid.NewString(),
		FarmerID:       farmer.ID,
		Balance:        decimal.Zero,
		MobileMoneyRef: walletRef,
		Currency:       e.cfg.Currency,
	}
	if err := e.store.CreateFarmerWithWallet(ctx, farmer, wallet); err != nil {
		e.log.Warn(e.log.WithFields(ctx, map[string]any{"wallet_ref": walletRef, "error": err.Error()}),
			"farmer record not created; processor wallet is orphaned")
		return nil, classify(err, "farmer registration")
	}

	e.log.Info(e.log.WithFarmerID(ctx, farmer.ID), "farmer registered")
	return farmer, nil
}

func (e *Engine) attachPaymentMethod(ctx context.Context, walletRef string, in RegisterInput) error {
	if e.cfg.PaymentMethodType == "" {
		return nil
	}
	attachCtx, cancel := context.WithTimeout(ctx, e.cfg.PaymentTimeout)
	defer cancel()
	err := e.payments.AttachPaymentMethod(attachCtx, walletRef, mobilemoney.PaymentMethod{
		Type:       e.cfg.PaymentMethodType,
		MethodType: "mobile_money",
		Fields:     map[string]string{"phone_number": in.Phone, "name": in.Name},
	})
	if err != nil {
		metrics.AdaptorFailures.WithLabelValues("mobile_money", "attach_payment_method").Inc()
		e.log.Warn(e.log.WithFields(ctx, map[string]any{"wallet_ref": walletRef, "error": err.Error()}),
			"payment method attach failed; processor wallet is orphaned")
		return apperr.Wrap(apperr.CodeAdaptor, err, "wallet provisioning failed")
	}
	return nil
}

// UpdateLanguage changes a farmer's reply language.
func (e *Engine) UpdateLanguage(ctx context.Context, farmerID, language string) error {
	if err := validate.Var(language, "required,oneof=en sw fr"); err != nil {
		return apperr.Wrap(apperr.CodeValidation, err, "unsupported language")
	}
	return classify(e.store.UpdateFarmerLanguage(ctx, farmerID, language), "farmer")
}

func validateAmount(amount decimal.Decimal) (decimal.Decimal, error) {
	if err := pricing.CheckMagnitude(amount); err != nil {
		return decimal.Zero, apperr.Wrap(apperr.CodeValidation, errors.Join(ErrInvalidAmount, err), "amount out of range")
	}
	amount = money(amount)
	if !amount.IsPositive() {
		return decimal.Zero, apperr.Wrap(apperr.CodeValidation, ErrInvalidAmount, "amount must be positive")
	}
	return amount, nil
}

// Deposit moves funds from the farmer's mobile-money account into the
// wallet. A processor failure is recorded as a failed deposit with no
// balance change. A deposit the processor reports as pending is recorded
// as pending and credited when ConfirmTransaction completes it.
func (e *Engine) Deposit(ctx context.Context, phone string, amount decimal.Decimal) (*model.Transaction, error) {
	start := time.Now()
	defer metrics.ObserveSince("deposit", start)

	amount, err := validateAmount(amount)
	if err != nil {
		return nil, err
	}
	farmer, err := e.farmerByPhone(ctx, phone)
	if err != nil {
		return nil, err
	}
	ctx = e.log.WithFarmerID(ctx, farmer.ID)

	unlock := e.lockFarmer(farmer.ID)
	defer unlock()

	wallet, err := e.store.GetWalletByFarmer(ctx, farmer.ID)
	if err != nil {
		return nil, classify(err, "wallet")
	}

	payCtx, cancel := context.WithTimeout(ctx, e.cfg.PaymentTimeout)
	payment, err := e.payments.Deposit(payCtx, wallet.MobileMoneyRef, amount, wallet.Currency)
	cancel()
	if err != nil {
		metrics.AdaptorFailures.WithLabelValues("mobile_money", "deposit").Inc()
		e.recordFailed(ctx, wallet.ID, model.TxDeposit, amount)
		e.log.Warn(e.log.WithField(ctx, "error", err.Error()), "mobile money deposit failed")
		return nil, apperr.Wrap(apperr.CodeAdaptor, err, "deposit failed")
	}
	ref := payment.ID

	if payment.Pending() {
		now := e.now()
		t := &model.Transaction{
			ID:          uuid.NewString(),
			WalletID:    wallet.ID,
			Type:        model.TxDeposit,
			Amount:      amount,
			Status:      model.TxPending,
			ExternalRef: ref,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		if err := e.store.InsertTransaction(ctx, t); err != nil {
			return nil, e.reconcile(ctx, model.ReconcileDeposit, farmer.ID, ref, amount, err)
		}
		e.log.Info(e.log.WithFields(ctx, map[string]any{"amount": amount.String(), "reference": ref}), "deposit pending confirmation")
		return t, nil
	}

	t, err := e.credit(ctx, wallet.ID, model.TxDeposit, amount, ref)
	if err != nil {
		return nil, e.reconcile(ctx, model.ReconcileDeposit, farmer.ID, ref, amount, err)
	}
	e.log.Info(e.log.WithFields(ctx, map[string]any{"amount": amount.String(), "reference": ref}), "deposit completed")
	return t, nil
}

// SeedBalance credits a wallet without a processor call. It is the
// administrative way to fund a wallet in test and staging environments.
func (e *Engine) SeedBalance(ctx context.Context, phone string, amount decimal.Decimal) (*model.Transaction, error) {
	amount, err := validateAmount(amount)
	if err != nil {
		return nil, err
	}
	farmer, err := e.farmerByPhone(ctx, phone)
	if err != nil {
		return nil, err
	}
	ctx = e.log.WithFarmerID(ctx, farmer.ID)

	unlock := e.lockFarmer(farmer.ID)
	defer unlock()

	wallet, err := e.store.GetWalletByFarmer(ctx, farmer.ID)
	if err != nil {
		return nil, classify(err, "wallet")
	}
	t, err := e.credit(ctx, wallet.ID, model.TxDeposit, amount, "admin:"+uuid.NewString())
	if err != nil {
		return nil, classify(err, "balance seed")
	}
	e.log.Info(e.log.WithField(ctx, "amount", amount.String()), "wallet balance seeded")
	return t, nil
}

func (e *Engine) credit(ctx context.Context, walletID string, typ model.TransactionType, amount decimal.Decimal, ref string) (*model.Transaction, error) {
	var t *model.Transaction
	err := e.store.InTx(ctx, func(tx store.Tx) error {
		wallet, err := tx.LockWalletByID(ctx, walletID)
		if err != nil {
			return err
		}
		if err := tx.UpdateWalletBalance(ctx, wallet.ID, wallet.Balance.Add(amount)); err != nil {
			return err
		}
		now := e.now()
		t = &model.Transaction{
			ID:          uuid.NewString(),
			WalletID:    wallet.ID,
			Type:        typ,
			Amount:      amount,
			Status:      model.TxCompleted,
			ExternalRef: ref,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		return tx.InsertTransaction(ctx, t)
	})
	if err != nil {
		return nil, err
	}
	return t, nil
}

func (e *Engine) recordFailed(ctx context.Context, walletID string, typ model.TransactionType, amount decimal.Decimal) {
	now := e.now()
	err := e.store.InsertTransaction(ctx, &model.Transaction{
		ID:        uuid.NewString(),
		WalletID:  walletID,
		Type:      typ,
		Amount:    amount,
		Status:    model.TxFailed,
		CreatedAt: now,
		UpdatedAt: now,
	})
	if err != nil {
		e.log.Error(ctx, "recording failed transaction", err)
	}
}

// Withdraw moves funds from the wallet to the farmer's mobile-money
// account. The balance check, processor call and debit happen under the
// wallet row lock.
func (e *Engine) Withdraw(ctx context.Context, phone string, amount decimal.Decimal) (*model.Transaction, error) {
	start := time.Now()
	defer metrics.ObserveSince("withdraw", start)

	amount, err := validateAmount(amount)
	if err != nil {
		return nil, err
	}
	farmer, err := e.farmerByPhone(ctx, phone)
	if err != nil {
		return nil, err
	}
	ctx = e.log.WithFarmerID(ctx, farmer.ID)

	unlock := e.lockFarmer(farmer.ID)
	defer unlock()

	var (
		t       *model.Transaction
		paidRef string
	)
	err = e.store.InTx(ctx, func(tx store.Tx) error {
		wallet, err := tx.LockWallet(ctx, farmer.ID)
		if err != nil {
			return classify(err, "wallet")
		}
		if wallet.Balance.LessThan(amount) {
			return apperr.Newf(apperr.CodeInsufficientFunds,
				"balance %s below withdrawal %s", wallet.Balance.StringFixed(2), amount.StringFixed(2))
		}

		payCtx, cancel := context.WithTimeout(ctx, e.cfg.PaymentTimeout)
		ref, err := e.payments.Withdraw(payCtx, wallet.MobileMoneyRef, amount, wallet.Currency)
		cancel()
		if err != nil {
			return apperr.Wrap(apperr.CodeAdaptor, err, "withdrawal failed")
		}
		paidRef = ref

		if err := tx.UpdateWalletBalance(ctx, wallet.ID, wallet.Balance.Sub(amount)); err != nil {
			return err
		}
		now := e.now()
		t = &model.Transaction{
			ID:          uuid.NewString(),
			WalletID:    wallet.ID,
			Type:        model.TxWithdrawal,
			Amount:      amount,
			Status:      model.TxCompleted,
			ExternalRef: ref,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		return tx.InsertTransaction(ctx, t)
	})
	if err != nil {
		if paidRef != "" {
			return nil, e.reconcile(ctx, model.ReconcileWithdrawal, farmer.ID, paidRef, amount, err)
		}
		if apperr.Is(err, apperr.CodeAdaptor) {
			metrics.AdaptorFailures.WithLabelValues("mobile_money", "withdraw").Inc()
			if wallet, werr := e.store.GetWalletByFarmer(ctx, farmer.ID); werr == nil {
				e.recordFailed(ctx, wallet.ID, model.TxWithdrawal, amount)
			}
			e.log.Warn(e.log.WithField(ctx, "error", err.Error()), "mobile money withdrawal failed")
		}
		return nil, classify(err, "withdrawal")
	}
	e.log.Info(e.log.WithFields(ctx, map[string]any{"amount": amount.String(), "reference": paidRef}), "withdrawal completed")
	return t, nil
}

// ConfirmTransaction applies an asynchronous processor confirmation to the
// transaction with externalRef. Only pending → completed/failed and
// completed → failed corrections are accepted; a repeated confirmation is
// a no-op. A pending deposit is credited when it completes. A completed
// payment later reported failed is flagged for reconciliation and never
// reversed automatically.
func (e *Engine) ConfirmTransaction(ctx context.Context, externalRef string, status model.TransactionStatus) (*model.Transaction, error) {
	ctx = e.log.WithFields(ctx, map[string]any{"reference": externalRef, "status": string(status)})

	var (
		confirmed *model.Transaction
		previous  model.TransactionStatus
		farmerID  string
	)
	err := e.store.InTx(ctx, func(tx store.Tx) error {
		t, err := tx.GetTransactionByRefForUpdate(ctx, externalRef)
		if err != nil {
			return classify(err, "transaction")
		}
		previous = t.Status
		if t.Status == status {
			confirmed = t
			return nil
		}
		if !t.Status.CanCorrect(status) {
			return apperr.Newf(apperr.CodeConflict, "transaction %s cannot move from %s to %s", externalRef, t.Status, status)
		}
		wallet, err := tx.LockWalletByID(ctx, t.WalletID)
		if err != nil {
			return err
		}
		farmerID = wallet.FarmerID
		if t.Status == model.TxPending && status == model.TxCompleted && t.Type == model.TxDeposit {
			if err := tx.UpdateWalletBalance(ctx, wallet.ID, wallet.Balance.Add(t.Amount)); err != nil {
				return err
			}
		}
		now := e.now()
		if err := tx.UpdateTransactionStatus(ctx, t.ID, status, now); err != nil {
			return err
		}
		t.Status = status
		t.UpdatedAt = now
		confirmed = t
		return nil
	})
	if err != nil {
		return nil, classify(err, "transaction confirmation")
	}

	if previous == model.TxCompleted && status == model.TxFailed {
		kind := model.ReconcileWithdrawal
		if confirmed.Type == model.TxDeposit {
			kind = model.ReconcileDepositReversed
		}
		_ = e.reconcile(ctx, kind, farmerID, externalRef, confirmed.Amount,
			errors.New("processor reported a completed payment as failed"))
	}
	if previous != status {
		e.log.Info(e.log.WithField(ctx, "previous_status", string(previous)), "transaction status corrected")
	}
	return confirmed, nil
}
