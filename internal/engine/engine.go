// Package engine owns the futures contract lifecycle: pricing, purchase,
// exercise and expiry, together with the wallet movements that back them.
//
// Every mutating operation for a farmer runs under a per-farmer lock and a
// store transaction that holds the farmer's wallet row. External effects
// (ledger issuance, mobile-money calls) happen inside that boundary so a
// failure before commit leaves no local state behind. An external effect
// that succeeded but could not be committed is surfaced as a
// reconciliation error and persisted as a ReconciliationFlag.
//
// All monetary values use shopspring/decimal, never float64.
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/agrifutures/futures-engine/internal/apperr"
	"github.com/agrifutures/futures-engine/internal/exposure"
	"github.com/agrifutures/futures-engine/internal/keylock"
	"github.com/agrifutures/futures-engine/internal/ledger"
	"github.com/agrifutures/futures-engine/internal/logger"
	"github.com/agrifutures/futures-engine/internal/metrics"
	"github.com/agrifutures/futures-engine/internal/mobilemoney"
	"github.com/agrifutures/futures-engine/internal/model"
	"github.com/agrifutures/futures-engine/internal/pricing"
	"github.com/agrifutures/futures-engine/internal/store"
)

// Validation reasons. They are wrapped in an apperr VALIDATION_ERROR so
// callers can pick a specific message with errors.Is.
var (
	ErrUnsupportedCrop     = errors.New("engine: crop not supported")
	ErrQuantityOutOfRange  = errors.New("engine: quantity out of range")
	ErrInvalidStrike       = errors.New("engine: strike price must be positive")
	ErrInvalidPrecision    = errors.New("engine: number has too many digits")
	ErrInvalidAmount       = errors.New("engine: amount must be positive")
	ErrInvalidRegistration = errors.New("engine: invalid registration")
)

// PriceSource is the oracle view the engine consumes.
type PriceSource interface {
	GetPrice(ctx context.Context, crop string) (decimal.Decimal, error)
	Supported(crop string) bool
}

// Issuer issues the ledger receipt asset of a contract.
type Issuer interface {
	IssueContractAsset(ctx context.Context, farmer ledger.Keys, quantity, strike, premium decimal.Decimal) (string, error)
}

// Payments is the mobile-money processor view the engine consumes.
type Payments interface {
	CreateWallet(ctx context.Context, req mobilemoney.WalletRequest) (string, error)
	AttachPaymentMethod(ctx context.Context, walletID string, pm mobilemoney.PaymentMethod) error
	Deposit(ctx context.Context, walletID string, amount decimal.Decimal, currency string) (mobilemoney.Payment, error)
	Withdraw(ctx context.Context, walletID string, amount decimal.Decimal, currency string) (string, error)
	Balance(ctx context.Context, walletID, currency string) (decimal.Decimal, error)
}

type Config struct {
	Tenor           time.Duration
	MinContractSize decimal.Decimal
	MaxContractSize decimal.Decimal
	RiskFactor      decimal.Decimal
	MinimumPremium  decimal.Decimal
	Currency        string
	Country         string
	LedgerTimeout   time.Duration
	PaymentTimeout  time.Duration

	// PaymentMethodType is the processor method attached to new wallets,
	// keyed to the farmer's phone number. Empty skips the attach.
	PaymentMethodType string

	// Zero disables the matching exposure limit.
	MaxOpenQuantityPerCrop decimal.Decimal
	MaxOpenNotional        decimal.Decimal
}

func DefaultConfig() Config {
	return Config{
		Tenor:           90 * 24 * time.Hour,
		MinContractSize: decimal.NewFromInt(50),
		MaxContractSize: decimal.NewFromInt(1000),
		RiskFactor:      pricing.DefaultRiskFactor,
		MinimumPremium:  pricing.DefaultMinimumPremium,
		Currency:        "KES",
		Country:         "KE",
		LedgerTimeout:   10 * time.Second,
		PaymentTimeout:  10 * time.Second,

		PaymentMethodType: "ke_mpesa",
	}
}

// EventType names a contract lifecycle event published to observers.
type EventType string

const (
	EventBought    EventType = "contract_bought"
	EventExercised EventType = "contract_exercised"
	EventExpired   EventType = "contracts_expired"
)

// Event is published after a lifecycle change commits.
type Event struct {
	Type     EventType              `json:"type"`
	Contract *model.FuturesContract `json:"contract,omitempty"`
	Payout   *decimal.Decimal       `json:"payout,omitempty"`
	Count    int                    `json:"count,omitempty"`
	At       time.Time              `json:"at"`
}

// Engine runs futures and wallet operations.
type Engine struct {
	store    store.Store
	prices   PriceSource
	issuer   Issuer
	payments Payments
	pricer   *pricing.Pricer
	limiter  *exposure.Limiter
	locks    *keylock.Locker
	cfg      Config
	now      func() time.Time
	newKeys  func() (ledger.Keys, error)
	log      *logger.Logger
	// observers are registered before the engine serves traffic.
	observers []func(Event)
}

type Option func(*Engine)

func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

func WithLogger(l *logger.Logger) Option {
	return func(e *Engine) { e.log = l }
}

// WithKeyGenerator replaces ledger.NewKeys for farmer registration.
func WithKeyGenerator(fn func() (ledger.Keys, error)) Option {
	return func(e *Engine) { e.newKeys = fn }
}

func New(st store.Store, prices PriceSource, issuer Issuer, payments Payments, cfg Config, opts ...Option) (*Engine, error) {
	pricer, err := pricing.NewPricer(cfg.RiskFactor, cfg.MinimumPremium)
	if err != nil {
		return nil, err
	}
	if !cfg.MinContractSize.IsPositive() || cfg.MaxContractSize.LessThan(cfg.MinContractSize) {
		return nil, fmt.Errorf("engine: invalid contract size bounds [%s, %s]", cfg.MinContractSize, cfg.MaxContractSize)
	}
	if cfg.Tenor <= 0 {
		return nil, fmt.Errorf("engine: tenor must be positive")
	}
	e := &Engine{
		store:    st,
		prices:   prices,
		issuer:   issuer,
		payments: payments,
		pricer:   pricer,
		limiter:  exposure.NewLimiter(cfg.MaxOpenQuantityPerCrop, cfg.MaxOpenNotional),
		locks:    keylock.New(),
		cfg:      cfg,
		now:      func() time.Time { return time.Now().UTC() },
		newKeys:  ledger.NewKeys,
		log:      logger.Nop(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Subscribe registers fn to receive lifecycle events. Not safe to call
// concurrently with engine operations.
func (e *Engine) Subscribe(fn func(Event)) {
	e.observers = append(e.observers, fn)
}

func (e *Engine) publish(ev Event) {
	ev.At = e.now()
	for _, fn := range e.observers {
		fn(ev)
	}
}

func (e *Engine) Config() Config { return e.cfg }

// Now is the engine clock, used by callers that trigger the expiry sweep.
func (e *Engine) Now() time.Time { return e.now() }

// lockFarmer serializes mutating operations of one farmer.
func (e *Engine) lockFarmer(farmerID string) func() {
	return e.locks.Lock("farmer:" + farmerID)
}

// classify turns store and unexpected errors into coded errors. Coded
// errors pass through unchanged.
func classify(err error, what string) error {
	if err == nil {
		return nil
	}
	if apperr.As(err) != nil {
		return err
	}
	switch {
	case errors.Is(err, store.ErrNotFound):
		return apperr.Wrap(apperr.CodeNotFound, err, what+" not found")
	case errors.Is(err, store.ErrConflict):
		return apperr.Wrap(apperr.CodeConflict, err, what+" conflict")
	default:
		return apperr.Wrap(apperr.CodeInternal, err, what+" failed")
	}
}

// reconcile records an external effect that has no local record and
// returns the matching RECONCILIATION_ERROR.
func (e *Engine) reconcile(ctx context.Context, kind model.ReconciliationKind, farmerID, ref string, amount decimal.Decimal, cause error) error {
	flag := &model.ReconciliationFlag{
		ID:        uuid.NewString(),
		Kind:      kind,
		FarmerID:  farmerID,
		Reference: ref,
		Amount:    amount,
		Detail:    cause.Error(),
		CreatedAt: e.now(),
	}
	ctx = e.log.WithFields(ctx, map[string]any{
		"reconciliation_kind": string(kind),
		"reference":           ref,
		"amount":              amount.String(),
	})
	// The flag must outlive a cancelled request.
	if err := e.store.InsertReconciliationFlag(context.WithoutCancel(ctx), flag); err != nil {
		e.log.Error(ctx, "persisting reconciliation flag failed", err)
	}
	metrics.ReconciliationFlags.WithLabelValues(string(kind)).Inc()
	e.log.Error(ctx, "external effect committed without a local record", cause)
	return apperr.Wrap(apperr.CodeReconciliation, cause,
		fmt.Sprintf("%s %s requires manual reconciliation", kind, ref))
}

func (e *Engine) farmerByPhone(ctx context.Context, phone string) (*model.Farmer, error) {
	f, err := e.store.GetFarmerByPhone(ctx, phone)
	if err != nil {
		return nil, classify(err, "farmer")
	}
	return f, nil
}

func money(v decimal.Decimal) decimal.Decimal {
	return v.Round(pricing.MoneyScale)
}
