package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stellar/go/keypair"
	"github.com/stellar/go/txnbuild"

	"github.com/agrifutures/futures-engine/internal/logger"
	"github.com/agrifutures/futures-engine/internal/metrics"
)

// Stage names the step of the issuance protocol that failed.
type Stage string

const (
	StageAccount Stage = "account"
	StageTrust   Stage = "trust"
	StagePayment Stage = "payment"
)

// ErrAssetCodeTaken is returned when every re-salted asset code is already
// on the ledger.
var ErrAssetCodeTaken = errors.New("ledger: asset code already issued")

// maxCodeAttempts bounds how many salts are tried for a free asset code.
const maxCodeAttempts = 3

// StageError reports which issuance step failed. A StagePayment error
// means the trust line exists and only the payment may be retried.
type StageError struct {
	Stage      Stage
	AssetCode  string
	ResultCode string
	Err        error
}

func (e *StageError) Error() string {
	msg := fmt.Sprintf("ledger: %s stage failed for %s", e.Stage, e.AssetCode)
	if e.ResultCode != "" {
		msg += " (" + e.ResultCode + ")"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *StageError) Unwrap() error { return e.Err }

// StageOf returns the failed stage of err, or "" when err is not a
// StageError.
func StageOf(err error) Stage {
	var se *StageError
	if errors.As(err, &se) {
		return se.Stage
	}
	return ""
}

// txTimeout bounds how long a built transaction stays valid on the network.
const txTimeout = 300

// Settlement issues one receipt asset per futures contract.
type Settlement struct {
	net        Network
	issuer     *keypair.Full
	passphrase string
	now        func() time.Time
	salt       func() ([]byte, error)
	log        *logger.Logger
}

type SettlementOption func(*Settlement)

func WithSettlementClock(now func() time.Time) SettlementOption {
	return func(s *Settlement) { s.now = now }
}

// WithSalt replaces the random salt source, for deterministic asset codes
// in tests.
func WithSalt(salt func() ([]byte, error)) SettlementOption {
	return func(s *Settlement) { s.salt = salt }
}

func WithSettlementLogger(l *logger.Logger) SettlementOption {
	return func(s *Settlement) { s.log = l }
}

func NewSettlement(net Network, issuerSecret, passphrase string, opts ...SettlementOption) (*Settlement, error) {
	issuer, err := keypair.ParseFull(issuerSecret)
	if err != nil {
		return nil, fmt.Errorf("ledger: parse issuer secret: %w", err)
	}
	s := &Settlement{
		net:        net,
		issuer:     issuer,
		passphrase: passphrase,
		now:        func() time.Time { return time.Now().UTC() },
		salt:       NewSalt,
		log:        logger.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// IssuerPublic returns the issuing account address.
func (s *Settlement) IssuerPublic() string {
	return s.issuer.Address()
}

// IssueContractAsset runs the issuance protocol and returns the asset code.
// On failure the returned error is a *StageError naming the failed step;
// nothing after that step was attempted.
func (s *Settlement) IssueContractAsset(ctx context.Context, farmer Keys, quantity, strike, premium decimal.Decimal) (string, error) {
	code, err := s.freeCode(ctx, AssetTerms{
		FarmerPublic: farmer.Public,
		IssuedAt:     s.now(),
		Quantity:     quantity,
		Strike:       strike,
		Premium:      premium,
	})
	if err != nil {
		return "", &StageError{Stage: StageAccount, AssetCode: code, Err: err}
	}
	ctx = s.log.WithFields(ctx, map[string]any{"asset_code": code, "farmer_public": farmer.Public})

	farmerKP, err := farmer.full()
	if err != nil {
		return "", s.fail(ctx, &StageError{Stage: StageAccount, AssetCode: code, Err: err})
	}

	account, err := s.ensureAccount(ctx, farmer.Public)
	if err != nil {
		return "", s.fail(ctx, &StageError{Stage: StageAccount, AssetCode: code, Err: err})
	}

	asset := txnbuild.CreditAsset{Code: code, Issuer: s.issuer.Address()}
	line, err := asset.ToChangeTrustAsset()
	if err != nil {
		return "", s.fail(ctx, &StageError{Stage: StageTrust, AssetCode: code, Err: err})
	}
	trust := &txnbuild.ChangeTrust{Line: line, Limit: quantity.String()}
	if res, err := s.submit(ctx, account, farmerKP, trust); err != nil || !res.Successful {
		return "", s.fail(ctx, &StageError{Stage: StageTrust, AssetCode: code, ResultCode: res.ResultCode, Err: err})
	}

	if err := s.pay(ctx, farmer.Public, asset, quantity); err != nil {
		return "", s.fail(ctx, err)
	}

	s.log.Info(ctx, "contract asset issued")
	return code, nil
}

// freeCode derives an asset code the issuer has not used yet, drawing a
// new salt on each collision.
func (s *Settlement) freeCode(ctx context.Context, terms AssetTerms) (string, error) {
	var code string
	for range maxCodeAttempts {
		salt, err := s.salt()
		if err != nil {
			return "", err
		}
		code = DeriveAssetCode(terms, salt)
		taken, err := s.net.AssetExists(ctx, code, s.issuer.Address())
		if err != nil {
			return code, err
		}
		if !taken {
			return code, nil
		}
		s.log.Warn(s.log.WithField(ctx, "asset_code", code), "asset code already issued, drawing a new salt")
	}
	return code, ErrAssetCodeTaken
}

// RetryIssue repeats only the payment step for an asset whose trust line
// was already established.
func (s *Settlement) RetryIssue(ctx context.Context, farmerPublic, assetCode string, quantity decimal.Decimal) error {
	if err := ValidateAssetCode(assetCode); err != nil {
		return &StageError{Stage: StagePayment, AssetCode: assetCode, Err: err}
	}
	ctx = s.log.WithFields(ctx, map[string]any{"asset_code": assetCode, "farmer_public": farmerPublic})
	asset := txnbuild.CreditAsset{Code: assetCode, Issuer: s.issuer.Address()}
	if err := s.pay(ctx, farmerPublic, asset, quantity); err != nil {
		return s.fail(ctx, err)
	}
	s.log.Info(ctx, "contract asset payment retried")
	return nil
}

func (s *Settlement) pay(ctx context.Context, to string, asset txnbuild.CreditAsset, quantity decimal.Decimal) error {
	issuerAccount, err := s.net.LoadAccount(ctx, s.issuer.Address())
	if err != nil {
		return &StageError{Stage: StagePayment, AssetCode: asset.Code, Err: err}
	}
	payment := &txnbuild.Payment{Destination: to, Amount: quantity.String(), Asset: asset}
	res, err := s.submit(ctx, issuerAccount, s.issuer, payment)
	if err != nil || !res.Successful {
		return &StageError{Stage: StagePayment, AssetCode: asset.Code, ResultCode: res.ResultCode, Err: err}
	}
	return nil
}

// ensureAccount loads address, funding it first when it does not exist.
func (s *Settlement) ensureAccount(ctx context.Context, address string) (txnbuild.Account, error) {
	account, err := s.net.LoadAccount(ctx, address)
	if err == nil {
		return account, nil
	}
	if !errors.Is(err, ErrAccountNotFound) {
		return nil, err
	}
	s.log.Info(ctx, "funding farmer ledger account")
	if err := s.net.FundAccount(ctx, address); err != nil {
		return nil, err
	}
	return s.net.LoadAccount(ctx, address)
}

func (s *Settlement) submit(ctx context.Context, source txnbuild.Account, signer *keypair.Full, op txnbuild.Operation) (Result, error) {
	fee, err := s.net.BaseFee(ctx)
	if err != nil {
		return Result{}, err
	}
	tx, err := txnbuild.NewTransaction(txnbuild.TransactionParams{
		SourceAccount:        source,
		IncrementSequenceNum: true,
		Operations:           []txnbuild.Operation{op},
		BaseFee:              fee,
		Preconditions:        txnbuild.Preconditions{TimeBounds: txnbuild.NewTimeout(txTimeout)},
	})
	if err != nil {
		return Result{}, fmt.Errorf("build transaction: %w", err)
	}
	tx, err = tx.Sign(s.passphrase, signer)
	if err != nil {
		return Result{}, fmt.Errorf("sign transaction: %w", err)
	}
	return s.net.Submit(ctx, tx)
}

func (s *Settlement) fail(ctx context.Context, err error) error {
	stage := StageOf(err)
	metrics.AdaptorFailures.WithLabelValues("ledger", string(stage)).Inc()
	s.log.Warn(s.log.WithFields(ctx, map[string]any{"stage": string(stage), "error": err.Error()}),
		"contract asset issuance failed")
	return err
}
