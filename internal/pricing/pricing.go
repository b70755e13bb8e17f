// Package pricing holds the pure premium and payout formulas for crop price
// protection contracts.
//
// A contract guarantees the farmer the strike price on a fixed quantity. The
// premium charged up front scales with the distance between the strike and
// the current market price, with a floor so that at-the-money contracts are
// never free. The payout on exercise is the shortfall of the market price
// below the strike, times the quantity.
//
// All values use shopspring/decimal and are rounded to MoneyScale places.
package pricing

import (
	"errors"

	"github.com/shopspring/decimal"
)

var (
	// ErrInvalidRiskFactor is returned when the risk factor is negative.
	ErrInvalidRiskFactor = errors.New("pricing: risk factor must not be negative")

	// ErrInvalidMinimumPremium is returned when the premium floor is negative.
	ErrInvalidMinimumPremium = errors.New("pricing: minimum premium must not be negative")

	// MoneyScale is the number of decimal places for money rounding.
	MoneyScale int32 = 2

	DefaultRiskFactor     = decimal.NewFromFloat(0.10)
	DefaultMinimumPremium = decimal.NewFromFloat(1.0)
)

// Pricer computes premiums and payouts. It is stateless apart from its
// parameters; prices are passed as arguments.
type Pricer struct {
	riskFactor     decimal.Decimal
	minimumPremium decimal.Decimal
}

func NewPricer(riskFactor, minimumPremium decimal.Decimal) (*Pricer, error) {
	if riskFactor.IsNegative() {
		return nil, ErrInvalidRiskFactor
	}
	if minimumPremium.IsNegative() {
		return nil, ErrInvalidMinimumPremium
	}
	return &Pricer{riskFactor: riskFactor, minimumPremium: minimumPremium}, nil
}

// Default returns a Pricer with the standard 10% risk factor and 1.00 floor.
func Default() *Pricer {
	return &Pricer{riskFactor: DefaultRiskFactor, minimumPremium: DefaultMinimumPremium}
}

func (p *Pricer) RiskFactor() decimal.Decimal     { return p.riskFactor }
func (p *Pricer) MinimumPremium() decimal.Decimal { return p.minimumPremium }

// Premium computes max(|strike - current| * quantity * riskFactor, minimumPremium).
//
// The same inputs always produce the same output; Quote and Buy both call
// this so the quoted premium is the charged premium.
func (p *Pricer) Premium(strike, current, quantity decimal.Decimal) decimal.Decimal {
	raw := strike.Sub(current).Abs().Mul(quantity).Mul(p.riskFactor)
	if raw.LessThan(p.minimumPremium) {
		raw = p.minimumPremium
	}
	return raw.Round(MoneyScale)
}

// Payout computes max((strike - current) * quantity, 0).
func Payout(strike, current, quantity decimal.Decimal) decimal.Decimal {
	diff := strike.Sub(current)
	if !diff.IsPositive() {
		return decimal.Zero
	}
	return diff.Mul(quantity).Round(MoneyScale)
}

// InTheMoney reports whether a contract with the given strike pays out at the
// current price. The comparison is strict: at current == strike nothing is
// owed and the contract is not exercisable.
func InTheMoney(strike, current decimal.Decimal) bool {
	return current.LessThan(strike)
}
