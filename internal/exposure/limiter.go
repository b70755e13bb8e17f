// Package exposure caps how much open price protection a single farmer may
// hold.
//
// Two limits apply to a farmer's ACTIVE contracts:
//   - MaxPerCrop caps the protected quantity (kg) on any one crop
//   - MaxNotional caps the aggregate strike value (strike × quantity)
//     across every crop
//
// A zero limit disables that check.
package exposure

import (
	"errors"

	"github.com/shopspring/decimal"

	"github.com/agrifutures/futures-engine/internal/model"
)

var (
	// ErrPerCropLimitExceeded is returned when a purchase would push the
	// open quantity on one crop beyond MaxPerCrop.
	ErrPerCropLimitExceeded = errors.New("exposure: per-crop quantity limit exceeded")

	// ErrNotionalLimitExceeded is returned when a purchase would push the
	// aggregate strike value of open contracts beyond MaxNotional.
	ErrNotionalLimitExceeded = errors.New("exposure: notional limit exceeded")
)

// Limiter enforces open-exposure limits per farmer.
type Limiter struct {
	MaxPerCrop  decimal.Decimal
	MaxNotional decimal.Decimal
}

func NewLimiter(maxPerCrop, maxNotional decimal.Decimal) *Limiter {
	return &Limiter{MaxPerCrop: maxPerCrop, MaxNotional: maxNotional}
}

// Enabled reports whether any limit is set.
func (l *Limiter) Enabled() bool {
	return l != nil && (l.MaxPerCrop.IsPositive() || l.MaxNotional.IsPositive())
}

// Position is a farmer's open exposure, summarized from ACTIVE contracts.
type Position struct {
	QuantityByCrop map[string]decimal.Decimal
	Notional       decimal.Decimal
}

// Summarize builds the open position from a farmer's contracts. Only
// ACTIVE contracts count.
func Summarize(contracts []model.FuturesContract) Position {
	p := Position{QuantityByCrop: make(map[string]decimal.Decimal)}
	for _, c := range contracts {
		if c.Status != model.ContractActive {
			continue
		}
		p.QuantityByCrop[c.Crop] = p.QuantityByCrop[c.Crop].Add(c.Quantity)
		p.Notional = p.Notional.Add(c.StrikePrice.Mul(c.Quantity))
	}
	return p
}

// CheckLimit validates whether buying quantity of crop at strike keeps the
// farmer within limits.
func (l *Limiter) CheckLimit(crop string, quantity, strike decimal.Decimal, current Position) error {
	if !l.Enabled() {
		return nil
	}

	// 1. Per-crop quantity.
	if l.MaxPerCrop.IsPositive() {
		open := current.QuantityByCrop[crop].Add(quantity)
		if open.GreaterThan(l.MaxPerCrop) {
			return ErrPerCropLimitExceeded
		}
	}

	// 2. Aggregate notional across all crops.
	if l.MaxNotional.IsPositive() {
		notional := current.Notional.Add(strike.Mul(quantity))
		if notional.GreaterThan(l.MaxNotional) {
			return ErrNotionalLimitExceeded
		}
	}

	return nil
}
