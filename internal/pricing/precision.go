package pricing

import (
	"errors"
	"regexp"
	"strings"

	"github.com/shopspring/decimal"
)

// AssetScale is the most decimal places a ledger amount may carry.
const AssetScale int32 = 7

// maxExponent and maxDigits bound any decimal accepted from a client.
// Arithmetic on a decimal rescales to its exponent, so an unbounded
// exponent costs unbounded time.
const (
	maxExponent = 18
	maxDigits   = 18
)

var (
	// ErrMalformedNumber is returned for text that is not a plain decimal,
	// or a value outside the accepted magnitude.
	ErrMalformedNumber = errors.New("pricing: malformed number")

	// ErrTooPrecise is returned for a value with more than AssetScale
	// decimal places.
	ErrTooPrecise = errors.New("pricing: too many decimal places")

	plainDecimal = regexp.MustCompile(`^\d{1,9}([.,]\d{1,7})?$`)
)

// ParseDecimal parses user-typed numbers: up to 9 integer digits and 7
// decimal places, with a dot or comma separator. Exponents and signs are
// rejected.
func ParseDecimal(s string) (decimal.Decimal, error) {
	s = strings.TrimSpace(s)
	if !plainDecimal.MatchString(s) {
		return decimal.Zero, ErrMalformedNumber
	}
	return decimal.NewFromString(strings.Replace(s, ",", ".", 1))
}

// CheckMagnitude rejects values whose exponent or digit count is out of
// bounds. It is cheap for any input and must run before arithmetic.
func CheckMagnitude(v decimal.Decimal) error {
	exp := v.Exponent()
	if exp > maxExponent || exp < -maxExponent || v.NumDigits() > maxDigits {
		return ErrMalformedNumber
	}
	return nil
}

// CheckPrecision is CheckMagnitude plus a limit of AssetScale significant
// decimal places. Trailing zeros do not count.
func CheckPrecision(v decimal.Decimal) error {
	if err := CheckMagnitude(v); err != nil {
		return err
	}
	if !v.Equal(v.Truncate(AssetScale)) {
		return ErrTooPrecise
	}
	return nil
}
