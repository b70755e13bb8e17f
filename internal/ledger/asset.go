package ledger

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// AssetCodePrefix starts every contract asset code.
const AssetCodePrefix = "FUT"

// assetCodeRegex matches FUT{MMDD}{5 base36}, twelve characters in total,
// the Stellar alphanum12 limit.
var assetCodeRegex = regexp.MustCompile(`^FUT(\d{2})(\d{2})([0-9a-z]{5})$`)

const (
	suffixLen   = 5
	suffixSpace = 36 * 36 * 36 * 36 * 36
)

var ErrInvalidAssetCode = errors.New("ledger: invalid asset code format")

// AssetTerms are the contract terms an asset code commits to.
type AssetTerms struct {
	FarmerPublic string
	IssuedAt     time.Time
	Quantity     decimal.Decimal
	Strike       decimal.Decimal
	Premium      decimal.Decimal
}

// DeriveAssetCode hashes the terms with salt into FUT{MMDD}{5 base36}.
// A fresh salt per contract keeps two same-day contracts with identical
// terms from colliding.
func DeriveAssetCode(terms AssetTerms, salt []byte) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s|%s|%s|%s|%s|",
		terms.FarmerPublic,
		terms.IssuedAt.UTC().Format("20060102"),
		terms.Quantity.String(),
		terms.Strike.String(),
		terms.Premium.String(),
	)
	h.Write(salt)
	n := binary.BigEndian.Uint64(h.Sum(nil)[:8]) % suffixSpace
	suffix := strconv.FormatUint(n, 36)
	suffix = strings.Repeat("0", suffixLen-len(suffix)) + suffix
	return AssetCodePrefix + terms.IssuedAt.UTC().Format("0102") + suffix
}

// NewSalt returns 8 random bytes for DeriveAssetCode.
func NewSalt() ([]byte, error) {
	salt := make([]byte, 8)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("ledger: read salt: %w", err)
	}
	return salt, nil
}

// ValidateAssetCode checks code has the contract asset shape and a
// plausible month and day.
func ValidateAssetCode(code string) error {
	m := assetCodeRegex.FindStringSubmatch(code)
	if m == nil {
		return fmt.Errorf("%w: %s (expected FUT{MMDD}{hash})", ErrInvalidAssetCode, code)
	}
	if _, err := time.Parse("0102", m[1]+m[2]); err != nil {
		return fmt.Errorf("%w: bad date in %s", ErrInvalidAssetCode, code)
	}
	return nil
}
