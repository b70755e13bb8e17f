// Package command turns inbound SMS text into engine operations and
// localized replies.
package command

import (
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"

	"github.com/agrifutures/futures-engine/internal/i18n"
	"github.com/agrifutures/futures-engine/internal/pricing"
)

// Command is one parsed SMS. The concrete types below are the only
// implementations.
type Command interface {
	Kind() string
}

type Menu struct{}

type PriceCheck struct {
	Crop string
}

type Buy struct {
	Crop     string
	Quantity decimal.Decimal
	Strike   decimal.Decimal
}

type Balance struct{}

type Exercise struct {
	ContractID int64
}

type Register struct {
	Name     string
	Location string
	Crop     string
	FarmSize decimal.Decimal
}

// Unknown is a message whose first word is not a keyword.
type Unknown struct {
	Word string
}

func (Menu) Kind() string       { return "menu" }
func (PriceCheck) Kind() string { return "price" }
func (Buy) Kind() string        { return "buy" }
func (Balance) Kind() string    { return "balance" }
func (Exercise) Kind() string   { return "exercise" }
func (Register) Kind() string   { return "register" }
func (Unknown) Kind() string    { return "unknown" }

// SyntaxError is a recognised command with malformed arguments. Key is the
// reply template that explains the expected form.
type SyntaxError struct {
	Command string
	Key     string
}

func (e *SyntaxError) Error() string {
	return "command: malformed " + e.Command + " (" + e.Key + ")"
}

// keywords maps every localized command word to its canonical name.
var keywords = map[string]string{
	"menu": "menu", "menyu": "menu",
	"price": "price", "bei": "price", "prix": "price",
	"buy": "buy", "nunua": "buy", "acheter": "buy",
	"balance": "balance", "salio": "balance", "solde": "balance",
	"sell": "exercise", "exercise": "exercise", "uza": "exercise", "vendre": "exercise",
	"register": "register", "sajili": "register", "inscrire": "register",
}

// cropAliases maps localized crop names to the canonical crop.
var cropAliases = map[string]string{
	"mahindi": "corn", "ngano": "wheat", "mchele": "rice", "soya": "soybeans", "kahawa": "coffee",
	"maïs": "corn", "mais": "corn", "blé": "wheat", "ble": "wheat", "riz": "rice",
	"soja": "soybeans", "café": "coffee", "cafe": "coffee",
	"maize": "corn", "soybean": "soybeans", "soy": "soybeans",
}

func fold(s string) string {
	return cases.Fold().String(norm.NFC.String(s))
}

// CanonicalCrop resolves a localized crop word. Unrecognised words are
// returned folded so the engine can reject them.
func CanonicalCrop(word string) string {
	w := fold(strings.TrimSpace(word))
	if c, ok := cropAliases[w]; ok {
		return c
	}
	return w
}

// Parse reads one SMS body. Keywords and crop names are matched case- and
// language-insensitively; names and locations keep their original spelling.
func Parse(body string) (Command, error) {
	fields := strings.Fields(body)
	if len(fields) == 0 {
		return Unknown{}, nil
	}
	word := fold(fields[0])
	args := fields[1:]

	switch keywords[word] {
	case "menu":
		return Menu{}, nil
	case "balance":
		return Balance{}, nil
	case "price":
		if len(args) == 0 {
			return nil, &SyntaxError{Command: "price", Key: i18n.KeyInvalidCrop}
		}
		return PriceCheck{Crop: CanonicalCrop(args[0])}, nil
	case "buy":
		return parseBuy(args)
	case "exercise":
		return parseExercise(args)
	case "register":
		return parseRegister(args)
	default:
		return Unknown{Word: word}, nil
	}
}

func parseBuy(args []string) (Command, error) {
	if len(args) != 3 {
		return nil, &SyntaxError{Command: "buy", Key: i18n.KeyInvalidBuyFormat}
	}
	qty, err1 := parseNumber(args[1])
	strike, err2 := parseNumber(args[2])
	if err1 != nil || err2 != nil {
		return nil, &SyntaxError{Command: "buy", Key: i18n.KeyInvalidNumbers}
	}
	return Buy{Crop: CanonicalCrop(args[0]), Quantity: qty, Strike: strike}, nil
}

func parseExercise(args []string) (Command, error) {
	if len(args) == 0 {
		return nil, &SyntaxError{Command: "exercise", Key: i18n.KeyInvalidExerciseFormat}
	}
	id, err := strconv.ParseInt(strings.TrimPrefix(args[0], "#"), 10, 64)
	if err != nil || id <= 0 {
		return nil, &SyntaxError{Command: "exercise", Key: i18n.KeyInvalidFutureID}
	}
	return Exercise{ContractID: id}, nil
}

func parseRegister(args []string) (Command, error) {
	if len(args) != 4 {
		return nil, &SyntaxError{Command: "register", Key: i18n.KeyRegistrationFormat}
	}
	size, err := parseNumber(args[3])
	if err != nil {
		return nil, &SyntaxError{Command: "register", Key: i18n.KeyRegistrationFormat}
	}
	return Register{Name: args[0], Location: args[1], Crop: CanonicalCrop(args[2]), FarmSize: size}, nil
}

// parseNumber accepts plain decimals, with a comma as the decimal
// separator too. Exponent notation is refused.
func parseNumber(s string) (decimal.Decimal, error) {
	return pricing.ParseDecimal(s)
}
