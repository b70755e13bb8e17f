package i18n_test

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/agrifutures/futures-engine/internal/i18n"
)

func TestTemplateFallsBackToBaseline(t *testing.T) {
	assert.Equal(t, i18n.Template("en", i18n.KeyNoWallet), i18n.Template("fr", i18n.KeyNoWallet))
	assert.Equal(t, i18n.Template("en", i18n.KeyWelcome), i18n.Template("xx", i18n.KeyWelcome))
	assert.NotEqual(t, i18n.Template("en", i18n.KeyWelcome), i18n.Template("sw", i18n.KeyWelcome))
	assert.Empty(t, i18n.Template("en", "no_such_key"))
}

func TestEveryKeyHasBaselineTemplate(t *testing.T) {
	for _, lang := range i18n.Languages() {
		assert.NotEmpty(t, i18n.Template(lang, i18n.KeyRegistrationFormat), lang)
	}
	keys := []string{
		i18n.KeyWelcome, i18n.KeyInvalidCommand, i18n.KeyMenu, i18n.KeyFutureCreated,
		i18n.KeyInsufficientFunds, i18n.KeyInvalidCrop, i18n.KeyInvalidNumbers,
		i18n.KeyInvalidBuyFormat, i18n.KeyQuantityOutOfRange, i18n.KeyExposureLimit,
		i18n.KeyRegistrationFormat, i18n.KeyRegistrationError, i18n.KeyPriceCheck,
		i18n.KeyBalanceCheck, i18n.KeyBalanceError, i18n.KeyNoWallet, i18n.KeyBuyError,
		i18n.KeyInvalidExerciseFormat, i18n.KeyInvalidFutureID, i18n.KeyInvalidFuture,
		i18n.KeyCannotExercise, i18n.KeyExerciseSuccess, i18n.KeyExerciseError, i18n.KeyPriceError, i18n.KeyServiceError,
	}
	for _, k := range keys {
		assert.NotEmpty(t, i18n.Template("en", k), k)
	}
}

func TestRender(t *testing.T) {
	got := i18n.Render("en", i18n.KeyPriceCheck, map[string]string{
		"crop": "corn", "price": "45.00", "currency": "KES",
	})
	assert.Equal(t, "Current price for corn: 45.00 KES/kg", got)

	got = i18n.Render("sw", i18n.KeyBalanceCheck, map[string]string{"balance": "950.00", "currency": "KES"})
	assert.True(t, strings.HasPrefix(got, "Salio lako ni: 950.00 KES"))
	assert.Contains(t, got, "{active}", "unfilled placeholders stay visible")

	assert.Equal(t, i18n.Template("fr", i18n.KeyMenu), i18n.Render("fr", i18n.KeyMenu, nil))
}

func TestMatch(t *testing.T) {
	cases := map[string]string{
		"":      "en",
		"en":    "en",
		"sw":    "sw",
		"sw-KE": "sw",
		"sw_TZ": "sw",
		"fr-CM": "fr",
		"de":    "en",
		"!!":    "en",
	}
	for in, want := range cases {
		assert.Equal(t, want, i18n.Match(in), "Match(%q)", in)
	}
}

func TestDetect(t *testing.T) {
	assert.Equal(t, "sw", i18n.Detect("sajili Amina Nakuru mahindi 2"))
	assert.Equal(t, "sw", i18n.Detect("NUNUA corn 100 50"))
	assert.Equal(t, "fr", i18n.Detect("inscrire Awa Dakar riz 1"))
	assert.Equal(t, "en", i18n.Detect("register Amina Nakuru corn 2"))
	assert.Equal(t, "en", i18n.Detect("menu"))
	assert.Equal(t, "en", i18n.Detect(""))
}
